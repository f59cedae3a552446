package broker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"
)

// CloudBus publishes to an AWS EventBridge event bus. Adapted from
// 2lar-b2's EventBridgePublisher: one entry per PutEvents call, failed
// entry reporting, and a fixed source string identifying this service.
type CloudBus struct {
	client       *eventbridge.Client
	eventBusName string
	source       string
	region       string
	logger       *zap.Logger
}

const cloudBusSource = "ordersaga.coordinator"

// NewCloudBus constructs an uninitialized CloudBus; call Initialize before
// publishing.
func NewCloudBus(eventBusName, region string, logger *zap.Logger) *CloudBus {
	return &CloudBus{eventBusName: eventBusName, region: region, source: cloudBusSource, logger: logger}
}

func (c *CloudBus) Initialize(ctx context.Context) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.region))
	if err != nil {
		return fmt.Errorf("loading aws config: %w", err)
	}
	c.client = eventbridge.NewFromConfig(cfg)
	return nil
}

func (c *CloudBus) Publish(ctx context.Context, msg Message) error {
	entry := types.PutEventsRequestEntry{
		EventBusName: aws.String(c.eventBusName),
		Source:       aws.String(c.source),
		DetailType:   aws.String(msg.RoutingKey),
		Detail:       aws.String(string(msg.Body)),
	}

	out, err := c.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{entry},
	})
	if err != nil {
		return fmt.Errorf("publishing to eventbridge: %w", err)
	}
	if out.FailedEntryCount > 0 && len(out.Entries) > 0 {
		e := out.Entries[0]
		return fmt.Errorf("eventbridge rejected entry: %s: %s", aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage))
	}
	return nil
}

func (c *CloudBus) IsHealthy(ctx context.Context) bool {
	return c.client != nil
}

func (c *CloudBus) ProviderName() string { return "cloudbus" }

func (c *CloudBus) Shutdown(ctx context.Context) error { return nil }

// CloudBus intentionally does not implement broker.Subscriber: an
// EventBridge bus is routed to consumers through rule targets (SQS,
// Lambda), not polled directly, so ingress falls back to requiring one of
// the pull-capable variants when MESSAGING_PROVIDER=cloudbus.
