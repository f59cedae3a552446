// Package publisher wraps a broker.Adapter with typed outbound messages
// so the coordinator never touches raw JSON or routing keys directly.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/orderflow/saga-coordinator/internal/broker"
	"github.com/orderflow/saga-coordinator/internal/domain"
	"github.com/orderflow/saga-coordinator/internal/errs"
	"github.com/orderflow/saga-coordinator/internal/metrics"
)

// CorrelationHeader is the header every outbound message carries, matching
// the header name the ingress looks for on inbound messages.
const CorrelationHeader = "X-Correlation-Id"

// Publisher is the outbound messaging port the coordinator depends on.
type Publisher struct {
	adapter  broker.Adapter
	counters *metrics.Counters
	logger   *zap.Logger
}

func New(adapter broker.Adapter, counters *metrics.Counters, logger *zap.Logger) *Publisher {
	return &Publisher{adapter: adapter, counters: counters, logger: logger}
}

func (p *Publisher) PaymentProcessing(ctx context.Context, cmd domain.PaymentProcessingCmd) error {
	return p.publish(ctx, domain.TopicPaymentProcessing, cmd.CorrelationID, cmd)
}

func (p *Publisher) InventoryReservation(ctx context.Context, cmd domain.InventoryReservationCmd) error {
	return p.publish(ctx, domain.TopicInventoryReservation, cmd.CorrelationID, cmd)
}

func (p *Publisher) ShippingPreparation(ctx context.Context, cmd domain.ShippingPreparationCmd) error {
	return p.publish(ctx, domain.TopicShippingPreparation, cmd.CorrelationID, cmd)
}

func (p *Publisher) PaymentRefund(ctx context.Context, cmd domain.PaymentRefundCmd) error {
	return p.publish(ctx, domain.TopicPaymentRefund, cmd.CorrelationID, cmd)
}

func (p *Publisher) InventoryRelease(ctx context.Context, cmd domain.InventoryReleaseCmd) error {
	return p.publish(ctx, domain.TopicInventoryRelease, cmd.CorrelationID, cmd)
}

func (p *Publisher) ShippingCancellation(ctx context.Context, cmd domain.ShippingCancellationCmd) error {
	return p.publish(ctx, domain.TopicShippingCancellation, cmd.CorrelationID, cmd)
}

func (p *Publisher) OrderStatusChanged(ctx context.Context, notif domain.OrderStatusChangedNotif) error {
	return p.publish(ctx, domain.TopicOrderStatusChanged, notif.CorrelationID, notif)
}

func (p *Publisher) OrderCompleted(ctx context.Context, notif domain.OrderCompletedNotif) error {
	return p.publish(ctx, domain.TopicOrderCompleted, notif.CorrelationID, notif)
}

func (p *Publisher) OrderFailed(ctx context.Context, notif domain.OrderFailedNotif) error {
	return p.publish(ctx, domain.TopicOrderFailed, notif.CorrelationID, notif)
}

func (p *Publisher) publish(ctx context.Context, topic, correlationID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.FatalPublish, fmt.Sprintf("marshaling %s payload", topic), err)
	}

	msg := broker.Message{
		RoutingKey: topic,
		Body:       body,
		Headers:    map[string]string{CorrelationHeader: correlationID},
	}

	if err := p.adapter.Publish(ctx, msg); err != nil {
		p.logger.Error("publish failed",
			zap.String("topic", topic),
			zap.String("correlationId", correlationID),
			zap.String("provider", p.adapter.ProviderName()),
			zap.Error(err),
		)
		if p.counters != nil {
			p.counters.PublishFailures.Add(1)
		}
		return errs.Wrap(errs.FatalPublish, fmt.Sprintf("publishing to %s", topic), err)
	}
	return nil
}
