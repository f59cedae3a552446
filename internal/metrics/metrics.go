// Package metrics implements shared, lock-free accumulators: atomic
// counters updated from any goroutine without coordination, flushed
// periodically to CloudWatch. There is no HTTP surface here — this is
// purely the internal counters FATAL_PUBLISH and the stuck-sweep alert on.
package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"
)

// Counters accumulates the handful of signals the coordinator and
// reconciler need to expose operationally.
type Counters struct {
	SagasCreated      atomic.Int64
	SagasCompleted    atomic.Int64
	SagasCompensated  atomic.Int64
	SagasFailed       atomic.Int64
	RetriesIssued     atomic.Int64
	StuckRecovered    atomic.Int64
	PublishFailures   atomic.Int64
	CompensationFatal atomic.Int64
}

// Sink periodically flushes a Counters snapshot to CloudWatch, adapted
// from the CloudWatch client used in the corpus's pkg/observability
// metrics recorder.
type Sink struct {
	namespace string
	client    *cloudwatch.Client
	logger    *zap.Logger
}

// NewSink builds a Sink. client may be nil, in which case Flush is a no-op
// (useful in tests and local runs without an AWS account configured).
func NewSink(namespace string, client *cloudwatch.Client, logger *zap.Logger) *Sink {
	return &Sink{namespace: namespace, client: client, logger: logger}
}

// Flush emits one CloudWatch PutMetricData call carrying a datum for each
// non-zero counter and resets every counter back to zero, matching a
// simple counter-delta model.
func (s *Sink) Flush(ctx context.Context, c *Counters) error {
	if s.client == nil {
		return nil
	}

	snapshot := map[string]int64{
		"SagasCreated":      c.SagasCreated.Swap(0),
		"SagasCompleted":    c.SagasCompleted.Swap(0),
		"SagasCompensated":  c.SagasCompensated.Swap(0),
		"SagasFailed":       c.SagasFailed.Swap(0),
		"RetriesIssued":     c.RetriesIssued.Swap(0),
		"StuckRecovered":    c.StuckRecovered.Swap(0),
		"PublishFailures":   c.PublishFailures.Swap(0),
		"CompensationFatal": c.CompensationFatal.Swap(0),
	}

	var data []types.MetricDatum
	now := time.Now()
	for name, value := range snapshot {
		if value == 0 {
			continue
		}
		data = append(data, types.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(float64(value)),
			Unit:       types.StandardUnitCount,
			Timestamp:  aws.Time(now),
		})
	}

	if len(data) == 0 {
		return nil
	}

	_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(s.namespace),
		MetricData: data,
	})
	if err != nil {
		s.logger.Warn("failed to flush metrics to cloudwatch", zap.Error(err))
		return err
	}
	return nil
}

// Run flushes on the given interval until ctx is cancelled.
func (s *Sink) Run(ctx context.Context, c *Counters, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Flush(ctx, c)
		}
	}
}
