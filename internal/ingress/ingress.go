// Package ingress is the event entry point: one Delivery per inbound
// broker message, decoded just enough to extract a correlation id and
// dispatched to the Coordinator by logical topic name.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orderflow/saga-coordinator/internal/domain"
)

// Delivery is one message as the broker hands it to ingress, independent
// of which broker.Adapter produced it.
type Delivery struct {
	Topic   string
	Body    []byte
	Headers map[string]string
}

// Handler is the subset of Coordinator ingress depends on, kept narrow so
// this package's tests don't need the full coordinator wiring.
type Handler interface {
	Handle(ctx context.Context, topic, correlationID string, body []byte) error
}

// Ingress is stateless: every method call is independent, and multiple
// ingress workers may call HandleDelivery concurrently.
type Ingress struct {
	handler Handler
	logger  *zap.Logger
}

func New(handler Handler, logger *zap.Logger) *Ingress {
	return &Ingress{handler: handler, logger: logger}
}

// correlationProbe extracts just the fields ingress needs to resolve a
// correlation id without committing to either order.created envelope
// shape; the coordinator does its own full decode afterwards.
type correlationProbe struct {
	CorrelationID string `json:"correlationId"`
}

// HandleDelivery decodes the correlation id (body field, then envelope
// field, then X-Correlation-ID header, then a generated one), binds it to
// the log context, and dispatches to the Coordinator. On handler error it
// re-raises so the caller's broker client can apply its redelivery policy.
func (i *Ingress) HandleDelivery(ctx context.Context, d Delivery) error {
	correlationID := i.resolveCorrelationID(d)
	log := i.logger.With(zap.String("topic", d.Topic), zap.String("correlationId", correlationID))

	if err := i.handler.Handle(ctx, d.Topic, correlationID, d.Body); err != nil {
		log.Error("dispatch failed, re-raising for redelivery", zap.Error(err))
		return fmt.Errorf("handling %s: %w", d.Topic, err)
	}
	return nil
}

func (i *Ingress) resolveCorrelationID(d Delivery) string {
	// In the wrapper shape the event body is the envelope's data field.
	var envelope domain.Envelope
	if err := json.Unmarshal(d.Body, &envelope); err == nil && envelope.Topic == domain.TopicOrderCreated && len(envelope.Data) > 0 {
		var inner correlationProbe
		if err := json.Unmarshal(envelope.Data, &inner); err == nil && inner.CorrelationID != "" {
			return inner.CorrelationID
		}
	}

	// Top-level field: the body's own field for a direct body, the
	// envelope's field for the wrapper shape.
	var probe correlationProbe
	if err := json.Unmarshal(d.Body, &probe); err == nil && probe.CorrelationID != "" {
		return probe.CorrelationID
	}

	for key, value := range d.Headers {
		if strings.EqualFold(key, "X-Correlation-ID") && value != "" {
			return value
		}
	}

	return uuid.New().String()
}
