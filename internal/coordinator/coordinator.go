// Package coordinator implements the saga state machine: every inbound
// event is applied inside a single store transaction that reloads the
// row, mutates it, emits zero or more outbound commands, and saves.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orderflow/saga-coordinator/internal/domain"
	"github.com/orderflow/saga-coordinator/internal/errs"
	"github.com/orderflow/saga-coordinator/internal/metrics"
	"github.com/orderflow/saga-coordinator/internal/publisher"
	"github.com/orderflow/saga-coordinator/internal/store"
)

// Clock lets tests control "now" without sleeping.
type Clock func() time.Time

// Coordinator is the saga state machine. It never talks to the broker or
// the database directly outside of the Store/Publisher ports, so it can
// be exercised with the in-memory fakes in this package's tests.
type Coordinator struct {
	store      store.Store
	publisher  *publisher.Publisher
	logger     *zap.Logger
	counters   *metrics.Counters
	maxRetries int
	now        Clock
}

func New(st store.Store, pub *publisher.Publisher, counters *metrics.Counters, maxRetries int, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:      st,
		publisher:  pub,
		logger:     logger,
		counters:   counters,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// Handle dispatches one inbound event by its logical topic, wrapping the
// whole thing in one store transaction. A transient store
// error (e.g. CONFLICT) is returned unwrapped so the ingress can re-raise
// it for broker redelivery.
func (c *Coordinator) Handle(ctx context.Context, topic string, correlationID string, body []byte) error {
	log := c.logger.With(zap.String("topic", topic), zap.String("correlationId", correlationID))

	var status store.EventLogStatus
	var sagaID string

	err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		var err error
		sagaID, status, err = c.dispatch(ctx, tx, topic, correlationID, body, log)
		return err
	})

	logErr := c.store.AppendEventLog(ctx, sagaID, topic, body, correlationID, string(orDefault(status)), c.now())
	if logErr != nil {
		log.Warn("failed to append saga event log row", zap.Error(logErr))
	}

	if err != nil {
		log.Error("handler failed", zap.Error(err))
		return err
	}
	return nil
}

func orDefault(status store.EventLogStatus) store.EventLogStatus {
	if status == "" {
		return store.EventLogApplied
	}
	return status
}

func (c *Coordinator) dispatch(ctx context.Context, tx store.Store, topic, correlationID string, body []byte, log *zap.Logger) (string, store.EventLogStatus, error) {
	switch topic {
	case domain.TopicOrderCreated:
		return c.handleOrderCreated(ctx, tx, correlationID, body, log)
	case domain.TopicPaymentProcessed:
		return c.handlePaymentProcessed(ctx, tx, body, log)
	case domain.TopicPaymentFailed:
		return c.handleStepFailed(ctx, tx, body, log, domain.StepPayment)
	case domain.TopicInventoryReserved:
		return c.handleInventoryReserved(ctx, tx, body, log)
	case domain.TopicInventoryFailed:
		return c.handleStepFailed(ctx, tx, body, log, domain.StepInventory)
	case domain.TopicShippingPrepared:
		return c.handleShippingPrepared(ctx, tx, body, log)
	case domain.TopicShippingFailed:
		return c.handleStepFailed(ctx, tx, body, log, domain.StepShipping)
	case domain.TopicOrderCancelled:
		return c.handleOrderCancelled(ctx, tx, body, log)
	case domain.TopicOrderShipped, domain.TopicOrderDelivered:
		return c.handleForceAdvance(ctx, tx, body, log)
	case domain.TopicOrderDeleted:
		return c.handleOrderDeleted(ctx, tx, body, log)
	default:
		log.Warn("no handler registered for topic")
		return "", store.EventLogDropped, nil
	}
}

func (c *Coordinator) handleOrderCreated(ctx context.Context, tx store.Store, correlationID string, body []byte, log *zap.Logger) (string, store.EventLogStatus, error) {
	evt, err := decodeOrderCreated(body)
	if err != nil {
		return "", store.EventLogFailed, errs.Wrap(errs.DecodeError, "decoding order.created", err)
	}
	if evt.CorrelationID != "" {
		correlationID = evt.CorrelationID
	}

	total, err := domain.NewMoney(evt.TotalAmount, evt.Currency)
	if err != nil {
		return "", store.EventLogFailed, errs.Wrap(errs.DecodeError, "parsing order.created totalAmount", err)
	}

	items, _ := json.Marshal(evt.Items)
	saga := domain.NewSaga("", evt.OrderID, evt.CustomerID, evt.OrderNumber, total,
		items, evt.ShippingAddress, evt.BillingAddress, correlationID, c.maxRetries, c.now())
	saga.SagaID = newSagaID(evt.OrderID)

	if err := tx.Create(ctx, saga); err != nil {
		if errs.Is(err, errs.AlreadyExists) {
			log.Info("duplicate order.created dropped", zap.String("orderId", evt.OrderID))
			return saga.SagaID, store.EventLogIgnored, nil
		}
		return saga.SagaID, store.EventLogFailed, err
	}

	if err := c.publisher.PaymentProcessing(ctx, domain.PaymentProcessingCmd{
		OrderID: evt.OrderID, CustomerID: evt.CustomerID,
		TotalAmount: evt.TotalAmount, Currency: evt.Currency, CorrelationID: correlationID,
	}); err != nil {
		return saga.SagaID, store.EventLogFailed, err
	}

	c.counters.SagasCreated.Add(1)
	return saga.SagaID, store.EventLogApplied, nil
}

func (c *Coordinator) handlePaymentProcessed(ctx context.Context, tx store.Store, body []byte, log *zap.Logger) (string, store.EventLogStatus, error) {
	var evt domain.PaymentProcessed
	if err := json.Unmarshal(body, &evt); err != nil {
		return "", store.EventLogFailed, errs.Wrap(errs.DecodeError, "decoding payment.processed", err)
	}

	saga, status, err := c.loadForStep(ctx, tx, evt.OrderID, domain.StatusPaymentProcessing, log)
	if saga == nil || status != store.EventLogApplied {
		return idOf(saga), status, err
	}

	saga.PaymentID = &evt.PaymentID
	saga.Status = domain.StatusInventoryProcessing
	saga.CurrentStep = domain.StepInventory

	var items []domain.OrderItem
	_ = json.Unmarshal(saga.OrderItems, &items)

	if err := c.publisher.InventoryReservation(ctx, domain.InventoryReservationCmd{
		OrderID: saga.OrderID, Items: items, CorrelationID: saga.CorrelationID,
	}); err != nil {
		return saga.SagaID, store.EventLogFailed, err
	}
	if err := tx.Save(ctx, saga); err != nil {
		return saga.SagaID, store.EventLogFailed, err
	}
	return saga.SagaID, store.EventLogApplied, nil
}

func (c *Coordinator) handleInventoryReserved(ctx context.Context, tx store.Store, body []byte, log *zap.Logger) (string, store.EventLogStatus, error) {
	var evt domain.InventoryReserved
	if err := json.Unmarshal(body, &evt); err != nil {
		return "", store.EventLogFailed, errs.Wrap(errs.DecodeError, "decoding inventory.reserved", err)
	}

	saga, status, err := c.loadForStep(ctx, tx, evt.OrderID, domain.StatusInventoryProcessing, log)
	if saga == nil || status != store.EventLogApplied {
		return idOf(saga), status, err
	}

	saga.InventoryReservationID = &evt.ReservationID
	saga.Status = domain.StatusShippingProcessing
	saga.CurrentStep = domain.StepShipping

	if err := c.publisher.ShippingPreparation(ctx, domain.ShippingPreparationCmd{
		OrderID: saga.OrderID, ShippingAddress: saga.ShippingAddress, CorrelationID: saga.CorrelationID,
	}); err != nil {
		return saga.SagaID, store.EventLogFailed, err
	}
	if err := tx.Save(ctx, saga); err != nil {
		return saga.SagaID, store.EventLogFailed, err
	}
	return saga.SagaID, store.EventLogApplied, nil
}

func (c *Coordinator) handleShippingPrepared(ctx context.Context, tx store.Store, body []byte, log *zap.Logger) (string, store.EventLogStatus, error) {
	var evt domain.ShippingPrepared
	if err := json.Unmarshal(body, &evt); err != nil {
		return "", store.EventLogFailed, errs.Wrap(errs.DecodeError, "decoding shipping.prepared", err)
	}

	saga, status, err := c.loadForStep(ctx, tx, evt.OrderID, domain.StatusShippingProcessing, log)
	if saga == nil || status != store.EventLogApplied {
		return idOf(saga), status, err
	}

	saga.ShippingID = &evt.ShippingID
	saga.Status = domain.StatusCompleted
	saga.CurrentStep = domain.StepCompleted
	completedAt := c.now()
	saga.CompletedAt = &completedAt

	if err := c.publisher.OrderCompleted(ctx, domain.OrderCompletedNotif{
		OrderID: saga.OrderID, PaymentID: valueOr(saga.PaymentID), CompletedAt: completedAt, CorrelationID: saga.CorrelationID,
	}); err != nil {
		return saga.SagaID, store.EventLogFailed, err
	}
	if err := tx.Save(ctx, saga); err != nil {
		return saga.SagaID, store.EventLogFailed, err
	}
	c.counters.SagasCompleted.Add(1)
	return saga.SagaID, store.EventLogApplied, nil
}

// handleStepFailed implements the shared retry-or-compensate policy for
// payment.failed, inventory.failed, and shipping.failed.
func (c *Coordinator) handleStepFailed(ctx context.Context, tx store.Store, body []byte, log *zap.Logger, step domain.Step) (string, store.EventLogStatus, error) {
	var orderID, reason string
	var failure struct {
		OrderID string `json:"orderId"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(body, &failure); err != nil {
		return "", store.EventLogFailed, errs.Wrap(errs.DecodeError, "decoding failure event", err)
	}
	orderID, reason = failure.OrderID, failure.Reason

	expectedStatus := statusForStep(step)
	saga, status, err := c.loadForStep(ctx, tx, orderID, expectedStatus, log)
	if saga == nil || status != store.EventLogApplied {
		return idOf(saga), status, err
	}

	if saga.RetryEligible() {
		saga.RetryCount++
		if err := c.republishStep(ctx, saga, step); err != nil {
			return saga.SagaID, store.EventLogFailed, err
		}
		if err := tx.Save(ctx, saga); err != nil {
			return saga.SagaID, store.EventLogFailed, err
		}
		c.counters.RetriesIssued.Add(1)
		return saga.SagaID, store.EventLogApplied, nil
	}

	saga.ErrorMessage = &reason
	return c.beginCompensation(ctx, tx, saga)
}

func (c *Coordinator) handleOrderCancelled(ctx context.Context, tx store.Store, body []byte, log *zap.Logger) (string, store.EventLogStatus, error) {
	var evt domain.OrderCancelled
	if err := json.Unmarshal(body, &evt); err != nil {
		return "", store.EventLogFailed, errs.Wrap(errs.DecodeError, "decoding order.cancelled", err)
	}

	saga, err := tx.FindByOrderID(ctx, evt.OrderID)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			log.Info("order.cancelled for unknown order dropped", zap.String("orderId", evt.OrderID))
			return "", store.EventLogDropped, nil
		}
		return "", store.EventLogFailed, err
	}
	if saga.Status.IsTerminal() || saga.Status == domain.StatusCompensating {
		return saga.SagaID, store.EventLogIgnored, nil
	}

	saga.ErrorMessage = &evt.Reason
	return c.beginCompensation(ctx, tx, saga)
}

func (c *Coordinator) handleForceAdvance(ctx context.Context, tx store.Store, body []byte, log *zap.Logger) (string, store.EventLogStatus, error) {
	var evt domain.OrderStatusEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return "", store.EventLogFailed, errs.Wrap(errs.DecodeError, "decoding order status event", err)
	}

	saga, err := tx.FindByOrderID(ctx, evt.OrderID)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			log.Info("status event for unknown order dropped", zap.String("orderId", evt.OrderID))
			return "", store.EventLogDropped, nil
		}
		return "", store.EventLogFailed, err
	}
	if saga.Status.IsTerminal() {
		return saga.SagaID, store.EventLogIgnored, nil
	}

	saga.Status = domain.StatusCompleted
	saga.CurrentStep = domain.StepCompleted
	completedAt := c.now()
	saga.CompletedAt = &completedAt

	if err := c.publisher.OrderStatusChanged(ctx, domain.OrderStatusChangedNotif{
		OrderID: saga.OrderID, NewStatus: evt.NewStatus, UpdatedAt: completedAt, CorrelationID: saga.CorrelationID,
	}); err != nil {
		return saga.SagaID, store.EventLogFailed, err
	}
	if err := tx.Save(ctx, saga); err != nil {
		return saga.SagaID, store.EventLogFailed, err
	}
	return saga.SagaID, store.EventLogApplied, nil
}

func (c *Coordinator) handleOrderDeleted(ctx context.Context, tx store.Store, body []byte, log *zap.Logger) (string, store.EventLogStatus, error) {
	var evt domain.OrderDeleted
	if err := json.Unmarshal(body, &evt); err != nil {
		return "", store.EventLogFailed, errs.Wrap(errs.DecodeError, "decoding order.deleted", err)
	}

	saga, err := tx.FindByOrderID(ctx, evt.OrderID)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			log.Info("order.deleted for unknown order dropped", zap.String("orderId", evt.OrderID))
			return "", store.EventLogDropped, nil
		}
		return "", store.EventLogFailed, err
	}

	if !saga.Status.IsTerminal() {
		saga.ErrorMessage = stringPtr("deleted before completion")
		if _, status, err := c.beginCompensation(ctx, tx, saga); err != nil || saga.Status == domain.StatusFailed {
			return saga.SagaID, status, err
		}
	}

	if err := tx.Delete(ctx, saga); err != nil {
		return saga.SagaID, store.EventLogFailed, err
	}
	return saga.SagaID, store.EventLogApplied, nil
}

// beginCompensation runs the full compensation algorithm: reverse-order
// release commands, then order.failed, then COMPENSATED. A
// publish error mid-sequence moves the saga to FAILED instead, since the
// coordinator does not retry compensation itself.
func (c *Coordinator) beginCompensation(ctx context.Context, tx store.Store, saga *domain.Saga) (string, store.EventLogStatus, error) {
	saga.Status = domain.StatusCompensating

	for _, res := range saga.AcquiredResourceIDs() {
		var err error
		switch res.Step {
		case domain.StepShipping:
			err = c.publisher.ShippingCancellation(ctx, domain.ShippingCancellationCmd{
				OrderID: saga.OrderID, ShippingID: res.ID, CorrelationID: saga.CorrelationID,
			})
		case domain.StepInventory:
			err = c.publisher.InventoryRelease(ctx, domain.InventoryReleaseCmd{
				OrderID: saga.OrderID, ReservationID: res.ID, CorrelationID: saga.CorrelationID,
			})
		case domain.StepPayment:
			err = c.publisher.PaymentRefund(ctx, domain.PaymentRefundCmd{
				OrderID: saga.OrderID, PaymentID: res.ID, CorrelationID: saga.CorrelationID,
			})
		}
		if err != nil {
			saga.Status = domain.StatusFailed
			c.counters.CompensationFatal.Add(1)
			c.counters.SagasFailed.Add(1)
			if saveErr := tx.Save(ctx, saga); saveErr != nil {
				return saga.SagaID, store.EventLogFailed, saveErr
			}
			c.logger.Error("compensation publish failed, saga marked FAILED", zap.String("orderId", saga.OrderID), zap.Error(err))
			return saga.SagaID, store.EventLogFailed, nil
		}
	}

	reason := ""
	if saga.ErrorMessage != nil {
		reason = *saga.ErrorMessage
	}
	if err := c.publisher.OrderFailed(ctx, domain.OrderFailedNotif{
		OrderID: saga.OrderID, Reason: reason, FailureStep: saga.FailureStep(), CorrelationID: saga.CorrelationID,
	}); err != nil {
		saga.Status = domain.StatusFailed
		c.counters.CompensationFatal.Add(1)
		c.counters.SagasFailed.Add(1)
		if saveErr := tx.Save(ctx, saga); saveErr != nil {
			return saga.SagaID, store.EventLogFailed, saveErr
		}
		c.logger.Error("order.failed publish failed, saga marked FAILED", zap.String("orderId", saga.OrderID), zap.Error(err))
		return saga.SagaID, store.EventLogFailed, nil
	}

	saga.Status = domain.StatusCompensated
	if err := tx.Save(ctx, saga); err != nil {
		return saga.SagaID, store.EventLogFailed, err
	}
	c.counters.SagasCompensated.Add(1)
	return saga.SagaID, store.EventLogApplied, nil
}

// republishStep re-emits the same outbound command for the step that just
// failed, using only the fields stored on the saga row: same routing key,
// same payload, rebuilt from persisted state rather than the original event.
func (c *Coordinator) republishStep(ctx context.Context, saga *domain.Saga, step domain.Step) error {
	switch step {
	case domain.StepPayment:
		return c.publisher.PaymentProcessing(ctx, domain.PaymentProcessingCmd{
			OrderID: saga.OrderID, CustomerID: saga.CustomerID,
			TotalAmount: saga.TotalAmount.String(), Currency: saga.TotalAmount.Currency, CorrelationID: saga.CorrelationID,
		})
	case domain.StepInventory:
		var items []domain.OrderItem
		_ = json.Unmarshal(saga.OrderItems, &items)
		return c.publisher.InventoryReservation(ctx, domain.InventoryReservationCmd{
			OrderID: saga.OrderID, Items: items, CorrelationID: saga.CorrelationID,
		})
	case domain.StepShipping:
		return c.publisher.ShippingPreparation(ctx, domain.ShippingPreparationCmd{
			OrderID: saga.OrderID, ShippingAddress: saga.ShippingAddress, CorrelationID: saga.CorrelationID,
		})
	default:
		return fmt.Errorf("no outbound command for step %s", step)
	}
}

// loadForStep reloads the saga by orderId and applies the ignored-event
// rule: an event whose expected status no longer matches current status
// (already advanced, already compensating, or terminal) is dropped rather
// than erroring.
func (c *Coordinator) loadForStep(ctx context.Context, tx store.Store, orderID string, expected domain.Status, log *zap.Logger) (*domain.Saga, store.EventLogStatus, error) {
	saga, err := tx.FindByOrderID(ctx, orderID)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			log.Info("event for unknown order dropped", zap.String("orderId", orderID))
			return nil, store.EventLogDropped, nil
		}
		return nil, store.EventLogFailed, err
	}

	if saga.Status.IsTerminal() {
		log.Info("event for terminal saga ignored", zap.String("orderId", orderID), zap.String("status", string(saga.Status)))
		return saga, store.EventLogIgnored, nil
	}
	if saga.Status != expected {
		log.Info("event for saga past its step ignored", zap.String("orderId", orderID),
			zap.String("expected", string(expected)), zap.String("actual", string(saga.Status)))
		return saga, store.EventLogIgnored, nil
	}
	return saga, store.EventLogApplied, nil
}

func statusForStep(step domain.Step) domain.Status {
	switch step {
	case domain.StepPayment:
		return domain.StatusPaymentProcessing
	case domain.StepInventory:
		return domain.StatusInventoryProcessing
	case domain.StepShipping:
		return domain.StatusShippingProcessing
	default:
		return ""
	}
}

func decodeOrderCreated(body []byte) (domain.OrderCreated, error) {
	// order.created may arrive as a direct body or wrapped in an Envelope;
	// probe for the wrapper shape first.
	var envelope domain.Envelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Topic == domain.TopicOrderCreated && len(envelope.Data) > 0 {
		var evt domain.OrderCreated
		if err := json.Unmarshal(envelope.Data, &evt); err != nil {
			return domain.OrderCreated{}, err
		}
		if evt.CorrelationID == "" {
			evt.CorrelationID = envelope.CorrelationID
		}
		return evt, nil
	}

	var evt domain.OrderCreated
	if err := json.Unmarshal(body, &evt); err != nil {
		return domain.OrderCreated{}, err
	}
	return evt, nil
}

func idOf(saga *domain.Saga) string {
	if saga == nil {
		return ""
	}
	return saga.SagaID
}

func valueOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func stringPtr(s string) *string { return &s }

func newSagaID(orderID string) string {
	return uuid.New().String()
}
