// Package reconciler sweeps stuck and failed sagas on two independent
// tickers running on a single-threaded scheduler.
package reconciler

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/orderflow/saga-coordinator/internal/domain"
	"github.com/orderflow/saga-coordinator/internal/metrics"
	"github.com/orderflow/saga-coordinator/internal/publisher"
	"github.com/orderflow/saga-coordinator/internal/store"
)

const stuckReason = "Saga stuck in processing state"

var stuckStatuses = []domain.Status{
	domain.StatusPaymentProcessing,
	domain.StatusInventoryProcessing,
	domain.StatusShippingProcessing,
}

// Reconciler sweeps for sagas that stalled mid-flight and runs a
// retry-sweep hook for FAILED sagas (RetrySweep, which does nothing).
type Reconciler struct {
	store      store.Store
	publisher  *publisher.Publisher
	counters   *metrics.Counters
	logger     *zap.Logger
	maxRetries int
	threshold  time.Duration

	stuckSweeping  atomic.Bool
	retrySweeping  atomic.Bool
}

func New(st store.Store, pub *publisher.Publisher, counters *metrics.Counters, maxRetries int, stuckThreshold time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:      st,
		publisher:  pub,
		counters:   counters,
		logger:     logger,
		maxRetries: maxRetries,
		threshold:  stuckThreshold,
	}
}

// Run starts both sweeps on independent tickers and blocks until ctx is
// cancelled. Sweeps run one at a time on Run's own goroutine, so neither
// overlaps itself or the other; each also keeps its own in-progress guard.
func (r *Reconciler) Run(ctx context.Context, stuckRate, retryRate time.Duration) {
	stuckTicker := time.NewTicker(stuckRate)
	retryTicker := time.NewTicker(retryRate)
	defer stuckTicker.Stop()
	defer retryTicker.Stop()

	r.logger.Info("reconciler started", zap.Duration("stuckSweepRate", stuckRate), zap.Duration("retrySweepRate", retryRate))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler shutting down")
			return
		case <-stuckTicker.C:
			r.runStuckSweep(ctx)
		case <-retryTicker.C:
			r.runRetrySweep(ctx)
		}
	}
}

func (r *Reconciler) runStuckSweep(ctx context.Context) {
	if !r.stuckSweeping.CompareAndSwap(false, true) {
		r.logger.Debug("stuck sweep already in progress, skipping tick")
		return
	}
	defer r.stuckSweeping.Store(false)

	if err := r.StuckSweep(ctx); err != nil {
		r.logger.Error("stuck sweep failed", zap.Error(err))
	}
}

func (r *Reconciler) runRetrySweep(ctx context.Context) {
	if !r.retrySweeping.CompareAndSwap(false, true) {
		r.logger.Debug("retry sweep already in progress, skipping tick")
		return
	}
	defer r.retrySweeping.Store(false)

	if err := r.RetrySweep(ctx); err != nil {
		r.logger.Error("retry sweep failed", zap.Error(err))
	}
}

// StuckSweep finds sagas parked in a processing state past the stuck
// threshold and either retries the in-flight step or fails the saga.
func (r *Reconciler) StuckSweep(ctx context.Context) error {
	cutoff := time.Now().Add(-r.threshold)
	stuck, err := r.store.FindStuck(ctx, stuckStatuses, cutoff)
	if err != nil {
		return err
	}

	for _, saga := range stuck {
		if err := r.recoverStuck(ctx, saga); err != nil {
			r.logger.Error("failed to recover stuck saga", zap.String("orderId", saga.OrderID), zap.Error(err))
			continue
		}
		r.counters.StuckRecovered.Add(1)
	}
	return nil
}

func (r *Reconciler) recoverStuck(ctx context.Context, saga *domain.Saga) error {
	return r.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		current, err := tx.FindByOrderID(ctx, saga.OrderID)
		if err != nil {
			return err
		}
		// Re-check under the transaction: the saga may have advanced
		// between the sweep's read and this recovery attempt.
		if current.Status.IsTerminal() || current.Status != saga.Status {
			return nil
		}

		if current.RetryEligible() {
			current.RetryCount++
			if err := r.republish(ctx, current); err != nil {
				return err
			}
			return tx.Save(ctx, current)
		}

		reason := stuckReason
		current.ErrorMessage = &reason
		return r.failStuckSaga(ctx, tx, current)
	})
}

func (r *Reconciler) republish(ctx context.Context, saga *domain.Saga) error {
	switch saga.CurrentStep {
	case domain.StepPayment:
		return r.publisher.PaymentProcessing(ctx, domain.PaymentProcessingCmd{
			OrderID: saga.OrderID, CustomerID: saga.CustomerID,
			TotalAmount: saga.TotalAmount.String(), Currency: saga.TotalAmount.Currency, CorrelationID: saga.CorrelationID,
		})
	case domain.StepInventory:
		var items []domain.OrderItem
		_ = json.Unmarshal(saga.OrderItems, &items)
		return r.publisher.InventoryReservation(ctx, domain.InventoryReservationCmd{
			OrderID: saga.OrderID, Items: items, CorrelationID: saga.CorrelationID,
		})
	case domain.StepShipping:
		return r.publisher.ShippingPreparation(ctx, domain.ShippingPreparationCmd{
			OrderID: saga.OrderID, ShippingAddress: saga.ShippingAddress, CorrelationID: saga.CorrelationID,
		})
	}
	return nil
}

// failStuckSaga runs the same compensation algorithm as the coordinator's
// failure path, in reverse acquisition order.
func (r *Reconciler) failStuckSaga(ctx context.Context, tx store.Store, saga *domain.Saga) error {
	saga.Status = domain.StatusCompensating

	for _, res := range saga.AcquiredResourceIDs() {
		var err error
		switch res.Step {
		case domain.StepShipping:
			err = r.publisher.ShippingCancellation(ctx, domain.ShippingCancellationCmd{OrderID: saga.OrderID, ShippingID: res.ID, CorrelationID: saga.CorrelationID})
		case domain.StepInventory:
			err = r.publisher.InventoryRelease(ctx, domain.InventoryReleaseCmd{OrderID: saga.OrderID, ReservationID: res.ID, CorrelationID: saga.CorrelationID})
		case domain.StepPayment:
			err = r.publisher.PaymentRefund(ctx, domain.PaymentRefundCmd{OrderID: saga.OrderID, PaymentID: res.ID, CorrelationID: saga.CorrelationID})
		}
		if err != nil {
			saga.Status = domain.StatusFailed
			r.counters.CompensationFatal.Add(1)
			r.counters.SagasFailed.Add(1)
			return tx.Save(ctx, saga)
		}
	}

	reason := ""
	if saga.ErrorMessage != nil {
		reason = *saga.ErrorMessage
	}
	if err := r.publisher.OrderFailed(ctx, domain.OrderFailedNotif{
		OrderID: saga.OrderID, Reason: reason, FailureStep: saga.FailureStep(), CorrelationID: saga.CorrelationID,
	}); err != nil {
		saga.Status = domain.StatusFailed
		r.counters.CompensationFatal.Add(1)
		r.counters.SagasFailed.Add(1)
		return tx.Save(ctx, saga)
	}

	saga.Status = domain.StatusCompensated
	r.counters.SagasCompensated.Add(1)
	return tx.Save(ctx, saga)
}

// RetrySweep is reserved for cooled-down retries of FAILED sagas. It is a
// no-op today: FAILED is terminal and there is no operator-facing un-fail
// path yet, so there is nothing to sweep for until one is added.
func (r *Reconciler) RetrySweep(ctx context.Context) error {
	return nil
}
