package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orderflow/saga-coordinator/internal/broker"
	"github.com/orderflow/saga-coordinator/internal/domain"
	"github.com/orderflow/saga-coordinator/internal/metrics"
	"github.com/orderflow/saga-coordinator/internal/publisher"
)

func stuckSaga(orderID string, status domain.Status, retryCount, maxRetries int, updatedAt time.Time) *domain.Saga {
	now := time.Now()
	saga := domain.NewSaga("saga-"+orderID, orderID, "cust-1", "ORD-1",
		domain.Money{MinorUnits: 1000, Currency: "USD"}, []byte(`[]`), []byte(`{}`), []byte(`{}`), "corr-1", maxRetries, now)
	saga.Status = status
	saga.RetryCount = retryCount
	saga.UpdatedAt = updatedAt
	return saga
}

func TestStuckSweep_RetriesWhenBudgetRemains(t *testing.T) {
	st := newMemStore()
	mem := broker.NewMemory()
	counters := &metrics.Counters{}
	pub := publisher.New(mem, counters, zap.NewNop())
	r := New(st, pub, counters, 3, 30*time.Minute, zap.NewNop())

	old := time.Now().Add(-45 * time.Minute)
	saga := stuckSaga("order-1", domain.StatusPaymentProcessing, 0, 3, old)
	saga.CurrentStep = domain.StepPayment
	st.put(saga)

	require.NoError(t, r.StuckSweep(context.Background()))

	got, err := st.FindByOrderID(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, domain.StatusPaymentProcessing, got.Status)
	assert.Len(t, mem.Messages(), 1)
}

func TestStuckSweep_FailsWhenRetryBudgetExhausted(t *testing.T) {
	st := newMemStore()
	mem := broker.NewMemory()
	counters := &metrics.Counters{}
	pub := publisher.New(mem, counters, zap.NewNop())
	r := New(st, pub, counters, 3, 30*time.Minute, zap.NewNop())

	old := time.Now().Add(-45 * time.Minute)
	saga := stuckSaga("order-1", domain.StatusInventoryProcessing, 3, 3, old)
	saga.CurrentStep = domain.StepInventory
	inv := "inv-1"
	saga.InventoryReservationID = &inv
	pay := "pay-1"
	saga.PaymentID = &pay
	st.put(saga)

	require.NoError(t, r.StuckSweep(context.Background()))

	got, err := st.FindByOrderID(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompensated, got.Status)

	msgs := mem.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, domain.TopicInventoryRelease, msgs[0].RoutingKey)
	assert.Equal(t, domain.TopicPaymentRefund, msgs[1].RoutingKey)
	assert.Equal(t, domain.TopicOrderFailed, msgs[2].RoutingKey)
}

func TestStuckSweep_IgnoresRecentlyUpdatedSagas(t *testing.T) {
	st := newMemStore()
	mem := broker.NewMemory()
	counters := &metrics.Counters{}
	pub := publisher.New(mem, counters, zap.NewNop())
	r := New(st, pub, counters, 3, 30*time.Minute, zap.NewNop())

	recent := time.Now().Add(-5 * time.Minute)
	saga := stuckSaga("order-1", domain.StatusPaymentProcessing, 0, 3, recent)
	st.put(saga)

	require.NoError(t, r.StuckSweep(context.Background()))
	assert.Empty(t, mem.Messages())
}

func TestRetrySweep_IsANoOp(t *testing.T) {
	st := newMemStore()
	counters := &metrics.Counters{}
	pub := publisher.New(broker.NewMemory(), counters, zap.NewNop())
	r := New(st, pub, counters, 3, 30*time.Minute, zap.NewNop())

	require.NoError(t, r.RetrySweep(context.Background()))
}
