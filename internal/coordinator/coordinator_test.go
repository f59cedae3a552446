package coordinator

import (
	"context"
	"encoding/json"
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

func newTestCoordinator() (*Coordinator, *memStore, *broker.Memory) {
	st := newMemStore()
	mem := broker.NewMemory()
	counters := &metrics.Counters{}
	pub := publisher.New(mem, counters, zap.NewNop())
	co := New(st, pub, counters, 3, zap.NewNop())
	return co, st, mem
}

func orderCreatedBody(t *testing.T, orderID string) []byte {
	t.Helper()
	body, err := json.Marshal(domain.OrderCreated{
		OrderID: orderID, CorrelationID: "corr-1", CustomerID: "cust-1", OrderNumber: "ORD-1",
		TotalAmount: "99.99", Currency: "USD", CreatedAt: time.Now(),
		Items:           []domain.OrderItem{{ProductID: "p1", Quantity: 2, UnitPrice: "49.99"}},
		ShippingAddress: json.RawMessage(`{"line1":"1 Main St"}`),
		BillingAddress:  json.RawMessage(`{"line1":"1 Main St"}`),
	})
	require.NoError(t, err)
	return body
}

func TestHandle_OrderCreated_CreatesSagaAndEmitsPaymentProcessing(t *testing.T) {
	co, st, mem := newTestCoordinator()

	err := co.Handle(context.Background(), domain.TopicOrderCreated, "corr-1", orderCreatedBody(t, "order-1"))
	require.NoError(t, err)

	saga, err := st.FindByOrderID(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaymentProcessing, saga.Status)

	msgs := mem.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.TopicPaymentProcessing, msgs[0].RoutingKey)
}

func TestHandle_OrderCreated_DuplicateIsDroppedNotErrored(t *testing.T) {
	co, _, mem := newTestCoordinator()
	body := orderCreatedBody(t, "order-1")

	require.NoError(t, co.Handle(context.Background(), domain.TopicOrderCreated, "corr-1", body))
	require.NoError(t, co.Handle(context.Background(), domain.TopicOrderCreated, "corr-1", body))

	assert.Len(t, mem.Messages(), 1, "second create must not re-publish")
}

func TestHandle_FullHappyPath_ReachesCompleted(t *testing.T) {
	co, st, mem := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, co.Handle(ctx, domain.TopicOrderCreated, "corr-1", orderCreatedBody(t, "order-1")))

	paymentBody, _ := json.Marshal(domain.PaymentProcessed{OrderID: "order-1", PaymentID: "pay-1", Amount: "99.99", ProcessedAt: time.Now()})
	require.NoError(t, co.Handle(ctx, domain.TopicPaymentProcessed, "corr-1", paymentBody))

	inventoryBody, _ := json.Marshal(domain.InventoryReserved{OrderID: "order-1", ReservationID: "inv-1", ReservedAt: time.Now()})
	require.NoError(t, co.Handle(ctx, domain.TopicInventoryReserved, "corr-1", inventoryBody))

	shippingBody, _ := json.Marshal(domain.ShippingPrepared{OrderID: "order-1", ShippingID: "ship-1", TrackingNumber: "trk-1", PreparedAt: time.Now()})
	require.NoError(t, co.Handle(ctx, domain.TopicShippingPrepared, "corr-1", shippingBody))

	saga, err := st.FindByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, saga.Status)
	assert.NotNil(t, saga.CompletedAt)

	msgs := mem.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, domain.TopicOrderCompleted, msgs[3].RoutingKey)
}

func TestHandle_PaymentFailed_RetriesBeforeCompensating(t *testing.T) {
	co, st, mem := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, co.Handle(ctx, domain.TopicOrderCreated, "corr-1", orderCreatedBody(t, "order-1")))

	failBody, _ := json.Marshal(domain.PaymentFailed{OrderID: "order-1", Reason: "card declined", ErrorCode: "E1", FailedAt: time.Now()})
	require.NoError(t, co.Handle(ctx, domain.TopicPaymentFailed, "corr-1", failBody))

	saga, err := st.FindByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaymentProcessing, saga.Status)
	assert.Equal(t, 1, saga.RetryCount)

	msgs := mem.Messages()
	require.Len(t, msgs, 2, "order.created's payment.processing plus the retry re-publish")
	assert.Equal(t, domain.TopicPaymentProcessing, msgs[1].RoutingKey)
}

func TestHandle_PaymentFailed_ExhaustedRetriesCompensates(t *testing.T) {
	co, st, mem := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, co.Handle(ctx, domain.TopicOrderCreated, "corr-1", orderCreatedBody(t, "order-1")))

	failBody, _ := json.Marshal(domain.PaymentFailed{OrderID: "order-1", Reason: "card declined", ErrorCode: "E1", FailedAt: time.Now()})
	// maxRetries is 3: the first three failures retry (retryCount 0->1->2->3),
	// the fourth exhausts the budget and moves to compensation.
	for i := 0; i < 4; i++ {
		require.NoError(t, co.Handle(ctx, domain.TopicPaymentFailed, "corr-1", failBody))
	}

	saga, err := st.FindByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompensated, saga.Status)

	msgs := mem.Messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, domain.TopicOrderFailed, last.RoutingKey)
	assert.Equal(t, "payment", saga.FailureStep())
}

func TestHandle_Compensation_ReleasesResourcesInReverseOrder(t *testing.T) {
	co, st, mem := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, co.Handle(ctx, domain.TopicOrderCreated, "corr-1", orderCreatedBody(t, "order-1")))
	paymentBody, _ := json.Marshal(domain.PaymentProcessed{OrderID: "order-1", PaymentID: "pay-1", Amount: "99.99", ProcessedAt: time.Now()})
	require.NoError(t, co.Handle(ctx, domain.TopicPaymentProcessed, "corr-1", paymentBody))
	inventoryBody, _ := json.Marshal(domain.InventoryReserved{OrderID: "order-1", ReservationID: "inv-1", ReservedAt: time.Now()})
	require.NoError(t, co.Handle(ctx, domain.TopicInventoryReserved, "corr-1", inventoryBody))

	cancelBody, _ := json.Marshal(domain.OrderCancelled{OrderID: "order-1", Reason: "customer request", CancelledAt: time.Now()})
	require.NoError(t, co.Handle(ctx, domain.TopicOrderCancelled, "corr-1", cancelBody))

	saga, err := st.FindByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompensated, saga.Status)

	msgs := mem.Messages()
	// payment.processing, inventory.reservation, shipping.preparation from
	// the happy-path steps so far, then compensation: inventory.release,
	// payment.refund, order.failed (shippingId was never set, so no
	// shipping.cancellation).
	require.Len(t, msgs, 6)
	assert.Equal(t, domain.TopicInventoryRelease, msgs[3].RoutingKey)
	assert.Equal(t, domain.TopicPaymentRefund, msgs[4].RoutingKey)
	assert.Equal(t, domain.TopicOrderFailed, msgs[5].RoutingKey)
}

func TestHandle_CancelledWhileAlreadyCompensated_IsDropped(t *testing.T) {
	co, st, mem := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, co.Handle(ctx, domain.TopicOrderCreated, "corr-1", orderCreatedBody(t, "order-1")))
	cancelBody, _ := json.Marshal(domain.OrderCancelled{OrderID: "order-1", Reason: "r1", CancelledAt: time.Now()})
	require.NoError(t, co.Handle(ctx, domain.TopicOrderCancelled, "corr-1", cancelBody))

	before := len(mem.Messages())
	require.NoError(t, co.Handle(ctx, domain.TopicOrderCancelled, "corr-1", cancelBody))
	assert.Equal(t, before, len(mem.Messages()), "second cancellation must not re-publish")

	saga, err := st.FindByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompensated, saga.Status)
}

func TestHandle_EventForUnknownOrder_IsDroppedWithoutError(t *testing.T) {
	co, _, mem := newTestCoordinator()
	paymentBody, _ := json.Marshal(domain.PaymentProcessed{OrderID: "never-created", PaymentID: "pay-1", ProcessedAt: time.Now()})

	err := co.Handle(context.Background(), domain.TopicPaymentProcessed, "corr-1", paymentBody)
	require.NoError(t, err)
	assert.Empty(t, mem.Messages())
}

func TestHandle_OutOfOrderDuplicateSuccess_IsIgnored(t *testing.T) {
	co, st, mem := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, co.Handle(ctx, domain.TopicOrderCreated, "corr-1", orderCreatedBody(t, "order-1")))
	paymentBody, _ := json.Marshal(domain.PaymentProcessed{OrderID: "order-1", PaymentID: "pay-1", ProcessedAt: time.Now()})
	require.NoError(t, co.Handle(ctx, domain.TopicPaymentProcessed, "corr-1", paymentBody))

	before := len(mem.Messages())
	// A second, stale payment.processed for the same order arrives after
	// the saga has already advanced to INVENTORY_PROCESSING.
	require.NoError(t, co.Handle(ctx, domain.TopicPaymentProcessed, "corr-1", paymentBody))
	assert.Equal(t, before, len(mem.Messages()))

	saga, err := st.FindByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInventoryProcessing, saga.Status)
}
