package domain

import (
	"encoding/json"
	"time"
)

// Topic names for the outbound logical topics.
const (
	TopicPaymentProcessing    = "payment.processing"
	TopicInventoryReservation = "inventory.reservation"
	TopicShippingPreparation  = "shipping.preparation"
	TopicPaymentRefund        = "payment.refund"
	TopicInventoryRelease     = "inventory.release"
	TopicShippingCancellation = "shipping.cancellation"
	TopicOrderStatusChanged   = "order.status.changed"
	TopicOrderCompleted       = "order.completed"
	TopicOrderFailed          = "order.failed"
)

// PaymentProcessingCmd requests the payment service charge the order.
type PaymentProcessingCmd struct {
	OrderID         string      `json:"orderId"`
	CustomerID      string      `json:"customerId"`
	TotalAmount     string      `json:"totalAmount"`
	Currency        string      `json:"currency"`
	CorrelationID   string      `json:"correlationId"`
}

// InventoryReservationCmd requests inventory reserve the order's items.
type InventoryReservationCmd struct {
	OrderID       string      `json:"orderId"`
	Items         []OrderItem `json:"items"`
	CorrelationID string      `json:"correlationId"`
}

// ShippingPreparationCmd requests shipping prepare the order for dispatch.
type ShippingPreparationCmd struct {
	OrderID         string          `json:"orderId"`
	ShippingAddress json.RawMessage `json:"shippingAddress"`
	CorrelationID   string          `json:"correlationId"`
}

// PaymentRefundCmd is the compensating command for a completed payment.
type PaymentRefundCmd struct {
	OrderID       string `json:"orderId"`
	PaymentID     string `json:"paymentId"`
	CorrelationID string `json:"correlationId"`
}

// InventoryReleaseCmd is the compensating command for a completed reservation.
type InventoryReleaseCmd struct {
	OrderID       string `json:"orderId"`
	ReservationID string `json:"reservationId"`
	CorrelationID string `json:"correlationId"`
}

// ShippingCancellationCmd is the compensating command for prepared shipping.
type ShippingCancellationCmd struct {
	OrderID       string `json:"orderId"`
	ShippingID    string `json:"shippingId"`
	CorrelationID string `json:"correlationId"`
}

// OrderStatusChangedNotif mirrors a forced status advance (shipped/delivered).
type OrderStatusChangedNotif struct {
	OrderID       string    `json:"orderId"`
	NewStatus     string    `json:"newStatus"`
	UpdatedAt     time.Time `json:"updatedAt"`
	CorrelationID string    `json:"correlationId"`
}

// OrderCompletedNotif announces the saga reached COMPLETED.
type OrderCompletedNotif struct {
	OrderID     string    `json:"orderId"`
	PaymentID   string    `json:"paymentId"`
	CompletedAt time.Time `json:"completedAt"`
	CorrelationID string  `json:"correlationId"`
}

// OrderFailedNotif announces that the saga's compensating commands were
// issued; a saga that ends FAILED does not get one.
type OrderFailedNotif struct {
	OrderID       string `json:"orderId"`
	Reason        string `json:"reason"`
	FailureStep   string `json:"failureStep"`
	CorrelationID string `json:"correlationId"`
}
