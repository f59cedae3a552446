package domain

import (
	"encoding/json"
	"time"
)

// Topic names for the inbound logical topics.
const (
	TopicOrderCreated      = "order.created"
	TopicPaymentProcessed  = "payment.processed"
	TopicPaymentFailed     = "payment.failed"
	TopicInventoryReserved = "inventory.reserved"
	TopicInventoryFailed   = "inventory.failed"
	TopicShippingPrepared  = "shipping.prepared"
	TopicShippingFailed    = "shipping.failed"
	TopicOrderCancelled    = "order.cancelled"
	TopicOrderShipped      = "order.shipped"
	TopicOrderDelivered    = "order.delivered"
	TopicOrderDeleted      = "order.deleted"
)

// Envelope is the wrapper shape that order.created may arrive in:
// {id, topic, data, timestamp, correlationId}.
type Envelope struct {
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId"`
}

// OrderItem is one line item copied verbatim from the order.created event
// and echoed back on the inventory.reservation command.
type OrderItem struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	UnitPrice string  `json:"unitPrice,omitempty"`
}

// OrderCreated is the body of the order.created topic.
type OrderCreated struct {
	OrderID         string      `json:"orderId"`
	CorrelationID   string      `json:"correlationId"`
	CustomerID      string      `json:"customerId"`
	OrderNumber     string      `json:"orderNumber"`
	TotalAmount     string      `json:"totalAmount"`
	Currency        string      `json:"currency"`
	CreatedAt       time.Time   `json:"createdAt"`
	Items           []OrderItem     `json:"items"`
	ShippingAddress json.RawMessage `json:"shippingAddress"`
	BillingAddress  json.RawMessage `json:"billingAddress"`
}

// PaymentProcessed is the body of the payment.processed topic.
type PaymentProcessed struct {
	OrderID     string    `json:"orderId"`
	PaymentID   string    `json:"paymentId"`
	Amount      string    `json:"amount"`
	ProcessedAt time.Time `json:"processedAt"`
}

// PaymentFailed is the body of the payment.failed topic.
type PaymentFailed struct {
	OrderID   string    `json:"orderId"`
	Reason    string    `json:"reason"`
	ErrorCode string    `json:"errorCode"`
	FailedAt  time.Time `json:"failedAt"`
}

// InventoryReserved is the body of the inventory.reserved topic.
type InventoryReserved struct {
	OrderID       string    `json:"orderId"`
	ReservationID string    `json:"reservationId"`
	ReservedAt    time.Time `json:"reservedAt"`
}

// InventoryFailed is the body of the inventory.failed topic.
type InventoryFailed struct {
	OrderID   string    `json:"orderId"`
	Reason    string    `json:"reason"`
	ErrorCode string    `json:"errorCode"`
	FailedAt  time.Time `json:"failedAt"`
}

// ShippingPrepared is the body of the shipping.prepared topic.
type ShippingPrepared struct {
	OrderID        string    `json:"orderId"`
	ShippingID     string    `json:"shippingId"`
	TrackingNumber string    `json:"trackingNumber"`
	PreparedAt     time.Time `json:"preparedAt"`
}

// ShippingFailed is the body of the shipping.failed topic.
type ShippingFailed struct {
	OrderID   string    `json:"orderId"`
	Reason    string    `json:"reason"`
	ErrorCode string    `json:"errorCode"`
	FailedAt  time.Time `json:"failedAt"`
}

// OrderCancelled is the body of the order.cancelled topic.
type OrderCancelled struct {
	OrderID       string    `json:"orderId"`
	Reason        string    `json:"reason"`
	CorrelationID string    `json:"correlationId"`
	CancelledAt   time.Time `json:"cancelledAt"`
}

// OrderStatusEvent is the body shared by order.shipped and order.delivered.
type OrderStatusEvent struct {
	OrderID       string    `json:"orderId"`
	NewStatus     string    `json:"newStatus"`
	UpdatedAt     time.Time `json:"updatedAt"`
	CorrelationID string    `json:"correlationId"`
}

// OrderDeleted is the body of the order.deleted topic.
type OrderDeleted struct {
	OrderID       string    `json:"orderId"`
	Reason        string    `json:"reason"`
	CorrelationID string    `json:"correlationId"`
	DeletedAt     time.Time `json:"deletedAt"`
}
