// Package domain holds the order-processing saga aggregate: the single
// persistent entity the coordinator (internal/coordinator) mutates, and
// the inbound/outbound event shapes that cross its boundary.
package domain

import (
	"fmt"
	"time"
)

// Status is the saga's lifecycle state.
type Status string

const (
	StatusCreated             Status = "CREATED"
	StatusPaymentProcessing   Status = "PAYMENT_PROCESSING"
	StatusPaymentCompleted    Status = "PAYMENT_COMPLETED"
	StatusInventoryProcessing Status = "INVENTORY_PROCESSING"
	StatusInventoryCompleted  Status = "INVENTORY_COMPLETED"
	StatusShippingProcessing  Status = "SHIPPING_PROCESSING"
	StatusCompleted           Status = "COMPLETED"
	StatusFailed              Status = "FAILED"
	StatusCompensating        Status = "COMPENSATING"
	StatusCompensated         Status = "COMPENSATED"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

// Step is the current position in the fixed three-step workflow.
type Step string

const (
	StepPayment   Step = "PAYMENT"
	StepInventory Step = "INVENTORY"
	StepShipping  Step = "SHIPPING"
	StepCompleted Step = "COMPLETED"
)

// stepOrder gives the monotonic step-ordering check something to compare
// against.
var stepOrder = map[Step]int{
	StepPayment:   0,
	StepInventory: 1,
	StepShipping:  2,
	StepCompleted: 3,
}

// Advances reports whether moving from the receiver to next is a forward
// (or same) move, never backward outside of compensation resets.
func (s Step) Advances(next Step) bool {
	return stepOrder[next] >= stepOrder[s]
}

// Saga is the persistent row tracking one order through the workflow.
type Saga struct {
	SagaID      string
	OrderID     string
	CustomerID  string
	OrderNumber string
	TotalAmount Money
	Status      Status
	CurrentStep Step

	PaymentID               *string
	InventoryReservationID  *string
	ShippingID              *string

	OrderItems       []byte // opaque JSON, copied from order.created
	ShippingAddress  []byte
	BillingAddress   []byte

	RetryCount   int
	MaxRetries   int
	ErrorMessage *string

	CorrelationID string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	Version int
}

// NewSaga constructs the row created by the order.created handler.
// maxRetries must be >= 0; callers pass the configured retry budget.
func NewSaga(sagaID, orderID, customerID, orderNumber string, total Money, items, shipAddr, billAddr []byte, correlationID string, maxRetries int, now time.Time) *Saga {
	return &Saga{
		SagaID:          sagaID,
		OrderID:         orderID,
		CustomerID:      customerID,
		OrderNumber:     orderNumber,
		TotalAmount:     total,
		Status:          StatusPaymentProcessing, // CREATED fuses directly into PAYMENT_PROCESSING
		CurrentStep:     StepPayment,
		OrderItems:      items,
		ShippingAddress: shipAddr,
		BillingAddress:  billAddr,
		RetryCount:      0,
		MaxRetries:      maxRetries,
		CorrelationID:   correlationID,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
}

// RetryEligible reports whether another retry is allowed before the saga
// must enter compensation.
func (s *Saga) RetryEligible() bool {
	return s.RetryCount < s.MaxRetries
}

// AcquiredResourceIDs returns the resource ids the compensation algorithm
// must release, in reverse acquisition order.
func (s *Saga) AcquiredResourceIDs() []struct {
	Step Step
	ID   string
} {
	var ids []struct {
		Step Step
		ID   string
	}
	if s.ShippingID != nil {
		ids = append(ids, struct {
			Step Step
			ID   string
		}{StepShipping, *s.ShippingID})
	}
	if s.InventoryReservationID != nil {
		ids = append(ids, struct {
			Step Step
			ID   string
		}{StepInventory, *s.InventoryReservationID})
	}
	if s.PaymentID != nil {
		ids = append(ids, struct {
			Step Step
			ID   string
		}{StepPayment, *s.PaymentID})
	}
	return ids
}

// FailureStep returns the first unset resource among payment, inventory,
// shipping, used as the failureStep field of the order.failed notification.
func (s *Saga) FailureStep() string {
	switch {
	case s.PaymentID == nil:
		return "payment"
	case s.InventoryReservationID == nil:
		return "inventory"
	case s.ShippingID == nil:
		return "shipping"
	default:
		return ""
	}
}

// Validate checks the structural invariants that must hold before a row
// is persisted; uniqueness of orderId is enforced by the store.
func (s *Saga) Validate() error {
	if s.OrderID == "" {
		return fmt.Errorf("orderId is required")
	}
	if s.TotalAmount.MinorUnits < 0 {
		return fmt.Errorf("totalAmount must be non-negative")
	}
	if s.RetryCount > s.MaxRetries {
		return fmt.Errorf("retryCount %d exceeds maxRetries %d", s.RetryCount, s.MaxRetries)
	}
	if s.Status == StatusCompleted && (s.CompletedAt == nil || s.ShippingID == nil) {
		return fmt.Errorf("COMPLETED saga must have completedAt and shippingId set")
	}
	return nil
}
