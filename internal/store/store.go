// Package store persists order_processing_saga rows with transactional
// integrity: create, lookup, optimistic-locked save, delete, and the
// aggregate queries the reconciler and metrics sink need.
package store

import (
	"context"
	"time"

	"github.com/orderflow/saga-coordinator/internal/domain"
)

// Store is the saga state store port. Every mutation is expected to run
// inside its own transaction; callers needing reload-mutate-save atomicity
// across a handler use WithTx.
type Store interface {
	Create(ctx context.Context, saga *domain.Saga) error
	FindByOrderID(ctx context.Context, orderID string) (*domain.Saga, error)
	Save(ctx context.Context, saga *domain.Saga) error
	Delete(ctx context.Context, saga *domain.Saga) error
	FindStuck(ctx context.Context, statuses []domain.Status, olderThan time.Time) ([]*domain.Saga, error)
	CountByStatus(ctx context.Context, status domain.Status) (int64, error)
	CountByStatusIn(ctx context.Context, statuses []domain.Status) (int64, error)
	CountStuck(ctx context.Context, statuses []domain.Status, olderThan time.Time) (int64, error)

	// AppendEventLog writes one saga_event_log audit row per processed
	// inbound event (SPEC_FULL.md §5).
	AppendEventLog(ctx context.Context, sagaID, eventType string, payload []byte, correlationID string, status string, receivedAt time.Time) error

	// WithTx runs fn with a Store bound to a single transaction, committing
	// on a nil return and rolling back otherwise. The coordinator uses this
	// to make reload-mutate-save one atomic unit per event; it appends the
	// event log row after the transaction ends, outside it.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// EventLogStatus values for the processing_status column.
const (
	EventLogApplied EventLogStatus = "APPLIED"
	EventLogIgnored EventLogStatus = "IGNORED"
	EventLogDropped EventLogStatus = "DROPPED"
	EventLogFailed  EventLogStatus = "FAILED"
)

// EventLogStatus is the saga_event_log.processing_status enum.
type EventLogStatus string
