package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/orderflow/saga-coordinator/internal/domain"
	"github.com/orderflow/saga-coordinator/internal/errs"
	"github.com/orderflow/saga-coordinator/internal/store"
)

// memStore is a narrow in-process fake of store.Store, in the style of
// broker.Memory: enough behavior to drive the coordinator's transitions
// without a real database.
type memStore struct {
	mu      sync.Mutex
	byOrder map[string]*domain.Saga
	log     []eventLogRow
}

type eventLogRow struct {
	sagaID, eventType, correlationID, status string
}

func newMemStore() *memStore {
	return &memStore{byOrder: map[string]*domain.Saga{}}
}

func (m *memStore) Create(ctx context.Context, saga *domain.Saga) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byOrder[saga.OrderID]; ok {
		return errs.New(errs.AlreadyExists, "saga already exists for order "+saga.OrderID)
	}
	cp := *saga
	m.byOrder[saga.OrderID] = &cp
	return nil
}

func (m *memStore) FindByOrderID(ctx context.Context, orderID string) (*domain.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	saga, ok := m.byOrder[orderID]
	if !ok {
		return nil, errs.New(errs.NotFound, "no saga for order "+orderID)
	}
	cp := *saga
	return &cp, nil
}

func (m *memStore) Save(ctx context.Context, saga *domain.Saga) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.byOrder[saga.OrderID]
	if !ok {
		return errs.New(errs.NotFound, "no saga for order "+saga.OrderID)
	}
	if existing.Version != saga.Version {
		return errs.New(errs.Conflict, "version mismatch for order "+saga.OrderID)
	}
	saga.Version++
	saga.UpdatedAt = time.Now()
	cp := *saga
	m.byOrder[saga.OrderID] = &cp
	return nil
}

func (m *memStore) Delete(ctx context.Context, saga *domain.Saga) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byOrder[saga.OrderID]; !ok {
		return errs.New(errs.NotFound, "no saga for order "+saga.OrderID)
	}
	delete(m.byOrder, saga.OrderID)
	return nil
}

func (m *memStore) FindStuck(ctx context.Context, statuses []domain.Status, olderThan time.Time) ([]*domain.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[domain.Status]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var out []*domain.Saga
	for _, saga := range m.byOrder {
		if want[saga.Status] && saga.UpdatedAt.Before(olderThan) {
			cp := *saga
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) CountByStatus(ctx context.Context, status domain.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, saga := range m.byOrder {
		if saga.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountByStatusIn(ctx context.Context, statuses []domain.Status) (int64, error) {
	want := map[domain.Status]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, saga := range m.byOrder {
		if want[saga.Status] {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountStuck(ctx context.Context, statuses []domain.Status, olderThan time.Time) (int64, error) {
	rows, err := m.FindStuck(ctx, statuses, olderThan)
	return int64(len(rows)), err
}

func (m *memStore) AppendEventLog(ctx context.Context, sagaID, eventType string, payload []byte, correlationID string, status string, receivedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, eventLogRow{sagaID: sagaID, eventType: eventType, correlationID: correlationID, status: status})
	return nil
}

func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	return fn(ctx, m)
}
