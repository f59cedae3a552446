package broker

import (
	"context"
	"sync"
)

// Memory is an in-process Adapter used by coordinator, publisher, and
// reconciler tests in place of a real broker connection, in the style of
// the corpus's tests/mocks package: a narrow fake implementing the port
// directly rather than a generated mock.
type Memory struct {
	mu        sync.Mutex
	Published []Message
	FailNext  int // when > 0, the next N Publish calls return an error
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Initialize(ctx context.Context) error { return nil }

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext > 0 {
		m.FailNext--
		return errPublishFailed
	}
	m.Published = append(m.Published, msg)
	return nil
}

func (m *Memory) IsHealthy(ctx context.Context) bool { return true }

func (m *Memory) ProviderName() string { return "memory" }

func (m *Memory) Shutdown(ctx context.Context) error { return nil }

// Subscribe returns a fresh channel on which nothing is ever delivered:
// Memory produces no inbound messages and keeps no sender for it.
func (m *Memory) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	return make(chan Message), nil
}

// Messages returns a snapshot of everything published so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.Published))
	copy(out, m.Published)
	return out
}

var errPublishFailed = publishError{}

type publishError struct{}

func (publishError) Error() string { return "memory broker: simulated publish failure" }
