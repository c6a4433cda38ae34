package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/eleven-am/conduit/internal/domain"
)

const subscriberBuffer = 64

// Manager fans events out to live subscribers. Sends never block: when a
// subscriber's buffer is full the event is dropped, and the subscriber
// recovers by fetching the current execution or document snapshot.
type Manager struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int]chan domain.Event
	nextID int
	closed bool

	// Publish holds only the read lock, so the counter must be atomic.
	dropped atomic.Int64
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger.With("component", "events"),
		subs:   make(map[int]chan domain.Event),
	}
}

func (m *Manager) Publish(event domain.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return
	}

	for id, ch := range m.subs {
		select {
		case ch <- event:
		default:
			m.dropped.Add(1)
			m.logger.Debug("dropping event for slow subscriber",
				"subscriber", id,
				"event_type", event.Type,
			)
		}
	}
}

// Dropped reports how many events were discarded because a subscriber's
// buffer was full.
func (m *Manager) Dropped() int64 {
	return m.dropped.Load()
}

func (m *Manager) Subscribe() (<-chan domain.Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan domain.Event, subscriberBuffer)
	if m.closed {
		close(ch)
		return ch, func() {}
	}

	id := m.nextID
	m.nextID++
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}

	return ch, cancel
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	return nil
}
