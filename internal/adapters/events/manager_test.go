package events

import (
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	first, cancelFirst := m.Subscribe()
	defer cancelFirst()
	second, cancelSecond := m.Subscribe()
	defer cancelSecond()

	m.Publish(domain.NewEvent(domain.EventExecutionUpdate, nil))

	for _, ch := range []<-chan domain.Event{first, second} {
		select {
		case event := <-ch:
			assert.Equal(t, domain.EventExecutionUpdate, event.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	_, cancel := m.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Overflow the subscriber buffer without anyone draining it.
		for i := 0; i < subscriberBuffer*2; i++ {
			m.Publish(domain.NewEvent(domain.EventExecutionUpdate, nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestConcurrentPublishersCountDrops(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	_, cancel := m.Subscribe()
	defer cancel()

	// Fill the subscriber buffer so every further publish drops.
	for i := 0; i < subscriberBuffer; i++ {
		m.Publish(domain.NewEvent(domain.EventExecutionUpdate, nil))
	}

	const publishers = 4
	const perPublisher = 1000

	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				m.Publish(domain.NewEvent(domain.EventExecutionUpdate, nil))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(publishers*perPublisher), m.Dropped())
}

func TestCancelStopsDelivery(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	ch, cancel := m.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open, "cancelled subscription channel is closed")

	// Publishing after cancel must not panic.
	m.Publish(domain.NewEvent(domain.EventExecutionUpdate, nil))
}

func TestCloseClosesSubscribers(t *testing.T) {
	m := NewManager(nil)
	ch, _ := m.Subscribe()
	require.NoError(t, m.Close())

	_, open := <-ch
	assert.False(t, open)

	late, _ := m.Subscribe()
	_, open = <-late
	assert.False(t, open, "subscribing after close yields a closed channel")
}
