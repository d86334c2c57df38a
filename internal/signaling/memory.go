package signaling

import (
	"context"
	"sync"

	"github.com/verso-app/livecast/internal/domain"
)

const subscriberBuffer = 100

// MemoryChannel is an in-process Channel for single-node deployments
// and tests. It mirrors the bus semantics: room-scoped fan-out, FIFO
// per publisher, best-effort delivery (a slow subscriber drops).
type MemoryChannel struct {
	mu     sync.RWMutex
	rooms  map[string][]chan *domain.Envelope
	closed bool
}

// NewMemoryChannel creates an in-process signaling bus.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		rooms: make(map[string][]chan *domain.Envelope),
	}
}

// Send publishes the envelope to all current subscribers of its room.
func (m *MemoryChannel) Send(_ context.Context, env *domain.Envelope) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.rooms[env.RoomID] {
		select {
		case sub <- env:
		default:
			// Subscriber buffer full, drop. Callers are required to
			// tolerate missing envelopes.
		}
	}
	return nil
}

// Subscribe returns a stream of envelopes for the room. The stream is
// closed when the context is cancelled or the room is unsubscribed.
func (m *MemoryChannel) Subscribe(ctx context.Context, roomID string) (<-chan *domain.Envelope, error) {
	ch := make(chan *domain.Envelope, subscriberBuffer)

	m.mu.Lock()
	m.rooms[roomID] = append(m.rooms[roomID], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.remove(roomID, ch)
	}()

	return ch, nil
}

// Unsubscribe drops every subscriber of the room.
func (m *MemoryChannel) Unsubscribe(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.rooms[roomID] {
		close(sub)
	}
	delete(m.rooms, roomID)
	return nil
}

// Close shuts down all subscriptions.
func (m *MemoryChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for roomID, subs := range m.rooms {
		for _, sub := range subs {
			close(sub)
		}
		delete(m.rooms, roomID)
	}
	return nil
}

func (m *MemoryChannel) remove(roomID string, ch chan *domain.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	subs := m.rooms[roomID]
	for i, sub := range subs {
		if sub == ch {
			m.rooms[roomID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(m.rooms[roomID]) == 0 {
		delete(m.rooms, roomID)
	}
}
