package notify

import (
	"context"
	"sort"
	"sync"

	"clinicqueue/internal/metrics"
	"clinicqueue/internal/models"

	"github.com/google/uuid"
)

// Publisher receives a change after the mutation that caused it has committed.
type Publisher interface {
	Publish(ctx context.Context, change models.Change) error
}

// Discard drops changes. Used when the store itself records them (outbox feed).
type Discard struct{}

func (Discard) Publish(context.Context, models.Change) error { return nil }

type Handle string

type subscriber struct {
	handle   Handle
	onChange func(models.Change)

	mu      sync.Mutex
	pending map[models.Entity]models.Change
	wake    chan struct{}
	done    chan struct{}
}

// Hub fans every change out to every subscriber. Signals for the same entity
// coalesce while a subscriber is busy, so publishers never block.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[Handle]*subscriber
}

func New() *Hub {
	return &Hub{subscribers: make(map[Handle]*subscriber)}
}

func (h *Hub) Subscribe(onChange func(models.Change)) Handle {
	sub := &subscriber{
		handle:   Handle(uuid.NewString()),
		onChange: onChange,
		pending:  make(map[models.Entity]models.Change),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.subscribers[sub.handle] = sub
	h.mu.Unlock()
	metrics.SubscriberAdded()

	go sub.run()
	return sub.handle
}

// Unsubscribe stops delivery. It reports false for an unknown handle.
func (h *Hub) Unsubscribe(handle Handle) bool {
	h.mu.Lock()
	sub, ok := h.subscribers[handle]
	if ok {
		delete(h.subscribers, handle)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	close(sub.done)
	metrics.SubscriberRemoved()
	return true
}

func (h *Hub) Broadcast(change models.Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers {
		sub.mark(change)
	}
}

func (h *Hub) Publish(ctx context.Context, change models.Change) error {
	h.Broadcast(change)
	return nil
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close unsubscribes everyone.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscribers
	h.subscribers = make(map[Handle]*subscriber)
	h.mu.Unlock()
	for _, sub := range subs {
		close(sub.done)
		metrics.SubscriberRemoved()
	}
}

func (s *subscriber) mark(change models.Change) {
	s.mu.Lock()
	s.pending[change.Entity] = change
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() []models.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	changes := make([]models.Change, 0, len(s.pending))
	for entity, change := range s.pending {
		changes = append(changes, change)
		delete(s.pending, entity)
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Entity < changes[j].Entity
	})
	return changes
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			for _, change := range s.drain() {
				select {
				case <-s.done:
					return
				default:
				}
				s.onChange(change)
			}
		}
	}
}
