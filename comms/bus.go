package comms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryBus is a thread-safe in-process event bus.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry // topic -> handlers
	history  []*Event
	maxHist  int
	nextID   int
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewInMemoryBus creates an InMemoryBus with a 1000-event history cap.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		handlers: make(map[string][]handlerEntry),
		maxHist:  1000,
	}
}

// Publish delivers ev to subscribers of its topic and to wildcard
// subscribers. Missing ID and Timestamp are filled in.
func (b *InMemoryBus) Publish(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}

	// Collect handlers to invoke outside the lock
	var targets []Handler
	for _, e := range b.handlers[ev.Topic] {
		targets = append(targets, e.handler)
	}
	if ev.Topic != TopicAll {
		for _, e := range b.handlers[TopicAll] {
			targets = append(targets, e.handler)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish: %d handler error(s): %v", len(errs), errs[0])
	}
	return nil
}

// Subscribe registers a handler for topic.
// The returned function unsubscribes the handler.
func (b *InMemoryBus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			entries := b.handlers[topic]
			filtered := make([]handlerEntry, 0, len(entries))
			for _, e := range entries {
				if e.id != id {
					filtered = append(filtered, e)
				}
			}
			if len(filtered) == 0 {
				delete(b.handlers, topic)
			} else {
				b.handlers[topic] = filtered
			}
		})
	}
}

// History returns the most recent limit events on topic, oldest first.
func (b *InMemoryBus) History(topic string, limit int) ([]*Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*Event
	for i := len(b.history) - 1; i >= 0; i-- {
		ev := b.history[i]
		if topic == "" || topic == TopicAll || ev.Topic == topic {
			result = append(result, ev)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	// Reverse to chronological order
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result, nil
}

// Notify subscribes to topic and returns a channel that receives a value
// whenever an event arrives. Sends never block: a pending notification
// absorbs later ones. Callers re-read state after each receive.
func Notify(bus Bus, topic string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	unsub := bus.Subscribe(topic, func(_ context.Context, _ *Event) error {
		select {
		case ch <- struct{}{}:
		default:
		}
		return nil
	})
	return ch, unsub
}
