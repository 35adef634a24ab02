package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
)

// Handler receives the args an event was fired with.
type Handler func(ctx context.Context, args json.RawMessage) error

// EventBus dispatches named in-process events, e.g. "content_saved".
type EventBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[string]map[int]Handler)}
}

// Subscribe adds h for name and returns a function that removes it.
func (b *EventBus) Subscribe(name string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[name] == nil {
		b.handlers[name] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[name][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[name], id)
	}
}

// Fire calls every handler of name in subscription order and returns how
// many ran. Handler errors are joined; one failing handler does not stop the rest.
func (b *EventBus) Fire(ctx context.Context, name string, args json.RawMessage) (int, error) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers[name]))
	for id := range b.handlers[name] {
		ids = append(ids, id)
	}
	hs := make([]Handler, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		hs = append(hs, b.handlers[name][id])
	}
	b.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		if err := h(ctx, args); err != nil {
			errs = append(errs, err)
		}
	}
	return len(hs), errors.Join(errs...)
}
