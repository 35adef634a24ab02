package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

const (
	keyPrefix = "schedule:"
	indexKey  = "schedule-index"
)

// Registry is the cron-like primitive tasks register themselves with.
type Registry interface {
	Schedule(ctx context.Context, state State) error
	Unschedule(ctx context.Context, event string, args json.RawMessage) error
	Next(ctx context.Context, event string, args json.RawMessage) (State, bool, error)
	Due(ctx context.Context, now time.Time) ([]State, error)
	List(ctx context.Context) ([]State, error)
}

// KVRegistry keeps each State in its own KV record plus an index record
// listing every key.
type KVRegistry struct {
	kv scanner.KVStore
	mu sync.Mutex
}

// NewKVRegistry returns a registry persisted in kv.
func NewKVRegistry(kv scanner.KVStore) (*KVRegistry, error) {
	if kv == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	return &KVRegistry{kv: kv}, nil
}

// Schedule stores state, replacing any state with the same event and args.
func (r *KVRegistry) Schedule(ctx context.Context, state State) error {
	if state.Event == "" {
		return fmt.Errorf("event name is required")
	}
	if state.Recurring && !ValidInterval(state.Interval) {
		return fmt.Errorf("recurring event %s: invalid interval %q", state.Event, state.Interval)
	}
	canonical, err := CanonicalArgs(state.Args)
	if err != nil {
		return err
	}
	state.Args = canonical
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode schedule state: %w", err)
	}
	key := recordKey(state.Event, canonical)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.kv.Set(ctx, key, raw, 0); err != nil {
		return fmt.Errorf("store schedule %s: %w", key, err)
	}
	keys, err := r.index(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k == key {
			return nil
		}
	}
	return r.writeIndex(ctx, append(keys, key))
}

// Unschedule removes the event registered with args. Missing events are not an error.
func (r *KVRegistry) Unschedule(ctx context.Context, event string, args json.RawMessage) error {
	canonical, err := CanonicalArgs(args)
	if err != nil {
		return err
	}
	key := recordKey(event, canonical)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete schedule %s: %w", key, err)
	}
	keys, err := r.index(ctx)
	if err != nil {
		return err
	}
	kept := keys[:0]
	for _, k := range keys {
		if k != key {
			kept = append(kept, k)
		}
	}
	return r.writeIndex(ctx, kept)
}

// Next returns the state registered for event and args, if any.
func (r *KVRegistry) Next(ctx context.Context, event string, args json.RawMessage) (State, bool, error) {
	canonical, err := CanonicalArgs(args)
	if err != nil {
		return State{}, false, err
	}
	return r.load(ctx, recordKey(event, canonical))
}

// List returns every registered state ordered by NextRun.
func (r *KVRegistry) List(ctx context.Context) ([]State, error) {
	r.mu.Lock()
	keys, err := r.index(ctx)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	states := make([]State, 0, len(keys))
	for _, key := range keys {
		state, ok, err := r.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			states = append(states, state)
		}
	}
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].NextRun.Before(states[j].NextRun)
	})
	return states, nil
}

// Due returns the states whose NextRun is at or before now.
func (r *KVRegistry) Due(ctx context.Context, now time.Time) ([]State, error) {
	states, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	due := states[:0]
	for _, s := range states {
		if !s.NextRun.After(now) {
			due = append(due, s)
		}
	}
	return due, nil
}

func (r *KVRegistry) load(ctx context.Context, key string) (State, bool, error) {
	raw, ok, err := r.kv.Get(ctx, key)
	if err != nil {
		return State{}, false, fmt.Errorf("load schedule %s: %w", key, err)
	}
	if !ok {
		return State{}, false, nil
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, false, fmt.Errorf("decode schedule %s: %w", key, err)
	}
	return state, true, nil
}

func (r *KVRegistry) index(ctx context.Context) ([]string, error) {
	raw, ok, err := r.kv.Get(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("load schedule index: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode schedule index: %w", err)
	}
	return keys, nil
}

func (r *KVRegistry) writeIndex(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		if err := r.kv.Delete(ctx, indexKey); err != nil {
			return fmt.Errorf("clear schedule index: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode schedule index: %w", err)
	}
	if err := r.kv.Set(ctx, indexKey, raw, 0); err != nil {
		return fmt.Errorf("store schedule index: %w", err)
	}
	return nil
}
