package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

// DebouncePolicy decides what to store when a trigger arrives for args that
// may already have a pending run. It returns the state to store and whether
// to store it.
type DebouncePolicy func(pending State, hasPending bool, proposed State) (State, bool)

// DropWhilePending keeps an existing pending run untouched and ignores the trigger.
func DropWhilePending(pending State, hasPending bool, proposed State) (State, bool) {
	if hasPending {
		return pending, false
	}
	return proposed, true
}

// ResetWhilePending pushes the pending run back to the proposed time.
func ResetWhilePending(_ State, _ bool, proposed State) (State, bool) {
	return proposed, true
}

// SingleConfig wires a SingleScheduledTask.
type SingleConfig struct {
	// Event is the registry event the task processes, e.g. "url_validate".
	Event string
	// Hook is the EventBus event that triggers scheduling, e.g. "content_saved".
	Hook string
	// Delay between a trigger and the scheduled run.
	Delay time.Duration
	// RetryDelay postpones a run that found the lock held. Defaults to Delay.
	RetryDelay time.Duration
	// Policy defaults to DropWhilePending.
	Policy DebouncePolicy
	// ShouldSchedule filters triggers; nil accepts all.
	ShouldSchedule func(args json.RawMessage) bool
	Process        func(ctx context.Context, args json.RawMessage) error
}

// SingleScheduledTask turns bursts of triggers for the same args into one
// pending run.
type SingleScheduledTask struct {
	cfg      SingleConfig
	registry Registry
	bus      *EventBus
	clock    scanner.Clock

	mu          sync.Mutex
	unsubscribe func()
}

// NewSingleScheduledTask validates cfg and returns the task.
func NewSingleScheduledTask(cfg SingleConfig, registry Registry, bus *EventBus, clock scanner.Clock) (*SingleScheduledTask, error) {
	switch {
	case cfg.Event == "":
		return nil, fmt.Errorf("event name is required")
	case cfg.Hook == "":
		return nil, fmt.Errorf("hook name is required")
	case cfg.Delay < 0 || cfg.RetryDelay < 0:
		return nil, fmt.Errorf("delay must be >= 0")
	case cfg.Process == nil:
		return nil, fmt.Errorf("process func is required")
	case registry == nil || bus == nil || clock == nil:
		return nil, fmt.Errorf("registry, bus and clock are required")
	}
	if cfg.Policy == nil {
		cfg.Policy = DropWhilePending
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = cfg.Delay
	}
	return &SingleScheduledTask{cfg: cfg, registry: registry, bus: bus, clock: clock}, nil
}

// Event implements Task.
func (t *SingleScheduledTask) Event() string { return t.cfg.Event }

// Register subscribes the task to its hook. Calling it twice is a no-op.
func (t *SingleScheduledTask) Register(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unsubscribe == nil {
		t.unsubscribe = t.bus.Subscribe(t.cfg.Hook, t.Trigger)
	}
	return nil
}

// Deactivate unsubscribes and drops every pending run of the event.
func (t *SingleScheduledTask) Deactivate(ctx context.Context) error {
	t.mu.Lock()
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
	}
	t.mu.Unlock()

	states, err := t.registry.List(ctx)
	if err != nil {
		return err
	}
	for _, s := range states {
		if s.Event != t.cfg.Event {
			continue
		}
		if err := t.registry.Unschedule(ctx, s.Event, s.Args); err != nil {
			return err
		}
	}
	return nil
}

// Trigger handles one hook firing.
func (t *SingleScheduledTask) Trigger(ctx context.Context, args json.RawMessage) error {
	if t.cfg.ShouldSchedule != nil && !t.cfg.ShouldSchedule(args) {
		return nil
	}
	canonical, err := CanonicalArgs(args)
	if err != nil {
		return fmt.Errorf("%s: %w", t.cfg.Event, err)
	}
	pending, ok, err := t.registry.Next(ctx, t.cfg.Event, canonical)
	if err != nil {
		return err
	}
	proposed := State{
		Event:   t.cfg.Event,
		Args:    canonical,
		NextRun: t.clock.Now().Add(t.cfg.Delay),
	}
	state, store := t.cfg.Policy(pending, ok, proposed)
	if !store {
		return nil
	}
	return t.registry.Schedule(ctx, state)
}

// RetryAfter implements Retrier.
func (t *SingleScheduledTask) RetryAfter() time.Duration { return t.cfg.RetryDelay }

// Process implements Task.
func (t *SingleScheduledTask) Process(ctx context.Context, args json.RawMessage) error {
	return t.cfg.Process(ctx, args)
}
