package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

// Task is the contract shared by every scheduled job.
type Task interface {
	// Event is the registry event name the task processes.
	Event() string
	Register(ctx context.Context) error
	Deactivate(ctx context.Context) error
	Process(ctx context.Context, args json.RawMessage) error
}

// CronIntervalTask keeps one recurring event registered on a fixed interval.
type CronIntervalTask struct {
	event    string
	interval string
	registry Registry
	clock    scanner.Clock
	run      func(ctx context.Context) error
}

// NewCronIntervalTask builds a recurring task firing run every interval.
func NewCronIntervalTask(event, interval string, registry Registry, clock scanner.Clock, run func(ctx context.Context) error) (*CronIntervalTask, error) {
	switch {
	case event == "":
		return nil, fmt.Errorf("event name is required")
	case !ValidInterval(interval):
		return nil, fmt.Errorf("event %s: invalid interval %q", event, interval)
	case registry == nil:
		return nil, fmt.Errorf("registry is required")
	case clock == nil:
		return nil, fmt.Errorf("clock is required")
	case run == nil:
		return nil, fmt.Errorf("run func is required")
	}
	return &CronIntervalTask{event: event, interval: interval, registry: registry, clock: clock, run: run}, nil
}

// Event implements Task.
func (t *CronIntervalTask) Event() string { return t.event }

// Register schedules the event unless it is already scheduled.
func (t *CronIntervalTask) Register(ctx context.Context) error {
	if _, ok, err := t.registry.Next(ctx, t.event, nil); err != nil || ok {
		return err
	}
	next, err := NextAfter(t.interval, t.clock.Now())
	if err != nil {
		return err
	}
	return t.registry.Schedule(ctx, State{
		Event:     t.event,
		NextRun:   next,
		Recurring: true,
		Interval:  t.interval,
	})
}

// Deactivate removes the recurring event.
func (t *CronIntervalTask) Deactivate(ctx context.Context) error {
	return t.registry.Unschedule(ctx, t.event, nil)
}

// Process runs the job; args are ignored.
func (t *CronIntervalTask) Process(ctx context.Context, _ json.RawMessage) error {
	return t.run(ctx)
}

// Deactivator collects teardown hooks so an administrative action can
// unregister every recurring task at once.
type Deactivator struct {
	mu    sync.Mutex
	hooks []func(ctx context.Context) error
}

// NewDeactivator returns an empty Deactivator.
func NewDeactivator() *Deactivator {
	return &Deactivator{}
}

// OnDeactivate adds a hook.
func (d *Deactivator) OnDeactivate(hook func(ctx context.Context) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, hook)
}

// Deactivate runs every hook and joins their errors.
func (d *Deactivator) Deactivate(ctx context.Context) error {
	d.mu.Lock()
	hooks := append([]func(context.Context) error(nil), d.hooks...)
	d.mu.Unlock()

	var errs []error
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecurringTask is a CronIntervalTask whose teardown is driven by a Deactivator.
type RecurringTask struct {
	*CronIntervalTask
	deactivator *Deactivator
	once        sync.Once
}

// NewRecurringTask builds a recurring task and hooks it into deactivator.
func NewRecurringTask(event, interval string, registry Registry, clock scanner.Clock, deactivator *Deactivator, run func(ctx context.Context) error) (*RecurringTask, error) {
	if deactivator == nil {
		return nil, fmt.Errorf("deactivator is required")
	}
	inner, err := NewCronIntervalTask(event, interval, registry, clock, run)
	if err != nil {
		return nil, err
	}
	return &RecurringTask{CronIntervalTask: inner, deactivator: deactivator}, nil
}

// Register schedules the event and, once per task, adds its teardown hook.
func (t *RecurringTask) Register(ctx context.Context) error {
	t.once.Do(func() {
		t.deactivator.OnDeactivate(t.Deactivate)
	})
	return t.CronIntervalTask.Register(ctx)
}
