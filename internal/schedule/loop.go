package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/compliance-scanner/internal/metrics"
	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

// DefaultTick is how often the loop polls the registry.
const DefaultTick = 30 * time.Second

// Loop fires due events against their tasks.
type Loop struct {
	registry Registry
	clock    scanner.Clock
	tick     time.Duration
	logger   *zap.Logger
	tasks    map[string]Task
}

// NewLoop constructs a Loop. A zero tick uses DefaultTick.
func NewLoop(registry Registry, clock scanner.Clock, tick time.Duration, logger *zap.Logger) (*Loop, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{registry: registry, clock: clock, tick: tick, logger: logger, tasks: make(map[string]Task)}, nil
}

// Register registers each task and routes its event to it.
func (l *Loop) Register(ctx context.Context, tasks ...Task) error {
	for _, t := range tasks {
		if _, dup := l.tasks[t.Event()]; dup {
			return fmt.Errorf("duplicate task for event %s", t.Event())
		}
		if err := t.Register(ctx); err != nil {
			return fmt.Errorf("register %s: %w", t.Event(), err)
		}
		l.tasks[t.Event()] = t
	}
	return nil
}

// Run ticks until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()
	for {
		if err := l.Tick(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick fires every due event once. Recurring events are re-armed and single
// events removed before processing, so a trigger arriving mid-run can
// schedule a fresh run. A single event whose task reports lock contention
// is put back for a later tick when the task implements Retrier.
func (l *Loop) Tick(ctx context.Context) error {
	now := l.clock.Now()
	due, err := l.registry.Due(ctx, now)
	if err != nil {
		return fmt.Errorf("load due events: %w", err)
	}
	for _, state := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := l.rearm(ctx, state, now); err != nil {
			return err
		}
		task, ok := l.tasks[state.Event]
		if !ok {
			metrics.ObserveScheduledEvent(state.Event, "no_task")
			l.logger.Warn("no task registered for due event", zap.String("event", state.Event))
			continue
		}
		if err := l.process(ctx, task, state); errors.Is(err, scanner.ErrLocked) && !state.Recurring {
			if err := l.retry(ctx, task, state); err != nil {
				return err
			}
		}
	}
	return nil
}

// Retrier is implemented by tasks whose single runs are retried after lock
// contention instead of dropped.
type Retrier interface {
	RetryAfter() time.Duration
}

func (l *Loop) retry(ctx context.Context, task Task, state State) error {
	r, ok := task.(Retrier)
	if !ok {
		return nil
	}
	// A trigger that arrived while the task ran already covers these args.
	if _, pending, err := l.registry.Next(ctx, state.Event, state.Args); err != nil {
		return fmt.Errorf("check pending %s: %w", state.Event, err)
	} else if pending {
		return nil
	}
	state.NextRun = l.clock.Now().Add(r.RetryAfter())
	if err := l.registry.Schedule(ctx, state); err != nil {
		return fmt.Errorf("retry %s: %w", state.Event, err)
	}
	metrics.ObserveScheduledEvent(state.Event, "retry")
	l.logger.Info("scheduled event deferred until the lock is free",
		zap.String("event", state.Event), zap.Time("next_run", state.NextRun))
	return nil
}

func (l *Loop) rearm(ctx context.Context, state State, now time.Time) error {
	if !state.Recurring {
		if err := l.registry.Unschedule(ctx, state.Event, state.Args); err != nil {
			return fmt.Errorf("unschedule %s: %w", state.Event, err)
		}
		return nil
	}
	next, err := NextAfter(state.Interval, now)
	if err != nil {
		return err
	}
	state.NextRun = next
	if err := l.registry.Schedule(ctx, state); err != nil {
		return fmt.Errorf("re-arm %s: %w", state.Event, err)
	}
	return nil
}

func (l *Loop) process(ctx context.Context, task Task, state State) error {
	logger := l.logger.With(zap.String("event", state.Event))
	start := time.Now()
	err := task.Process(ctx, state.Args)
	switch {
	case err == nil:
		metrics.ObserveScheduledEvent(state.Event, "success")
		logger.Debug("scheduled event processed", zap.Duration("duration", time.Since(start)))
	case errors.Is(err, scanner.ErrLocked):
		metrics.ObserveScheduledEvent(state.Event, "locked")
		logger.Info("scheduled event skipped, lock held", zap.Error(err))
	default:
		metrics.ObserveScheduledEvent(state.Event, "error")
		logger.Warn("scheduled event failed", zap.Error(err))
	}
	return err
}
