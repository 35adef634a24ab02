// Package validation runs the validator over a list of scan targets under a
// single-flight lock and aggregates the results into run statistics.
package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/compliance-scanner/internal/id/uuid"
	"github.com/JakeFAU/compliance-scanner/internal/metrics"
	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

var tracer = otel.Tracer("github.com/JakeFAU/compliance-scanner/internal/validation")

// Defaults applied by NewRunner.
const (
	DefaultLockName = "scanner:validation-lock"
	DefaultLockTTL  = 30 * time.Minute
)

// Config tunes a Runner.
type Config struct {
	LockName string
	LockTTL  time.Duration
	// Delay is slept between consecutive URLs to throttle outbound load.
	Delay time.Duration
}

// Sleeper pauses between URLs.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Runner validates targets one at a time.
type Runner struct {
	lock       *Lock
	validator  scanner.Validator
	classifier scanner.ErrorClassifier
	results    scanner.ResultStore
	clock      scanner.Clock
	sleeper    Sleeper
	cfg        Config
	ids        scanner.IDGenerator
	logger     *zap.Logger
}

// Deps groups the collaborators of a Runner.
type Deps struct {
	KV         scanner.KVStore
	Validator  scanner.Validator
	Classifier scanner.ErrorClassifier
	Results    scanner.ResultStore
	Clock      scanner.Clock
	Sleeper    Sleeper
	// IDs issues lock tokens for runs started without a run ID. Defaults
	// to UUIDs.
	IDs    scanner.IDGenerator
	Logger *zap.Logger
}

// NewRunner validates deps and applies config defaults.
func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	if deps.KV == nil {
		return nil, errors.New("validation runner requires a KV store")
	}
	if deps.Validator == nil {
		return nil, errors.New("validation runner requires a validator")
	}
	if deps.Clock == nil {
		return nil, errors.New("validation runner requires a clock")
	}
	if cfg.LockName == "" {
		cfg.LockName = DefaultLockName
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Delay > 0 && deps.Sleeper == nil {
		return nil, errors.New("validation runner delay requires a sleeper")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	classifier := deps.Classifier
	if classifier == nil {
		classifier = flagClassifier{}
	}
	var ids scanner.IDGenerator = uuid.New()
	if deps.IDs != nil {
		ids = deps.IDs
	}
	return &Runner{
		lock:       NewLock(deps.KV, cfg.LockName, cfg.LockTTL),
		validator:  deps.Validator,
		classifier: classifier,
		results:    deps.Results,
		clock:      deps.Clock,
		sleeper:    deps.Sleeper,
		ids:        ids,
		cfg:        cfg,
		logger:     logger.Named("runner"),
	}, nil
}

// Run validates targets in order and returns the run's statistics.
//
// A *LockError is returned without doing any work when another run holds
// the lock. A failing URL is counted in Failed and the batch continues; the
// first validator error is returned only when every target failed. A
// canceled context stops the batch and returns the statistics so far.
func (r *Runner) Run(ctx context.Context, runID string, targets []scanner.ScanTarget) (scanner.RunStatistics, error) {
	ctx, span := tracer.Start(ctx, "validation.Run")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID), attribute.Int("run.targets", len(targets)))

	token := runID
	if token == "" {
		var err error
		if token, err = r.ids.NewID(); err != nil {
			return scanner.RunStatistics{}, fmt.Errorf("lock token: %w", err)
		}
	}
	release, err := r.lock.Acquire(ctx, token)
	if err != nil {
		var lockErr *LockError
		if errors.As(err, &lockErr) {
			metrics.ObserveLockContention()
			r.logger.Info("validation already in progress", zap.String("lock", lockErr.Name))
		}
		return scanner.RunStatistics{}, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			r.logger.Warn("release validation lock", zap.Error(err))
		}
	}()

	started := r.clock.Now()
	stats := scanner.NewRunStatistics()
	var firstErr error

	for i, target := range targets {
		if i > 0 && r.cfg.Delay > 0 {
			if err := r.sleeper.Sleep(ctx, r.cfg.Delay); err != nil {
				return r.finish(span, started, stats, fmt.Errorf("validation interrupted: %w", err))
			}
		}
		if err := ctx.Err(); err != nil {
			return r.finish(span, started, stats, fmt.Errorf("validation interrupted: %w", err))
		}

		outcome, err := r.validateOne(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return r.finish(span, started, stats, fmt.Errorf("validation interrupted: %w", ctx.Err()))
			}
			stats.Failed++
			if firstErr == nil {
				firstErr = err
			}
			metrics.ObserveValidation(target.Type, "failed")
			r.logger.Warn("validate url", zap.String("url", target.URL), zap.Error(err))
		} else {
			tally(&stats, outcome)
			result := "valid"
			if !outcome.Valid() {
				result = "invalid"
			}
			metrics.ObserveValidation(target.Type, result)
		}
		r.save(ctx, runID, outcome)
	}

	if len(targets) > 0 && stats.Failed == uint(len(targets)) {
		return r.finish(span, started, stats, fmt.Errorf("every target failed: %w", firstErr))
	}
	return r.finish(span, started, stats, nil)
}

func (r *Runner) validateOne(ctx context.Context, target scanner.ScanTarget) (scanner.ValidationOutcome, error) {
	ctx, span := tracer.Start(ctx, "validation.ValidateURL")
	defer span.End()
	span.SetAttributes(attribute.String("url", target.URL), attribute.String("target.type", target.Type))

	outcome := scanner.ValidationOutcome{URL: target.URL, Type: target.Type, ValidatedAt: r.clock.Now()}
	if target.URL == "" {
		outcome.ErrorText = scanner.ErrInvalidTarget.Error()
		return outcome, fmt.Errorf("target %q: %w", target.Type, scanner.ErrInvalidTarget)
	}
	result, err := r.validator.Validate(ctx, target.URL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome.ErrorText = err.Error()
		return outcome, fmt.Errorf("validate %s: %w", target.URL, err)
	}
	for _, verr := range result.Errors {
		outcome.ErrorCount++
		if !r.classifier.Accepted(verr) {
			outcome.UnacceptedErrorCount++
		}
	}
	return outcome, nil
}

func tally(stats *scanner.RunStatistics, outcome scanner.ValidationOutcome) {
	stats.NumberValidated++
	if outcome.ErrorCount > 0 {
		stats.TotalErrors++
	}
	byType := stats.ValidityByType[outcome.Type]
	byType.Total++
	if outcome.UnacceptedErrorCount > 0 {
		stats.UnacceptedErrors++
	} else {
		byType.Valid++
	}
	stats.ValidityByType[outcome.Type] = byType
}

func (r *Runner) save(ctx context.Context, runID string, outcome scanner.ValidationOutcome) {
	if r.results == nil || runID == "" {
		return
	}
	if err := r.results.SaveOutcome(ctx, runID, outcome); err != nil {
		r.logger.Warn("save outcome", zap.String("url", outcome.URL), zap.Error(err))
	}
}

func (r *Runner) finish(span trace.Span, started time.Time, stats scanner.RunStatistics, err error) (scanner.RunStatistics, error) {
	elapsed := r.clock.Now().Sub(started)
	span.SetAttributes(
		attribute.Int("run.validated", int(stats.NumberValidated)),
		attribute.Int("run.unaccepted", int(stats.UnacceptedErrors)),
		attribute.Int("run.failed", int(stats.Failed)),
	)
	result := string(scanner.RunSucceeded)
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		result = string(scanner.RunCanceled)
	case err != nil:
		result = string(scanner.RunFailed)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.ObserveRun(result, elapsed)
	r.logger.Info("validation finished",
		zap.String("result", result),
		zap.Uint("validated", stats.NumberValidated),
		zap.Uint("unaccepted_errors", stats.UnacceptedErrors),
		zap.Uint("failed", stats.Failed),
		zap.Duration("elapsed", elapsed),
	)
	return stats, err
}

type flagClassifier struct{}

func (flagClassifier) Accepted(err scanner.ValidationError) bool { return err.Accepted }
