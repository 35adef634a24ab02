package validation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/compliance-scanner/internal/kv/memory"
	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeValidator struct {
	mu      sync.Mutex
	results map[string][]scanner.ValidationError
	errs    map[string]error
	calls   []string
}

func (f *fakeValidator) Validate(_ context.Context, url string) (scanner.ValidationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if err := f.errs[url]; err != nil {
		return scanner.ValidationResult{}, err
	}
	return scanner.ValidationResult{URL: url, Errors: f.results[url]}, nil
}

type blockingValidator struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingValidator) Validate(ctx context.Context, url string) (scanner.ValidationResult, error) {
	close(b.started)
	select {
	case <-b.release:
	case <-ctx.Done():
		return scanner.ValidationResult{}, ctx.Err()
	}
	return scanner.ValidationResult{URL: url}, nil
}

type recordingResults struct {
	mu       sync.Mutex
	outcomes []scanner.ValidationOutcome
}

func (r *recordingResults) SaveOutcome(_ context.Context, _ string, o scanner.ValidationOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *recordingResults) SaveRun(context.Context, scanner.RunSummary) error { return nil }

func (r *recordingResults) LatestRun(context.Context) (scanner.RunSummary, error) {
	return scanner.RunSummary{}, scanner.ErrNotFound
}

type countingSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *countingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
	return nil
}

func newRunner(t *testing.T, cfg Config, deps Deps) *Runner {
	t.Helper()
	if deps.KV == nil {
		deps.KV = memory.New(nil)
	}
	if deps.Clock == nil {
		deps.Clock = fakeClock{now: time.Unix(1700000000, 0).UTC()}
	}
	r, err := NewRunner(cfg, deps)
	require.NoError(t, err)
	return r
}

func TestRunAggregatesStatistics(t *testing.T) {
	t.Parallel()

	v := &fakeValidator{results: map[string][]scanner.ValidationError{
		"https://x.test/a": nil,
		"https://x.test/b": {{Code: "invalid_element", Accepted: true}},
		"https://x.test/c": {{Code: "invalid_attribute"}, {Code: "css", Accepted: true}},
		"https://x.test/d": {{Code: "invalid_script"}},
	}}
	results := &recordingResults{}
	r := newRunner(t, Config{}, Deps{Validator: v, Results: results})

	targets := []scanner.ScanTarget{
		{URL: "https://x.test/a", Type: "is_home"},
		{URL: "https://x.test/b", Type: "is_singular[post]"},
		{URL: "https://x.test/c", Type: "is_singular[post]"},
		{URL: "https://x.test/d", Type: "is_search"},
	}
	stats, err := r.Run(context.Background(), "run-1", targets)
	require.NoError(t, err)

	assert.Equal(t, uint(4), stats.NumberValidated)
	assert.Equal(t, uint(3), stats.TotalErrors)
	assert.Equal(t, uint(2), stats.UnacceptedErrors)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, map[string]scanner.TypeValidity{
		"is_home":           {Valid: 1, Total: 1},
		"is_singular[post]": {Valid: 1, Total: 2},
		"is_search":         {Valid: 0, Total: 1},
	}, stats.ValidityByType)

	assert.Equal(t, []string{"https://x.test/a", "https://x.test/b", "https://x.test/c", "https://x.test/d"}, v.calls)
	require.Len(t, results.outcomes, 4)
	assert.Equal(t, uint(2), results.outcomes[2].ErrorCount)
	assert.Equal(t, uint(1), results.outcomes[2].UnacceptedErrorCount)
}

func TestRunStatisticsDoNotCarryOver(t *testing.T) {
	t.Parallel()

	v := &fakeValidator{results: map[string][]scanner.ValidationError{"https://x.test/a": {{Code: "e"}}}}
	r := newRunner(t, Config{}, Deps{Validator: v})
	targets := []scanner.ScanTarget{{URL: "https://x.test/a", Type: "is_home"}}

	_, err := r.Run(context.Background(), "", targets)
	require.NoError(t, err)
	stats, err := r.Run(context.Background(), "", targets)
	require.NoError(t, err)

	assert.Equal(t, uint(1), stats.NumberValidated)
	assert.Equal(t, uint(1), stats.UnacceptedErrors)
}

func TestRunContinuesPastValidatorFailure(t *testing.T) {
	t.Parallel()

	v := &fakeValidator{
		results: map[string][]scanner.ValidationError{"https://x.test/ok": nil},
		errs:    map[string]error{"https://x.test/down": errors.New("503")},
	}
	results := &recordingResults{}
	r := newRunner(t, Config{}, Deps{Validator: v, Results: results})

	stats, err := r.Run(context.Background(), "run-2", []scanner.ScanTarget{
		{URL: "https://x.test/down", Type: "is_home"},
		{URL: "https://x.test/ok", Type: "is_home"},
		{URL: "", Type: "is_date"},
	})
	require.NoError(t, err)

	assert.Equal(t, uint(1), stats.NumberValidated)
	assert.Equal(t, uint(2), stats.Failed)
	assert.Equal(t, scanner.TypeValidity{Valid: 1, Total: 1}, stats.ValidityByType["is_home"])
	require.Len(t, results.outcomes, 3)
	assert.Equal(t, "503", results.outcomes[0].ErrorText)
	assert.False(t, results.outcomes[0].Valid())
}

func TestRunReturnsErrorWhenEveryTargetFails(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	v := &fakeValidator{errs: map[string]error{"https://x.test/a": boom, "https://x.test/b": boom}}
	r := newRunner(t, Config{}, Deps{Validator: v})

	stats, err := r.Run(context.Background(), "", []scanner.ScanTarget{
		{URL: "https://x.test/a", Type: "is_home"},
		{URL: "https://x.test/b", Type: "is_search"},
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, uint(2), stats.Failed)
	assert.Zero(t, stats.NumberValidated)
}

func TestRunLockMutualExclusion(t *testing.T) {
	t.Parallel()

	kv := memory.New(nil)
	blocking := &blockingValidator{started: make(chan struct{}), release: make(chan struct{})}
	first := newRunner(t, Config{LockName: "scan"}, Deps{KV: kv, Validator: blocking})
	second := newRunner(t, Config{LockName: "scan"}, Deps{KV: kv, Validator: &fakeValidator{}})

	type result struct {
		stats scanner.RunStatistics
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := first.Run(context.Background(), "first", []scanner.ScanTarget{{URL: "https://x.test/", Type: "is_home"}})
		done <- result{stats, err}
	}()
	<-blocking.started

	stats, err := second.Run(context.Background(), "second", []scanner.ScanTarget{{URL: "https://x.test/", Type: "is_home"}})
	var lockErr *LockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, "scan", lockErr.Name)
	assert.ErrorIs(t, err, scanner.ErrLocked)
	assert.Zero(t, stats.NumberValidated)

	close(blocking.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, uint(1), res.stats.NumberValidated)
	assert.Equal(t, scanner.TypeValidity{Valid: 1, Total: 1}, res.stats.ValidityByType["is_home"])

	_, held, err := kv.Get(context.Background(), "scan")
	require.NoError(t, err)
	assert.False(t, held, "lock released after the run")

	_, err = second.Run(context.Background(), "third", nil)
	require.NoError(t, err)
}

func TestRunLockExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	clock := &steppingClock{now: time.Unix(0, 0)}
	kv := memory.New(clock)
	r := newRunner(t, Config{LockTTL: time.Minute}, Deps{KV: kv, Clock: clock, Validator: &fakeValidator{}})

	require.NoError(t, kv.Set(context.Background(), DefaultLockName, []byte("crashed"), time.Minute))
	_, err := r.Run(context.Background(), "", nil)
	require.ErrorIs(t, err, scanner.ErrLocked)

	clock.advance(2 * time.Minute)
	_, err = r.Run(context.Background(), "", nil)
	require.NoError(t, err)
}

type funcValidator func(ctx context.Context, url string) (scanner.ValidationResult, error)

func (f funcValidator) Validate(ctx context.Context, url string) (scanner.ValidationResult, error) {
	return f(ctx, url)
}

func TestRunExpiredHolderDoesNotReleaseNewHolder(t *testing.T) {
	t.Parallel()

	clock := &steppingClock{now: time.Unix(0, 0)}
	kv := memory.New(clock)
	blocking := &blockingValidator{started: make(chan struct{}), release: make(chan struct{})}
	// Separate runners stand in for separate processes sharing the KV store.
	late := newRunner(t, Config{LockTTL: time.Minute}, Deps{KV: kv, Clock: clock, Validator: blocking})

	lateDone := make(chan error, 1)
	slow := funcValidator(func(_ context.Context, url string) (scanner.ValidationResult, error) {
		clock.advance(2 * time.Minute)
		go func() {
			_, err := late.Run(context.Background(), "", []scanner.ScanTarget{{URL: "https://x.test/b", Type: "is_home"}})
			lateDone <- err
		}()
		<-blocking.started
		return scanner.ValidationResult{URL: url}, nil
	})
	early := newRunner(t, Config{LockTTL: time.Minute}, Deps{KV: kv, Clock: clock, Validator: slow})

	_, err := early.Run(context.Background(), "", []scanner.ScanTarget{{URL: "https://x.test/a", Type: "is_home"}})
	require.NoError(t, err)

	_, held, err := kv.Get(context.Background(), DefaultLockName)
	require.NoError(t, err)
	assert.True(t, held, "the expired holder must not delete the current holder's lock")

	close(blocking.release)
	require.NoError(t, <-lateDone)
	_, held, err = kv.Get(context.Background(), DefaultLockName)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRunSleepsBetweenTargets(t *testing.T) {
	t.Parallel()

	sleeper := &countingSleeper{}
	r := newRunner(t, Config{Delay: 250 * time.Millisecond}, Deps{Validator: &fakeValidator{}, Sleeper: sleeper})

	_, err := r.Run(context.Background(), "", []scanner.ScanTarget{
		{URL: "https://x.test/1", Type: "is_home"},
		{URL: "https://x.test/2", Type: "is_home"},
		{URL: "https://x.test/3", Type: "is_home"},
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, sleeper.slept)
}

func TestRunUsesClassifier(t *testing.T) {
	t.Parallel()

	v := &fakeValidator{results: map[string][]scanner.ValidationError{"https://x.test/a": {{Code: "reviewed"}}}}
	r := newRunner(t, Config{}, Deps{Validator: v, Classifier: codeClassifier{"reviewed": true}})

	stats, err := r.Run(context.Background(), "", []scanner.ScanTarget{{URL: "https://x.test/a", Type: "is_home"}})
	require.NoError(t, err)
	assert.Equal(t, uint(1), stats.TotalErrors)
	assert.Zero(t, stats.UnacceptedErrors)
}

func TestRunCanceledContextStops(t *testing.T) {
	t.Parallel()

	v := &fakeValidator{}
	r := newRunner(t, Config{}, Deps{Validator: v})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, "", []scanner.ScanTarget{{URL: "https://x.test/a", Type: "is_home"}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, v.calls)
}

func TestNewRunnerValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(Config{}, Deps{})
	require.Error(t, err)
	_, err = NewRunner(Config{Delay: time.Second}, Deps{KV: memory.New(nil), Validator: &fakeValidator{}, Clock: fakeClock{}})
	require.Error(t, err)
}

type codeClassifier map[string]bool

func (c codeClassifier) Accepted(err scanner.ValidationError) bool { return err.Accepted || c[err.Code] }

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
