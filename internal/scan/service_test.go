package scan

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	memorypublisher "github.com/JakeFAU/compliance-scanner/internal/publisher/memory"
	"github.com/JakeFAU/compliance-scanner/internal/scanner"
	memorystorage "github.com/JakeFAU/compliance-scanner/internal/storage/memory"
	"github.com/JakeFAU/compliance-scanner/internal/validation"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type staticIDs struct{ id string }

func (s staticIDs) NewID() (string, error) { return s.id, nil }

type fakeTargets struct {
	targets []scanner.ScanTarget
	err     error
	gotReq  Request
}

func (f *fakeTargets) GetTargets(_ context.Context, limit int, include []string, offset int) ([]scanner.ScanTarget, error) {
	f.gotReq = Request{LimitPerType: limit, IncludeTypes: include, Offset: offset}
	return f.targets, f.err
}

type fakeRunner struct {
	stats scanner.RunStatistics
	err   error
	runID string
}

func (f *fakeRunner) Run(_ context.Context, runID string, _ []scanner.ScanTarget) (scanner.RunStatistics, error) {
	f.runID = runID
	return f.stats, f.err
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}

type harness struct {
	svc       *Service
	targets   *fakeTargets
	runner    *fakeRunner
	results   *memorystorage.ResultStore
	blobs     *memorystorage.BlobStore
	publisher *memorypublisher.Publisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		targets: &fakeTargets{targets: []scanner.ScanTarget{
			{URL: "https://x.test/", Type: scanner.TypeHome, Label: "Homepage"},
			{URL: "https://x.test/a/", Type: "is_singular[post]", Label: "Posts"},
		}},
		runner:    &fakeRunner{stats: scanner.RunStatistics{NumberValidated: 2, ValidityByType: map[string]scanner.TypeValidity{}}},
		results:   memorystorage.NewResultStore(),
		blobs:     memorystorage.NewBlobStore(),
		publisher: memorypublisher.New(),
	}
	svc, err := NewService(Config{Defaults: Request{LimitPerType: 1}}, Deps{
		Targets:   h.targets,
		Runner:    h.runner,
		Results:   h.results,
		Blobs:     h.blobs,
		Publisher: h.publisher,
		IDs:       staticIDs{id: "run-1"},
		Clock:     fixedClock{now: time.Unix(1700000000, 0).UTC()},
	})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func TestRunPersistsReportsAndPublishes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	summary, err := h.svc.Run(context.Background(), Request{LimitPerType: 3, IncludeTypes: []string{"is_home"}, Offset: 1})
	require.NoError(t, err)

	require.Equal(t, Request{LimitPerType: 3, IncludeTypes: []string{"is_home"}, Offset: 1}, h.targets.gotReq)
	require.Equal(t, "run-1", h.runner.runID)
	require.Equal(t, scanner.RunSucceeded, summary.Status)
	require.Equal(t, 2, summary.Targets)
	require.Equal(t, "memory://reports/run-1.json", summary.ReportURI)

	raw, contentType, ok := h.blobs.Object("reports/run-1.json")
	require.True(t, ok)
	require.Equal(t, "application/json", contentType)
	var report Report
	require.NoError(t, json.Unmarshal(raw, &report))
	require.Equal(t, "run-1", report.Summary.ID)
	require.Len(t, report.Targets, 2)

	latest, err := h.results.LatestRun(context.Background())
	require.NoError(t, err)
	require.Equal(t, summary.ReportURI, latest.ReportURI)

	msgs := h.publisher.Messages("")
	require.Len(t, msgs, 1)
	require.Equal(t, TopicCompleted, msgs[0].Topic)
	var note Notification
	require.NoError(t, msgs[0].Decode(&note))
	require.Equal(t, "run-1", note.RunID)
	require.Equal(t, uint(2), note.Stats.NumberValidated)
}

func TestRunLockContentionSkipsEverything(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.runner.err = &validation.LockError{Name: "scanner:validation-lock"}

	_, err := h.svc.Run(context.Background(), h.svc.Defaults())
	require.ErrorIs(t, err, scanner.ErrLocked)

	_, err = h.results.LatestRun(context.Background())
	require.ErrorIs(t, err, scanner.ErrNotFound)
	require.Empty(t, h.publisher.Messages(""))
	_, _, ok := h.blobs.Object("reports/run-1.json")
	require.False(t, ok)
}

func TestRunFailureStillSaved(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.runner.err = errors.New("validator down")
	h.runner.stats = scanner.RunStatistics{Failed: 2, ValidityByType: map[string]scanner.TypeValidity{}}

	summary, err := h.svc.Run(context.Background(), h.svc.Defaults())
	require.ErrorContains(t, err, "validator down")
	require.Equal(t, scanner.RunFailed, summary.Status)
	require.Equal(t, "validator down", summary.ErrorText)

	latest, err := h.results.LatestRun(context.Background())
	require.NoError(t, err)
	require.Equal(t, scanner.RunFailed, latest.Status)
	require.Len(t, h.publisher.Messages(""), 1)
}

func TestRunCanceledStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.runner.err = context.Canceled

	summary, err := h.svc.RunTargets(context.Background(), nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, scanner.RunCanceled, summary.Status)
}

func TestRunTargetError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.targets.err = context.DeadlineExceeded

	_, err := h.svc.Run(context.Background(), h.svc.Defaults())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, h.runner.runID)
}

func TestRunWithoutOptionalDeps(t *testing.T) {
	t.Parallel()

	results := memorystorage.NewResultStore()
	svc, err := NewService(Config{}, Deps{
		Targets: &fakeTargets{},
		Runner:  &fakeRunner{stats: scanner.NewRunStatistics()},
		Results: results,
		IDs:     staticIDs{id: "bare"},
		Clock:   fixedClock{now: time.Unix(1, 0)},
	})
	require.NoError(t, err)

	summary, err := svc.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Empty(t, summary.ReportURI)
}

func TestNewServiceValidation(t *testing.T) {
	t.Parallel()

	_, err := NewService(Config{}, Deps{})
	require.Error(t, err)
}

func TestReportPath(t *testing.T) {
	t.Parallel()
	require.Equal(t, "reports/abc.json", ReportPath("reports", "abc"))
	require.Equal(t, "scanner/reports/abc.json", ReportPath("scanner/reports/", "abc"))
}

func TestRunReportFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	results := memorystorage.NewResultStore()
	svc, err := NewService(Config{}, Deps{
		Targets: &fakeTargets{},
		Runner:  &fakeRunner{stats: scanner.NewRunStatistics()},
		Results: results,
		Blobs:   failingBlobs{},
		IDs:     staticIDs{id: "r"},
		Clock:   fixedClock{now: time.Unix(1, 0)},
	})
	require.NoError(t, err)

	summary, err := svc.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Empty(t, summary.ReportURI)

	latest, err := results.LatestRun(context.Background())
	require.NoError(t, err)
	require.Equal(t, "r", latest.ID)
}
