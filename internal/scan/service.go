// Package scan ties one scan run together: pick targets, validate them,
// persist the summary, write a report and announce the result.
package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

const instrumentation = "github.com/JakeFAU/compliance-scanner/internal/scan"

var (
	tracer = otel.Tracer(instrumentation)
	meter  = otel.Meter(instrumentation)
)

// Topics published after a run.
const (
	TopicCompleted = "scan.completed"
	reportPrefix   = "reports"
)

// TargetSource selects scan targets.
type TargetSource interface {
	GetTargets(ctx context.Context, limitPerType int, includeTypes []string, offset int) ([]scanner.ScanTarget, error)
}

// RunExecutor validates targets under the run lock.
type RunExecutor interface {
	Run(ctx context.Context, runID string, targets []scanner.ScanTarget) (scanner.RunStatistics, error)
}

// Request selects which targets a run covers.
type Request struct {
	LimitPerType int      `json:"limit_per_type"`
	IncludeTypes []string `json:"include_types,omitempty"`
	Offset       int      `json:"offset"`
}

// Config holds defaults for scheduled runs and where reports go.
type Config struct {
	Defaults     Request
	ReportPrefix string
	Topic        string
}

// Deps groups the collaborators of a Service. Blobs and Publisher are optional.
type Deps struct {
	Targets   TargetSource
	Runner    RunExecutor
	Results   scanner.ResultStore
	Blobs     scanner.BlobStore
	Publisher scanner.Publisher
	IDs       scanner.IDGenerator
	Clock     scanner.Clock
	Logger    *zap.Logger
}

// Report is the JSON document written for every finished run.
type Report struct {
	Summary scanner.RunSummary   `json:"summary"`
	Targets []scanner.ScanTarget `json:"targets"`
}

// Notification is the payload published when a run finishes.
type Notification struct {
	RunID     string                `json:"run_id"`
	Status    scanner.RunStatus     `json:"status"`
	Stats     scanner.RunStatistics `json:"stats"`
	ReportURI string                `json:"report_uri,omitempty"`
}

// Service runs scans.
type Service struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	runTargets    metric.Int64Histogram
	notifications metric.Int64Counter
}

// NewService validates deps and fills config defaults.
func NewService(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Targets == nil:
		return nil, errors.New("scan service requires a target source")
	case deps.Runner == nil:
		return nil, errors.New("scan service requires a runner")
	case deps.Results == nil:
		return nil, errors.New("scan service requires a result store")
	case deps.IDs == nil:
		return nil, errors.New("scan service requires an id generator")
	case deps.Clock == nil:
		return nil, errors.New("scan service requires a clock")
	}
	if cfg.ReportPrefix == "" {
		cfg.ReportPrefix = reportPrefix
	}
	if cfg.Topic == "" {
		cfg.Topic = TopicCompleted
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runTargets, err := meter.Int64Histogram("scan.run.targets",
		metric.WithDescription("Targets covered by each finished scan run."),
		metric.WithUnit("{target}"))
	if err != nil {
		return nil, fmt.Errorf("create run histogram: %w", err)
	}
	notifications, err := meter.Int64Counter("scan.notifications",
		metric.WithDescription("Run notifications by publish result."))
	if err != nil {
		return nil, fmt.Errorf("create notification counter: %w", err)
	}
	return &Service{
		cfg:           cfg,
		deps:          deps,
		log:           logger.Named("scan"),
		runTargets:    runTargets,
		notifications: notifications,
	}, nil
}

// Defaults returns the request used by scheduled runs.
func (s *Service) Defaults() Request {
	return s.cfg.Defaults
}

// Targets returns the targets a run with req would validate.
func (s *Service) Targets(ctx context.Context, req Request) ([]scanner.ScanTarget, error) {
	targets, err := s.deps.Targets.GetTargets(ctx, req.LimitPerType, req.IncludeTypes, req.Offset)
	if err != nil {
		return nil, fmt.Errorf("select targets: %w", err)
	}
	return targets, nil
}

// Run selects targets for req and validates them.
func (s *Service) Run(ctx context.Context, req Request) (scanner.RunSummary, error) {
	targets, err := s.Targets(ctx, req)
	if err != nil {
		return scanner.RunSummary{}, err
	}
	return s.RunTargets(ctx, targets)
}

// RunTargets validates an explicit target list. When the run lock is held
// the lock error is returned unchanged and nothing is persisted. Otherwise
// the summary is always saved, even when every target failed, and the
// runner's error is returned alongside it.
func (s *Service) RunTargets(ctx context.Context, targets []scanner.ScanTarget) (scanner.RunSummary, error) {
	ctx, span := tracer.Start(ctx, "scan.Run")
	defer span.End()

	runID, err := s.deps.IDs.NewID()
	if err != nil {
		return scanner.RunSummary{}, fmt.Errorf("generate run id: %w", err)
	}
	span.SetAttributes(attribute.String("run.id", runID))
	logger := s.log.With(zap.String("run_id", runID))

	started := s.deps.Clock.Now()
	stats, runErr := s.deps.Runner.Run(ctx, runID, targets)
	if errors.Is(runErr, scanner.ErrLocked) {
		return scanner.RunSummary{}, runErr
	}

	summary := scanner.RunSummary{
		ID:         runID,
		Status:     statusOf(runErr),
		StartedAt:  started,
		FinishedAt: s.deps.Clock.Now(),
		Targets:    len(targets),
		Stats:      stats,
	}
	if runErr != nil {
		summary.ErrorText = runErr.Error()
	}

	// Persist even if the caller gave up mid-run.
	persistCtx := context.WithoutCancel(ctx)
	summary.ReportURI = s.writeReport(persistCtx, logger, summary, targets)
	if err := s.deps.Results.SaveRun(persistCtx, summary); err != nil {
		return summary, errors.Join(runErr, fmt.Errorf("save run: %w", err))
	}
	s.publish(persistCtx, logger, summary)
	s.runTargets.Record(persistCtx, int64(len(targets)),
		metric.WithAttributes(attribute.String("status", string(summary.Status))))

	logger.Info("scan finished",
		zap.String("status", string(summary.Status)),
		zap.Int("targets", summary.Targets),
		zap.Uint("validated", stats.NumberValidated),
		zap.Uint("failed", stats.Failed),
		zap.Uint("unaccepted_errors", stats.UnacceptedErrors),
	)
	return summary, runErr
}

func (s *Service) writeReport(ctx context.Context, logger *zap.Logger, summary scanner.RunSummary, targets []scanner.ScanTarget) string {
	if s.deps.Blobs == nil {
		return ""
	}
	if targets == nil {
		targets = []scanner.ScanTarget{}
	}
	body, err := json.MarshalIndent(Report{Summary: summary, Targets: targets}, "", "  ")
	if err != nil {
		logger.Warn("encode report failed", zap.Error(err))
		return ""
	}
	uri, err := s.deps.Blobs.PutObject(ctx, ReportPath(s.cfg.ReportPrefix, summary.ID), "application/json", bytes.NewReader(body))
	if err != nil {
		logger.Warn("write report failed", zap.Error(err))
		return ""
	}
	return uri
}

func (s *Service) publish(ctx context.Context, logger *zap.Logger, summary scanner.RunSummary) {
	if s.deps.Publisher == nil {
		return
	}
	msg := Notification{RunID: summary.ID, Status: summary.Status, Stats: summary.Stats, ReportURI: summary.ReportURI}
	id, err := s.deps.Publisher.Publish(ctx, s.cfg.Topic, msg)
	if err != nil {
		s.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		logger.Warn("publish run notification failed", zap.Error(err))
		return
	}
	s.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "success")))
	logger.Debug("run notification published", zap.String("message_id", id))
}

// ReportPath is where the report of runID is written.
func ReportPath(prefix, runID string) string {
	return path.Join(prefix, runID+".json")
}

func statusOf(err error) scanner.RunStatus {
	switch {
	case err == nil:
		return scanner.RunSucceeded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return scanner.RunCanceled
	default:
		return scanner.RunFailed
	}
}
