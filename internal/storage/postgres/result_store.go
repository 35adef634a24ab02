// Package postgres provides Postgres-backed persistence for scan results.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ResultStoreConfig controls the Postgres connection pool used for results.
type ResultStoreConfig struct {
	DSN             string
	RunsTable       string
	OutcomesTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// ResultStore writes run summaries and per-URL outcomes into Postgres.
type ResultStore struct {
	pool     dbPool
	runs     string
	outcomes string
}

// NewResultStore connects to Postgres using cfg.
func NewResultStore(ctx context.Context, cfg ResultStoreConfig) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("results.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewResultStoreWithPool(pool, cfg.RunsTable, cfg.OutcomesTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewResultStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewResultStoreWithPool(pool dbPool, runsTable, outcomesTable string) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if runsTable == "" {
		runsTable = "scan_runs"
	}
	if outcomesTable == "" {
		outcomesTable = "scan_outcomes"
	}
	for _, table := range []string{runsTable, outcomesTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &ResultStore{pool: pool, runs: runsTable, outcomes: outcomesTable}, nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates both tables if they do not exist.
func (s *ResultStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id text PRIMARY KEY,
	status text NOT NULL,
	started_at timestamptz NOT NULL,
	finished_at timestamptz NOT NULL,
	targets integer NOT NULL,
	total_errors integer NOT NULL,
	unaccepted_errors integer NOT NULL,
	number_validated integer NOT NULL,
	failed integer NOT NULL,
	validity_by_type jsonb NOT NULL,
	error_text text NOT NULL DEFAULT '',
	report_uri text NOT NULL DEFAULT ''
)`, s.runs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id text NOT NULL,
	url text NOT NULL,
	type text NOT NULL,
	error_count integer NOT NULL,
	unaccepted_error_count integer NOT NULL,
	validated_at timestamptz NOT NULL,
	error_text text NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, url)
)`, s.outcomes),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create results schema: %w", err)
		}
	}
	return nil
}

// SaveOutcome upserts one validated URL of a run.
func (s *ResultStore) SaveOutcome(ctx context.Context, runID string, o scanner.ValidationOutcome) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, url, type, error_count, unaccepted_error_count, validated_at, error_text)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (run_id, url) DO UPDATE SET
	type = EXCLUDED.type,
	error_count = EXCLUDED.error_count,
	unaccepted_error_count = EXCLUDED.unaccepted_error_count,
	validated_at = EXCLUDED.validated_at,
	error_text = EXCLUDED.error_text`, s.outcomes)

	args := []any{runID, o.URL, o.Type, int64(o.ErrorCount), int64(o.UnacceptedErrorCount), o.ValidatedAt, o.ErrorText}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// SaveRun upserts a run summary.
func (s *ResultStore) SaveRun(ctx context.Context, run scanner.RunSummary) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	validity := run.Stats.ValidityByType
	if validity == nil {
		validity = map[string]scanner.TypeValidity{}
	}
	validityJSON, err := json.Marshal(validity)
	if err != nil {
		return fmt.Errorf("marshal validity: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, status, started_at, finished_at, targets,
	total_errors, unaccepted_errors, number_validated, failed,
	validity_by_type, error_text, report_uri
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	finished_at = EXCLUDED.finished_at,
	total_errors = EXCLUDED.total_errors,
	unaccepted_errors = EXCLUDED.unaccepted_errors,
	number_validated = EXCLUDED.number_validated,
	failed = EXCLUDED.failed,
	validity_by_type = EXCLUDED.validity_by_type,
	error_text = EXCLUDED.error_text,
	report_uri = EXCLUDED.report_uri`, s.runs)

	args := []any{
		run.ID,
		string(run.Status),
		run.StartedAt,
		run.FinishedAt,
		int64(run.Targets),
		int64(run.Stats.TotalErrors),
		int64(run.Stats.UnacceptedErrors),
		int64(run.Stats.NumberValidated),
		int64(run.Stats.Failed),
		validityJSON,
		run.ErrorText,
		run.ReportURI,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// LatestRun returns the most recently finished run.
func (s *ResultStore) LatestRun(ctx context.Context) (scanner.RunSummary, error) {
	query := fmt.Sprintf(`
SELECT id, status, started_at, finished_at, targets,
	total_errors, unaccepted_errors, number_validated, failed,
	validity_by_type, error_text, report_uri
FROM %s ORDER BY finished_at DESC LIMIT 1`, s.runs)

	var (
		run                                       scanner.RunSummary
		status                                    string
		targets, total, unaccepted, valid, failed int64
		validityJSON                              []byte
	)
	err := s.pool.QueryRow(ctx, query).Scan(
		&run.ID, &status, &run.StartedAt, &run.FinishedAt, &targets,
		&total, &unaccepted, &valid, &failed,
		&validityJSON, &run.ErrorText, &run.ReportURI,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scanner.RunSummary{}, scanner.ErrNotFound
	}
	if err != nil {
		return scanner.RunSummary{}, fmt.Errorf("select latest run: %w", err)
	}
	run.Status = scanner.RunStatus(status)
	run.Targets = int(targets)
	run.Stats = scanner.NewRunStatistics()
	run.Stats.TotalErrors = uint(total)
	run.Stats.UnacceptedErrors = uint(unaccepted)
	run.Stats.NumberValidated = uint(valid)
	run.Stats.Failed = uint(failed)
	if len(validityJSON) > 0 {
		if err := json.Unmarshal(validityJSON, &run.Stats.ValidityByType); err != nil {
			return scanner.RunSummary{}, fmt.Errorf("decode validity: %w", err)
		}
	}
	return run, nil
}
