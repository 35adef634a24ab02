package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/compliance-scanner/internal/config"
	"github.com/JakeFAU/compliance-scanner/internal/dimension"
	"github.com/JakeFAU/compliance-scanner/internal/metrics"
	"github.com/JakeFAU/compliance-scanner/internal/scan"
	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

const maxBodyBytes = 1 << 20

// Scanner runs scans and previews their targets.
type Scanner interface {
	Defaults() scan.Request
	Targets(ctx context.Context, req scan.Request) ([]scanner.ScanTarget, error)
	Run(ctx context.Context, req scan.Request) (scanner.RunSummary, error)
}

// DimensionResolver looks up image sizes.
type DimensionResolver interface {
	Resolve(ctx context.Context, urls []string) map[string]dimension.Dimensions
}

// EventFirer dispatches named scheduler hooks.
type EventFirer interface {
	Fire(ctx context.Context, name string, args json.RawMessage) (int, error)
}

// Deps groups the collaborators behind the handlers. Ready is optional.
type Deps struct {
	Scanner    Scanner
	Results    scanner.ResultStore
	Dimensions DimensionResolver
	Events     EventFirer
	Ready      func(ctx context.Context) error
}

// Server wires HTTP handlers to the scan service and stores.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger}

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		// Scans can outlive the request timeout.
		r.Post("/scans", s.runScan)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.Get("/targets", s.getTargets)
			r.Get("/scans/latest", s.latestScan)
			r.Post("/dimensions", s.resolveDimensions)
			r.Post("/events/{name}", s.fireEvent)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getTargets(w http.ResponseWriter, r *http.Request) {
	req, err := s.requestFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	targets, err := s.deps.Scanner.Targets(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if targets == nil {
		targets = []scanner.ScanTarget{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (s *Server) runScan(w http.ResponseWriter, r *http.Request) {
	req, err := s.requestFromBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.deps.Scanner.Run(r.Context(), req)
	switch {
	case errors.Is(err, scanner.ErrLocked):
		writeError(w, http.StatusConflict, "a scan is already in progress")
	case err != nil && summary.ID == "":
		writeError(w, http.StatusInternalServerError, err.Error())
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "run": summary})
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"run": summary, "statistics": summary.Stats})
	}
}

func (s *Server) latestScan(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Results.LatestRun(r.Context())
	if errors.Is(err, scanner.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no scans recorded")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

type dimensionsRequest struct {
	URLs []string `json:"urls"`
}

func (s *Server) resolveDimensions(w http.ResponseWriter, r *http.Request) {
	var req dimensionsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	found := s.deps.Dimensions.Resolve(r.Context(), req.URLs)
	writeJSON(w, http.StatusOK, map[string]any{"dimensions": found})
}

func (s *Server) fireEvent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var args json.RawMessage
	if len(strings.TrimSpace(string(body))) > 0 {
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		args = body
	}
	handlers, err := s.deps.Events.Fire(r.Context(), name, args)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if handlers == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no handlers for event %q", name))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event": name, "handlers": handlers})
}

func (s *Server) requestFromQuery(r *http.Request) (scan.Request, error) {
	req := s.deps.Scanner.Defaults()
	q := r.URL.Query()
	if v := q.Get("limit_per_type"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return scan.Request{}, errors.New("limit_per_type must be a non-negative integer")
		}
		req.LimitPerType = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return scan.Request{}, errors.New("offset must be a non-negative integer")
		}
		req.Offset = n
	}
	if v := q.Get("include_types"); v != "" {
		req.IncludeTypes = splitList(v)
	}
	return req, nil
}

type scanRequest struct {
	LimitPerType *int     `json:"limit_per_type"`
	IncludeTypes []string `json:"include_types"`
	Offset       *int     `json:"offset"`
}

func (s *Server) requestFromBody(r *http.Request) (scan.Request, error) {
	req := s.deps.Scanner.Defaults()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return scan.Request{}, errors.New("unreadable body")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return req, nil
	}
	var in scanRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return scan.Request{}, errors.New("invalid JSON")
	}
	req.LimitPerType = valueOrDefault(in.LimitPerType, req.LimitPerType)
	req.Offset = valueOrDefault(in.Offset, req.Offset)
	if in.IncludeTypes != nil {
		req.IncludeTypes = in.IncludeTypes
	}
	if req.LimitPerType < 0 || req.Offset < 0 {
		return scan.Request{}, errors.New("limit_per_type and offset must be >= 0")
	}
	return req, nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
