// Package promote fetches pages cheaply and escalates to a headless
// renderer only when the plain response looks client-rendered.
package promote

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

// Detector decides whether a plain response needs rendering.
type Detector interface {
	ShouldPromote(resp scanner.FetchResponse) bool
}

// Fetcher implements scanner.Fetcher over a probe and a headless fetcher.
type Fetcher struct {
	probe    scanner.Fetcher
	headless scanner.Fetcher
	detector Detector
	logger   *zap.Logger
}

// New builds a promoting fetcher.
func New(probe, headless scanner.Fetcher, detector Detector, logger *zap.Logger) (*Fetcher, error) {
	if probe == nil || headless == nil || detector == nil {
		return nil, errors.New("promoting fetcher requires probe, headless and detector")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{probe: probe, headless: headless, detector: detector, logger: logger.Named("promote")}, nil
}

// Fetch returns the probe response unless the detector asks for rendering.
// A failed headless fetch falls back to the probe response.
func (f *Fetcher) Fetch(ctx context.Context, request scanner.FetchRequest) (scanner.FetchResponse, error) {
	resp, err := f.probe.Fetch(ctx, request)
	if err != nil || !f.detector.ShouldPromote(resp) {
		return resp, err
	}
	rendered, err := f.headless.Fetch(ctx, request)
	if err != nil {
		if ctx.Err() != nil {
			return scanner.FetchResponse{}, ctx.Err()
		}
		f.logger.Warn("headless promotion failed", zap.String("url", request.URL), zap.Error(err))
		return resp, nil
	}
	rendered.Rendered = true
	f.logger.Debug("headless promotion applied", zap.String("url", request.URL))
	return rendered, nil
}
