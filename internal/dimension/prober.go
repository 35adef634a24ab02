package dimension

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/compliance-scanner/internal/policy/ratelimit"
)

// ProbeResult is the outcome of probing one URL.
type ProbeResult struct {
	Dimensions Dimensions
	Err        error
}

// Prober fetches dimensions for a batch of URLs. A failure for one URL is
// reported in its ProbeResult and never aborts the batch.
type Prober interface {
	Probe(ctx context.Context, urls []string) map[string]ProbeResult
}

// ProberFactory constructs a Prober for one batch.
type ProberFactory func() (Prober, error)

// HTTPConfig tunes the HTTP prober.
type HTTPConfig struct {
	Timeout     time.Duration
	MaxBytes    int64
	Concurrency int
	UserAgent   string
}

const (
	defaultProbeTimeout  = 10 * time.Second
	defaultProbeMaxBytes = 64 << 10
	defaultConcurrency   = 4
)

// HTTPProber issues ranged GETs and sniffs dimensions from image headers.
type HTTPProber struct {
	client  *http.Client
	limiter *ratelimit.Limiter
	cfg     HTTPConfig
}

// NewHTTPProber builds a prober. A nil client gets one with cfg.Timeout.
func NewHTTPProber(cfg HTTPConfig, client *http.Client, limiter *ratelimit.Limiter) (*HTTPProber, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultProbeMaxBytes
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	return &HTTPProber{client: client, limiter: limiter, cfg: cfg}, nil
}

// HTTPProberFactory returns a factory producing HTTP probers sharing one client.
func HTTPProberFactory(cfg HTTPConfig, client *http.Client, limiter *ratelimit.Limiter) ProberFactory {
	return func() (Prober, error) {
		return NewHTTPProber(cfg, client, limiter)
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, urls []string) map[string]ProbeResult {
	results := make(map[string]ProbeResult, len(urls))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, u := range urls {
		u := u
		g.Go(func() error {
			dims, err := p.probeOne(ctx, u)
			mu.Lock()
			results[u] = ProbeResult{Dimensions: dims, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *HTTPProber) probeOne(ctx context.Context, rawURL string) (Dimensions, error) {
	if err := p.limiter.Wait(ctx, rawURL); err != nil {
		return Dimensions{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Dimensions{}, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-"+strconv.FormatInt(p.cfg.MaxBytes-1, 10))
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Dimensions{}, fmt.Errorf("probe %s: %w", rawURL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return Dimensions{}, fmt.Errorf("probe %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	return DecodeHeader(io.LimitReader(resp.Body, p.cfg.MaxBytes))
}
