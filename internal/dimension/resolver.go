package dimension

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/compliance-scanner/internal/cachepool"
	"github.com/JakeFAU/compliance-scanner/internal/hash/sha256"
	"github.com/JakeFAU/compliance-scanner/internal/metrics"
	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

// Default TTLs for cached outcomes and in-flight claims.
const (
	DefaultRecordTTL = 30 * 24 * time.Hour
	DefaultLockTTL   = time.Minute
)

const (
	recordPrefix = "dim:"
	lockPrefix   = "dim-lock:"
	localPrefix  = "dim-local:"
	cacheGroup   = "dimensions"
)

// Config controls the resolver.
type Config struct {
	// MediaBaseURL is the public URL prefix that maps onto the media filesystem.
	MediaBaseURL string
	RecordTTL    time.Duration
	LockTTL      time.Duration
}

// Resolver runs the two-stage dimension pipeline.
type Resolver struct {
	kv        scanner.KVStore
	media     afero.Fs
	cache     cachepool.Service
	newProber ProberFactory
	cfg       Config
	logger    *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMediaFs sets the filesystem rooted at the media directory.
func WithMediaFs(fs afero.Fs) Option {
	return func(r *Resolver) { r.media = fs }
}

// WithCacheService enables the read-through cache for local reads.
func WithCacheService(svc cachepool.Service) Option {
	return func(r *Resolver) { r.cache = svc }
}

// WithProberFactory sets how remote probers are built.
func WithProberFactory(f ProberFactory) Option {
	return func(r *Resolver) { r.newProber = f }
}

// WithLogger sets the resolver logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver builds a Resolver on kv.
func NewResolver(kv scanner.KVStore, cfg Config, opts ...Option) (*Resolver, error) {
	if kv == nil {
		return nil, fmt.Errorf("dimension resolver requires a KV store")
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = DefaultRecordTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	r := &Resolver{kv: kv, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("dimensions")
	return r, nil
}

// Resolve returns dimensions for every URL it could resolve. URLs missing
// from the result are absent: unknown, failed, or claimed by another caller.
func (r *Resolver) Resolve(ctx context.Context, urls []string) map[string]Dimensions {
	out := make(map[string]Dimensions, len(urls))
	var unresolved []string
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if _, dup := seen[u]; dup || u == "" {
			continue
		}
		seen[u] = struct{}{}
		if d, ok := FromFilename(u); ok {
			metrics.ObserveDimensionLookup("filename", "resolved")
			out[u] = d
			continue
		}
		if d, ok := r.fromMedia(ctx, u); ok {
			metrics.ObserveDimensionLookup("local", "resolved")
			out[u] = d
			continue
		}
		unresolved = append(unresolved, u)
	}
	if len(unresolved) > 0 {
		r.resolveRemote(ctx, unresolved, out)
	}
	return out
}

// Lookup returns the cached remote record for url without probing.
func (r *Resolver) Lookup(ctx context.Context, rawURL string) (Record, error) {
	raw, ok, err := r.kv.Get(ctx, sha256.Key(recordPrefix, rawURL))
	if err != nil {
		return Record{}, fmt.Errorf("read dimension record: %w", err)
	}
	if !ok {
		return Record{State: Absent}, nil
	}
	return decodeRecord(raw)
}

func (r *Resolver) mediaPath(rawURL string) (string, bool) {
	if r.media == nil || r.cfg.MediaBaseURL == "" {
		return "", false
	}
	base := strings.TrimSuffix(r.cfg.MediaBaseURL, "/") + "/"
	if !strings.HasPrefix(rawURL, base) {
		return "", false
	}
	rel := strings.TrimPrefix(rawURL, base)
	if u, err := url.Parse(rel); err == nil {
		rel = u.Path
	}
	return path.Clean("/" + rel), true
}

func (r *Resolver) fromMedia(ctx context.Context, rawURL string) (Dimensions, bool) {
	p, ok := r.mediaPath(rawURL)
	if !ok {
		return Dimensions{}, false
	}

	cacheKey := sha256.Key(localPrefix, rawURL)
	if r.cache != nil {
		if raw, hit, err := r.cache.Get(ctx, cacheGroup, cacheKey); err == nil && hit {
			var d Dimensions
			if json.Unmarshal(raw, &d) == nil && d.Width > 0 && d.Height > 0 {
				return d, true
			}
		}
	}

	f, err := r.media.Open(p)
	if err != nil {
		return Dimensions{}, false
	}
	defer func() {
		_ = f.Close()
	}()
	d, err := DecodeHeader(f)
	if err != nil {
		r.logger.Debug("media file is not a readable image", zap.String("path", p), zap.Error(err))
		return Dimensions{}, false
	}

	if r.cache != nil {
		if raw, err := json.Marshal(d); err == nil {
			if err := r.cache.Set(ctx, cacheGroup, cacheKey, raw, r.cfg.RecordTTL); err != nil {
				r.logger.Warn("cache local dimensions", zap.String("url", rawURL), zap.Error(err))
			}
		}
	}
	return d, true
}

func (r *Resolver) resolveRemote(ctx context.Context, urls []string, out map[string]Dimensions) {
	claimed := make([]string, 0, len(urls))
	for _, u := range urls {
		rec, err := r.Lookup(ctx, u)
		if err != nil {
			r.logger.Warn("ignoring unreadable dimension record", zap.String("url", u), zap.Error(err))
		}
		switch rec.State {
		case Resolved:
			metrics.ObserveDimensionLookup("remote", "cached")
			out[u] = rec.Dimensions
			continue
		case Failed:
			metrics.ObserveDimensionLookup("remote", "sticky_failure")
			continue
		}

		lockKey := sha256.Key(lockPrefix, u)
		_, locked, err := r.kv.Get(ctx, lockKey)
		if err != nil {
			r.logger.Warn("read dimension lock", zap.String("url", u), zap.Error(err))
			continue
		}
		if locked {
			metrics.ObserveDimensionLookup("remote", "locked")
			continue
		}
		if err := r.kv.Set(ctx, lockKey, []byte("1"), r.cfg.LockTTL); err != nil {
			r.logger.Warn("claim dimension lock", zap.String("url", u), zap.Error(err))
			continue
		}
		claimed = append(claimed, u)
	}
	if len(claimed) == 0 {
		return
	}
	defer r.release(claimed)

	prober, err := r.buildProber()
	if err != nil {
		r.logger.Warn("remote dimension stage disabled for this call", zap.Error(err))
		return
	}

	results := prober.Probe(ctx, claimed)
	for _, u := range claimed {
		res, ok := results[u]
		if ok && res.Err == nil {
			r.store(ctx, u, ResolvedRecord(res.Dimensions))
			metrics.ObserveDimensionLookup("remote", "resolved")
			out[u] = res.Dimensions
			continue
		}
		// A canceled batch says nothing about the image itself.
		if ctx.Err() != nil {
			continue
		}
		if ok {
			r.logger.Info("remote dimension probe failed", zap.String("url", u), zap.Error(res.Err))
		}
		r.store(ctx, u, FailedRecord())
		metrics.ObserveDimensionLookup("remote", "failed")
	}
}

func (r *Resolver) buildProber() (p Prober, err error) {
	if r.newProber == nil {
		return nil, fmt.Errorf("no prober configured")
	}
	defer func() {
		if rec := recover(); rec != nil {
			p, err = nil, fmt.Errorf("construct prober: %v", rec)
		}
	}()
	p, err = r.newProber()
	if err == nil && p == nil {
		err = fmt.Errorf("construct prober: nil prober")
	}
	return p, err
}

func (r *Resolver) store(ctx context.Context, rawURL string, rec Record) {
	raw, err := encodeRecord(rec)
	if err != nil {
		r.logger.Warn("encode dimension record", zap.String("url", rawURL), zap.Error(err))
		return
	}
	if err := r.kv.Set(ctx, sha256.Key(recordPrefix, rawURL), raw, r.cfg.RecordTTL); err != nil {
		r.logger.Warn("save dimension record", zap.String("url", rawURL), zap.Error(err))
	}
}

func (r *Resolver) release(urls []string) {
	// Locks are released even when the caller's context is already done.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, u := range urls {
		if err := r.kv.Delete(ctx, sha256.Key(lockPrefix, u)); err != nil {
			r.logger.Warn("release dimension lock", zap.String("url", u), zap.Error(err))
		}
	}
}
