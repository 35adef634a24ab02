package targets

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

// Source selects scan targets.
type Source interface {
	GetTargets(ctx context.Context, limitPerType int, includeTypes []string, offset int) ([]scanner.ScanTarget, error)
}

// Cache is the byte cache target lists are kept in, typically a cachepool.Pool.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Cached memoizes a Source. Keys carry a content version, normally the
// manifest digest, so lists cached by an earlier process for different
// content are never served.
type Cached struct {
	inner   Source
	cache   Cache
	version func() string
	logger  *zap.Logger
}

// NewCached wraps inner. version must change whenever the content behind
// inner does.
func NewCached(inner Source, cache Cache, version func() string, logger *zap.Logger) (*Cached, error) {
	if inner == nil || cache == nil || version == nil {
		return nil, fmt.Errorf("cached targets require a source, a cache and a content version")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{inner: inner, cache: cache, version: version, logger: logger.Named("targets_cache")}, nil
}

// GetTargets implements Source.
func (c *Cached) GetTargets(ctx context.Context, limitPerType int, includeTypes []string, offset int) ([]scanner.ScanTarget, error) {
	key := c.key(limitPerType, includeTypes, offset)
	if key == "" {
		return c.inner.GetTargets(ctx, limitPerType, includeTypes, offset)
	}
	if raw, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("read cached targets", zap.String("key", key), zap.Error(err))
	} else if ok {
		var out []scanner.ScanTarget
		if err := json.Unmarshal(raw, &out); err == nil {
			return out, nil
		}
		c.logger.Warn("discarding undecodable cached targets", zap.String("key", key))
	}

	out, err := c.inner.GetTargets(ctx, limitPerType, includeTypes, offset)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err == nil {
		err = c.cache.Set(ctx, key, raw)
	}
	if err != nil {
		c.logger.Warn("store cached targets", zap.String("key", key), zap.Error(err))
	}
	return out, nil
}

// key is empty when there is no content version; such lists are not cached.
func (c *Cached) key(limitPerType int, includeTypes []string, offset int) string {
	version := c.version()
	if version == "" {
		return ""
	}
	include := slices.Clone(includeTypes)
	slices.Sort(include)
	return fmt.Sprintf("%s:l%d:o%d:%s", version, limitPerType, offset, strings.Join(include, ","))
}
