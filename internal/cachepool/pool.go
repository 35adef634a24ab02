// Package cachepool provides a bounded, rotating key/value cache on top of a
// plain KV store, used when no real cache service is configured.
//
// Eviction is round-robin by insertion order: once the pool is full the
// oldest-inserted slot is overwritten regardless of how recently it was read.
package cachepool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

// DefaultSize is the number of slots a pool holds when none is configured.
const DefaultSize = 1000

// SlotTTL bounds how long an abandoned slot survives in the KV store.
const SlotTTL = 30 * 24 * time.Hour

const emptyIndex = -1

// Service is a real cache backend. When present the pool delegates to it and
// skips the slot bookkeeping entirely.
type Service interface {
	Get(ctx context.Context, group, key string) ([]byte, bool, error)
	Set(ctx context.Context, group, key string, value []byte, ttl time.Duration) error
}

// Pool is a fixed-size cache for one group of keys.
type Pool struct {
	kv      scanner.KVStore
	service Service
	group   string
	size    int
	logger  *zap.Logger

	mu        sync.Mutex
	loaded    bool
	poolMap   map[int]string
	poolIndex int
}

// Option configures a Pool.
type Option func(*Pool)

// WithService routes all reads and writes through a real cache service.
func WithService(svc Service) Option {
	return func(p *Pool) { p.service = svc }
}

// WithLogger sets the pool logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New builds a pool named group with size slots. A size of zero uses DefaultSize.
func New(kv scanner.KVStore, group string, size int, opts ...Option) (*Pool, error) {
	if group == "" {
		return nil, fmt.Errorf("cache pool group is required")
	}
	if size < 0 {
		return nil, fmt.Errorf("cache pool size must be >= 0")
	}
	if size == 0 {
		size = DefaultSize
	}
	p := &Pool{
		kv:        kv,
		group:     group,
		size:      size,
		logger:    zap.NewNop(),
		poolMap:   make(map[int]string),
		poolIndex: emptyIndex,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.service == nil && kv == nil {
		return nil, fmt.Errorf("cache pool %q needs a KV store or a cache service", group)
	}
	p.logger = p.logger.Named("cachepool").With(zap.String("group", group))
	return p, nil
}

// Get returns the value cached under key.
func (p *Pool) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if p.service != nil {
		return p.service.Get(ctx, p.group, key)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.load(ctx); err != nil {
		return nil, false, err
	}
	idx, ok := p.slotOf(key)
	if !ok {
		return nil, false, nil
	}
	value, found, err := p.kv.Get(ctx, p.slotName(idx))
	if err != nil {
		return nil, false, fmt.Errorf("read slot %d: %w", idx, err)
	}
	return value, found, nil
}

// Set caches value under key, claiming the next slot when key is new.
func (p *Pool) Set(ctx context.Context, key string, value []byte) error {
	if p.service != nil {
		return p.service.Set(ctx, p.group, key, value, SlotTTL)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.load(ctx); err != nil {
		return err
	}

	if idx, ok := p.slotOf(key); ok {
		current, found, err := p.kv.Get(ctx, p.slotName(idx))
		if err != nil {
			return fmt.Errorf("read slot %d: %w", idx, err)
		}
		if found && bytes.Equal(current, value) {
			return nil
		}
		if err := p.kv.Set(ctx, p.slotName(idx), value, SlotTTL); err != nil {
			return fmt.Errorf("write slot %d: %w", idx, err)
		}
		return nil
	}

	next := (p.poolIndex + 1) % p.size
	if evicted, ok := p.poolMap[next]; ok {
		p.logger.Debug("evicting slot", zap.Int("slot", next), zap.String("key", evicted))
	}
	p.poolMap[next] = key
	p.poolIndex = next

	if err := p.kv.Set(ctx, p.slotName(next), value, SlotTTL); err != nil {
		return fmt.Errorf("write slot %d: %w", next, err)
	}
	return p.persist(ctx)
}

// Index returns the last written slot, or -1 before the first write.
func (p *Pool) Index(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(ctx); err != nil {
		return emptyIndex, err
	}
	return p.poolIndex, nil
}

func (p *Pool) slotOf(key string) (int, bool) {
	for idx, k := range p.poolMap {
		if k == key {
			return idx, true
		}
	}
	return 0, false
}

func (p *Pool) load(ctx context.Context) error {
	if p.loaded {
		return nil
	}
	raw, found, err := p.kv.Get(ctx, p.mapKey())
	if err != nil {
		return fmt.Errorf("load pool map: %w", err)
	}
	if found && len(raw) > 0 {
		poolMap := make(map[int]string)
		if err := json.Unmarshal(raw, &poolMap); err != nil {
			return fmt.Errorf("decode pool map: %w", err)
		}
		p.poolMap = poolMap
	}
	raw, found, err = p.kv.Get(ctx, p.indexKey())
	if err != nil {
		return fmt.Errorf("load pool index: %w", err)
	}
	if found {
		idx, err := strconv.Atoi(string(raw))
		if err != nil {
			return fmt.Errorf("decode pool index: %w", err)
		}
		if idx >= p.size {
			idx = emptyIndex
		}
		p.poolIndex = idx
	}
	p.loaded = true
	return nil
}

func (p *Pool) persist(ctx context.Context) error {
	raw, err := json.Marshal(p.poolMap)
	if err != nil {
		return fmt.Errorf("encode pool map: %w", err)
	}
	if err := p.kv.Set(ctx, p.mapKey(), raw, 0); err != nil {
		return fmt.Errorf("save pool map: %w", err)
	}
	if err := p.kv.Set(ctx, p.indexKey(), []byte(strconv.Itoa(p.poolIndex)), 0); err != nil {
		return fmt.Errorf("save pool index: %w", err)
	}
	return nil
}

func (p *Pool) mapKey() string   { return p.group + "-pool-map" }
func (p *Pool) indexKey() string { return p.group + "-pool-index" }

func (p *Pool) slotName(idx int) string {
	return p.group + "-" + strconv.Itoa(idx)
}
