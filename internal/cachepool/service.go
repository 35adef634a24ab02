package cachepool

import (
	"context"
	"time"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

// KVService adapts a KV store with native TTL support into a cache Service.
type KVService struct {
	KV     scanner.KVStore
	Prefix string
}

// NewKVService wraps kv. Keys are stored as "<prefix>cache:<group>:<key>".
func NewKVService(kv scanner.KVStore, prefix string) *KVService {
	return &KVService{KV: kv, Prefix: prefix}
}

// Get implements Service.
func (s *KVService) Get(ctx context.Context, group, key string) ([]byte, bool, error) {
	return s.KV.Get(ctx, s.name(group, key))
}

// Set implements Service.
func (s *KVService) Set(ctx context.Context, group, key string, value []byte, ttl time.Duration) error {
	return s.KV.Set(ctx, s.name(group, key), value, ttl)
}

func (s *KVService) name(group, key string) string {
	return s.Prefix + "cache:" + group + ":" + key
}
