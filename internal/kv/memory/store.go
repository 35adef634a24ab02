// Package memory provides an in-memory KV store with TTL support.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is a mutex-guarded map honoring per-record TTLs against an injected clock.
type Store struct {
	mu    sync.RWMutex
	data  map[string]entry
	clock scanner.Clock
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// New creates an empty Store. A nil clock falls back to the wall clock.
func New(clock scanner.Clock) *Store {
	if clock == nil {
		clock = wallClock{}
	}
	return &Store{
		data:  make(map[string]entry),
		clock: clock,
	}
}

// Get returns a copy of the value stored under key, if present and unexpired.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if e.expired(s.clock.Now()) {
		s.mu.Lock()
		if cur, still := s.data[key]; still && cur.expired(s.clock.Now()) {
			delete(s.data, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set stores a copy of value. A zero ttl never expires.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.clock.Now().Add(ttl)
	}
	s.mu.Lock()
	s.data[key] = e
	s.mu.Unlock()
	return nil
}

// Delete removes key; deleting a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Prune drops every expired record and returns how many were removed.
func (s *Store) Prune(_ context.Context) (int, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.data {
		if e.expired(now) {
			delete(s.data, k)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of records currently held, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
