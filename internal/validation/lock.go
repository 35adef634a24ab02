package validation

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

// LockError reports that another run holds the named lock.
type LockError struct {
	Name string
}

func (e *LockError) Error() string {
	return fmt.Sprintf("validation lock %q is held by another run", e.Name)
}

// Unwrap lets callers match with errors.Is(err, scanner.ErrLocked).
func (e *LockError) Unwrap() error {
	return scanner.ErrLocked
}

// Lock is an advisory lock stored in the shared KV store. The check and
// the claim are not atomic; a crashed holder is released by the TTL.
type Lock struct {
	kv   scanner.KVStore
	name string
	ttl  time.Duration
}

// NewLock builds a lock named name that expires after ttl.
func NewLock(kv scanner.KVStore, name string, ttl time.Duration) *Lock {
	return &Lock{kv: kv, name: name, ttl: ttl}
}

// Acquire claims the lock for token. The returned release func only deletes
// the record while it still carries token.
func (l *Lock) Acquire(ctx context.Context, token string) (func(context.Context) error, error) {
	_, held, err := l.kv.Get(ctx, l.name)
	if err != nil {
		return nil, fmt.Errorf("read lock %q: %w", l.name, err)
	}
	if held {
		return nil, &LockError{Name: l.name}
	}
	if err := l.kv.Set(ctx, l.name, []byte(token), l.ttl); err != nil {
		return nil, fmt.Errorf("claim lock %q: %w", l.name, err)
	}
	release := func(ctx context.Context) error {
		current, held, err := l.kv.Get(ctx, l.name)
		if err != nil {
			return fmt.Errorf("read lock %q: %w", l.name, err)
		}
		if !held || !bytes.Equal(current, []byte(token)) {
			return nil
		}
		if err := l.kv.Delete(ctx, l.name); err != nil {
			return fmt.Errorf("release lock %q: %w", l.name, err)
		}
		return nil
	}
	return release, nil
}
