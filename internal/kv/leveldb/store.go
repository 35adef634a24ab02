// Package leveldb implements scanner.KVStore on top of an embedded LevelDB
// database so cache slots, dimension records and locks survive restarts.
package leveldb

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

const keyPrefix = "kv:"

type record struct {
	ExpiresAt int64
	Value     []byte
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Store persists records in LevelDB. Expired records are removed lazily on
// read and eagerly by Prune.
type Store struct {
	db    *leveldb.DB
	clock scanner.Clock
}

// Open opens (or creates) a LevelDB database at path.
func Open(path string, clock scanner.Clock) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("leveldb path is required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return newStore(db, clock), nil
}

// OpenInMemory opens a LevelDB database backed by memory storage.
func OpenInMemory(clock scanner.Clock) (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory leveldb: %w", err)
	}
	return newStore(db, clock), nil
}

func newStore(db *leveldb.DB, clock scanner.Clock) *Store {
	if clock == nil {
		clock = wallClock{}
	}
	return &Store{db: db, clock: clock}
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close leveldb: %w", err)
	}
	return nil
}

// Get returns the value stored under key if present and unexpired.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	raw, err := s.db.Get([]byte(keyPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("leveldb get %q: %w", key, err)
	}
	var rec record
	if err := decodeGob(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode record %q: %w", key, err)
	}
	if rec.expired(s.clock.Now()) {
		if err := s.db.Delete([]byte(keyPrefix+key), nil); err != nil {
			return nil, false, fmt.Errorf("leveldb delete expired %q: %w", key, err)
		}
		return nil, false, nil
	}
	return rec.Value, true, nil
}

// Set writes value under key. A zero ttl never expires.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	rec := record{Value: value}
	if ttl > 0 {
		rec.ExpiresAt = s.clock.Now().Add(ttl).UnixNano()
	}
	b, err := encodeGob(rec)
	if err != nil {
		return fmt.Errorf("encode record %q: %w", key, err)
	}
	if err := s.db.Put([]byte(keyPrefix+key), b, nil); err != nil {
		return fmt.Errorf("leveldb put %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := s.db.Delete([]byte(keyPrefix+key), nil); err != nil {
		return fmt.Errorf("leveldb delete %q: %w", key, err)
	}
	return nil
}

// Prune deletes every expired record in a single batch.
func (s *Store) Prune(ctx context.Context) (int, error) {
	now := s.clock.Now()
	it := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("prune canceled: %w", err)
		}
		var rec record
		if err := decodeGob(it.Value(), &rec); err != nil {
			batch.Delete(append([]byte(nil), it.Key()...))
			continue
		}
		if rec.expired(now) {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("iterate leveldb: %w", err)
	}
	n := batch.Len()
	if n == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("write prune batch: %w", err)
	}
	return n, nil
}

func (r record) expired(now time.Time) bool {
	return r.ExpiresAt != 0 && now.UnixNano() >= r.ExpiresAt
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
