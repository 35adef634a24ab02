// Package schedule runs background jobs: recurring interval events, debounced
// single-run events hooked to in-process triggers, and the loop that fires
// whatever is due. Schedule state lives in the shared KV store so that every
// process sees the same pending events.
package schedule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/JakeFAU/compliance-scanner/internal/hash/sha256"
)

// Interval expressions accepted by recurring tasks. Any 5-field cron
// expression is accepted as well.
const (
	Hourly = "@hourly"
	Daily  = "@daily"
	Weekly = "@weekly"
)

// State is one registered event.
type State struct {
	Event     string          `json:"event"`
	Args      json.RawMessage `json:"args,omitempty"`
	NextRun   time.Time       `json:"next_run"`
	Recurring bool            `json:"recurring"`
	Interval  string          `json:"interval,omitempty"`
}

// ValidInterval reports whether expr is a tag or cron expression gronx understands.
func ValidInterval(expr string) bool {
	return expr != "" && gronx.New().IsValid(expr)
}

// NextAfter returns the first tick of expr strictly after ref.
func NextAfter(expr string, ref time.Time) (time.Time, error) {
	if !ValidInterval(expr) {
		return time.Time{}, fmt.Errorf("invalid interval %q", expr)
	}
	next, err := gronx.NextTickAfter(expr, ref, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("next tick for %q: %w", expr, err)
	}
	return next, nil
}

// CanonicalArgs re-encodes args so that equal values produce equal bytes:
// whitespace is dropped and object keys are sorted. Empty and null args
// canonicalize to nil.
func CanonicalArgs(args json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return out, nil
}

// recordKey is the KV key for an event and its canonical args.
func recordKey(event string, canonical json.RawMessage) string {
	if len(canonical) == 0 {
		return keyPrefix + event
	}
	return sha256.Key(keyPrefix+event+":", string(canonical))
}
