// Package dimension resolves pixel dimensions of images referenced by
// scanned pages. Resolution runs in two stages: cheap local heuristics
// (filename pattern, media root on disk) and a batched remote probe with
// per-URL locks and sticky failure memoization in the KV store.
package dimension

import (
	"encoding/json"
	"fmt"
)

// Dimensions is the width and height of an image in pixels.
type Dimensions struct {
	Width  uint `json:"width"`
	Height uint `json:"height"`
}

// State distinguishes the three outcomes a cached lookup can have.
type State int

// Record states.
const (
	Absent State = iota
	Resolved
	Failed
)

func (s State) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	default:
		return "absent"
	}
}

// Record is the cached outcome of a remote lookup.
type Record struct {
	State      State      `json:"state"`
	Dimensions Dimensions `json:"dimensions,omitempty"`
}

// ResolvedRecord builds a Resolved record.
func ResolvedRecord(d Dimensions) Record {
	return Record{State: Resolved, Dimensions: d}
}

// FailedRecord builds a sticky Failed record.
func FailedRecord() Record {
	return Record{State: Failed}
}

func encodeRecord(r Record) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode dimension record: %w", err)
	}
	return raw, nil
}

func decodeRecord(raw []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, fmt.Errorf("decode dimension record: %w", err)
	}
	if r.State != Resolved && r.State != Failed {
		return Record{}, fmt.Errorf("decode dimension record: unknown state %d", r.State)
	}
	return r, nil
}
