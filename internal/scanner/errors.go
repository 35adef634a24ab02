package scanner

import "errors"

// ErrLocked signals that another holder owns the requested lock. Callers
// should treat it as "try again later" rather than a failure.
var ErrLocked = errors.New("lock is held by another run")

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTarget signals a target that cannot be validated (e.g. empty URL).
var ErrInvalidTarget = errors.New("invalid scan target")
