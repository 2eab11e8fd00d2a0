package store

import "errors"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateDelta is returned when an appended delta collides with an
// existing one, either by id or by (origin_device_id, origin_sequence).
// Callers treat it as an idempotent no-op, not a fault.
var ErrDuplicateDelta = errors.New("duplicate delta")
