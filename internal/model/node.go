package model

import "time"

// Role is a device's position in the site election.
type Role string

const (
	// RolePrimary devices run the site hub: they accept peer sessions,
	// merge deltas, and broadcast aggregates.
	RolePrimary Role = "primary"
	// RoleSecondary devices sync against the current primary.
	RoleSecondary Role = "secondary"
	// RoleCandidate devices are campaigning to become primary.
	RoleCandidate Role = "candidate"
	// RoleOffline devices are not participating in sync.
	RoleOffline Role = "offline"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid checks whether the role is a known value.
func (r Role) IsValid() bool {
	switch r {
	case RolePrimary, RoleSecondary, RoleCandidate, RoleOffline:
		return true
	}
	return false
}

// NodeState is the registration row for one device at the site. Rows are
// never deleted; devices that disappear are marked offline instead.
//
// At most one device holds RolePrimary for a given term, and terms strictly
// increase across elections.
type NodeState struct {
	DeviceID   string    `json:"device_id"`
	Role       Role      `json:"role"`
	Priority   int       `json:"priority"`
	Term       int64     `json:"term"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// SyncCursor tracks the resume position of one logical stream so a
// reconnecting peer replays only what the other side has not confirmed.
// Mutated only after a confirmed acknowledgment.
type SyncCursor struct {
	StreamID      string    `json:"stream_id"`
	LastSequence  int64     `json:"last_sequence"`
	LastTimestamp time.Time `json:"last_timestamp"`
}
