package model

import "time"

// OutboxState is the delivery state of an outbox record.
type OutboxState string

const (
	// OutboxPending records are awaiting delivery to the hub.
	OutboxPending OutboxState = "pending"
	// OutboxSynced records were acknowledged by the hub and are eligible
	// for archival after the retention window.
	OutboxSynced OutboxState = "synced"
	// OutboxDead records hit a permanent failure and need an operator.
	OutboxDead OutboxState = "dead"
)

// String returns the string representation of the state.
func (s OutboxState) String() string {
	return string(s)
}

// IsValid checks whether the state is a known value.
func (s OutboxState) IsValid() bool {
	switch s {
	case OutboxPending, OutboxSynced, OutboxDead:
		return true
	}
	return false
}

// Entity types carried by the outbox.
const (
	EntityInventoryDelta = "inventory_delta"
	EntitySale           = "sale"
	EntityProduct        = "product"
)

// OutboxRecord is one durably queued outbound mutation. It is written in the
// same transaction as the mutation it describes, so a committed business
// write always has a matching outbox row and vice versa.
//
// At most one pending record exists per (EntityType, EntityID); re-enqueueing
// an already-pending entity replaces its payload instead of duplicating it.
type OutboxRecord struct {
	ID         string      `json:"id"`
	EntityType string      `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	Payload    []byte      `json:"payload"`
	State      OutboxState `json:"state"`
	Attempts   int         `json:"attempts"`
	LastError  string      `json:"last_error,omitempty"`
	// DeviceSequence is the origin sequence snapshotted at enqueue time,
	// forwarded to the hub for replay detection.
	DeviceSequence int64     `json:"device_sequence"`
	CreatedAt      time.Time `json:"created_at"`
	// NextAttemptAt schedules the next delivery attempt; drain skips rows
	// that are still backing off.
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	AttemptedAt   *time.Time `json:"attempted_at,omitempty"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
}

// OutboxStats summarizes queue health for the status surface.
type OutboxStats struct {
	Pending      int        `json:"pending"`
	Dead         int        `json:"dead"`
	Synced       int        `json:"synced"`
	OldestUnsent *time.Time `json:"oldest_unsent,omitempty"`
}
