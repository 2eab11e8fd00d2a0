package model

import (
	"time"
)

// DeltaReason categorizes why a quantity changed.
type DeltaReason string

const (
	ReasonSale        DeltaReason = "sale"
	ReasonVoid        DeltaReason = "void"
	ReasonAdjustment  DeltaReason = "adjustment"
	ReasonTransferIn  DeltaReason = "transfer_in"
	ReasonTransferOut DeltaReason = "transfer_out"
	ReasonReceive     DeltaReason = "receive"
)

// String returns the string representation of the reason.
func (r DeltaReason) String() string {
	return string(r)
}

// IsValid checks whether the reason is a known value.
func (r DeltaReason) IsValid() bool {
	switch r {
	case ReasonSale, ReasonVoid, ReasonAdjustment, ReasonTransferIn, ReasonTransferOut, ReasonReceive:
		return true
	}
	return false
}

// DeltaRecord is one signed quantity change in the append-only ledger.
// Records are immutable once written; only the Synced flag changes, when the
// hub acknowledges receipt.
type DeltaRecord struct {
	ID             string      `json:"id"`
	ProductID      string      `json:"product_id"`
	Change         int64       `json:"change"`
	Reason         DeltaReason `json:"reason"`
	OriginDeviceID string      `json:"origin_device_id"`
	// OriginSequence is the originating device's local monotonic counter.
	// It is strictly increasing per device, never reused, and is the basis
	// for idempotent replay. It is not a wall-clock value.
	OriginSequence int64     `json:"origin_sequence"`
	OccurredAt     time.Time `json:"occurred_at"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	Synced         bool      `json:"synced"`
}

// Aggregate is the merged quantity for one product. The hub coordinator owns
// the authoritative aggregate; every other device holds a read-only cached
// projection of it.
type Aggregate struct {
	ProductID string `json:"product_id"`
	// Quantity is the sum of every merged delta. Negative values are valid
	// state (back-order) and are never clamped.
	Quantity int64 `json:"quantity"`
	// Generation increments on every merge, so a receiver can discard
	// stale pushes.
	Generation int64     `json:"generation"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DeltaFilter selects ledger records.
type DeltaFilter struct {
	ProductID      string
	OriginDeviceID string
	// Synced filters on sync state when non-nil.
	Synced *bool
	// AfterSequence returns only records with OriginSequence greater than
	// this value. Meaningful together with OriginDeviceID.
	AfterSequence int64
	Limit         int
}
