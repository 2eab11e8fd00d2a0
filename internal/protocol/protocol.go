// Package protocol defines the wire format exchanged between devices at a
// site: a JSON envelope with a type discriminator, carried over NATS. The
// schema version is negotiated during handshake; a hub refuses peers whose
// version it does not understand rather than guessing.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alfredjeanlab/stockmesh/internal/model"
)

// SchemaVersion is the current wire schema. Bump on incompatible changes.
const SchemaVersion = 1

// Kind discriminates envelope payloads.
type Kind string

const (
	KindHandshake       Kind = "handshake"
	KindHandshakeAck    Kind = "handshake_ack"
	KindOutboxBatch     Kind = "outbox_batch"
	KindBatchAck        Kind = "batch_ack"
	KindInventoryUpdate Kind = "inventory_update"
	KindProductUpdate   Kind = "product_update"
	KindPriceUpdate     Kind = "price_update"
	KindConfigUpdate    Kind = "config_update"
	KindHeartbeat       Kind = "heartbeat"
	KindCandidacy       Kind = "candidacy"
	KindError           Kind = "error"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	Type      Kind            `json:"type"`
	MessageID string          `json:"message_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode builds an envelope around payload and marshals it.
func Encode(kind Kind, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env := Envelope{
		Type:      kind,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode unmarshals an envelope from the wire.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

// Handshake opens a session. The hub validates tenant, site, and token
// before admitting the peer.
type Handshake struct {
	TenantID      string `json:"tenant_id"`
	SiteID        string `json:"site_id"`
	DeviceID      string `json:"device_id"`
	DeviceToken   string `json:"device_token"`
	SchemaVersion int    `json:"schema_version"`
	// LastSequence is the peer's highest locally recorded sequence, for
	// the hub's cursor bookkeeping.
	LastSequence int64 `json:"last_sequence"`
}

// HandshakeAck admits a peer. Cursor is the hub's highest confirmed sequence
// for this device; the peer resumes replay from there.
type HandshakeAck struct {
	HubDeviceID string `json:"hub_device_id"`
	Term        int64  `json:"term"`
	Cursor      int64  `json:"cursor"`
}

// BatchEntry is one outbox record in flight.
type BatchEntry struct {
	OutboxID   string          `json:"outbox_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Sequence   int64           `json:"sequence"`
	Payload    json.RawMessage `json:"payload"`
}

// OutboxBatch carries pending outbox records to the hub, in sequence order.
type OutboxBatch struct {
	DeviceID string       `json:"device_id"`
	Entries  []BatchEntry `json:"entries"`
}

// BatchError reports one entry the hub could not apply. Permanent failures
// send the entry to the dead letter queue; transient ones retry.
type BatchError struct {
	OutboxID  string    `json:"outbox_id"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Permanent bool      `json:"permanent"`
}

// BatchAck acknowledges a batch. SyncedIDs lists the outbox ids the hub
// durably applied (including duplicates it had already seen, which are acked
// so the sender stops retrying them).
type BatchAck struct {
	SyncedIDs []string     `json:"synced_ids"`
	Errors    []BatchError `json:"errors,omitempty"`
	NewCursor int64        `json:"new_cursor"`
}

// AggregatePush is one product's authoritative quantity. Absolute value plus
// generation, so receivers detect and drop stale pushes.
type AggregatePush struct {
	ProductID  string `json:"product_id"`
	Quantity   int64  `json:"quantity"`
	Generation int64  `json:"generation"`
}

// InventoryUpdate broadcasts merged aggregates to every peer at the site.
type InventoryUpdate struct {
	HubDeviceID string          `json:"hub_device_id"`
	Term        int64           `json:"term"`
	Updates     []AggregatePush `json:"updates"`
}

// EntityUpdate carries product, price, and config pushes from the back
// office. The payload shape is owned by the business layer.
type EntityUpdate struct {
	EntityID string          `json:"entity_id"`
	Payload  json.RawMessage `json:"payload"`
}

// Heartbeat is the primary's periodic liveness claim.
type Heartbeat struct {
	DeviceID string `json:"device_id"`
	Term     int64  `json:"term"`
	Priority int    `json:"priority"`
}

// Candidacy announces a device campaigning for primary in a term.
type Candidacy struct {
	DeviceID string `json:"device_id"`
	Term     int64  `json:"term"`
	Priority int    `json:"priority"`
}

// DeltaFromEntry decodes a batch entry's payload into a delta record.
func DeltaFromEntry(entry BatchEntry) (*model.DeltaRecord, error) {
	var rec model.DeltaRecord
	if err := json.Unmarshal(entry.Payload, &rec); err != nil {
		return nil, fmt.Errorf("decode delta payload: %w", err)
	}
	if rec.ID == "" || rec.ProductID == "" {
		return nil, fmt.Errorf("delta payload missing id or product")
	}
	return &rec, nil
}
