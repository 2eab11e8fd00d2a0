// Package ledger implements the append-only delta ledger. Every inventory
// change is recorded as a signed delta; current quantity is the fold of all
// deltas for a product. Merging is a sum, so deltas from different devices
// can arrive in any order, any number of times (after dedup), and converge
// to the same value.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/stockmesh/internal/idgen"
	"github.com/alfredjeanlab/stockmesh/internal/model"
	"github.com/alfredjeanlab/stockmesh/internal/store"
)

// Ledger records inventory deltas for one device.
type Ledger struct {
	store    store.Store
	deviceID string
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a ledger writing on behalf of deviceID.
func New(s store.Store, deviceID string, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:    s,
		deviceID: deviceID,
		logger:   logger,
		now:      time.Now,
	}
}

// AppendInput describes one quantity change to record.
type AppendInput struct {
	ProductID   string
	Change      int64
	Reason      model.DeltaReason
	ReferenceID string
	// OccurredAt defaults to now when zero.
	OccurredAt time.Time
}

// Append records a delta and enqueues it for delivery in a single
// transaction: the delta row, its sequence number, and the outbox row either
// all commit or none do. The change may drive the product quantity negative;
// back-orders are valid state and are never clamped.
func (l *Ledger) Append(ctx context.Context, in AppendInput) (*model.DeltaRecord, error) {
	if in.ProductID == "" {
		return nil, fmt.Errorf("product id is required")
	}
	if !in.Reason.IsValid() {
		return nil, fmt.Errorf("invalid delta reason: %q", in.Reason)
	}

	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = l.now().UTC()
	}

	id, err := idgen.Generate(idgen.PrefixDelta)
	if err != nil {
		return nil, fmt.Errorf("generate delta id: %w", err)
	}

	var rec *model.DeltaRecord
	err = l.store.RunInTransaction(ctx, func(tx store.Store) error {
		seq, err := tx.NextSequence(ctx, l.deviceID)
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}

		rec = &model.DeltaRecord{
			ID:             id,
			ProductID:      in.ProductID,
			Change:         in.Change,
			Reason:         in.Reason,
			OriginDeviceID: l.deviceID,
			OriginSequence: seq,
			OccurredAt:     occurredAt,
			ReferenceID:    in.ReferenceID,
		}
		if err := tx.AppendDelta(ctx, rec); err != nil {
			return fmt.Errorf("append delta: %w", err)
		}

		ob, err := newOutboxEntry(rec, l.now().UTC())
		if err != nil {
			return fmt.Errorf("encode outbox entry: %w", err)
		}
		if err := tx.EnqueueOutbox(ctx, ob); err != nil {
			return fmt.Errorf("enqueue outbox: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("delta appended",
		"delta_id", rec.ID,
		"product_id", rec.ProductID,
		"change", rec.Change,
		"reason", rec.Reason.String(),
		"sequence", rec.OriginSequence)
	return rec, nil
}

// newOutboxEntry builds the durable queue row for a freshly appended delta.
func newOutboxEntry(rec *model.DeltaRecord, now time.Time) (*model.OutboxRecord, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	id, err := idgen.Generate(idgen.PrefixOutbox)
	if err != nil {
		return nil, err
	}
	return &model.OutboxRecord{
		ID:             id,
		EntityType:     model.EntityInventoryDelta,
		EntityID:       rec.ID,
		Payload:        payload,
		State:          model.OutboxPending,
		DeviceSequence: rec.OriginSequence,
		CreatedAt:      now,
		NextAttemptAt:  now,
	}, nil
}

// Quantity returns the device's local view of a product's stock: the sum of
// every delta recorded or received for it.
func (l *Ledger) Quantity(ctx context.Context, productID string) (int64, error) {
	return l.store.SumDeltas(ctx, productID)
}

// Unsynced returns locally recorded deltas not yet acknowledged by the hub,
// in sequence order.
func (l *Ledger) Unsynced(ctx context.Context, limit int) ([]*model.DeltaRecord, error) {
	synced := false
	return l.store.ListDeltas(ctx, model.DeltaFilter{
		OriginDeviceID: l.deviceID,
		Synced:         &synced,
		Limit:          limit,
	})
}

// Apply folds one delta into an aggregate, bumping the generation. A nil
// aggregate starts from zero.
func Apply(agg *model.Aggregate, d *model.DeltaRecord, at time.Time) *model.Aggregate {
	if agg == nil {
		agg = &model.Aggregate{ProductID: d.ProductID}
	}
	return &model.Aggregate{
		ProductID:  agg.ProductID,
		Quantity:   agg.Quantity + d.Change,
		Generation: agg.Generation + 1,
		UpdatedAt:  at,
	}
}

// Sum folds a set of deltas into per-product totals. Order does not matter.
func Sum(deltas []*model.DeltaRecord) map[string]int64 {
	totals := make(map[string]int64)
	for _, d := range deltas {
		totals[d.ProductID] += d.Change
	}
	return totals
}

// Replay rebuilds aggregates from every delta in the store, deduplicating by
// id. The result matches incremental merging regardless of the order the
// deltas arrived in; callers use it to rebuild after a restore or to verify
// convergence against the cached aggregates.
func (l *Ledger) Replay(ctx context.Context) (map[string]*model.Aggregate, error) {
	deltas, err := l.store.ListDeltas(ctx, model.DeltaFilter{})
	if err != nil {
		return nil, fmt.Errorf("list deltas: %w", err)
	}

	seen := make(map[string]bool, len(deltas))
	aggs := make(map[string]*model.Aggregate)
	for _, d := range deltas {
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		at := d.OccurredAt
		if prev := aggs[d.ProductID]; prev != nil && prev.UpdatedAt.After(at) {
			at = prev.UpdatedAt
		}
		aggs[d.ProductID] = Apply(aggs[d.ProductID], d, at)
	}
	return aggs, nil
}
