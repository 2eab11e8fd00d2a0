package store

import (
	"context"
	"time"

	"github.com/alfredjeanlab/stockmesh/internal/model"
)

// Store defines the persistence interface for the sync engine.
type Store interface {
	// Delta ledger. AppendDelta is a pure append: it never rejects due to
	// concurrent writers, only storage faults.
	AppendDelta(ctx context.Context, delta *model.DeltaRecord) error
	GetDelta(ctx context.Context, id string) (*model.DeltaRecord, error)
	ListDeltas(ctx context.Context, filter model.DeltaFilter) ([]*model.DeltaRecord, error)
	MarkDeltasSynced(ctx context.Context, ids []string) error
	SumDeltas(ctx context.Context, productID string) (int64, error)
	DeleteSyncedDeltasBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// NextSequence atomically increments and returns the device's monotonic
	// ledger counter.
	NextSequence(ctx context.Context, deviceID string) (int64, error)

	// Outbox queue. EnqueueOutbox upserts: at most one pending row exists
	// per (entity_type, entity_id).
	EnqueueOutbox(ctx context.Context, rec *model.OutboxRecord) error
	GetOutbox(ctx context.Context, id string) (*model.OutboxRecord, error)
	PendingOutbox(ctx context.Context, limit int, now time.Time) ([]*model.OutboxRecord, error)
	DeadOutbox(ctx context.Context, limit int) ([]*model.OutboxRecord, error)
	AckOutbox(ctx context.Context, ids []string, at time.Time) error
	FailOutbox(ctx context.Context, id, lastError string, nextAttempt time.Time, dead bool) error
	RequeueOutbox(ctx context.Context, id string, now time.Time) error
	OutboxStats(ctx context.Context) (*model.OutboxStats, error)
	DeleteSyncedOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Aggregates: the hub's authoritative values, or a peer's cached
	// projection of them.
	GetAggregate(ctx context.Context, productID string) (*model.Aggregate, error)
	ListAggregates(ctx context.Context) ([]*model.Aggregate, error)
	UpsertAggregate(ctx context.Context, agg *model.Aggregate) error

	// Node registry for the election.
	UpsertNode(ctx context.Context, node *model.NodeState) error
	GetNode(ctx context.Context, deviceID string) (*model.NodeState, error)
	ListNodes(ctx context.Context) ([]*model.NodeState, error)

	// Sync cursors.
	GetCursor(ctx context.Context, streamID string) (*model.SyncCursor, error)
	SetCursor(ctx context.Context, cursor *model.SyncCursor) error

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}
