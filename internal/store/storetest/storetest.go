// Package storetest provides an in-memory store.Store for tests in packages
// that sit above the storage layer. It mirrors the sqldb backend's behavior,
// including the pending-row upsert and duplicate-delta detection, without a
// database.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/stockmesh/internal/model"
	"github.com/alfredjeanlab/stockmesh/internal/store"
)

// MemStore is a mutex-guarded in-memory store.Store.
type MemStore struct {
	mu            sync.Mutex
	deltas        map[string]*model.DeltaRecord
	deltaByOrigin map[originKey]string
	outbox        map[string]*model.OutboxRecord
	aggregates    map[string]*model.Aggregate
	nodes         map[string]*model.NodeState
	cursors       map[string]*model.SyncCursor
	sequences     map[string]int64
}

type originKey struct {
	deviceID string
	seq      int64
}

// New creates an empty MemStore.
func New() *MemStore {
	return &MemStore{
		deltas:        make(map[string]*model.DeltaRecord),
		deltaByOrigin: make(map[originKey]string),
		outbox:        make(map[string]*model.OutboxRecord),
		aggregates:    make(map[string]*model.Aggregate),
		nodes:         make(map[string]*model.NodeState),
		cursors:       make(map[string]*model.SyncCursor),
		sequences:     make(map[string]int64),
	}
}

var _ store.Store = (*MemStore)(nil)

func (m *MemStore) AppendDelta(_ context.Context, d *model.DeltaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deltas[d.ID]; ok {
		return store.ErrDuplicateDelta
	}
	key := originKey{d.OriginDeviceID, d.OriginSequence}
	if _, ok := m.deltaByOrigin[key]; ok {
		return store.ErrDuplicateDelta
	}
	cp := *d
	m.deltas[d.ID] = &cp
	m.deltaByOrigin[key] = d.ID
	return nil
}

func (m *MemStore) GetDelta(_ context.Context, id string) (*model.DeltaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deltas[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemStore) ListDeltas(_ context.Context, f model.DeltaFilter) ([]*model.DeltaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.DeltaRecord
	for _, d := range m.deltas {
		if f.ProductID != "" && d.ProductID != f.ProductID {
			continue
		}
		if f.OriginDeviceID != "" && d.OriginDeviceID != f.OriginDeviceID {
			continue
		}
		if f.Synced != nil && d.Synced != *f.Synced {
			continue
		}
		if f.AfterSequence > 0 && d.OriginSequence <= f.AfterSequence {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OriginDeviceID != out[j].OriginDeviceID {
			return out[i].OriginDeviceID < out[j].OriginDeviceID
		}
		return out[i].OriginSequence < out[j].OriginSequence
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemStore) MarkDeltasSynced(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if d, ok := m.deltas[id]; ok {
			d.Synced = true
		}
	}
	return nil
}

func (m *MemStore) SumDeltas(_ context.Context, productID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, d := range m.deltas {
		if d.ProductID == productID {
			sum += d.Change
		}
	}
	return sum, nil
}

func (m *MemStore) DeleteSyncedDeltasBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, d := range m.deltas {
		if d.Synced && d.OccurredAt.Before(cutoff) {
			delete(m.deltas, id)
			delete(m.deltaByOrigin, originKey{d.OriginDeviceID, d.OriginSequence})
			n++
		}
	}
	return n, nil
}

func (m *MemStore) NextSequence(_ context.Context, deviceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[deviceID]++
	return m.sequences[deviceID], nil
}

func (m *MemStore) EnqueueOutbox(_ context.Context, rec *model.OutboxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.outbox {
		if existing.State == model.OutboxPending &&
			existing.EntityType == rec.EntityType &&
			existing.EntityID == rec.EntityID {
			existing.Payload = rec.Payload
			existing.DeviceSequence = rec.DeviceSequence
			existing.NextAttemptAt = rec.NextAttemptAt
			return nil
		}
	}
	cp := *rec
	cp.State = model.OutboxPending
	m.outbox[rec.ID] = &cp
	return nil
}

func (m *MemStore) GetOutbox(_ context.Context, id string) (*model.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.outbox[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemStore) PendingOutbox(_ context.Context, limit int, now time.Time) ([]*model.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.OutboxRecord
	for _, rec := range m.outbox {
		if rec.State == model.OutboxPending && !rec.NextAttemptAt.After(now) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeviceSequence < out[j].DeviceSequence
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) DeadOutbox(_ context.Context, limit int) ([]*model.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.OutboxRecord
	for _, rec := range m.outbox {
		if rec.State == model.OutboxDead {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeviceSequence < out[j].DeviceSequence
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) AckOutbox(_ context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if rec, ok := m.outbox[id]; ok {
			rec.State = model.OutboxSynced
			t := at
			rec.SyncedAt = &t
			rec.AttemptedAt = &t
		}
	}
	return nil
}

func (m *MemStore) FailOutbox(_ context.Context, id, lastError string, nextAttempt time.Time, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.outbox[id]
	if !ok || rec.State != model.OutboxPending {
		return store.ErrNotFound
	}
	rec.Attempts++
	rec.LastError = lastError
	rec.NextAttemptAt = nextAttempt
	now := time.Now().UTC()
	rec.AttemptedAt = &now
	if dead {
		rec.State = model.OutboxDead
	}
	return nil
}

func (m *MemStore) RequeueOutbox(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.outbox[id]
	if !ok || rec.State != model.OutboxDead {
		return store.ErrNotFound
	}
	rec.State = model.OutboxPending
	rec.Attempts = 0
	rec.LastError = ""
	rec.NextAttemptAt = now
	return nil
}

func (m *MemStore) OutboxStats(_ context.Context) (*model.OutboxStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &model.OutboxStats{}
	for _, rec := range m.outbox {
		switch rec.State {
		case model.OutboxPending:
			stats.Pending++
			if stats.OldestUnsent == nil || rec.CreatedAt.Before(*stats.OldestUnsent) {
				t := rec.CreatedAt
				stats.OldestUnsent = &t
			}
		case model.OutboxDead:
			stats.Dead++
		case model.OutboxSynced:
			stats.Synced++
		}
	}
	return stats, nil
}

func (m *MemStore) DeleteSyncedOutboxBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.outbox {
		if rec.State == model.OutboxSynced && rec.SyncedAt != nil && rec.SyncedAt.Before(cutoff) {
			delete(m.outbox, id)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) GetAggregate(_ context.Context, productID string) (*model.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg, ok := m.aggregates[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *agg
	return &cp, nil
}

func (m *MemStore) ListAggregates(_ context.Context) ([]*model.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Aggregate
	for _, agg := range m.aggregates {
		cp := *agg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (m *MemStore) UpsertAggregate(_ context.Context, agg *model.Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *agg
	m.aggregates[agg.ProductID] = &cp
	return nil
}

func (m *MemStore) UpsertNode(_ context.Context, node *model.NodeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *node
	m.nodes[node.DeviceID] = &cp
	return nil
}

func (m *MemStore) GetNode(_ context.Context, deviceID string) (*model.NodeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *node
	return &cp, nil
}

func (m *MemStore) ListNodes(_ context.Context) ([]*model.NodeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.NodeState
	for _, node := range m.nodes {
		cp := *node
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *MemStore) GetCursor(_ context.Context, streamID string) (*model.SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[streamID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemStore) SetCursor(_ context.Context, cursor *model.SyncCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cursor
	m.cursors[cursor.StreamID] = &cp
	return nil
}

// RunInTransaction runs fn against the store itself. The in-memory store has
// no rollback; tests that need failure atomicity use the sql backend.
func (m *MemStore) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	return fn(m)
}

func (m *MemStore) Close() error {
	return nil
}
