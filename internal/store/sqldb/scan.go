package sqldb

import (
	"database/sql"
	"time"

	"github.com/alfredjeanlab/stockmesh/internal/model"
)

// scannable abstracts *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanDelta(row scannable) (*model.DeltaRecord, error) {
	d := &model.DeltaRecord{}
	var reason string
	err := row.Scan(&d.ID, &d.ProductID, &d.Change, &reason, &d.OriginDeviceID,
		&d.OriginSequence, &d.OccurredAt, &d.ReferenceID, &d.Synced)
	if err != nil {
		return nil, err
	}
	d.Reason = model.DeltaReason(reason)
	d.OccurredAt = d.OccurredAt.UTC()
	return d, nil
}

func scanOutbox(row scannable) (*model.OutboxRecord, error) {
	rec := &model.OutboxRecord{}
	var state string
	var attemptedAt, syncedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.Payload,
		&state, &rec.Attempts, &rec.LastError, &rec.DeviceSequence,
		&rec.CreatedAt, &rec.NextAttemptAt, &attemptedAt, &syncedAt)
	if err != nil {
		return nil, err
	}
	rec.State = model.OutboxState(state)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.NextAttemptAt = rec.NextAttemptAt.UTC()
	rec.AttemptedAt = nullTimePtr(attemptedAt)
	rec.SyncedAt = nullTimePtr(syncedAt)
	return rec, nil
}

func collectOutbox(rows *sql.Rows) ([]*model.OutboxRecord, error) {
	var recs []*model.OutboxRecord
	for rows.Next() {
		rec, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanAggregate(row scannable) (*model.Aggregate, error) {
	agg := &model.Aggregate{}
	err := row.Scan(&agg.ProductID, &agg.Quantity, &agg.Generation, &agg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	agg.UpdatedAt = agg.UpdatedAt.UTC()
	return agg, nil
}

func scanNode(row scannable) (*model.NodeState, error) {
	node := &model.NodeState{}
	var role string
	err := row.Scan(&node.DeviceID, &role, &node.Priority, &node.Term, &node.LastSeenAt)
	if err != nil {
		return nil, err
	}
	node.Role = model.Role(role)
	node.LastSeenAt = node.LastSeenAt.UTC()
	return node, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
