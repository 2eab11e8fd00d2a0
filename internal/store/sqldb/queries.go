package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alfredjeanlab/stockmesh/internal/model"
	"github.com/alfredjeanlab/stockmesh/internal/store"
)

// dbtx is the subset of database/sql methods shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// executor bundles a database handle with the dialect needed to rebind
// placeholders. Queries below are written with `?` placeholders; rebind
// rewrites them to `$n` for PostgreSQL.
type executor struct {
	dbtx
	dialect dialect
}

func (e executor) rebind(query string) string {
	if e.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// placeholders returns "?, ?, ..." with n slots.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// --- deltas ---

func queryAppendDelta(ctx context.Context, db executor, d *model.DeltaRecord) error {
	_, err := db.ExecContext(ctx, db.rebind(`
		INSERT INTO deltas (id, product_id, change, reason, origin_device_id,
			origin_sequence, occurred_at, reference_id, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.ProductID, d.Change, d.Reason.String(), d.OriginDeviceID,
		d.OriginSequence, d.OccurredAt.UTC(), d.ReferenceID, d.Synced)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateDelta
		}
		return fmt.Errorf("insert delta: %w", err)
	}
	return nil
}

func queryGetDelta(ctx context.Context, db executor, id string) (*model.DeltaRecord, error) {
	row := db.QueryRowContext(ctx, db.rebind(`
		SELECT id, product_id, change, reason, origin_device_id,
			origin_sequence, occurred_at, reference_id, synced
		FROM deltas WHERE id = ?`), id)

	d, err := scanDelta(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delta: %w", err)
	}
	return d, nil
}

func queryListDeltas(ctx context.Context, db executor, filter model.DeltaFilter) ([]*model.DeltaRecord, error) {
	query := `
		SELECT id, product_id, change, reason, origin_device_id,
			origin_sequence, occurred_at, reference_id, synced
		FROM deltas WHERE 1=1`
	var args []interface{}

	if filter.ProductID != "" {
		query += " AND product_id = ?"
		args = append(args, filter.ProductID)
	}
	if filter.OriginDeviceID != "" {
		query += " AND origin_device_id = ?"
		args = append(args, filter.OriginDeviceID)
	}
	if filter.Synced != nil {
		query += " AND synced = ?"
		args = append(args, *filter.Synced)
	}
	if filter.AfterSequence > 0 {
		query += " AND origin_sequence > ?"
		args = append(args, filter.AfterSequence)
	}

	query += " ORDER BY origin_device_id, origin_sequence"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list deltas: %w", err)
	}
	defer rows.Close()

	var deltas []*model.DeltaRecord
	for rows.Next() {
		d, err := scanDelta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delta: %w", err)
		}
		deltas = append(deltas, d)
	}
	return deltas, rows.Err()
}

func queryMarkDeltasSynced(ctx context.Context, db executor, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf("UPDATE deltas SET synced = TRUE WHERE id IN (%s)", placeholders(len(ids)))
	if _, err := db.ExecContext(ctx, db.rebind(query), stringArgs(ids)...); err != nil {
		return fmt.Errorf("mark deltas synced: %w", err)
	}
	return nil
}

func querySumDeltas(ctx context.Context, db executor, productID string) (int64, error) {
	var sum int64
	err := db.QueryRowContext(ctx, db.rebind(`
		SELECT COALESCE(SUM(change), 0) FROM deltas WHERE product_id = ?`),
		productID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum deltas: %w", err)
	}
	return sum, nil
}

func queryDeleteSyncedDeltasBefore(ctx context.Context, db executor, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, db.rebind(`
		DELETE FROM deltas WHERE synced = TRUE AND occurred_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete synced deltas: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func queryNextSequence(ctx context.Context, db executor, deviceID string) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, db.rebind(`
		INSERT INTO sequences (device_id, seq) VALUES (?, 1)
		ON CONFLICT (device_id) DO UPDATE SET seq = sequences.seq + 1
		RETURNING seq`), deviceID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return seq, nil
}

// --- outbox ---

func queryEnqueueOutbox(ctx context.Context, db executor, rec *model.OutboxRecord) error {
	// At most one pending row exists per entity; a second enqueue for the
	// same entity folds into it, keeping the original id and created_at.
	_, err := db.ExecContext(ctx, db.rebind(`
		INSERT INTO outbox (id, entity_type, entity_id, payload, state,
			attempts, last_error, device_sequence, created_at, next_attempt_at)
		VALUES (?, ?, ?, ?, 'pending', 0, '', ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) WHERE state = 'pending'
		DO UPDATE SET payload = excluded.payload,
			device_sequence = excluded.device_sequence,
			next_attempt_at = excluded.next_attempt_at`),
		rec.ID, rec.EntityType, rec.EntityID, rec.Payload,
		rec.DeviceSequence, rec.CreatedAt.UTC(), rec.NextAttemptAt.UTC())
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

func queryGetOutbox(ctx context.Context, db executor, id string) (*model.OutboxRecord, error) {
	row := db.QueryRowContext(ctx, db.rebind(`
		SELECT id, entity_type, entity_id, payload, state, attempts,
			last_error, device_sequence, created_at, next_attempt_at,
			attempted_at, synced_at
		FROM outbox WHERE id = ?`), id)

	rec, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox: %w", err)
	}
	return rec, nil
}

func queryPendingOutbox(ctx context.Context, db executor, limit int, now time.Time) ([]*model.OutboxRecord, error) {
	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT id, entity_type, entity_id, payload, state, attempts,
			last_error, device_sequence, created_at, next_attempt_at,
			attempted_at, synced_at
		FROM outbox
		WHERE state = 'pending' AND next_attempt_at <= ?
		ORDER BY device_sequence
		LIMIT ?`), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("pending outbox: %w", err)
	}
	defer rows.Close()
	return collectOutbox(rows)
}

func queryDeadOutbox(ctx context.Context, db executor, limit int) ([]*model.OutboxRecord, error) {
	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT id, entity_type, entity_id, payload, state, attempts,
			last_error, device_sequence, created_at, next_attempt_at,
			attempted_at, synced_at
		FROM outbox
		WHERE state = 'dead'
		ORDER BY device_sequence
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("dead outbox: %w", err)
	}
	defer rows.Close()
	return collectOutbox(rows)
}

func queryAckOutbox(ctx context.Context, db executor, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE outbox SET state = 'synced', synced_at = ?, attempted_at = ?
		WHERE id IN (%s)`, placeholders(len(ids)))
	args := append([]interface{}{at.UTC(), at.UTC()}, stringArgs(ids)...)
	if _, err := db.ExecContext(ctx, db.rebind(query), args...); err != nil {
		return fmt.Errorf("ack outbox: %w", err)
	}
	return nil
}

func queryFailOutbox(ctx context.Context, db executor, id, lastError string, nextAttempt time.Time, dead bool) error {
	state := model.OutboxPending
	if dead {
		state = model.OutboxDead
	}
	res, err := db.ExecContext(ctx, db.rebind(`
		UPDATE outbox
		SET state = ?, attempts = attempts + 1, last_error = ?,
			attempted_at = ?, next_attempt_at = ?
		WHERE id = ? AND state = 'pending'`),
		state.String(), lastError, time.Now().UTC(), nextAttempt.UTC(), id)
	if err != nil {
		return fmt.Errorf("fail outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func queryRequeueOutbox(ctx context.Context, db executor, id string, now time.Time) error {
	res, err := db.ExecContext(ctx, db.rebind(`
		UPDATE outbox
		SET state = 'pending', attempts = 0, last_error = '', next_attempt_at = ?
		WHERE id = ? AND state = 'dead'`), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("requeue outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func queryOutboxStats(ctx context.Context, db executor) (*model.OutboxStats, error) {
	stats := &model.OutboxStats{}
	rows, err := db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM outbox GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan outbox stats: %w", err)
		}
		switch model.OutboxState(state) {
		case model.OutboxPending:
			stats.Pending = count
		case model.OutboxDead:
			stats.Dead = count
		case model.OutboxSynced:
			stats.Synced = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest sql.NullTime
	err = db.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM outbox WHERE state = 'pending'`).Scan(&oldest)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("oldest unsent: %w", err)
	}
	if oldest.Valid {
		t := oldest.Time.UTC()
		stats.OldestUnsent = &t
	}
	return stats, nil
}

func queryDeleteSyncedOutboxBefore(ctx context.Context, db executor, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, db.rebind(`
		DELETE FROM outbox WHERE state = 'synced' AND synced_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete synced outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// --- aggregates ---

func queryGetAggregate(ctx context.Context, db executor, productID string) (*model.Aggregate, error) {
	row := db.QueryRowContext(ctx, db.rebind(`
		SELECT product_id, quantity, generation, updated_at
		FROM aggregates WHERE product_id = ?`), productID)

	agg, err := scanAggregate(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get aggregate: %w", err)
	}
	return agg, nil
}

func queryListAggregates(ctx context.Context, db executor) ([]*model.Aggregate, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT product_id, quantity, generation, updated_at
		FROM aggregates ORDER BY product_id`)
	if err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []*model.Aggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		aggs = append(aggs, agg)
	}
	return aggs, rows.Err()
}

func queryUpsertAggregate(ctx context.Context, db executor, agg *model.Aggregate) error {
	_, err := db.ExecContext(ctx, db.rebind(`
		INSERT INTO aggregates (product_id, quantity, generation, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (product_id) DO UPDATE SET
			quantity = excluded.quantity,
			generation = excluded.generation,
			updated_at = excluded.updated_at`),
		agg.ProductID, agg.Quantity, agg.Generation, agg.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert aggregate: %w", err)
	}
	return nil
}

// --- nodes ---

func queryUpsertNode(ctx context.Context, db executor, node *model.NodeState) error {
	_, err := db.ExecContext(ctx, db.rebind(`
		INSERT INTO nodes (device_id, role, priority, term, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			role = excluded.role,
			priority = excluded.priority,
			term = excluded.term,
			last_seen_at = excluded.last_seen_at`),
		node.DeviceID, node.Role.String(), node.Priority, node.Term, node.LastSeenAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

func queryGetNode(ctx context.Context, db executor, deviceID string) (*model.NodeState, error) {
	row := db.QueryRowContext(ctx, db.rebind(`
		SELECT device_id, role, priority, term, last_seen_at
		FROM nodes WHERE device_id = ?`), deviceID)

	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return node, nil
}

func queryListNodes(ctx context.Context, db executor) ([]*model.NodeState, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT device_id, role, priority, term, last_seen_at
		FROM nodes ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*model.NodeState
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// --- cursors ---

func queryGetCursor(ctx context.Context, db executor, streamID string) (*model.SyncCursor, error) {
	row := db.QueryRowContext(ctx, db.rebind(`
		SELECT stream_id, last_sequence, last_timestamp
		FROM cursors WHERE stream_id = ?`), streamID)

	c := &model.SyncCursor{}
	err := row.Scan(&c.StreamID, &c.LastSequence, &c.LastTimestamp)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	c.LastTimestamp = c.LastTimestamp.UTC()
	return c, nil
}

func querySetCursor(ctx context.Context, db executor, cursor *model.SyncCursor) error {
	_, err := db.ExecContext(ctx, db.rebind(`
		INSERT INTO cursors (stream_id, last_sequence, last_timestamp)
		VALUES (?, ?, ?)
		ON CONFLICT (stream_id) DO UPDATE SET
			last_sequence = excluded.last_sequence,
			last_timestamp = excluded.last_timestamp`),
		cursor.StreamID, cursor.LastSequence, cursor.LastTimestamp.UTC())
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a unique constraint failure from
// either backend. lib/pq reports SQLSTATE 23505; modernc/sqlite includes the
// constraint text in the message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
