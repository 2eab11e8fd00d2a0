// Package sqldb implements the store.Store interface on database/sql.
//
// The backend is selected by the database URL: postgres:// (or postgresql://)
// opens PostgreSQL via lib/pq for back-office hub machines, anything else is
// treated as a SQLite file path and opened via modernc.org/sqlite, which is
// what POS devices run. Both backends share one set of migrations and one set
// of queries; queries are written with `?` placeholders and rebound to `$n`
// for PostgreSQL.
package sqldb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/alfredjeanlab/stockmesh/internal/model"
	"github.com/alfredjeanlab/stockmesh/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements store.Store backed by SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Compile-time check that SQLStore implements store.Store.
var _ store.Store = (*SQLStore)(nil)

// New opens the database at the given URL, configures the connection pool,
// and runs any pending migrations.
func New(databaseURL string) (*SQLStore, error) {
	d := dialectSQLite
	driver := "sqlite"
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		d = dialectPostgres
		driver = "postgres"
	}

	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if d == dialectPostgres {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	} else {
		// SQLite serializes writers; a single connection avoids lock
		// contention errors under concurrent appends.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db, d); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLStore{db: db, dialect: d}, nil
}

func runMigrations(db *sql.DB, d dialect) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	var dbDriver database.Driver
	var name string
	switch d {
	case dialectPostgres:
		name = "postgres"
		dbDriver, err = migratepg.WithInstance(db, &migratepg.Config{})
	default:
		name = "sqlite"
		dbDriver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, name, dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) exec() executor {
	return executor{dbtx: s.db, dialect: s.dialect}
}

func (s *SQLStore) AppendDelta(ctx context.Context, delta *model.DeltaRecord) error {
	return queryAppendDelta(ctx, s.exec(), delta)
}

func (s *SQLStore) GetDelta(ctx context.Context, id string) (*model.DeltaRecord, error) {
	return queryGetDelta(ctx, s.exec(), id)
}

func (s *SQLStore) ListDeltas(ctx context.Context, filter model.DeltaFilter) ([]*model.DeltaRecord, error) {
	return queryListDeltas(ctx, s.exec(), filter)
}

func (s *SQLStore) MarkDeltasSynced(ctx context.Context, ids []string) error {
	return queryMarkDeltasSynced(ctx, s.exec(), ids)
}

func (s *SQLStore) SumDeltas(ctx context.Context, productID string) (int64, error) {
	return querySumDeltas(ctx, s.exec(), productID)
}

func (s *SQLStore) DeleteSyncedDeltasBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return queryDeleteSyncedDeltasBefore(ctx, s.exec(), cutoff)
}

func (s *SQLStore) NextSequence(ctx context.Context, deviceID string) (int64, error) {
	return queryNextSequence(ctx, s.exec(), deviceID)
}

func (s *SQLStore) EnqueueOutbox(ctx context.Context, rec *model.OutboxRecord) error {
	return queryEnqueueOutbox(ctx, s.exec(), rec)
}

func (s *SQLStore) GetOutbox(ctx context.Context, id string) (*model.OutboxRecord, error) {
	return queryGetOutbox(ctx, s.exec(), id)
}

func (s *SQLStore) PendingOutbox(ctx context.Context, limit int, now time.Time) ([]*model.OutboxRecord, error) {
	return queryPendingOutbox(ctx, s.exec(), limit, now)
}

func (s *SQLStore) DeadOutbox(ctx context.Context, limit int) ([]*model.OutboxRecord, error) {
	return queryDeadOutbox(ctx, s.exec(), limit)
}

func (s *SQLStore) AckOutbox(ctx context.Context, ids []string, at time.Time) error {
	return queryAckOutbox(ctx, s.exec(), ids, at)
}

func (s *SQLStore) FailOutbox(ctx context.Context, id, lastError string, nextAttempt time.Time, dead bool) error {
	return queryFailOutbox(ctx, s.exec(), id, lastError, nextAttempt, dead)
}

func (s *SQLStore) RequeueOutbox(ctx context.Context, id string, now time.Time) error {
	return queryRequeueOutbox(ctx, s.exec(), id, now)
}

func (s *SQLStore) OutboxStats(ctx context.Context) (*model.OutboxStats, error) {
	return queryOutboxStats(ctx, s.exec())
}

func (s *SQLStore) DeleteSyncedOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return queryDeleteSyncedOutboxBefore(ctx, s.exec(), cutoff)
}

func (s *SQLStore) GetAggregate(ctx context.Context, productID string) (*model.Aggregate, error) {
	return queryGetAggregate(ctx, s.exec(), productID)
}

func (s *SQLStore) ListAggregates(ctx context.Context) ([]*model.Aggregate, error) {
	return queryListAggregates(ctx, s.exec())
}

func (s *SQLStore) UpsertAggregate(ctx context.Context, agg *model.Aggregate) error {
	return queryUpsertAggregate(ctx, s.exec(), agg)
}

func (s *SQLStore) UpsertNode(ctx context.Context, node *model.NodeState) error {
	return queryUpsertNode(ctx, s.exec(), node)
}

func (s *SQLStore) GetNode(ctx context.Context, deviceID string) (*model.NodeState, error) {
	return queryGetNode(ctx, s.exec(), deviceID)
}

func (s *SQLStore) ListNodes(ctx context.Context) ([]*model.NodeState, error) {
	return queryListNodes(ctx, s.exec())
}

func (s *SQLStore) GetCursor(ctx context.Context, streamID string) (*model.SyncCursor, error) {
	return queryGetCursor(ctx, s.exec(), streamID)
}

func (s *SQLStore) SetCursor(ctx context.Context, cursor *model.SyncCursor) error {
	return querySetCursor(ctx, s.exec(), cursor)
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *SQLStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txS := &txStore{tx: tx, dialect: s.dialect}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx      *sql.Tx
	dialect dialect
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) exec() executor {
	return executor{dbtx: s.tx, dialect: s.dialect}
}

func (s *txStore) AppendDelta(ctx context.Context, delta *model.DeltaRecord) error {
	return queryAppendDelta(ctx, s.exec(), delta)
}

func (s *txStore) GetDelta(ctx context.Context, id string) (*model.DeltaRecord, error) {
	return queryGetDelta(ctx, s.exec(), id)
}

func (s *txStore) ListDeltas(ctx context.Context, filter model.DeltaFilter) ([]*model.DeltaRecord, error) {
	return queryListDeltas(ctx, s.exec(), filter)
}

func (s *txStore) MarkDeltasSynced(ctx context.Context, ids []string) error {
	return queryMarkDeltasSynced(ctx, s.exec(), ids)
}

func (s *txStore) SumDeltas(ctx context.Context, productID string) (int64, error) {
	return querySumDeltas(ctx, s.exec(), productID)
}

func (s *txStore) DeleteSyncedDeltasBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return queryDeleteSyncedDeltasBefore(ctx, s.exec(), cutoff)
}

func (s *txStore) NextSequence(ctx context.Context, deviceID string) (int64, error) {
	return queryNextSequence(ctx, s.exec(), deviceID)
}

func (s *txStore) EnqueueOutbox(ctx context.Context, rec *model.OutboxRecord) error {
	return queryEnqueueOutbox(ctx, s.exec(), rec)
}

func (s *txStore) GetOutbox(ctx context.Context, id string) (*model.OutboxRecord, error) {
	return queryGetOutbox(ctx, s.exec(), id)
}

func (s *txStore) PendingOutbox(ctx context.Context, limit int, now time.Time) ([]*model.OutboxRecord, error) {
	return queryPendingOutbox(ctx, s.exec(), limit, now)
}

func (s *txStore) DeadOutbox(ctx context.Context, limit int) ([]*model.OutboxRecord, error) {
	return queryDeadOutbox(ctx, s.exec(), limit)
}

func (s *txStore) AckOutbox(ctx context.Context, ids []string, at time.Time) error {
	return queryAckOutbox(ctx, s.exec(), ids, at)
}

func (s *txStore) FailOutbox(ctx context.Context, id, lastError string, nextAttempt time.Time, dead bool) error {
	return queryFailOutbox(ctx, s.exec(), id, lastError, nextAttempt, dead)
}

func (s *txStore) RequeueOutbox(ctx context.Context, id string, now time.Time) error {
	return queryRequeueOutbox(ctx, s.exec(), id, now)
}

func (s *txStore) OutboxStats(ctx context.Context) (*model.OutboxStats, error) {
	return queryOutboxStats(ctx, s.exec())
}

func (s *txStore) DeleteSyncedOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return queryDeleteSyncedOutboxBefore(ctx, s.exec(), cutoff)
}

func (s *txStore) GetAggregate(ctx context.Context, productID string) (*model.Aggregate, error) {
	return queryGetAggregate(ctx, s.exec(), productID)
}

func (s *txStore) ListAggregates(ctx context.Context) ([]*model.Aggregate, error) {
	return queryListAggregates(ctx, s.exec())
}

func (s *txStore) UpsertAggregate(ctx context.Context, agg *model.Aggregate) error {
	return queryUpsertAggregate(ctx, s.exec(), agg)
}

func (s *txStore) UpsertNode(ctx context.Context, node *model.NodeState) error {
	return queryUpsertNode(ctx, s.exec(), node)
}

func (s *txStore) GetNode(ctx context.Context, deviceID string) (*model.NodeState, error) {
	return queryGetNode(ctx, s.exec(), deviceID)
}

func (s *txStore) ListNodes(ctx context.Context) ([]*model.NodeState, error) {
	return queryListNodes(ctx, s.exec())
}

func (s *txStore) GetCursor(ctx context.Context, streamID string) (*model.SyncCursor, error) {
	return queryGetCursor(ctx, s.exec(), streamID)
}

func (s *txStore) SetCursor(ctx context.Context, cursor *model.SyncCursor) error {
	return querySetCursor(ctx, s.exec(), cursor)
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}
