package sqldb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/alfredjeanlab/stockmesh/internal/model"
	"github.com/alfredjeanlab/stockmesh/internal/store"
)

// newMockStore creates a SQLStore over a sqlmock database with automatic
// cleanup and expectation checking.
func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return &SQLStore{db: db, dialect: dialectSQLite}, mock
}

var deltaColumns = []string{
	"id", "product_id", "change", "reason", "origin_device_id",
	"origin_sequence", "occurred_at", "reference_id", "synced",
}

var outboxColumns = []string{
	"id", "entity_type", "entity_id", "payload", "state", "attempts",
	"last_error", "device_sequence", "created_at", "next_attempt_at",
	"attempted_at", "synced_at",
}

func TestRebind(t *testing.T) {
	query := "SELECT * FROM deltas WHERE id = ? AND synced = ?"

	lite := executor{dialect: dialectSQLite}
	if got := lite.rebind(query); got != query {
		t.Errorf("sqlite rebind changed query: %q", got)
	}

	pg := executor{dialect: dialectPostgres}
	want := "SELECT * FROM deltas WHERE id = $1 AND synced = $2"
	if got := pg.rebind(query); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}

func TestPlaceholders(t *testing.T) {
	for _, tc := range []struct {
		n    int
		want string
	}{
		{0, ""},
		{1, "?"},
		{3, "?, ?, ?"},
	} {
		if got := placeholders(tc.n); got != tc.want {
			t.Errorf("placeholders(%d) = %q, want %q", tc.n, got, tc.want)
		}
	}
}

func TestAppendDelta(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO deltas").
		WithArgs("dl-abc", "prod-1", int64(-2), "sale", "dev-1",
			int64(7), now, "sale-99", false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.AppendDelta(context.Background(), &model.DeltaRecord{
		ID:             "dl-abc",
		ProductID:      "prod-1",
		Change:         -2,
		Reason:         model.ReasonSale,
		OriginDeviceID: "dev-1",
		OriginSequence: 7,
		OccurredAt:     now,
		ReferenceID:    "sale-99",
	})
	if err != nil {
		t.Fatalf("AppendDelta failed: %v", err)
	}
}

func TestAppendDeltaDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO deltas").
		WillReturnError(fmt.Errorf("constraint failed: UNIQUE constraint failed: deltas.id"))

	err := s.AppendDelta(context.Background(), &model.DeltaRecord{
		ID: "dl-abc", ProductID: "prod-1", Reason: model.ReasonSale,
		OriginDeviceID: "dev-1", OriginSequence: 7, OccurredAt: time.Now(),
	})
	if !errors.Is(err, store.ErrDuplicateDelta) {
		t.Errorf("expected ErrDuplicateDelta, got %v", err)
	}
}

func TestGetDelta(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(deltaColumns).
		AddRow("dl-abc", "prod-1", int64(5), "receive", "dev-1", int64(3), now, "", true)
	mock.ExpectQuery("SELECT .+ FROM deltas WHERE id").
		WithArgs("dl-abc").WillReturnRows(rows)

	d, err := s.GetDelta(context.Background(), "dl-abc")
	if err != nil {
		t.Fatalf("GetDelta failed: %v", err)
	}
	if d.Change != 5 || d.Reason != model.ReasonReceive || !d.Synced {
		t.Errorf("unexpected delta: %+v", d)
	}
}

func TestGetDeltaNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM deltas WHERE id").
		WithArgs("dl-missing").WillReturnRows(sqlmock.NewRows(deltaColumns))

	_, err := s.GetDelta(context.Background(), "dl-missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListDeltasFilter(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	unsynced := false

	rows := sqlmock.NewRows(deltaColumns).
		AddRow("dl-1", "prod-1", int64(-1), "sale", "dev-1", int64(1), now, "", false).
		AddRow("dl-2", "prod-1", int64(-1), "sale", "dev-1", int64(2), now, "", false)
	mock.ExpectQuery("SELECT .+ FROM deltas WHERE 1=1 AND origin_device_id = .+ AND synced = .+ ORDER BY origin_device_id, origin_sequence LIMIT").
		WithArgs("dev-1", false, 10).
		WillReturnRows(rows)

	got, err := s.ListDeltas(context.Background(), model.DeltaFilter{
		OriginDeviceID: "dev-1",
		Synced:         &unsynced,
		Limit:          10,
	})
	if err != nil {
		t.Fatalf("ListDeltas failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 deltas, got %d", len(got))
	}
	if got[0].OriginSequence != 1 || got[1].OriginSequence != 2 {
		t.Errorf("wrong order: %d, %d", got[0].OriginSequence, got[1].OriginSequence)
	}
}

func TestMarkDeltasSynced(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE deltas SET synced = TRUE WHERE id IN").
		WithArgs("dl-1", "dl-2").
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := s.MarkDeltasSynced(context.Background(), []string{"dl-1", "dl-2"}); err != nil {
		t.Fatalf("MarkDeltasSynced failed: %v", err)
	}

	// Empty id list is a no-op and issues no query.
	if err := s.MarkDeltasSynced(context.Background(), nil); err != nil {
		t.Fatalf("MarkDeltasSynced(nil) failed: %v", err)
	}
}

func TestNextSequence(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO sequences .+ RETURNING seq").
		WithArgs("dev-1").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(42)))

	seq, err := s.NextSequence(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("NextSequence failed: %v", err)
	}
	if seq != 42 {
		t.Errorf("seq = %d, want 42", seq)
	}
}

func TestEnqueueOutbox(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO outbox").
		WithArgs("ob-1", model.EntityInventoryDelta, "dl-abc", []byte(`{"change":-2}`),
			int64(7), now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.EnqueueOutbox(context.Background(), &model.OutboxRecord{
		ID:             "ob-1",
		EntityType:     model.EntityInventoryDelta,
		EntityID:       "dl-abc",
		Payload:        []byte(`{"change":-2}`),
		DeviceSequence: 7,
		CreatedAt:      now,
		NextAttemptAt:  now,
	})
	if err != nil {
		t.Fatalf("EnqueueOutbox failed: %v", err)
	}
}

func TestPendingOutbox(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(outboxColumns).
		AddRow("ob-1", model.EntityInventoryDelta, "dl-1", []byte(`{}`), "pending",
			0, "", int64(1), now, now, nil, nil).
		AddRow("ob-2", model.EntityInventoryDelta, "dl-2", []byte(`{}`), "pending",
			2, "timeout", int64(2), now, now, now, nil)
	mock.ExpectQuery("SELECT .+ FROM outbox WHERE state = 'pending' AND next_attempt_at <=").
		WithArgs(now, 100).
		WillReturnRows(rows)

	recs, err := s.PendingOutbox(context.Background(), 100, now)
	if err != nil {
		t.Fatalf("PendingOutbox failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].AttemptedAt != nil {
		t.Error("ob-1 should have nil AttemptedAt")
	}
	if recs[1].Attempts != 2 || recs[1].LastError != "timeout" {
		t.Errorf("unexpected ob-2: %+v", recs[1])
	}
}

func TestFailOutboxNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE outbox").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.FailOutbox(context.Background(), "ob-missing", "boom", time.Now(), false)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRequeueOutbox(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE outbox").
		WithArgs(now, "ob-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.RequeueOutbox(context.Background(), "ob-1", now); err != nil {
		t.Fatalf("RequeueOutbox failed: %v", err)
	}
}

func TestOutboxStats(t *testing.T) {
	s, mock := newMockStore(t)
	oldest := time.Now().UTC().Add(-time.Hour)

	mock.ExpectQuery("SELECT state, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"state", "count"}).
			AddRow("pending", 3).
			AddRow("dead", 1).
			AddRow("synced", 40))
	mock.ExpectQuery("SELECT MIN").
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(oldest))

	stats, err := s.OutboxStats(context.Background())
	if err != nil {
		t.Fatalf("OutboxStats failed: %v", err)
	}
	if stats.Pending != 3 || stats.Dead != 1 || stats.Synced != 40 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.OldestUnsent == nil || !stats.OldestUnsent.Equal(oldest) {
		t.Errorf("unexpected OldestUnsent: %v", stats.OldestUnsent)
	}
}

func TestUpsertAggregate(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO aggregates").
		WithArgs("prod-1", int64(-3), int64(9), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertAggregate(context.Background(), &model.Aggregate{
		ProductID:  "prod-1",
		Quantity:   -3,
		Generation: 9,
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("UpsertAggregate failed: %v", err)
	}
}

func TestGetCursorNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM cursors").
		WithArgs("hub").
		WillReturnRows(sqlmock.NewRows([]string{"stream_id", "last_sequence", "last_timestamp"}))

	_, err := s.GetCursor(context.Background(), "hub")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRunInTransactionCommit(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO sequences").
		WithArgs("dev-1").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(1)))
	mock.ExpectExec("INSERT INTO deltas").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RunInTransaction(context.Background(), func(tx store.Store) error {
		seq, err := tx.NextSequence(context.Background(), "dev-1")
		if err != nil {
			return err
		}
		return tx.AppendDelta(context.Background(), &model.DeltaRecord{
			ID: "dl-1", ProductID: "prod-1", Change: -1, Reason: model.ReasonSale,
			OriginDeviceID: "dev-1", OriginSequence: seq, OccurredAt: now,
		})
	})
	if err != nil {
		t.Fatalf("RunInTransaction failed: %v", err)
	}
}

func TestRunInTransactionRollback(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.RunInTransaction(context.Background(), func(tx store.Store) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("pq: duplicate key value violates unique constraint"), true},
		{errors.New("ERROR: ... (SQLSTATE 23505)"), true},
		{errors.New("UNIQUE constraint failed: deltas.id"), true},
		{errors.New("connection refused"), false},
	} {
		if got := isUniqueViolation(tc.err); got != tc.want {
			t.Errorf("isUniqueViolation(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
