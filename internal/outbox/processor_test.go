package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/stockmesh/internal/ledger"
	"github.com/alfredjeanlab/stockmesh/internal/model"
	"github.com/alfredjeanlab/stockmesh/internal/protocol"
	"github.com/alfredjeanlab/stockmesh/internal/store"
	"github.com/alfredjeanlab/stockmesh/internal/store/storetest"
	"github.com/alfredjeanlab/stockmesh/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// virtualClock is a settable clock for driving the retry schedule.
type virtualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newVirtualClock() *virtualClock {
	return &virtualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeSender scripts hub responses.
type fakeSender struct {
	mu      sync.Mutex
	batches [][]protocol.BatchEntry
	respond func(entries []protocol.BatchEntry) (*protocol.BatchAck, error)
}

func (f *fakeSender) SendBatch(_ context.Context, entries []protocol.BatchEntry) (*protocol.BatchAck, error) {
	f.mu.Lock()
	f.batches = append(f.batches, entries)
	respond := f.respond
	f.mu.Unlock()
	return respond(entries)
}

func (f *fakeSender) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

// ackAll acknowledges every entry with the highest sequence as new cursor.
func ackAll(entries []protocol.BatchEntry) (*protocol.BatchAck, error) {
	ack := &protocol.BatchAck{}
	for _, e := range entries {
		ack.SyncedIDs = append(ack.SyncedIDs, e.OutboxID)
		if e.Sequence > ack.NewCursor {
			ack.NewCursor = e.Sequence
		}
	}
	return ack, nil
}

func seedDeltas(t *testing.T, st store.Store, n int) []*model.DeltaRecord {
	t.Helper()
	l := ledger.New(st, "dev-1", testLogger())
	recs := make([]*model.DeltaRecord, n)
	for i := range recs {
		rec, err := l.Append(context.Background(), ledger.AppendInput{
			ProductID: "prod-1", Change: -1, Reason: model.ReasonSale,
		})
		if err != nil {
			t.Fatalf("seed append failed: %v", err)
		}
		recs[i] = rec
	}
	return recs
}

func TestDrainDeliversAndAcks(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	clock := newVirtualClock()
	sender := &fakeSender{respond: ackAll}
	recs := seedDeltas(t, st, 3)

	p := New(st, sender, clock, time.Second, 100, testLogger())
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if sender.sent() != 1 {
		t.Fatalf("expected 1 batch, got %d", sender.sent())
	}
	if got := len(sender.batches[0]); got != 3 {
		t.Fatalf("batch size = %d, want 3", got)
	}
	// Sequence order within the batch.
	for i := 1; i < len(sender.batches[0]); i++ {
		if sender.batches[0][i].Sequence <= sender.batches[0][i-1].Sequence {
			t.Error("batch entries out of sequence order")
		}
	}

	// All outbox rows synced, deltas marked, cursor advanced.
	stats, err := st.OutboxStats(ctx)
	if err != nil {
		t.Fatalf("OutboxStats failed: %v", err)
	}
	if stats.Pending != 0 || stats.Synced != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	for _, rec := range recs {
		d, err := st.GetDelta(ctx, rec.ID)
		if err != nil {
			t.Fatalf("GetDelta failed: %v", err)
		}
		if !d.Synced {
			t.Errorf("delta %s not marked synced", rec.ID)
		}
	}
	cursor, err := st.GetCursor(ctx, "hub")
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if cursor.LastSequence != 3 {
		t.Errorf("cursor = %d, want 3", cursor.LastSequence)
	}

	// A second drain finds nothing.
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("second Drain failed: %v", err)
	}
	if sender.sent() != 1 {
		t.Errorf("drain with empty queue should not send")
	}
}

func TestDrainSkipsWhenNotReady(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	clock := newVirtualClock()
	sender := &fakeSender{respond: func([]protocol.BatchEntry) (*protocol.BatchAck, error) {
		return nil, transport.ErrNotReady
	}}
	seedDeltas(t, st, 1)

	p := New(st, sender, clock, time.Second, 100, testLogger())
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain should swallow ErrNotReady, got %v", err)
	}

	// Record untouched: no attempts, still immediately due.
	stats, _ := st.OutboxStats(ctx)
	if stats.Pending != 1 {
		t.Errorf("pending = %d, want 1", stats.Pending)
	}
	pending, _ := st.PendingOutbox(ctx, 10, clock.Now())
	if len(pending) != 1 || pending[0].Attempts != 0 {
		t.Errorf("record should be untouched: %+v", pending)
	}
}

func TestTransientFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	clock := newVirtualClock()
	sender := &fakeSender{respond: func([]protocol.BatchEntry) (*protocol.BatchAck, error) {
		return nil, errors.New("request timeout")
	}}
	seedDeltas(t, st, 1)

	p := New(st, sender, clock, time.Second, 100, testLogger())
	if err := p.Drain(ctx); err == nil {
		t.Fatal("expected drain error")
	}

	// Not due immediately after the failure.
	due, _ := st.PendingOutbox(ctx, 10, clock.Now())
	if len(due) != 0 {
		t.Fatalf("record should be backing off, got %d due", len(due))
	}

	// Due again once the backoff passes; attempts carried forward.
	clock.Advance(retryBase + retryBase/2)
	due, _ = st.PendingOutbox(ctx, 10, clock.Now())
	if len(due) != 1 {
		t.Fatalf("record should be due after backoff, got %d", len(due))
	}
	if due[0].Attempts != 1 || due[0].LastError != "request timeout" {
		t.Errorf("unexpected record: %+v", due[0])
	}

	// Second failure waits longer than the first.
	if err := p.Drain(ctx); err == nil {
		t.Fatal("expected second drain error")
	}
	clock.Advance(retryBase + retryBase/2)
	due, _ = st.PendingOutbox(ctx, 10, clock.Now())
	if len(due) != 0 {
		t.Error("second backoff should exceed the first")
	}
	clock.Advance(retryCap)
	due, _ = st.PendingOutbox(ctx, 10, clock.Now())
	if len(due) != 1 {
		t.Error("record should retry after extended backoff")
	}
}

func TestPermanentFailureDeadLetters(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	clock := newVirtualClock()
	sender := &fakeSender{respond: func(entries []protocol.BatchEntry) (*protocol.BatchAck, error) {
		return &protocol.BatchAck{
			Errors: []protocol.BatchError{{
				OutboxID:  entries[0].OutboxID,
				Code:      protocol.CodeInvalidMessage,
				Message:   "unknown entity",
				Permanent: true,
			}},
		}, nil
	}}
	seedDeltas(t, st, 1)

	p := New(st, sender, clock, time.Second, 100, testLogger())
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	stats, _ := st.OutboxStats(ctx)
	if stats.Dead != 1 || stats.Pending != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	dead, err := st.DeadOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("DeadOutbox failed: %v", err)
	}
	if len(dead) != 1 || dead[0].LastError != "unknown entity" {
		t.Fatalf("unexpected dead records: %+v", dead)
	}

	// Operator requeue restores it to pending with a reset attempt budget.
	if err := p.Requeue(ctx, dead[0].ID); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	pending, _ := st.PendingOutbox(ctx, 10, clock.Now())
	if len(pending) != 1 || pending[0].Attempts != 0 {
		t.Errorf("requeed record should be pending with zero attempts: %+v", pending)
	}
}

func TestPartialAck(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	clock := newVirtualClock()
	sender := &fakeSender{respond: func(entries []protocol.BatchEntry) (*protocol.BatchAck, error) {
		// First entry applied, second transiently failed.
		return &protocol.BatchAck{
			SyncedIDs: []string{entries[0].OutboxID},
			NewCursor: entries[0].Sequence,
			Errors: []protocol.BatchError{{
				OutboxID: entries[1].OutboxID,
				Code:     protocol.CodeInternal,
				Message:  "apply failed",
			}},
		}, nil
	}}
	seedDeltas(t, st, 2)

	p := New(st, sender, clock, time.Second, 100, testLogger())
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	stats, _ := st.OutboxStats(ctx)
	if stats.Synced != 1 || stats.Pending != 1 || stats.Dead != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	cursor, err := st.GetCursor(ctx, "hub")
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if cursor.LastSequence != 1 {
		t.Errorf("cursor = %d, want 1", cursor.LastSequence)
	}
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	clock := newVirtualClock()
	sender := &fakeSender{respond: ackAll}
	seedDeltas(t, st, 2)

	p := New(st, sender, clock, time.Second, 100, testLogger())
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	// Records synced just now survive a 24h retention pass.
	n, err := p.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n != 0 {
		t.Errorf("cleanup removed %d fresh records", n)
	}

	clock.Advance(48 * time.Hour)
	n, err = p.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n != 2 {
		t.Errorf("cleanup removed %d, want 2", n)
	}
}

func TestNextDelayCapped(t *testing.T) {
	for attempts := 0; attempts < 20; attempts++ {
		d := nextDelay(attempts)
		if d < retryBase {
			t.Errorf("attempt %d: delay %v below base", attempts, d)
		}
		if d > retryCap+retryCap/5 {
			t.Errorf("attempt %d: delay %v above cap", attempts, d)
		}
	}
}
