// Package outbox drains the durable outbound queue. Records are enqueued in
// the same transaction as the write they describe, so delivery is
// at-least-once: the hub dedups, this side retries until acknowledged.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/alfredjeanlab/stockmesh/internal/model"
	"github.com/alfredjeanlab/stockmesh/internal/protocol"
	"github.com/alfredjeanlab/stockmesh/internal/store"
	"github.com/alfredjeanlab/stockmesh/internal/transport"
)

// Retry schedule: doubling from retryBase per attempt, capped at retryCap,
// with up to 20% jitter. Transient failures retry forever; only failures the
// hub marks permanent go to the dead letter queue.
const (
	retryBase = 2 * time.Second
	retryCap  = 5 * time.Minute
)

// Clock abstracts time so tests can drive the retry schedule directly.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Sender delivers a batch to the hub. Satisfied by *transport.Session.
type Sender interface {
	SendBatch(ctx context.Context, entries []protocol.BatchEntry) (*protocol.BatchAck, error)
}

// Processor polls the outbox and delivers pending records in sequence order.
type Processor struct {
	store     store.Store
	sender    Sender
	clock     Clock
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	cursorID  string
	kick      chan struct{}
}

// New creates a processor. cursorID names the sync cursor row updated from
// batch acks, one per hub stream.
func New(s store.Store, sender Sender, clock Clock, interval time.Duration, batchSize int, logger *slog.Logger) *Processor {
	return &Processor{
		store:     s,
		sender:    sender,
		clock:     clock,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		cursorID:  "hub",
		kick:      make(chan struct{}, 1),
	}
}

// Kick schedules an immediate drain, used when a session becomes ready
// instead of waiting out the poll interval.
func (p *Processor) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx is canceled.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.kick:
		}
		if err := p.Drain(ctx); err != nil {
			p.logger.Warn("outbox drain failed", "error", err)
		}
	}
}

// Drain delivers one batch of due records. A record is due when its
// next_attempt_at has passed; records still backing off are skipped. Returns
// nil when there is nothing to send or the session is not ready yet.
func (p *Processor) Drain(ctx context.Context) error {
	now := p.clock.Now()
	recs, err := p.store.PendingOutbox(ctx, p.batchSize, now)
	if err != nil {
		return fmt.Errorf("load pending outbox: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}

	entries := make([]protocol.BatchEntry, len(recs))
	for i, rec := range recs {
		entries[i] = protocol.BatchEntry{
			OutboxID:   rec.ID,
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			Sequence:   rec.DeviceSequence,
			Payload:    rec.Payload,
		}
	}

	ack, err := p.sender.SendBatch(ctx, entries)
	if errors.Is(err, transport.ErrNotReady) {
		return nil
	}
	if err != nil {
		// Transport-level failure: every record in the batch backs off.
		for _, rec := range recs {
			p.recordFailure(ctx, rec, err.Error(), false)
		}
		return fmt.Errorf("send batch: %w", err)
	}

	return p.applyAck(ctx, recs, ack)
}

func (p *Processor) applyAck(ctx context.Context, recs []*model.OutboxRecord, ack *protocol.BatchAck) error {
	now := p.clock.Now()

	byID := make(map[string]*model.OutboxRecord, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
	}

	var deltaIDs []string
	for _, id := range ack.SyncedIDs {
		if rec, ok := byID[id]; ok && rec.EntityType == model.EntityInventoryDelta {
			deltaIDs = append(deltaIDs, rec.EntityID)
		}
	}

	err := p.store.RunInTransaction(ctx, func(tx store.Store) error {
		if err := tx.AckOutbox(ctx, ack.SyncedIDs, now); err != nil {
			return fmt.Errorf("ack outbox: %w", err)
		}
		if err := tx.MarkDeltasSynced(ctx, deltaIDs); err != nil {
			return fmt.Errorf("mark deltas synced: %w", err)
		}
		if ack.NewCursor > 0 {
			if err := tx.SetCursor(ctx, &model.SyncCursor{
				StreamID:      p.cursorID,
				LastSequence:  ack.NewCursor,
				LastTimestamp: now,
			}); err != nil {
				return fmt.Errorf("set cursor: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, be := range ack.Errors {
		rec, ok := byID[be.OutboxID]
		if !ok {
			continue
		}
		p.recordFailure(ctx, rec, be.Message, be.Permanent)
		if be.Permanent {
			p.logger.Error("outbox record dead lettered",
				"outbox_id", rec.ID,
				"entity_type", rec.EntityType,
				"entity_id", rec.EntityID,
				"code", string(be.Code),
				"error", be.Message)
		}
	}

	if len(ack.SyncedIDs) > 0 {
		p.logger.Debug("outbox batch acknowledged",
			"synced", len(ack.SyncedIDs),
			"failed", len(ack.Errors),
			"cursor", ack.NewCursor)
	}
	return nil
}

func (p *Processor) recordFailure(ctx context.Context, rec *model.OutboxRecord, msg string, permanent bool) {
	next := p.clock.Now().Add(nextDelay(rec.Attempts))
	if err := p.store.FailOutbox(ctx, rec.ID, msg, next, permanent); err != nil {
		p.logger.Warn("record outbox failure", "outbox_id", rec.ID, "error", err)
	}
}

// nextDelay computes the backoff before the given attempt's retry.
func nextDelay(attempts int) time.Duration {
	d := retryBase
	for i := 0; i < attempts && d < retryCap; i++ {
		d *= 2
	}
	if d > retryCap {
		d = retryCap
	}
	return d + time.Duration(rand.Int63n(int64(d/5)+1))
}

// Requeue returns a dead letter record to the pending queue with a fresh
// attempt budget. Operator action, exposed through the CLI and HTTP API.
func (p *Processor) Requeue(ctx context.Context, id string) error {
	if err := p.store.RequeueOutbox(ctx, id, p.clock.Now()); err != nil {
		return err
	}
	p.Kick()
	return nil
}

// Cleanup deletes synced records older than retention, returning the number
// removed.
func (p *Processor) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	return p.store.DeleteSyncedOutboxBefore(ctx, p.clock.Now().Add(-retention))
}
