package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alfredjeanlab/stockmesh/internal/ledger"
	"github.com/alfredjeanlab/stockmesh/internal/model"
	"github.com/alfredjeanlab/stockmesh/internal/protocol"
	"github.com/alfredjeanlab/stockmesh/internal/store"
)

// CoordinatorConfig tunes the aggregation hub.
type CoordinatorConfig struct {
	TenantID string
	SiteID   string
	DeviceID string
	// SiteToken authenticates peer handshakes.
	SiteToken string
	// CoalesceWindow batches broadcast pushes; every dirty product inside
	// one window goes out in a single message. Negative broadcasts after
	// every merged batch instead.
	CoalesceWindow time.Duration
	// CoalesceLimit force-flushes the window early when this many products
	// are dirty.
	CoalesceLimit int
	// PeerTimeout is how long a silent peer stays in the roster.
	PeerTimeout time.Duration
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.CoalesceWindow == 0 {
		c.CoalesceWindow = 50 * time.Millisecond
	}
	if c.CoalesceLimit == 0 {
		c.CoalesceLimit = 1000
	}
	if c.PeerTimeout == 0 {
		c.PeerTimeout = 45 * time.Second
	}
}

// PeerInfo is one device in the hub's session roster.
type PeerInfo struct {
	DeviceID     string    `json:"device_id"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	LastSequence int64     `json:"last_sequence"`
}

// job carries one inbound request into the owner goroutine.
type job struct {
	env   *protocol.Envelope
	reply func([]byte)
}

// Coordinator is the aggregation hub. All merge state is owned by a single
// goroutine; NATS handlers only enqueue work, so no locks guard the
// aggregates or the dedup window.
type Coordinator struct {
	nc     *nats.Conn
	store  store.Store
	cfg    CoordinatorConfig
	logger *slog.Logger
	window *ledger.Window
	term   int64

	work chan job

	// dirty tracks net quantity change per product since the last flush.
	// Products whose changes cancel out are not broadcast.
	dirty map[string]int64

	mu    sync.Mutex
	peers map[string]*PeerInfo
}

// NewCoordinator creates a hub for the given elected term.
func NewCoordinator(nc *nats.Conn, s store.Store, cfg CoordinatorConfig, term int64, logger *slog.Logger) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		nc:     nc,
		store:  s,
		cfg:    cfg,
		logger: logger,
		window: ledger.NewWindow(4096, 24*time.Hour),
		term:   term,
		work:   make(chan job, 256),
		dirty:  make(map[string]int64),
		peers:  make(map[string]*PeerInfo),
	}
}

// Peers returns a snapshot of the session roster.
func (c *Coordinator) Peers() []PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerInfo, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, *p)
	}
	return out
}

func (c *Coordinator) touchPeer(deviceID string, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[deviceID]
	if !ok {
		p = &PeerInfo{DeviceID: deviceID}
		c.peers[deviceID] = p
	}
	p.LastSeenAt = time.Now().UTC()
	if seq > p.LastSequence {
		p.LastSequence = seq
	}
}

func (c *Coordinator) reapPeers() {
	cutoff := time.Now().UTC().Add(-c.cfg.PeerTimeout)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.peers {
		if p.LastSeenAt.Before(cutoff) {
			delete(c.peers, id)
		}
	}
}

// Run serves handshake and batch requests until ctx is canceled. It is
// started when this device wins an election and canceled when it steps down.
func (c *Coordinator) Run(ctx context.Context) error {
	enqueue := func(msg *nats.Msg) {
		env, err := protocol.Decode(msg.Data)
		if err != nil {
			c.respondError(msg, protocol.CodeInvalidMessage, err.Error())
			return
		}
		select {
		case c.work <- job{env: env, reply: func(data []byte) { _ = msg.Respond(data) }}:
		default:
			c.respondError(msg, protocol.CodeInternal, "hub overloaded")
		}
	}

	subHS, err := c.nc.Subscribe(protocol.SubjectHandshake(c.cfg.SiteID), enqueue)
	if err != nil {
		return fmt.Errorf("subscribe handshake: %w", err)
	}
	defer func() { _ = subHS.Unsubscribe() }()

	subBatch, err := c.nc.Subscribe(protocol.SubjectBatch(c.cfg.SiteID), enqueue)
	if err != nil {
		return fmt.Errorf("subscribe batch: %w", err)
	}
	defer func() { _ = subBatch.Unsubscribe() }()

	if err := c.nc.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	c.logger.Info("hub coordinator started", "term", c.term)
	defer c.logger.Info("hub coordinator stopped", "term", c.term)

	interval := c.cfg.CoalesceWindow
	if interval <= 0 {
		interval = time.Second
	}
	flush := time.NewTicker(interval)
	defer flush.Stop()
	reap := time.NewTicker(c.cfg.PeerTimeout / 3)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flushDirty(context.WithoutCancel(ctx))
			return ctx.Err()
		case j := <-c.work:
			c.handle(ctx, j)
			if c.cfg.CoalesceWindow < 0 || len(c.dirty) >= c.cfg.CoalesceLimit {
				c.flushDirty(ctx)
			}
		case <-flush.C:
			c.flushDirty(ctx)
		case <-reap.C:
			c.reapPeers()
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, j job) {
	switch j.env.Type {
	case protocol.KindHandshake:
		c.handleHandshake(ctx, j)
	case protocol.KindOutboxBatch:
		c.handleBatch(ctx, j)
	default:
		c.replyError(j, protocol.CodeInvalidMessage, fmt.Sprintf("unexpected message kind %s", j.env.Type))
	}
}

func (c *Coordinator) handleHandshake(ctx context.Context, j job) {
	var hs protocol.Handshake
	if err := j.env.DecodePayload(&hs); err != nil {
		c.replyError(j, protocol.CodeInvalidMessage, err.Error())
		return
	}

	if hs.SchemaVersion != protocol.SchemaVersion {
		c.replyError(j, protocol.CodeUnsupportedVersion,
			fmt.Sprintf("schema version %d not supported", hs.SchemaVersion))
		return
	}
	if hs.TenantID != c.cfg.TenantID || hs.SiteID != c.cfg.SiteID {
		c.replyError(j, protocol.CodeSiteMismatch,
			fmt.Sprintf("device registered to %s/%s", hs.TenantID, hs.SiteID))
		return
	}
	if c.cfg.SiteToken != "" && hs.DeviceToken != c.cfg.SiteToken {
		c.replyError(j, protocol.CodeAuthFailed, "invalid device token")
		return
	}

	cursor := int64(0)
	if sc, err := c.store.GetCursor(ctx, deviceStream(hs.DeviceID)); err == nil {
		cursor = sc.LastSequence
	} else if !errors.Is(err, store.ErrNotFound) {
		c.replyError(j, protocol.CodeInternal, "cursor lookup failed")
		return
	}

	c.touchPeer(hs.DeviceID, hs.LastSequence)
	c.logger.Info("peer handshake",
		"device_id", hs.DeviceID,
		"last_sequence", hs.LastSequence,
		"cursor", cursor)

	data, err := protocol.Encode(protocol.KindHandshakeAck, &protocol.HandshakeAck{
		HubDeviceID: c.cfg.DeviceID,
		Term:        c.term,
		Cursor:      cursor,
	})
	if err != nil {
		c.replyError(j, protocol.CodeInternal, "encode ack failed")
		return
	}
	j.reply(data)
}

func (c *Coordinator) handleBatch(ctx context.Context, j job) {
	var batch protocol.OutboxBatch
	if err := j.env.DecodePayload(&batch); err != nil {
		c.replyError(j, protocol.CodeInvalidMessage, err.Error())
		return
	}
	if batch.DeviceID == "" {
		c.replyError(j, protocol.CodeInvalidMessage, "batch missing device id")
		return
	}

	ack := protocol.BatchAck{}
	now := time.Now().UTC()
	var maxSeq int64

	for _, entry := range batch.Entries {
		if entry.EntityType != model.EntityInventoryDelta {
			// Sales and product records pass through to the back office;
			// the hub stores nothing for them and acks receipt.
			ack.SyncedIDs = append(ack.SyncedIDs, entry.OutboxID)
			if entry.Sequence > maxSeq {
				maxSeq = entry.Sequence
			}
			continue
		}

		rec, err := protocol.DeltaFromEntry(entry)
		if err != nil {
			ack.Errors = append(ack.Errors, protocol.BatchError{
				OutboxID:  entry.OutboxID,
				Code:      protocol.CodeInvalidMessage,
				Message:   err.Error(),
				Permanent: true,
			})
			continue
		}

		applied, err := c.applyDelta(ctx, rec, now)
		if err != nil {
			ack.Errors = append(ack.Errors, protocol.BatchError{
				OutboxID: entry.OutboxID,
				Code:     protocol.CodeInternal,
				Message:  err.Error(),
			})
			continue
		}
		// Duplicates are acked too: the sender must stop retrying them.
		ack.SyncedIDs = append(ack.SyncedIDs, entry.OutboxID)
		if rec.OriginSequence > maxSeq {
			maxSeq = rec.OriginSequence
		}
		if applied {
			c.dirty[rec.ProductID] += rec.Change
		}
	}

	if maxSeq > 0 {
		if err := c.store.SetCursor(ctx, &model.SyncCursor{
			StreamID:      deviceStream(batch.DeviceID),
			LastSequence:  maxSeq,
			LastTimestamp: now,
		}); err != nil {
			c.logger.Warn("persist device cursor", "device_id", batch.DeviceID, "error", err)
		}
		ack.NewCursor = maxSeq
	}
	c.touchPeer(batch.DeviceID, maxSeq)

	data, err := protocol.Encode(protocol.KindBatchAck, &ack)
	if err != nil {
		c.replyError(j, protocol.CodeInternal, "encode ack failed")
		return
	}
	j.reply(data)
}

// applyDelta merges one delta into the authoritative state. Returns false
// for duplicates, which are skipped without touching the aggregate.
func (c *Coordinator) applyDelta(ctx context.Context, rec *model.DeltaRecord, now time.Time) (bool, error) {
	if !c.window.Observe(rec.OriginDeviceID, rec.ID, rec.OriginSequence, now) {
		return false, nil
	}

	stored := *rec
	stored.Synced = true
	err := c.store.RunInTransaction(ctx, func(tx store.Store) error {
		if err := tx.AppendDelta(ctx, &stored); err != nil {
			return err
		}
		agg, err := tx.GetAggregate(ctx, rec.ProductID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if agg == nil {
			agg = &model.Aggregate{ProductID: rec.ProductID}
		}
		return tx.UpsertAggregate(ctx, ledger.Apply(agg, rec, now))
	})
	if errors.Is(err, store.ErrDuplicateDelta) {
		// Seen before the dedup window restarted. Idempotent skip.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// flushDirty broadcasts aggregates for every product whose quantity changed
// since the last flush. Products whose deltas net to zero are skipped.
func (c *Coordinator) flushDirty(ctx context.Context) {
	if len(c.dirty) == 0 {
		return
	}

	update := protocol.InventoryUpdate{
		HubDeviceID: c.cfg.DeviceID,
		Term:        c.term,
	}
	for productID, net := range c.dirty {
		if net == 0 {
			continue
		}
		agg, err := c.store.GetAggregate(ctx, productID)
		if err != nil {
			c.logger.Warn("load aggregate for broadcast", "product_id", productID, "error", err)
			continue
		}
		update.Updates = append(update.Updates, protocol.AggregatePush{
			ProductID:  agg.ProductID,
			Quantity:   agg.Quantity,
			Generation: agg.Generation,
		})
	}
	c.dirty = make(map[string]int64)
	if len(update.Updates) == 0 {
		return
	}

	data, err := protocol.Encode(protocol.KindInventoryUpdate, &update)
	if err != nil {
		c.logger.Warn("encode broadcast", "error", err)
		return
	}
	if err := c.nc.Publish(protocol.SubjectPush(c.cfg.SiteID), data); err != nil {
		c.logger.Warn("publish broadcast", "error", err)
		return
	}
	c.logger.Debug("broadcast flushed", "products", len(update.Updates))
}

func (c *Coordinator) respondError(msg *nats.Msg, code protocol.ErrorCode, text string) {
	data, err := protocol.EncodeError(code, text)
	if err != nil {
		return
	}
	_ = msg.Respond(data)
}

func (c *Coordinator) replyError(j job, code protocol.ErrorCode, text string) {
	data, err := protocol.EncodeError(code, text)
	if err != nil {
		return
	}
	j.reply(data)
}

func deviceStream(deviceID string) string {
	return "device:" + deviceID
}
