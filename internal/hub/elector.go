// Package hub implements the site-local coordination role: a leaderless
// election over NATS picks one device as primary, and the primary runs the
// aggregation hub that merges deltas and broadcasts authoritative stock.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alfredjeanlab/stockmesh/internal/model"
	"github.com/alfredjeanlab/stockmesh/internal/protocol"
	"github.com/alfredjeanlab/stockmesh/internal/store"
	"github.com/alfredjeanlab/stockmesh/internal/transport"
)

// ElectorConfig tunes one device's participation in the election.
type ElectorConfig struct {
	SiteID   string
	DeviceID string
	// Priority biases the election; back-office machines run higher
	// priorities than POS terminals. Ties go to the larger device id.
	Priority          int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// Candidacy wait is randomized in [Min, Max) so devices that notice a
	// dead primary at the same moment do not all campaign at once.
	CandidacyWaitMin time.Duration
	CandidacyWaitMax time.Duration
}

func (c *ElectorConfig) applyDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 15 * time.Second
	}
	if c.CandidacyWaitMin == 0 {
		c.CandidacyWaitMin = 150 * time.Millisecond
	}
	if c.CandidacyWaitMax == 0 {
		c.CandidacyWaitMax = 300 * time.Millisecond
	}
}

// RoleChange notifies observers of an election outcome.
type RoleChange struct {
	Role     model.Role
	Term     int64
	LeaderID string
}

// Elector runs the election state machine for one device. Secondary until
// heartbeats stop, then candidate, then possibly primary. A primary steps
// down when it sees a heartbeat or candidacy with a higher term, or an equal
// term from a device that beats it on the tie-break.
type Elector struct {
	nc     *nats.Conn
	store  store.Store
	cfg    ElectorConfig
	logger *slog.Logger

	mu       sync.Mutex
	role     model.Role
	term     int64
	leaderID string
	onChange func(RoleChange)
}

// NewElector creates an elector. Call Run to participate.
func NewElector(nc *nats.Conn, s store.Store, cfg ElectorConfig, logger *slog.Logger) *Elector {
	cfg.applyDefaults()
	return &Elector{
		nc:     nc,
		store:  s,
		cfg:    cfg,
		logger: logger,
		role:   model.RoleSecondary,
	}
}

// OnChange registers the role change callback. It is invoked from the
// elector's goroutine; keep it fast.
func (e *Elector) OnChange(fn func(RoleChange)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// Role returns the current role and term.
func (e *Elector) Role() (model.Role, int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role, e.term
}

// Leader returns the device id of the current primary, if known.
func (e *Elector) Leader() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderID
}

// beats reports whether candidate a wins over b. Higher priority first, then
// the lexicographically larger device id.
func beats(aPriority int, aID string, bPriority int, bID string) bool {
	if aPriority != bPriority {
		return aPriority > bPriority
	}
	return aID > bID
}

func (e *Elector) transition(ctx context.Context, role model.Role, term int64, leaderID string) {
	e.mu.Lock()
	changed := e.role != role || e.term != term || e.leaderID != leaderID
	e.role = role
	e.term = term
	e.leaderID = leaderID
	onChange := e.onChange
	e.mu.Unlock()
	if !changed {
		return
	}

	e.logger.Info("election role change",
		"role", role.String(),
		"term", term,
		"leader", leaderID)

	if err := e.store.UpsertNode(ctx, &model.NodeState{
		DeviceID:   e.cfg.DeviceID,
		Role:       role,
		Priority:   e.cfg.Priority,
		Term:       term,
		LastSeenAt: time.Now().UTC(),
	}); err != nil {
		e.logger.Warn("persist node state", "error", err)
	}

	if onChange != nil {
		onChange(RoleChange{Role: role, Term: term, LeaderID: leaderID})
	}
}

// recordPeer upserts a peer row from an observed heartbeat or candidacy.
func (e *Elector) recordPeer(ctx context.Context, deviceID string, role model.Role, priority int, term int64) {
	if deviceID == e.cfg.DeviceID {
		return
	}
	if err := e.store.UpsertNode(ctx, &model.NodeState{
		DeviceID:   deviceID,
		Role:       role,
		Priority:   priority,
		Term:       term,
		LastSeenAt: time.Now().UTC(),
	}); err != nil {
		e.logger.Warn("persist peer state", "device_id", deviceID, "error", err)
	}
}

// Run participates in the election until ctx is canceled.
func (e *Elector) Run(ctx context.Context) error {
	heartbeats, cancelHB, err := transport.SubscribeRaw(e.nc, protocol.SubjectHeartbeat(e.cfg.SiteID))
	if err != nil {
		return err
	}
	defer cancelHB()

	candidacies, cancelCand, err := transport.SubscribeRaw(e.nc, protocol.SubjectCandidacy(e.cfg.SiteID))
	if err != nil {
		return err
	}
	defer cancelCand()

	timeout := time.NewTimer(e.cfg.HeartbeatTimeout)
	defer timeout.Stop()
	heartbeatTick := time.NewTicker(e.cfg.HeartbeatInterval)
	defer heartbeatTick.Stop()

	for {
		select {
		case <-ctx.Done():
			e.transition(context.WithoutCancel(ctx), model.RoleOffline, e.currentTerm(), "")
			return ctx.Err()

		case raw := <-heartbeats:
			hb, err := decodeAs[protocol.Heartbeat](raw, protocol.KindHeartbeat)
			if err != nil {
				continue
			}
			e.observeHeartbeat(ctx, hb)
			resetTimer(timeout, e.cfg.HeartbeatTimeout)

		case raw := <-candidacies:
			cand, err := decodeAs[protocol.Candidacy](raw, protocol.KindCandidacy)
			if err != nil {
				continue
			}
			e.observeCandidacy(ctx, cand)

		case <-heartbeatTick.C:
			if role, term := e.Role(); role == model.RolePrimary {
				e.publishHeartbeat(term)
			}

		case <-timeout.C:
			role, _ := e.Role()
			if role == model.RolePrimary {
				// Our own heartbeats do not reset the timer through the
				// loopback subscription fast enough to matter; primaries
				// ignore the silence timeout.
				resetTimer(timeout, e.cfg.HeartbeatTimeout)
				continue
			}
			e.campaign(ctx, heartbeats, candidacies)
			resetTimer(timeout, e.cfg.HeartbeatTimeout)
		}
	}
}

func (e *Elector) currentTerm() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

func (e *Elector) observeHeartbeat(ctx context.Context, hb *protocol.Heartbeat) {
	e.recordPeer(ctx, hb.DeviceID, model.RolePrimary, hb.Priority, hb.Term)
	if hb.DeviceID == e.cfg.DeviceID {
		return
	}

	role, term := e.Role()
	switch {
	case hb.Term > term:
		e.transition(ctx, model.RoleSecondary, hb.Term, hb.DeviceID)
	case hb.Term == term && role == model.RolePrimary:
		// Split brain: both sides merged commutatively, but only one
		// keeps the crown. The tie-break decides deterministically.
		if beats(hb.Priority, hb.DeviceID, e.cfg.Priority, e.cfg.DeviceID) {
			e.logger.Warn("stepping down, rival primary wins tie-break",
				"rival", hb.DeviceID, "term", hb.Term)
			e.transition(ctx, model.RoleSecondary, hb.Term, hb.DeviceID)
		}
	case role != model.RolePrimary:
		e.transition(ctx, model.RoleSecondary, max64(term, hb.Term), hb.DeviceID)
	}
}

func (e *Elector) observeCandidacy(ctx context.Context, cand *protocol.Candidacy) {
	e.recordPeer(ctx, cand.DeviceID, model.RoleCandidate, cand.Priority, cand.Term)
	if cand.DeviceID == e.cfg.DeviceID {
		return
	}
	role, term := e.Role()
	if cand.Term > term && role == model.RolePrimary {
		e.logger.Info("stepping down for higher term candidacy",
			"candidate", cand.DeviceID, "term", cand.Term)
		e.transition(ctx, model.RoleSecondary, cand.Term, "")
	}
}

// campaign runs one candidacy round: wait a randomized slice, announce, then
// collect rival announcements for the rest of the window and promote only if
// no rival beats us.
func (e *Elector) campaign(ctx context.Context, heartbeats, candidacies <-chan []byte) {
	_, term := e.Role()
	newTerm := term + 1
	e.transition(ctx, model.RoleCandidate, term, "")

	wait := e.cfg.CandidacyWaitMin +
		time.Duration(rand.Int63n(int64(e.cfg.CandidacyWaitMax-e.cfg.CandidacyWaitMin)))

	preWait := time.NewTimer(wait)
	defer preWait.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-heartbeats:
			// A live primary appeared while we waited; stand down.
			if hb, err := decodeAs[protocol.Heartbeat](raw, protocol.KindHeartbeat); err == nil && hb.DeviceID != e.cfg.DeviceID {
				e.observeHeartbeat(ctx, hb)
				return
			}
			continue
		case raw := <-candidacies:
			if cand, err := decodeAs[protocol.Candidacy](raw, protocol.KindCandidacy); err == nil && cand.DeviceID != e.cfg.DeviceID {
				e.observeCandidacy(ctx, cand)
				if cand.Term >= newTerm && beats(cand.Priority, cand.DeviceID, e.cfg.Priority, e.cfg.DeviceID) {
					// A stronger rival already campaigning; wait for its win.
					e.transition(ctx, model.RoleSecondary, term, "")
					return
				}
			}
			continue
		case <-preWait.C:
		}
		break
	}

	if err := e.publishCandidacy(newTerm); err != nil {
		e.logger.Warn("announce candidacy", "error", err)
		e.transition(ctx, model.RoleSecondary, term, "")
		return
	}

	// Collection window: rivals announcing in the same round are compared
	// on (priority, device id).
	collect := time.NewTimer(e.cfg.CandidacyWaitMax)
	defer collect.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-heartbeats:
			if hb, err := decodeAs[protocol.Heartbeat](raw, protocol.KindHeartbeat); err == nil && hb.DeviceID != e.cfg.DeviceID {
				e.observeHeartbeat(ctx, hb)
				return
			}
		case raw := <-candidacies:
			cand, err := decodeAs[protocol.Candidacy](raw, protocol.KindCandidacy)
			if err != nil || cand.DeviceID == e.cfg.DeviceID {
				continue
			}
			e.recordPeer(ctx, cand.DeviceID, model.RoleCandidate, cand.Priority, cand.Term)
			if cand.Term >= newTerm && beats(cand.Priority, cand.DeviceID, e.cfg.Priority, e.cfg.DeviceID) {
				e.transition(ctx, model.RoleSecondary, max64(e.currentTerm(), cand.Term), "")
				return
			}
		case <-collect.C:
			e.transition(ctx, model.RolePrimary, newTerm, e.cfg.DeviceID)
			e.publishHeartbeat(newTerm)
			return
		}
	}
}

func (e *Elector) publishHeartbeat(term int64) {
	data, err := protocol.Encode(protocol.KindHeartbeat, &protocol.Heartbeat{
		DeviceID: e.cfg.DeviceID,
		Term:     term,
		Priority: e.cfg.Priority,
	})
	if err != nil {
		e.logger.Warn("encode heartbeat", "error", err)
		return
	}
	if err := e.nc.Publish(protocol.SubjectHeartbeat(e.cfg.SiteID), data); err != nil {
		e.logger.Warn("publish heartbeat", "error", err)
	}
}

func (e *Elector) publishCandidacy(term int64) error {
	data, err := protocol.Encode(protocol.KindCandidacy, &protocol.Candidacy{
		DeviceID: e.cfg.DeviceID,
		Term:     term,
		Priority: e.cfg.Priority,
	})
	if err != nil {
		return err
	}
	if err := e.nc.Publish(protocol.SubjectCandidacy(e.cfg.SiteID), data); err != nil {
		return fmt.Errorf("publish candidacy: %w", err)
	}
	return e.nc.Flush()
}

func decodeAs[T any](raw []byte, kind protocol.Kind) (*T, error) {
	env, err := protocol.Decode(raw)
	if err != nil {
		return nil, err
	}
	if env.Type != kind {
		return nil, fmt.Errorf("unexpected kind %s", env.Type)
	}
	var v T
	if err := env.DecodePayload(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
