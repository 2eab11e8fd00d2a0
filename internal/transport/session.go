// Package transport manages a device's session with the site hub over NATS.
// The session is a small state machine: disconnected, connecting,
// handshaking, ready. It re-handshakes with backoff whenever the hub goes
// away or a different device wins the election.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alfredjeanlab/stockmesh/internal/protocol"
)

// State is the session's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// Identity is what a device presents during handshake.
type Identity struct {
	TenantID string
	SiteID   string
	DeviceID string
	Token    string
}

// ErrNotReady is returned when a send is attempted outside the ready state.
var ErrNotReady = errors.New("session not ready")

const requestTimeout = 10 * time.Second

// Session is a device's connection to the current hub.
type Session struct {
	conn    *nats.Conn
	id      Identity
	logger  *slog.Logger
	backoff *Backoff

	// lastSequence reports the device's highest local ledger sequence at
	// handshake time.
	lastSequence func(ctx context.Context) (int64, error)

	// onReady fires after every successful handshake with the hub's ack,
	// so the outbox processor can pick up the resume cursor.
	onReady func(protocol.HandshakeAck)

	mu         sync.Mutex
	state      State
	hub        protocol.HandshakeAck
	invalidate chan struct{}
}

// Connect dials NATS and creates a session. The connection reconnects
// forever on its own; the session handles the handshake layer above it.
func Connect(url string, id Identity, lastSequence func(ctx context.Context) (int64, error), logger *slog.Logger) (*Session, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Name("stockmesh-"+id.DeviceID),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return NewSession(nc, id, lastSequence, logger), nil
}

// NewSession wraps an existing NATS connection.
func NewSession(nc *nats.Conn, id Identity, lastSequence func(ctx context.Context) (int64, error), logger *slog.Logger) *Session {
	return &Session{
		conn:         nc,
		id:           id,
		logger:       logger,
		backoff:      NewBackoff(),
		lastSequence: lastSequence,
		invalidate:   make(chan struct{}, 1),
	}
}

// OnReady registers the callback fired after each successful handshake.
func (s *Session) OnReady(fn func(protocol.HandshakeAck)) {
	s.mu.Lock()
	s.onReady = fn
	s.mu.Unlock()
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Hub returns the last handshake ack. Only meaningful in the ready state.
func (s *Session) Hub() protocol.HandshakeAck {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hub
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.logger.Debug("session state", "from", prev.String(), "to", next.String())
	}
}

// Invalidate drops a ready session back to disconnected, forcing a fresh
// handshake. Called when heartbeats reveal a new primary or a higher term.
func (s *Session) Invalidate() {
	select {
	case s.invalidate <- struct{}{}:
	default:
	}
}

// Run drives the state machine until ctx is canceled. Each failed attempt
// waits the backoff delay; reaching ready resets it.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			s.setState(StateDisconnected)
			return err
		}

		s.setState(StateConnecting)
		if s.conn.Status() != nats.CONNECTED {
			if !s.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		s.setState(StateHandshaking)
		ack, err := s.Handshake(ctx)
		if err != nil {
			s.logger.Warn("handshake failed", "error", err)
			s.setState(StateDisconnected)
			if !s.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		s.backoff.Reset()
		s.setState(StateReady)
		s.logger.Info("session ready",
			"hub_device_id", ack.HubDeviceID,
			"term", ack.Term,
			"cursor", ack.Cursor)

		s.mu.Lock()
		onReady := s.onReady
		s.mu.Unlock()
		if onReady != nil {
			onReady(*ack)
		}

		// Stay ready until invalidated or canceled.
		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return ctx.Err()
		case <-s.invalidate:
			s.logger.Info("session invalidated, reconnecting")
			s.setState(StateDisconnected)
		}
	}
}

func (s *Session) sleep(ctx context.Context) bool {
	t := time.NewTimer(s.backoff.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Handshake performs one handshake request against the current hub.
func (s *Session) Handshake(ctx context.Context) (*protocol.HandshakeAck, error) {
	lastSeq, err := s.lastSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last sequence: %w", err)
	}

	data, err := protocol.Encode(protocol.KindHandshake, &protocol.Handshake{
		TenantID:      s.id.TenantID,
		SiteID:        s.id.SiteID,
		DeviceID:      s.id.DeviceID,
		DeviceToken:   s.id.Token,
		SchemaVersion: protocol.SchemaVersion,
		LastSequence:  lastSeq,
	})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	msg, err := s.conn.RequestWithContext(reqCtx, protocol.SubjectHandshake(s.id.SiteID), data)
	if err != nil {
		return nil, fmt.Errorf("handshake request: %w", err)
	}

	env, err := protocol.Decode(msg.Data)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case protocol.KindHandshakeAck:
		var ack protocol.HandshakeAck
		if err := env.DecodePayload(&ack); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.hub = ack
		s.mu.Unlock()
		return &ack, nil
	case protocol.KindError:
		var perr protocol.ErrorPayload
		if err := env.DecodePayload(&perr); err != nil {
			return nil, err
		}
		return nil, &perr
	default:
		return nil, fmt.Errorf("unexpected handshake reply: %s", env.Type)
	}
}

// SendBatch delivers pending outbox entries to the hub and returns its ack.
func (s *Session) SendBatch(ctx context.Context, entries []protocol.BatchEntry) (*protocol.BatchAck, error) {
	if s.State() != StateReady {
		return nil, ErrNotReady
	}

	data, err := protocol.Encode(protocol.KindOutboxBatch, &protocol.OutboxBatch{
		DeviceID: s.id.DeviceID,
		Entries:  entries,
	})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	msg, err := s.conn.RequestWithContext(reqCtx, protocol.SubjectBatch(s.id.SiteID), data)
	if err != nil {
		return nil, fmt.Errorf("batch request: %w", err)
	}

	env, err := protocol.Decode(msg.Data)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case protocol.KindBatchAck:
		var ack protocol.BatchAck
		if err := env.DecodePayload(&ack); err != nil {
			return nil, err
		}
		return &ack, nil
	case protocol.KindError:
		var perr protocol.ErrorPayload
		if err := env.DecodePayload(&perr); err != nil {
			return nil, err
		}
		return nil, &perr
	default:
		return nil, fmt.Errorf("unexpected batch reply: %s", env.Type)
	}
}

// SubscribePush returns a channel of raw push envelopes for the site. Slow
// consumers drop messages rather than blocking the NATS client; a dropped
// push is recovered by the next one, since pushes carry absolute values.
// Call the returned cancel function to unsubscribe and close the channel.
func (s *Session) SubscribePush() (<-chan []byte, func(), error) {
	return SubscribeRaw(s.conn, protocol.SubjectPush(s.id.SiteID))
}

// SubscribeRaw subscribes to a subject and exposes it as a buffered channel
// with the drop-on-full and drain-on-cancel behavior used everywhere in this
// module. Call cancel to unsubscribe and close the channel.
func SubscribeRaw(nc *nats.Conn, subject string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)

	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- msg.Data:
		default:
			// Drop message if channel is full to avoid blocking the NATS client.
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so that messages published on other connections are routed.
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		close(ch)
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			mu.Unlock()
			// Drain remaining messages so senders don't block, then close.
			for {
				select {
				case <-ch:
				default:
					close(ch)
					return
				}
			}
		})
	}

	return ch, cancel, nil
}

// Close closes the underlying NATS connection.
func (s *Session) Close() {
	s.conn.Close()
}
