// Package server exposes the device's local HTTP API: inventory reads, delta
// writes, outbox operations, sync status, and a server-sent event stream for
// the POS front end.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alfredjeanlab/stockmesh/internal/hub"
	"github.com/alfredjeanlab/stockmesh/internal/ledger"
	"github.com/alfredjeanlab/stockmesh/internal/model"
	"github.com/alfredjeanlab/stockmesh/internal/store"
)

// Status is the live sync state reported by GET /v1/status. Populated by the
// serve wiring from the elector, session, and coordinator.
type Status struct {
	Role    string `json:"role"`
	Term    int64  `json:"term"`
	Leader  string `json:"leader,omitempty"`
	Session string `json:"session"`
	// Health summarizes sync state: healthy (session ready), degraded
	// (reconnecting or dead letters queued), offline (no broker contact).
	Health     string             `json:"health"`
	OfflineFor string             `json:"offline_for,omitempty"`
	Outbox     *model.OutboxStats `json:"outbox,omitempty"`
	// UnsyncedDeltas counts local ledger entries the hub has not yet
	// confirmed.
	UnsyncedDeltas int `json:"unsynced_deltas"`
	Peers      []hub.PeerInfo     `json:"peers,omitempty"`
	Uptime     string             `json:"uptime"`
	DeviceID   string             `json:"device_id"`
	SiteID     string             `json:"site_id"`
}

// Server handles the HTTP API for one device.
type Server struct {
	store   store.Store
	ledger  *ledger.Ledger
	logger  *slog.Logger
	sseHub  *sseHub
	started time.Time

	deviceID string
	siteID   string

	// status reports election and session state; requeue returns a dead
	// letter to the queue. Both are wired in by the serve command.
	status  func() Status
	requeue func(ctx context.Context, id string) error
}

// Options configures a Server.
type Options struct {
	DeviceID string
	SiteID   string
	Status   func() Status
	Requeue  func(ctx context.Context, id string) error
}

// New creates a server.
func New(s store.Store, l *ledger.Ledger, opts Options, logger *slog.Logger) *Server {
	return &Server{
		store:    s,
		ledger:   l,
		logger:   logger,
		sseHub:   newSSEHub(),
		started:  time.Now().UTC(),
		deviceID: opts.DeviceID,
		siteID:   opts.SiteID,
		status:   opts.Status,
		requeue:  opts.Requeue,
	}
}

// Broadcast fans an event out to connected SSE clients.
func (s *Server) Broadcast(topic string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal event for SSE broadcast", "topic", topic, "error", err)
		return
	}
	s.sseHub.broadcast(topic, payload)
}

// Serve runs the HTTP server until ctx is canceled.
func (s *Server) Serve(ctx context.Context, addr, authToken string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.NewHTTPHandler(authToken),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
