package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/stockmesh/internal/archive"
	"github.com/alfredjeanlab/stockmesh/internal/config"
	"github.com/alfredjeanlab/stockmesh/internal/hub"
	"github.com/alfredjeanlab/stockmesh/internal/ledger"
	"github.com/alfredjeanlab/stockmesh/internal/model"
	"github.com/alfredjeanlab/stockmesh/internal/outbox"
	"github.com/alfredjeanlab/stockmesh/internal/protocol"
	"github.com/alfredjeanlab/stockmesh/internal/server"
	"github.com/alfredjeanlab/stockmesh/internal/store"
	"github.com/alfredjeanlab/stockmesh/internal/store/sqldb"
	"github.com/alfredjeanlab/stockmesh/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon for this device",
	Long: `serve runs everything a device needs: the local ledger API, the outbox
drainer, the hub election, and (when elected) the site hub itself. Configure
it through STOCKMESH_* environment variables; the device identity comes from
the file written by "stockmesh setup".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		embedded, _ := cmd.Flags().GetBool("embedded-nats")
		return runServe(embedded)
	},
}

func init() {
	serveCmd.Flags().Bool("embedded-nats", false, "Start an in-process NATS broker (single-box sites)")
}

// daemon owns the moving parts of a running device.
type daemon struct {
	cfg    *config.Config
	dev    *config.Device
	logger *slog.Logger

	store     store.Store
	ledger    *ledger.Ledger
	nc        *nats.Conn
	session   *transport.Session
	processor *outbox.Processor
	elector   *hub.Elector
	server    *server.Server

	// coordinator is non-nil only while this device is the primary.
	coordMu     sync.Mutex
	coordinator *hub.Coordinator
	coordCancel context.CancelFunc
	coordDone   chan struct{}

	readyMu     sync.Mutex
	lastReadyAt time.Time
	startedAt   time.Time
}

func runServe(embeddedFlag bool) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if embeddedFlag {
		cfg.EmbeddedNATS = true
	}
	dev, err := config.LoadDevice()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var embedded *natsserver.Server
	if cfg.EmbeddedNATS {
		embedded, err = startEmbeddedNATS(cfg.EmbeddedNATSAddr)
		if err != nil {
			return fmt.Errorf("embedded nats: %w", err)
		}
		defer embedded.Shutdown()
		logger.Info("embedded nats broker started", "addr", cfg.EmbeddedNATSAddr)
	}

	st, err := sqldb.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	d := &daemon{
		cfg:       cfg,
		dev:       dev,
		logger:    logger,
		store:     st,
		ledger:    ledger.New(st, dev.DeviceID, logger),
		startedAt: time.Now(),
	}

	d.nc, err = nats.Connect(cfg.NATSURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Name("stockmesh-"+dev.DeviceID),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer d.nc.Close()

	identity := transport.Identity{
		TenantID: dev.TenantID,
		SiteID:   dev.SiteID,
		DeviceID: dev.DeviceID,
		Token:    dev.Token,
	}
	d.session = transport.NewSession(d.nc, identity, d.lastSequence, logger)

	d.processor = outbox.New(st, d.session, outbox.RealClock(), cfg.PollInterval, cfg.BatchSize, logger)
	d.session.OnReady(func(ack protocol.HandshakeAck) {
		logger.Info("session ready", "hub", ack.HubDeviceID, "term", ack.Term, "cursor", ack.Cursor)
		d.readyMu.Lock()
		d.lastReadyAt = time.Now()
		d.readyMu.Unlock()
		d.processor.Kick()
	})

	d.elector = hub.NewElector(d.nc, st, hub.ElectorConfig{
		SiteID:            dev.SiteID,
		DeviceID:          dev.DeviceID,
		Priority:          dev.Priority,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}, logger)
	d.elector.OnChange(func(rc hub.RoleChange) {
		d.onRoleChange(ctx, rc)
	})

	d.server = server.New(st, d.ledger, server.Options{
		DeviceID: dev.DeviceID,
		SiteID:   dev.SiteID,
		Status:   d.status,
		Requeue:  d.processor.Requeue,
	}, logger)

	var scheduler *archive.Scheduler
	if cfg.ArchiveInterval > 0 {
		destinations, err := buildDestinations(ctx, cfg)
		if err != nil {
			return err
		}
		if len(destinations) > 0 {
			scheduler = archive.NewScheduler(st, destinations, dev.DeviceID, cfg.ArchiveInterval, cfg.Retention, logger)
			scheduler.Start()
			defer scheduler.Stop()
		}
	}

	logger.Info("stockmesh starting",
		"device", dev.DeviceID, "site", dev.SiteID, "http", cfg.HTTPAddr, "nats", cfg.NATSURL)

	errCh := make(chan error, 8)
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	start("session", d.session.Run)
	start("outbox", d.processor.Run)
	start("elector", d.elector.Run)
	start("push", d.runPushLoop)
	start("http", func(ctx context.Context) error {
		return d.server.Serve(ctx, cfg.HTTPAddr, cfg.AuthToken)
	})

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("component failed", "error", err)
		stop()
	}

	d.stopCoordinator()
	wg.Wait()
	return err
}

// lastSequence reports the highest hub-confirmed sequence for the handshake.
func (d *daemon) lastSequence(ctx context.Context) (int64, error) {
	cur, err := d.store.GetCursor(ctx, "hub")
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cur.LastSequence, nil
}

// onRoleChange starts the hub when this device wins the election and stops
// it when the device steps down. Every role change invalidates the session
// so the outbox re-handshakes against the current primary.
func (d *daemon) onRoleChange(ctx context.Context, rc hub.RoleChange) {
	d.logger.Info("role changed", "role", rc.Role, "term", rc.Term, "leader", rc.LeaderID)

	if rc.Role == model.RolePrimary {
		d.startCoordinator(ctx, rc.Term)
	} else {
		d.stopCoordinator()
	}
	d.session.Invalidate()
	d.server.Broadcast("node.role", rc)
}

func (d *daemon) startCoordinator(ctx context.Context, term int64) {
	d.coordMu.Lock()
	defer d.coordMu.Unlock()
	if d.coordinator != nil {
		return
	}

	coord := hub.NewCoordinator(d.nc, d.store, hub.CoordinatorConfig{
		TenantID:       d.dev.TenantID,
		SiteID:         d.dev.SiteID,
		DeviceID:       d.dev.DeviceID,
		SiteToken:      d.dev.Token,
		CoalesceWindow: d.cfg.CoalesceWindow,
	}, term, d.logger)

	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.coordinator = coord
	d.coordCancel = cancel
	d.coordDone = done

	go func() {
		defer close(done)
		if err := coord.Run(cctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("hub coordinator stopped", "error", err)
		}
	}()
}

func (d *daemon) stopCoordinator() {
	d.coordMu.Lock()
	defer d.coordMu.Unlock()
	if d.coordinator == nil {
		return
	}
	d.coordCancel()
	<-d.coordDone
	d.coordinator = nil
	d.coordCancel = nil
	d.coordDone = nil
}

// runPushLoop applies hub broadcasts to the local aggregate cache. Stale
// generations are dropped so replayed pushes never move counts backwards.
func (d *daemon) runPushLoop(ctx context.Context) error {
	ch, unsubscribe, err := d.session.SubscribePush()
	if err != nil {
		return fmt.Errorf("subscribe push: %w", err)
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			d.handlePush(ctx, data)
		}
	}
}

func (d *daemon) handlePush(ctx context.Context, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		d.logger.Warn("malformed push", "error", err)
		return
	}

	switch env.Type {
	case protocol.KindInventoryUpdate:
		var update protocol.InventoryUpdate
		if err := env.DecodePayload(&update); err != nil {
			d.logger.Warn("malformed inventory update", "error", err)
			return
		}
		for _, u := range update.Updates {
			if err := d.applyPush(ctx, u); err != nil {
				d.logger.Error("failed to apply inventory push", "product", u.ProductID, "error", err)
			}
		}
		d.server.Broadcast("stock.update", update)
	case protocol.KindProductUpdate, protocol.KindPriceUpdate, protocol.KindConfigUpdate:
		var update protocol.EntityUpdate
		if err := env.DecodePayload(&update); err != nil {
			d.logger.Warn("malformed entity update", "kind", env.Type, "error", err)
			return
		}
		d.server.Broadcast(string(env.Type), update)
	default:
		d.logger.Debug("ignoring push", "kind", env.Type)
	}
}

func (d *daemon) applyPush(ctx context.Context, u protocol.AggregatePush) error {
	existing, err := d.store.GetAggregate(ctx, u.ProductID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil && existing.Generation >= u.Generation {
		d.logger.Debug("dropping stale inventory push",
			"product", u.ProductID, "generation", u.Generation, "have", existing.Generation)
		return nil
	}
	return d.store.UpsertAggregate(ctx, &model.Aggregate{
		ProductID:  u.ProductID,
		Quantity:   u.Quantity,
		Generation: u.Generation,
		UpdatedAt:  time.Now().UTC(),
	})
}

// status assembles the live view served at /v1/status.
func (d *daemon) status() server.Status {
	role, term := d.elector.Role()
	st := server.Status{
		Role:     role.String(),
		Term:     term,
		Leader:   d.elector.Leader(),
		Session:  d.session.State().String(),
		DeviceID: d.dev.DeviceID,
		SiteID:   d.dev.SiteID,
	}

	if d.session.State() != transport.StateReady {
		d.readyMu.Lock()
		since := d.lastReadyAt
		d.readyMu.Unlock()
		if since.IsZero() {
			since = d.startedAt
		}
		st.OfflineFor = time.Since(since).Truncate(time.Second).String()
	}

	d.coordMu.Lock()
	if d.coordinator != nil {
		st.Peers = d.coordinator.Peers()
	}
	d.coordMu.Unlock()
	return st
}

func buildDestinations(ctx context.Context, cfg *config.Config) ([]archive.Destination, error) {
	var destinations []archive.Destination
	if cfg.ArchiveDir != "" {
		dest, err := archive.NewFileDestination(cfg.ArchiveDir)
		if err != nil {
			return nil, fmt.Errorf("archive dir: %w", err)
		}
		destinations = append(destinations, dest)
	}
	if cfg.ArchiveS3Bucket != "" {
		dest, err := archive.NewS3Destination(ctx, cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix, cfg.ArchiveS3Region, cfg.ArchiveS3Endpoint)
		if err != nil {
			return nil, fmt.Errorf("archive s3: %w", err)
		}
		destinations = append(destinations, dest)
	}
	return destinations, nil
}

func startEmbeddedNATS(addr string) (*natsserver.Server, error) {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return nil, err
	}
	srv, err := natsserver.NewServer(&natsserver.Options{Host: host, Port: port})
	if err != nil {
		return nil, err
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("broker did not become ready")
	}
	return srv, nil
}

func splitHostPort(addr string) (string, int, error) {
	host := "0.0.0.0"
	portStr := addr
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		if i > 0 {
			host = addr[:i]
		}
		portStr = addr[i+1:]
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q", addr)
	}
	return host, port, nil
}

func logLevel() slog.Level {
	switch os.Getenv("STOCKMESH_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
