package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/stockmesh/internal/store"
)

// Destination is a sink for archive snapshots (S3, local directory).
type Destination interface {
	// Write stores one named JSONL snapshot.
	Write(ctx context.Context, name string, data []byte) error
}

// Scheduler periodically snapshots synced data to the destinations and then
// prunes rows older than the retention window. Pruning only happens after
// every destination accepted the snapshot, so data is never dropped before
// it was archived.
type Scheduler struct {
	store        store.Store
	destinations []Destination
	deviceID     string
	interval     time.Duration
	retention    time.Duration
	logger       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. retention bounds how long synced rows
// stay on the device after archiving.
func NewScheduler(s store.Store, destinations []Destination, deviceID string, interval, retention time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:        s,
		destinations: destinations,
		deviceID:     deviceID,
		interval:     interval,
		retention:    retention,
		logger:       logger,
	}
}

// Start begins periodic archiving. It runs an initial pass immediately, then
// on each tick.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for the current pass to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	s.archiveOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.archiveOnce(ctx)
		}
	}
}

func (s *Scheduler) archiveOnce(ctx context.Context) {
	var buf bytes.Buffer
	if err := ExportJSONL(ctx, s.store, s.deviceID, &buf); err != nil {
		s.logger.Error("archive export failed", "err", err)
		return
	}
	data := buf.Bytes()
	name := snapshotName(s.deviceID, time.Now().UTC())

	ok := true
	for i, dest := range s.destinations {
		if err := dest.Write(ctx, name, data); err != nil {
			s.logger.Error("archive destination write failed", "destination", fmt.Sprintf("%d", i), "err", err)
			ok = false
		}
	}
	if !ok {
		return
	}

	deltas, err := s.store.DeleteSyncedDeltasBefore(ctx, time.Now().UTC().Add(-s.retention))
	if err != nil {
		s.logger.Error("archive delta prune failed", "err", err)
	}
	outbox, err := s.store.DeleteSyncedOutboxBefore(ctx, time.Now().UTC().Add(-s.retention))
	if err != nil {
		s.logger.Error("archive outbox prune failed", "err", err)
	}

	s.logger.Info("archive completed",
		"destinations", len(s.destinations),
		"bytes", len(data),
		"pruned_deltas", deltas,
		"pruned_outbox", outbox)
}

func snapshotName(deviceID string, now time.Time) string {
	return fmt.Sprintf("%s-%s.jsonl", deviceID, now.Format("20060102T150405Z"))
}
