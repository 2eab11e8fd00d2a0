// Package archive snapshots synced ledger data to durable destinations and
// prunes rows past the retention window. Devices keep their ledgers small;
// history lives in the archive.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/alfredjeanlab/stockmesh/internal/model"
	"github.com/alfredjeanlab/stockmesh/internal/store"
)

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version        string    `json:"version"`
	Type           string    `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	DeviceID       string    `json:"device_id"`
	DeltaCount     int       `json:"delta_count"`
	AggregateCount int       `json:"aggregate_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ExportJSONL writes every synced delta and every aggregate to w as JSONL:
// a header line, then delta records sorted by id, then aggregate records.
// Unsynced deltas are excluded; they have not been confirmed by the hub and
// must survive on the device.
func ExportJSONL(ctx context.Context, s store.Store, deviceID string, w io.Writer) error {
	synced := true
	deltas, err := s.ListDeltas(ctx, model.DeltaFilter{Synced: &synced})
	if err != nil {
		return fmt.Errorf("list synced deltas: %w", err)
	}
	sort.Slice(deltas, func(i, j int) bool {
		return deltas[i].ID < deltas[j].ID
	})

	aggs, err := s.ListAggregates(ctx)
	if err != nil {
		return fmt.Errorf("list aggregates: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:        "1",
		Type:           "header",
		Timestamp:      time.Now().UTC(),
		DeviceID:       deviceID,
		DeltaCount:     len(deltas),
		AggregateCount: len(aggs),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	for _, d := range deltas {
		if err := enc.Encode(record{Type: "delta", Data: d}); err != nil {
			return fmt.Errorf("encode delta %s: %w", d.ID, err)
		}
	}
	for _, a := range aggs {
		if err := enc.Encode(record{Type: "aggregate", Data: a}); err != nil {
			return fmt.Errorf("encode aggregate %s: %w", a.ProductID, err)
		}
	}
	return nil
}
