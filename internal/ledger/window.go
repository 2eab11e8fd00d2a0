package ledger

import (
	"sync"
	"time"
)

// Window remembers recently observed delta ids per origin device so that a
// redelivered batch is not applied twice. It is a bounded first line of
// defense; the storage layer's unique constraint on
// (origin_device_id, origin_sequence) catches anything older than the window.
type Window struct {
	mu       sync.Mutex
	capacity int
	horizon  time.Duration
	devices  map[string]*deviceWindow
}

type deviceWindow struct {
	seen   map[string]time.Time
	order  []string
	head   int
	maxSeq int64
}

// NewWindow creates a window keeping up to capacity ids per device, expiring
// entries older than horizon.
func NewWindow(capacity int, horizon time.Duration) *Window {
	return &Window{
		capacity: capacity,
		horizon:  horizon,
		devices:  make(map[string]*deviceWindow),
	}
}

// Observe records a delta id for a device. It returns false when the id was
// already present (a duplicate) and true when it is fresh.
func (w *Window) Observe(deviceID, deltaID string, seq int64, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	dw, ok := w.devices[deviceID]
	if !ok {
		dw = &deviceWindow{
			seen:  make(map[string]time.Time),
			order: make([]string, w.capacity),
		}
		w.devices[deviceID] = dw
	}

	if at, dup := dw.seen[deltaID]; dup && now.Sub(at) < w.horizon {
		return false
	}

	// Evict the slot being overwritten.
	if old := dw.order[dw.head]; old != "" {
		delete(dw.seen, old)
	}
	dw.order[dw.head] = deltaID
	dw.head = (dw.head + 1) % w.capacity
	dw.seen[deltaID] = now
	if seq > dw.maxSeq {
		dw.maxSeq = seq
	}
	return true
}

// Seen reports whether a delta id is currently tracked for a device.
func (w *Window) Seen(deviceID, deltaID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	dw, ok := w.devices[deviceID]
	if !ok {
		return false
	}
	_, dup := dw.seen[deltaID]
	return dup
}

// MaxSequence returns the highest origin sequence observed for a device, or
// zero when the device is unknown.
func (w *Window) MaxSequence(deviceID string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if dw, ok := w.devices[deviceID]; ok {
		return dw.maxSeq
	}
	return 0
}
