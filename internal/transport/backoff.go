package transport

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff produces exponentially growing reconnect delays with jitter. The
// delay doubles per attempt from Min up to Max and resets when a session
// reaches ready.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	mu      sync.Mutex
	attempt int
}

// NewBackoff creates a backoff with the standard reconnect window.
func NewBackoff() *Backoff {
	return &Backoff{Min: 500 * time.Millisecond, Max: 60 * time.Second}
}

// Next returns the delay before the next attempt and advances the counter.
// Jitter of up to half the base delay is added so devices that lost the hub
// at the same moment do not reconnect in lockstep.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.Min << b.attempt
	if d > b.Max || d < b.Min {
		d = b.Max
	} else {
		b.attempt++
	}
	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}

// Reset returns the backoff to its initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}
