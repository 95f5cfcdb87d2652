// Package relay bridges a local TCP flow from the tunnel interface to an
// overlay transport, throttling overlay reads while writes back to the
// tunnel are still pending.
package relay

import (
	"context"
	"sync"
)

const (
	DefaultHighWater = 256 * 1024
	DefaultLowWater  = 64 * 1024
)

// Regulator tracks bytes handed to the tunnel but not yet confirmed written.
// Reading pauses once pending reaches the high-water mark and resumes once
// it drains to the low-water mark.
type Regulator struct {
	high int64
	low  int64

	mu      sync.Mutex
	pending int64
	paused  bool
	resume  chan struct{}
}

// NewRegulator returns a regulator with the given marks. Non-positive or
// inverted marks fall back to the defaults.
func NewRegulator(high, low int) *Regulator {
	if high <= 0 {
		high = DefaultHighWater
	}
	if low < 0 || low >= high {
		low = high / 4
	}
	return &Regulator{high: int64(high), low: int64(low)}
}

// AddPending records n bytes handed to the tunnel.
func (r *Regulator) AddPending(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending += int64(n)
	if !r.paused && r.pending >= r.high {
		r.paused = true
		r.resume = make(chan struct{})
	}
}

// DecPending records n bytes confirmed written. The counter never goes
// negative; the amount actually subtracted is returned.
func (r *Regulator) DecPending(n int) int {
	if n <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	dec := int64(n)
	if dec > r.pending {
		dec = r.pending
	}
	r.pending -= dec
	if r.paused && r.pending <= r.low {
		r.paused = false
		close(r.resume)
		r.resume = nil
	}
	return int(dec)
}

func (r *Regulator) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.pending)
}

func (r *Regulator) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Wait blocks while the regulator is paused.
func (r *Regulator) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		if !r.paused {
			r.mu.Unlock()
			return nil
		}
		ch := r.resume
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
