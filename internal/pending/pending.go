// Package pending implements the byte-counted backpressure gate on
// in-flight data-device writes.
package pending

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/walb-project/walb/internal/constants"
)

// Gate admits new writes while the process-wide pending byte counter for
// a device sits within [0, maxBytes), blocking once it reaches maxBytes
// until it drops back under minBytes or queueStopTimeout elapses (a
// safety vent so a stalled data device cannot wedge writers forever).
type Gate struct {
	pending atomic.Int64

	maxBytes         int64
	minBytes         int64
	queueStopTimeout time.Duration

	mu   sync.Mutex
	cond *sync.Cond
}

// New returns a Gate configured from walb_start_param-style megabyte
// thresholds, converted here to bytes.
func New(maxPendingMB, minPendingMB uint32, queueStopTimeout time.Duration) *Gate {
	g := &Gate{
		maxBytes:         int64(maxPendingMB) << 20,
		minBytes:         int64(minPendingMB) << 20,
		queueStopTimeout: queueStopTimeout,
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// DefaultGate returns a Gate using the stock walb_start_param values.
func DefaultGate() *Gate {
	return New(constants.DefaultMaxPendingMB, constants.DefaultMinPendingMB,
		time.Duration(constants.DefaultQueueStopTimeoutMs)*time.Millisecond)
}

// Acquire blocks until admission is granted for nBytes, or until the
// queue-stop timeout elapses (after which writes proceed regardless), or
// until ctx is cancelled.
func (g *Gate) Acquire(ctx context.Context, nBytes int64) error {
	if g.pending.Load() < g.maxBytes {
		g.pending.Add(nBytes)
		return nil
	}

	done := make(chan struct{})
	go func() {
		g.mu.Lock()
		for g.pending.Load() >= g.maxBytes {
			g.cond.Wait()
		}
		g.mu.Unlock()
		close(done)
	}()

	timer := time.NewTimer(g.queueStopTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		// Safety vent: admit regardless of the counter.
	case <-ctx.Done():
		return ctx.Err()
	}

	g.pending.Add(nBytes)
	return nil
}

// Release returns nBytes to the budget once the corresponding
// data-device write completes and is garbage-collected.
func (g *Gate) Release(nBytes int64) {
	g.pending.Add(-nBytes)
	if g.pending.Load() < g.minBytes {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	}
}

// Pending returns the current outstanding byte count.
func (g *Gate) Pending() int64 {
	return g.pending.Load()
}
