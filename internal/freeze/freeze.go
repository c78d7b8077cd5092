// Package freeze implements the administrative write-suspension gate:
// MELTED/FROZEN/FROZEN_WITH_TIMEOUT with a cancellable auto-melt
// timer.
package freeze

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of the three freeze states.
type State int

const (
	StateMelted State = iota
	StateFrozen
	StateFrozenWithTimeout
)

func (s State) String() string {
	switch s {
	case StateMelted:
		return "MELTED"
	case StateFrozen:
		return "FROZEN"
	case StateFrozenWithTimeout:
		return "FROZEN_WITH_TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// MaxTimeout clamps freeze(t) to one day.
const MaxTimeout = 86400 * time.Second

// ErrFreezeRace is returned for a contradictory request: any freeze
// arriving while already FROZEN_WITH_TIMEOUT, racing the armed timer.
var ErrFreezeRace = errors.New("freeze: contradictory freeze/melt request")

// Target is the device-side collaborator a Gate drives.
type Target interface {
	StopIO()
	ResumeIO()
	StopCheckpointer() error
	StartCheckpointer() error
}

// Gate tracks one device's freeze state and the auto-melt timer for
// FROZEN_WITH_TIMEOUT.
type Gate struct {
	mu         sync.Mutex
	state      State
	target     Target
	timer      *time.Timer
	generation uint64 // invalidates in-flight timer callbacks on cancel/re-arm
	meltedCh   chan struct{}
}

// New returns a Gate starting MELTED.
func New(target Target) *Gate {
	ch := make(chan struct{})
	close(ch)
	return &Gate{state: StateMelted, target: target, meltedCh: ch}
}

// WaitMelted blocks until the gate is MELTED or ctx is cancelled:
// frozen writes queue waiting for melt instead of being rejected
// outright.
func (g *Gate) WaitMelted(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.state == StateMelted {
			g.mu.Unlock()
			return nil
		}
		ch := g.meltedCh
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// State returns the current freeze state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// IsFrozen reports whether writes are currently suspended.
func (g *Gate) IsFrozen() bool {
	return g.State() != StateMelted
}

func clamp(timeout time.Duration) time.Duration {
	if timeout > MaxTimeout {
		return MaxTimeout
	}
	return timeout
}

// Freeze suspends write IO, optionally arming an auto-melt after
// timeout.
func (g *Gate) Freeze(timeout time.Duration) error {
	timeout = clamp(timeout)

	g.mu.Lock()
	switch g.state {
	case StateMelted:
		g.state = StateFrozen
		g.meltedCh = make(chan struct{})
		target := g.target
		g.mu.Unlock()
		target.StopIO()
		if err := target.StopCheckpointer(); err != nil {
			return err
		}
		if timeout > 0 {
			g.mu.Lock()
			g.armLocked(timeout)
			g.mu.Unlock()
		}
		return nil

	case StateFrozen:
		if timeout == 0 {
			g.mu.Unlock()
			return nil
		}
		g.armLocked(timeout)
		g.mu.Unlock()
		return nil

	case StateFrozenWithTimeout:
		// Any freeze here races the armed auto-melt; only a freeze
		// arriving from plain FROZEN may re-arm.
		g.mu.Unlock()
		return ErrFreezeRace

	default:
		g.mu.Unlock()
		return nil
	}
}

// armLocked starts the auto-melt timer and moves to
// FROZEN_WITH_TIMEOUT. Caller holds g.mu.
func (g *Gate) armLocked(timeout time.Duration) {
	g.generation++
	gen := g.generation
	g.state = StateFrozenWithTimeout
	g.timer = time.AfterFunc(timeout, func() { g.onTimeout(gen) })
}

// cancelLocked stops any pending timer and invalidates its callback.
// Caller holds g.mu.
func (g *Gate) cancelLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.generation++
}

// onTimeout re-acquires the lock and no-ops if the state is no longer
// FROZEN_WITH_TIMEOUT with this generation, race-safe against an
// explicit melt or re-freeze that beat the timer.
func (g *Gate) onTimeout(gen uint64) {
	g.mu.Lock()
	if g.state != StateFrozenWithTimeout || g.generation != gen {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	_ = g.Melt()
}

// Melt resumes write IO and restarts the checkpointer. Melting an
// already-melted gate is a no-op.
func (g *Gate) Melt() error {
	g.mu.Lock()
	switch g.state {
	case StateMelted:
		g.mu.Unlock()
		return nil

	case StateFrozen:
		g.state = StateMelted
		close(g.meltedCh)
		target := g.target
		g.mu.Unlock()
		target.ResumeIO()
		return target.StartCheckpointer()

	case StateFrozenWithTimeout:
		g.cancelLocked()
		g.state = StateMelted
		close(g.meltedCh)
		target := g.target
		g.mu.Unlock()
		target.ResumeIO()
		return target.StartCheckpointer()

	default:
		g.mu.Unlock()
		return nil
	}
}
