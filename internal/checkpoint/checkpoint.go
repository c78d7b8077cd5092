// Package checkpoint implements the checkpointer: a periodic task that
// flushes the data device and persists the superblock, driven by a
// four-state machine with cancel+join shutdown.
package checkpoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/walb-project/walb/internal/lsidset"
)

// State is one of the checkpointer states.
type State int

const (
	StateStopped State = iota
	StateWaiting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateWaiting:
		return "WAITING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Target is the device-side collaborator a Checkpointer drives:
// flushing the data device and persisting the superblock image. Failure
// of either is the checkpointer's cue to mark the device read-only.
type Target interface {
	FlushDataDevice() error
	// SyncSuperblock writes the superblock with written as the new
	// written_lsid field (plus oldest_lsid, device_size and
	// log_checksum_salt, which the target already tracks).
	SyncSuperblock(written uint64) error
	MarkReadOnly(err error)
}

// Checkpointer periodically persists the superblock, re-arming after
// each successful sync at max(1, interval-sync_time).
// Interval zero disables the automatic timer; TakeCheckpoint still works.
type Checkpointer struct {
	mu       sync.Mutex
	state    State
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}

	syncMu sync.Mutex // serializes sync() against concurrent manual TakeCheckpoint calls

	lsids  *lsidset.Set
	target Target
}

// New returns a stopped Checkpointer armed with the given interval.
func New(target Target, lsids *lsidset.Set, interval time.Duration) *Checkpointer {
	return &Checkpointer{state: StateStopped, interval: interval, lsids: lsids, target: target}
}

// State returns the current state.
func (c *Checkpointer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Interval returns the configured re-arm period.
func (c *Checkpointer) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// SetInterval updates the configured period. Takes effect at the next
// re-arm; an in-progress wait is not preempted.
func (c *Checkpointer) SetInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = d
}

// Start transitions STOPPED -> WAITING and launches the timer loop.
func (c *Checkpointer) Start() error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return fmt.Errorf("checkpoint: cannot start from state %s", c.state)
	}
	c.state = StateWaiting
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	go c.loop(stopCh, doneCh)
	return nil
}

// Stop requests a cancel+join of the timer task. It must not be called
// while holding the checkpoint write lock; Stop itself only holds its
// own state mutex briefly before releasing it and blocking on doneCh.
func (c *Checkpointer) Stop() error {
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.mu.Unlock()
		return nil
	case StateStopping:
		done := c.doneCh
		c.mu.Unlock()
		<-done
		return nil
	}
	c.state = StateStopping
	stopCh, done := c.stopCh, c.doneCh
	c.mu.Unlock()

	close(stopCh)
	<-done
	return nil
}

func (c *Checkpointer) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	nextDelay := c.Interval()
	for {
		if nextDelay <= 0 {
			select {
			case <-stopCh:
				c.finishStopping()
				return
			}
		}

		timer := time.NewTimer(nextDelay)
		select {
		case <-timer.C:
		case <-stopCh:
			timer.Stop()
			c.finishStopping()
			return
		}

		c.mu.Lock()
		if c.state == StateStopping {
			c.state = StateStopped
			c.mu.Unlock()
			return
		}
		c.state = StateRunning
		c.mu.Unlock()

		start := time.Now()
		err := c.sync()
		elapsed := time.Since(start)

		c.mu.Lock()
		if c.state == StateStopping {
			c.state = StateStopped
			c.mu.Unlock()
			return
		}
		if err != nil {
			c.state = StateStopped
			c.mu.Unlock()
			return
		}
		c.state = StateWaiting
		interval := c.interval
		c.mu.Unlock()

		nextDelay = interval - elapsed
		if nextDelay < time.Millisecond {
			nextDelay = time.Millisecond
		}
		if interval <= 0 {
			nextDelay = 0
		}
	}
}

func (c *Checkpointer) finishStopping() {
	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
}

// sync is the RUNNING-state body: skip if
// written == prev_written, else flush the data device, persist the
// superblock, and on success advance prev_written <- written.
func (c *Checkpointer) sync() error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	snap := c.lsids.Snapshot()
	if snap.Written == snap.PrevWritten {
		return nil
	}
	if err := c.target.FlushDataDevice(); err != nil {
		c.target.MarkReadOnly(err)
		return err
	}
	if err := c.target.SyncSuperblock(snap.Written); err != nil {
		c.target.MarkReadOnly(err)
		return err
	}
	c.lsids.SyncSuperblock()
	return nil
}

// TakeCheckpoint forces an immediate sync regardless of the timer
// state, serialized against the background loop.
func (c *Checkpointer) TakeCheckpoint() error {
	return c.sync()
}
