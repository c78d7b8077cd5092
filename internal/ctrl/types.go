// Package ctrl implements the control-plane command set as an
// in-process method surface: with no kernel ioctl transport involved,
// START_DEV/STOP_DEV/FREEZE/... become plain Go method calls against a
// registry of device handles.
package ctrl

import (
	"fmt"
	"time"
)

// StartParams mirrors walb_start_param: the tunables
// supplied when a log/data device pair is started under walb.
type StartParams struct {
	Name string

	MaxPendingMB       uint32
	MinPendingMB       uint32
	QueueStopTimeoutMs uint32

	MaxLogpackKB       uint32
	LogFlushIntervalMs uint32
	LogFlushIntervalMB uint32

	NPackBulk uint32
	NIOBulk   uint32
}

// DefaultStartParams returns the stock tunables.
func DefaultStartParams(name string) StartParams {
	return StartParams{
		Name:               name,
		MaxPendingMB:       64,
		MinPendingMB:       32,
		QueueStopTimeoutMs: 1000,
		MaxLogpackKB:       1024,
		LogFlushIntervalMs: 100,
		LogFlushIntervalMB: 16,
		NPackBulk:          32,
		NIOBulk:            32,
	}
}

const maxDiskNameLen = 64

// Validate enforces the walb_start_param validation rules, including
// the log_flush_interval_mb*2 <= max_pending_mb cross-field check.
func (p StartParams) Validate() error {
	if len(p.Name) >= maxDiskNameLen {
		return fmt.Errorf("ctrl: name %q too long (max %d)", p.Name, maxDiskNameLen-1)
	}
	if p.MaxPendingMB < 2 || p.MaxPendingMB > maxPendingMB {
		return fmt.Errorf("ctrl: max_pending_mb %d out of range [2, %d]", p.MaxPendingMB, maxPendingMB)
	}
	if p.MinPendingMB < 1 || p.MinPendingMB >= p.MaxPendingMB {
		return fmt.Errorf("ctrl: min_pending_mb %d must be in [1, max_pending_mb)", p.MinPendingMB)
	}
	if p.QueueStopTimeoutMs < 1 {
		return fmt.Errorf("ctrl: queue_stop_timeout_ms must be >= 1")
	}
	if p.LogFlushIntervalMB*2 > p.MaxPendingMB {
		return fmt.Errorf("ctrl: log_flush_interval_mb*2 (%d) exceeds max_pending_mb (%d)", p.LogFlushIntervalMB*2, p.MaxPendingMB)
	}
	if p.NPackBulk == 0 {
		return fmt.Errorf("ctrl: n_pack_bulk must be > 0")
	}
	if p.NIOBulk == 0 {
		return fmt.Errorf("ctrl: n_io_bulk must be > 0")
	}
	return nil
}

const maxPendingMB = 4096

// QueueStopTimeout converts QueueStopTimeoutMs to a time.Duration.
func (p StartParams) QueueStopTimeout() time.Duration {
	return time.Duration(p.QueueStopTimeoutMs) * time.Millisecond
}

// LogFlushInterval converts LogFlushIntervalMs to a time.Duration.
func (p StartParams) LogFlushInterval() time.Duration {
	return time.Duration(p.LogFlushIntervalMs) * time.Millisecond
}

// DeviceInfo is returned by LIST_DEV / implied by NUM_OF_DEV.
type DeviceInfo struct {
	Name  string
	Minor uint32
}
