package ctrl

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/walb-project/walb/internal/constants"
	"github.com/walb-project/walb/internal/logging"
)

// DeviceHandle is the surface a running walb device exposes to the
// control plane. device.Device implements it; ctrl never imports the
// root package (it would cycle), so command dispatch is expressed
// purely against this interface.
type DeviceHandle interface {
	Name() string
	Minor() uint32

	OldestLsid() uint64
	WrittenLsid() uint64
	PermanentLsid() uint64
	CompletedLsid() uint64
	LogUsage() uint64
	LogCapacity() uint64
	IsFlushCapable() bool
	IsLogOverflow() bool
	IsFrozen() bool

	SetOldestLsid(lsid uint64) error
	CheckpointInterval() time.Duration
	SetCheckpointInterval(d time.Duration) error
	TakeCheckpoint() error

	Resize(newSizeLB uint64) error
	ClearLog() error
	Freeze(timeout time.Duration) error
	Melt() error
}

// ErrNotImplemented is returned for commands that are deliberately
// unimplemented or deprecated: WALB_IOCTL_STATUS and the legacy
// snapshot ioctls.
var ErrNotImplemented = fmt.Errorf("ctrl: not implemented")

// ErrDeviceNotFound is returned when a command names an unregistered minor.
var ErrDeviceNotFound = fmt.Errorf("ctrl: device not found")

// ErrMinorInUse is returned by Register when the minor is already taken.
var ErrMinorInUse = fmt.Errorf("ctrl: minor already in use")

// ErrDeviceBusy is returned by StopDev when the device still has openers
// and force was not set.
var ErrDeviceBusy = fmt.Errorf("ctrl: device busy")

// Controller is the process-wide control plane: a device registry keyed
// by minor plus the command implementations. Device lifecycle
// is alloc_minor -> prepare -> register -> unregister -> finalize ->
// destroy; this package only models register/unregister
// since device construction itself lives in the root package.
type Controller struct {
	mu      sync.Mutex
	devices map[uint32]DeviceHandle
	major   uint32
	logger  *logging.Logger
}

// NewController returns an empty control plane.
func NewController() *Controller {
	return &Controller{
		devices: make(map[uint32]DeviceHandle),
		logger:  logging.Default(),
	}
}

// Register adds a running device under its minor. By convention data
// devices take even minors and minor+1 is the log view; this package
// does not enforce parity itself, the caller's minor allocator does.
func (c *Controller) Register(h DeviceHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.devices[h.Minor()]; exists {
		return ErrMinorInUse
	}
	c.devices[h.Minor()] = h
	c.logger.Info("registered device", "minor", h.Minor(), "name", h.Name())
	return nil
}

// openCounter is optionally implemented by device handles that track
// how many openers they currently have; StopDev refuses to stop a busy
// device unless forced.
type openCounter interface {
	OpenUsers() int
}

// Version implements the VERSION command.
func (c *Controller) Version() uint32 { return constants.WalbVersion }

// Major implements the GET_MAJOR command. With no kernel block layer
// underneath there is no dynamically allocated major; the registry
// reports the fixed surrogate it was configured with.
func (c *Controller) Major() uint32 { return c.major }

// SetMajor records the major number Major reports.
func (c *Controller) SetMajor(major uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.major = major
}

// StopDev implements the STOP_DEV command: unregister the device,
// refusing while it still has openers unless force is set.
func (c *Controller) StopDev(minor uint32, force bool) error {
	c.mu.Lock()
	h, ok := c.devices[minor]
	c.mu.Unlock()
	if !ok {
		return ErrDeviceNotFound
	}
	if oc, okc := h.(openCounter); okc && !force && oc.OpenUsers() > 0 {
		return ErrDeviceBusy
	}
	return c.Unregister(minor)
}

// Unregister removes a device from the registry.
func (c *Controller) Unregister(minor uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.devices[minor]; !exists {
		return ErrDeviceNotFound
	}
	delete(c.devices, minor)
	c.logger.Info("unregistered device", "minor", minor)
	return nil
}

func (c *Controller) lookup(minor uint32) (DeviceHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.devices[minor]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return h, nil
}

// NumOfDev implements the NUM_OF_DEV command.
func (c *Controller) NumOfDev() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.devices)
}

// ListDev implements the LIST_DEV command over [minorLo, minorHi).
func (c *Controller) ListDev(minorLo, minorHi uint32) []DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []DeviceInfo
	for minor, h := range c.devices {
		if minor >= minorLo && minor < minorHi {
			out = append(out, DeviceInfo{Name: h.Name(), Minor: minor})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Minor < out[j].Minor })
	return out
}

// GetOldestLsid implements GET_OLDEST_LSID.
func (c *Controller) GetOldestLsid(minor uint32) (uint64, error) {
	h, err := c.lookup(minor)
	if err != nil {
		return 0, err
	}
	return h.OldestLsid(), nil
}

// GetWrittenLsid implements GET_WRITTEN_LSID.
func (c *Controller) GetWrittenLsid(minor uint32) (uint64, error) {
	h, err := c.lookup(minor)
	if err != nil {
		return 0, err
	}
	return h.WrittenLsid(), nil
}

// GetPermanentLsid implements GET_PERMANENT_LSID.
func (c *Controller) GetPermanentLsid(minor uint32) (uint64, error) {
	h, err := c.lookup(minor)
	if err != nil {
		return 0, err
	}
	return h.PermanentLsid(), nil
}

// GetCompletedLsid implements GET_COMPLETED_LSID.
func (c *Controller) GetCompletedLsid(minor uint32) (uint64, error) {
	h, err := c.lookup(minor)
	if err != nil {
		return 0, err
	}
	return h.CompletedLsid(), nil
}

// SetOldestLsid implements SET_OLDEST_LSID. Validation (lsid <=
// prev_written, a valid logpack boundary, or equal to prev_written) is
// the device's responsibility; this just forwards the call.
func (c *Controller) SetOldestLsid(minor uint32, lsid uint64) error {
	h, err := c.lookup(minor)
	if err != nil {
		return err
	}
	return h.SetOldestLsid(lsid)
}

// GetCheckpointInterval implements GET_CHECKPOINT_INTERVAL.
func (c *Controller) GetCheckpointInterval(minor uint32) (time.Duration, error) {
	h, err := c.lookup(minor)
	if err != nil {
		return 0, err
	}
	return h.CheckpointInterval(), nil
}

// MaxCheckpointInterval bounds SET_CHECKPOINT_INTERVAL
// (WALB_MAX_CHECKPOINT_INTERVAL).
const MaxCheckpointInterval = 24 * time.Hour

// SetCheckpointInterval implements SET_CHECKPOINT_INTERVAL.
func (c *Controller) SetCheckpointInterval(minor uint32, d time.Duration) error {
	if d < 0 || d > MaxCheckpointInterval {
		return fmt.Errorf("ctrl: checkpoint interval %s exceeds bound %s", d, MaxCheckpointInterval)
	}
	h, err := c.lookup(minor)
	if err != nil {
		return err
	}
	return h.SetCheckpointInterval(d)
}

// TakeCheckpoint implements TAKE_CHECKPOINT.
func (c *Controller) TakeCheckpoint(minor uint32) error {
	h, err := c.lookup(minor)
	if err != nil {
		return err
	}
	return h.TakeCheckpoint()
}

// GetLogUsage implements GET_LOG_USAGE.
func (c *Controller) GetLogUsage(minor uint32) (uint64, error) {
	h, err := c.lookup(minor)
	if err != nil {
		return 0, err
	}
	return h.LogUsage(), nil
}

// GetLogCapacity implements GET_LOG_CAPACITY.
func (c *Controller) GetLogCapacity(minor uint32) (uint64, error) {
	h, err := c.lookup(minor)
	if err != nil {
		return 0, err
	}
	return h.LogCapacity(), nil
}

// IsFlushCapable implements IS_FLUSH_CAPABLE.
func (c *Controller) IsFlushCapable(minor uint32) (bool, error) {
	h, err := c.lookup(minor)
	if err != nil {
		return false, err
	}
	return h.IsFlushCapable(), nil
}

// IsLogOverflow implements IS_LOG_OVERFLOW.
func (c *Controller) IsLogOverflow(minor uint32) (bool, error) {
	h, err := c.lookup(minor)
	if err != nil {
		return false, err
	}
	return h.IsLogOverflow(), nil
}

// IsFrozen implements IS_FROZEN.
func (c *Controller) IsFrozen(minor uint32) (bool, error) {
	h, err := c.lookup(minor)
	if err != nil {
		return false, err
	}
	return h.IsFrozen(), nil
}

// Resize implements RESIZE. newSizeLB == 0 means "auto" (grow to match
// the underlying data device), which the device handle resolves itself.
func (c *Controller) Resize(minor uint32, newSizeLB uint64) error {
	h, err := c.lookup(minor)
	if err != nil {
		return err
	}
	return h.Resize(newSizeLB)
}

// ClearLog implements CLEAR_LOG.
func (c *Controller) ClearLog(minor uint32) error {
	h, err := c.lookup(minor)
	if err != nil {
		return err
	}
	return h.ClearLog()
}

// Freeze implements FREEZE. timeout == 0 means manual (no auto-melt).
func (c *Controller) Freeze(minor uint32, timeout time.Duration) error {
	h, err := c.lookup(minor)
	if err != nil {
		return err
	}
	return h.Freeze(timeout)
}

// Melt implements MELT.
func (c *Controller) Melt(minor uint32) error {
	h, err := c.lookup(minor)
	if err != nil {
		return err
	}
	return h.Melt()
}

// Status implements WALB_IOCTL_STATUS, declared but never implemented:
// it always fails rather than silently succeeding.
func (c *Controller) Status(minor uint32) error {
	return ErrNotImplemented
}

// SnapshotCommand implements the legacy snapshot ioctls, long
// deprecated: rejected outright, no snapshot logic exists anywhere in
// this module.
func (c *Controller) SnapshotCommand(minor uint32) error {
	return ErrNotImplemented
}
