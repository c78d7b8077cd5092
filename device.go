package walb

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/walb-project/walb/internal/arena"
	"github.com/walb-project/walb/internal/asyncio"
	"github.com/walb-project/walb/internal/checkpoint"
	"github.com/walb-project/walb/internal/constants"
	"github.com/walb-project/walb/internal/ctrl"
	"github.com/walb-project/walb/internal/datapipeline"
	"github.com/walb-project/walb/internal/freeze"
	"github.com/walb-project/walb/internal/interfaces"
	"github.com/walb-project/walb/internal/logging"
	"github.com/walb-project/walb/internal/logpack"
	"github.com/walb-project/walb/internal/logpipeline"
	"github.com/walb-project/walb/internal/lsidset"
	"github.com/walb-project/walb/internal/overlap"
	"github.com/walb-project/walb/internal/packbuilder"
	"github.com/walb-project/walb/internal/pending"
	"github.com/walb-project/walb/internal/redo"
	"github.com/walb-project/walb/internal/ringmap"
	"github.com/walb-project/walb/internal/superblock"
)

// Options configures a Device at Open time.
type Options struct {
	Minor      uint32
	LogDevice  interfaces.Backend
	DataDevice interfaces.Backend

	StartParams ctrl.StartParams // an empty Name resolves to ctrl.DefaultStartParams(superblock name)

	LogFlushIntervalTicks time.Duration // logpipeline.Config.FlushIntervalTicks override; 0 uses StartParams
	SortByOffset          bool          // datapipeline is_sort_data_io
	ZeroDiscard           bool          // datapipeline zero-write fallback for DISCARD

	CheckpointInterval time.Duration // 0 uses constants.DefaultCheckpointInterval

	RingEntries uint32 // asyncio.Config.Entries when the log device exposes a raw fd; 0 uses StartParams.NIOBulk

	// ErrorBeforeOverflow fails new writes as soon as the overflow flag
	// is raised instead of letting the ring wrap over unretired logs.
	ErrorBeforeOverflow bool

	// Notifier, when set, is invoked with (minor, event) on observable
	// state transitions, currently only "read-only".
	Notifier func(minor uint32, event string)

	// Observer receives per-IO measurements. When nil, the device owns
	// a Metrics instance and records into it; see Device.Metrics.
	Observer interfaces.Observer
	Logger   *logging.Logger
}

// fdBackend is satisfied by a log-device backend that can hand back a raw
// file descriptor for real io_uring submission (e.g. backend/file.go's
// O_DIRECT file). Backends without one (e.g. an in-memory device) fall
// back to asyncio.NewSyncRing.
type fdBackend interface {
	Fd() int32
}

// Device is the wrapper block-device surface: the single
// externally visible handle for one log/data device pair, wiring
// together every pipeline stage from write admission through redo.
type Device struct {
	name  string
	minor uint32
	pbs   uint32

	logDev  interfaces.Backend
	dataDev interfaces.Backend

	sbMu   sync.Mutex
	super  *superblock.Super
	layout superblock.Layout

	lsids *lsidset.Set
	ring  ringmap.Mapper

	packMu  sync.Mutex
	builder *packbuilder.Builder

	logRing      asyncio.Ring
	logSubmitter *logpipeline.Submitter

	overlapTracker *overlap.Tracker
	dataPipeline   *datapipeline.Pipeline

	pendingGate  *pending.Gate
	checkpointer *checkpoint.Checkpointer
	freezeGate   *freeze.Gate
	arena        *arena.Arena
	logger       *logging.Logger
	observer     interfaces.Observer
	metrics      *Metrics
	notifier     func(minor uint32, event string)

	startParams ctrl.StartParams
	logCfg      logpipeline.Config

	errorBeforeOverflow bool

	writeCh chan writeRequest
	stopCh  chan struct{}
	stopped chan struct{}

	resultsMu    sync.Mutex
	resultsByTag map[uint64]chan error
	nextTag      atomic.Uint64

	readOnly    atomic.Bool
	readOnlyErr atomic.Value // error
	overflow    atomic.Bool
}

type writeRequest struct {
	req   packbuilder.Request
	bytes int64
}

// Format initializes a fresh superblock image (both copies) on logDev
// for a new log/data device pair. The caller runs Open afterward to
// actually start the device.
func Format(logDev, dataDev interfaces.Backend, pbs uint32, metadataSizePB uint32, name string) (*superblock.Super, error) {
	if pbs == 0 {
		pbs = constants.DefaultPhysicalBlockSize
	}
	logSizePB := uint64(logDev.Size()) / uint64(pbs)
	layout := superblock.ComputeLayout(metadataSizePB, logSizePB)
	if layout.RingBufPBs == 0 {
		return nil, NewError("Format", ErrCodeInvalidParameters, "log device too small for metadata + ring")
	}

	var uuid [constants.UUIDSize]byte
	if _, err := rand.Read(uuid[:]); err != nil {
		return nil, WrapError("Format", err)
	}
	var saltBuf [4]byte
	if _, err := rand.Read(saltBuf[:]); err != nil {
		return nil, WrapError("Format", err)
	}
	salt := uint32(saltBuf[0]) | uint32(saltBuf[1])<<8 | uint32(saltBuf[2])<<16 | uint32(saltBuf[3])<<24

	super := superblock.New(pbs, uuid, salt, name, layout.RingBufPBs, uint64(dataDev.Size())/constants.LogicalBlockSize)
	super.MetadataSize = metadataSizePB

	if err := writeSuperblockCopies(logDev, super, layout, pbs); err != nil {
		return nil, WrapError("Format", err)
	}
	return super, nil
}

func writeSuperblockCopies(logDev interfaces.Backend, super *superblock.Super, layout superblock.Layout, pbs uint32) error {
	buf, err := super.Marshal(pbs)
	if err != nil {
		return err
	}
	if _, err := logDev.WriteAt(buf, int64(layout.Super0)*int64(pbs)); err != nil {
		return err
	}
	if _, err := logDev.WriteAt(buf, int64(layout.Super1)*int64(pbs)); err != nil {
		return err
	}
	return logDev.Flush()
}

// Open mounts an already-formatted log/data device pair: reads the
// superblock, replays the log via redo, and starts the write pipeline
// and checkpointer.
func Open(opts Options) (*Device, error) {
	if opts.LogDevice == nil || opts.DataDevice == nil {
		return nil, NewError("Open", ErrCodeInvalidParameters, "log and data device are required")
	}

	super, pbs, err := readSuperblock(opts.LogDevice)
	if err != nil {
		return nil, WrapError("Open", err)
	}

	logSizePB := uint64(opts.LogDevice.Size()) / uint64(pbs)
	layout := superblock.ComputeLayout(super.MetadataSize, logSizePB)
	ring := ringmap.New(layout.RingBegin, super.RingBufferSize)

	startParams := opts.StartParams
	if startParams.Name == "" {
		startParams = ctrl.DefaultStartParams(super.Name)
	}
	if err := startParams.Validate(); err != nil {
		return nil, WrapError("Open", err)
	}

	logAdapter := newPBLogDevice(opts.LogDevice, pbs)
	redoResult, err := redo.Run(logAdapter, opts.DataDevice, ring, pbs, super.LogChecksumSalt, super.WrittenLsid, super.OldestLsid)
	if err != nil {
		return nil, WrapError("Open", err)
	}

	lsids := &lsidset.Set{}
	snap := lsidset.Snapshot{
		Oldest:      super.OldestLsid,
		PrevWritten: redoResult.WrittenLsid,
		Written:     redoResult.WrittenLsid,
		Permanent:   redoResult.WrittenLsid,
		Completed:   redoResult.WrittenLsid,
		Latest:      redoResult.WrittenLsid,
		Flush:       redoResult.WrittenLsid,
	}
	if err := lsids.Restore(snap); err != nil {
		return nil, WrapError("Open", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.Named(fmt.Sprintf("walb%d", opts.Minor))

	d := &Device{
		name:         super.Name,
		minor:        opts.Minor,
		pbs:          pbs,
		logDev:       opts.LogDevice,
		dataDev:      opts.DataDevice,
		super:        super,
		layout:       layout,
		lsids:        lsids,
		ring:         ring,
		startParams:  startParams,
		logger:       logger,
		observer:     opts.Observer,
		notifier:     opts.Notifier,
		writeCh:      make(chan writeRequest, startParams.NPackBulk*2),
		stopCh:       make(chan struct{}),
		stopped:      make(chan struct{}),
		resultsByTag: make(map[uint64]chan error),
		arena:        arena.New(int(pbs), int(pbs)),
	}
	if redoResult.Overflow {
		d.overflow.Store(true)
	}
	d.errorBeforeOverflow = opts.ErrorBeforeOverflow
	if d.observer == nil {
		d.metrics = NewMetrics()
		d.observer = NewMetricsObserver(d.metrics)
	}

	maxLogpackPB := uint64(startParams.MaxLogpackKB) * 1024 / uint64(pbs)
	if maxLogpackPB == 0 {
		maxLogpackPB = 1
	}
	d.builder = packbuilder.New(pbs, maxLogpackPB, ring, redoResult.WrittenLsid)

	ringEntries := opts.RingEntries
	if ringEntries == 0 {
		ringEntries = startParams.NIOBulk
	}
	var logFD int32
	if fb, ok := opts.LogDevice.(fdBackend); ok {
		realRing, err := asyncio.New(asyncio.Config{Entries: ringEntries})
		if err != nil {
			return nil, WrapError("Open", err)
		}
		d.logRing = realRing
		logFD = fb.Fd()
	} else {
		d.logRing = asyncio.NewSyncRing(opts.LogDevice)
	}

	logCfg := logpipeline.Config{
		FlushIntervalTicks: startParams.LogFlushInterval(),
		FlushIntervalPBs:   uint64(startParams.LogFlushIntervalMB) * 1024 * 1024 / uint64(pbs),
	}
	if opts.LogFlushIntervalTicks > 0 {
		logCfg.FlushIntervalTicks = opts.LogFlushIntervalTicks
	}
	logCfg.HeaderPool = d.arena
	d.logCfg = logCfg
	d.logSubmitter = logpipeline.New(d.logRing, logFD, ring, pbs, super.LogChecksumSalt, logCfg)

	d.overlapTracker = overlap.New()
	d.pendingGate = pending.New(startParams.MaxPendingMB, startParams.MinPendingMB, startParams.QueueStopTimeout())

	dataCfg := datapipeline.Config{SortByOffset: opts.SortByOffset, ZeroDiscard: opts.ZeroDiscard}
	d.dataPipeline = datapipeline.New(opts.DataDevice, d.overlapTracker, lsids, pbs, dataCfg, d.releaseEntry, d.completeEntry)

	checkpointInterval := opts.CheckpointInterval
	if checkpointInterval == 0 {
		checkpointInterval = constants.DefaultCheckpointInterval
	}
	d.checkpointer = checkpoint.New(d, lsids, checkpointInterval)
	d.freezeGate = freeze.New(d)

	go d.runPackLoop()
	if err := d.checkpointer.Start(); err != nil {
		return nil, WrapError("Open", err)
	}

	return d, nil
}

// readSuperblock reads super0, falling back to super1 on checksum
// mismatch.
func readSuperblock(logDev interfaces.Backend) (*superblock.Super, uint32, error) {
	for _, pbs := range []uint32{constants.DefaultPhysicalBlockSize, constants.LogicalBlockSize} {
		buf := make([]byte, pbs)
		if _, err := logDev.ReadAt(buf, 0); err != nil {
			continue
		}
		if super, err := superblock.Unmarshal(buf); err == nil {
			return super, pbs, nil
		}
	}
	// Fall back to the second copy at physical-block offset 1, which is
	// where super1 lands for a zero-sized metadata region.
	buf := make([]byte, constants.DefaultPhysicalBlockSize)
	offs := []int64{int64(constants.DefaultPhysicalBlockSize), int64(constants.LogicalBlockSize)}
	for _, off := range offs {
		if _, err := logDev.ReadAt(buf, off); err != nil {
			continue
		}
		if super, err := superblock.Unmarshal(buf); err == nil {
			return super, uint32(len(buf)), nil
		}
	}
	return nil, 0, fmt.Errorf("walb: no valid superblock found on log device")
}

// Close stops the background pack loop and checkpointer without closing
// the underlying backends (the caller owns those).
func (d *Device) Close() error {
	close(d.stopCh)
	<-d.stopped
	d.dataPipeline.Close()
	if d.metrics != nil {
		d.metrics.StopTime.Store(time.Now().UnixNano())
	}
	return d.checkpointer.Stop()
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Minor returns the device minor number.
func (d *Device) Minor() uint32 { return d.minor }

// Metrics returns the device-owned counters, or nil when a custom
// Observer was supplied at Open time (the measurements go there
// instead).
func (d *Device) Metrics() *Metrics { return d.metrics }

// Write is the write entry point: admission (pending gate, freeze
// gate), pack assembly, log submission, async data submission, and GC,
// returning once the caller's own entry is durable and applied (or has
// failed).
func (d *Device) Write(ctx context.Context, offsetLB, sizeLB uint64, flags packbuilder.WriteFlags, data []byte) error {
	start := time.Now()
	err := d.write(ctx, offsetLB, sizeLB, flags, data)
	if d.observer != nil {
		latency := uint64(time.Since(start).Nanoseconds())
		switch {
		case flags&packbuilder.FlagDiscard != 0:
			d.observer.ObserveDiscard(sizeLB*constants.LogicalBlockSize, latency, err == nil)
		case sizeLB == 0 && flags&packbuilder.FlagFlush != 0:
			d.observer.ObserveFlush(latency, err == nil)
		default:
			d.observer.ObserveWrite(uint64(len(data)), latency, err == nil)
		}
	}
	return err
}

func (d *Device) write(ctx context.Context, offsetLB, sizeLB uint64, flags packbuilder.WriteFlags, data []byte) error {
	if d.readOnly.Load() {
		return d.readOnlyError()
	}
	if d.errorBeforeOverflow && d.overflow.Load() {
		return NewDeviceError("Write", d.minor, ErrCodeOverflow, "log ring overflowed")
	}
	if err := d.freezeGate.WaitMelted(ctx); err != nil {
		return err
	}

	nBytes := int64(len(data))
	if err := d.pendingGate.Acquire(ctx, nBytes); err != nil {
		return err
	}

	tag := d.nextTag.Add(1)
	resultCh := make(chan error, 1)
	d.resultsMu.Lock()
	d.resultsByTag[tag] = resultCh
	d.resultsMu.Unlock()

	req := packbuilder.Request{Offset: offsetLB, Size: sizeLB, Flags: flags, Data: data, Tag: tag}

	select {
	case d.writeCh <- writeRequest{req: req, bytes: nBytes}:
	case <-ctx.Done():
		d.pendingGate.Release(nBytes)
		d.resultsMu.Lock()
		delete(d.resultsByTag, tag)
		d.resultsMu.Unlock()
		return ctx.Err()
	}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read goes directly to the data device; no logging involved.
func (d *Device) Read(p []byte, offsetLB uint64) (int, error) {
	start := time.Now()
	off := int64(offsetLB) * constants.LogicalBlockSize
	n, err := d.dataDev.ReadAt(p, off)
	if d.observer != nil {
		d.observer.ObserveRead(uint64(n), uint64(time.Since(start).Nanoseconds()), err == nil)
	}
	return n, err
}

// runPackLoop is the background pack-building and log-submission worker
// role: it drains writeCh in FIFO order, batching up to NPackBulk
// requests per pass before closing and submitting whatever packs
// result.
func (d *Device) runPackLoop() {
	defer close(d.stopped)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-d.stopCh
		cancel()
	}()
	for {
		select {
		case <-d.stopCh:
			return
		case wr := <-d.writeCh:
			// Requests that were already queued when a freeze landed
			// stay here until melt, so nothing reaches the data device
			// inside the frozen window.
			if err := d.freezeGate.WaitMelted(ctx); err != nil {
				d.pendingGate.Release(wr.bytes)
				d.failResult(wr.req.Tag, err)
				continue
			}
			batch := []writeRequest{wr}
		drain:
			for len(batch) < int(d.startParams.NPackBulk) {
				select {
				case wr2 := <-d.writeCh:
					batch = append(batch, wr2)
				default:
					break drain
				}
			}
			d.processBatch(batch)
		}
	}
}

func (d *Device) processBatch(batch []writeRequest) {
	d.packMu.Lock()
	var closedPacks []*packbuilder.Pack
	for _, wr := range batch {
		closed, err := d.builder.Add(wr.req, false)
		closedPacks = append(closedPacks, closed...)
		if err != nil {
			d.logger.Errorf("packbuilder: rejecting request: %v", err)
			d.pendingGate.Release(wr.bytes)
			d.failResult(wr.req.Tag, WrapError("Write", err))
		}
	}
	if p := d.builder.Flush(); p != nil {
		closedPacks = append(closedPacks, p)
	}
	d.packMu.Unlock()

	for _, pack := range closedPacks {
		d.lsids.AdvancePack(uint64(pack.Header.TotalIOSize))
		if d.lsids.Overflow(d.ring.RingBufferSize) {
			d.overflow.Store(true)
		}
		d.submitPack(pack)
	}
}

// submitPack submits the pack to the log device, then hands it to the
// data pipeline regardless of outcome (a failed log submission fails
// every entry in the pack and marks the device read-only).
func (d *Device) submitPack(pack *packbuilder.Pack) {
	err := d.logSubmitter.Submit(pack)
	if err != nil {
		d.logger.Errorf("log submission failed at lsid %d, device going read-only: %v", pack.Header.LogpackLsid, err)
		d.markReadOnly(WrapError("Submit", err))
	} else {
		// Submit returned with every bio of the pack completed, so the
		// whole pack is handed off and durable on the log device:
		// completed, flush and permanent all advance past it.
		end := pack.Header.LogpackLsid + 1 + uint64(pack.Header.TotalIOSize)
		d.lsids.AdvanceCompleted(end)
		d.lsids.AdvanceFlush(end)
		d.lsids.AdvancePermanent(end)
	}
	if perr := d.dataPipeline.OnPackLogged(pack, err); perr != nil && err == nil {
		d.logger.Errorf("data pipeline rejected pack at lsid %d: %v", pack.Header.LogpackLsid, perr)
	}
}

func (d *Device) failResult(tag uint64, err error) {
	d.resultsMu.Lock()
	ch, ok := d.resultsByTag[tag]
	if ok {
		delete(d.resultsByTag, tag)
	}
	d.resultsMu.Unlock()
	if ok {
		ch <- err
	}
}

// releaseEntry returns a completed entry's pending-byte reservation at
// GC time.
func (d *Device) releaseEntry(e *datapipeline.Entry) {
	d.pendingGate.Release(int64(len(e.Req.Data)))
}

// completeEntry signals whichever Write call is blocked on e.
func (d *Device) completeEntry(e *datapipeline.Entry, err error) {
	d.failResult(e.Req.Tag, err)
}

// OldestLsid implements ctrl.DeviceHandle.
func (d *Device) OldestLsid() uint64 { return d.lsids.Oldest() }

// WrittenLsid implements ctrl.DeviceHandle.
func (d *Device) WrittenLsid() uint64 { return d.lsids.Written() }

// PermanentLsid implements ctrl.DeviceHandle.
func (d *Device) PermanentLsid() uint64 { return d.lsids.Snapshot().Permanent }

// CompletedLsid implements ctrl.DeviceHandle.
func (d *Device) CompletedLsid() uint64 { return d.lsids.Snapshot().Completed }

// LogUsage implements ctrl.DeviceHandle.
func (d *Device) LogUsage() uint64 { return d.lsids.LogUsage() }

// LogCapacity implements ctrl.DeviceHandle.
func (d *Device) LogCapacity() uint64 { return d.ring.RingBufferSize }

// IsFlushCapable implements ctrl.DeviceHandle: the wrapper advertises
// FLUSH only when both the log and data device do, which every
// interfaces.Backend implementation does via Flush.
func (d *Device) IsFlushCapable() bool { return d.logDev != nil && d.dataDev != nil }

// IsLogOverflow implements ctrl.DeviceHandle.
func (d *Device) IsLogOverflow() bool { return d.overflow.Load() }

// IsFrozen implements ctrl.DeviceHandle.
func (d *Device) IsFrozen() bool { return d.freezeGate.IsFrozen() }

// SetOldestLsid implements ctrl.DeviceHandle / SET_OLDEST_LSID. The
// lsid must not exceed prev_written and, unless it equals prev_written,
// must be the lsid of a valid logpack header in the ring.
func (d *Device) SetOldestLsid(lsid uint64) error {
	snap := d.lsids.Snapshot()
	if lsid > snap.PrevWritten {
		return NewDeviceError("SetOldestLsid", d.minor, ErrCodeInvalidParameters, "lsid exceeds prev_written")
	}
	if lsid != snap.PrevWritten {
		buf := make([]byte, d.pbs)
		off, err := d.ring.OffsetPB(lsid)
		if err == nil {
			_, err = d.logDev.ReadAt(buf, int64(off)*int64(d.pbs))
		}
		if err == nil {
			_, err = logpack.Unmarshal(buf, lsid, d.super.LogChecksumSalt)
		}
		if err != nil {
			return NewDeviceError("SetOldestLsid", d.minor, ErrCodeInvalidParameters, "lsid is not a valid logpack boundary")
		}
	}
	d.lsids.RetireOldLogs(lsid)
	return nil
}

// CheckpointInterval implements ctrl.DeviceHandle.
func (d *Device) CheckpointInterval() time.Duration { return d.checkpointer.Interval() }

// SetCheckpointInterval implements ctrl.DeviceHandle.
func (d *Device) SetCheckpointInterval(dur time.Duration) error {
	d.checkpointer.SetInterval(dur)
	return nil
}

// TakeCheckpoint implements ctrl.DeviceHandle / TAKE_CHECKPOINT.
func (d *Device) TakeCheckpoint() error {
	if err := d.checkpointer.TakeCheckpoint(); err != nil {
		return WrapError("TakeCheckpoint", err)
	}
	return nil
}

// Resize implements ctrl.DeviceHandle / RESIZE: growth only, bounded by
// the underlying data device's own size.
func (d *Device) Resize(newSizeLB uint64) error {
	d.sbMu.Lock()
	defer d.sbMu.Unlock()

	newSize := newSizeLB
	dataCap := uint64(d.dataDev.Size()) / constants.LogicalBlockSize
	if newSize == 0 {
		newSize = dataCap
	}
	if newSize < d.super.DeviceSize {
		return NewDeviceError("Resize", d.minor, ErrCodeInvalidParameters, "resize only grows the device")
	}
	if newSize > dataCap {
		return NewDeviceError("Resize", d.minor, ErrCodeInvalidParameters, "resize exceeds the data device's own capacity")
	}
	d.super.DeviceSize = newSize
	return d.syncSuperblockLocked()
}

// ClearLog implements ctrl.DeviceHandle / CLEAR_LOG: freeze, reset
// lsids, regenerate uuid/salt, sync superblock, melt.
func (d *Device) ClearLog() error {
	if err := d.freezeGate.Freeze(0); err != nil {
		return WrapError("ClearLog", err)
	}
	defer d.freezeGate.Melt()

	d.lsids.Clear()

	d.sbMu.Lock()
	logSizePB := uint64(d.logDev.Size()) / uint64(d.pbs)
	d.layout = superblock.ComputeLayout(d.super.MetadataSize, logSizePB)
	d.super.RingBufferSize = d.layout.RingBufPBs
	d.ring = ringmap.New(d.layout.RingBegin, d.super.RingBufferSize)

	var uuid [constants.UUIDSize]byte
	if _, err := rand.Read(uuid[:]); err != nil {
		d.sbMu.Unlock()
		return WrapError("ClearLog", err)
	}
	var saltBuf [4]byte
	if _, err := rand.Read(saltBuf[:]); err != nil {
		d.sbMu.Unlock()
		return WrapError("ClearLog", err)
	}
	d.super.UUID = uuid
	d.super.LogChecksumSalt = uint32(saltBuf[0]) | uint32(saltBuf[1])<<8 | uint32(saltBuf[2])<<16 | uint32(saltBuf[3])<<24
	d.super.OldestLsid = 0
	d.super.WrittenLsid = 0
	err := d.syncSuperblockLocked()
	d.sbMu.Unlock()
	if err != nil {
		return err
	}

	// Invalidate the pb at the ring offset for lsid 0: a zeroed header
	// fails Unmarshal's checksum check, which is exactly what a reader
	// scanning from lsid 0 after a clear needs to see.
	off, mapErr := d.ring.OffsetPB(0)
	if mapErr == nil {
		zero := d.arena.Get()
		for i := range zero {
			zero[i] = 0
		}
		_, _ = d.logDev.WriteAt(zero, int64(off)*int64(d.pbs))
		_ = d.logDev.Flush()
		d.arena.Put(zero)
	}

	d.overflow.Store(false)
	d.packMu.Lock()
	d.builder = packbuilder.New(d.pbs, uint64(d.startParams.MaxLogpackKB)*1024/uint64(d.pbs), d.ring, 0)
	d.logSubmitter = logpipeline.New(d.logRing, d.logSubmitter.FD(), d.ring, d.pbs, d.super.LogChecksumSalt, d.logCfg)
	d.packMu.Unlock()
	return nil
}

// Freeze implements ctrl.DeviceHandle / FREEZE.
func (d *Device) Freeze(timeout time.Duration) error {
	if err := d.freezeGate.Freeze(timeout); err != nil {
		return WrapError("Freeze", err)
	}
	return nil
}

// Melt implements ctrl.DeviceHandle / MELT.
func (d *Device) Melt() error {
	if err := d.freezeGate.Melt(); err != nil {
		return WrapError("Melt", err)
	}
	return nil
}

// StopIO implements freeze.Target. Admission itself is enforced by the
// freeze gate, which both Write and the pack loop park on.
func (d *Device) StopIO() { d.logger.Info("write IO suspended") }

// ResumeIO implements freeze.Target.
func (d *Device) ResumeIO() { d.logger.Info("write IO resumed") }

// StopCheckpointer implements freeze.Target.
func (d *Device) StopCheckpointer() error { return d.checkpointer.Stop() }

// StartCheckpointer implements freeze.Target.
func (d *Device) StartCheckpointer() error { return d.checkpointer.Start() }

// FlushDataDevice implements checkpoint.Target.
func (d *Device) FlushDataDevice() error { return d.dataDev.Flush() }

// SyncSuperblock implements checkpoint.Target.
func (d *Device) SyncSuperblock(written uint64) error {
	d.sbMu.Lock()
	defer d.sbMu.Unlock()
	d.super.WrittenLsid = written
	d.super.OldestLsid = d.lsids.Oldest()
	return d.syncSuperblockLocked()
}

// syncSuperblockLocked writes both superblock copies. Caller holds sbMu.
func (d *Device) syncSuperblockLocked() error {
	return writeSuperblockCopies(d.logDev, d.super, d.layout, d.pbs)
}

// MarkReadOnly implements checkpoint.Target.
func (d *Device) MarkReadOnly(err error) { d.markReadOnly(WrapError("MarkReadOnly", err)) }

func (d *Device) markReadOnly(err error) {
	if d.readOnly.Swap(true) {
		return
	}
	d.readOnlyErr.Store(err)
	if d.notifier != nil {
		d.notifier(d.minor, "read-only")
	}
}

func (d *Device) readOnlyError() error {
	if v := d.readOnlyErr.Load(); v != nil {
		if e, ok := v.(error); ok {
			return e
		}
	}
	return NewDeviceError("Write", d.minor, ErrCodeReadOnly, "device is read-only")
}

// pbLogDevice adapts a plain interfaces.Backend to redo.LogDevice's
// physical-block-addressed interface.
type pbLogDevice struct {
	backend interfaces.Backend
	pbs     uint32
}

func newPBLogDevice(backend interfaces.Backend, pbs uint32) *pbLogDevice {
	return &pbLogDevice{backend: backend, pbs: pbs}
}

func (l *pbLogDevice) ReadPB(offsetPB uint64, pbs uint32) ([]byte, error) {
	buf := make([]byte, pbs)
	if _, err := l.backend.ReadAt(buf, int64(offsetPB)*int64(pbs)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (l *pbLogDevice) WritePB(offsetPB uint64, data []byte) error {
	_, err := l.backend.WriteAt(data, int64(offsetPB)*int64(l.pbs))
	return err
}

func (l *pbLogDevice) Sync() error { return l.backend.Flush() }

var (
	_ ctrl.DeviceHandle = (*Device)(nil)
	_ checkpoint.Target = (*Device)(nil)
	_ freeze.Target     = (*Device)(nil)
)
