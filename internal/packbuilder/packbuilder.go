// Package packbuilder groups incoming writes in FIFO order into logpack
// headers, inserting ring-end padding and assigning lsids as it goes.
package packbuilder

import (
	"github.com/walb-project/walb/internal/constants"
	"github.com/walb-project/walb/internal/logpack"
	"github.com/walb-project/walb/internal/ringmap"
)

// WriteFlags mirror the bio flags a pack builder reasons about.
type WriteFlags uint8

const (
	FlagFlush WriteFlags = 1 << iota
	FlagFUA
	FlagDiscard
)

// Request is one incoming write in FIFO submission order.
type Request struct {
	Offset uint64 // logical blocks
	Size   uint64 // logical blocks, 0 for a flush-only request
	Flags  WriteFlags
	Data   []byte

	// Tag is an opaque caller-supplied correlation id, untouched by the
	// builder, used to match a completed datapipeline.Entry back to the
	// original caller.
	Tag uint64
}

func (r Request) isFlushOnly() bool { return r.Size == 0 && r.Flags&FlagFlush != 0 }

// IsDiscard reports whether the request is a DISCARD.
func (r Request) IsDiscard() bool { return r.Flags&FlagDiscard != 0 }

// Pack is one closed, submission-ready write-pack.
type Pack struct {
	Header   *logpack.Header
	Requests []Request // parallel to Header.Records, excluding any PADDING
	IsFUA    bool
}

// Builder accumulates requests into packs. It is not safe for
// concurrent use; callers serialize Add/Flush under the per-device pack
// lock.
type Builder struct {
	pbs          uint32
	maxLogpackPB uint64
	ring         ringmap.Mapper

	cur       *logpack.Header
	curReqs   []Request
	curFUA    bool
	curSize   uint64 // physical blocks consumed by cur, including padding
	curRoomPB uint64 // physical blocks from the header's own position to the ring end
	latest    uint64
}

// New returns a Builder that opens its first pack at startLsid.
// maxLogpackPB is capped at what the header's u16 total_io_size can
// describe.
func New(pbs uint32, maxLogpackPB uint64, ring ringmap.Mapper, startLsid uint64) *Builder {
	if maxLogpackPB > constants.MaxTotalIOSizeInLogpack {
		maxLogpackPB = constants.MaxTotalIOSizeInLogpack
	}
	b := &Builder{pbs: pbs, maxLogpackPB: maxLogpackPB, ring: ring, latest: startLsid}
	b.openPack()
	return b
}

func (b *Builder) openPack() {
	b.cur = logpack.NewHeader(b.latest)
	b.curReqs = nil
	b.curFUA = false
	b.curSize = 0
	if room, err := b.ring.RemainingInRing(b.latest); err == nil {
		b.curRoomPB = room
	}
}

// Latest returns the lsid the next pack (or the in-progress one) will
// start at.
func (b *Builder) Latest() uint64 { return b.latest }

func (b *Builder) overlapsCurrent(req Request) bool {
	end := req.Offset + req.Size
	for _, p := range b.curReqs {
		pend := p.Offset + p.Size
		if req.Offset < pend && p.Offset < end {
			return true
		}
	}
	return false
}

// Add stages one request, appending to closed every pack that had to be
// closed (in order) to make room for it. A flush-only request always
// yields exactly one closed pack of its own (possibly preceded by the
// pending pack's own close).
func (b *Builder) Add(req Request, forceFUA bool) (closed []*Pack, err error) {
	if req.isFlushOnly() {
		if p := b.closeIfNonEmpty(); p != nil {
			closed = append(closed, p)
		}
		closed = append(closed, b.finishPack([]Request{req}))
		return closed, nil
	}

	dataPB := uint64(logpack.CapacityPB(b.pbs, uint32(req.Size)))
	if !req.IsDiscard() && (b.curSize+dataPB > b.maxLogpackPB || len(b.cur.Records) >= logpack.MaxRecords(b.pbs)) {
		if p := b.closeIfNonEmpty(); p != nil {
			closed = append(closed, p)
		}
	}
	if b.overlapsCurrent(req) {
		closed = append(closed, b.closeCurrent())
	}
	if b.padAndCloseIfStraddling(req, dataPB) {
		closed = append(closed, b.closeCurrent())
	}

	rec := logpack.Record{
		Flags:     logpack.FlagExist,
		Offset:    req.Offset,
		IOSize:    uint32(req.Size),
		Lsid:      b.latest + 1 + b.curSize,
		LsidLocal: uint16(1 + b.curSize),
	}
	if req.IsDiscard() {
		rec.Flags |= logpack.FlagDiscard
	}
	if err := b.cur.AddRecord(rec, b.pbs); err != nil {
		if p := b.closeIfNonEmpty(); p != nil {
			closed = append(closed, p)
		}
		rec.Lsid = b.latest + 1 + b.curSize
		rec.LsidLocal = uint16(1 + b.curSize)
		if err := b.cur.AddRecord(rec, b.pbs); err != nil {
			return closed, err
		}
	}
	b.curReqs = append(b.curReqs, req)
	b.curSize += dataPB

	if req.Flags&FlagFUA != 0 || forceFUA {
		b.curFUA = true
	}
	return closed, nil
}

// padAndCloseIfStraddling reports whether placing dataPB more blocks in
// the in-progress pack would straddle the ring end. If so, it fills the remaining
// room with a single PADDING record (when any room remains) and signals
// the caller to close this pack now: a logpack's span stops exactly at
// the ring end, so req must be placed fresh into the next pack, which
// starts aligned at ring_begin.
func (b *Builder) padAndCloseIfStraddling(req Request, dataPB uint64) (mustClose bool) {
	if req.IsDiscard() || dataPB == 0 {
		return false
	}
	if 1+b.curSize+dataPB <= b.curRoomPB || b.cur.NPadding() > 0 {
		return false
	}
	gapPB := b.curRoomPB - (1 + b.curSize)
	if gapPB == 0 {
		return true
	}
	pad := logpack.Record{
		Flags:     logpack.FlagPadding,
		IOSize:    uint32(gapPB * uint64(b.pbs) / 512),
		Lsid:      b.latest + 1 + b.curSize,
		LsidLocal: uint16(1 + b.curSize),
	}
	if err := b.cur.AddRecord(pad, b.pbs); err != nil {
		return true
	}
	b.curSize += gapPB
	return true
}

func (b *Builder) closeIfNonEmpty() *Pack {
	if len(b.cur.Records) == 0 {
		return nil
	}
	return b.closeCurrent()
}

func (b *Builder) closeCurrent() *Pack {
	return b.finishPack(b.curReqs)
}

// finishPack closes b.cur as a Pack, advances latest, and opens a fresh
// empty pack.
func (b *Builder) finishPack(reqs []Request) *Pack {
	p := &Pack{Header: b.cur, Requests: reqs, IsFUA: b.curFUA}
	b.latest += 1 + b.curSize
	b.openPack()
	return p
}

// Flush closes any in-progress pack, returning nil if nothing is
// staged.
func (b *Builder) Flush() *Pack {
	return b.closeIfNonEmpty()
}
