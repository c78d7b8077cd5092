// Package arena provides the pb-sized, sector-aligned block allocator
// used throughout the IO pipeline: a sync.Pool of one fixed size handing out
// buffers aligned for O_DIRECT submission.
package arena

import "sync"

// Arena hands out pbs-sized, alignment-padded buffers suitable for
// O_DIRECT IO against the log and data devices, and pools them back.
type Arena struct {
	pbs   int
	align int
	pool  sync.Pool
}

// New returns an Arena that allocates buffers of exactly pbs bytes,
// over-allocated and sliced so the returned buffer starts at an address
// aligned to align bytes (align is typically the device's required
// O_DIRECT alignment, often equal to pbs).
func New(pbs, align int) *Arena {
	if align <= 0 {
		align = pbs
	}
	a := &Arena{pbs: pbs, align: align}
	a.pool.New = func() any {
		buf := allocAligned(pbs, align)
		return &buf
	}
	return a
}

// Get returns a pbs-sized aligned buffer. Callers must call Put when done.
func (a *Arena) Get() []byte {
	bp := a.pool.Get().(*[]byte)
	return *bp
}

// Put returns a buffer obtained from Get back to the pool. Buffers not
// allocated by this arena (wrong length) are dropped rather than pooled.
func (a *Arena) Put(buf []byte) {
	if len(buf) != a.pbs {
		return
	}
	a.pool.Put(&buf)
}

// PBS returns the block size this arena allocates.
func (a *Arena) PBS() int { return a.pbs }

// allocAligned allocates size bytes whose start address is a multiple
// of align, by over-allocating and slicing, the usual pure-Go approach
// to O_DIRECT alignment without cgo.
func allocAligned(size, align int) []byte {
	if align <= 1 {
		return make([]byte, size)
	}
	raw := make([]byte, size+align)
	addr := addressOf(raw)
	offset := 0
	if rem := addr % uintptr(align); rem != 0 {
		offset = align - int(rem)
	}
	return raw[offset : offset+size : offset+size]
}
