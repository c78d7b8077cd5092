// Package backend provides storage backends a Device can be Opened or
// Formatted against: the sector-granular in-memory backend here, plus
// the O_DIRECT file-backed one in file.go.
package backend

import (
	"fmt"
	"sync"

	"github.com/walb-project/walb/internal/constants"
	"github.com/walb-project/walb/internal/interfaces"
)

// ShardSize is the span each shard lock covers (64KB). Log-device IO is
// serialized by its submitter anyway, but data-device writes for
// non-overlapping entries dispatch concurrently; 64KB keeps those on
// distinct locks for 4K-64K IO while a 256MB device still needs only
// 4096 shards.
const ShardSize = 64 * 1024

// zeroChunk backs Discard's range fill so discarding never allocates.
var zeroChunk [ShardSize]byte

// Memory is a RAM-backed device for tests and the demo. Every access
// must be sector-granular: the wrapper moves whole logical blocks (and,
// on the log device, whole physical blocks), so an unaligned offset or
// length is a caller bug and is rejected rather than silently served,
// the same contract a real block device enforces. Out-of-range access
// is an error, never a short read or write.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemory returns a Memory of size bytes, rounded down to a whole
// number of logical blocks.
func NewMemory(size int64) *Memory {
	size -= size % constants.LogicalBlockSize
	numShards := (size + ShardSize - 1) / ShardSize
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

// checkRange validates sector alignment and device bounds for an access
// of length bytes at off.
func (m *Memory) checkRange(op string, off, length int64) error {
	if off%constants.LogicalBlockSize != 0 || length%constants.LogicalBlockSize != 0 {
		return fmt.Errorf("backend: %s not sector-aligned (off=%d len=%d)", op, off, length)
	}
	if off < 0 || off+length > m.size {
		return fmt.Errorf("backend: %s out of range (off=%d len=%d size=%d)", op, off, length, m.size)
	}
	if m.data == nil {
		return fmt.Errorf("backend: %s on closed device", op)
	}
	return nil
}

// shardSpan returns the shard index range covering [off, off+length).
func (m *Memory) shardSpan(off, length int64) (lo, hi int) {
	lo = int(off / ShardSize)
	hi = int((off + length - 1) / ShardSize)
	if hi >= len(m.shards) {
		hi = len(m.shards) - 1
	}
	return lo, hi
}

// ReadAt implements interfaces.Backend.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if err := m.checkRange("read", off, int64(len(p))); err != nil {
		return 0, err
	}
	lo, hi := m.shardSpan(off, int64(len(p)))
	for i := lo; i <= hi; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := lo; i <= hi; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

// WriteAt implements interfaces.Backend.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if err := m.checkRange("write", off, int64(len(p))); err != nil {
		return 0, err
	}
	lo, hi := m.shardSpan(off, int64(len(p)))
	for i := lo; i <= hi; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := lo; i <= hi; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

// Size implements interfaces.Backend.
func (m *Memory) Size() int64 { return m.size }

// Close implements interfaces.Backend. Later accesses fail.
func (m *Memory) Close() error {
	m.data = nil
	return nil
}

// Flush implements interfaces.Backend. RAM is always durable enough.
func (m *Memory) Flush() error { return nil }

// Discard implements interfaces.DiscardBackend by zero-filling the
// range, one chunk at a time, matching the read-zeroes-after-discard
// behavior redo and the data pipeline assume.
func (m *Memory) Discard(offset, length int64) error {
	if err := m.checkRange("discard", offset, length); err != nil {
		return err
	}
	lo, hi := m.shardSpan(offset, length)
	for i := lo; i <= hi; i++ {
		m.shards[i].Lock()
	}
	for at := offset; at < offset+length; {
		n := copy(m.data[at:offset+length], zeroChunk[:])
		at += int64(n)
	}
	for i := lo; i <= hi; i++ {
		m.shards[i].Unlock()
	}
	return nil
}

var (
	_ interfaces.Backend        = (*Memory)(nil)
	_ interfaces.DiscardBackend = (*Memory)(nil)
)
