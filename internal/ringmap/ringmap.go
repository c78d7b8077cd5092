// Package ringmap maps lsids to physical-block offsets inside the log
// device's ring buffer.
package ringmap

import (
	"fmt"

	"github.com/walb-project/walb/internal/constants"
)

// Mapper maps lsids onto physical-block offsets within a log device's
// ring buffer.
type Mapper struct {
	RingBegin      uint64
	RingBufferSize uint64
}

// New returns a Mapper for the given ring geometry.
func New(ringBegin, ringBufferSize uint64) Mapper {
	return Mapper{RingBegin: ringBegin, RingBufferSize: ringBufferSize}
}

// OffsetPB returns ring_begin + (lsid mod ring_buffer_size). lsid must
// never be constants.InvalidLsid.
func (m Mapper) OffsetPB(lsid uint64) (uint64, error) {
	if lsid == constants.InvalidLsid {
		return 0, fmt.Errorf("ringmap: refusing to map InvalidLsid")
	}
	if m.RingBufferSize == 0 {
		return 0, fmt.Errorf("ringmap: ring buffer size is zero")
	}
	return m.RingBegin + (lsid % m.RingBufferSize), nil
}

// RemainingInRing returns how many contiguous physical blocks are
// available starting at lsid before the ring wraps back to RingBegin.
func (m Mapper) RemainingInRing(lsid uint64) (uint64, error) {
	off, err := m.OffsetPB(lsid)
	if err != nil {
		return 0, err
	}
	ringEnd := m.RingBegin + m.RingBufferSize
	return ringEnd - off, nil
}

// FitsWithoutWrap reports whether a run of nPBs blocks starting at lsid
// stays within the ring without straddling its end.
func (m Mapper) FitsWithoutWrap(lsid uint64, nPBs uint64) (bool, error) {
	remaining, err := m.RemainingInRing(lsid)
	if err != nil {
		return false, err
	}
	return nPBs <= remaining, nil
}
