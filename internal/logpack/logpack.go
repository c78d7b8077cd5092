// Package logpack implements the logpack header/record wire format and
// its salted checksums: the self-describing unit every log-device write
// is framed in.
package logpack

import (
	"encoding/binary"
	"fmt"

	"github.com/walb-project/walb/internal/checksum"
	"github.com/walb-project/walb/internal/constants"
)

// Record flag bits, re-exported for callers that build records directly.
const (
	FlagExist   = constants.LogRecordExist
	FlagPadding = constants.LogRecordPadding
	FlagDiscard = constants.LogRecordDiscard
)

// Record is one logpack record.
type Record struct {
	Flags     uint32
	Checksum  uint32
	Offset    uint64 // target offset on data device, logical blocks
	IOSize    uint32 // io size, logical blocks
	Lsid      uint64 // absolute lsid of first data block
	LsidLocal uint16 // lsid - logpack_lsid
}

const recordWireSize = 4 + 4 + 8 + 4 + 8 + 2 + 2 // +2 padding to align to 32 bytes

// IsExist reports the EXIST bit.
func (r Record) IsExist() bool { return r.Flags&FlagExist != 0 }

// IsPadding reports the PADDING bit.
func (r Record) IsPadding() bool { return r.Flags&FlagPadding != 0 }

// IsDiscard reports the DISCARD bit.
func (r Record) IsDiscard() bool { return r.Flags&FlagDiscard != 0 }

// DataPBs returns how many physical blocks this record contributes to
// total_io_size: 0 for DISCARD, which carries no data blocks, otherwise
// capacity_pb(pbs, io_size), including PADDING, whose io_size field
// holds the gap it covers.
func (r Record) DataPBs(pbs uint32) uint32 {
	if r.IsDiscard() {
		return 0
	}
	return CapacityPB(pbs, r.IOSize)
}

// CapacityPB computes capacity_pb(pbs, lb) = ceil(lb*512 / pbs).
func CapacityPB(pbs uint32, ioSizeLB uint32) uint32 {
	bytes := uint64(ioSizeLB) * constants.LogicalBlockSize
	pb := (bytes + uint64(pbs) - 1) / uint64(pbs)
	return uint32(pb)
}

const headerFixedSize = 4 + 2 + 2 + 8 + 2 + 2 // checksum, sector_type, total_io_size, logpack_lsid, n_records, n_padding

// Header is a logpack header.
type Header struct {
	SectorType  uint16
	TotalIOSize uint16
	LogpackLsid uint64
	Records     []Record
}

// MaxRecords returns how many records fit in a pbs-sized header.
func MaxRecords(pbs uint32) int {
	n := (int(pbs) - headerFixedSize) / recordWireSize
	if n < 1 {
		n = 1
	}
	return n
}

// NewHeader returns an empty header for the pack starting at lsid.
func NewHeader(lsid uint64) *Header {
	return &Header{SectorType: constants.SectorTypeLogpack, LogpackLsid: lsid}
}

// NPadding returns 0 or 1; a logpack carries at most one padding
// record.
func (h *Header) NPadding() uint16 {
	for _, r := range h.Records {
		if r.IsPadding() {
			return 1
		}
	}
	return 0
}

// AddRecord appends a record and updates TotalIOSize (discard
// contributes zero).
func (h *Header) AddRecord(r Record, pbs uint32) error {
	if len(h.Records) >= MaxRecords(pbs) {
		return fmt.Errorf("logpack: header is full (max %d records)", MaxRecords(pbs))
	}
	if r.IsPadding() && h.NPadding() > 0 {
		return fmt.Errorf("logpack: at most one padding record per logpack")
	}
	h.Records = append(h.Records, r)
	h.TotalIOSize += uint16(r.DataPBs(pbs))
	return nil
}

// Marshal encodes the header into a pbs-sized sector with a valid,
// salted checksum.
func (h *Header) Marshal(pbs uint32, salt uint32) ([]byte, error) {
	buf := make([]byte, pbs)
	if err := h.MarshalInto(buf, salt); err != nil {
		return nil, err
	}
	return buf, nil
}

// MarshalInto encodes the header into buf, which must be exactly one
// physical block (its length is taken as pbs). Lets callers reuse pooled
// sector buffers instead of allocating per pack.
func (h *Header) MarshalInto(buf []byte, salt uint32) error {
	pbs := uint32(len(buf))
	if len(h.Records) > MaxRecords(pbs) {
		return fmt.Errorf("logpack: too many records (%d > max %d)", len(h.Records), MaxRecords(pbs))
	}
	for i := range buf {
		buf[i] = 0
	}
	off := 0
	putU16 := func(v uint16) { binary.LittleEndian.PutUint16(buf[off:], v); off += 2 }
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(buf[off:], v); off += 4 }
	putU64 := func(v uint64) { binary.LittleEndian.PutUint64(buf[off:], v); off += 8 }

	putU32(0) // checksum placeholder
	putU16(h.SectorType)
	putU16(h.TotalIOSize)
	putU64(h.LogpackLsid)
	putU16(uint16(len(h.Records)))
	putU16(h.NPadding())

	for _, r := range h.Records {
		if off+recordWireSize > int(pbs) {
			return fmt.Errorf("logpack: records overflow the header sector")
		}
		putU32(r.Flags)
		putU32(r.Checksum)
		putU64(r.Offset)
		putU32(r.IOSize)
		putU64(r.Lsid)
		putU16(r.LsidLocal)
		putU16(0) // reserved/padding to keep each record 4-byte aligned
	}

	csum := checksum.Of(buf, 0, salt)
	binary.LittleEndian.PutUint32(buf[0:], csum)
	return nil
}

// Unmarshal decodes and validates a logpack header against the expected
// lsid.
func Unmarshal(buf []byte, expectedLsid uint64, salt uint32) (*Header, error) {
	if len(buf) < headerFixedSize {
		return nil, fmt.Errorf("logpack: sector too small for a header (%d)", len(buf))
	}
	if !checksum.Valid(buf, salt) {
		return nil, fmt.Errorf("logpack: header checksum mismatch")
	}

	off := 4
	readU16 := func() uint16 { v := binary.LittleEndian.Uint16(buf[off:]); off += 2; return v }
	readU32 := func() uint32 { v := binary.LittleEndian.Uint32(buf[off:]); off += 4; return v }
	readU64 := func() uint64 { v := binary.LittleEndian.Uint64(buf[off:]); off += 8; return v }

	h := &Header{}
	h.SectorType = readU16()
	h.TotalIOSize = readU16()
	h.LogpackLsid = readU64()
	nRecords := readU16()
	_ = readU16() // n_padding; recomputed from records on read

	if h.SectorType != constants.SectorTypeLogpack {
		return nil, fmt.Errorf("logpack: unexpected sector_type %d", h.SectorType)
	}
	if h.LogpackLsid != expectedLsid {
		return nil, fmt.Errorf("logpack: logpack_lsid %d != expected %d", h.LogpackLsid, expectedLsid)
	}

	maxRecords := MaxRecords(uint32(len(buf)))
	if int(nRecords) > maxRecords {
		return nil, fmt.Errorf("logpack: n_records %d exceeds max %d", nRecords, maxRecords)
	}

	h.Records = make([]Record, 0, nRecords)
	for i := uint16(0); i < nRecords; i++ {
		if off+recordWireSize > len(buf) {
			return nil, fmt.Errorf("logpack: record %d overruns the header sector", i)
		}
		var r Record
		r.Flags = readU32()
		r.Checksum = readU32()
		r.Offset = readU64()
		r.IOSize = readU32()
		r.Lsid = readU64()
		r.LsidLocal = readU16()
		off += 2 // reserved
		h.Records = append(h.Records, r)
	}
	return h, nil
}

// RecordChecksum computes the salted checksum of a record's data
// blocks.
func RecordChecksum(dataBlocks []byte, salt uint32) uint32 {
	return checksum.Finish(checksum.Partial(salt, dataBlocks))
}

// Shrink drops record idx and everything after it, recomputing
// n_records/n_padding/total_io_size.
func (h *Header) Shrink(idx int, pbs uint32) {
	h.Records = h.Records[:idx]
	h.TotalIOSize = 0
	for _, r := range h.Records {
		h.TotalIOSize += uint16(r.DataPBs(pbs))
	}
}
