// Package wlog implements the wlog archive file format: a 4096-byte
// header followed by the concatenation of logpacks from begin_lsid to
// end_lsid, the on-disk shape log-archiving tools consume.
package wlog

import (
	"bufio"
	"fmt"
	"io"

	"github.com/walb-project/walb/internal/checksum"
	"github.com/walb-project/walb/internal/constants"
	"github.com/walb-project/walb/internal/logpack"
)

// HeaderSize is the fixed wlog file header size.
const HeaderSize = 4096

// Header is the wlog file's 4096-byte header.
type Header struct {
	SectorType uint16
	Version    uint16
	LogicalBS  uint32
	PhysicalBS uint32
	UUID       [constants.UUIDSize]byte
	BeginLsid  uint64
	EndLsid    uint64
}

// New returns a Header describing the half-open lsid range
// [beginLsid, endLsid).
func New(pbs uint32, uuid [constants.UUIDSize]byte, beginLsid, endLsid uint64) *Header {
	return &Header{
		SectorType: constants.SectorTypeWlogHeader,
		Version:    constants.WalbVersion,
		LogicalBS:  constants.LogicalBlockSize,
		PhysicalBS: pbs,
		UUID:       uuid,
		BeginLsid:  beginLsid,
		EndLsid:    endLsid,
	}
}

// Marshal encodes the header into a fixed HeaderSize buffer, with a
// salt=0 checksum covering the whole buffer.
func (h *Header) Marshal() ([]byte, error) {
	if h.BeginLsid >= h.EndLsid {
		return nil, fmt.Errorf("wlog: begin_lsid %d must be < end_lsid %d", h.BeginLsid, h.EndLsid)
	}
	buf := make([]byte, HeaderSize)
	off := 4 // checksum placeholder at 0
	putU32 := func(v uint32) { le32(buf[off:], v); off += 4 }
	putU16 := func(v uint16) { le16(buf[off:], v); off += 2 }
	putU64 := func(v uint64) { le64(buf[off:], v); off += 8 }

	putU32(HeaderSize)
	putU16(h.SectorType)
	putU16(h.Version)
	putU32(h.LogicalBS)
	putU32(h.PhysicalBS)
	copy(buf[off:off+constants.UUIDSize], h.UUID[:])
	off += constants.UUIDSize
	putU64(h.BeginLsid)
	putU64(h.EndLsid)

	csum := checksum.Of(buf, 0, 0)
	le32(buf[0:], csum)
	return buf, nil
}

// Unmarshal decodes and validates a wlog header: matching
// sector_type/version, begin_lsid < end_lsid, checksum finishes to 0.
func Unmarshal(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("wlog: header buffer too small (%d < %d)", len(buf), HeaderSize)
	}
	if !checksum.Valid(buf[:HeaderSize], 0) {
		return nil, fmt.Errorf("wlog: header checksum mismatch")
	}

	off := 4
	headerSize := le32get(buf, &off)
	if headerSize != HeaderSize {
		return nil, fmt.Errorf("wlog: unexpected header_size %d", headerSize)
	}
	h := &Header{}
	h.SectorType = le16get(buf, &off)
	h.Version = le16get(buf, &off)
	h.LogicalBS = le32get(buf, &off)
	h.PhysicalBS = le32get(buf, &off)
	copy(h.UUID[:], buf[off:off+constants.UUIDSize])
	off += constants.UUIDSize
	h.BeginLsid = le64get(buf, &off)
	h.EndLsid = le64get(buf, &off)

	if h.SectorType != constants.SectorTypeWlogHeader {
		return nil, fmt.Errorf("wlog: unexpected sector_type %d", h.SectorType)
	}
	if h.Version != constants.WalbVersion {
		return nil, fmt.Errorf("wlog: unsupported version %d", h.Version)
	}
	if h.BeginLsid >= h.EndLsid {
		return nil, fmt.Errorf("wlog: begin_lsid %d must be < end_lsid %d", h.BeginLsid, h.EndLsid)
	}
	return h, nil
}

// Pack is one decoded logpack from a wlog body: the header plus its
// data blocks, concatenated in record order (including any padding's
// placeholder space, which carries no meaningful payload).
type Pack struct {
	Header *logpack.Header
	Data   []byte // total_io_size * pbs bytes
}

// Reader decodes the body of a wlog file: the concatenation of logpacks
// from header.BeginLsid to header.EndLsid, one pb header followed by
// its data pbs, in lsid order.
type Reader struct {
	r    *bufio.Reader
	pbs  uint32
	salt uint32
	lsid uint64
	end  uint64
}

// NewReader returns a Reader positioned at the start of the body (the
// caller has already consumed the HeaderSize header bytes from r).
func NewReader(r io.Reader, header *Header, salt uint32) *Reader {
	return &Reader{
		r:    bufio.NewReaderSize(r, int(header.PhysicalBS)*64),
		pbs:  header.PhysicalBS,
		salt: salt,
		lsid: header.BeginLsid,
		end:  header.EndLsid,
	}
}

// Next decodes one pack, or returns io.EOF once lsid has reached
// header.EndLsid.
func (rd *Reader) Next() (*Pack, error) {
	if rd.lsid >= rd.end {
		return nil, io.EOF
	}

	hbuf := make([]byte, rd.pbs)
	if _, err := io.ReadFull(rd.r, hbuf); err != nil {
		return nil, fmt.Errorf("wlog: reading header at lsid %d: %w", rd.lsid, err)
	}
	hdr, err := logpack.Unmarshal(hbuf, rd.lsid, rd.salt)
	if err != nil {
		return nil, fmt.Errorf("wlog: decoding header at lsid %d: %w", rd.lsid, err)
	}

	data := make([]byte, uint64(hdr.TotalIOSize)*uint64(rd.pbs))
	if len(data) > 0 {
		if _, err := io.ReadFull(rd.r, data); err != nil {
			return nil, fmt.Errorf("wlog: reading data for pack at lsid %d: %w", rd.lsid, err)
		}
	}

	rd.lsid += 1 + uint64(hdr.TotalIOSize)
	return &Pack{Header: hdr, Data: data}, nil
}

func le32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func le16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func le64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func le32get(buf []byte, off *int) uint32 {
	v := uint32(buf[*off]) | uint32(buf[*off+1])<<8 | uint32(buf[*off+2])<<16 | uint32(buf[*off+3])<<24
	*off += 4
	return v
}

func le16get(buf []byte, off *int) uint16 {
	v := uint16(buf[*off]) | uint16(buf[*off+1])<<8
	*off += 2
	return v
}

func le64get(buf []byte, off *int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[*off+i]) << (8 * i)
	}
	*off += 8
	return v
}
