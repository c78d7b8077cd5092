// Package superblock implements the on-disk superblock sector and the
// two-copy layout of the log device's reserved area.
package superblock

import (
	"encoding/binary"
	"fmt"

	"github.com/walb-project/walb/internal/checksum"
	"github.com/walb-project/walb/internal/constants"
)

const (
	checksumOffset = 0
	fixedLen       = 4 + 2 + 2 + 4 + 4 + 4 + 4 + constants.UUIDSize + constants.DiskNameLen + 8 + 8 + 8 + 8
)

// Super is the in-memory image of one superblock sector.
type Super struct {
	SectorType      uint16
	Version         uint16
	LogicalBS       uint32
	PhysicalBS      uint32
	MetadataSize    uint32
	LogChecksumSalt uint32
	UUID            [constants.UUIDSize]byte
	Name            string
	RingBufferSize  uint64
	OldestLsid      uint64
	WrittenLsid     uint64
	DeviceSize      uint64
}

// New returns a freshly initialized superblock image.
func New(pbs uint32, uuid [constants.UUIDSize]byte, salt uint32, name string, ringBufferSize, deviceSize uint64) *Super {
	return &Super{
		SectorType:      constants.SectorTypeSuper,
		Version:         constants.WalbVersion,
		LogicalBS:       constants.LogicalBlockSize,
		PhysicalBS:      pbs,
		LogChecksumSalt: salt,
		UUID:            uuid,
		Name:            name,
		RingBufferSize:  ringBufferSize,
		DeviceSize:      deviceSize,
	}
}

// Marshal encodes the superblock into a pbs-sized sector with a valid
// checksum (always salt=0 for the superblock).
func (s *Super) Marshal(pbs uint32) ([]byte, error) {
	if int(pbs) < fixedLen {
		return nil, fmt.Errorf("superblock: physical block size %d too small for fixed fields (%d)", pbs, fixedLen)
	}
	if len(s.Name) >= constants.DiskNameLen {
		return nil, fmt.Errorf("superblock: name %q too long (max %d)", s.Name, constants.DiskNameLen-1)
	}

	buf := make([]byte, pbs)
	off := 0
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(buf[off:], v); off += 4 }
	putU16 := func(v uint16) { binary.LittleEndian.PutUint16(buf[off:], v); off += 2 }
	putU64 := func(v uint64) { binary.LittleEndian.PutUint64(buf[off:], v); off += 8 }

	putU32(0) // checksum placeholder
	putU16(s.SectorType)
	putU16(s.Version)
	putU32(s.LogicalBS)
	putU32(s.PhysicalBS)
	putU32(s.MetadataSize)
	putU32(s.LogChecksumSalt)
	copy(buf[off:off+constants.UUIDSize], s.UUID[:])
	off += constants.UUIDSize
	copy(buf[off:off+constants.DiskNameLen], []byte(s.Name))
	off += constants.DiskNameLen
	putU64(s.RingBufferSize)
	putU64(s.OldestLsid)
	putU64(s.WrittenLsid)
	putU64(s.DeviceSize)

	csum := checksum.Of(buf, checksumOffset, 0)
	binary.LittleEndian.PutUint32(buf[checksumOffset:], csum)
	return buf, nil
}

// Unmarshal decodes and validates a superblock sector: sector_type ==
// SUPER, version == WalbVersion, checksum finishes to 0.
func Unmarshal(buf []byte) (*Super, error) {
	if len(buf) < fixedLen {
		return nil, fmt.Errorf("superblock: sector too small (%d < %d)", len(buf), fixedLen)
	}
	if !checksum.Valid(buf, 0) {
		return nil, fmt.Errorf("superblock: checksum mismatch")
	}

	off := 4 // skip checksum
	readU32 := func() uint32 { v := binary.LittleEndian.Uint32(buf[off:]); off += 4; return v }
	readU16 := func() uint16 { v := binary.LittleEndian.Uint16(buf[off:]); off += 2; return v }
	readU64 := func() uint64 { v := binary.LittleEndian.Uint64(buf[off:]); off += 8; return v }

	s := &Super{}
	s.SectorType = readU16()
	s.Version = readU16()
	s.LogicalBS = readU32()
	s.PhysicalBS = readU32()
	s.MetadataSize = readU32()
	s.LogChecksumSalt = readU32()
	copy(s.UUID[:], buf[off:off+constants.UUIDSize])
	off += constants.UUIDSize
	nameRaw := buf[off : off+constants.DiskNameLen]
	off += constants.DiskNameLen
	nameEnd := 0
	for nameEnd < len(nameRaw) && nameRaw[nameEnd] != 0 {
		nameEnd++
	}
	s.Name = string(nameRaw[:nameEnd])
	s.RingBufferSize = readU64()
	s.OldestLsid = readU64()
	s.WrittenLsid = readU64()
	s.DeviceSize = readU64()

	if s.SectorType != constants.SectorTypeSuper {
		return nil, fmt.Errorf("superblock: unexpected sector_type %d", s.SectorType)
	}
	if s.Version != constants.WalbVersion {
		return nil, fmt.Errorf("superblock: unsupported version %d", s.Version)
	}
	return s, nil
}

// Layout describes the two-super-sector offset calculation: super0 = 0,
// metadata = super0 + 1, super1 = metadata + metadata_size, ring_begin =
// super1 + 1.
type Layout struct {
	Super0     uint64
	Metadata   uint64
	Super1     uint64
	RingBegin  uint64
	RingBufPBs uint64 // ring capacity in pb, given total log device size in pb
}

// ComputeLayout derives sector offsets from a metadata region size and the
// total log-device size (both in physical blocks).
func ComputeLayout(metadataSizePB uint32, logDeviceSizePB uint64) Layout {
	l := Layout{
		Super0:   0,
		Metadata: 1,
	}
	l.Super1 = l.Metadata + uint64(metadataSizePB)
	l.RingBegin = l.Super1 + 1
	if logDeviceSizePB > l.RingBegin {
		l.RingBufPBs = logDeviceSizePB - l.RingBegin
	}
	return l
}
