// Package redo implements the crash-recovery scan: starting from the
// superblock's written_lsid, replay every valid logpack against the data
// device, shrink the first pack with a corrupt record, and leave the
// watermarks collapsed onto the recovered position.
package redo

import (
	"fmt"

	"github.com/walb-project/walb/internal/checksum"
	"github.com/walb-project/walb/internal/constants"
	"github.com/walb-project/walb/internal/interfaces"
	"github.com/walb-project/walb/internal/logpack"
	"github.com/walb-project/walb/internal/ringmap"
)

// LogDevice is the minimal synchronous access a redo scan needs against
// the log device's physical blocks.
type LogDevice interface {
	ReadPB(offsetPB uint64, pbs uint32) ([]byte, error)
	WritePB(offsetPB uint64, data []byte) error
	Sync() error
}

// Result summarizes a completed scan.
type Result struct {
	// WrittenLsid is the value every watermark (completed, permanent,
	// flush, latest, written, prev_written) is set to after redo.
	WrittenLsid  uint64
	PacksApplied int
	Shrunk       bool
	Overflow     bool
}

// Run scans the log from startLsid (super.written_lsid), replaying valid
// packs against data and stopping at the first invalid header or record,
// oldestLsid is the superblock's oldest_lsid, used
// only for the final overflow/validity check.
func Run(log LogDevice, data interfaces.Backend, ring ringmap.Mapper, pbs uint32, salt uint32, startLsid uint64, oldestLsid uint64) (Result, error) {
	l := startLsid
	res := Result{WrittenLsid: startLsid}

	for {
		hdrOff, err := ring.OffsetPB(l)
		if err != nil {
			return res, fmt.Errorf("redo: mapping lsid %d: %w", l, err)
		}
		hdrBuf, err := log.ReadPB(hdrOff, pbs)
		if err != nil {
			return res, fmt.Errorf("redo: reading header at lsid %d: %w", l, err)
		}

		hdr, err := logpack.Unmarshal(hdrBuf, l, salt)
		if err != nil {
			// Step 1: checksum or lsid mismatch. Redo stops here; the
			// watermarks already reflect l from the previous iteration.
			break
		}

		invalidIdx, err := applyPack(log, data, ring, hdr, pbs, salt, l)
		if err != nil {
			return res, err
		}

		if invalidIdx >= 0 {
			hdr.Shrink(invalidIdx, pbs)
			newBuf, err := hdr.Marshal(pbs, salt)
			if err != nil {
				return res, fmt.Errorf("redo: marshaling shrunk header at lsid %d: %w", l, err)
			}
			if err := log.WritePB(hdrOff, newBuf); err != nil {
				return res, fmt.Errorf("redo: rewriting shrunk header at lsid %d: %w", l, err)
			}
			if err := log.Sync(); err != nil {
				return res, fmt.Errorf("redo: syncing shrunk header at lsid %d: %w", l, err)
			}
			if invalidIdx == 0 {
				res.WrittenLsid = l
			} else {
				res.WrittenLsid = l + 1 + uint64(hdr.TotalIOSize)
			}
			res.Shrunk = true
			res.PacksApplied++
			break
		}

		res.PacksApplied++
		l += 1 + uint64(hdr.TotalIOSize)
		res.WrittenLsid = l
	}

	if err := data.Flush(); err != nil {
		return res, fmt.Errorf("redo: final data device flush: %w", err)
	}

	if ring.RingBufferSize > 0 && res.WrittenLsid > oldestLsid && res.WrittenLsid-oldestLsid > ring.RingBufferSize {
		res.Overflow = true
	}
	switch {
	case oldestLsid == constants.InvalidLsid:
		res.Overflow = true
	case res.WrittenLsid > oldestLsid:
		// A non-empty log must still hold a genuine logpack at oldest.
		// An empty one (written == oldest) has no pack there to check:
		// fresh devices and just-cleared logs start that way.
		if !walbCheckLsidValid(log, ring, pbs, salt, oldestLsid) {
			res.Overflow = true
		}
	}

	return res, nil
}

// walbCheckLsidValid reports whether the ring still holds a genuine
// logpack header at lsid: the pb at its ring offset must carry a valid
// checksum and logpack_lsid == lsid. A slot destroyed by ring
// wraparound fails both.
func walbCheckLsidValid(log LogDevice, ring ringmap.Mapper, pbs uint32, salt uint32, lsid uint64) bool {
	off, err := ring.OffsetPB(lsid)
	if err != nil {
		return false
	}
	buf, err := log.ReadPB(off, pbs)
	if err != nil {
		return false
	}
	_, err = logpack.Unmarshal(buf, lsid, salt)
	return err == nil
}

// applyPack replays hdr's valid records against data and returns the
// index of the first record whose data checksum fails to validate, or -1
// if every record validated.
func applyPack(log LogDevice, data interfaces.Backend, ring ringmap.Mapper, hdr *logpack.Header, pbs uint32, salt uint32, headerLsid uint64) (int, error) {
	cursor := headerLsid + 1

	for idx, rec := range hdr.Records {
		nPBs := rec.DataPBs(pbs)

		var buf []byte
		if nPBs > 0 {
			buf = make([]byte, 0, uint64(nPBs)*uint64(pbs))
			for i := uint32(0); i < nPBs; i++ {
				off, err := ring.OffsetPB(cursor)
				if err != nil {
					return 0, fmt.Errorf("redo: mapping data lsid %d: %w", cursor, err)
				}
				blk, err := log.ReadPB(off, pbs)
				if err != nil {
					return 0, fmt.Errorf("redo: reading data at lsid %d: %w", cursor, err)
				}
				buf = append(buf, blk...)
				cursor++
			}
		}

		if rec.IsPadding() {
			continue
		}

		if !rec.IsDiscard() {
			if checksum.Finish(checksum.Partial(salt, buf)) != rec.Checksum {
				return idx, nil
			}
		}

		if err := applyRecord(data, rec, buf); err != nil {
			return 0, err
		}
	}
	return -1, nil
}

// applyRecord applies one validated record to the data device.
func applyRecord(data interfaces.Backend, rec logpack.Record, buf []byte) error {
	switch {
	case rec.IsPadding():
		return nil
	case rec.IsDiscard():
		if dd, ok := data.(interfaces.DiscardBackend); ok {
			off := int64(rec.Offset) * constants.LogicalBlockSize
			size := int64(rec.IOSize) * constants.LogicalBlockSize
			return dd.Discard(off, size)
		}
		return nil
	default:
		n := int64(rec.IOSize) * constants.LogicalBlockSize
		if int64(len(buf)) > n {
			buf = buf[:n]
		}
		off := int64(rec.Offset) * constants.LogicalBlockSize
		_, err := data.WriteAt(buf, off)
		return err
	}
}
