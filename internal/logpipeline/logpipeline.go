// Package logpipeline writes closed packs to the log device: per-record
// and header checksums, FLUSH/FUA flag assignment, and batched bio
// submission through internal/asyncio (prepare many requests, then one
// syscall).
package logpipeline

import (
	"fmt"
	"time"

	"github.com/walb-project/walb/internal/arena"
	"github.com/walb-project/walb/internal/asyncio"
	"github.com/walb-project/walb/internal/logpack"
	"github.com/walb-project/walb/internal/packbuilder"
	"github.com/walb-project/walb/internal/ringmap"
)

// Config mirrors the two log-flush-interval thresholds of
// walb_start_param.
type Config struct {
	FlushIntervalTicks time.Duration // log_flush_interval_ms
	FlushIntervalPBs   uint64        // log_flush_interval_mb, converted to pb

	// HeaderPool, when non-nil and sized to pbs, supplies the header
	// sector buffers so steady-state submission does not allocate one
	// per pack.
	HeaderPool *arena.Arena
}

// Submitter drives one device's log device through a single ring. It is
// not safe for concurrent use; the pack-building worker owns it.
type Submitter struct {
	ring   asyncio.Ring
	logFD  int32
	mapper ringmap.Mapper
	pbs    uint32
	salt   uint32
	cfg    Config

	lastFlush     time.Time
	pbsSinceFlush uint64
	nextUserData  uint64
}

// New returns a Submitter for one device's log device.
func New(ring asyncio.Ring, logFD int32, mapper ringmap.Mapper, pbs uint32, salt uint32, cfg Config) *Submitter {
	return &Submitter{ring: ring, logFD: logFD, mapper: mapper, pbs: pbs, salt: salt, cfg: cfg, lastFlush: time.Now()}
}

// FD returns the log-device file descriptor this Submitter targets, so a
// caller rebuilding the submitter after a geometry change (clear-log on a
// grown log device) can carry it over.
func (s *Submitter) FD() int32 { return s.logFD }

// Submit computes per-record and header checksums for one closed pack,
// decides FLUSH/FUA, and submits the header and data blocks as one
// batch. A returned error means the pack failed; the FIFO caller must
// fail every request in it, drop packs queued behind it, and take the
// device read-only.
func (s *Submitter) Submit(pack *packbuilder.Pack) error {
	anyFlushReq, err := s.checksumRecords(pack)
	if err != nil {
		return err
	}

	intervalReached := s.intervalReached()
	// An exceeded flush interval triggers both FLUSH and FUA on the
	// header bio so the prior window's blocks are forced out with it.
	headerFlush := anyFlushReq || intervalReached
	headerFUA := pack.IsFUA || intervalReached

	hdrBuf, pooled, err := s.headerBuf(pack)
	if err != nil {
		return fmt.Errorf("logpipeline: marshaling header at lsid %d: %w", pack.Header.LogpackLsid, err)
	}

	reqs, err := s.buildRequests(pack, hdrBuf, headerFlush, headerFUA)
	if err != nil {
		return err
	}

	if err := s.submitBatch(reqs); err != nil {
		// The buffer may still be referenced by an in-flight bio, so it
		// is never pooled on the failure path.
		return err
	}
	if pooled {
		s.cfg.HeaderPool.Put(hdrBuf)
	}

	if headerFlush {
		s.lastFlush = time.Now()
		s.pbsSinceFlush = 0
	} else {
		s.pbsSinceFlush += 1 + uint64(pack.Header.TotalIOSize)
	}
	return nil
}

// headerBuf marshals pack's header into a pooled sector when a
// HeaderPool is configured, falling back to a fresh allocation.
func (s *Submitter) headerBuf(pack *packbuilder.Pack) (buf []byte, pooled bool, err error) {
	if s.cfg.HeaderPool != nil && s.cfg.HeaderPool.PBS() == int(s.pbs) {
		buf = s.cfg.HeaderPool.Get()
		if err := pack.Header.MarshalInto(buf, s.salt); err != nil {
			s.cfg.HeaderPool.Put(buf)
			return nil, false, err
		}
		return buf, true, nil
	}
	buf, err = pack.Header.Marshal(s.pbs, s.salt)
	return buf, false, err
}

// checksumRecords fills in the per-record data checksums and reports
// whether any underlying request asked for FLUSH.
func (s *Submitter) checksumRecords(pack *packbuilder.Pack) (anyFlushReq bool, err error) {
	reqIdx := 0
	for i := range pack.Header.Records {
		rec := &pack.Header.Records[i]
		if rec.IsPadding() {
			continue
		}
		if reqIdx >= len(pack.Requests) {
			return false, fmt.Errorf("logpipeline: pack has more non-padding records than requests")
		}
		req := pack.Requests[reqIdx]
		reqIdx++
		if req.Flags&packbuilder.FlagFlush != 0 {
			anyFlushReq = true
		}
		if rec.IsDiscard() {
			continue
		}
		rec.Checksum = logpack.RecordChecksum(req.Data, s.salt)
	}
	return anyFlushReq, nil
}

func (s *Submitter) intervalReached() bool {
	if s.cfg.FlushIntervalTicks > 0 && time.Since(s.lastFlush) >= s.cfg.FlushIntervalTicks {
		return true
	}
	if s.cfg.FlushIntervalPBs > 0 && s.pbsSinceFlush >= s.cfg.FlushIntervalPBs {
		return true
	}
	return false
}

// buildRequests stages one write per header block and per non-padding,
// non-discard data block, each mapped to its ring offset.
func (s *Submitter) buildRequests(pack *packbuilder.Pack, hdrBuf []byte, flush, fua bool) ([]asyncio.Request, error) {
	var reqs []asyncio.Request

	if flush {
		reqs = append(reqs, asyncio.Request{Op: asyncio.OpFsync, FD: s.logFD, UserData: s.nextUD()})
	}

	hdrOff, err := s.mapper.OffsetPB(pack.Header.LogpackLsid)
	if err != nil {
		return nil, fmt.Errorf("logpipeline: mapping header lsid %d: %w", pack.Header.LogpackLsid, err)
	}
	hflags := asyncio.Flag(0)
	if fua {
		hflags |= asyncio.FlagFUA
	}
	reqs = append(reqs, asyncio.Request{
		Op:       asyncio.OpWrite,
		FD:       s.logFD,
		Offset:   hdrOff * uint64(s.pbs),
		Buf:      hdrBuf,
		Flags:    hflags,
		UserData: s.nextUD(),
	})

	reqIdx := 0
	cursor := pack.Header.LogpackLsid + 1
	for _, rec := range pack.Header.Records {
		nPBs := rec.DataPBs(s.pbs)
		if rec.IsPadding() {
			cursor += uint64(nPBs)
			continue
		}
		req := pack.Requests[reqIdx]
		reqIdx++
		if rec.IsDiscard() || nPBs == 0 {
			continue
		}

		off, err := s.mapper.OffsetPB(cursor)
		if err != nil {
			return nil, fmt.Errorf("logpipeline: mapping data lsid %d: %w", cursor, err)
		}
		dflags := asyncio.Flag(0)
		if fua {
			dflags |= asyncio.FlagFUA
		}
		reqs = append(reqs, asyncio.Request{
			Op:       asyncio.OpWrite,
			FD:       s.logFD,
			Offset:   off * uint64(s.pbs),
			Buf:      padToPBs(req.Data, nPBs, s.pbs),
			Flags:    dflags,
			UserData: s.nextUD(),
		})
		cursor += uint64(nPBs)
	}
	return reqs, nil
}

// padToPBs zero-extends data up to nPBs*pbs bytes, the size the ring
// actually reserves for the record.
func padToPBs(data []byte, nPBs uint32, pbs uint32) []byte {
	want := int(nPBs) * int(pbs)
	if len(data) == want {
		return data
	}
	buf := make([]byte, want)
	copy(buf, data)
	return buf
}

func (s *Submitter) nextUD() uint64 {
	s.nextUserData++
	return s.nextUserData
}

// submitBatch submits every prepared request with one syscall and fails
// the whole pack if any bio in it errors.
func (s *Submitter) submitBatch(reqs []asyncio.Request) error {
	for _, r := range reqs {
		if err := s.ring.Prepare(r); err != nil {
			return fmt.Errorf("logpipeline: preparing request: %w", err)
		}
	}
	if _, err := s.ring.Submit(); err != nil {
		return fmt.Errorf("logpipeline: submit: %w", err)
	}
	results, err := s.ring.WaitForCompletion(len(reqs))
	if err != nil {
		return fmt.Errorf("logpipeline: waiting for completion: %w", err)
	}
	for _, res := range results {
		if res.Err != nil {
			return fmt.Errorf("logpipeline: bio failed: %w", res.Err)
		}
		if res.Res < 0 {
			return fmt.Errorf("logpipeline: bio failed with result %d", res.Res)
		}
	}
	return nil
}
