package redo

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/walb-project/walb/internal/constants"
	"github.com/walb-project/walb/internal/logpack"
	"github.com/walb-project/walb/internal/ringmap"
)

const testPBS = 4096

// memLog is an in-memory ring-shaped log device for tests.
type memLog struct {
	mu     sync.Mutex
	blocks map[uint64][]byte
	synced int
}

func newMemLog() *memLog { return &memLog{blocks: make(map[uint64][]byte)} }

func (m *memLog) ReadPB(off uint64, pbs uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[off]
	if !ok {
		return make([]byte, pbs), nil
	}
	out := make([]byte, pbs)
	copy(out, b)
	return out, nil
}

func (m *memLog) WritePB(off uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blocks[off] = cp
	return nil
}

func (m *memLog) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced++
	return nil
}

// memData is an in-memory data device implementing interfaces.Backend.
type memData struct {
	mu      sync.Mutex
	buf     []byte
	flushed int
}

func newMemData(size int64) *memData { return &memData{buf: make([]byte, size)} }

func (d *memData) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := copy(p, d.buf[off:])
	return n, nil
}

func (d *memData) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off+int64(len(p)) > int64(len(d.buf)) {
		return 0, fmt.Errorf("memData: write out of range")
	}
	n := copy(d.buf[off:], p)
	return n, nil
}

func (d *memData) Size() int64  { return int64(len(d.buf)) }
func (d *memData) Close() error { return nil }
func (d *memData) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushed++
	return nil
}

// writePack encodes one single-record pack at lsid and stores it (header
// plus data) into the log device at its ring-mapped offsets.
func writePack(t *testing.T, log *memLog, ring ringmap.Mapper, lsid uint64, salt uint32, offsetLB uint64, payload []byte, corruptChecksum bool) *logpack.Header {
	t.Helper()
	hdr := logpack.NewHeader(lsid)
	rec := logpack.Record{
		Flags:     logpack.FlagExist,
		Checksum:  logpack.RecordChecksum(payload, salt),
		Offset:    offsetLB,
		IOSize:    uint32(len(payload) / 512),
		Lsid:      lsid + 1,
		LsidLocal: 1,
	}
	if corruptChecksum {
		rec.Checksum ^= 0xdeadbeef
	}
	if err := hdr.AddRecord(rec, testPBS); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	hdrBuf, err := hdr.Marshal(testPBS, salt)
	if err != nil {
		t.Fatalf("Marshal header: %v", err)
	}

	hdrOff, err := ring.OffsetPB(lsid)
	if err != nil {
		t.Fatal(err)
	}
	if err := log.WritePB(hdrOff, hdrBuf); err != nil {
		t.Fatal(err)
	}

	dataLsid := lsid + 1
	for i := 0; i*testPBS < len(payload); i++ {
		off, err := ring.OffsetPB(dataLsid + uint64(i))
		if err != nil {
			t.Fatal(err)
		}
		start := i * testPBS
		end := start + testPBS
		if end > len(payload) {
			end = len(payload)
		}
		block := make([]byte, testPBS)
		copy(block, payload[start:end])
		if err := log.WritePB(off, block); err != nil {
			t.Fatal(err)
		}
	}
	return hdr
}

func TestRunReplaysValidPackAndAdvancesWrittenLsid(t *testing.T) {
	ring := ringmap.New(0, 1000)
	log := newMemLog()
	data := newMemData(1 << 20)
	payload := bytes.Repeat([]byte{0x42}, testPBS)

	writePack(t, log, ring, 0, 0, 0, payload, false)

	res, err := Run(log, data, ring, testPBS, 0, 0, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WrittenLsid != 2 {
		t.Fatalf("WrittenLsid = %d, want 2", res.WrittenLsid)
	}
	if res.PacksApplied != 1 || res.Shrunk {
		t.Fatalf("unexpected result %+v", res)
	}
	if !bytes.Equal(data.buf[:testPBS], payload) {
		t.Fatal("payload not applied to data device")
	}
	if data.flushed == 0 {
		t.Fatal("expected data device flush after redo")
	}
}

func TestRunStopsAtFirstInvalidHeader(t *testing.T) {
	ring := ringmap.New(0, 1000)
	log := newMemLog()
	data := newMemData(1 << 20)

	// lsid 0 left as all-zero blocks: the salt-0 checksum of zeroes is
	// valid, but Unmarshal rejects the zero sector_type.
	res, err := Run(log, data, ring, testPBS, 0, 0, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WrittenLsid != 0 || res.PacksApplied != 0 {
		t.Fatalf("expected no packs applied, got %+v", res)
	}
}

func TestRunShrinksPackWithCorruptRecord(t *testing.T) {
	ring := ringmap.New(0, 1000)
	log := newMemLog()
	data := newMemData(1 << 20)
	payload := bytes.Repeat([]byte{0x7}, testPBS)

	writePack(t, log, ring, 0, 0, 0, payload, true)

	res, err := Run(log, data, ring, testPBS, 0, 0, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Shrunk {
		t.Fatal("expected shrink on corrupt record")
	}
	if res.WrittenLsid != 0 {
		t.Fatalf("WrittenLsid = %d, want 0 (invalid_idx == 0)", res.WrittenLsid)
	}
	if log.synced == 0 {
		t.Fatal("expected log device sync after rewriting shrunk header")
	}

	hdrOff, _ := ring.OffsetPB(0)
	rewritten, _ := log.ReadPB(hdrOff, testPBS)
	hdr, err := logpack.Unmarshal(rewritten, 0, 0)
	if err != nil {
		t.Fatalf("rewritten header does not validate: %v", err)
	}
	if len(hdr.Records) != 0 {
		t.Fatalf("expected shrunk header to have 0 records, got %d", len(hdr.Records))
	}
}

func TestRunFlagsOverflowWhenOldestSlotOverwritten(t *testing.T) {
	ring := ringmap.New(0, 1000)
	log := newMemLog()
	data := newMemData(1 << 20)

	// written_lsid sits past oldest, but the pb at oldest's ring offset
	// holds zeroes, as if the ring had wrapped over it: the oldest slot
	// no longer parses as the logpack it claims to be.
	res, err := Run(log, data, ring, testPBS, 0, 2, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Overflow {
		t.Fatal("expected overflow when the logpack at oldest_lsid no longer validates")
	}
}

func TestRunNoOverflowOnEmptyLog(t *testing.T) {
	ring := ringmap.New(0, 1000)
	log := newMemLog()
	data := newMemData(1 << 20)

	// written == oldest: nothing in the ring, nothing at oldest to
	// validate (a fresh or just-cleared device).
	res, err := Run(log, data, ring, testPBS, 0, 0, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Overflow {
		t.Fatal("an empty log must not flag overflow")
	}
}

func TestRunFlagsOverflowWhenOldestInvalid(t *testing.T) {
	ring := ringmap.New(0, 1000)
	log := newMemLog()
	data := newMemData(1 << 20)

	res, err := Run(log, data, ring, testPBS, 0, 0, constants.InvalidLsid)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Overflow {
		t.Fatal("expected overflow when oldest_lsid fails walb_check_lsid_valid")
	}
}

func TestRunNoOverflowWhenSpanWithinRing(t *testing.T) {
	ring := ringmap.New(0, 1000)
	log := newMemLog()
	data := newMemData(1 << 20)
	payload := bytes.Repeat([]byte{0x9}, testPBS)

	writePack(t, log, ring, 0, 0, 0, payload, false)

	// oldest_lsid 0 and written_lsid 2: a span well within ring capacity.
	res, err := Run(log, data, ring, testPBS, 0, 0, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Overflow {
		t.Fatal("span of 2 against capacity 1000 must not overflow")
	}
}
