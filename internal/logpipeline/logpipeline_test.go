package logpipeline

import (
	"bytes"
	"testing"
	"time"

	"github.com/walb-project/walb/internal/asyncio"
	"github.com/walb-project/walb/internal/logpack"
	"github.com/walb-project/walb/internal/packbuilder"
	"github.com/walb-project/walb/internal/ringmap"
)

const testPBS = 4096

// fakeRing is a synchronous asyncio.Ring double: Prepare stages, Submit
// "executes" immediately against an in-memory block map, and
// WaitForCompletion returns the already-known results.
type fakeRing struct {
	staged  []asyncio.Request
	blocks  map[uint64][]byte
	fsyncs  int
	results []asyncio.Result
	failUD  map[uint64]bool
}

func newFakeRing() *fakeRing {
	return &fakeRing{blocks: make(map[uint64][]byte), failUD: make(map[uint64]bool)}
}

func (f *fakeRing) Close() error { return nil }

func (f *fakeRing) Prepare(req asyncio.Request) error {
	f.staged = append(f.staged, req)
	return nil
}

func (f *fakeRing) Submit() (uint32, error) {
	for _, r := range f.staged {
		res := asyncio.Result{UserData: r.UserData, Res: int32(len(r.Buf))}
		if f.failUD[r.UserData] {
			res.Res = -5
		} else {
			switch r.Op {
			case asyncio.OpWrite:
				cp := make([]byte, len(r.Buf))
				copy(cp, r.Buf)
				f.blocks[r.Offset] = cp
			case asyncio.OpFsync:
				f.fsyncs++
			}
		}
		f.results = append(f.results, res)
	}
	n := uint32(len(f.staged))
	f.staged = nil
	return n, nil
}

func (f *fakeRing) WaitForCompletion(minComplete int) ([]asyncio.Result, error) {
	out := f.results
	f.results = nil
	return out, nil
}

func buildSingleWritePack(t *testing.T, mapper ringmap.Mapper, startLsid uint64, data []byte, flags packbuilder.WriteFlags) *packbuilder.Pack {
	t.Helper()
	b := packbuilder.New(testPBS, 1<<20, mapper, startLsid)
	req := packbuilder.Request{Offset: 0, Size: uint64(len(data) / 512), Flags: flags, Data: data}
	if _, err := b.Add(req, false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	pack := b.Flush()
	if pack == nil {
		t.Fatal("expected a closed pack")
	}
	return pack
}

func TestSubmitWritesHeaderAndDataWithValidChecksums(t *testing.T) {
	mapper := ringmap.New(0, 1000)
	ring := newFakeRing()
	sub := New(ring, 7, mapper, testPBS, 0, Config{})

	payload := bytes.Repeat([]byte{0x5}, testPBS)
	pack := buildSingleWritePack(t, mapper, 0, payload, 0)

	if err := sub.Submit(pack); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	hdrOff, _ := mapper.OffsetPB(0)
	hdrBlock, ok := ring.blocks[hdrOff*testPBS]
	if !ok {
		t.Fatal("header block not written")
	}
	hdr, err := logpack.Unmarshal(hdrBlock, 0, 0)
	if err != nil {
		t.Fatalf("written header does not validate: %v", err)
	}
	if hdr.Records[0].Checksum != logpack.RecordChecksum(payload, 0) {
		t.Fatal("record checksum not computed correctly")
	}

	dataOff, _ := mapper.OffsetPB(1)
	dataBlock, ok := ring.blocks[dataOff*testPBS]
	if !ok {
		t.Fatal("data block not written")
	}
	if !bytes.Equal(dataBlock, payload) {
		t.Fatal("data block content mismatch")
	}
}

func TestSubmitSetsFUAWhenPackIsFUA(t *testing.T) {
	mapper := ringmap.New(0, 1000)
	ring := newFakeRing()

	payload := bytes.Repeat([]byte{0x1}, testPBS)
	pack := buildSingleWritePack(t, mapper, 0, payload, packbuilder.FlagFUA)
	if !pack.IsFUA {
		t.Fatal("expected builder to mark pack FUA")
	}

	var seenFUA bool
	spy := &spyRing{fakeRing: ring}
	sub2 := New(spy, 7, mapper, testPBS, 0, Config{})
	if err := sub2.Submit(pack); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for _, r := range spy.prepared {
		if r.Op == asyncio.OpWrite && r.Flags&asyncio.FlagFUA != 0 {
			seenFUA = true
		}
	}
	if !seenFUA {
		t.Fatal("expected at least one FUA write request")
	}
}

type spyRing struct {
	*fakeRing
	prepared []asyncio.Request
}

func (s *spyRing) Prepare(req asyncio.Request) error {
	s.prepared = append(s.prepared, req)
	return s.fakeRing.Prepare(req)
}

func TestSubmitSkipsDataBioForDiscard(t *testing.T) {
	mapper := ringmap.New(0, 1000)
	ring := newFakeRing()
	sub := New(ring, 7, mapper, testPBS, 0, Config{})

	b := packbuilder.New(testPBS, 1<<20, mapper, 0)
	req := packbuilder.Request{Offset: 0, Size: 8, Flags: packbuilder.FlagDiscard}
	if _, err := b.Add(req, false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	pack := b.Flush()

	if err := sub.Submit(pack); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(ring.blocks) != 1 { // only the header
		t.Fatalf("expected only the header block written, got %d blocks", len(ring.blocks))
	}
}

func TestSubmitPropagatesBioFailure(t *testing.T) {
	mapper := ringmap.New(0, 1000)
	ring := newFakeRing()
	sub := New(ring, 7, mapper, testPBS, 0, Config{})

	payload := bytes.Repeat([]byte{0x3}, testPBS)
	pack := buildSingleWritePack(t, mapper, 0, payload, 0)

	// Fail UserData 2 only (the data block, since UD 1 is the header
	// and UD 2 is the data write when no flush is staged).
	ring.failUD[2] = true

	if err := sub.Submit(pack); err == nil {
		t.Fatal("expected Submit to surface the bio failure")
	}
}

func TestIntervalReachedTriggersFlushAndFUA(t *testing.T) {
	mapper := ringmap.New(0, 1000)
	ring := newFakeRing()
	sub := New(ring, 7, mapper, testPBS, 0, Config{FlushIntervalTicks: time.Nanosecond})
	time.Sleep(time.Millisecond)

	payload := bytes.Repeat([]byte{0x4}, testPBS)
	pack := buildSingleWritePack(t, mapper, 0, payload, 0)

	spy := &spyRing{fakeRing: ring}
	sub.ring = spy
	if err := sub.Submit(pack); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	var sawFsync, sawFUA bool
	for _, r := range spy.prepared {
		if r.Op == asyncio.OpFsync {
			sawFsync = true
		}
		if r.Flags&asyncio.FlagFUA != 0 {
			sawFUA = true
		}
	}
	if !sawFsync {
		t.Fatal("expected interval-triggered FLUSH bio")
	}
	if !sawFUA {
		t.Fatal("expected interval-triggered FUA")
	}
}
