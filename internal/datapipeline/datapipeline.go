// Package datapipeline implements the log-waiter -> data-submitter ->
// GC chain: once a pack is durable on the log device its entries are
// admitted through the overlap tracker, dispatched against the data
// device, and retired in FIFO order by the GC loop.
package datapipeline

import (
	"sort"
	"sync"

	"github.com/walb-project/walb/internal/constants"
	"github.com/walb-project/walb/internal/interfaces"
	"github.com/walb-project/walb/internal/lsidset"
	"github.com/walb-project/walb/internal/overlap"
	"github.com/walb-project/walb/internal/packbuilder"
)

// Config holds the data-submission knobs.
type Config struct {
	// SortByOffset models is_sort_data_io: sort a batch's submittable
	// entries by offset before dispatch.
	SortByOffset bool
	// ZeroDiscard requests zero-writes in place of a real discard ioctl
	// when the data device doesn't implement interfaces.DiscardBackend.
	ZeroDiscard bool
}

// Entry is one request riding through a pack, from overlap admission to
// GC retirement.
type Entry struct {
	Req   packbuilder.Request
	IsFUA bool

	Lsid      uint64 // record.Lsid: absolute lsid of the entry's first data block
	UpperLsid uint64 // Lsid + DataPBs(pbs): the GC's AdvanceWritten argument

	overlap *overlap.Entry
	done    chan error
}

// ReleaseFunc hands a retired entry back to the caller, which returns its
// pending-byte reservation. Called exactly once per entry, from the GC loop.
type ReleaseFunc func(e *Entry)

// CompleteFunc notifies whoever is blocked on the original write that its
// entry is done. Called exactly once per entry, from the GC loop, after
// ReleaseFunc.
type CompleteFunc func(e *Entry, err error)

// Pipeline drives one device's data-submission and GC stages.
type Pipeline struct {
	data  interfaces.Backend
	ov    *overlap.Tracker
	lsids *lsidset.Set
	cfg   Config
	pbs   uint32

	release  ReleaseFunc
	complete CompleteFunc

	mu    sync.Mutex
	owner map[*overlap.Entry]*Entry

	gcQueue chan *Entry
	gcDone  chan struct{}
}

// New returns a running Pipeline; call Close to stop its GC goroutine.
func New(data interfaces.Backend, ov *overlap.Tracker, lsids *lsidset.Set, pbs uint32, cfg Config, release ReleaseFunc, complete CompleteFunc) *Pipeline {
	p := &Pipeline{
		data: data, ov: ov, lsids: lsids, pbs: pbs, cfg: cfg,
		release: release, complete: complete,
		owner:   make(map[*overlap.Entry]*Entry),
		gcQueue: make(chan *Entry, 1024),
		gcDone:  make(chan struct{}),
	}
	go p.gcLoop()
	return p
}

// Close drains the GC queue and stops its goroutine. Callers must not
// call OnPackLogged after Close.
func (p *Pipeline) Close() {
	close(p.gcQueue)
	<-p.gcDone
}

// OnPackLogged is called once every bio belonging
// to pack has completed on the log device. logSubmitErr carries a non-nil value when the
// pack's own log submission failed, in which case every entry is
// completed with that error and no data-device IO is attempted.
func (p *Pipeline) OnPackLogged(pack *packbuilder.Pack, logSubmitErr error) error {
	entries := entriesForPack(pack, p.pbs)
	for _, e := range entries {
		p.gcQueue <- e
	}

	if logSubmitErr != nil {
		for _, e := range entries {
			e.done <- logSubmitErr
		}
		return logSubmitErr
	}

	var submittable []*Entry
	for _, e := range entries {
		if e.Req.Size == 0 {
			// Flush-only entry: nothing to write to the data device.
			e.done <- nil
			continue
		}
		oe := &overlap.Entry{Offset: e.Req.Offset, Size: e.Req.Size}
		e.overlap = oe

		waitsOn := p.insertOverlap(oe, e)

		if len(waitsOn) == 0 {
			submittable = append(submittable, e)
		}
		// Deferred entries are released into the submittable pool by
		// the overlap-tracker remove path, driven from completeEntry.
	}

	p.dispatch(submittable)
	return nil
}

// entriesForPack correlates pack.Requests with pack.Header.Records. A
// flush-only pack carries one request and zero records (packbuilder opens
// its own empty header for it), handled as a single synthetic entry
// anchored at the pack's own lsid.
func entriesForPack(pack *packbuilder.Pack, pbs uint32) []*Entry {
	if len(pack.Requests) == 1 && pack.Requests[0].Size == 0 {
		return []*Entry{{
			Req:       pack.Requests[0],
			IsFUA:     pack.IsFUA,
			Lsid:      pack.Header.LogpackLsid,
			UpperLsid: pack.Header.LogpackLsid + 1,
			done:      make(chan error, 1),
		}}
	}

	var entries []*Entry
	reqIdx := 0
	for _, rec := range pack.Header.Records {
		if rec.IsPadding() {
			continue
		}
		req := pack.Requests[reqIdx]
		reqIdx++
		entries = append(entries, &Entry{
			Req:       req,
			IsFUA:     pack.IsFUA,
			Lsid:      rec.Lsid,
			UpperLsid: rec.Lsid + uint64(rec.DataPBs(pbs)),
			done:      make(chan error, 1),
		})
	}
	return entries
}

// dispatch submits each entry not skipped by the Overwritten shortcut,
// optionally sorted by offset (is_sort_data_io).
func (p *Pipeline) dispatch(entries []*Entry) {
	if p.cfg.SortByOffset {
		sortEntriesByOffset(entries)
	}
	for _, e := range entries {
		if p.markSubmittedAndCheckOverwritten(e.overlap) {
			// A later entry already covers e's whole range: no data IO.
			p.completeEntry(e, nil)
			continue
		}
		go p.runIO(e)
	}
}

func sortEntriesByOffset(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Req.Offset < entries[j].Req.Offset })
}

// insertOverlap registers oe with the overlap tracker and records e as its
// owner, under the pipeline lock so concurrent runIO/completeEntry
// goroutines never touch the tracker unsynchronized.
func (p *Pipeline) insertOverlap(oe *overlap.Entry, e *Entry) []*overlap.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	waitsOn := p.ov.Insert(oe)
	p.owner[oe] = e
	return waitsOn
}

func (p *Pipeline) markSubmittedAndCheckOverwritten(oe *overlap.Entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ov.MarkSubmitted(oe)
	return oe.Overwritten
}

func (p *Pipeline) runIO(e *Entry) {
	var err error
	if e.Req.Flags&packbuilder.FlagDiscard != 0 {
		err = p.doDiscard(e)
	} else {
		off := int64(e.Req.Offset) * constants.LogicalBlockSize
		_, err = p.data.WriteAt(e.Req.Data, off)
	}
	if err == nil && e.IsFUA {
		err = p.data.Flush()
	}
	p.completeEntry(e, err)
}

// doDiscard picks between the three DISCARD dispositions: a real
// discard when the data device advertises it, a zero-write when
// zero-discard was requested, or a no-op.
func (p *Pipeline) doDiscard(e *Entry) error {
	off := int64(e.Req.Offset) * constants.LogicalBlockSize
	size := int64(e.Req.Size) * constants.LogicalBlockSize

	if dd, ok := p.data.(interfaces.DiscardBackend); ok {
		return dd.Discard(off, size)
	}
	if p.cfg.ZeroDiscard {
		_, err := p.data.WriteAt(make([]byte, size), off)
		return err
	}
	return nil
}

// completeEntry releases any entries the overlap tracker now frees, then
// signals e's done channel for the GC loop.
func (p *Pipeline) completeEntry(e *Entry, err error) {
	if e.overlap != nil {
		freed := p.removeOverlap(e.overlap)
		p.dispatch(freed)
	}
	e.done <- err
}

// removeOverlap removes oe from the overlap tracker and maps whatever it
// releases back to their owning entries, under the pipeline lock.
func (p *Pipeline) removeOverlap(oe *overlap.Entry) []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	released := p.ov.Remove(oe)
	delete(p.owner, oe)
	var freed []*Entry
	for _, r := range released {
		if owner, ok := p.owner[r]; ok {
			freed = append(freed, owner)
		}
	}
	return freed
}

// gcLoop waits on each entry's done in FIFO
// submission order, advance written_lsid, hand the entry to the release
// callback, then complete the original caller.
func (p *Pipeline) gcLoop() {
	defer close(p.gcDone)
	for e := range p.gcQueue {
		err := <-e.done
		p.lsids.AdvanceWritten(e.UpperLsid)
		if p.release != nil {
			p.release(e)
		}
		if p.complete != nil {
			p.complete(e, err)
		}
	}
}
