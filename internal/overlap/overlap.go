// Package overlap serializes in-flight data-device writes: writes to
// overlapping logical-block ranges are dispatched in original submission
// order, and a fully-covered unsubmitted write may be skipped outright.
package overlap

import "sort"

// Entry is one tracked request entry: a logical-block range plus
// bookkeeping the tracker mutates directly.
type Entry struct {
	ID           uint64
	Offset       uint64 // logical block offset
	Size         uint64 // logical blocks
	OverlapCount int    // outstanding logically-earlier overlapping entries
	Overwritten  bool   // a later entry fully covers this one and it is unsubmitted
	submitted    bool

	// waiting holds every later entry whose OverlapCount counted this one,
	// so Remove can release them directly. Offset order is not a reliable
	// proxy for insertion order (a covering entry's offset is never
	// greater than the offset of the entry it covers), so this must be
	// tracked explicitly rather than inferred from Offset comparisons.
	waiting []*Entry
}

func (e *Entry) end() uint64 { return e.Offset + e.Size }

func overlaps(a, b *Entry) bool {
	return a.Offset < b.end() && b.Offset < a.end()
}

func covers(outer, inner *Entry) bool {
	return outer.Offset <= inner.Offset && inner.end() <= outer.end()
}

// Tracker is a sorted container of in-flight entries, ordered by start
// offset.
type Tracker struct {
	entries        []*Entry // kept sorted by Offset
	maxSizeTracked uint64
}

// New returns an empty overlap tracker.
func New() *Tracker {
	return &Tracker{}
}

// Insert adds entry e, marking overlapping unsubmitted predecessors that e
// fully covers as Overwritten, and returns the entries e must now wait on
// (those not yet Overwritten) so the caller can decide submittability.
func (t *Tracker) Insert(e *Entry) (waitsOn []*Entry) {
	lo := e.Offset
	if t.maxSizeTracked > lo {
		lo = 0
	} else {
		lo = lo - t.maxSizeTracked
	}
	start := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].end() > lo })

	for i := start; i < len(t.entries); i++ {
		p := t.entries[i]
		if p.Offset >= e.end() {
			break
		}
		if !overlaps(e, p) {
			continue
		}
		e.OverlapCount++
		p.waiting = append(p.waiting, e)
		if covers(e, p) && !p.submitted {
			p.Overwritten = true
		} else {
			waitsOn = append(waitsOn, p)
		}
	}

	idx := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Offset >= e.Offset })
	t.entries = append(t.entries, nil)
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = e

	if e.Size > t.maxSizeTracked {
		t.maxSizeTracked = e.Size
	}
	return waitsOn
}

// Submittable reports whether e may now be dispatched to the data
// device: no outstanding logically-earlier overlapping entries remain.
func (e *Entry) Submittable() bool {
	return e.OverlapCount == 0
}

// MarkSubmitted records that e's data-device bio has been issued, so a
// later Insert sees it as no longer eligible for the Overwritten shortcut.
func (t *Tracker) MarkSubmitted(e *Entry) {
	e.submitted = true
}

// Remove drops entry e (its data IO completed) and releases any tracked
// entries whose overlap_count reaches zero as a result.
func (t *Tracker) Remove(e *Entry) (released []*Entry) {
	idx := -1
	for i, p := range t.entries {
		if p == e {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)

	for _, q := range e.waiting {
		q.OverlapCount--
		if q.OverlapCount == 0 {
			released = append(released, q)
		}
	}
	e.waiting = nil

	if len(t.entries) == 0 {
		t.maxSizeTracked = 0
	}
	return released
}

// Len returns the number of tracked entries.
func (t *Tracker) Len() int { return len(t.entries) }
