package lsidset

import "testing"

func TestAdvancePackIncreasesLatest(t *testing.T) {
	var s Set
	l0 := s.AdvancePack(3)
	if l0 != 0 {
		t.Fatalf("expected first pack lsid 0, got %d", l0)
	}
	if got := s.Latest(); got != 4 {
		t.Fatalf("expected latest=4, got %d", got)
	}
}

func TestMonotonicityCeilings(t *testing.T) {
	var s Set
	s.AdvancePack(10) // latest = 11
	s.AdvanceCompleted(11)
	s.AdvancePermanent(20) // clamped to completed=11
	if got := s.Snapshot().Permanent; got != 11 {
		t.Fatalf("expected permanent clamped to 11, got %d", got)
	}

	s.AdvanceWritten(100) // clamped to permanent=11
	if got := s.Snapshot().Written; got != 11 {
		t.Fatalf("expected written clamped to 11, got %d", got)
	}

	// written can never regress even if called with a smaller value.
	s.AdvanceWritten(0)
	if got := s.Snapshot().Written; got != 11 {
		t.Fatalf("written regressed: got %d", got)
	}
}

func TestSnapshotValidate(t *testing.T) {
	good := Snapshot{Oldest: 0, PrevWritten: 1, Written: 2, Permanent: 3, Completed: 4, Latest: 5, Flush: 4}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected valid snapshot, got %v", err)
	}

	bad := Snapshot{Oldest: 5, PrevWritten: 1, Written: 2, Permanent: 3, Completed: 4, Latest: 5}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected invalid snapshot to fail validation")
	}
}

func TestClearResetsAll(t *testing.T) {
	var s Set
	s.AdvancePack(5)
	s.AdvanceCompleted(6)
	s.Clear()
	snap := s.Snapshot()
	if snap != (Snapshot{}) {
		t.Fatalf("expected all-zero snapshot after Clear, got %+v", snap)
	}
}
