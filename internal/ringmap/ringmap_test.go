package ringmap

import (
	"testing"

	"github.com/walb-project/walb/internal/constants"
)

func TestOffsetPBWraps(t *testing.T) {
	m := New(2, 8) // ring_begin=2, ring_buffer_size=8

	cases := []struct {
		lsid uint64
		want uint64
	}{
		{0, 2},
		{7, 9},
		{8, 2}, // wraps back to ring_begin
		{9, 3},
	}
	for _, c := range cases {
		got, err := m.OffsetPB(c.lsid)
		if err != nil {
			t.Fatalf("OffsetPB(%d): %v", c.lsid, err)
		}
		if got != c.want {
			t.Errorf("OffsetPB(%d) = %d, want %d", c.lsid, got, c.want)
		}
	}
}

func TestInvalidLsidRejected(t *testing.T) {
	m := New(2, 8)
	if _, err := m.OffsetPB(constants.InvalidLsid); err == nil {
		t.Fatal("expected error mapping InvalidLsid")
	}
}

// TestPaddingCase: pbs=512, ring_buffer_size=8,
// latest=7, write of 1 lb (1 pb data + 1 pb header = 2 pb) would straddle
// the ring end, forcing a 1-pb padding record before it.
func TestPaddingCase(t *testing.T) {
	m := New(0, 8)
	fits, err := m.FitsWithoutWrap(7, 2)
	if err != nil {
		t.Fatal(err)
	}
	if fits {
		t.Fatal("expected pack at lsid=7 needing 2 pbs to NOT fit in an 8-pb ring starting at 0")
	}
	remaining, _ := m.RemainingInRing(7)
	if remaining != 1 {
		t.Fatalf("expected 1 pb remaining before wrap, got %d", remaining)
	}
}
