package superblock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRoundTripPbs512: init super with
// logical_bs=512, physical_bs=512, ring_buffer_size=16384,
// device_size=65536, zero uuid, name="t". Write, read, compare bytewise.
func TestRoundTripPbs512(t *testing.T) {
	s := New(512, [16]byte{}, 0, "t", 16384, 65536)

	buf, err := s.Marshal(512)
	require.NoError(t, err)
	require.Len(t, buf, 512)

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, s.Name, got.Name)
	require.Equal(t, s.RingBufferSize, got.RingBufferSize)
	require.Equal(t, s.DeviceSize, got.DeviceSize)
	require.Equal(t, uint32(512), got.LogicalBS)
	require.Equal(t, uint32(512), got.PhysicalBS)

	buf2, err := s.Marshal(512)
	require.NoError(t, err)
	require.Equal(t, buf, buf2)
}

func TestCorruptedByteFailsValidation(t *testing.T) {
	s := New(4096, [16]byte{1, 2, 3}, 0xdead, "flip", 1000, 1<<20)
	buf, err := s.Marshal(4096)
	require.NoError(t, err)

	buf[100] ^= 0xff

	_, err = Unmarshal(buf)
	require.Error(t, err)
}

func TestNameTooLongRejected(t *testing.T) {
	s := New(4096, [16]byte{}, 0, string(make([]byte, 64)), 1, 1)
	_, err := s.Marshal(4096)
	require.Error(t, err)
}

func TestComputeLayout(t *testing.T) {
	l := ComputeLayout(0, 100)
	require.Equal(t, uint64(0), l.Super0)
	require.Equal(t, uint64(1), l.Metadata)
	require.Equal(t, uint64(1), l.Super1)
	require.Equal(t, uint64(2), l.RingBegin)
	require.Equal(t, uint64(98), l.RingBufPBs)
}
