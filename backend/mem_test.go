package backend

import (
	"bytes"
	"testing"

	"github.com/walb-project/walb/internal/constants"
)

const lb = constants.LogicalBlockSize

func TestNewMemoryRoundsToWholeSectors(t *testing.T) {
	mem := NewMemory(4*lb + 100)
	if mem.Size() != 4*lb {
		t.Errorf("Size() = %d, want %d", mem.Size(), 4*lb)
	}
}

func TestMemoryReadWrite(t *testing.T) {
	mem := NewMemory(8 * lb)
	defer mem.Close()

	testData := bytes.Repeat([]byte("walb"), lb/4) // one full sector
	n, err := mem.WriteAt(testData, 2*lb)
	if err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if n != len(testData) {
		t.Errorf("WriteAt wrote %d bytes, want %d", n, len(testData))
	}

	readBuf := make([]byte, len(testData))
	n, err = mem.ReadAt(readBuf, 2*lb)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if n != len(testData) {
		t.Errorf("ReadAt read %d bytes, want %d", n, len(testData))
	}
	if !bytes.Equal(readBuf, testData) {
		t.Error("ReadAt returned different bytes than written")
	}
}

func TestMemoryRejectsUnalignedAccess(t *testing.T) {
	mem := NewMemory(8 * lb)
	defer mem.Close()

	if _, err := mem.WriteAt(make([]byte, 100), 0); err == nil {
		t.Error("WriteAt with unaligned length should fail")
	}
	if _, err := mem.WriteAt(make([]byte, lb), 7); err == nil {
		t.Error("WriteAt with unaligned offset should fail")
	}
	if _, err := mem.ReadAt(make([]byte, lb), 3); err == nil {
		t.Error("ReadAt with unaligned offset should fail")
	}
	if err := mem.Discard(0, lb-1); err == nil {
		t.Error("Discard with unaligned length should fail")
	}
}

func TestMemoryRejectsOutOfRangeAccess(t *testing.T) {
	mem := NewMemory(4 * lb)
	defer mem.Close()

	if _, err := mem.ReadAt(make([]byte, 2*lb), 3*lb); err == nil {
		t.Error("ReadAt crossing the device end should fail, not truncate")
	}
	if _, err := mem.WriteAt(make([]byte, lb), 4*lb); err == nil {
		t.Error("WriteAt at the device end should fail")
	}
}

func TestMemoryFailsAfterClose(t *testing.T) {
	mem := NewMemory(4 * lb)
	if err := mem.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := mem.ReadAt(make([]byte, lb), 0); err == nil {
		t.Error("ReadAt after Close should fail")
	}
	if _, err := mem.WriteAt(make([]byte, lb), 0); err == nil {
		t.Error("WriteAt after Close should fail")
	}
}

func TestMemoryDiscardZeroesWholeSectors(t *testing.T) {
	mem := NewMemory(8 * lb)
	defer mem.Close()

	testData := bytes.Repeat([]byte{0xEE}, 4*lb)
	if _, err := mem.WriteAt(testData, 0); err != nil {
		t.Fatal(err)
	}

	if err := mem.Discard(lb, 2*lb); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}

	readBuf := make([]byte, 4*lb)
	if _, err := mem.ReadAt(readBuf, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(readBuf[:lb], testData[:lb]) {
		t.Error("sector before the discard changed")
	}
	for i := lb; i < 3*lb; i++ {
		if readBuf[i] != 0 {
			t.Fatalf("byte %d not zeroed after discard: %d", i, readBuf[i])
		}
	}
	if !bytes.Equal(readBuf[3*lb:], testData[3*lb:]) {
		t.Error("sector after the discard changed")
	}
}

func TestMemoryDiscardSpanningShards(t *testing.T) {
	mem := NewMemory(3 * ShardSize)
	defer mem.Close()

	fill := bytes.Repeat([]byte{0x55}, 3*ShardSize)
	if _, err := mem.WriteAt(fill, 0); err != nil {
		t.Fatal(err)
	}
	if err := mem.Discard(ShardSize/2, 2*ShardSize); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	readBuf := make([]byte, 3*ShardSize)
	if _, err := mem.ReadAt(readBuf, 0); err != nil {
		t.Fatal(err)
	}
	for i := ShardSize / 2; i < ShardSize/2+2*ShardSize; i++ {
		if readBuf[i] != 0 {
			t.Fatalf("byte %d not zeroed by multi-shard discard", i)
		}
	}
}
