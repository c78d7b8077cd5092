package ctrl

import (
	"testing"
	"time"
)

type fakeDevice struct {
	name  string
	minor uint32

	oldest, written, permanent, completed uint64
	logUsage, logCapacity                 uint64
	flushCapable, overflow, frozen        bool

	checkpointInterval time.Duration

	setOldestErr  error
	resizeErr     error
	clearLogErr   error
	freezeErr     error
	meltErr       error
	checkpointErr error
}

func (f *fakeDevice) Name() string  { return f.name }
func (f *fakeDevice) Minor() uint32 { return f.minor }

func (f *fakeDevice) OldestLsid() uint64    { return f.oldest }
func (f *fakeDevice) WrittenLsid() uint64   { return f.written }
func (f *fakeDevice) PermanentLsid() uint64 { return f.permanent }
func (f *fakeDevice) CompletedLsid() uint64 { return f.completed }
func (f *fakeDevice) LogUsage() uint64      { return f.logUsage }
func (f *fakeDevice) LogCapacity() uint64   { return f.logCapacity }
func (f *fakeDevice) IsFlushCapable() bool  { return f.flushCapable }
func (f *fakeDevice) IsLogOverflow() bool   { return f.overflow }
func (f *fakeDevice) IsFrozen() bool        { return f.frozen }

func (f *fakeDevice) SetOldestLsid(lsid uint64) error {
	if f.setOldestErr != nil {
		return f.setOldestErr
	}
	f.oldest = lsid
	return nil
}

func (f *fakeDevice) CheckpointInterval() time.Duration { return f.checkpointInterval }
func (f *fakeDevice) SetCheckpointInterval(d time.Duration) error {
	f.checkpointInterval = d
	return nil
}
func (f *fakeDevice) TakeCheckpoint() error { return f.checkpointErr }

func (f *fakeDevice) Resize(newSizeLB uint64) error      { return f.resizeErr }
func (f *fakeDevice) ClearLog() error                    { return f.clearLogErr }
func (f *fakeDevice) Freeze(timeout time.Duration) error { return f.freezeErr }
func (f *fakeDevice) Melt() error                        { return f.meltErr }

func TestRegisterUnregister(t *testing.T) {
	c := NewController()
	d := &fakeDevice{name: "t", minor: 0}

	if err := c.Register(d); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.Register(d); err != ErrMinorInUse {
		t.Fatalf("expected ErrMinorInUse, got %v", err)
	}
	if c.NumOfDev() != 1 {
		t.Fatalf("NumOfDev = %d, want 1", c.NumOfDev())
	}

	if err := c.Unregister(0); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := c.Unregister(0); err != ErrDeviceNotFound {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestListDevRange(t *testing.T) {
	c := NewController()
	for _, m := range []uint32{0, 2, 4, 10} {
		if err := c.Register(&fakeDevice{name: "d", minor: m}); err != nil {
			t.Fatal(err)
		}
	}
	got := c.ListDev(0, 5)
	if len(got) != 3 {
		t.Fatalf("ListDev(0,5) = %d entries, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Minor >= got[i].Minor {
			t.Fatalf("ListDev not sorted: %+v", got)
		}
	}
}

func TestLsidQueries(t *testing.T) {
	c := NewController()
	d := &fakeDevice{minor: 0, oldest: 1, written: 2, permanent: 3, completed: 4, logUsage: 5, logCapacity: 10}
	if err := c.Register(d); err != nil {
		t.Fatal(err)
	}

	if v, _ := c.GetOldestLsid(0); v != 1 {
		t.Errorf("GetOldestLsid = %d, want 1", v)
	}
	if v, _ := c.GetWrittenLsid(0); v != 2 {
		t.Errorf("GetWrittenLsid = %d, want 2", v)
	}
	if v, _ := c.GetPermanentLsid(0); v != 3 {
		t.Errorf("GetPermanentLsid = %d, want 3", v)
	}
	if v, _ := c.GetCompletedLsid(0); v != 4 {
		t.Errorf("GetCompletedLsid = %d, want 4", v)
	}
	if v, _ := c.GetLogUsage(0); v != 5 {
		t.Errorf("GetLogUsage = %d, want 5", v)
	}
	if v, _ := c.GetLogCapacity(0); v != 10 {
		t.Errorf("GetLogCapacity = %d, want 10", v)
	}

	if _, err := c.GetOldestLsid(99); err != ErrDeviceNotFound {
		t.Errorf("expected ErrDeviceNotFound for unknown minor, got %v", err)
	}
}

func TestSetCheckpointIntervalBounds(t *testing.T) {
	c := NewController()
	d := &fakeDevice{minor: 0}
	if err := c.Register(d); err != nil {
		t.Fatal(err)
	}
	if err := c.SetCheckpointInterval(0, MaxCheckpointInterval+time.Second); err == nil {
		t.Fatal("expected error for interval exceeding MaxCheckpointInterval")
	}
	if err := c.SetCheckpointInterval(0, 5*time.Second); err != nil {
		t.Fatalf("SetCheckpointInterval: %v", err)
	}
	if got, _ := c.GetCheckpointInterval(0); got != 5*time.Second {
		t.Errorf("CheckpointInterval = %s, want 5s", got)
	}
}

func TestStatusAndSnapshotUnimplemented(t *testing.T) {
	c := NewController()
	if err := c.Status(0); err != ErrNotImplemented {
		t.Errorf("Status: expected ErrNotImplemented, got %v", err)
	}
	if err := c.SnapshotCommand(0); err != ErrNotImplemented {
		t.Errorf("SnapshotCommand: expected ErrNotImplemented, got %v", err)
	}
}

func TestFreezeMeltResizeClearLogDispatch(t *testing.T) {
	c := NewController()
	d := &fakeDevice{minor: 0}
	if err := c.Register(d); err != nil {
		t.Fatal(err)
	}
	if err := c.Freeze(0, time.Second); err != nil {
		t.Errorf("Freeze: %v", err)
	}
	if err := c.Melt(0); err != nil {
		t.Errorf("Melt: %v", err)
	}
	if err := c.Resize(0, 1<<20); err != nil {
		t.Errorf("Resize: %v", err)
	}
	if err := c.ClearLog(0); err != nil {
		t.Errorf("ClearLog: %v", err)
	}
	if err := c.SetOldestLsid(0, 42); err != nil {
		t.Errorf("SetOldestLsid: %v", err)
	}
	if d.oldest != 42 {
		t.Errorf("oldest = %d, want 42", d.oldest)
	}
	if err := c.TakeCheckpoint(0); err != nil {
		t.Errorf("TakeCheckpoint: %v", err)
	}
}

func TestVersionAndMajor(t *testing.T) {
	c := NewController()
	if c.Version() == 0 {
		t.Fatal("expected a nonzero on-disk format version")
	}
	c.SetMajor(253)
	if c.Major() != 253 {
		t.Fatalf("Major = %d, want 253", c.Major())
	}
}

type busyDevice struct {
	fakeDevice
	openers int
}

func (b *busyDevice) OpenUsers() int { return b.openers }

func TestStopDevRespectsOpeners(t *testing.T) {
	c := NewController()
	d := &busyDevice{fakeDevice: fakeDevice{name: "busy", minor: 4}, openers: 2}
	if err := c.Register(d); err != nil {
		t.Fatal(err)
	}

	if err := c.StopDev(4, false); err != ErrDeviceBusy {
		t.Fatalf("expected ErrDeviceBusy with openers, got %v", err)
	}
	if c.NumOfDev() != 1 {
		t.Fatal("busy device must stay registered")
	}

	if err := c.StopDev(4, true); err != nil {
		t.Fatalf("forced StopDev: %v", err)
	}
	if c.NumOfDev() != 0 {
		t.Fatal("forced stop should unregister the device")
	}

	if err := c.StopDev(4, false); err != ErrDeviceNotFound {
		t.Fatalf("expected ErrDeviceNotFound after stop, got %v", err)
	}
}
