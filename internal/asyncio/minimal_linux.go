//go:build linux

package asyncio

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/walb-project/walb/internal/logging"
)

// Raw io_uring setup and SQE/CQE layout: io_uring_setup/io_uring_enter
// against mmap'd SQ/CQ rings, plain 64-byte SQEs and 16-byte CQEs
// carrying IORING_OP_READV/WRITEV/FSYNC.
const (
	nrIoUringSetup = 425
	nrIoUringEnter = 426

	ioringOpReadv  = 1
	ioringOpWritev = 2
	ioringOpFsync  = 3

	ioringEnterGetevents = 1 << 0
	ioringFsyncDatasync  = 1 << 0

	// RWF_DSYNC: per-IO O_DSYNC semantics, the closest the kernel offers
	// to a FUA write from userspace.
	rwfDsync = 0x2
)

type sqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opcodeFlags uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceOff   int32
	_           [2]uint64
}

type cqe struct {
	userData uint64
	res      int32
	flags    uint32
}

type ioUringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCpu  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        struct {
		head        uint32
		tail        uint32
		ringMask    uint32
		ringEntries uint32
		flags       uint32
		dropped     uint32
		array       uint32
		resv1       uint32
		userAddr    uint64
	}
	cqOff struct {
		head        uint32
		tail        uint32
		ringMask    uint32
		ringEntries uint32
		overflow    uint32
		cqes        uint32
		flags       uint32
		resv1       uint32
		userAddr    uint64
	}
}

// minimalRing implements Ring via raw io_uring_setup/io_uring_enter
// syscalls against mmap'd SQ/CQ rings and a separate SQE array region.
type minimalRing struct {
	mu sync.Mutex

	fd     int
	params ioUringParams
	sqMem  []byte
	sqeMem []byte
	cqMem  []byte

	staged int // SQEs prepared since the last Submit

	// iovecs backing in-flight read/write SQEs must outlive the kernel
	// call; keep them pinned here instead of letting Prepare's caller's
	// stack frame return.
	pinned []*unix.Iovec
}

func newMinimalRing(entries uint32) (Ring, error) {
	logger := logging.Default()

	params := ioUringParams{sqEntries: entries, cqEntries: entries * 2}

	ringFd, _, errno := syscall.Syscall(nrIoUringSetup, uintptr(entries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		logger.Error("io_uring_setup failed", "errno", errno)
		return nil, fmt.Errorf("asyncio: io_uring_setup: %w", errno)
	}

	sqSize := int(params.sqOff.array + params.sqEntries*4)
	sqeSize := int(params.sqEntries) * int(unsafe.Sizeof(sqe{}))
	cqSize := int(params.cqOff.cqes) + int(params.cqEntries)*int(unsafe.Sizeof(cqe{}))

	sqMem, err := unix.Mmap(int(ringFd), 0, sqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		syscall.Close(int(ringFd))
		return nil, fmt.Errorf("asyncio: mmap SQ ring: %w", err)
	}
	sqeMem, err := unix.Mmap(int(ringFd), 0x10000000, sqeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(sqMem)
		syscall.Close(int(ringFd))
		return nil, fmt.Errorf("asyncio: mmap SQEs: %w", err)
	}
	cqMem, err := unix.Mmap(int(ringFd), 0x8000000, cqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(sqMem)
		unix.Munmap(sqeMem)
		syscall.Close(int(ringFd))
		return nil, fmt.Errorf("asyncio: mmap CQ ring: %w", err)
	}

	return &minimalRing{fd: int(ringFd), params: params, sqMem: sqMem, sqeMem: sqeMem, cqMem: cqMem}, nil
}

func (r *minimalRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	unix.Munmap(r.sqMem)
	unix.Munmap(r.sqeMem)
	unix.Munmap(r.cqMem)
	return syscall.Close(r.fd)
}

func (r *minimalRing) sqArray() *uint32 {
	return (*uint32)(unsafe.Add(unsafe.Pointer(&r.sqMem[0]), r.params.sqOff.array))
}

func (r *minimalRing) sqTailPtr() *uint32 {
	return (*uint32)(unsafe.Add(unsafe.Pointer(&r.sqMem[0]), r.params.sqOff.tail))
}

func (r *minimalRing) sqHeadPtr() *uint32 {
	return (*uint32)(unsafe.Add(unsafe.Pointer(&r.sqMem[0]), r.params.sqOff.head))
}

// Prepare writes req into the next free SQE slot without advancing the
// tail, so multiple requests can batch into one io_uring_enter.
func (r *minimalRing) Prepare(req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	head := *r.sqHeadPtr()
	tail := *r.sqTailPtr()
	if tail-head >= r.params.sqEntries {
		return ErrRingFull
	}

	mask := r.params.sqEntries - 1
	idx := (tail + uint32(r.staged)) & mask
	slot := (*sqe)(unsafe.Add(unsafe.Pointer(&r.sqeMem[0]), uintptr(idx)*unsafe.Sizeof(sqe{})))

	*slot = sqe{fd: req.FD, userData: req.UserData}
	switch req.Op {
	case OpRead:
		slot.opcode = ioringOpReadv
		iov := &unix.Iovec{Base: &req.Buf[0]}
		iov.SetLen(len(req.Buf))
		r.pinned = append(r.pinned, iov)
		slot.addr = uint64(uintptr(unsafe.Pointer(iov)))
		slot.len = 1
		slot.off = req.Offset
	case OpWrite:
		slot.opcode = ioringOpWritev
		iov := &unix.Iovec{Base: &req.Buf[0]}
		iov.SetLen(len(req.Buf))
		r.pinned = append(r.pinned, iov)
		slot.addr = uint64(uintptr(unsafe.Pointer(iov)))
		slot.len = 1
		slot.off = req.Offset
		if req.Flags&FlagFUA != 0 {
			slot.opcodeFlags = rwfDsync
		}
	case OpFsync:
		slot.opcode = ioringOpFsync
		slot.opcodeFlags = ioringFsyncDatasync
	}

	arrayBase := r.sqArray()
	*(*uint32)(unsafe.Add(unsafe.Pointer(arrayBase), uintptr(idx)*4)) = idx

	r.staged++
	return nil
}

// Submit advances the SQ tail by the staged count with one
// io_uring_enter call.
func (r *minimalRing) Submit() (uint32, error) {
	r.mu.Lock()
	n := uint32(r.staged)
	if n == 0 {
		r.mu.Unlock()
		return 0, nil
	}
	tailPtr := r.sqTailPtr()
	*tailPtr = *tailPtr + n
	r.staged = 0
	fd := r.fd
	r.mu.Unlock()

	submitted, _, errno := syscall.Syscall6(nrIoUringEnter, uintptr(fd), uintptr(n), 0, 0, 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("asyncio: io_uring_enter: %w", errno)
	}
	return uint32(submitted), nil
}

// WaitForCompletion blocks (via io_uring_enter's GETEVENTS flag) until
// minComplete completions are ready, then drains the CQ ring.
func (r *minimalRing) WaitForCompletion(minComplete int) ([]Result, error) {
	r.mu.Lock()
	fd := r.fd
	r.mu.Unlock()

	if minComplete > 0 {
		_, _, errno := syscall.Syscall6(nrIoUringEnter, uintptr(fd), 0, uintptr(minComplete), ioringEnterGetevents, 0, 0)
		if errno != 0 {
			return nil, fmt.Errorf("asyncio: io_uring_enter (wait): %w", errno)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	headPtr := (*uint32)(unsafe.Add(unsafe.Pointer(&r.cqMem[0]), r.params.cqOff.head))
	tailPtr := (*uint32)(unsafe.Add(unsafe.Pointer(&r.cqMem[0]), r.params.cqOff.tail))
	mask := r.params.cqEntries - 1

	var results []Result
	for *headPtr != *tailPtr {
		idx := *headPtr & mask
		slot := (*cqe)(unsafe.Add(unsafe.Pointer(&r.cqMem[0]), uintptr(r.params.cqOff.cqes)+uintptr(idx)*unsafe.Sizeof(cqe{})))
		res := Result{UserData: slot.userData, Res: slot.res}
		if slot.res < 0 {
			res.Err = syscall.Errno(-slot.res)
		}
		results = append(results, res)
		*headPtr = *headPtr + 1
	}
	r.pinned = nil
	return results, nil
}
