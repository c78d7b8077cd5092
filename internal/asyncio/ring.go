// Package asyncio provides batched read/write/fsync submission against
// plain file descriptors (log and data device fds), backed by raw
// io_uring on Linux with a synchronous fallback for backends that have
// no file descriptor.
package asyncio

import (
	"errors"

	"github.com/walb-project/walb/internal/logging"
)

// ErrRingFull is returned when the submission queue is full.
var ErrRingFull = errors.New("asyncio: submission queue full")

// Op identifies which syscall a Request performs.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpFsync
)

// Flag bits a Request may carry.
type Flag uint32

const (
	// FlagFUA requests the write be durable on completion (O_DSYNC-like
	// per-IO semantics), the FUA bio flag of the write path.
	FlagFUA Flag = 1 << iota
)

// Request is one pending IO: a read or write against Buf at Offset on
// FD, or an fsync of FD (Buf/Offset ignored).
type Request struct {
	Op       Op
	FD       int32
	Offset   uint64
	Buf      []byte
	Flags    Flag
	UserData uint64
}

// Result is one completion.
type Result struct {
	UserData uint64
	Res      int32 // bytes transferred, or -errno
	Err      error
}

// Ring submits batches of Requests and waits for their completions. A
// Ring is not safe for concurrent use by multiple goroutines; each
// device's submission worker owns one.
type Ring interface {
	Close() error

	// Prepare stages req in the ring without submitting it to the
	// kernel. Returns ErrRingFull if the submission queue has no room.
	Prepare(req Request) error

	// Submit flushes all staged requests with one syscall, returning
	// how many were submitted.
	Submit() (uint32, error)

	// WaitForCompletion blocks until at least minComplete completions
	// are available (0 to return immediately with whatever is ready).
	WaitForCompletion(minComplete int) ([]Result, error)
}

// Config holds what a plain read/write/fsync ring needs.
type Config struct {
	Entries uint32
}

// New creates a Ring backed by the raw io_uring syscalls in
// minimal_linux.go.
func New(cfg Config) (Ring, error) {
	logger := logging.Default()
	logger.Debug("creating async io ring", "entries", cfg.Entries)

	ring, err := newMinimalRing(cfg.Entries)
	if err != nil {
		logger.Error("failed to create asyncio ring", "error", err)
		return nil, err
	}
	logger.Info("created asyncio ring", "entries", cfg.Entries)
	return ring, nil
}
