// Package interfaces holds the backend/logger/observer contracts shared
// between the root package and internal packages (internal/redo,
// internal/datapipeline) that must not import the root package directly,
// to avoid an import cycle with device.go.
package interfaces

// Backend is the data-device contract: plain positional reads and writes
// against the backing store a wrapper device redoes and applies writes to.
type Backend interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Size() int64
	Close() error
	Flush() error
}

// DiscardBackend is an optional interface for TRIM/DISCARD support.
type DiscardBackend interface {
	Backend
	Discard(offset, length int64) error
}

// Logger interface for optional logging.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer interface for metrics collection.
// Implementations must be thread-safe as methods are called from the I/O loop.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveDiscard(bytes uint64, latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
}
