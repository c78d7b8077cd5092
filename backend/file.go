package backend

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/walb-project/walb/internal/interfaces"
)

// DefaultAlignment is the alignment required for O_DIRECT offsets, lengths
// and buffers on the block devices and filesystems this backend targets.
const DefaultAlignment = 4096

// IsAligned reports whether value is a multiple of alignment.
func IsAligned(value int64, alignment int) bool {
	if alignment <= 0 {
		return true
	}
	return value%int64(alignment) == 0
}

// AlignUp rounds value up to the next multiple of alignment.
func AlignUp(value int64, alignment int) int64 {
	if alignment <= 0 {
		return value
	}
	a := int64(alignment)
	return ((value + a - 1) / a) * a
}

// File is an O_DIRECT-backed Backend over a regular file or block device
// node, the data-device and log-device storage a Device is Formatted and
// Opened against outside of tests.
type File struct {
	f         *os.File
	fd        int32
	size      int64
	alignment int
	direct    bool
}

// FileOptions configures how OpenFile opens its target.
type FileOptions struct {
	// Direct enables O_DIRECT. Set false to fall back to buffered I/O,
	// e.g. against filesystems that reject O_DIRECT (tmpfs).
	Direct bool

	// Alignment is the required offset/length/buffer alignment for
	// Direct I/O. If 0, DefaultAlignment is used.
	Alignment int

	// Create creates the file if it doesn't exist, truncated/extended to
	// Size bytes.
	Create bool

	// Size is the file size on Create (truncated or sparse-extended to
	// it); without Create it is ignored and Size() reports the existing
	// file's size.
	Size int64
}

func (o FileOptions) alignment() int {
	if o.Alignment <= 0 {
		return DefaultAlignment
	}
	return o.Alignment
}

// OpenFile opens path as a Backend. With Direct set, reads/writes must use
// Alignment-aligned offsets, lengths and buffers or the kernel returns
// EINVAL; ReadAt/WriteAt surface that as-is rather than silently falling
// back to buffered I/O.
func OpenFile(path string, opts FileOptions) (*File, error) {
	flags := os.O_RDWR
	if opts.Create {
		flags |= os.O_CREATE
	}
	if opts.Direct {
		flags |= unix.O_DIRECT
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("backend: open %s: %w", path, err)
	}

	size := opts.Size
	if opts.Create {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("backend: truncate %s: %w", path, err)
		}
	} else {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("backend: stat %s: %w", path, err)
		}
		size = st.Size()
	}

	return &File{
		f:         f,
		fd:        int32(f.Fd()),
		size:      size,
		alignment: opts.alignment(),
		direct:    opts.Direct,
	}, nil
}

// Fd exposes the raw file descriptor so device.Open's fdBackend detection
// can submit requests against the real io_uring ring instead of the
// synchronous fallback.
func (fl *File) Fd() int32 { return fl.fd }

// ReadAt implements interfaces.Backend.
func (fl *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := fl.f.ReadAt(p, off)
	if err == io.EOF && n == len(p) {
		err = nil
	}
	return n, err
}

// WriteAt implements interfaces.Backend.
func (fl *File) WriteAt(p []byte, off int64) (int, error) {
	return fl.f.WriteAt(p, off)
}

// Size implements interfaces.Backend.
func (fl *File) Size() int64 { return fl.size }

// Close implements interfaces.Backend.
func (fl *File) Close() error { return fl.f.Close() }

// Flush implements interfaces.Backend by issuing fdatasync, durable enough
// for the superblock/logpack fsync points of the write path without the
// extra metadata-sync cost of a full fsync.
func (fl *File) Flush() error {
	return unix.Fdatasync(int(fl.fd))
}

// Discard implements interfaces.DiscardBackend via FALLOC_FL_PUNCH_HOLE,
// falling back to zero-fill for filesystems that reject it (e.g. a plain
// regular file without hole-punching support).
func (fl *File) Discard(offset, length int64) error {
	err := unix.Fallocate(int(fl.fd), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
	if err == nil {
		return nil
	}

	zero := make([]byte, 1<<20)
	remaining := length
	at := offset
	for remaining > 0 {
		n := int64(len(zero))
		if n > remaining {
			n = remaining
		}
		if _, werr := fl.f.WriteAt(zero[:n], at); werr != nil {
			return werr
		}
		at += n
		remaining -= n
	}
	return nil
}

var (
	_ interfaces.Backend        = (*File)(nil)
	_ interfaces.DiscardBackend = (*File)(nil)
)
