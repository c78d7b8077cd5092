package walb

import (
	"sync"

	"github.com/walb-project/walb/internal/interfaces"
)

// MockBackend provides a mock implementation of interfaces.Backend and
// interfaces.DiscardBackend for testing. It tracks method calls for
// verification in this package's device tests that need a backend
// without a real file or /dev node behind it.
type MockBackend struct {
	data    []byte
	size    int64
	closed  bool
	flushed bool
	stats   map[string]interface{}

	mu         sync.RWMutex
	readCalls  int
	writeCalls int
	flushCalls int
}

// NewMockBackend creates a new mock backend with the specified size.
func NewMockBackend(size int64) *MockBackend {
	return &MockBackend{
		data:  make([]byte, size),
		size:  size,
		stats: make(map[string]interface{}),
	}
}

// ReadAt implements interfaces.Backend.
func (m *MockBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++

	if m.closed {
		return 0, ErrDeviceNotFound
	}

	if off >= m.size {
		return 0, nil
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	n := copy(p, m.data[off:off+int64(len(p))])
	return n, nil
}

// WriteAt implements interfaces.Backend.
func (m *MockBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++

	if m.closed {
		return 0, ErrDeviceNotFound
	}

	if off >= m.size {
		return 0, ErrInvalidParameter
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	n := copy(m.data[off:off+int64(len(p))], p)
	return n, nil
}

// Size implements interfaces.Backend.
func (m *MockBackend) Size() int64 {
	return m.size
}

// Close implements interfaces.Backend.
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Flush implements interfaces.Backend.
func (m *MockBackend) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushCalls++
	m.flushed = true
	return nil
}

// Discard implements interfaces.DiscardBackend.
func (m *MockBackend) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset >= m.size {
		return nil
	}

	end := offset + length
	if end > m.size {
		end = m.size
	}

	for i := offset; i < end; i++ {
		m.data[i] = 0
	}

	return nil
}

// Testing utility methods

// IsClosed returns true if the backend has been closed.
func (m *MockBackend) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// IsFlushed returns true if Flush has been called.
func (m *MockBackend) IsFlushed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushed
}

// CallCounts returns the number of times each method has been called.
func (m *MockBackend) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
		"flush": m.flushCalls,
	}
}

// Reset resets all call counters and state flags.
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls = 0
	m.writeCalls = 0
	m.flushCalls = 0
	m.flushed = false
}

// SetCustomStats allows setting custom statistics for testing.
func (m *MockBackend) SetCustomStats(stats map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats = make(map[string]interface{})
	for k, v := range stats {
		m.stats[k] = v
	}
}

// Compile-time interface checks
var (
	_ interfaces.Backend        = (*MockBackend)(nil)
	_ interfaces.DiscardBackend = (*MockBackend)(nil)
)
