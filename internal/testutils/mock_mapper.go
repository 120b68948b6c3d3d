package testutils

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

// MockAlignment is the base alignment guaranteed by MockMapper.
const MockAlignment = 4096

var ErrMockMap = errors.New("testutils: mock map failure")

// MockMapper maps regions on the Go heap instead of with mmap.
type MockMapper struct {
	mapCalls  atomic.Int64
	bytes     atomic.Int64
	FailAfter int64 // If > 0, every Map call after the first FailAfter calls fails.
}

// Map returns a zeroed, MockAlignment-aligned region of size bytes.
func (m *MockMapper) Map(size int) ([]byte, error) {
	n := m.mapCalls.Add(1)
	if m.FailAfter > 0 && n > m.FailAfter {
		return nil, ErrMockMap
	}
	m.bytes.Add(int64(size))

	raw := make([]byte, size+MockAlignment)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	pad := int((MockAlignment - addr%MockAlignment) % MockAlignment)
	return raw[pad : pad+size : pad+size], nil
}

func (m *MockMapper) MapCalls() int64 {
	return m.mapCalls.Load()
}

func (m *MockMapper) MappedBytes() int64 {
	return m.bytes.Load()
}

func (m *MockMapper) Reset() {
	m.mapCalls.Store(0)
	m.bytes.Store(0)
}
