// Package arena provides the fixed backing regions for the heap and pool allocators.
package arena

import (
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MaxAlignment is the largest alignment a Mapper is required to honour.
// Anonymous mappings are page aligned, which satisfies it on every supported platform.
const MaxAlignment = 4096

var ErrMisaligned = errors.New("arena: region is not aligned")

// Mapper defines the contract for obtaining a fixed backing region.
// Regions are carved once at start-up and live for the rest of the process.
type Mapper interface {
	// Map returns a zeroed region of exactly size bytes whose base address is
	// aligned to MaxAlignment.
	Map(size int) ([]byte, error)
}

// Mmap is a Mapper that allocates regions outside the Go heap with an anonymous
// private mapping. Such regions are never scanned by the garbage collector.
type Mmap struct {
	// Lock pins the mapped pages in memory. A failure to pin is logged and otherwise
	// ignored, since it usually means RLIMIT_MEMLOCK is too small.
	Lock   bool
	Logger *slog.Logger
}

// Map implements Mapper.
func (m Mmap) Map(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arena: invalid region size %d", size)
	}
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("arena: cannot map %d bytes: %w", size, err)
	}
	if !Aligned(data, MaxAlignment) {
		if uerr := unix.Munmap(data); uerr != nil {
			m.logger().Error("failed to unmap region", "error", uerr)
		}
		return nil, ErrMisaligned
	}
	if m.Lock {
		if err := unix.Mlock(data); err != nil {
			m.logger().Warn("failed to lock region in memory", "size", size, "error", err)
		}
	}
	return data, nil
}

func (m Mmap) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// Base returns the address of the first byte of a region.
func Base(region []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(region)))
}

// Aligned reports whether the base of region is a multiple of alignment.
func Aligned(region []byte, alignment int) bool {
	return Base(region)&uintptr(alignment-1) == 0
}

// Addr returns the address of the first byte referenced by p, or 0 for a nil slice.
func Addr(p []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(p)))
}
