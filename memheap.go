// Package memheap implements a fixed-capacity dynamic memory subsystem for
// resource-constrained systems.
//
// The arena and the pool arrays are carved once at start-up and never grow. Two
// allocators manage them:
//
//   - [Heap]: a first-fit allocator of variable-size blocks with splitting,
//     coalescing and in-place shrinking.
//   - [PoolSet]: O(1) fixed-size slot allocators, one free-list per declared class.
//
// Both serialize their structural mutations through one shared exclusive region,
// which has a blocking tier for application code and a non-blocking tier for
// interrupt-context callers. See [Heap.FreeFromInterrupt].
package memheap

import (
	"log/slog"

	"github.com/holmberd/go-memheap/internal/arena"
	"github.com/holmberd/go-memheap/internal/guard"
)

// Memory owns the heap and the pools of a process.
type Memory struct {
	Heap  *Heap
	Pools *PoolSet
}

// New creates the heap arena and pools outside the Go heap with the default logger.
func New(config Config) (*Memory, error) {
	logger := slog.Default()
	return Custom(arena.Mmap{Lock: config.LockMemory, Logger: logger}, logger, config)
}

// Custom creates the heap arena and pools with a custom mapper and logger.
func Custom(mapper Mapper, logger *slog.Logger, config Config) (*Memory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := guard.New()
	heap, err := newHeap(mapper, g, logger, config)
	if err != nil {
		return nil, err
	}
	pools, err := newPools(mapper, g, logger, config)
	if err != nil {
		return nil, err
	}
	return &Memory{Heap: heap, Pools: pools}, nil
}
