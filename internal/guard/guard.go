// Package guard implements the exclusive region shared by the heap and pool allocators.
//
// A Region has two tiers:
//
//   - A blocking mutex for callers that may wait (application context). It is held
//     for the full duration of a heap call.
//   - A non-blocking mask for the narrow window in which headers, links and counters
//     are mutated. Interrupt-context callers only take the mask. Taking it never parks
//     the caller on a lock; it spins until the current holder unmasks.
//
// The mask does not nest. A caller that already holds it must not take it again.
package guard

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

var errNotMasked = errors.New("guard: unmask of a region that is not masked")

// Region is an exclusive region. The zero value is unlocked and unmasked.
type Region struct {
	mu     sync.Mutex
	masked atomic.Bool
	spins  atomic.Uint64 // Number of yields spent waiting for the mask.
}

// New returns a new region.
func New() *Region {
	return &Region{}
}

// Lock acquires the blocking tier.
func (r *Region) Lock() {
	r.mu.Lock()
}

// Unlock releases the blocking tier.
func (r *Region) Unlock() {
	r.mu.Unlock()
}

// Mask enters the masked section, yielding the processor until it is free.
func (r *Region) Mask() {
	for !r.masked.CompareAndSwap(false, true) {
		r.spins.Add(1)
		runtime.Gosched()
	}
}

// TryMask enters the masked section if it is free and reports whether it did.
func (r *Region) TryMask() bool {
	return r.masked.CompareAndSwap(false, true)
}

// Unmask leaves the masked section.
// It panics if the region is not masked.
func (r *Region) Unmask() {
	if !r.masked.CompareAndSwap(true, false) {
		panic(errNotMasked)
	}
}

// Masked reports whether some caller currently holds the mask.
func (r *Region) Masked() bool {
	return r.masked.Load()
}

// Enter takes both tiers, mutex first.
func (r *Region) Enter() {
	r.mu.Lock()
	r.Mask()
}

// Exit releases both tiers in reverse order.
func (r *Region) Exit() {
	r.Unmask()
	r.mu.Unlock()
}

// Spins returns the number of times a caller yielded while waiting for the mask.
func (r *Region) Spins() uint64 {
	return r.spins.Load()
}
