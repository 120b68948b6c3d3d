package memheap

import "errors"

var (
	// ErrOutOfMemory indicates that no free block is large enough (heap) or the
	// class free-list is empty (pool).
	ErrOutOfMemory = errors.New("memheap: out of memory")

	// ErrIllegalPointer indicates a slice that does not point into the heap arena.
	// The call is ignored and only counted in HeapStats.Illegal.
	ErrIllegalPointer = errors.New("memheap: pointer outside of arena")

	// ErrTrimRejected indicates an attempt to grow a block with Trim.
	ErrTrimRejected = errors.New("memheap: trim can only shrink a block")

	ErrInvalidSize   = errors.New("memheap: size must be greater than zero")
	ErrOverflow      = errors.New("memheap: allocation size overflows")
	ErrInvalidPool   = errors.New("memheap: undeclared pool")
	ErrHeapCorrupted = errors.New("memheap: heap is corrupted")
)
