package memheap

// HeapStats represents heap allocator counters.
type HeapStats struct {
	Avail   uint64 // Arena size in bytes.
	Used    uint64 // Bytes in used blocks, headers included.
	Max     uint64 // High-water mark of Used.
	Err     uint64 // Failed allocations.
	Illegal uint64 // Free or trim calls with a pointer outside the arena.
}

// PoolStats represents the counters of a single pool class.
type PoolStats struct {
	Name     string
	SlotSize int
	Avail    uint64 // Slots in the class.
	Used     uint64 // Slots currently allocated.
	Max      uint64 // High-water mark of Used.
	Err      uint64 // Failed allocations.
}

// Free returns the number of slots currently available.
func (s PoolStats) Free() uint64 {
	return s.Avail - s.Used
}

func (s *HeapStats) addUsed(n uint64) {
	s.Used += n
	if s.Used > s.Max {
		s.Max = s.Used
	}
}

func (s *PoolStats) addUsed() {
	s.Used++
	if s.Used > s.Max {
		s.Max = s.Used
	}
}
