package memheap

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"
	"github.com/holmberd/go-memheap/internal/arena"
	"github.com/holmberd/go-memheap/internal/block"
	"github.com/holmberd/go-memheap/internal/guard"
)

const (
	linkSize = 4          // Size of a free-list link, in bytes (uint32 slot index).
	nilSlot  = ^uint32(0) // Terminates a free-list.
	noPool   = PoolID(-1) // Returned by Lookup for unknown names.
)

// PoolID identifies a pool class by its index in Config.Pools.
type PoolID int

// slotStride returns the distance in bytes between two slots of a class.
func slotStride(slotSize, alignment int) int {
	return block.AlignUp(max(slotSize, linkSize), alignment)
}

// freeLink is the view of a free slot. Its first linkSize bytes hold the index of
// the next free slot of the same class. Allocated slots are never accessed through it.
type freeLink []byte

func (l freeLink) next() uint32 {
	return binary.LittleEndian.Uint32(l[:linkSize])
}

func (l freeLink) setNext(i uint32) {
	binary.LittleEndian.PutUint32(l[:linkSize], i)
}

// pool is the free-list of a single class over its own backing array.
type pool struct {
	mem    []byte
	base   uintptr
	stride int
	head   uint32 // Index of the first free slot, or nilSlot.
	stats  PoolStats
}

func (p *pool) link(i uint32) freeLink {
	off := int(i) * p.stride
	return freeLink(p.mem[off : off+linkSize])
}

func (p *pool) slot(i uint32) []byte {
	off := int(i) * p.stride
	return p.mem[off : off+p.stats.SlotSize : off+p.stride]
}

// init wires every slot into the free-list. The last slot ends up at the head.
func (p *pool) init() {
	p.head = nilSlot
	for i := range uint32(p.stats.Avail) {
		p.link(i).setNext(p.head)
		p.head = i
	}
}

// PoolSet serves fixed-size objects from one free-list per declared class.
// Each class is backed by its own array; nothing is drawn from the heap arena.
//
// Allocate and Free are O(1) and only take the mask tier of the guard, so both are
// safe to call from interrupt context.
type PoolSet struct {
	logger *slog.Logger
	guard  *guard.Region
	pools  []pool
	names  map[string]PoolID
	debug  bool
}

// NewPools maps the backing array of every class in config.Pools and builds its free-list.
func NewPools(mapper Mapper, logger *slog.Logger, config Config) (*PoolSet, error) {
	return newPools(mapper, guard.New(), logger, config)
}

func newPools(mapper Mapper, g *guard.Region, logger *slog.Logger, config Config) (*PoolSet, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ps := &PoolSet{
		logger: logger,
		guard:  g,
		pools:  make([]pool, len(config.Pools)),
		names:  make(map[string]PoolID, len(config.Pools)),
		debug:  config.Debug,
	}
	for i, class := range config.Pools {
		stride := slotStride(class.SlotSize, config.Alignment)
		mem, err := mapper.Map(config.PoolBytes(i))
		if err != nil {
			return nil, fmt.Errorf("memheap: cannot map pool %q: %w", class.Name, err)
		}
		if !arena.Aligned(mem, config.Alignment) {
			return nil, arena.ErrMisaligned
		}
		p := &ps.pools[i]
		p.mem = mem
		p.base = arena.Base(mem)
		p.stride = stride
		p.stats = PoolStats{
			Name:     class.Name,
			SlotSize: class.SlotSize,
			Avail:    uint64(class.SlotCount),
		}
		p.init()
		ps.names[class.Name] = PoolID(i)
	}
	logger.Info("pools initialized", "classes", len(ps.pools))
	return ps, nil
}

// Len returns the number of pool classes.
func (ps *PoolSet) Len() int {
	return len(ps.pools)
}

// Lookup returns the id of the class with the given name.
func (ps *PoolSet) Lookup(name string) (PoolID, bool) {
	id, ok := ps.names[name]
	if !ok {
		return noPool, false
	}
	return id, true
}

// Classes returns the declared classes in PoolID order.
func (ps *PoolSet) Classes() []PoolClass {
	classes := make([]PoolClass, len(ps.pools))
	for i := range ps.pools {
		classes[i] = PoolClass{
			Name:      ps.pools[i].stats.Name,
			SlotSize:  ps.pools[i].stats.SlotSize,
			SlotCount: int(ps.pools[i].stats.Avail),
		}
	}
	return classes
}

func (ps *PoolSet) valid(id PoolID) bool {
	return id >= 0 && int(id) < len(ps.pools)
}

// Allocate pops a slot from the free-list of class id.
// The slot's contents are unspecified.
func (ps *PoolSet) Allocate(id PoolID) ([]byte, error) {
	if !ps.valid(id) {
		return nil, ErrInvalidPool
	}
	p := &ps.pools[id]

	ps.guard.Mask()
	defer ps.guard.Unmask()

	i := p.head
	if i == nilSlot {
		p.stats.Err++
		return nil, ErrOutOfMemory
	}
	p.head = p.link(i).next()
	p.stats.addUsed()
	return p.slot(i), nil
}

// Free pushes s back onto the free-list of class id. Free of a nil slice is a no-op.
//
// s must have been returned by Allocate for the same class and not freed since.
// This is only checked when Config.Debug is set.
func (ps *PoolSet) Free(id PoolID, s []byte) {
	addr := arena.Addr(s)
	if addr == 0 {
		return
	}
	if ps.debug {
		ps.checkFree(id, addr)
	}
	p := &ps.pools[id]
	i := uint32((addr - p.base) / uintptr(p.stride))

	ps.guard.Mask()
	defer ps.guard.Unmask()

	p.link(i).setNext(p.head)
	p.head = i
	p.stats.Used--
}

// checkFree panics if addr is not an allocated slot of class id.
func (ps *PoolSet) checkFree(id PoolID, addr uintptr) {
	if !ps.valid(id) {
		panic(fmt.Errorf("invariant violation: free to undeclared pool %d", id))
	}
	p := &ps.pools[id]
	if addr < p.base || addr >= p.base+uintptr(len(p.mem)) || (addr-p.base)%uintptr(p.stride) != 0 {
		panic(fmt.Errorf("invariant violation: %#x is not a slot of pool %q", addr, p.stats.Name))
	}
	i := uint32((addr - p.base) / uintptr(p.stride))

	ps.guard.Mask()
	defer ps.guard.Unmask()
	for j := p.head; j != nilSlot; j = p.link(j).next() {
		if j == i {
			panic(fmt.Errorf("invariant violation: double free of slot %d in pool %q", i, p.stats.Name))
		}
	}
}

// NumFree returns the number of free slots of class id.
func (ps *PoolSet) NumFree(id PoolID) int {
	if !ps.valid(id) {
		return 0
	}
	p := &ps.pools[id]

	ps.guard.Mask()
	defer ps.guard.Unmask()
	n := 0
	for j := p.head; j != nilSlot; j = p.link(j).next() {
		n++
	}
	return n
}

// FreeDigest returns a digest of the set of free slots of class id.
// The digest does not depend on the order of the free-list.
func (ps *PoolSet) FreeDigest(id PoolID) uint64 {
	if !ps.valid(id) {
		return 0
	}
	p := &ps.pools[id]

	ps.guard.Mask()
	defer ps.guard.Unmask()
	var sum uint64
	var buf [linkSize]byte
	for j := p.head; j != nilSlot; j = p.link(j).next() {
		binary.LittleEndian.PutUint32(buf[:], j)
		sum ^= xxhash.Sum64(buf[:])
	}
	return sum
}

// Stats returns a snapshot of the counters of every class in PoolID order.
func (ps *PoolSet) Stats() []PoolStats {
	ps.guard.Mask()
	defer ps.guard.Unmask()

	stats := make([]PoolStats, len(ps.pools))
	for i := range ps.pools {
		stats[i] = ps.pools[i].stats
	}
	return stats
}
