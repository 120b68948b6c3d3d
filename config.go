package memheap

import (
	"errors"
	"fmt"

	"github.com/holmberd/go-memheap/internal/arena"
	"github.com/holmberd/go-memheap/internal/block"
)

const (
	KiB = 1024
	MiB = KiB * KiB

	// MaxArenaSize is the largest supported arena. Block links are 32-bit offsets.
	MaxArenaSize = 1024 * MiB

	// MaxPoolBytes is the largest supported backing array of a single pool class.
	MaxPoolBytes = 256 * MiB
)

// PoolClass declares a class of fixed-size objects served by the PoolSet.
type PoolClass struct {
	Name      string
	SlotSize  int // Usable bytes per slot.
	SlotCount int // Number of slots in the backing array.
}

type Config struct {
	ArenaSize int // Heap arena size in bytes, rounded up to Alignment.

	// Alignment of every payload returned by the heap and of every pool slot.
	// Must be a power of two no larger than 4096.
	Alignment int

	// MinPayload is the smallest payload a heap block may hold. Smaller requests are
	// raised to it, and a block is only split when the remainder can hold a header
	// plus MinPayload bytes.
	MinPayload int

	Pools []PoolClass // Pool class table; a PoolID is an index into it.

	// Debug enables invariant assertions. Double frees and foreign pool frees panic
	// instead of corrupting allocator state.
	Debug bool

	// LockMemory pins the mapped arena and pools in RAM when the default mapper is used.
	LockMemory bool
}

func (c Config) Validate() error {
	var errs []error
	if c.Alignment <= 0 || c.Alignment&(c.Alignment-1) != 0 || c.Alignment > arena.MaxAlignment {
		errs = append(errs, fmt.Errorf(
			"invalid config: alignment %d must be a power of two between 1 and %d",
			c.Alignment, arena.MaxAlignment,
		))
		// Sizes below depend on a valid alignment.
		return errors.Join(errs...)
	}
	if c.MinPayload <= 0 {
		errs = append(errs, errors.New("invalid config: minimum payload must be greater than zero"))
	}
	minArena := block.HeaderSize(c.Alignment) + block.AlignUp(max(c.MinPayload, 1), c.Alignment)
	if c.ArenaSize < minArena || c.ArenaSize > MaxArenaSize {
		errs = append(errs, fmt.Errorf(
			"invalid config: arena size %d must be between %d and %d",
			c.ArenaSize, minArena, MaxArenaSize,
		))
	}

	names := make(map[string]struct{}, len(c.Pools))
	for i, p := range c.Pools {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("invalid config: pool %d has no name", i))
		} else if _, ok := names[p.Name]; ok {
			errs = append(errs, fmt.Errorf("invalid config: duplicate pool name %q", p.Name))
		}
		names[p.Name] = struct{}{}
		if p.SlotSize <= 0 || p.SlotCount <= 0 {
			errs = append(errs, fmt.Errorf(
				"invalid config: pool %q must have positive slot size and count", p.Name,
			))
			continue
		}
		if p.SlotSize > MaxPoolBytes || p.SlotCount > MaxPoolBytes || c.PoolBytes(i) > MaxPoolBytes {
			errs = append(errs, fmt.Errorf(
				"invalid config: pool %q exceeds %d bytes", p.Name, MaxPoolBytes,
			))
		}
	}
	return errors.Join(errs...)
}

// PoolBytes returns the size of the backing array of pool class i.
func (c Config) PoolBytes(i int) int {
	return slotStride(c.Pools[i].SlotSize, c.Alignment) * c.Pools[i].SlotCount
}

// DefaultConfig returns a configuration sized for a small network device.
// The pool table follows the object classes of a lightweight TCP/IP stack.
func DefaultConfig() Config {
	return Config{
		ArenaSize:  16 * KiB,
		Alignment:  4,
		MinPayload: 12,
		Pools: []PoolClass{
			{Name: "raw_pcb", SlotSize: 32, SlotCount: 4},
			{Name: "udp_pcb", SlotSize: 40, SlotCount: 4},
			{Name: "tcp_pcb", SlotSize: 152, SlotCount: 5},
			{Name: "tcp_pcb_listen", SlotSize: 28, SlotCount: 8},
			{Name: "tcp_seg", SlotSize: 20, SlotCount: 16},
			{Name: "reassdata", SlotSize: 32, SlotCount: 5},
			{Name: "arp_queue", SlotSize: 8, SlotCount: 30},
			{Name: "sys_timeout", SlotSize: 16, SlotCount: 8},
			{Name: "pbuf", SlotSize: 16, SlotCount: 16},
			{Name: "pbuf_pool", SlotSize: 1536, SlotCount: 8},
		},
	}
}
