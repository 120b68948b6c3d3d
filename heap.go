package memheap

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/holmberd/go-memheap/internal/arena"
	"github.com/holmberd/go-memheap/internal/block"
	"github.com/holmberd/go-memheap/internal/guard"
)

// Mapper provides the fixed backing regions for the arena and the pool classes.
type Mapper = arena.Mapper

// Block describes a heap block as visited by [Heap.Walk].
type Block struct {
	Offset uint32 // Offset of the block header from the arena base.
	Size   int    // Payload size in bytes.
	Used   bool
}

// Heap is a first-fit allocator of variable-size blocks over a fixed arena.
//
// The arena is partitioned into blocks without gaps. Every block starts with an
// inline header linking it to its physical neighbours by offset. A permanent,
// always used sentinel header sits at the end of the arena.
//
// Returned slices point into the arena; their length is the requested size and
// their capacity the usable payload of the block. A slice must be released with
// [Heap.Free] and must not be used afterwards.
type Heap struct {
	logger *slog.Logger
	guard  *guard.Region

	mem  []byte  // Arena plus the sentinel header.
	base uintptr // Address of mem[0].

	end        block.Offset // Aligned arena size; offset of the sentinel.
	hdrSize    block.Offset // Aligned header size.
	minPayload block.Offset // Aligned minimum payload.
	alignment  int

	// lfree is the offset of the lowest free block, or end if none is free.
	lfree block.Offset

	debug bool
	stats HeapStats
}

// NewHeap maps a new arena and initializes it as a single free block.
func NewHeap(mapper Mapper, logger *slog.Logger, config Config) (*Heap, error) {
	return newHeap(mapper, guard.New(), logger, config)
}

func newHeap(mapper Mapper, g *guard.Region, logger *slog.Logger, config Config) (*Heap, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	end := block.AlignUp(config.ArenaSize, config.Alignment)
	hdrSize := block.HeaderSize(config.Alignment)

	mem, err := mapper.Map(end + hdrSize)
	if err != nil {
		return nil, fmt.Errorf("memheap: cannot map heap arena: %w", err)
	}
	if len(mem) != end+hdrSize {
		return nil, fmt.Errorf("memheap: mapper returned %d bytes, want %d", len(mem), end+hdrSize)
	}
	if !arena.Aligned(mem, config.Alignment) {
		return nil, arena.ErrMisaligned
	}

	h := &Heap{
		logger:     logger,
		guard:      g,
		mem:        mem,
		base:       arena.Base(mem),
		end:        block.Offset(end),
		hdrSize:    block.Offset(hdrSize),
		minPayload: block.Offset(block.AlignUp(config.MinPayload, config.Alignment)),
		alignment:  config.Alignment,
		debug:      config.Debug,
	}
	h.init()
	logger.Info("heap initialized",
		"arena", end,
		"header", hdrSize,
		"alignment", config.Alignment,
		"minPayload", h.minPayload,
	)
	return h, nil
}

// init installs the initial free block, the sentinel and the cursor.
func (h *Heap) init() {
	block.Write(h.mem, 0, block.Header{Next: h.end, Prev: 0, Used: false})
	block.Write(h.mem, h.end, block.Header{Next: h.end, Prev: h.end, Used: true})
	h.lfree = 0
	h.stats = HeapStats{Avail: uint64(h.end)}
}

// Size returns the arena size in bytes.
func (h *Heap) Size() int {
	return int(h.end)
}

// HeaderSize returns the per-block header overhead in bytes.
func (h *Heap) HeaderSize() int {
	return int(h.hdrSize)
}

// Allocate returns a slice of size bytes from the lowest free block that fits.
// The slice is aligned and its contents are unspecified.
func (h *Heap) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	n, ok := h.alignSize(size)

	h.guard.Enter()
	defer h.guard.Exit()

	if !ok {
		h.stats.Err++
		return nil, ErrOutOfMemory
	}
	off, found := h.allocate(n)
	if !found {
		h.stats.Err++
		return nil, ErrOutOfMemory
	}
	return h.payload(off, size), nil
}

// ZeroAllocate allocates count objects of size bytes each and zeroes the full span.
func (h *Heap) ZeroAllocate(count, size int) ([]byte, error) {
	if count <= 0 || size <= 0 {
		return nil, ErrInvalidSize
	}
	if count > math.MaxInt/size {
		return nil, ErrOverflow
	}
	p, err := h.Allocate(count * size)
	if err != nil {
		return nil, err
	}
	clear(p[:cap(p)])
	return p, nil
}

// alignSize rounds size up to the alignment and floors it to the minimum payload.
// ok is false if the result can never fit in the arena.
func (h *Heap) alignSize(size int) (n block.Offset, ok bool) {
	if size > int(h.end) {
		return 0, false
	}
	aligned := block.AlignUp(size, h.alignment)
	if aligned < int(h.minPayload) {
		aligned = int(h.minPayload)
	}
	if aligned > int(h.end) {
		return 0, false
	}
	return block.Offset(aligned), true
}

// allocate performs the first-fit scan for n payload bytes.
// It returns the offset of the allocated block. The caller must hold the mask.
func (h *Heap) allocate(n block.Offset) (off block.Offset, ok bool) {
	for off = h.lfree; off < h.end-n; off = block.Read(h.mem, off).Next {
		hdr := block.Read(h.mem, off)
		if hdr.Used || hdr.Next-(off+h.hdrSize) < n {
			continue
		}

		if hdr.Next-(off+h.hdrSize) >= n+h.hdrSize+h.minPayload {
			// Split: the remainder can hold a header and the minimum payload.
			off2 := off + h.hdrSize + n
			block.Write(h.mem, off2, block.Header{Next: hdr.Next, Prev: off, Used: false})
			if hdr.Next != h.end {
				block.SetPrev(h.mem, hdr.Next, off2)
			}
			hdr.Next = off2
			h.stats.addUsed(uint64(n + h.hdrSize))
		} else {
			// Near or exact fit; the slack stays inside the block.
			h.stats.addUsed(uint64(hdr.Next - off))
		}
		hdr.Used = true
		block.Write(h.mem, off, hdr)

		if off == h.lfree {
			h.advanceCursor()
		}
		return off, true
	}
	return 0, false
}

// advanceCursor moves lfree forward to the next free block or the sentinel.
func (h *Heap) advanceCursor() {
	cur := h.lfree
	for cur != h.end {
		hdr := block.Read(h.mem, cur)
		if !hdr.Used {
			break
		}
		cur = hdr.Next
	}
	h.lfree = cur
}

// payload returns the caller's view of the block at off.
func (h *Heap) payload(off block.Offset, size int) []byte {
	start := off + h.hdrSize
	limit := block.Read(h.mem, off).Next
	return h.mem[start : start+block.Offset(size) : limit]
}

// blockOf resolves the block owning p.
// ok is false if p does not address a payload inside the arena.
func (h *Heap) blockOf(p []byte) (off block.Offset, ok bool) {
	addr := arena.Addr(p)
	if addr < h.base || addr >= h.base+uintptr(h.end) {
		return 0, false
	}
	poff := addr - h.base
	if poff < uintptr(h.hdrSize) || !block.IsAligned(poff, h.alignment) {
		return 0, false
	}
	return block.Offset(poff) - h.hdrSize, true
}

// Contains reports whether p points into the arena.
func (h *Heap) Contains(p []byte) bool {
	addr := arena.Addr(p)
	return addr >= h.base && addr < h.base+uintptr(h.end)
}

// Free returns the block owning p to the heap. Free of a nil slice is a no-op.
// A slice that does not point into the arena is ignored and counted as illegal.
func (h *Heap) Free(p []byte) {
	h.free(p, false)
}

// FreeFromInterrupt is like Free but only takes the mask tier of the guard,
// so it is safe to call from a context that must not block.
func (h *Heap) FreeFromInterrupt(p []byte) {
	h.free(p, true)
}

func (h *Heap) free(p []byte, fromInterrupt bool) {
	if arena.Addr(p) == 0 {
		return
	}
	off, ok := h.blockOf(p)
	if !ok {
		h.illegal("free", p)
		return
	}

	if fromInterrupt {
		h.guard.Mask()
		defer h.guard.Unmask()
	} else {
		h.guard.Enter()
		defer h.guard.Exit()
	}

	hdr := block.Read(h.mem, off)
	if !hdr.Used {
		h.invariant(fmt.Errorf("double free of block at offset %d", off))
		return
	}
	hdr.Used = false
	block.Write(h.mem, off, hdr)
	if off < h.lfree {
		h.lfree = off
	}
	h.stats.Used -= uint64(hdr.Next - off)
	h.plugHoles(off)
}

// plugHoles merges the just freed block at off with free neighbours, so that no two
// physically adjacent blocks are free. The caller must hold the mask.
func (h *Heap) plugHoles(off block.Offset) {
	hdr := block.Read(h.mem, off)

	// Forward: absorb the next block unless it is used or the sentinel.
	if hdr.Next != off && hdr.Next != h.end {
		next := block.Read(h.mem, hdr.Next)
		if !next.Used {
			if h.lfree == hdr.Next {
				h.lfree = off
			}
			hdr.Next = next.Next
			block.Write(h.mem, off, hdr)
			if next.Next != h.end {
				block.SetPrev(h.mem, next.Next, off)
			}
		}
	}

	// Backward: let the previous block absorb this one.
	if hdr.Prev != off {
		prev := block.Read(h.mem, hdr.Prev)
		if !prev.Used {
			if h.lfree == off {
				h.lfree = hdr.Prev
			}
			prev.Next = hdr.Next
			block.Write(h.mem, hdr.Prev, prev)
			if hdr.Next != h.end {
				block.SetPrev(h.mem, hdr.Next, hdr.Prev)
			}
		}
	}
}

// Trim shrinks the block owning p to newSize bytes without moving it.
//
// Bytes [0, newSize) are preserved. The returned slice shares p's address. Trim fails
// with ErrTrimRejected if newSize is larger than the current payload. If the freed tail
// is too small to hold a new block, Trim only reslices p.
func (h *Heap) Trim(p []byte, newSize int) ([]byte, error) {
	if newSize < 0 {
		return nil, ErrInvalidSize
	}
	off, ok := h.blockOf(p)
	if !ok {
		h.illegal("trim", p)
		return p, ErrIllegalPointer
	}
	n, ok := h.alignSize(max(newSize, 1))
	if !ok {
		return nil, ErrTrimRejected
	}

	h.guard.Enter()
	defer h.guard.Exit()

	hdr := block.Read(h.mem, off)
	if !hdr.Used {
		h.invariant(fmt.Errorf("trim of free block at offset %d", off))
		return nil, ErrTrimRejected
	}
	size := hdr.Next - off - h.hdrSize
	if n > size {
		return nil, ErrTrimRejected
	}
	if n < size {
		h.shrink(off, hdr, n, size)
	}
	return h.payload(off, newSize), nil
}

// shrink releases the tail of the used block at off beyond n payload bytes.
// The caller must hold the mask.
func (h *Heap) shrink(off block.Offset, hdr block.Header, n, size block.Offset) {
	off2 := off + h.hdrSize + n
	next := block.Read(h.mem, hdr.Next)

	switch {
	case !next.Used:
		// The next block is free: move its header down to absorb the tail.
		if h.lfree == hdr.Next {
			h.lfree = off2
		}
		block.Write(h.mem, off2, block.Header{Next: next.Next, Prev: off, Used: false})
		if next.Next != h.end {
			block.SetPrev(h.mem, next.Next, off2)
		}
	case n+h.hdrSize+h.minPayload <= size:
		// The next block is used but the tail can hold a new free block.
		if off2 < h.lfree {
			h.lfree = off2
		}
		block.Write(h.mem, off2, block.Header{Next: hdr.Next, Prev: off, Used: false})
		if hdr.Next != h.end {
			block.SetPrev(h.mem, hdr.Next, off2)
		}
	default:
		return // Tail too small for a block; it stays inside this one.
	}
	hdr.Next = off2
	block.Write(h.mem, off, hdr)
	h.stats.Used -= uint64(size - n)
}

// illegal records a rejected pointer.
func (h *Heap) illegal(op string, p []byte) {
	h.guard.Mask()
	h.stats.Illegal++
	h.guard.Unmask()
	h.logger.Warn("illegal pointer", "op", op, "addr", fmt.Sprintf("%#x", arena.Addr(p)))
}

// invariant panics with err when assertions are enabled, and logs it otherwise.
// Allocator state is undefined after a violation.
func (h *Heap) invariant(err error) {
	err = fmt.Errorf("invariant violation: %w", err)
	if h.debug {
		panic(err)
	}
	h.logger.Error("heap contract violated", "error", err)
}

// Stats returns a snapshot of the heap counters.
func (h *Heap) Stats() HeapStats {
	h.guard.Mask()
	defer h.guard.Unmask()
	return h.stats
}

// Walk calls fn for every block in address order until fn returns false.
// fn must not call back into the heap.
func (h *Heap) Walk(fn func(Block) bool) {
	h.guard.Enter()
	defer h.guard.Exit()

	w := block.NewWalker(h.mem, h.end)
	for {
		off, hdr, ok := w.Next()
		if !ok {
			return
		}
		b := Block{Offset: off, Used: hdr.Used}
		if hdr.Next > off+h.hdrSize {
			b.Size = int(hdr.Next - off - h.hdrSize)
		}
		if !fn(b) {
			return
		}
	}
}

// Digest returns a hash of the block layout. Two heaps with the same sequence of
// block offsets and states have the same digest; payload bytes are not included.
func (h *Heap) Digest() uint64 {
	h.guard.Enter()
	defer h.guard.Exit()

	d := xxhash.New()
	var buf [9]byte
	w := block.NewWalker(h.mem, h.end)
	for {
		off, hdr, ok := w.Next()
		if !ok {
			break
		}
		binary.LittleEndian.PutUint32(buf[0:4], off)
		binary.LittleEndian.PutUint32(buf[4:8], hdr.Next)
		buf[8] = 0
		if hdr.Used {
			buf[8] = 1
		}
		d.Write(buf[:])
	}
	binary.LittleEndian.PutUint32(buf[0:4], h.lfree)
	d.Write(buf[:4])
	return d.Sum64()
}

// Check verifies the structural invariants of the heap.
// Any error wraps ErrHeapCorrupted.
func (h *Heap) Check() error {
	h.guard.Enter()
	defer h.guard.Exit()

	if err := h.check(); err != nil {
		h.logger.Error("heap check failed", "error", err)
		return fmt.Errorf("%w: %w", ErrHeapCorrupted, err)
	}
	return nil
}

func (h *Heap) check() error {
	sentinel := block.Read(h.mem, h.end)
	if !sentinel.Used || sentinel.Next != h.end || sentinel.Prev != h.end {
		return fmt.Errorf("bad sentinel %v", sentinel)
	}

	var (
		span      uint64
		used      uint64
		prevOff   block.Offset
		prevFree  bool
		firstFree = h.end
		cursorOK  = h.lfree == h.end
		off       block.Offset
	)
	for off != h.end {
		hdr := block.Read(h.mem, off)
		if hdr.Next <= off || hdr.Next > h.end {
			return fmt.Errorf("block %d: next %d does not advance", off, hdr.Next)
		}
		if hdr.Next-off < h.hdrSize {
			return fmt.Errorf("block %d: span %d smaller than header", off, hdr.Next-off)
		}
		if off != 0 && hdr.Prev != prevOff {
			return fmt.Errorf("block %d: prev %d, want %d", off, hdr.Prev, prevOff)
		}
		if !block.IsAligned(uintptr(off), h.alignment) {
			return fmt.Errorf("block %d: misaligned", off)
		}
		if off == h.lfree {
			cursorOK = true
		}
		if hdr.Used {
			used += uint64(hdr.Next - off)
			prevFree = false
		} else {
			if prevFree {
				return fmt.Errorf("blocks %d and %d are both free", prevOff, off)
			}
			if firstFree == h.end {
				firstFree = off
			}
			prevFree = true
		}
		span += uint64(hdr.Next - off)
		prevOff = off
		off = hdr.Next
	}

	if span != uint64(h.end) {
		return fmt.Errorf("block spans sum to %d, want %d", span, h.end)
	}
	if !cursorOK {
		return fmt.Errorf("cursor %d is not a block offset", h.lfree)
	}
	if h.lfree > firstFree {
		return fmt.Errorf("cursor %d above lowest free block %d", h.lfree, firstFree)
	}
	if h.lfree != h.end && block.Read(h.mem, h.lfree).Used {
		return fmt.Errorf("cursor %d references a used block", h.lfree)
	}
	if used != h.stats.Used {
		return fmt.Errorf("used bytes %d, stats report %d", used, h.stats.Used)
	}
	return nil
}

// Print outputs a visual representation of the block chain for debugging purposes.
// Each row holds a block offset, its state and its payload size.
func (h *Heap) Print(w io.Writer) {
	if h == nil {
		return
	}
	fmt.Fprintf(w, "--- Heap (%d bytes, header %d) ---\n", h.end, h.hdrSize)
	h.Walk(func(b Block) bool {
		state := "free"
		if b.Used {
			state = "used"
		}
		fmt.Fprintf(w, "%8d: %s %d\n", b.Offset, state, b.Size)
		return true
	})
	fmt.Fprintf(w, "%8d: sentinel\n", h.end)
}
