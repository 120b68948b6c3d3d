// Package block implements the inline block header codec used by the heap arena.
//
// A header is stored immediately before a block's payload and links the block to
// its physical neighbours by offset relative to the arena base:
//
//	+--------+--------+------+---------+---------------+
//	| next   | prev   | used | padding | payload ...   |
//	| uint32 | uint32 | byte |         |               |
//	+--------+--------+------+---------+---------------+
//
// Headers are padded to the arena alignment so payloads stay aligned.
package block

import (
	"encoding/binary"
	"fmt"
)

// rawHeaderSize is the encoded header size before alignment padding.
const rawHeaderSize = 9

// Offset is a byte offset relative to the arena base.
type Offset = uint32

// Header is the decoded form of an inline block header.
type Header struct {
	Next Offset // Offset of the physically next block.
	Prev Offset // Offset of the physically previous block.
	Used bool
}

// HeaderSize returns the header stride for the given alignment.
func HeaderSize(alignment int) int {
	return AlignUp(rawHeaderSize, alignment)
}

// AlignUp rounds n up to a multiple of alignment, which must be a power of two.
func AlignUp(n, alignment int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

// IsAligned reports whether n is a multiple of alignment.
func IsAligned(n uintptr, alignment int) bool {
	return n&uintptr(alignment-1) == 0
}

// Read decodes the header at off.
func Read(mem []byte, off Offset) Header {
	b := mem[off : off+rawHeaderSize]
	return Header{
		Next: binary.LittleEndian.Uint32(b[0:4]),
		Prev: binary.LittleEndian.Uint32(b[4:8]),
		Used: b[8] != 0,
	}
}

// Write encodes h at off.
func Write(mem []byte, off Offset, h Header) {
	b := mem[off : off+rawHeaderSize]
	binary.LittleEndian.PutUint32(b[0:4], h.Next)
	binary.LittleEndian.PutUint32(b[4:8], h.Prev)
	if h.Used {
		b[8] = 1
	} else {
		b[8] = 0
	}
}

// SetPrev rewrites only the prev link of the header at off.
func SetPrev(mem []byte, off Offset, prev Offset) {
	binary.LittleEndian.PutUint32(mem[off+4:off+8], prev)
}

func (h Header) String() string {
	state := "free"
	if h.Used {
		state = "used"
	}
	return fmt.Sprintf("{next=%d prev=%d %s}", h.Next, h.Prev, state)
}

// Walker iterates the block chain of an arena in address order.
// It stops at the end sentinel or at a link that does not advance, so a corrupted
// chain cannot loop forever.
type Walker struct {
	mem []byte
	end Offset // Offset of the end sentinel.
	off Offset // Offset of the next block to visit.
	eof bool
}

// NewWalker returns a walker positioned at the first block.
func NewWalker(mem []byte, end Offset) *Walker {
	return &Walker{mem: mem, end: end}
}

// Offset returns the offset of the next block to be visited.
func (w *Walker) Offset() Offset {
	return w.off
}

// Reset positions the walker at the first block.
func (w *Walker) Reset() *Walker {
	w.off = 0
	w.eof = false
	return w
}

// Next returns the next block header and its offset.
// ok is false once the sentinel is reached or the chain is broken.
func (w *Walker) Next() (off Offset, h Header, ok bool) {
	if w.eof || w.off >= w.end {
		w.eof = true
		return 0, Header{}, false
	}
	off = w.off
	h = Read(w.mem, off)
	if h.Next <= off || h.Next > w.end {
		w.eof = true // Broken chain; report this block and stop.
	} else {
		w.off = h.Next
	}
	return off, h, true
}
