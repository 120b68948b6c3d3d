package memheap

// White box testing of heap functionality.

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/holmberd/go-memheap/internal/arena"
	"github.com/holmberd/go-memheap/internal/testutils"
)

// testHeapConfig is the reference configuration: a 1 KiB arena with 4-byte alignment,
// a 12-byte minimum payload and therefore a 12-byte header.
func testHeapConfig() Config {
	return Config{
		ArenaSize:  1024,
		Alignment:  4,
		MinPayload: 12,
		Debug:      true,
	}
}

// newTestHeap is a helper for creating a heap backed by the mock mapper.
func newTestHeap(t *testing.T, config Config) *Heap {
	t.Helper()
	discardLogger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Discard logs during testing.
	h, err := NewHeap(&testutils.MockMapper{}, discardLogger, config)
	require.NoError(t, err)
	return h
}

// blocks returns the block chain of h.
func blocks(h *Heap) []Block {
	var bs []Block
	h.Walk(func(b Block) bool {
		bs = append(bs, b)
		return true
	})
	return bs
}

// fill writes a repeating pattern derived from seed into p.
func fill(p []byte, seed byte) {
	for i := range p {
		p[i] = seed + byte(i%13)
	}
}

// assertFilled asserts that p still holds the pattern written by fill.
func assertFilled(t *testing.T, p []byte, seed byte) {
	t.Helper()
	for i := range p {
		if p[i] != seed+byte(i%13) {
			t.Fatalf("byte %d: expected %#x, got %#x", i, seed+byte(i%13), p[i])
		}
	}
}

func TestHeapInit(t *testing.T) {
	h := newTestHeap(t, testHeapConfig())
	require.Equal(t, 1024, h.Size())
	require.Equal(t, 12, h.HeaderSize())
	require.Equal(t, []Block{{Offset: 0, Size: 1012, Used: false}}, blocks(h))
	require.NoError(t, h.Check())

	stats := h.Stats()
	require.Equal(t, HeapStats{Avail: 1024}, stats)
}

func TestHeapInitInvalidConfig(t *testing.T) {
	config := testHeapConfig()
	config.Alignment = 3
	_, err := NewHeap(&testutils.MockMapper{}, nil, config)
	require.Error(t, err)
}

func TestHeapCapacity(t *testing.T) {
	h := newTestHeap(t, testHeapConfig())

	p, err := h.Allocate(100)
	require.NoError(t, err)
	require.Len(t, p, 100)
	require.Zero(t, arena.Addr(p)%4, "expected a 4-byte aligned pointer")

	_, err = h.Allocate(2000)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.EqualValues(t, 1, h.Stats().Err)
	require.NoError(t, h.Check())
}

func TestHeapAllocateInvalidSize(t *testing.T) {
	h := newTestHeap(t, testHeapConfig())
	for _, size := range []int{0, -1, math.MinInt} {
		_, err := h.Allocate(size)
		require.ErrorIs(t, err, ErrInvalidSize)
	}
	require.Zero(t, h.Stats().Err)
}

func TestHeapFirstFitReuse(t *testing.T) {
	h := newTestHeap(t, testHeapConfig())

	a, err := h.Allocate(50)
	require.NoError(t, err)
	b, err := h.Allocate(50)
	require.NoError(t, err)
	require.Greater(t, arena.Addr(b), arena.Addr(a))

	h.Free(a)
	c, err := h.Allocate(40)
	require.NoError(t, err)
	require.Equal(t, arena.Addr(a), arena.Addr(c), "expected first-fit to reuse the lowest freed block")
	require.NoError(t, h.Check())
}

func TestHeapCoalescing(t *testing.T) {
	h := newTestHeap(t, testHeapConfig())

	// A and B are adjacent; C takes the rest of the arena exactly.
	a, err := h.Allocate(200)
	require.NoError(t, err)
	b, err := h.Allocate(200)
	require.NoError(t, err)
	c, err := h.Allocate(1024 - 2*(200+12) - 12)
	require.NoError(t, err)
	_, err = h.Allocate(1)
	require.ErrorIs(t, err, ErrOutOfMemory, "expected the arena to be full")

	h.Free(a)
	require.NoError(t, h.Check())
	h.Free(b)
	require.NoError(t, h.Check())

	// 400 bytes fit neither A nor B alone, only their merged span.
	d, err := h.Allocate(400)
	require.NoError(t, err)
	require.Equal(t, arena.Addr(a), arena.Addr(d))
	require.NoError(t, h.Check())

	h.Free(c)
	h.Free(d)
	require.Equal(t, []Block{{Offset: 0, Size: 1012}}, blocks(h))
}

func TestHeapCoalesceBothNeighbours(t *testing.T) {
	h := newTestHeap(t, testHeapConfig())
	ps := make([][]byte, 4)
	for i := range ps {
		var err error
		ps[i], err = h.Allocate(64)
		require.NoError(t, err)
	}
	h.Free(ps[0])
	h.Free(ps[2])
	require.Len(t, blocks(h), 5)

	// Freeing the middle block merges it with both free neighbours.
	h.Free(ps[1])
	bs := blocks(h)
	require.Len(t, bs, 3)
	require.Equal(t, Block{Offset: 0, Size: 3*64 + 2*12}, bs[0])
	require.True(t, bs[1].Used)
	require.NoError(t, h.Check())
}

func TestHeapAlignment(t *testing.T) {
	for _, alignment := range []int{1, 4, 8, 16, 64} {
		t.Run(fmt.Sprintf("Alignment %d", alignment), func(t *testing.T) {
			h := newTestHeap(t, Config{
				ArenaSize:  8 * KiB,
				Alignment:  alignment,
				MinPayload: 12,
				Debug:      true,
			})
			for _, size := range []int{1, 3, 7, 12, 13, 31, 100, 255} {
				p, err := h.Allocate(size)
				require.NoError(t, err)
				require.Zero(t, arena.Addr(p)%uintptr(alignment))
				require.Len(t, p, size)
				require.GreaterOrEqual(t, cap(p), 12)
			}
			require.NoError(t, h.Check())
		})
	}
}

func TestHeapMinimumPayload(t *testing.T) {
	h := newTestHeap(t, testHeapConfig())
	p, err := h.Allocate(1)
	require.NoError(t, err)
	require.Len(t, p, 1)
	require.Equal(t, 12, cap(p), "expected small requests to be raised to the minimum payload")
	require.EqualValues(t, 24, h.Stats().Used)
}

func TestHeapNoSplitForSmallRemainder(t *testing.T) {
	h := newTestHeap(t, testHeapConfig())

	// Leave exactly a 100-byte free block between two used blocks.
	a, err := h.Allocate(100)
	require.NoError(t, err)
	_, err = h.Allocate(100)
	require.NoError(t, err)
	h.Free(a)

	// The remainder of 100-80=20 bytes cannot hold a header plus 12 bytes.
	p, err := h.Allocate(80)
	require.NoError(t, err)
	require.Equal(t, arena.Addr(a), arena.Addr(p))
	require.Equal(t, 100, cap(p))
	require.Len(t, blocks(h), 3)
	require.NoError(t, h.Check())
}

func TestHeapExhaustAndRelease(t *testing.T) {
	h := newTestHeap(t, testHeapConfig())
	var live [][]byte
	for {
		p, err := h.Allocate(20)
		if err != nil {
			require.ErrorIs(t, err, ErrOutOfMemory)
			break
		}
		live = append(live, p)
	}
	require.NotEmpty(t, live)
	require.NoError(t, h.Check())
	require.EqualValues(t, 1, h.Stats().Err)
	require.Equal(t, h.Stats().Used, h.Stats().Max)

	// Free in an interleaved order to exercise both merge directions.
	for i := 0; i < len(live); i += 2 {
		h.Free(live[i])
	}
	for i := 1; i < len(live); i += 2 {
		h.Free(live[i])
	}
	require.Equal(t, []Block{{Offset: 0, Size: 1012}}, blocks(h))
	require.Zero(t, h.Stats().Used)
	require.NoError(t, h.Check())
}

func TestHeapFreeNil(t *testing.T) {
	h := newTestHeap(t, testHeapConfig())
	digest := h.Digest()
	h.Free(nil)
	h.FreeFromInterrupt(nil)
	require.Equal(t, digest, h.Digest())
	require.Zero(t, h.Stats().Illegal)
}

func TestHeapIllegalPointer(t *testing.T) {
	h := newTestHeap(t, testHeapConfig())
	p, err := h.Allocate(32)
	require.NoError(t, err)
	digest := h.Digest()

	foreign := make([]byte, 32)
	require.False(t, h.Contains(foreign))
	require.True(t, h.Contains(p))

	h.Free(foreign)
	require.EqualValues(t, 1, h.Stats().Illegal)
	require.Equal(t, digest, h.Digest())

	got, err := h.Trim(foreign, 8)
	require.ErrorIs(t, err, ErrIllegalPointer)
	require.Equal(t, arena.Addr(foreign), arena.Addr(got))
	require.EqualValues(t, 2, h.Stats().Illegal)

	// A slice into the arena that does not start at a payload is rejected too.
	h.Free(p[1:])
	require.EqualValues(t, 3, h.Stats().Illegal)
	require.Equal(t, digest, h.Digest())
	require.NoError(t, h.Check())
}

func TestHeapDoubleFree(t *testing.T) {
	t.Run("Debug panics", func(t *testing.T) {
		h := newTestHeap(t, testHeapConfig())
		p, err := h.Allocate(32)
		require.NoError(t, err)
		h.Free(p)
		require.Panics(t, func() { h.Free(p) })
	})

	t.Run("Release ignores and logs", func(t *testing.T) {
		config := testHeapConfig()
		config.Debug = false
		h := newTestHeap(t, config)
		p, err := h.Allocate(32)
		require.NoError(t, err)
		h.Free(p)
		require.NotPanics(t, func() { h.Free(p) })
	})
}

func TestHeapTrim(t *testing.T) {
	t.Run("Rejects growth", func(t *testing.T) {
		h := newTestHeap(t, testHeapConfig())
		p, err := h.Allocate(100)
		require.NoError(t, err)
		digest := h.Digest()

		got, err := h.Trim(p, 101)
		require.ErrorIs(t, err, ErrTrimRejected)
		require.Nil(t, got)
		got, err = h.Trim(p, 4096)
		require.ErrorIs(t, err, ErrTrimRejected)
		require.Nil(t, got)
		require.Equal(t, digest, h.Digest())
	})

	t.Run("Free successor absorbs the tail", func(t *testing.T) {
		h := newTestHeap(t, testHeapConfig())
		p, err := h.Allocate(100)
		require.NoError(t, err)
		fill(p, 'a')

		got, err := h.Trim(p, 40)
		require.NoError(t, err)
		require.Equal(t, arena.Addr(p), arena.Addr(got))
		require.Len(t, got, 40)
		assertFilled(t, got, 'a')
		require.Equal(t, []Block{
			{Offset: 0, Size: 40, Used: true},
			{Offset: 52, Size: 1024 - 52 - 12},
		}, blocks(h))
		require.EqualValues(t, 52, h.Stats().Used)
		require.NoError(t, h.Check())
	})

	t.Run("Used successor gets a new free block", func(t *testing.T) {
		h := newTestHeap(t, testHeapConfig())
		p, err := h.Allocate(100)
		require.NoError(t, err)
		q, err := h.Allocate(100)
		require.NoError(t, err)
		fill(p, 'a')
		fill(q, 'q')

		got, err := h.Trim(p, 40)
		require.NoError(t, err)
		require.Equal(t, arena.Addr(p), arena.Addr(got))
		assertFilled(t, got, 'a')
		assertFilled(t, q, 'q')
		bs := blocks(h)
		require.Equal(t, Block{Offset: 0, Size: 40, Used: true}, bs[0])
		require.Equal(t, Block{Offset: 52, Size: 48}, bs[1])
		require.Equal(t, Block{Offset: 112, Size: 100, Used: true}, bs[2])
		require.NoError(t, h.Check())

		// The new free block is the lowest and is reused first.
		r, err := h.Allocate(48)
		require.NoError(t, err)
		require.Equal(t, arena.Addr(got)+52, arena.Addr(r))
	})

	t.Run("Small slack is a no-op", func(t *testing.T) {
		h := newTestHeap(t, testHeapConfig())
		p, err := h.Allocate(100)
		require.NoError(t, err)
		_, err = h.Allocate(100)
		require.NoError(t, err)
		fill(p, 'a')
		digest := h.Digest()
		used := h.Stats().Used

		got, err := h.Trim(p, 90)
		require.NoError(t, err)
		require.Equal(t, arena.Addr(p), arena.Addr(got))
		require.Len(t, got, 90)
		assertFilled(t, got, 'a')
		require.Equal(t, digest, h.Digest())
		require.Equal(t, used, h.Stats().Used)
	})

	t.Run("Same size returns the pointer", func(t *testing.T) {
		h := newTestHeap(t, testHeapConfig())
		p, err := h.Allocate(100)
		require.NoError(t, err)
		digest := h.Digest()
		got, err := h.Trim(p, 100)
		require.NoError(t, err)
		require.Equal(t, arena.Addr(p), arena.Addr(got))
		require.Equal(t, digest, h.Digest())
	})

	t.Run("Zero is floored to the minimum payload", func(t *testing.T) {
		h := newTestHeap(t, testHeapConfig())
		p, err := h.Allocate(100)
		require.NoError(t, err)
		got, err := h.Trim(p, 0)
		require.NoError(t, err)
		require.Empty(t, got)
		require.Equal(t, 12, cap(got))
		require.Equal(t, Block{Offset: 0, Size: 12, Used: true}, blocks(h)[0])
		require.NoError(t, h.Check())
	})

	t.Run("Negative size", func(t *testing.T) {
		h := newTestHeap(t, testHeapConfig())
		p, err := h.Allocate(100)
		require.NoError(t, err)
		_, err = h.Trim(p, -1)
		require.ErrorIs(t, err, ErrInvalidSize)
	})
}

func TestHeapZeroAllocate(t *testing.T) {
	h := newTestHeap(t, testHeapConfig())

	// Dirty a region, release it and zero-allocate over it.
	p, err := h.Allocate(64)
	require.NoError(t, err)
	fill(p[:cap(p)], 0xf0)
	h.Free(p)

	z, err := h.ZeroAllocate(8, 7)
	require.NoError(t, err)
	require.Equal(t, arena.Addr(p), arena.Addr(z))
	require.Len(t, z, 56)
	require.True(t, bytes.Equal(z[:cap(z)], make([]byte, cap(z))), "expected zeroed memory")

	_, err = h.ZeroAllocate(math.MaxInt, 2)
	require.ErrorIs(t, err, ErrOverflow)
	_, err = h.ZeroAllocate(0, 2)
	require.ErrorIs(t, err, ErrInvalidSize)
	_, err = h.ZeroAllocate(2, 0)
	require.ErrorIs(t, err, ErrInvalidSize)
	_, err = h.ZeroAllocate(100, 100)
	require.ErrorIs(t, err, ErrOutOfMemory)
}

func TestHeapWalkStops(t *testing.T) {
	h := newTestHeap(t, testHeapConfig())
	for range 3 {
		_, err := h.Allocate(16)
		require.NoError(t, err)
	}
	n := 0
	h.Walk(func(Block) bool {
		n++
		return n < 2
	})
	require.Equal(t, 2, n)
}

func TestHeapPrint(t *testing.T) {
	h := newTestHeap(t, testHeapConfig())
	_, err := h.Allocate(16)
	require.NoError(t, err)

	var buf bytes.Buffer
	h.Print(&buf)
	out := buf.String()
	require.Contains(t, out, "0: used 16")
	require.Contains(t, out, "28: free 984")
	require.Contains(t, out, "1024: sentinel")
}

func TestHeapCheckDetectsCorruption(t *testing.T) {
	h := newTestHeap(t, testHeapConfig())
	for range 2 {
		_, err := h.Allocate(16)
		require.NoError(t, err)
	}

	// Clear the used flag of the first header behind the heap's back.
	h.mem[8] = 0
	require.ErrorIs(t, h.Check(), ErrHeapCorrupted)
	h.mem[8] = 1
	require.NoError(t, h.Check())

	// Break the sentinel.
	h.mem[h.end+8] = 0
	require.ErrorIs(t, h.Check(), ErrHeapCorrupted)
}

// TestHeapRandomWorkload runs a seeded mix of allocations, frees and trims and
// verifies the structural invariants and the payload contents after every step.
func TestHeapRandomWorkload(t *testing.T) {
	// If a test fails, hardcode the seed to reproduce the exact failure.
	seed := time.Now().UnixNano()
	r := rand.New(rand.NewSource(seed))
	t.Logf("Using random seed: %d\n", seed)

	h := newTestHeap(t, Config{ArenaSize: 4 * KiB, Alignment: 8, MinPayload: 16, Debug: true})

	type allocation struct {
		p    []byte
		seed byte
	}
	var live []allocation
	for i := range 5000 {
		switch op := r.Intn(10); {
		case op < 5 || len(live) == 0:
			size := 1 + r.Intn(300)
			p, err := h.Allocate(size)
			if err != nil {
				require.ErrorIs(t, err, ErrOutOfMemory)
				break
			}
			require.Zero(t, arena.Addr(p)%8)
			a := allocation{p: p, seed: byte(i)}
			fill(a.p, a.seed)
			live = append(live, a)
		case op < 8:
			j := r.Intn(len(live))
			assertFilled(t, live[j].p, live[j].seed)
			if r.Intn(2) == 0 {
				h.Free(live[j].p)
			} else {
				h.FreeFromInterrupt(live[j].p)
			}
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
		default:
			j := r.Intn(len(live))
			newSize := r.Intn(len(live[j].p) + 1)
			p, err := h.Trim(live[j].p, newSize)
			require.NoError(t, err)
			require.Equal(t, arena.Addr(live[j].p), arena.Addr(p))
			live[j].p = p
			assertFilled(t, live[j].p, live[j].seed)
		}
		require.NoError(t, h.Check(), "after operation %d", i)
	}

	for _, a := range live {
		assertFilled(t, a.p, a.seed)
		h.Free(a.p)
	}
	require.Len(t, blocks(h), 1)
	require.Zero(t, h.Stats().Used)
	require.NoError(t, h.Check())
}

// TestHeapConcurrentInterruptFree frees blocks allocated by application goroutines
// from simulated interrupt handlers while allocation continues.
func TestHeapConcurrentInterruptFree(t *testing.T) {
	h := newTestHeap(t, Config{ArenaSize: 64 * KiB, Alignment: 4, MinPayload: 12, Debug: true})
	const (
		workers    = 8
		perWorker  = 500
		interrupts = 2
	)
	irq := make(chan []byte, 64)

	var handlers sync.WaitGroup
	for range interrupts {
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			for p := range irq {
				h.FreeFromInterrupt(p)
			}
		}()
	}

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range perWorker {
				p, err := h.Allocate(8 + (w*perWorker+i)%120)
				if err != nil {
					continue // Transient exhaustion is allowed.
				}
				fill(p, byte(w))
				if i%2 == 0 {
					irq <- p
				} else {
					h.Free(p)
				}
			}
		}(w)
	}
	wg.Wait()
	close(irq)
	handlers.Wait()

	require.NoError(t, h.Check())
	require.Zero(t, h.Stats().Used)
	require.Len(t, blocks(h), 1)
}
