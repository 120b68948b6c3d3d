package main

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/holmberd/go-memheap"
	"github.com/holmberd/go-memheap/internal/arena"
)

var (
	simArena   int
	simAlign   int
	simMin     int
	simMaxSize int
	simOps     int
	simSeed    uint64
	simPrint   bool
	simDebug   bool
	simLock    bool
)

func init() {
	cmd := newSimCmd()
	cmd.Flags().IntVar(&simArena, "arena", 16*memheap.KiB, "Heap arena size in bytes")
	cmd.Flags().IntVar(&simAlign, "align", 4, "Payload and slot alignment in bytes")
	cmd.Flags().IntVar(&simMin, "min", 12, "Minimum heap payload in bytes")
	cmd.Flags().IntVar(&simMaxSize, "max-size", 256, "Largest heap request in bytes")
	cmd.Flags().IntVar(&simOps, "ops", 10000, "Number of operations to run")
	cmd.Flags().Uint64Var(&simSeed, "seed", 0, "Random seed (0 picks one from the clock)")
	cmd.Flags().BoolVar(&simPrint, "print", false, "Print the arena layout before releasing it")
	cmd.Flags().BoolVar(&simDebug, "debug", true, "Enable allocator invariant assertions")
	cmd.Flags().BoolVar(&simLock, "lock", false, "Lock the arena and pools in memory")
	rootCmd.AddCommand(cmd)
}

func newSimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sim",
		Short: "Run a randomized allocation workload",
		Long: `The sim command maps a heap arena and the default pool classes, then runs
a random mix of heap allocations, frees and trims and pool allocations and frees.
The arena is checked after every operation. At the end every live allocation
is released and the heap must be empty again.

Example:
  memheapctl sim
  memheapctl sim --arena 4096 --ops 50000 --seed 7
  memheapctl sim --align 16 --print --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSim(cmd.OutOrStdout())
		},
	}
}

type simResult struct {
	Seed         uint64              `json:"seed"`
	Ops          int                 `json:"ops"`
	Allocs       int                 `json:"allocs"`
	Frees        int                 `json:"frees"`
	Trims        int                 `json:"trims"`
	Failures     int                 `json:"failures"`
	PoolAllocs   int                 `json:"pool_allocs"`
	PoolFrees    int                 `json:"pool_frees"`
	PoolFailures int                 `json:"pool_failures"`
	Digest       string              `json:"digest"`
	Heap         memheap.HeapStats   `json:"heap"`
	Pools        []memheap.PoolStats `json:"pools"`
}

type poolSlot struct {
	id memheap.PoolID
	s  []byte
}

func runSim(w io.Writer) error {
	config := memheap.DefaultConfig()
	config.ArenaSize = simArena
	config.Alignment = simAlign
	config.MinPayload = simMin
	config.Debug = simDebug
	config.LockMemory = simLock
	if simMaxSize <= 0 {
		return fmt.Errorf("invalid max-size %d", simMaxSize)
	}

	logger := newLogger()
	m, err := memheap.Custom(arena.Mmap{Lock: config.LockMemory, Logger: logger}, logger, config)
	if err != nil {
		return err
	}

	seed := simSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed))
	res := simResult{Seed: seed, Ops: simOps}

	var (
		live  [][]byte
		slots []poolSlot
	)
	for i := range simOps {
		switch r := rng.IntN(10); {
		case r < 5:
			p, err := m.Heap.Allocate(1 + rng.IntN(simMaxSize))
			if err != nil {
				if !errors.Is(err, memheap.ErrOutOfMemory) {
					return fmt.Errorf("op %d: %w", i, err)
				}
				res.Failures++
				break
			}
			p[0] = byte(i)
			live = append(live, p)
			res.Allocs++
		case r < 7:
			if len(live) == 0 {
				break
			}
			j := rng.IntN(len(live))
			m.Heap.Free(live[j])
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			res.Frees++
		case r < 8:
			if len(live) == 0 {
				break
			}
			j := rng.IntN(len(live))
			p, err := m.Heap.Trim(live[j], rng.IntN(len(live[j])+1))
			if err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
			live[j] = p
			res.Trims++
		case r < 9:
			id := memheap.PoolID(rng.IntN(m.Pools.Len()))
			s, err := m.Pools.Allocate(id)
			if err != nil {
				res.PoolFailures++
				break
			}
			slots = append(slots, poolSlot{id: id, s: s})
			res.PoolAllocs++
		default:
			if len(slots) == 0 {
				break
			}
			j := rng.IntN(len(slots))
			m.Pools.Free(slots[j].id, slots[j].s)
			slots[j] = slots[len(slots)-1]
			slots = slots[:len(slots)-1]
			res.PoolFrees++
		}
		if err := m.Heap.Check(); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}

	res.Digest = fmt.Sprintf("%016x", m.Heap.Digest())
	res.Heap = m.Heap.Stats()
	res.Pools = m.Pools.Stats()
	if simPrint && !jsonOut {
		m.Heap.Print(w)
	}

	for _, p := range live {
		m.Heap.Free(p)
	}
	for _, s := range slots {
		m.Pools.Free(s.id, s.s)
	}
	if err := m.Heap.Check(); err != nil {
		return err
	}
	if used := m.Heap.Stats().Used; used != 0 {
		return fmt.Errorf("heap not empty after release: %d bytes in use", used)
	}

	if jsonOut {
		return printJSON(w, res)
	}
	return printSim(w, res)
}

func printSim(w io.Writer, res simResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "seed\t%d\n", res.Seed)
	fmt.Fprintf(tw, "operations\t%d\n", res.Ops)
	fmt.Fprintf(tw, "heap\tallocs=%d frees=%d trims=%d failures=%d\n",
		res.Allocs, res.Frees, res.Trims, res.Failures)
	fmt.Fprintf(tw, "\tavail=%d used=%d max=%d err=%d illegal=%d\n",
		res.Heap.Avail, res.Heap.Used, res.Heap.Max, res.Heap.Err, res.Heap.Illegal)
	fmt.Fprintf(tw, "digest\t%s\n", res.Digest)
	fmt.Fprintf(tw, "pools\tallocs=%d frees=%d failures=%d\n",
		res.PoolAllocs, res.PoolFrees, res.PoolFailures)
	for _, s := range res.Pools {
		fmt.Fprintf(tw, "\t%s\tused=%d max=%d err=%d\n", s.Name, s.Used, s.Max, s.Err)
	}
	return tw.Flush()
}
