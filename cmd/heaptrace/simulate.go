package main

import (
	"bufio"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/joshuapare/poolheap/heap"
	"github.com/joshuapare/poolheap/heap/stream"
	"github.com/joshuapare/poolheap/internal/report"
)

var (
	simOut     string
	simOps     int
	simSeed    uint64
	simWorkers int
	simChannel uint8
)

func init() {
	cmd := newSimulateCmd()
	cmd.Flags().StringVarP(&simOut, "out", "o", "", "Trace output file (required)")
	cmd.Flags().IntVar(&simOps, "ops", 10000, "Operations per worker")
	cmd.Flags().Uint64Var(&simSeed, "seed", 1, "Random seed")
	cmd.Flags().IntVar(&simWorkers, "workers", 1, "Concurrent workers")
	cmd.Flags().Uint8Var(&simChannel, "channel", 0, "Trace channel when the layout sets none")
	_ = cmd.MarkFlagRequired("out")
	rootCmd.AddCommand(cmd)
}

func newSimulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate <config.yaml>",
		Short: "Run a random workload against a traced heap",
		Long: `The simulate command builds a heap from a layout, runs a randomised
mix of allocate, grow, shrink and deallocate operations against it and
writes the heap's trace stream to a file.

Every worker checks that grow and shrink preserve the bytes it wrote, and
frees everything it still holds before exiting.

Example:
  heaptrace simulate pools.yaml -o trace.bin
  heaptrace simulate pools.yaml -o trace.bin --ops 100000 --workers 8 --seed 42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(args)
		},
	}
}

// SimReport is the output of the simulate command.
type SimReport struct {
	Trace   string           `json:"trace"`
	Channel uint8            `json:"channel"`
	Workers int              `json:"workers"`
	Seed    uint64           `json:"seed"`
	Counts  workloadCounts   `json:"counts"`
	Frames  uint64           `json:"frames"`
	Dropped uint64           `json:"dropped"`
	Pools   []heap.PoolStats `json:"pools"`
}

type workloadCounts struct {
	Allocations   int `json:"allocations"`
	Deallocations int `json:"deallocations"`
	Grows         int `json:"grows"`
	Shrinks       int `json:"shrinks"`
	Failures      int `json:"failures"`
}

func (c *workloadCounts) add(o workloadCounts) {
	c.Allocations += o.Allocations
	c.Deallocations += o.Deallocations
	c.Grows += o.Grows
	c.Shrinks += o.Shrinks
	c.Failures += o.Failures
}

var errCorrupted = errors.New("block contents changed while held")

func runSimulate(args []string) error {
	if simWorkers < 1 || simOps < 0 {
		return fmt.Errorf("workers must be positive and ops non-negative")
	}

	cfg, err := loadLayout(args[0])
	if err != nil {
		return err
	}
	if cfg.TraceChannel == nil {
		ch := simChannel
		cfg.TraceChannel = &ch
	}
	ch := *cfg.TraceChannel
	if ch >= stream.Channels {
		return fmt.Errorf("trace channel %d out of range (0-%d)", ch, stream.Channels-1)
	}

	f, err := os.Create(simOut)
	if err != nil {
		return fmt.Errorf("failed to create trace file: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	mux := stream.NewMux(bw)
	mux.Enable(ch)

	m, err := mapHeap(cfg, &heap.Options{Streams: mux, Logger: newLogger()})
	if err != nil {
		return err
	}
	defer m.Close()

	pools, err := cfg.Resolve()
	if err != nil {
		return err
	}
	maxBlock := pools[len(pools)-1].BlockSize

	printVerbose("Running %d ops on %d worker(s), seed %d\n", simOps, simWorkers, simSeed)

	counts := make([]workloadCounts, simWorkers)
	errs := make([]error, simWorkers)
	var wg sync.WaitGroup
	for w := range simWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(simSeed, uint64(w)))
			counts[w], errs[w] = runWorkload(m.Heap, rng, simOps, maxBlock, byte(w+1))
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}

	rep := SimReport{
		Trace:   simOut,
		Channel: ch,
		Workers: simWorkers,
		Seed:    simSeed,
		Frames:  mux.Frames(),
		Dropped: mux.Dropped(),
		Pools:   m.Stats(),
	}
	for _, c := range counts {
		rep.Counts.add(c)
	}

	if jsonOut {
		return printJSON(rep)
	}

	total := int64(rep.Counts.Allocations + rep.Counts.Deallocations + rep.Counts.Grows + rep.Counts.Shrinks)
	printInfo("Simulation: %s -> %s (channel %d)\n", args[0], simOut, ch)
	printInfo("  Operations:    %s\n", report.Number(total))
	printInfo("  Allocations:   %s\n", report.Number(int64(rep.Counts.Allocations)))
	printInfo("  Deallocations: %s\n", report.Number(int64(rep.Counts.Deallocations)))
	printInfo("  Grows:         %s\n", report.Number(int64(rep.Counts.Grows)))
	printInfo("  Shrinks:       %s\n", report.Number(int64(rep.Counts.Shrinks)))
	printInfo("  Failures:      %s (%s)\n", report.Number(int64(rep.Counts.Failures)),
		report.Percent(int64(rep.Counts.Failures), total))
	printInfo("  Frames:        %s (%s dropped)\n", report.Number(int64(rep.Frames)),
		report.Number(int64(rep.Dropped)))
	printInfo("\n  %5s  %10s  %10s  %10s\n", "POOL", "BLOCK", "TOUCHED", "CAPACITY")
	for i, ps := range rep.Pools {
		printInfo("  %5d  %10s  %10s  %10s\n", i,
			report.Number(int64(ps.BlockSize)),
			report.Number(int64(ps.Touched)),
			report.Number(int64(ps.Capacity)))
	}
	return nil
}

// liveBlock is a block held by a workload.
type liveBlock struct {
	b []byte
	l heap.Layout
}

// runWorkload performs ops random operations against h and releases every
// block it still holds at the end. Each held block's requested bytes are
// filled with stamp and checked across grow and shrink.
func runWorkload(h *heap.Heap, rng *rand.Rand, ops, maxBlock int, stamp byte) (workloadCounts, error) {
	var (
		c    workloadCounts
		live []liveBlock
	)

	randomLayout := func(size int) heap.Layout {
		l, _ := heap.NewLayout(size, 1<<rng.IntN(4))
		return l
	}

	for range ops {
		op := rng.IntN(100)
		if len(live) == 0 {
			op = 0
		}

		switch {
		case op < 45:
			l := randomLayout(rng.IntN(maxBlock + maxBlock/8 + 1))
			c.Allocations++
			b, err := h.Allocate(l)
			if err != nil {
				c.Failures++
				continue
			}
			fill(b[:l.Size], stamp)
			live = append(live, liveBlock{b, l})

		case op < 60:
			i := rng.IntN(len(live))
			old := live[i]
			l := randomLayout(old.l.Size + 1 + rng.IntN(max(old.l.Size, 16)))
			c.Grows++
			b, err := h.Grow(old.b, old.l, l)
			if err != nil {
				c.Failures++
				continue
			}
			if !stamped(b[:old.l.Size], stamp) {
				return c, fmt.Errorf("%w: grow %d -> %d", errCorrupted, old.l.Size, l.Size)
			}
			fill(b[:l.Size], stamp)
			live[i] = liveBlock{b, l}

		case op < 75:
			i := rng.IntN(len(live))
			old := live[i]
			l := randomLayout(rng.IntN(old.l.Size + 1))
			c.Shrinks++
			b, err := h.Shrink(old.b, old.l, l)
			if err != nil {
				c.Failures++
				continue
			}
			if !stamped(b[:l.Size], stamp) {
				return c, fmt.Errorf("%w: shrink %d -> %d", errCorrupted, old.l.Size, l.Size)
			}
			live[i] = liveBlock{b, l}

		default:
			i := rng.IntN(len(live))
			h.Deallocate(live[i].b, live[i].l)
			c.Deallocations++
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		}
	}

	for _, lb := range live {
		h.Deallocate(lb.b, lb.l)
		c.Deallocations++
	}
	return c, nil
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func stamped(b []byte, v byte) bool {
	for _, x := range b {
		if x != v {
			return false
		}
	}
	return true
}
