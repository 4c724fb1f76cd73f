package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/poolheap/heap"
	"github.com/joshuapare/poolheap/heap/timeline"
	"github.com/joshuapare/poolheap/internal/report"
)

var (
	replayChannel uint8
	replayConfig  string
)

func init() {
	cmd := newReplayCmd()
	cmd.Flags().Uint8Var(&replayChannel, "channel", 0, "Trace channel to replay")
	cmd.Flags().StringVar(&replayConfig, "config", "", "Layout used to compute usable (block) bytes")
	rootCmd.AddCommand(cmd)
}

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <trace.bin>",
		Short: "Rebuild heap occupancy from a trace stream",
		Long: `The replay command decodes the records on one channel of a trace stream
and rebuilds live and peak heap usage from them.

Records are written before the heap acts, so failed requests count as if
they succeeded. With --config, requests are also rounded up to the block
size that serves them.

Example:
  heaptrace replay trace.bin
  heaptrace replay trace.bin --channel 3 --config pools.yaml
  heaptrace replay trace.bin -v`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(args)
		},
	}
}

// ReplayEvent is one replayed record.
type ReplayEvent struct {
	Op         string `json:"op"`
	Size       uint64 `json:"size"`
	NewSize    uint64 `json:"new_size,omitempty"`
	Live       int64  `json:"live"`
	LiveUsable int64  `json:"live_usable"`
}

// ReplayReport is the output of the replay command.
type ReplayReport struct {
	Trace      string         `json:"trace"`
	Channel    uint8          `json:"channel"`
	Records    int            `json:"records"`
	Counts     map[string]int `json:"counts"`
	Live       int64          `json:"live"`
	Peak       int64          `json:"peak"`
	LiveUsable int64          `json:"live_usable"`
	PeakUsable int64          `json:"peak_usable"`
	Largest    uint64         `json:"largest"`
	Unserved   int            `json:"unserved"`
	Underflows int            `json:"underflows"`
	Events     []ReplayEvent  `json:"events,omitempty"`
}

func runReplay(args []string) error {
	path := args[0]

	var classify timeline.Classifier
	if replayConfig != "" {
		cfg, err := loadLayout(replayConfig)
		if err != nil {
			return err
		}
		classify = cfg.BlockSizeFor
	}

	printVerbose("Reading trace: %s (channel %d)\n", path, replayChannel)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}
	defer f.Close()

	records, err := timeline.FromStream(bufio.NewReader(f), replayChannel)
	if err != nil {
		return err
	}
	tl := timeline.Build(records, classify)

	rep := ReplayReport{
		Trace:      path,
		Channel:    replayChannel,
		Records:    tl.Records,
		Counts:     make(map[string]int, len(tl.Counts)),
		Live:       tl.Live,
		Peak:       tl.Peak,
		LiveUsable: tl.LiveUsable,
		PeakUsable: tl.PeakUsable,
		Largest:    tl.Largest,
		Unserved:   tl.Unserved,
		Underflows: tl.Underflows,
	}
	for op, n := range tl.Counts {
		rep.Counts[op.String()] = n
	}
	if verbose {
		rep.Events = make([]ReplayEvent, len(tl.Events))
		for i, ev := range tl.Events {
			rep.Events[i] = ReplayEvent{
				Op:         ev.Record.Op.String(),
				Size:       ev.Record.Size,
				NewSize:    ev.Record.NewSize,
				Live:       ev.Live,
				LiveUsable: ev.LiveUsable,
			}
		}
	}

	if jsonOut {
		return printJSON(rep)
	}

	for i, ev := range rep.Events {
		sizes := report.Number(int64(ev.Size))
		if ev.Op == heap.OpGrow.String() || ev.Op == heap.OpShrink.String() {
			sizes += " -> " + report.Number(int64(ev.NewSize))
		}
		printVerbose("%8d  %-10s %-20s live=%s\n", i, ev.Op, sizes, report.Number(ev.Live))
	}

	printInfo("Replay: %s (channel %d)\n", path, replayChannel)
	printInfo("  Records:     %s\n", report.Number(int64(rep.Records)))
	for _, op := range []heap.Op{heap.OpAllocate, heap.OpDeallocate, heap.OpGrow, heap.OpShrink} {
		printInfo("    %-10s %s\n", op.String()+":", report.Number(int64(tl.Counts[op])))
	}
	printInfo("  Live:        %s\n", report.Size(rep.Live))
	printInfo("  Peak:        %s\n", report.Size(rep.Peak))
	if classify != nil {
		printInfo("  Live usable: %s\n", report.Size(rep.LiveUsable))
		printInfo("  Peak usable: %s\n", report.Size(rep.PeakUsable))
		printInfo("  Unserved:    %s\n", report.Number(int64(rep.Unserved)))
	}
	printInfo("  Largest:     %s\n", report.Size(int64(rep.Largest)))
	if rep.Underflows > 0 {
		printInfo("  Warning: live bytes went negative %d time(s); the trace may be truncated\n", rep.Underflows)
	}
	return nil
}
