// Package timeline reconstructs heap occupancy from a recorded trace.
//
// Records are emitted before the heap acts on a request, so a trace cannot
// tell a failed allocation from a successful one. Build counts every
// allocate and grow as if it succeeded; requests that no pool could ever
// serve are reported separately in Summary.Unserved.
package timeline

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/joshuapare/poolheap/heap"
	"github.com/joshuapare/poolheap/heap/stream"
)

// Classifier maps a request size to the block size that serves it.
// heap.Config.BlockSizeFor satisfies it.
type Classifier func(size int) (int, bool)

// Event is one replayed record and the occupancy right after it.
type Event struct {
	Record     heap.Record
	Live       int64 // requested bytes
	LiveUsable int64 // block bytes; zero without a Classifier
}

// Summary aggregates a replay.
type Summary struct {
	Records    int
	Counts     map[heap.Op]int
	Live       int64
	Peak       int64
	LiveUsable int64
	PeakUsable int64
	Largest    uint64 // largest size in any record
	Unserved   int    // requests larger than every block size
	Underflows int    // points where live bytes went negative
}

// Timeline is the result of Build.
type Timeline struct {
	Events []Event
	Summary
}

// Build replays records in order. classify may be nil, in which case usable
// sizes are not tracked.
func Build(records []heap.Record, classify Classifier) *Timeline {
	tl := &Timeline{
		Events:  make([]Event, 0, len(records)),
		Summary: Summary{Counts: make(map[heap.Op]int, 4)},
	}

	// acquire counts requests no pool can serve; releases of those sizes
	// were already counted when requested.
	acquire := func(size uint64) int64 {
		bs, ok := blockBytes(classify, size)
		if !ok {
			tl.Unserved++
		}
		return bs
	}
	release := func(size uint64) int64 {
		bs, _ := blockBytes(classify, size)
		return bs
	}

	for _, r := range records {
		tl.Records++
		tl.Counts[r.Op]++
		tl.Largest = max(tl.Largest, r.Size)

		switch r.Op {
		case heap.OpAllocate:
			tl.Live += int64(r.Size)
			tl.LiveUsable += acquire(r.Size)
		case heap.OpDeallocate:
			tl.Live -= int64(r.Size)
			tl.LiveUsable -= release(r.Size)
		case heap.OpGrow, heap.OpShrink:
			tl.Largest = max(tl.Largest, r.NewSize)
			tl.Live += int64(r.NewSize) - int64(r.Size)
			tl.LiveUsable += acquire(r.NewSize) - release(r.Size)
		}

		if tl.Live < 0 {
			tl.Underflows++
		}
		tl.Peak = max(tl.Peak, tl.Live)
		tl.PeakUsable = max(tl.PeakUsable, tl.LiveUsable)

		tl.Events = append(tl.Events, Event{
			Record:     r,
			Live:       tl.Live,
			LiveUsable: tl.LiveUsable,
		})
	}
	return tl
}

// blockBytes returns the block size serving size. Zero-size requests and
// untracked timelines occupy nothing.
func blockBytes(classify Classifier, size uint64) (int64, bool) {
	if classify == nil || size == 0 {
		return 0, true
	}
	if size > uint64(math.MaxInt) {
		return 0, false
	}
	bs, ok := classify(int(size))
	if !ok {
		return 0, false
	}
	return int64(bs), true
}

// FromStream decodes the records carried on channel from a framed stream.
// Frames on other channels are skipped.
func FromStream(r io.Reader, channel uint8) ([]heap.Record, error) {
	fr := stream.NewReader(r)

	var records []heap.Record
	for frame := 0; ; frame++ {
		f, err := fr.Next()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, fmt.Errorf("timeline: frame %d: %w", frame, err)
		}
		if f.Channel != channel {
			continue
		}
		rec, err := heap.DecodeRecord(f.Payload)
		if err != nil {
			return records, fmt.Errorf("timeline: frame %d: %w", frame, err)
		}
		records = append(records, rec)
	}
}
