// Package heap provides a fixed-overhead, deterministic pool allocator for a
// statically configured memory region.
//
// # Overview
//
// The region is partitioned into pools. Every pool slices its sub-region into
// blocks of one fixed size. A variable-size request is served by the smallest
// pool whose block size covers it, trading internal fragmentation for
// O(log P + P) allocation time (P = pool count) and no external fragmentation
// within a pool.
//
// # Pools
//
// A Pool tracks free blocks with two pieces of state:
//
//   - Free list: an intrusive LIFO list of freed blocks. The first machine word
//     of every freed block holds the address of the block freed before it.
//   - Watermark: the offset of the next never-touched block. It only advances.
//
// Allocation pops the free list first and falls back to bumping the watermark.
// Blocks are never pre-linked, so constructing a pool costs nothing.
//
// # Pool Selection
//
// Pools are ordered ascending by block size and by address at the same time.
// Both orders make the Fits predicates monotonic, so one binary search finds
// the smallest sufficient pool for a Layout and the owning pool for an Addr:
//
//	Pools:   [  16  ][   32   ][     64     ]
//	Layout{Size: 20}      ^ first pool with BlockSize >= 20
//	Addr(p)  first pool with End() > p
//
// When the selected pool is exhausted, allocation moves on to the next larger
// pool.
//
// # Usage Example
//
//	cfg := heap.Config{
//	    Packed: true,
//	    Pools: []heap.PoolConfig{
//	        {BlockSize: 16, Count: 256},
//	        {BlockSize: 64, Count: 128},
//	        {BlockSize: 256, Count: 32},
//	    },
//	}
//	h, err := heap.New(cfg, make([]byte, cfg.RegionSize()), nil)
//	if err != nil {
//	    return err
//	}
//
//	l := heap.LayoutOf[[4]uint64]()
//	b, err := h.Allocate(l)
//	if errors.Is(err, heap.ErrOutOfMemory) {
//	    // back off
//	}
//	defer h.Deallocate(b, l)
//
// # Thread Safety
//
// Every Heap and Pool operation is safe for concurrent use. Shared state is
// mutated only through single-word compare-and-swap loops; no operation takes
// a lock or blocks.
//
// Misuse is not detected: freeing a block twice, freeing a block that the
// heap did not hand out, or passing a Layout that differs from the one used to
// allocate corrupts the free lists.
//
// A goroutine popping a free list may read the link word of a block that
// another goroutine has just allocated. The read is atomic and its value is
// discarded when the head has moved, but a caller writing the first word of a
// fresh block with plain stores can still be reported by the race detector.
//
// # Tracing
//
// When Config.TraceChannel is set, every lifecycle operation writes one fixed
// shape record to a Sink before touching memory. See AppendRecord for the
// format and the timeline package for offline replay.
package heap
