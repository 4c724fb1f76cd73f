package heap

import (
	"fmt"
	"log/slog"
	"os"
)

// Runtime flag for exhaustion logging - controlled by POOLHEAP_LOG_OOM env var.
var logOOM = os.Getenv("POOLHEAP_LOG_OOM") != ""

// Heap routes variable-size requests to an ordered array of fixed-size pools.
//
// All methods are safe for concurrent use and never block. The pool array is
// fixed at construction; only the pools' free lists and watermarks change.
type Heap struct {
	pools []Pool
	trace *tracer // nil when tracing is disabled
	log   *slog.Logger
}

// New validates cfg, carves mem into pools and returns the heap.
//
// mem must hold at least cfg.RegionSize() bytes, start word aligned and stay
// alive and unmoved for the heap's lifetime. Every error returned here is a
// configuration error.
func New(cfg Config, mem []byte, opts *Options) (*Heap, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pools, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	if need := cfg.RegionSize(); len(mem) < need {
		return nil, fmt.Errorf("%w: layout needs %d bytes, have %d", ErrRegionTooSmall, need, len(mem))
	}
	if base := addrOf(mem); base%uintptr(WordSize) != 0 {
		return nil, fmt.Errorf("%w: region at 0x%x is not %d-byte aligned", ErrInvalidConfig, base, WordSize)
	}

	h := &Heap{
		pools: make([]Pool, len(pools)),
		log:   logger,
	}
	for i, pc := range pools {
		end := pc.Offset + pc.Extent()
		sub := mem[pc.Offset:end:end]
		h.pools[i].init(sub, addrOf(sub), uintptr(pc.BlockSize), uintptr(pc.Count))
	}

	if cfg.TraceChannel != nil {
		if opts.Streams == nil {
			return nil, ErrNoStreams
		}
		ch := *cfg.TraceChannel
		h.trace = &tracer{channel: ch, sink: opts.Streams.Stream(ch)}
	}

	logger.Debug("heap created",
		"pools", len(h.pools),
		"region", cfg.RegionSize(),
		"traced", h.trace != nil)
	for i := range h.pools {
		p := &h.pools[i]
		logger.Debug("heap pool",
			"index", i,
			"start", fmt.Sprintf("0x%x", p.start),
			"block_size", p.blockSize,
			"count", p.count,
			"align", p.alignment)
	}
	return h, nil
}

// PoolCount returns the number of pools.
func (h *Heap) PoolCount() int { return len(h.pools) }

// Pool returns pool i. It panics if i is out of range.
func (h *Heap) Pool(i int) *Pool { return &h.pools[i] }

// TraceChannel returns the trace channel, if tracing is enabled.
func (h *Heap) TraceChannel() (uint8, bool) {
	if h.trace == nil {
		return 0, false
	}
	return h.trace.channel, true
}

// Search returns the index of the first pool that f fits, or PoolCount() when
// no pool does.
func (h *Heap) Search(f Fits) int {
	return search(h.pools, f)
}

// Owner returns the pool whose range contains addr.
func (h *Heap) Owner(addr uintptr) (*Pool, bool) {
	i := search(h.pools, Addr(addr))
	if i == len(h.pools) || !h.pools[i].Contains(addr) {
		return nil, false
	}
	return &h.pools[i], true
}

// Stats returns a snapshot of every pool, in pool order.
func (h *Heap) Stats() []PoolStats {
	stats := make([]PoolStats, len(h.pools))
	for i := range h.pools {
		stats[i] = h.pools[i].Stats()
	}
	return stats
}

// Allocate returns a block able to hold l. The block's len and cap are the
// serving pool's block size, which may exceed l.Size; its contents are
// unspecified. A zero-size layout yields an empty slice and touches no pool.
//
// ErrOutOfMemory is returned when every pool from the smallest fitting one
// upward is exhausted.
func (h *Heap) Allocate(l Layout) ([]byte, error) {
	if h.trace != nil {
		h.trace.allocate(l)
	}
	return h.allocate(l)
}

// AllocateZeroed is Allocate followed by zeroing the whole returned block.
func (h *Heap) AllocateZeroed(l Layout) ([]byte, error) {
	if h.trace != nil {
		h.trace.allocate(l)
	}
	return h.allocateZeroed(l)
}

// Deallocate returns b to its pool. l must be the layout b was allocated with;
// a zero-size layout is a no-op.
func (h *Heap) Deallocate(b []byte, l Layout) {
	if h.trace != nil {
		h.trace.deallocate(l)
	}
	h.release(b, l)
}

// Grow moves b to a block able to hold newLayout and copies the first
// oldLayout.Size bytes. newLayout.Size must be at least oldLayout.Size.
//
// The move happens even when both layouts map to the same pool. On error b is
// left untouched and still owned by the caller.
func (h *Heap) Grow(b []byte, oldLayout, newLayout Layout) ([]byte, error) {
	if h.trace != nil {
		h.trace.grow(oldLayout, newLayout)
	}
	nb, err := h.allocate(newLayout)
	if err != nil {
		return nil, err
	}
	copy(nb, b[:oldLayout.Size])
	h.release(b, oldLayout)
	return nb, nil
}

// GrowZeroed is Grow with every byte past the copied prefix set to zero.
func (h *Heap) GrowZeroed(b []byte, oldLayout, newLayout Layout) ([]byte, error) {
	if h.trace != nil {
		h.trace.grow(oldLayout, newLayout)
	}
	nb, err := h.allocateZeroed(newLayout)
	if err != nil {
		return nil, err
	}
	copy(nb, b[:oldLayout.Size])
	h.release(b, oldLayout)
	return nb, nil
}

// Shrink moves b to a block able to hold newLayout and copies the first
// newLayout.Size bytes. newLayout.Size must not exceed oldLayout.Size.
//
// The move happens even when both layouts map to the same pool. On error b is
// left untouched and still owned by the caller.
func (h *Heap) Shrink(b []byte, oldLayout, newLayout Layout) ([]byte, error) {
	if h.trace != nil {
		h.trace.shrink(oldLayout, newLayout)
	}
	nb, err := h.allocate(newLayout)
	if err != nil {
		return nil, err
	}
	copy(nb, b[:newLayout.Size])
	h.release(b, oldLayout)
	return nb, nil
}

// allocate is Allocate without tracing.
func (h *Heap) allocate(l Layout) ([]byte, error) {
	if l.Size == 0 {
		return []byte{}, nil
	}

	// The size-optimal pool may be exhausted, so continue with larger ones.
	for i := search(h.pools, l); i < len(h.pools); i++ {
		p := &h.pools[i]
		if !l.aligns(p) {
			continue
		}
		if b, ok := p.TryAllocate(); ok {
			return b, nil
		}
	}

	if logOOM {
		h.log.Warn("heap exhausted", "size", l.Size, "align", l.Align)
	}
	return nil, ErrOutOfMemory
}

func (h *Heap) allocateZeroed(l Layout) ([]byte, error) {
	b, err := h.allocate(l)
	if err != nil {
		return nil, err
	}
	clear(b)
	return b, nil
}

// release is Deallocate without tracing.
func (h *Heap) release(b []byte, l Layout) {
	if l.Size == 0 {
		return
	}
	addr := addrOf(b)
	h.pools[search(h.pools, Addr(addr))].deallocate(addr)
}
