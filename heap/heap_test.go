package heap

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHeap_Allocations replays a fixed allocate/free sequence and checks both
// the returned addresses and the free-list links written into the region.
func TestHeap_Allocations(t *testing.T) {
	h, mem := newTestHeap(t, packed(10, 8, 16, 24, 32, 48, 64, 96, 128), nil)

	p := h.Pool(h.Search(Layout{Size: 40}))
	require.Equal(t, 48, p.BlockSize())
	base := int(p.Start() - addrOf(mem))

	l := layout(t, 40, 1)
	alloc := func(v byte) []byte {
		b, err := h.Allocate(l)
		require.NoError(t, err)
		b[0] = v
		return b
	}

	a := alloc(111)
	assert.Equal(t, byte(111), mem[base])
	b := alloc(222)
	assert.Equal(t, byte(222), mem[base+48])
	c := alloc(123)
	assert.Equal(t, byte(123), mem[base+96])

	h.Deallocate(a, l)
	assert.Equal(t, uintptr(0), word(mem, base))

	h.Deallocate(c, l)
	assert.Equal(t, p.Start(), word(mem, base+96))

	d := alloc(202)
	assert.Equal(t, byte(202), mem[base+96])

	h.Deallocate(b, l)
	assert.Equal(t, p.Start(), word(mem, base+48))

	h.Deallocate(d, l)
	assert.Equal(t, p.Start()+48, word(mem, base+96))
}

// TestHeap_UsableSize checks that blocks report the serving pool's size.
func TestHeap_UsableSize(t *testing.T) {
	h, _ := newTestHeap(t, packed(4, 16, 64, 256), nil)

	tests := []struct {
		size   int
		usable int
	}{
		{1, 16},
		{16, 16},
		{17, 64},
		{64, 64},
		{65, 256},
		{256, 256},
	}
	for _, tt := range tests {
		l := layout(t, tt.size, 1)
		b, err := h.Allocate(l)
		require.NoError(t, err, "size %d", tt.size)
		assert.Len(t, b, tt.usable, "size %d", tt.size)
		assert.Equal(t, tt.usable, cap(b), "size %d", tt.size)
		h.Deallocate(b, l)
	}

	_, err := h.Allocate(layout(t, 257, 1))
	assert.ErrorIs(t, err, ErrOutOfMemory, "larger than every pool")
}

// TestHeap_FallsThroughToLargerPool checks the forward scan after exhaustion.
func TestHeap_FallsThroughToLargerPool(t *testing.T) {
	h, _ := newTestHeap(t, packed(2, 16, 32, 64), nil)
	l := layout(t, 8, 8)

	var sizes []int
	for {
		b, err := h.Allocate(l)
		if err != nil {
			require.ErrorIs(t, err, ErrOutOfMemory)
			break
		}
		sizes = append(sizes, len(b))
	}
	assert.Equal(t, []int{16, 16, 32, 32, 64, 64}, sizes)
}

// TestHeap_OutOfMemoryLeavesStateIntact checks that a failed allocation mutates nothing.
func TestHeap_OutOfMemoryLeavesStateIntact(t *testing.T) {
	h, _ := newTestHeap(t, packed(1, 16), nil)
	l := layout(t, 16, 1)

	b, err := h.Allocate(l)
	require.NoError(t, err)
	before := h.Stats()

	_, err = h.Allocate(l)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, before, h.Stats())

	h.Deallocate(b, l)
	again, err := h.Allocate(l)
	require.NoError(t, err)
	assert.Equal(t, addrOf(b), addrOf(again))
}

// TestHeap_ZeroSize checks the zero-size placeholder round trip.
func TestHeap_ZeroSize(t *testing.T) {
	h, _ := newTestHeap(t, packed(1, 16), nil)
	before := h.Stats()

	for _, align := range []int{1, 8, 4096} {
		l := layout(t, 0, align)
		b, err := h.Allocate(l)
		require.NoError(t, err)
		assert.NotNil(t, b)
		assert.Empty(t, b)
		h.Deallocate(b, l)

		z, err := h.AllocateZeroed(l)
		require.NoError(t, err)
		assert.Empty(t, z)
	}
	assert.Equal(t, before, h.Stats(), "zero-size requests touch no pool")

	// Still succeeds once the only pool is exhausted.
	full, err := h.Allocate(layout(t, 16, 1))
	require.NoError(t, err)
	_, err = h.Allocate(layout(t, 0, 1))
	require.NoError(t, err)
	h.Deallocate(full, layout(t, 16, 1))
}

// TestHeap_AllocateZeroed checks that reused blocks come back cleared.
func TestHeap_AllocateZeroed(t *testing.T) {
	h, _ := newTestHeap(t, packed(1, 64), nil)
	l := layout(t, 50, 1)

	b, err := h.Allocate(l)
	require.NoError(t, err)
	for i := range b {
		b[i] = 0xFF
	}
	h.Deallocate(b, l)

	z, err := h.AllocateZeroed(l)
	require.NoError(t, err)
	assert.Equal(t, addrOf(b), addrOf(z), "same block reused")
	assert.Equal(t, make([]byte, 64), z, "whole usable block zeroed")
}

// TestHeap_Owner checks address-to-pool lookup.
func TestHeap_Owner(t *testing.T) {
	cfg := Config{Pools: []PoolConfig{
		{Offset: 0, BlockSize: 16, Count: 4},   // [0, 64)
		{Offset: 128, BlockSize: 32, Count: 4}, // [128, 256), gap before it
	}}
	h, mem := newTestHeap(t, cfg, nil)
	base := addrOf(mem)

	tests := []struct {
		off   uintptr
		block int // 0 = no owner
	}{
		{0, 16},
		{63, 16},
		{64, 0}, // in the gap
		{128, 32},
		{255, 32},
		{256, 0}, // at the final upper bound
		{4096, 0},
	}
	for _, tt := range tests {
		p, ok := h.Owner(base + tt.off)
		if tt.block == 0 {
			assert.False(t, ok, "offset %d", tt.off)
			continue
		}
		require.True(t, ok, "offset %d", tt.off)
		assert.Equal(t, tt.block, p.BlockSize(), "offset %d", tt.off)
	}

	assert.Equal(t, 2, h.Search(Addr(base+256)), "search reports PoolCount past the end")
}

// TestHeap_AlignmentSkipsPools checks that under-aligned pools are passed over.
func TestHeap_AlignmentSkipsPools(t *testing.T) {
	cfg := Config{Pools: []PoolConfig{
		{Offset: 0, BlockSize: 24, Count: 4},  // 8-aligned blocks
		{Offset: 128, BlockSize: 32, Count: 4}, // 32-aligned blocks
	}}
	h, _ := newTestHeap(t, cfg, nil)

	b, err := h.Allocate(layout(t, 16, 8))
	require.NoError(t, err)
	assert.Len(t, b, 24)

	b, err = h.Allocate(layout(t, 16, 32))
	require.NoError(t, err)
	assert.Len(t, b, 32, "24-byte pool cannot satisfy 32-byte alignment")
	assert.Zero(t, addrOf(b)%32)

	_, err = h.Allocate(layout(t, 16, 64))
	assert.ErrorIs(t, err, ErrOutOfMemory, "no pool is 64-aligned")
}

// TestHeap_Grow checks that the old prefix survives for every size pair.
func TestHeap_Grow(t *testing.T) {
	h, _ := newTestHeap(t, packed(4, 8, 16, 32, 64, 128), nil)

	for oldSize := 1; oldSize <= 128; oldSize += 7 {
		for newSize := oldSize; newSize <= 128; newSize += 13 {
			oldL, newL := layout(t, oldSize, 1), layout(t, newSize, 1)

			b, err := h.Allocate(oldL)
			require.NoError(t, err)
			for i := range oldSize {
				b[i] = byte(i + oldSize)
			}
			want := append([]byte(nil), b[:oldSize]...)

			nb, err := h.Grow(b, oldL, newL)
			require.NoError(t, err, "grow %d -> %d", oldSize, newSize)
			assert.GreaterOrEqual(t, len(nb), newSize)
			assert.Equal(t, want, nb[:oldSize], "grow %d -> %d", oldSize, newSize)
			h.Deallocate(nb, newL)
		}
	}
}

// TestHeap_GrowRelocatesWithinSamePool checks that grow never works in place.
func TestHeap_GrowRelocatesWithinSamePool(t *testing.T) {
	h, _ := newTestHeap(t, packed(4, 64), nil)
	oldL, newL := layout(t, 10, 1), layout(t, 20, 1)

	b, err := h.Allocate(oldL)
	require.NoError(t, err)
	nb, err := h.Grow(b, oldL, newL)
	require.NoError(t, err)
	assert.NotEqual(t, addrOf(b), addrOf(nb))

	st := h.Pool(0).Stats()
	assert.Equal(t, 1, st.InUse)
	assert.Equal(t, 1, st.Free, "old block returned to the free list")
}

// TestHeap_GrowZeroed checks that bytes past the copied prefix are zero.
func TestHeap_GrowZeroed(t *testing.T) {
	h, _ := newTestHeap(t, packed(2, 16, 64), nil)

	// Dirty the 64-byte block so zeroing is observable.
	l64 := layout(t, 64, 1)
	dirty, err := h.Allocate(l64)
	require.NoError(t, err)
	for i := range dirty {
		dirty[i] = 0xEE
	}
	h.Deallocate(dirty, l64)

	oldL, newL := layout(t, 12, 1), layout(t, 40, 1)
	b, err := h.Allocate(oldL)
	require.NoError(t, err)
	copy(b, "hello, world")

	nb, err := h.GrowZeroed(b, oldL, newL)
	require.NoError(t, err)
	assert.Equal(t, addrOf(dirty), addrOf(nb))
	assert.Equal(t, []byte("hello, world"), nb[:12])
	assert.Equal(t, make([]byte, 64-12), nb[12:])
}

// TestHeap_Shrink checks that the new prefix survives.
func TestHeap_Shrink(t *testing.T) {
	h, _ := newTestHeap(t, packed(4, 8, 16, 32, 64, 128), nil)

	for oldSize := 128; oldSize >= 1; oldSize -= 11 {
		for newSize := oldSize; newSize >= 1; newSize -= 17 {
			oldL, newL := layout(t, oldSize, 1), layout(t, newSize, 1)

			b, err := h.Allocate(oldL)
			require.NoError(t, err)
			for i := range oldSize {
				b[i] = byte(3*i + 1)
			}
			want := append([]byte(nil), b[:newSize]...)

			nb, err := h.Shrink(b, oldL, newL)
			require.NoError(t, err, "shrink %d -> %d", oldSize, newSize)
			assert.Equal(t, want, nb[:newSize], "shrink %d -> %d", oldSize, newSize)
			h.Deallocate(nb, newL)
		}
	}
}

// TestHeap_GrowToAndFromZero checks the zero-size edges of relocation.
func TestHeap_GrowToAndFromZero(t *testing.T) {
	h, _ := newTestHeap(t, packed(2, 32), nil)
	zero, l := layout(t, 0, 1), layout(t, 20, 1)

	z, err := h.Allocate(zero)
	require.NoError(t, err)
	b, err := h.Grow(z, zero, l)
	require.NoError(t, err)
	assert.Len(t, b, 32)

	s, err := h.Shrink(b, l, zero)
	require.NoError(t, err)
	assert.Empty(t, s)

	st := h.Pool(0).Stats()
	assert.Equal(t, 0, st.InUse)
}

// TestHeap_GrowFailureKeepsOriginal checks that a failed grow leaves b valid.
func TestHeap_GrowFailureKeepsOriginal(t *testing.T) {
	h, _ := newTestHeap(t, packed(1, 16, 32), nil)
	oldL, newL := layout(t, 16, 1), layout(t, 32, 1)

	b, err := h.Allocate(oldL)
	require.NoError(t, err)
	copy(b, "0123456789abcdef")
	big, err := h.Allocate(newL)
	require.NoError(t, err)

	_, err = h.Grow(b, oldL, newL)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, []byte("0123456789abcdef"), b)
	assert.Equal(t, 1, h.Pool(0).Stats().InUse, "original block still allocated")

	_, err = h.Shrink(big, newL, oldL)
	require.ErrorIs(t, err, ErrOutOfMemory, "16-byte pool is full and shrink must relocate")
	assert.Equal(t, 1, h.Pool(1).Stats().InUse)
}

// TestHeap_GrowShrinkLeaveHeapConsistent compares measured capacity before and
// after a grow/shrink workload.
func TestHeap_GrowShrinkLeaveHeapConsistent(t *testing.T) {
	cfg := packed(6, 16, 32, 64, 128)
	h, _ := newTestHeap(t, cfg, nil)
	fresh, _ := newTestHeap(t, cfg, nil)

	l16, l100 := layout(t, 16, 1), layout(t, 100, 1)
	var live [][]byte
	for range 4 {
		b, err := h.Allocate(l16)
		require.NoError(t, err)
		b, err = h.Grow(b, l16, l100)
		require.NoError(t, err)
		b, err = h.Shrink(b, l100, l16)
		require.NoError(t, err)
		live = append(live, b)
	}
	for _, b := range live {
		h.Deallocate(b, l16)
	}

	for _, size := range []int{16, 32, 64, 128} {
		l := layout(t, size, 1)
		assert.Equal(t, measureCapacity(t, fresh, l), measureCapacity(t, h, l), "size %d", size)
	}
}

// TestHeap_ExhaustionIsCapacityExact races N+extra allocations against a pool of N blocks.
func TestHeap_ExhaustionIsCapacityExact(t *testing.T) {
	const (
		capacity = 100
		workers  = 16
		attempts = 20
	)
	h, _ := newTestHeap(t, packed(capacity, 64), nil)
	l := layout(t, 64, 8)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures atomic.Int64
		blocks   [][]byte
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range attempts {
				b, err := h.Allocate(l)
				if err != nil {
					failures.Add(1)
					continue
				}
				mu.Lock()
				blocks = append(blocks, b)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, blocks, capacity)
	assert.Equal(t, int64(workers*attempts-capacity), failures.Load())

	_, err := h.Allocate(l)
	require.ErrorIs(t, err, ErrOutOfMemory)

	h.Deallocate(blocks[37], l)
	b, err := h.Allocate(l)
	require.NoError(t, err)
	assert.Equal(t, addrOf(blocks[37]), addrOf(b))
}

// TestHeap_ConcurrentMixedSizes churns several pools from many goroutines.
func TestHeap_ConcurrentMixedSizes(t *testing.T) {
	h, _ := newTestHeap(t, packed(32, 16, 32, 64, 128), nil)
	sizes := []int{9, 16, 24, 40, 64, 100, 128}

	var wg sync.WaitGroup
	var corrupted atomic.Bool
	for w := range 8 {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			for i := range 1000 {
				l := Layout{Size: sizes[(i+int(id))%len(sizes)], Align: 8}
				b, err := h.Allocate(l)
				if err != nil {
					continue
				}
				stamp := bytes.Repeat([]byte{id}, len(b)-WordSize)
				copy(b[WordSize:], stamp)
				if !bytes.Equal(b[WordSize:], stamp) {
					corrupted.Store(true)
				}
				h.Deallocate(b, l)
			}
		}(byte(w + 1))
	}
	wg.Wait()

	assert.False(t, corrupted.Load(), "a block was shared between goroutines")
	for _, st := range h.Stats() {
		assert.Equal(t, 0, st.InUse, "pool %d-byte blocks leaked", st.BlockSize)
	}
}

// TestNew_Errors checks startup-time configuration failures.
func TestNew_Errors(t *testing.T) {
	cfg := packed(4, 16, 32)

	_, err := New(cfg, alignedMem(t, cfg.RegionSize()-1), nil)
	assert.ErrorIs(t, err, ErrRegionTooSmall)

	_, err = New(Config{}, alignedMem(t, 64), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	mem := alignedMem(t, cfg.RegionSize()+1)
	_, err = New(cfg, mem[1:], nil)
	assert.ErrorIs(t, err, ErrInvalidConfig, "unaligned region")

	ch := uint8(3)
	traced := cfg
	traced.TraceChannel = &ch
	_, err = New(traced, alignedMem(t, cfg.RegionSize()), nil)
	assert.ErrorIs(t, err, ErrNoStreams)
}

// TestHeap_Introspection checks the read-only accessors.
func TestHeap_Introspection(t *testing.T) {
	h, mem := newTestHeap(t, packed(4, 16, 32), nil)

	assert.Equal(t, 2, h.PoolCount())
	assert.Equal(t, addrOf(mem), h.Pool(0).Start())
	assert.Equal(t, h.Pool(0).End(), h.Pool(1).Start(), "packed pools are contiguous")

	_, traced := h.TraceChannel()
	assert.False(t, traced)

	stats := h.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, 32, stats[1].BlockSize)
	assert.Equal(t, 4, stats[1].Capacity)
}
