package heap

import (
	"encoding/binary"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// alignedMem returns size bytes of Go memory starting on a 4KB boundary, so
// pool alignments in tests do not depend on where the runtime placed the slice.
func alignedMem(t testing.TB, size int) []byte {
	t.Helper()
	raw := make([]byte, size+MaxPoolAlign)
	off := int(alignUp(addrOf(raw), MaxPoolAlign) - addrOf(raw))
	return raw[off : off+size : off+size]
}

// alignUp returns n rounded up to the next multiple of a (a power of two).
func alignUp(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}

// newTestHeap builds a heap over aligned Go memory.
func newTestHeap(t testing.TB, cfg Config, opts *Options) (*Heap, []byte) {
	t.Helper()
	mem := alignedMem(t, cfg.RegionSize())
	h, err := New(cfg, mem, opts)
	require.NoError(t, err, "New should accept the test layout")
	return h, mem
}

// packed returns a packed config with count blocks of every size.
func packed(count int, sizes ...int) Config {
	cfg := Config{Packed: true}
	for _, size := range sizes {
		cfg.Pools = append(cfg.Pools, PoolConfig{BlockSize: size, Count: count})
	}
	return cfg
}

// descriptorPools builds pools with no backing memory, for search tests only.
// Each descriptor is {start, block size, count}.
func descriptorPools(descs ...[3]uintptr) []Pool {
	pools := make([]Pool, len(descs))
	for i, d := range descs {
		pools[i].init(nil, d[0], d[1], d[2])
	}
	return pools
}

// word reads the machine word at byte offset off of mem.
func word(mem []byte, off int) uintptr {
	return *(*uintptr)(unsafe.Pointer(&mem[off]))
}

// layout is NewLayout for tests.
func layout(t testing.TB, size, align int) Layout {
	t.Helper()
	l, err := NewLayout(size, align)
	require.NoError(t, err)
	return l
}

// measureCapacity allocates the given layout until exhaustion, frees everything
// again and returns how many allocations succeeded.
func measureCapacity(t testing.TB, h *Heap, l Layout) int {
	t.Helper()
	var blocks [][]byte
	for {
		b, err := h.Allocate(l)
		if err != nil {
			require.ErrorIs(t, err, ErrOutOfMemory)
			break
		}
		blocks = append(blocks, b)
	}
	for _, b := range blocks {
		h.Deallocate(b, l)
	}
	return len(blocks)
}

// recordingSink captures every transaction written while enabled.
type recordingSink struct {
	mu      sync.Mutex
	enabled bool
	records [][]byte
}

func (s *recordingSink) Enabled() bool { return s.enabled }

func (s *recordingSink) WriteTransaction(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, append([]byte(nil), p...))
}

func (s *recordingSink) decoded(t testing.TB) []Record {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, raw := range s.records {
		r, err := DecodeRecord(raw)
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

// recordingStreams hands out one recordingSink per channel.
type recordingStreams struct {
	sinks map[uint8]*recordingSink
}

func newRecordingStreams(enabled bool, channels ...uint8) *recordingStreams {
	s := &recordingStreams{sinks: make(map[uint8]*recordingSink)}
	for _, ch := range channels {
		s.sinks[ch] = &recordingSink{enabled: enabled}
	}
	return s
}

func (s *recordingStreams) Stream(channel uint8) Sink {
	return s.sinks[channel]
}

// be64 encodes v as a big-endian word.
func be64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}
