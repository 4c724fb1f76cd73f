package heap

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

const (
	// headOffsetMask selects the (offset+1) half of a packed free-list head.
	// A zero value means the list is empty.
	headOffsetMask = 1<<32 - 1

	// headTagShift positions the ABA tag in the upper half of the head.
	headTagShift = 32

	// maxPoolExtent bounds blockSize*count so that every offset+1 fits the
	// lower half of the head.
	maxPoolExtent = 1<<32 - 1
)

// Pool manages a contiguous sub-region sliced into blocks of one fixed size.
//
// Free blocks are tracked by two lock-free structures:
//   - head: packed tag<<32 | (offset+1) of the most recently freed block
//   - watermark: offset of the next block that was never handed out
//
// The tag in head is bumped on every successful update so that a block that
// is popped, reused and pushed again between a competitor's load and CAS
// cannot be mistaken for the unchanged head.
//
// A Pool must not be copied after first use.
type Pool struct {
	head atomic.Uint64
	_    cpu.CacheLinePad

	watermark atomic.Uintptr
	_         cpu.CacheLinePad

	mem       []byte  // nil for descriptor-only pools
	start     uintptr // address of the first block
	blockSize uintptr
	count     uintptr
	extent    uintptr // blockSize * count
	alignment uintptr // largest power of two dividing every block address
}

// PoolStats is a point-in-time view of a pool's occupancy.
// It is exact only while no other goroutine mutates the pool.
type PoolStats struct {
	Start     uintptr
	BlockSize int
	Capacity  int // Total blocks in the pool
	Touched   int // Blocks handed out by the watermark at least once
	Free      int // Blocks currently on the free list
	InUse     int // Touched - Free
}

// NewPool creates a standalone pool over mem with blocks of blockSize bytes.
// Trailing bytes that do not form a whole block are ignored.
func NewPool(mem []byte, blockSize int) (*Pool, error) {
	if blockSize < WordSize || blockSize%WordSize != 0 {
		return nil, fmt.Errorf("%w: block size %d must be a positive multiple of %d",
			ErrInvalidConfig, blockSize, WordSize)
	}
	count := len(mem) / blockSize
	if count == 0 {
		return nil, fmt.Errorf("%w: %d bytes cannot hold a %d-byte block",
			ErrRegionTooSmall, len(mem), blockSize)
	}
	if uint64(count)*uint64(blockSize) > maxPoolExtent {
		return nil, fmt.Errorf("%w: pool extent exceeds %d bytes", ErrInvalidConfig, uint64(maxPoolExtent))
	}
	start := addrOf(mem)
	if start%uintptr(WordSize) != 0 {
		return nil, fmt.Errorf("%w: memory at 0x%x is not %d-byte aligned",
			ErrInvalidConfig, start, WordSize)
	}

	p := &Pool{}
	p.init(mem[:count*blockSize:count*blockSize], start, uintptr(blockSize), uintptr(count))
	return p, nil
}

// init sets the immutable descriptor and resets the runtime state.
func (p *Pool) init(mem []byte, start, blockSize, count uintptr) {
	p.mem = mem
	p.start = start
	p.blockSize = blockSize
	p.count = count
	p.extent = blockSize * count
	p.alignment = lowBit(start | blockSize)
	p.head.Store(0)
	p.watermark.Store(0)
}

// BlockSize returns the fixed size of every block in this pool.
func (p *Pool) BlockSize() int { return int(p.blockSize) }

// Capacity returns the number of blocks in this pool.
func (p *Pool) Capacity() int { return int(p.count) }

// Start returns the address of the first block.
func (p *Pool) Start() uintptr { return p.start }

// End returns the exclusive upper bound of the pool's address range.
func (p *Pool) End() uintptr { return p.start + p.extent }

// Alignment returns the alignment every block of this pool satisfies.
func (p *Pool) Alignment() int { return int(p.alignment) }

// Contains reports whether addr lies inside the pool's address range.
func (p *Pool) Contains(addr uintptr) bool {
	return addr >= p.start && addr < p.start+p.extent
}

// TryAllocate hands out one block, preferring the most recently freed one.
// The returned slice has len and cap equal to BlockSize and its contents are
// unspecified. It returns false only when the pool is exhausted.
func (p *Pool) TryAllocate() ([]byte, bool) {
	off, ok := p.allocate()
	if !ok {
		return nil, false
	}
	return p.block(off), true
}

// Deallocate returns a block previously obtained from this pool.
// The block's first word is overwritten with the free-list link.
func (p *Pool) Deallocate(b []byte) {
	p.deallocate(addrOf(b))
}

// allocate returns the offset of a free block.
func (p *Pool) allocate() (uintptr, bool) {
	if off, ok := p.pop(); ok {
		return off, true
	}
	return p.bump()
}

// deallocate pushes the block at addr onto the free list.
func (p *Pool) deallocate(addr uintptr) {
	p.push(addr - p.start)
}

// pop removes the free-list head.
func (p *Pool) pop() (uintptr, bool) {
	for {
		head := p.head.Load()
		if head&headOffsetMask == 0 {
			return 0, false
		}
		off := uintptr(head&headOffsetMask) - 1

		// The link may be stale if another goroutine pops this block first;
		// the tag makes the CAS below fail in that case.
		var next uint64
		if link := atomic.LoadUintptr(p.link(off)); link != 0 {
			next = uint64(link-p.start) + 1
		}
		if p.head.CompareAndSwap(head, nextTag(head)|next) {
			return off, true
		}
	}
}

// push makes the block at off the new free-list head.
func (p *Pool) push(off uintptr) {
	for {
		head := p.head.Load()
		var link uintptr
		if cur := head & headOffsetMask; cur != 0 {
			link = p.start + uintptr(cur-1)
		}
		atomic.StoreUintptr(p.link(off), link)
		if p.head.CompareAndSwap(head, nextTag(head)|uint64(off+1)) {
			return
		}
	}
}

// bump reserves the next never-touched block.
func (p *Pool) bump() (uintptr, bool) {
	for {
		mark := p.watermark.Load()
		if mark >= p.extent {
			return 0, false
		}
		if p.watermark.CompareAndSwap(mark, mark+p.blockSize) {
			return mark, true
		}
	}
}

// Stats walks the free list and reports the pool's occupancy.
func (p *Pool) Stats() PoolStats {
	touched := p.watermark.Load() / p.blockSize

	// The walk is bounded by touched so a list mutated underneath us cannot
	// loop forever, and it stops at any link that is not a block start.
	free := uintptr(0)
	cur := p.head.Load() & headOffsetMask
	for cur != 0 && free < touched {
		free++
		link := atomic.LoadUintptr(p.link(uintptr(cur - 1)))
		if !p.Contains(link) || (link-p.start)%p.blockSize != 0 {
			break
		}
		cur = uint64(link-p.start) + 1
	}

	return PoolStats{
		Start:     p.start,
		BlockSize: int(p.blockSize),
		Capacity:  int(p.count),
		Touched:   int(touched),
		Free:      int(free),
		InUse:     int(touched - free),
	}
}

// block returns the usable slice of the block at off.
func (p *Pool) block(off uintptr) []byte {
	return p.mem[off : off+p.blockSize : off+p.blockSize]
}

// link returns the first word of the block at off.
func (p *Pool) link(off uintptr) *uintptr {
	return (*uintptr)(unsafe.Pointer(&p.mem[off]))
}

// nextTag returns head's tag incremented by one, positioned in the upper half.
func nextTag(head uint64) uint64 {
	return (head>>headTagShift + 1) << headTagShift
}

// addrOf returns the address of b's first element.
func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
