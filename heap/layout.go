package heap

import (
	"fmt"
	"math"
	"math/bits"
	"unsafe"

	"github.com/joshuapare/poolheap/internal/buf"
)

// WordSize is the size of the free-list link stored in every freed block.
// Block sizes and pool offsets must be multiples of it.
const WordSize = int(unsafe.Sizeof(uintptr(0)))

// Layout describes an allocation request: the number of bytes needed and the
// alignment the returned block must satisfy.
type Layout struct {
	Size  int
	Align int
}

// NewLayout returns a Layout after checking that align is a power of two and
// that size rounded up to align does not overflow.
func NewLayout(size, align int) (Layout, error) {
	if size < 0 {
		return Layout{}, fmt.Errorf("%w: negative size %d", ErrBadLayout, size)
	}
	if align <= 0 || align&(align-1) != 0 {
		return Layout{}, fmt.Errorf("%w: alignment %d is not a power of two", ErrBadLayout, align)
	}
	if size > math.MaxInt-(align-1) {
		return Layout{}, fmt.Errorf("%w: size %d overflows when aligned to %d", ErrBadLayout, size, align)
	}
	return Layout{Size: size, Align: align}, nil
}

// LayoutOf returns the layout of a value of type T.
func LayoutOf[T any]() Layout {
	var v T
	return Layout{Size: int(unsafe.Sizeof(v)), Align: int(unsafe.Alignof(v))}
}

// LayoutArray returns the layout of n contiguous values of type T.
func LayoutArray[T any](n int) (Layout, error) {
	one := LayoutOf[T]()
	size, ok := buf.MulOverflowSafe(one.Size, n)
	if !ok {
		return Layout{}, fmt.Errorf("%w: array of %d elements overflows", ErrBadLayout, n)
	}
	return NewLayout(size, one.Align)
}

// align returns the effective alignment; the zero value means byte alignment.
func (l Layout) align() uintptr {
	if l.Align <= 0 {
		return 1
	}
	return uintptr(l.Align)
}

// lowBit returns the largest power of two dividing v, or 0 for v == 0.
//
// Example:
//
//	lowBit(24)   = 8
//	lowBit(4096) = 4096
//	lowBit(4104) = 8
func lowBit(v uintptr) uintptr {
	if v == 0 {
		return 0
	}
	return 1 << bits.TrailingZeros64(uint64(v))
}
