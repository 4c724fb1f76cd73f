// Package buf provides overflow-checked arithmetic for laying out byte ranges.
package buf

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrOverflow indicates that a range computation does not fit in an int.
	ErrOverflow = errors.New("buf: overflow")
	// ErrNegative indicates a negative offset, count or size.
	ErrNegative = errors.New("buf: negative operand")
)

// AddOverflowSafe adds a and b, returning ok = false when the result would overflow int.
func AddOverflowSafe(a, b int) (int, bool) {
	switch {
	case b > 0 && a > math.MaxInt-b:
		return 0, false
	case b < 0 && a < math.MinInt-b:
		return 0, false
	default:
		return a + b, true
	}
}

// MulOverflowSafe multiplies two non-negative ints, returning ok = false when
// the result would overflow or either operand is negative.
func MulOverflowSafe(a, b int) (int, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxInt/b {
		return 0, false
	}
	return a * b, true
}

// AlignUp rounds n up to a multiple of align, a power of two. It returns
// ok = false on overflow.
func AlignUp(n, align int) (int, bool) {
	if n < 0 || align <= 0 {
		return 0, false
	}
	sum, ok := AddOverflowSafe(n, align-1)
	if !ok {
		return 0, false
	}
	return sum &^ (align - 1), true
}

// RangeEnd returns the end of count elements of elemSize bytes starting at
// offset:
//
//	end, err := buf.RangeEnd(pc.Offset, pc.Count, pc.BlockSize)
//	if err != nil {
//	    return fmt.Errorf("pool %d: %w", i, err)
//	}
func RangeEnd(offset, count, elemSize int) (int, error) {
	if offset < 0 || count < 0 || elemSize < 0 {
		return 0, fmt.Errorf("%w: offset=%d count=%d size=%d", ErrNegative, offset, count, elemSize)
	}
	total, ok := MulOverflowSafe(count, elemSize)
	if !ok {
		return 0, fmt.Errorf("%w: %d*%d", ErrOverflow, count, elemSize)
	}
	end, ok := AddOverflowSafe(offset, total)
	if !ok {
		return 0, fmt.Errorf("%w: %d+%d", ErrOverflow, offset, total)
	}
	return end, nil
}
