// Package region provides page-aligned anonymous memory for backing a heap.
//
// Memory is mapped outside the Go heap where the platform allows it, so the
// garbage collector never scans or moves it.
package region

import (
	"errors"
	"fmt"
)

// ErrBadSize indicates a non-positive region size.
var ErrBadSize = errors.New("region: size must be positive")

// Region is a mapped read/write memory range.
type Region struct {
	mem []byte
}

// Map returns a zeroed, page-aligned region of size bytes.
func Map(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadSize, size)
	}
	mem, err := mapAnon(size)
	if err != nil {
		return nil, fmt.Errorf("region: map %d bytes: %w", size, err)
	}
	return &Region{mem: mem}, nil
}

// Bytes returns the mapped memory. It is nil after Close.
func (r *Region) Bytes() []byte { return r.mem }

// Len returns the region size in bytes, or zero after Close.
func (r *Region) Len() int { return len(r.mem) }

// Close unmaps the region. Calling Close more than once is a no-op.
// Slices obtained from Bytes must not be used afterwards.
func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}
	mem := r.mem
	r.mem = nil
	return unmap(mem)
}
