package heap

import "errors"

var (
	// ErrOutOfMemory indicates that no pool able to serve the request has a free block.
	// It is the only error an allocation can return.
	ErrOutOfMemory = errors.New("heap: out of memory")

	// ErrBadLayout indicates a layout with a non power-of-two alignment or an overflowing size.
	ErrBadLayout = errors.New("heap: bad layout")

	// ErrInvalidConfig indicates a pool configuration that violates the layout invariants.
	ErrInvalidConfig = errors.New("heap: invalid config")

	// ErrRegionTooSmall indicates that the backing memory cannot hold the configured pools.
	ErrRegionTooSmall = errors.New("heap: region too small")

	// ErrNoStreams indicates that tracing was configured without a stream provider.
	ErrNoStreams = errors.New("heap: trace channel set but no streams")

	// ErrBadRecord indicates a trace record with an unknown tag or wrong length.
	ErrBadRecord = errors.New("heap: bad trace record")
)
