package heap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/joshuapare/poolheap/internal/buf"
)

// MaxPoolAlign caps the start alignment Packed gives each pool.
const MaxPoolAlign = 4096

// PoolConfig describes one pool: where it starts inside the region, its block
// size and its block count.
type PoolConfig struct {
	// Offset is the byte offset of the pool inside the backing region.
	// Ignored when Config.Packed is set.
	Offset int `yaml:"offset" json:"offset"`

	// BlockSize is the size of every block, a multiple of WordSize.
	BlockSize int `yaml:"block_size" json:"block_size"`

	// Count is the number of blocks.
	Count int `yaml:"count" json:"count"`
}

// Extent returns the number of bytes the pool occupies.
func (pc PoolConfig) Extent() int { return pc.BlockSize * pc.Count }

// Config is the static pool layout of a heap.
//
// Pools must be listed ascending by block size, and their ranges must ascend
// in the same order without overlapping.
type Config struct {
	Pools []PoolConfig `yaml:"pools" json:"pools"`

	// Packed lays pools out back to back in the listed order, each aligned to
	// its block size's natural alignment (at most MaxPoolAlign).
	// Default: false (offsets are taken from PoolConfig.Offset)
	Packed bool `yaml:"packed" json:"packed"`

	// TraceChannel enables tracing on the given stream channel.
	// Default: nil (tracing disabled)
	TraceChannel *uint8 `yaml:"trace_channel,omitempty" json:"trace_channel,omitempty"`
}

// Options configures heap construction.
type Options struct {
	// Streams resolves Config.TraceChannel to a sink.
	// Required when TraceChannel is set.
	Streams Streams

	// Logger receives construction diagnostics and, when POOLHEAP_LOG_OOM is
	// set, exhaustion warnings.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultOptions returns options with no trace streams and the default logger.
func DefaultOptions() *Options {
	return &Options{Logger: slog.Default()}
}

// ParseConfig decodes a YAML pool layout. Unknown fields are rejected.
func ParseConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("%w: empty document", ErrInvalidConfig)
		}
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// LoadConfig reads and decodes the YAML pool layout at path.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	cfg, err := ParseConfig(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Resolve returns the pool list with offsets filled in and validated.
func (c Config) Resolve() ([]PoolConfig, error) {
	pools, err := c.layout()
	if err != nil {
		return nil, err
	}
	if err := validatePools(pools); err != nil {
		return nil, err
	}
	return pools, nil
}

// Validate reports whether the layout satisfies the pool invariants.
func (c Config) Validate() error {
	_, err := c.Resolve()
	return err
}

// RegionSize returns the number of bytes needed to back the layout, or zero
// when the layout does not resolve.
func (c Config) RegionSize() int {
	pools, err := c.layout()
	if err != nil {
		return 0
	}
	size := 0
	for _, pc := range pools {
		end, err := buf.RangeEnd(pc.Offset, pc.Count, pc.BlockSize)
		if err != nil {
			return 0
		}
		size = max(size, end)
	}
	return size
}

// BlockSizeFor returns the block size of the smallest pool able to hold size
// bytes, ignoring capacity. It returns false when size exceeds every pool.
func (c Config) BlockSizeFor(size int) (int, bool) {
	i := sort.Search(len(c.Pools), func(i int) bool {
		return c.Pools[i].BlockSize >= size
	})
	if i == len(c.Pools) {
		return 0, false
	}
	return c.Pools[i].BlockSize, true
}

// layout copies the pool list, computing offsets when packed.
func (c Config) layout() ([]PoolConfig, error) {
	pools := make([]PoolConfig, len(c.Pools))
	copy(pools, c.Pools)
	if !c.Packed {
		return pools, nil
	}

	cursor := 0
	for i := range pools {
		align := int(min(lowBit(uintptr(max(pools[i].BlockSize, 0))), MaxPoolAlign))
		align = max(align, WordSize)
		off, ok := buf.AlignUp(cursor, align)
		if !ok {
			return nil, fmt.Errorf("%w: pool %d: packed offset overflows", ErrInvalidConfig, i)
		}
		pools[i].Offset = off
		end, err := buf.RangeEnd(off, max(pools[i].Count, 0), max(pools[i].BlockSize, 0))
		if err != nil {
			return nil, fmt.Errorf("%w: pool %d: %w", ErrInvalidConfig, i, err)
		}
		cursor = end
	}
	return pools, nil
}

// validatePools checks every invariant the allocator relies on.
func validatePools(pools []PoolConfig) error {
	if len(pools) == 0 {
		return fmt.Errorf("%w: no pools", ErrInvalidConfig)
	}

	prevEnd, prevSize := 0, 0
	for i, pc := range pools {
		switch {
		case pc.BlockSize < WordSize || pc.BlockSize%WordSize != 0:
			return fmt.Errorf("%w: pool %d: block size %d must be a positive multiple of %d",
				ErrInvalidConfig, i, pc.BlockSize, WordSize)
		case pc.Count < 1:
			return fmt.Errorf("%w: pool %d: count %d must be at least 1", ErrInvalidConfig, i, pc.Count)
		case pc.Offset < 0 || pc.Offset%WordSize != 0:
			return fmt.Errorf("%w: pool %d: offset %d must be a non-negative multiple of %d",
				ErrInvalidConfig, i, pc.Offset, WordSize)
		}
		end, err := buf.RangeEnd(pc.Offset, pc.Count, pc.BlockSize)
		if err != nil {
			return fmt.Errorf("%w: pool %d: %w", ErrInvalidConfig, i, err)
		}
		if uint64(end-pc.Offset) > maxPoolExtent {
			return fmt.Errorf("%w: pool %d: extent %d*%d exceeds %d bytes",
				ErrInvalidConfig, i, pc.BlockSize, pc.Count, uint64(maxPoolExtent))
		}

		if i > 0 {
			if pc.BlockSize < prevSize {
				return fmt.Errorf("%w: pool %d: block size %d is smaller than pool %d's %d",
					ErrInvalidConfig, i, pc.BlockSize, i-1, prevSize)
			}
			if pc.Offset < prevEnd {
				return fmt.Errorf("%w: pool %d: offset %d overlaps pool %d ending at %d",
					ErrInvalidConfig, i, pc.Offset, i-1, prevEnd)
			}
		}
		prevEnd, prevSize = end, pc.BlockSize
	}
	return nil
}
