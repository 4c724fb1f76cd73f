package main

import (
	"fmt"

	"github.com/joshuapare/poolheap/heap"
	"github.com/joshuapare/poolheap/internal/region"
)

// mappedHeap is a heap together with the region backing it.
type mappedHeap struct {
	*heap.Heap
	cfg    heap.Config
	region *region.Region
}

// loadLayout reads and validates the layout at path.
func loadLayout(path string) (heap.Config, error) {
	cfg, err := heap.LoadConfig(path)
	if err != nil {
		return heap.Config{}, fmt.Errorf("failed to load layout: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return heap.Config{}, err
	}
	return cfg, nil
}

// mapHeap builds a heap for cfg over fresh mapped memory. The caller must
// Close the result once the heap is no longer used.
func mapHeap(cfg heap.Config, opts *heap.Options) (*mappedHeap, error) {
	reg, err := region.Map(cfg.RegionSize())
	if err != nil {
		return nil, err
	}
	h, err := heap.New(cfg, reg.Bytes(), opts)
	if err != nil {
		reg.Close()
		return nil, err
	}
	return &mappedHeap{Heap: h, cfg: cfg, region: reg}, nil
}

// Close unmaps the backing region.
func (m *mappedHeap) Close() error {
	return m.region.Close()
}
