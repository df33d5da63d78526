package memspace

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrRegionOverlap indicates the new region intersects an existing one.
var ErrRegionOverlap = errors.New("memory region overlaps an existing region")

// ErrRegionNotFound indicates no region matches the requested range.
var ErrRegionNotFound = errors.New("memory region not found")

// AddressSpace is the enumeration side tracker of guest regions. It never
// touches guest memory; it only records which ranges exist and what kind
// they are, for e820 style memory map generation.
type AddressSpace struct {
	mu      sync.Mutex
	regions []*Region
}

// NewAddressSpace creates an empty tracker.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{}
}

// InsertRegion records a region, rejecting overlaps.
func (a *AddressSpace) InsertRegion(r *Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, existing := range a.regions {
		if existing.overlaps(r) {
			return errors.Wrapf(ErrRegionOverlap, "%s vs %s", r, existing)
		}
	}
	a.regions = append(a.regions, r)
	sort.Slice(a.regions, func(i, j int) bool {
		return a.regions[i].Start < a.regions[j].Start
	})
	return nil
}

// RemoveRegion drops the region starting exactly at start with size.
func (a *AddressSpace) RemoveRegion(start, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, existing := range a.regions {
		if existing.Start == start && existing.Size == size {
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrRegionNotFound, "start 0x%x size 0x%x", start, size)
}

// FindRegion returns the region containing addr, nil if none.
func (a *AddressSpace) FindRegion(addr uint64) *Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.regions {
		if r.Contains(addr) {
			return r
		}
	}
	return nil
}

// RAMSize sums the sizes of ordinary RAM regions, skipping reserved ones.
func (a *AddressSpace) RAMSize() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total uint64
	for _, r := range a.regions {
		if r.Kind == RegionRAM {
			total += r.Size
		}
	}
	return total
}

// Regions returns a snapshot of the tracked regions in address order.
func (a *AddressSpace) Regions() []*Region {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Region, len(a.regions))
	copy(out, a.regions)
	return out
}
