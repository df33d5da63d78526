package memspace

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// GuestMemoryMap is an immutable snapshot of the live guest memory map,
// the authority for guest address translation. Insertion and removal
// return a new map value; existing snapshots held by readers stay valid.
type GuestMemoryMap struct {
	regions []*Region
}

// NewGuestMemoryMap creates an empty map snapshot.
func NewGuestMemoryMap() *GuestMemoryMap {
	return &GuestMemoryMap{}
}

// InsertRegion returns a new map also containing r.
func (m *GuestMemoryMap) InsertRegion(r *Region) (*GuestMemoryMap, error) {
	for _, existing := range m.regions {
		if existing.overlaps(r) {
			return nil, errors.Wrapf(ErrRegionOverlap, "%s vs %s", r, existing)
		}
	}
	regions := make([]*Region, 0, len(m.regions)+1)
	regions = append(regions, m.regions...)
	regions = append(regions, r)
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].Start < regions[j].Start
	})
	return &GuestMemoryMap{regions: regions}, nil
}

// RemoveRegion returns a new map without the region at start/size.
func (m *GuestMemoryMap) RemoveRegion(start, size uint64) (*GuestMemoryMap, error) {
	for i, existing := range m.regions {
		if existing.Start == start && existing.Size == size {
			regions := make([]*Region, 0, len(m.regions)-1)
			regions = append(regions, m.regions[:i]...)
			regions = append(regions, m.regions[i+1:]...)
			return &GuestMemoryMap{regions: regions}, nil
		}
	}
	return nil, errors.Wrapf(ErrRegionNotFound, "start 0x%x size 0x%x", start, size)
}

// FindRegion returns the region containing addr, nil if none.
func (m *GuestMemoryMap) FindRegion(addr uint64) *Region {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].End() >= addr
	})
	if i < len(m.regions) && m.regions[i].Contains(addr) {
		return m.regions[i]
	}
	return nil
}

// Regions returns the regions of this snapshot in address order.
func (m *GuestMemoryMap) Regions() []*Region {
	return m.regions
}

// GuestAddressSpace is the shared, read mostly reference to the current
// guest memory map. Readers (vCPU exit handlers translating addresses)
// load the snapshot without blocking; writers serialize on the mutex and
// publish a replacement snapshot atomically.
type GuestAddressSpace struct {
	mu  sync.Mutex
	cur atomic.Pointer[GuestMemoryMap]
}

// NewGuestAddressSpace creates the shared reference holding an empty map.
func NewGuestAddressSpace() *GuestAddressSpace {
	g := &GuestAddressSpace{}
	g.cur.Store(NewGuestMemoryMap())
	return g
}

// Memory returns the current snapshot without taking the write lock.
func (g *GuestAddressSpace) Memory() *GuestMemoryMap {
	return g.cur.Load()
}

// Update applies fn to the current snapshot and publishes its result.
// The critical section is only the swap; fn must not block on guest I/O.
func (g *GuestAddressSpace) Update(fn func(*GuestMemoryMap) (*GuestMemoryMap, error)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	next, err := fn(g.cur.Load())
	if err != nil {
		return err
	}
	g.cur.Store(next)
	return nil
}
