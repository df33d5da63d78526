package memspace

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddressSpaceInsertOverlap(t *testing.T) {
	assert := assert.New(t)
	a := NewAddressSpace()

	assert.NoError(a.InsertRegion(&Region{Start: 0x1000, Size: 0x1000}))
	assert.NoError(a.InsertRegion(&Region{Start: 0x3000, Size: 0x1000}))

	err := a.InsertRegion(&Region{Start: 0x1800, Size: 0x1000})
	assert.ErrorIs(err, ErrRegionOverlap)

	// adjacent, non overlapping
	assert.NoError(a.InsertRegion(&Region{Start: 0x2000, Size: 0x1000}))
}

func TestAddressSpaceRAMAccounting(t *testing.T) {
	assert := assert.New(t)
	a := NewAddressSpace()

	assert.NoError(a.InsertRegion(&Region{Start: 0, Size: 1 << 20, Kind: RegionRAM}))
	assert.NoError(a.InsertRegion(&Region{Start: 1 << 30, Size: 1 << 21, Kind: RegionReserved}))

	// reserved (DAX) regions stay out of RAM accounting
	assert.Equal(uint64(1<<20), a.RAMSize())
}

func TestGuestMemoryMapImmutableInsert(t *testing.T) {
	assert := assert.New(t)
	m := NewGuestMemoryMap()

	m2, err := m.InsertRegion(&Region{Start: 0x1000, Size: 0x1000})
	assert.NoError(err)
	assert.Nil(m.FindRegion(0x1000))
	assert.NotNil(m2.FindRegion(0x1000))
	assert.NotNil(m2.FindRegion(0x1fff))
	assert.Nil(m2.FindRegion(0x2000))
}

func TestGuestAddressSpaceSwap(t *testing.T) {
	assert := assert.New(t)
	g := NewGuestAddressSpace()

	before := g.Memory()
	err := g.Update(func(m *GuestMemoryMap) (*GuestMemoryMap, error) {
		return m.InsertRegion(&Region{Start: 0x4000, Size: 0x1000})
	})
	assert.NoError(err)

	// old snapshots stay valid, the reference sees the new map
	assert.Nil(before.FindRegion(0x4000))
	assert.NotNil(g.Memory().FindRegion(0x4000))
}

func TestRegionHandlerInsert(t *testing.T) {
	assert := assert.New(t)
	h := &RegionHandler{
		Tracker: NewAddressSpace(),
		VMMap:   NewGuestAddressSpace(),
	}

	f, err := os.CreateTemp(t.TempDir(), "dax")
	assert.NoError(err)
	defer f.Close()

	region := &Region{
		Start: 0x1_0000_0000,
		Size:  1 << 21,
		File:  &FileOffset{File: f},
	}
	assert.NoError(h.InsertRegion(region))

	// both views agree about the range
	tracked := h.Tracker.FindRegion(0x1_0000_0000)
	assert.NotNil(tracked)
	assert.Equal(RegionReserved, tracked.Kind)
	assert.NotNil(h.VMMap.Memory().FindRegion(0x1_0000_0000))

	// the tracker holds its own descriptor, not the caller's
	assert.NotNil(tracked.File)
	assert.NotEqual(f.Fd(), tracked.File.File.Fd())
}

func TestRegionHandlerPartialFailure(t *testing.T) {
	assert := assert.New(t)
	h := &RegionHandler{
		Tracker: NewAddressSpace(),
		VMMap:   NewGuestAddressSpace(),
	}

	// pre-populate only the live map so the second insertion step fails
	err := h.VMMap.Update(func(m *GuestMemoryMap) (*GuestMemoryMap, error) {
		return m.InsertRegion(&Region{Start: 0x2_0000_0000, Size: 1 << 21})
	})
	assert.NoError(err)

	err = h.InsertRegion(&Region{Start: 0x2_0000_0000, Size: 1 << 21})
	assert.Error(err)

	// the documented asymmetry: tracker has the region, callers roll back
	assert.NotNil(h.Tracker.FindRegion(0x2_0000_0000))
}
