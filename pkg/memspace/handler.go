package memspace

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// RegionHandler inserts device backed memory (a virtio-fs DAX window and
// the like) into both views: the tracker for enumeration and the live
// guest map for translation.
//
// Known limitation: if the live map insertion fails after the tracker
// insertion succeeded, the region stays registered in the tracker only.
// The handler does not compensate; the device manager must roll back the
// whole device add operation in that case.
type RegionHandler struct {
	Tracker *AddressSpace
	VMMap   *GuestAddressSpace
}

// InsertRegion registers region in the tracker as reserved memory and
// then publishes it into the live guest map.
func (h *RegionHandler) InsertRegion(region *Region) error {
	tracked := &Region{
		Start: region.Start,
		Size:  region.Size,
		Kind:  RegionReserved,
		Prot:  region.Prot,
		Flags: region.Flags,
	}
	if region.File != nil {
		// duplicate the descriptor so the two views never share a file
		// offset position
		fd, err := unix.Dup(int(region.File.File.Fd()))
		if err != nil {
			return errors.Wrapf(err, "dup backing file for %s", region)
		}
		tracked.File = &FileOffset{
			File:   os.NewFile(uintptr(fd), region.File.File.Name()),
			Offset: region.File.Offset,
		}
	}

	if err := h.Tracker.InsertRegion(tracked); err != nil {
		return errors.Wrapf(err, "insert %s into address space tracker", region)
	}

	err := h.VMMap.Update(func(m *GuestMemoryMap) (*GuestMemoryMap, error) {
		return m.InsertRegion(region)
	})
	if err != nil {
		// the tracker keeps the region; callers abort the device add
		return errors.Wrapf(err, "insert %s into guest memory map", region)
	}
	return nil
}
