// Package memspace tracks guest physical memory regions in two views: an
// address space tracker used for boot time enumeration, and the live
// guest memory map used for address translation. The two views are kept
// consistent by RegionHandler when device backed memory is plugged in.
package memspace

import (
	"fmt"
	"os"
)

// RegionKind classifies a region for memory map enumeration.
type RegionKind int

const (
	// RegionRAM is ordinary guest RAM.
	RegionRAM RegionKind = iota
	// RegionReserved is device backed memory (e.g. a DAX window),
	// excluded from ordinary RAM accounting.
	RegionReserved
)

// FileOffset is a file backing for a region at a byte offset.
type FileOffset struct {
	File   *os.File
	Offset uint64
}

// Region is one guest physical memory region. Regions are never mutated
// in place; changes replace the region wholesale.
type Region struct {
	Start uint64
	Size  uint64
	File  *FileOffset
	Kind  RegionKind
	Prot  int
	Flags int
}

// End returns the last address covered by the region.
func (r *Region) End() uint64 {
	return r.Start + r.Size - 1
}

// Contains reports whether addr falls inside the region.
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr <= r.End()
}

func (r *Region) overlaps(o *Region) bool {
	return r.Start <= o.End() && o.Start <= r.End()
}

func (r *Region) String() string {
	return fmt.Sprintf("region[0x%x-0x%x]", r.Start, r.End())
}
