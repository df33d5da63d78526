package pci

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNoResources indicates the bus has no free device id left.
var ErrNoResources = errors.New("no pci resources available")

// BarInvalidError indicates the BAR index is out of range.
type BarInvalidError struct {
	Index int
}

func (e *BarInvalidError) Error() string {
	return fmt.Sprintf("bar index %d is invalid", e.Index)
}

// BarInvalid64Error indicates a 64bit BAR has no room for its upper half.
type BarInvalid64Error struct {
	Index int
}

func (e *BarInvalid64Error) Error() string {
	return fmt.Sprintf("64bit bar index %d is invalid", e.Index)
}

// BarInUseError indicates the BAR register is already occupied.
type BarInUseError struct {
	Index int
}

func (e *BarInUseError) Error() string {
	return fmt.Sprintf("bar %d is already in use", e.Index)
}

// BarInUse64Error indicates the paired register of a 64bit BAR is occupied.
type BarInUse64Error struct {
	Index int
}

func (e *BarInUse64Error) Error() string {
	return fmt.Sprintf("64bit bar %d is already in use", e.Index)
}

// BarSizeInvalidError indicates the BAR size is not allowed.
type BarSizeInvalidError struct {
	Size uint64
}

func (e *BarSizeInvalidError) Error() string {
	return fmt.Sprintf("bar size 0x%x is invalid", e.Size)
}

// BarAddressInvalidError indicates the BAR address range is not representable.
type BarAddressInvalidError struct {
	Addr uint64
	Size uint64
}

func (e *BarAddressInvalidError) Error() string {
	return fmt.Sprintf("bar address 0x%x size 0x%x is invalid", e.Addr, e.Size)
}

// CapabilityEmptyError indicates the capability carries no payload.
type CapabilityEmptyError struct{}

func (e *CapabilityEmptyError) Error() string {
	return "empty capabilities are invalid"
}

// CapabilitySpaceFullError indicates the capability list space is exhausted.
type CapabilitySpaceFullError struct {
	Needed int
}

func (e *CapabilitySpaceFullError) Error() string {
	return fmt.Sprintf("no space available for %d byte capability", e.Needed)
}
