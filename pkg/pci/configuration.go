// Package pci emulates the PCI configuration space of a virtual machine:
// per device configuration headers with BAR and capability management, and
// buses dispatching config space access by device id.
//
// Only type 0 (normal device) headers are supported and the layout is
// little endian, matching the guest visible PCI convention.
package pci

import (
	"encoding/binary"
)

// NumConfigRegs is the number of 32bit registers in the 256 byte config space.
const NumConfigRegs = 64

// NumBarRegs is the number of PCI BAR registers in a type 0 header.
const NumBarRegs = 6

const (
	statusReg        = 1
	bar0Reg          = 4
	subsystemReg     = 11
	romBarReg        = 12
	capListHeadReg   = 13
	interruptLineReg = 15

	statusCapListMask = 0x0010_0000
	barIoAddrMask     = 0xffff_fffc
	barMemAddrMask    = 0xffff_fff0

	firstCapabilityOffset = 0x40
	capabilityMaxOffset   = 0xc0

	configSpaceSize = 256
)

// BarType is the region type encoded in the low BAR bits.
type BarType uint32

// BAR region types. The 64bit upper half is internal book keeping only.
const (
	BarIO       BarType = 0x01
	BarMem32    BarType = 0x00
	BarMem64    BarType = 0x04
	barMem64Hi  BarType = 0x80
	barTypeMask uint32  = 0x07
)

// BarConfiguration describes one BAR region to program into the header.
type BarConfiguration struct {
	Index        int
	Type         BarType
	Addr         uint64
	Size         uint64
	Prefetchable bool
}

type barState struct {
	addr uint32
	size uint32
	typ  BarType
	used bool
}

type capEntry struct {
	offset int
	data   []byte
}

// Configuration models a type 0 PCI configuration header with BAR
// registers and a capability list laid out in the flat config space.
// Callers serialize access; the device owning the header holds the lock.
type Configuration struct {
	registers    [NumConfigRegs]uint32
	writableBits [NumConfigRegs]uint32
	bars         [NumBarRegs]barState
	capabilities []capEntry
}

// NewConfiguration builds a header for the given device identity.
func NewConfiguration(vendorID, deviceID uint16, classCode, subclass uint8,
	subsystemVendorID, subsystemID uint16) *Configuration {
	c := &Configuration{}
	c.registers[0] = uint32(deviceID)<<16 | uint32(vendorID)
	c.writableBits[1] = 0x0000_ffff // status r/o, command r/w
	c.registers[2] = uint32(classCode)<<24 | uint32(subclass)<<16
	c.writableBits[3] = 0x0000_00ff // cacheline size r/w
	c.registers[subsystemReg] = uint32(subsystemID)<<16 | uint32(subsystemVendorID)
	c.writableBits[interruptLineReg] = 0x0000_00ff // interrupt line r/w
	return c
}

// AddDeviceBar programs a BAR region into the header.
//
// Validation is all or nothing: any failure leaves the header untouched so
// the caller can retry with corrected parameters.
func (c *Configuration) AddDeviceBar(cfg *BarConfiguration) (int, error) {
	if cfg.Index < 0 || cfg.Index >= NumBarRegs {
		return 0, &BarInvalidError{Index: cfg.Index}
	}
	if c.bars[cfg.Index].used {
		return 0, &BarInUseError{Index: cfg.Index}
	}
	if cfg.Size == 0 || cfg.Size&(cfg.Size-1) != 0 {
		return 0, &BarSizeInvalidError{Size: cfg.Size}
	}
	endAddr := cfg.Addr + cfg.Size - 1
	if endAddr < cfg.Addr {
		return 0, &BarAddressInvalidError{Addr: cfg.Addr, Size: cfg.Size}
	}

	regIdx := bar0Reg + cfg.Index
	switch cfg.Type {
	case BarIO:
		if cfg.Size < 0x4 || cfg.Size > 0xffff_ffff {
			return 0, &BarSizeInvalidError{Size: cfg.Size}
		}
		if endAddr > 0xffff_ffff {
			return 0, &BarAddressInvalidError{Addr: cfg.Addr, Size: cfg.Size}
		}
	case BarMem32:
		if cfg.Size < 0x10 || cfg.Size > 0xffff_ffff {
			return 0, &BarSizeInvalidError{Size: cfg.Size}
		}
		if endAddr > 0xffff_ffff {
			return 0, &BarAddressInvalidError{Addr: cfg.Addr, Size: cfg.Size}
		}
	case BarMem64:
		// a 64bit BAR consumes two consecutive registers, even aligned
		if cfg.Index%2 != 0 || cfg.Index+1 >= NumBarRegs {
			return 0, &BarInvalid64Error{Index: cfg.Index}
		}
		if c.bars[cfg.Index+1].used {
			return 0, &BarInUse64Error{Index: cfg.Index}
		}
		c.registers[regIdx+1] = uint32(cfg.Addr >> 32)
		c.writableBits[regIdx+1] = 0xffff_ffff
		c.bars[cfg.Index+1] = barState{
			addr: c.registers[regIdx+1],
			size: uint32(cfg.Size >> 32),
			typ:  barMem64Hi,
			used: true,
		}
	default:
		return 0, &BarInvalidError{Index: cfg.Index}
	}

	mask := uint32(barMemAddrMask)
	lowerBits := uint32(cfg.Type)
	if cfg.Type == BarIO {
		mask = barIoAddrMask
	} else if cfg.Prefetchable {
		lowerBits |= 0x08
	}
	c.registers[regIdx] = (uint32(cfg.Addr) & mask) | lowerBits
	c.writableBits[regIdx] = mask
	c.bars[cfg.Index] = barState{
		addr: c.registers[regIdx] & mask,
		size: uint32(cfg.Size),
		typ:  cfg.Type,
		used: true,
	}
	return cfg.Index, nil
}

// BarUsed reports whether the BAR register at index is occupied.
func (c *Configuration) BarUsed(index int) bool {
	return index >= 0 && index < NumBarRegs && c.bars[index].used
}

// BarAddr returns the programmed address of the BAR at index, including
// the upper half for 64bit regions.
func (c *Configuration) BarAddr(index int) uint64 {
	if index < 0 || index >= NumBarRegs || !c.bars[index].used {
		return 0
	}
	addr := uint64(c.bars[index].addr)
	if c.bars[index].typ == BarMem64 {
		addr |= uint64(c.bars[index+1].addr) << 32
	}
	return addr
}

// AddCapability appends a capability to the list and returns the config
// space offset it was written at.
//
// The capability bytes carry the id at offset 0 and the next pointer at
// offset 1; the next pointer is patched here to link the list, with the
// newest capability becoming the list head.
func (c *Configuration) AddCapability(capBytes []byte) (int, error) {
	if len(capBytes) <= 2 {
		return 0, &CapabilityEmptyError{}
	}

	capOffset := firstCapabilityOffset
	if n := len(c.capabilities); n > 0 {
		last := c.capabilities[n-1]
		capOffset = nextDword(last.offset, len(last.data))
	}
	if capOffset+len(capBytes) > capabilityMaxOffset {
		return 0, &CapabilitySpaceFullError{Needed: len(capBytes)}
	}

	data := make([]byte, len(capBytes))
	copy(data, capBytes)
	// link in at the head of the list
	prevHead := uint8(c.registers[capListHeadReg])
	data[1] = prevHead
	c.registers[capListHeadReg] &^= 0xff
	c.registers[capListHeadReg] |= uint32(capOffset)
	c.registers[statusReg] |= statusCapListMask

	c.capabilities = append(c.capabilities, capEntry{offset: capOffset, data: data})
	return capOffset, nil
}

// align the next capability to a dword so two capabilities never share a register
func nextDword(offset, length int) int {
	return (offset + length + 3) &^ 3
}

func (c *Configuration) capAt(offset int) (*capEntry, int) {
	for i := range c.capabilities {
		e := &c.capabilities[i]
		if offset >= e.offset && offset < e.offset+len(e.data) {
			return e, offset - e.offset
		}
	}
	return nil, 0
}

// ReadConfig reads from the configuration space. Only naturally aligned
// 1, 2 and 4 byte accesses are supported; anything else reads as all ones.
func (c *Configuration) ReadConfig(offset int, data []byte) {
	switch {
	case len(data) == 4 && offset%4 == 0:
		binary.LittleEndian.PutUint32(data, c.readU32(offset))
	case len(data) == 2 && offset%2 == 0:
		binary.LittleEndian.PutUint16(data, c.readU16(offset))
	case len(data) == 1:
		data[0] = c.readU8(offset)
	default:
		for i := range data {
			data[i] = 0xff
		}
	}
}

// WriteConfig writes into the configuration space. Only naturally aligned
// 1, 2 and 4 byte accesses are supported; others are silently dropped.
func (c *Configuration) WriteConfig(offset int, data []byte) {
	switch {
	case len(data) == 4 && offset%4 == 0:
		c.writeU32(offset, binary.LittleEndian.Uint32(data))
	case len(data) == 2 && offset%2 == 0:
		c.writeU16(offset, binary.LittleEndian.Uint16(data))
	case len(data) == 1:
		c.writeU8(offset, data[0])
	}
}

func (c *Configuration) readU32(offset int) uint32 {
	if offset%4 != 0 || offset >= configSpaceSize {
		return 0xffff_ffff
	}
	if e, rel := c.capAt(offset); e != nil {
		var buf [4]byte
		for i := 0; i < 4; i++ {
			buf[i] = e.byteAt(rel + i)
		}
		return binary.LittleEndian.Uint32(buf[:])
	}
	return c.registers[offset>>2]
}

func (c *Configuration) readU16(offset int) uint16 {
	if offset%2 != 0 || offset >= configSpaceSize {
		return 0xffff
	}
	if e, rel := c.capAt(offset); e != nil {
		return uint16(e.byteAt(rel)) | uint16(e.byteAt(rel+1))<<8
	}
	v := c.readU32(offset &^ 0x3)
	return uint16(v >> ((uint(offset) & 0x2) * 8))
}

func (c *Configuration) readU8(offset int) uint8 {
	if offset >= configSpaceSize {
		return 0xff
	}
	if e, rel := c.capAt(offset); e != nil {
		return e.byteAt(rel)
	}
	v := c.readU16(offset &^ 0x1)
	return uint8(v >> ((uint(offset) & 0x1) * 8))
}

func (c *Configuration) writeU32(offset int, value uint32) {
	if offset%4 != 0 || offset >= configSpaceSize {
		return
	}
	regIdx := offset >> 2
	switch {
	case regIdx == 0 || regIdx == 2:
		// id and class registers are read only
	case regIdx == 1 || regIdx == 3 || regIdx == interruptLineReg:
		mask := c.writableBits[regIdx]
		c.registers[regIdx] &^= mask
		c.registers[regIdx] |= value & mask
	case regIdx >= bar0Reg && regIdx < bar0Reg+NumBarRegs:
		c.writeBarReg(regIdx, value)
	case regIdx == 10 || regIdx == subsystemReg || regIdx == romBarReg || regIdx == capListHeadReg || regIdx == 14:
		// CIS, subsystem, expansion ROM, capability pointer and reserved are read only
	default:
		if e, rel := c.capAt(offset); e != nil {
			for i := 0; i < 4; i++ {
				e.setByteAt(rel+i, uint8(value>>(8*uint(i))))
			}
		}
	}
}

func (c *Configuration) writeU16(offset int, value uint16) {
	if offset%2 != 0 || offset >= configSpaceSize {
		return
	}
	if e, rel := c.capAt(offset); e != nil {
		e.setByteAt(rel, uint8(value))
		e.setByteAt(rel+1, uint8(value>>8))
		return
	}
	old := c.readU32(offset &^ 0x3)
	shift := (uint(offset) & 0x2) * 8
	old &^= 0xffff << shift
	old |= uint32(value) << shift
	c.writeU32(offset&^0x3, old)
}

func (c *Configuration) writeU8(offset int, value uint8) {
	if offset >= configSpaceSize {
		return
	}
	if e, rel := c.capAt(offset); e != nil {
		e.setByteAt(rel, value)
		return
	}
	old := c.readU16(offset &^ 0x1)
	shift := (uint(offset) & 0x1) * 8
	old &^= 0xff << shift
	old |= uint16(value) << shift
	c.writeU16(offset&^0x1, old)
}

// writeBarReg applies a guest BAR write honoring the writable address bits.
func (c *Configuration) writeBarReg(regIdx int, value uint32) {
	mask := c.writableBits[regIdx]
	lower := c.registers[regIdx] &^ mask
	c.registers[regIdx] = (value & mask) | lower
	barIdx := regIdx - bar0Reg
	if c.bars[barIdx].used {
		c.bars[barIdx].addr = c.registers[regIdx] & mask
	}
}

func (e *capEntry) byteAt(rel int) uint8 {
	if rel < 0 || rel >= len(e.data) {
		return 0xff
	}
	return e.data[rel]
}

func (e *capEntry) setByteAt(rel int, v uint8) {
	// the id and next pointer stay under allocator control
	if rel < 2 || rel >= len(e.data) {
		return
	}
	e.data[rel] = v
}
