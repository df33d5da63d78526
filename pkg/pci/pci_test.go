package pci

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocateDeviceID(t *testing.T) {
	assert := assert.New(t)
	b := NewBus(0)

	id, err := b.AllocateDeviceID(-1)
	assert.NoError(err)
	assert.Equal(uint8(0), id)

	id, err = b.AllocateDeviceID(5)
	assert.NoError(err)
	assert.Equal(uint8(5), id)

	// preferred id taken, fall back to lowest free
	id, err = b.AllocateDeviceID(5)
	assert.NoError(err)
	assert.Equal(uint8(1), id)
}

func TestAllocateDeviceIDExhaustion(t *testing.T) {
	assert := assert.New(t)
	b := NewBus(0)

	for i := 0; i < BusDeviceNum; i++ {
		id, err := b.AllocateDeviceID(-1)
		assert.NoError(err)
		assert.Equal(uint8(i), id)
	}
	_, err := b.AllocateDeviceID(-1)
	assert.ErrorIs(err, ErrNoResources)

	// freed ids are handed out again before higher unused ones
	b.FreeDeviceID(7)
	id, err := b.AllocateDeviceID(-1)
	assert.NoError(err)
	assert.Equal(uint8(7), id)
}

func TestAddDeviceBarValidation(t *testing.T) {
	assert := assert.New(t)
	c := NewConfiguration(0x1af4, 0x1042, 0x01, 0x00, 0x1af4, 0x40)

	_, err := c.AddDeviceBar(&BarConfiguration{Index: 6, Type: BarMem32, Size: 0x1000})
	assert.IsType(&BarInvalidError{}, err)

	_, err = c.AddDeviceBar(&BarConfiguration{Index: 0, Type: BarMem32, Size: 0x1001})
	assert.IsType(&BarSizeInvalidError{}, err)

	_, err = c.AddDeviceBar(&BarConfiguration{Index: 0, Type: BarMem32, Addr: 0x1_0000_0000, Size: 0x1000})
	assert.IsType(&BarAddressInvalidError{}, err)

	idx, err := c.AddDeviceBar(&BarConfiguration{Index: 0, Type: BarMem32, Addr: 0x8000_0000, Size: 0x1000})
	assert.NoError(err)
	assert.Equal(0, idx)
	assert.True(c.BarUsed(0))

	_, err = c.AddDeviceBar(&BarConfiguration{Index: 0, Type: BarMem32, Addr: 0x9000_0000, Size: 0x1000})
	assert.IsType(&BarInUseError{}, err)
}

func TestAddDeviceBar64(t *testing.T) {
	assert := assert.New(t)
	c := NewConfiguration(0x1af4, 0x1042, 0x01, 0x00, 0x1af4, 0x40)

	// odd index is rejected for 64bit regions
	_, err := c.AddDeviceBar(&BarConfiguration{Index: 1, Type: BarMem64, Addr: 0x1_0000_0000, Size: 0x1000})
	assert.IsType(&BarInvalid64Error{}, err)

	// paired register occupied
	_, err = c.AddDeviceBar(&BarConfiguration{Index: 3, Type: BarMem32, Addr: 0x8000_0000, Size: 0x1000})
	assert.NoError(err)
	_, err = c.AddDeviceBar(&BarConfiguration{Index: 2, Type: BarMem64, Addr: 0x1_0000_0000, Size: 0x1000})
	assert.IsType(&BarInUse64Error{}, err)

	// both registers free
	idx, err := c.AddDeviceBar(&BarConfiguration{Index: 0, Type: BarMem64, Addr: 0x1_2000_0000, Size: 0x1000})
	assert.NoError(err)
	assert.Equal(0, idx)
	assert.True(c.BarUsed(0))
	assert.True(c.BarUsed(1))
	assert.Equal(uint64(0x1_2000_0000), c.BarAddr(0))
}

func TestAddCapability(t *testing.T) {
	assert := assert.New(t)
	c := NewConfiguration(0x1af4, 0x1042, 0x01, 0x00, 0x1af4, 0x40)

	_, err := c.AddCapability([]byte{0x09, 0x00})
	assert.IsType(&CapabilityEmptyError{}, err)

	off1, err := c.AddCapability([]byte{0x09, 0x00, 0xaa, 0xbb})
	assert.NoError(err)
	assert.Equal(firstCapabilityOffset, off1)

	// capability pointer register points at the new head
	var ptr [1]byte
	c.ReadConfig(0x34, ptr[:])
	assert.Equal(uint8(off1), ptr[0])

	off2, err := c.AddCapability([]byte{0x11, 0x00, 0x01, 0x02, 0x03})
	assert.NoError(err)
	assert.True(off2 > off1)
	assert.Equal(0, off2%4)

	// newest capability is the head and links to the previous one
	c.ReadConfig(0x34, ptr[:])
	assert.Equal(uint8(off2), ptr[0])
	c.ReadConfig(off2+1, ptr[:])
	assert.Equal(uint8(off1), ptr[0])

	// status register advertises the capability list
	var status [2]byte
	c.ReadConfig(0x06, status[:])
	assert.NotZero(status[0] & 0x10)
}

func TestAddCapabilitySpaceFull(t *testing.T) {
	assert := assert.New(t)
	c := NewConfiguration(0x1af4, 0x1042, 0x01, 0x00, 0x1af4, 0x40)

	filler := make([]byte, 16)
	filler[0] = 0x09
	for {
		if _, err := c.AddCapability(filler); err != nil {
			assert.IsType(&CapabilitySpaceFullError{}, err)
			break
		}
	}
}

func TestCreateRootBus(t *testing.T) {
	assert := assert.New(t)
	b, err := CreateRootBus(0)
	assert.NoError(err)

	// host bridge identity at device 0
	var ident [4]byte
	b.ReadConfig(0, 0, ident[:])
	assert.Equal([]byte{0x86, 0x80, 0x57, 0x0d}, ident[:])

	// id 0 is taken, next allocation starts at 1
	id, err := b.AllocateDeviceID(-1)
	assert.NoError(err)
	assert.Equal(uint8(1), id)
}

func TestBusConfigDispatchMissingDevice(t *testing.T) {
	assert := assert.New(t)
	b := NewBus(0)

	data := []byte{0, 0, 0, 0}
	b.ReadConfig(9, 0, data)
	assert.Equal([]byte{0xff, 0xff, 0xff, 0xff}, data)

	// writes to a missing device are dropped, not errors
	b.WriteConfig(9, 0x10, []byte{1, 2, 3, 4})
}
