package pci

import (
	"sync"
)

// BusDeviceNum is the size of the device id space on one bus.
const BusDeviceNum = 256

// Device is a PCI device attached to a bus, addressed by its config space.
// A device serializes its own configuration bytes; the bus adds no locking
// around the per device dispatch.
type Device interface {
	// ReadConfig reads len(data) bytes at offset from the device config space.
	ReadConfig(offset int, data []byte)
	// WriteConfig writes data at offset into the device config space.
	WriteConfig(offset int, data []byte)
}

// Bus owns the device id space 0..BusDeviceNum and dispatches config space
// access to the attached devices.
type Bus struct {
	busID uint8

	mu      sync.Mutex
	used    [BusDeviceNum]bool
	devices map[uint8]Device
}

// NewBus creates an empty bus.
func NewBus(busID uint8) *Bus {
	return &Bus{
		busID:   busID,
		devices: make(map[uint8]Device),
	}
}

// BusID returns the bus number.
func (b *Bus) BusID() uint8 {
	return b.busID
}

// AllocateDeviceID reserves a device id. It returns the preferred id when
// that id is free, otherwise the lowest free id. A negative preferred
// value means no preference. Returns ErrNoResources when the bus is full.
func (b *Bus) AllocateDeviceID(preferred int) (uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if preferred >= 0 && preferred < BusDeviceNum && !b.used[preferred] {
		b.used[preferred] = true
		return uint8(preferred), nil
	}
	for id := 0; id < BusDeviceNum; id++ {
		if !b.used[id] {
			b.used[id] = true
			return uint8(id), nil
		}
	}
	return 0, ErrNoResources
}

// FreeDeviceID releases a device id and detaches any device registered on it.
func (b *Bus) FreeDeviceID(id uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used[id] = false
	delete(b.devices, id)
}

// RegisterDevice attaches a device on a previously allocated id.
func (b *Bus) RegisterDevice(id uint8, d Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used[id] = true
	b.devices[id] = d
}

// GetDevice returns the device registered at id, nil if none.
func (b *Bus) GetDevice(id uint8) Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices[id]
}

// ReadConfig reads from the config space of the device at id. Reads of an
// unregistered id fill data with 0xff, the standard "no such device"
// answer, rather than failing.
func (b *Bus) ReadConfig(id uint8, offset int, data []byte) {
	d := b.GetDevice(id)
	if d == nil {
		for i := range data {
			data[i] = 0xff
		}
		return
	}
	d.ReadConfig(offset, data)
}

// WriteConfig writes into the config space of the device at id. Writes to
// an unregistered id are dropped.
func (b *Bus) WriteConfig(id uint8, offset int, data []byte) {
	if d := b.GetDevice(id); d != nil {
		d.WriteConfig(offset, data)
	}
}
