package pci

import (
	"sync"
)

// Host bridge identity, guest visible at bus device 0.
const (
	hostBridgeVendorID uint16 = 0x8086
	hostBridgeDeviceID uint16 = 0x0d57

	classBridgeDevice  uint8 = 0x06
	subclassHostBridge uint8 = 0x00
	rootDeviceSlot     int   = 0
)

// HostBridge is the pseudo device representing the root bus itself,
// permanently occupying device id 0.
type HostBridge struct {
	mu     sync.Mutex
	config *Configuration
}

func newHostBridge() *HostBridge {
	return &HostBridge{
		config: NewConfiguration(hostBridgeVendorID, hostBridgeDeviceID,
			classBridgeDevice, subclassHostBridge, 0, 0),
	}
}

// ReadConfig implements Device.
func (h *HostBridge) ReadConfig(offset int, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config.ReadConfig(offset, data)
}

// WriteConfig implements Device.
func (h *HostBridge) WriteConfig(offset int, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config.WriteConfig(offset, data)
}

// CreateRootBus builds the root bus: device id 0 is reserved for the host
// bridge pseudo device and registered before the bus is returned. Failing
// to get id 0 means the bus was not fresh; that propagates ErrNoResources.
func CreateRootBus(busID uint8) (*Bus, error) {
	b := NewBus(busID)
	id, err := b.AllocateDeviceID(rootDeviceSlot)
	if err != nil {
		return nil, err
	}
	if id != uint8(rootDeviceSlot) {
		return nil, ErrNoResources
	}
	b.RegisterDevice(id, newHostBridge())
	return b, nil
}
