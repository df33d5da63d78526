// Package vmm binds the device emulation pieces together: the PCI root
// bus, MMIO virtio transports and guest memory region plumbing, exposing
// the register / remove / insert-region surface hot plug requests use.
package vmm

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hikaen/go-microvm/pkg/memspace"
	"github.com/hikaen/go-microvm/pkg/mmio"
	"github.com/hikaen/go-microvm/pkg/pci"
)

// MMIO window layout: one page sized slot per device.
const (
	mmioBase     uint64 = 0xd000_0000
	mmioSlotSize uint64 = 0x1000
	mmioIrqBase  uint32 = 5
)

// ErrDeviceExists indicates the device id is already registered.
var ErrDeviceExists = errors.New("device id already registered")

// ErrDeviceNotFound indicates no device is registered under the id.
var ErrDeviceNotFound = errors.New("device not found")

// ErrDeviceInUse indicates the guest driver still owns the device.
var ErrDeviceInUse = errors.New("device is in use by the guest driver")

// MmioDeviceInfo is the guest visible placement of an MMIO device.
type MmioDeviceInfo struct {
	Base uint64
	Size uint64
	IRQ  uint32
}

type mmioDevice struct {
	info    MmioDeviceInfo
	regs    *mmio.RegisterFile
	regions []*memspace.Region
}

// Manager owns the root PCI bus, the MMIO slot space and the guest
// memory views of one virtual machine. Hot plug requests from multiple
// paths serialize on the manager lock; config space access inside each
// device has its own lock and needs no help here.
type Manager struct {
	logger *logrus.Entry

	mu          sync.Mutex
	rootBus     *pci.Bus
	mmioDevices map[string]*mmioDevice
	nextSlot    uint64
	nextIrq     uint32

	tracker *memspace.AddressSpace
	vmMap   *memspace.GuestAddressSpace
	handler *memspace.RegionHandler
}

// NewManager creates a manager with a freshly constructed root bus.
func NewManager(logger *logrus.Entry) (*Manager, error) {
	if logger == nil {
		logger = logrus.WithField("source", "vmm")
	}
	rootBus, err := pci.CreateRootBus(0)
	if err != nil {
		return nil, errors.Wrap(err, "create root bus")
	}
	tracker := memspace.NewAddressSpace()
	vmMap := memspace.NewGuestAddressSpace()
	return &Manager{
		logger:      logger,
		rootBus:     rootBus,
		mmioDevices: make(map[string]*mmioDevice),
		tracker:     tracker,
		vmMap:       vmMap,
		handler: &memspace.RegionHandler{
			Tracker: tracker,
			VMMap:   vmMap,
		},
	}, nil
}

// RootBus returns the PCI root bus.
func (m *Manager) RootBus() *pci.Bus {
	return m.rootBus
}

// GuestMemory returns the live guest memory reference.
func (m *Manager) GuestMemory() *memspace.GuestAddressSpace {
	return m.vmMap
}

// AddressSpace returns the enumeration tracker.
func (m *Manager) AddressSpace() *memspace.AddressSpace {
	return m.tracker
}

// RegisterMmioDevice places device on the MMIO bus under id, allocating
// the next free register window and interrupt line.
func (m *Manager) RegisterMmioDevice(id string, device mmio.Device) (*mmio.RegisterFile, MmioDeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mmioDevices[id]; ok {
		return nil, MmioDeviceInfo{}, errors.Wrap(ErrDeviceExists, id)
	}

	info := MmioDeviceInfo{
		Base: mmioBase + m.nextSlot*mmioSlotSize,
		Size: mmioSlotSize,
		IRQ:  mmioIrqBase + m.nextIrq,
	}
	regs := mmio.NewRegisterFile(device, mmio.Version2)
	m.mmioDevices[id] = &mmioDevice{info: info, regs: regs}
	m.nextSlot++
	m.nextIrq++

	m.logger.WithFields(logrus.Fields{
		"device": id,
		"base":   info.Base,
		"irq":    info.IRQ,
	}).Info("registered mmio device")
	return regs, info, nil
}

// InsertRegion publishes a device backed guest memory region for the
// device registered under id.
//
// On a partial failure (tracker updated, live map not) the inconsistency
// is not healed here; the caller removes the whole device.
func (m *Manager) InsertRegion(id string, region *memspace.Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.mmioDevices[id]
	if !ok {
		return errors.Wrap(ErrDeviceNotFound, id)
	}
	if err := m.handler.InsertRegion(region); err != nil {
		m.logger.WithField("device", id).WithError(err).Error("insert region failed")
		return err
	}
	d.regions = append(d.regions, region)
	return nil
}

// TryRemoveDevice detaches the MMIO device registered under id. Removal
// is refused while the guest driver owns the device (DRIVER_OK set and
// the device not failed).
func (m *Manager) TryRemoveDevice(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.mmioDevices[id]
	if !ok {
		return errors.Wrap(ErrDeviceNotFound, id)
	}
	status := d.regs.Status()
	if status&mmio.StatusDriverOK != 0 && status&mmio.StatusFailed == 0 {
		return errors.Wrap(ErrDeviceInUse, id)
	}

	for _, region := range d.regions {
		if err := m.tracker.RemoveRegion(region.Start, region.Size); err != nil {
			return errors.Wrapf(err, "remove %s from tracker", region)
		}
		err := m.vmMap.Update(func(mem *memspace.GuestMemoryMap) (*memspace.GuestMemoryMap, error) {
			return mem.RemoveRegion(region.Start, region.Size)
		})
		if err != nil {
			return errors.Wrapf(err, "remove %s from guest memory map", region)
		}
	}
	delete(m.mmioDevices, id)
	m.logger.WithField("device", id).Info("removed mmio device")
	return nil
}

// AttachPciDevice allocates a device id on the root bus (preferred id
// honored when free) and registers the device there.
func (m *Manager) AttachPciDevice(device pci.Device, preferred int) (uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.rootBus.AllocateDeviceID(preferred)
	if err != nil {
		return 0, errors.Wrap(err, "allocate pci device id")
	}
	m.rootBus.RegisterDevice(id, device)
	m.logger.WithField("pci-slot", id).Info("attached pci device")
	return id, nil
}

// DetachPciDevice removes the device at id and frees the slot. Device 0
// is the host bridge and is never released.
func (m *Manager) DetachPciDevice(id uint8) {
	if id == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rootBus.FreeDeviceID(id)
}
