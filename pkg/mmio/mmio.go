// Package mmio implements the virtio-mmio transport register file: the
// offset addressed block of 32bit registers a guest driver uses to
// discover, negotiate and configure a virtio device without a PCI bus.
//
// Registers below the device config space (offset 0x100) are fixed width
// 32bit. Selector registers (feature select, queue select) must be written
// before the selected register is read; that ordering is the driver's
// responsibility, mirroring hardware semantics.
package mmio

import (
	"encoding/binary"
	"sync"
)

// MagicValue is the "virt" magic at register offset 0.
const MagicValue uint32 = 0x74726976

// Transport versions.
const (
	VersionLegacy uint32 = 1
	Version2      uint32 = 2
)

// Register offsets.
const (
	RegMagicValue        = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegGuestPageSize     = 0x028 // legacy only
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueAlign        = 0x03c // legacy only
	RegQueuePFN          = 0x040 // legacy only
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptAck      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueAvailLow     = 0x090
	RegQueueAvailHigh    = 0x094
	RegQueueUsedLow      = 0x0a0
	RegQueueUsedHigh     = 0x0a4
	RegShmSel            = 0x0ac
	RegShmLenLow         = 0x0b0
	RegShmLenHigh        = 0x0b4
	RegShmBaseLow        = 0x0b8
	RegShmBaseHigh       = 0x0bc
	RegConfigGeneration  = 0x0fc

	// ConfigSpaceOffset is where the device specific config space starts.
	ConfigSpaceOffset = 0x100
)

// Device status bits.
const (
	StatusAcknowledge uint32 = 1
	StatusDriver      uint32 = 2
	StatusDriverOK    uint32 = 4
	StatusFeaturesOK  uint32 = 8
	StatusNeedsReset  uint32 = 0x40
	StatusFailed      uint32 = 0x80
)

// Device is the virtio device backing a register file.
type Device interface {
	// DeviceType returns the virtio device id (net=1, block=2, fs=26, ...).
	DeviceType() uint32
	// NumQueues returns the number of virtqueues.
	NumQueues() int
	// QueueMaxSize returns the maximum queue size for the given queue.
	QueueMaxSize(queue int) uint16
	// AvailFeatures returns the device feature bits for a feature page.
	AvailFeatures(page uint32) uint32
	// AckFeatures records driver acknowledged feature bits for a page.
	AckFeatures(page uint32, value uint32)
	// ReadConfig / WriteConfig access the device specific config space.
	ReadConfig(offset int, data []byte)
	WriteConfig(offset int, data []byte)
}

// SharedMemoryRegion describes one guest visible shared memory window.
type SharedMemoryRegion struct {
	Offset uint64
	Len    uint64
}

// QueueState is the transport side configuration of one virtqueue.
type QueueState struct {
	Size      uint16
	Ready     bool
	Align     uint32
	PFN       uint32
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64
}

// RegisterFile is the register block of one virtio-mmio device instance.
type RegisterFile struct {
	mu sync.Mutex

	device  Device
	version uint32

	featuresSel    uint32
	ackFeaturesSel uint32
	queueSel       uint32
	queues         []QueueState

	status           uint32
	interruptStatus  uint32
	configGeneration uint32
	guestPageSize    uint32

	shmSel     uint32
	shmBase    uint64
	shmRegions []SharedMemoryRegion
}

// NewRegisterFile creates the register block for device, speaking the
// given transport version.
func NewRegisterFile(device Device, version uint32) *RegisterFile {
	return &RegisterFile{
		device:  device,
		version: version,
		queues:  make([]QueueState, device.NumQueues()),
	}
}

// SetSharedMemory publishes the shared memory windows based at base.
func (r *RegisterFile) SetSharedMemory(base uint64, regions []SharedMemoryRegion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shmBase = base
	r.shmRegions = regions
}

// Status returns the current device status bits.
func (r *RegisterFile) Status() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Queue returns a copy of the transport state of queue index.
func (r *RegisterFile) Queue(index int) (QueueState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.queues) {
		return QueueState{}, false
	}
	return r.queues[index], true
}

// SelectQueue selects the queue subsequent queue register access refers to.
func (r *RegisterFile) SelectQueue(index uint32) {
	r.WriteRegister(RegQueueSel, index)
}

// BumpConfigGeneration signals a device config change to the driver.
func (r *RegisterFile) BumpConfigGeneration() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configGeneration++
}

// SignalInterrupt sets interrupt status bits (used-ring or config change).
func (r *RegisterFile) SignalInterrupt(bits uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interruptStatus |= bits
}

// Read performs a guest read at offset. Below the config space only
// aligned 32bit access is defined; malformed reads return zeroes.
func (r *RegisterFile) Read(offset int, data []byte) {
	if offset >= ConfigSpaceOffset {
		r.device.ReadConfig(offset-ConfigSpaceOffset, data)
		return
	}
	if len(data) != 4 || offset%4 != 0 {
		for i := range data {
			data[i] = 0
		}
		return
	}
	binary.LittleEndian.PutUint32(data, r.ReadRegister(offset))
}

// Write performs a guest write at offset, mirroring Read's access rules.
func (r *RegisterFile) Write(offset int, data []byte) {
	if offset >= ConfigSpaceOffset {
		r.device.WriteConfig(offset-ConfigSpaceOffset, data)
		r.BumpConfigGeneration()
		return
	}
	if len(data) != 4 || offset%4 != 0 {
		return
	}
	r.WriteRegister(offset, binary.LittleEndian.Uint32(data))
}

// ReadRegister reads one 32bit transport register.
func (r *RegisterFile) ReadRegister(offset int) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch offset {
	case RegMagicValue:
		return MagicValue
	case RegVersion:
		return r.version
	case RegDeviceID:
		return r.device.DeviceType()
	case RegVendorID:
		return 0
	case RegDeviceFeatures:
		return r.device.AvailFeatures(r.featuresSel)
	case RegQueueNumMax:
		if int(r.queueSel) < len(r.queues) {
			return uint32(r.device.QueueMaxSize(int(r.queueSel)))
		}
		return 0
	case RegQueuePFN:
		if q := r.selectedQueue(); q != nil {
			return q.PFN
		}
	case RegQueueReady:
		if q := r.selectedQueue(); q != nil && q.Ready {
			return 1
		}
	case RegInterruptStatus:
		return r.interruptStatus
	case RegStatus:
		return r.status
	case RegShmLenLow:
		if s := r.selectedShm(); s != nil {
			return uint32(s.Len)
		}
		return 0xffff_ffff
	case RegShmLenHigh:
		if s := r.selectedShm(); s != nil {
			return uint32(s.Len >> 32)
		}
		return 0xffff_ffff
	case RegShmBaseLow:
		if s := r.selectedShm(); s != nil {
			return uint32(r.shmBase + s.Offset)
		}
		return 0xffff_ffff
	case RegShmBaseHigh:
		if s := r.selectedShm(); s != nil {
			return uint32((r.shmBase + s.Offset) >> 32)
		}
		return 0xffff_ffff
	case RegConfigGeneration:
		return r.configGeneration
	}
	return 0
}

// WriteRegister writes one 32bit transport register. Queue configuration
// registers only take effect while the driver has not yet set DRIVER_OK.
func (r *RegisterFile) WriteRegister(offset int, v uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch offset {
	case RegDeviceFeaturesSel:
		r.featuresSel = v
	case RegDriverFeatures:
		r.device.AckFeatures(r.ackFeaturesSel, v)
	case RegDriverFeaturesSel:
		r.ackFeaturesSel = v
	case RegGuestPageSize:
		if r.version == VersionLegacy {
			r.guestPageSize = v
		}
	case RegQueueSel:
		r.queueSel = v
	case RegQueueNum:
		if q := r.mutableQueue(); q != nil {
			q.Size = uint16(v)
		}
	case RegQueueAlign:
		if r.version == VersionLegacy {
			if q := r.mutableQueue(); q != nil {
				q.Align = v
			}
		}
	case RegQueuePFN:
		if r.version == VersionLegacy {
			if q := r.mutableQueue(); q != nil {
				q.PFN = v
			}
		}
	case RegQueueReady:
		if q := r.mutableQueue(); q != nil {
			q.Ready = v == 1
		}
	case RegQueueNotify:
		// queue notification is consumed by the device event path, the
		// register file itself has nothing to latch
	case RegInterruptAck:
		r.interruptStatus &^= v
	case RegStatus:
		r.updateStatus(v)
	case RegQueueDescLow:
		if q := r.mutableQueue(); q != nil {
			q.DescAddr = q.DescAddr&^0xffff_ffff | uint64(v)
		}
	case RegQueueDescHigh:
		if q := r.mutableQueue(); q != nil {
			q.DescAddr = q.DescAddr&0xffff_ffff | uint64(v)<<32
		}
	case RegQueueAvailLow:
		if q := r.mutableQueue(); q != nil {
			q.AvailAddr = q.AvailAddr&^0xffff_ffff | uint64(v)
		}
	case RegQueueAvailHigh:
		if q := r.mutableQueue(); q != nil {
			q.AvailAddr = q.AvailAddr&0xffff_ffff | uint64(v)<<32
		}
	case RegQueueUsedLow:
		if q := r.mutableQueue(); q != nil {
			q.UsedAddr = q.UsedAddr&^0xffff_ffff | uint64(v)
		}
	case RegQueueUsedHigh:
		if q := r.mutableQueue(); q != nil {
			q.UsedAddr = q.UsedAddr&0xffff_ffff | uint64(v)<<32
		}
	case RegShmSel:
		r.shmSel = v
	}
}

func (r *RegisterFile) selectedQueue() *QueueState {
	if int(r.queueSel) >= len(r.queues) {
		return nil
	}
	return &r.queues[r.queueSel]
}

// mutableQueue returns the selected queue only while queue configuration
// is still legal, before the driver declared itself ready.
func (r *RegisterFile) mutableQueue() *QueueState {
	if r.status&StatusDriverOK != 0 {
		return nil
	}
	return r.selectedQueue()
}

func (r *RegisterFile) selectedShm() *SharedMemoryRegion {
	if int(r.shmSel) >= len(r.shmRegions) {
		return nil
	}
	return &r.shmRegions[r.shmSel]
}

// updateStatus applies a driver status write. Only the forward
// negotiation order is accepted; FAILED may be set at any time and
// writing zero resets the device state.
func (r *RegisterFile) updateStatus(v uint32) {
	if v == 0 {
		r.status = 0
		r.interruptStatus = 0
		for i := range r.queues {
			r.queues[i] = QueueState{}
		}
		return
	}
	if v&StatusFailed != 0 {
		r.status |= StatusFailed
		return
	}

	set := v &^ r.status
	switch {
	case set == StatusAcknowledge && r.status == 0:
		r.status = v
	case set == StatusDriver && r.status == StatusAcknowledge:
		r.status = v
	case set == StatusFeaturesOK && r.status == StatusAcknowledge|StatusDriver:
		r.status = v
	case set == StatusDriverOK && r.status == StatusAcknowledge|StatusDriver|StatusFeaturesOK:
		r.status = v
	default:
		// out of order negotiation writes are ignored, as hardware would
	}
}
