// Package virtio binds guest-visible virtio devices to the emulators that implement
// them. Transports (see virtio/pci) turn guest register accesses into calls on a
// device's Handler; emulators drive virtqueues in guest memory (see virtio/virtq).
package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/c35s/vio/virtio/virtq"
)

// Guest is the machine a device belongs to.
type Guest interface {
	virtq.Memory

	// Name identifies the guest in logs and metrics.
	Name() string

	// VCPUCount returns the number of virtual CPUs the guest has.
	VCPUCount() int
}

// Transport is the guest-facing side of a device.
type Transport interface {

	// Notify tells the guest that the device has used buffers from queue.
	Notify(dev *Device, queue int) error

	// Name identifies the transport type, e.g. "pci".
	Name() string
}

// Emulator implements one or more device types.
type Emulator interface {

	// Name uniquely identifies the emulator in a Registry.
	Name() string

	// IDs lists the device types the emulator can drive.
	IDs() []DeviceID

	// Connect prepares the emulator to drive dev. It's called with the registry
	// locked and must not call back into the Registry.
	Connect(dev *Device) (Handler, error)
}

// Handler is an emulator's per-device state. Its methods are called from a single
// goroutine at a time.
type Handler interface {

	// HostFeatures returns word sel of the device's feature bits.
	HostFeatures(sel uint32) uint32

	// SetGuestFeatures stores word sel of the feature bits the driver accepted.
	SetGuestFeatures(sel, bits uint32)

	// InitQueue places queue q at guest page pfn.
	InitQueue(q int, pageSize, align, pfn uint32) error

	// QueuePFN returns the guest page of queue q, or 0 if it isn't set up.
	QueuePFN(q int) uint32

	// QueueSize returns the number of descriptors in queue q.
	QueueSize(q int) uint32

	// SetQueueSize asks for a different number of descriptors in queue q.
	SetQueueSize(q int, size uint32) error

	// NotifyQueue is called when the driver has made buffers available in queue q.
	NotifyQueue(q int) error

	// StatusChanged is called before the driver's new status is stored.
	StatusChanged(status uint32)

	// ReadConfig reads the device configuration space at off into p.
	ReadConfig(p []byte, off int) error

	// WriteConfig writes p to the device configuration space at off.
	WriteConfig(p []byte, off int) error

	// Reset returns the device to its initial state and tears down its queues.
	Reset() error

	// Disconnect releases everything Connect acquired.
	Disconnect()
}

// Device is a guest-visible virtio device.
type Device struct {
	ID        DeviceID
	Name      string
	Guest     Guest
	Transport Transport
	Attrs     Attrs

	reg     *Registry
	emu     Emulator
	handler Handler
}

// DeviceID identifies the type of a virtio device.
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	NetworkDeviceID = DeviceID(1)
	BlockDeviceID   = DeviceID(2)
	ConsoleDeviceID = DeviceID(3)
	EntropyDeviceID = DeviceID(4)
	BalloonDeviceID = DeviceID(5)
	SCSIDeviceID    = DeviceID(8)
	P9DeviceID      = DeviceID(9)
	SocketDeviceID  = DeviceID(19)
)

// MaxLegacyDeviceID is the largest device type a legacy transport can expose.
const MaxLegacyDeviceID = DeviceID(10)

// device status bits

const (
	StatusAcknowledge = 1    // recognized by the guest
	StatusDriver      = 2    // the guest has a driver
	StatusDriverOK    = 4    // ready to drive
	StatusFeaturesOK  = 8    // features negotiated
	StatusNeedsReset  = 0x40 // fatal device error
	StatusFailed      = 0x80 // fatal driver error
)

// feature bits shared by all device types

const (

	// FNotifyOnEmpty (VIRTIO_F_NOTIFY_ON_EMPTY) asks the device to notify the driver
	// when it runs out of available buffers, even if notifications are suppressed.
	FNotifyOnEmpty = 1 << 24

	// FAnyLayout (VIRTIO_F_ANY_LAYOUT) lets the driver split headers and data across
	// descriptors any way it likes.
	FAnyLayout = 1 << 27

	// FIndirectDesc (VIRTIO_F_INDIRECT_DESC) allows descriptors that point at a table
	// of descriptors. No emulator here offers it.
	FIndirectDesc = 1 << 28

	// FEventIdx (VIRTIO_F_EVENT_IDX) enables the used_event and avail_event fields
	// used to suppress notifications.
	FEventIdx = 1 << 29

	// FVersion1 (VIRTIO_F_VERSION_1) marks a modern device. Legacy transports never
	// offer it.
	FVersion1 = 1 << 32
)

var (
	ErrInvalid           = errors.New("virtio: invalid argument")
	ErrNotSupported      = errors.New("virtio: not supported")
	ErrDuplicateEmulator = errors.New("virtio: emulator already registered")
	ErrNotRegistered     = errors.New("virtio: not registered")
)

var le = binary.LittleEndian

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"

	case NetworkDeviceID:
		return "network"

	case BlockDeviceID:
		return "block"

	case ConsoleDeviceID:
		return "console"

	case EntropyDeviceID:
		return "entropy"

	case BalloonDeviceID:
		return "balloon"

	case SCSIDeviceID:
		return "scsi"

	case P9DeviceID:
		return "9p"

	case SocketDeviceID:
		return "socket"

	default:
		return fmt.Sprintf("DeviceID(%d)", id)
	}
}

// ParseDeviceID parses a device type name or number.
func ParseDeviceID(s string) (DeviceID, error) {
	for id := NetworkDeviceID; id <= SocketDeviceID; id++ {
		if s == id.String() {
			return id, nil
		}
	}

	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil || n == 0 {
		return InvalidDeviceID, fmt.Errorf("%w: device type %q", ErrInvalid, s)
	}

	return DeviceID(n), nil
}

// Emulator returns the emulator bound to the device, or nil.
func (dev *Device) Emulator() Emulator {
	if dev.reg == nil {
		return nil
	}

	dev.reg.mu.Lock()
	defer dev.reg.mu.Unlock()
	return dev.emu
}

// Handler returns the bound emulator's state for the device, or nil.
func (dev *Device) Handler() Handler {
	if dev.reg == nil {
		return nil
	}

	dev.reg.mu.Lock()
	defer dev.reg.mu.Unlock()
	return dev.handler
}

// Notify signals the guest through the device's transport.
func (dev *Device) Notify(queue int) error {
	if dev.Transport == nil {
		return fmt.Errorf("%w: %s has no transport", ErrInvalid, dev.Name)
	}

	return dev.Transport.Notify(dev, queue)
}

func (dev *Device) String() string {
	return fmt.Sprintf("%s(%v)", dev.Name, dev.ID)
}
