// Package pci implements the legacy virtio-pci transport: a register window per
// device that the guest programs to negotiate features, place queues and notify
// the device.
package pci

import (
	"encoding/binary"
	"errors"

	"github.com/c35s/vio/virtio"
)

// DeviceInfo describes an installed virtio-pci device.
type DeviceInfo struct {
	Name string
	Type virtio.DeviceID
	Slot int
	IRQ  int
	Addr uint64
	Size uint64
}

// IRQ drives the guest's interrupt lines.
type IRQ interface {
	Assert(line int) error
	Deassert(line int) error
}

const (
	VendorID = 0x1af4

	// QueueMax bounds QUEUE_SEL and QUEUE_NOTIFY writes.
	QueueMax = 16

	// PageSize is the unit of QUEUE_PFN, which is also the ring alignment.
	PageSize = 4096

	// WindowSize is the size of each device's register window.
	WindowSize = 0x1000
)

// legacy register offsets

const (
	regHostFeatures  = 0x00 // device feature bits 0..31 (R, 32)
	regGuestFeatures = 0x04 // driver feature bits 0..31 (W, 32)
	regQueuePFN      = 0x08 // selected queue's guest page (RW, 32)
	regQueueNum      = 0x0c // selected queue's size (R, 16)
	regQueueSel      = 0x0e // queue selector (W, 16)
	regQueueNotify   = 0x10 // queue notifier (W, 16)
	regStatus        = 0x12 // device status (RW, 8)
	regISR           = 0x13 // interrupt status, cleared by reading (R, 8)
	regConfig        = 0x14 // device specific configuration space starts here
)

// interrupt status bits

const (
	isrVring  = 1 << 0 // the device has used buffers
	isrConfig = 1 << 1 // the configuration of the device has changed
)

var ErrDeviceType = errors.New("virtio-pci: device type out of range")

var le = binary.LittleEndian

// ConfigHeader is a PCI type 0 configuration space header.
type ConfigHeader struct {
	VendorID          uint16
	DeviceID          uint16
	Command           uint16
	Status            uint16
	Revision          uint8
	ProgIF            uint8
	Subclass          uint8
	Class             uint8
	CacheLineSize     uint8
	LatencyTimer      uint8
	HeaderType        uint8
	BIST              uint8
	BAR               [6]uint32
	CardbusCIS        uint32
	SubsystemVendorID uint16
	SubsystemID       uint16
	ExpansionROM      uint32
	CapPtr            uint8
	_                 [7]byte
	InterruptLine     uint8
	InterruptPin      uint8
	MinGrant          uint8
	MaxLatency        uint8
}

// transitional device ids
var pciDeviceIDs = map[virtio.DeviceID]uint16{
	virtio.NetworkDeviceID: 0x1000,
	virtio.BlockDeviceID:   0x1001,
	virtio.BalloonDeviceID: 0x1002,
	virtio.ConsoleDeviceID: 0x1003,
	virtio.SCSIDeviceID:    0x1004,
	virtio.EntropyDeviceID: 0x1005,
	virtio.P9DeviceID:      0x1009,
}

// class, subclass
var pciClasses = map[virtio.DeviceID][2]uint8{
	virtio.NetworkDeviceID: {0x02, 0x00},
	virtio.BlockDeviceID:   {0x01, 0x80},
	virtio.ConsoleDeviceID: {0x07, 0x80},
	virtio.SCSIDeviceID:    {0x01, 0x00},
}

// Header returns the PCI configuration header the guest sees for a device.
func Header(info DeviceInfo) ConfigHeader {
	h := ConfigHeader{
		VendorID:          VendorID,
		DeviceID:          0x1000 + uint16(info.Type) - 1,
		SubsystemVendorID: VendorID,
		SubsystemID:       uint16(info.Type),
		InterruptLine:     uint8(info.IRQ),
		InterruptPin:      1,
		Class:             0xff,
	}

	if id, ok := pciDeviceIDs[info.Type]; ok {
		h.DeviceID = id
	}

	if c, ok := pciClasses[info.Type]; ok {
		h.Class, h.Subclass = c[0], c[1]
	}

	h.BAR[0] = uint32(info.Addr)
	return h
}
