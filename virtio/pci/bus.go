package pci

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/c35s/vio/virtio"
	"golang.org/x/sys/unix"
)

// Bus places virtio-pci devices in consecutive register windows and routes guest
// accesses to them.
type Bus struct {
	irq     IRQ
	base    uint64
	devices []*Device
}

// NewBus returns an empty bus whose first register window starts at base.
func NewBus(irq IRQ, base uint64) *Bus {
	return &Bus{irq: irq, base: base}
}

// Add installs a transport for dev on interrupt line irq and makes it dev's
// Transport. It must be called before dev is registered.
func (b *Bus) Add(dev *virtio.Device, irq int) (*Device, error) {
	if dev.ID < 1 || dev.ID > virtio.MaxLegacyDeviceID {
		return nil, fmt.Errorf("%w: %s has type %d", ErrDeviceType, dev.Name, dev.ID)
	}

	slot := len(b.devices)
	d := &Device{
		bus:  b,
		vdev: dev,
		info: DeviceInfo{
			Name: dev.Name,
			Type: dev.ID,
			Slot: slot,
			IRQ:  irq,
			Addr: b.base + uint64(slot)*WindowSize,
			Size: WindowSize,
		},
	}

	b.devices = append(b.devices, d)
	dev.Transport = d

	return d, nil
}

// HandleIO routes a register access to the appropriate device.
// It returns (found=false, err=nil) if no device is found.
func (b *Bus) HandleIO(addr uint64, data []byte, isWrite bool) (found bool, err error) {
	d := b.lookup(addr)
	if d == nil {
		return false, nil
	}

	off := int(addr - d.info.Addr)
	if isWrite {
		return true, d.Write(off, data)
	}

	return true, d.Read(off, data)
}

// ReadConfig reads the PCI configuration header of the device in slot.
func (b *Bus) ReadConfig(slot, off int, p []byte) error {
	if slot < 0 || slot >= len(b.devices) {
		return unix.ENODEV
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, le, Header(b.devices[slot].info)); err != nil {
		return err
	}

	if off < 0 || off+len(p) > buf.Len() {
		return unix.EINVAL
	}

	copy(p, buf.Bytes()[off:])
	return nil
}

// Devices returns a slice describing the installed devices.
func (b *Bus) Devices() []DeviceInfo {
	dd := make([]DeviceInfo, len(b.devices))
	for i, d := range b.devices {
		dd[i] = d.info
	}

	return dd
}

// Reset resets every device on the bus.
func (b *Bus) Reset() error {
	for _, d := range b.devices {
		if err := d.Reset(); err != nil {
			return fmt.Errorf("%s: %w", d.info.Name, err)
		}
	}

	return nil
}

func (b *Bus) lookup(addr uint64) *Device {
	for _, d := range b.devices {
		if addr >= d.info.Addr && addr < d.info.Addr+d.info.Size {
			return d
		}
	}

	return nil
}
