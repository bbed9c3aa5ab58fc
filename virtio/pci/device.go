package pci

import (
	"fmt"
	"log/slog"

	"github.com/c35s/vio/virtio"
	"golang.org/x/sys/unix"
)

// Device is the transport side of a virtio device. Its methods are called from the
// machine's dispatch loop.
type Device struct {
	bus  *Bus
	vdev *virtio.Device
	info DeviceInfo

	queueSel uint16
	status   uint8
	isr      uint8
}

func (d *Device) Name() string { return "virtio_pci" }

// Info describes the device's place on the bus.
func (d *Device) Info() DeviceInfo { return d.info }

// Notify implements virtio.Transport.
func (d *Device) Notify(dev *virtio.Device, queue int) error {
	d.isr |= isrVring
	return d.bus.irq.Assert(d.info.IRQ)
}

// Read reads 1, 2 or 4 bytes of the register window at off. A device without an
// emulator reads as zeros.
func (d *Device) Read(off int, p []byte) error {
	h := d.vdev.Handler()
	if h == nil {
		clear(p)
		return nil
	}

	if off >= regConfig {
		return h.ReadConfig(p, off-regConfig)
	}

	var v uint32

	switch off {
	case regHostFeatures:
		v = h.HostFeatures(0)

	case regQueuePFN:
		v = h.QueuePFN(int(d.queueSel))

	case regQueueNum:
		v = h.QueueSize(int(d.queueSel))

	case regStatus:
		v = uint32(d.status)

	case regISR:
		v = uint32(d.isr)
		d.isr = 0
		if err := d.bus.irq.Deassert(d.info.IRQ); err != nil {
			slog.Error("virtio-pci deassert failed", "dev", d.info.Name, "irq", d.info.IRQ, "err", err)
		}

	default:
		return fmt.Errorf("virtio-pci: %s: read at %#x: %w", d.info.Name, off, unix.EINVAL)
	}

	return put(p, v)
}

// Write writes 1, 2 or 4 bytes to the register window at off. Writes to a device
// without an emulator are ignored.
func (d *Device) Write(off int, p []byte) error {
	h := d.vdev.Handler()
	if h == nil {
		return nil
	}

	if off >= regConfig {
		return h.WriteConfig(p, off-regConfig)
	}

	v, err := get(p)
	if err != nil {
		return err
	}

	switch off {
	case regGuestFeatures:
		h.SetGuestFeatures(0, v)

	case regQueuePFN:
		return h.InitQueue(int(d.queueSel), PageSize, PageSize, v)

	case regQueueSel:
		if v < QueueMax {
			d.queueSel = uint16(v)
		}

	case regQueueNotify:
		if v < QueueMax {
			return h.NotifyQueue(int(v))
		}

	case regStatus:
		st := uint8(v)
		if st != d.status {
			h.StatusChanged(uint32(st))
		}

		d.status = st
		if st == 0 {
			return d.Reset()
		}

	default:
		return fmt.Errorf("virtio-pci: %s: write at %#x: %w", d.info.Name, off, unix.EINVAL)
	}

	return nil
}

// Reset clears the transport registers, deasserts the interrupt line and resets
// the bound emulator.
func (d *Device) Reset() error {
	d.queueSel = 0
	d.status = 0
	d.isr = 0

	if err := d.bus.irq.Deassert(d.info.IRQ); err != nil {
		return err
	}

	if h := d.vdev.Handler(); h != nil {
		return h.Reset()
	}

	return nil
}

func put(p []byte, v uint32) error {
	switch len(p) {
	case 1:
		p[0] = uint8(v)
	case 2:
		le.PutUint16(p, uint16(v))
	case 4:
		le.PutUint32(p, v)
	default:
		return unix.EINVAL
	}

	return nil
}

// get decodes a 1, 2 or 4 byte access. Narrow accesses only carry their low bits.
func get(p []byte) (uint32, error) {
	switch len(p) {
	case 1:
		return uint32(p[0]), nil
	case 2:
		return uint32(le.Uint16(p)), nil
	case 4:
		return le.Uint32(p), nil
	default:
		return 0, unix.EINVAL
	}
}
