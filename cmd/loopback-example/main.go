// loopback-example builds a machine with two network devices on one switch, drives
// them through their registers like a legacy guest driver, and sends a frame from
// one to the other.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/c35s/vio/virtio"
	"github.com/c35s/vio/virtio/pci"
	"github.com/c35s/vio/virtio/virtq"
	"github.com/c35s/vio/virtio/virtq/virtqtest"
	"github.com/c35s/vio/vmm"
)

// legacy virtio-pci registers
const (
	regHostFeatures  = 0x00
	regGuestFeatures = 0x04
	regQueuePFN      = 0x08
	regQueueNum      = 0x0c
	regQueueSel      = 0x0e
	regQueueNotify   = 0x10
	regStatus        = 0x12
)

func main() {
	macs := []net.HardwareAddr{
		{0x52, 0x54, 0x00, 0x00, 0x00, 0x01},
		{0x52, 0x54, 0x00, 0x00, 0x00, 0x02},
	}

	m, err := vmm.New(vmm.Config{
		MemSize:  16 << 20,
		Switches: []string{"br0"},
		Devices: []vmm.DeviceConfig{
			{Name: "net0", Type: virtio.NetworkDeviceID, Attrs: virtio.Attrs{virtio.AttrSwitch: "br0", virtio.AttrMAC: macs[0].String()}},
			{Name: "net1", Type: virtio.NetworkDeviceID, Attrs: virtio.Attrs{virtio.AttrSwitch: "br0", virtio.AttrMAC: macs[1].String()}},
		},
	})

	if err != nil {
		panic(err)
	}

	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := m.Run(ctx); err != nil {
			panic(err)
		}
	}()

	d := &driver{ctx: ctx, m: m}
	tx := d.bringUp(0, 0x100)[1]
	rx := d.bringUp(1, 0x200)[0]

	frame := make([]byte, 60)
	copy(frame, macs[1])
	copy(frame[6:], macs[0])
	binary.BigEndian.PutUint16(frame[12:], 0x88b5) // local experimental ethertype
	copy(frame[14:], "hello, net1")

	m.Write(frame, 0x401000)

	rx.Offer(rx.Chain(0, virtq.IOVec{Addr: 0x402000, Len: 2048, Write: true}))
	tx.Offer(tx.Chain(0, virtq.IOVec{Addr: 0x400000, Len: 12}, virtq.IOVec{Addr: 0x401000, Len: uint32(len(frame))}))
	d.write(0, regQueueNotify, 2, 1)

	if rx.UsedIdx() == 0 {
		panic("net1 received nothing")
	}

	_, n := rx.UsedElem(0)
	got := make([]byte, n-12)
	m.Read(got, 0x402000+12)

	fmt.Printf("net1 received %d bytes: %q\n", len(got), got[14:25])
}

type driver struct {
	ctx context.Context
	m   *vmm.Machine
}

func (d *driver) read(slot, off, size int) uint32 {
	p := make([]byte, 4)
	if err := d.m.Access(d.ctx, vmm.PCIBase+uint64(slot)*pci.WindowSize+uint64(off), p[:size], false); err != nil {
		panic(err)
	}

	return binary.LittleEndian.Uint32(p)
}

func (d *driver) write(slot, off, size int, v uint32) {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, v)
	if err := d.m.Access(d.ctx, vmm.PCIBase+uint64(slot)*pci.WindowSize+uint64(off), p[:size], true); err != nil {
		panic(err)
	}
}

func (d *driver) bringUp(slot int, pfn uint32) []*virtqtest.Driver {
	d.write(slot, regStatus, 1, virtio.StatusAcknowledge|virtio.StatusDriver)
	d.write(slot, regGuestFeatures, 4, d.read(slot, regHostFeatures, 4))

	var queues []*virtqtest.Driver
	for qn := 0; qn < 3; qn++ {
		d.write(slot, regQueueSel, 2, uint32(qn))
		num := d.read(slot, regQueueNum, 2)

		qpfn := pfn + 4*uint32(qn)
		d.write(slot, regQueuePFN, 4, qpfn)
		queues = append(queues, virtqtest.NewDriver(d.m, qpfn, pci.PageSize, num, pci.PageSize))
	}

	d.write(slot, regStatus, 1, virtio.StatusAcknowledge|virtio.StatusDriver|virtio.StatusDriverOK)
	return queues
}
