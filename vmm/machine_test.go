//go:build linux

package vmm_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c35s/vio/virtio"
	"github.com/c35s/vio/virtio/pci"
	"github.com/c35s/vio/virtio/virtq"
	"github.com/c35s/vio/virtio/virtq/virtqtest"
	"github.com/c35s/vio/vmm"
	"github.com/google/go-cmp/cmp"
)

func TestValidateMemSize(t *testing.T) {
	badSizes := []int{
		os.Getpagesize() - 1,
		os.Getpagesize() + 1,
		vmm.MemSizeMin - os.Getpagesize(),
		vmm.MemSizeMax + os.Getpagesize(),
	}

	for _, sz := range badSizes {
		_, err := vmm.New(vmm.Config{
			MemSize: sz,
		})

		if !errors.Is(err, vmm.ErrConfig) {
			t.Errorf("MemSize %d: error isn't ErrConfig: %v", sz, err)
		}
	}
}

func TestValidateDevices(t *testing.T) {
	tests := map[string]vmm.Config{
		"no name": {
			Devices: []vmm.DeviceConfig{{Type: virtio.NetworkDeviceID}},
		},

		"duplicate name": {
			Devices: []vmm.DeviceConfig{
				{Name: "net0", Type: virtio.NetworkDeviceID},
				{Name: "net0", Type: virtio.NetworkDeviceID},
			},
		},

		"type 0": {
			Devices: []vmm.DeviceConfig{{Name: "x", Type: 0}},
		},

		"type 11": {
			Devices: []vmm.DeviceConfig{{Name: "x", Type: 11}},
		},

		"negative irq": {
			Devices: []vmm.DeviceConfig{{Name: "net0", Type: virtio.NetworkDeviceID, IRQ: -1}},
		},

		"bad type attribute": {
			Devices: []vmm.DeviceConfig{{Name: "x", Attrs: virtio.Attrs{virtio.AttrType: "net"}}},
		},

		"type attribute out of range": {
			Devices: []vmm.DeviceConfig{{Name: "x", Attrs: virtio.Attrs{virtio.AttrType: "-1"}}},
		},

		"bad interrupts attribute": {
			Devices: []vmm.DeviceConfig{{Name: "x", Type: virtio.EntropyDeviceID, Attrs: virtio.Attrs{virtio.AttrInterrupts: "irq9"}}},
		},

		"duplicate switch": {
			Switches: []string{"br0", "br0"},
		},

		"too many vcpus": {
			VCPUs: vmm.VCPUsMax + 1,
		},
	}

	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			cfg.MemSize = vmm.MemSizeMin

			m, err := vmm.New(cfg)
			if m != nil {
				t.Fatalf("machine is present: %v", m)
			}

			if !errors.Is(err, vmm.ErrConfig) {
				t.Errorf("error isn't ErrConfig: %v", err)
			}
		})
	}
}

func TestLoadMemory(t *testing.T) {
	l := &nopLoader{}
	m, err := vmm.New(vmm.Config{
		Name:     "test",
		MemSize:  vmm.MemSizeMin,
		Switches: []string{"br0"},
		Devices: []vmm.DeviceConfig{
			{Name: "net0", Type: virtio.NetworkDeviceID, Attrs: virtio.Attrs{virtio.AttrSwitch: "br0"}},
			{Name: "con0", Type: virtio.ConsoleDeviceID, IRQ: 5},
		},
		Loader: l,
	})

	if err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	want := vmm.MachineInfo{
		Name:    "test",
		MemSize: vmm.MemSizeMin,
		VCPUs:   1,
		Devices: []pci.DeviceInfo{
			{Name: "net0", Type: virtio.NetworkDeviceID, Slot: 0, IRQ: 6, Addr: vmm.PCIBase, Size: pci.WindowSize},
			{Name: "con0", Type: virtio.ConsoleDeviceID, Slot: 1, IRQ: 5, Addr: vmm.PCIBase + pci.WindowSize, Size: pci.WindowSize},
		},
	}

	if diff := cmp.Diff(want, l.info); diff != "" {
		t.Errorf("info mismatch (-want +got):\n%s", diff)
	}

	if l.memSize != vmm.MemSizeMin {
		t.Errorf("mem size=%d, want %d", l.memSize, vmm.MemSizeMin)
	}

	// the loader's writes land in guest memory
	var b [4]byte
	if m.Read(b[:], 0); string(b[:]) != "load" {
		t.Errorf("guest memory=%q", b)
	}
}

func TestDeviceAttrs(t *testing.T) {
	devs := []vmm.DeviceConfig{
		{Name: "rng0", Attrs: virtio.Attrs{virtio.AttrType: "4", virtio.AttrInterrupts: "9, 10"}},
		{Name: "con0", Attrs: virtio.Attrs{virtio.AttrType: "3"}},
		{Name: "rng1", Type: virtio.EntropyDeviceID, IRQ: 7, Attrs: virtio.Attrs{virtio.AttrType: "3", virtio.AttrInterrupts: "8"}},
	}

	m, err := vmm.New(vmm.Config{MemSize: vmm.MemSizeMin, Devices: devs})
	if err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	want := []pci.DeviceInfo{
		{Name: "rng0", Type: virtio.EntropyDeviceID, Slot: 0, IRQ: 9, Addr: vmm.PCIBase, Size: pci.WindowSize},
		{Name: "con0", Type: virtio.ConsoleDeviceID, Slot: 1, IRQ: 5, Addr: vmm.PCIBase + pci.WindowSize, Size: pci.WindowSize},
		{Name: "rng1", Type: virtio.EntropyDeviceID, Slot: 2, IRQ: 7, Addr: vmm.PCIBase + 2*pci.WindowSize, Size: pci.WindowSize},
	}

	if diff := cmp.Diff(want, m.Info().Devices); diff != "" {
		t.Errorf("devices mismatch (-want +got):\n%s", diff)
	}

	// the caller's config is left alone
	if devs[0].Type != 0 || devs[0].IRQ != 0 {
		t.Errorf("config changed: %+v", devs[0])
	}
}

func TestLoadMemoryError(t *testing.T) {
	boom := errors.New("boom")
	m, err := vmm.New(vmm.Config{
		MemSize: vmm.MemSizeMin,
		Loader:  &nopLoader{err: boom},
	})

	if m != nil {
		t.Fatalf("machine is present: %v", m)
	}

	if !errors.Is(err, vmm.ErrLoadMemory) {
		t.Errorf("error isn't ErrLoadMemory: %v", err)
	}

	if !errors.Is(err, boom) {
		t.Errorf("no boom: %v", err)
	}
}

func TestBlockDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 8*512), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := vmm.New(vmm.Config{
		MemSize: vmm.MemSizeMin,
		Devices: []vmm.DeviceConfig{
			{Name: "disk0", Type: virtio.BlockDeviceID, Attrs: virtio.Attrs{virtio.AttrPath: path, virtio.AttrReadOnly: "true"}},
		},
	})

	if err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	dev := m.Registry().Devices()[0]
	if emu := dev.Emulator(); emu == nil || emu.Name() != "virtio_blk/disk0" {
		t.Errorf("emulator=%v", emu)
	}

	t.Run("missing path", func(t *testing.T) {
		_, err := vmm.New(vmm.Config{
			MemSize: vmm.MemSizeMin,
			Devices: []vmm.DeviceConfig{{Name: "disk0", Type: virtio.BlockDeviceID}},
		})

		if !errors.Is(err, vmm.ErrDevice) {
			t.Errorf("error isn't ErrDevice: %v", err)
		}
	})
}

func TestReadPCIConfig(t *testing.T) {
	m, err := vmm.New(vmm.Config{
		MemSize: vmm.MemSizeMin,
		Devices: []vmm.DeviceConfig{{Name: "net0", Type: virtio.NetworkDeviceID}},
	})

	if err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	var p [4]byte
	if err := m.ReadPCIConfig(0, 0, p[:]); err != nil {
		t.Fatal(err)
	}

	if vendor, device := binary.LittleEndian.Uint16(p[:]), binary.LittleEndian.Uint16(p[2:]); vendor != pci.VendorID || device != 0x1000 {
		t.Errorf("vendor=%#x device=%#x", vendor, device)
	}
}

func TestRun(t *testing.T) {
	m, err := vmm.New(vmm.Config{MemSize: vmm.MemSizeMin})
	if err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()

	t.Run("unmapped", func(t *testing.T) {
		err := m.Access(ctx, vmm.PCIBase, make([]byte, 4), false)
		if !errors.Is(err, vmm.ErrUnmapped) {
			t.Errorf("error isn't ErrUnmapped: %v", err)
		}
	})

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("run: %v", err)
	}

	if err := m.Run(context.Background()); !errors.Is(err, vmm.ErrRunning) {
		t.Errorf("second run: %v", err)
	}

	if err := m.Access(context.Background(), vmm.PCIBase, make([]byte, 4), false); !errors.Is(err, vmm.ErrStopped) {
		t.Errorf("access after run: %v", err)
	}
}

// TestNetworkLoopback brings up two network devices on one switch through their
// registers and sends a frame from one to the other.
func TestNetworkLoopback(t *testing.T) {
	var (
		mac0 = net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x01}
		mac1 = net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x02}
	)

	m, err := vmm.New(vmm.Config{
		MemSize:  4 << 20,
		Switches: []string{"br0"},
		Devices: []vmm.DeviceConfig{
			{Name: "net0", Type: virtio.NetworkDeviceID, Attrs: virtio.Attrs{virtio.AttrSwitch: "br0", virtio.AttrMAC: mac0.String()}},
			{Name: "net1", Type: virtio.NetworkDeviceID, Attrs: virtio.Attrs{virtio.AttrSwitch: "br0", virtio.AttrMAC: mac1.String()}},
		},
	})

	if err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()

	defer func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	g := &guest{t: t, ctx: ctx, m: m}

	// net0 queues at pages 0x100.., net1 at 0x200..
	tx := g.bringUp(0, 0x100)[1]
	rx := g.bringUp(1, 0x200)[0]

	const (
		txHdr = 0x300000
		txBuf = 0x301000
		rxBuf = 0x302000
	)

	frame := make([]byte, 64)
	copy(frame[0:], mac1)
	copy(frame[6:], mac0)
	binary.BigEndian.PutUint16(frame[12:], 0x0800)
	copy(frame[14:], "hello from net0")

	m.Write(frame, txBuf)

	rx.Offer(rx.Chain(0, virtq.IOVec{Addr: rxBuf, Len: 2048, Write: true}))
	g.notify(1, 0)

	tx.Offer(tx.Chain(0,
		virtq.IOVec{Addr: txHdr, Len: 12},
		virtq.IOVec{Addr: txBuf, Len: uint32(len(frame))}))

	g.notify(0, 1)

	if idx := tx.UsedIdx(); idx != 1 {
		t.Fatalf("tx used idx=%d", idx)
	}

	if idx := rx.UsedIdx(); idx != 1 {
		t.Fatalf("rx used idx=%d", idx)
	}

	if id, n := rx.UsedElem(0); id != 0 || n != 12+uint32(len(frame)) {
		t.Errorf("rx used elem: id=%d n=%d", id, n)
	}

	got := make([]byte, len(frame))
	m.Read(got, rxBuf+12)
	if !bytes.Equal(got, frame) {
		t.Errorf("received frame mismatch:\n got %x\nwant %x", got, frame)
	}

	for slot, line := range []int{vmm.IRQBase, vmm.IRQBase + 1} {
		if !m.IRQ().Level(line) {
			t.Errorf("slot %d: irq %d isn't raised", slot, line)
		}

		if isr := g.read(slot, 0x13, 1); isr != 1 {
			t.Errorf("slot %d: isr=%d", slot, isr)
		}

		if m.IRQ().Level(line) {
			t.Errorf("slot %d: irq %d is still raised after reading isr", slot, line)
		}
	}
}

// guest plays a legacy virtio-pci driver through Machine.Access.
type guest struct {
	t   *testing.T
	ctx context.Context
	m   *vmm.Machine
}

func (g *guest) addr(slot, off int) uint64 {
	return vmm.PCIBase + uint64(slot)*pci.WindowSize + uint64(off)
}

func (g *guest) read(slot, off, size int) uint32 {
	g.t.Helper()

	p := make([]byte, 4)
	if err := g.m.Access(g.ctx, g.addr(slot, off), p[:size], false); err != nil {
		g.t.Fatalf("read %d+%#x: %v", slot, off, err)
	}

	return binary.LittleEndian.Uint32(p)
}

func (g *guest) write(slot, off, size int, v uint32) {
	g.t.Helper()

	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, v)
	if err := g.m.Access(g.ctx, g.addr(slot, off), p[:size], true); err != nil {
		g.t.Fatalf("write %d+%#x: %v", slot, off, err)
	}
}

func (g *guest) notify(slot, queue int) {
	g.write(slot, 0x10, 2, uint32(queue))
}

// bringUp negotiates every offered feature and places the device's three queues
// at pfn, pfn+4 and pfn+8.
func (g *guest) bringUp(slot int, pfn uint32) []*virtqtest.Driver {
	g.t.Helper()

	g.write(slot, 0x12, 1, virtio.StatusAcknowledge|virtio.StatusDriver)
	g.write(slot, 0x04, 4, g.read(slot, 0x00, 4))

	var drivers []*virtqtest.Driver
	for qn := 0; qn < 3; qn++ {
		g.write(slot, 0x0e, 2, uint32(qn))

		num := g.read(slot, 0x0c, 2)
		if num != virtio.NetQueueSize {
			g.t.Fatalf("slot %d queue %d: num=%d", slot, qn, num)
		}

		qpfn := pfn + 4*uint32(qn)
		g.write(slot, 0x08, 4, qpfn)

		drivers = append(drivers, virtqtest.NewDriver(g.m, qpfn, pci.PageSize, num, pci.PageSize))
	}

	g.write(slot, 0x12, 1, virtio.StatusAcknowledge|virtio.StatusDriver|virtio.StatusDriverOK)
	return drivers
}

type nopLoader struct {
	info    vmm.MachineInfo
	memSize int
	err     error
}

func (l *nopLoader) LoadMemory(info vmm.MachineInfo, mem []byte) error {
	l.info = info
	l.memSize = len(mem)
	copy(mem, "load")
	return l.err
}
