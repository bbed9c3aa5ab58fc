//go:build linux

// Package vmm assembles guest memory, interrupt lines, a virtio-pci bus and the
// device emulators into a Machine, and runs the loop that services the guest's
// register accesses and the emulators' deferred work.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/c35s/vio/netswitch"
	"github.com/c35s/vio/virtio"
	"github.com/c35s/vio/virtio/pci"
	"github.com/c35s/vio/virtio/virtq"
	"github.com/c35s/vio/workq"
	"github.com/rcrowley/go-metrics"
)

// Config describes a new Machine.
type Config struct {

	// Name identifies the machine in logs and metrics.
	// If Name is empty, the machine is called "vio".
	Name string

	// MemSize is the size of the guest's RAM in bytes.
	// It must be a multiple of the host's page size.
	// If MemSize is 0, the guest will have 1G of RAM.
	MemSize int

	// VCPUs is the number of virtual CPUs the guest reports to its devices.
	// Network devices get one queue pair per VCPU. If VCPUs is 0, it's 1.
	VCPUs int

	// Switches names the network switches to create.
	Switches []string

	// Devices configures the machine's virtio-pci devices.
	Devices []DeviceConfig

	// ConsoleIn and ConsoleOut back console devices. Either may be nil.
	ConsoleIn  io.Reader
	ConsoleOut io.Writer

	// Emulators are registered ahead of the built-in ones, so they're offered
	// each device first.
	Emulators []virtio.Emulator

	// Loader, if set, prepares the guest's RAM before the machine runs.
	Loader Loader
}

// DeviceConfig describes one virtio-pci device.
type DeviceConfig struct {
	Name string

	// Type is the device type. If Type is 0, it is read from the "virtio_type"
	// attribute.
	Type virtio.DeviceID

	// IRQ is the device's interrupt line. If IRQ is 0, the first line of the
	// "interrupts" attribute is used, or else the next free line from IRQBase.
	IRQ int

	// Attrs are passed to the device's emulator, e.g. "switch" and "mac" for
	// network devices or "path" and "readonly" for block devices.
	Attrs virtio.Attrs
}

// MachineInfo describes a configured machine in a form useful to the Loader.
type MachineInfo struct {
	Name    string
	MemSize int
	VCPUs   int

	// Devices enumerates the machine's virtio-pci devices.
	Devices []pci.DeviceInfo
}

type Loader interface {

	// LoadMemory prepares the guest's RAM before the machine runs.
	LoadMemory(info MachineInfo, mem []byte) error
}

type Machine struct {
	name  string
	vcpus int

	mem  *Memory
	ram  []byte
	irq  *IRQChip
	bus  *pci.Bus
	reg  *virtio.Registry
	fab  *netswitch.Fabric
	work *workq.Queue

	emus    []virtio.Emulator
	devs    []*virtio.Device
	closers []io.Closer

	access  chan *access
	stopped chan struct{}
	running atomic.Bool

	accesses  metrics.Counter
	unhandled metrics.Counter
}

// access is a trapped register access waiting for the dispatch loop.
type access struct {
	addr  uint64
	data  []byte
	write bool
	done  chan error
}

const (
	MemSizeMin     = 1 << 20 // 1M
	MemSizeDefault = 1 << 30 // 1G
	MemSizeMax     = PCIBase // RAM ends below the PCI windows

	VCPUsMax = 64

	// PCIBase is the guest physical address of the first device's register window.
	PCIBase = 0xd0000000

	// IRQBase is the first line handed out to devices without an explicit IRQ.
	IRQBase = 5
)

var (
	ErrConfig      = errors.New("vmm: invalid config")
	ErrAllocMemory = errors.New("vmm: memory allocation failed")
	ErrLoadMemory  = errors.New("vmm: memory load failed")
	ErrDevice      = errors.New("vmm: device setup failed")
	ErrRunning     = errors.New("vmm: machine is already running")
	ErrStopped     = errors.New("vmm: machine is not running")
)

// New creates a new Machine.
func New(cfg Config) (m *Machine, err error) {
	cfg, err = cfg.withDefaults().resolveDevices()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	m = &Machine{
		name:    cfg.Name,
		vcpus:   cfg.VCPUs,
		mem:     NewMemory(),
		irq:     NewIRQChip(),
		reg:     virtio.NewRegistry(),
		fab:     netswitch.NewFabric(),
		work:    workq.New(),
		access:  make(chan *access),
		stopped: make(chan struct{}),

		accesses:  metrics.GetOrRegisterCounter("vmm."+cfg.Name+".accesses", nil),
		unhandled: metrics.GetOrRegisterCounter("vmm."+cfg.Name+".unhandled", nil),
	}

	defer func() {
		if err != nil {
			m.Close()
			m = nil
		}
	}()

	m.bus = pci.NewBus(m.irq, PCIBase)

	// create memory
	m.ram, err = m.mem.AddRAM(0, cfg.MemSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocMemory, err)
	}

	if len(cfg.Devices) > 0 {
		if err := m.mem.AddMMIO(PCIBase, uint64(len(cfg.Devices))*pci.WindowSize); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAllocMemory, err)
		}
	}

	for _, name := range cfg.Switches {
		if _, err := m.fab.Add(name); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}

	emus := append([]virtio.Emulator{}, cfg.Emulators...)
	emus = append(emus,
		&virtio.Net{Switches: m.fab, Work: m.work},
		&virtio.Console{In: cfg.ConsoleIn, Out: cfg.ConsoleOut, Work: m.work},
	)

	// block devices each get their own emulator bound to their storage
	for _, dc := range cfg.Devices {
		if dc.Type != virtio.BlockDeviceID {
			continue
		}

		emu, err := m.openBlock(dc)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrDevice, dc.Name, err)
		}

		emus = append(emus, emu)
	}

	for _, emu := range emus {
		if err := m.reg.RegisterEmulator(emu); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDevice, err)
		}

		m.emus = append(m.emus, emu)
	}

	// install devices
	irq := IRQBase
	used := make(map[int]bool)
	for _, dc := range cfg.Devices {
		if dc.IRQ != 0 {
			used[dc.IRQ] = true
		}
	}

	for _, dc := range cfg.Devices {
		line := dc.IRQ
		if line == 0 {
			for used[irq] {
				irq++
			}

			line = irq
			used[line] = true
		}

		dev := &virtio.Device{
			ID:    dc.Type,
			Name:  dc.Name,
			Guest: m,
			Attrs: dc.Attrs,
		}

		if _, err := m.bus.Add(dev, line); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDevice, err)
		}

		if err := m.reg.RegisterDevice(dev); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrDevice, dc.Name, err)
		}

		m.devs = append(m.devs, dev)

		if dev.Emulator() == nil {
			slog.Warn("device has no emulator", "machine", m.name, "dev", dev.Name, "type", dev.ID)
		}
	}

	// load memory
	if cfg.Loader != nil {
		if err := cfg.Loader.LoadMemory(m.Info(), m.ram); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoadMemory, err)
		}
	}

	return m, nil
}

func (m *Machine) openBlock(dc DeviceConfig) (*virtio.Block, error) {
	path, ok := dc.Attrs.String(virtio.AttrPath)
	if !ok {
		return nil, fmt.Errorf("attribute %s is not set", virtio.AttrPath)
	}

	ro, err := dc.Attrs.Bool(virtio.AttrReadOnly)
	if err != nil {
		return nil, err
	}

	st, err := virtio.OpenStorage(path, ro)
	if err != nil {
		return nil, err
	}

	if c, ok := st.(io.Closer); ok {
		m.closers = append(m.closers, c)
	}

	return &virtio.Block{Device: dc.Name, ReadOnly: ro, Storage: st}, nil
}

// Name implements virtio.Guest.
func (m *Machine) Name() string { return m.name }

// VCPUCount implements virtio.Guest.
func (m *Machine) VCPUCount() int { return m.vcpus }

// Read copies guest memory at gpa into p.
func (m *Machine) Read(p []byte, gpa uint64) int { return m.mem.Read(p, gpa) }

// Write copies p into guest memory at gpa.
func (m *Machine) Write(p []byte, gpa uint64) int { return m.mem.Write(p, gpa) }

// Map implements virtq.Memory.
func (m *Machine) Map(gpa, size uint64) (virtq.Region, error) { return m.mem.Map(gpa, size) }

// IRQ returns the machine's interrupt lines.
func (m *Machine) IRQ() *IRQChip { return m.irq }

// Registry returns the registry binding the machine's devices to emulators.
func (m *Machine) Registry() *virtio.Registry { return m.reg }

// Switches returns the machine's network switches.
func (m *Machine) Switches() *netswitch.Fabric { return m.fab }

// Info describes the machine.
func (m *Machine) Info() MachineInfo {
	return MachineInfo{
		Name:    m.name,
		MemSize: len(m.ram),
		VCPUs:   m.vcpus,
		Devices: m.bus.Devices(),
	}
}

// ReadPCIConfig reads the PCI configuration header of the device in slot.
func (m *Machine) ReadPCIConfig(slot, off int, p []byte) error {
	return m.bus.ReadConfig(slot, off, p)
}

// Run services register accesses and deferred device work until ctx is done.
// Every device callback runs on Run's goroutine.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrRunning
	}

	defer close(m.stopped)

	for {
		var (
			a   *access
			err error
		)

		select {
		case <-ctx.Done():
			return nil

		case a = <-m.access:
			err = m.handleAccess(a)

		case <-m.work.Wake():
		}

		m.work.RunPending()

		if a != nil {
			a.done <- err
		}
	}
}

// Access performs a guest register access at addr and waits for Run to complete it,
// along with the deferred work pending after it. For reads, data is filled in.
func (m *Machine) Access(ctx context.Context, addr uint64, data []byte, write bool) error {
	a := &access{
		addr:  addr,
		data:  data,
		write: write,
		done:  make(chan error, 1),
	}

	select {
	case m.access <- a:
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// data belongs to Run until it's done
	return <-a.done
}

func (m *Machine) handleAccess(a *access) error {
	m.accesses.Inc(1)

	found, err := m.bus.HandleIO(a.addr, a.data, a.write)
	if !found {
		m.unhandled.Inc(1)
		return fmt.Errorf("%w: %#x", ErrUnmapped, a.addr)
	}

	return err
}

// Close unbinds the machine's devices and releases its memory and storage.
func (m *Machine) Close() error {
	var errs []error

	for _, dev := range m.devs {
		errs = append(errs, m.reg.UnregisterDevice(dev))
	}

	for _, emu := range m.emus {
		errs = append(errs, m.reg.UnregisterEmulator(emu))
	}

	for _, c := range m.closers {
		errs = append(errs, c.Close())
	}

	errs = append(errs, m.irq.Close(), m.mem.Close())

	m.devs = nil
	m.emus = nil
	m.closers = nil
	m.ram = nil

	return errors.Join(errs...)
}

func (cfg Config) validate() error {
	if pgsz := os.Getpagesize(); cfg.MemSize%pgsz != 0 {
		return fmt.Errorf("memory size must be a multiple of the host page size (%d)", pgsz)
	}

	if cfg.MemSize < MemSizeMin {
		return fmt.Errorf("memory is too small: %d < %d", cfg.MemSize, MemSizeMin)
	}

	if cfg.MemSize > MemSizeMax {
		return fmt.Errorf("memory is too large: %d > %d", cfg.MemSize, MemSizeMax)
	}

	if cfg.VCPUs < 1 || cfg.VCPUs > VCPUsMax {
		return fmt.Errorf("vcpu count out of range: %d", cfg.VCPUs)
	}

	switches := make(map[string]bool)
	for _, name := range cfg.Switches {
		if name == "" {
			return errors.New("switch has no name")
		}

		if switches[name] {
			return fmt.Errorf("duplicate switch %q", name)
		}

		switches[name] = true
	}

	names := make(map[string]bool)
	for i, dc := range cfg.Devices {
		if dc.Name == "" {
			return fmt.Errorf("device %d has no name", i)
		}

		if names[dc.Name] {
			return fmt.Errorf("duplicate device %q", dc.Name)
		}

		names[dc.Name] = true

		if dc.Type < 1 || dc.Type > virtio.MaxLegacyDeviceID {
			return fmt.Errorf("device %s: type %d out of range", dc.Name, dc.Type)
		}

		if dc.IRQ < 0 {
			return fmt.Errorf("device %s: bad irq %d", dc.Name, dc.IRQ)
		}
	}

	return nil
}

// resolveDevices returns a copy of cfg whose devices have their type and IRQ
// filled in from their attributes.
func (cfg Config) resolveDevices() (Config, error) {
	devs := make([]DeviceConfig, len(cfg.Devices))
	for i, dc := range cfg.Devices {
		if dc.Type == virtio.InvalidDeviceID {
			if _, ok := dc.Attrs.String(virtio.AttrType); ok {
				n, err := dc.Attrs.Int(virtio.AttrType)
				if err != nil {
					return cfg, fmt.Errorf("device %s: %w", dc.Name, err)
				}

				if n < 0 {
					return cfg, fmt.Errorf("device %s: type %d out of range", dc.Name, n)
				}

				dc.Type = virtio.DeviceID(n)
			}
		}

		if dc.IRQ == 0 {
			if _, ok := dc.Attrs.String(virtio.AttrInterrupts); ok {
				n, err := dc.Attrs.Int(virtio.AttrInterrupts)
				if err != nil {
					return cfg, fmt.Errorf("device %s: %w", dc.Name, err)
				}

				dc.IRQ = n
			}
		}

		devs[i] = dc
	}

	cfg.Devices = devs
	return cfg, nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Name == "" {
		cfg.Name = "vio"
	}

	if cfg.MemSize == 0 {
		cfg.MemSize = MemSizeDefault
	}

	if cfg.VCPUs == 0 {
		cfg.VCPUs = 1
	}

	return cfg
}
