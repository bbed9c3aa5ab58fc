package virtio

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Registry binds devices to emulators. A device is bound to at most one emulator at
// a time; a device without a compatible emulator stays registered until one shows up.
// One lock covers both lists and every binding change.
type Registry struct {
	mu        sync.Mutex
	devices   []*Device
	emulators []Emulator
}

func NewRegistry() *Registry {
	return new(Registry)
}

// RegisterDevice adds dev and binds it to the first registered emulator that
// accepts it, if any.
func (r *Registry) RegisterDevice(dev *Device) error {
	if dev == nil || dev.Transport == nil {
		return fmt.Errorf("%w: device without transport", ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if dev.reg != nil {
		return fmt.Errorf("%w: %v is already registered", ErrInvalid, dev)
	}

	dev.reg = r
	dev.emu, dev.handler = nil, nil
	r.devices = append(r.devices, dev)

	if !r.findEmulator(dev) {
		slog.Info("virtio device waiting for an emulator", "dev", dev.Name, "type", dev.ID)
	}

	return nil
}

// UnregisterDevice disconnects dev from its emulator and removes it.
func (r *Registry) UnregisterDevice(dev *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.Index(r.devices, dev)
	if i < 0 {
		return fmt.Errorf("%w: device %v", ErrNotRegistered, dev)
	}

	r.disconnect(dev)
	r.devices = slices.Delete(r.devices, i, i+1)
	dev.reg = nil

	return nil
}

// RegisterEmulator adds emu and binds it to every unbound device it accepts, in
// device registration order.
func (r *Registry) RegisterEmulator(emu Emulator) error {
	if emu == nil || emu.Name() == "" {
		return fmt.Errorf("%w: unnamed emulator", ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.emulators {
		if e.Name() == emu.Name() {
			return fmt.Errorf("%w: %s", ErrDuplicateEmulator, emu.Name())
		}
	}

	r.emulators = append(r.emulators, emu)

	for _, dev := range r.devices {
		if dev.emu == nil {
			r.bind(dev, emu)
		}
	}

	return nil
}

// UnregisterEmulator removes emu. Devices bound to it are disconnected and offered
// to the remaining emulators.
func (r *Registry) UnregisterEmulator(emu Emulator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.Index(r.emulators, emu)
	if i < 0 {
		return fmt.Errorf("%w: emulator %s", ErrNotRegistered, emu.Name())
	}

	r.emulators = slices.Delete(r.emulators, i, i+1)

	for _, dev := range r.devices {
		if dev.emu == emu {
			r.disconnect(dev)
			r.findEmulator(dev)
		}
	}

	return nil
}

// FindEmulator returns the registered emulator called name, or nil.
func (r *Registry) FindEmulator(name string) Emulator {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.emulators {
		if e.Name() == name {
			return e
		}
	}

	return nil
}

// Devices returns the registered devices in registration order.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.devices)
}

// Emulators returns the registered emulators in registration order.
func (r *Registry) Emulators() []Emulator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.emulators)
}

func (r *Registry) findEmulator(dev *Device) bool {
	for _, emu := range r.emulators {
		if r.bind(dev, emu) {
			return true
		}
	}

	return false
}

func (r *Registry) bind(dev *Device, emu Emulator) bool {
	if !slices.Contains(emu.IDs(), dev.ID) {
		return false
	}

	h, err := emu.Connect(dev)
	if err != nil {
		slog.Error("virtio connect failed", "dev", dev.Name, "emulator", emu.Name(), "err", err)
		return false
	}

	dev.emu, dev.handler = emu, h

	slog.Info("virtio device bound", "dev", dev.Name, "type", dev.ID, "emulator", emu.Name())
	return true
}

func (r *Registry) disconnect(dev *Device) {
	if dev.handler != nil {
		dev.handler.Disconnect()
	}

	dev.emu, dev.handler = nil, nil
}
