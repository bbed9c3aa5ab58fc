// Package config loads machine descriptions from YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/c35s/vio/stats"
	"github.com/c35s/vio/virtio"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Config describes a machine.
type Config struct {
	Name string `yaml:"name"`

	// Memory is the guest RAM size, e.g. "64M" or "1G".
	Memory string `yaml:"memory"`

	VCPUs    int          `yaml:"vcpus"`
	Switches []string     `yaml:"switches"`
	Devices  []Device     `yaml:"devices"`
	Console  Console      `yaml:"console"`
	Stats    stats.Config `yaml:"stats"`
}

// Device describes one virtio device. Which fields apply depends on Type.
type Device struct {
	Name string `yaml:"name"`

	// Type is a device type name ("network", "block", "console", ...) or number.
	Type string `yaml:"type"`

	IRQ int `yaml:"irq"`

	// network
	Switch string `yaml:"switch"`
	MAC    string `yaml:"mac"`

	// block
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"readonly"`
}

// Console connects console devices to the process's stdio.
type Console struct {
	Stdio bool `yaml:"stdio"`
}

var ErrConfig = errors.New("config: invalid config")

// Default returns the values used for anything a config file leaves unset.
func Default() Config {
	return Config{
		Name:   "vio",
		Memory: "1G",
		VCPUs:  1,
		Stats: stats.Config{
			Type:     "none",
			Interval: 10 * time.Second,
			Protocol: "tcp",
			Prefix:   "vio",
			Path:     "/metrics",
		},
	}
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return Parse(b)
}

// Parse parses a YAML config, fills in defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	var c Config

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if err := mergo.Merge(&c, Default()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return &c, nil
}

// MemSize returns the guest RAM size in bytes.
func (c *Config) MemSize() (int, error) {
	return ParseSize(c.Memory)
}

// DeviceID returns the device's virtio type.
func (d *Device) DeviceID() (virtio.DeviceID, error) {
	return virtio.ParseDeviceID(d.Type)
}

// Attrs returns the device's platform description: its type and interrupt line
// followed by the attributes its emulator reads.
func (d *Device) Attrs() virtio.Attrs {
	a := make(virtio.Attrs)

	if id, err := d.DeviceID(); err == nil {
		a[virtio.AttrType] = strconv.Itoa(int(id))
	}

	if d.IRQ != 0 {
		a[virtio.AttrInterrupts] = strconv.Itoa(d.IRQ)
	}

	if d.Switch != "" {
		a[virtio.AttrSwitch] = d.Switch
	}

	if d.MAC != "" {
		a[virtio.AttrMAC] = d.MAC
	}

	if d.Path != "" {
		a[virtio.AttrPath] = d.Path
	}

	if d.ReadOnly {
		a[virtio.AttrReadOnly] = "true"
	}

	return a
}

// ParseSize parses a RAM size like "64M" or "1GiB". Suffixes are powers of 1024.
func ParseSize(s string) (int, error) {
	v, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}

	return int(v), nil
}

func (c *Config) validate() error {
	if _, err := c.MemSize(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}

	if c.VCPUs < 1 {
		return fmt.Errorf("vcpus: %d", c.VCPUs)
	}

	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("device %d has no name", i)
		}

		id, err := d.DeviceID()
		if err != nil {
			return fmt.Errorf("device %s: %w", d.Name, err)
		}

		if d.IRQ < 0 {
			return fmt.Errorf("device %s: bad irq %d", d.Name, d.IRQ)
		}

		if d.MAC != "" {
			if mac, err := net.ParseMAC(d.MAC); err != nil || len(mac) != 6 {
				return fmt.Errorf("device %s: bad mac %q", d.Name, d.MAC)
			}
		}

		if id == virtio.BlockDeviceID && d.Path == "" {
			return fmt.Errorf("device %s: block device has no path", d.Name)
		}
	}

	return c.Stats.Validate()
}
