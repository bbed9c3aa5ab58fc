// vio-lspci prints the PCI configuration headers of the devices in a machine description.
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"

	"github.com/c35s/vio/config"
	"github.com/c35s/vio/virtio/pci"
	"github.com/c35s/vio/vmm"
)

func main() {
	configPath := flag.String("config", "vio.yaml", "load the machine description from file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	mcfg := vmm.Config{Name: cfg.Name, MemSize: vmm.MemSizeMin, Switches: cfg.Switches}
	for _, d := range cfg.Devices {
		mcfg.Devices = append(mcfg.Devices, vmm.DeviceConfig{Name: d.Name, Attrs: d.Attrs()})
	}

	m, err := vmm.New(mcfg)
	if err != nil {
		panic(err)
	}

	defer m.Close()

	for _, di := range m.Info().Devices {
		raw := make([]byte, binary.Size(pci.ConfigHeader{}))
		if err := m.ReadPCIConfig(di.Slot, 0, raw); err != nil {
			panic(err)
		}

		var h pci.ConfigHeader
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &h); err != nil {
			panic(err)
		}

		fmt.Printf("%02x.0 %s (%v): %04x:%04x class %02x%02x irq %d bar0 %#x\n",
			di.Slot, di.Name, di.Type, h.VendorID, h.DeviceID, h.Class, h.Subclass, h.InterruptLine, h.BAR[0])
	}
}
