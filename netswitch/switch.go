// Package netswitch is the packet-switching fabric virtual network devices attach to.
// A Switch is a learning Ethernet bridge; a Port connects one device to it.
package netswitch

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rcrowley/go-metrics"
)

var (
	ErrExists      = errors.New("netswitch: switch already exists")
	ErrAttached    = errors.New("netswitch: port is already attached")
	ErrNotAttached = errors.New("netswitch: port is not attached")
)

type macAddr [6]byte

// Switch forwards Ethernet frames between its ports. Frames for unknown unicast,
// multicast, and broadcast destinations are flooded to every port but the source.
type Switch struct {
	name string

	mu    sync.Mutex
	ports []*Port
	fdb   map[macAddr]*Port

	forwarded metrics.Counter
	flooded   metrics.Counter
	dropped   metrics.Counter
}

// New returns a switch with no ports.
func New(name string) *Switch {
	return &Switch{
		name:      name,
		fdb:       make(map[macAddr]*Port),
		forwarded: metrics.GetOrRegisterCounter(fmt.Sprintf("netswitch.%s.forwarded", name), nil),
		flooded:   metrics.GetOrRegisterCounter(fmt.Sprintf("netswitch.%s.flooded", name), nil),
		dropped:   metrics.GetOrRegisterCounter(fmt.Sprintf("netswitch.%s.dropped", name), nil),
	}
}

func (s *Switch) Name() string { return s.name }

// Attach connects p to the switch.
func (s *Switch) Attach(p *Port) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !p.sw.CompareAndSwap(nil, s) {
		return fmt.Errorf("%w: %s", ErrAttached, p.name)
	}

	s.ports = append(s.ports, p)

	slog.Info("port attached", "switch", s.name, "port", p.name, "mac", p.mac)
	return nil
}

// Detach disconnects p from the switch and forgets the addresses learned on it.
func (s *Switch) Detach(p *Port) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.sw.Load() != s {
		return fmt.Errorf("%w: %s", ErrNotAttached, p.name)
	}

	for i, q := range s.ports {
		if q == p {
			s.ports = append(s.ports[:i], s.ports[i+1:]...)
			break
		}
	}

	for mac, q := range s.fdb {
		if q == p {
			delete(s.fdb, mac)
		}
	}

	p.sw.Store(nil)

	slog.Info("port detached", "switch", s.name, "port", p.name)
	return nil
}

// Ports returns the attached ports in attach order.
func (s *Switch) Ports() []*Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Port(nil), s.ports...)
}

// Lookup returns the port the switch learned mac on, or nil.
func (s *Switch) Lookup(mac net.HardwareAddr) *Port {
	if len(mac) != 6 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fdb[macAddr(mac)]
}

// Forward switches a frame sent by src.
func (s *Switch) Forward(src *Port, frame []byte) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		s.dropped.Inc(1)
		slog.Debug("dropping undecodable frame", "switch", s.name, "port", src.name, "len", len(frame), "err", err)
		return
	}

	var to []*Port

	s.mu.Lock()

	if len(eth.SrcMAC) == 6 && eth.SrcMAC[0]&1 == 0 {
		s.fdb[macAddr(eth.SrcMAC)] = src
	}

	dst, known := s.fdb[macAddr(eth.DstMAC)]
	switch {
	case eth.DstMAC[0]&1 == 0 && known:
		if dst != src {
			to = append(to, dst)
		}

		s.forwarded.Inc(1)

	default:
		for _, p := range s.ports {
			if p != src {
				to = append(to, p)
			}
		}

		s.flooded.Inc(1)
	}

	s.mu.Unlock()

	for _, p := range to {
		p.deliver(frame)
	}
}

// Fabric is the set of switches known to a machine, by name.
type Fabric struct {
	mu       sync.Mutex
	switches map[string]*Switch
}

func NewFabric() *Fabric {
	return &Fabric{switches: make(map[string]*Switch)}
}

// Add creates a switch called name.
func (f *Fabric) Add(name string) (*Switch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.switches[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}

	s := New(name)
	f.switches[name] = s
	return s, nil
}

// Find returns the switch called name, or nil.
func (f *Fabric) Find(name string) *Switch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.switches[name]
}

// Switches returns all switches sorted by name.
func (f *Fabric) Switches() []*Switch {
	f.mu.Lock()
	defer f.mu.Unlock()

	ss := make([]*Switch, 0, len(f.switches))
	for _, s := range f.switches {
		ss = append(ss, s)
	}

	sort.Slice(ss, func(i, j int) bool { return ss[i].name < ss[j].name })
	return ss
}
