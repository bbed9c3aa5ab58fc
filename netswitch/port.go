package netswitch

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
)

// Receiver is the device end of a port.
type Receiver interface {

	// CanReceive reports whether the device is ready for frames.
	CanReceive() bool

	// SwitchToPort hands the device a frame. The device must not keep frame.
	SwitchToPort(frame []byte)
}

// Port connects a device to at most one switch.
type Port struct {
	name string
	mac  net.HardwareAddr
	mtu  int
	recv Receiver

	sw atomic.Pointer[Switch]

	rxDropped metrics.Counter
}

// NewPort returns a detached port for a device with the given MAC and MTU.
func NewPort(name string, mac net.HardwareAddr, mtu int, r Receiver) *Port {
	return &Port{
		name:      name,
		mac:       mac,
		mtu:       mtu,
		recv:      r,
		rxDropped: metrics.GetOrRegisterCounter(fmt.Sprintf("netswitch.port.%s.rx_dropped", name), nil),
	}
}

func (p *Port) Name() string          { return p.name }
func (p *Port) MAC() net.HardwareAddr { return p.mac }
func (p *Port) MTU() int              { return p.mtu }
func (p *Port) Switch() *Switch       { return p.sw.Load() }
func (p *Port) String() string        { return p.name }

// Send hands a frame from the device to its switch.
func (p *Port) Send(frame []byte) error {
	sw := p.sw.Load()
	if sw == nil {
		return fmt.Errorf("%w: %s", ErrNotAttached, p.name)
	}

	sw.Forward(p, frame)
	return nil
}

// Detach disconnects the port from its switch, if any.
func (p *Port) Detach() {
	if sw := p.sw.Load(); sw != nil {
		sw.Detach(p)
	}
}

func (p *Port) deliver(frame []byte) {
	if p.recv == nil || !p.recv.CanReceive() {
		p.rxDropped.Inc(1)
		return
	}

	p.recv.SwitchToPort(frame)
}
