package virtio

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"

	"github.com/c35s/vio/netswitch"
	"github.com/c35s/vio/virtio/virtq"
	"github.com/c35s/vio/workq"
	"github.com/rcrowley/go-metrics"
)

// Net is a virtio network device emulator. Each device gets one RX/TX queue pair per
// guest VCPU plus a control queue, and a port on the switch named by its "switch"
// attribute.
type Net struct {

	// Switches resolves switch names. If it is nil, ports stay detached.
	Switches *netswitch.Fabric

	// Work runs deferred TX processing.
	Work *workq.Queue
}

const (
	NetQueueSize = 256  // descriptors per queue
	NetMTU       = 1514 // largest frame, including the Ethernet header

	netHdrSize  = 12 // struct virtio_net_hdr_mrg_rxbuf
	netTxBudget = NetQueueSize / 4
)

// features

const (
	netFMAC    = 1 << 5  // device has given MAC address
	netFCtrlVQ = 1 << 17 // control channel is available
	netFMQ     = 1 << 22 // device supports multiqueue with automatic receive steering
)

const netLinkUp = 1

// control queue

const (
	netCtrlClassMQ      = 4
	netCtrlMQVQPairsSet = 0
	netCtrlMQVQPairsMin = 1
	netCtrlMQVQPairsMax = 0x8000
	netCtrlOK           = 0
	netCtrlErr          = 1
	netCtrlHdrSize      = 2 // class, command
)

type netQueueRole int

const (
	netQueueUnknown netQueueRole = iota
	netQueueRX
	netQueueTX
	netQueueCtrl
)

func (r netQueueRole) String() string {
	switch r {
	case netQueueRX:
		return "rx"
	case netQueueTX:
		return "tx"
	case netQueueCtrl:
		return "ctrl"
	default:
		return "unknown"
	}
}

// netConfig has the same layout as struct virtio_net_config.
type netConfig struct {
	MAC               [6]byte
	Status            uint16
	MaxVirtqueuePairs uint16
}

type netQueue struct {
	num   int
	role  netQueueRole
	valid bool
	vq    virtq.Queue
	iov   []virtq.IOVec
	lazy  *workq.Item
}

type netDevice struct {
	dev   *Device
	guest Guest
	work  *workq.Queue
	port  *netswitch.Port

	queues      []*netQueue
	cq          int
	features    uint64
	config      netConfig
	activePairs uint16
	canReceive  bool

	txPackets, txDropped metrics.Counter
	rxPackets, rxDropped metrics.Counter
	ctrlErrors           metrics.Counter
}

func (*Net) Name() string { return "virtio_net" }

func (*Net) IDs() []DeviceID { return []DeviceID{NetworkDeviceID} }

// Connect allocates the device's queues and switch port.
func (e *Net) Connect(dev *Device) (Handler, error) {
	if dev.Guest == nil {
		return nil, fmt.Errorf("%w: %s has no guest", ErrInvalid, dev.Name)
	}

	if e.Work == nil {
		return nil, fmt.Errorf("%w: no work queue", ErrInvalid)
	}

	mac, err := netMAC(dev.Attrs)
	if err != nil {
		return nil, err
	}

	pairs := max(dev.Guest.VCPUCount(), 1)

	prefix := fmt.Sprintf("virtio.%s.%s.", dev.Guest.Name(), dev.Name)
	nd := &netDevice{
		dev:         dev,
		guest:       dev.Guest,
		work:        e.Work,
		cq:          2 * pairs,
		activePairs: 1,
		txPackets:   metrics.GetOrRegisterCounter(prefix+"tx.packets", nil),
		txDropped:   metrics.GetOrRegisterCounter(prefix+"tx.dropped", nil),
		rxPackets:   metrics.GetOrRegisterCounter(prefix+"rx.packets", nil),
		rxDropped:   metrics.GetOrRegisterCounter(prefix+"rx.dropped", nil),
		ctrlErrors:  metrics.GetOrRegisterCounter(prefix+"ctrl.errors", nil),
	}

	nd.config.Status = netLinkUp
	nd.config.MaxVirtqueuePairs = uint16(pairs)

	nd.queues = make([]*netQueue, 2*pairs+1)
	for i := range nd.queues {
		q := &netQueue{
			num: i,
			iov: make([]virtq.IOVec, 0, NetQueueSize),
		}

		switch {
		case i == nd.cq:
			q.role = netQueueCtrl

		case i%2 == 1:
			q.role = netQueueTX
			q.lazy = workq.NewItem(fmt.Sprintf("%s.tx%d", dev.Name, i/2), netTxBudget,
				func(budget int) { nd.txLazy(q, budget) })

		default:
			q.role = netQueueRX
		}

		nd.queues[i] = q
	}

	nd.port = netswitch.NewPort(dev.Name, mac, NetMTU, nd)
	copy(nd.config.MAC[:], nd.port.MAC())

	if name, ok := dev.Attrs.String(AttrSwitch); ok {
		var sw *netswitch.Switch
		if e.Switches != nil {
			sw = e.Switches.Find(name)
		}

		switch {
		case sw == nil:
			slog.Warn("virtio-net switch not found", "dev", dev.Name, "switch", name)

		default:
			if err := sw.Attach(nd.port); err != nil {
				slog.Warn("virtio-net switch attach failed", "dev", dev.Name, "switch", name, "err", err)
			}
		}
	}

	return nd, nil
}

func (nd *netDevice) HostFeatures(sel uint32) uint32 {
	const features = netFMAC | netFCtrlVQ | netFMQ | FEventIdx
	if sel > 1 {
		return 0
	}

	return uint32(uint64(features) >> (32 * sel))
}

func (nd *netDevice) SetGuestFeatures(sel, bits uint32) {
	if sel > 1 {
		return
	}

	nd.features &^= uint64(0xffffffff) << (32 * sel)
	nd.features |= uint64(bits) << (32 * sel)
}

func (nd *netDevice) InitQueue(qn int, pageSize, align, pfn uint32) error {
	q, err := nd.queue(qn)
	if err != nil {
		return err
	}

	if q.lazy != nil {
		nd.work.Cancel(q.lazy)
	}

	// legacy drivers release a queue by writing pfn 0
	if pfn == 0 {
		q.vq.Cleanup()
		q.valid = false
		return nil
	}

	if err := q.vq.Setup(nd.guest, pfn, pageSize, NetQueueSize, align); err != nil {
		q.valid = false
		return err
	}

	q.vq.SetEventIdx(nd.features&FEventIdx != 0)
	q.valid = true

	return nil
}

func (nd *netDevice) QueuePFN(qn int) uint32 {
	q, err := nd.queue(qn)
	if err != nil {
		return 0
	}

	return q.vq.PFN()
}

func (nd *netDevice) QueueSize(qn int) uint32 {
	if _, err := nd.queue(qn); err != nil {
		return 0
	}

	return NetQueueSize
}

func (nd *netDevice) SetQueueSize(qn int, size uint32) error {
	if _, err := nd.queue(qn); err != nil {
		return err
	}

	if size != NetQueueSize {
		return fmt.Errorf("%w: queue size %d", ErrNotSupported, size)
	}

	return nil
}

func (nd *netDevice) NotifyQueue(qn int) error {
	q, err := nd.queue(qn)
	if err != nil {
		return err
	}

	switch q.role {
	case netQueueTX:
		nd.txPoke(q)

	case netQueueRX:
		// buffers are filled when the switch delivers a frame

	case netQueueCtrl:
		nd.handleCtrl(q)

	default:
		return fmt.Errorf("%w: queue %d has no role", ErrInvalid, qn)
	}

	return nil
}

func (nd *netDevice) StatusChanged(status uint32) {
	var rx bool
	for _, q := range nd.queues {
		if q.valid && q.role == netQueueRX {
			rx = true
			break
		}
	}

	nd.canReceive = rx && status&StatusDriverOK != 0
}

func (nd *netDevice) ReadConfig(p []byte, off int) error {
	raw := nd.configBytes()
	if off < 0 || off >= len(raw) {
		return nil
	}

	copy(p, raw[off:])
	return nil
}

func (nd *netDevice) WriteConfig(p []byte, off int) error {
	raw := nd.configBytes()
	if off < 0 || off >= len(raw) {
		return nil
	}

	copy(raw[off:], p)
	return binary.Read(bytes.NewReader(raw), le, &nd.config)
}

func (nd *netDevice) Reset() error {
	for _, q := range nd.queues {
		if q.lazy != nil {
			nd.work.Cancel(q.lazy)
		}

		if q.valid {
			q.vq.Cleanup()
		}

		q.valid = false
	}

	nd.canReceive = false
	nd.activePairs = 1

	return nil
}

func (nd *netDevice) Disconnect() {
	nd.Reset()
	nd.port.Detach()
}

// CanReceive implements netswitch.Receiver.
func (nd *netDevice) CanReceive() bool {
	return nd.canReceive
}

// SwitchToPort copies a frame from the switch into the first RX queue with a
// buffer available. Frames longer than the MTU are truncated. Frames are dropped
// when no buffer is available.
func (nd *netDevice) SwitchToPort(frame []byte) {
	q := nd.rxQueue()
	if q == nil {
		nd.rxDropped.Inc(1)
		return
	}

	pkt := frame[:min(len(frame), NetMTU)]

	c, err := q.vq.GetIOVec(q.iov)
	if err != nil {
		nd.rxDropped.Inc(1)
		slog.Error("virtio-net rx: bad descriptor chain", "dev", nd.dev.Name, "queue", q.num, "err", err)
		return
	}

	var hdr [netHdrSize]byte
	le.PutUint16(hdr[10:], 1) // num_buffers

	var used uint32

	switch {
	case len(c.IOV) == 1:
		used = uint32(virtq.WriteIOVec(nd.guest, c.IOV, hdr[:]))
		if v := c.IOV[0]; v.Len > netHdrSize {
			rest := []virtq.IOVec{{Addr: v.Addr + netHdrSize, Len: v.Len - netHdrSize, Write: v.Write}}
			used += uint32(virtq.WriteIOVec(nd.guest, rest, pkt))
		}

	default:
		virtq.WriteIOVec(nd.guest, c.IOV[:1], hdr[:])
		used = c.IOV[0].Len + uint32(virtq.WriteIOVec(nd.guest, c.IOV[1:], pkt))
	}

	if err := q.vq.SetUsedElem(c.Head, used); err != nil {
		slog.Error("virtio-net rx: set used failed", "dev", nd.dev.Name, "queue", q.num, "err", err)
	}

	nd.rxPackets.Inc(1)
	nd.signal(q)
}

func (nd *netDevice) rxQueue() *netQueue {
	for _, q := range nd.queues {
		if q.valid && q.role == netQueueRX && q.vq.Available() {
			return q
		}
	}

	return nil
}

func (nd *netDevice) txPoke(q *netQueue) {
	if q.vq.Available() {
		nd.work.Schedule(q.lazy)
	}
}

// txLazy sends up to budget frames from TX queue q. The first segment of each chain
// is the virtio-net header, the rest is the frame.
func (nd *netDevice) txLazy(q *netQueue, budget int) {
	for ; budget > 0 && q.vq.Available(); budget-- {
		c, err := q.vq.GetIOVec(q.iov)
		if err != nil {
			nd.txDropped.Inc(1)
			slog.Error("virtio-net tx: bad descriptor chain", "dev", nd.dev.Name, "queue", q.num, "err", err)
			continue
		}

		pktLen := c.Len - c.IOV[0].Len

		switch {
		case pktLen > NetMTU:
			nd.txDropped.Inc(1)
			slog.Debug("virtio-net tx: dropping oversized frame", "dev", nd.dev.Name, "len", pktLen)

		default:
			pkt := make([]byte, pktLen)
			virtq.ReadIOVec(nd.guest, c.IOV[1:], pkt)

			if err := nd.port.Send(pkt); err != nil {
				nd.txDropped.Inc(1)
			} else {
				nd.txPackets.Inc(1)
			}
		}

		if err := q.vq.SetUsedElem(c.Head, c.Len); err != nil {
			slog.Error("virtio-net tx: set used failed", "dev", nd.dev.Name, "queue", q.num, "err", err)
		}
	}

	nd.signal(q)
	nd.txPoke(q)
}

func (nd *netDevice) handleCtrl(q *netQueue) {
	for q.vq.Available() {
		c, err := q.vq.GetIOVec(q.iov)
		if err != nil {
			nd.ctrlErrors.Inc(1)
			slog.Error("virtio-net ctrl: bad descriptor chain", "dev", nd.dev.Name, "err", err)
			continue
		}

		status := byte(netCtrlErr)
		if err := nd.ctrlCommand(c.IOV); err != nil {
			nd.ctrlErrors.Inc(1)
			slog.Warn("virtio-net ctrl command failed", "dev", nd.dev.Name, "err", err)
		} else {
			status = netCtrlOK
		}

		if st := c.IOV[len(c.IOV)-1]; st.Write {
			virtq.WriteIOVec(nd.guest, []virtq.IOVec{st}, []byte{status})
		}

		if err := q.vq.SetUsedElem(c.Head, c.Len); err != nil {
			slog.Error("virtio-net ctrl: set used failed", "dev", nd.dev.Name, "err", err)
		}
	}

	nd.signal(q)
}

// ctrlCommand runs the control command in iov: a header segment, command-specific
// segments, and a status segment.
func (nd *netDevice) ctrlCommand(iov []virtq.IOVec) error {
	if len(iov) < 2 || iov[0].Len < netCtrlHdrSize || iov[len(iov)-1].Len < 1 {
		return fmt.Errorf("%w: malformed control message", ErrInvalid)
	}

	var hdr [netCtrlHdrSize]byte
	if n := virtq.ReadIOVec(nd.guest, iov[:1], hdr[:]); n != len(hdr) {
		return fmt.Errorf("%w: short control header", ErrInvalid)
	}

	class, cmd := hdr[0], hdr[1]

	switch class {
	case netCtrlClassMQ:
		if cmd != netCtrlMQVQPairsSet {
			return fmt.Errorf("%w: mq command %d", ErrNotSupported, cmd)
		}

		if len(iov) < 3 || iov[1].Len < 2 {
			return fmt.Errorf("%w: malformed mq message", ErrInvalid)
		}

		var b [2]byte
		if n := virtq.ReadIOVec(nd.guest, iov[1:2], b[:]); n != len(b) {
			return fmt.Errorf("%w: short mq payload", ErrInvalid)
		}

		pairs := le.Uint16(b[:])
		if pairs < netCtrlMQVQPairsMin || pairs > netCtrlMQVQPairsMax || pairs > nd.config.MaxVirtqueuePairs {
			return fmt.Errorf("%w: %d queue pairs, max %d", ErrInvalid, pairs, nd.config.MaxVirtqueuePairs)
		}

		nd.activePairs = pairs
		return nil

	default:
		return fmt.Errorf("%w: control class %d", ErrNotSupported, class)
	}
}

func (nd *netDevice) signal(q *netQueue) {
	if !q.vq.ShouldSignal() {
		return
	}

	if err := nd.dev.Notify(q.num); err != nil {
		slog.Error("virtio-net notify failed", "dev", nd.dev.Name, "queue", q.num, "err", err)
	}
}

func (nd *netDevice) queue(qn int) (*netQueue, error) {
	if qn < 0 || qn >= len(nd.queues) {
		return nil, fmt.Errorf("%w: queue %d of %d", ErrInvalid, qn, len(nd.queues))
	}

	return nd.queues[qn], nil
}

func (nd *netDevice) configBytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, le, &nd.config)
	return buf.Bytes()
}

// netMAC returns the MAC from attrs, or a random locally administered one.
func netMAC(attrs Attrs) (net.HardwareAddr, error) {
	if s, ok := attrs.String(AttrMAC); ok {
		mac, err := net.ParseMAC(s)
		if err != nil || len(mac) != 6 {
			return nil, fmt.Errorf("%w: mac %q", ErrInvalid, s)
		}

		return mac, nil
	}

	mac := make(net.HardwareAddr, 6)
	if _, err := rand.Read(mac); err != nil {
		return nil, err
	}

	mac[0] = mac[0]&^1 | 2
	return mac, nil
}
