package virtio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/c35s/vio/virtio/virtq"
	"github.com/c35s/vio/workq"
)

// Console is a virtio console emulator with a single port. Guest output is written
// to Out. In is read on one goroutine for the life of the emulator and handed
// from the work queue to the first connected device that is still bound. Input
// read while no device is bound waits for the next one.
type Console struct {
	In   io.Reader
	Out  io.Writer
	Work *workq.Queue

	// Cols and Rows are reported in the device configuration.
	Cols, Rows uint16

	mu      sync.Mutex
	reading bool
	pending []byte
	devs    []*consoleDevice
}

const (
	consoleRxQ = 0
	consoleTxQ = 1

	consoleQueueSize = 64
	consoleRxBudget  = consoleQueueSize
)

// consoleFSize: configuration cols and rows are valid
const consoleFSize = 1 << 0

// consoleConfig has the same layout as struct virtio_console_config.
type consoleConfig struct {
	Cols       uint16
	Rows       uint16
	MaxNrPorts uint32
	EmergWr    uint32
}

type consoleDevice struct {
	*queueSet

	emu    *Console
	dev    *Device
	out    io.Writer
	work   *workq.Queue
	rx     *workq.Item
	config consoleConfig
}

func (*Console) Name() string { return "virtio_console" }

func (*Console) IDs() []DeviceID { return []DeviceID{ConsoleDeviceID} }

func (c *Console) Connect(dev *Device) (Handler, error) {
	if dev.Guest == nil {
		return nil, fmt.Errorf("%w: %s has no guest", ErrInvalid, dev.Name)
	}

	if c.In != nil && c.Work == nil {
		return nil, fmt.Errorf("%w: console input needs a work queue", ErrInvalid)
	}

	cd := &consoleDevice{
		queueSet: newQueueSet(dev.Guest, 2, consoleQueueSize),
		emu:      c,
		dev:      dev,
		out:      c.Out,
		work:     c.Work,
		config: consoleConfig{
			Cols:       c.Cols,
			Rows:       c.Rows,
			MaxNrPorts: 1,
		},
	}

	if c.In != nil {
		cd.rx = workq.NewItem(dev.Name+".rx", consoleRxBudget, cd.handleRx)
		c.attach(cd)
	}

	return cd, nil
}

// attach adds cd to the devices that can take input and starts the reader.
func (c *Console) attach(cd *consoleDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.devs = append(c.devs, cd)

	if !c.reading {
		c.reading = true
		go c.readInput()
	}
}

// detach removes cd. Pending input passes to the next connected device.
func (c *Console) detach(cd *consoleDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.devs = slices.DeleteFunc(c.devs, func(d *consoleDevice) bool { return d == cd })

	if next := c.inputDevice(); next != nil && len(c.pending) > 0 {
		next.work.Schedule(next.rx)
	}
}

// inputDevice returns the device that receives input, or nil. c.mu must be held.
func (c *Console) inputDevice() *consoleDevice {
	if len(c.devs) == 0 {
		return nil
	}

	return c.devs[0]
}

// readInput copies from In until it fails.
func (c *Console) readInput() {
	buf := make([]byte, 4096)
	for {
		n, err := c.In.Read(buf)

		c.mu.Lock()
		c.pending = append(c.pending, buf[:n]...)
		cd := c.inputDevice()
		c.mu.Unlock()

		if n > 0 && cd != nil {
			cd.work.Schedule(cd.rx)
		}

		if err != nil {
			if err != io.EOF {
				slog.Error("virtio console input failed", "err", err)
			}

			return
		}
	}
}

func (cd *consoleDevice) HostFeatures(sel uint32) uint32 {
	if sel != 0 {
		return 0
	}

	return consoleFSize | FEventIdx
}

func (cd *consoleDevice) NotifyQueue(qn int) error {
	switch qn {
	case consoleRxQ:
		cd.scheduleRx()

	case consoleTxQ:
		cd.handleTx()

	default:
		return fmt.Errorf("%w: queue %d", ErrInvalid, qn)
	}

	return nil
}

func (cd *consoleDevice) StatusChanged(status uint32) {
	if status&StatusDriverOK != 0 {
		cd.scheduleRx()
	}
}

func (cd *consoleDevice) ReadConfig(p []byte, off int) error {
	raw := new(bytes.Buffer)
	if err := binary.Write(raw, le, &cd.config); err != nil {
		return err
	}

	if off < 0 || off >= raw.Len() {
		return nil
	}

	copy(p, raw.Bytes()[off:])
	return nil
}

func (cd *consoleDevice) WriteConfig(p []byte, off int) error {
	// emerg_wr: the driver writes a character without setting up queues
	if off == 8 && len(p) > 0 && cd.out != nil {
		_, err := cd.out.Write(p[:1])
		return err
	}

	return nil
}

func (cd *consoleDevice) Reset() error {
	if cd.rx != nil {
		cd.work.Cancel(cd.rx)
	}

	cd.reset()
	return nil
}

func (cd *consoleDevice) Disconnect() {
	cd.Reset()

	if cd.rx != nil {
		cd.emu.detach(cd)
	}
}

// scheduleRx schedules the receive handler if cd is the input device and input
// is pending.
func (cd *consoleDevice) scheduleRx() {
	if cd.rx == nil {
		return
	}

	c := cd.emu
	c.mu.Lock()
	ok := c.inputDevice() == cd && len(c.pending) > 0
	c.mu.Unlock()

	if ok {
		cd.work.Schedule(cd.rx)
	}
}

// handleRx fills up to budget receive buffers with pending input.
func (cd *consoleDevice) handleRx(budget int) {
	vq := &cd.vqs[consoleRxQ]

	c := cd.emu
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inputDevice() != cd {
		return
	}

	var used bool
	for ; budget > 0 && len(c.pending) > 0 && vq.Available(); budget-- {
		ch, err := vq.GetIOVec(nil)
		if err != nil {
			slog.Error("virtio console rx: bad descriptor chain", "dev", cd.dev.Name, "err", err)
			continue
		}

		n := virtq.WriteIOVec(cd.guest, writable(ch.IOV), c.pending)
		c.pending = c.pending[n:]

		if err := vq.SetUsedElem(ch.Head, uint32(n)); err != nil {
			slog.Error("virtio console rx: set used failed", "dev", cd.dev.Name, "err", err)
		}

		used = true
	}

	if used {
		cd.signal(consoleRxQ)
	}

	if len(c.pending) > 0 && vq.Available() {
		cd.work.Schedule(cd.rx)
	}
}

func (cd *consoleDevice) handleTx() {
	vq := &cd.vqs[consoleTxQ]

	for vq.Available() {
		c, err := vq.GetIOVec(nil)
		if err != nil {
			slog.Error("virtio console tx: bad descriptor chain", "dev", cd.dev.Name, "err", err)
			continue
		}

		ro := readable(c.IOV)
		buf := make([]byte, virtq.TotalLen(ro))
		n := virtq.ReadIOVec(cd.guest, ro, buf)

		if cd.out != nil {
			if _, err := cd.out.Write(buf[:n]); err != nil {
				slog.Error("virtio console output failed", "dev", cd.dev.Name, "err", err)
			}
		}

		if err := vq.SetUsedElem(c.Head, 0); err != nil {
			slog.Error("virtio console tx: set used failed", "dev", cd.dev.Name, "err", err)
		}
	}

	cd.signal(consoleTxQ)
}

func (cd *consoleDevice) signal(qn int) {
	if !cd.vqs[qn].ShouldSignal() {
		return
	}

	if err := cd.dev.Notify(qn); err != nil {
		slog.Error("virtio console notify failed", "dev", cd.dev.Name, "queue", qn, "err", err)
	}
}

// writable returns the device-writable segments of iov.
func writable(iov []virtq.IOVec) []virtq.IOVec {
	var w []virtq.IOVec
	for _, v := range iov {
		if v.Write {
			w = append(w, v)
		}
	}

	return w
}

// readable returns the device-readable segments of iov.
func readable(iov []virtq.IOVec) []virtq.IOVec {
	var r []virtq.IOVec
	for _, v := range iov {
		if !v.Write {
			r = append(r, v)
		}
	}

	return r
}
