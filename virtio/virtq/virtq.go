// Package virtq implements the device side of split virtqueues as described by the
// Virtual I/O Device (VIRTIO) spec. The rings live in guest memory and are only ever
// accessed through a Memory, never through pointers into it.
package virtq

import (
	"errors"
	"fmt"
	"log/slog"
)

// Memory is the guest physical address space a queue lives in.
type Memory interface {

	// Read copies guest memory at gpa into p and returns the number of bytes copied.
	Read(p []byte, gpa uint64) int

	// Write copies p into guest memory at gpa and returns the number of bytes copied.
	Write(p []byte, gpa uint64) int

	// Map resolves the guest physical range [gpa, gpa+size) to its backing region.
	// The returned region's Size is the number of bytes available from gpa to the
	// end of the backing region, which may be less than size.
	Map(gpa, size uint64) (Region, error)
}

// Region describes the backing of a guest physical address.
type Region struct {
	HostAddr uint64
	Size     uint64
	Flags    RegionFlags
}

// RegionFlags describe the kind of memory backing a region.
type RegionFlags uint32

const (
	RegionRAM      RegionFlags = 1 << 0 // ordinary guest RAM
	RegionMMIO     RegionFlags = 1 << 1 // emulated device registers
	RegionReadOnly RegionFlags = 1 << 2 // ROM or otherwise write-protected
)

var (
	ErrInvalid      = errors.New("virtq: invalid argument")
	ErrNotSupported = errors.New("virtq: not supported")
	ErrIO           = errors.New("virtq: guest memory access failed")
)

// Queue is the device side of a split virtqueue. The zero Queue is cleaned up.
// A Queue has no lock: callers serialize access per device.
type Queue struct {
	mem Memory

	descCount uint32
	align     uint32
	pfn       uint32
	pageSize  uint32

	guestAddr uint64
	hostAddr  uint64
	totalSize uint64
	layout    Layout

	lastAvailIdx      uint16
	lastUsedSignalled uint16

	noEventIdx bool
}

// Chain is a descriptor chain resolved into guest buffer segments.
type Chain struct {
	Head uint16  // index of the chain's first descriptor
	IOV  []IOVec // one segment per descriptor
	Len  uint32  // sum of the segment lengths
}

// Setup places the queue at guest page pfn. It fails with ErrInvalid unless the ring
// starts on an align boundary and fits in guest RAM. The queue is cleaned up before anything else happens, so a
// failed Setup leaves it cleaned up.
func (q *Queue) Setup(mem Memory, pfn, pageSize, descCount, align uint32) error {
	q.Cleanup()

	if mem == nil {
		return fmt.Errorf("%w: no guest memory", ErrInvalid)
	}

	if !isPow2(descCount) || descCount > MaxSize {
		return fmt.Errorf("%w: descriptor count %d", ErrInvalid, descCount)
	}

	if !isPow2(align) {
		return fmt.Errorf("%w: alignment %d", ErrInvalid, align)
	}

	if pageSize == 0 {
		return fmt.Errorf("%w: page size 0", ErrInvalid)
	}

	var (
		gpa  = uint64(pfn) * uint64(pageSize)
		size = RingSize(descCount, align)
	)

	if gpa%uint64(align) != 0 {
		return fmt.Errorf("%w: ring at %#x is not %d-byte aligned", ErrInvalid, gpa, align)
	}

	r, err := mem.Map(gpa, size)
	if err != nil {
		return fmt.Errorf("%w: map ring at %#x: %w", ErrInvalid, gpa, err)
	}

	if r.Flags&RegionRAM == 0 {
		return fmt.Errorf("%w: ring at %#x is not in RAM", ErrInvalid, gpa)
	}

	if r.Size < size {
		return fmt.Errorf("%w: ring at %#x needs %d bytes, region has %d", ErrInvalid, gpa, size, r.Size)
	}

	*q = Queue{
		mem:       mem,
		descCount: descCount,
		align:     align,
		pfn:       pfn,
		pageSize:  pageSize,
		guestAddr: gpa,
		hostAddr:  r.HostAddr,
		totalSize: size,
		layout:    NewLayout(gpa, descCount, align),
	}

	return nil
}

// Cleanup detaches the queue from guest memory and zeroes it.
func (q *Queue) Cleanup() {
	*q = Queue{}
}

// IsSetup reports whether the queue is placed in guest memory.
func (q *Queue) IsSetup() bool {
	return q.mem != nil
}

func (q *Queue) DescCount() uint32    { return q.descCount }
func (q *Queue) Align() uint32        { return q.align }
func (q *Queue) PFN() uint32          { return q.pfn }
func (q *Queue) PageSize() uint32     { return q.pageSize }
func (q *Queue) GuestAddr() uint64    { return q.guestAddr }
func (q *Queue) HostAddr() uint64     { return q.hostAddr }
func (q *Queue) TotalSize() uint64    { return q.totalSize }
func (q *Queue) LastAvailIdx() uint16 { return q.lastAvailIdx }
func (q *Queue) Layout() Layout       { return q.layout }

// SetEventIdx selects the notification suppression scheme negotiated with the
// driver. It is on after Setup. When off, the driver's available ring flags
// decide whether to signal.
func (q *Queue) SetEventIdx(on bool) {
	q.noEventIdx = !on
}

// Pop consumes the next slot of the available ring and returns the descriptor index
// the driver stored there. It returns 0 if the slot can't be read, so callers check
// Available first.
func (q *Queue) Pop() uint16 {
	if !q.IsSetup() {
		return 0
	}

	slot := uint32(q.lastAvailIdx) % q.descCount
	q.lastAvailIdx++

	head, err := q.read16(q.layout.availSlot(slot))
	if err != nil {
		slog.Error("virtq pop failed", "slot", slot, "err", err)
		return 0
	}

	return head
}

// Available reports whether the driver has made buffers available that the device
// hasn't popped yet.
func (q *Queue) Available() bool {
	if !q.IsSetup() {
		return false
	}

	idx, err := q.read16(q.layout.Avail + 2)
	if err != nil {
		slog.Error("virtq avail idx read failed", "err", err)
		return false
	}

	return idx != q.lastAvailIdx
}

// GetIOVec pops the next available chain and resolves it with GetHeadIOVec.
func (q *Queue) GetIOVec(buf []IOVec) (Chain, error) {
	return q.GetHeadIOVec(q.Pop(), buf)
}

// GetHeadIOVec walks the descriptor chain starting at head, appending a segment per
// descriptor to buf[:0]. A chain whose next index is outside the table or can't be
// read is truncated there. A chain that visits a descriptor twice or whose lengths
// add up to more than a uint32 fails with ErrIO.
// Indirect descriptors fail with ErrNotSupported.
//
// On success the device's avail_event is set to the current avail cursor.
func (q *Queue) GetHeadIOVec(head uint16, buf []IOVec) (Chain, error) {
	if !q.IsSetup() {
		return Chain{}, fmt.Errorf("%w: queue is not set up", ErrInvalid)
	}

	d, err := q.readDesc(head)
	if err != nil {
		return Chain{}, err
	}

	var (
		c    = Chain{Head: head, IOV: buf[:0]}
		seen = make([]uint64, (q.descCount+63)/64)
		idx  = head
	)

	for hops := uint32(1); ; hops++ {
		if hops > q.descCount {
			return Chain{}, fmt.Errorf("%w: descriptor chain from %d is longer than the ring", ErrIO, head)
		}

		if d.Flags&DescFIndirect != 0 {
			return Chain{}, fmt.Errorf("%w: indirect descriptor %d", ErrNotSupported, idx)
		}

		seen[idx/64] |= 1 << (idx % 64)

		if c.Len+d.Len < c.Len {
			return Chain{}, fmt.Errorf("%w: descriptor chain from %d is longer than 4GiB", ErrIO, head)
		}

		c.IOV = append(c.IOV, IOVec{Addr: d.Addr, Len: d.Len, Write: d.Flags&DescFWrite != 0})
		c.Len += d.Len

		if d.Flags&DescFNext == 0 {
			break
		}

		next := d.Next
		if uint32(next) >= q.descCount {
			slog.Warn("virtq chain truncated", "head", head, "next", next, "size", q.descCount)
			break
		}

		if seen[next/64]&(1<<(next%64)) != 0 {
			return Chain{}, fmt.Errorf("%w: descriptor chain from %d loops at %d", ErrIO, head, next)
		}

		nd, err := q.readDesc(next)
		if err != nil {
			slog.Warn("virtq chain truncated", "head", head, "next", next, "err", err)
			break
		}

		d, idx = nd, next
	}

	if err := q.SetAvailEvent(); err != nil {
		slog.Error("virtq set avail event failed", "err", err)
	}

	return c, nil
}

// SetUsedElem returns the chain at head to the driver with n bytes written.
func (q *Queue) SetUsedElem(head uint16, n uint32) error {
	if !q.IsSetup() {
		return fmt.Errorf("%w: queue is not set up", ErrInvalid)
	}

	idx, err := q.read16(q.layout.Used + 2)
	if err != nil {
		return err
	}

	var e [usedElemSize]byte
	le.PutUint32(e[0:], uint32(head))
	le.PutUint32(e[4:], n)

	if err := q.write(q.layout.usedSlot(uint32(idx)%q.descCount), e[:]); err != nil {
		return err
	}

	return q.write16(q.layout.Used+2, idx+1)
}

// ShouldSignal reports whether the driver wants to be notified of the buffers used
// since the last time ShouldSignal returned true.
func (q *Queue) ShouldSignal() bool {
	if !q.IsSetup() {
		return false
	}

	old := q.lastUsedSignalled

	new, err := q.read16(q.layout.Used + 2)
	if err != nil {
		slog.Error("virtq used idx read failed", "err", err)
		return false
	}

	var signal bool

	if q.noEventIdx {
		flags, err := q.read16(q.layout.Avail)
		if err != nil {
			slog.Error("virtq avail flags read failed", "err", err)
			return false
		}

		signal = new != old && flags&AvailFNoInterrupt == 0
	} else {
		event, err := q.read16(q.layout.UsedEvent)
		if err != nil {
			slog.Error("virtq used event read failed", "err", err)
			return false
		}

		signal = needEvent(event, new, old)
	}

	if signal {
		q.lastUsedSignalled = new
	}

	return signal
}

// SetAvailEvent publishes the avail cursor so the driver can skip notifications for
// buffers the device will find anyway.
func (q *Queue) SetAvailEvent() error {
	if !q.IsSetup() {
		return fmt.Errorf("%w: queue is not set up", ErrInvalid)
	}

	return q.write16(q.layout.AvailEvent, q.lastAvailIdx)
}

func (q *Queue) readDesc(i uint16) (Desc, error) {
	if uint32(i) >= q.descCount {
		return Desc{}, fmt.Errorf("%w: descriptor index %d >= %d", ErrInvalid, i, q.descCount)
	}

	var b [descSize]byte
	if err := q.read(q.layout.desc(i), b[:]); err != nil {
		return Desc{}, err
	}

	return Desc{
		Addr:  le.Uint64(b[0:]),
		Len:   le.Uint32(b[8:]),
		Flags: le.Uint16(b[12:]),
		Next:  le.Uint16(b[14:]),
	}, nil
}

func (q *Queue) read16(gpa uint64) (uint16, error) {
	var b [2]byte
	if err := q.read(gpa, b[:]); err != nil {
		return 0, err
	}

	return le.Uint16(b[:]), nil
}

func (q *Queue) write16(gpa uint64, v uint16) error {
	var b [2]byte
	le.PutUint16(b[:], v)
	return q.write(gpa, b[:])
}

func (q *Queue) read(gpa uint64, p []byte) error {
	if err := q.checkRing(gpa, len(p)); err != nil {
		return err
	}

	if n := q.mem.Read(p, gpa); n != len(p) {
		return fmt.Errorf("%w: read %d of %d bytes at %#x", ErrIO, n, len(p), gpa)
	}

	return nil
}

func (q *Queue) write(gpa uint64, p []byte) error {
	if err := q.checkRing(gpa, len(p)); err != nil {
		return err
	}

	if n := q.mem.Write(p, gpa); n != len(p) {
		return fmt.Errorf("%w: wrote %d of %d bytes at %#x", ErrIO, n, len(p), gpa)
	}

	return nil
}

// checkRing rejects accesses outside the mapped ring.
func (q *Queue) checkRing(gpa uint64, n int) error {
	if gpa < q.guestAddr || gpa+uint64(n) > q.guestAddr+q.totalSize {
		return fmt.Errorf("%w: ring access [%#x, %#x) outside [%#x, %#x)",
			ErrIO, gpa, gpa+uint64(n), q.guestAddr, q.guestAddr+q.totalSize)
	}

	return nil
}
