package virtq_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/c35s/vio/virtio/virtq"
)

var le = binary.LittleEndian

// testMem is a flat chunk of guest RAM starting at base.
type testMem struct {
	base  uint64
	buf   []byte
	flags virtq.RegionFlags
	short uint64 // bytes Map hides from the end of the region
}

func newTestMem(base uint64, size int) *testMem {
	return &testMem{
		base:  base,
		buf:   make([]byte, size),
		flags: virtq.RegionRAM,
	}
}

func (m *testMem) contains(gpa uint64) bool {
	return gpa >= m.base && gpa < m.base+uint64(len(m.buf))
}

func (m *testMem) Read(p []byte, gpa uint64) int {
	if !m.contains(gpa) {
		return 0
	}

	return copy(p, m.buf[gpa-m.base:])
}

func (m *testMem) Write(p []byte, gpa uint64) int {
	if !m.contains(gpa) {
		return 0
	}

	return copy(m.buf[gpa-m.base:], p)
}

func (m *testMem) Map(gpa, size uint64) (virtq.Region, error) {
	if !m.contains(gpa) {
		return virtq.Region{}, errors.New("unmapped")
	}

	return virtq.Region{
		HostAddr: 0x7f0000000000 + gpa - m.base,
		Size:     m.base + uint64(len(m.buf)) - gpa - m.short,
		Flags:    m.flags,
	}, nil
}

func (m *testMem) put16(gpa uint64, v uint16) { le.PutUint16(m.buf[gpa-m.base:], v) }
func (m *testMem) get16(gpa uint64) uint16    { return le.Uint16(m.buf[gpa-m.base:]) }
func (m *testMem) get32(gpa uint64) uint32    { return le.Uint32(m.buf[gpa-m.base:]) }

// driver plays the guest side of a queue.
type driver struct {
	mem      *testMem
	l        virtq.Layout
	num      uint32
	availIdx uint16
}

// newQueue sets up a queue with num descriptors at guest page 1.
func newQueue(t *testing.T, num uint32) (*virtq.Queue, *driver) {
	t.Helper()

	mem := newTestMem(0, 4096+int(virtq.RingSize(num, 4096)))
	q := new(virtq.Queue)
	if err := q.Setup(mem, 1, 4096, num, 4096); err != nil {
		t.Fatal(err)
	}

	return q, &driver{mem: mem, l: q.Layout(), num: num}
}

func (d *driver) setDesc(i uint16, desc virtq.Desc) {
	b := d.mem.buf[d.l.Desc+16*uint64(i)-d.mem.base:]
	le.PutUint64(b[0:], desc.Addr)
	le.PutUint32(b[8:], desc.Len)
	le.PutUint16(b[12:], desc.Flags)
	le.PutUint16(b[14:], desc.Next)
}

// offer publishes heads in the available ring.
func (d *driver) offer(heads ...uint16) {
	for _, h := range heads {
		slot := uint32(d.availIdx) % d.num
		d.mem.put16(d.l.Avail+4+2*uint64(slot), h)
		d.availIdx++
	}

	d.mem.put16(d.l.Avail+2, d.availIdx)
}

func (d *driver) setAvailFlags(v uint16) { d.mem.put16(d.l.Avail, v) }
func (d *driver) setUsedEvent(v uint16)  { d.mem.put16(d.l.UsedEvent, v) }
func (d *driver) usedIdx() uint16        { return d.mem.get16(d.l.Used + 2) }
func (d *driver) availEvent() uint16     { return d.mem.get16(d.l.AvailEvent) }

func (d *driver) usedElem(slot uint32) (id, n uint32) {
	a := d.l.Used + 4 + 8*uint64(slot)
	return d.mem.get32(a), d.mem.get32(a + 4)
}
