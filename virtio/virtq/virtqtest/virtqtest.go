// Package virtqtest provides a fake guest for testing virtqueue consumers.
package virtqtest

import (
	"encoding/binary"
	"fmt"

	"github.com/c35s/vio/virtio/virtq"
)

var le = binary.LittleEndian

// Mem is flat guest RAM starting at Base.
type Mem struct {
	Base uint64
	Buf  []byte
}

func NewMem(base uint64, size int) *Mem {
	return &Mem{Base: base, Buf: make([]byte, size)}
}

func (m *Mem) contains(gpa uint64) bool {
	return gpa >= m.Base && gpa < m.Base+uint64(len(m.Buf))
}

func (m *Mem) Read(p []byte, gpa uint64) int {
	if !m.contains(gpa) {
		return 0
	}

	return copy(p, m.Buf[gpa-m.Base:])
}

func (m *Mem) Write(p []byte, gpa uint64) int {
	if !m.contains(gpa) {
		return 0
	}

	return copy(m.Buf[gpa-m.Base:], p)
}

func (m *Mem) Map(gpa, size uint64) (virtq.Region, error) {
	if !m.contains(gpa) {
		return virtq.Region{}, fmt.Errorf("virtqtest: %#x is not mapped", gpa)
	}

	return virtq.Region{
		HostAddr: gpa - m.Base,
		Size:     m.Base + uint64(len(m.Buf)) - gpa,
		Flags:    virtq.RegionRAM,
	}, nil
}

// Bytes returns n bytes of guest memory at gpa.
func (m *Mem) Bytes(gpa uint64, n int) []byte {
	return m.Buf[gpa-m.Base : gpa-m.Base+uint64(n)]
}

// Guest is a Mem with a name and a VCPU count.
type Guest struct {
	*Mem
	GuestName string
	VCPUs     int
}

func (g *Guest) Name() string   { return g.GuestName }
func (g *Guest) VCPUCount() int { return g.VCPUs }

// Driver plays the guest side of one queue in any guest memory.
type Driver struct {
	Mem    virtq.Memory
	Layout virtq.Layout
	Num    uint32

	availIdx uint16
}

// NewDriver returns a driver for a queue of num descriptors at guest page pfn.
func NewDriver(mem virtq.Memory, pfn, pageSize, num, align uint32) *Driver {
	return &Driver{
		Mem:    mem,
		Layout: virtq.NewLayout(uint64(pfn)*uint64(pageSize), num, align),
		Num:    num,
	}
}

func (d *Driver) SetDesc(i uint16, desc virtq.Desc) {
	var b [16]byte
	le.PutUint64(b[0:], desc.Addr)
	le.PutUint32(b[8:], desc.Len)
	le.PutUint16(b[12:], desc.Flags)
	le.PutUint16(b[14:], desc.Next)
	d.Mem.Write(b[:], d.Layout.Desc+16*uint64(i))
}

// Chain writes bufs as a descriptor chain starting at descriptor head and returns
// head.
func (d *Driver) Chain(head uint16, bufs ...virtq.IOVec) uint16 {
	for i, v := range bufs {
		desc := virtq.Desc{Addr: v.Addr, Len: v.Len}
		if v.Write {
			desc.Flags |= virtq.DescFWrite
		}

		if i < len(bufs)-1 {
			desc.Flags |= virtq.DescFNext
			desc.Next = head + uint16(i) + 1
		}

		d.SetDesc(head+uint16(i), desc)
	}

	return head
}

// Offer publishes heads in the available ring.
func (d *Driver) Offer(heads ...uint16) {
	for _, h := range heads {
		slot := uint32(d.availIdx) % d.Num
		d.put16(d.Layout.Avail+4+2*uint64(slot), h)
		d.availIdx++
	}

	d.put16(d.Layout.Avail+2, d.availIdx)
}

func (d *Driver) SetAvailFlags(v uint16) { d.put16(d.Layout.Avail, v) }
func (d *Driver) SetUsedEvent(v uint16)  { d.put16(d.Layout.UsedEvent, v) }
func (d *Driver) UsedIdx() uint16        { return d.get16(d.Layout.Used + 2) }

// UsedElem returns the id and length of used ring slot.
func (d *Driver) UsedElem(slot uint32) (id, n uint32) {
	var b [8]byte
	d.Mem.Read(b[:], d.Layout.Used+4+8*uint64(slot%d.Num))
	return le.Uint32(b[:]), le.Uint32(b[4:])
}

func (d *Driver) put16(gpa uint64, v uint16) {
	var b [2]byte
	le.PutUint16(b[:], v)
	d.Mem.Write(b[:], gpa)
}

func (d *Driver) get16(gpa uint64) uint16 {
	var b [2]byte
	d.Mem.Read(b[:], gpa)
	return le.Uint16(b[:])
}
