package virtq

import "encoding/binary"

// Desc is a descriptor in a split virtqueue's descriptor table.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const (
	DescFNext     = 1 // buffer continues in the Next descriptor
	DescFWrite    = 2 // buffer is device wo (otherwise ro)
	DescFIndirect = 4 // buffer contains a descriptor table
)

const (
	AvailFNoInterrupt = 1 // driver doesn't want used buffer notifications
	UsedFNoNotify     = 1 // device doesn't want available buffer notifications
)

// MaxSize is the largest descriptor count a split virtqueue can have.
const MaxSize = 1 << 15

const (
	descSize     = 16
	usedElemSize = 8
)

var le = binary.LittleEndian

// Layout locates the parts of a split virtqueue in guest physical memory.
type Layout struct {
	Desc       uint64 // descriptor table
	Avail      uint64 // available ring (driver area)
	UsedEvent  uint64 // used_event, after the last available ring slot
	Used       uint64 // used ring (device area), aligned
	AvailEvent uint64 // avail_event, after the last used ring slot
}

// NewLayout computes the standard layout of a ring with num descriptors
// starting at base. The used ring starts at the first multiple of align
// after the available ring.
func NewLayout(base uint64, num, align uint32) Layout {
	l := Layout{
		Desc:  base,
		Avail: base + descSize*uint64(num),
	}

	l.UsedEvent = l.Avail + 4 + 2*uint64(num)
	l.Used = alignUp(l.UsedEvent+2, uint64(align))
	l.AvailEvent = l.Used + 4 + usedElemSize*uint64(num)

	return l
}

// availSlot returns the address of slot i of the available ring.
func (l Layout) availSlot(i uint32) uint64 {
	return l.Avail + 4 + 2*uint64(i)
}

// usedSlot returns the address of slot i of the used ring.
func (l Layout) usedSlot(i uint32) uint64 {
	return l.Used + 4 + usedElemSize*uint64(i)
}

func (l Layout) desc(i uint16) uint64 {
	return l.Desc + descSize*uint64(i)
}

// RingSize returns the number of bytes occupied by a ring with num
// descriptors and the given used ring alignment.
func RingSize(num, align uint32) uint64 {
	n, a := uint64(num), uint64(align)
	return alignUp(descSize*n+2*(3+n), a) + 2*3 + usedElemSize*n
}

// needEvent reports whether moving the used index from old to new crossed
// the event index published by the other side.
func needEvent(event, new, old uint16) bool {
	return new-event-1 < new-old
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}

	return (v + align - 1) &^ (align - 1)
}

func isPow2(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}
