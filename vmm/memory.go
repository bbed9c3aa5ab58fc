//go:build linux

package vmm

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/c35s/vio/virtio/virtq"
	"github.com/google/btree"
	"golang.org/x/sys/unix"
)

// Memory is a guest physical address space made of RAM regions and MMIO holes.
// It implements virtq.Memory. Regions are added before the machine runs and never
// removed, so reads and writes take no lock.
type Memory struct {
	regions *btree.BTreeG[*region] // by gpa
}

type region struct {
	gpa   uint64
	size  uint64
	buf   []byte // nil for MMIO
	flags virtq.RegionFlags
	mmap  bool
}

var (
	ErrOverlap  = errors.New("vmm: memory regions overlap")
	ErrUnmapped = errors.New("vmm: address is not mapped")
)

func NewMemory() *Memory {
	return &Memory{regions: btree.NewG[*region](8, regionLess)}
}

func regionLess(a, b *region) bool { return a.gpa < b.gpa }

// AddRAM maps size bytes of anonymous memory at gpa. Size must be a multiple of the
// host page size.
func (m *Memory) AddRAM(gpa uint64, size int) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, err
	}

	r := &region{gpa: gpa, size: uint64(size), buf: buf, flags: virtq.RegionRAM, mmap: true}
	if err := m.add(r); err != nil {
		unix.Munmap(buf)
		return nil, err
	}

	return buf, nil
}

// AddBytes makes buf guest RAM at gpa. The caller keeps ownership of buf.
func (m *Memory) AddBytes(gpa uint64, buf []byte, flags virtq.RegionFlags) error {
	return m.add(&region{gpa: gpa, size: uint64(len(buf)), buf: buf, flags: flags})
}

// AddMMIO reserves [gpa, gpa+size) for emulated registers. Guest memory accesses
// there transfer nothing.
func (m *Memory) AddMMIO(gpa, size uint64) error {
	return m.add(&region{gpa: gpa, size: size, flags: virtq.RegionMMIO})
}

func (m *Memory) add(r *region) error {
	if r.size == 0 || r.gpa+r.size < r.gpa {
		return fmt.Errorf("vmm: bad region %#x+%#x", r.gpa, r.size)
	}

	var o *region
	m.regions.AscendGreaterOrEqual(&region{gpa: r.gpa}, func(next *region) bool {
		o = next
		return false
	})

	if o == nil || o.gpa >= r.gpa+r.size {
		o = m.find(r.gpa)
	}

	if o != nil {
		return fmt.Errorf("%w: %#x+%#x and %#x+%#x", ErrOverlap, r.gpa, r.size, o.gpa, o.size)
	}

	m.regions.ReplaceOrInsert(r)
	return nil
}

// find returns the region containing gpa, or nil.
func (m *Memory) find(gpa uint64) *region {
	var r *region
	m.regions.DescendLessOrEqual(&region{gpa: gpa}, func(prev *region) bool {
		r = prev
		return false
	})

	if r == nil || gpa >= r.gpa+r.size {
		return nil
	}

	return r
}

// Read copies guest memory at gpa into p. It stops at the end of the RAM region
// containing gpa.
func (m *Memory) Read(p []byte, gpa uint64) int {
	r := m.find(gpa)
	if r == nil || r.buf == nil {
		return 0
	}

	return copy(p, r.buf[gpa-r.gpa:])
}

// Write copies p into guest memory at gpa. It stops at the end of the RAM region
// containing gpa and never writes read-only regions.
func (m *Memory) Write(p []byte, gpa uint64) int {
	r := m.find(gpa)
	if r == nil || r.buf == nil || r.flags&virtq.RegionReadOnly != 0 {
		return 0
	}

	return copy(r.buf[gpa-r.gpa:], p)
}

// Map implements virtq.Memory.
func (m *Memory) Map(gpa, size uint64) (virtq.Region, error) {
	r := m.find(gpa)
	if r == nil {
		return virtq.Region{}, fmt.Errorf("%w: %#x", ErrUnmapped, gpa)
	}

	reg := virtq.Region{
		Size:  r.gpa + r.size - gpa,
		Flags: r.flags,
	}

	if r.buf != nil {
		reg.HostAddr = uint64(uintptr(unsafe.Pointer(&r.buf[gpa-r.gpa])))
	}

	return reg, nil
}

// Size returns the total size of the RAM regions.
func (m *Memory) Size() uint64 {
	var n uint64
	m.regions.Ascend(func(r *region) bool {
		if r.buf != nil {
			n += r.size
		}

		return true
	})

	return n
}

// Close unmaps the RAM added with AddRAM.
func (m *Memory) Close() error {
	var errs []error
	m.regions.Ascend(func(r *region) bool {
		if r.mmap {
			errs = append(errs, unix.Munmap(r.buf))
		}

		r.buf = nil
		return true
	})

	m.regions.Clear(false)
	return errors.Join(errs...)
}
