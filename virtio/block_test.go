package virtio

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/c35s/vio/virtio/virtq"
	"github.com/c35s/vio/virtio/virtq/virtqtest"
)

const (
	blkHdrAddr    = bufBase
	blkStatusAddr = bufBase + 0x800
	blkDataAddr   = bufBase + pageSize
)

type blockRig struct {
	mem *virtqtest.Mem
	bd  *blockDevice
	d   *virtqtest.Driver
	ms  *MemStorage

	head uint16
}

func newBlockRig(t *testing.T, emu *Block) *blockRig {
	t.Helper()

	r := &blockRig{mem: virtqtest.NewMem(0, 2<<20)}
	if emu.Storage == nil {
		r.ms = &MemStorage{Bytes: make([]byte, 8*blkSectorSize)}
		for i := range r.ms.Bytes {
			r.ms.Bytes[i] = byte(i / blkSectorSize)
		}

		emu.Storage = r.ms
	}

	dev := &Device{
		ID:        BlockDeviceID,
		Name:      "vda",
		Guest:     &virtqtest.Guest{Mem: r.mem, GuestName: "vm", VCPUs: 1},
		Transport: new(testTransport),
	}

	h, err := emu.Connect(dev)
	if err != nil {
		t.Fatal(err)
	}

	r.bd = h.(*blockDevice)
	if err := r.bd.InitQueue(0, pageSize, pageSize, 1); err != nil {
		t.Fatal(err)
	}

	r.d = virtqtest.NewDriver(r.mem, 1, pageSize, blkQueueSize, pageSize)
	return r
}

// do sends a request with the given data segments and returns the status byte and
// the used length.
func (r *blockRig) do(t *testing.T, typ uint32, sector uint64, data ...virtq.IOVec) (byte, uint32) {
	t.Helper()

	hdr := r.mem.Bytes(blkHdrAddr, blkHdrSize)
	le.PutUint32(hdr[0:], typ)
	le.PutUint64(hdr[8:], sector)
	r.mem.Bytes(blkStatusAddr, 1)[0] = 0xff

	iov := []virtq.IOVec{{Addr: blkHdrAddr, Len: blkHdrSize}}
	iov = append(iov, data...)
	iov = append(iov, virtq.IOVec{Addr: blkStatusAddr, Len: 1, Write: true})

	r.d.Chain(r.head, iov...)
	r.d.Offer(r.head)
	r.head += uint16(len(iov))

	used := r.d.UsedIdx()
	if err := r.bd.NotifyQueue(0); err != nil {
		t.Fatal(err)
	}

	if r.d.UsedIdx() != used+1 {
		t.Fatalf("used idx %d, want %d", r.d.UsedIdx(), used+1)
	}

	_, n := r.d.UsedElem(uint32(used))
	return r.mem.Bytes(blkStatusAddr, 1)[0], n
}

func TestBlockRead(t *testing.T) {
	r := newBlockRig(t, &Block{})

	st, n := r.do(t, blkTIn, 1,
		virtq.IOVec{Addr: blkDataAddr, Len: 512, Write: true},
		virtq.IOVec{Addr: blkDataAddr + pageSize, Len: 512, Write: true})

	if st != blkSOK || n != 1025 {
		t.Fatalf("status=%d used=%d", st, n)
	}

	if !bytes.Equal(r.mem.Bytes(blkDataAddr, 512), r.ms.Bytes[512:1024]) {
		t.Error("first segment mismatch")
	}

	if !bytes.Equal(r.mem.Bytes(blkDataAddr+pageSize, 512), r.ms.Bytes[1024:1536]) {
		t.Error("second segment mismatch")
	}

	t.Run("past the end", func(t *testing.T) {
		st, _ := r.do(t, blkTIn, 8, virtq.IOVec{Addr: blkDataAddr, Len: 512, Write: true})
		if st != blkSIOErr {
			t.Errorf("status=%d", st)
		}
	})

	t.Run("sector overflow", func(t *testing.T) {
		for _, sector := range []uint64{0x00ffffffffffffff, 1 << 55, 1<<63 | 1} {
			st, n := r.do(t, blkTIn, sector, virtq.IOVec{Addr: blkDataAddr, Len: 512, Write: true})
			if st != blkSIOErr || n != 1 {
				t.Errorf("sector %#x: status=%d used=%d", sector, st, n)
			}
		}
	})

	t.Run("into a read-only buffer", func(t *testing.T) {
		st, _ := r.do(t, blkTIn, 0, virtq.IOVec{Addr: blkDataAddr, Len: 512})
		if st != blkSIOErr {
			t.Errorf("status=%d", st)
		}
	})
}

func TestBlockWrite(t *testing.T) {
	r := newBlockRig(t, &Block{})

	data := bytes.Repeat([]byte{0xab}, 512)
	copy(r.mem.Bytes(blkDataAddr, 512), data)

	st, n := r.do(t, blkTOut, 2, virtq.IOVec{Addr: blkDataAddr, Len: 512})
	if st != blkSOK || n != 1 {
		t.Fatalf("status=%d used=%d", st, n)
	}

	if !bytes.Equal(r.ms.Bytes[1024:1536], data) {
		t.Error("storage mismatch")
	}

	if r.ms.Bytes[1023] != 1 || r.ms.Bytes[1536] != 3 {
		t.Error("neighboring sectors changed")
	}

	t.Run("sector overflow", func(t *testing.T) {
		before := bytes.Clone(r.ms.Bytes)
		for _, sector := range []uint64{0x00ffffffffffffff, 1 << 55} {
			if st, _ := r.do(t, blkTOut, sector, virtq.IOVec{Addr: blkDataAddr, Len: 512}); st != blkSIOErr {
				t.Errorf("sector %#x: status=%d", sector, st)
			}
		}

		if !bytes.Equal(r.ms.Bytes, before) {
			t.Error("storage changed")
		}
	})

	t.Run("past the end", func(t *testing.T) {
		if st, _ := r.do(t, blkTOut, 7, virtq.IOVec{Addr: blkDataAddr, Len: 1024}); st != blkSIOErr {
			t.Errorf("status=%d", st)
		}
	})
}

func TestMemStorage(t *testing.T) {
	ms := &MemStorage{Bytes: make([]byte, 1024)}
	p := make([]byte, 16)

	if _, err := ms.ReadAt(p, -512); !errors.Is(err, errNegativeOffset) {
		t.Errorf("read at -512: %v", err)
	}

	if _, err := ms.WriteAt(p, -512); !errors.Is(err, errNegativeOffset) {
		t.Errorf("write at -512: %v", err)
	}

	if _, err := ms.WriteAt(p, 1020); err == nil {
		t.Error("write past the end succeeded")
	}

	if n, err := ms.WriteAt(p, 1008); n != len(p) || err != nil {
		t.Errorf("n=%d err=%v", n, err)
	}
}

func TestBlockReadOnly(t *testing.T) {
	r := newBlockRig(t, &Block{ReadOnly: true})

	if r.bd.HostFeatures(0)&blkFRO == 0 {
		t.Error("read-only feature is not offered")
	}

	st, n := r.do(t, blkTOut, 0, virtq.IOVec{Addr: blkDataAddr, Len: 512})
	if st != blkSUnsupp || n != 1 {
		t.Errorf("status=%d used=%d", st, n)
	}

	if r.ms.Bytes[0] != 0 {
		t.Error("storage changed")
	}
}

func TestBlockOtherRequests(t *testing.T) {
	r := newBlockRig(t, &Block{})

	t.Run("get id", func(t *testing.T) {
		st, n := r.do(t, blkTGetID, 0, virtq.IOVec{Addr: blkDataAddr, Len: blkIDSize, Write: true})
		if st != blkSOK || n != blkIDSize+1 {
			t.Fatalf("status=%d used=%d", st, n)
		}

		want := append([]byte("vda"), make([]byte, blkIDSize-3)...)
		if got := r.mem.Bytes(blkDataAddr, blkIDSize); !bytes.Equal(got, want) {
			t.Errorf("id %q", got)
		}
	})

	t.Run("flush without sync", func(t *testing.T) {
		if st, _ := r.do(t, blkTFlush, 0); st != blkSUnsupp {
			t.Errorf("status=%d", st)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if st, _ := r.do(t, 99, 0); st != blkSUnsupp {
			t.Errorf("status=%d", st)
		}
	})

	t.Run("no status", func(t *testing.T) {
		r.d.Chain(100, virtq.IOVec{Addr: blkHdrAddr, Len: blkHdrSize})
		r.d.Offer(100)

		used := r.d.UsedIdx()
		if err := r.bd.NotifyQueue(0); err != nil {
			t.Fatal(err)
		}

		if _, n := r.d.UsedElem(uint32(used)); r.d.UsedIdx() != used+1 || n != 0 {
			t.Errorf("used idx=%d len=%d", r.d.UsedIdx(), n)
		}
	})
}

func TestBlockConfig(t *testing.T) {
	r := newBlockRig(t, &Block{})

	buf := make([]byte, 8)
	if err := r.bd.ReadConfig(buf, 0); err != nil {
		t.Fatal(err)
	}

	if c := le.Uint64(buf); c != 8 {
		t.Errorf("capacity %d", c)
	}

	if r.bd.HostFeatures(0)&blkFRO != 0 {
		t.Error("writable storage offered as read-only")
	}
}

func TestBlockConnect(t *testing.T) {
	guest := &virtqtest.Guest{Mem: virtqtest.NewMem(0, pageSize), GuestName: "vm"}
	dev := &Device{ID: BlockDeviceID, Name: "vda", Guest: guest}

	t.Run("other device", func(t *testing.T) {
		b := &Block{Device: "vdb", Storage: &MemStorage{Bytes: make([]byte, 512)}}
		if _, err := b.Connect(dev); !errors.Is(err, ErrNotSupported) {
			t.Errorf("err=%v", err)
		}

		if b.Name() != "virtio_blk/vdb" {
			t.Errorf("name %q", b.Name())
		}
	})

	t.Run("odd size", func(t *testing.T) {
		b := &Block{Storage: &MemStorage{Bytes: make([]byte, 513)}}
		if _, err := b.Connect(dev); !errors.Is(err, ErrInvalid) {
			t.Errorf("err=%v", err)
		}
	})

	t.Run("no storage", func(t *testing.T) {
		if _, err := (&Block{}).Connect(dev); !errors.Is(err, ErrInvalid) {
			t.Errorf("err=%v", err)
		}
	})
}

func TestHTTPStorage(t *testing.T) {
	content := strings.Repeat("0123456789abcdef", 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "disk.img", time.Time{}, strings.NewReader(content))
	}))

	defer srv.Close()

	hs := &HTTPStorage{URL: srv.URL, Client: srv.Client()}

	size, err := hs.Size()
	if err != nil {
		t.Fatal(err)
	}

	if size != int64(len(content)) {
		t.Errorf("size %d", size)
	}

	p := make([]byte, 20)
	n, err := hs.ReadAt(p, 10)
	if err != nil || n != len(p) {
		t.Fatalf("n=%d err=%v", n, err)
	}

	if string(p) != content[10:30] {
		t.Errorf("got %q", p)
	}
}
