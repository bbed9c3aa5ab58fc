//go:build linux

package vmm_test

import (
	"encoding/binary"
	"testing"

	"github.com/c35s/vio/vmm"
	"golang.org/x/sys/unix"
)

func TestIRQChip(t *testing.T) {
	c := vmm.NewIRQChip()
	defer c.Close()

	if c.Level(5) {
		t.Fatal("line 5 starts raised")
	}

	if err := c.Assert(5); err != nil {
		t.Fatal(err)
	}

	if !c.Level(5) || c.Level(6) {
		t.Errorf("levels: 5=%v 6=%v", c.Level(5), c.Level(6))
	}

	if err := c.Deassert(5); err != nil {
		t.Fatal(err)
	}

	if c.Level(5) {
		t.Error("line 5 is still raised")
	}
}

func TestIRQEventFD(t *testing.T) {
	c := vmm.NewIRQChip()
	defer c.Close()

	fd, err := c.EventFD(9)
	if err != nil {
		t.Fatal(err)
	}

	if again, _ := c.EventFD(9); again != fd {
		t.Errorf("second eventfd=%d, want %d", again, fd)
	}

	for i := 0; i < 2; i++ {
		if err := c.Assert(9); err != nil {
			t.Fatal(err)
		}
	}

	var b [8]byte
	if _, err := unix.Read(fd, b[:]); err != nil {
		t.Fatal(err)
	}

	if n := binary.LittleEndian.Uint64(b[:]); n != 2 {
		t.Errorf("eventfd count=%d, want 2", n)
	}
}
