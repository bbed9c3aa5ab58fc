//go:build linux

package vmm

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// IRQChip tracks the level of the guest's interrupt lines. A line can be given an
// eventfd, which is signalled each time the line is asserted, so an external VCPU
// runner can inject the interrupt.
type IRQChip struct {
	mu    sync.Mutex
	lines map[int]*irqLine
}

type irqLine struct {
	level bool
	efd   int
}

func NewIRQChip() *IRQChip {
	return &IRQChip{lines: make(map[int]*irqLine)}
}

func (c *IRQChip) line(n int) *irqLine {
	l, ok := c.lines[n]
	if !ok {
		l = &irqLine{efd: -1}
		c.lines[n] = l
	}

	return l
}

// Assert raises line n.
func (c *IRQChip) Assert(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.line(n)
	l.level = true

	if l.efd >= 0 {
		if _, err := unix.Write(l.efd, []byte{1, 0, 0, 0, 0, 0, 0, 0}); err != nil {
			return err
		}
	}

	return nil
}

// Deassert lowers line n.
func (c *IRQChip) Deassert(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.line(n).level = false
	return nil
}

// Level reports whether line n is raised.
func (c *IRQChip) Level(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.line(n).level
}

// EventFD returns the eventfd for line n, creating it if necessary.
func (c *IRQChip) EventFD(n int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.line(n)
	if l.efd >= 0 {
		return l.efd, nil
	}

	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, err
	}

	l.efd = fd
	return fd, nil
}

// Close closes the lines' eventfds.
func (c *IRQChip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, l := range c.lines {
		if l.efd >= 0 {
			errs = append(errs, unix.Close(l.efd))
			l.efd = -1
		}
	}

	return errors.Join(errs...)
}
