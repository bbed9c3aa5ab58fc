package virtio

import (
	"fmt"

	"github.com/c35s/vio/virtio/virtq"
)

// queueSet is the queue bookkeeping shared by emulators whose queues all have the
// same size and no per-queue state.
type queueSet struct {
	guest    Guest
	size     uint32
	features uint64
	vqs      []virtq.Queue
}

func newQueueSet(g Guest, n int, size uint32) *queueSet {
	return &queueSet{
		guest: g,
		size:  size,
		vqs:   make([]virtq.Queue, n),
	}
}

func (s *queueSet) SetGuestFeatures(sel, bits uint32) {
	if sel > 1 {
		return
	}

	s.features &^= uint64(0xffffffff) << (32 * sel)
	s.features |= uint64(bits) << (32 * sel)
}

func (s *queueSet) InitQueue(qn int, pageSize, align, pfn uint32) error {
	vq, err := s.queue(qn)
	if err != nil {
		return err
	}

	if pfn == 0 {
		vq.Cleanup()
		return nil
	}

	if err := vq.Setup(s.guest, pfn, pageSize, s.size, align); err != nil {
		return err
	}

	vq.SetEventIdx(s.features&FEventIdx != 0)
	return nil
}

func (s *queueSet) QueuePFN(qn int) uint32 {
	vq, err := s.queue(qn)
	if err != nil {
		return 0
	}

	return vq.PFN()
}

func (s *queueSet) QueueSize(qn int) uint32 {
	if _, err := s.queue(qn); err != nil {
		return 0
	}

	return s.size
}

func (s *queueSet) SetQueueSize(qn int, size uint32) error {
	if _, err := s.queue(qn); err != nil {
		return err
	}

	if size != s.size {
		return fmt.Errorf("%w: queue size %d", ErrNotSupported, size)
	}

	return nil
}

func (s *queueSet) reset() {
	for i := range s.vqs {
		s.vqs[i].Cleanup()
	}
}

func (s *queueSet) queue(qn int) (*virtq.Queue, error) {
	if qn < 0 || qn >= len(s.vqs) {
		return nil, fmt.Errorf("%w: queue %d of %d", ErrInvalid, qn, len(s.vqs))
	}

	return &s.vqs[qn], nil
}
