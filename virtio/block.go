package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/c35s/vio/virtio/virtq"
	"github.com/rcrowley/go-metrics"
)

// Block is a virtio block device emulator backed by pluggable storage. It drives
// the single device named Device, or any block device if Device is empty.
type Block struct {
	Device string

	// ReadOnly forces the device to be read-only.
	ReadOnly bool

	// Storage is the backing storage for the device. Storage may also
	// implement io.WriterAt to enable writes and Syncer to enable flushes.
	Storage BlockStorage
}

// BlockStorage is the basic interface to a block device's backing storage. It is
// read-only: To enable writes, storage types should also implement io.WriterAt.
type BlockStorage interface {
	io.ReaderAt

	// Size returns the storage size in bytes.
	Size() (int64, error)
}

// Syncer is implemented by storage that can commit writes to stable storage.
type Syncer interface {
	Sync() error
}

// MemStorage is read-write block storage backed by a byte slice.
type MemStorage struct {
	Bytes []byte
}

// FileStorage is read-write block storage backed by a file.
type FileStorage struct {
	File *os.File
}

// HTTPStorage is read-only block storage backed by an HTTP URL.
// The server must support HEAD requests and GET requests with a Range header.
type HTTPStorage struct {
	URL    string
	Client *http.Client
}

const (
	blkQueueSize  = 128
	blkSectorSize = 512
	blkHdrSize    = 16 // type, reserved, sector
	blkIDSize     = 20
)

// blkConfig is the prefix of struct virtio_blk_config up to blk_size.
type blkConfig struct {
	Capacity uint64 // in 512-byte sectors
	SizeMax  uint32
	SegMax   uint32
	Geometry struct {
		Cylinders uint16
		Heads     uint8
		Sectors   uint8
	}
	BlkSize uint32
}

// features

const (
	blkFSegMax = 1 << 2 // max number of segments in a request is in seg_max
	blkFRO     = 1 << 5 // device is read-only
	blkFFlush  = 1 << 9 // cache flush command support
)

// request types

const (
	blkTIn    = 0
	blkTOut   = 1
	blkTFlush = 4
	blkTGetID = 8
)

// request status

const (
	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2
)

var (
	errBlkRequest     = errors.New("virtio-blk: malformed request")
	errNegativeOffset = errors.New("block storage: negative offset")
)

type blockDevice struct {
	*queueSet

	dev      *Device
	storage  BlockStorage
	writerAt io.WriterAt
	syncer   Syncer
	size     int64

	reads, writes, errs metrics.Counter
}

func (b *Block) Name() string {
	if b.Device == "" {
		return "virtio_blk"
	}

	return "virtio_blk/" + b.Device
}

func (*Block) IDs() []DeviceID { return []DeviceID{BlockDeviceID} }

func (b *Block) Connect(dev *Device) (Handler, error) {
	if b.Device != "" && b.Device != dev.Name {
		return nil, fmt.Errorf("%w: %s drives %s, not %s", ErrNotSupported, b.Name(), b.Device, dev.Name)
	}

	if dev.Guest == nil || b.Storage == nil {
		return nil, fmt.Errorf("%w: %s needs a guest and storage", ErrInvalid, dev.Name)
	}

	size, err := b.Storage.Size()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, dev.Name, err)
	}

	if size%blkSectorSize != 0 {
		return nil, fmt.Errorf("%w: %s: size %d is not a multiple of %d", ErrInvalid, dev.Name, size, blkSectorSize)
	}

	prefix := fmt.Sprintf("virtio.%s.%s.", dev.Guest.Name(), dev.Name)
	bd := &blockDevice{
		queueSet: newQueueSet(dev.Guest, 1, blkQueueSize),
		dev:      dev,
		storage:  b.Storage,
		size:     size,
		reads:    metrics.GetOrRegisterCounter(prefix+"reads", nil),
		writes:   metrics.GetOrRegisterCounter(prefix+"writes", nil),
		errs:     metrics.GetOrRegisterCounter(prefix+"errors", nil),
	}

	if !b.ReadOnly {
		bd.writerAt, _ = b.Storage.(io.WriterAt)
	}

	bd.syncer, _ = b.Storage.(Syncer)
	return bd, nil
}

func (bd *blockDevice) HostFeatures(sel uint32) uint32 {
	if sel != 0 {
		return 0
	}

	features := uint32(blkFSegMax | FEventIdx)
	if bd.writerAt == nil {
		features |= blkFRO
	}

	if bd.syncer != nil {
		features |= blkFFlush
	}

	return features
}

func (bd *blockDevice) NotifyQueue(qn int) error {
	vq, err := bd.queue(qn)
	if err != nil {
		return err
	}

	for vq.Available() {
		c, err := vq.GetIOVec(nil)
		if err != nil {
			bd.errs.Inc(1)
			slog.Error("virtio-blk: bad descriptor chain", "dev", bd.dev.Name, "err", err)
			continue
		}

		n, err := bd.handle(c.IOV)
		if err != nil {
			bd.errs.Inc(1)
			slog.Error("virtio-blk request failed", "dev", bd.dev.Name, "err", err)
		}

		if err := vq.SetUsedElem(c.Head, n); err != nil {
			slog.Error("virtio-blk: set used failed", "dev", bd.dev.Name, "err", err)
		}
	}

	if vq.ShouldSignal() {
		return bd.dev.Notify(qn)
	}

	return nil
}

// handle runs one request and returns the number of bytes written to the guest,
// including the status byte.
func (bd *blockDevice) handle(iov []virtq.IOVec) (uint32, error) {
	if len(iov) < 2 || iov[0].Write || iov[0].Len < blkHdrSize {
		return 0, errBlkRequest
	}

	st := iov[len(iov)-1]
	if !st.Write || st.Len < 1 {
		return 0, errBlkRequest
	}

	var hdr [blkHdrSize]byte
	virtq.ReadIOVec(bd.guest, iov[:1], hdr[:])

	var (
		typ    = le.Uint32(hdr[0:])
		sector = le.Uint64(hdr[8:])
		data   = iov[1 : len(iov)-1]
	)

	status := byte(blkSOK)
	var n uint32
	var err error

	switch typ {
	case blkTIn:
		var off int64
		if off, err = bd.offset(sector); err == nil {
			n, err = bd.read(data, off)
		}

	case blkTOut:
		if bd.writerAt == nil {
			status = blkSUnsupp
			break
		}

		var off int64
		if off, err = bd.offset(sector); err == nil {
			err = bd.write(data, off)
		}

	case blkTFlush:
		if bd.syncer == nil {
			status = blkSUnsupp
			break
		}

		err = bd.syncer.Sync()

	case blkTGetID:
		id := make([]byte, blkIDSize)
		copy(id, bd.dev.Name)
		n = uint32(virtq.WriteIOVec(bd.guest, writable(data), id))

	default:
		status = blkSUnsupp
	}

	if err != nil {
		status = blkSIOErr
	}

	stAddr := st.Addr + uint64(st.Len) - 1
	virtq.WriteIOVec(bd.guest, []virtq.IOVec{{Addr: stAddr, Len: 1, Write: true}}, []byte{status})

	return n + 1, err
}

// offset returns the byte offset of sector, which must not lie past the end of
// the storage.
func (bd *blockDevice) offset(sector uint64) (int64, error) {
	if sector > uint64(bd.size/blkSectorSize) {
		return 0, fmt.Errorf("%w: sector %d out of range", errBlkRequest, sector)
	}

	return int64(sector) * blkSectorSize, nil
}

func (bd *blockDevice) read(data []virtq.IOVec, off int64) (uint32, error) {
	var n uint32
	for _, v := range data {
		if !v.Write {
			return n, fmt.Errorf("%w: read into a read-only buffer", errBlkRequest)
		}

		if off+int64(v.Len) > bd.size {
			return n, fmt.Errorf("%w: read past end at %d", errBlkRequest, off)
		}

		buf := make([]byte, v.Len)
		if k, err := bd.storage.ReadAt(buf, off); k < len(buf) {
			return n, fmt.Errorf("short read at %d: %w", off, err)
		}

		n += uint32(virtq.WriteIOVec(bd.guest, []virtq.IOVec{v}, buf))
		off += int64(v.Len)
	}

	bd.reads.Inc(1)
	return n, nil
}

func (bd *blockDevice) write(data []virtq.IOVec, off int64) error {
	for _, v := range data {
		if v.Write {
			return fmt.Errorf("%w: write from a write-only buffer", errBlkRequest)
		}

		if off+int64(v.Len) > bd.size {
			return fmt.Errorf("%w: write past end at %d", errBlkRequest, off)
		}

		buf := make([]byte, v.Len)
		virtq.ReadIOVec(bd.guest, []virtq.IOVec{v}, buf)

		if _, err := bd.writerAt.WriteAt(buf, off); err != nil {
			return err
		}

		off += int64(v.Len)
	}

	bd.writes.Inc(1)
	return nil
}

func (bd *blockDevice) StatusChanged(uint32) {}

func (bd *blockDevice) ReadConfig(p []byte, off int) error {
	cfg := blkConfig{
		Capacity: uint64(bd.size / blkSectorSize),
		SegMax:   blkQueueSize - 2,
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, le, &cfg); err != nil {
		return err
	}

	if off < 0 || off >= buf.Len() {
		return nil
	}

	copy(p, buf.Bytes()[off:])
	return nil
}

func (bd *blockDevice) WriteConfig([]byte, int) error { return nil }

func (bd *blockDevice) Reset() error {
	bd.reset()
	return nil
}

func (bd *blockDevice) Disconnect() {
	bd.reset()
}

// OpenStorage opens path as block storage. Paths starting with http:// or https://
// are opened as HTTPStorage, which is always read-only.
func OpenStorage(path string, readOnly bool) (BlockStorage, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return &HTTPStorage{URL: path}, nil
	}

	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}

	return &FileStorage{File: f}, nil
}

// ReadAt copies from the backing slice at off into p.
func (ms *MemStorage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}

	if off >= int64(len(ms.Bytes)) {
		return 0, io.EOF
	}

	n := copy(p, ms.Bytes[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// Size returns the size of the backing slice in bytes.
func (ms *MemStorage) Size() (int64, error) {
	return int64(len(ms.Bytes)), nil
}

// WriteAt copies p into the backing slice at off.
func (ms *MemStorage) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}

	if off > int64(len(ms.Bytes)) || int64(len(p)) > int64(len(ms.Bytes))-off {
		return 0, io.ErrShortWrite
	}

	return copy(ms.Bytes[off:], p), nil
}

// ReadAt reads from the backing file.
func (fs *FileStorage) ReadAt(p []byte, off int64) (int, error) {
	return fs.File.ReadAt(p, off)
}

// Size stats the backing file and returns its size in bytes.
func (fs *FileStorage) Size() (int64, error) {
	info, err := fs.File.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// WriteAt writes to the backing file.
func (fs *FileStorage) WriteAt(p []byte, off int64) (int, error) {
	return fs.File.WriteAt(p, off)
}

// Sync commits the backing file to disk.
func (fs *FileStorage) Sync() error {
	return fs.File.Sync()
}

// Close closes the backing file.
func (fs *FileStorage) Close() error {
	return fs.File.Close()
}

func (hs *HTTPStorage) client() *http.Client {
	if hs.Client != nil {
		return hs.Client
	}

	return http.DefaultClient
}

// ReadAt gets the backing URL with a Range header generated from off and len(p).
func (hs *HTTPStorage) ReadAt(p []byte, off int64) (int, error) {
	req, err := http.NewRequest(http.MethodGet, hs.URL, nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	res, err := hs.client().Do(req)
	if err != nil {
		return 0, err
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("block storage: GET %s: status %d", hs.URL, res.StatusCode)
	}

	n, err := io.ReadFull(res.Body, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}

	return n, err
}

// Size sends a HEAD request to the backing URL and parses the Content-Length response header.
func (hs *HTTPStorage) Size() (int64, error) {
	res, err := hs.client().Head(hs.URL)
	if err != nil {
		return 0, err
	}

	res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("block storage: HEAD %s: status %d", hs.URL, res.StatusCode)
	}

	return strconv.ParseInt(res.Header.Get("content-length"), 10, 64)
}
