package virtq

// IOVec is one guest buffer segment of a descriptor chain.
type IOVec struct {
	Addr  uint64
	Len   uint32
	Write bool // device-writable
}

// ReadIOVec copies from the guest buffers described by iov into p. It stops at the
// first short guest read and returns the number of bytes copied.
func ReadIOVec(mem Memory, iov []IOVec, p []byte) int {
	var pos int
	for _, v := range iov {
		if pos >= len(p) {
			break
		}

		n := min(len(p)-pos, int(v.Len))
		got := mem.Read(p[pos:pos+n], v.Addr)
		pos += got

		if got < n {
			break
		}
	}

	return pos
}

// WriteIOVec copies p into the guest buffers described by iov. It stops at the first
// short guest write and returns the number of bytes copied.
func WriteIOVec(mem Memory, iov []IOVec, p []byte) int {
	var pos int
	for _, v := range iov {
		if pos >= len(p) {
			break
		}

		n := min(len(p)-pos, int(v.Len))
		got := mem.Write(p[pos:pos+n], v.Addr)
		pos += got

		if got < n {
			break
		}
	}

	return pos
}

// FillZeros zeroes the guest buffers described by iov, 16 bytes at a time. It stops
// at the first short guest write and returns the number of bytes zeroed.
func FillZeros(mem Memory, iov []IOVec) int {
	var (
		zeros [16]byte
		total int
	)

	for _, v := range iov {
		for off := uint32(0); off < v.Len; {
			n := min(v.Len-off, uint32(len(zeros)))
			got := mem.Write(zeros[:n], v.Addr+uint64(off))
			total += got

			if got < int(n) {
				return total
			}

			off += n
		}
	}

	return total
}

// TotalLen returns the sum of the segment lengths in iov.
func TotalLen(iov []IOVec) uint64 {
	var n uint64
	for _, v := range iov {
		n += uint64(v.Len)
	}

	return n
}
