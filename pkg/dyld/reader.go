package dyld

import (
	"io"

	"github.com/pkg/errors"
)

// Reader reads the virtual address window [base, base+size) of a cache. It
// implements io.Reader, io.ReaderAt and io.Seeker; offsets are relative to
// base.
type Reader struct {
	base  uint64
	off   int64
	limit int64

	space *AddressSpace
}

// NewReader returns a Reader over size bytes starting at the virtual address
// addr.
func (f *File) NewReader(addr, size uint64) *Reader {
	return &Reader{
		base:  addr,
		limit: int64(size),
		space: f.space,
	}
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	default:
		return 0, errors.New("Seek: invalid whence")
	case io.SeekStart:
	case io.SeekCurrent:
		offset += r.off
	case io.SeekEnd:
		offset += r.limit
	}
	if offset < 0 {
		return 0, errors.New("Seek: invalid offset")
	}
	r.off = offset
	return offset, nil
}

func (r *Reader) Read(p []byte) (n int, err error) {
	if r.off >= r.limit {
		return 0, io.EOF
	}
	if max := r.limit - r.off; int64(len(p)) > max {
		p = p[0:max]
	}
	n, err = r.ReadAt(p, r.off)
	r.off += int64(n)
	return
}

func (r *Reader) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off >= r.limit {
		return 0, io.EOF
	}
	want := int64(len(p))
	if max := r.limit - off; want > max {
		want = max
		err = io.EOF
	}
	dat, rerr := r.space.Read(r.base+uint64(off), uint64(want))
	if rerr != nil {
		return 0, rerr
	}
	return copy(p, dat), err
}

// Size returns the size of the window in bytes.
func (r *Reader) Size() int64 { return r.limit }
