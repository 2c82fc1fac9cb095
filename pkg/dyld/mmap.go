package dyld

import (
	"io"
	"io/fs"
	"os"

	"github.com/pkg/errors"
)

// MappedFile is a read-only memory mapping of one cache file.
type MappedFile struct {
	Name string

	data  []byte
	unmap func([]byte) error
}

// OpenMappedFile maps the named file read-only.
func OpenMappedFile(name string) (*MappedFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fileError("open", name, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fileError("stat", name, err)
	}
	if fi.IsDir() {
		return nil, &FileError{Op: "open", Path: name, Err: errors.New("is a directory")}
	}

	data, unmap, err := mmapFile(f, fi.Size())
	if err != nil {
		return nil, fileError("mmap", name, err)
	}

	return &MappedFile{Name: name, data: data, unmap: unmap}, nil
}

func fileError(op, path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		err = ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		err = ErrAccessDenied
	}
	return &FileError{Op: op, Path: path, Err: err}
}

// Size returns the length of the mapped file.
func (m *MappedFile) Size() uint64 { return uint64(len(m.data)) }

// Read returns the n bytes at off without copying. The returned slice must
// not be written to and is only valid until Close.
func (m *MappedFile) Read(off, n uint64) ([]byte, error) {
	size := uint64(len(m.data))
	if off > size || n > size-off {
		return nil, &RangeError{Name: m.Name, Off: off, Len: n, Size: size}
	}
	return m.data[off : off+n : off+n], nil
}

// ReadAt implements io.ReaderAt.
func (m *MappedFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, &RangeError{Name: m.Name, Off: uint64(off), Len: uint64(len(p)), Size: m.Size()}
	}
	if uint64(off) >= m.Size() {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// CString returns the NUL terminated string at off.
func (m *MappedFile) CString(off uint64) (string, error) {
	if off >= m.Size() {
		return "", &RangeError{Name: m.Name, Off: off, Len: 1, Size: m.Size()}
	}
	return cstring(m.data[off:]), nil
}

// Close releases the mapping. It is safe to call more than once.
func (m *MappedFile) Close() error {
	data := m.data
	m.data = nil
	if m.unmap == nil || data == nil {
		return nil
	}
	unmap := m.unmap
	m.unmap = nil
	return unmap(data)
}
