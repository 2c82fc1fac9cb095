//go:build !unix

package dyld

import (
	"io"
	"os"
)

// Platforms without mmap read the whole file into memory.
func mmapFile(f *os.File, size int64) ([]byte, func([]byte) error, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, nil, err
	}
	return data, nil, nil
}
