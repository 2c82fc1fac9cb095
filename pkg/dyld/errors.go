package dyld

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// file
	ErrNotFound     = errors.New("file not found")
	ErrAccessDenied = errors.New("access denied")
	ErrOutOfBounds  = errors.New("read out of bounds")
	// load
	ErrMalformedHeader    = errors.New("malformed cache header")
	ErrUnsupportedVersion = errors.New("unsupported cache format")
	ErrMissingSubCache    = errors.New("missing sub-cache")
	ErrSubCacheMismatch   = errors.New("sub-cache UUID mismatch")
	ErrOverlappingMapping = errors.New("overlapping mappings")
	// address
	ErrUnmapped = errors.New("address not mapped")
	// lookup
	ErrImageNotMapped    = errors.New("image header not mapped")
	ErrUnresolvedSection = errors.New("section not mapped")
	ErrImageNotFound     = errors.New("image not found")
	ErrNoLocalSymbols    = errors.New("cache does not contain local symbols")
)

// FormatError is returned by some operations if the data does
// not have the correct format for a dyld_shared_cache.
type FormatError struct {
	off int64
	msg string
	val any
	err error
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	return msg
}

func (e *FormatError) Unwrap() error { return e.err }

// FileError records a failed operation on a cache file.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string { return e.Op + " " + e.Path + ": " + e.Err.Error() }
func (e *FileError) Unwrap() error { return e.Err }

// RangeError is returned for reads outside of a mapped file.
type RangeError struct {
	Name string
	Off  uint64
	Len  uint64
	Size uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: read of %#x bytes at offset %#x exceeds file size %#x", e.Name, e.Len, e.Off, e.Size)
}

func (e *RangeError) Unwrap() error { return ErrOutOfBounds }

// LoadError is a fatal structural problem found while loading a cache.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("failed to load %s: %v", e.Path, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// AddressError is returned when a virtual address range is not backed by
// any sub-cache mapping.
type AddressError struct {
	Addr uint64
	Size uint64
	Err  error
}

func (e *AddressError) Error() string {
	if e.Size > 0 {
		return fmt.Sprintf("range %#x-%#x: %v", e.Addr, e.Addr+e.Size, e.Err)
	}
	return fmt.Sprintf("address %#x: %v", e.Addr, e.Err)
}

func (e *AddressError) Unwrap() error { return e.Err }

// LookupError is returned when an image, section or symbol cannot be found
// or resolved.
type LookupError struct {
	Image string
	Name  string
	Err   error
}

func (e *LookupError) Error() string {
	switch {
	case e.Image != "" && e.Name != "":
		return fmt.Sprintf("%s: %s: %v", e.Image, e.Name, e.Err)
	case e.Image != "":
		return fmt.Sprintf("%s: %v", e.Image, e.Err)
	}
	return fmt.Sprintf("%q: %v", e.Name, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// ImageError collects the non-fatal problems hit while enumerating one image.
// It is returned next to a partial result.
type ImageError struct {
	Image string
	Errs  []error
}

func (e *ImageError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Image, strings.Join(msgs, "; "))
}

func (e *ImageError) Unwrap() []error { return e.Errs }

func (e *ImageError) add(err error) {
	e.Errs = append(e.Errs, err)
}

// err returns nil when no problem was recorded.
func (e *ImageError) err() error {
	if len(e.Errs) == 0 {
		return nil
	}
	return e
}
