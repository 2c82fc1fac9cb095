// Package macho is a minimal read-only Mach-O parser for images embedded in a
// dyld shared cache: the file header, the load command stream and nlist
// symbol tables.
package macho

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho/types"
)

const (
	Magic32 uint32 = 0xfeedface
	Magic64 uint32 = 0xfeedfacf

	HeaderSize32 = 7 * 4
	HeaderSize64 = 8 * 4
)

// FlagDylibInCache is set in the header flags of every dylib that lives in a
// dyld shared cache.
const FlagDylibInCache uint32 = 0x80000000

// A FileHeader represents a Mach-O file header.
type FileHeader struct {
	Magic      uint32
	CPU        uint32
	SubCPU     uint32
	Type       uint32
	NCommands  uint32
	SizeOfCmds uint32
	Flags      uint32
	Reserved   uint32 // 64-bit only
}

// Is64 reports whether the header is a 64-bit Mach-O header.
func (h *FileHeader) Is64() bool { return h.Magic == Magic64 }

// Size returns the size of the header on disk.
func (h *FileHeader) Size() uint32 {
	if h.Is64() {
		return HeaderSize64
	}
	return HeaderSize32
}

// FormatError is returned when the data does not look like a Mach-O image.
type FormatError struct {
	Off int64
	Msg string
	Val any
}

func (e *FormatError) Error() string {
	msg := e.Msg
	if e.Val != nil {
		msg += fmt.Sprintf(" '%v'", e.Val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.Off)
	return msg
}

// ParseHeader decodes a little-endian Mach-O header from the start of dat.
func ParseHeader(dat []byte) (*FileHeader, error) {
	if len(dat) < HeaderSize32 {
		return nil, &FormatError{0, "truncated mach-o header", len(dat)}
	}
	bo := binary.LittleEndian
	h := &FileHeader{Magic: bo.Uint32(dat)}
	switch h.Magic {
	case Magic32, Magic64:
	default:
		return nil, &FormatError{0, "invalid magic number", fmt.Sprintf("%#x", h.Magic)}
	}
	if h.Is64() && len(dat) < HeaderSize64 {
		return nil, &FormatError{0, "truncated mach-o header", len(dat)}
	}
	h.CPU = bo.Uint32(dat[4:])
	h.SubCPU = bo.Uint32(dat[8:])
	h.Type = bo.Uint32(dat[12:])
	h.NCommands = bo.Uint32(dat[16:])
	h.SizeOfCmds = bo.Uint32(dat[20:])
	h.Flags = bo.Uint32(dat[24:])
	if h.Is64() {
		h.Reserved = bo.Uint32(dat[28:])
	}
	return h, nil
}

// File is a parsed Mach-O header plus its load commands.
type File struct {
	FileHeader
	Loads Commands
}

// NewFile parses the header and load commands at the start of dat. dat must
// hold at least the header and the declared load command bytes; if the load
// command stream is malformed the commands decoded before the fault are kept
// and returned alongside the error.
func NewFile(dat []byte) (*File, error) {
	hdr, err := ParseHeader(dat)
	if err != nil {
		return nil, err
	}
	f := &File{FileHeader: *hdr}
	start := uint64(hdr.Size())
	end := start + uint64(hdr.SizeOfCmds)
	if end > uint64(len(dat)) {
		return f, &FormatError{int64(start), "load commands extend past available data", hdr.SizeOfCmds}
	}
	f.Loads, err = ParseLoadCommands(dat[start:end], hdr.NCommands)
	return f, err
}

// Segment returns the first segment with the given name, or nil.
func (f *File) Segment(name string) *Segment {
	return f.Loads.Segment(name)
}

// Segments returns the segment commands in load order.
func (f *File) Segments() []*Segment {
	return f.Loads.Segments()
}

// Sections returns every section of every segment in file order.
func (f *File) Sections() []*Section {
	var secs []*Section
	for _, seg := range f.Segments() {
		secs = append(secs, seg.Sections...)
	}
	return secs
}

// Symtab returns the LC_SYMTAB command, or nil.
func (f *File) Symtab() *Symtab {
	for _, l := range f.Loads {
		if s, ok := l.(*Symtab); ok {
			return s
		}
	}
	return nil
}

// DylibID returns the LC_ID_DYLIB command, or nil.
func (f *File) DylibID() *DylibID {
	for _, l := range f.Loads {
		if d, ok := l.(*DylibID); ok {
			return d
		}
	}
	return nil
}

// UUID returns the image UUID, or nil.
func (f *File) UUID() *types.UUID {
	for _, l := range f.Loads {
		if u, ok := l.(*UUIDCmd); ok {
			return &u.ID
		}
	}
	return nil
}
