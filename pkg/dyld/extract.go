package dyld

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/blacktop/dsc/pkg/macho"
)

const pageSize = 0x4000

func alignTo(off, align uint64) uint64 {
	return (off + align - 1) &^ (align - 1)
}

type segLayout struct {
	seg      *macho.Segment
	fileoff  uint64
	filesize uint64
	vmaddr   uint64
	vmsize   uint64
}

// linkeditBounds returns the smallest start and largest end of the __LINKEDIT
// data the image's load commands refer to. Regions with a zero offset or size
// are ignored; with none left the whole __LINKEDIT segment is used.
func linkeditBounds(refs []macho.LinkEditRef, linkedit *macho.Segment) (uint64, uint64) {
	var lo, hi uint64
	var found bool
	for _, r := range refs {
		if r.Off == 0 || r.Size == 0 {
			continue
		}
		start, end := uint64(r.Off), uint64(r.Off)+r.Size
		if !found || start < lo {
			lo = start
		}
		if !found || end > hi {
			hi = end
		}
		found = true
	}
	if !found {
		return linkedit.Offset, linkedit.Offset + linkedit.Filesz
	}
	return lo, hi
}

// Extract rebuilds img as a standalone Mach-O. __TEXT is placed at file
// offset 0, the other segments follow page aligned in load order and
// __LINKEDIT, packed down to the regions the image uses, comes last. Every
// file offset in the load commands is rewritten to the new layout and
// MH_DYLIB_IN_CACHE is cleared. Only 64-bit images are supported.
func (f *File) Extract(img *CacheImage) ([]byte, error) {
	m, err := f.machO(img)
	if err != nil {
		return nil, err
	}
	if !m.Is64() {
		return nil, &LookupError{Image: img.Name, Err: fmt.Errorf("only 64-bit images can be extracted")}
	}

	hdr, err := f.space.Read(img.Address, uint64(m.Size())+uint64(m.SizeOfCmds))
	if err != nil {
		return nil, &LookupError{Image: img.Name, Err: fmt.Errorf("%w: %w", ErrImageNotMapped, err)}
	}
	buf := append([]byte(nil), hdr...)
	cmdBase := uint64(m.Size())

	linkedit := m.Segment("__LINKEDIT")
	if linkedit == nil {
		return nil, &LookupError{Image: img.Name, Name: "__LINKEDIT", Err: ErrUnresolvedSection}
	}

	refs := m.Loads.LinkEditRefs(true)
	minOff, maxEnd := linkeditBounds(refs, linkedit)
	if end := linkedit.Offset + linkedit.Filesz; maxEnd > end {
		return nil, &LookupError{Image: img.Name, Name: "__LINKEDIT", Err: fmt.Errorf("%w: load commands reference data up to %#x past the segment end %#x", ErrOutOfBounds, maxEnd, end)}
	}
	linkeditSize := maxEnd - minOff

	var layouts []segLayout
	var cursor uint64
	for _, seg := range m.Segments() {
		switch seg.Name {
		case "__LINKEDIT":
			continue
		case "__TEXT":
			layouts = append(layouts, segLayout{seg, 0, seg.Filesz, seg.Addr, seg.Memsz})
			cursor = seg.Filesz
		default:
			off := alignTo(cursor, pageSize)
			layouts = append(layouts, segLayout{seg, off, seg.Filesz, seg.Addr, seg.Memsz})
			cursor = off + seg.Filesz
		}
	}
	newLinkedit := alignTo(cursor, pageSize)
	linkeditAddr := linkedit.Addr + (minOff - linkedit.Offset)
	layouts = append(layouts, segLayout{linkedit, newLinkedit, linkeditSize, linkeditAddr, linkeditSize})

	bo := binary.LittleEndian

	// header flags
	bo.PutUint32(buf[24:], bo.Uint32(buf[24:])&^macho.FlagDylibInCache)

	for _, l := range layouts {
		c := cmdBase + uint64(l.seg.CmdOffset())
		bo.PutUint64(buf[c+40:], l.fileoff)
		bo.PutUint64(buf[c+48:], l.filesize)
		if l.seg == linkedit {
			bo.PutUint64(buf[c+24:], l.vmaddr)
			bo.PutUint64(buf[c+32:], l.vmsize)
			continue
		}
		delta := int64(l.fileoff) - int64(l.seg.Offset)
		for _, sec := range l.seg.Sections {
			s := cmdBase + uint64(sec.RecordOff)
			if !sec.IsZerofill() && sec.Offset != 0 {
				bo.PutUint32(buf[s+48:], uint32(int64(sec.Offset)+delta))
			}
			if sec.Reloff != 0 {
				bo.PutUint32(buf[s+56:], uint32(newLinkedit+(uint64(sec.Reloff)-minOff)))
			}
		}
	}

	for _, r := range refs {
		field := cmdBase + uint64(r.Field)
		switch {
		case r.Off != 0 && r.Count != 0:
			bo.PutUint32(buf[field:], uint32(newLinkedit+(uint64(r.Off)-minOff)))
		case r.Off != 0:
			bo.PutUint32(buf[field:], 0)
		}
	}

	out := make([]byte, newLinkedit+linkeditSize)
	for _, l := range layouts {
		if l.filesize == 0 {
			continue
		}
		if l.seg == linkedit {
			n, err := f.copyRange(out[l.fileoff:l.fileoff+l.filesize], linkeditAddr)
			if err != nil {
				return nil, &LookupError{Image: img.Name, Name: "__LINKEDIT", Err: err}
			}
			if n < l.filesize {
				log.Warnf("%s: __LINKEDIT data truncated (wanted %#x bytes, got %#x)", img.Name, l.filesize, n)
			}
			continue
		}
		n, err := f.copyRange(out[l.fileoff:l.fileoff+l.filesize], l.seg.Addr)
		if err != nil {
			log.Warnf("%s: could not resolve data for segment %s at %#x: %v", img.Name, l.seg.Name, l.seg.Addr, err)
			continue
		}
		if n < l.filesize {
			log.Warnf("%s: segment %s truncated (wanted %#x bytes, got %#x)", img.Name, l.seg.Name, l.filesize, n)
		}
	}

	copy(out, buf)

	return out, nil
}

// copyRange fills dst with the bytes mapped at addr. When the mapping ends
// early it copies what is there and returns the shorter count.
func (f *File) copyRange(dst []byte, addr uint64) (uint64, error) {
	size := uint64(len(dst))
	if dat, err := f.space.Read(addr, size); err == nil {
		return uint64(copy(dst, dat)), nil
	}
	r, err := f.space.Range(addr)
	if err != nil {
		return 0, err
	}
	dat, err := f.space.Read(addr, min(size, r.End-addr))
	if err != nil {
		return 0, err
	}
	return uint64(copy(dst, dat)), nil
}

// ExtractTo writes the standalone Mach-O for img to path.
func (f *File) ExtractTo(img *CacheImage, path string) (int, error) {
	dat, err := f.Extract(img)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, dat, 0o660); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return len(dat), nil
}
