package dyld

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/blacktop/dsc/pkg/macho"
)

const invalidSymbolName = "<invalid>"

// A CacheImage is a dylib (or bundle) stored inside the cache.
type CacheImage struct {
	Index int
	Name  string
	CacheImageInfo

	cache *File
}

func (i *CacheImage) String() string {
	return fmt.Sprintf("%4d: %#x %s", i.Index+1, i.Address, i.Name)
}

// GetMacho returns the image's header and load commands.
func (i *CacheImage) GetMacho() (*macho.File, error) {
	return i.cache.machO(i)
}

// A Section is a Mach-O section of a cached image.
type Section struct {
	Segment string
	Name    string
	Addr    uint64
	Size    uint64
	Offset  uint32
	Flags   macho.SectionFlag
	Image   string
}

func (s Section) String() string {
	return fmt.Sprintf("%s.%s\t%#x\t%#x", s.Segment, s.Name, s.Addr, s.Size)
}

// A Symbol is one nlist entry of a cached image.
type Symbol struct {
	Name  string
	Value uint64
	Type  macho.NType
	Sect  uint8
	Desc  uint16
	Kind  macho.SymbolKind
	Image string
}

func (s Symbol) String() string {
	return fmt.Sprintf("%#016x\t%-9s %s", s.Value, s.Kind, s.Name)
}

// machO reads and parses an image's Mach header and load commands through
// the address space. Fully parsed images are memoized; a parse that fails
// part way returns the commands decoded so far along with the error.
func (f *File) machO(img *CacheImage) (*macho.File, error) {
	if m, ok := f.cmds.Get(img.Index); ok {
		return m, nil
	}

	notMapped := func(err error) error {
		return &LookupError{Image: img.Name, Err: fmt.Errorf("%w: %w", ErrImageNotMapped, err)}
	}

	dat, err := f.space.Read(img.Address, macho.HeaderSize32)
	if err != nil {
		return nil, notMapped(err)
	}
	hsz := uint64(macho.HeaderSize32)
	if binary.LittleEndian.Uint32(dat) == macho.Magic64 {
		hsz = macho.HeaderSize64
	}
	if dat, err = f.space.Read(img.Address, hsz); err != nil {
		return nil, notMapped(err)
	}
	hdr, err := macho.ParseHeader(dat)
	if err != nil {
		return nil, &LookupError{Image: img.Name, Name: "mach header", Err: err}
	}
	if dat, err = f.space.Read(img.Address, hsz+uint64(hdr.SizeOfCmds)); err != nil {
		return nil, notMapped(err)
	}

	m, err := macho.NewFile(dat)
	if err != nil {
		return m, &LookupError{Image: img.Name, Name: "load commands", Err: err}
	}
	f.cmds.Add(img.Index, m)

	return m, nil
}

// Sections returns the sections of img in load command order. Sections whose
// bytes are not mapped are left out and reported in an *ImageError returned
// with the rest.
func (f *File) Sections(img *CacheImage) ([]Section, error) {
	m, err := f.machO(img)
	if m == nil {
		return nil, err
	}

	ierr := &ImageError{Image: img.Name}
	if err != nil {
		ierr.add(err)
	}

	var sections []Section
	for _, sec := range m.Sections() {
		s := Section{
			Segment: sec.Seg,
			Name:    sec.Name,
			Addr:    sec.Addr,
			Size:    sec.Size,
			Offset:  sec.Offset,
			Flags:   sec.Flags,
			Image:   img.Name,
		}
		// zerofill sections have no file bytes; only their start must resolve
		if sec.IsZerofill() || sec.Size == 0 {
			_, _, err = f.space.Resolve(sec.Addr)
		} else {
			err = f.space.Check(sec.Addr, sec.Size)
		}
		if err != nil {
			ierr.add(&LookupError{
				Image: img.Name,
				Name:  sec.Seg + "." + sec.Name,
				Err:   fmt.Errorf("%w: %w", ErrUnresolvedSection, err),
			})
			continue
		}
		sections = append(sections, s)
	}

	return sections, ierr.err()
}

// Symbols returns the nlist symbols of img in on-disk order. An image without
// LC_SYMTAB has no symbols. Entries whose name lies outside the string table
// are named "<invalid>" and reported in an *ImageError.
func (f *File) Symbols(img *CacheImage) ([]Symbol, error) {
	m, err := f.machO(img)
	if m == nil {
		return nil, err
	}

	ierr := &ImageError{Image: img.Name}
	if err != nil {
		ierr.add(err)
	}

	st := m.Symtab()
	if st == nil || st.Nsyms == 0 {
		return []Symbol{}, ierr.err()
	}

	linkedit := m.Segment("__LINKEDIT")
	if linkedit == nil {
		ierr.add(&LookupError{Image: img.Name, Name: "__LINKEDIT", Err: ErrUnresolvedSection})
		return nil, ierr
	}

	nsz := uint64(macho.Nlist32Size)
	if m.Is64() {
		nsz = macho.Nlist64Size
	}

	symtab, err := f.space.Read(linkedit.Addr+uint64(st.Symoff)-linkedit.Offset, uint64(st.Nsyms)*nsz)
	if err != nil {
		ierr.add(&LookupError{Image: img.Name, Name: "symbol table", Err: err})
		return nil, ierr
	}
	strtab, err := f.space.Read(linkedit.Addr+uint64(st.Stroff)-linkedit.Offset, uint64(st.Strsize))
	if err != nil {
		ierr.add(&LookupError{Image: img.Name, Name: "string table", Err: err})
		return nil, ierr
	}

	nlists, err := macho.ReadNlists(symtab, st.Nsyms, m.Is64())
	if err != nil {
		ierr.add(&LookupError{Image: img.Name, Name: "symbol table", Err: err})
		return nil, ierr
	}

	syms := make([]Symbol, 0, len(nlists))
	for idx, nl := range nlists {
		name, ok := macho.StringAt(strtab, nl.Name)
		if !ok {
			name = invalidSymbolName
			ierr.add(&LookupError{
				Image: img.Name,
				Name:  fmt.Sprintf("symbol %d", idx),
				Err:   fmt.Errorf("%w: string index %#x past string table (%#x bytes)", ErrOutOfBounds, nl.Name, st.Strsize),
			})
		}
		syms = append(syms, Symbol{
			Name:  name,
			Value: nl.Value,
			Type:  nl.Type,
			Sect:  nl.Sect,
			Desc:  nl.Desc,
			Kind:  nl.Kind(),
			Image: img.Name,
		})
	}

	return syms, ierr.err()
}

// Image returns the image whose install name or base name is name.
func (f *File) Image(name string) (*CacheImage, error) {
	for _, img := range f.Images {
		if img.Name == name {
			return img, nil
		}
	}
	for _, img := range f.Images {
		if filepath.Base(img.Name) == name {
			return img, nil
		}
	}
	return nil, &LookupError{Name: name, Err: ErrImageNotFound}
}

// FindImageByName returns the first image, in cache order, whose path
// contains substr.
func (f *File) FindImageByName(substr string) (*CacheImage, error) {
	for _, img := range f.Images {
		if strings.Contains(img.Name, substr) {
			return img, nil
		}
	}
	return nil, &LookupError{Name: substr, Err: ErrImageNotFound}
}

// ImageContaining returns the image with a segment, other than __LINKEDIT
// which dylibs share, that contains addr.
func (f *File) ImageContaining(addr uint64) (*CacheImage, error) {
	for _, img := range f.Images {
		m, err := f.machO(img)
		if m == nil || err != nil {
			continue
		}
		for _, seg := range m.Segments() {
			if seg.Name == "__LINKEDIT" {
				continue
			}
			if seg.Contains(addr) {
				return img, nil
			}
		}
	}
	return nil, &LookupError{Name: fmt.Sprintf("%#x", addr), Err: ErrImageNotFound}
}
