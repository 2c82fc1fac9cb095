package dyld

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/dsc/pkg/macho"
)

// CacheLocalSymbolsInfo is a dyld_cache_local_symbols_info. Offsets are
// relative to the start of the structure.
type CacheLocalSymbolsInfo struct {
	NlistOffset   uint32
	NlistCount    uint32
	StringsOffset uint32
	StringsSize   uint32
	EntriesOffset uint32
	EntriesCount  uint32
}

// CacheLocalSymbolsEntry is a dyld_cache_local_symbols_entry(_64).
type CacheLocalSymbolsEntry struct {
	DylibOffset     uint64
	NlistStartIndex uint32
	NlistCount      uint32
}

type localSymbols struct {
	CacheLocalSymbolsInfo
	cache   *SubCache
	base    uint64
	entries []CacheLocalSymbolsEntry
}

// localSymbolsTable locates the unmapped local symbols, in the ".symbols"
// sub-cache when there is one and in the primary otherwise.
func (f *File) localSymbolsTable() (*localSymbols, error) {
	sc := f.SubCaches.SymbolsCache()
	if sc == nil {
		sc = f.SubCaches.Primary()
	}
	if sc.Header.LocalSymbolsOffset == 0 {
		return nil, ErrNoLocalSymbols
	}

	base := sc.Header.LocalSymbolsOffset
	dat, err := sc.Read(base, localSymbolsInfoSize)
	if err != nil {
		return nil, &FormatError{int64(base), "local symbols info out of bounds", sc.Name, ErrMalformedHeader}
	}

	ls := &localSymbols{cache: sc, base: base}
	ls.NlistOffset = binary.LittleEndian.Uint32(dat[0:])
	ls.NlistCount = binary.LittleEndian.Uint32(dat[4:])
	ls.StringsOffset = binary.LittleEndian.Uint32(dat[8:])
	ls.StringsSize = binary.LittleEndian.Uint32(dat[12:])
	ls.EntriesOffset = binary.LittleEndian.Uint32(dat[16:])
	ls.EntriesCount = binary.LittleEndian.Uint32(dat[20:])

	wide := f.CacheHeader.has(headerSizeLocals64)
	esz := uint64(localSymbolsEntrySize)
	if wide {
		esz = localSymbolsEntry64Size
	}
	dat, err = sc.Read(base+uint64(ls.EntriesOffset), uint64(ls.EntriesCount)*esz)
	if err != nil {
		return nil, &FormatError{int64(base + uint64(ls.EntriesOffset)), "local symbols entries out of bounds", ls.EntriesCount, ErrMalformedHeader}
	}
	ls.entries = make([]CacheLocalSymbolsEntry, ls.EntriesCount)
	for i := range ls.entries {
		b := dat[uint64(i)*esz:]
		if wide {
			ls.entries[i] = CacheLocalSymbolsEntry{
				DylibOffset:     binary.LittleEndian.Uint64(b[0:]),
				NlistStartIndex: binary.LittleEndian.Uint32(b[8:]),
				NlistCount:      binary.LittleEndian.Uint32(b[12:]),
			}
		} else {
			ls.entries[i] = CacheLocalSymbolsEntry{
				DylibOffset:     uint64(binary.LittleEndian.Uint32(b[0:])),
				NlistStartIndex: binary.LittleEndian.Uint32(b[4:]),
				NlistCount:      binary.LittleEndian.Uint32(b[8:]),
			}
		}
	}

	return ls, nil
}

// imageKey is the value a local symbols entry stores for img: the VM offset
// from the cache base in newer caches, the file offset of the Mach header in
// older ones.
func (f *File) imageKey(img *CacheImage) (uint64, error) {
	if f.CacheHeader.has(headerSizeLocals64) {
		return img.Address - f.Base(), nil
	}
	_, off, err := f.space.Resolve(img.Address)
	if err != nil {
		return 0, &LookupError{Image: img.Name, Err: fmt.Errorf("%w: %w", ErrImageNotMapped, err)}
	}
	return off, nil
}

// LocalSymbols returns the local symbols dyld stripped out of img when the
// cache was built. It fails with ErrNoLocalSymbols when the cache carries
// none; an image without an entry has none.
func (f *File) LocalSymbols(img *CacheImage) ([]Symbol, error) {
	ls, err := f.localSymbolsTable()
	if err != nil {
		return nil, err
	}
	key, err := f.imageKey(img)
	if err != nil {
		return nil, err
	}

	var entry *CacheLocalSymbolsEntry
	for i := range ls.entries {
		if ls.entries[i].DylibOffset == key {
			entry = &ls.entries[i]
			break
		}
	}
	if entry == nil || entry.NlistCount == 0 {
		return []Symbol{}, nil
	}
	if uint64(entry.NlistStartIndex)+uint64(entry.NlistCount) > uint64(ls.NlistCount) {
		return nil, &LookupError{Image: img.Name, Name: "local symbols", Err: ErrOutOfBounds}
	}

	is64 := f.Magic.Is64()
	nsz := uint64(macho.Nlist32Size)
	if is64 {
		nsz = macho.Nlist64Size
	}

	dat, err := ls.cache.Read(ls.base+uint64(ls.NlistOffset)+uint64(entry.NlistStartIndex)*nsz, uint64(entry.NlistCount)*nsz)
	if err != nil {
		return nil, &LookupError{Image: img.Name, Name: "local symbols", Err: err}
	}
	strtab, err := ls.cache.Read(ls.base+uint64(ls.StringsOffset), uint64(ls.StringsSize))
	if err != nil {
		return nil, &LookupError{Image: img.Name, Name: "local symbol strings", Err: err}
	}
	nlists, err := macho.ReadNlists(dat, entry.NlistCount, is64)
	if err != nil {
		return nil, &LookupError{Image: img.Name, Name: "local symbols", Err: err}
	}

	ierr := &ImageError{Image: img.Name}
	syms := make([]Symbol, 0, len(nlists))
	for idx, nl := range nlists {
		name, ok := macho.StringAt(strtab, nl.Name)
		if !ok {
			name = invalidSymbolName
			ierr.add(&LookupError{
				Image: img.Name,
				Name:  fmt.Sprintf("local symbol %d", idx),
				Err:   fmt.Errorf("%w: string index %#x past string table (%#x bytes)", ErrOutOfBounds, nl.Name, ls.StringsSize),
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
