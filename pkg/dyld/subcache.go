package dyld

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
)

// SubCache is one file of a shared cache. Index 0 is always the primary.
type SubCache struct {
	Index    int
	Suffix   string
	UUID     types.UUID
	VMOffset uint64
	Symbols  bool // the ".symbols" file, holding only unmapped local symbols
	Header   *CacheHeader
	Mappings []CacheMappingInfo
	*MappedFile
}

// String returns the file suffix, "primary" for the main cache file.
func (s *SubCache) String() string {
	if s.Index == 0 {
		return "primary"
	}
	return s.Suffix
}

// SubCacheSet owns every mapped file of a loaded cache.
type SubCacheSet struct {
	Path   string
	Caches []*SubCache
}

// subcacheEntry is a companion file declared by the primary header.
type subcacheEntry struct {
	UUID          types.UUID
	CacheVMOffset uint64
	Extention     string
	Symbols       bool
}

// subcacheEntries lists the companion files declared by the primary header,
// in the order they must be opened.
func subcacheEntries(hdr *CacheHeader, mf *MappedFile) ([]subcacheEntry, error) {
	var entries []subcacheEntry

	if layout := hdr.Layout(); layout != LayoutSingle {
		esz := uint64(subCacheEntryV1Size)
		if layout == LayoutSplitV2 {
			esz = subCacheEntryV2Size
		}
		dat, err := mf.Read(uint64(hdr.SubCacheArrayOffset), uint64(hdr.SubCacheArrayCount)*esz)
		if err != nil {
			return nil, &FormatError{int64(hdr.SubCacheArrayOffset), "sub-cache array out of bounds", hdr.SubCacheArrayCount, ErrMalformedHeader}
		}
		for i := uint64(0); i < uint64(hdr.SubCacheArrayCount); i++ {
			b := dat[i*esz : (i+1)*esz]
			var e subcacheEntry
			copy(e.UUID[:], b[:16])
			e.CacheVMOffset = binary.LittleEndian.Uint64(b[16:])
			if layout == LayoutSplitV1 {
				e.Extention = fmt.Sprintf(".%d", i+1)
			} else {
				e.Extention = cstring(b[24:])
				if e.Extention == "" {
					return nil, &FormatError{int64(uint64(hdr.SubCacheArrayOffset) + i*esz), "sub-cache entry has no file suffix", i, ErrMalformedHeader}
				}
			}
			entries = append(entries, e)
		}
	}

	if hdr.HasSymbolFile() {
		entries = append(entries, subcacheEntry{
			UUID:      hdr.SymbolFileUUID,
			Extention: ".symbols",
			Symbols:   true,
		})
	}

	return entries, nil
}

func newSubCache(mf *MappedFile, index int, suffix string) (*SubCache, error) {
	hdr, err := parseHeader(mf.data)
	if err != nil {
		return nil, err
	}
	mappings, err := readMappings(mf, hdr)
	if err != nil {
		return nil, err
	}
	return &SubCache{
		Index:      index,
		Suffix:     suffix,
		UUID:       hdr.UUID,
		Header:     hdr,
		Mappings:   mappings,
		MappedFile: mf,
	}, nil
}

// OpenSubCaches maps the primary cache file at path and every companion file
// its header declares. A declared file that cannot be opened fails the whole
// load; files opened up to that point are released.
func OpenSubCaches(path string) (*SubCacheSet, error) {
	mf, err := OpenMappedFile(path)
	if err != nil {
		return nil, err
	}

	primary, err := newSubCache(mf, 0, "")
	if err != nil {
		mf.Close()
		return nil, &LoadError{Path: path, Err: err}
	}
	if primary.Header.size() > headerSizeKnown {
		log.Debugf("cache header is %#x bytes, newer than the %#x bytes understood; trailing fields are ignored", primary.Header.size(), headerSizeKnown)
	}

	set := &SubCacheSet{Path: path, Caches: []*SubCache{primary}}

	entries, err := subcacheEntries(primary.Header, mf)
	if err != nil {
		set.Close()
		return nil, &LoadError{Path: path, Err: err}
	}

	log.WithFields(log.Fields{
		"layout":     primary.Header.Layout(),
		"sub_caches": len(entries),
	}).Debug("Opening dyld_shared_cache")

	for i, e := range entries {
		name := path + e.Extention
		smf, err := OpenMappedFile(name)
		if err != nil {
			set.Close()
			return nil, &LoadError{Path: path, Err: fmt.Errorf("%w %s: %w", ErrMissingSubCache, filepath.Base(name), err)}
		}
		sc, err := newSubCache(smf, i+1, e.Extention)
		if err != nil {
			smf.Close()
			set.Close()
			return nil, &LoadError{Path: name, Err: err}
		}
		if sc.UUID != e.UUID {
			smf.Close()
			set.Close()
			return nil, &LoadError{Path: name, Err: fmt.Errorf("%w: file has %s, primary expects %s", ErrSubCacheMismatch, sc.UUID, e.UUID)}
		}
		sc.VMOffset = e.CacheVMOffset
		sc.Symbols = e.Symbols
		set.Caches = append(set.Caches, sc)

		log.WithFields(log.Fields{
			"file":     filepath.Base(name),
			"uuid":     sc.UUID,
			"mappings": len(sc.Mappings),
		}).Debug("Mapped sub-cache")
	}

	return set, nil
}

// Primary returns the main cache file.
func (s *SubCacheSet) Primary() *SubCache { return s.Caches[0] }

// SymbolsCache returns the ".symbols" file, or nil if the cache has none.
func (s *SubCacheSet) SymbolsCache() *SubCache {
	for _, sc := range s.Caches {
		if sc.Symbols {
			return sc
		}
	}
	return nil
}

// files returns the mapped files indexed by SubCache.Index.
func (s *SubCacheSet) files() []*MappedFile {
	files := make([]*MappedFile, len(s.Caches))
	for i, sc := range s.Caches {
		files[i] = sc.MappedFile
	}
	return files
}

// Close unmaps every file of the set.
func (s *SubCacheSet) Close() error {
	var first error
	for _, sc := range s.Caches {
		if err := sc.MappedFile.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
