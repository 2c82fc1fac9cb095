package dyld

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/blacktop/go-macho/types"
)

// Known good magic
var magic = []string{
	"dyld_v1    i386",
	"dyld_v1  x86_64",
	"dyld_v1 x86_64h",
	"dyld_v1   armv5",
	"dyld_v1   armv6",
	"dyld_v1   armv7",
	"dyld_v1  armv7f",
	"dyld_v1  armv7k",
	"dyld_v1  armv7s",
	"dyld_v1   arm64",
	"dyld_v1arm64_32",
	"dyld_v1  arm64e",
}

// Header sizes (the header's MappingOffset) at which fields were introduced.
const (
	headerSizeMin        = 0x28  // magic, mappings, images, dyld base
	headerSizeLocals64   = 0x190 // dyld_cache_local_symbols_entry_64
	headerSizeSymbolFile = 0x1a0 // symbolFileUUID
	headerSizeImages     = 0x1c8 // imagesOffset/imagesCount
	headerSizeSubCaches  = 0x1c8 // dyld_subcache_entry_v1
	headerSizeSubCacheV2 = 0x1d0 // cacheSubType, dyld_subcache_entry with fileSuffix
	headerSizeKnown      = 0x208 // TPRO mappings
)

const (
	mappingInfoSize         = 32
	imageInfoSize           = 32
	subCacheEntryV1Size     = 24
	subCacheEntryV2Size     = 56
	localSymbolsInfoSize    = 24
	localSymbolsEntrySize   = 12
	localSymbolsEntry64Size = 16
)

type magicType [16]byte

func (m magicType) String() string {
	return strings.Trim(string(m[:]), "\x00")
}

// Is64 reports whether the cache holds 64-bit images.
func (m magicType) Is64() bool {
	arch := strings.TrimSpace(strings.TrimPrefix(m.String(), "dyld_v1"))
	switch arch {
	case "i386", "armv5", "armv6", "armv7", "armv7f", "armv7k", "armv7s", "arm64_32":
		return false
	}
	return true
}

type formatVersion uint32

const (
	DylibsExpectedOnDisk   formatVersion = 0x100
	IsSimulator            formatVersion = 0x200
	LocallyBuiltCache      formatVersion = 0x400
	BuiltFromChainedFixups formatVersion = 0x800
)

func (f formatVersion) Version() uint8 {
	return uint8(f & 0xff)
}

func (f formatVersion) String() string {
	var fStr []string
	if f&DylibsExpectedOnDisk != 0 {
		fStr = append(fStr, "DylibsExpectedOnDisk")
	}
	if f&IsSimulator != 0 {
		fStr = append(fStr, "IsSimulator")
	}
	if f&LocallyBuiltCache != 0 {
		fStr = append(fStr, "LocallyBuiltCache")
	}
	if f&BuiltFromChainedFixups != 0 {
		fStr = append(fStr, "BuiltFromChainedFixups")
	}
	return strings.Join(fStr, "|")
}

type cacheType uint64

const (
	CacheTypeDevelopment cacheType = 0
	CacheTypeProduction  cacheType = 1
	CacheTypeUniversal   cacheType = 2
)

func (t cacheType) String() string {
	switch t {
	case CacheTypeDevelopment:
		return "Development"
	case CacheTypeProduction:
		return "Production"
	case CacheTypeUniversal:
		return "Universal"
	}
	return fmt.Sprintf("cacheType(%d)", uint64(t))
}

// CacheHeader is the header for a dyld_shared_cache file (struct dyld_cache_header)
type CacheHeader struct {
	Magic                  magicType      // e.g. "dyld_v0    i386"
	MappingOffset          uint32         // file offset to first dyld_cache_mapping_info
	MappingCount           uint32         // number of dyld_cache_mapping_info entries
	ImagesOffsetOld        uint32         // UNUSED: moved to imagesOffset to prevent older dsc_extarctors from crashing
	ImagesCountOld         uint32         // UNUSED: moved to imagesCount to prevent older dsc_extarctors from crashing
	DyldBaseAddress        uint64         // base address of dyld when cache was built
	CodeSignatureOffset    uint64         // file offset of code signature blob
	CodeSignatureSize      uint64         // size of code signature blob (zero means to end of file)
	SlideInfoOffsetUnused  uint64         // unused.  Used to be file offset of kernel slid info
	SlideInfoSizeUnused    uint64         // unused.  Used to be size of kernel slid info
	LocalSymbolsOffset     uint64         // file offset of where local symbols are stored
	LocalSymbolsSize       uint64         // size of local symbols information
	UUID                   types.UUID     // unique value for each shared cache file
	CacheType              cacheType      // 0 for development, 1 for production, 2 for multi-cache
	BranchPoolsOffset      uint32         // file offset to table of uint64_t pool addresses
	BranchPoolsCount       uint32         // number of uint64_t entries
	DyldInCacheMH          uint64         // (unslid) address of mach_header of dyld in cache
	DyldInCacheEntry       uint64         // (unslid) address of entry point (_dyld_start) of dyld in cache
	ImagesTextOffset       uint64         // file offset to first dyld_cache_image_text_info
	ImagesTextCount        uint64         // number of dyld_cache_image_text_info entries
	PatchInfoAddr          uint64         // (unslid) address of dyld_cache_patch_info
	PatchInfoSize          uint64         // Size of all of the patch information pointed to via the dyld_cache_patch_info
	OtherImageGroupAddr    uint64         // unused
	OtherImageGroupSize    uint64         // unused
	ProgClosuresAddr       uint64         // (unslid) address of list of program launch closures
	ProgClosuresSize       uint64         // size of list of program launch closures
	ProgClosuresTrieAddr   uint64         // (unslid) address of trie of indexes into program launch closures
	ProgClosuresTrieSize   uint64         // size of trie of indexes into program launch closures
	Platform               types.Platform // platform number (macOS=1, etc)
	FormatVersion          formatVersion  // dyld3::closure::kFormatVersion + flags
	SharedRegionStart      uint64         // base load address of cache if not slid
	SharedRegionSize       uint64         // overall size of region cache can be mapped into
	MaxSlide               uint64         // runtime slide of cache can be between zero and this value
	DylibsImageArrayAddr   uint64         // (unslid) address of ImageArray for dylibs in this cache
	DylibsImageArraySize   uint64         // size of ImageArray for dylibs in this cache
	DylibsTrieAddr         uint64         // (unslid) address of trie of indexes of all cached dylibs
	DylibsTrieSize         uint64         // size of trie of cached dylib paths
	OtherImageArrayAddr    uint64         // (unslid) address of ImageArray for dylibs and bundles with dlopen closures
	OtherImageArraySize    uint64         // size of ImageArray for dylibs and bundles with dlopen closures
	OtherTrieAddr          uint64         // (unslid) address of trie of indexes of all dylibs and bundles with dlopen closures
	OtherTrieSize          uint64         // size of trie of dylibs and bundles with dlopen closures
	MappingWithSlideOffset uint32         // file offset to first dyld_cache_mapping_and_slide_info
	MappingWithSlideCount  uint32         // number of dyld_cache_mapping_and_slide_info entries
	/* NEW dyld4 fields */
	DylibsPblStateArrayAddrUnused uint64         // unused
	DylibsPblSetAddr              uint64         // (unslid) address of PrebuiltLoaderSet of all cached dylibs
	ProgramsPblSetPoolAddr        uint64         // (unslid) address of pool of PrebuiltLoaderSet for each program
	ProgramsPblSetPoolSize        uint64         // size of pool of PrebuiltLoaderSet for each program
	ProgramTrieAddr               uint64         // (unslid) address of trie mapping program path to PrebuiltLoaderSet
	ProgramTrieSize               uint32         //
	OsVersion                     uint32         // OS Version of dylibs in this cache for the main platform
	AltPlatform                   types.Platform // e.g. iOSMac on macOS
	AltOsVersion                  uint32         // e.g. 14.0 for iOSMac
	SwiftOptsOffset               uint64         // VM offset from cache_header* to Swift optimizations header
	SwiftOptsSize                 uint64         // size of Swift optimizations header
	SubCacheArrayOffset           uint32         // file offset to first dyld_subcache_entry
	SubCacheArrayCount            uint32         // number of subCache entries
	SymbolFileUUID                types.UUID     // unique value for the shared cache file containing unmapped local symbols
	RosettaReadOnlyAddr           uint64         // (unslid) address of the start of where Rosetta can add read-only/executable data
	RosettaReadOnlySize           uint64         // maximum size of the Rosetta read-only/executable region
	RosettaReadWriteAddr          uint64         // (unslid) address of the start of where Rosetta can add read-write data
	RosettaReadWriteSize          uint64         // maximum size of the Rosetta read-write region
	ImagesOffset                  uint32         // file offset to first dyld_cache_image_info
	ImagesCount                   uint32         // number of dyld_cache_image_info entries
	CacheSubType                  uint32         // 0 for development, 1 for production, when cacheType is multi-cache(2)
	_                             uint32         // padding
	ObjcOptsOffset                uint64         // VM offset from cache_header* to ObjC optimizations header
	ObjcOptsSize                  uint64         // size of ObjC optimizations header
	CacheAtlasOffset              uint64         // VM offset from cache_header* to embedded cache atlas for process introspection
	CacheAtlasSize                uint64         // size of embedded cache atlas
	DynamicDataOffset             uint64         // VM offset from cache_header* to the location of dyld_cache_dynamic_data_header
	DynamicDataMaxSize            uint64         // maximum size of space reserved from dynamic data
	TPROMappingOffset             uint32         // file offset to TPRO mappings
	TPROMappingCount              uint32         // TPRO mappings count
}

// CacheMappingInfo is a dyld_cache_mapping_info.
type CacheMappingInfo struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    types.VmProtection
	InitProt   types.VmProtection
}

// CacheImageInfo is a dyld_cache_image_info.
type CacheImageInfo struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Pad            uint32
}

// Layout is the on-disk arrangement of a cache, derived from its header size.
type Layout uint8

const (
	// LayoutSingle is a cache held in one file.
	LayoutSingle Layout = iota
	// LayoutSplitV1 caches name their sub-caches "<path>.1", "<path>.2", ...
	LayoutSplitV1
	// LayoutSplitV2 caches store each sub-cache file suffix in the header.
	LayoutSplitV2
)

func (l Layout) String() string {
	switch l {
	case LayoutSingle:
		return "single"
	case LayoutSplitV1:
		return "split (v1)"
	case LayoutSplitV2:
		return "split (v2)"
	}
	return fmt.Sprintf("Layout(%d)", uint8(l))
}

// size is the number of header bytes present on disk.
func (h *CacheHeader) size() uint32 { return h.MappingOffset }

func (h *CacheHeader) has(size uint32) bool { return h.size() >= size }

// Layout returns the file layout declared by the header.
func (h *CacheHeader) Layout() Layout {
	switch {
	case !h.has(headerSizeSubCaches) || h.SubCacheArrayCount == 0:
		return LayoutSingle
	case !h.has(headerSizeSubCacheV2):
		return LayoutSplitV1
	}
	return LayoutSplitV2
}

// HasSymbolFile reports whether local symbols live in a ".symbols" sub-cache.
func (h *CacheHeader) HasSymbolFile() bool {
	return h.has(headerSizeSymbolFile) && h.SymbolFileUUID != types.UUID{}
}

// images returns the offset and count of the image info table.
func (h *CacheHeader) images() (uint32, uint32) {
	if h.has(headerSizeImages) && h.ImagesOffset != 0 {
		return h.ImagesOffset, h.ImagesCount
	}
	return h.ImagesOffsetOld, h.ImagesCountOld
}

func validMagic(m magicType) bool {
	for _, s := range magic {
		if m.String() == s {
			return true
		}
	}
	return false
}

// parseHeader decodes the header at the start of dat. Fields the on-disk
// header is too small to carry are left zero.
func parseHeader(dat []byte) (*CacheHeader, error) {
	var hdr CacheHeader

	if len(dat) < headerSizeMin {
		return nil, &FormatError{0, "file too small for a cache header", len(dat), ErrMalformedHeader}
	}
	copy(hdr.Magic[:], dat[:16])
	if !strings.HasPrefix(hdr.Magic.String(), "dyld_v") {
		return nil, &FormatError{0, "invalid magic number", nil, ErrMalformedHeader}
	}
	if !validMagic(hdr.Magic) {
		return nil, &FormatError{0, "unsupported magic", hdr.Magic.String(), ErrUnsupportedVersion}
	}

	size := binary.LittleEndian.Uint32(dat[16:])
	if size < headerSizeMin {
		return nil, &FormatError{16, "header too small for any known format", size, ErrUnsupportedVersion}
	}
	if uint64(size) > uint64(len(dat)) {
		return nil, &FormatError{16, "header extends past end of file", size, ErrMalformedHeader}
	}

	buf := make([]byte, binary.Size(hdr))
	copy(buf, dat[:min(int(size), len(buf))])
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read cache header: %w", err)
	}

	return &hdr, nil
}

func readMappings(mf *MappedFile, hdr *CacheHeader) ([]CacheMappingInfo, error) {
	dat, err := mf.Read(uint64(hdr.MappingOffset), uint64(hdr.MappingCount)*mappingInfoSize)
	if err != nil {
		return nil, &FormatError{int64(hdr.MappingOffset), "mapping table out of bounds", hdr.MappingCount, ErrMalformedHeader}
	}
	mappings := make([]CacheMappingInfo, hdr.MappingCount)
	if err := binary.Read(bytes.NewReader(dat), binary.LittleEndian, mappings); err != nil {
		return nil, fmt.Errorf("failed to read mappings: %w", err)
	}
	return mappings, nil
}
