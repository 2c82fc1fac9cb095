package dyld

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/dsc/pkg/macho"
	"github.com/blacktop/go-macho/types"
)

// Helpers that assemble small synthetic shared caches on disk.

var le = binary.LittleEndian

const (
	testBase     = 0x180000000
	testMagic    = "dyld_v1  arm64e"
	protRX       = types.VmProtection(5)
	protRW       = types.VmProtection(3)
	protR        = types.VmProtection(1)
	lcSegment64  = uint32(types.LC_SEGMENT_64)
	lcSymtab     = uint32(types.LC_SYMTAB)
	segCmdSize64 = 72
	sectSize64   = 80
)

type testFile struct {
	suffix    string
	uuid      types.UUID
	mappings  []CacheMappingInfo
	data      []byte
	localsOff uint64
	symbols   bool
}

func (tf *testFile) mapAt(addr, size, off uint64, prot types.VmProtection) *testFile {
	tf.mappings = append(tf.mappings, CacheMappingInfo{
		Address:    addr,
		Size:       size,
		FileOffset: off,
		MaxProt:    prot,
		InitProt:   prot,
	})
	return tf
}

type testImageEntry struct {
	path string
	addr uint64
}

type testCache struct {
	hdrSize uint32
	magic   string
	files   []*testFile
	images  []testImageEntry
	// written into the sub-cache array instead of the real file UUIDs
	declared map[int]types.UUID
}

func newTestCache(hdrSize uint32, size int) *testCache {
	c := &testCache{hdrSize: hdrSize, magic: testMagic, declared: map[int]types.UUID{}}
	c.addFile("", size)
	return c
}

func (c *testCache) primary() *testFile { return c.files[0] }

func (c *testCache) addFile(suffix string, size int) *testFile {
	tf := &testFile{suffix: suffix, data: make([]byte, size)}
	tf.uuid[0] = byte(len(c.files) + 1)
	tf.uuid[15] = 0xaa
	c.files = append(c.files, tf)
	return tf
}

func (c *testCache) addSymbolsFile(size int) *testFile {
	tf := c.addFile(".symbols", size)
	tf.symbols = true
	return tf
}

func (c *testCache) subCaches() []*testFile {
	var subs []*testFile
	for _, tf := range c.files[1:] {
		if !tf.symbols {
			subs = append(subs, tf)
		}
	}
	return subs
}

// write stores b at virtual address addr in whichever file maps it.
func (c *testCache) write(t *testing.T, addr uint64, b []byte) {
	t.Helper()
	for _, tf := range c.files {
		for _, m := range tf.mappings {
			if addr >= m.Address && addr+uint64(len(b)) <= m.Address+m.Size {
				copy(tf.data[m.FileOffset+addr-m.Address:], b)
				return
			}
		}
	}
	t.Fatalf("test cache does not map %#x (+%#x)", addr, len(b))
}

func (c *testCache) addImage(t *testing.T, path string, addr uint64, hdr []byte) {
	t.Helper()
	c.images = append(c.images, testImageEntry{path, addr})
	c.write(t, addr, hdr)
}

func (c *testCache) header(tf *testFile) CacheHeader {
	var hdr CacheHeader
	copy(hdr.Magic[:], c.magic)
	hdr.MappingOffset = c.hdrSize
	hdr.MappingCount = uint32(len(tf.mappings))
	hdr.UUID = tf.uuid
	hdr.LocalSymbolsOffset = tf.localsOff
	hdr.Platform = types.Platform(2)
	hdr.SharedRegionStart = testBase
	hdr.SharedRegionSize = 0x100000000
	return hdr
}

func encodeHeader(t *testing.T, hdr CacheHeader, size uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := binary.Write(&buf, le, hdr); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	out := make([]byte, size)
	copy(out, raw[:min(int(size), len(raw))])
	return out
}

func encodeMappings(ms []CacheMappingInfo) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, le, ms)
	return buf.Bytes()
}

// build writes every file of the cache to a temporary directory and returns
// the path of the primary.
func (c *testCache) build(t *testing.T) string {
	t.Helper()

	for i, tf := range c.files {
		hdr := c.header(tf)
		off := uint64(c.hdrSize) + uint64(len(tf.mappings))*mappingInfoSize

		var tables []byte
		if i == 0 {
			subs := c.subCaches()
			if len(subs) > 0 {
				hdr.SubCacheArrayOffset = uint32(off)
				hdr.SubCacheArrayCount = uint32(len(subs))
				for j, sub := range subs {
					esz := subCacheEntryV1Size
					if c.hdrSize >= headerSizeSubCacheV2 {
						esz = subCacheEntryV2Size
					}
					e := make([]byte, esz)
					uuid := sub.uuid
					if u, ok := c.declared[j+1]; ok {
						uuid = u
					}
					copy(e, uuid[:])
					le.PutUint64(e[16:], sub.mappingBase()-testBase)
					if esz == subCacheEntryV2Size {
						copy(e[24:], sub.suffix)
					}
					tables = append(tables, e...)
				}
				off += uint64(len(tables))
			}
			for _, sym := range c.files[1:] {
				if sym.symbols {
					hdr.SymbolFileUUID = sym.uuid
				}
			}
			imgOff := uint32(off)
			if c.hdrSize >= headerSizeImages {
				hdr.ImagesOffset, hdr.ImagesCount = imgOff, uint32(len(c.images))
			} else {
				hdr.ImagesOffsetOld, hdr.ImagesCountOld = imgOff, uint32(len(c.images))
			}
			pathOff := off + uint64(len(c.images))*imageInfoSize
			var paths []byte
			for _, img := range c.images {
				e := make([]byte, imageInfoSize)
				le.PutUint64(e[0:], img.addr)
				le.PutUint32(e[24:], uint32(pathOff)+uint32(len(paths)))
				tables = append(tables, e...)
				paths = append(paths, img.path...)
				paths = append(paths, 0)
			}
			tables = append(tables, paths...)
		}

		copy(tf.data, encodeHeader(t, hdr, c.hdrSize))
		copy(tf.data[c.hdrSize:], encodeMappings(tf.mappings))
		copy(tf.data[uint64(c.hdrSize)+uint64(len(tf.mappings))*mappingInfoSize:], tables)
	}

	path := filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
	for _, tf := range c.files {
		writeFile(t, path+tf.suffix, tf.data)
	}
	return path
}

func (tf *testFile) mappingBase() uint64 {
	if len(tf.mappings) == 0 {
		return testBase
	}
	return tf.mappings[0].Address
}

type testSect struct {
	name  string
	addr  uint64
	size  uint64
	off   uint32
	flags macho.SectionFlag
}

type testSeg struct {
	name  string
	addr  uint64
	size  uint64
	off   uint64
	fsz   uint64
	sects []testSect
}

func segmentCmd(s testSeg) []byte {
	b := make([]byte, segCmdSize64+len(s.sects)*sectSize64)
	le.PutUint32(b[0:], lcSegment64)
	le.PutUint32(b[4:], uint32(len(b)))
	copy(b[8:24], s.name)
	le.PutUint64(b[24:], s.addr)
	le.PutUint64(b[32:], s.size)
	le.PutUint64(b[40:], s.off)
	le.PutUint64(b[48:], s.fsz)
	le.PutUint32(b[56:], 5)
	le.PutUint32(b[60:], 5)
	le.PutUint32(b[64:], uint32(len(s.sects)))
	for i, sect := range s.sects {
		sb := b[segCmdSize64+i*sectSize64:]
		copy(sb[0:16], sect.name)
		copy(sb[16:32], s.name)
		le.PutUint64(sb[32:], sect.addr)
		le.PutUint64(sb[40:], sect.size)
		le.PutUint32(sb[48:], sect.off)
		le.PutUint32(sb[64:], uint32(sect.flags))
	}
	return b
}

func symtabCmd(symoff, nsyms, stroff, strsize uint32) []byte {
	b := make([]byte, 24)
	le.PutUint32(b[0:], lcSymtab)
	le.PutUint32(b[4:], 24)
	le.PutUint32(b[8:], symoff)
	le.PutUint32(b[12:], nsyms)
	le.PutUint32(b[16:], stroff)
	le.PutUint32(b[20:], strsize)
	return b
}

// machoHeader returns a 64-bit dylib header followed by its segment commands
// and any extra commands.
func machoHeader(segs []testSeg, extra ...[]byte) []byte {
	var cmds [][]byte
	for _, s := range segs {
		cmds = append(cmds, segmentCmd(s))
	}
	cmds = append(cmds, extra...)

	var sz int
	for _, c := range cmds {
		sz += len(c)
	}
	b := make([]byte, macho.HeaderSize64, macho.HeaderSize64+sz)
	le.PutUint32(b[0:], macho.Magic64)
	le.PutUint32(b[4:], 0x0100000c)
	le.PutUint32(b[8:], 2)
	le.PutUint32(b[12:], 6)
	le.PutUint32(b[16:], uint32(len(cmds)))
	le.PutUint32(b[20:], uint32(sz))
	le.PutUint32(b[24:], macho.FlagDylibInCache|0x100085)
	for _, c := range cmds {
		b = append(b, c...)
	}
	return b
}

type testSym struct {
	name  string
	typ   macho.NType
	sect  uint8
	value uint64
}

// symbolTable returns the nlist_64 entries and string table for syms.
func symbolTable(syms []testSym) ([]byte, []byte) {
	strtab := []byte{0}
	var nlists []byte
	for _, s := range syms {
		n := make([]byte, macho.Nlist64Size)
		le.PutUint32(n[0:], uint32(len(strtab)))
		n[4] = byte(s.typ)
		n[5] = s.sect
		le.PutUint64(n[8:], s.value)
		nlists = append(nlists, n...)
		strtab = append(strtab, s.name...)
		strtab = append(strtab, 0)
	}
	return nlists, strtab
}

// exampleCache is a single file cache mapping
//
//	__TEXT     testBase+0x0000 - testBase+0x8000 @ 0x0000
//	__DATA     testBase+0x8000 - testBase+0xc000 @ 0x8000
//	__LINKEDIT testBase+0xc000 - testBase+0x10000 @ 0xc000
//
// with three images: libsystem_c (symbols, zerofill section), libsystem_m
// (three segments with one section each) and libbroken (a segment outside
// every mapping).
func exampleCache(t *testing.T) *testCache {
	t.Helper()

	c := newTestCache(headerSizeKnown, 0x10000)
	c.primary().
		mapAt(testBase, 0x8000, 0, protRX).
		mapAt(testBase+0x8000, 0x4000, 0x8000, protRW).
		mapAt(testBase+0xc000, 0x4000, 0xc000, protR)

	linkedit := testSeg{"__LINKEDIT", testBase + 0xc000, 0x4000, 0xc000, 0x4000, nil}

	c.addImage(t, "/usr/lib/system/libsystem_c.dylib", testBase+0x1000, machoHeader([]testSeg{
		{"__TEXT", testBase + 0x1000, 0x1000, 0x1000, 0x1000, []testSect{
			{"__text", testBase + 0x1400, 0x100, 0x1400, 0x80000400},
			{"__cstring", testBase + 0x1800, 0x40, 0x1800, macho.S_CSTRING_LITERALS},
		}},
		{"__DATA", testBase + 0x8000, 0x1000, 0x8000, 0x1000, []testSect{
			{"__data", testBase + 0x8000, 0x100, 0x8000, macho.S_REGULAR},
			{"__bss", testBase + 0x8800, 0x200, 0, macho.S_ZEROFILL},
		}},
		linkedit,
	}, symtabCmd(0xc000, 3, 0xc100, 0x20)))

	nlists, strtab := symbolTable([]testSym{
		{"_foo", macho.N_SECT | macho.N_EXT, 1, testBase + 0x1400},
		{"_bar", macho.N_SECT, 1, testBase + 0x1480},
		{"_printf", macho.N_UNDF | macho.N_EXT, 0, 0},
	})
	c.write(t, testBase+0xc000, nlists)
	c.write(t, testBase+0xc100, strtab)
	c.write(t, testBase+0x1400, bytes.Repeat([]byte{0xc0, 0x03, 0x5f, 0xd6}, 0x40))
	c.write(t, testBase+0x1800, []byte("hello, world\x00"))
	c.write(t, testBase+0x8000, bytes.Repeat([]byte{0x11}, 0x100))

	c.addImage(t, "/usr/lib/system/libsystem_m.dylib", testBase+0x2000, machoHeader([]testSeg{
		{"__TEXT", testBase + 0x2000, 0x1000, 0x2000, 0x1000, []testSect{
			{"__text", testBase + 0x2100, 0x80, 0x2100, 0x80000400},
		}},
		{"__DATA_CONST", testBase + 0x9000, 0x1000, 0x9000, 0x1000, []testSect{
			{"__const", testBase + 0x9000, 0x40, 0x9000, macho.S_REGULAR},
		}},
		{"__DATA", testBase + 0xa000, 0x1000, 0xa000, 0x1000, []testSect{
			{"__data", testBase + 0xa000, 0x40, 0xa000, macho.S_REGULAR},
		}},
		linkedit,
	}, symtabCmd(0xc200, 1, 0xc300, 0x10)))

	nlists, strtab = symbolTable([]testSym{
		{"_sqrt", macho.N_SECT | macho.N_EXT, 1, testBase + 0x2100},
	})
	c.write(t, testBase+0xc200, nlists)
	c.write(t, testBase+0xc300, strtab)

	c.addImage(t, "/usr/lib/libbroken.dylib", testBase+0x3000, machoHeader([]testSeg{
		{"__TEXT", testBase + 0x3000, 0x1000, 0x3000, 0x1000, []testSect{
			{"__text", testBase + 0x3100, 0x10, 0x3100, 0x80000400},
		}},
		{"__DATA", testBase + 0x20000, 0x1000, 0x20000, 0x1000, []testSect{
			{"__data", testBase + 0x20000, 0x10, 0x20000, macho.S_REGULAR},
		}},
	}))

	return c
}

func openExample(t *testing.T) *File {
	t.Helper()
	f, err := Open(exampleCache(t).build(t))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func writeFile(t *testing.T, path string, dat []byte) {
	t.Helper()
	if err := os.WriteFile(path, dat, 0o644); err != nil {
		t.Fatal(err)
	}
}
