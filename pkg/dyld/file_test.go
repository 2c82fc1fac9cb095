package dyld

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/blacktop/dsc/pkg/macho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	f := openExample(t)

	assert.Equal(t, "dyld_v1  arm64e", f.Magic.String())
	assert.True(t, f.Is64bit())
	assert.Equal(t, uint64(testBase), f.Base())
	assert.Len(t, f.SubCaches.Caches, 1)
	assert.Len(t, f.Mappings(), 3)
	assert.Len(t, f.AddressSpace().Ranges(), 3)

	var names []string
	for _, img := range f.Images {
		names = append(names, img.Name)
	}
	assert.Equal(t, []string{
		"/usr/lib/system/libsystem_c.dylib",
		"/usr/lib/system/libsystem_m.dylib",
		"/usr/lib/libbroken.dylib",
	}, names)
}

func TestOpenImagesStable(t *testing.T) {
	path := exampleCache(t).build(t)

	var runs [][]string
	for i := 0; i < 2; i++ {
		f, err := Open(path)
		require.NoError(t, err)
		var names []string
		for _, img := range f.Images {
			names = append(names, img.Name)
		}
		runs = append(runs, names)
		require.NoError(t, f.Close())
	}
	assert.Equal(t, runs[0], runs[1])
}

func TestOpenMalformedImageTable(t *testing.T) {
	c := exampleCache(t)
	c.images = append(c.images, testImageEntry{"/usr/lib/libz.dylib", testBase + 0x4000})
	path := c.build(t)

	dat := c.primary().data
	hdr, err := parseHeader(dat)
	require.NoError(t, err)
	// point the last path far outside the file
	le.PutUint32(dat[hdr.ImagesOffset+3*imageInfoSize+24:], 0xffffff)
	writeFile(t, path, dat)

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrMalformedHeader)
	var lerr *LoadError
	assert.ErrorAs(t, err, &lerr)
}

func TestSections(t *testing.T) {
	f := openExample(t)

	t.Run("three segments", func(t *testing.T) {
		img, err := f.Image("libsystem_m.dylib")
		require.NoError(t, err)
		secs, err := f.Sections(img)
		require.NoError(t, err)
		require.Len(t, secs, 3)
		assert.Equal(t, "__TEXT.__text", secs[0].Segment+"."+secs[0].Name)
		assert.Equal(t, "__DATA_CONST.__const", secs[1].Segment+"."+secs[1].Name)
		assert.Equal(t, "__DATA.__data", secs[2].Segment+"."+secs[2].Name)
		for _, s := range secs {
			assert.Equal(t, img.Name, s.Image)
			_, _, err := f.AddressSpace().Resolve(s.Addr)
			assert.NoError(t, err, s.Name)
		}
	})

	t.Run("zerofill", func(t *testing.T) {
		img, err := f.Image("libsystem_c.dylib")
		require.NoError(t, err)
		secs, err := f.Sections(img)
		require.NoError(t, err)
		require.Len(t, secs, 4)
		assert.Equal(t, "__bss", secs[3].Name)
		assert.True(t, secs[3].Flags.IsZerofill())
	})

	t.Run("unresolved section", func(t *testing.T) {
		img, err := f.Image("/usr/lib/libbroken.dylib")
		require.NoError(t, err)
		secs, err := f.Sections(img)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnresolvedSection)
		var ierr *ImageError
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, img.Name, ierr.Image)
		assert.Len(t, ierr.Errs, 1)
		require.Len(t, secs, 1)
		assert.Equal(t, "__text", secs[0].Name)
	})
}

func TestSectionsBadMachO(t *testing.T) {
	c := exampleCache(t)
	c.images = append(c.images, testImageEntry{"/usr/lib/libgarbage.dylib", testBase + 0x4000})
	c.write(t, testBase+0x4000, []byte{0xde, 0xad, 0xbe, 0xef})
	f, err := Open(c.build(t))
	require.NoError(t, err)
	defer f.Close()

	img, err := f.Image("libgarbage.dylib")
	require.NoError(t, err)
	_, err = f.Sections(img)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrImageNotMapped)
	assert.NotErrorIs(t, err, ErrUnmapped)
	var lerr *LookupError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, img.Name, lerr.Image)
	assert.Equal(t, "mach header", lerr.Name)
	var ferr *macho.FormatError
	assert.ErrorAs(t, err, &ferr)
}

func TestSectionsImageNotMapped(t *testing.T) {
	c := exampleCache(t)
	c.images = append(c.images, testImageEntry{"/usr/lib/libghost.dylib", testBase + 0x40000})
	f, err := Open(c.build(t))
	require.NoError(t, err)
	defer f.Close()

	img, err := f.Image("libghost.dylib")
	require.NoError(t, err)
	_, err = f.Sections(img)
	assert.ErrorIs(t, err, ErrImageNotMapped)
	assert.ErrorIs(t, err, ErrUnmapped)
	var lerr *LookupError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, img.Name, lerr.Image)

	// other images are unaffected
	img, err = f.Image("libsystem_m.dylib")
	require.NoError(t, err)
	secs, err := f.Sections(img)
	require.NoError(t, err)
	assert.Len(t, secs, 3)
}

func TestSymbols(t *testing.T) {
	f := openExample(t)

	img, err := f.Image("libsystem_c.dylib")
	require.NoError(t, err)
	syms, err := f.Symbols(img)
	require.NoError(t, err)
	require.Len(t, syms, 3)

	assert.Equal(t, "_foo", syms[0].Name)
	assert.Equal(t, uint64(testBase+0x1400), syms[0].Value)
	assert.Equal(t, macho.KindDefined, syms[0].Kind)
	assert.Equal(t, "_bar", syms[1].Name)
	assert.Equal(t, macho.KindLocal, syms[1].Kind)
	assert.Equal(t, "_printf", syms[2].Name)
	assert.Equal(t, macho.KindUndefined, syms[2].Kind)

	img, err = f.Image("libbroken.dylib")
	require.NoError(t, err)
	syms, err = f.Symbols(img)
	require.NoError(t, err)
	assert.Empty(t, syms)
}

func TestSymbolsInvalidName(t *testing.T) {
	c := exampleCache(t)
	// second symbol points past the 0x10 byte string table of libsystem_m
	nlists, _ := symbolTable([]testSym{{"_sqrt", macho.N_SECT | macho.N_EXT, 1, testBase + 0x2100}})
	le.PutUint32(nlists[0:], 0x40)
	c.write(t, testBase+0xc200, nlists)
	f, err := Open(c.build(t))
	require.NoError(t, err)
	defer f.Close()

	img, err := f.Image("libsystem_m.dylib")
	require.NoError(t, err)
	syms, err := f.Symbols(img)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	require.Len(t, syms, 1)
	assert.Equal(t, "<invalid>", syms[0].Name)
	assert.Equal(t, uint64(testBase+0x2100), syms[0].Value)
}

func TestFindImageByName(t *testing.T) {
	f := openExample(t)

	img, err := f.FindImageByName("libsystem")
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/system/libsystem_c.dylib", img.Name)

	img, err = f.FindImageByName("_m.dylib")
	require.NoError(t, err)
	assert.Equal(t, 1, img.Index)

	_, err = f.FindImageByName("LibSystem")
	assert.ErrorIs(t, err, ErrImageNotFound)

	_, err = f.Image("libsystem")
	assert.ErrorIs(t, err, ErrImageNotFound)
}

func TestImageContaining(t *testing.T) {
	f := openExample(t)

	img, err := f.ImageContaining(testBase + 0x9010)
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/system/libsystem_m.dylib", img.Name)

	// __LINKEDIT is shared and never attributed
	_, err = f.ImageContaining(testBase + 0xc010)
	assert.ErrorIs(t, err, ErrImageNotFound)
}

func TestGetMachoCached(t *testing.T) {
	f := openExample(t)
	img := f.Images[0]

	m1, err := img.GetMacho()
	require.NoError(t, err)
	m2, err := img.GetMacho()
	require.NoError(t, err)
	assert.Same(t, m1, m2)
	assert.Equal(t, 1, f.cmds.Len())
}

func TestDump(t *testing.T) {
	f := openExample(t)

	a, err := f.Read(testBase+0x1400, 0x10)
	require.NoError(t, err)
	b, err := f.Read(testBase+0x1400, 0x10)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, []byte{0xc0, 0x03, 0x5f, 0xd6}, a[:4])

	// __TEXT and __DATA are adjacent
	dat, err := f.Read(testBase+0x7ff0, 0x20)
	require.NoError(t, err)
	assert.Len(t, dat, 0x20)

	_, err = f.Read(testBase+0xfff0, 0x20)
	assert.ErrorIs(t, err, ErrUnmapped)
}

func TestGetOffset(t *testing.T) {
	f := openExample(t)

	sc, off, err := f.GetOffset(testBase + 0x8010)
	require.NoError(t, err)
	assert.Equal(t, 0, sc.Index)
	assert.Equal(t, uint64(0x8010), off)

	addr, err := f.GetVMAddress(0, 0xc000)
	require.NoError(t, err)
	assert.Equal(t, uint64(testBase+0xc000), addr)
}

func TestReader(t *testing.T) {
	f := openExample(t)

	r := f.NewReader(testBase+0x1800, 0x10)
	dat, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", strings.TrimRight(string(dat), "\x00"))

	_, err = r.Seek(7, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	var out bytes.Buffer
	_, err = io.Copy(&out, f.NewReader(testBase+0xfff0, 0x20))
	assert.ErrorIs(t, err, ErrUnmapped)
}

func TestPrint(t *testing.T) {
	f := openExample(t)

	var buf bytes.Buffer
	require.NoError(t, f.PrintMappings(&buf))
	assert.Contains(t, buf.String(), "primary")
	assert.Equal(t, 5, strings.Count(buf.String(), "\n"))

	buf.Reset()
	require.NoError(t, f.PrintSubCaches(&buf))
	assert.Contains(t, buf.String(), f.UUID.String())

	assert.Contains(t, f.CacheHeader.String(), "dyld_v1  arm64e")
}
