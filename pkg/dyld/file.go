package dyld

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/dsc/pkg/macho"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultImageCacheSize is the number of parsed image headers kept in memory.
const DefaultImageCacheSize = 256

// A File represents an open dyld_shared_cache and all of its sub-caches.
type File struct {
	Path string
	CacheHeader

	SubCaches *SubCacheSet
	Images    []*CacheImage

	space *AddressSpace
	cmds  *lru.Cache[int, *macho.File]
}

type config struct {
	imageCacheSize int
}

// Option configures Open.
type Option func(*config)

// WithImageCacheSize bounds the number of parsed image headers kept in memory.
func WithImageCacheSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.imageCacheSize = n
		}
	}
}

// Open maps the dyld_shared_cache at name together with every sub-cache it
// declares and indexes its images. The returned File must be closed.
func Open(name string, opts ...Option) (*File, error) {
	conf := config{imageCacheSize: DefaultImageCacheSize}
	for _, opt := range opts {
		opt(&conf)
	}

	set, err := OpenSubCaches(name)
	if err != nil {
		return nil, err
	}

	f := &File{
		Path:        name,
		CacheHeader: *set.Primary().Header,
		SubCaches:   set,
	}

	if f.space, err = BuildAddressSpace(set); err != nil {
		set.Close()
		return nil, &LoadError{Path: name, Err: err}
	}

	if f.Images, err = f.readImages(); err != nil {
		set.Close()
		return nil, &LoadError{Path: name, Err: err}
	}

	f.cmds, err = lru.New[int, *macho.File](conf.imageCacheSize)
	if err != nil {
		set.Close()
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}

	log.WithFields(log.Fields{
		"file":     filepath.Base(name),
		"files":    len(set.Caches),
		"mappings": len(f.space.ranges),
		"images":   len(f.Images),
	}).Debug("Parsed dyld_shared_cache")

	return f, nil
}

// Close releases every mapped file. Slices returned by reads are invalid
// afterwards.
func (f *File) Close() error {
	if f.cmds != nil {
		f.cmds.Purge()
	}
	return f.SubCaches.Close()
}

// AddressSpace returns the merged address space of the cache.
func (f *File) AddressSpace() *AddressSpace { return f.space }

// Mappings returns the mapping table of the primary cache file.
func (f *File) Mappings() []CacheMappingInfo { return f.SubCaches.Primary().Mappings }

// Is64bit reports whether the cache holds 64-bit images.
func (f *File) Is64bit() bool { return f.Magic.Is64() }

// Base returns the unslid address of the start of the shared region.
func (f *File) Base() uint64 {
	if ms := f.Mappings(); len(ms) > 0 {
		return ms[0].Address
	}
	return f.SharedRegionStart
}

// Read returns size bytes at the virtual address addr.
func (f *File) Read(addr, size uint64) ([]byte, error) {
	return f.space.Read(addr, size)
}

// GetOffset returns the sub-cache and file offset backing a virtual address.
func (f *File) GetOffset(addr uint64) (*SubCache, uint64, error) {
	sub, off, err := f.space.Resolve(addr)
	if err != nil {
		return nil, 0, err
	}
	return f.SubCaches.Caches[sub], off, nil
}

// GetVMAddress returns the virtual address of a file offset in sub-cache sub.
func (f *File) GetVMAddress(sub int, off uint64) (uint64, error) {
	return f.space.ToAddress(sub, off)
}

func (f *File) readImages() ([]*CacheImage, error) {
	primary := f.SubCaches.Primary()
	off, count := f.CacheHeader.images()

	dat, err := primary.Read(uint64(off), uint64(count)*imageInfoSize)
	if err != nil {
		return nil, &FormatError{int64(off), "image table out of bounds", count, ErrMalformedHeader}
	}

	images := make([]*CacheImage, count)
	for i := range images {
		b := dat[i*imageInfoSize:]
		img := &CacheImage{
			Index: i,
			CacheImageInfo: CacheImageInfo{
				Address:        binary.LittleEndian.Uint64(b[0:]),
				ModTime:        binary.LittleEndian.Uint64(b[8:]),
				Inode:          binary.LittleEndian.Uint64(b[16:]),
				PathFileOffset: binary.LittleEndian.Uint32(b[24:]),
				Pad:            binary.LittleEndian.Uint32(b[28:]),
			},
			cache: f,
		}
		img.Name, err = primary.CString(uint64(img.PathFileOffset))
		if err != nil {
			return nil, &FormatError{int64(off) + int64(i*imageInfoSize), "image path out of bounds", img.PathFileOffset, ErrMalformedHeader}
		}
		images[i] = img
	}

	return images, nil
}
