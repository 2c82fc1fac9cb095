// Package dsc implements the `dsc` commands
package dsc

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"

	"github.com/apex/log"
	"github.com/blacktop/dsc/pkg/dyld"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Dylib is a struct that contains information about a dyld_shared_cache dylib
type Dylib struct {
	Index       int    `json:"index,omitempty"`
	Name        string `json:"name,omitempty"`
	UUID        string `json:"uuid,omitempty"`
	LoadAddress uint64 `json:"load_address,omitempty"`
}

// Mapping is one range of the cache's merged address space
type Mapping struct {
	Address    uint64 `json:"address"`
	Size       uint64 `json:"size"`
	SubCache   string `json:"sub_cache"`
	FileOffset uint64 `json:"file_offset"`
	MaxProt    string `json:"max_prot,omitempty"`
	InitProt   string `json:"init_prot,omitempty"`
}

// SubCache is a file of a split dyld_shared_cache
type SubCache struct {
	Index    int    `json:"index"`
	Suffix   string `json:"suffix"`
	UUID     string `json:"uuid"`
	VMOffset uint64 `json:"vm_offset,omitempty"`
	Size     uint64 `json:"size"`
}

// Info is a struct that contains information about a dyld_shared_cache file
type Info struct {
	Magic           string     `json:"magic,omitempty"`
	UUID            string     `json:"uuid,omitempty"`
	Platform        string     `json:"platform,omitempty"`
	Layout          string     `json:"layout,omitempty"`
	MaxSlide        int        `json:"max_slide,omitempty"`
	SharedRegion    uint64     `json:"shared_region_start,omitempty"`
	SymSubCacheUUID string     `json:"sym_sub_cache_uuid,omitempty"`
	Mappings        []Mapping  `json:"mappings,omitempty"`
	SubCaches       []SubCache `json:"sub_caches,omitempty"`
	NumImages       int        `json:"num_images"`
}

// Section is a struct that contains information about a dyld_shared_cache image section
type Section struct {
	Segment string `json:"segment"`
	Name    string `json:"name"`
	Address uint64 `json:"address"`
	Size    uint64 `json:"size"`
	Offset  uint32 `json:"offset,omitempty"`
}

// Symbol is a struct that contains information about a dyld_shared_cache symbol
type Symbol struct {
	Address uint64 `json:"address"`
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	Image   string `json:"image,omitempty"`
}

// ImageSections holds the sections of one image and anything that went wrong
// while reading them.
type ImageSections struct {
	Image    string    `json:"image"`
	Sections []Section `json:"sections"`
	Errors   []string  `json:"errors,omitempty"`
}

// ImageSymbols holds the symbols of one image and anything that went wrong
// while reading them.
type ImageSymbols struct {
	Image   string   `json:"image"`
	Symbols []Symbol `json:"symbols"`
	Errors  []string `json:"errors,omitempty"`
}

// Options selects the images a query runs against
type Options struct {
	Image   string // install name, base name or substring; empty means every image
	Workers int    // concurrent images, defaults to GOMAXPROCS
	// Progress is called once for every image that has been read.
	Progress func()
}

// SymbolOptions configures GetSymbols
type SymbolOptions struct {
	Options
	Pattern string // only keep symbols matching this regex
	Locals  bool   // include the unmapped local symbols
}

// AddrInfo is the result of an address or offset conversion
type AddrInfo struct {
	Address  uint64 `json:"address"`
	SubCache string `json:"sub_cache"`
	Index    int    `json:"sub_cache_index"`
	Offset   uint64 `json:"offset"`
	Image    string `json:"image,omitempty"`
}

// ListImages returns the images of a dyld_shared_cache in cache order
func ListImages(f *dyld.File) []Dylib {
	dylibs := make([]Dylib, 0, len(f.Images))
	for _, img := range f.Images {
		d := Dylib{
			Index:       img.Index + 1,
			Name:        img.Name,
			LoadAddress: img.Address,
		}
		if m, err := img.GetMacho(); err == nil {
			if u := m.UUID(); u != nil {
				d.UUID = u.String()
			}
		} else {
			log.WithError(err).Debugf("failed to parse %s", img.Name)
		}
		dylibs = append(dylibs, d)
	}
	return dylibs
}

// GetInfo returns a Info struct for a given dyld_shared_cache file
func GetInfo(f *dyld.File) *Info {
	info := &Info{
		Magic:        f.Magic.String(),
		UUID:         f.UUID.String(),
		Platform:     f.Platform.String(),
		Layout:       f.Layout().String(),
		MaxSlide:     int(f.MaxSlide),
		SharedRegion: f.SharedRegionStart,
		NumImages:    len(f.Images),
	}

	if f.HasSymbolFile() {
		info.SymSubCacheUUID = f.SymbolFileUUID.String()
	}

	for _, r := range f.AddressSpace().Ranges() {
		info.Mappings = append(info.Mappings, Mapping{
			Address:    r.Start,
			Size:       r.Size(),
			SubCache:   f.SubCaches.Caches[r.SubCache].String(),
			FileOffset: r.FileOffset,
			MaxProt:    r.MaxProt.String(),
			InitProt:   r.InitProt.String(),
		})
	}

	for _, sc := range f.SubCaches.Caches {
		info.SubCaches = append(info.SubCaches, SubCache{
			Index:    sc.Index,
			Suffix:   sc.String(),
			UUID:     sc.UUID.String(),
			VMOffset: sc.VMOffset,
			Size:     sc.Size(),
		})
	}

	return info
}

// Dump returns size bytes at the virtual address addr
func Dump(f *dyld.File, addr, size uint64) ([]byte, error) {
	dat, err := f.Read(addr, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dump %#x bytes at %#x", size, addr)
	}
	return dat, nil
}

// Address2Offset converts a virtual address into its sub-cache file offset
func Address2Offset(f *dyld.File, addr uint64) (*AddrInfo, error) {
	sc, off, err := f.GetOffset(addr)
	if err != nil {
		return nil, err
	}
	ai := &AddrInfo{
		Address:  addr,
		SubCache: sc.String(),
		Index:    sc.Index,
		Offset:   off,
	}
	if img, err := f.ImageContaining(addr); err == nil {
		ai.Image = img.Name
	}
	return ai, nil
}

// Offset2Address converts a file offset in sub-cache sub into a virtual address
func Offset2Address(f *dyld.File, sub int, off uint64) (*AddrInfo, error) {
	if sub < 0 || sub >= len(f.SubCaches.Caches) {
		return nil, fmt.Errorf("sub-cache index %d out of range (cache has %d files)", sub, len(f.SubCaches.Caches))
	}
	addr, err := f.GetVMAddress(sub, off)
	if err != nil {
		return nil, err
	}
	sc := f.SubCaches.Caches[sub]
	ai := &AddrInfo{
		Address:  addr,
		SubCache: sc.String(),
		Index:    sub,
		Offset:   off,
	}
	if img, err := f.ImageContaining(addr); err == nil {
		ai.Image = img.Name
	}
	return ai, nil
}

// GetSections returns the sections of the selected images in cache order
func GetSections(ctx context.Context, f *dyld.File, opts Options) ([]ImageSections, error) {
	images, err := selectImages(f, opts.Image)
	if err != nil {
		return nil, err
	}

	out := make([]ImageSections, len(images))
	err = forEachImage(ctx, images, opts.Workers, opts.Progress, func(i int, img *dyld.CacheImage) error {
		res := ImageSections{Image: img.Name, Sections: []Section{}}
		secs, err := f.Sections(img)
		if err != nil {
			if fatal := diagnose(err, opts.Image != ""); fatal != nil {
				return fatal
			}
			res.Errors = errorStrings(err)
		}
		for _, s := range secs {
			res.Sections = append(res.Sections, Section{
				Segment: s.Segment,
				Name:    s.Name,
				Address: s.Addr,
				Size:    s.Size,
				Offset:  s.Offset,
			})
		}
		out[i] = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// GetSymbols returns the symbols of the selected images in cache order
func GetSymbols(ctx context.Context, f *dyld.File, opts SymbolOptions) ([]ImageSymbols, error) {
	var re *regexp.Regexp
	if len(opts.Pattern) > 0 {
		var err error
		if re, err = regexp.Compile(opts.Pattern); err != nil {
			return nil, errors.Wrapf(err, "invalid regex %q", opts.Pattern)
		}
	}

	images, err := selectImages(f, opts.Image)
	if err != nil {
		return nil, err
	}

	out := make([]ImageSymbols, len(images))
	err = forEachImage(ctx, images, opts.Workers, opts.Progress, func(i int, img *dyld.CacheImage) error {
		res := ImageSymbols{Image: img.Name, Symbols: []Symbol{}}

		syms, err := f.Symbols(img)
		if err != nil {
			if fatal := diagnose(err, opts.Image != ""); fatal != nil {
				return fatal
			}
			res.Errors = errorStrings(err)
		}
		if opts.Locals {
			lsyms, err := f.LocalSymbols(img)
			if err != nil {
				if errors.Is(err, dyld.ErrNoLocalSymbols) {
					return err
				}
				if fatal := diagnose(err, opts.Image != ""); fatal != nil {
					return fatal
				}
				res.Errors = append(res.Errors, errorStrings(err)...)
			}
			syms = append(lsyms, syms...)
		}

		for _, s := range syms {
			if re != nil && !re.MatchString(s.Name) {
				continue
			}
			res.Symbols = append(res.Symbols, Symbol{
				Address: s.Value,
				Name:    s.Name,
				Type:    s.Kind.String(),
				Image:   filepath.Base(img.Name),
			})
		}
		out[i] = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func selectImages(f *dyld.File, name string) ([]*dyld.CacheImage, error) {
	if len(name) == 0 {
		return f.Images, nil
	}
	img, err := f.Image(name)
	if err != nil {
		if img, err = f.FindImageByName(name); err != nil {
			return nil, err
		}
	}
	return []*dyld.CacheImage{img}, nil
}

// forEachImage runs fn for every image on a bounded pool. fn writes its result
// into slot i so the output keeps cache order.
func forEachImage(ctx context.Context, images []*dyld.CacheImage, workers int, progress func(), fn func(int, *dyld.CacheImage) error) error {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, img := range images {
		i, img := i, img
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := fn(i, img); err != nil {
				return err
			}
			if progress != nil {
				progress()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// diagnose decides whether an image error stops the query. Partial results
// (an *ImageError) never do; anything else only does when a single image
// was asked for.
func diagnose(err error, single bool) error {
	var ierr *dyld.ImageError
	if errors.As(err, &ierr) || !single {
		log.WithError(err).Warn("partial result")
		return nil
	}
	return err
}

func errorStrings(err error) []string {
	var ierr *dyld.ImageError
	if errors.As(err, &ierr) {
		msgs := make([]string, 0, len(ierr.Errs))
		for _, e := range ierr.Errs {
			msgs = append(msgs, e.Error())
		}
		return msgs
	}
	return []string{err.Error()}
}
