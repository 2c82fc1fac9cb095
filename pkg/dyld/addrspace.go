package dyld

import (
	"fmt"
	"math"
	"sort"

	"github.com/blacktop/go-macho/types"
)

// MappingRange is a contiguous virtual address interval [Start, End) backed
// by the bytes at FileOffset in sub-cache SubCache.
type MappingRange struct {
	Start      uint64
	End        uint64
	SubCache   int
	FileOffset uint64
	MaxProt    types.VmProtection
	InitProt   types.VmProtection
}

// Size returns the length of the range.
func (r MappingRange) Size() uint64 { return r.End - r.Start }

// Contains reports whether addr lies inside the range.
func (r MappingRange) Contains(addr uint64) bool { return r.Start <= addr && addr < r.End }

func (r MappingRange) String() string {
	return fmt.Sprintf("%#x-%#x -> sub-cache %d @ %#x", r.Start, r.End, r.SubCache, r.FileOffset)
}

// AddressSpace is the merged, sorted and disjoint set of mapping ranges of
// every sub-cache. It is immutable once built.
type AddressSpace struct {
	ranges []MappingRange
	files  []*MappedFile
}

// NewAddressSpace validates ranges against the files that back them
// (indexed by MappingRange.SubCache) and sorts them. Empty ranges are
// dropped; overlapping ranges fail with ErrOverlappingMapping.
func NewAddressSpace(ranges []MappingRange, files []*MappedFile) (*AddressSpace, error) {
	as := &AddressSpace{files: files}

	for _, r := range ranges {
		if r.End == r.Start {
			continue
		}
		if r.End < r.Start {
			return nil, fmt.Errorf("%w: mapping %#x-%#x ends before it starts", ErrMalformedHeader, r.Start, r.End)
		}
		if r.SubCache < 0 || r.SubCache >= len(files) || files[r.SubCache] == nil {
			return nil, fmt.Errorf("%w: mapping %s references unknown sub-cache", ErrMalformedHeader, r)
		}
		if size := files[r.SubCache].Size(); r.FileOffset > size || r.Size() > size-r.FileOffset {
			return nil, fmt.Errorf("%w: mapping %s exceeds %s (%#x bytes)", ErrMalformedHeader, r, files[r.SubCache].Name, size)
		}
		as.ranges = append(as.ranges, r)
	}

	sort.Slice(as.ranges, func(i, j int) bool {
		return as.ranges[i].Start < as.ranges[j].Start
	})

	for i := 1; i < len(as.ranges); i++ {
		prev, cur := as.ranges[i-1], as.ranges[i]
		if cur.Start < prev.End {
			return nil, fmt.Errorf("%w: %s and %s", ErrOverlappingMapping, prev, cur)
		}
	}

	return as, nil
}

// BuildAddressSpace merges the mapping tables of every sub-cache in set. The
// ".symbols" file maps nothing into the shared region and is skipped.
func BuildAddressSpace(set *SubCacheSet) (*AddressSpace, error) {
	var ranges []MappingRange
	for _, sc := range set.Caches {
		if sc.Symbols {
			continue
		}
		for _, m := range sc.Mappings {
			if m.Size > math.MaxUint64-m.Address {
				return nil, fmt.Errorf("%w: %s mapping %#x (+%#x) wraps the address space", ErrMalformedHeader, sc, m.Address, m.Size)
			}
			ranges = append(ranges, MappingRange{
				Start:      m.Address,
				End:        m.Address + m.Size,
				SubCache:   sc.Index,
				FileOffset: m.FileOffset,
				MaxProt:    m.MaxProt,
				InitProt:   m.InitProt,
			})
		}
	}
	return NewAddressSpace(ranges, set.files())
}

// Ranges returns a copy of the sorted range table.
func (as *AddressSpace) Ranges() []MappingRange {
	return append([]MappingRange(nil), as.ranges...)
}

// find returns the index of the range containing addr, or -1.
func (as *AddressSpace) find(addr uint64) int {
	i := sort.Search(len(as.ranges), func(i int) bool {
		return as.ranges[i].End > addr
	})
	if i < len(as.ranges) && as.ranges[i].Start <= addr {
		return i
	}
	return -1
}

// Range returns the mapping range containing addr.
func (as *AddressSpace) Range(addr uint64) (MappingRange, error) {
	if i := as.find(addr); i >= 0 {
		return as.ranges[i], nil
	}
	return MappingRange{}, &AddressError{Addr: addr, Err: ErrUnmapped}
}

// Resolve translates a virtual address to the sub-cache and file offset
// that back it.
func (as *AddressSpace) Resolve(addr uint64) (int, uint64, error) {
	r, err := as.Range(addr)
	if err != nil {
		return 0, 0, err
	}
	return r.SubCache, r.FileOffset + (addr - r.Start), nil
}

// Check reports whether every byte of [addr, addr+size) is mapped.
func (as *AddressSpace) Check(addr, size uint64) error {
	_, err := as.walk(addr, size, nil)
	return err
}

// Read returns the size bytes at virtual address addr. A request that stays
// inside one mapping returns a slice of the mapped file; one that continues
// into an adjacent mapping is assembled into a new buffer. Any gap fails the
// whole read with ErrUnmapped.
func (as *AddressSpace) Read(addr, size uint64) ([]byte, error) {
	var out []byte
	n, err := as.walk(addr, size, func(chunk []byte, first bool) {
		if first && uint64(len(chunk)) == size {
			out = chunk
			return
		}
		if out == nil {
			out = make([]byte, 0, size)
		}
		out = append(out, chunk...)
	})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	return out, nil
}

func (as *AddressSpace) walk(addr, size uint64, fn func(chunk []byte, first bool)) (int, error) {
	fail := &AddressError{Addr: addr, Size: size, Err: ErrUnmapped}

	i := as.find(addr)
	if i < 0 {
		return 0, fail
	}
	if size > 0 && size-1 > math.MaxUint64-addr {
		return 0, fail
	}

	// validate before handing out any bytes
	var chunks int
	for cur, left, j := addr, size, i; left > 0; j++ {
		if j >= len(as.ranges) || as.ranges[j].Start > cur {
			return 0, fail
		}
		n := min(left, as.ranges[j].End-cur)
		cur += n
		left -= n
		chunks++
	}

	if fn == nil {
		return chunks, nil
	}
	for cur, left, j := addr, size, i; left > 0; j++ {
		r := as.ranges[j]
		n := min(left, r.End-cur)
		dat, err := as.files[r.SubCache].Read(r.FileOffset+(cur-r.Start), n)
		if err != nil {
			return 0, err
		}
		fn(dat, j == i)
		cur += n
		left -= n
	}
	return chunks, nil
}

// ToAddress translates a file offset in sub-cache sub back to a virtual
// address.
func (as *AddressSpace) ToAddress(sub int, off uint64) (uint64, error) {
	for _, r := range as.ranges {
		if r.SubCache == sub && off >= r.FileOffset && off-r.FileOffset < r.Size() {
			return r.Start + (off - r.FileOffset), nil
		}
	}
	return 0, fmt.Errorf("offset %#x of sub-cache %d: %w", off, sub, ErrUnmapped)
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
