package dyld

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
)

func (dch CacheHeader) String() string {
	imgOff, imgCount := dch.images()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Magic               = %s\n", dch.Magic)
	fmt.Fprintf(&sb, "UUID                = %s\n", dch.UUID)
	fmt.Fprintf(&sb, "Platform            = %s\n", dch.Platform)
	fmt.Fprintf(&sb, "Format              = %d", dch.FormatVersion.Version())
	if flags := dch.FormatVersion.String(); flags != "" {
		fmt.Fprintf(&sb, " (%s)", flags)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Header Size         = %#x\n", dch.size())
	fmt.Fprintf(&sb, "Layout              = %s\n", dch.Layout())
	fmt.Fprintf(&sb, "MappingOffset       = %08X\n", dch.MappingOffset)
	fmt.Fprintf(&sb, "MappingCount        = %d\n", dch.MappingCount)
	fmt.Fprintf(&sb, "ImagesOffset        = %08X\n", imgOff)
	fmt.Fprintf(&sb, "ImagesCount         = %d\n", imgCount)
	fmt.Fprintf(&sb, "DyldBaseAddress     = %08X\n", dch.DyldBaseAddress)
	fmt.Fprintf(&sb, "CodeSignatureOffset = %08X\n", dch.CodeSignatureOffset)
	fmt.Fprintf(&sb, "CodeSignatureSize   = %08X\n", dch.CodeSignatureSize)
	fmt.Fprintf(&sb, "LocalSymbolsOffset  = %08X\n", dch.LocalSymbolsOffset)
	fmt.Fprintf(&sb, "LocalSymbolsSize    = %08X\n", dch.LocalSymbolsSize)
	if dch.has(headerSizeSubCaches) {
		fmt.Fprintf(&sb, "SubCacheArrayOffset = %08X\n", dch.SubCacheArrayOffset)
		fmt.Fprintf(&sb, "SubCacheArrayCount  = %d\n", dch.SubCacheArrayCount)
	}
	if dch.HasSymbolFile() {
		fmt.Fprintf(&sb, "SymbolFileUUID      = %s\n", dch.SymbolFileUUID)
	}
	if dch.SharedRegionStart != 0 {
		fmt.Fprintf(&sb, "SharedRegion        = %08X -> %08X (%s)\n",
			dch.SharedRegionStart, dch.SharedRegionStart+dch.SharedRegionSize, humanize.Bytes(dch.SharedRegionSize))
	}
	return sb.String()
}

// PrintMappings writes the merged mapping table of every sub-cache to w.
func (f *File) PrintMappings(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	fmt.Fprintln(tw, "File\tInitProt\tMaxProt\tSize\tAddress\tFile Offset")
	fmt.Fprintln(tw, "----\t--------\t-------\t----\t-------\t-----------")
	for _, r := range f.space.ranges {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%08X -> %08X\t%08X -> %08X\n",
			f.SubCaches.Caches[r.SubCache],
			r.InitProt,
			r.MaxProt,
			humanize.Bytes(r.Size()),
			r.Start, r.End,
			r.FileOffset, r.FileOffset+r.Size(),
		)
	}
	return tw.Flush()
}

// PrintSubCaches writes the sub-cache table to w.
func (f *File) PrintSubCaches(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	fmt.Fprintln(tw, "Index\tFile\tUUID\tVM Offset\tSize")
	fmt.Fprintln(tw, "-----\t----\t----\t---------\t----")
	for _, sc := range f.SubCaches.Caches {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%#x\t%s\n", sc.Index, sc, sc.UUID, sc.VMOffset, humanize.Bytes(sc.Size()))
	}
	return tw.Flush()
}
