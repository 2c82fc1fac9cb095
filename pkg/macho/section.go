package macho

// A Section is a Mach-O section header widened to 64 bits.
type Section struct {
	Name      string
	Seg       string
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     SectionFlag
	Reserved1 uint32
	Reserved2 uint32
	// RecordOff is the position of the section record relative to the first
	// load command.
	RecordOff uint32
}

type SectionFlag uint32

const (
	SECTION_TYPE SectionFlag = 0x000000ff /* 256 section types */

	S_REGULAR               SectionFlag = 0x0  /* regular section */
	S_ZEROFILL              SectionFlag = 0x1  /* zero fill on demand section */
	S_CSTRING_LITERALS      SectionFlag = 0x2  /* section with only literal C strings*/
	S_GB_ZEROFILL           SectionFlag = 0xc  /* zero fill on demand section (that can be larger than 4 gigabytes) */
	S_THREAD_LOCAL_ZEROFILL SectionFlag = 0x12 /* thread local zerofill section */
)

func (t SectionFlag) Type() SectionFlag { return t & SECTION_TYPE }

// IsZerofill reports whether the section occupies no bytes on disk.
func (t SectionFlag) IsZerofill() bool {
	switch t.Type() {
	case S_ZEROFILL, S_GB_ZEROFILL, S_THREAD_LOCAL_ZEROFILL:
		return true
	}
	return false
}

// IsZerofill reports whether the section occupies no bytes on disk.
func (s *Section) IsZerofill() bool { return s.Flags.IsZerofill() }
