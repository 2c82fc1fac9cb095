package macho

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho/types"
)

const (
	segmentCmdSize32 = 56
	segmentCmdSize64 = 72
	sectionSize32    = 68
	sectionSize64    = 80
	symtabCmdSize    = 24
	dysymtabCmdSize  = 80
	dyldInfoCmdSize  = 48
	linkEditCmdSize  = 16
	dylibCmdSize     = 24
	uuidCmdSize      = 24
)

// A LoadCommand is one decoded record of a load command stream.
//
// The set of implementations is closed: *Segment, *Symtab, *Dysymtab,
// *DyldInfo, *LinkEditData, *DylibID, *UUIDCmd and *UnknownCommand, the
// latter holding any command this package does not decode.
type LoadCommand interface {
	Command() types.LoadCmd
	// CmdOffset is the position of the command relative to the first load command.
	CmdOffset() uint32
	Raw() []byte
	isLoadCommand()
}

// LoadBytes is the uninterpreted bytes of a load command.
type LoadBytes []byte

func (b LoadBytes) Raw() []byte { return b }

type loadHeader struct {
	Cmd types.LoadCmd
	Len uint32
	Off uint32
	LoadBytes
}

func (l loadHeader) Command() types.LoadCmd { return l.Cmd }
func (l loadHeader) CmdOffset() uint32      { return l.Off }
func (loadHeader) isLoadCommand()           {}

// A Segment is a LC_SEGMENT or LC_SEGMENT_64 command and its sections.
type Segment struct {
	loadHeader
	Name     string
	Addr     uint64
	Memsz    uint64
	Offset   uint64
	Filesz   uint64
	Maxprot  types.VmProtection
	Prot     types.VmProtection
	Nsect    uint32
	Flag     uint32
	Sections []*Section
}

// Contains reports whether addr falls inside the segment's VM range.
func (s *Segment) Contains(addr uint64) bool {
	return addr >= s.Addr && addr-s.Addr < s.Memsz
}

// A Symtab is a LC_SYMTAB command.
type Symtab struct {
	loadHeader
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

// A Dysymtab is a LC_DYSYMTAB command.
type Dysymtab struct {
	loadHeader
	Ilocalsym      uint32
	Nlocalsym      uint32
	Iextdefsym     uint32
	Nextdefsym     uint32
	Iundefsym      uint32
	Nundefsym      uint32
	Tocoffset      uint32
	Ntoc           uint32
	Modtaboff      uint32
	Nmodtab        uint32
	Extrefsymoff   uint32
	Nextrefsyms    uint32
	Indirectsymoff uint32
	Nindirectsyms  uint32
	Extreloff      uint32
	Nextrel        uint32
	Locreloff      uint32
	Nlocrel        uint32
}

// A DyldInfo is a LC_DYLD_INFO or LC_DYLD_INFO_ONLY command.
type DyldInfo struct {
	loadHeader
	RebaseOff    uint32
	RebaseSize   uint32
	BindOff      uint32
	BindSize     uint32
	WeakBindOff  uint32
	WeakBindSize uint32
	LazyBindOff  uint32
	LazyBindSize uint32
	ExportOff    uint32
	ExportSize   uint32
}

// A LinkEditData is any linkedit_data_command (function starts, data in
// code, code signature, exports trie, chained fixups, ...).
type LinkEditData struct {
	loadHeader
	DataOff  uint32
	DataSize uint32
}

// A DylibID is a LC_ID_DYLIB command.
type DylibID struct {
	loadHeader
	Name           string
	Time           uint32
	CurrentVersion uint32
	CompatVersion  uint32
}

// A UUIDCmd is a LC_UUID command.
type UUIDCmd struct {
	loadHeader
	ID types.UUID
}

// An UnknownCommand is a load command that is not decoded.
type UnknownCommand struct {
	loadHeader
}

// Commands is a load command stream in file order.
type Commands []LoadCommand

// Segments returns the segment commands in load order.
func (c Commands) Segments() []*Segment {
	var segs []*Segment
	for _, l := range c {
		if s, ok := l.(*Segment); ok {
			segs = append(segs, s)
		}
	}
	return segs
}

// Segment returns the first segment named name, or nil.
func (c Commands) Segment(name string) *Segment {
	for _, s := range c.Segments() {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// ParseLoadCommands decodes ncmds load commands from dat. Decoding stops at
// the first command that is truncated, has a size smaller than 8 or not a
// multiple of 4; the commands decoded up to that point are returned with the
// error.
func ParseLoadCommands(dat []byte, ncmds uint32) (Commands, error) {
	bo := binary.LittleEndian
	var loads Commands
	var off uint32
	for i := uint32(0); i < ncmds; i++ {
		if uint64(off)+8 > uint64(len(dat)) {
			return loads, &FormatError{int64(off), "load command header truncated", i}
		}
		cmd := types.LoadCmd(bo.Uint32(dat[off:]))
		siz := bo.Uint32(dat[off+4:])
		if siz < 8 || siz%4 != 0 {
			return loads, &FormatError{int64(off), "invalid load command size", siz}
		}
		if uint64(off)+uint64(siz) > uint64(len(dat)) {
			return loads, &FormatError{int64(off), "load command extends past sizeofcmds", cmd}
		}
		l, err := parseLoadCommand(loadHeader{Cmd: cmd, Len: siz, Off: off, LoadBytes: dat[off : off+siz]})
		if err != nil {
			return loads, err
		}
		loads = append(loads, l)
		off += siz
	}
	return loads, nil
}

func parseLoadCommand(h loadHeader) (LoadCommand, error) {
	bo := binary.LittleEndian
	b := h.LoadBytes
	short := func(want int) error {
		if len(b) < want {
			return &FormatError{int64(h.Off), fmt.Sprintf("%s command too small", h.Cmd), len(b)}
		}
		return nil
	}

	switch h.Cmd {
	case types.LC_SEGMENT_64:
		if err := short(segmentCmdSize64); err != nil {
			return nil, err
		}
		s := &Segment{
			loadHeader: h,
			Name:       cstring(b[8:24]),
			Addr:       bo.Uint64(b[24:]),
			Memsz:      bo.Uint64(b[32:]),
			Offset:     bo.Uint64(b[40:]),
			Filesz:     bo.Uint64(b[48:]),
			Maxprot:    types.VmProtection(bo.Uint32(b[56:])),
			Prot:       types.VmProtection(bo.Uint32(b[60:])),
			Nsect:      bo.Uint32(b[64:]),
			Flag:       bo.Uint32(b[68:]),
		}
		return s, s.parseSections(segmentCmdSize64, sectionSize64)
	case types.LC_SEGMENT:
		if err := short(segmentCmdSize32); err != nil {
			return nil, err
		}
		s := &Segment{
			loadHeader: h,
			Name:       cstring(b[8:24]),
			Addr:       uint64(bo.Uint32(b[24:])),
			Memsz:      uint64(bo.Uint32(b[28:])),
			Offset:     uint64(bo.Uint32(b[32:])),
			Filesz:     uint64(bo.Uint32(b[36:])),
			Maxprot:    types.VmProtection(bo.Uint32(b[40:])),
			Prot:       types.VmProtection(bo.Uint32(b[44:])),
			Nsect:      bo.Uint32(b[48:]),
			Flag:       bo.Uint32(b[52:]),
		}
		return s, s.parseSections(segmentCmdSize32, sectionSize32)
	case types.LC_SYMTAB:
		if err := short(symtabCmdSize); err != nil {
			return nil, err
		}
		return &Symtab{
			loadHeader: h,
			Symoff:     bo.Uint32(b[8:]),
			Nsyms:      bo.Uint32(b[12:]),
			Stroff:     bo.Uint32(b[16:]),
			Strsize:    bo.Uint32(b[20:]),
		}, nil
	case types.LC_DYSYMTAB:
		if err := short(dysymtabCmdSize); err != nil {
			return nil, err
		}
		var f [18]uint32
		for i := range f {
			f[i] = bo.Uint32(b[8+4*i:])
		}
		return &Dysymtab{h, f[0], f[1], f[2], f[3], f[4], f[5], f[6], f[7], f[8], f[9],
			f[10], f[11], f[12], f[13], f[14], f[15], f[16], f[17]}, nil
	case types.LC_DYLD_INFO, types.LC_DYLD_INFO_ONLY:
		if err := short(dyldInfoCmdSize); err != nil {
			return nil, err
		}
		var f [10]uint32
		for i := range f {
			f[i] = bo.Uint32(b[8+4*i:])
		}
		return &DyldInfo{h, f[0], f[1], f[2], f[3], f[4], f[5], f[6], f[7], f[8], f[9]}, nil
	case types.LC_CODE_SIGNATURE,
		types.LC_SEGMENT_SPLIT_INFO,
		types.LC_FUNCTION_STARTS,
		types.LC_DATA_IN_CODE,
		types.LC_DYLIB_CODE_SIGN_DRS,
		types.LC_LINKER_OPTIMIZATION_HINT,
		types.LC_DYLD_EXPORTS_TRIE,
		types.LC_DYLD_CHAINED_FIXUPS:
		if err := short(linkEditCmdSize); err != nil {
			return nil, err
		}
		return &LinkEditData{
			loadHeader: h,
			DataOff:    bo.Uint32(b[8:]),
			DataSize:   bo.Uint32(b[12:]),
		}, nil
	case types.LC_ID_DYLIB:
		if err := short(dylibCmdSize); err != nil {
			return nil, err
		}
		d := &DylibID{
			loadHeader:     h,
			Time:           bo.Uint32(b[12:]),
			CurrentVersion: bo.Uint32(b[16:]),
			CompatVersion:  bo.Uint32(b[20:]),
		}
		if nameOff := bo.Uint32(b[8:]); nameOff >= dylibCmdSize && nameOff < uint32(len(b)) {
			d.Name = cstring(b[nameOff:])
		}
		return d, nil
	case types.LC_UUID:
		if err := short(uuidCmdSize); err != nil {
			return nil, err
		}
		u := &UUIDCmd{loadHeader: h}
		copy(u.ID[:], b[8:24])
		return u, nil
	}
	return &UnknownCommand{h}, nil
}

func (s *Segment) parseSections(cmdSize, sectSize int) error {
	bo := binary.LittleEndian
	b := s.LoadBytes
	if uint64(cmdSize)+uint64(s.Nsect)*uint64(sectSize) > uint64(len(b)) {
		return &FormatError{int64(s.Off), "segment sections extend past command", s.Name}
	}
	for i := 0; i < int(s.Nsect); i++ {
		at := cmdSize + i*sectSize
		sb := b[at : at+sectSize]
		sec := &Section{
			Name:      cstring(sb[0:16]),
			Seg:       cstring(sb[16:32]),
			RecordOff: s.Off + uint32(at),
		}
		if sectSize == sectionSize64 {
			sec.Addr = bo.Uint64(sb[32:])
			sec.Size = bo.Uint64(sb[40:])
			sec.Offset = bo.Uint32(sb[48:])
			sec.Align = bo.Uint32(sb[52:])
			sec.Reloff = bo.Uint32(sb[56:])
			sec.Nreloc = bo.Uint32(sb[60:])
			sec.Flags = SectionFlag(bo.Uint32(sb[64:]))
			sec.Reserved1 = bo.Uint32(sb[68:])
			sec.Reserved2 = bo.Uint32(sb[72:])
		} else {
			sec.Addr = uint64(bo.Uint32(sb[32:]))
			sec.Size = uint64(bo.Uint32(sb[36:]))
			sec.Offset = bo.Uint32(sb[40:])
			sec.Align = bo.Uint32(sb[44:])
			sec.Reloff = bo.Uint32(sb[48:])
			sec.Nreloc = bo.Uint32(sb[52:])
			sec.Flags = SectionFlag(bo.Uint32(sb[56:]))
			sec.Reserved1 = bo.Uint32(sb[60:])
			sec.Reserved2 = bo.Uint32(sb[64:])
		}
		s.Sections = append(s.Sections, sec)
	}
	return nil
}

// LinkEditRef locates a file offset field inside a load command that points
// into __LINKEDIT, together with the byte size of the data it refers to.
type LinkEditRef struct {
	Field uint32 // position of the uint32 offset field relative to the first load command
	Off   uint32
	Size  uint64 // byte size
	Count uint32 // the count/size field that accompanies Off
}

// LinkEditRefs returns every __LINKEDIT reference held by the symbol table,
// dynamic symbol table, dyld info and linkedit data commands.
func (c Commands) LinkEditRefs(is64 bool) []LinkEditRef {
	nlsz, modsz := uint32(Nlist32Size), uint32(52)
	if is64 {
		nlsz, modsz = Nlist64Size, 56
	}
	var refs []LinkEditRef
	add := func(base, field, off, count, elem uint32) {
		refs = append(refs, LinkEditRef{Field: base + field, Off: off, Size: uint64(count) * uint64(elem), Count: count})
	}
	for _, l := range c {
		switch cmd := l.(type) {
		case *Symtab:
			add(cmd.Off, 8, cmd.Symoff, cmd.Nsyms, nlsz)
			add(cmd.Off, 16, cmd.Stroff, cmd.Strsize, 1)
		case *Dysymtab:
			add(cmd.Off, 32, cmd.Tocoffset, cmd.Ntoc, 8)
			add(cmd.Off, 40, cmd.Modtaboff, cmd.Nmodtab, modsz)
			add(cmd.Off, 48, cmd.Extrefsymoff, cmd.Nextrefsyms, 4)
			add(cmd.Off, 56, cmd.Indirectsymoff, cmd.Nindirectsyms, 4)
			add(cmd.Off, 64, cmd.Extreloff, cmd.Nextrel, 8)
			add(cmd.Off, 72, cmd.Locreloff, cmd.Nlocrel, 8)
		case *DyldInfo:
			add(cmd.Off, 8, cmd.RebaseOff, cmd.RebaseSize, 1)
			add(cmd.Off, 16, cmd.BindOff, cmd.BindSize, 1)
			add(cmd.Off, 24, cmd.WeakBindOff, cmd.WeakBindSize, 1)
			add(cmd.Off, 32, cmd.LazyBindOff, cmd.LazyBindSize, 1)
			add(cmd.Off, 40, cmd.ExportOff, cmd.ExportSize, 1)
		case *LinkEditData:
			add(cmd.Off, 8, cmd.DataOff, cmd.DataSize, 1)
		}
	}
	return refs
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
