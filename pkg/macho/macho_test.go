package macho

import (
	"encoding/binary"
	"testing"

	"github.com/blacktop/go-macho/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var le = binary.LittleEndian

type sect struct {
	name  string
	addr  uint64
	size  uint64
	off   uint32
	flags SectionFlag
}

func name16(s string) []byte {
	b := make([]byte, 16)
	copy(b, s)
	return b
}

func segment64(name string, addr, size, off, fsz uint64, sects ...sect) []byte {
	b := make([]byte, segmentCmdSize64+len(sects)*sectionSize64)
	le.PutUint32(b[0:], uint32(types.LC_SEGMENT_64))
	le.PutUint32(b[4:], uint32(len(b)))
	copy(b[8:], name16(name))
	le.PutUint64(b[24:], addr)
	le.PutUint64(b[32:], size)
	le.PutUint64(b[40:], off)
	le.PutUint64(b[48:], fsz)
	le.PutUint32(b[56:], 5)
	le.PutUint32(b[60:], 5)
	le.PutUint32(b[64:], uint32(len(sects)))
	for i, s := range sects {
		sb := b[segmentCmdSize64+i*sectionSize64:]
		copy(sb[0:], name16(s.name))
		copy(sb[16:], name16(name))
		le.PutUint64(sb[32:], s.addr)
		le.PutUint64(sb[40:], s.size)
		le.PutUint32(sb[48:], s.off)
		le.PutUint32(sb[64:], uint32(s.flags))
	}
	return b
}

func symtab(symoff, nsyms, stroff, strsize uint32) []byte {
	b := make([]byte, symtabCmdSize)
	le.PutUint32(b[0:], uint32(types.LC_SYMTAB))
	le.PutUint32(b[4:], symtabCmdSize)
	le.PutUint32(b[8:], symoff)
	le.PutUint32(b[12:], nsyms)
	le.PutUint32(b[16:], stroff)
	le.PutUint32(b[20:], strsize)
	return b
}

func header64(flags uint32, cmds ...[]byte) []byte {
	var sz int
	for _, c := range cmds {
		sz += len(c)
	}
	b := make([]byte, HeaderSize64, HeaderSize64+sz)
	le.PutUint32(b[0:], Magic64)
	le.PutUint32(b[4:], 0x0100000c)
	le.PutUint32(b[12:], 6)
	le.PutUint32(b[16:], uint32(len(cmds)))
	le.PutUint32(b[20:], uint32(sz))
	le.PutUint32(b[24:], flags)
	for _, c := range cmds {
		b = append(b, c...)
	}
	return b
}

func TestNewFile(t *testing.T) {
	uuid := make([]byte, uuidCmdSize)
	le.PutUint32(uuid[0:], uint32(types.LC_UUID))
	le.PutUint32(uuid[4:], uuidCmdSize)
	copy(uuid[8:], []byte{0xde, 0xad, 0xbe, 0xef})

	id := make([]byte, 48)
	le.PutUint32(id[0:], uint32(types.LC_ID_DYLIB))
	le.PutUint32(id[4:], 48)
	le.PutUint32(id[8:], dylibCmdSize)
	le.PutUint32(id[16:], 0x10000)
	copy(id[dylibCmdSize:], "/usr/lib/libfoo.dylib")

	unknown := make([]byte, 16)
	le.PutUint32(unknown[0:], uint32(types.LC_SOURCE_VERSION))
	le.PutUint32(unknown[4:], 16)

	dat := header64(FlagDylibInCache,
		segment64("__TEXT", 0x1000, 0x1000, 0, 0x1000, sect{name: "__text", addr: 0x1400, size: 0x20, off: 0x400}),
		segment64("__LINKEDIT", 0x3000, 0x1000, 0x3000, 0x1000),
		symtab(0x3000, 2, 0x3020, 0x10),
		uuid,
		id,
		unknown,
	)

	f, err := NewFile(dat)
	require.NoError(t, err)
	assert.True(t, f.Is64())
	assert.Equal(t, FlagDylibInCache, f.Flags&FlagDylibInCache)
	require.Len(t, f.Loads, 6)

	assert.IsType(t, &Segment{}, f.Loads[0])
	assert.IsType(t, &Segment{}, f.Loads[1])
	assert.IsType(t, &Symtab{}, f.Loads[2])
	assert.IsType(t, &UUIDCmd{}, f.Loads[3])
	assert.IsType(t, &DylibID{}, f.Loads[4])
	assert.IsType(t, &UnknownCommand{}, f.Loads[5])
	assert.Equal(t, types.LC_SOURCE_VERSION, f.Loads[5].Command())

	text := f.Segment("__TEXT")
	require.NotNil(t, text)
	assert.Equal(t, uint64(0x1000), text.Addr)
	assert.Equal(t, uint32(0), text.CmdOffset())
	require.Len(t, text.Sections, 1)
	assert.Equal(t, "__text", text.Sections[0].Name)
	assert.Equal(t, "__TEXT", text.Sections[0].Seg)
	assert.Equal(t, uint64(0x1400), text.Sections[0].Addr)
	assert.Equal(t, uint32(segmentCmdSize64), text.Sections[0].RecordOff)

	st := f.Symtab()
	require.NotNil(t, st)
	assert.Equal(t, uint32(2), st.Nsyms)
	assert.Equal(t, uint32(0x3020), st.Stroff)

	require.NotNil(t, f.UUID())
	assert.Equal(t, byte(0xde), f.UUID()[0])
	require.NotNil(t, f.DylibID())
	assert.Equal(t, "/usr/lib/libfoo.dylib", f.DylibID().Name)
	assert.Len(t, f.Sections(), 1)
}

func TestParseLoadCommandsMalformed(t *testing.T) {
	bad := make([]byte, 8)
	le.PutUint32(bad[0:], uint32(types.LC_UUID))
	le.PutUint32(bad[4:], 0)

	tests := []struct {
		name    string
		cmds    [][]byte
		wantLen int
	}{
		{
			name:    "zero size",
			cmds:    [][]byte{segment64("__TEXT", 0x1000, 0x1000, 0, 0x1000), bad},
			wantLen: 1,
		},
		{
			name:    "first command broken",
			cmds:    [][]byte{bad},
			wantLen: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFile(header64(0, tt.cmds...))
			require.Error(t, err)
			var fe *FormatError
			assert.ErrorAs(t, err, &fe)
			assert.Len(t, f.Loads, tt.wantLen)
		})
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name    string
		dat     []byte
		wantErr bool
	}{
		{"64-bit", header64(0), false},
		{"bad magic", make([]byte, HeaderSize64), true},
		{"truncated", []byte{0xcf, 0xfa, 0xed, 0xfe}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHeader(tt.dat)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseHeader() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNlistKind(t *testing.T) {
	tests := []struct {
		name string
		nl   Nlist
		want SymbolKind
	}{
		{"external defined", Nlist{Type: N_SECT | N_EXT, Sect: 1, Value: 0x1000}, KindDefined},
		{"local", Nlist{Type: N_SECT, Sect: 1, Value: 0x1000}, KindLocal},
		{"undefined", Nlist{Type: N_UNDF | N_EXT}, KindUndefined},
		{"common", Nlist{Type: N_UNDF | N_EXT, Value: 8}, KindCommon},
		{"absolute", Nlist{Type: N_ABS | N_EXT}, KindAbsolute},
		{"indirect", Nlist{Type: N_INDR | N_EXT}, KindIndirect},
		{"prebound", Nlist{Type: N_PBUD | N_EXT}, KindPrebound},
		{"stab", Nlist{Type: 0x24}, KindDebug},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.nl.Kind(); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadNlists(t *testing.T) {
	dat := make([]byte, 2*Nlist64Size)
	le.PutUint32(dat[0:], 1)
	dat[4] = byte(N_SECT | N_EXT)
	dat[5] = 1
	le.PutUint64(dat[8:], 0x180001000)
	le.PutUint32(dat[16:], 6)
	dat[20] = byte(N_UNDF | N_EXT)

	nls, err := ReadNlists(dat, 2, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x180001000), nls[0].Value)
	assert.Equal(t, KindDefined, nls[0].Kind())
	assert.Equal(t, uint32(6), nls[1].Name)
	assert.Equal(t, KindUndefined, nls[1].Kind())

	_, err = ReadNlists(dat, 3, true)
	assert.Error(t, err)

	nls, err = ReadNlists(dat, 2, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x80001000), nls[0].Value)
}

func TestStringAt(t *testing.T) {
	strtab := []byte("\x00_foo\x00_bar\x00")
	s, ok := StringAt(strtab, 1)
	assert.True(t, ok)
	assert.Equal(t, "_foo", s)
	s, ok = StringAt(strtab, 6)
	assert.True(t, ok)
	assert.Equal(t, "_bar", s)
	_, ok = StringAt(strtab, 100)
	assert.False(t, ok)
}

func TestLinkEditRefs(t *testing.T) {
	fs := make([]byte, linkEditCmdSize)
	le.PutUint32(fs[0:], uint32(types.LC_FUNCTION_STARTS))
	le.PutUint32(fs[4:], linkEditCmdSize)
	le.PutUint32(fs[8:], 0x3100)
	le.PutUint32(fs[12:], 0x10)

	f, err := NewFile(header64(0, symtab(0x3000, 2, 0x3020, 0x10), fs))
	require.NoError(t, err)

	refs := f.Loads.LinkEditRefs(true)
	assert.Equal(t, []LinkEditRef{
		{Field: 8, Off: 0x3000, Size: 2 * Nlist64Size, Count: 2},
		{Field: 16, Off: 0x3020, Size: 0x10, Count: 0x10},
		{Field: symtabCmdSize + 8, Off: 0x3100, Size: 0x10, Count: 0x10},
	}, refs)
}

func TestLinkEditRefsLargeCount(t *testing.T) {
	f, err := NewFile(header64(0, symtab(0x3000, 0x10000000, 0x3020, 0x10)))
	require.NoError(t, err)

	refs := f.Loads.LinkEditRefs(true)
	require.Len(t, refs, 2)
	assert.Equal(t, uint64(0x100000000), refs[0].Size)
	assert.Equal(t, uint32(0x10000000), refs[0].Count)
}

func TestSectionZerofill(t *testing.T) {
	tests := []struct {
		flags SectionFlag
		want  bool
	}{
		{S_REGULAR, false},
		{S_ZEROFILL, true},
		{S_GB_ZEROFILL, true},
		{S_THREAD_LOCAL_ZEROFILL, true},
		{S_CSTRING_LITERALS, false},
		{0x80000000 | S_ZEROFILL, true},
	}
	for _, tt := range tests {
		if got := tt.flags.IsZerofill(); got != tt.want {
			t.Errorf("SectionFlag(%#x).IsZerofill() = %v, want %v", uint32(tt.flags), got, tt.want)
		}
	}
}
