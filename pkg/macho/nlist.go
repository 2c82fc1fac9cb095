package macho

import (
	"encoding/binary"
	"fmt"
)

const (
	Nlist32Size = 12
	Nlist64Size = 16
)

// An Nlist is a Mach-O symbol table entry widened to 64 bits.
type Nlist struct {
	Name  uint32
	Type  NType
	Sect  uint8
	Desc  uint16
	Value uint64
}

// NType is the n_type field of an nlist.
type NType uint8

/*
 * Masks and values of the n_type field.
 */
const (
	N_STAB NType = 0xe0 /* if any of these bits set, a symbolic debugging entry */
	N_PEXT NType = 0x10 /* private external symbol bit */
	N_TYPE NType = 0x0e /* mask for the type bits */
	N_EXT  NType = 0x01 /* external symbol bit, set for external symbols */

	N_UNDF NType = 0x0 /* undefined, n_sect == NO_SECT */
	N_ABS  NType = 0x2 /* absolute, n_sect == NO_SECT */
	N_SECT NType = 0xe /* defined in section number n_sect */
	N_PBUD NType = 0xc /* prebound undefined (defined in a dylib) */
	N_INDR NType = 0xa /* indirect */
)

func (t NType) IsDebug() bool    { return t&N_STAB != 0 }
func (t NType) IsExternal() bool { return t&N_EXT != 0 }

// SymbolKind classifies an nlist entry.
type SymbolKind uint8

const (
	KindDefined SymbolKind = iota
	KindUndefined
	KindAbsolute
	KindIndirect
	KindPrebound
	KindDebug
	KindLocal
	KindCommon
)

func (k SymbolKind) String() string {
	switch k {
	case KindDefined:
		return "defined"
	case KindUndefined:
		return "undefined"
	case KindAbsolute:
		return "absolute"
	case KindIndirect:
		return "indirect"
	case KindPrebound:
		return "prebound"
	case KindDebug:
		return "debug"
	case KindLocal:
		return "local"
	case KindCommon:
		return "common"
	}
	return fmt.Sprintf("SymbolKind(%d)", uint8(k))
}

// Kind classifies the entry. Section-defined symbols without N_EXT are local.
func (n Nlist) Kind() SymbolKind {
	if n.Type.IsDebug() {
		return KindDebug
	}
	switch n.Type & N_TYPE {
	case N_UNDF:
		if n.Value != 0 {
			return KindCommon
		}
		return KindUndefined
	case N_ABS:
		return KindAbsolute
	case N_INDR:
		return KindIndirect
	case N_PBUD:
		return KindPrebound
	case N_SECT:
		if !n.Type.IsExternal() {
			return KindLocal
		}
	}
	return KindDefined
}

// ReadNlists decodes n symbol table entries from dat.
func ReadNlists(dat []byte, n uint32, is64 bool) ([]Nlist, error) {
	size := uint64(Nlist32Size)
	if is64 {
		size = Nlist64Size
	}
	if uint64(n)*size > uint64(len(dat)) {
		return nil, &FormatError{0, "symbol table extends past available data", n}
	}
	bo := binary.LittleEndian
	nls := make([]Nlist, n)
	for i := range nls {
		b := dat[uint64(i)*size:]
		nls[i] = Nlist{
			Name: bo.Uint32(b),
			Type: NType(b[4]),
			Sect: b[5],
			Desc: bo.Uint16(b[6:]),
		}
		if is64 {
			nls[i].Value = bo.Uint64(b[8:])
		} else {
			nls[i].Value = uint64(bo.Uint32(b[8:]))
		}
	}
	return nls, nil
}

// StringAt returns the NUL terminated string at off in a string table.
func StringAt(strtab []byte, off uint32) (string, bool) {
	if uint64(off) >= uint64(len(strtab)) {
		return "", false
	}
	return cstring(strtab[off:]), true
}
