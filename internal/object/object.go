// Package object defines the data contracts the linker core consumes from
// its (out-of-scope) COFF/PE/archive byte-level parsers: ParsedSymbol,
// SectionHeader, and ArchiveMember. The core never parses bytes itself; it
// only ever walks these already-decoded values.
package object

// Machine identifies a COFF machine type. Values match the IMAGE_FILE_MACHINE_*
// constants from the PE/COFF specification.
type Machine uint16

const (
	MachineUnknown Machine = 0x0
	MachineI386    Machine = 0x14c
	MachineAMD64   Machine = 0x8664
	MachineARM64   Machine = 0xaa64
	MachineARM     Machine = 0x1c0
)

func (m Machine) String() string {
	switch m {
	case MachineI386:
		return "x86"
	case MachineAMD64:
		return "x64"
	case MachineARM64:
		return "arm64"
	case MachineARM:
		return "arm"
	default:
		return "unknown"
	}
}

// PointerSize returns the natural address width for base-relocation and
// relocation-width purposes.
func (m Machine) PointerSize() int {
	switch m {
	case MachineAMD64, MachineARM64:
		return 8
	default:
		return 4
	}
}

// SectionFlags mirrors IMAGE_SCN_* COFF section characteristics, restricted to
// the bits the core inspects or mutates.
type SectionFlags uint32

const (
	SectionTypeNoPad     SectionFlags = 0x00000008
	SectionCntCode       SectionFlags = 0x00000020
	SectionCntInitData   SectionFlags = 0x00000040
	SectionCntUninitData SectionFlags = 0x00000080
	SectionLnkInfo       SectionFlags = 0x00000200
	SectionLnkRemove     SectionFlags = 0x00000800
	SectionLnkCOMDAT     SectionFlags = 0x00001000
	SectionGPRel         SectionFlags = 0x00008000
	SectionMemPurgeable  SectionFlags = 0x00020000
	SectionMemLocked     SectionFlags = 0x00040000
	SectionMemPreload    SectionFlags = 0x00080000
	SectionAlignMask     SectionFlags = 0x00f00000
	SectionLnkNRelocOvfl SectionFlags = 0x01000000
	SectionMemDiscard    SectionFlags = 0x02000000
	SectionMemNotCached  SectionFlags = 0x04000000
	SectionMemNotPaged   SectionFlags = 0x08000000
	SectionMemShared     SectionFlags = 0x10000000
	SectionMemExecute    SectionFlags = 0x20000000
	SectionMemRead       SectionFlags = 0x40000000
	SectionMemWrite      SectionFlags = 0x80000000
)

// Align returns the section's requested alignment in bytes, or 0 if the
// IMAGE_SCN_ALIGN_* field is unset (the caller should substitute the
// machine's default in that case, per spec.md §4.6 Pass C).
func (f SectionFlags) Align() uint32 {
	shift := (uint32(f) & uint32(SectionAlignMask)) >> 20
	if shift == 0 {
		return 0
	}
	return uint32(1) << (shift - 1)
}

// ComdatSelect is the COMDAT selection characteristic (IMAGE_COMDAT_SELECT_*).
type ComdatSelect uint8

const (
	ComdatSelectNone ComdatSelect = iota
	ComdatSelectNoDuplicates
	ComdatSelectAny
	ComdatSelectSameSize
	ComdatSelectExactMatch
	ComdatSelectAssociative
	ComdatSelectLargest
)

// SectionHeader is the decoded form of an IMAGE_SECTION_HEADER plus the
// COMDAT metadata the linker needs. It is produced by internal/objio and
// consumed (read and, for Flags, mutated) by the core.
type SectionHeader struct {
	Name         string // long-name resolved, sort suffix (e.g. "$mn") still present
	Flags        SectionFlags
	RawSize      uint32
	RawData      []byte // nil for BSS (uninitialized) sections
	NumRelocs    int
	Relocs       []Reloc
	Checksum     uint32 // COMDAT ExactMatch checksum, 0 if unset
	ComdatSelect ComdatSelect
	ComdatSymbol int // symbol index of the COMDAT's defining symbol, -1 if not COMDAT
	Associative  int // for ComdatSelectAssociative: section index of the leader, -1 otherwise
}

// Reloc is a single COFF relocation entry, machine-agnostic at this layer:
// Type is interpreted by internal/relocpatch against the owning object's Machine.
type Reloc struct {
	VirtualAddress   uint32 // section-relative offset of the relocation site
	SymbolTableIndex uint32 // index into the owning object's symbol table
	Type             uint16
}

// SymbolKind discriminates a ParsedSymbol's interpretation, per spec.md §3.
type SymbolKind uint8

const (
	SymUndefined SymbolKind = iota
	SymRegular              // section + value
	SymCommon               // size in Value, SectionNumber == 0
	SymAbsolute
	SymWeak
	SymDebug
)

// WeakSearchType is IMAGE_WEAK_EXTERN_SEARCH_*.
type WeakSearchType uint8

const (
	WeakNoLibrary WeakSearchType = iota
	WeakAntiDependency
	WeakSearchLibrary
	WeakSearchAlias
)

// StorageClass mirrors the COFF symbol storage-class byte, restricted to the
// values the core distinguishes.
type StorageClass uint8

const (
	ClassExternal StorageClass = 2
	ClassStatic   StorageClass = 3
	ClassLabel    StorageClass = 6
	ClassFunction StorageClass = 101
	ClassWeakExternal StorageClass = 105
)

// ParsedSymbol is one entry of an object's embedded COFF symbol table,
// already decoded (long-name resolved) by internal/objio. The core rewrites
// SectionNumber/Value/StorageClass in place during the patch phases (§4.8).
type ParsedSymbol struct {
	Name         string
	SectionNumber int32 // 1-based; 0 == undefined/common, negative == special
	Value        uint32
	Kind         SymbolKind
	StorageClass StorageClass
	WeakTagIndex uint32 // symbol index of the weak-ext tag, valid when Kind == SymWeak
	WeakSearch   WeakSearchType
	NumAuxSymbols int
}

// Removed is the sentinel SectionNumber the symbol patcher (§4.8 stage 4)
// writes when a symbol's owning contribution is the null contribution.
const Removed int32 = -2

// ArchiveMemberKind discriminates what an archive member actually is.
type ArchiveMemberKind uint8

const (
	MemberObj ArchiveMemberKind = iota
	MemberBigObj
	MemberImport
)

// ArchiveMember is one addressable entry of a parsed archive (§4.3).
type ArchiveMember struct {
	Offset int64 // byte offset into the archive; also the Lib-scope symbol key
	Kind   ArchiveMemberKind
	Name   string // member name (thin archives: a path relative to the archive's directory)
	Data   []byte // embedded bytes; nil for thin-archive members (Name is the path instead)

	// Valid when Kind == MemberImport.
	Import *ShortImport
}

// ShortImport is a decoded short-import archive member (an IMPORT_OBJECT_HEADER
// plus its two trailing strings), per the PE/COFF spec §7.
type ShortImport struct {
	Symbol      string
	DLLName     string
	Ordinal     uint16
	NameType    uint8 // IMPORT_OBJECT_NAME_TYPE
	ImportType  uint8 // IMPORT_OBJECT_TYPE (code/data/const)
	Machine     Machine
}

// ArchiveType distinguishes thin vs. regular archives (§3 Library).
type ArchiveType uint8

const (
	ArchiveRegular ArchiveType = iota
	ArchiveThin
)
