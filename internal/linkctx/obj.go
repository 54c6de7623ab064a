// Package linkctx holds the data model of spec.md §3: Obj, Lib, Symbol, and
// the Session that threads what design note §9 calls "global mutable
// state" (the error table, the timer array, a map-globals pointer) through
// the pipeline as an explicit value instead of package globals.
package linkctx

import (
	"sync/atomic"

	"github.com/xyproto/ldpe/internal/object"
)

// Obj is an in-memory view over one parsed COFF object (spec.md §3 Obj).
// Immutable after ingest except for two things the patch phases mutate in
// place: section header flag bits (LnkRemove/LnkCOMDAT) and the embedded
// symbol table entries the Symbol Patcher rewrites.
type Obj struct {
	Path    string
	Raw     []byte
	Machine object.Machine
	BigObj  bool

	Sections []*object.SectionHeader
	Symbols  []object.ParsedSymbol

	// Associated maps a COMDAT section index to the list of section
	// indices that are IMAGE_COMDAT_SELECT_ASSOCIATIVE on it (spec.md §3
	// "per-section associated-sections adjacency list", §9 "modeled as a
	// per-obj adjacency list indexed by section number").
	Associated map[int][]int

	// Symlink rewrites a COMDAT follower section index to the winning
	// leader's (Obj, section index), populated by the replacement policy
	// (§4.4) and consumed by the Layout Engine's Pass D.
	Symlink map[int]SectionRef

	InputIdx  int64
	Lib       *Lib  // nil if not archive-provided
	LibOffset int64 // member offset within Lib, meaningful only if Lib != nil

	// WasPatched is the per-stage bitmap of spec.md §4.8: "each stage
	// records which symbols it has finalized... a symbol is patched by at
	// most one stage." Indexed by symbol table index.
	WasPatched []bool

	// FinalVOffset/FinalFOffset record, once layout has run, where a live
	// obj section landed in the final image (§4.6 Pass H: "patch per-obj
	// section headers' virtual and file offsets").
	FinalVOffset []uint32
	FinalFOffset []uint32
}

// SectionRef names a section belonging to a specific Obj.
type SectionRef struct {
	Obj  *Obj
	Sect int
}

// Section returns the SectionHeader for a 1-based COFF section number, or
// nil if out of range.
func (o *Obj) Section(sectionNumber int32) *object.SectionHeader {
	idx := int(sectionNumber) - 1
	if idx < 0 || idx >= len(o.Sections) {
		return nil
	}
	return o.Sections[idx]
}

// Lib is a parsed COFF archive (spec.md §3 Library).
type Lib struct {
	Path      string
	Raw       []byte
	Type      object.ArchiveType
	InputIdx  int64
	LongNames []byte // the "//" long-names member, for name resolution

	// members caches parsed ArchiveMember headers by byte offset, filled
	// in lazily by internal/libresolve as symbols are pulled.
	members map[int64]*object.ArchiveMember
}

// Member returns the cached ArchiveMember at offset, or nil if not yet parsed.
func (l *Lib) Member(offset int64) *object.ArchiveMember {
	if l.members == nil {
		return nil
	}
	return l.members[offset]
}

// CacheMember records a parsed ArchiveMember for later lookups.
func (l *Lib) CacheMember(offset int64, m *object.ArchiveMember) {
	if l.members == nil {
		l.members = make(map[int64]*object.ArchiveMember)
	}
	l.members[offset] = m
}

// InputIdxAllocator hands out the monotonic, domain-separated input_idx of
// spec.md §3 invariant 2: "unique within its domain (objects vs. libraries)".
type InputIdxAllocator struct {
	objCounter int64
	libCounter int64
}

// NextObj returns the next object input_idx.
func (a *InputIdxAllocator) NextObj() int64 { return atomic.AddInt64(&a.objCounter, 1) - 1 }

// NextLib returns the next library input_idx.
func (a *InputIdxAllocator) NextLib() int64 { return atomic.AddInt64(&a.libCounter, 1) - 1 }

// ComposeArchiveInputIdx builds an archive-provided object's input_idx from
// its owning library's input_idx and its member offset, per spec.md §4.3:
// "composed from (lib.input_idx, member_offset) so archive-provided objects
// order after non-archive ones and ties break by archive position." We
// pack the library's input_idx into the high bits so it always sorts after
// every non-archive input_idx produced by NextObj for a typical link (at
// most a few hundred thousand direct objects), and member_offset
// (monotonic within one archive) breaks ties within the same library.
func ComposeArchiveInputIdx(libInputIdx, memberOffset int64) int64 {
	const shift = 40 // low 40 bits hold the member offset; bit 62 keeps every result above NextObj's values
	return (1 << 62) | (libInputIdx << shift) | (memberOffset & (1<<shift - 1))
}
