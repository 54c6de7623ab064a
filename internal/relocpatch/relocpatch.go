// Package relocpatch implements the Relocation Patcher of spec.md §4.9:
// once layout and symbol patching have finalized every section's image
// position, each object's relocations are resolved against those final
// coordinates and the computed values are written into the image bytes.
//
// Only IMAGE_FILE_MACHINE_AMD64 relocation kinds are implemented; spec.md
// §9's Open Questions leaves the other machine encodings unresolved, so an
// object built for any other machine is reported as NotImplemented.
package relocpatch

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/xyproto/ldpe/internal/diag"
	"github.com/xyproto/ldpe/internal/layout"
	"github.com/xyproto/ldpe/internal/linkctx"
	"github.com/xyproto/ldpe/internal/object"
	"github.com/xyproto/ldpe/internal/workpool"
)

// errFatalRecorded stops remaining per-object scheduling once some other
// object's relocations tripped a Stop-mode diagnostic (spec.md §7: a fatal
// kind halts the pipeline at the next check point); it carries no
// information of its own and is never surfaced to callers.
var errFatalRecorded = errors.New("relocpatch: fatal diagnostic recorded")

// rel32MaxInstLen is the longest an x86-64 instruction can legally encode
// to (prefixes + opcode + ModRM/SIB + a 4-byte displacement/immediate),
// per the Intel SDM; verifyRel32Operand never needs to look further back
// than this to find the instruction a REL32 relocation site belongs to.
const rel32MaxInstLen = 15

func isRel32Kind(t uint16) bool {
	return t >= amd64Rel32 && t <= amd64Rel32_5
}

// verifyRel32Operand decodes backward from a REL32 relocation site to
// confirm it actually lands on a PC-relative operand of the width the
// relocation claims (spec.md's REL32 family always patches a 4-byte
// displacement). A relocation pointed at the wrong byte — hand-written
// assembly with a miscomputed fixup offset, or a corrupted object — often
// still "succeeds" as a raw 4-byte write; decoding the surrounding
// instruction catches that class of mistake instead of silently producing
// a misassembled jump/call target.
func verifyRel32Operand(diags *diag.Table, o *linkctx.Obj, sh *object.SectionHeader, r object.Reloc) {
	raw := sh.RawData
	site := int(r.VirtualAddress)
	if site+4 > len(raw) {
		return // truncated section; patchOne will fail on this relocation anyway
	}

	lo := site - rel32MaxInstLen
	if lo < 0 {
		lo = 0
	}
	for start := site; start >= lo; start-- {
		inst, err := x86asm.Decode(raw[start:], 64)
		if err != nil {
			continue
		}
		if start+inst.Len == site+4 && inst.PCRel == 4 && start+inst.PCRelOff == site {
			return // found the enclosing instruction, operand width matches
		}
	}
	diags.Record(diag.KindRelocOperandMismatch, nil,
		"%s: relocation at %s+0x%x does not land on a decodable 4-byte PC-relative operand", o.Path, sh.Name, r.VirtualAddress)
}

// x64 relocation kinds, IMAGE_REL_AMD64_*.
const (
	amd64Absolute = 0x0000
	amd64Addr64   = 0x0001
	amd64Addr32   = 0x0002
	amd64Addr32NB = 0x0003
	amd64Rel32    = 0x0004
	amd64Rel32_1  = 0x0005
	amd64Rel32_2  = 0x0006
	amd64Rel32_3  = 0x0007
	amd64Rel32_4  = 0x0008
	amd64Rel32_5  = 0x0009
	amd64Section  = 0x000A
	amd64SecRel   = 0x000B
	amd64SecRel7  = 0x000C
)

// Image is the minimal view of the finalized image bytes the patcher needs:
// a flat buffer indexed by file offset, and the preferred load address
// relocations compute against.
type Image struct {
	Bytes     []byte
	ImageBase uint64
}

func isDebugSection(name string) bool {
	return strings.HasPrefix(name, ".debug")
}

// Run walks every live, non-BSS section of every object in parallel and
// patches its relocations. Debug-section relocations are applied against
// the object's own raw bytes (so debug-info assembly downstream observes
// patched targets); all others are applied into img.Bytes.
//
// Fan-out goes through ForEachCtx rather than ForEachWorker: per-object
// relocation patching needs no stable worker identity to accumulate into,
// and threading a context lets one object's Stop-mode diagnostic cancel
// scheduling for objects whose patching hasn't started yet instead of
// grinding through all of them after the outcome is already decided.
func Run(pool *workpool.Pool, diags *diag.Table, objs []*linkctx.Obj, lay *layout.Layout, img *Image) {
	workpool.ForEachCtx(context.Background(), pool, len(objs), func(ctx context.Context, oi int) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o := objs[oi]
		if o.Machine != object.MachineAMD64 {
			diags.Record(diag.KindIncompatibleMachine, nil, "%s: relocation patching for machine %s is not implemented", o.Path, o.Machine)
			return errFatalRecorded
		}
		for si, sh := range o.Sections {
			if sh.Flags&object.SectionLnkRemove != 0 || sh.RawData == nil || len(sh.Relocs) == 0 {
				continue
			}
			patchSection(diags, o, si, sh, lay, img)
		}
		if diags.HasFatal() {
			return errFatalRecorded
		}
		return nil
	})
}

func patchSection(diags *diag.Table, o *linkctx.Obj, si int, sh *object.SectionHeader, lay *layout.Layout, img *Image) {
	debug := isDebugSection(sh.Name)

	var base []byte         // the section's bytes, at contrib offset 0
	var siteVOffBase uint32 // that contrib's VOFF, meaningless (0) for debug sites
	if debug {
		base = sh.RawData
	} else {
		sec, off, ok := lay.Locate(o, si)
		if !ok {
			return // section carried no live contribution (GC'd, zero-size)
		}
		base = img.Bytes[sec.FOffset+off:]
		siteVOffBase = sec.VOffset + off
	}

	for _, r := range sh.Relocs {
		target, ok := resolveTarget(o, r, lay, img)
		if !ok {
			diags.Record(diag.KindRelocAgainstRemovedSection, nil,
				"%s: relocation at %s+0x%x targets a removed section", o.Path, sh.Name, r.VirtualAddress)
			continue
		}

		if isRel32Kind(r.Type) && sh.Flags&object.SectionCntCode != 0 {
			verifyRel32Operand(diags, o, sh, r)
		}

		siteVOff := siteVOffBase + r.VirtualAddress
		if !patchOne(base[r.VirtualAddress:], r, siteVOff, target, img.ImageBase) {
			diags.Record(diag.KindIllegalRelocation, nil,
				"%s: relocation kind 0x%x at %s+0x%x is not implemented", o.Path, r.Type, sh.Name, r.VirtualAddress)
		}
	}
}

// resolvedTarget carries everything a machine-specific reloc formula might
// need about the symbol a relocation points at.
type resolvedTarget struct {
	sectionIndex int32  // final 1-based image section index, for IMAGE_REL_*_SECTION
	voff         uint32 // absolute VOFF from image base 0, for ADDR*/REL32
	sectionRel   uint32 // offset within its own section, for IMAGE_REL_*_SECREL
}

// resolveTarget resolves a relocation's symbol to its final coordinates.
// __ImageBase is special-cased per spec.md §4.9: its Value field is too
// narrow to carry a real 64-bit base, so the actual configured image base
// is substituted directly.
func resolveTarget(o *linkctx.Obj, r object.Reloc, lay *layout.Layout, img *Image) (resolvedTarget, bool) {
	if int(r.SymbolTableIndex) >= len(o.Symbols) {
		return resolvedTarget{}, false
	}
	ps := &o.Symbols[r.SymbolTableIndex]

	if ps.Kind == object.SymAbsolute {
		if ps.Name == "__ImageBase" {
			return resolvedTarget{voff: uint32(img.ImageBase)}, true
		}
		return resolvedTarget{voff: ps.Value, sectionRel: ps.Value}, true
	}

	if ps.SectionNumber <= 0 {
		return resolvedTarget{}, false
	}

	sec := lay.SectionByIndex(int(ps.SectionNumber))
	if sec == nil {
		return resolvedTarget{}, false
	}
	return resolvedTarget{sectionIndex: ps.SectionNumber, voff: sec.VOffset + ps.Value, sectionRel: ps.Value}, true
}

// patchOne reads the existing addend at the relocation site, folds in the
// machine-specific computed value, and writes the result back at the
// relocation's width. Returns false if r.Type is not an implemented x64
// relocation kind.
func patchOne(dest []byte, r object.Reloc, siteVOff uint32, target resolvedTarget, imageBase uint64) bool {
	const off = 0 // dest is already sliced to start exactly at the relocation site

	switch r.Type {
	case amd64Addr64:
		existing := int64(binary.LittleEndian.Uint64(dest[off : off+8]))
		value := uint64(existing) + imageBase + uint64(target.voff)
		binary.LittleEndian.PutUint64(dest[off:off+8], value)
		return true
	case amd64Addr32:
		existing := int32(binary.LittleEndian.Uint32(dest[off : off+4]))
		value := uint32(int64(existing)+int64(imageBase)) + target.voff
		binary.LittleEndian.PutUint32(dest[off:off+4], value)
		return true
	case amd64Addr32NB:
		existing := int32(binary.LittleEndian.Uint32(dest[off : off+4]))
		value := uint32(existing) + target.voff
		binary.LittleEndian.PutUint32(dest[off:off+4], value)
		return true
	case amd64Rel32, amd64Rel32_1, amd64Rel32_2, amd64Rel32_3, amd64Rel32_4, amd64Rel32_5:
		extra := uint32(r.Type - amd64Rel32)
		existing := int32(binary.LittleEndian.Uint32(dest[off : off+4]))
		value := uint32(int64(target.voff)-int64(siteVOff+4+extra)) + uint32(existing)
		binary.LittleEndian.PutUint32(dest[off:off+4], value)
		return true
	case amd64Section:
		// 16-bit 1-based final section index; addend irrelevant.
		binary.LittleEndian.PutUint16(dest[off:off+2], uint16(target.sectionIndex))
		return true
	case amd64SecRel:
		existing := int32(binary.LittleEndian.Uint32(dest[off : off+4]))
		binary.LittleEndian.PutUint32(dest[off:off+4], uint32(existing)+target.sectionRel)
		return true
	default:
		return false
	}
}
