// Package bssalloc implements the Common-Block Allocator of spec.md §4.7:
// every Common-interpretation symbol in the Defined scope is packed,
// largest-first, into a single dense .bss image section contribution.
package bssalloc

import (
	"sort"

	"github.com/xyproto/ldpe/internal/layout"
	"github.com/xyproto/ldpe/internal/linkctx"
	"github.com/xyproto/ldpe/internal/object"
	"github.com/xyproto/ldpe/internal/symtab"
)

// Assignment records where one Common symbol landed: its owning object,
// symbol index, and final offset within the .bss section.
type Assignment struct {
	Obj    *linkctx.Obj
	SymIdx uint32
	Size   uint32
	Offset uint32
}

// Result is the outcome of running the allocator.
type Result struct {
	Assignments []Assignment
	BSS         *layout.ImageSection
}

// minAlign mirrors spec.md §4.7 step 4: "align to min(32, next_pow2(size))".
func minAlign(size uint32) uint32 {
	align := uint32(1)
	for align < size && align < 32 {
		align <<= 1
	}
	return align
}

// Run scans the symbol table's Defined scope for Common-interpretation
// winners (spec.md §4.7 step 1: "scan the Defined scope"), packs them
// densely, and appends the aggregate contrib onto lo's .bss image section
// (creating it if no input object carried an explicit .bss section
// header). Driving the scan off the table rather than every object's raw
// symbols matters when two objects tentatively define the same common
// name: internal/comdat's Defined-scope policy already coalesced that
// collision down to one winner, and a raw per-object scan would instead
// give each occurrence its own .bss slot.
func Run(table *symtab.Table, lo *layout.Layout, sectionAlignment, fileAlignment uint32) *Result {
	type found struct {
		obj    *linkctx.Obj
		symIdx uint32
		size   uint32
	}
	var all []found

	table.IterateScope(linkctx.ScopeDefined, func(sym *linkctx.Symbol) {
		ps := sym.ParsedSymbol()
		if ps == nil || ps.Kind != object.SymCommon {
			return
		}
		all = append(all, found{obj: sym.Obj, symIdx: sym.SymbolIdx, size: ps.Value})
	})

	// Step 3: sort descending by size, ties broken by (obj.input_idx, symbol_idx).
	sort.Slice(all, func(i, j int) bool {
		if all[i].size != all[j].size {
			return all[i].size > all[j].size
		}
		if all[i].obj.InputIdx != all[j].obj.InputIdx {
			return all[i].obj.InputIdx < all[j].obj.InputIdx
		}
		return all[i].symIdx < all[j].symIdx
	})

	bssFlags := object.SectionCntUninitData | object.SectionMemRead | object.SectionMemWrite

	existing := lo.SectionByName(".bss")
	baseVSize := uint32(0)
	if existing != nil {
		baseVSize = existing.VSize
	}

	cursor := baseVSize
	assignments := make([]Assignment, 0, len(all))
	for _, f := range all {
		align := minAlign(f.size)
		cursor = layout.AlignUp(cursor, align)
		assignments = append(assignments, Assignment{Obj: f.obj, SymIdx: f.symIdx, Size: f.size, Offset: cursor})
		cursor += f.size
	}

	contrib := &layout.SC{Align: 1, Size: cursor - baseVSize}
	bssSec := lo.AppendToSection(".bss", bssFlags, sectionAlignment, fileAlignment, contrib)

	return &Result{Assignments: assignments, BSS: bssSec}
}
