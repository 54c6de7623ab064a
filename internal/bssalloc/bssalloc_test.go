package bssalloc

import (
	"testing"

	"github.com/xyproto/ldpe/internal/comdat"
	"github.com/xyproto/ldpe/internal/diag"
	"github.com/xyproto/ldpe/internal/layout"
	"github.com/xyproto/ldpe/internal/linkctx"
	"github.com/xyproto/ldpe/internal/object"
	"github.com/xyproto/ldpe/internal/symtab"
	"github.com/xyproto/ldpe/internal/workpool"
)

func commonSym(name string, value uint32) object.ParsedSymbol {
	return object.ParsedSymbol{Name: name, Kind: object.SymCommon, Value: value, SectionNumber: 0}
}

// insertAllDefined feeds every symbol of every obj into a fresh Table's
// Defined scope through the real comdat policy, the way internal/driver
// does during ingest — so collisions (same-name commons across objects)
// coalesce to one winner exactly the way they would in a real link.
func insertAllDefined(t *testing.T, diags *diag.Table, objs ...*linkctx.Obj) *symtab.Table {
	t.Helper()
	table := symtab.New()
	arenas := symtab.NewArenas(1)
	policy := comdat.Policy(diags)
	for _, o := range objs {
		for si := range o.Symbols {
			ps := &o.Symbols[si]
			table.InsertOrReplace(arenas.For(0), linkctx.ScopeDefined, &linkctx.Symbol{
				Name: ps.Name, Variant: linkctx.VariantDefined, Obj: o, SymbolIdx: uint32(si),
			}, policy)
		}
	}
	return table
}

func TestRunPacksDescendingBySizeWithTiebreak(t *testing.T) {
	objA := &linkctx.Obj{Path: "a.obj", InputIdx: 0, Symbols: []object.ParsedSymbol{
		commonSym("small", 4),
		commonSym("big", 64),
	}}
	objB := &linkctx.Obj{Path: "b.obj", InputIdx: 1, Symbols: []object.ParsedSymbol{
		commonSym("alsobig", 64),
	}}

	pool := workpool.New(2)
	diags := diag.NewTable()
	lo, err := layout.Run(pool, diags, []*linkctx.Obj{objA, objB}, nil, 0, 0x1000, 0x200, object.MachineAMD64)
	if err != nil {
		t.Fatalf("layout.Run failed: %v", err)
	}
	table := insertAllDefined(t, diags, objA, objB)

	res := Run(table, lo, 0x1000, 0x200)
	if len(res.Assignments) != 3 {
		t.Fatalf("expected 3 assignments, got %d", len(res.Assignments))
	}

	// Two size-64 entries tie; objA's "big" (input_idx 0) must precede
	// objB's "alsobig" (input_idx 1), and both precede the size-4 entry.
	if res.Assignments[0].Obj != objA || res.Assignments[0].SymIdx != 1 {
		t.Fatalf("expected objA/big first, got %+v", res.Assignments[0])
	}
	if res.Assignments[1].Obj != objB || res.Assignments[1].SymIdx != 0 {
		t.Fatalf("expected objB/alsobig second, got %+v", res.Assignments[1])
	}
	if res.Assignments[2].Obj != objA || res.Assignments[2].SymIdx != 0 {
		t.Fatalf("expected objA/small last, got %+v", res.Assignments[2])
	}

	if res.Assignments[0].Offset != 0 {
		t.Fatalf("expected first assignment at offset 0, got %d", res.Assignments[0].Offset)
	}
	if res.Assignments[1].Offset != 64 {
		t.Fatalf("expected second assignment at offset 64, got %d", res.Assignments[1].Offset)
	}
	// The size-4 entry aligns to min(32, next_pow2(4)) == 4.
	if res.Assignments[2].Offset != 128 {
		t.Fatalf("expected third assignment at offset 128, got %d", res.Assignments[2].Offset)
	}

	if res.BSS == nil {
		t.Fatalf("expected a .bss image section")
	}
	if res.BSS.Name != ".bss" {
		t.Fatalf("expected section named .bss, got %q", res.BSS.Name)
	}
}

// TestRunCoalescesSameNameCommonAcrossObjects exercises the case a raw
// per-object scan gets wrong: two objects both tentatively define "shared"
// as a common block. internal/comdat's Defined-scope policy picks one
// winner (the larger size; spec.md §4.4), and Run must hand out exactly
// one .bss slot for "shared", not two.
func TestRunCoalescesSameNameCommonAcrossObjects(t *testing.T) {
	objA := &linkctx.Obj{Path: "a.obj", InputIdx: 0, Symbols: []object.ParsedSymbol{
		commonSym("shared", 8),
	}}
	objB := &linkctx.Obj{Path: "b.obj", InputIdx: 1, Symbols: []object.ParsedSymbol{
		commonSym("shared", 64),
	}}

	pool := workpool.New(2)
	diags := diag.NewTable()
	lo, err := layout.Run(pool, diags, []*linkctx.Obj{objA, objB}, nil, 0, 0x1000, 0x200, object.MachineAMD64)
	if err != nil {
		t.Fatalf("layout.Run failed: %v", err)
	}
	table := insertAllDefined(t, diags, objA, objB)

	res := Run(table, lo, 0x1000, 0x200)
	if len(res.Assignments) != 1 {
		t.Fatalf("expected the two same-name commons to coalesce to 1 assignment, got %d: %+v", len(res.Assignments), res.Assignments)
	}
	if res.Assignments[0].Obj != objB || res.Assignments[0].Size != 64 {
		t.Fatalf("expected the larger (objB, size 64) common to win, got %+v", res.Assignments[0])
	}
}

func TestMinAlignCapsAtThirtyTwo(t *testing.T) {
	cases := []struct {
		size, want uint32
	}{
		{1, 1}, {2, 2}, {3, 4}, {4, 4}, {5, 8}, {32, 32}, {33, 32}, {1024, 32},
	}
	for _, c := range cases {
		if got := minAlign(c.size); got != c.want {
			t.Errorf("minAlign(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}
