package gc

import (
	"testing"

	"github.com/xyproto/ldpe/internal/comdat"
	"github.com/xyproto/ldpe/internal/diag"
	"github.com/xyproto/ldpe/internal/linkctx"
	"github.com/xyproto/ldpe/internal/object"
	"github.com/xyproto/ldpe/internal/symtab"
	"github.com/xyproto/ldpe/internal/workpool"
)

func sect(name string, flags object.SectionFlags) *object.SectionHeader {
	return &object.SectionHeader{Name: name, Flags: flags, RawSize: 4, RawData: make([]byte, 4), ComdatSymbol: -1, Associative: -1}
}

func TestUnreachableComdatStaysRemoved(t *testing.T) {
	// main.obj's .text$mn calls "used_fn" (reachable) but never
	// references "dead_fn"; both are standalone COMDATs in another obj.
	mainSect := sect(".text$mn", object.SectionCntCode|object.SectionMemExecute|object.SectionMemRead)
	mainSect.Relocs = []object.Reloc{{SymbolTableIndex: 0, Type: 0x0004}}
	mainObj := &linkctx.Obj{Path: "main.obj", InputIdx: 0, Sections: []*object.SectionHeader{mainSect}, Symbols: []object.ParsedSymbol{
		{Name: "used_fn", Kind: object.SymUndefined},
	}}

	usedSect := sect(".text$mn", object.SectionCntCode|object.SectionMemExecute|object.SectionMemRead|object.SectionLnkCOMDAT)
	usedSect.ComdatSelect = object.ComdatSelectAny
	deadSect := sect(".text$mn", object.SectionCntCode|object.SectionMemExecute|object.SectionMemRead|object.SectionLnkCOMDAT)
	deadSect.ComdatSelect = object.ComdatSelectAny

	libObj := &linkctx.Obj{Path: "lib.obj", InputIdx: 1, Sections: []*object.SectionHeader{usedSect, deadSect}, Symbols: []object.ParsedSymbol{
		{Name: "used_fn", Kind: object.SymRegular, SectionNumber: 1, Value: 0, StorageClass: object.ClassExternal},
		{Name: "dead_fn", Kind: object.SymRegular, SectionNumber: 2, Value: 0, StorageClass: object.ClassExternal},
	}}

	diags := diag.NewTable()
	table := symtab.New()
	arenas := symtab.NewArenas(1)
	policy := comdat.Policy(diags)
	table.InsertOrReplace(arenas.For(0), linkctx.ScopeDefined, &linkctx.Symbol{Name: "used_fn", Variant: linkctx.VariantDefined, Obj: libObj, SymbolIdx: 0}, policy)
	table.InsertOrReplace(arenas.For(0), linkctx.ScopeDefined, &linkctx.Symbol{Name: "dead_fn", Variant: linkctx.VariantDefined, Obj: libObj, SymbolIdx: 1}, policy)

	pool := workpool.New(2)
	Run(pool, diags, []*linkctx.Obj{mainObj, libObj}, table, nil)

	if usedSect.Flags&object.SectionLnkRemove != 0 {
		t.Fatalf("expected used_fn's section to survive GC")
	}
	if deadSect.Flags&object.SectionLnkRemove == 0 {
		t.Fatalf("expected dead_fn's section to remain removed by GC")
	}
}

func TestIncludeSymbolRootKeepsItsSectionAlive(t *testing.T) {
	forcedSect := sect(".text$mn", object.SectionCntCode|object.SectionMemExecute|object.SectionMemRead|object.SectionLnkCOMDAT)
	forcedSect.ComdatSelect = object.ComdatSelectAny
	o := &linkctx.Obj{Path: "a.obj", InputIdx: 0, Sections: []*object.SectionHeader{forcedSect}, Symbols: []object.ParsedSymbol{
		{Name: "keep_me", Kind: object.SymRegular, SectionNumber: 1, Value: 0, StorageClass: object.ClassExternal},
	}}

	diags := diag.NewTable()
	table := symtab.New()
	arenas := symtab.NewArenas(1)
	policy := comdat.Policy(diags)
	table.InsertOrReplace(arenas.For(0), linkctx.ScopeDefined, &linkctx.Symbol{Name: "keep_me", Variant: linkctx.VariantDefined, Obj: o, SymbolIdx: 0}, policy)

	pool := workpool.New(1)
	Run(pool, diags, []*linkctx.Obj{o}, table, []string{"keep_me"})

	if forcedSect.Flags&object.SectionLnkRemove != 0 {
		t.Fatalf("expected /INCLUDE root to keep its section alive")
	}
}

func TestAssociatedDebugSectionSurvivesWithItsParent(t *testing.T) {
	parent := sect(".text$mn", object.SectionCntCode|object.SectionMemExecute|object.SectionMemRead)
	debugChild := sect(".debug$S", object.SectionCntInitData)
	o := &linkctx.Obj{
		Path:       "a.obj",
		InputIdx:   0,
		Sections:   []*object.SectionHeader{parent, debugChild},
		Associated: map[int][]int{0: {1}},
	}
	// Simulate debug sections starting out presumed dead, as real ingest
	// would mark anything not an explicit root.
	debugChild.Flags |= object.SectionLnkRemove

	diags := diag.NewTable()
	table := symtab.New()
	pool := workpool.New(1)
	Run(pool, diags, []*linkctx.Obj{o}, table, nil)

	if debugChild.Flags&object.SectionLnkRemove != 0 {
		t.Fatalf("expected debug section associated to a live parent to survive")
	}
}
