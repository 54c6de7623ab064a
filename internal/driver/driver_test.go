package driver

import (
	"testing"

	"github.com/xyproto/ldpe/internal/config"
	"github.com/xyproto/ldpe/internal/diag"
	"github.com/xyproto/ldpe/internal/linkctx"
	"github.com/xyproto/ldpe/internal/object"
	"github.com/xyproto/ldpe/internal/workpool"
)

func newTestDriver() *Driver {
	cfg := config.Default()
	diags := diag.NewTable()
	pool := workpool.New(1)
	read := func(path string) ([]byte, error) { return nil, nil }
	return New(&cfg, diags, pool, read)
}

func TestQueueUndefAndWeakDedupByName(t *testing.T) {
	d := newTestDriver()
	d.queueUndef("foo")
	d.queueUndef("foo")
	d.queueUndef("bar")
	if len(d.pendingUndef) != 2 {
		t.Fatalf("expected 2 distinct undef entries, got %d", len(d.pendingUndef))
	}

	d.queueWeak("baz")
	d.queueWeak("baz")
	if len(d.pendingWeak) != 1 {
		t.Fatalf("expected 1 distinct weak entry, got %d", len(d.pendingWeak))
	}
}

func TestDisallowedMatchesCaseInsensitiveBasename(t *testing.T) {
	cfg := config.Default()
	cfg.DisallowLibs["libcmt"] = true
	if !disallowed(&cfg, "C:\\libs\\LIBCMT.lib") {
		t.Fatalf("expected LIBCMT.lib to be disallowed")
	}
	if disallowed(&cfg, "C:\\libs\\msvcrt.lib") {
		t.Fatalf("did not expect msvcrt.lib to be disallowed")
	}
}

func TestLookupUndefQueuesLibraryMember(t *testing.T) {
	d := newTestDriver()
	lib := &linkctx.Lib{Path: "foo.lib", Type: object.ArchiveRegular, InputIdx: 0}
	lib.CacheMember(32, &object.ArchiveMember{Offset: 32, Kind: object.MemberObj, Name: "foo.obj", Data: []byte{1, 2, 3}})
	d.table.InsertOrReplace(d.libArenas.For(0), linkctx.ScopeLib, &linkctx.Symbol{
		Name: "needed_fn", Variant: linkctx.VariantLib, Lib: lib, MemberOffset: 32,
	}, nil)

	d.pendingUndef = []string{"needed_fn"}
	d.lookupUndef()

	if len(d.pendingObjs) != 1 {
		t.Fatalf("expected one queued obj request, got %d", len(d.pendingObjs))
	}
	if string(d.pendingObjs[0].raw) != "\x01\x02\x03" {
		t.Fatalf("unexpected raw bytes on queued request: %v", d.pendingObjs[0].raw)
	}
	if len(d.unresolved) != 0 {
		t.Fatalf("expected no unresolved symbols, got %v", d.unresolved)
	}
}

func TestLookupUndefRecordsUnresolvedWhenAbsentEverywhere(t *testing.T) {
	d := newTestDriver()
	d.pendingUndef = []string{"missing_fn"}
	d.lookupUndef()

	if len(d.unresolved) != 1 || d.unresolved[0] != "missing_fn" {
		t.Fatalf("expected missing_fn recorded unresolved, got %v", d.unresolved)
	}
	found := false
	for _, diagEntry := range d.diags.All() {
		if diagEntry.Kind == diag.KindUnresolvedSymbol {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an unresolved-symbol diagnostic")
	}
}

func TestLookupEntryPointFindsDefinedSymbolAndSetsSubsystem(t *testing.T) {
	d := newTestDriver()
	o := &linkctx.Obj{
		Path: "crt.obj",
		Symbols: []object.ParsedSymbol{
			{Name: "mainCRTStartup", Kind: object.SymRegular, SectionNumber: 1, StorageClass: object.ClassExternal},
		},
	}
	d.table.InsertOrReplace(d.definedArenas.For(0), linkctx.ScopeDefined, &linkctx.Symbol{
		Name: "mainCRTStartup", Variant: linkctx.VariantDefined, Obj: o, SymbolIdx: 0,
	}, d.policy)

	// First call settles the candidate (name found in Defined, subsystem
	// inferred as CUI) and asks for a retry; second call, now that
	// cfg.EntryName is set, actually resolves it to d.entry — mirroring how
	// Run()'s state loop re-enters lookupEntryPoint.
	if !d.lookupEntryPoint() {
		t.Fatalf("expected first call to request a retry once EntryName is settled")
	}
	if d.cfg.Subsystem != config.SubsystemWindowsCUI || !d.cfg.SubsystemSet {
		t.Fatalf("expected subsystem inferred as CUI, got %+v", d.cfg.Subsystem)
	}
	if pulled := d.lookupEntryPoint(); pulled {
		t.Fatalf("did not expect a library pull on the settling call")
	}
	if d.entry == nil || d.entry.Name != "mainCRTStartup" {
		t.Fatalf("expected mainCRTStartup as entry point, got %v", d.entry)
	}
}

func TestLookupEntryPointSearchesGUISubsystemWhenCUIAbsent(t *testing.T) {
	d := newTestDriver()
	o := &linkctx.Obj{
		Path: "crt.obj",
		Symbols: []object.ParsedSymbol{
			{Name: "WinMainCRTStartup", Kind: object.SymRegular, SectionNumber: 1, StorageClass: object.ClassExternal},
		},
	}
	d.table.InsertOrReplace(d.definedArenas.For(0), linkctx.ScopeDefined, &linkctx.Symbol{
		Name: "WinMainCRTStartup", Variant: linkctx.VariantDefined, Obj: o, SymbolIdx: 0,
	}, d.policy)

	if !d.lookupEntryPoint() {
		t.Fatalf("expected first call to request a retry once EntryName is settled")
	}
	if d.cfg.Subsystem != config.SubsystemWindowsGUI || !d.cfg.SubsystemSet {
		t.Fatalf("expected subsystem inferred as GUI, got %+v", d.cfg.Subsystem)
	}
	if d.cfg.EntryName != "WinMainCRTStartup" {
		t.Fatalf("expected EntryName settled to WinMainCRTStartup, got %q", d.cfg.EntryName)
	}
	if pulled := d.lookupEntryPoint(); pulled {
		t.Fatalf("did not expect a library pull on the settling call")
	}
	if d.entry == nil || d.entry.Name != "WinMainCRTStartup" {
		t.Fatalf("expected WinMainCRTStartup as entry point, got %v", d.entry)
	}
}

func TestLookupEntryPointRemapsBareMainWhenOnlyBareNameDefined(t *testing.T) {
	d := newTestDriver()
	o := &linkctx.Obj{
		Path: "user.obj",
		Symbols: []object.ParsedSymbol{
			{Name: "main", Kind: object.SymRegular, SectionNumber: 1, StorageClass: object.ClassExternal},
		},
	}
	d.table.InsertOrReplace(d.definedArenas.For(0), linkctx.ScopeDefined, &linkctx.Symbol{
		Name: "main", Variant: linkctx.VariantDefined, Obj: o, SymbolIdx: 0,
	}, d.policy)

	if !d.lookupEntryPoint() {
		t.Fatalf("expected first call to request a retry once EntryName is settled")
	}
	if d.cfg.EntryName != "mainCRTStartup" {
		t.Fatalf("expected bare main remapped to mainCRTStartup, got %q", d.cfg.EntryName)
	}
}

func TestLookupEntryPointErrorsOnMultipleDefinedCandidates(t *testing.T) {
	d := newTestDriver()
	d.cfg.Subsystem = config.SubsystemWindowsCUI
	d.cfg.SubsystemSet = true
	o := &linkctx.Obj{
		Path: "two.obj",
		Symbols: []object.ParsedSymbol{
			{Name: "mainCRTStartup", Kind: object.SymRegular, SectionNumber: 1, StorageClass: object.ClassExternal},
			{Name: "wmainCRTStartup", Kind: object.SymRegular, SectionNumber: 1, StorageClass: object.ClassExternal},
		},
	}
	d.table.InsertOrReplace(d.definedArenas.For(0), linkctx.ScopeDefined, &linkctx.Symbol{
		Name: "mainCRTStartup", Variant: linkctx.VariantDefined, Obj: o, SymbolIdx: 0,
	}, d.policy)
	d.table.InsertOrReplace(d.definedArenas.For(0), linkctx.ScopeDefined, &linkctx.Symbol{
		Name: "wmainCRTStartup", Variant: linkctx.VariantDefined, Obj: o, SymbolIdx: 1,
	}, d.policy)

	d.lookupEntryPoint()

	found := false
	for _, diagEntry := range d.diags.All() {
		if diagEntry.Kind == diag.KindMultiplyDefinedSymbol {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a multiply-defined-symbol diagnostic, got %v", d.diags.All())
	}
	if d.entry != nil {
		t.Fatalf("did not expect an entry point to be settled, got %v", d.entry)
	}
}

func TestLookupUndefUsesAlternateNameWhenAlreadyDefined(t *testing.T) {
	d := newTestDriver()
	d.cfg.AlternateNames["weak_fn"] = "strong_fn"
	o := &linkctx.Obj{
		Path: "a.obj",
		Symbols: []object.ParsedSymbol{
			{Name: "strong_fn", Kind: object.SymRegular, SectionNumber: 1, StorageClass: object.ClassExternal},
		},
	}
	d.table.InsertOrReplace(d.definedArenas.For(0), linkctx.ScopeDefined, &linkctx.Symbol{
		Name: "strong_fn", Variant: linkctx.VariantDefined, Obj: o, SymbolIdx: 0,
	}, d.policy)

	d.pendingUndef = []string{"weak_fn"}
	d.lookupUndef()

	if len(d.unresolved) != 0 {
		t.Fatalf("expected weak_fn resolved via /ALTERNATENAME, got unresolved %v", d.unresolved)
	}
	alias := d.table.Search(linkctx.ScopeDefined, "weak_fn")
	if alias == nil || alias.Obj != o || alias.SymbolIdx != 0 {
		t.Fatalf("expected weak_fn aliased onto strong_fn's symbol, got %v", alias)
	}
}

func TestLookupUndefUsesAlternateNamePulledFromLibrary(t *testing.T) {
	d := newTestDriver()
	d.cfg.AlternateNames["weak_fn"] = "strong_fn"
	lib := &linkctx.Lib{Path: "strong.lib", Type: object.ArchiveRegular, InputIdx: 0}
	lib.CacheMember(32, &object.ArchiveMember{Offset: 32, Kind: object.MemberObj, Name: "strong.obj", Data: []byte{1, 2, 3}})
	d.table.InsertOrReplace(d.libArenas.For(0), linkctx.ScopeLib, &linkctx.Symbol{
		Name: "strong_fn", Variant: linkctx.VariantLib, Lib: lib, MemberOffset: 32,
	}, nil)

	d.pendingUndef = []string{"weak_fn"}
	d.lookupUndef()

	if len(d.unresolved) != 0 {
		t.Fatalf("expected weak_fn deferred, not unresolved, got %v", d.unresolved)
	}
	if len(d.pendingObjs) != 1 {
		t.Fatalf("expected strong_fn's member queued for ingest, got %d", len(d.pendingObjs))
	}
	if len(d.pendingUndef) != 1 || d.pendingUndef[0] != "weak_fn" {
		t.Fatalf("expected weak_fn re-queued to retry once strong_fn is defined, got %v", d.pendingUndef)
	}
}

func TestLookupWeakSkipsWhenStrongWinnerPresent(t *testing.T) {
	d := newTestDriver()
	o := &linkctx.Obj{
		Path: "a.obj",
		Symbols: []object.ParsedSymbol{
			{Name: "maybe_fn", Kind: object.SymRegular, SectionNumber: 1, StorageClass: object.ClassExternal},
		},
	}
	d.table.InsertOrReplace(d.definedArenas.For(0), linkctx.ScopeDefined, &linkctx.Symbol{
		Name: "maybe_fn", Variant: linkctx.VariantDefined, Obj: o, SymbolIdx: 0,
	}, d.policy)

	d.pendingWeak = []string{"maybe_fn"}
	d.lookupWeak()

	if len(d.pendingObjs) != 0 {
		t.Fatalf("expected no library pull once a strong winner already exists, got %d", len(d.pendingObjs))
	}
}
