// Package driver implements the Input Driver of spec.md §4.2: the
// single-threaded state machine that drives object, library, and import
// ingestion to a fixed point — parsing inputs, inserting their symbols into
// the shared table, and chasing undefined/weak references until nothing
// new is discovered.
//
// Synthesizing the linker-generated objects spec.md's InputLinkerObjs state
// describes (import thunks, the export table, resources, the debug
// directory, delay-load null thunks) needs internal/image's PE layout
// knowledge, which itself consumes this package's Result — wiring that
// dependency back into driver would make the package graph cyclic. Instead
// Driver exposes a Synthesize hook the top-level internal/linker
// orchestrator installs once the rest of the pipeline is in scope; leaving
// it nil (the zero value) just skips that state, matching a link with no
// imports, no exports, and no delay-load DLLs.
package driver

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xyproto/ldpe/internal/comdat"
	"github.com/xyproto/ldpe/internal/config"
	"github.com/xyproto/ldpe/internal/diag"
	"github.com/xyproto/ldpe/internal/libresolve"
	"github.com/xyproto/ldpe/internal/linkctx"
	"github.com/xyproto/ldpe/internal/object"
	"github.com/xyproto/ldpe/internal/objio"
	"github.com/xyproto/ldpe/internal/symtab"
	"github.com/xyproto/ldpe/internal/workpool"
)

// FileReader reads a file's bytes from disk — the one I/O seam the driver
// needs for on-disk objects, archives, and thin-archive members that
// weren't already handed over as in-memory bytes.
type FileReader func(path string) ([]byte, error)

// objRequest is one pending InputObjs work item.
type objRequest struct {
	dedupID   string
	path      string
	raw       []byte // already in memory; nil means read via FileReader
	lib       *linkctx.Lib
	libOffset int64
	inputIdx  int64 // -1 means "allocate the next plain input_idx"
}

// libRequest is one pending InputLibs work item.
type libRequest struct {
	path string
	raw  []byte
}

// SynthesizedObj is a linker-generated object ready to re-enter InputObjs,
// the shape Driver.Synthesize returns.
type SynthesizedObj struct {
	Name string
	Raw  []byte
}

// Result is everything the Input Driver produced, ready for the GC and
// Layout phases that follow it in the pipeline (spec.md §2 dataflow).
type Result struct {
	Objs       []*linkctx.Obj
	Libs       []*linkctx.Lib
	Table      *symtab.Table
	Machine    object.Machine
	EntryPoint *linkctx.Symbol
	Imports    []*object.ShortImport
	Unresolved []string
}

// entryCandidate pairs a name worth searching Defined/Lib for with the
// actual entry symbol name the search should settle on once that name is
// found. For a hand-written CRT startup routine the two are the same; for
// a user-facing main/wmain/WinMain/wWinMain, name is what the user wrote
// and final is the CRT startup wrapper (from libcmt et al.) that actually
// becomes the image entry point and calls it — the remap
// original_source/src/linker/lnk.c's LookupEntryPoint state performs
// right after finding an unspecified entry point.
type entryCandidate struct {
	name  string
	final string
}

var cuiEntryCandidates = []entryCandidate{
	{"mainCRTStartup", "mainCRTStartup"},
	{"wmainCRTStartup", "wmainCRTStartup"},
	{"main", "mainCRTStartup"},
	{"wmain", "wmainCRTStartup"},
}

var guiEntryCandidates = []entryCandidate{
	{"WinMainCRTStartup", "WinMainCRTStartup"},
	{"wWinMainCRTStartup", "wWinMainCRTStartup"},
	{"WinMain", "WinMainCRTStartup"},
	{"wWinMain", "wWinMainCRTStartup"},
}

// subsystemEntryLists pairs each subsystem with its candidate list, in the
// fixed order the entry-point search tries subsystems when none was
// specified.
var subsystemEntryLists = []struct {
	subsys config.Subsystem
	names  []entryCandidate
}{
	{config.SubsystemWindowsCUI, cuiEntryCandidates},
	{config.SubsystemWindowsGUI, guiEntryCandidates},
}

// Driver runs the ingest state machine of spec.md §4.2 to a fixed point.
type Driver struct {
	cfg   *config.Config
	diags *diag.Table
	pool  *workpool.Pool
	read  FileReader

	objCounter int64
	libCounter int64

	resolver      *libresolve.Resolver
	table         *symtab.Table
	policy        symtab.ReplacePolicy
	definedArenas *symtab.Arenas
	libArenas     *symtab.Arenas

	objs []*linkctx.Obj
	libs []*linkctx.Lib

	dedupSeen map[string]bool

	pendingObjs []objRequest
	pendingLibs []libRequest

	pendingUndef []string
	pendingWeak  []string
	undefQueued  map[string]bool
	weakQueued   map[string]bool

	// alternateTried remembers which /ALTERNATENAME "from" names already
	// had their "to" pulled from a library once, so a "to" that itself
	// never resolves (e.g. the pulled member's own "to" definition turns
	// out to be missing) fails the substitute exactly once instead of
	// re-queueing name forever.
	alternateTried map[string]bool

	machine object.Machine

	entry *linkctx.Symbol

	imports    []*object.ShortImport
	unresolved []string

	// Synthesize, if set, runs once after entry-point search and before
	// final unresolved reporting (the InputLinkerObjs state). It returns
	// synthesized objects to feed right back into InputObjs.
	Synthesize     func(d *Driver) []SynthesizedObj
	synthesizeDone bool
}

// New builds a Driver. pool sizes the parallel read/parse fan-out of
// InputObjs; read supplies on-disk bytes for path-only inputs.
func New(cfg *config.Config, diags *diag.Table, pool *workpool.Pool, read FileReader) *Driver {
	return &Driver{
		cfg:           cfg,
		diags:         diags,
		pool:          pool,
		read:          read,
		resolver:      libresolve.New(256),
		table:         symtab.New(),
		policy:        comdat.Policy(diags),
		definedArenas: symtab.NewArenas(1),
		libArenas:     symtab.NewArenas(1),
		dedupSeen:      map[string]bool{},
		undefQueued:    map[string]bool{},
		weakQueued:     map[string]bool{},
		alternateTried: map[string]bool{},
	}
}

// AddObjFile queues a command-line object input, read lazily from disk.
func (d *Driver) AddObjFile(path string) {
	d.pendingObjs = append(d.pendingObjs, objRequest{dedupID: absPath(path), path: path, inputIdx: -1})
}

// AddObjBytes queues an in-memory object (used by callers that already hold
// the bytes, or by tests).
func (d *Driver) AddObjBytes(name string, raw []byte) {
	d.pendingObjs = append(d.pendingObjs, objRequest{dedupID: "mem:" + name, path: name, raw: raw, inputIdx: -1})
}

// AddLibFile queues a command-line library input, read lazily from disk.
func (d *Driver) AddLibFile(path string) {
	d.pendingLibs = append(d.pendingLibs, libRequest{path: path})
}

// AddLibBytes queues an in-memory library.
func (d *Driver) AddLibBytes(path string, raw []byte) {
	d.pendingLibs = append(d.pendingLibs, libRequest{path: path, raw: raw})
}

func absPath(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return p
}

// Run drives every state to a fixed point and returns the assembled Result.
// Diagnostics (unresolved symbols, bad archives, unknown directives) are
// recorded through the Table supplied to New; Run itself only returns an
// error for something no diagnostic Kind fits (there is none today — kept
// for symmetry with the phases downstream).
func (d *Driver) Run() (*Result, error) {
	for {
		switch {
		case len(d.pendingObjs) > 0:
			d.drainObjs()
		case len(d.pendingLibs) > 0:
			d.drainLibs()
		case len(d.pendingUndef) > 0:
			d.lookupUndef()
		case len(d.pendingWeak) > 0:
			d.lookupWeak()
		case d.entry == nil && d.lookupEntryPoint():
			// pulled a library member while searching; loop back around
			// so InputObjs ingests it before the next search attempt.
		case d.Synthesize != nil && !d.synthesizeDone:
			d.runSynthesize()
		default:
			d.reportUnresolved()
			return d.result(), nil
		}
	}
}

func (d *Driver) result() *Result {
	return &Result{
		Objs:       d.objs,
		Libs:       d.libs,
		Table:      d.table,
		Machine:    d.machine,
		EntryPoint: d.entry,
		Imports:    d.imports,
		Unresolved: d.unresolved,
	}
}

func (d *Driver) nextObjIdx() int64 {
	idx := d.objCounter
	d.objCounter++
	return idx
}

func (d *Driver) nextLibIdx() int64 {
	idx := d.libCounter
	d.libCounter++
	return idx
}

// drainObjs is the InputObjs state: dedup, parallel read+parse, then a
// sequential pass (directive application, machine inference, symbol
// insertion) — kept single-threaded because insertion order into the
// Defined scope decides which of two same-named definitions is "earlier"
// for the COMDAT/weak replacement policy (spec.md §4.4), and that ordering
// must be deterministic.
func (d *Driver) drainObjs() {
	reqs := d.pendingObjs
	d.pendingObjs = nil

	fresh := reqs[:0:0]
	for _, r := range reqs {
		if d.dedupSeen[r.dedupID] {
			continue
		}
		d.dedupSeen[r.dedupID] = true
		fresh = append(fresh, r)
	}
	reqs = fresh
	if len(reqs) == 0 {
		return
	}

	parsed := make([]*linkctx.Obj, len(reqs))
	errs := make([]error, len(reqs))

	d.pool.ForEach(len(reqs), func(i int) error {
		r := reqs[i]
		raw := r.raw
		if raw == nil {
			b, err := d.read(r.path)
			if err != nil {
				errs[i] = err
				return nil
			}
			raw = b
		}
		ob, err := objio.ParseObject(raw)
		if err != nil {
			errs[i] = err
			return nil
		}
		o := &linkctx.Obj{
			Path:       r.path,
			Raw:        raw,
			Machine:    ob.Machine,
			BigObj:     ob.BigObj,
			Sections:   ob.Sections,
			Symbols:    ob.Symbols,
			Associated: ob.Associated,
			Lib:        r.lib,
			LibOffset:  r.libOffset,
		}
		o.WasPatched = make([]bool, len(o.Symbols))
		parsed[i] = o
		return nil
	})

	for i, r := range reqs {
		if errs[i] != nil {
			d.diags.Record(diag.KindFileNotFound, errs[i], "%s: could not read/parse object", r.path)
			continue
		}
		o := parsed[i]
		if r.inputIdx >= 0 {
			o.InputIdx = r.inputIdx
		} else {
			o.InputIdx = d.nextObjIdx()
		}
		d.applyDirectives(o)
		if d.machine == object.MachineUnknown && o.Machine != object.MachineUnknown {
			d.machine = o.Machine
		}
		d.objs = append(d.objs, o)
		d.ingestSymbols(o)
	}
}

// applyDirectives scans an object's .drectve section (if any) and applies
// every recognized directive to the shared Config, queuing any
// newly-named /DEFAULTLIB entries for InputLibs.
func (d *Driver) applyDirectives(o *linkctx.Obj) {
	for _, sh := range o.Sections {
		if sh.Name != ".drectve" || len(sh.RawData) == 0 {
			continue
		}
		dirs, err := config.ParseDirectiveLine(string(sh.RawData))
		if err != nil {
			d.diags.Record(diag.KindUnknownDirective, err, "%s: malformed .drectve contents", o.Path)
			continue
		}
		before := len(d.cfg.DefaultLibs)
		for _, dir := range dirs {
			if !d.cfg.Apply(dir) {
				d.diags.Record(diag.KindUnknownDirective, nil, "%s: unrecognized directive /%s", o.Path, dir.Name)
			}
		}
		for _, name := range d.cfg.DefaultLibs[before:] {
			d.pendingLibs = append(d.pendingLibs, libRequest{path: name})
		}
	}
}

// ingestSymbols inputs one object's symbols into the Symbol Table per
// spec.md §4.8's notion of what's externally visible: anything with
// ClassExternal or ClassWeakExternal linkage goes into the Defined scope
// (subject to the COMDAT/weak replacement policy on a name collision);
// anything still SymUndefined is queued for LookupUndef.
func (d *Driver) ingestSymbols(o *linkctx.Obj) {
	for si := range o.Symbols {
		ps := &o.Symbols[si]
		if ps.Kind == object.SymUndefined {
			d.queueUndef(ps.Name)
			continue
		}
		if ps.StorageClass != object.ClassExternal && ps.StorageClass != object.ClassWeakExternal {
			continue
		}
		sym := &linkctx.Symbol{Name: ps.Name, Variant: linkctx.VariantDefined, Obj: o, SymbolIdx: uint32(si)}
		d.table.InsertOrReplace(d.definedArenas.For(0), linkctx.ScopeDefined, sym, d.policy)
		if ps.Kind == object.SymWeak {
			d.queueWeak(ps.Name)
		}
	}
}

func (d *Driver) queueUndef(name string) {
	if d.undefQueued[name] {
		return
	}
	d.undefQueued[name] = true
	d.pendingUndef = append(d.pendingUndef, name)
}

func (d *Driver) queueWeak(name string) {
	if d.weakQueued[name] {
		return
	}
	d.weakQueued[name] = true
	d.pendingWeak = append(d.pendingWeak, name)
}

// drainLibs is the InputLibs state: dedup by path, filter by the disallow
// set, parse the archive symbol table straight into the Lib scope (so
// members themselves stay unparsed until something actually references
// them — spec.md §4.3).
func (d *Driver) drainLibs() {
	reqs := d.pendingLibs
	d.pendingLibs = nil

	for _, r := range reqs {
		key := "lib:" + absPath(r.path)
		if d.dedupSeen[key] {
			continue
		}
		d.dedupSeen[key] = true

		if disallowed(d.cfg, r.path) {
			continue
		}

		raw := r.raw
		if raw == nil {
			b, err := d.read(r.path)
			if err != nil {
				d.diags.Record(diag.KindFileNotFound, err, "%s: could not read library", r.path)
				continue
			}
			raw = b
		}
		arc, err := objio.ParseArchive(raw)
		if err != nil {
			d.diags.Record(diag.KindInvalidPath, err, "%s: not a valid archive", r.path)
			continue
		}

		lib := &linkctx.Lib{Path: r.path, Raw: raw, Type: arc.Type, InputIdx: d.nextLibIdx(), LongNames: arc.LongNames}
		for name, off := range arc.SymbolIndex {
			sym := &linkctx.Symbol{Name: name, Variant: linkctx.VariantLib, Lib: lib, MemberOffset: off}
			d.table.InsertOrReplace(d.libArenas.For(0), linkctx.ScopeLib, sym, nil)
		}
		d.libs = append(d.libs, lib)
	}
}

func disallowed(cfg *config.Config, path string) bool {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return cfg.DisallowLibs[strings.ToLower(base)]
}

// lookupUndef is the LookupUndef state: Defined first, then Lib (queuing
// the owning member for ingest), else an /ALTERNATENAME substitute, else
// unresolved.
func (d *Driver) lookupUndef() {
	names := d.pendingUndef
	d.pendingUndef = nil
	sort.Strings(names) // deterministic drain order, per spec.md §4.2

	for _, name := range names {
		if d.table.Search(linkctx.ScopeDefined, name) != nil {
			continue
		}
		if d.pullIfInLib(name) {
			continue
		}
		if d.aliasToAlternate(name) {
			continue
		}
		d.recordUnresolved(name)
	}
}

// aliasToAlternate implements /ALTERNATENAME:from=to: name ("from") has no
// definition anywhere InputObjs/InputLibs has looked so far, so before
// giving up, try its substitute ("to") the same way — Defined first, then
// Lib. A resolved substitute is inserted into the Defined scope under
// name itself, so every later lookup of "from" (relocation resolution,
// the entry-point search) finds the same underlying COFF symbol "to"
// does, with no further /ALTERNATENAME-awareness needed downstream.
func (d *Driver) aliasToAlternate(name string) bool {
	to, ok := d.cfg.AlternateNames[name]
	if !ok {
		return false
	}
	leader := d.table.Search(linkctx.ScopeDefined, to)
	if leader == nil {
		if d.alternateTried[name] {
			return false // already gave to one chance to resolve via a library pull; it didn't
		}
		if !d.pullIfInLib(to) {
			return false
		}
		d.alternateTried[name] = true
		// to's member is now queued for InputObjs; re-queue name (bypassing
		// queueUndef's dedup guard, already tripped the first time name was
		// seen) so the next lookupUndef pass retries it once to is Defined.
		d.pendingUndef = append(d.pendingUndef, name)
		return true
	}
	d.table.InsertOrReplace(d.definedArenas.For(0), linkctx.ScopeDefined,
		&linkctx.Symbol{Name: name, Variant: linkctx.VariantDefined, Obj: leader.Obj, SymbolIdx: leader.SymbolIdx}, nil)
	return true
}

// pullIfInLib resolves name against the Lib scope and, if found, queues its
// archive member for ingest (or records a pending import). Reports true iff
// a Lib-scope entry existed, regardless of how it resolved.
func (d *Driver) pullIfInLib(name string) bool {
	sym := d.table.Search(linkctx.ScopeLib, name)
	if sym == nil {
		return false
	}
	d.pullLibMember(sym.Lib, sym.MemberOffset)
	return true
}

func (d *Driver) pullLibMember(lib *linkctx.Lib, offset int64) {
	imp, objInput, err := d.resolver.Resolve(lib, offset, d.read)
	if err != nil {
		d.diags.Record(diag.KindInvalidPath, err, "%s: %v", lib.Path, err)
		return
	}
	if imp != nil {
		d.imports = append(d.imports, imp)
		return
	}
	path := objInput.Path
	if path == "" {
		path = fmt.Sprintf("%s(offset 0x%x)", lib.Path, offset)
	}
	d.pendingObjs = append(d.pendingObjs, objRequest{
		dedupID:   fmt.Sprintf("arcmem:%d:%d", lib.InputIdx, offset),
		path:      path,
		raw:       objInput.Raw,
		lib:       lib,
		libOffset: offset,
		inputIdx:  objInput.InputIdx,
	})
}

func (d *Driver) recordUnresolved(name string) {
	d.unresolved = append(d.unresolved, name)
	d.diags.Record(diag.KindUnresolvedSymbol, nil, "unresolved external symbol %s", name)
}

// lookupWeak is the LookupWeak state: a strong (non-weak) Defined entry
// already winning the name means nothing more to do; otherwise dispatch on
// the weak-ext tag's search kind (spec.md §4.2).
func (d *Driver) lookupWeak() {
	names := d.pendingWeak
	d.pendingWeak = nil
	sort.Strings(names)

	for _, name := range names {
		sym := d.table.Search(linkctx.ScopeDefined, name)
		if sym == nil {
			continue
		}
		ps := sym.ParsedSymbol()
		if ps == nil || ps.Kind != object.SymWeak {
			continue // a strong winner already replaced the weak definition
		}
		tagName := ""
		if int(ps.WeakTagIndex) < len(sym.Obj.Symbols) {
			tagName = sym.Obj.Symbols[ps.WeakTagIndex].Name
		}
		switch ps.WeakSearch {
		case object.WeakNoLibrary:
			// resolved entirely against its own tag at symbol-patch time
		case object.WeakAntiDependency, object.WeakSearchLibrary:
			d.pullIfInLib(name)
		case object.WeakSearchAlias:
			if !d.pullIfInLib(name) && tagName != "" {
				d.pullIfInLib(tagName)
			}
		}
	}
}

// lookupEntryPoint is the LookupEntryPoint state. Reports true iff the
// search isn't settled yet and must be retried — either because it queued
// a library member to chase, or because it just resolved an unspecified
// entry point to a candidate name and needs a second pass (through the
// d.cfg.EntryName != "" fast path below) to actually locate or pull that
// name's symbol.
//
// spec.md §4.2: "if both subsystem and entry name are unset, try every
// subsystem × every well-known entry name in Defined then in Lib; if
// subsystem is known but entry is not, enumerate that subsystem's names,
// erroring on duplicate Defined hits; remap user-facing entries
// (main/wmain/WinMain/wWinMain) to their CRT-wrapped forms".
func (d *Driver) lookupEntryPoint() bool {
	if d.cfg.EntryName != "" {
		sym, pulled := d.resolveEntry(d.cfg.EntryName)
		if pulled {
			return true
		}
		if sym != nil {
			d.entry = sym
		} else {
			d.diags.Record(diag.KindEntryPointMissing, nil, "entry point %q not found", d.cfg.EntryName)
		}
		return false
	}

	if !d.cfg.SubsystemSet {
		for _, l := range subsystemEntryLists {
			if final, ok := searchEntryCandidates(d.table, l.names, linkctx.ScopeDefined); ok {
				d.cfg.Subsystem, d.cfg.SubsystemSet, d.cfg.EntryName = l.subsys, true, final
				return true
			}
		}
		for _, l := range subsystemEntryLists {
			if final, ok := searchEntryCandidates(d.table, l.names, linkctx.ScopeLib); ok {
				d.cfg.Subsystem, d.cfg.SubsystemSet, d.cfg.EntryName = l.subsys, true, final
				return true
			}
		}
		d.diags.Record(diag.KindEntryPointMissing, nil, "no entry point found among any well-known name")
		return false
	}

	candidates := cuiEntryCandidates
	if d.cfg.Subsystem == config.SubsystemWindowsGUI {
		candidates = guiEntryCandidates
	}

	var found *entryCandidate
	hits := 0
	for i := range candidates {
		if d.table.Search(linkctx.ScopeDefined, candidates[i].name) != nil {
			hits++
			if found == nil {
				found = &candidates[i]
			}
		}
	}
	if hits > 1 {
		d.diags.Record(diag.KindMultiplyDefinedSymbol, nil, "multiple entry point symbols found among %v", candidates)
		return false
	}
	if found != nil {
		d.cfg.EntryName = found.final
		return true
	}
	if final, ok := searchEntryCandidates(d.table, candidates, linkctx.ScopeLib); ok {
		d.cfg.EntryName = final
		return true
	}
	d.diags.Record(diag.KindEntryPointMissing, nil, "no entry point found among %v", candidates)
	return false
}

// searchEntryCandidates returns the final (possibly remapped) entry name
// of the first candidate whose search name is present in scope.
func searchEntryCandidates(table *symtab.Table, candidates []entryCandidate, scope linkctx.Scope) (final string, ok bool) {
	for _, c := range candidates {
		if table.Search(scope, c.name) != nil {
			return c.final, true
		}
	}
	return "", false
}

func (d *Driver) resolveEntry(name string) (sym *linkctx.Symbol, pulled bool) {
	if sym := d.table.Search(linkctx.ScopeDefined, name); sym != nil {
		return sym, false
	}
	return nil, d.pullIfInLib(name)
}

func (d *Driver) runSynthesize() {
	d.synthesizeDone = true
	for _, obj := range d.Synthesize(d) {
		d.AddObjBytes(obj.Name, obj.Raw)
	}
}

// reportUnresolved is ReportUnresolvedSymbols: every diagnostic was already
// recorded as each name was discovered unresolvable, so this only sorts
// d.unresolved into name order. It does not look at the weak queue and
// records no further diagnostic.
func (d *Driver) reportUnresolved() {
	if len(d.unresolved) > 1 {
		sort.Strings(d.unresolved)
	}
}
