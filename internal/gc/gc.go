// Package gc implements the Dead-Code GC of spec.md §4.5: with /OPT:REF,
// every COMDAT section is presumed dead until proven reachable from a
// root, and Layout only ever sees the survivors.
package gc

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/xyproto/ldpe/internal/diag"
	"github.com/xyproto/ldpe/internal/linkctx"
	"github.com/xyproto/ldpe/internal/object"
	"github.com/xyproto/ldpe/internal/symtab"
	"github.com/xyproto/ldpe/internal/workpool"
)

// sectKey identifies one (obj, section) pair in the worklist and visited set.
type sectKey struct {
	obj  *linkctx.Obj
	sect int // 0-based
}

// chunkSize bounds how many worklist items one parallel task drains before
// yielding its discoveries back to the shared frontier (spec.md §4.5 step
// 4: "chunked by ≤1024 entries per task for parallelism").
const chunkSize = 1024

// Run marks every reachable section live and leaves every unreached COMDAT
// section's LnkRemove flag set. Run always performs the full pass;
// internal/linker calls it only under /OPT:REF, and without that call
// every section's flags stay as the COMDAT/weak replacement policy set
// them during ingest.
func Run(pool *workpool.Pool, diags *diag.Table, objs []*linkctx.Obj, table *symtab.Table, includes []string) {
	visited := xsync.NewMapOf[sectKey, bool]()

	var frontier []sectKey
	enqueue := func(k sectKey) {
		if k.obj == nil || k.sect < 0 || k.sect >= len(k.obj.Sections) {
			return
		}
		if _, loaded := visited.LoadOrStore(k, true); !loaded {
			frontier = append(frontier, k)
		}
	}

	// Step 1: roots are every non-COMDAT, non-removed section of every
	// live object, every /INCLUDE:sym symbol, and the TLS anchor if
	// present.
	for _, o := range objs {
		for si, sh := range o.Sections {
			if sh.Flags&object.SectionLnkCOMDAT == 0 && sh.Flags&object.SectionLnkRemove == 0 {
				enqueue(sectKey{obj: o, sect: si})
			}
		}
	}
	for _, name := range includes {
		if sym := table.Search(linkctx.ScopeDefined, name); sym != nil {
			if ps := sym.ParsedSymbol(); ps != nil && ps.Kind == object.SymRegular {
				enqueue(sectKey{obj: sym.Obj, sect: int(ps.SectionNumber) - 1})
			}
		}
	}
	if sym := table.Search(linkctx.ScopeDefined, "_tls_used"); sym != nil {
		if ps := sym.ParsedSymbol(); ps != nil && ps.Kind == object.SymRegular {
			enqueue(sectKey{obj: sym.Obj, sect: int(ps.SectionNumber) - 1})
		}
	}

	// Step 2: pre-mark every COMDAT section of every live object dead.
	for _, o := range objs {
		for _, sh := range o.Sections {
			if sh.Flags&object.SectionLnkCOMDAT != 0 {
				sh.Flags |= object.SectionLnkRemove
			}
		}
	}

	// Steps 3-4: worklist fixed point, processed in chunked, parallel
	// levels. A root enqueued above may have been a COMDAT section itself
	// (an /INCLUDE:sym landing inside one); clearing happens uniformly
	// below as each item is drained, regardless of how it entered the set.
	for len(frontier) > 0 {
		level := frontier
		frontier = nil

		numChunks := (len(level) + chunkSize - 1) / chunkSize
		var mu sync.Mutex
		var discovered []sectKey

		pool.ForEach(numChunks, func(i int) error {
			lo := i * chunkSize
			hi := lo + chunkSize
			if hi > len(level) {
				hi = len(level)
			}
			var local []sectKey
			for _, k := range level[lo:hi] {
				markLive(k)
				for _, r := range k.obj.Sections[k.sect].Relocs {
					if target, ok := resolve(k.obj, r, table); ok {
						local = append(local, target)
					}
				}
				for _, followerIdx := range k.obj.Associated[k.sect] {
					local = append(local, sectKey{obj: k.obj, sect: followerIdx})
				}
			}
			mu.Lock()
			discovered = append(discovered, local...)
			mu.Unlock()
			return nil
		})

		for _, k := range discovered {
			enqueue(k)
		}
	}

	// Step 5: any associated debug section of a live section must survive
	// regardless of whether the GC worklist itself reached it.
	for _, o := range objs {
		for si, sh := range o.Sections {
			if sh.Flags&object.SectionLnkRemove != 0 {
				continue
			}
			for _, followerIdx := range o.Associated[si] {
				if followerIdx < 0 || followerIdx >= len(o.Sections) {
					continue
				}
				follower := o.Sections[followerIdx]
				if isDebugSection(follower.Name) {
					follower.Flags &^= object.SectionLnkRemove
				}
			}
		}
	}
}

func markLive(k sectKey) {
	sh := k.obj.Sections[k.sect]
	if sh.Flags&object.SectionLnkCOMDAT != 0 {
		sh.Flags &^= object.SectionLnkRemove
	}
}

func isDebugSection(name string) bool {
	return len(name) >= 6 && name[:6] == ".debug"
}

// resolve follows the same symbol-resolution path the relocation patcher
// will later use (spec.md §4.5 step 4: "resolve its referenced symbol
// (§4.9 resolution)"), except here — before layout and symbol patching
// have run — a symbol's own ParsedSymbol still carries its original,
// per-object section number, so an external reference must be redirected
// through the Symbol Table to whichever object actually won the name.
func resolve(o *linkctx.Obj, r object.Reloc, table *symtab.Table) (sectKey, bool) {
	if int(r.SymbolTableIndex) >= len(o.Symbols) {
		return sectKey{}, false
	}
	ps := &o.Symbols[r.SymbolTableIndex]
	if ps.Kind != object.SymRegular && ps.Kind != object.SymUndefined {
		return sectKey{}, false
	}

	targetObj, targetPS := o, ps
	if ps.Kind == object.SymUndefined || ps.StorageClass == object.ClassExternal {
		if sym := table.Search(linkctx.ScopeDefined, ps.Name); sym != nil {
			if winnerPS := sym.ParsedSymbol(); winnerPS != nil {
				targetObj, targetPS = sym.Obj, winnerPS
			}
		}
	}
	if targetPS.Kind != object.SymRegular || targetPS.SectionNumber <= 0 {
		return sectKey{}, false
	}
	return sectKey{obj: targetObj, sect: int(targetPS.SectionNumber) - 1}, true
}
