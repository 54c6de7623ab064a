// Package symbolpatch implements the Symbol Patcher of spec.md §4.8: after
// layout, every object's COFF symbol table is rewritten in place so
// downstream consumers (the relocation patcher, debug emission) see final
// section indices and offsets. Each of the six stages records which
// symbols it finalized into Obj.WasPatched; a symbol is patched by at most
// one stage.
package symbolpatch

import (
	"strings"

	"github.com/xyproto/ldpe/internal/bssalloc"
	"github.com/xyproto/ldpe/internal/diag"
	"github.com/xyproto/ldpe/internal/layout"
	"github.com/xyproto/ldpe/internal/linkctx"
	"github.com/xyproto/ldpe/internal/object"
	"github.com/xyproto/ldpe/internal/symtab"
	"github.com/xyproto/ldpe/internal/workpool"
)

// Run executes all six stages, in order, as barriers across every object.
func Run(pool *workpool.Pool, objs []*linkctx.Obj, lay *layout.Layout, table *symtab.Table, bssResult *bssalloc.Result, diags *diag.Table) {
	for _, o := range objs {
		if o.WasPatched == nil {
			o.WasPatched = make([]bool, len(o.Symbols))
		}
	}

	stage1DebugSymbols(pool, objs)
	stage2ComdatLeaderFixup(pool, objs, lay)
	stage3CommonBlockLeaders(objs, bssResult)
	stage4RegularSymbols(pool, objs, lay)
	stage5ResolveThroughTable(pool, objs, table)
	stage6UndefinedAgain(pool, objs, table)
	reportWeakCycles(objs, table, diags)
}

func stage1DebugSymbols(pool *workpool.Pool, objs []*linkctx.Obj) {
	pool.ForEachWorker(len(objs), func(_ int, beg, end int) error {
		for i := beg; i < end; i++ {
			o := objs[i]
			for si := range o.Symbols {
				if o.Symbols[si].Kind == object.SymDebug {
					o.WasPatched[si] = true
				}
			}
		}
		return nil
	})
}

// stage2ComdatLeaderFixup rewrites symbols living in a COMDAT section that
// lost selection to a leader in another object. External symbols take on
// the leader's final location (COMDAT-duplicated sections are
// byte-identical by construction, so a same-named symbol sits at the same
// in-section offset on both sides); static symbols private to the
// discarded follower are unreachable by name and become REMOVED.
func stage2ComdatLeaderFixup(pool *workpool.Pool, objs []*linkctx.Obj, lay *layout.Layout) {
	pool.ForEachWorker(len(objs), func(_ int, beg, end int) error {
		for oi := beg; oi < end; oi++ {
			o := objs[oi]
			if o.Symlink == nil {
				continue
			}
			for si := range o.Symbols {
				if o.WasPatched[si] {
					continue
				}
				ps := &o.Symbols[si]
				if ps.SectionNumber <= 0 {
					continue
				}
				sectIdx := int(ps.SectionNumber) - 1
				sh := o.Section(ps.SectionNumber)
				if sh == nil || sh.Flags&object.SectionLnkCOMDAT == 0 {
					continue
				}
				leaderRef, ok := o.Symlink[sectIdx]
				if !ok {
					continue
				}
				if ps.StorageClass != object.ClassExternal {
					ps.SectionNumber = object.Removed
					o.WasPatched[si] = true
					continue
				}
				if finalSect, finalOff, ok := lay.Locate(leaderRef.Obj, leaderRef.Sect); ok {
					ps.SectionNumber = int32(finalSect.Index)
					ps.Value = finalOff + ps.Value
				} else {
					ps.SectionNumber = object.Removed
				}
				o.WasPatched[si] = true
			}
		}
		return nil
	})
}

func stage3CommonBlockLeaders(objs []*linkctx.Obj, bssResult *bssalloc.Result) {
	if bssResult == nil || bssResult.BSS == nil {
		return
	}
	sectIdx := int32(bssResult.BSS.Index)
	for _, a := range bssResult.Assignments {
		if int(a.SymIdx) >= len(a.Obj.Symbols) {
			continue
		}
		ps := &a.Obj.Symbols[a.SymIdx]
		ps.SectionNumber = sectIdx
		ps.Value = a.Offset
		a.Obj.WasPatched[a.SymIdx] = true
	}
}

func stage4RegularSymbols(pool *workpool.Pool, objs []*linkctx.Obj, lay *layout.Layout) {
	pool.ForEachWorker(len(objs), func(_ int, beg, end int) error {
		for oi := beg; oi < end; oi++ {
			o := objs[oi]
			for si := range o.Symbols {
				if o.WasPatched[si] {
					continue
				}
				ps := &o.Symbols[si]
				if ps.Kind != object.SymRegular || ps.SectionNumber <= 0 {
					continue
				}
				if finalSect, finalOff, ok := lay.Locate(o, int(ps.SectionNumber)-1); ok {
					ps.SectionNumber = int32(finalSect.Index)
					ps.Value = finalOff + ps.Value
				} else {
					ps.SectionNumber = object.Removed
				}
				o.WasPatched[si] = true
			}
		}
		return nil
	})
}

func resolvableKind(k object.SymbolKind) bool {
	switch k {
	case object.SymCommon, object.SymAbsolute, object.SymUndefined, object.SymWeak:
		return true
	default:
		return false
	}
}

// weakTagName returns the name of the local symbol table entry ps's
// weak-ext tag points at — the name a weak symbol with no stronger
// Defined-scope winner falls back to (spec.md §4.2/§4.8). Valid only when
// ps.Kind == object.SymWeak.
func weakTagName(o *linkctx.Obj, ps *object.ParsedSymbol) (string, bool) {
	if int(ps.WeakTagIndex) >= len(o.Symbols) {
		return "", false
	}
	return o.Symbols[ps.WeakTagIndex].Name, true
}

// resolveOnePass finalizes every still-unpatched resolvable symbol whose
// Defined-scope leader is already settled. A Common/Absolute/Undefined
// symbol resolves straight off the table's current leader for its own
// name. A Weak symbol resolves the same way when something stronger beat
// it to that name; when nothing has (the table's leader for its own name
// is the symbol itself), it falls back to its local tag's name instead,
// one hop at a time — a chain of weak symbols each deferring to the next
// converges over repeated calls to resolveOnePass, the way stage5 then
// stage6 apply it twice.
func resolveOnePass(pool *workpool.Pool, objs []*linkctx.Obj, table *symtab.Table) {
	pool.ForEachWorker(len(objs), func(_ int, beg, end int) error {
		for oi := beg; oi < end; oi++ {
			o := objs[oi]
			for si := range o.Symbols {
				if o.WasPatched[si] {
					continue
				}
				ps := &o.Symbols[si]
				if !resolvableKind(ps.Kind) {
					continue
				}

				lookupName := ps.Name
				isSelfFallback := false
				leader := table.Search(linkctx.ScopeDefined, lookupName)
				if leader != nil && leader.Obj == o && leader.SymbolIdx == uint32(si) {
					// Nothing else in Defined beat this entry under its own
					// name. Common/Absolute/Undefined symbols have no
					// fallback and just aren't resolved yet; a weak symbol
					// instead falls back to its tag's name.
					if ps.Kind != object.SymWeak {
						continue
					}
					tagName, ok := weakTagName(o, ps)
					if !ok {
						continue
					}
					lookupName = tagName
					isSelfFallback = true
					leader = table.Search(linkctx.ScopeDefined, lookupName)
				}
				if leader == nil {
					continue
				}
				if isSelfFallback && leader.Obj == o && leader.SymbolIdx == uint32(si) {
					continue // tag points back at this very symbol: resolved nowhere
				}
				leaderPS := leader.ParsedSymbol()
				if leaderPS == nil {
					continue
				}
				if leaderPS.Kind == object.SymWeak && !leader.Obj.WasPatched[leader.SymbolIdx] {
					continue // leader is itself an unresolved weak chain link; wait for a later pass
				}
				ps.SectionNumber = leaderPS.SectionNumber
				ps.Value = leaderPS.Value
				ps.StorageClass = object.ClassStatic
				o.WasPatched[si] = true
			}
		}
		return nil
	})
}

func stage5ResolveThroughTable(pool *workpool.Pool, objs []*linkctx.Obj, table *symtab.Table) {
	resolveOnePass(pool, objs, table)
}

// stage6UndefinedAgain catches chains of indirection: a symbol whose
// leader itself only got finalized during stage 5 (e.g. a weak symbol
// whose tag resolved to another weak symbol processed later in the same
// barrier).
func stage6UndefinedAgain(pool *workpool.Pool, objs []*linkctx.Obj, table *symtab.Table) {
	resolveOnePass(pool, objs, table)
}

// walkWeakChain follows name -> tag-name hops through the Defined scope,
// for as long as each hop is an unresolved weak symbol (its own name's
// Defined-scope leader is itself — nothing stronger ever replaced it).
// Returns the sequence of names visited; cyclic reports whether the walk
// looped back onto a name already in the sequence, the weak-cycle
// condition of spec.md §8 (scenario 6: A:a -> B:b -> A:a). Since the set of
// reachable names is finite (bounded by the distinct symbol names across
// all objects), the seen-map check below guarantees termination.
func walkWeakChain(table *symtab.Table, startName string) (chain []string, cyclic bool) {
	seen := map[string]bool{}
	name := startName
	for {
		if seen[name] {
			return append(chain, name), true
		}
		seen[name] = true
		chain = append(chain, name)

		leader := table.Search(linkctx.ScopeDefined, name)
		if leader == nil {
			return chain, false
		}
		leaderPS := leader.ParsedSymbol()
		if leaderPS == nil || leaderPS.Kind != object.SymWeak {
			return chain, false
		}
		tagName, ok := weakTagName(leader.Obj, leaderPS)
		if !ok {
			return chain, false
		}
		name = tagName
	}
}

// reportWeakCycles scans for weak symbols stage5/stage6 left unresolved
// and raises diag.KindWeakCycle for any whose tag chain loops back on
// itself, naming the loop. Each distinct cycle is reported once even
// though every symbol along it independently observes the same loop.
func reportWeakCycles(objs []*linkctx.Obj, table *symtab.Table, diags *diag.Table) {
	reported := map[string]bool{}
	for _, o := range objs {
		for si := range o.Symbols {
			if o.WasPatched[si] {
				continue
			}
			ps := &o.Symbols[si]
			if ps.Kind != object.SymWeak {
				continue
			}
			chain, cyclic := walkWeakChain(table, ps.Name)
			if !cyclic {
				continue
			}
			key := strings.Join(chain, "\x00")
			if reported[key] {
				continue
			}
			reported[key] = true
			diags.Record(diag.KindWeakCycle, nil, "weak symbol cycle: %s", strings.Join(chain, " -> "))
		}
	}
}
