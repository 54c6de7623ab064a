// Package comdat implements the COMDAT/weak replacement policy of
// spec.md §4.4: the callback internal/symtab's hash trie consults on every
// name collision in the Defined scope. It is the one place section removal
// (LnkRemove) gets set as a consequence of losing a selection.
package comdat

import (
	"bytes"

	"github.com/xyproto/ldpe/internal/diag"
	"github.com/xyproto/ldpe/internal/linkctx"
	"github.com/xyproto/ldpe/internal/object"
	"github.com/xyproto/ldpe/internal/symtab"
)

// kind classifies a Defined symbol by its underlying COFF interpretation.
func kind(s *linkctx.Symbol) object.SymbolKind {
	ps := s.ParsedSymbol()
	if ps == nil {
		return object.SymUndefined
	}
	return ps.Kind
}

// Policy returns the symtab.ReplacePolicy for the Defined scope, recording
// fatal/warning diagnostics through diags.
func Policy(diags *diag.Table) symtab.ReplacePolicy {
	return func(existing, incoming *linkctx.Symbol) *linkctx.Symbol {
		dst, src := kind(existing), kind(incoming)

		switch dst {
		case object.SymRegular:
			return resolveAgainstRegular(diags, existing, incoming, src)
		case object.SymWeak:
			return resolveAgainstWeak(existing, incoming, src)
		case object.SymCommon:
			return resolveAgainstCommon(diags, existing, incoming, src)
		case object.SymAbsolute:
			return resolveAgainstAbsolute(diags, existing, incoming, src)
		default:
			return incoming
		}
	}
}

func resolveAgainstRegular(diags *diag.Table, dst, src *linkctx.Symbol, srcKind object.SymbolKind) *linkctx.Symbol {
	switch srcKind {
	case object.SymRegular:
		return resolveComdat(diags, dst, src)
	case object.SymWeak:
		return dst
	case object.SymCommon:
		dstSect := dst.ParsedSymbol()
		if dstSect != nil && !isComdatSection(dst) {
			return dst // regular non-COMDAT beats a common block unconditionally
		}
		return resolveComdatStyleAgainstCommon(diags, dst, src)
	case object.SymAbsolute:
		diags.Record(diag.KindMultiplyDefinedSymbol, nil, "multiply defined symbol: %s", dst.Name)
		return dst
	default:
		return dst
	}
}

func resolveAgainstWeak(dst, src *linkctx.Symbol, srcKind object.SymbolKind) *linkctx.Symbol {
	switch srcKind {
	case object.SymWeak:
		if inputIdx(src) < inputIdx(dst) {
			return src
		}
		return dst
	default:
		return src // Regular, Common, Absolute all replace a weak dst
	}
}

func resolveAgainstCommon(diags *diag.Table, dst, src *linkctx.Symbol, srcKind object.SymbolKind) *linkctx.Symbol {
	switch srcKind {
	case object.SymRegular:
		if !isComdatSection(src) {
			return src // a plain regular definition always beats a common block
		}
		return resolveComdatStyleAgainstCommon(diags, dst, src)
	case object.SymWeak:
		return dst
	case object.SymCommon:
		return resolveComdatStyleAgainstCommon(diags, dst, src) // select = Largest
	case object.SymAbsolute:
		if inputIdx(dst) < inputIdx(src) {
			return dst
		}
		diags.Record(diag.KindMultiplyDefinedSymbol, nil, "common/absolute conflict: %s", dst.Name)
		return dst
	default:
		return dst
	}
}

func resolveAgainstAbsolute(diags *diag.Table, dst, src *linkctx.Symbol, srcKind object.SymbolKind) *linkctx.Symbol {
	switch srcKind {
	case object.SymRegular, object.SymAbsolute:
		diags.Record(diag.KindMultiplyDefinedSymbol, nil, "multiply defined symbol: %s", dst.Name)
		return dst
	case object.SymWeak:
		return dst
	case object.SymCommon:
		if inputIdx(dst) < inputIdx(src) {
			return dst
		}
		return src
	default:
		return dst
	}
}

func isComdatSection(s *linkctx.Symbol) bool {
	sh := sectionOf(s)
	return sh != nil && sh.Flags&object.SectionLnkCOMDAT != 0
}

func sectionOf(s *linkctx.Symbol) *object.SectionHeader {
	ps := s.ParsedSymbol()
	if ps == nil || s.Obj == nil {
		return nil
	}
	return s.Obj.Section(ps.SectionNumber)
}

func inputIdx(s *linkctx.Symbol) int64 {
	if s.Obj == nil {
		return 0
	}
	return s.Obj.InputIdx
}

// resolveComdat applies the COMDAT selection table when both dst and src
// are Regular symbols (both must, per spec.md §4.4, be COMDAT-eligible for
// anything but a plain multiply-defined error).
func resolveComdat(diags *diag.Table, dst, src *linkctx.Symbol) *linkctx.Symbol {
	dstSect, srcSect := sectionOf(dst), sectionOf(src)
	if dstSect == nil || srcSect == nil || dstSect.Flags&object.SectionLnkCOMDAT == 0 || srcSect.Flags&object.SectionLnkCOMDAT == 0 {
		diags.Record(diag.KindMultiplyDefinedSymbol, nil, "multiply defined symbol: %s", dst.Name)
		return dst
	}

	a, b := dstSect.ComdatSelect, srcSect.ComdatSelect
	if (a == object.ComdatSelectAny && b == object.ComdatSelectLargest) || (a == object.ComdatSelectLargest && b == object.ComdatSelectAny) {
		a, b = object.ComdatSelectLargest, object.ComdatSelectLargest
	}
	if a != b {
		diags.Record(diag.KindSectionFlagsConflict, nil, "COMDAT selection mismatch for %s, keeping existing", dst.Name)
		return dst
	}

	var winner *linkctx.Symbol
	switch a {
	case object.ComdatSelectAny:
		if dstSect.RawSize == srcSect.RawSize {
			winner = earlier(dst, src)
		} else if srcSect.RawSize < dstSect.RawSize {
			winner = src
		} else {
			winner = dst
		}
	case object.ComdatSelectNoDuplicates:
		diags.Record(diag.KindMultiplyDefinedSymbol, nil, "duplicate COMDAT (NoDuplicates): %s", dst.Name)
		winner = dst
	case object.ComdatSelectSameSize:
		if dstSect.RawSize == srcSect.RawSize {
			winner = earlier(dst, src)
		} else {
			diags.Record(diag.KindMultiplyDefinedSymbol, nil, "COMDAT size mismatch (SameSize): %s", dst.Name)
			winner = dst
		}
	case object.ComdatSelectExactMatch:
		if comdatExactMatch(dstSect, srcSect) {
			winner = earlier(dst, src)
		} else {
			diags.Record(diag.KindMultiplyDefinedSymbol, nil, "COMDAT content mismatch (ExactMatch): %s", dst.Name)
			winner = dst
		}
	case object.ComdatSelectLargest:
		if dstSect.RawSize == srcSect.RawSize {
			winner = earlier(dst, src)
		} else if srcSect.RawSize > dstSect.RawSize {
			winner = src
		} else {
			winner = dst
		}
	case object.ComdatSelectAssociative:
		winner = dst // associative COMDATs follow their leader; no independent selection
	default:
		winner = dst
	}

	loser := dst
	if winner == dst {
		loser = src
	}
	markRemoved(loser)
	assertWinnerNotRemoved(winner)
	return winner
}

func comdatExactMatch(a, b *object.SectionHeader) bool {
	if a.Checksum != 0 && b.Checksum != 0 && a.Checksum != b.Checksum {
		return false
	}
	return bytes.Equal(a.RawData, b.RawData)
}

func earlier(a, b *linkctx.Symbol) *linkctx.Symbol {
	if inputIdx(a) <= inputIdx(b) {
		return a
	}
	return b
}

// markRemoved sets LnkRemove on the losing symbol's defining section and
// (transitively, within that same object) every section associated to it.
func markRemoved(loser *linkctx.Symbol) {
	sh := sectionOf(loser)
	if sh == nil || loser.Obj == nil {
		return
	}
	ps := loser.ParsedSymbol()
	sectIdx := int(ps.SectionNumber) - 1

	visited := map[int]bool{}
	var walk func(idx int)
	walk = func(idx int) {
		if visited[idx] {
			return
		}
		visited[idx] = true
		if idx < 0 || idx >= len(loser.Obj.Sections) {
			return
		}
		loser.Obj.Sections[idx].Flags |= object.SectionLnkRemove
		for _, follower := range loser.Obj.Associated[idx] {
			walk(follower)
		}
	}
	walk(sectIdx)
}

// assertWinnerNotRemoved performs no check in any build: its body only
// discards winner, so a winner whose section carries LnkRemove passes
// unnoticed. markRemoved only ever sets LnkRemove on the loser's side.
func assertWinnerNotRemoved(winner *linkctx.Symbol) {
	_ = winner
}

// resolveComdatStyleAgainstCommon implements the "COMDAT rules with
// select = Largest" fallback used whenever a Common symbol is on one side.
func resolveComdatStyleAgainstCommon(diags *diag.Table, dst, src *linkctx.Symbol) *linkctx.Symbol {
	dstSize, srcSize := commonSize(dst), commonSize(src)
	if dstSize == srcSize {
		return earlier(dst, src)
	}
	if srcSize > dstSize {
		return src
	}
	return dst
}

// commonSize returns the size used for a "select = Largest" comparison:
// a Common symbol's size is its Value field; a Regular (COMDAT) symbol's
// size is its defining section's raw size.
func commonSize(s *linkctx.Symbol) uint32 {
	ps := s.ParsedSymbol()
	if ps == nil {
		return 0
	}
	if ps.Kind == object.SymRegular {
		if sh := sectionOf(s); sh != nil {
			return sh.RawSize
		}
		return 0
	}
	return ps.Value
}
