package linkctx

import "github.com/xyproto/ldpe/internal/object"

// SymbolVariant discriminates the three-way tagged union of spec.md §3
// Symbol: Defined, Lib, Undef.
type SymbolVariant uint8

const (
	VariantDefined SymbolVariant = iota
	VariantLib
	VariantUndef
)

// Symbol is the tagged union of spec.md §3. Its further discrimination
// (Regular/Weak/Common/Absolute/Undefined/Debug) for the Defined variant is
// read by inspecting Obj.Symbols[SymbolIdx].Kind, not duplicated here.
type Symbol struct {
	Name    string
	Variant SymbolVariant

	// VariantDefined
	Obj       *Obj
	SymbolIdx uint32

	// VariantLib
	Lib          *Lib
	MemberOffset int64

	// VariantUndef reuses Obj above: "the object whose ingest first
	// observed the undefined reference."
}

// ParsedSymbol returns the underlying COFF symbol table entry this Symbol
// refers to. Only valid for VariantDefined.
func (s *Symbol) ParsedSymbol() *object.ParsedSymbol {
	if s.Variant != VariantDefined || s.Obj == nil {
		return nil
	}
	return &s.Obj.Symbols[s.SymbolIdx]
}

// Scope names which of the Symbol Table's two disjoint maps a lookup
// targets (spec.md §3: "the table keeps two disjoint maps: Defined... and
// Lib...").
type Scope uint8

const (
	ScopeDefined Scope = iota
	ScopeLib
)
