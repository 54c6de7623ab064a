package objio

import (
	"github.com/pkg/errors"

	"github.com/xyproto/ldpe/internal/object"
)

// Object is the fully decoded form of one COFF object, ready to become a
// linkctx.Obj (internal/linkctx constructs that wrapper; this package knows
// nothing about Session/Lib/input_idx).
type Object struct {
	Machine    object.Machine
	BigObj     bool
	Sections   []*object.SectionHeader
	Symbols    []object.ParsedSymbol
	Associated map[int][]int // 0-based leader section index -> follower indices
}

// ParseObject decodes a regular or bigobj-format COFF object. data must be
// the object's own bytes (for an archive member, the slice already sliced
// out of the archive by internal/libresolve).
func ParseObject(data []byte) (*Object, error) {
	if detectBigObj(data) {
		return parseBigObj(data)
	}
	return parseRegularObj(data)
}

func parseRegularObj(data []byte) (*Object, error) {
	r := newReader(data)
	var fh rawFileHeader
	if err := r.readStruct(&fh); err != nil {
		return nil, errors.Wrap(err, "objio: reading IMAGE_FILE_HEADER")
	}
	r.seek(r.pos + int64(fh.SizeOfOptionalHeader)) // object files carry no optional header in practice, but honor the field

	sectHeaders := make([]rawSectionHeader, fh.NumberOfSections)
	for i := range sectHeaders {
		if err := r.readStruct(&sectHeaders[i]); err != nil {
			return nil, errors.Wrapf(err, "objio: reading section header %d", i)
		}
	}

	strtab, err := readStringTable(data, int64(fh.PointerToSymbolTable), int64(fh.NumberOfSymbols)*18)
	if err != nil {
		return nil, err
	}

	symbols, associated, symAux, err := readSymbolTable(data, int64(fh.PointerToSymbolTable), int(fh.NumberOfSymbols), strtab, false)
	if err != nil {
		return nil, err
	}

	sections, err := decodeSections(data, sectHeaders, strtab)
	if err != nil {
		return nil, err
	}
	applyComdatAndAssociative(sections, symbols, associated, symAux)

	return &Object{
		Machine:    machineFromRaw(fh.Machine),
		BigObj:     false,
		Sections:   sections,
		Symbols:    symbols,
		Associated: associated,
	}, nil
}

func parseBigObj(data []byte) (*Object, error) {
	r := newReader(data)
	var bh rawBigObjHeader
	if err := r.readStruct(&bh); err != nil {
		return nil, errors.Wrap(err, "objio: reading ANON_OBJECT_HEADER_BIGOBJ")
	}

	sectHeaders := make([]rawSectionHeader, bh.NumberOfSections)
	for i := range sectHeaders {
		if err := r.readStruct(&sectHeaders[i]); err != nil {
			return nil, errors.Wrapf(err, "objio: reading section header %d", i)
		}
	}

	strtab, err := readStringTable(data, int64(bh.PointerToSymbolTable), int64(bh.NumberOfSymbols)*20)
	if err != nil {
		return nil, err
	}

	symbols, associated, symAux, err := readSymbolTable(data, int64(bh.PointerToSymbolTable), int(bh.NumberOfSymbols), strtab, true)
	if err != nil {
		return nil, err
	}

	sections, err := decodeSections(data, sectHeaders, strtab)
	if err != nil {
		return nil, err
	}
	applyComdatAndAssociative(sections, symbols, associated, symAux)

	return &Object{
		Machine:    machineFromRaw(bh.Machine),
		BigObj:     true,
		Sections:   sections,
		Symbols:    symbols,
		Associated: associated,
	}, nil
}

// readStringTable locates the 4-byte-prefixed string table that follows the
// symbol table (symTableOff + symTableByteLen).
func readStringTable(data []byte, symTableOff, symTableByteLen int64) ([]byte, error) {
	off := symTableOff + symTableByteLen
	if off < 0 || off+4 > int64(len(data)) {
		// No symbols at all can mean no string table either; treat as empty.
		return nil, nil
	}
	r := newReader(data)
	r.seek(off)
	sizeBuf, err := r.bytesAt(off, 4)
	if err != nil {
		return nil, errors.Wrap(err, "objio: reading string table size")
	}
	size := uint32(sizeBuf[0]) | uint32(sizeBuf[1])<<8 | uint32(sizeBuf[2])<<16 | uint32(sizeBuf[3])<<24
	if size < 4 {
		return data[off : off+4], nil
	}
	end := off + int64(size)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[off:end], nil
}

// readSymbolTable decodes the flat 18- or 20-byte symbol records, resolving
// aux records (section-def for COMDAT/associative metadata, weak-external
// tag linkage) as it walks past them.
func readSymbolTable(data []byte, off int64, count int, strtab []byte, bigObj bool) ([]object.ParsedSymbol, map[int][]int, map[int]rawAuxSectionDef, error) {
	out := make([]object.ParsedSymbol, 0, count)
	associated := map[int][]int{}
	sectionAux := map[int]rawAuxSectionDef{}

	r := newReader(data)
	r.seek(off)
	recSize := int64(18)
	if bigObj {
		recSize = 20
	}

	i := 0
	for i < count {
		var name [8]byte
		var value uint32
		var sectionNumber int32
		var typ uint16
		var storageClass uint8
		var numAux uint8

		if bigObj {
			var s rawBigObjSymbol
			if err := r.readStruct(&s); err != nil {
				return nil, nil, nil, errors.Wrapf(err, "objio: reading symbol %d", i)
			}
			name, value, sectionNumber, typ, storageClass, numAux = s.Name, s.Value, s.SectionNumber, s.Type, s.StorageClass, s.NumberOfAuxSymbols
		} else {
			var s rawSymbol
			if err := r.readStruct(&s); err != nil {
				return nil, nil, nil, errors.Wrapf(err, "objio: reading symbol %d", i)
			}
			name, value, sectionNumber, typ, storageClass, numAux = s.Name, s.Value, int32(s.SectionNumber), s.Type, s.StorageClass, s.NumberOfAuxSymbols
		}

		symName, err := resolveName(name, strtab)
		if err != nil {
			return nil, nil, nil, err
		}

		ps := object.ParsedSymbol{
			Name:          symName,
			SectionNumber: sectionNumber,
			Value:         value,
			StorageClass:  object.StorageClass(storageClass),
			NumAuxSymbols: int(numAux),
		}
		ps.Kind = classifySymbolKind(sectionNumber, object.StorageClass(storageClass))

		symIdx := len(out)
		out = append(out, ps)

		// Consume aux records, interpreting the first one according to what
		// kind of symbol this is.
		for a := 0; a < int(numAux); a++ {
			auxOff := r.pos
			if a == 0 && storageClass == uint8(object.ClassStatic) {
				var aux rawAuxSectionDef
				if err := r.readStruct(&aux); err == nil {
					sectionAux[symIdx] = aux
					if object.ComdatSelect(aux.Selection) == object.ComdatSelectAssociative && aux.Number > 0 {
						leader := int(aux.Number) - 1
						// which section is *this* symbol defining? SectionNumber
						// of the enclosing symbol names it directly.
						if sectionNumber > 0 {
							associated[leader] = append(associated[leader], int(sectionNumber)-1)
						}
					}
					continue
				}
			}
			if a == 0 && object.StorageClass(storageClass) == object.ClassWeakExternal {
				var aux rawAuxWeakExternal
				if err := r.readStruct(&aux); err == nil {
					out[symIdx].Kind = object.SymWeak
					out[symIdx].WeakTagIndex = aux.TagIndex
					out[symIdx].WeakSearch = object.WeakSearchType(aux.Characteristics & 0x3)
					continue
				}
			}
			// Unrecognized/irrelevant aux record (file, linenumber, etc.):
			// skip its raw bytes without interpretation.
			r.seek(auxOff + recSize)
		}
		i += 1 + int(numAux)
	}
	return out, associated, sectionAux, nil
}

func classifySymbolKind(sectionNumber int32, class object.StorageClass) object.SymbolKind {
	switch {
	case class == object.ClassWeakExternal:
		return object.SymWeak
	case sectionNumber == 0:
		return object.SymUndefined // Value == 0 undefined; Value != 0 is common, caller may reclassify
	case sectionNumber == -1:
		return object.SymAbsolute
	case sectionNumber == -2:
		return object.SymDebug
	default:
		return object.SymRegular
	}
}

func decodeSections(data []byte, hdrs []rawSectionHeader, strtab []byte) ([]*object.SectionHeader, error) {
	out := make([]*object.SectionHeader, len(hdrs))
	for i, h := range hdrs {
		name, err := resolveSectionName(h.Name, strtab)
		if err != nil {
			return nil, errors.Wrapf(err, "objio: section %d name", i)
		}
		sh := &object.SectionHeader{
			Name:         name,
			Flags:        object.SectionFlags(h.Characteristics),
			RawSize:      h.SizeOfRawData,
			ComdatSymbol: -1,
			Associative:  -1,
		}
		if h.Characteristics&uint32(object.SectionCntUninitData) == 0 && h.PointerToRawData != 0 && h.SizeOfRawData > 0 {
			raw, err := (&reader{data: data}).bytesAt(int64(h.PointerToRawData), int64(h.SizeOfRawData))
			if err != nil {
				return nil, errors.Wrapf(err, "objio: section %d raw data", i)
			}
			sh.RawData = raw
		}
		if h.NumberOfRelocations > 0 {
			relocs, err := decodeRelocs(data, int64(h.PointerToRelocations), int(h.NumberOfRelocations))
			if err != nil {
				return nil, errors.Wrapf(err, "objio: section %d relocations", i)
			}
			sh.Relocs = relocs
			sh.NumRelocs = len(relocs)
		}
		out[i] = sh
	}
	return out, nil
}

func decodeRelocs(data []byte, off int64, count int) ([]object.Reloc, error) {
	r := newReader(data)
	r.seek(off)
	out := make([]object.Reloc, count)
	for i := 0; i < count; i++ {
		var rr rawReloc
		if err := r.readStruct(&rr); err != nil {
			return nil, err
		}
		out[i] = object.Reloc{
			VirtualAddress:   rr.VirtualAddress,
			SymbolTableIndex: rr.SymbolTableIndex,
			Type:             rr.Type,
		}
	}
	return out, nil
}

// applyComdatAndAssociative folds the aux-derived COMDAT selection onto the
// SectionHeader that each section-defining symbol names, so downstream
// packages (internal/comdat) never have to walk the symbol table again.
func applyComdatAndAssociative(sections []*object.SectionHeader, symbols []object.ParsedSymbol, associated map[int][]int, symAux map[int]rawAuxSectionDef) {
	for i, sym := range symbols {
		if sym.StorageClass != object.ClassStatic || sym.SectionNumber <= 0 {
			continue
		}
		sectIdx := int(sym.SectionNumber) - 1
		if sectIdx < 0 || sectIdx >= len(sections) {
			continue
		}
		sh := sections[sectIdx]
		if sh.Flags&object.SectionLnkCOMDAT == 0 {
			continue
		}
		sh.ComdatSymbol = i
		if aux, ok := symAux[i]; ok {
			sh.ComdatSelect = object.ComdatSelect(aux.Selection)
			sh.Checksum = aux.CheckSum
		}
	}
	for leader, followers := range associated {
		if leader < 0 || leader >= len(sections) {
			continue
		}
		for _, f := range followers {
			if f >= 0 && f < len(sections) {
				sections[f].Associative = leader
			}
		}
	}
}
