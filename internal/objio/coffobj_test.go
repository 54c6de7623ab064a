package objio

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/xyproto/ldpe/internal/object"
)

// buildMinimalObj assembles a tiny, hand-built regular-format COFF object
// with one .text section (four bytes of "code") and two symbols: an
// external symbol defined in .text, and an undefined external reference.
func buildMinimalObj(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer

	const numSections = 1
	const numSymbols = 2

	fh := rawFileHeader{
		Machine:              uint16(object.MachineAMD64),
		NumberOfSections:     numSections,
		NumberOfSymbols:      numSymbols,
		SizeOfOptionalHeader: 0,
	}
	sectionHdrOff := binary.Size(fh)
	sectionDataOff := sectionHdrOff + binary.Size(rawSectionHeader{})*numSections
	symTableOff := sectionDataOff + 4 // 4 bytes of fake "code"

	fh.PointerToSymbolTable = uint32(symTableOff)
	binary.Write(&buf, binary.LittleEndian, &fh)

	sh := rawSectionHeader{
		SizeOfRawData:    4,
		PointerToRawData: uint32(sectionDataOff),
		Characteristics:  uint32(object.SectionCntCode | object.SectionMemExecute | object.SectionMemRead),
	}
	copy(sh.Name[:], ".text")
	binary.Write(&buf, binary.LittleEndian, &sh)

	buf.Write([]byte{0x90, 0x90, 0x90, 0xc3}) // nop nop nop ret

	// "defined_fn" is 10 bytes, longer than the 8-byte inline field, so it
	// must go through the long-name (zero prefix + string table offset) path.
	var longName rawSymbol
	longName.Value = 0
	longName.SectionNumber = 1
	longName.StorageClass = uint8(object.ClassExternal)
	binary.LittleEndian.PutUint32(longName.Name[4:8], 4) // string table offset 4 (first string after the 4-byte size prefix)
	binary.Write(&buf, binary.LittleEndian, &longName)

	var undef rawSymbol
	copy(undef.Name[:], "puts")
	undef.SectionNumber = 0
	undef.StorageClass = uint8(object.ClassExternal)
	binary.Write(&buf, binary.LittleEndian, &undef)

	strtab := "defined_fn\x00"
	strtabSize := uint32(4 + len(strtab))
	binary.Write(&buf, binary.LittleEndian, strtabSize)
	buf.WriteString(strtab)

	return buf.Bytes()
}

func TestParseObjectMinimal(t *testing.T) {
	data := buildMinimalObj(t)
	obj, err := ParseObject(data)
	if err != nil {
		t.Fatalf("ParseObject failed: %v", err)
	}
	if obj.Machine != object.MachineAMD64 {
		t.Fatalf("expected amd64, got %v", obj.Machine)
	}
	if obj.BigObj {
		t.Fatalf("expected regular object, not bigobj")
	}
	if len(obj.Sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(obj.Sections))
	}
	sec := obj.Sections[0]
	if sec.Name != ".text" {
		t.Fatalf("expected section name .text, got %q", sec.Name)
	}
	if !bytes.Equal(sec.RawData, []byte{0x90, 0x90, 0x90, 0xc3}) {
		t.Fatalf("unexpected section raw data: %x", sec.RawData)
	}
	if len(obj.Symbols) != 2 {
		t.Fatalf("expected 2 symbols, got %d", len(obj.Symbols))
	}
	if obj.Symbols[0].Name != "defined_fn" {
		t.Fatalf("expected long-name resolution to yield defined_fn, got %q", obj.Symbols[0].Name)
	}
	if obj.Symbols[0].Kind != object.SymRegular {
		t.Fatalf("expected defined_fn to classify as SymRegular, got %v", obj.Symbols[0].Kind)
	}
	if obj.Symbols[1].Name != "puts" || obj.Symbols[1].Kind != object.SymUndefined {
		t.Fatalf("expected puts to classify as SymUndefined, got %+v", obj.Symbols[1])
	}
}

func TestDetectBigObj(t *testing.T) {
	regular := buildMinimalObj(t)
	if detectBigObj(regular) {
		t.Fatalf("regular object misdetected as bigobj")
	}

	bigHdr := rawBigObjHeader{Sig1: 0, Sig2: 0xffff, Version: 2}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &bigHdr)
	if !detectBigObj(buf.Bytes()) {
		t.Fatalf("expected bigobj signature to be detected")
	}
}
