// Package objio is the byte-level COFF/archive/short-import reader whose
// decoded output is the internal/object data contract. Everything the core
// linker packages consume (linkctx.Obj.Sections/Symbols, linkctx.Lib's
// archive members) is produced here; nothing downstream ever touches a raw
// byte slice again after ingest.
//
// Layout knowledge is grounded on two pack repos: bitfocus-syso's pkg/coff
// (rawFileHeader/rawSectionHeader/rawSymbol/rawRelocation field layout and
// the long-name "/<offset>" string-table convention) and Binject-debug's
// goobj2 reader (the overall decode-then-resolve shape: read raw fixed
// records first, resolve name/string-table references second). Archive and
// short-import member layout come from the Microsoft PE/COFF specification
// as implemented by both of those repos' import-library handling.
package objio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/xyproto/ldpe/internal/object"
)

// reader is a small cursor over a byte slice, used instead of bytes.Reader
// directly so every raw-struct read goes through one seam (readStruct).
type reader struct {
	data []byte
	pos  int64
}

func newReader(data []byte) *reader { return &reader{data: data} }

func (r *reader) seek(off int64) { r.pos = off }

func (r *reader) readStruct(v interface{}) error {
	sz := binary.Size(v)
	if sz < 0 {
		return errors.New("objio: unsized struct")
	}
	if r.pos < 0 || r.pos+int64(sz) > int64(len(r.data)) {
		return io.ErrUnexpectedEOF
	}
	buf := bytes.NewReader(r.data[r.pos : r.pos+int64(sz)])
	if err := binary.Read(buf, binary.LittleEndian, v); err != nil {
		return err
	}
	r.pos += int64(sz)
	return nil
}

func (r *reader) bytesAt(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off+n > int64(len(r.data)) {
		return nil, io.ErrUnexpectedEOF
	}
	return r.data[off : off+n], nil
}

// --- raw COFF record layouts --------------------------------------------

type rawFileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// rawBigObjHeader is ANON_OBJECT_HEADER_BIGOBJ: same leading two uint16
// signature fields as rawFileHeader's Machine/NumberOfSections would be,
// but Sig1 is always IMAGE_FILE_MACHINE_UNKNOWN (0) and Sig2 is 0xFFFF,
// which is how detectBigObj tells the two apart before committing to
// either layout.
type rawBigObjHeader struct {
	Sig1                 uint16
	Sig2                 uint16
	Version              uint16
	Machine              uint16
	TimeDateStamp        uint32
	ClassID              [16]byte
	SizeOfData           uint32
	Flags                uint32
	MetaDataSize         uint32
	MetaDataOffset       uint32
	NumberOfSections     uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
}

type rawSectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

type rawReloc struct {
	VirtualAddress   uint32
	SymbolTableIndex uint32
	Type             uint16
}

// rawSymbol is the 18-byte COFF symbol record.
type rawSymbol struct {
	Name               [8]byte
	Value              uint32
	SectionNumber      int16
	Type               uint16
	StorageClass       uint8
	NumberOfAuxSymbols uint8
}

// rawBigObjSymbol widens SectionNumber to 32 bits (the bigobj format lifts
// the 16-bit section-count ceiling that otherwise caps a single TU at
// 65279 sections).
type rawBigObjSymbol struct {
	Name               [8]byte
	Value              uint32
	SectionNumber      int32
	Type               uint16
	StorageClass       uint8
	NumberOfAuxSymbols uint8
}

// rawAuxSectionDef is the format-5 aux record following a section-defining
// static symbol: COMDAT and checksum metadata.
type rawAuxSectionDef struct {
	Length              uint32
	NumberOfRelocations uint16
	NumberOfLinenumbers uint16
	CheckSum            uint32
	Number              uint16 // 1-based section index, for ASSOCIATIVE
	Selection           uint8
	Unused              [3]byte
}

// rawAuxWeakExternal follows a weak-external symbol.
type rawAuxWeakExternal struct {
	TagIndex       uint32
	Characteristics uint32
	Unused         [10]byte
}

func resolveName(raw [8]byte, strtab []byte) (string, error) {
	if raw[0] == 0 && raw[1] == 0 && raw[2] == 0 && raw[3] == 0 {
		off := binary.LittleEndian.Uint32(raw[4:8])
		return stringAt(strtab, off)
	}
	return cstr(raw[:]), nil
}

// resolveSectionName handles the section-header form of a long name:
// "/<decimal offset>" into the string table, used when the section name
// (possibly with a "$" merge suffix) exceeds 8 bytes.
func resolveSectionName(raw [8]byte, strtab []byte) (string, error) {
	if raw[0] == '/' {
		var off uint32
		digits := bytes.TrimRight(raw[1:8], "\x00")
		if _, err := fmt.Sscanf(string(digits), "%d", &off); err != nil {
			return "", errors.Wrapf(err, "objio: malformed long section name %q", raw)
		}
		return stringAt(strtab, off)
	}
	return cstr(raw[:]), nil
}

func stringAt(strtab []byte, off uint32) (string, error) {
	if int(off) >= len(strtab) {
		return "", errors.Errorf("objio: string table offset %d out of range (table is %d bytes)", off, len(strtab))
	}
	end := bytes.IndexByte(strtab[off:], 0)
	if end < 0 {
		return string(strtab[off:]), nil
	}
	return string(strtab[off : off+uint32(end)]), nil
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimRight(b, " "))
}

// detectBigObj reports whether data opens with the ANON_OBJECT_HEADER_BIGOBJ
// signature (Sig1 == 0, Sig2 == 0xFFFF) rather than a plain IMAGE_FILE_HEADER.
func detectBigObj(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	sig1 := binary.LittleEndian.Uint16(data[0:2])
	sig2 := binary.LittleEndian.Uint16(data[2:4])
	return sig1 == 0 && sig2 == 0xffff
}

func machineFromRaw(m uint16) object.Machine {
	switch object.Machine(m) {
	case object.MachineI386, object.MachineAMD64, object.MachineARM64, object.MachineARM:
		return object.Machine(m)
	default:
		return object.MachineUnknown
	}
}
