package objio

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/xyproto/ldpe/internal/object"
)

// rawImportHeader is IMPORT_OBJECT_HEADER: a 20-byte fixed record that
// always opens a short-import archive member, distinguished from a regular
// COFF object member by the same Sig1==0/Sig2==0xFFFF pair bigobj uses for
// an unrelated purpose. detectBigObj checks only that signature pair, so
// isShortImport tells the two apart by the Version field.
type rawImportHeader struct {
	Sig1          uint16
	Sig2          uint16
	Version       uint16
	Machine       uint16
	TimeDateStamp uint32
	SizeOfData    uint32
	OrdinalOrHint uint16
	Flags         uint16
}

// isShortImport reports whether member data is a short-import record
// rather than a full COFF object: both open with Sig1==0/Sig2==0xFFFF, but
// a short import is exactly 20 bytes of header plus two short NUL strings,
// while bigobj's ClassID (bytes 8..24) is a fixed GUID. We disambiguate by
// checking Version: short imports are always version 0, bigobj headers
// carry version >= 2 per the Microsoft specification.
func isShortImport(data []byte) bool {
	if !detectBigObj(data) {
		return false
	}
	if len(data) < 20 {
		return true
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	return version < 2
}

// ParseShortImport decodes a short-import archive member (symbol name, DLL
// name, ordinal/hint, and the Type/NameType flag nibbles) per PE/COFF
// appendix "Import Library Format".
func ParseShortImport(data []byte) (*object.ShortImport, error) {
	r := newReader(data)
	var h rawImportHeader
	if err := r.readStruct(&h); err != nil {
		return nil, errors.Wrap(err, "objio: reading IMPORT_OBJECT_HEADER")
	}
	rest := data[20:]
	parts := bytes.SplitN(rest, []byte{0}, 3)
	if len(parts) < 2 {
		return nil, errors.New("objio: short import missing symbol/DLL name strings")
	}
	return &object.ShortImport{
		Symbol:     string(parts[0]),
		DLLName:    string(parts[1]),
		Ordinal:    h.OrdinalOrHint,
		NameType:   uint8((h.Flags >> 2) & 0x7),
		ImportType: uint8(h.Flags & 0x3),
		Machine:    machineFromRaw(h.Machine),
	}, nil
}
