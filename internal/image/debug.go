package image

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
)

const debugTypeCodeView = 2 // IMAGE_DEBUG_TYPE_CODEVIEW

// DebugRecord is the CodeView RSDS stub internal/linker assembles into a
// .debug section when /DEBUG is set: a signature a debugger can match
// against a companion PDB. Producing the PDB's own stream content is
// explicitly out of scope (spec.md's Non-goals: "does not... produce PDB
// streams") — that belongs to a PDBWriter this port doesn't implement;
// BuildDebugSection only stamps the directory entry and GUID a real
// linker would also emit even when no PDB is written alongside it.
type DebugRecord struct {
	GUID      uuid.UUID
	Age       uint32
	PDBPath   string
	Timestamp uint32
}

// BuildDebugSection returns a ready-to-append .debug section body: one
// 28-byte IMAGE_DEBUG_DIRECTORY entry (Type == CodeView) immediately
// followed by its RSDS record. AddressOfRawData is written relative to
// the section's own start (debugDirectoryEntrySize, where the RSDS record
// begins); internal/linker adds the section's final VOffset once layout
// places it, the same translation patchDebugDirectory already performs
// from AddressOfRawData to PointerToRawData at Build time.
func BuildDebugSection(rec DebugRecord) []byte {
	rsds := buildRSDS(rec)
	buf := make([]byte, debugDirectoryEntrySize+len(rsds))
	binary.LittleEndian.PutUint32(buf[4:], rec.Timestamp)
	binary.LittleEndian.PutUint32(buf[12:], debugTypeCodeView)
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(rsds)))
	binary.LittleEndian.PutUint32(buf[20:], debugDirectoryEntrySize) // AddressOfRawData, section-relative
	copy(buf[debugDirectoryEntrySize:], rsds)
	return buf
}

// buildRSDS packs the "RSDS" CodeView record: a 4-byte signature, a GUID
// in Windows wire format, a 4-byte age, and a NUL-terminated PDB path.
// uuid.UUID stores its 16 bytes in RFC 4122 (big-endian, network) order;
// a Windows GUID's first three fields are little-endian on disk, so
// Data1/Data2/Data3 get byte-reversed going in while Data4 (the trailing
// 8-byte array) copies straight across.
func buildRSDS(rec DebugRecord) []byte {
	var buf bytes.Buffer
	buf.WriteString("RSDS")

	g := rec.GUID
	var wire [16]byte
	wire[0], wire[1], wire[2], wire[3] = g[3], g[2], g[1], g[0]
	wire[4], wire[5] = g[5], g[4]
	wire[6], wire[7] = g[7], g[6]
	copy(wire[8:16], g[8:16])
	buf.Write(wire[:])

	var age [4]byte
	binary.LittleEndian.PutUint32(age[:], rec.Age)
	buf.Write(age[:])

	buf.WriteString(rec.PDBPath)
	buf.WriteByte(0)
	return buf.Bytes()
}
