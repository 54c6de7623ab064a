package objio

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/xyproto/ldpe/internal/object"
)

const (
	regularMagic = "!<arch>\n"
	thinMagic    = "!<thin>\n"
	memberHdrLen = 60
)

// Archive is the decoded form of a COFF archive (.lib): every member's
// header, keyed by its byte offset (which also doubles as the Lib-scope
// symbol key per spec.md §3), plus the "//" long-names member used to
// resolve member names longer than 16 bytes.
type Archive struct {
	Type      object.ArchiveType
	LongNames []byte
	Members   []object.ArchiveMember // in file order; Offset is each one's archive-relative byte offset

	// SymbolIndex is the archive's own linker symbol table (the "/" member),
	// name -> defining member's archive-relative byte offset. internal/driver
	// pushes this straight into the Lib scope of the symbol table rather
	// than pre-parsing every member, the reason link.exe's own archive
	// format carries this index to begin with.
	SymbolIndex map[string]int64
}

// rawMemberHeader is one 60-byte archive member header. All fields are
// space-padded ASCII, not binary integers, per the common ar(1) format
// Microsoft's archive format is layered on top of.
type rawMemberHeader struct {
	Name [16]byte
	Date [12]byte
	UID  [6]byte
	GID  [6]byte
	Mode [8]byte
	Size [10]byte
	End  [2]byte
}

// longNameAt resolves a "//"-member long-name-table offset: entries run up
// to the next '\n' and conventionally keep a trailing '/' that we strip.
func longNameAt(table []byte, off int64) (string, bool) {
	if off < 0 || off >= int64(len(table)) {
		return "", false
	}
	rest := table[off:]
	end := bytes.IndexByte(rest, '\n')
	if end < 0 {
		end = len(rest)
	}
	return strings.TrimSuffix(string(rest[:end]), "/"), true
}

// ParseArchive decodes a regular or thin archive. For a thin archive,
// member Data is left nil and Name holds the path (relative to the
// archive's own directory) of the external file the caller must load —
// internal/libresolve does that lazily per spec.md §4.3.
func ParseArchive(data []byte) (*Archive, error) {
	var archType object.ArchiveType
	switch {
	case bytes.HasPrefix(data, []byte(regularMagic)):
		archType = object.ArchiveRegular
	case bytes.HasPrefix(data, []byte(thinMagic)):
		archType = object.ArchiveThin
	default:
		return nil, errors.New("objio: not an archive (bad magic)")
	}

	out := &Archive{Type: archType}
	pos := int64(len(regularMagic)) // both magics are 8 bytes

	for pos+memberHdrLen <= int64(len(data)) {
		hdrBytes := data[pos : pos+memberHdrLen]
		var hdr rawMemberHeader
		copy(hdr.Name[:], hdrBytes[0:16])
		copy(hdr.Date[:], hdrBytes[16:28])
		copy(hdr.UID[:], hdrBytes[28:34])
		copy(hdr.GID[:], hdrBytes[34:40])
		copy(hdr.Mode[:], hdrBytes[40:48])
		copy(hdr.Size[:], hdrBytes[48:58])
		copy(hdr.End[:], hdrBytes[58:60])

		sizeStr := strings.TrimSpace(string(hdr.Size[:]))
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "objio: malformed archive member size %q at offset %d", sizeStr, pos)
		}

		dataStart := pos + memberHdrLen
		name := strings.TrimRight(string(hdr.Name[:]), " ")

		switch {
		case name == "/":
			if int64(len(data)) >= dataStart+size && out.SymbolIndex == nil {
				if idx, ok := parseLinkerMember(data[dataStart : dataStart+size]); ok {
					out.SymbolIndex = idx
				}
			}
		case name == "//":
			if int64(len(data)) >= dataStart+size {
				out.LongNames = append([]byte(nil), data[dataStart:dataStart+size]...)
			}
		default:
			memberName := name
			if strings.HasPrefix(name, "/") && name != "/" {
				if off, err := strconv.ParseInt(name[1:], 10, 64); err == nil {
					if resolved, ok := longNameAt(out.LongNames, off); ok {
						memberName = resolved
					}
				}
			} else {
				memberName = strings.TrimSuffix(memberName, "/")
			}

			m := object.ArchiveMember{
				Offset: pos,
				Name:   memberName,
			}
			if archType == object.ArchiveThin {
				// Thin archives store no member bytes; Name is the path to
				// load from disk, relative to the archive's directory.
				m.Kind = object.MemberObj
			} else {
				if int64(len(data)) < dataStart+size {
					return nil, errors.Errorf("objio: archive member %q truncated", memberName)
				}
				memberData := data[dataStart : dataStart+size]
				m.Data = memberData
				if isShortImport(memberData) {
					m.Kind = object.MemberImport
					imp, err := ParseShortImport(memberData)
					if err != nil {
						return nil, errors.Wrapf(err, "objio: member %q", memberName)
					}
					m.Import = imp
				} else if detectBigObj(memberData) {
					m.Kind = object.MemberBigObj
				} else {
					m.Kind = object.MemberObj
				}
			}
			out.Members = append(out.Members, m)
		}

		advance := memberHdrLen
		if archType == object.ArchiveRegular {
			advance += int(size)
		}
		if advance%2 != 0 {
			advance++ // members are 2-byte aligned; the padding byte is '\n' if present
		}
		pos += int64(advance)
	}

	return out, nil
}

// parseLinkerMember decodes the classic archive linker member (a.k.a. the
// "first linker member"): a big-endian symbol count, that many big-endian
// member offsets, then that many NUL-terminated names in parallel order.
// Only the first "/" member of an archive is read this way; a modern
// archive's second "/" member (the sorted, variable-width form) is a pure
// lookup-speed optimization over the same (name, offset) pairs and adds
// nothing a linear scan of the first member doesn't already give us.
func parseLinkerMember(data []byte) (map[string]int64, bool) {
	if len(data) < 4 {
		return nil, false
	}
	count := binary.BigEndian.Uint32(data[0:4])
	offsetsEnd := 4 + int64(count)*4
	if offsetsEnd > int64(len(data)) {
		return nil, false
	}
	offsets := make([]int64, count)
	for i := uint32(0); i < count; i++ {
		offsets[i] = int64(binary.BigEndian.Uint32(data[4+i*4 : 8+i*4]))
	}

	names := data[offsetsEnd:]
	idx := make(map[string]int64, count)
	pos := 0
	for i := uint32(0); i < count && pos < len(names); i++ {
		end := bytes.IndexByte(names[pos:], 0)
		if end < 0 {
			break
		}
		idx[string(names[pos:pos+end])] = offsets[i]
		pos += end + 1
	}
	return idx, true
}
