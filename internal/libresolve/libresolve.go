// Package libresolve implements the Library Member Resolver of spec.md
// §4.3: given a Lib-scope symbol, parse the archive member it points at
// and turn it into either a queued short-import record or a new Obj input.
package libresolve

import (
	"fmt"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/xyproto/ldpe/internal/linkctx"
	"github.com/xyproto/ldpe/internal/object"
	"github.com/xyproto/ldpe/internal/objio"
)

// ObjInput is a ready-to-ingest object pulled from an archive member: raw
// bytes (regular archive) or a path still to be read (thin archive).
type ObjInput struct {
	Lib      *linkctx.Lib
	Offset   int64
	InputIdx int64
	Path     string // set for thin-archive members; empty otherwise
	Raw      []byte // set for regular-archive members; nil for thin ones still unread
}

// Resolver dispatches Lib members, caching thin-archive member reads (the
// same path may be pulled by more than one symbol in large archives).
type Resolver struct {
	thinCache *lru.Cache[string, []byte]
}

// New builds a Resolver with a bounded LRU cache for thin-archive member
// bytes, sized cacheSize entries.
func New(cacheSize int) *Resolver {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	c, _ := lru.New[string, []byte](cacheSize)
	return &Resolver{thinCache: c}
}

// Resolve parses the archive member at offset within lib and returns
// either a queued short import or a ready Obj input.
func (r *Resolver) Resolve(lib *linkctx.Lib, offset int64, readFile func(path string) ([]byte, error)) (*object.ShortImport, *ObjInput, error) {
	member := lib.Member(offset)
	if member == nil {
		m, err := parseMemberAt(lib, offset)
		if err != nil {
			return nil, nil, err
		}
		member = m
		lib.CacheMember(offset, member)
	}

	switch member.Kind {
	case object.MemberImport:
		if member.Import == nil {
			return nil, nil, fmt.Errorf("%s: member at 0x%x has no parsed import record", lib.Path, offset)
		}
		return member.Import, nil, nil

	case object.MemberObj, object.MemberBigObj:
		inputIdx := linkctx.ComposeArchiveInputIdx(lib.InputIdx, offset)
		if lib.Type == object.ArchiveThin {
			path := member.Name
			if !filepath.IsAbs(path) {
				path = filepath.Join(filepath.Dir(lib.Path), path)
			}
			if cached, ok := r.thinCache.Get(path); ok {
				return nil, &ObjInput{Lib: lib, Offset: offset, InputIdx: inputIdx, Path: path, Raw: cached}, nil
			}
			raw, err := readFile(path)
			if err != nil {
				return nil, nil, fmt.Errorf("thin archive member %s: %w", path, err)
			}
			r.thinCache.Add(path, raw)
			return nil, &ObjInput{Lib: lib, Offset: offset, InputIdx: inputIdx, Path: path, Raw: raw}, nil
		}
		return nil, &ObjInput{Lib: lib, Offset: offset, InputIdx: inputIdx, Path: lib.Path, Raw: member.Data}, nil

	default:
		return nil, nil, fmt.Errorf("%s: member at 0x%x has unresolvable kind %d", lib.Path, offset, member.Kind)
	}
}

func parseMemberAt(lib *linkctx.Lib, offset int64) (*object.ArchiveMember, error) {
	arc, err := objio.ParseArchive(lib.Raw)
	if err != nil {
		return nil, err
	}
	for i := range arc.Members {
		if arc.Members[i].Offset == offset {
			return &arc.Members[i], nil
		}
	}
	return nil, fmt.Errorf("%s: no archive member at offset 0x%x", lib.Path, offset)
}
