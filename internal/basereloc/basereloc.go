// Package basereloc implements the Base-Relocation Builder of spec.md
// §4.10: the .reloc section data listing every absolute address embedded
// in the image that the OS loader must fix up if the image doesn't land
// at its preferred base.
package basereloc

import (
	"encoding/binary"
	"sort"

	"github.com/xyproto/ldpe/internal/diag"
	"github.com/xyproto/ldpe/internal/layout"
	"github.com/xyproto/ldpe/internal/linkctx"
	"github.com/xyproto/ldpe/internal/object"
	"github.com/xyproto/ldpe/internal/workpool"
)

// IMAGE_REL_BASED_* kinds, as they appear in a base relocation block entry.
const (
	basedAbsolute = 0
	basedHighLow  = 3
	basedDir64    = 10
)

const pageSize = 0x1000

func floorPage(voff uint32) uint32 { return voff &^ (pageSize - 1) }

type pageEntry struct {
	kind   uint16 // basedHighLow or basedDir64
	offset uint16 // relative to page start, always < pageSize
}

// Build scans every object's relocations in parallel and returns the
// packed sequence of base relocation blocks. Returns nil if fixed is true
// (spec.md §4.10: "emitted only when the image is not /FIXED").
func Build(pool *workpool.Pool, diags *diag.Table, objs []*linkctx.Obj, lay *layout.Layout, largeAddressAware, fixed bool) []byte {
	if fixed {
		return nil
	}

	n := pool.Size()
	if n < 1 {
		n = 1
	}
	// Each worker's page map: pageVOff -> (siteOffsetInPage -> kind), the
	// inner map doubling as duplicate-site suppression.
	perWorker := make([]map[uint32]map[uint16]uint16, n)
	for i := range perWorker {
		perWorker[i] = map[uint32]map[uint16]uint16{}
	}

	pool.ForEachWorker(len(objs), func(worker, beg, end int) error {
		pages := perWorker[worker]
		for oi := beg; oi < end; oi++ {
			o := objs[oi]
			if o.Machine != object.MachineAMD64 {
				continue
			}
			for si, sh := range o.Sections {
				if sh.Flags&object.SectionLnkRemove != 0 || len(sh.Relocs) == 0 {
					continue
				}
				sec, secOff, ok := lay.Locate(o, si)
				if !ok {
					continue
				}
				for _, r := range sh.Relocs {
					kind, needsFixup := basedKindFor(r.Type)
					if !needsFixup {
						continue
					}
					if int(r.SymbolTableIndex) >= len(o.Symbols) {
						continue
					}
					ps := &o.Symbols[r.SymbolTableIndex]
					if ps.Kind == object.SymAbsolute {
						continue // absolute targets need no runtime fixup
					}
					if kind == basedHighLow && !largeAddressAware {
						diags.Record(diag.KindLargeAddressAwareRequired, nil,
							"%s: 32-bit base relocation against %q requires /LARGEADDRESSAWARE", o.Path, ps.Name)
					}

					siteVOff := sec.VOffset + secOff + r.VirtualAddress
					page := floorPage(siteVOff)
					offset := uint16(siteVOff - page)

					entries, ok := pages[page]
					if !ok {
						entries = map[uint16]uint16{}
						pages[page] = entries
					}
					entries[offset] = kind
				}
			}
		}
		return nil
	})

	merged := map[uint32]map[uint16]uint16{}
	for _, pages := range perWorker {
		for page, entries := range pages {
			dst, ok := merged[page]
			if !ok {
				dst = map[uint16]uint16{}
				merged[page] = dst
			}
			for off, kind := range entries {
				dst[off] = kind // last writer wins; this is the duplicate-site suppression spec.md asks for
			}
		}
	}

	pageVOffs := make([]uint32, 0, len(merged))
	for p := range merged {
		pageVOffs = append(pageVOffs, p)
	}
	sort.Slice(pageVOffs, func(i, j int) bool { return pageVOffs[i] < pageVOffs[j] })

	var out []byte
	for _, page := range pageVOffs {
		entries := merged[page]
		offs := make([]uint16, 0, len(entries))
		for off := range entries {
			offs = append(offs, off)
		}
		sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })

		items := make([]pageEntry, 0, len(offs)+1)
		for _, off := range offs {
			items = append(items, pageEntry{kind: entries[off], offset: off})
		}
		if len(items)%2 != 0 {
			items = append(items, pageEntry{kind: basedAbsolute, offset: 0})
		}

		blockSize := uint32(8 + 2*len(items))
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:4], page)
		binary.LittleEndian.PutUint32(hdr[4:8], blockSize)
		out = append(out, hdr[:]...)

		for _, it := range items {
			packed := (it.kind << 12) | (it.offset & 0x0fff)
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], packed)
			out = append(out, b[:]...)
		}
	}
	return out
}

func basedKindFor(relocType uint16) (kind uint16, ok bool) {
	switch relocType {
	case 0x0002: // IMAGE_REL_AMD64_ADDR32
		return basedHighLow, true
	case 0x0001: // IMAGE_REL_AMD64_ADDR64
		return basedDir64, true
	default:
		return 0, false
	}
}
