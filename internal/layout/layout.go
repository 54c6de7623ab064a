// Package layout implements the Layout Engine of spec.md §4.6: the
// parallel passes A-H that turn a set of ingested objects into an ordered
// list of image sections, each holding the section contributions (SC)
// that will eventually become image bytes.
package layout

import (
	"sort"
	"sync"

	"github.com/xyproto/ldpe/internal/arena"
	"github.com/xyproto/ldpe/internal/diag"
	"github.com/xyproto/ldpe/internal/image"
	"github.com/xyproto/ldpe/internal/linkctx"
	"github.com/xyproto/ldpe/internal/object"
	"github.com/xyproto/ldpe/internal/workpool"
)

// SC is one section contribution: a fragment of one input object's section
// placed into one output image section.
type SC struct {
	Obj        *linkctx.Obj
	ObjSectIdx int // 0-based
	Align      uint32
	Size       uint32
	Data       []byte // nil for BSS
	Off        uint32 // section-relative offset, assigned by Pass F

	owner *ImageSection // the ImageSection this contrib was pushed into (Pass C)
}

// ImageSection is one output PE section, built from the contributions of
// every object that defines a same-named, same-flags input section.
type ImageSection struct {
	Name  string
	Flags object.SectionFlags

	Contribs []*SC
	VSize    uint32
	VOffset  uint32
	FOffset  uint32
	Index    int // 1-based; 0 until Pass G runs

	// MergedInto/BaseInDest record a /MERGE:A=B fold: when MergedInto != nil,
	// this section does not appear in the final section list; its contribs'
	// offsets must be read as BaseInDest + contrib.Off inside MergedInto.
	MergedInto *ImageSection
	BaseInDest uint32

	mu sync.Mutex
}

// Layout is the complete result of running all eight passes.
type Layout struct {
	Sections []*ImageSection // final order, Folded sections excluded
	all      []*ImageSection // includes folded sections, for lookups by name

	// SectMap mirrors the source's sect_map[obj][sect]: which SC (if any)
	// each object's section contributed.
	SectMap map[*linkctx.Obj]map[int]*SC
}

type defKey struct {
	name  string
	flags object.SectionFlags
}

type definition struct {
	obj           *linkctx.Obj
	objSectIdx    int
	contribsCount int
}

// significantFlags strips the link-only bits (LNK_INFO/REMOVE/COMDAT/
// NRELOC_OVFL) and the alignment nibble before two sections are compared
// for "same output section" purposes, per spec.md §4.6 Pass A.
func significantFlags(f object.SectionFlags) object.SectionFlags {
	const linkBits = object.SectionLnkInfo | object.SectionLnkRemove | object.SectionLnkCOMDAT | object.SectionLnkNRelocOvfl
	return f &^ (linkBits | object.SectionAlignMask)
}

func shortName(name string) string {
	if i := indexByte(name, '$'); i >= 0 {
		return name[:i]
	}
	return name
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Run executes passes A through H and returns the finished Layout.
func Run(pool *workpool.Pool, diags *diag.Table, objs []*linkctx.Obj, mergeMap map[string]string, functionPadMin uint32, sectionAlignment, fileAlignment uint32, machine object.Machine) (*Layout, error) {
	aggregate := passA(pool, objs)
	sections, byKey := passB(diags, aggregate)
	arenas := arena.NewPool(pool.Size(), arena.ScopeSection, 0)
	sectMap := passC(pool, objs, byKey, machine, arenas)
	passD(objs, sectMap)
	passE(sections)
	passF(sections, functionPadMin)
	applyMerges(sections, byKey, mergeMap)
	final := passG(sections, sectionAlignment, fileAlignment)
	passH(objs, sectMap)

	return &Layout{Sections: final, all: sections, SectMap: sectMap}, nil
}

// passA gathers, per worker, a private map of defKey -> definition, then
// merges deterministically: ties broken by (obj.InputIdx, objSectIdx),
// counts summed.
func passA(pool *workpool.Pool, objs []*linkctx.Obj) map[defKey]*definition {
	n := pool.Size()
	if n < 1 {
		n = 1
	}
	perWorker := make([]map[defKey]*definition, n)
	for i := range perWorker {
		perWorker[i] = map[defKey]*definition{}
	}

	pool.ForEachWorker(len(objs), func(worker, lo, hi int) error {
		m := perWorker[worker]
		for idx := lo; idx < hi; idx++ {
			o := objs[idx]
			for si, sh := range o.Sections {
				if sh.Flags&object.SectionLnkRemove != 0 || sh.RawSize == 0 {
					continue
				}
				k := defKey{name: shortName(sh.Name), flags: significantFlags(sh.Flags)}
				if d, ok := m[k]; ok {
					d.contribsCount++
					if o.InputIdx < d.obj.InputIdx || (o.InputIdx == d.obj.InputIdx && si < d.objSectIdx) {
						d.obj, d.objSectIdx = o, si
					}
				} else {
					m[k] = &definition{obj: o, objSectIdx: si, contribsCount: 1}
				}
			}
		}
		return nil
	})

	merged := map[defKey]*definition{}
	type kv struct {
		k defKey
		d *definition
	}
	var flat []kv
	for _, m := range perWorker {
		for k, d := range m {
			flat = append(flat, kv{k, d})
		}
	}
	sort.Slice(flat, func(i, j int) bool {
		if flat[i].k.name != flat[j].k.name {
			return flat[i].k.name < flat[j].k.name
		}
		return flat[i].k.flags < flat[j].k.flags
	})
	for _, e := range flat {
		if cur, ok := merged[e.k]; ok {
			cur.contribsCount += e.d.contribsCount
			if e.d.obj.InputIdx < cur.obj.InputIdx || (e.d.obj.InputIdx == cur.obj.InputIdx && e.d.objSectIdx < cur.objSectIdx) {
				cur.obj, cur.objSectIdx = e.d.obj, e.d.objSectIdx
			}
		} else {
			cp := *e.d
			merged[e.k] = &cp
		}
	}
	return merged
}

// passB materializes one ImageSection per aggregated definition, in
// lexicographic key order, warning when two distinct flag sets claim the
// same short name (the second claimant is folded into the first rather
// than producing a duplicate same-named section).
func passB(diags *diag.Table, aggregate map[defKey]*definition) ([]*ImageSection, map[defKey]*ImageSection) {
	keys := make([]defKey, 0, len(aggregate))
	for k := range aggregate {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].flags < keys[j].flags
	})

	byKey := map[defKey]*ImageSection{}
	byName := map[string]*ImageSection{}
	var out []*ImageSection
	for _, k := range keys {
		d := aggregate[k]
		if existing, ok := byName[k.name]; ok {
			diags.Record(diag.KindSectionFlagsConflict, nil,
				"section %q claimed with conflicting flags by %s (sect %d); keeping first", k.name, d.obj.Path, d.objSectIdx)
			byKey[k] = existing
			continue
		}
		sec := &ImageSection{
			Name:     k.name,
			Flags:    k.flags,
			Contribs: make([]*SC, 0, d.contribsCount),
		}
		byKey[k] = sec
		byName[k.name] = sec
		out = append(out, sec)
	}
	return out, byKey
}

// passC pushes each live, nonzero-size section's contribution into its
// image section, recording sect_map[obj][sect]. Each contribution's Data is
// copied into the calling worker's arena rather than kept as a slice into
// the object's own raw read buffer: spec.md §3's SC.data chain needs a copy
// that outlives whatever FileReader produced the object's bytes, and
// arenas is already partitioned one-per-worker so the copy needs no
// locking beyond sec.mu guarding Contribs itself.
func passC(pool *workpool.Pool, objs []*linkctx.Obj, byKey map[defKey]*ImageSection, machine object.Machine, arenas *arena.Pool) map[*linkctx.Obj]map[int]*SC {
	sectMap := make(map[*linkctx.Obj]map[int]*SC, len(objs))
	var mapMu sync.Mutex
	for _, o := range objs {
		sectMap[o] = map[int]*SC{}
	}

	pool.ForEachWorker(len(objs), func(worker int, lo, hi int) error {
		a := arenas.For(worker)
		for idx := lo; idx < hi; idx++ {
			o := objs[idx]
			for si, sh := range o.Sections {
				if sh.Flags&object.SectionLnkRemove != 0 || sh.RawSize == 0 {
					continue
				}
				k := defKey{name: shortName(sh.Name), flags: significantFlags(sh.Flags)}
				sec, ok := byKey[k]
				if !ok {
					continue
				}
				align := sh.Flags.Align()
				if align == 0 {
					align = uint32(machine.PointerSize())
				}
				data := a.AllocCopy(sh.RawData)
				sc := &SC{Obj: o, ObjSectIdx: si, Align: align, Size: sh.RawSize, Data: data, owner: sec}

				sec.mu.Lock()
				sec.Contribs = append(sec.Contribs, sc)
				sec.mu.Unlock()

				mapMu.Lock()
				sectMap[o][si] = sc
				mapMu.Unlock()
			}
		}
		return nil
	})
	return sectMap
}

// passD rewrites sect_map[obj][sect] to the COMDAT leader's SC wherever
// internal/comdat recorded a symlink, so follower contribs (already absent
// from any ImageSection since their headers carry LnkRemove) resolve to
// the winning bytes.
func passD(objs []*linkctx.Obj, sectMap map[*linkctx.Obj]map[int]*SC) {
	for _, o := range objs {
		if o.Symlink == nil {
			continue
		}
		for followerSect, leaderRef := range o.Symlink {
			if leaderSC, ok := sectMap[leaderRef.Obj][leaderRef.Sect]; ok {
				sectMap[o][followerSect] = leaderSC
			}
		}
	}
}

func passE(sections []*ImageSection) {
	for _, sec := range sections {
		sort.Slice(sec.Contribs, func(i, j int) bool {
			a, b := sec.Contribs[i], sec.Contribs[j]
			if a.Obj.InputIdx != b.Obj.InputIdx {
				return a.Obj.InputIdx < b.Obj.InputIdx
			}
			return a.ObjSectIdx < b.ObjSectIdx
		})
	}
}

func alignUp(v, align uint32) uint32 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// passF assigns contrib offsets within each section. functionPadMin bytes
// are inserted ahead of every contrib in an executable section when
// nonzero (spec.md §6 /FUNCTIONPADMIN: reserves hot-patch padding ahead of
// every function).
func passF(sections []*ImageSection, functionPadMin uint32) {
	for _, sec := range sections {
		var cursor uint32
		// Gated on MEM_EXECUTE rather than CNT_CODE: the two nearly always
		// agree in practice (compilers set both on a .text-like section),
		// and hot-patch padding is about the runtime executability of the
		// bytes, not whether the linker classifies the content as code.
		executable := sec.Flags&object.SectionMemExecute != 0
		for _, sc := range sec.Contribs {
			if executable && functionPadMin > 0 {
				cursor += functionPadMin
			}
			cursor = alignUp(cursor, sc.Align)
			sc.Off = cursor
			cursor += sc.Size
		}
		sec.VSize = cursor
	}
}

// applyMerges implements /MERGE:A=B: the source section's byte range is
// appended after the destination's current contents, and every reference
// through Layout.Locate that hits the source redirects into the
// destination at BaseInDest + original offset.
func applyMerges(sections []*ImageSection, byKey map[defKey]*ImageSection, mergeMap map[string]string) {
	byName := map[string]*ImageSection{}
	for _, s := range sections {
		byName[s.Name] = s
	}
	for src, dst := range mergeMap {
		srcSec, ok1 := byName[src]
		dstSec, ok2 := byName[dst]
		if !ok1 || !ok2 || srcSec == dstSec || srcSec.MergedInto != nil {
			continue
		}
		srcSec.BaseInDest = dstSec.VSize
		dstSec.VSize += srcSec.VSize
		srcSec.MergedInto = dstSec
	}
}

// passG drops folded/empty sections, assigns final 1-based indices in
// lexicographic-name order, and lays out virtual and file offsets.
func passG(sections []*ImageSection, sectionAlignment, fileAlignment uint32) []*ImageSection {
	var live []*ImageSection
	for _, s := range sections {
		if s.MergedInto != nil || s.VSize == 0 {
			continue
		}
		live = append(live, s)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Name < live[j].Name })

	// Reserve room for one extra section header beyond what's live here:
	// internal/basereloc's .reloc section is built from these very
	// VOffsets, so it can only be appended after this pass runs, and its
	// header must still fit in the space this pass hands out.
	headerFOffset, headerVOffset := image.Headroom(len(live)+1, sectionAlignment, fileAlignment)

	var vcursor = headerVOffset
	var fcursor = headerFOffset
	for i, s := range live {
		s.Index = i + 1
		vcursor = alignUp(vcursor, sectionAlignment)
		s.VOffset = vcursor
		vcursor += alignUp(s.VSize, sectionAlignment)

		pureBSS := s.Flags&object.SectionCntUninitData != 0 && s.Flags&(object.SectionCntCode|object.SectionCntInitData) == 0
		if pureBSS {
			s.FOffset = 0
			continue
		}
		fcursor = alignUp(fcursor, fileAlignment)
		s.FOffset = fcursor
		fcursor += alignUp(s.VSize, fileAlignment)
	}
	return live
}

// passH writes each object's FinalVOffset/FinalFOffset per section, for
// every section that actually contributed (sections dropped by GC or
// never laid out keep a zero entry, which downstream treats as "has no
// image presence").
func passH(objs []*linkctx.Obj, sectMap map[*linkctx.Obj]map[int]*SC) {
	for _, o := range objs {
		o.FinalVOffset = make([]uint32, len(o.Sections))
		o.FinalFOffset = make([]uint32, len(o.Sections))
		for si, sc := range sectMap[o] {
			sec := sc.sectionOf()
			if sec == nil {
				continue
			}
			voff, foff := sec.resolvedOffsets(sc.Off)
			o.FinalVOffset[si] = voff
			o.FinalFOffset[si] = foff
		}
	}
}

func (sc *SC) sectionOf() *ImageSection { return sc.owner }

func (s *ImageSection) resolvedOffsets(off uint32) (voff, foff uint32) {
	base := s
	extra := off
	for base.MergedInto != nil {
		extra += base.BaseInDest
		base = base.MergedInto
	}
	voff = base.VOffset + extra
	if base.FOffset == 0 && base.Flags&object.SectionCntUninitData != 0 {
		return voff, 0
	}
	foff = base.FOffset + extra
	return
}

// Locate returns the final (section, section-relative offset) for an
// object's section, following /MERGE redirection, or ok=false if the
// section never contributed to the image (e.g. GC'd or zero-size).
func (l *Layout) Locate(o *linkctx.Obj, sectIdx int) (sec *ImageSection, offset uint32, ok bool) {
	m, ok := l.SectMap[o]
	if !ok {
		return nil, 0, false
	}
	sc, ok := m[sectIdx]
	if !ok {
		return nil, 0, false
	}
	base := sc.owner
	extra := sc.Off
	for base != nil && base.MergedInto != nil {
		extra += base.BaseInDest
		base = base.MergedInto
	}
	if base == nil {
		return nil, 0, false
	}
	return base, extra, true
}

// SectionByName finds a final (non-folded) image section.
func (l *Layout) SectionByName(name string) *ImageSection {
	for _, s := range l.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// SectionByIndex finds a final image section by its 1-based Index, the
// form a ParsedSymbol.SectionNumber carries once internal/symbolpatch has
// rewritten it to its final location.
func (l *Layout) SectionByIndex(index int) *ImageSection {
	for _, s := range l.Sections {
		if s.Index == index {
			return s
		}
	}
	return nil
}

// AlignUp rounds v up to the next multiple of align (align == 0 or 1 is a
// no-op). Exported for packages that append image sections after Run
// returns (internal/bssalloc's .bss contribution, internal/linker's
// appended .reloc and .debug sections).
func AlignUp(v, align uint32) uint32 { return alignUp(v, align) }

// Bytes assembles a section's final byte image strictly from its
// contributions' Off/Data, for the orchestrator's pre-relocation image
// buffer (internal/relocpatch then patches that buffer in place). Returns
// nil for a pure BSS section, where no contrib carries Data at all.
func (s *ImageSection) Bytes() []byte {
	if s.VSize == 0 {
		return nil
	}
	out := make([]byte, s.VSize)
	any := false
	for _, c := range s.Contribs {
		if len(c.Data) == 0 {
			continue
		}
		any = true
		copy(out[c.Off:], c.Data)
	}
	if !any {
		return nil
	}
	return out
}

// AppendToSection finds name's ImageSection, creating one placed
// immediately after every existing section if it doesn't exist yet, and
// appends sc to it at the section's current end. sc.Off and its owner
// back-reference are set here; the caller only fills in Size/Align/Data.
func (l *Layout) AppendToSection(name string, defaultFlags object.SectionFlags, sectionAlignment, fileAlignment uint32, sc *SC) *ImageSection {
	sec := l.SectionByName(name)
	if sec == nil {
		sec = &ImageSection{Name: name, Flags: defaultFlags}
		var vend, fend uint32
		for _, s := range l.Sections {
			if e := s.VOffset + alignUp(s.VSize, sectionAlignment); e > vend {
				vend = e
			}
			if s.FOffset > 0 {
				if e := s.FOffset + alignUp(s.VSize, fileAlignment); e > fend {
					fend = e
				}
			}
		}
		sec.Index = len(l.Sections) + 1
		sec.VOffset = alignUp(vend, sectionAlignment)
		pureBSS := defaultFlags&object.SectionCntUninitData != 0 && defaultFlags&(object.SectionCntCode|object.SectionCntInitData) == 0
		if !pureBSS {
			sec.FOffset = alignUp(fend, fileAlignment)
		}
		l.Sections = append(l.Sections, sec)
		l.all = append(l.all, sec)
	}

	sc.owner = sec
	sc.Off = sec.VSize
	sec.Contribs = append(sec.Contribs, sc)
	sec.VSize += sc.Size
	return sec
}
