// Package linker ties every phase of spec.md §2's dataflow together:
// `Config` → Input Driver → (Symbol Table ↔ Library Resolver) → GC →
// Layout → Common-Block → Symbol Patcher → Relocation Patcher → Base
// Relocations → Image Finalizer → bytes. Nothing else in the module calls
// more than one phase package directly; this is the seam cmd/ldpe drives.
package linker

import (
	"encoding/binary"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/xyproto/ldpe/internal/basereloc"
	"github.com/xyproto/ldpe/internal/bssalloc"
	"github.com/xyproto/ldpe/internal/config"
	"github.com/xyproto/ldpe/internal/diag"
	"github.com/xyproto/ldpe/internal/driver"
	"github.com/xyproto/ldpe/internal/gc"
	"github.com/xyproto/ldpe/internal/image"
	"github.com/xyproto/ldpe/internal/layout"
	"github.com/xyproto/ldpe/internal/linkctx"
	"github.com/xyproto/ldpe/internal/metrics"
	"github.com/xyproto/ldpe/internal/object"
	"github.com/xyproto/ldpe/internal/relocpatch"
	"github.com/xyproto/ldpe/internal/symbolpatch"
	"github.com/xyproto/ldpe/internal/symtab"
	"github.com/xyproto/ldpe/internal/workpool"
)

// ObjInput and LibInput are the two input kinds a caller (cmd/ldpe's flag
// parser) hands to Run, mirroring Driver.AddObjFile/AddObjBytes/
// AddLibFile/AddLibBytes without exposing the Driver type itself.
type ObjInput struct {
	Path string
	Raw  []byte // nil means read Path via the FileReader
}

type LibInput struct {
	Path string
	Raw  []byte
}

// Result is everything a successful link produced.
type Result struct {
	Image   []byte
	Map     []MapEntry
	Diags   *diag.Table
	Metrics []metrics.Summary
}

// MapEntry is one row of the optional RAD map spec.md §6 describes:
// "listing every section contribution with its final VOFF/FOFF... and its
// source lib(obj) SECT# (section-name)". The Blake3 digest spec.md also
// asks for is computed by the caller from Data, keeping this package free
// of a hashing dependency it doesn't otherwise need.
type MapEntry struct {
	Section  string
	VOffset  uint32
	FOffset  uint32
	Size     uint32
	Align    uint32
	Source   string // "lib(obj)" or just "obj" for a non-archive input
	SectNum  int
	SectName string
}

// Run drives the full pipeline to a finished image, or returns an error
// once diags carries a Stop-mode diagnostic at one of spec.md §7's two
// check-and-exit points (end of unresolved-symbol reporting, end of the
// whole run).
func Run(cfg *config.Config, diags *diag.Table, pool *workpool.Pool, read driver.FileReader, objs []ObjInput, libs []LibInput) (*Result, error) {
	ph := metrics.NewPhases()

	d := driver.New(cfg, diags, pool, read)
	for _, o := range objs {
		if o.Raw != nil {
			d.AddObjBytes(o.Path, o.Raw)
		} else {
			d.AddObjFile(o.Path)
		}
	}
	for _, l := range libs {
		if l.Raw != nil {
			d.AddLibBytes(l.Path, l.Raw)
		} else {
			d.AddLibFile(l.Path)
		}
	}

	var dres *driver.Result
	var err error
	ph.Time("input-driver", func() { dres, err = d.Run() })
	if err != nil {
		return nil, err
	}
	if diags.HasFatal() {
		return &Result{Diags: diags, Metrics: ph.Summaries()}, nil
	}

	if cfg.OptRef {
		ph.Time("gc", func() { gc.Run(pool, diags, dres.Objs, dres.Table, cfg.Includes) })
	}

	var lay *layout.Layout
	ph.Time("layout", func() {
		lay, err = layout.Run(pool, diags, dres.Objs, cfg.Merge, cfg.FunctionPadMin, cfg.SectionAlignment, cfg.FileAlignment, dres.Machine)
	})
	if err != nil {
		return nil, err
	}

	var bssResult *bssalloc.Result
	ph.Time("common-block", func() {
		bssResult = bssalloc.Run(dres.Table, lay, cfg.SectionAlignment, cfg.FileAlignment)
	})

	ph.Time("symbol-patch", func() {
		symbolpatch.Run(pool, dres.Objs, lay, dres.Table, bssResult, diags)
	})

	imgBytes, totalFile := assembleImageBuffer(lay, cfg.FileAlignment)
	relocImg := &relocpatch.Image{Bytes: imgBytes, ImageBase: cfg.ImageBase}
	ph.Time("relocation-patch", func() {
		relocpatch.Run(pool, diags, dres.Objs, lay, relocImg)
	})

	var relocBytes []byte
	ph.Time("base-relocations", func() {
		relocBytes = basereloc.Build(pool, diags, dres.Objs, lay, cfg.LargeAddressAware, cfg.Fixed)
	})

	sections := finalizeSections(lay, imgBytes, relocBytes, cfg, dres.Machine, totalFile)

	entryRVA := entryPointRVA(dres.EntryPoint, lay)
	subsys := cfg.Subsystem
	if subsys == config.SubsystemUnknown {
		subsys = config.SubsystemWindowsCUI
	}

	var finalImage []byte
	ph.Time("image-finalizer", func() {
		finalImage = image.Build(image.Options{
			Machine:           dres.Machine,
			Subsystem:         subsys,
			DLL:               cfg.DLL,
			LargeAddressAware: cfg.LargeAddressAware,
			Guard:             cfg.Guard,
			ImageBase:         cfg.ImageBase,
			SectionAlignment:  cfg.SectionAlignment,
			FileAlignment:     cfg.FileAlignment,
			StackReserve:      cfg.StackReserve,
			StackCommit:       cfg.StackCommit,
			HeapReserve:       cfg.HeapReserve,
			HeapCommit:        cfg.HeapCommit,
			EntryRVA:          entryRVA,
			Release:           cfg.Release,
		}, sections, symbolResolver(dres.Table, lay))
	})

	if diags.HasFatal() {
		return &Result{Diags: diags, Metrics: ph.Summaries()}, nil
	}

	return &Result{
		Image:   finalImage,
		Map:     buildMap(lay),
		Diags:   diags,
		Metrics: ph.Summaries(),
	}, nil
}

// assembleImageBuffer lays every section's assembled bytes into a flat
// buffer at its final FOffset, ready for internal/relocpatch to mutate in
// place. Its length is rounded up to fileAlignment so a later-appended
// .reloc section (which starts past the last real section) still has a
// clean starting offset.
func assembleImageBuffer(lay *layout.Layout, fileAlignment uint32) ([]byte, uint32) {
	var total uint32
	for _, s := range lay.Sections {
		if end := s.FOffset + layout.AlignUp(s.VSize, fileAlignment); s.FOffset != 0 && end > total {
			total = end
		}
	}
	buf := make([]byte, total)
	for _, s := range lay.Sections {
		if s.FOffset == 0 {
			continue // pure BSS: no file presence
		}
		if data := s.Bytes(); data != nil {
			copy(buf[s.FOffset:], data)
		}
	}
	return buf, total
}

// finalizeSections appends the basereloc-built .reloc section (if any)
// and, when /DEBUG is set, a synthesized .debug section, onto the layout
// via AppendToSection, then converts every live layout section into an
// image.Section carrying its final patched bytes pulled back out of
// imgBytes.
func finalizeSections(lay *layout.Layout, imgBytes, relocBytes []byte, cfg *config.Config, machine object.Machine, totalFile uint32) []image.Section {
	appendGrowing := func(name string, flags object.SectionFlags, data []byte) {
		sec := lay.AppendToSection(name, flags, cfg.SectionAlignment, cfg.FileAlignment,
			&layout.SC{Size: uint32(len(data)), Align: uint32(machine.PointerSize()), Data: data})
		if end := sec.FOffset + layout.AlignUp(sec.VSize, cfg.FileAlignment); end > totalFile {
			totalFile = end
		}
		if int(totalFile) > len(imgBytes) {
			grown := make([]byte, totalFile)
			copy(grown, imgBytes)
			imgBytes = grown
		}
		copy(imgBytes[sec.FOffset:], data)
	}

	if len(relocBytes) > 0 {
		appendGrowing(".reloc", object.SectionCntInitData|object.SectionMemRead|object.SectionMemDiscard, relocBytes)
	}

	if cfg.Debug {
		pdbPath := strings.TrimSuffix(cfg.Out, filepath.Ext(cfg.Out)) + ".pdb"
		debugBytes := image.BuildDebugSection(image.DebugRecord{
			GUID:    uuid.New(),
			Age:     1,
			PDBPath: pdbPath,
		})
		appendGrowing(".debug", object.SectionCntInitData|object.SectionMemRead|object.SectionMemDiscard, debugBytes)
		// BuildDebugSection wrote AddressOfRawData relative to the
		// section's own start; now that layout has placed .debug, make it
		// an absolute RVA so patchDataDirectories/patchDebugDirectory can
		// translate it to a file offset the way spec.md §4.11 describes.
		if debugSec := lay.SectionByName(".debug"); debugSec != nil {
			relOff := binary.LittleEndian.Uint32(debugBytes[20:])
			binary.LittleEndian.PutUint32(imgBytes[debugSec.FOffset+20:], debugSec.VOffset+relOff)
		}
	}

	out := make([]image.Section, 0, len(lay.Sections))
	for _, s := range lay.Sections {
		fsize := uint32(0)
		var data []byte
		if s.FOffset != 0 {
			fsize = layout.AlignUp(s.VSize, cfg.FileAlignment)
			end := s.FOffset + fsize
			if end > uint32(len(imgBytes)) {
				end = uint32(len(imgBytes))
			}
			if end > s.FOffset {
				data = imgBytes[s.FOffset:end]
			}
		}
		out = append(out, image.Section{
			Name:    s.Name,
			Flags:   s.Flags,
			VOffset: s.VOffset,
			VSize:   s.VSize,
			FOffset: s.FOffset,
			FSize:   fsize,
			Data:    data,
		})
	}
	return out
}

func entryPointRVA(entry *linkctx.Symbol, lay *layout.Layout) uint32 {
	if entry == nil {
		return 0
	}
	ps := entry.ParsedSymbol()
	if ps == nil || ps.SectionNumber <= 0 {
		return 0
	}
	sec := lay.SectionByIndex(int(ps.SectionNumber))
	if sec == nil {
		return 0
	}
	return sec.VOffset + ps.Value
}

// symbolResolver adapts the finalized symbol table into the
// image.SymbolResolver the TLS/Load-Config directory patches consult.
func symbolResolver(table *symtab.Table, lay *layout.Layout) image.SymbolResolver {
	return func(name string) (uint32, bool) {
		sym := table.Search(linkctx.ScopeDefined, name)
		if sym == nil {
			return 0, false
		}
		ps := sym.ParsedSymbol()
		if ps == nil || ps.SectionNumber <= 0 {
			return 0, false
		}
		sec := lay.SectionByIndex(int(ps.SectionNumber))
		if sec == nil {
			return 0, false
		}
		return sec.VOffset + ps.Value, true
	}
}

func buildMap(lay *layout.Layout) []MapEntry {
	var out []MapEntry
	for _, s := range lay.Sections {
		for _, c := range s.Contribs {
			source := "<linker-synthesized>" // .reloc/.debug contribs carry no owning Obj
			if c.Obj != nil {
				source = c.Obj.Path
				if c.Obj.Lib != nil {
					source = c.Obj.Lib.Path + "(" + c.Obj.Path + ")"
				}
			}
			out = append(out, MapEntry{
				Section:  s.Name,
				VOffset:  s.VOffset + c.Off,
				FOffset:  fileOffsetOf(s, c.Off),
				Size:     c.Size,
				Align:    c.Align,
				Source:   source,
				SectNum:  c.ObjSectIdx + 1,
				SectName: s.Name,
			})
		}
	}
	return out
}

func fileOffsetOf(s *layout.ImageSection, off uint32) uint32 {
	if s.FOffset == 0 {
		return 0
	}
	return s.FOffset + off
}
