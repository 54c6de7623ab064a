package layout

import (
	"testing"

	"github.com/xyproto/ldpe/internal/diag"
	"github.com/xyproto/ldpe/internal/linkctx"
	"github.com/xyproto/ldpe/internal/object"
	"github.com/xyproto/ldpe/internal/workpool"
)

func textSection(name string, size uint32, align uint32) *object.SectionHeader {
	flags := object.SectionCntCode | object.SectionMemExecute | object.SectionMemRead
	// encode alignment nibble: Align() decodes (flags&mask)>>20 - 1 as shift count, so store shift+1.
	shift := uint32(0)
	for (uint32(1) << shift) < align {
		shift++
	}
	flags |= object.SectionFlags((shift + 1) << 20)
	return &object.SectionHeader{
		Name:         name,
		Flags:        flags,
		RawSize:      size,
		RawData:      make([]byte, size),
		ComdatSymbol: -1,
		Associative:  -1,
	}
}

func TestLayoutTwoObjsSameSectionNoOverlap(t *testing.T) {
	objA := &linkctx.Obj{Path: "a.obj", InputIdx: 0, Sections: []*object.SectionHeader{textSection(".text$mn", 16, 16)}}
	objB := &linkctx.Obj{Path: "b.obj", InputIdx: 1, Sections: []*object.SectionHeader{textSection(".text$mn", 24, 16)}}

	pool := workpool.New(2)
	diags := diag.NewTable()

	lo, err := Run(pool, diags, []*linkctx.Obj{objA, objB}, nil, 0, 0x1000, 0x200, object.MachineAMD64)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	sec := lo.SectionByName(".text")
	if sec == nil {
		t.Fatalf("expected a .text image section")
	}
	if len(sec.Contribs) != 2 {
		t.Fatalf("expected 2 contribs, got %d", len(sec.Contribs))
	}
	// Pass E sorted by input_idx, so A's contrib must come first.
	if sec.Contribs[0].Obj != objA || sec.Contribs[1].Obj != objB {
		t.Fatalf("expected contribs sorted by input_idx")
	}
	first, second := sec.Contribs[0], sec.Contribs[1]
	if first.Off+first.Size > second.Off {
		t.Fatalf("overlapping contribs: first [%d,%d) second starts at %d", first.Off, first.Off+first.Size, second.Off)
	}
	if second.Off%second.Align != 0 {
		t.Fatalf("second contrib offset %d not aligned to %d", second.Off, second.Align)
	}
	if sec.VSize < second.Off+second.Size {
		t.Fatalf("section vsize %d smaller than last contrib's end", sec.VSize)
	}

	secA, offA, ok := lo.Locate(objA, 0)
	if !ok || secA != sec || offA != first.Off {
		t.Fatalf("Locate(objA) mismatch: sec=%v off=%d ok=%v", secA, offA, ok)
	}
}

func TestLayoutContribDataIsOwnedCopyNotAliasOfInput(t *testing.T) {
	sh := textSection(".text$mn", 4, 16)
	sh.RawData[0] = 0xAA
	objA := &linkctx.Obj{Path: "a.obj", InputIdx: 0, Sections: []*object.SectionHeader{sh}}

	pool := workpool.New(1)
	diags := diag.NewTable()
	lo, err := Run(pool, diags, []*linkctx.Obj{objA}, nil, 0, 0x1000, 0x200, object.MachineAMD64)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	sec := lo.SectionByName(".text")
	if sec == nil || len(sec.Contribs) != 1 {
		t.Fatalf("expected one .text contrib, got %+v", sec)
	}
	c := sec.Contribs[0]
	if &c.Data[0] == &sh.RawData[0] {
		t.Fatalf("expected SC.Data to be a copy, not an alias of the object's raw section bytes")
	}
	// Mutating the object's own buffer after layout must not affect the
	// contribution's already-copied bytes.
	sh.RawData[0] = 0xBB
	if c.Data[0] != 0xAA {
		t.Fatalf("expected contrib data unaffected by a later mutation of the source buffer, got %#x", c.Data[0])
	}
}

func TestLayoutImageSectionVOffsetAligned(t *testing.T) {
	objA := &linkctx.Obj{Path: "a.obj", InputIdx: 0, Sections: []*object.SectionHeader{textSection(".text", 16, 16)}}
	pool := workpool.New(1)
	diags := diag.NewTable()

	lo, err := Run(pool, diags, []*linkctx.Obj{objA}, nil, 0, 0x1000, 0x200, object.MachineAMD64)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	sec := lo.SectionByName(".text")
	if sec == nil {
		t.Fatalf("expected .text section")
	}
	if sec.VOffset != 0x1000 {
		t.Fatalf("expected first section at VOFF 0x1000, got 0x%x", sec.VOffset)
	}
}
