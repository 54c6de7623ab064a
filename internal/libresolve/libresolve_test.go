package libresolve

import (
	"fmt"
	"testing"

	"github.com/xyproto/ldpe/internal/linkctx"
	"github.com/xyproto/ldpe/internal/object"
)

func TestResolveRegularArchiveObjMember(t *testing.T) {
	lib := &linkctx.Lib{Path: "foo.lib", Type: object.ArchiveRegular, InputIdx: 3}
	raw := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	lib.CacheMember(128, &object.ArchiveMember{Offset: 128, Kind: object.MemberObj, Name: "foo.obj", Data: raw})

	r := New(0)
	imp, obj, err := r.Resolve(lib, 128, failReadFile(t))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if imp != nil {
		t.Fatalf("expected no short import for a regular obj member")
	}
	if obj == nil {
		t.Fatalf("expected an ObjInput")
	}
	if obj.Path != "foo.lib" || string(obj.Raw) != string(raw) {
		t.Fatalf("unexpected ObjInput: %+v", obj)
	}
	wantIdx := linkctx.ComposeArchiveInputIdx(3, 128)
	if obj.InputIdx != wantIdx {
		t.Fatalf("InputIdx = %d, want %d", obj.InputIdx, wantIdx)
	}
}

func TestResolveShortImportMember(t *testing.T) {
	lib := &linkctx.Lib{Path: "foo.lib", Type: object.ArchiveRegular, InputIdx: 0}
	want := &object.ShortImport{Symbol: "CreateFileW", DLLName: "kernel32.dll", Ordinal: 0}
	lib.CacheMember(64, &object.ArchiveMember{Offset: 64, Kind: object.MemberImport, Import: want})

	r := New(0)
	imp, obj, err := r.Resolve(lib, 64, failReadFile(t))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if obj != nil {
		t.Fatalf("expected no ObjInput for a short import member")
	}
	if imp != want {
		t.Fatalf("expected the pre-parsed ShortImport to be returned unchanged")
	}
}

func TestResolveThinArchiveMemberReadsAndCaches(t *testing.T) {
	lib := &linkctx.Lib{Path: "/libs/foo.lib", Type: object.ArchiveThin, InputIdx: 1}
	lib.CacheMember(16, &object.ArchiveMember{Offset: 16, Kind: object.MemberObj, Name: "bar.obj"})

	reads := 0
	readFile := func(path string) ([]byte, error) {
		reads++
		if path != "/libs/bar.obj" {
			t.Fatalf("unexpected path %q", path)
		}
		return []byte{1, 2, 3}, nil
	}

	r := New(0)
	_, obj1, err := r.Resolve(lib, 16, readFile)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if obj1.Path != "/libs/bar.obj" {
		t.Fatalf("Path = %q, want /libs/bar.obj", obj1.Path)
	}
	if string(obj1.Raw) != "\x01\x02\x03" {
		t.Fatalf("unexpected raw bytes: %v", obj1.Raw)
	}

	// A second resolve of the same offset must hit the LRU cache, not
	// call readFile again.
	_, obj2, err := r.Resolve(lib, 16, readFile)
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if string(obj2.Raw) != "\x01\x02\x03" {
		t.Fatalf("unexpected cached raw bytes: %v", obj2.Raw)
	}
	if reads != 1 {
		t.Fatalf("expected exactly one underlying read, got %d", reads)
	}
}

func failReadFile(t *testing.T) func(string) ([]byte, error) {
	return func(path string) ([]byte, error) {
		t.Fatalf("unexpected readFile(%q) for a regular-archive member", path)
		return nil, fmt.Errorf("unreachable")
	}
}
