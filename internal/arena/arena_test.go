package arena

import "testing"

func TestAllocGrowsAcrossChunkBoundary(t *testing.T) {
	a := New(ScopeWorker, 8)
	first := a.Alloc(5)
	second := a.Alloc(5) // doesn't fit in the remaining 3 bytes of the first chunk
	if len(first) != 5 || len(second) != 5 {
		t.Fatalf("expected two 5-byte allocations, got %d and %d", len(first), len(second))
	}
	if a.Used() != 10 {
		t.Fatalf("expected 10 bytes used, got %d", a.Used())
	}
	if len(a.chunks) != 2 {
		t.Fatalf("expected the second alloc to grow a new chunk, got %d chunks", len(a.chunks))
	}
}

func TestAllocCopyIsIndependentOfSource(t *testing.T) {
	a := New(ScopeSection, 0)
	src := []byte{1, 2, 3}
	got := a.AllocCopy(src)
	src[0] = 0xFF
	if got[0] != 1 {
		t.Fatalf("expected AllocCopy to own an independent copy, got %v after mutating src", got)
	}
}

func TestAllocCopyOfEmptyReturnsNil(t *testing.T) {
	a := New(ScopeSection, 0)
	if got := a.AllocCopy(nil); got != nil {
		t.Fatalf("expected nil for an empty copy, got %v", got)
	}
}

func TestResetReleasesChunks(t *testing.T) {
	a := New(ScopeWorker, 8)
	a.Alloc(8)
	a.Alloc(8)
	a.Reset()
	if a.Used() != 0 {
		t.Fatalf("expected Used() == 0 after Reset, got %d", a.Used())
	}
	// The arena must still be usable after Reset.
	b := a.Alloc(4)
	if len(b) != 4 {
		t.Fatalf("expected arena to remain usable after Reset, got %d-byte alloc", len(b))
	}
}

func TestPoolForReturnsDistinctArenasPerWorker(t *testing.T) {
	p := NewPool(2, ScopeWorker, 0)
	a0, a1 := p.For(0), p.For(1)
	if a0 == a1 {
		t.Fatalf("expected distinct arenas per worker index")
	}
	a0.Alloc(4)
	if a1.Used() != 0 {
		t.Fatalf("expected worker 1's arena unaffected by worker 0's allocation, got %d used", a1.Used())
	}
}
