package symtab

import (
	"fmt"
	"sync"
	"testing"

	"github.com/xyproto/ldpe/internal/linkctx"
)

func TestInsertAndSearch(t *testing.T) {
	tab := New()
	arenas := NewArenas(1)
	a := arenas.For(0)

	sym := &linkctx.Symbol{Name: "foo", Variant: linkctx.VariantUndef}
	got := tab.InsertOrReplace(a, linkctx.ScopeDefined, sym, nil)
	if got != sym {
		t.Fatalf("expected fresh insert to return sym itself")
	}

	found := tab.Search(linkctx.ScopeDefined, "foo")
	if found != sym {
		t.Fatalf("search did not find inserted symbol")
	}

	if tab.Search(linkctx.ScopeDefined, "bar") != nil {
		t.Fatalf("search found a symbol that was never inserted")
	}
	if tab.Search(linkctx.ScopeLib, "foo") != nil {
		t.Fatalf("defined-scope insert leaked into lib scope")
	}
}

func TestReplacePolicyInvoked(t *testing.T) {
	tab := New()
	arenas := NewArenas(1)
	a := arenas.For(0)

	first := &linkctx.Symbol{Name: "dup", Variant: linkctx.VariantUndef}
	second := &linkctx.Symbol{Name: "dup", Variant: linkctx.VariantUndef}

	tab.InsertOrReplace(a, linkctx.ScopeDefined, first, nil)

	var sawExisting, sawIncoming *linkctx.Symbol
	policy := func(existing, incoming *linkctx.Symbol) *linkctx.Symbol {
		sawExisting, sawIncoming = existing, incoming
		return incoming // last writer wins, for this test
	}
	winner := tab.InsertOrReplace(a, linkctx.ScopeDefined, second, policy)

	if sawExisting != first || sawIncoming != second {
		t.Fatalf("policy did not see expected (existing, incoming) pair")
	}
	if winner != second {
		t.Fatalf("expected policy's chosen winner to be returned")
	}
	if tab.Search(linkctx.ScopeDefined, "dup") != second {
		t.Fatalf("search did not reflect the policy's winner")
	}
}

func TestConcurrentInsertSameNameExactlyOneSurvivorPerPolicy(t *testing.T) {
	tab := New()
	const workers = 8
	arenas := NewArenas(workers)

	var mu sync.Mutex
	var seenPairs int
	policy := func(existing, incoming *linkctx.Symbol) *linkctx.Symbol {
		mu.Lock()
		seenPairs++
		mu.Unlock()
		// deterministic tie-break: lexicographically smaller pointer-free
		// tag wins, via a field we stash in MemberOffset for the test.
		if incoming.MemberOffset < existing.MemberOffset {
			return incoming
		}
		return existing
	}

	var wg sync.WaitGroup
	syms := make([]*linkctx.Symbol, workers)
	for i := 0; i < workers; i++ {
		syms[i] = &linkctx.Symbol{Name: "race", Variant: linkctx.VariantUndef, MemberOffset: int64(i)}
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tab.InsertOrReplace(arenas.For(i), linkctx.ScopeDefined, syms[i], policy)
		}(i)
	}
	wg.Wait()

	winner := tab.Search(linkctx.ScopeDefined, "race")
	if winner == nil {
		t.Fatalf("expected a surviving symbol")
	}
	if winner.MemberOffset != 0 {
		t.Fatalf("expected the offset-0 symbol (smallest tag) to win, got offset %d", winner.MemberOffset)
	}
	if seenPairs != workers-1 {
		t.Fatalf("expected policy invoked exactly workers-1 times, got %d", seenPairs)
	}
}

func TestIterateScopeVisitsEveryInsertedName(t *testing.T) {
	tab := New()
	arenas := NewArenas(1)
	a := arenas.For(0)

	const n = 200
	want := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("sym_%d", i)
		want[name] = true
		tab.InsertOrReplace(a, linkctx.ScopeDefined, &linkctx.Symbol{Name: name}, nil)
	}

	got := make(map[string]bool, n)
	tab.IterateScope(linkctx.ScopeDefined, func(s *linkctx.Symbol) {
		got[s.Name] = true
	})

	if len(got) != len(want) {
		t.Fatalf("expected %d distinct symbols, got %d", len(want), len(got))
	}
	for name := range want {
		if !got[name] {
			t.Fatalf("missing symbol %q from iteration", name)
		}
	}
}
