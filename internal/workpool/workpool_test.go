package workpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestForEachRunsEveryItem(t *testing.T) {
	p := New(4)
	var count int32
	if err := p.ForEach(10, func(i int) error {
		atomic.AddInt32(&count, 1)
		return nil
	}); err != nil {
		t.Fatalf("ForEach returned error: %v", err)
	}
	if count != 10 {
		t.Fatalf("expected 10 items processed, got %d", count)
	}
}

func TestForEachPropagatesFirstError(t *testing.T) {
	p := New(2)
	boom := errors.New("boom")
	err := p.ForEach(5, func(i int) error {
		if i == 3 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected ForEach to propagate the item error, got %v", err)
	}
}

func TestForEachWorkerPartitionsContiguousRanges(t *testing.T) {
	p := New(3)
	var seen [9]int32
	err := p.ForEachWorker(9, func(_ int, lo, hi int) error {
		for i := lo; i < hi; i++ {
			atomic.AddInt32(&seen[i], 1)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachWorker returned error: %v", err)
	}
	for i, v := range seen {
		if v != 1 {
			t.Fatalf("index %d visited %d times, want exactly 1", i, v)
		}
	}
}

func TestForEachWorkerHandlesFewerItemsThanWorkers(t *testing.T) {
	p := New(8)
	var calls int32
	err := p.ForEachWorker(2, func(_ int, lo, hi int) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachWorker returned error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one worker range per item when count < workers, got %d calls", calls)
	}
}

func TestForEachCtxReturnsFirstError(t *testing.T) {
	p := New(4)
	boom := errors.New("boom")
	err := ForEachCtx(context.Background(), p, 20, func(ctx context.Context, i int) error {
		if i == 7 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected ForEachCtx to propagate the item error, got %v", err)
	}
}

func TestForEachCtxCancelsContextOnFirstError(t *testing.T) {
	// A single worker serializes execution, so once item 0 errors the
	// shared context must already be Done by the time item 1 runs.
	p := New(1)
	boom := errors.New("boom")
	var sawCancellation bool
	ForEachCtx(context.Background(), p, 2, func(ctx context.Context, i int) error {
		if i == 0 {
			return boom
		}
		sawCancellation = ctx.Err() != nil
		return nil
	})
	if !sawCancellation {
		t.Fatalf("expected the shared context to be cancelled once an earlier item errored")
	}
}
