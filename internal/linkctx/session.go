package linkctx

import (
	"sync"

	"github.com/xyproto/ldpe/internal/config"
	"github.com/xyproto/ldpe/internal/diag"
	"github.com/xyproto/ldpe/internal/metrics"
	"github.com/xyproto/ldpe/internal/workpool"
)

// Session is the single value design note §9 asks for: "fold [the error
// table, the timer array, and a single map-globals pointer] into a Session
// value threaded through the pipeline." Everything stateful that isn't
// owned by one specific phase lives here.
type Session struct {
	Config config.Config
	Diags  *diag.Table
	Timers *metrics.Phases
	Pool   *workpool.Pool
	IDs    InputIdxAllocator

	mu    sync.Mutex
	objs  []*Obj
	libs  []*Lib
}

// New creates a Session from a Config and a worker-pool size (0 selects the
// CPU count, per spec.md §5).
func New(cfg config.Config, poolSize int) *Session {
	return &Session{
		Config: cfg,
		Diags:  diag.NewTable(),
		Timers: metrics.NewPhases(),
		Pool:   workpool.New(poolSize),
	}
}

// AddObj appends obj to the global, process-lifetime object list (spec.md
// §3 Lifecycle: "Objects and libraries are appended to global lists at
// ingest and live until process exit").
func (s *Session) AddObj(obj *Obj) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objs = append(s.objs, obj)
}

// AddLib appends lib to the global library list.
func (s *Session) AddLib(lib *Lib) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.libs = append(s.libs, lib)
}

// Objs returns a snapshot of every object ingested so far, in ingest order.
func (s *Session) Objs() []*Obj {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Obj, len(s.objs))
	copy(out, s.objs)
	return out
}

// Libs returns a snapshot of every library ingested so far.
func (s *Session) Libs() []*Lib {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Lib, len(s.libs))
	copy(out, s.libs)
	return out
}
