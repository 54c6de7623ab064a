// Package metrics is the "timer array" of spec.md design note §9 ("the
// error table, the timer array, and a single map-globals pointer... fold
// these into a Session value"): one named timer per pipeline phase,
// recorded with github.com/rcrowley/go-metrics the way syncthing's build
// records timing/counters rather than hand-rolling a time.Since map.
package metrics

import (
	"sort"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Phases is the fixed, process-wide timer registry threaded through the
// Session (design note §9: fold global state into a Session value).
type Phases struct {
	registry gometrics.Registry
}

// NewPhases creates an empty phase-timer registry.
func NewPhases() *Phases {
	return &Phases{registry: gometrics.NewRegistry()}
}

// Time runs fn and records its duration under name, creating the timer on
// first use. Safe for concurrent use across distinct names; go-metrics'
// Timer.Update is itself safe for concurrent use for a single name.
func (p *Phases) Time(name string, fn func()) {
	t := gometrics.GetOrRegisterTimer(name, p.registry)
	start := time.Now()
	fn()
	t.Update(time.Since(start))
}

// Record stores a pre-measured duration under name without running anything
// — used when the timed section can't be expressed as a single closure
// (e.g. it spans a workpool.ForEach call whose error must propagate).
func (p *Phases) Record(name string, d time.Duration) {
	t := gometrics.GetOrRegisterTimer(name, p.registry)
	t.Update(d)
}

// Summary is one phase's accumulated timing, for the build-summary log line.
type Summary struct {
	Name  string
	Count int64
	Total time.Duration
	Mean  time.Duration
}

// Summaries returns every recorded phase's timing, sorted by name.
func (p *Phases) Summaries() []Summary {
	var out []Summary
	p.registry.Each(func(name string, i any) {
		t, ok := i.(gometrics.Timer)
		if !ok {
			return
		}
		out = append(out, Summary{
			Name:  name,
			Count: t.Count(),
			Total: time.Duration(t.Sum()),
			Mean:  time.Duration(int64(t.Mean())),
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
