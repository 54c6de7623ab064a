// Package diag implements the process-wide error table of spec.md §7 and a
// thin structured-logging wrapper over log/slog, the pack's own logging
// idiom (syncthing ships internal/slogutil rather than pulling in zap or
// logrus). Diagnostics are built with github.com/pkg/errors so a fatal one
// carries a Go stack trace alongside its linker-level Kind.
package diag

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Kind enumerates the error/warning taxonomy of spec.md §7.
type Kind string

const (
	KindInvalidPath                  Kind = "invalid-path"
	KindMultiplyDefinedSymbol         Kind = "multiply-defined-symbol"
	KindUnresolvedSymbol              Kind = "unresolved-symbol"
	KindWeakCycle                     Kind = "weak-cycle"
	KindIncompatibleMachine           Kind = "incompatible-machine"
	KindRelocAgainstRemovedSection    Kind = "relocation-against-removed-section"
	KindIllegalRelocation             Kind = "illegal-relocation"
	KindLargeAddressAwareRequired     Kind = "large-address-aware-required"
	KindLoadRes                       Kind = "load-res"
	KindEntryPointMissing             Kind = "entry-point-missing"
	KindNoSubsystem                   Kind = "no-subsystem"
	KindCmdline                       Kind = "cmdline"
	KindMtToolFailure                 Kind = "mt-tool-failure"
	KindTypeIndexInvalid              Kind = "type-index-invalid"

	KindFileNotFound             Kind = "file-not-found"
	KindMultipleLibMatch         Kind = "multiple-lib-match"
	KindSectionFlagsConflict     Kind = "section-flags-conflict"
	KindUnresolvedComdatSelection Kind = "unresolved-comdat-selection"
	KindUnknownDirective         Kind = "unknown-directive"
	KindIllExport                Kind = "ill-export"
	KindTryingToExportEntryPoint Kind = "trying-to-export-entry-point"
	KindLongSectionName          Kind = "long-section-name"
	KindUnusedDelayLoadDLL       Kind = "unused-delay-load-dll"
	KindRelocOperandMismatch     Kind = "relocation-operand-mismatch"
)

// Mode says whether an error Kind halts the pipeline at the next
// check-and-exit point, or merely gets recorded.
type Mode int

const (
	Stop Mode = iota
	Continue
)

// defaultModes is the out-of-the-box mode table; /FORCE flips
// KindUnresolvedSymbol to Continue (see WithForce).
var defaultModes = map[Kind]Mode{
	KindInvalidPath:               Stop,
	KindMultiplyDefinedSymbol:     Stop,
	KindUnresolvedSymbol:          Stop,
	KindWeakCycle:                 Stop,
	KindIncompatibleMachine:       Stop,
	KindRelocAgainstRemovedSection: Stop,
	KindIllegalRelocation:         Stop,
	KindLargeAddressAwareRequired: Stop,
	KindLoadRes:                   Stop,
	KindEntryPointMissing:         Stop,
	KindNoSubsystem:               Stop,
	KindCmdline:                   Stop,
	KindMtToolFailure:             Stop,
	KindTypeIndexInvalid:          Stop,

	KindFileNotFound:              Continue,
	KindMultipleLibMatch:          Continue,
	KindSectionFlagsConflict:      Continue,
	KindUnresolvedComdatSelection: Continue,
	KindUnknownDirective:          Continue,
	KindIllExport:                 Continue,
	KindTryingToExportEntryPoint:  Continue,
	KindLongSectionName:           Continue,
	KindUnusedDelayLoadDLL:        Continue,
	KindRelocOperandMismatch:      Continue,
}

// Diagnostic is one entry recorded in the Table.
type Diagnostic struct {
	Kind    Kind
	Mode    Mode
	Message string
	Err     error // wrapped with github.com/pkg/errors; may carry a stack trace
}

func (d Diagnostic) Error() string {
	if d.Err != nil {
		return fmt.Sprintf("%s: %s: %v", d.Kind, d.Message, d.Err)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}

// Table is the process-wide error table of spec.md §7, folded (per design
// note §9) into an explicit value threaded through the Session rather than
// a package-level global.
type Table struct {
	mu    sync.Mutex
	modes map[Kind]Mode
	diags []Diagnostic
}

// NewTable returns a Table with the default mode assignment.
func NewTable() *Table {
	modes := make(map[Kind]Mode, len(defaultModes))
	for k, v := range defaultModes {
		modes[k] = v
	}
	return &Table{modes: modes}
}

// WithForce applies /FORCE[:UNRESOLVED] semantics: unresolved-symbol no
// longer halts the pipeline.
func (t *Table) WithForce() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modes[KindUnresolvedSymbol] = Continue
	return t
}

// Record appends a diagnostic. Safe for concurrent use: every §4 phase may
// record from any worker goroutine.
func (t *Table) Record(kind Kind, err error, format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mode, ok := t.modes[kind]
	if !ok {
		mode = Stop
	}
	t.diags = append(t.diags, Diagnostic{
		Kind:    kind,
		Mode:    mode,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	})
}

// Wrapf records a diagnostic whose Err carries a stack trace via
// github.com/pkg/errors, for the rare case a fatal diagnostic represents an
// internal invariant violation worth debugging with a trace.
func (t *Table) Wrapf(kind Kind, err error, format string, args ...any) {
	t.Record(kind, errors.WithStack(err), format, args...)
}

// HasFatal reports whether any recorded diagnostic's Mode is Stop — the
// condition the Input Driver's check-and-exit points test (spec.md §7,
// "end of ReportUnresolvedSymbols, end of lnk_run").
func (t *Table) HasFatal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.diags {
		if d.Mode == Stop {
			return true
		}
	}
	return false
}

// All returns a snapshot of every recorded diagnostic, in recording order.
func (t *Table) All() []Diagnostic {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Diagnostic, len(t.diags))
	copy(out, t.diags)
	return out
}

// Of returns every recorded diagnostic of a given Kind.
func (t *Table) Of(kind Kind) []Diagnostic {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Diagnostic
	for _, d := range t.diags {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// Logger is the package-wide structured logger, styled on the pack's own
// slog idiom (syncthing/internal/slogutil) rather than a third-party
// logging library: a leveled, attribute-bearing *slog.Logger, with an
// Expensive-style lazy wrapper for attributes costly to compute.
var Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetVerbose raises the logger to debug level, the analogue of the
// teacher's package-level VerboseMode flag.
func SetVerbose(v bool) {
	level := slog.LevelInfo
	if v {
		level = slog.LevelDebug
	}
	Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Expensive wraps a log value that's costly to compute (a symbol dump, a
// section table) so it's only materialized when the log line actually
// fires, mirroring syncthing/internal/slogutil.Expensive.
func Expensive(fn func() any) slog.LogValuer {
	return expensive{fn}
}

type expensive struct{ fn func() any }

func (e expensive) LogValue() slog.Value { return slog.AnyValue(e.fn()) }
