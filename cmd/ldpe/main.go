// Command ldpe is the link.exe-compatible command-line front end: it
// expands response files, turns /FLAG[:value] tokens and .obj/.lib
// pathnames into a config.Config and an input list, then hands both to
// internal/linker.Run. A single linear happy path with a verbose toggle,
// generalized from Go-style "-flag value" tokens to link.exe's
// "/FLAG:value" grammar, since that's the wire format Config actually
// needs.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xyproto/ldpe/internal/config"
	"github.com/xyproto/ldpe/internal/diag"
	"github.com/xyproto/ldpe/internal/linker"
	"github.com/xyproto/ldpe/internal/object"
	"github.com/xyproto/ldpe/internal/workpool"
)

const usage = `usage: ldpe [/OUT:file] [/SUBSYSTEM:CONSOLE|WINDOWS] [/ENTRY:name]
             [/ALIGN:n] [/FILEALIGN:n] [/BASE:n] [/STACK:reserve[,commit]]
             [/HEAP:reserve[,commit]] [/LARGEADDRESSAWARE[:NO]] [/FIXED]
             [/OPT:REF|NOREF] [/DLL] [/RELEASE] [/VERBOSE] [/MAP[:file]]
             [/MERGE:from=to] [/INCLUDE:sym] [/ALTERNATENAME:from=to]
             [/DEFAULTLIB:name] [/DISALLOWLIB:name] [/DELAYLOAD:dll]
             [@responsefile] file.obj | file.lib ...
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(rawArgs []string) error {
	args, err := config.ExpandResponseFiles(rawArgs)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("no inputs")
	}

	cfg := config.Default()
	diags := diag.NewTable()
	verbose := false

	var objPaths, libPaths []string
	for _, a := range args {
		if !strings.HasPrefix(a, "/") && !strings.HasPrefix(a, "-") {
			if strings.HasSuffix(strings.ToLower(a), ".lib") {
				libPaths = append(libPaths, a)
			} else {
				objPaths = append(objPaths, a)
			}
			continue
		}
		name, value, _ := strings.Cut(a[1:], ":")
		upper := strings.ToUpper(name)
		if applyTopLevelFlag(&cfg, &verbose, upper, value) {
			continue
		}
		if !cfg.Apply(config.Directive{Name: upper, Value: value}) {
			diags.Record(diag.KindUnknownDirective, nil, "unrecognized flag /%s", name)
		}
	}

	if cfg.Out == "" {
		return fmt.Errorf("no /OUT: path specified")
	}
	if len(objPaths) == 0 && len(libPaths) == 0 {
		return fmt.Errorf("no object or library inputs")
	}

	diag.SetVerbose(verbose)
	if cfg.Force {
		diags.WithForce()
	}
	pool := workpool.New(0) // 0: let workpool size itself off runtime.NumCPU()

	objs := make([]linker.ObjInput, 0, len(objPaths))
	for _, p := range objPaths {
		objs = append(objs, linker.ObjInput{Path: p})
	}
	libs := make([]linker.LibInput, 0, len(libPaths))
	for _, p := range libPaths {
		libs = append(libs, linker.LibInput{Path: p})
	}

	res, err := linker.Run(&cfg, diags, pool, os.ReadFile, objs, libs)
	if err != nil {
		return err
	}

	for _, d := range diags.All() {
		level := "warning"
		if d.Mode == diag.Stop {
			level = "error"
		}
		diag.Logger.Info(d.Message, "level", level, "kind", d.Kind)
	}
	if diags.HasFatal() {
		return fmt.Errorf("link failed")
	}

	if err := os.WriteFile(cfg.Out, res.Image, 0o755); err != nil {
		return fmt.Errorf("writing %s: %w", cfg.Out, err)
	}
	if verbose {
		for _, s := range res.Metrics {
			diag.Logger.Debug("phase timing", "phase", s.Name, "total", s.Total, "count", s.Count)
		}
	}
	return nil
}

// applyTopLevelFlag handles the command-line-only flags config.Apply
// doesn't cover (it's shared with .drectve application, where these
// don't apply): output path, section/file alignment, image base, stack
// and heap reservations, machine selection, and the link-level toggles
// (/FIXED, /OPT, /LARGEADDRESSAWARE, /DLL, /RELEASE, /DEBUG, /VERBOSE).
// Reports true if name was recognized, regardless of whether value parsed
// cleanly (a malformed value is still a recognized flag, just a bad one).
func applyTopLevelFlag(cfg *config.Config, verbose *bool, name, value string) bool {
	switch name {
	case "OUT":
		cfg.Out = value
	case "ALIGN":
		if n, err := strconv.ParseUint(value, 0, 32); err == nil {
			cfg.SectionAlignment = uint32(n)
		}
	case "FILEALIGN":
		if n, err := strconv.ParseUint(value, 0, 32); err == nil {
			cfg.FileAlignment = uint32(n)
		}
	case "BASE":
		if n, err := strconv.ParseUint(value, 0, 64); err == nil {
			cfg.ImageBase = n
		}
	case "STACK":
		cfg.StackReserve, cfg.StackCommit = parsePair(value, cfg.StackReserve, cfg.StackCommit)
	case "HEAP":
		cfg.HeapReserve, cfg.HeapCommit = parsePair(value, cfg.HeapReserve, cfg.HeapCommit)
	case "MACHINE":
		switch strings.ToUpper(value) {
		case "X64":
			cfg.Machine = uint16(object.MachineAMD64)
		case "ARM64":
			cfg.Machine = uint16(object.MachineARM64)
		}
	case "LARGEADDRESSAWARE":
		cfg.LargeAddressAware = !strings.EqualFold(value, "NO")
	case "FIXED":
		cfg.Fixed = true
	case "OPT":
		switch strings.ToUpper(value) {
		case "REF":
			cfg.OptRef = true
		case "NOREF":
			cfg.OptRef = false
		}
	case "DEBUG":
		cfg.Debug = true
	case "GUARD":
		for _, part := range strings.Split(value, ",") {
			switch strings.ToUpper(strings.TrimSpace(part)) {
			case "CF":
				cfg.Guard |= config.GuardCF
			case "EHCONT":
				cfg.Guard |= config.GuardEHCont
			case "LONGJMP":
				cfg.Guard |= config.GuardLongJmp
			}
		}
	case "DLL":
		cfg.DLL = true
	case "FORCE":
		cfg.Force = true
		cfg.ForceUnresolved = strings.EqualFold(value, "UNRESOLVED")
	case "RELEASE":
		cfg.Release = true
	case "VERBOSE":
		*verbose = true
	case "MAP":
		// Accepted for compatibility; Result.Map already carries the data
		// a caller would render to this path. Rendering it to disk is left
		// to a future pass once a map-file format is settled (DESIGN.md).
	case "LIBPATH":
		cfg.LibraryDirs = append(cfg.LibraryDirs, value)
	default:
		return false
	}
	return true
}

func parsePair(value string, defReserve, defCommit uint64) (reserve, commit uint64) {
	reserve, commit = defReserve, defCommit
	before, after, hasComma := strings.Cut(value, ",")
	if n, err := strconv.ParseUint(before, 0, 64); err == nil {
		reserve = n
	}
	if hasComma {
		if n, err := strconv.ParseUint(after, 0, 64); err == nil {
			commit = n
		}
	}
	return reserve, commit
}
