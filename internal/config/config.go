// Package config holds the Config value the (out-of-scope) command-line
// parser produces (spec.md §1: "Command-line parsing & configuration
// loading (produces a Config value)" is an external collaborator). This
// package supplies the Config shape every core component reads, plus the
// two bits of parsing that are genuinely in-core-scope because they happen
// mid-pipeline rather than at startup: response-file (@file) expansion and
// obj-embedded .drectve directive application (spec.md §6).
//
// Both use github.com/kballard/go-shellquote for Windows-link-compatible
// argument splitting: MSVC link.exe's directive and response-file grammar
// honors quoting and escaping that strings.Fields gets wrong.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	shellwords "github.com/kballard/go-shellquote"
)

// Subsystem is the PE optional header's Subsystem field.
type Subsystem uint16

const (
	SubsystemUnknown Subsystem = 0
	SubsystemNative  Subsystem = 1
	SubsystemWindowsGUI Subsystem = 2
	SubsystemWindowsCUI Subsystem = 3
)

// GuardFlag is one /GUARD: bit (CF, EHCONT, LONGJMP).
type GuardFlag uint32

const (
	GuardCF      GuardFlag = 1 << 0
	GuardEHCont  GuardFlag = 1 << 1
	GuardLongJmp GuardFlag = 1 << 2
)

// Config is every core-affecting piece of command-line/drectve state,
// spec.md §6's "core-affecting flags" table made concrete.
type Config struct {
	Subsystem        Subsystem
	SubsystemSet     bool
	EntryName        string
	Machine          uint16 // object.Machine, kept untyped here to avoid an import cycle with objio's Machine inference
	SectionAlignment uint32
	FileAlignment    uint32
	ImageBase        uint64
	StackReserve     uint64
	StackCommit      uint64
	HeapReserve      uint64
	HeapCommit       uint64

	Merge           map[string]string // /MERGE:A=B, source -> dest
	Includes        []string          // /INCLUDE:sym
	AlternateNames  map[string]string // /ALTERNATENAME:from=to
	DefaultLibs     []string
	DisallowLibs    map[string]bool
	DelayLoadDLLs   []string
	Exports         []string
	LibraryDirs     []string

	OptRef            bool // /OPT:REF enables the dead-code GC
	Fixed             bool // /FIXED suppresses base relocations
	LargeAddressAware bool
	Debug             bool
	Guard             GuardFlag
	DLL               bool
	Force             bool
	ForceUnresolved   bool
	Manifest          bool
	Release           bool // write the PE checksum
	FunctionPadMin    uint32

	Out string
}

// Default returns a Config with link.exe-compatible defaults: 64KB section
// alignment rounding rules aside, /ALIGN defaults to 4KB and /FILEALIGN to
// 512 bytes, matching spec.md's concrete scenario 1.
func Default() Config {
	return Config{
		SectionAlignment: 0x1000,
		FileAlignment:    0x200,
		ImageBase:        0x140000000,
		StackReserve:     0x100000,
		StackCommit:      0x1000,
		HeapReserve:      0x100000,
		HeapCommit:       0x1000,
		Merge:            map[string]string{},
		AlternateNames:   map[string]string{},
		DisallowLibs:     map[string]bool{},
	}
}

// ExpandResponseFiles recursively expands @file arguments in args, the way
// link.exe does before its own parser ever sees them (spec.md §6:
// "Response files (@file) expand before parse").
func ExpandResponseFiles(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		if !strings.HasPrefix(a, "@") {
			out = append(out, a)
			continue
		}
		path := a[1:]
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("response file %q: %w", path, err)
		}
		words, err := shellwords.Split(string(data))
		if err != nil {
			return nil, fmt.Errorf("response file %q: %w", path, err)
		}
		expanded, err := ExpandResponseFiles(words)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}

// Directive is one recognized /FLAG[:value] token from a .drectve section
// or the command line.
type Directive struct {
	Name  string // upper-cased, without leading '/'
	Value string // text after ':' if any
}

// ParseDirectiveLine tokenizes one .drectve section's contents (a
// space-separated, possibly-quoted run of /FLAG tokens) per spec.md §6
// "Obj-embedded directives. Same grammar as the command line, extracted
// from .drectve section contents."
func ParseDirectiveLine(line string) ([]Directive, error) {
	words, err := shellwords.Split(line)
	if err != nil {
		return nil, fmt.Errorf("malformed directive line: %w", err)
	}
	out := make([]Directive, 0, len(words))
	for _, w := range words {
		if !strings.HasPrefix(w, "/") && !strings.HasPrefix(w, "-") {
			continue
		}
		body := w[1:]
		name, value, _ := strings.Cut(body, ":")
		out = append(out, Directive{Name: strings.ToUpper(name), Value: value})
	}
	return out, nil
}

// Apply mutates cfg according to one recognized directive. Unknown
// directives are the caller's responsibility to diagnose (KindUnknownDirective)
// — Apply returns false for those so the caller can decide severity.
func (cfg *Config) Apply(d Directive) bool {
	switch d.Name {
	case "MERGE":
		src, dst, ok := strings.Cut(d.Value, "=")
		if !ok {
			return false
		}
		cfg.Merge[src] = dst
	case "INCLUDE":
		cfg.Includes = append(cfg.Includes, d.Value)
	case "ALTERNATENAME":
		from, to, ok := strings.Cut(d.Value, "=")
		if !ok {
			return false
		}
		cfg.AlternateNames[from] = to
	case "DEFAULTLIB":
		cfg.DefaultLibs = append(cfg.DefaultLibs, d.Value)
	case "DISALLOWLIB":
		cfg.DisallowLibs[strings.ToLower(d.Value)] = true
	case "DELAYLOAD":
		cfg.DelayLoadDLLs = append(cfg.DelayLoadDLLs, d.Value)
	case "EXPORT":
		cfg.Exports = append(cfg.Exports, d.Value)
	case "ENTRY":
		cfg.EntryName = d.Value
	case "SUBSYSTEM":
		name, _, _ := strings.Cut(d.Value, ",")
		switch strings.ToUpper(name) {
		case "CONSOLE":
			cfg.Subsystem = SubsystemWindowsCUI
		case "WINDOWS":
			cfg.Subsystem = SubsystemWindowsGUI
		case "NATIVE":
			cfg.Subsystem = SubsystemNative
		default:
			return false
		}
		cfg.SubsystemSet = true
	case "MANIFESTDEPENDENCY", "MANIFEST":
		cfg.Manifest = true
	case "FUNCTIONPADMIN":
		if d.Value == "" {
			cfg.FunctionPadMin = 5
			return true
		}
		n, err := strconv.ParseUint(d.Value, 0, 32)
		if err != nil {
			return false
		}
		cfg.FunctionPadMin = uint32(n)
	default:
		return false
	}
	return true
}
