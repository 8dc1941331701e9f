// Package depscan implements the compiler-output dependency parsers of
// spec.md §4.E: MSVC's /showIncludes stdout filter and GCC/Clang's .d
// makefile-fragment reader. Both run after a command completes and feed
// discovered header paths into command.Command.ImplicitInputs.
package depscan

import (
	"fmt"
	"strings"

	"github.com/forgebuild/forge/internal/command"
)

// msvcShowIncludesFlag is appended to an MSVCCl command's argument vector
// before it runs and stripped again afterward, per spec.md §4.E.
const msvcShowIncludesFlag = "/showIncludes"

// MSVCPrefixer resolves and caches the localized "Note: including file:"
// prefix cl.exe prints ahead of every discovered include path. The prefix
// varies by compiler locale, so it is determined once per compiler by
// compiling a synthetic translation unit and is then reused for every
// subsequent invocation of that same compiler.
type MSVCPrefixer struct {
	mu      chan struct{} // 1-buffered mutex, zero value is unusable; use NewMSVCPrefixer
	prefix  map[string]string
	baseDir string // "<binary_dir>/db", or "" to fall back to system temp
}

// NewMSVCPrefixer returns a ready-to-use prefix cache. baseDir should be the
// cache store's DBRoot() so the probe's scratch files live under the
// build's own directory rather than the system temp directory (spec.md §9);
// pass "" when no cache store is attached to this build.
func NewMSVCPrefixer(baseDir string) *MSVCPrefixer {
	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	return &MSVCPrefixer{mu: mu, prefix: make(map[string]string), baseDir: baseDir}
}

// Prefix returns the cached /showIncludes prefix for compilerPath, probing
// it with probe if this is the first time compilerPath is seen. probe
// receives the path to a synthetic translation unit (containing only
// #include "sw_msvc_prefix.h") and must return cl.exe's raw stdout for
// compiling it with /showIncludes.
func (p *MSVCPrefixer) Prefix(compilerPath string, probe func(tuPath string) (string, error)) (string, error) {
	<-p.mu
	defer func() { p.mu <- struct{}{} }()

	if prefix, ok := p.prefix[compilerPath]; ok {
		return prefix, nil
	}

	tuDir, err := probeSourceDir(p.baseDir)
	if err != nil {
		return "", err
	}
	tuPath, _, err := writeProbeSources(tuDir)
	if err != nil {
		return "", err
	}

	out, err := probe(tuPath)
	if err != nil {
		return "", fmt.Errorf("depscan: msvc prefix probe: %w", err)
	}

	prefix, err := extractPrefix(out)
	if err != nil {
		return "", err
	}
	p.prefix[compilerPath] = prefix
	return prefix, nil
}

// extractPrefix finds the line in a /showIncludes probe compile that names
// sw_msvc_prefix.h and returns everything before the path itself, which is
// the compiler's localized "Note: including file:" string plus whatever
// leading whitespace it uses.
func extractPrefix(probeOutput string) (string, error) {
	for _, line := range strings.Split(probeOutput, "\n") {
		line = strings.TrimRight(line, "\r")
		idx := strings.Index(line, "sw_msvc_prefix.h")
		if idx == -1 {
			continue
		}
		// Drop the directory part of the path: a Windows path holds a colon
		// only as a drive separator, never followed by a space, so the last
		// ": " before the file name ends the localized note string.
		prefix := line[:idx]
		if i := strings.LastIndex(prefix, ": "); i >= 0 {
			j := i + 1
			for j < len(prefix) && prefix[j] == ' ' {
				j++
			}
			prefix = prefix[:j]
		}
		return prefix, nil
	}
	return "", fmt.Errorf("depscan: msvc prefix probe produced no recognizable include line")
}

// AddShowIncludes appends /showIncludes to c's argument vector. Call
// RemoveShowIncludes after the command completes to restore it.
func AddShowIncludes(c *command.Command) {
	c.Arguments = append(c.Arguments, msvcShowIncludesFlag)
}

// RemoveShowIncludes removes the single /showIncludes token AddShowIncludes
// inserted.
func RemoveShowIncludes(c *command.Command) {
	for i, a := range c.Arguments {
		if a == msvcShowIncludesFlag {
			c.Arguments = append(c.Arguments[:i], c.Arguments[i+1:]...)
			return
		}
	}
}

// FilterShowIncludes splits cl.exe's captured stdout into (implicit input
// paths, remaining user-visible text), per spec.md §4.E: the first line
// (echoing the source filename) is dropped, lines starting with prefix
// contribute their trailing path to the first return value, and every
// other line is forwarded to the second.
func FilterShowIncludes(stdout, prefix string) (includes []string, visible string) {
	lines := strings.Split(stdout, "\n")
	var kept []string
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if i == 0 {
			continue // echoed source filename
		}
		if strings.HasPrefix(trimmed, prefix) {
			path := strings.TrimSpace(trimmed[len(prefix):])
			if path != "" {
				includes = append(includes, path)
			}
			continue
		}
		kept = append(kept, line)
	}
	return includes, strings.Join(kept, "\n")
}

// ApplyShowIncludes runs FilterShowIncludes over c's captured stdout,
// storing discovered headers in c.ImplicitInputs and replacing the
// captured stdout with the filtered, user-visible text.
func ApplyShowIncludes(c *command.Command, prefix string) {
	includes, visible := FilterShowIncludes(string(c.Stdout()), prefix)
	c.ImplicitInputs = append(c.ImplicitInputs, includes...)
	c.SetStdoutCapture([]byte(visible))
}
