// Package rules expands a manifest target into the command graph that
// builds it, wiring in the toolchain's compiler/linker binaries and the
// per-compiler-family dependency scanning configuration of
// internal/depscan. It is a collaborator (spec.md §1 Non-goals keep rule
// semantics out of the core engine's scope) present so cmd/forge can
// build an end-to-end graph from a manifest file.
package rules

import (
	"fmt"
	"path/filepath"

	"github.com/forgebuild/forge/internal/command"
	"github.com/forgebuild/forge/internal/manifest"
	"github.com/forgebuild/forge/internal/toolchain"
)

// Known rule kinds. Unknown rules are a hard error from Expand.
const (
	CCLibrary = "cc_library"
	CCBinary  = "cc_binary"
)

// Expand walks target and everything it transitively depends on within m,
// returning every command.Command needed to build it rooted at binaryDir.
// Commands for a shared dependency are only produced once even if several
// targets depend on it.
func Expand(m *manifest.Manifest, targetName string, tc *toolchain.Toolchain, binaryDir string) ([]*command.Command, error) {
	target := m.ByName(targetName)
	if target == nil {
		return nil, fmt.Errorf("rules: no target named %q", targetName)
	}
	e := &expander{m: m, tc: tc, binaryDir: binaryDir, seen: make(map[string]bool)}
	if err := e.expand(target); err != nil {
		return nil, err
	}
	return e.cmds, nil
}

type expander struct {
	m         *manifest.Manifest
	tc        *toolchain.Toolchain
	binaryDir string

	seen map[string]bool
	cmds []*command.Command
}

func (e *expander) expand(t *manifest.Target) error {
	if e.seen[t.Name] {
		return nil
	}
	e.seen[t.Name] = true

	var depOutputs []string
	for _, depName := range t.Deps {
		dep := e.m.ByName(depName)
		if dep == nil {
			return fmt.Errorf("rules: target %q depends on unknown target %q", t.Name, depName)
		}
		if err := e.expand(dep); err != nil {
			return err
		}
		depOutputs = append(depOutputs, e.outputPath(dep))
	}

	var objs []string
	for _, src := range t.Srcs {
		obj := e.objectPath(t, src)
		e.cmds = append(e.cmds, e.compileCommand(src, obj))
		objs = append(objs, obj)
	}

	switch t.Rule {
	case CCLibrary:
		e.cmds = append(e.cmds, e.archiveCommand(t, objs))
	case CCBinary:
		e.cmds = append(e.cmds, e.linkCommand(t, objs, depOutputs))
	default:
		return fmt.Errorf("rules: target %q has unknown rule %q", t.Name, t.Rule)
	}
	return nil
}

func (e *expander) objectPath(t *manifest.Target, src string) string {
	return filepath.Join(e.binaryDir, "obj", t.Name, src+".o")
}

func (e *expander) outputPath(t *manifest.Target) string {
	return filepath.Join(e.binaryDir, t.Output)
}

// compileCommand builds one source file into an object file, tagging the
// command with the toolchain's dependency-scan Kind (spec.md §4.E) so the
// scheduler's post-completion hook knows which depscan parser to run.
func (e *expander) compileCommand(src, obj string) *command.Command {
	c := command.New(fmt.Sprintf("cc %s", src), e.tc.CC, "-c", src, "-o", obj)
	c.Inputs = []string{src}
	c.Outputs = []string{obj}
	c.Kind = e.tc.Kind
	// Both streams are captured rather than inherited so a failing compile
	// leaves forgeerr a diagnostic snippet (spec.md §7) instead of only
	// printing to the terminal and vanishing once the build moves on.
	c.StdoutDisposition = command.CaptureBuffer
	c.StderrDisposition = command.CaptureBuffer

	switch e.tc.Kind {
	case command.GCCClang:
		depfile := obj + ".d"
		c.Arguments = append(c.Arguments, "-MMD", "-MF", depfile)
		c.DepfilePath = depfile
	case command.MSVCCl:
		// /showIncludes is added by the scheduler immediately before
		// spawning an MSVCCl command and stripped again afterward
		// (internal/depscan.AddShowIncludes/RemoveShowIncludes), since
		// the flag must not be part of the command's cache fingerprint.
		// Capturing stdout above is also what lets the scheduler filter
		// the discovered include lines back out of it after completion.
	}
	return c
}

func (e *expander) archiveCommand(t *manifest.Target, objs []string) *command.Command {
	out := e.outputPath(t)
	args := append([]string{"ar", "rcs", out}, objs...)
	c := command.New(fmt.Sprintf("ar %s", t.Name), args...)
	c.Inputs = append([]string(nil), objs...)
	c.Outputs = []string{out}
	c.StdoutDisposition = command.CaptureBuffer
	c.StderrDisposition = command.CaptureBuffer
	return c
}

func (e *expander) linkCommand(t *manifest.Target, objs, depOutputs []string) *command.Command {
	out := e.outputPath(t)
	inputs := append(append([]string(nil), objs...), depOutputs...)
	args := append(append([]string{e.tc.LD}, objs...), depOutputs...)
	args = append(args, "-o", out)
	c := command.New(fmt.Sprintf("ld %s", t.Name), args...)
	c.Inputs = inputs
	c.Outputs = []string{out}
	c.StdoutDisposition = command.CaptureBuffer
	c.StderrDisposition = command.CaptureBuffer
	return c
}
