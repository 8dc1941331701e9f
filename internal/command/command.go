// Package command defines the unit of work scheduled by forge: a single
// process invocation together with the declared and discovered file sets
// that make it eligible for incremental caching.
package command

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes the compiler families whose output needs
// post-processing to discover implicit header dependencies.
type Kind int

const (
	// Generic commands have no implicit-input discovery.
	Generic Kind = iota
	// MSVCCl marks a cl.exe invocation; its stdout is filtered for
	// /showIncludes lines.
	MSVCCl
	// GCCClang marks a gcc/clang invocation that writes a .d makefile
	// fragment via -MMD -MF.
	GCCClang
)

func (k Kind) String() string {
	switch k {
	case MSVCCl:
		return "msvc-cl"
	case GCCClang:
		return "gcc-clang"
	default:
		return "generic"
	}
}

// Disposition describes what a command does with one of its standard
// streams.
type Disposition int

const (
	// Inherit connects the stream to the parent's own stdio.
	Inherit Disposition = iota
	// CaptureBuffer accumulates the stream into an in-memory buffer,
	// available after the command completes via Command.Text().
	CaptureBuffer
	// LineCallback invokes a callback once per complete line.
	LineCallback
	// RedirectFile writes the stream to a named file.
	RedirectFile
)

// NoExitCode is the sentinel exit code of a command that has not completed.
const NoExitCode = -1

// Command is a single process invocation plus its declared and discovered
// file sets. The zero value is not usable; construct with New.
type Command struct {
	// Name is a short human-readable label used in progress output and
	// error messages (e.g. "cc a.c -o a.o"). It does not have to be
	// unique, but usually is.
	Name string

	// Arguments is the ordered argument vector, Arguments[0] is the
	// program to execute.
	Arguments []string

	// WorkingDirectory is the cwd the process is spawned in. Empty means
	// inherit the forge process's own cwd.
	WorkingDirectory string

	// Environment holds the child's environment as "key=value" pairs;
	// when non-empty it replaces the parent's environment entirely. If
	// empty, the child inherits the parent's environment unmodified.
	Environment []string

	StdoutDisposition Disposition
	StderrDisposition Disposition
	// RedirectPath is used when the corresponding disposition is
	// RedirectFile.
	StdoutPath string
	StderrPath string
	// LineCallback is used when the corresponding disposition is
	// LineCallback.
	StdoutLineCallback func(line string)
	StderrLineCallback func(line string)

	// Inputs are paths the command declares it will read.
	Inputs []string
	// Outputs are paths the command declares it will produce. Each
	// output must be produced by exactly one command across a graph
	// (enforced by internal/graph).
	Outputs []string
	// ImplicitInputs are paths discovered during or after execution
	// (e.g. headers pulled in via #include). Populated by
	// internal/depscan post-processing.
	ImplicitInputs []string

	// AlwaysRun bypasses the cache: the command runs on every build
	// regardless of the oracle's verdict.
	AlwaysRun bool

	// Kind selects which compiler-output parser, if any, runs after
	// this command completes.
	Kind Kind
	// DepfilePath is the .d file path associated with a GCCClang
	// command. Required when Kind == GCCClang.
	DepfilePath string

	// ExitCode is NoExitCode until the command completes.
	ExitCode int
	// Start and End bracket the spawn and reap of the process, using the
	// wall-clock system clock (see internal/cache for why this matters
	// to the staleness oracle).
	Start, End time.Time

	// capturedStdout, capturedStderr hold CaptureBuffer output.
	capturedStdout []byte
	capturedStderr []byte
	// errText holds a synthetic error message for commands that never
	// spawned (e.g. the OS refused to create the process) or that
	// failed inside a post-processing parser.
	errText string
}

// New returns a Command with ExitCode initialized to the not-yet-run
// sentinel.
func New(name string, args ...string) *Command {
	return &Command{
		Name:      name,
		Arguments: args,
		ExitCode:  NoExitCode,
	}
}

// AddArgs appends one or more argument tokens to the command line.
func (c *Command) AddArgs(args ...string) *Command {
	c.Arguments = append(c.Arguments, args...)
	return c
}

// AddInputs declares additional input paths.
func (c *Command) AddInputs(paths ...string) *Command {
	c.Inputs = append(c.Inputs, paths...)
	return c
}

// AddOutput declares paths as outputs without touching the argument
// vector; the "> path" shell-redirection sugar is Redirect's job.
func (c *Command) AddOutput(paths ...string) *Command {
	c.Outputs = append(c.Outputs, paths...)
	return c
}

// Redirect both appends ">" and path as argument tokens and declares path as
// an output, mirroring the "> path" shorthand from spec.md §4.B.
func (c *Command) Redirect(path string) *Command {
	c.Arguments = append(c.Arguments, ">", path)
	c.Outputs = append(c.Outputs, path)
	return c
}

// HasRun reports whether the command has completed (successfully or not).
func (c *Command) HasRun() bool {
	return c.ExitCode != NoExitCode
}

// Success reports whether the command completed with exit code zero.
func (c *Command) Success() bool {
	return c.ExitCode == 0
}

// SetStdoutCapture records b as the command's captured stdout, called by the
// executor when StdoutDisposition is CaptureBuffer.
func (c *Command) SetStdoutCapture(b []byte) { c.capturedStdout = b }

// SetStderrCapture records b as the command's captured stderr.
func (c *Command) SetStderrCapture(b []byte) { c.capturedStderr = b }

// Stdout returns the captured stdout buffer, if any.
func (c *Command) Stdout() []byte { return c.capturedStdout }

// Stderr returns the captured stderr buffer, if any.
func (c *Command) Stderr() []byte { return c.capturedStderr }

// SetErrorText records a synthetic error message for a command that could
// not be spawned, or whose output parser failed.
func (c *Command) SetErrorText(msg string) { c.errText = msg }

// ErrorText returns the best available diagnostic text for a failed
// command: stderr if captured, else stdout, else the synthetic error
// message, per spec.md §7.
func (c *Command) ErrorText() string {
	if len(c.capturedStderr) > 0 {
		return string(c.capturedStderr)
	}
	if len(c.capturedStdout) > 0 {
		return string(c.capturedStdout)
	}
	return c.errText
}

// String renders the command as a human-readable, shell-quoted command
// line: tokens containing whitespace are wrapped in double quotes.
func (c *Command) String() string {
	var sb strings.Builder
	for i, a := range c.Arguments {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if strings.ContainsAny(a, " \t\n") {
			fmt.Fprintf(&sb, "%q", a)
		} else {
			sb.WriteString(a)
		}
	}
	return sb.String()
}

// Validate checks the invariant from spec.md §3: declared inputs and
// outputs are disjoint, and implicit inputs never overlap outputs.
func (c *Command) Validate() error {
	outputs := make(map[string]bool, len(c.Outputs))
	for _, o := range c.Outputs {
		outputs[o] = true
	}
	for _, in := range c.Inputs {
		if outputs[in] {
			return fmt.Errorf("command %q: input %q is also an output", c.Name, in)
		}
	}
	for _, in := range c.ImplicitInputs {
		if outputs[in] {
			return fmt.Errorf("command %q: implicit input %q is also an output", c.Name, in)
		}
	}
	return nil
}
