// Package forgeerr aggregates the per-command failures a build
// accumulates into a single error, per spec.md §4.G "the scheduler raises
// an aggregated error containing each command's name and captured output,
// plus a count."
package forgeerr

import (
	"fmt"
	"strings"

	"github.com/forgebuild/forge/internal/command"
)

// BuildError aggregates every command that failed during a build. It
// implements Unwrap() []error so errors.Is/As can still reach an
// individual command's failure through errors.Join semantics.
type BuildError struct {
	Commands []*command.Command
}

// New returns a BuildError for cmds, or nil if cmds is empty (callers
// should still guard with len(cmds) > 0 before constructing one, since a
// non-nil *BuildError wrapped in the error interface is never == nil).
func New(cmds []*command.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	return &BuildError{Commands: append([]*command.Command(nil), cmds...)}
}

func (e *BuildError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d command(s) failed:\n", len(e.Commands))
	for _, c := range e.Commands {
		fmt.Fprintf(&b, "  %s (exit %d)\n", c.Name, c.ExitCode)
		if text := strings.TrimSpace(c.ErrorText()); text != "" {
			for _, line := range strings.Split(text, "\n") {
				fmt.Fprintf(&b, "    %s\n", line)
			}
		}
	}
	return b.String()
}

// Unwrap exposes each failed command as a distinct error so callers using
// errors.Is/errors.As against a sentinel per-command error type can still
// find it inside the aggregate.
func (e *BuildError) Unwrap() []error {
	errs := make([]error, len(e.Commands))
	for i, c := range e.Commands {
		errs[i] = commandError{c}
	}
	return errs
}

// commandError adapts a single failed *command.Command to the error
// interface for Unwrap() []error.
type commandError struct {
	c *command.Command
}

func (e commandError) Error() string {
	return fmt.Sprintf("%s: exit %d: %s", e.c.Name, e.c.ExitCode, e.c.ErrorText())
}
