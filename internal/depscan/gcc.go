package depscan

import (
	"fmt"
	"strings"

	"github.com/forgebuild/forge/internal/command"
	"golang.org/x/exp/mmap"
)

// ParseDepfile memory-maps path and parses it as a makefile fragment of
// the shape "target: dep1 dep2 \<newline>    dep3 ...", per spec.md §4.E.
// Backslash-newline joins lines, backslash-space escapes a literal space
// within a path, and unescaped whitespace otherwise separates tokens. The
// first token (the target) is discarded.
func ParseDepfile(path string) ([]string, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("depscan: opening depfile %s: %w", path, err)
	}
	defer r.Close()

	buf := make([]byte, r.Len())
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("depscan: reading depfile %s: %w", path, err)
	}
	return parseDepfileBytes(buf), nil
}

// parseDepfileBytes tokenizes a .d fragment's bytes per the grammar
// documented on ParseDepfile, dropping the leading target token.
func parseDepfileBytes(b []byte) []string {
	var tokens []string
	var cur []byte
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = nil
		}
	}

	for i := 0; i < len(b); i++ {
		c := b[i]
		switch {
		case c == '\\' && i+1 < len(b) && b[i+1] == '\n':
			i++ // line continuation: join, contributes no token separator
		case c == '\\' && i+1 < len(b) && b[i+1] == ' ':
			cur = append(cur, ' ')
			i++
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			flush()
		default:
			cur = append(cur, c)
		}
	}
	flush()

	if len(tokens) == 0 {
		return nil
	}
	// tokens[0] is "target:" (or "target:" merged with the first dep if
	// the fragment has no space after the colon); strip a trailing colon
	// from it, and if anything remains treat it as a path.
	var out []string
	first := tokens[0]
	if n := len(first); n > 0 && first[n-1] == ':' {
		first = first[:n-1]
	} else if idx := strings.IndexByte(first, ':'); idx >= 0 {
		// "target:dep" with no space: keep the remainder as a dependency.
		if rest := first[idx+1:]; rest != "" {
			out = append(out, rest)
		}
	}
	out = append(out, tokens[1:]...)
	return out
}

// ApplyDepfile parses c.DepfilePath and appends the discovered paths to
// c.ImplicitInputs. A parse failure is fatal to the command, per
// spec.md §4.E "Parser failures are fatal to the command".
func ApplyDepfile(c *command.Command) error {
	if c.DepfilePath == "" {
		return fmt.Errorf("depscan: command %q has Kind GCCClang but no DepfilePath", c.Name)
	}
	deps, err := ParseDepfile(c.DepfilePath)
	if err != nil {
		return err
	}
	c.ImplicitInputs = append(c.ImplicitInputs, deps...)
	return nil
}
