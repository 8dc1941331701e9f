// Package manifest reads the target/rule DSL a forge build is driven from.
// It is a collaborator (spec.md §1 Non-goals keep the build description
// format unspecified), kept deliberately small: one target block names a
// rule, its source files, its dependencies on other targets, and the file
// it produces. internal/rules turns a parsed Manifest into a command graph.
package manifest

import (
	"fmt"
	"os"
)

// Target is one buildable unit: apply Rule to Srcs (and the outputs of
// every target in Deps) to produce Output.
type Target struct {
	Name   string
	Rule   string
	Srcs   []string
	Deps   []string
	Output string
}

// Manifest is an ordered set of targets, in declaration order.
type Manifest struct {
	Targets []*Target
}

// ByName returns the target named name, or nil.
func (m *Manifest) ByName(name string) *Target {
	for _, t := range m.Targets {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// ReadFile reads and parses a manifest from path.
func ReadFile(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return Parse(string(b))
}

// Parse parses the textual target DSL described in the package doc.
//
// The grammar is deliberately small and is implemented as a hand-written
// scanner rather than generated from a schema (there is no protoc
// available to regenerate descriptor code against, see DESIGN.md): a
// sequence of
//
//	target "name" {
//	  rule: "rule_name"
//	  srcs: ["a.c", "b.c"]
//	  deps: ["other_target"]
//	  output: "name"
//	}
//
// blocks. Whitespace between tokens is insignificant; comments start with
// "#" and run to end of line.
func Parse(src string) (*Manifest, error) {
	p := &parser{s: src}
	m := &Manifest{}
	for {
		p.skipSpaceAndComments()
		if p.eof() {
			break
		}
		t, err := p.parseTarget()
		if err != nil {
			return nil, err
		}
		m.Targets = append(m.Targets, t)
	}
	return m, nil
}

type parser struct {
	s   string
	pos int
}

func (p *parser) eof() bool { return p.pos >= len(p.s) }

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.s[p.pos]
}

func (p *parser) skipSpaceAndComments() {
	for !p.eof() {
		c := p.peek()
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			p.pos++
		case c == '#':
			for !p.eof() && p.peek() != '\n' {
				p.pos++
			}
		default:
			return
		}
	}
}

func (p *parser) ident(kind string) (string, error) {
	p.skipSpaceAndComments()
	start := p.pos
	for !p.eof() && isIdentByte(p.peek()) {
		p.pos++
	}
	if p.pos == start {
		return "", fmt.Errorf("manifest: expected %s at offset %d", kind, p.pos)
	}
	return p.s[start:p.pos], nil
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (p *parser) expect(c byte) error {
	p.skipSpaceAndComments()
	if p.eof() || p.peek() != c {
		return fmt.Errorf("manifest: expected %q at offset %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *parser) quotedString() (string, error) {
	p.skipSpaceAndComments()
	if err := p.expect('"'); err != nil {
		return "", err
	}
	start := p.pos
	for !p.eof() && p.peek() != '"' {
		p.pos++
	}
	if p.eof() {
		return "", fmt.Errorf("manifest: unterminated string starting at offset %d", start)
	}
	s := p.s[start:p.pos]
	p.pos++ // closing quote
	return s, nil
}

func (p *parser) stringList() ([]string, error) {
	if err := p.expect('['); err != nil {
		return nil, err
	}
	var out []string
	for {
		p.skipSpaceAndComments()
		if p.peek() == ']' {
			p.pos++
			return out, nil
		}
		s, err := p.quotedString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
		p.skipSpaceAndComments()
		if p.peek() == ',' {
			p.pos++
		}
	}
}

func (p *parser) parseTarget() (*Target, error) {
	kw, err := p.ident("keyword")
	if err != nil {
		return nil, err
	}
	if kw != "target" {
		return nil, fmt.Errorf("manifest: expected %q, got %q at offset %d", "target", kw, p.pos)
	}
	name, err := p.quotedString()
	if err != nil {
		return nil, err
	}
	if err := p.expect('{'); err != nil {
		return nil, err
	}

	t := &Target{Name: name}
	for {
		p.skipSpaceAndComments()
		if p.peek() == '}' {
			p.pos++
			return t, nil
		}
		field, err := p.ident("field name")
		if err != nil {
			return nil, err
		}
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		switch field {
		case "rule":
			if t.Rule, err = p.quotedString(); err != nil {
				return nil, err
			}
		case "output":
			if t.Output, err = p.quotedString(); err != nil {
				return nil, err
			}
		case "srcs":
			if t.Srcs, err = p.stringList(); err != nil {
				return nil, err
			}
		case "deps":
			if t.Deps, err = p.stringList(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("manifest: unknown field %q in target %q", field, name)
		}
	}
}
