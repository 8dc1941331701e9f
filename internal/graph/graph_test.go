package graph

import (
	"path/filepath"
	"testing"

	"github.com/forgebuild/forge/internal/command"
)

func cc(t *testing.T, dir, src, obj string) *command.Command {
	t.Helper()
	c := command.New("cc "+src, "cc", filepath.Join(dir, src), "-o", filepath.Join(dir, obj))
	c.Inputs = []string{filepath.Join(dir, src)}
	c.Outputs = []string{filepath.Join(dir, obj)}
	return c
}

func TestBuildTwoFileCompileAndLink(t *testing.T) {
	dir := t.TempDir()
	a := cc(t, dir, "a.c", "a.o")
	b := cc(t, dir, "b.c", "b.o")
	link := command.New("ld", "ld", filepath.Join(dir, "a.o"), filepath.Join(dir, "b.o"), "-o", filepath.Join(dir, "app"))
	link.Inputs = []string{filepath.Join(dir, "a.o"), filepath.Join(dir, "b.o")}
	link.Outputs = []string{filepath.Join(dir, "app")}

	g, err := Build([]*command.Command{a, b, link})
	if err != nil {
		t.Fatal(err)
	}

	roots := g.Roots()
	if len(roots) != 2 {
		t.Fatalf("Roots() returned %d nodes, want 2 (a.c and b.c compiles)", len(roots))
	}

	linkNode := g.Nodes[2]
	if linkNode.PendingDependencies != 2 {
		t.Fatalf("link node PendingDependencies = %d, want 2", linkNode.PendingDependencies)
	}
	if len(linkNode.Dependencies) != 2 {
		t.Fatalf("link node has %d dependencies, want 2", len(linkNode.Dependencies))
	}
}

func TestDuplicateProducerFails(t *testing.T) {
	dir := t.TempDir()
	c1 := command.New("c1", "cc", "-o", filepath.Join(dir, "foo.o"))
	c1.Outputs = []string{filepath.Join(dir, "foo.o")}
	c2 := command.New("c2", "cc", "-o", filepath.Join(dir, "foo.o"))
	c2.Outputs = []string{filepath.Join(dir, "foo.o")}

	_, err := Build([]*command.Command{c1, c2})
	if err == nil {
		t.Fatal("Build() = nil error, want duplicate-producer error")
	}
}

func TestCycleFails(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "A")
	b := filepath.Join(dir, "B")
	g1 := command.New("g A", "gen", "A")
	g1.Inputs = []string{b}
	g1.Outputs = []string{a}
	g2 := command.New("g B", "gen", "B")
	g2.Inputs = []string{a}
	g2.Outputs = []string{b}

	_, err := Build([]*command.Command{g1, g2})
	if err == nil {
		t.Fatal("Build() = nil error, want circular dependency error")
	}
}

func TestNoCommandsIsEmptyGraph(t *testing.T) {
	g, err := Build(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Roots()) != 0 {
		t.Fatalf("Roots() = %d, want 0", len(g.Roots()))
	}
}
