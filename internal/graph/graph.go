// Package graph builds the producer/consumer command graph described in
// spec.md §4.F: an inverted DAG over declared files, with cycle detection
// and per-node pending-dependency counters for the scheduler.
package graph

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgebuild/forge/internal/command"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Node wraps a command as a gonum graph node, keyed by its index in the
// owning command vector (spec.md §3 "the graph holds only weak references
// — indices or raw back-pointers — into the command vector").
type Node struct {
	id  int64
	Cmd *command.Command

	// Dependencies are upstream nodes that must complete before Cmd may
	// start. Dependents are the inverse edge.
	Dependencies []*Node
	Dependents   []*Node

	// PendingDependencies mirrors spec.md §3/§4.F: initialized to
	// len(Dependencies), decremented by the scheduler as each dependency
	// completes successfully.
	PendingDependencies int
}

func (n *Node) ID() int64 { return n.id }

// Graph is the command DAG for one build: a producer map plus dependency
// edges, built in the four phases of spec.md §4.F.
type Graph struct {
	Nodes []*Node
	g     *simple.DirectedGraph
}

// Build constructs the command graph from a flat list of commands:
//  1. creates every output directory,
//  2. builds the output→command producer map (failing on any duplicate
//     producer, spec.md §4.F step 2 / P3),
//  3. wires dependency/dependent edges from declared inputs,
//  4. runs cycle detection (spec.md §4.F step 4 / P4) before returning.
//
// No command is allowed to start until Build has returned successfully.
func Build(cmds []*command.Command) (*Graph, error) {
	if err := createOutputDirs(cmds); err != nil {
		return nil, err
	}

	nodes := make([]*Node, len(cmds))
	g := simple.NewDirectedGraph()
	for i, c := range cmds {
		n := &Node{id: int64(i), Cmd: c}
		nodes[i] = n
		g.AddNode(n)
	}

	producer := make(map[string]*Node, len(cmds)*2)
	for _, n := range nodes {
		for _, o := range n.Cmd.Outputs {
			if existing, ok := producer[o]; ok {
				return nil, fmt.Errorf("more than one command produces: %s (%q and %q)",
					o, existing.Cmd.Name, n.Cmd.Name)
			}
			producer[o] = n
		}
	}

	for _, n := range nodes {
		seen := make(map[int64]bool)
		for _, in := range n.Cmd.Inputs {
			dep, ok := producer[in]
			if !ok || dep == n || seen[dep.id] {
				continue
			}
			seen[dep.id] = true
			n.Dependencies = append(n.Dependencies, dep)
			dep.Dependents = append(dep.Dependents, n)
			g.SetEdge(g.NewEdge(dep, n))
		}
		n.PendingDependencies = len(n.Dependencies)
	}

	gr := &Graph{Nodes: nodes, g: g}
	if err := gr.checkCycles(); err != nil {
		return nil, err
	}
	return gr, nil
}

// checkCycles runs topo.Sort over the underlying gonum graph; an
// Unorderable error means at least one strongly connected component with
// more than one node exists, i.e. a dependency cycle (spec.md §4.F step 4).
// Unlike internal/batch/batch.go in this codebase's lineage, forge does not
// attempt to break the cycle — construction simply fails, per spec.md
// Non-goals.
func (gr *Graph) checkCycles() error {
	if _, err := topo.Sort(gr.g); err != nil {
		uo, ok := err.(topo.Unorderable)
		if !ok {
			return fmt.Errorf("circular dependency: %w", err)
		}
		var names []string
		for _, comp := range uo {
			for _, n := range comp {
				names = append(names, n.(*Node).Cmd.Name)
			}
		}
		return fmt.Errorf("circular dependency among commands: %v", names)
	}
	return nil
}

// Roots returns every node with no pending dependencies: the initial ready
// set for the scheduler.
func (gr *Graph) Roots() []*Node {
	var roots []*Node
	for _, n := range gr.Nodes {
		if n.PendingDependencies == 0 {
			roots = append(roots, n)
		}
	}
	return roots
}

// createOutputDirs creates, recursively and idempotently, the union of
// parent directories of every declared output (spec.md §4.F step 1).
func createOutputDirs(cmds []*command.Command) error {
	seen := make(map[string]bool)
	for _, c := range cmds {
		for _, o := range c.Outputs {
			dir := filepath.Dir(o)
			if seen[dir] {
				continue
			}
			seen[dir] = true
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating output directory %s: %w", dir, err)
			}
		}
	}
	return nil
}

var _ graph.Node = (*Node)(nil)
