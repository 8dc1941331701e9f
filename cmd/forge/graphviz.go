package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/manifest"
	"github.com/forgebuild/forge/internal/rules"
	"github.com/forgebuild/forge/internal/toolchain"
	"golang.org/x/xerrors"
)

const graphHelp = `forge graph [-flags] -target=<name>

Print the command graph for a target in Graphviz dot format, for piping
into "dot -Tpng" or similar.

Example:
  % forge graph -target=myapp | dot -Tsvg -o graph.svg
`

// cmdGraph expands the requested target the same way "forge build" does,
// builds the command graph, and dumps it as a dot digraph instead of
// running anything: one node per command, one edge per producer→consumer
// file dependency.
func cmdGraph(_ context.Context, args []string) error {
	fset := flag.NewFlagSet("graph", flag.ExitOnError)
	fset.Usage = func() {
		fmt.Fprintln(os.Stderr, graphHelp)
		fmt.Fprintln(os.Stderr, "Flags for forge graph:")
		fset.PrintDefaults()
	}
	fset.Parse(args)

	if *target == "" {
		return xerrors.New("graph: -target is required")
	}

	m, err := manifest.ReadFile(*manifestPath)
	if err != nil {
		return xerrors.Errorf("graph: %w", err)
	}
	tc, err := toolchain.Detect()
	if err != nil {
		return xerrors.Errorf("graph: toolchain: %w", err)
	}
	cmds, err := rules.Expand(m, *target, tc, *binaryDir)
	if err != nil {
		return xerrors.Errorf("graph: %w", err)
	}
	g, err := graph.Build(cmds)
	if err != nil {
		return xerrors.Errorf("graph: %w", err)
	}

	fmt.Println("digraph forge {")
	fmt.Println("\trankdir=LR;")
	for _, n := range g.Nodes {
		fmt.Printf("\t%q;\n", n.Cmd.Name)
	}
	for _, n := range g.Nodes {
		for _, dep := range n.Dependencies {
			fmt.Printf("\t%q -> %q;\n", dep.Cmd.Name, n.Cmd.Name)
		}
	}
	fmt.Println("}")
	return nil
}
