// Command forge is the CLI entry point: flag-based, mirroring
// cmd/distri/distri.go's verb-dispatch shape, but scoped to the handful
// of verbs a build engine actually needs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/forgebuild/forge/internal/trace"
)

var (
	debug        = flag.Bool("debug", false, "format error messages with additional detail")
	chdir        = flag.String("C", "", "change to dir before doing anything else")
	manifestPath = flag.String("f", "BUILD.forge", "path to the manifest file")
	target       = flag.String("target", "", "name of the target to build (required)")
	binaryDir    = flag.String("o", "forge-out", "directory incremental state and build outputs are written under")
	jobs         = flag.Int("j", runtime.NumCPU(), "maximum number of commands to run in parallel")
	keepGoing    = flag.Int("k", 1, "stop starting new commands once more than N commands have failed (0 stops after the first failure)")
	dryRun       = flag.Bool("n", false, "dry run: print commands that would run without running them")
	verbose      = flag.Bool("v", false, "show the full command line of every command as it starts")
	rsp          = flag.Bool("rsp", false, "emit a saved command script per command under <binary_dir>/rsp/")
	debugOpts    = flag.String("d", "", "comma-separated debug tools: keeprsp,stats")
	watch        = flag.Bool("watch", false, "rebuild automatically when a declared input changes (forge build only)")
	ctracefile   = flag.String("ctracefile", "", "path to write a chrome://tracing event file to")
)

type verb func(ctx context.Context, args []string) error

func funcmain() error {
	flag.Parse()

	if *chdir != "" {
		if err := os.Chdir(*chdir); err != nil {
			return err
		}
	}

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			return err
		}
		defer f.Close()
		trace.Sink(f)
	}

	verbs := map[string]verb{
		"build": cmdBuild,
		"graph": cmdGraph,
	}

	args := flag.Args()
	name := "build"
	if len(args) > 0 {
		name, args = args[0], args[1:]
	}

	v, ok := verbs[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
		fmt.Fprintf(os.Stderr, "syntax: forge [-flags] <build|graph> [options]\n")
		os.Exit(2)
	}

	ctx, canc := interruptibleContext()
	defer canc()

	if err := v(ctx, args); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", name, err)
		}
		return fmt.Errorf("%s: %v", name, err)
	}
	return nil
}

func debugOptSet(name string) bool {
	for _, opt := range strings.Split(*debugOpts, ",") {
		if opt == name {
			return true
		}
	}
	return false
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
