package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/command"
	"github.com/forgebuild/forge/internal/executor"
	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/manifest"
	"github.com/forgebuild/forge/internal/rules"
	"github.com/forgebuild/forge/internal/scheduler"
	"github.com/forgebuild/forge/internal/script"
	"github.com/forgebuild/forge/internal/toolchain"
	"github.com/forgebuild/forge/internal/ui"
	"golang.org/x/xerrors"
)

const buildHelp = `forge build [-flags] -target=<name>

Build a target and everything it transitively depends on.

Example:
  % forge build -target=myapp -j 8
`

// cmdBuild is the "build" verb: load the manifest, expand the requested
// target into a command list via the rule collaborator, build the command
// graph, and drive it to completion with the scheduler. It loops once more
// per -watch iteration when that flag is set.
func cmdBuild(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("build", flag.ExitOnError)
	fset.Usage = func() {
		fmt.Fprintln(os.Stderr, buildHelp)
		fmt.Fprintln(os.Stderr, "Flags for forge build:")
		fset.PrintDefaults()
	}
	fset.Parse(args)

	if *target == "" {
		return xerrors.New("build: -target is required")
	}

	run := func() error { return runBuildOnce(ctx) }

	if *watch {
		return watchAndRebuild(ctx, run)
	}
	return run()
}

func runBuildOnce(ctx context.Context) error {
	m, err := manifest.ReadFile(*manifestPath)
	if err != nil {
		return xerrors.Errorf("build: %w", err)
	}

	tc, err := toolchain.Detect()
	if err != nil {
		return xerrors.Errorf("build: toolchain: %w", err)
	}

	cmds, err := rules.Expand(m, *target, tc, *binaryDir)
	if err != nil {
		return xerrors.Errorf("build: %w", err)
	}

	if *rsp {
		run := script.NewRunID()
		for _, c := range cmds {
			if _, err := script.Write(*binaryDir, c, script.Native, run); err != nil {
				return xerrors.Errorf("build: saved command script: %w", err)
			}
		}
	}

	if *dryRun {
		for _, c := range cmds {
			fmt.Println(c.String())
		}
		return nil
	}

	g, err := graph.Build(cmds)
	if err != nil {
		return xerrors.Errorf("build: %w", err)
	}

	store, err := cache.Open(*binaryDir)
	if err != nil {
		return xerrors.Errorf("build: cache: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			log.Printf("build: closing cache: %v", cerr)
		}
		if !debugOptSet("keeprsp") {
			os.RemoveAll(fmt.Sprintf("%s/rsp", *binaryDir))
		}
	}()

	exec, err := executor.New(*jobs)
	if err != nil {
		return xerrors.Errorf("build: executor: %w", err)
	}

	s := scheduler.New(g, exec, store, *jobs, *keepGoing)
	s.Trace = *ctracefile != ""

	isTerm := ui.IsTerminal()
	board := ui.NewBoard(os.Stdout, *jobs, isTerm)
	start := time.Now()
	s.Progress = func(i, n, slot int, c *command.Command) {
		line := fmt.Sprintf("[%d/%d] %s", i, n, c.Name)
		if *verbose {
			line = fmt.Sprintf("[%d/%d] %s", i, n, c.String())
		}
		if !isTerm {
			fmt.Println(line)
		}
		board.SetSlot(slot, line)
		board.SetSummary(fmt.Sprintf("%d/%d commands", i, n))
	}

	err = s.Run(ctx)
	board.Refresh()
	if debugOptSet("stats") {
		log.Printf("build finished in %s", time.Since(start).Round(time.Millisecond))
	}
	return err
}
