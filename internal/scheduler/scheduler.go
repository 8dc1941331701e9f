// Package scheduler implements the dispatch loop of spec.md §4.G: a FIFO
// of ready commands gated by a concurrency cap, driven to completion by
// the platform executor's single event loop.
package scheduler

import (
	"context"
	"log"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/command"
	"github.com/forgebuild/forge/internal/depscan"
	"github.com/forgebuild/forge/internal/forgeerr"
	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// traceSampleInterval matches internal/batch/batch.go's own sampling
// frequency for CPU/memory counters.
const traceSampleInterval = 1 * time.Second

// Executor is the subset of internal/executor.Executor the scheduler
// drives: spawn a command, and run the event loop until every spawned
// command has completed. Satisfied structurally by *executor.Executor on
// every platform build.
type Executor interface {
	Spawn(c *command.Command, done func(exitCode int, err error))
	Run() error
}

// ProgressFunc is called once per command as it starts running, in the
// "[i/N] <name>" shape of spec.md §4.G step 3. i is 1-based start order,
// not queue position. slot is the concurrency slot (0-based) the command
// occupies, the same value used to key its trace.Event tid, for callers
// that want to render one status line per running slot.
type ProgressFunc func(i, n, slot int, c *command.Command)

// Scheduler drives one build's command graph to completion. Its state
// (pending, runningCount, errs) is owned exclusively by the dispatcher
// goroutine, per spec.md §5 "no locks are required on that state": every
// mutation happens either during the initial admission call or inside a
// completion callback, both of which run inline on the same goroutine
// that is blocked inside exec.Run.
type Scheduler struct {
	g    *graph.Graph
	exec Executor
	// store is optional: a nil store means no incremental caching, every
	// command is always considered outdated (e.g. a clean build).
	store *cache.Store

	MaxConcurrency     int
	IgnoreErrorsBudget int
	Progress           ProgressFunc
	// Trace enables the CPU/memory sampler goroutines below, which only
	// produce output once internal/trace.Sink or internal/trace.Enable
	// has been called; leaving it false skips two goroutines' worth of
	// /proc polling on builds that never asked for a trace.
	Trace bool
	// Log receives sampler errors (e.g. running on a platform without
	// /proc). Defaults to log.Default() when nil.
	Log *log.Logger

	ctx context.Context

	pending      []*graph.Node
	runningCount int
	slotBusy     []bool // slotBusy[i] is true while a command occupies concurrency slot i
	started      int32
	errs         []*command.Command
	stopped      bool

	// msvc caches the per-compiler /showIncludes prefix (spec.md §4.E),
	// shared across every MSVCCl command in this build.
	msvc *depscan.MSVCPrefixer
}

// New returns a Scheduler ready to build g. maxConcurrency <= 0 is
// normalized to 1 so the build still makes progress.
func New(g *graph.Graph, exec Executor, store *cache.Store, maxConcurrency, ignoreErrorsBudget int) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	var msvcBaseDir string
	if store != nil {
		msvcBaseDir = store.DBRoot()
	}
	return &Scheduler{
		g:                  g,
		exec:               exec,
		store:              store,
		MaxConcurrency:     maxConcurrency,
		IgnoreErrorsBudget: ignoreErrorsBudget,
		pending:            append([]*graph.Node(nil), g.Roots()...),
		msvc:               depscan.NewMSVCPrefixer(msvcBaseDir),
	}
}

// Run executes the build to completion and returns an aggregated error
// (internal/forgeerr.BuildError) if any command failed, whether or not the
// error budget was exceeded.
//
// An errgroup supervises the dispatcher goroutine so a context
// cancellation observed by a sibling goroutine (cmd/forge's SIGINT
// handling, for instance) surfaces the same way a dispatcher error would,
// matching the supervision shape this codebase already uses for its
// background workers.
func (s *Scheduler) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	s.ctx = ctx

	logger := s.Log
	if logger == nil {
		logger = log.Default()
	}
	if s.Trace {
		// Plain goroutines, not eg.Go: a sampler failing (e.g. no /proc
		// on this platform) should not fail the build, matching
		// internal/batch/batch.go's own "log and keep going" handling.
		go func() {
			if err := trace.CPUEvents(ctx, traceSampleInterval); err != nil {
				logger.Println(err)
			}
		}()
		go func() {
			if err := trace.MemEvents(ctx, traceSampleInterval); err != nil {
				logger.Println(err)
			}
		}()
	}

	eg.Go(func() error {
		s.admitAvailable()
		if s.runningCount == 0 {
			return nil // empty graph, or everything was already up to date
		}
		if err := s.exec.Run(); err != nil {
			return xerrors.Errorf("scheduler: executor: %w", err)
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		return err
	}
	if len(s.errs) > 0 {
		return forgeerr.New(s.errs)
	}
	return nil
}

// admitAvailable is run_next (spec.md §4.G): while under the concurrency
// cap, not stopped, and pending is non-empty, pop a command, resolve it
// instantly if the oracle says it's up to date, else spawn it. Called once
// to seed the build and again from the tail of every completion callback.
func (s *Scheduler) admitAvailable() {
	total := len(s.g.Nodes)
	for s.runningCount < s.MaxConcurrency && len(s.pending) > 0 && !s.stopped && s.ctx.Err() == nil {
		n := s.pending[0]
		s.pending = s.pending[1:]

		if !s.isOutdated(n.Cmd) {
			n.Cmd.ExitCode = 0
			s.release(n)
			continue
		}

		if s.slotBusy == nil {
			s.slotBusy = make([]bool, s.MaxConcurrency)
		}
		tid := 0 // lowest free concurrency slot, for progress and the trace event's tid
		for s.slotBusy[tid] {
			tid++
		}
		s.slotBusy[tid] = true
		s.runningCount++
		i := int(atomic.AddInt32(&s.started, 1))
		if s.Progress != nil {
			s.Progress(i, total, tid, n.Cmd)
		}

		node := n
		node.Cmd.ExitCode = command.NoExitCode
		node.Cmd.Start = time.Now()
		if node.Cmd.Kind == command.MSVCCl {
			// The flag must not be part of the argument vector that feeds
			// the cache fingerprint, so it is added immediately before
			// spawn and stripped again in onComplete (spec.md §4.E).
			depscan.AddShowIncludes(node.Cmd)
		}
		ev := trace.Event(node.Cmd.Name, tid)
		s.exec.Spawn(node.Cmd, func(exitCode int, err error) {
			ev.Done()
			s.slotBusy[tid] = false
			s.onComplete(node, exitCode, err)
		})
	}
}

// isOutdated consults the cache oracle, treating a nil store (no cache
// attached) or an AlwaysRun command as always outdated.
func (s *Scheduler) isOutdated(c *command.Command) bool {
	if c.AlwaysRun || s.store == nil {
		return true
	}
	return s.store.IsOutdated(c).Kind != cache.UpToDate
}

// onComplete is the scheduler's executor completion callback (spec.md
// §4.G step 3). It runs inline on the dispatcher goroutine inside
// exec.Run, so it must not block: cache.Record is a bounded-time
// append to the cache's log files, and re-entering admitAvailable only ever spawns
// more processes, never waits on one.
func (s *Scheduler) onComplete(n *graph.Node, exitCode int, err error) {
	s.runningCount--
	n.Cmd.End = time.Now()
	n.Cmd.ExitCode = exitCode
	if err != nil && exitCode == command.NoExitCode {
		n.Cmd.ExitCode = 1
	}

	if n.Cmd.Kind == command.MSVCCl {
		// Restore the argument vector regardless of outcome, before the
		// command is recorded: the flag was never part of what the
		// manifest declared.
		depscan.RemoveShowIncludes(n.Cmd)
	}

	if n.Cmd.Success() {
		if derr := s.applyDepscan(n.Cmd); derr != nil {
			n.Cmd.SetErrorText(xerrors.Errorf("depscan: %w", derr).Error())
			n.Cmd.ExitCode = 1
			s.fail(n)
			s.admitAvailable()
			return
		}
		if s.store != nil {
			if rerr := s.store.Record(n.Cmd); rerr != nil {
				n.Cmd.SetErrorText(xerrors.Errorf("cache record: %w", rerr).Error())
				s.fail(n)
				s.admitAvailable()
				return
			}
		}
		s.release(n)
		s.admitAvailable()
		return
	}
	s.fail(n)
	s.admitAvailable()
}

// applyDepscan runs the compiler-output parser matching c.Kind, populating
// c.ImplicitInputs before the command is recorded in the cache (spec.md
// §4.E). Generic commands have no parser and are left untouched.
func (s *Scheduler) applyDepscan(c *command.Command) error {
	switch c.Kind {
	case command.GCCClang:
		return depscan.ApplyDepfile(c)
	case command.MSVCCl:
		prefix, err := s.msvc.Prefix(c.Arguments[0], func(tuPath string) (string, error) {
			return runMSVCProbe(c.Arguments[0], tuPath)
		})
		if err != nil {
			return err
		}
		depscan.ApplyShowIncludes(c, prefix)
		return nil
	default:
		return nil
	}
}

// runMSVCProbe compiles tuPath with /showIncludes through compilerPath and
// returns its raw stdout, for MSVCPrefixer's one-time-per-compiler probe.
// This is a synchronous, out-of-band invocation: it never touches the
// scheduler's own admission state and runs at most once per distinct
// compiler path in a build.
func runMSVCProbe(compilerPath, tuPath string) (string, error) {
	cmd := exec.Command(compilerPath, "/nologo", "/showIncludes", "/c", tuPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", xerrors.Errorf("msvc prefix probe: %w", err)
	}
	return string(out), nil
}

// release decrements every dependent's pending-dependency counter,
// pushing it onto pending once it reaches zero. Monotonic by construction
// (PendingDependencies only ever decreases), so a dependent is admitted
// at most once.
func (s *Scheduler) release(n *graph.Node) {
	for _, dep := range n.Dependents {
		dep.PendingDependencies--
		if dep.PendingDependencies == 0 {
			s.pending = append(s.pending, dep)
		}
	}
}

// fail records the command as failed and, once errs exceeds the budget,
// stops admitting new work. Commands already running are left to finish
// naturally, per spec.md §5 "Cancellation / timeouts".
func (s *Scheduler) fail(n *graph.Node) {
	s.errs = append(s.errs, n.Cmd)
	if len(s.errs) > s.IgnoreErrorsBudget {
		s.stopped = true
	}
}
