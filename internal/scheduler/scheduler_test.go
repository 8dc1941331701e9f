package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/command"
	"github.com/forgebuild/forge/internal/graph"
)

// fakeExecutor is a synchronous, single-threaded stand-in for
// internal/executor.Executor: Spawn records a completion to run on the
// next Run call rather than touching any OS process, so these tests
// exercise the scheduler's admission/release/error logic without
// spawning anything.
type fakeExecutor struct {
	mu       sync.Mutex
	queue    []func()
	peak     int
	inFlight int

	// result overrides the exit code/error for a given command name; the
	// zero value (exit 0, nil error) is used otherwise.
	result map[string]struct {
		code int
		err  error
	}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{result: make(map[string]struct {
		code int
		err  error
	})}
}

func (f *fakeExecutor) Spawn(c *command.Command, done func(exitCode int, err error)) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	res := f.result[c.Name]
	f.queue = append(f.queue, func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
		done(res.code, res.err)
	})
	f.mu.Unlock()
}

// Run drains every queued completion exactly once, matching the real
// executor's contract: completions run inline, and new Spawn calls made
// from inside a completion callback are picked up because the queue is
// re-read by index, not snapshotted.
func (f *fakeExecutor) Run() error {
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			return nil
		}
		next := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		next()
	}
}

func cc(dir, src, obj string) *command.Command {
	c := command.New("cc "+src, "cc", filepath.Join(dir, src), "-o", filepath.Join(dir, obj))
	c.Inputs = []string{filepath.Join(dir, src)}
	c.Outputs = []string{filepath.Join(dir, obj)}
	return c
}

func TestSchedulerRunsIndependentCommandsAndLinks(t *testing.T) {
	dir := t.TempDir()
	a := cc(dir, "a.c", "a.o")
	b := cc(dir, "b.c", "b.o")
	link := command.New("ld", "ld", filepath.Join(dir, "a.o"), filepath.Join(dir, "b.o"), "-o", filepath.Join(dir, "app"))
	link.Inputs = []string{filepath.Join(dir, "a.o"), filepath.Join(dir, "b.o")}
	link.Outputs = []string{filepath.Join(dir, "app")}

	g, err := graph.Build([]*command.Command{a, b, link})
	if err != nil {
		t.Fatal(err)
	}

	exec := newFakeExecutor()
	s := New(g, exec, nil, 2, 0)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !a.HasRun() || !b.HasRun() || !link.HasRun() {
		t.Fatal("not every command ran")
	}
	if !link.Success() {
		t.Fatal("link did not succeed")
	}
}

func TestSchedulerConcurrencyCapIsRespected(t *testing.T) {
	dir := t.TempDir()
	var cmds []*command.Command
	for i := 0; i < 5; i++ {
		c := command.New(fmt.Sprintf("job%d", i), "sleep", "1")
		c.Outputs = []string{filepath.Join(dir, fmt.Sprintf("out%d", i))}
		cmds = append(cmds, c)
	}

	g, err := graph.Build(cmds)
	if err != nil {
		t.Fatal(err)
	}

	exec := newFakeExecutor()
	s := New(g, exec, nil, 2, 0)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if exec.peak > 2 {
		t.Fatalf("peak concurrent commands = %d, want <= 2", exec.peak)
	}
	for _, c := range cmds {
		if !c.HasRun() {
			t.Fatal("a command never ran")
		}
	}
}

func TestSchedulerUpToDateCommandNeverSpawns(t *testing.T) {
	dir := t.TempDir()
	a := cc(dir, "a.c", "a.o")

	store, err := cache.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	// Record the command as already satisfied at a comfortably future end
	// time, so the oracle reports up to date without ever consulting the
	// executor.
	if err := os.WriteFile(a.Inputs[0], []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(a.Outputs[0], []byte("obj"), 0o644); err != nil {
		t.Fatal(err)
	}
	a.End = time.Now().Add(time.Hour)
	if err := store.Record(a); err != nil {
		t.Fatal(err)
	}

	g, err := graph.Build([]*command.Command{a})
	if err != nil {
		t.Fatal(err)
	}

	exec := newFakeExecutor()
	s := New(g, exec, store, 2, 0)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if exec.peak != 0 {
		t.Fatalf("up-to-date command was spawned: peak = %d", exec.peak)
	}
	if !a.Success() {
		t.Fatal("up-to-date command was not marked successful")
	}
}

func TestSchedulerAppliesGCCDepfile(t *testing.T) {
	dir := t.TempDir()
	obj := filepath.Join(dir, "a.o")
	hdr := filepath.Join(dir, "a.h")
	depfile := obj + ".d"
	if err := os.WriteFile(depfile, []byte(obj+": "+filepath.Join(dir, "a.c")+" "+hdr+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := command.New("cc a.c", "cc", filepath.Join(dir, "a.c"), "-o", obj)
	c.Inputs = []string{filepath.Join(dir, "a.c")}
	c.Outputs = []string{obj}
	c.Kind = command.GCCClang
	c.DepfilePath = depfile

	g, err := graph.Build([]*command.Command{c})
	if err != nil {
		t.Fatal(err)
	}

	exec := newFakeExecutor()
	s := New(g, exec, nil, 1, 0)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !c.Success() {
		t.Fatal("command did not succeed")
	}
	found := false
	for _, in := range c.ImplicitInputs {
		if in == hdr {
			found = true
		}
	}
	if !found {
		t.Fatalf("ImplicitInputs = %v, want to contain %q", c.ImplicitInputs, hdr)
	}
}

func TestSchedulerFailsCommandOnUnreadableDepfile(t *testing.T) {
	dir := t.TempDir()
	obj := filepath.Join(dir, "a.o")

	c := command.New("cc a.c", "cc", filepath.Join(dir, "a.c"), "-o", obj)
	c.Inputs = []string{filepath.Join(dir, "a.c")}
	c.Outputs = []string{obj}
	c.Kind = command.GCCClang
	c.DepfilePath = filepath.Join(dir, "does-not-exist.d")

	g, err := graph.Build([]*command.Command{c})
	if err != nil {
		t.Fatal(err)
	}

	exec := newFakeExecutor()
	s := New(g, exec, nil, 1, 0)
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("Run() = nil error, want aggregated build error for an unparsable depfile")
	}
	if c.Success() {
		t.Fatal("command with an unreadable depfile reported success")
	}
}

func TestSchedulerErrorContainmentStopsAdmissionOnly(t *testing.T) {
	dir := t.TempDir()
	fail := cc(dir, "fail.c", "fail.o")
	independent := cc(dir, "ok.c", "ok.o")
	downstream := command.New("ld", "ld", filepath.Join(dir, "fail.o"), "-o", filepath.Join(dir, "app"))
	downstream.Inputs = []string{filepath.Join(dir, "fail.o")}
	downstream.Outputs = []string{filepath.Join(dir, "app")}

	g, err := graph.Build([]*command.Command{fail, independent, downstream})
	if err != nil {
		t.Fatal(err)
	}

	exec := newFakeExecutor()
	exec.result[fail.Name] = struct {
		code int
		err  error
	}{code: 1}

	s := New(g, exec, nil, 2, 0)
	err = s.Run(context.Background())
	if err == nil {
		t.Fatal("Run() = nil error, want aggregated build error")
	}

	if !independent.HasRun() {
		t.Fatal("independent command starved by a sibling's failure")
	}
	if downstream.HasRun() {
		t.Fatal("downstream of a failed dependency ran, but should never be released")
	}
}
