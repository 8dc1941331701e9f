//go:build !linux && !darwin && !windows

package executor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/forgebuild/forge/internal/command"
)

// Executor is the fallback realization for Unix-like targets without a
// dedicated pidfd (Linux) or posix_spawn (macOS) path: it shells out
// through os/exec and reaps each child on its own goroutine via cmd.Wait.
// The reaper goroutines only ever send their result on completions; Run is
// the sole reader and the sole caller of a command's done callback, so
// scheduler state mutated from inside done stays confined to Run's
// goroutine exactly as it does on the other platforms (spec.md §5).
type Executor struct {
	mu      sync.Mutex
	pending int

	completions chan completion
}

type completion struct {
	exitCode int
	err      error
	done     func(exitCode int, err error)
}

func New(maxConcurrency int) (*Executor, error) {
	return &Executor{completions: make(chan completion, 16)}, nil
}

func (e *Executor) Spawn(c *command.Command, done func(exitCode int, err error)) {
	stdoutSink, stderrSink, err := wireOutputs(c)
	if err != nil {
		e.failSpawn(c, done, err)
		return
	}

	cmd := exec.Command(c.Arguments[0], c.Arguments[1:]...)
	cmd.Dir = c.WorkingDirectory
	cmd.Env = childEnvOrInherit(c)
	cmd.Stdin = nil

	outR, outW, err := os.Pipe()
	if err != nil {
		e.failSpawn(c, done, err)
		return
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		e.failSpawn(c, done, err)
		return
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		e.failSpawn(c, done, err)
		return
	}
	outW.Close()
	errW.Close()

	go stdoutSink.drain(outR)
	go stderrSink.drain(errR)

	e.mu.Lock()
	e.pending++
	e.mu.Unlock()

	go func() {
		waitErr := cmd.Wait()
		outR.Close()
		errR.Close()
		applyCaptured(c, stdoutSink, stderrSink)

		comp := completion{done: done}
		switch exitErr := waitErr.(type) {
		case nil:
			comp.exitCode = 0
		case *exec.ExitError:
			comp.exitCode = exitErr.ExitCode()
		default:
			comp.exitCode = -1
			comp.err = waitErr
		}
		e.completions <- comp
	}()
}

func (e *Executor) failSpawn(c *command.Command, done func(int, error), err error) {
	c.SetErrorText(fmt.Sprintf("exec: %v", err))
	done(1, err)
}

// Run drains completions as they arrive and invokes each command's done
// callback inline, serializing every scheduler state mutation onto this
// goroutine, until no spawned command remains outstanding.
func (e *Executor) Run() error {
	for {
		e.mu.Lock()
		remaining := e.pending
		e.mu.Unlock()
		if remaining == 0 {
			return nil
		}

		comp := <-e.completions
		e.mu.Lock()
		e.pending--
		e.mu.Unlock()
		comp.done(comp.exitCode, comp.err)
	}
}

func childEnvOrInherit(c *command.Command) []string {
	if env := childEnv(c); env != nil {
		return env
	}
	return os.Environ()
}
