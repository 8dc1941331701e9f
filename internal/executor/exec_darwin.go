//go:build darwin

package executor

/*
#include <spawn.h>
#include <stdlib.h>
#include <string.h>
#include <errno.h>

int init_file_actions(posix_spawn_file_actions_t *actions) {
    return posix_spawn_file_actions_init(actions);
}

int destroy_file_actions(posix_spawn_file_actions_t *actions) {
    return posix_spawn_file_actions_destroy(actions);
}

int add_dup2_action(posix_spawn_file_actions_t *actions, int fd, int newfd) {
    return posix_spawn_file_actions_adddup2(actions, fd, newfd);
}

#if defined(__APPLE__) && defined(__MACH__)
extern int posix_spawn_file_actions_addchdir_np(posix_spawn_file_actions_t *file_actions, const char *path) __attribute__((weak_import));

int add_chdir_action(posix_spawn_file_actions_t *actions, const char *path) {
    if (posix_spawn_file_actions_addchdir_np != NULL) {
        return posix_spawn_file_actions_addchdir_np(actions, path);
    }
    return ENOSYS;
}
#else
int add_chdir_action(posix_spawn_file_actions_t *actions, const char *path) {
    return ENOSYS;
}
#endif

int do_posix_spawnp(pid_t *pid, const char *file,
                     posix_spawn_file_actions_t *file_actions,
                     char *const argv[], char *const envp[]) {
    return posix_spawnp(pid, file, file_actions, NULL, argv, envp);
}
*/
import "C"

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/forgebuild/forge/internal/command"
	"golang.org/x/sys/unix"
)

// Executor is the macOS realization of spec.md §4.A: there is no pidfd
// equivalent, so posix_spawn starts the child and a single reaper
// goroutine wait4()s on every outstanding pid, same as this pattern
// appears in the ecosystem for cgo-based posix_spawn wrappers.
type Executor struct {
	mu      sync.Mutex
	waiters map[int]func(exitCode int, err error)
	wake    chan struct{}
}

func New(maxConcurrency int) (*Executor, error) {
	return &Executor{
		waiters: make(map[int]func(exitCode int, err error)),
		wake:    make(chan struct{}, 1),
	}, nil
}

// Spawn starts c's process via posix_spawnp and registers its pid with the
// reaper. A failure to spawn is converted to a synthetic non-zero
// completion rather than returned, matching spec.md §4.A "Failure".
func (e *Executor) Spawn(c *command.Command, done func(exitCode int, err error)) {
	stdoutSink, stderrSink, err := wireOutputs(c)
	if err != nil {
		e.failSpawn(c, done, err)
		return
	}

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
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		e.failSpawn(c, done, err)
		return
	}

	var actions C.posix_spawn_file_actions_t
	if ret := C.init_file_actions(&actions); ret != 0 {
		devNull.Close()
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		e.failSpawn(c, done, syscall.Errno(ret))
		return
	}
	defer C.destroy_file_actions(&actions)

	C.add_dup2_action(&actions, C.int(devNull.Fd()), 0)
	C.add_dup2_action(&actions, C.int(outW.Fd()), 1)
	C.add_dup2_action(&actions, C.int(errW.Fd()), 2)

	if c.WorkingDirectory != "" {
		cdir := C.CString(c.WorkingDirectory)
		defer C.free(unsafe.Pointer(cdir))
		if ret := C.add_chdir_action(&actions, cdir); ret != 0 {
			devNull.Close()
			outR.Close()
			outW.Close()
			errR.Close()
			errW.Close()
			e.failSpawn(c, done, fmt.Errorf("posix_spawn_file_actions_addchdir_np unsupported on this macOS: %w", syscall.Errno(ret)))
			return
		}
	}

	argv := cStringArray(c.Arguments)
	defer freeCStringArray(argv)
	envp := cStringArray(childEnvOrInherit(c))
	defer freeCStringArray(envp)

	cpath := C.CString(c.Arguments[0])
	defer C.free(unsafe.Pointer(cpath))

	var pid C.pid_t
	ret := C.do_posix_spawnp(&pid, cpath, &actions,
		(**C.char)(unsafe.Pointer(&argv[0])),
		(**C.char)(unsafe.Pointer(&envp[0])))

	devNull.Close()
	outW.Close()
	errW.Close()
	if ret != 0 {
		outR.Close()
		errR.Close()
		e.failSpawn(c, done, syscall.Errno(ret))
		return
	}

	go stdoutSink.drain(outR)
	go stderrSink.drain(errR)

	e.mu.Lock()
	e.waiters[int(pid)] = func(exitCode int, werr error) {
		outR.Close()
		errR.Close()
		applyCaptured(c, stdoutSink, stderrSink)
		done(exitCode, werr)
	}
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) failSpawn(c *command.Command, done func(int, error), err error) {
	c.SetErrorText(fmt.Sprintf("exec: %v", err))
	done(1, err)
}

// Run polls every registered pid with a non-blocking wait4 until all have
// exited, parking between polls on e.wake and a short ticker so the reaper
// thread does not spin once the ready set is empty between completions.
func (e *Executor) Run() error {
	for {
		e.mu.Lock()
		if len(e.waiters) == 0 {
			e.mu.Unlock()
			return nil
		}
		pending := make([]int, 0, len(e.waiters))
		for pid := range e.waiters {
			pending = append(pending, pid)
		}
		e.mu.Unlock()

		reaped := false
		for _, pid := range pending {
			var ws unix.WaitStatus
			got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
			if err != nil || got != pid {
				continue
			}
			reaped = true

			e.mu.Lock()
			cb, ok := e.waiters[pid]
			delete(e.waiters, pid)
			e.mu.Unlock()
			if !ok {
				continue
			}

			switch {
			case ws.Exited():
				cb(ws.ExitStatus(), nil)
			case ws.Signaled():
				cb(128+int(ws.Signal()), nil)
			default:
				cb(-1, fmt.Errorf("process in unexpected wait state"))
			}
		}

		if !reaped {
			select {
			case <-e.wake:
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
}

func childEnvOrInherit(c *command.Command) []string {
	if env := childEnv(c); env != nil {
		return env
	}
	return os.Environ()
}

func cStringArray(ss []string) []*C.char {
	out := make([]*C.char, len(ss)+1)
	for i, s := range ss {
		out[i] = C.CString(s)
	}
	out[len(ss)] = nil
	return out
}

func freeCStringArray(a []*C.char) {
	for _, p := range a {
		if p != nil {
			C.free(unsafe.Pointer(p))
		}
	}
}
