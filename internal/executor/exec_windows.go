//go:build windows

package executor

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"unsafe"

	"github.com/forgebuild/forge/internal/command"
	"golang.org/x/sys/windows"
)

// Executor is the Windows realization of spec.md §4.A: every spawned
// process is assigned to a single Job Object so a killed build cannot
// leak grandchildren, and the job is associated with an I/O completion
// port so Run can block on GetQueuedCompletionStatus instead of polling
// a handle per child.
type Executor struct {
	job  windows.Handle
	iocp windows.Handle

	mu      sync.Mutex
	waiters map[uint32]func(exitCode int, err error) // pid -> callback
}

func New(maxConcurrency int) (*Executor, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("executor: CreateJobObject: %w", err)
	}
	iocp, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 1)
	if err != nil {
		windows.CloseHandle(job)
		return nil, fmt.Errorf("executor: CreateIoCompletionPort: %w", err)
	}

	assoc := windowsJobObjectAssociateCompletionPort{
		CompletionKey:  uintptr(job),
		CompletionPort: iocp,
	}
	if _, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectAssociateCompletionPortInformation,
		uintptr(unsafe.Pointer(&assoc)),
		uint32(unsafe.Sizeof(assoc)),
	); err != nil {
		windows.CloseHandle(job)
		windows.CloseHandle(iocp)
		return nil, fmt.Errorf("executor: SetInformationJobObject: %w", err)
	}

	var limits windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION
	limits.BasicLimitInformation.LimitFlags = windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE
	if _, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&limits)),
		uint32(unsafe.Sizeof(limits)),
	); err != nil {
		windows.CloseHandle(job)
		windows.CloseHandle(iocp)
		return nil, fmt.Errorf("executor: SetInformationJobObject: %w", err)
	}

	return &Executor{job: job, iocp: iocp, waiters: make(map[uint32]func(int, error))}, nil
}

// windowsJobObjectAssociateCompletionPort mirrors
// JOBOBJECT_ASSOCIATE_COMPLETION_PORT, which x/sys/windows does not export
// a struct for.
type windowsJobObjectAssociateCompletionPort struct {
	CompletionKey  uintptr
	CompletionPort windows.Handle
}

// Spawn renders c's argv into a single Win32 command line, starts it
// suspended with only the three redirected handles inheritable (via a
// PROC_THREAD_ATTRIBUTE_HANDLE_LIST), assigns it to the Job Object, and
// only then resumes its main thread.
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
	devNull, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		e.failSpawn(c, done, err)
		return
	}

	for _, h := range []windows.Handle{windows.Handle(devNull.Fd()), windows.Handle(outW.Fd()), windows.Handle(errW.Fd())} {
		windows.SetHandleInformation(h, windows.HANDLE_FLAG_INHERIT, windows.HANDLE_FLAG_INHERIT)
	}

	attrList, err := windows.NewProcThreadAttributeList(1)
	if err != nil {
		devNull.Close()
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		e.failSpawn(c, done, err)
		return
	}
	defer attrList.Delete()

	handles := []windows.Handle{windows.Handle(devNull.Fd()), windows.Handle(outW.Fd()), windows.Handle(errW.Fd())}
	if err := attrList.Update(
		windows.PROC_THREAD_ATTRIBUTE_HANDLE_LIST,
		unsafe.Pointer(&handles[0]),
		uintptr(len(handles))*unsafe.Sizeof(handles[0]),
	); err != nil {
		devNull.Close()
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		e.failSpawn(c, done, err)
		return
	}

	si := windows.StartupInfoEx{
		StartupInfo: windows.StartupInfo{
			Cb:            uint32(unsafe.Sizeof(windows.StartupInfoEx{})),
			Flags:         windows.STARTF_USESTDHANDLES,
			StdInput:      windows.Handle(devNull.Fd()),
			StdOutput:     windows.Handle(outW.Fd()),
			StdErr:        windows.Handle(errW.Fd()),
		},
		ProcThreadAttributeList: attrList.List(),
	}
	var pi windows.ProcessInformation

	cmdLine, err := windows.UTF16PtrFromString(renderCommandLine(c.Arguments))
	if err != nil {
		devNull.Close()
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		e.failSpawn(c, done, err)
		return
	}
	var cwd *uint16
	if c.WorkingDirectory != "" {
		cwd, err = windows.UTF16PtrFromString(c.WorkingDirectory)
		if err != nil {
			devNull.Close()
			outR.Close()
			outW.Close()
			errR.Close()
			errW.Close()
			e.failSpawn(c, done, err)
			return
		}
	}
	var envBlock *uint16
	if env := childEnv(c); env != nil {
		envBlock, err = createEnvBlock(env)
		if err != nil {
			devNull.Close()
			outR.Close()
			outW.Close()
			errR.Close()
			errW.Close()
			e.failSpawn(c, done, err)
			return
		}
	}

	const extendedStartupinfoPresent = 0x00080000
	const createNoWindow = 0x08000000
	flags := uint32(extendedStartupinfoPresent | createNoWindow | windows.CREATE_SUSPENDED)

	err = windows.CreateProcess(
		nil, cmdLine, nil, nil, true, flags, envBlock, cwd,
		&si.StartupInfo, &pi,
	)
	devNull.Close()
	outW.Close()
	errW.Close()
	if err != nil {
		outR.Close()
		errR.Close()
		e.failSpawn(c, done, err)
		return
	}

	if err := windows.AssignProcessToJobObject(e.job, pi.Process); err != nil {
		windows.TerminateProcess(pi.Process, 1)
		windows.CloseHandle(pi.Process)
		windows.CloseHandle(pi.Thread)
		outR.Close()
		errR.Close()
		e.failSpawn(c, done, err)
		return
	}
	windows.ResumeThread(pi.Thread)
	windows.CloseHandle(pi.Thread)

	go stdoutSink.drain(outR)
	go stderrSink.drain(errR)

	e.mu.Lock()
	e.waiters[pi.ProcessId] = func(exitCode int, werr error) {
		outR.Close()
		errR.Close()
		applyCaptured(c, stdoutSink, stderrSink)
		windows.CloseHandle(pi.Process)
		done(exitCode, werr)
	}
	e.mu.Unlock()
}

func (e *Executor) failSpawn(c *command.Command, done func(int, error), err error) {
	c.SetErrorText(fmt.Sprintf("exec: %v", err))
	done(1, err)
}

// Run blocks on GetQueuedCompletionStatus until every assigned process has
// reported JOB_OBJECT_MSG_EXIT_PROCESS / ABNORMAL_EXIT_PROCESS.
func (e *Executor) Run() error {
	const jobObjectMsgExitProcess = 7
	const jobObjectMsgAbnormalExitProcess = 8

	for {
		e.mu.Lock()
		remaining := len(e.waiters)
		e.mu.Unlock()
		if remaining == 0 {
			return nil
		}

		var qty uint32
		var key uintptr
		var overlapped *windows.Overlapped
		if err := windows.GetQueuedCompletionStatus(e.iocp, &qty, &key, &overlapped, windows.INFINITE); err != nil {
			return fmt.Errorf("executor: GetQueuedCompletionStatus: %w", err)
		}

		switch qty {
		case jobObjectMsgExitProcess, jobObjectMsgAbnormalExitProcess:
			pid := uint32(uintptr(unsafe.Pointer(overlapped)))
			e.mu.Lock()
			cb, ok := e.waiters[pid]
			delete(e.waiters, pid)
			e.mu.Unlock()
			if !ok {
				continue
			}
			code, err := exitCodeForPid(pid)
			cb(code, err)
		default:
			// Other job notifications (new process, active-process-zero,
			// etc.) carry no completion we act on.
		}
	}
}

func exitCodeForPid(pid uint32) (int, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return -1, err
	}
	defer windows.CloseHandle(h)
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return -1, err
	}
	return int(code), nil
}

// renderCommandLine joins argv into a single Win32 command line using the
// same backslash-doubling/quote-escaping rules as syscall.EscapeArg,
// rewriting the program name's forward slashes to backslashes first since
// CreateProcess resolves argv[0] through the Windows path parser.
func renderCommandLine(argv []string) string {
	var b strings.Builder
	for i, a := range argv {
		if i == 0 {
			a = strings.ReplaceAll(a, "/", `\`)
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(syscall.EscapeArg(a))
	}
	return b.String()
}

// createEnvBlock renders a Windows environment block: each "k=v" entry
// NUL-terminated, the whole block double-NUL-terminated. Built by hand
// because the block's embedded NULs make UTF16PtrFromString reject it.
func createEnvBlock(env []string) (*uint16, error) {
	var units []uint16
	for _, kv := range env {
		u, err := windows.UTF16FromString(kv)
		if err != nil {
			return nil, err
		}
		units = append(units, u...) // already NUL-terminated by UTF16FromString
	}
	units = append(units, 0)
	return &units[0], nil
}
