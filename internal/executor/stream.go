// Package executor implements the platform event loop of spec.md §4.A: it
// owns pipe reads, process-exit waits, and (on Windows) Job Object
// lifetime. One Executor exists per build.
//
// The three platform realizations (exec_linux.go, exec_darwin.go,
// exec_windows.go) all export the same Executor type and method set; Go's
// build-tag mechanism ensures exactly one of them compiles for a given
// target. exec_other.go is a plain os/exec fallback for any other
// Unix-like target so the package still builds elsewhere.
package executor

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/forgebuild/forge/internal/command"
)

// streamSink drains a single stdout/stderr pipe according to the disposition
// the command declared, matching the {inherit, capture-to-buffer,
// line-callback, redirect-to-file} variants of spec.md §3.
type streamSink struct {
	disposition command.Disposition
	lineCB      func(string)
	path        string
	// parent is the forge process's own stdio stream this sink forwards
	// to when disposition is Inherit (os.Stdout for a stdout sink, os.Stderr
	// for a stderr sink).
	parent io.Writer

	mu  sync.Mutex
	buf bytes.Buffer

	file io.WriteCloser // opened by newStreamSink for RedirectFile
}

// newStreamSink constructs a sink for one stream. For RedirectFile it opens
// path up front so a failure to create the file surfaces as a spawn error
// rather than being swallowed on the drain goroutine.
func newStreamSink(disp command.Disposition, path string, lineCB func(string), parent io.Writer) (*streamSink, error) {
	s := &streamSink{disposition: disp, path: path, lineCB: lineCB, parent: parent}
	if disp == command.RedirectFile {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("executor: redirect %s: %w", path, err)
		}
		s.file = f
	}
	return s, nil
}

// drain copies r to the sink's destination until EOF. Every platform
// realization runs it on its own goroutine, one per pipe.
func (s *streamSink) drain(r io.Reader) {
	switch s.disposition {
	case command.LineCallback:
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			if s.lineCB != nil {
				s.lineCB(sc.Text())
			}
		}
	case command.Inherit:
		io.Copy(s.parent, r)
	case command.RedirectFile:
		defer s.file.Close()
		io.Copy(s.file, r)
	default: // CaptureBuffer
		buf := make([]byte, 64*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				s.appendChunk(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}
}

func (s *streamSink) appendChunk(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(b)
}

// Bytes returns everything captured so far. Safe to call after the
// producing goroutine has finished (the executor joins it before invoking
// the completion callback).
func (s *streamSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// wireOutputs attaches stdout/stderr sinks to c, returning the two sinks so
// the platform code can pump them and, on completion, copy their buffers
// back into c via SetStdoutCapture/SetStderrCapture. An error means a
// RedirectFile destination could not be created; the caller should treat it
// as a spawn failure without ever starting the child.
func wireOutputs(c *command.Command) (stdout, stderr *streamSink, err error) {
	stdout, err = newStreamSink(c.StdoutDisposition, c.StdoutPath, c.StdoutLineCallback, os.Stdout)
	if err != nil {
		return nil, nil, err
	}
	stderr, err = newStreamSink(c.StderrDisposition, c.StderrPath, c.StderrLineCallback, os.Stderr)
	if err != nil {
		if stdout.file != nil {
			stdout.file.Close()
		}
		return nil, nil, err
	}
	return stdout, stderr, nil
}

func applyCaptured(c *command.Command, stdout, stderr *streamSink) {
	if stdout.disposition == command.CaptureBuffer {
		c.SetStdoutCapture(stdout.Bytes())
	}
	if stderr.disposition == command.CaptureBuffer {
		c.SetStderrCapture(stderr.Bytes())
	}
}

// childEnv returns c.Environment ("key=value" pairs) as the child's whole
// environment, or nil when it is empty so the child inherits the parent's,
// matching spec.md §3 ("if empty, inherit parent"). A non-empty
// Environment is not merged with the parent's environment.
func childEnv(c *command.Command) []string {
	if len(c.Environment) == 0 {
		return nil // nil tells os/exec and the raw spawn paths to inherit
	}
	return append([]string(nil), c.Environment...)
}
