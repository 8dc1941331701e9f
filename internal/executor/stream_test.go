package executor

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forgebuild/forge/internal/command"
)

func TestStreamSinkCaptureBuffer(t *testing.T) {
	s, err := newStreamSink(command.CaptureBuffer, "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.drain(strings.NewReader("hello\nworld\n"))
	if got := string(s.Bytes()); got != "hello\nworld\n" {
		t.Fatalf("Bytes() = %q, want %q", got, "hello\nworld\n")
	}
}

func TestStreamSinkLineCallback(t *testing.T) {
	var lines []string
	s, err := newStreamSink(command.LineCallback, "", func(l string) { lines = append(lines, l) }, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.drain(strings.NewReader("one\ntwo\nthree\n"))

	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %v", len(lines), len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestStreamSinkInheritWritesToParent(t *testing.T) {
	var parent bytes.Buffer
	s, err := newStreamSink(command.Inherit, "", nil, &parent)
	if err != nil {
		t.Fatal(err)
	}
	s.drain(strings.NewReader("straight to the terminal\n"))
	if got := parent.String(); got != "straight to the terminal\n" {
		t.Fatalf("parent.String() = %q, want %q", got, "straight to the terminal\n")
	}
}

func TestStreamSinkRedirectFileWritesAndCloses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	s, err := newStreamSink(command.RedirectFile, path, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.drain(strings.NewReader("redirected\n"))

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "redirected\n" {
		t.Fatalf("file content = %q, want %q", got, "redirected\n")
	}
	// drain's deferred Close should have released the handle, so closing
	// the same *os.File a second time must fail.
	if err := s.file.Close(); err == nil {
		t.Fatal("file should already be closed by drain")
	}
}

func TestNewStreamSinkRedirectFileOpenFailure(t *testing.T) {
	// A directory component that doesn't exist makes os.Create fail.
	path := filepath.Join(t.TempDir(), "does-not-exist", "out.txt")
	if _, err := newStreamSink(command.RedirectFile, path, nil, nil); err == nil {
		t.Fatal("expected an error opening a redirect file in a missing directory")
	}
}

func TestWireOutputsAndApplyCaptured(t *testing.T) {
	c := command.New("cc", "cc", "-c", "a.c")
	c.StdoutDisposition = command.CaptureBuffer
	c.StderrDisposition = command.CaptureBuffer

	stdout, stderr, err := wireOutputs(c)
	if err != nil {
		t.Fatal(err)
	}
	stdout.appendChunk([]byte("out"))
	stderr.appendChunk([]byte("err"))

	applyCaptured(c, stdout, stderr)
	if string(c.Stdout()) != "out" {
		t.Fatalf("c.Stdout() = %q, want %q", c.Stdout(), "out")
	}
	if string(c.Stderr()) != "err" {
		t.Fatalf("c.Stderr() = %q, want %q", c.Stderr(), "err")
	}
}

func TestChildEnvInheritsWhenEmpty(t *testing.T) {
	c := command.New("cc", "cc")
	if env := childEnv(c); env != nil {
		t.Fatalf("childEnv() = %v, want nil (inherit)", env)
	}

	c.Environment = []string{"FOO=bar"}
	env := childEnv(c)
	if len(env) != 1 || env[0] != "FOO=bar" {
		t.Fatalf("childEnv() = %v, want [FOO=bar]", env)
	}
}
