package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgebuild/forge/internal/command"
)

func newCmd(t *testing.T, dir string, in, out string) *command.Command {
	t.Helper()
	inPath := filepath.Join(dir, in)
	outPath := filepath.Join(dir, out)
	if err := os.WriteFile(inPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := command.New("cc", "cc", inPath, "-o", outPath)
	c.Inputs = []string{inPath}
	c.Outputs = []string{outPath}
	return c
}

func TestFingerprintStability(t *testing.T) {
	c1 := command.New("cc", "cc", "-c", "a.c", "-o", "a.o")
	c1.WorkingDirectory = "/tmp/build"
	c1.Environment = []string{"PATH=/usr/bin"}

	c2 := command.New("cc", "cc", "-c", "a.c", "-o", "a.o")
	c2.WorkingDirectory = "/tmp/build"
	c2.Environment = []string{"PATH=/usr/bin"}

	if Compute(c1) != Compute(c2) {
		t.Fatal("identical (arguments, cwd, env) produced different fingerprints")
	}

	c2.Arguments[1] = "-O2"
	if Compute(c1) == Compute(c2) {
		t.Fatal("different arguments produced the same fingerprint")
	}
}

func TestNewCommandIsOutdated(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	c := newCmd(t, dir, "a.c", "a.o")
	reason := s.IsOutdated(c)
	if reason.Kind != NewCommand {
		t.Fatalf("IsOutdated() = %v, want NewCommand", reason)
	}
}

func TestRecordThenUpToDate(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	c := newCmd(t, dir, "a.c", "a.o")
	if err := os.WriteFile(c.Outputs[0], []byte("obj"), 0o644); err != nil {
		t.Fatal(err)
	}
	c.End = time.Now().Add(time.Hour) // comfortably after any file mtime
	c.ExitCode = 0

	if err := s.Record(c); err != nil {
		t.Fatal(err)
	}

	reason := s.IsOutdated(c)
	if reason.Kind != UpToDate {
		t.Fatalf("IsOutdated() after Record = %v, want UpToDate", reason)
	}
}

func TestTouchInputTriggersRebuild(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	c := newCmd(t, dir, "a.c", "a.o")
	if err := os.WriteFile(c.Outputs[0], []byte("obj"), 0o644); err != nil {
		t.Fatal(err)
	}
	c.End = time.Now()
	c.ExitCode = 0
	if err := s.Record(c); err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(c.Inputs[0], future, future); err != nil {
		t.Fatal(err)
	}
	s.files.resetChecked(c.Inputs[0]) // force re-stat in this same process

	reason := s.IsOutdated(c)
	if reason.Kind != UpdatedFile {
		t.Fatalf("IsOutdated() after touching input = %v, want UpdatedFile", reason)
	}
}

func TestMissingOutputIsOutdated(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	c := newCmd(t, dir, "a.c", "a.o")
	if err := os.WriteFile(c.Outputs[0], []byte("obj"), 0o644); err != nil {
		t.Fatal(err)
	}
	c.End = time.Now()
	c.ExitCode = 0
	if err := s.Record(c); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(c.Outputs[0]); err != nil {
		t.Fatal(err)
	}
	s.files.resetChecked(c.Outputs[0])

	reason := s.IsOutdated(c)
	if reason.Kind != MissingFile {
		t.Fatalf("IsOutdated() after removing output = %v, want MissingFile", reason)
	}
}

func TestReopenPersistsAcrossStoreInstances(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	c := newCmd(t, dir, "a.c", "a.o")
	if err := os.WriteFile(c.Outputs[0], []byte("obj"), 0o644); err != nil {
		t.Fatal(err)
	}
	c.End = time.Now().Add(time.Hour)
	c.ExitCode = 0
	if err := s.Record(c); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	reason := s2.IsOutdated(c)
	if reason.Kind != UpToDate {
		t.Fatalf("IsOutdated() on reopened store = %v, want UpToDate", reason)
	}
}
