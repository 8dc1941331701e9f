package script

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forgebuild/forge/internal/command"
)

func TestWritePOSIXScript(t *testing.T) {
	dir := t.TempDir()
	c := command.New("cc a.c", "cc", "-c", "a.c", "-o", "a.o")
	c.WorkingDirectory = "/src"

	path, err := Write(dir, c, POSIX, NewRunID())
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(path) != ".sh" {
		t.Fatalf("path = %q, want a .sh file", path)
	}
	if filepath.Dir(path) != filepath.Join(dir, "rsp") {
		t.Fatalf("path = %q, want it under <binaryDir>/rsp", path)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if !strings.HasPrefix(out, "#!/bin/sh\n") {
		t.Fatalf("script does not start with the POSIX prolog: %q", out)
	}
	if !strings.Contains(out, "cd /src") {
		t.Fatalf("script does not cd into the working directory: %q", out)
	}
	if !strings.Contains(out, `E=$?`) {
		t.Fatalf("script is missing the POSIX epilog: %q", out)
	}
	if !strings.Contains(out, "$*") {
		t.Fatalf("script does not forward extra arguments via $*: %q", out)
	}
	if !strings.Contains(out, "\\\na.c") && !strings.Contains(out, `\`+"\n") {
		t.Fatalf("script does not continuation-escape its argument lines: %q", out)
	}
}

func TestWriteWindowsScript(t *testing.T) {
	dir := t.TempDir()
	c := command.New("cl a.c", "cl.exe", "/c", "a.c")

	path, err := Write(dir, c, Windows, NewRunID())
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(path) != ".bat" {
		t.Fatalf("path = %q, want a .bat file", path)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if !strings.HasPrefix(out, "@echo off\nsetlocal\n") {
		t.Fatalf("script does not start with the Windows prolog: %q", out)
	}
	if !strings.Contains(out, "%ERRORLEVEL%") {
		t.Fatalf("script is missing the Windows epilog: %q", out)
	}
	if !strings.Contains(out, "%*") {
		t.Fatalf("script does not forward extra arguments via %%*: %q", out)
	}
}

func TestWriteFingerprintsDeterministically(t *testing.T) {
	dir := t.TempDir()
	c := command.New("cc a.c", "cc", "-c", "a.c", "-o", "a.o")

	p1, err := Write(dir, c, POSIX, NewRunID())
	if err != nil {
		t.Fatal(err)
	}
	p2, err := Write(dir, c, POSIX, NewRunID())
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Fatalf("same command produced different script paths: %q vs %q", p1, p2)
	}
}

func TestWriteQuotesArgumentsWithSpaces(t *testing.T) {
	dir := t.TempDir()
	c := command.New("cc", "cc", "-DMESSAGE=hello world")

	path, err := Write(dir, c, POSIX, NewRunID())
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `'-DMESSAGE=hello world'`) {
		t.Fatalf("script did not quote the space-containing argument: %q", string(b))
	}
}
