// Package forgetest collects small test fixtures shared across forge's
// package tests: a scratch binary_dir, a fake compiler that can be pointed
// at by internal/toolchain without needing a real cc on the test machine,
// and deterministic forced-future mtimes for exercising the cache
// oracle. Adapted from distr1-distri's internal/distritest package.
package forgetest

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// BinaryDir returns a fresh scratch directory to use as a build's
// binary_dir, removed automatically at the end of the test.
func BinaryDir(t testing.TB) string {
	t.Helper()
	return t.TempDir()
}

// RemoveAll wraps os.RemoveAll and fails the test on failure, mirroring
// distritest.RemoveAll.
func RemoveAll(t testing.TB, path string) {
	t.Helper()
	if err := os.RemoveAll(path); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

// TouchFuture writes path with contents b and sets both its atime and
// mtime to a fixed point comfortably in the future, so a test can record
// a command against it and assert the staleness oracle reports it up to
// date without racing the real clock.
func TouchFuture(t testing.TB, path string, b []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(24 * time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
}

// FakeCompiler writes a tiny script at dir/cc (dir/cc.bat on Windows) that
// copies its first input argument to the path following "-o", so package
// tests can exercise internal/rules and internal/scheduler end to end
// without depending on a real C toolchain being installed on the test
// machine. It returns the script's path.
func FakeCompiler(t testing.TB, dir string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		path := filepath.Join(dir, "cc.bat")
		script := "@echo off\r\nshift\r\ncopy %1 %3 >NUL\r\n"
		if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
			t.Fatal(err)
		}
		return path
	}
	path := filepath.Join(dir, "cc")
	script := fmt.Sprintf("#!/bin/sh\nset -e\nshift\nsrc=$1\nshift\nshift\nout=$1\ncp \"$src\" \"$out\"\n")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}
