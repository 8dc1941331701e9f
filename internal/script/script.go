// Package script emits saved command scripts (spec.md §6): an opt-in,
// per-command shell script under "<binary_dir>/rsp/<fingerprint><ext>" in a
// platform-appropriate dialect, so a failing command can be re-run or
// inspected outside of forge.
package script

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/command"
	"github.com/google/uuid"
)

// Dialect names one of the two script flavors spec.md §6 tabulates.
type Dialect struct {
	Extension    string
	Prolog       string
	Epilog       string
	Continuation string
	argSuffix    string // "$*" or "%*"
}

// POSIX is the `.sh` dialect: "#!/bin/sh" prolog, "$?"-based epilog,
// backslash line continuation.
var POSIX = Dialect{
	Extension:    ".sh",
	Prolog:       "#!/bin/sh",
	Epilog:       `E=$?; if [ $E -ne 0 ]; then echo "Error code: $E"; fi`,
	Continuation: `\`,
	argSuffix:    "$*",
}

// Windows is the `.bat` dialect: "@echo off"+"setlocal" prolog,
// %ERRORLEVEL%-based epilog, caret line continuation.
var Windows = Dialect{
	Extension:    ".bat",
	Prolog:       "@echo off\nsetlocal",
	Epilog:       "if %ERRORLEVEL% NEQ 0 echo Error code: %ERRORLEVEL% && exit /b %ERRORLEVEL%",
	Continuation: "^",
	argSuffix:    "%*",
}

// Native is POSIX on every platform but Windows. Set at init time rather
// than with a build tag because the dialect is a pure data value, not a
// different code path.
var Native = nativeDialect()

// RunID tags every saved script emitted during one build with the same
// banner comment, so a script can be traced back to the build that wrote
// it. The rsp directory itself is the same for every build sharing a
// binary_dir.
type RunID = uuid.UUID

// NewRunID returns a fresh run identifier for Write's banner comment.
func NewRunID() RunID { return uuid.New() }

// Write renders c as a saved command script in dialect d and writes it to
// "<binaryDir>/rsp/<fingerprint><ext>", returning the path written.
func Write(binaryDir string, c *command.Command, d Dialect, run RunID) (string, error) {
	rspDir := filepath.Join(binaryDir, "rsp")
	if err := os.MkdirAll(rspDir, 0o755); err != nil {
		return "", fmt.Errorf("script: creating rsp directory: %w", err)
	}

	fp := cache.Compute(c)
	path := filepath.Join(rspDir, fmt.Sprintf("%016x%s", uint64(fp), d.Extension))

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", d.Prolog)
	comment := "#"
	if d.Extension == ".bat" {
		comment = "rem"
	}
	fmt.Fprintf(&b, "%s forge run %s\n", comment, run)
	fmt.Fprintf(&b, "echo %s\n", quote(c.Name, d))
	if c.WorkingDirectory != "" {
		fmt.Fprintf(&b, "cd %s\n", quote(c.WorkingDirectory, d))
	}
	writeArgv(&b, c.Arguments, d)
	fmt.Fprintf(&b, " %s\n", d.argSuffix)
	fmt.Fprintf(&b, "%s\n", d.Epilog)

	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil {
		return "", fmt.Errorf("script: writing %s: %w", path, err)
	}
	return path, nil
}

// writeArgv emits one argument per line, continuation-escaped, per
// spec.md §6 "emits one argument per line with the continuation char".
func writeArgv(b *strings.Builder, args []string, d Dialect) {
	for i, a := range args {
		if i > 0 {
			fmt.Fprintf(b, " %s\n", d.Continuation)
		}
		b.WriteString(quote(a, d))
	}
}

func quote(s string, d Dialect) string {
	if !strings.ContainsAny(s, " \t\"") {
		return s
	}
	if d.Extension == ".bat" {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return `'` + strings.ReplaceAll(s, `'`, `'\''`) + `'`
}

func nativeDialect() Dialect {
	if runtime.GOOS == "windows" {
		return Windows
	}
	return POSIX
}
