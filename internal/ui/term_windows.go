//go:build windows

package ui

import (
	"os"

	"github.com/mattn/go-isatty"
)

// IsTerminal reports whether stdout is attached to a terminal.
// unix.IoctlGetTermios has no Windows equivalent, so this path uses
// go-isatty instead, matching the DOMAIN STACK ledger's split: the unix
// ioctl check on Linux/macOS, go-isatty on Windows.
func IsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}
