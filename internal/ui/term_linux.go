//go:build linux

package ui

import (
	"os"

	"golang.org/x/sys/unix"
)

// IsTerminal reports whether stdout is attached to a terminal, the same
// unix.IoctlGetTermios probe internal/batch/batch.go uses.
func IsTerminal() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdout.Fd()), unix.TCGETS)
	return err == nil
}
