//go:build darwin || freebsd || netbsd || openbsd

package ui

import (
	"os"

	"golang.org/x/sys/unix"
)

// IsTerminal reports whether stdout is attached to a terminal. BSD-family
// kernels (including Darwin) name the termios ioctl TIOCGETA rather than
// Linux's TCGETS.
func IsTerminal() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdout.Fd()), unix.TIOCGETA)
	return err == nil
}
