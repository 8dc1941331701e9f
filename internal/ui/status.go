// Package ui renders the terminal progress display for a running build: a
// fixed block of status lines, one per concurrency slot plus a summary
// line, redrawn in place with an ANSI cursor-up sequence. Grounded on
// distr1-distri's internal/batch/batch.go scheduler status lines.
package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// minRefreshInterval throttles redraws the same way batch.go's
// updateStatus does: printing on every single status change slows the
// build down for no visible benefit.
const minRefreshInterval = 100 * time.Millisecond

// Board is a fixed-height block of status lines. Line 0 is a summary
// line; lines 1..slots are per-concurrency-slot activity ("building
// <command>" / "idle"). Safe for concurrent use.
type Board struct {
	out        io.Writer
	isTerminal bool

	mu         sync.Mutex
	lines      []string
	lastRedraw time.Time
}

// NewBoard returns a Board with slots+1 lines, writing to out. When out is
// not a terminal (isTerminal false), every method is a no-op: batch.go
// takes the same "skip entirely when not a tty" shortcut rather than
// falling back to plain line-oriented logging; cmd/forge prints plain
// "[i/N] <name>" progress lines itself in the non-interactive case.
func NewBoard(out io.Writer, slots int, isTerminal bool) *Board {
	return &Board{
		out:        out,
		isTerminal: isTerminal,
		lines:      make([]string, slots+1),
	}
}

// SetSummary sets line 0.
func (b *Board) SetSummary(text string) {
	b.set(0, text)
}

// SetSlot sets the status line for concurrency slot i (0-based; stored at
// line i+1).
func (b *Board) SetSlot(i int, text string) {
	b.set(i+1, text)
}

func (b *Board) set(line int, text string) {
	if !b.isTerminal {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if diff := len(b.lines[line]) - len(text); diff > 0 {
		text += strings.Repeat(" ", diff) // overwrite stale characters
	}
	b.lines[line] = text
	if time.Since(b.lastRedraw) < minRefreshInterval {
		return
	}
	b.redrawLocked()
}

// Refresh force-redraws every line regardless of the throttle, for use
// right before the board's content changes shape (e.g. a new build
// starting) or at the very end of a build.
func (b *Board) Refresh() {
	if !b.isTerminal {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.redrawLocked()
}

func (b *Board) redrawLocked() {
	b.lastRedraw = time.Now()
	var maxLen int
	for _, line := range b.lines {
		if len(line) > maxLen {
			maxLen = len(line)
		}
	}
	for _, line := range b.lines {
		if len(line) < maxLen {
			line += strings.Repeat(" ", maxLen-len(line))
		}
		fmt.Fprintln(b.out, line)
	}
	fmt.Fprintf(b.out, "\033[%dA", len(b.lines)) // restore cursor position
}
