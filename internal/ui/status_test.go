package ui

import (
	"bytes"
	"strings"
	"testing"
)

func TestBoardNoOpWhenNotATerminal(t *testing.T) {
	var buf bytes.Buffer
	b := NewBoard(&buf, 2, false)
	b.SetSummary("0 of 2")
	b.SetSlot(0, "building a")
	b.Refresh()
	if buf.Len() != 0 {
		t.Fatalf("board wrote output for a non-terminal sink: %q", buf.String())
	}
}

func TestBoardRedrawsOnForceRefresh(t *testing.T) {
	var buf bytes.Buffer
	b := NewBoard(&buf, 2, true)
	b.SetSummary("0 of 2")
	b.Refresh()

	out := buf.String()
	if !strings.Contains(out, "0 of 2") {
		t.Fatalf("redraw missing summary line: %q", out)
	}
	if !strings.Contains(out, "\033[3A") {
		t.Fatalf("redraw did not restore the cursor position for 3 lines: %q", out)
	}
}

func TestBoardPadsShorterLinesOnRedraw(t *testing.T) {
	var buf bytes.Buffer
	b := NewBoard(&buf, 1, true)
	b.SetSlot(0, "building a very long command line")
	b.Refresh()
	buf.Reset()

	b.SetSlot(0, "idle")
	b.Refresh()

	lines := strings.Split(buf.String(), "\n")
	if len(lines) < 2 {
		t.Fatalf("redraw produced too few lines: %q", buf.String())
	}
	if !strings.HasPrefix(lines[1], "idle") || len(lines[1]) <= len("idle") {
		t.Fatalf("shorter status line was not padded to overwrite stale text: %q", lines[1])
	}
}
