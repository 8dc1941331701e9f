package command

import "testing"

func TestStringQuotesWhitespace(t *testing.T) {
	c := New("link", "cc", "-o", "my app", "a.o")
	got := c.String()
	want := `cc -o "my app" a.o`
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestValidateRejectsInputOutputOverlap(t *testing.T) {
	c := New("bad")
	c.Inputs = []string{"a.c"}
	c.Outputs = []string{"a.c"}
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for input/output overlap")
	}
}

func TestValidateRejectsImplicitOutputOverlap(t *testing.T) {
	c := New("bad")
	c.ImplicitInputs = []string{"h.h"}
	c.Outputs = []string{"h.h"}
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for implicit-input/output overlap")
	}
}

func TestValidateOK(t *testing.T) {
	c := New("ok")
	c.Inputs = []string{"a.c"}
	c.Outputs = []string{"a.o"}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestHasRunAndSuccess(t *testing.T) {
	c := New("ok")
	if c.HasRun() {
		t.Fatal("HasRun() = true before execution")
	}
	c.ExitCode = 0
	if !c.HasRun() || !c.Success() {
		t.Fatal("HasRun()/Success() = false after a zero exit")
	}
	c.ExitCode = 1
	if c.Success() {
		t.Fatal("Success() = true for a non-zero exit")
	}
}

func TestErrorTextPrefersStderr(t *testing.T) {
	c := New("bad")
	c.SetStdoutCapture([]byte("out"))
	c.SetStderrCapture([]byte("err"))
	if got := c.ErrorText(); got != "err" {
		t.Errorf("ErrorText() = %q, want %q", got, "err")
	}
}

func TestErrorTextFallsBackToSynthetic(t *testing.T) {
	c := New("bad")
	c.SetErrorText("exec: permission denied")
	if got := c.ErrorText(); got != "exec: permission denied" {
		t.Errorf("ErrorText() = %q, want synthetic message", got)
	}
}
