package rules

import (
	"strings"
	"testing"

	"github.com/forgebuild/forge/internal/command"
	"github.com/forgebuild/forge/internal/manifest"
	"github.com/forgebuild/forge/internal/toolchain"
)

func gccToolchain() *toolchain.Toolchain {
	return &toolchain.Toolchain{CC: "cc", CXX: "c++", LD: "cc", Kind: command.GCCClang}
}

func TestExpandLibraryAndBinary(t *testing.T) {
	src := `
target "libcore" {
  rule: "cc_library"
  srcs: ["core.c"]
  output: "libcore.a"
}

target "app" {
  rule: "cc_binary"
  srcs: ["main.c"]
  deps: ["libcore"]
  output: "app"
}
`
	m, err := manifest.Parse(src)
	if err != nil {
		t.Fatal(err)
	}

	cmds, err := Expand(m, "app", gccToolchain(), "/build")
	if err != nil {
		t.Fatal(err)
	}

	// core.c compile, libcore.a archive, main.c compile, app link: 4 commands,
	// dependency-first order.
	if len(cmds) != 4 {
		t.Fatalf("len(cmds) = %d, want 4: %v", len(cmds), names(cmds))
	}
	if !strings.Contains(cmds[0].Name, "core.c") {
		t.Fatalf("cmds[0] = %q, want the core.c compile first", cmds[0].Name)
	}
	if cmds[1].Arguments[0] != "ar" {
		t.Fatalf("cmds[1] = %v, want the archive command", cmds[1].Arguments)
	}
	last := cmds[len(cmds)-1]
	if last.Arguments[0] != "cc" || last.Outputs[0] != "/build/app" {
		t.Fatalf("last command = %v, want the link producing /build/app", last.Arguments)
	}
	for _, in := range last.Inputs {
		if in == "/build/libcore.a" {
			return
		}
	}
	t.Fatalf("link command inputs = %v, want it to depend on /build/libcore.a", last.Inputs)
}

func TestExpandSharedDependencyBuildsOnce(t *testing.T) {
	src := `
target "libcore" {
  rule: "cc_library"
  srcs: ["core.c"]
  output: "libcore.a"
}
target "a" {
  rule: "cc_binary"
  srcs: ["a.c"]
  deps: ["libcore"]
  output: "a"
}
target "b" {
  rule: "cc_binary"
  srcs: ["b.c"]
  deps: ["libcore", "a"]
  output: "b"
}
`
	m, err := manifest.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	cmds, err := Expand(m, "b", gccToolchain(), "/build")
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, c := range cmds {
		if strings.Contains(c.Name, "core.c") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("core.c compiled %d times, want 1", count)
	}
}

func TestExpandUnknownTargetFails(t *testing.T) {
	m, err := manifest.Parse(`target "a" { rule: "cc_binary" srcs: ["a.c"] output: "a" }`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Expand(m, "missing", gccToolchain(), "/build"); err == nil {
		t.Fatal("Expand() = nil error, want error for unknown target")
	}
}

func TestExpandUnknownRuleFails(t *testing.T) {
	m, err := manifest.Parse(`target "a" { rule: "mystery" srcs: ["a.c"] output: "a" }`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Expand(m, "a", gccToolchain(), "/build"); err == nil {
		t.Fatal("Expand() = nil error, want error for unknown rule")
	}
}

func TestExpandGCCCommandsGetDepfile(t *testing.T) {
	m, err := manifest.Parse(`target "a" { rule: "cc_binary" srcs: ["a.c"] output: "a" }`)
	if err != nil {
		t.Fatal(err)
	}
	cmds, err := Expand(m, "a", gccToolchain(), "/build")
	if err != nil {
		t.Fatal(err)
	}
	compile := cmds[0]
	if compile.Kind != command.GCCClang || compile.DepfilePath == "" {
		t.Fatalf("compile command = %+v, want GCCClang Kind with a DepfilePath", compile)
	}
}

func names(cmds []*command.Command) []string {
	var out []string
	for _, c := range cmds {
		out = append(out, c.Name)
	}
	return out
}
