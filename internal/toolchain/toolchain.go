// Package toolchain resolves the compiler and linker binaries a manifest's
// targets are built with. It is a collaborator of the core engine (spec.md
// §1 Non-goals keep toolchain provisioning out of scope), present only so
// cmd/forge can run a build end to end against whatever happens to be on
// PATH.
package toolchain

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/forgebuild/forge/internal/command"
)

// Toolchain names the compiler/linker binaries and the Kind a compile
// command should be tagged with for dependency scanning (internal/depscan).
type Toolchain struct {
	CC   string
	CXX  string
	LD   string
	Kind command.Kind
}

// Detect resolves a Toolchain from the environment: CC/CXX/LD env vars
// take precedence (matching internal/env's own "environment variable,
// else default" lookup shape). Otherwise it searches PATH: cl.exe (linking
// with link.exe when found) wherever it is on PATH, else the first of
// cc/gcc/clang, which also serves as the linker, with c++/g++/clang++ as
// the C++ compiler.
func Detect() (*Toolchain, error) {
	if os.Getenv("CC") != "" || os.Getenv("CXX") != "" || os.Getenv("LD") != "" {
		return fromEnv()
	}
	return fromPath()
}

func fromEnv() (*Toolchain, error) {
	cc := os.Getenv("CC")
	cxx := os.Getenv("CXX")
	ld := os.Getenv("LD")
	if cc == "" {
		cc = "cc"
	}
	if cxx == "" {
		cxx = "c++"
	}
	if ld == "" {
		ld = cc
	}
	return &Toolchain{CC: cc, CXX: cxx, LD: ld, Kind: kindOf(cc)}, nil
}

func fromPath() (*Toolchain, error) {
	if path, err := exec.LookPath("cl.exe"); err == nil {
		return &Toolchain{CC: path, CXX: path, LD: firstFound("link.exe", path), Kind: command.MSVCCl}, nil
	}
	cc, err := firstOnPath("cc", "gcc", "clang")
	if err != nil {
		return nil, fmt.Errorf("toolchain: no C compiler found on PATH: %w", err)
	}
	cxx, err := firstOnPath("c++", "g++", "clang++")
	if err != nil {
		cxx = cc
	}
	return &Toolchain{CC: cc, CXX: cxx, LD: cc, Kind: command.GCCClang}, nil
}

func firstOnPath(names ...string) (string, error) {
	var lastErr error
	for _, n := range names {
		if path, err := exec.LookPath(n); err == nil {
			return path, nil
		} else {
			lastErr = err
		}
	}
	return "", lastErr
}

func firstFound(name, fallback string) string {
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	return fallback
}

func kindOf(ccPath string) command.Kind {
	base := ccPath
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '/' || base[i] == '\\' {
			base = base[i+1:]
			break
		}
	}
	if base == "cl" || base == "cl.exe" {
		return command.MSVCCl
	}
	return command.GCCClang
}
