package cache

import (
	"hash/fnv"

	"github.com/forgebuild/forge/internal/command"
)

// Fingerprint is a 64-bit hash identifying a command for cache purposes.
// Two commands with the same fingerprint are considered equivalent build
// units (spec.md §3).
//
// The combiner is an XOR of per-field FNV-1a hashes: associative and
// commutative on purpose. This is a correctness-on-presence store, not a
// security primitive — a collision only costs a spurious re-execution,
// because the staleness oracle still verifies file mtimes afterwards. An
// order-sensitive combiner (e.g. folding each hash into a running FNV state)
// would reduce collisions further, but existing on-disk caches are keyed on
// the XOR scheme, so it is kept (see spec.md §9 open questions).
type Fingerprint uint64

// argTag distinguishes how an argument token contributes to the fingerprint:
// a token that is also a declared input or output hashes differently from
// an arbitrary flag, mirroring the typed-variant mixing in spec.md §3 even
// though forge represents all tokens as plain strings (see DESIGN.md).
type argTag byte

const (
	tagPlain argTag = iota
	tagPath
)

func hashBytes(tag byte, b []byte) uint64 {
	h := fnv.New64a()
	h.Write([]byte{tag})
	h.Write(b)
	return h.Sum64()
}

func hashString(tag argTag, s string) uint64 {
	return hashBytes(byte(tag), []byte(s))
}

// Compute returns the fingerprint of c: arguments, working directory, and
// environment pairs, each contributing an XOR term.
func Compute(c *command.Command) Fingerprint {
	paths := make(map[string]bool, len(c.Inputs)+len(c.Outputs))
	for _, p := range c.Inputs {
		paths[p] = true
	}
	for _, p := range c.Outputs {
		paths[p] = true
	}

	var h uint64
	for _, a := range c.Arguments {
		tag := tagPlain
		if paths[a] {
			tag = tagPath
		}
		h ^= hashString(tag, a)
	}
	h ^= hashString(tagPath, c.WorkingDirectory)
	for _, kv := range c.Environment {
		h ^= hashString(tagPlain, kv)
	}
	return Fingerprint(h)
}
