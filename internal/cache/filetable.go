package cache

import (
	"hash/fnv"
	"os"
	"sync"
	"time"
)

// FileHash is the 64-bit hash of a path string, self-addressing entries in
// commands.files.bin (spec.md §6).
type FileHash uint64

func hashPath(path string) FileHash {
	h := fnv.New64a()
	h.Write([]byte(path))
	return FileHash(h.Sum64())
}

// fileEntry is the (path, mtime, checked, exists) tuple from spec.md §3.
// checked memoizes a single stat() per file per build.
type fileEntry struct {
	path    string
	mtime   time.Time
	checked bool
	exists  bool
}

func (f *fileEntry) check() {
	fi, err := os.Stat(f.path)
	f.checked = true
	if err != nil {
		f.exists = false
		return
	}
	f.exists = true
	f.mtime = fi.ModTime()
}

// FileTable is the process-wide path<->hash table shared by every Store
// opened in the same build, so each distinct file is stat'd at most once
// (spec.md §4.C, §5 "Shared resources").
type FileTable struct {
	mu     sync.Mutex
	byHash map[FileHash]*fileEntry
	byPath map[string]FileHash
}

// globalFiles is the single process-wide instance; lazily used by every
// Store.
var globalFiles = newFileTable()

func newFileTable() *FileTable {
	return &FileTable{
		byHash: make(map[FileHash]*fileEntry, 1<<14),
		byPath: make(map[string]FileHash),
	}
}

// intern records path in the table if absent and returns its hash.
func (t *FileTable) intern(path string) FileHash {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.byPath[path]; ok {
		return h
	}
	h := hashPath(path)
	if _, exists := t.byHash[h]; !exists {
		t.byHash[h] = &fileEntry{path: path}
	}
	t.byPath[path] = h
	return h
}

// lookup returns the entry for h, or nil if the hash was never interned in
// this process (i.e. it was read back from an on-disk file table produced
// by an older run whose path was never touched again).
func (t *FileTable) lookup(h FileHash) *fileEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byHash[h]
}

// observe registers path (read from a persisted file table) under hash h
// without forcing a stat.
func (t *FileTable) observe(h FileHash, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byHash[h]; !ok {
		t.byHash[h] = &fileEntry{path: path}
	}
	t.byPath[path] = h
}

// resetChecked clears the checked flag for path, forcing the next
// is_outdated query to re-stat it. Used after recording a command whose
// outputs may be consulted by a dependent later in the same build
// (spec.md §4.C "record").
func (t *FileTable) resetChecked(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.byPath[path]; ok {
		if e, ok := t.byHash[h]; ok {
			e.checked = false
		}
	}
}

// statOnce stats path at most once per process run and returns the cached
// result.
func (t *FileTable) statOnce(h FileHash) *fileEntry {
	t.mu.Lock()
	e, ok := t.byHash[h]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	t.mu.Lock()
	needsCheck := !e.checked
	t.mu.Unlock()
	if needsCheck {
		e.check()
	}
	return e
}
