// Package cache implements the fingerprint + persisted command cache and
// the staleness oracle (spec.md §4.C, §4.D, §6).
package cache

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"golang.org/x/exp/mmap"
)

// SchemaVersion is bumped whenever the on-disk frame layout changes; old
// schema directories are simply ignored (spec.md §6).
const SchemaVersion = 1

const (
	commandsFile = "commands.bin"
	filesFile    = "commands.files.bin"
)

// record is the in-memory form of a persisted command frame.
type record struct {
	end   time.Time
	files []FileHash
}

// Store is the append-only, content-addressed cache of command completions
// living under <binary_dir>/db/<schema_version>/. It owns the on-disk logs
// and an in-memory map from fingerprint to record (spec.md §3
// "Ownership").
type Store struct {
	dir string

	cmdFile   *os.File
	filesFile *os.File

	// initial, read-only memory-mapped views taken at open time, used
	// only for the full-scan pass; the append tail is always read and
	// written through cmdFile/filesFile directly, because
	// golang.org/x/exp/mmap (the mmap package internal/depscan also uses
	// to read depfiles) only exposes a read-only,
	// fixed-length ReaderAt — it has no notion of growing a mapping.
	// Durability of the tail is therefore achieved at Close/unmap time,
	// exactly as spec.md §4.C describes ("become durable at unmap or on
	// process exit").
	initialCmdView   *mmap.ReaderAt
	initialFilesView *mmap.ReaderAt

	commands map[Fingerprint]*record
	files    *FileTable

	// filesWritten tracks which paths this store has already persisted
	// into commands.files.bin, loaded at open time so a long-lived
	// store doesn't rewrite entries across many builds.
	filesWritten map[string]bool
}

// Open opens (creating if necessary) the cache rooted at
// <binaryDir>/db/<SchemaVersion>/, fully scanning both logs to populate the
// in-memory maps as required by spec.md §4.C.
func Open(binaryDir string) (*Store, error) {
	dir := filepath.Join(binaryDir, "db", fmt.Sprint(SchemaVersion))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	s := &Store{
		dir:          dir,
		commands:     make(map[Fingerprint]*record),
		files:        globalFiles,
		filesWritten: make(map[string]bool),
	}

	cmdPath := filepath.Join(dir, commandsFile)
	filesPath := filepath.Join(dir, filesFile)

	if err := ensureExists(cmdPath); err != nil {
		return nil, err
	}
	if err := ensureExists(filesPath); err != nil {
		return nil, err
	}

	var err error
	s.cmdFile, err = os.OpenFile(cmdPath, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	s.filesFile, err = os.OpenFile(filesPath, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		s.cmdFile.Close()
		return nil, fmt.Errorf("cache: %w", err)
	}

	if nonEmpty(filesPath) {
		if s.initialFilesView, err = mmap.Open(filesPath); err != nil {
			s.Close()
			return nil, fmt.Errorf("cache: %w", err)
		}
		if err := s.loadFiles(); err != nil {
			s.Close()
			return nil, fmt.Errorf("cache: %w", err)
		}
	}

	if nonEmpty(cmdPath) {
		if s.initialCmdView, err = mmap.Open(cmdPath); err != nil {
			s.Close()
			return nil, fmt.Errorf("cache: %w", err)
		}
		if err := s.loadCommands(); err != nil {
			s.Close()
			return nil, fmt.Errorf("cache: %w", err)
		}
	}

	return s, nil
}

// DBRoot returns the "<binary_dir>/db" directory this store's
// schema-versioned subdirectory lives under, for collaborators (e.g.
// internal/depscan's MSVC prefix probe) that want a build-scoped scratch
// location that survives a SchemaVersion bump rather than living inside
// the versioned subdirectory itself.
func (s *Store) DBRoot() string {
	return filepath.Dir(s.dir)
}

// nonEmpty reports whether path exists and has non-zero size. A freshly
// created cache's logs start empty, and golang.org/x/exp/mmap cannot map a
// zero-length file, so Open skips straight to an empty in-memory state in
// that case.
func nonEmpty(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() > 0
}

// ensureExists creates an empty log file the first time a schema directory
// is opened. renameio.WriteFile writes through a temp file and renames it
// into place, so the empty log appears atomically under its final name.
func ensureExists(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return renameio.WriteFile(path, nil, 0o644)
}

func (s *Store) loadFiles() error {
	r := io.NewSectionReader(s.initialFilesView, 0, int64(s.initialFilesView.Len()))
	br := bufio.NewReader(r)
	for {
		var n uint32
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return err
		}
		path := string(buf)
		s.files.observe(hashPath(path), path)
		s.filesWritten[path] = true
	}
}

func (s *Store) loadCommands() error {
	r := io.NewSectionReader(s.initialCmdView, 0, int64(s.initialCmdView.Len()))
	br := bufio.NewReader(r)
	for {
		var length uint64
		if err := binary.Read(br, binary.LittleEndian, &length); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(br, body); err != nil {
			return err
		}
		br2 := newByteReader(body)
		var fp, endTicks, fileCount uint64
		if err := binary.Read(br2, binary.LittleEndian, &fp); err != nil {
			return err
		}
		if err := binary.Read(br2, binary.LittleEndian, &endTicks); err != nil {
			return err
		}
		if err := binary.Read(br2, binary.LittleEndian, &fileCount); err != nil {
			return err
		}
		hashes := make([]FileHash, fileCount)
		for i := range hashes {
			var h uint64
			if err := binary.Read(br2, binary.LittleEndian, &h); err != nil {
				return err
			}
			hashes[i] = FileHash(h)
		}
		s.commands[Fingerprint(fp)] = &record{
			end:   ticksToTime(endTicks),
			files: hashes,
		}
	}
}

// Close flushes and releases the cache's file handles. Per spec.md §4.C,
// writes become durable at unmap or process exit; Close performs both.
func (s *Store) Close() error {
	var firstErr error
	if s.initialCmdView != nil {
		if err := s.initialCmdView.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.initialFilesView != nil {
		if err := s.initialFilesView.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.cmdFile != nil {
		if err := s.cmdFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.filesFile != nil {
		if err := s.filesFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// timeToTicks/ticksToTime convert between time.Time and the u64 epoch-tick
// encoding of spec.md §6. Sub-nanosecond precision is not needed; forge
// stores Unix nanoseconds, which fits in 64 bits until the year 2262.
func timeToTicks(t time.Time) uint64 { return uint64(t.UnixNano()) }
func ticksToTime(ticks uint64) time.Time {
	return time.Unix(0, int64(ticks))
}

type byteReader struct {
	b []byte
	i int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}
