package cache

import (
	"fmt"

	"github.com/forgebuild/forge/internal/command"
)

// ReasonKind tags why the staleness oracle considers a command outdated
// (spec.md §4.D).
type ReasonKind int

const (
	UpToDate ReasonKind = iota
	NewCommand
	NewFile
	NotRecordedFile
	MissingFile
	UpdatedFile
)

func (k ReasonKind) String() string {
	switch k {
	case UpToDate:
		return "up_to_date"
	case NewCommand:
		return "new_command"
	case NewFile:
		return "new_file"
	case NotRecordedFile:
		return "not_recorded_file"
	case MissingFile:
		return "missing_file"
	case UpdatedFile:
		return "updated_file"
	default:
		return "unknown"
	}
}

// Reason is the tagged verdict returned by IsOutdated. Path is populated
// for the per-file reasons (NewFile, MissingFile, UpdatedFile).
type Reason struct {
	Kind ReasonKind
	Path string
}

func (r Reason) String() string {
	if r.Path == "" {
		return r.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", r.Kind, r.Path)
}

// IsOutdated implements the staleness oracle algorithm from spec.md §4.D:
//
//  1. Look up the command's fingerprint. A miss means the command (or its
//     arguments/cwd/env) has never been recorded as completed.
//  2. For every file hash recorded against that fingerprint, check it is
//     still known to the file table, still exists, and has an mtime no
//     later than the command's last recorded completion time.
//
// always_run commands are the caller's concern (spec.md §4.G step 2); the
// oracle itself has no special case for them.
func (s *Store) IsOutdated(c *command.Command) Reason {
	fp := Compute(c)
	rec, ok := s.commands[fp]
	if !ok {
		return Reason{Kind: NewCommand}
	}

	for _, h := range rec.files {
		e := s.files.statOnce(h)
		if e == nil {
			return Reason{Kind: NotRecordedFile}
		}
		if !e.exists {
			return Reason{Kind: MissingFile, Path: e.path}
		}
		if e.mtime.After(rec.end) {
			return Reason{Kind: UpdatedFile, Path: e.path}
		}
	}

	return Reason{Kind: UpToDate}
}
