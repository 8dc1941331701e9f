package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/forgebuild/forge/internal/command"
)

// Record computes c's fingerprint, unions inputs ∪ implicit inputs ∪
// outputs into the shared file table, appends a command frame to the
// on-disk log, and resets the checked flag of every output so that a
// dependent command consulted later in the same build re-stats them
// (spec.md §4.C).
func (s *Store) Record(c *command.Command) error {
	fp := Compute(c)

	all := make([]string, 0, len(c.Inputs)+len(c.ImplicitInputs)+len(c.Outputs))
	all = append(all, c.Inputs...)
	all = append(all, c.ImplicitInputs...)
	all = append(all, c.Outputs...)

	hashes := make([]FileHash, 0, len(all))
	newPaths := make([]string, 0, len(all))
	for _, p := range all {
		h := s.files.intern(p)
		hashes = append(hashes, h)
		newPaths = append(newPaths, p)
	}

	if err := s.appendFilePaths(newPaths); err != nil {
		return err
	}

	rec := &record{end: c.End, files: hashes}
	if err := s.appendCommandFrame(fp, rec); err != nil {
		return err
	}
	s.commands[fp] = rec

	for _, o := range c.Outputs {
		s.files.resetChecked(o)
	}
	return nil
}

// appendFilePaths writes each not-yet-seen path as a length-prefixed
// UTF-8 frame into commands.files.bin. The file table is position
// independent: entries self-address via their path hash, so duplicate
// writes across runs are harmless, but Record only writes paths that were
// not already part of this store's loaded table, to keep the log from
// growing unboundedly across a long-lived binary_dir.
func (s *Store) appendFilePaths(paths []string) error {
	var buf bytes.Buffer
	for _, p := range paths {
		if s.filesWritten == nil {
			s.filesWritten = make(map[string]bool)
		}
		if s.filesWritten[p] {
			continue
		}
		s.filesWritten[p] = true

		n := uint32(len(p))
		if err := binary.Write(&buf, binary.LittleEndian, n); err != nil {
			return err
		}
		buf.WriteString(p)
	}
	if buf.Len() == 0 {
		return nil
	}
	if _, err := s.filesFile.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("cache: append file table: %w", err)
	}
	return nil
}

func (s *Store) appendCommandFrame(fp Fingerprint, rec *record) error {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint64(fp))
	binary.Write(&body, binary.LittleEndian, timeToTicks(rec.end))
	binary.Write(&body, binary.LittleEndian, uint64(len(rec.files)))
	for _, h := range rec.files {
		binary.Write(&body, binary.LittleEndian, uint64(h))
	}

	var frame bytes.Buffer
	binary.Write(&frame, binary.LittleEndian, uint64(body.Len()))
	frame.Write(body.Bytes())

	if _, err := s.cmdFile.Write(frame.Bytes()); err != nil {
		return fmt.Errorf("cache: append command record: %w", err)
	}
	return nil
}
