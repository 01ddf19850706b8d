package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/starford/folio/internal/models"
)

// Report is the outcome of a Reconstruct pass.
type Report struct {
	// Heads maps every readable note to its current version.
	Heads map[models.NoteID]models.VersionID
	// Versions counts the readable version files.
	Versions int
	// Skipped lists version files that could not be decoded; they stay on
	// disk untouched and are never adopted as a head.
	Skipped []SkippedFile
	// Orphans lists in-flight temp files left by an interrupted write.
	Orphans []string
	// Gaps lists versions whose parent is missing or unreadable.
	Gaps []Gap
	// Empty lists note directories holding no version at all.
	Empty []string
}

// SkippedFile is a quarantined version file.
type SkippedFile struct {
	Path string
	Err  error
}

// Gap is a broken parent link.
type Gap struct {
	NoteID  models.NoteID
	Version models.VersionID
	Parent  models.VersionID
}

// Reconstruct implements Provider. It scans every note directory, discards
// orphaned temp files, skips undecodable versions, picks each note's head by
// following parent links and rewrites the derived HEAD pointers. Read-only
// stores report without touching the disk.
func (s *Store) Reconstruct(ctx context.Context) (*Report, error) {
	rep := &Report{Heads: make(map[models.NoteID]models.VersionID)}
	notesDir := s.Path(NotesDir)

	entries, err := os.ReadDir(notesDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && s.flags.ReadOnly {
			return rep, nil
		}
		return nil, fmt.Errorf("storage: reconstruct: %w", err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() {
			continue
		}
		id, err := models.ParseNoteID(e.Name())
		if err != nil {
			s.logger.Warn("reconstruct: foreign directory ignored", slog.String("name", e.Name()))
			continue
		}
		p, ok, err := s.reconstructNote(ctx, id, rep)
		if err != nil {
			return nil, err
		}
		if ok {
			rep.Heads[id] = p.head
		}
	}

	s.logger.Info("reconstruct: done",
		slog.Int("notes", len(rep.Heads)),
		slog.Int("versions", rep.Versions),
		slog.Int("skipped", len(rep.Skipped)),
		slog.Int("orphans", len(rep.Orphans)),
		slog.Int("gaps", len(rep.Gaps)))
	return rep, nil
}

func (s *Store) reconstructNote(ctx context.Context, id models.NoteID, rep *Report) (pointer, bool, error) {
	unlock, err := s.locks.Lock(ctx, string(id))
	if err != nil {
		return pointer{}, false, err
	}
	defer unlock()

	dir := s.noteDir(id)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return pointer{}, false, nil
	}
	if err != nil {
		return pointer{}, false, fmt.Errorf("storage: reconstruct %s: %w", id, err)
	}

	valid := make(map[models.VersionID]models.Version)
	var highest models.VersionID
	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(dir, name)
		if IsTemp(name) {
			rep.Orphans = append(rep.Orphans, path)
			if !s.flags.ReadOnly {
				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					return pointer{}, false, fmt.Errorf("storage: remove orphan %s: %w", path, err)
				}
			}
			s.logger.Warn("reconstruct: orphaned temp file discarded", slog.String("path", path))
			continue
		}
		vid, ok := ParseVersionFileName(name)
		if !ok || e.IsDir() {
			continue
		}
		if vid > highest {
			highest = vid
		}
		v, err := s.readVersion(id, vid)
		if err != nil {
			rep.Skipped = append(rep.Skipped, SkippedFile{Path: path, Err: err})
			s.logger.Warn("reconstruct: version skipped",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		valid[vid] = v
	}

	if len(valid) == 0 {
		if highest == 0 {
			rep.Empty = append(rep.Empty, dir)
			if !s.flags.ReadOnly {
				// Only a crashed create leaves a directory without versions.
				_ = os.Remove(dir)
			}
		}
		return pointer{}, false, nil
	}
	rep.Versions += len(valid)

	head := headOf(valid)
	for vid, v := range valid {
		if v.Parent == 0 {
			continue
		}
		if _, ok := valid[v.Parent]; !ok {
			rep.Gaps = append(rep.Gaps, Gap{NoteID: id, Version: vid, Parent: v.Parent})
		}
	}

	if !s.flags.ReadOnly {
		if cur, err := readHead(dir); err != nil || cur != head {
			if err := WriteFileAtomic(filepath.Join(dir, HeadFile), []byte(head.String()+"\n")); err != nil {
				return pointer{}, false, fmt.Errorf("storage: rewrite head %s: %w", id, err)
			}
		}
	}
	p := pointer{head: head, max: highest}
	if !s.flags.ReadOnly {
		s.setPointer(id, p)
	}
	return p, true, nil
}

// headOf picks the newest tip: a readable version that no other readable
// version names as its parent.
func headOf(valid map[models.VersionID]models.Version) models.VersionID {
	parents := make(map[models.VersionID]bool, len(valid))
	for _, v := range valid {
		parents[v.Parent] = true
	}
	var tips []models.VersionID
	for vid := range valid {
		if !parents[vid] {
			tips = append(tips, vid)
		}
	}
	return slices.Max(tips)
}
