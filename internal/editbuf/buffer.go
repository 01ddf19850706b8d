// Package editbuf keeps durable, uncommitted edit sessions outside the note
// directories and coalesces them into a single version on commit.
package editbuf

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/codec"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/storage"
)

const (
	sessionFile   = "session.yaml"
	committedFile = "COMMITTED"
)

// SessionID identifies an edit session: a lowercase hyphenated UUID.
type SessionID string

// ParseSessionID accepts only the canonical UUID form.
func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	if err != nil || u.String() != s {
		return "", fmt.Errorf("editbuf: %w: session id %q", apperr.ErrInvalidArgument, s)
	}
	return SessionID(s), nil
}

// Chain is what the buffer needs from the version chain.
type Chain interface {
	GetVersion(ctx context.Context, id models.NoteID, v models.VersionID) (models.Version, error)
	GetLatestVersion(ctx context.Context, id models.NoteID) (models.Version, error)
	AppendAt(ctx context.Context, id models.NoteID, parent models.VersionID, d models.Draft) (models.Version, error)
}

// Snapshot is the pending state of one session.
type Snapshot struct {
	Session   SessionID        `json:"session"`
	NoteID    models.NoteID    `json:"note_id"`
	Base      models.VersionID `json:"base"`
	Edits     int              `json:"edits"`
	Draft     models.Draft     `json:"draft"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Session states reported by Recover.
const (
	StateOpen      = "open"
	StateCommitted = "committed"
	StateCorrupt   = "corrupt"
)

// SessionInfo describes a session found on disk.
type SessionInfo struct {
	Session   SessionID        `json:"session"`
	NoteID    models.NoteID    `json:"note_id"`
	Base      models.VersionID `json:"base"`
	Edits     int              `json:"edits"`
	State     string           `json:"state"`
	Committed models.VersionID `json:"committed,omitempty"`
	Err       error            `json:"-"`
}

// session is replaced wholesale on every change so readers holding a
// pointer see a consistent value.
type session struct {
	id      SessionID
	note    models.NoteID
	base    models.VersionID
	created time.Time
	updated time.Time
	deltas  []Delta
	draft   models.Draft
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		Session:   s.id,
		NoteID:    s.note,
		Base:      s.base,
		Edits:     len(s.deltas),
		Draft:     models.Draft{Content: models.CloneNodes(s.draft.Content), Metadata: s.draft.Metadata.Clone(), Deleted: s.draft.Deleted},
		UpdatedAt: s.updated,
	}
}

type sessionFileData struct {
	Note    string `yaml:"note"`
	Session string `yaml:"session"`
	Base    uint64 `yaml:"base"`
	Created string `yaml:"created"`
}

type entryFile struct {
	Seq   int    `yaml:"seq"`
	Time  string `yaml:"time"`
	Delta Delta  `yaml:"delta"`
}

// render writes the entry with the note codec's scalar styles so any text
// in the delta reads back byte for byte.
func (e entryFile) render() ([]byte, error) {
	d := codec.Map("op", codec.Str(string(e.Delta.Op)))
	if len(e.Delta.Path) > 0 {
		path := codec.Seq()
		for _, i := range e.Delta.Path {
			path.Content = append(path.Content, codec.Int(i))
		}
		d.Content = append(d.Content, codec.Str("path"), path)
	}
	if e.Delta.Text != "" {
		d.Content = append(d.Content, codec.Str("text"), codec.Str(e.Delta.Text))
	}
	if len(e.Delta.Nodes) > 0 {
		d.Content = append(d.Content, codec.Str("nodes"), codec.Nodes(e.Delta.Nodes))
	}
	if e.Delta.Key != "" {
		d.Content = append(d.Content, codec.Str("key"), codec.Str(e.Delta.Key))
	}
	if len(e.Delta.Values) > 0 {
		d.Content = append(d.Content, codec.Str("values"), codec.Strs(e.Delta.Values))
	}
	return codec.Render("", codec.Map(
		"seq", codec.Int(e.Seq),
		"time", codec.Str(e.Time),
		"delta", d,
	))
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithLogger sets the buffer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Buffer) { b.logger = l }
}

// WithClock overrides the time source for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// WithReadOnly rejects every mutation with apperr.ErrReadOnly.
func WithReadOnly(ro bool) Option {
	return func(b *Buffer) { b.readOnly = ro }
}

// Buffer manages edit sessions rooted at dir.
type Buffer struct {
	chain    Chain
	dir      string
	logger   *slog.Logger
	now      func() time.Time
	readOnly bool
	locks    *storage.KeyedMutex

	mu       sync.RWMutex
	sessions map[SessionID]*session
	closed   map[SessionID]struct{}
}

// New returns a Buffer storing sessions under dir.
func New(chain Chain, dir string, opts ...Option) *Buffer {
	b := &Buffer{
		chain:    chain,
		dir:      dir,
		logger:   slog.Default(),
		now:      time.Now,
		locks:    storage.NewKeyedMutex(),
		sessions: make(map[SessionID]*session),
		closed:   make(map[SessionID]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Buffer) sessionDir(note models.NoteID, id SessionID) string {
	return filepath.Join(b.dir, string(note), string(id))
}

// BeginSession opens a session based on the note's current head.
func (b *Buffer) BeginSession(ctx context.Context, note models.NoteID) (SessionID, error) {
	if b.readOnly {
		return "", fmt.Errorf("editbuf: begin: %w", apperr.ErrReadOnly)
	}
	head, err := b.chain.GetLatestVersion(ctx, note)
	if err != nil {
		return "", fmt.Errorf("editbuf: begin %s: %w", note, err)
	}
	now := b.now().UTC()
	s := &session{
		id:      SessionID(uuid.NewString()),
		note:    note,
		base:    head.ID,
		created: now,
		updated: now,
		draft:   head.Draft(),
	}
	if err := b.writeSessionFile(s); err != nil {
		return "", err
	}
	b.mu.Lock()
	b.sessions[s.id] = s
	b.mu.Unlock()

	b.logger.Debug("editbuf: session opened",
		slog.String("session", string(s.id)),
		slog.String("note", string(note)),
		slog.String("base", head.ID.String()))
	return s.id, nil
}

func (b *Buffer) writeSessionFile(s *session) error {
	data, err := yaml.Marshal(sessionFileData{
		Note:    string(s.note),
		Session: string(s.id),
		Base:    uint64(s.base),
		Created: s.created.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("editbuf: encode session: %w", err)
	}
	if err := storage.WriteFileAtomic(filepath.Join(b.sessionDir(s.note, s.id), sessionFile), data); err != nil {
		return fmt.Errorf("editbuf: write session %s: %w", s.id, err)
	}
	return nil
}

// acquire locks id and returns its live session.
func (b *Buffer) acquire(ctx context.Context, id SessionID) (*session, func(), error) {
	if _, err := ParseSessionID(string(id)); err != nil {
		return nil, nil, err
	}
	unlock, err := b.locks.Lock(ctx, string(id))
	if err != nil {
		return nil, nil, err
	}
	b.mu.RLock()
	s, ok := b.sessions[id]
	_, closed := b.closed[id]
	b.mu.RUnlock()
	switch {
	case ok:
		return s, unlock, nil
	case closed:
		unlock()
		return nil, nil, fmt.Errorf("editbuf: session %s: %w", id, apperr.ErrSessionClosed)
	default:
		unlock()
		return nil, nil, fmt.Errorf("editbuf: session %s: %w", id, apperr.ErrNotFound)
	}
}

// RecordEdit durably appends delta to the session. An invalid delta is
// rejected before anything is written.
func (b *Buffer) RecordEdit(ctx context.Context, id SessionID, delta Delta) error {
	if b.readOnly {
		return fmt.Errorf("editbuf: record: %w", apperr.ErrReadOnly)
	}
	s, unlock, err := b.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	next := *s
	next.draft = s.snapshot().Draft
	if err := Apply(&next.draft, delta); err != nil {
		return err
	}
	next.updated = b.now().UTC()
	next.deltas = append(slices.Clip(s.deltas), delta)

	data, err := entryFile{
		Seq:   len(next.deltas),
		Time:  next.updated.Format(time.RFC3339Nano),
		Delta: delta,
	}.render()
	if err != nil {
		return fmt.Errorf("editbuf: encode entry: %w", err)
	}
	path := filepath.Join(b.sessionDir(s.note, s.id), storage.VersionFileName(models.VersionID(len(next.deltas))))
	if err := storage.CreateFileExclusive(path, data); err != nil {
		return fmt.Errorf("editbuf: write entry %s: %w", path, err)
	}

	b.mu.Lock()
	b.sessions[id] = &next
	b.mu.Unlock()
	return nil
}

// Commit coalesces the session into one version appended on the session's
// base. If the head moved since, apperr.ErrWriteConflict is returned and the
// session stays open for Rebase or Discard. A session without edits closes
// without writing and returns its base.
func (b *Buffer) Commit(ctx context.Context, id SessionID) (models.VersionID, error) {
	if b.readOnly {
		return 0, fmt.Errorf("editbuf: commit: %w", apperr.ErrReadOnly)
	}
	s, unlock, err := b.acquire(ctx, id)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if len(s.deltas) == 0 {
		b.close(s)
		return s.base, nil
	}
	v, err := b.chain.AppendAt(ctx, s.note, s.base, s.snapshot().Draft)
	if err != nil {
		return 0, fmt.Errorf("editbuf: commit %s: %w", id, err)
	}

	dir := b.sessionDir(s.note, s.id)
	if err := storage.WriteFileAtomic(filepath.Join(dir, committedFile), []byte(v.ID.String()+"\n")); err != nil {
		b.logger.Warn("editbuf: commit marker not written",
			slog.String("session", string(id)),
			slog.String("error", err.Error()))
	}
	b.close(s)
	b.logger.Info("editbuf: session committed",
		slog.String("session", string(id)),
		slog.String("note", string(s.note)),
		slog.Int("edits", len(s.deltas)),
		slog.String("version", v.ID.String()))
	return v.ID, nil
}

// Discard drops the session without touching the chain.
func (b *Buffer) Discard(ctx context.Context, id SessionID) error {
	if b.readOnly {
		return fmt.Errorf("editbuf: discard: %w", apperr.ErrReadOnly)
	}
	s, unlock, err := b.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	b.close(s)
	return nil
}

func (b *Buffer) close(s *session) {
	b.mu.Lock()
	delete(b.sessions, s.id)
	b.closed[s.id] = struct{}{}
	b.mu.Unlock()
	b.removeDir(s.note, s.id)
}

func (b *Buffer) removeDir(note models.NoteID, id SessionID) {
	if err := os.RemoveAll(b.sessionDir(note, id)); err != nil {
		b.logger.Warn("editbuf: session cleanup failed",
			slog.String("session", string(id)),
			slog.String("error", err.Error()))
	}
	// Drop the note directory once its last session is gone.
	_ = os.Remove(filepath.Join(b.dir, string(note)))
}

// Rebase replays the session's deltas on the note's current head and makes
// it the new base. A delta that no longer applies fails the rebase and
// leaves the session as it was.
func (b *Buffer) Rebase(ctx context.Context, id SessionID) (models.VersionID, error) {
	if b.readOnly {
		return 0, fmt.Errorf("editbuf: rebase: %w", apperr.ErrReadOnly)
	}
	s, unlock, err := b.acquire(ctx, id)
	if err != nil {
		return 0, err
	}
	defer unlock()

	head, err := b.chain.GetLatestVersion(ctx, s.note)
	if err != nil {
		return 0, fmt.Errorf("editbuf: rebase %s: %w", id, err)
	}
	if head.ID == s.base {
		return s.base, nil
	}
	draft, err := replay(head, s.deltas)
	if err != nil {
		return 0, fmt.Errorf("editbuf: rebase %s onto %d: %w", id, head.ID, err)
	}
	next := *s
	next.base = head.ID
	next.draft = draft
	next.updated = b.now().UTC()
	if err := b.writeSessionFile(&next); err != nil {
		return 0, err
	}
	b.mu.Lock()
	b.sessions[id] = &next
	b.mu.Unlock()
	return head.ID, nil
}

func replay(base models.Version, deltas []Delta) (models.Draft, error) {
	d := base.Draft()
	for i, delta := range deltas {
		if err := Apply(&d, delta); err != nil {
			return models.Draft{}, fmt.Errorf("edit %d: %w", i+1, err)
		}
	}
	return d, nil
}

// Session returns the pending state of one session.
func (b *Buffer) Session(id SessionID) (Snapshot, error) {
	b.mu.RLock()
	s, ok := b.sessions[id]
	b.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("editbuf: session %s: %w", id, apperr.ErrNotFound)
	}
	return s.snapshot(), nil
}

// PeekPending returns the most recently edited open session of note. Sessions
// without edits are not pending.
func (b *Buffer) PeekPending(ctx context.Context, note models.NoteID) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var latest *session
	for _, s := range b.sessions {
		if s.note != note || len(s.deltas) == 0 {
			continue
		}
		if latest == nil || s.updated.After(latest.updated) ||
			(s.updated.Equal(latest.updated) && s.id > latest.id) {
			latest = s
		}
	}
	if latest == nil {
		return Snapshot{}, false, nil
	}
	return latest.snapshot(), true, nil
}

// Recover loads sessions left by an earlier process. Sessions that carry a
// commit marker are cleaned up, never committed again. Sessions that cannot
// be loaded stay on disk and are reported as corrupt.
func (b *Buffer) Recover(ctx context.Context) ([]SessionInfo, error) {
	notes, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("editbuf: recover: %w", err)
	}
	var infos []SessionInfo
	for _, n := range notes {
		note, err := models.ParseNoteID(n.Name())
		if err != nil || !n.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(b.dir, n.Name()))
		if err != nil {
			return nil, fmt.Errorf("editbuf: recover: %w", err)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			id, err := ParseSessionID(e.Name())
			if err != nil || !e.IsDir() {
				continue
			}
			infos = append(infos, b.recoverSession(ctx, note, id))
		}
	}
	slices.SortFunc(infos, func(a, c SessionInfo) int {
		return cmp.Or(cmp.Compare(a.NoteID, c.NoteID), cmp.Compare(a.Session, c.Session))
	})

	open, committed, corrupt := 0, 0, 0
	for _, info := range infos {
		switch info.State {
		case StateOpen:
			open++
		case StateCommitted:
			committed++
		default:
			corrupt++
		}
	}
	b.logger.Info("editbuf: recovered sessions",
		slog.Int("open", open),
		slog.Int("committed", committed),
		slog.Int("corrupt", corrupt))
	return infos, nil
}

func (b *Buffer) recoverSession(ctx context.Context, note models.NoteID, id SessionID) SessionInfo {
	info := SessionInfo{Session: id, NoteID: note}
	dir := b.sessionDir(note, id)

	if data, err := os.ReadFile(filepath.Join(dir, committedFile)); err == nil {
		info.State = StateCommitted
		info.Committed, _ = models.ParseVersionID(string(bytes.TrimSpace(data)))
		if !b.readOnly {
			b.removeDir(note, id)
		}
		return info
	}

	s, err := b.load(ctx, note, id)
	if err != nil {
		info.State = StateCorrupt
		info.Err = err
		b.logger.Warn("editbuf: session not recoverable",
			slog.String("session", string(id)),
			slog.String("error", err.Error()))
		return info
	}
	info.State = StateOpen
	info.Base = s.base
	info.Edits = len(s.deltas)

	b.mu.Lock()
	if _, ok := b.sessions[id]; !ok {
		b.sessions[id] = s
	}
	b.mu.Unlock()
	return info
}

func (b *Buffer) load(ctx context.Context, note models.NoteID, id SessionID) (*session, error) {
	dir := b.sessionDir(note, id)
	data, err := os.ReadFile(filepath.Join(dir, sessionFile))
	if err != nil {
		return nil, err
	}
	var sf sessionFileData
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, &apperr.CorruptFormatError{Path: filepath.Join(dir, sessionFile), Err: err}
	}
	if sf.Note != string(note) || sf.Session != string(id) || sf.Base == 0 {
		return nil, &apperr.CorruptFormatError{Path: filepath.Join(dir, sessionFile), Err: errors.New("session header does not match its directory")}
	}
	created, _ := time.Parse(time.RFC3339Nano, sf.Created)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var seqs []models.VersionID
	for _, e := range entries {
		if storage.IsTemp(e.Name()) {
			if !b.readOnly {
				_ = os.Remove(filepath.Join(dir, e.Name()))
			}
			continue
		}
		if seq, ok := storage.ParseVersionFileName(e.Name()); ok {
			seqs = append(seqs, seq)
		}
	}
	slices.Sort(seqs)

	s := &session{id: id, note: note, base: models.VersionID(sf.Base), created: created, updated: created}
	for i, seq := range seqs {
		path := filepath.Join(dir, storage.VersionFileName(seq))
		if seq != models.VersionID(i+1) {
			return nil, &apperr.CorruptFormatError{Path: path, Err: fmt.Errorf("entry %d out of sequence", seq)}
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var ef entryFile
		if err := yaml.Unmarshal(raw, &ef); err != nil {
			return nil, &apperr.CorruptFormatError{Path: path, Err: err}
		}
		s.deltas = append(s.deltas, ef.Delta)
		if t, err := time.Parse(time.RFC3339Nano, ef.Time); err == nil {
			s.updated = t
		}
	}

	base, err := b.chain.GetVersion(ctx, note, s.base)
	if err != nil {
		return nil, err
	}
	if s.draft, err = replay(base, s.deltas); err != nil {
		return nil, err
	}
	return s, nil
}
