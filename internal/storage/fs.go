package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/codec"
	"github.com/starford/folio/internal/models"
)

// Namespaces under the store root.
const (
	NotesDir    = "notes"
	SessionsDir = "sessions"
	BlobsDir    = "blobs"
)

// HeadFile is the derived current-version pointer kept in each note directory.
const HeadFile = "HEAD"

const (
	versionExt       = ".yaml"
	maxWriteAttempts = 8
)

// Flags control how the store is opened.
type Flags struct {
	// Create makes the root and namespaces when missing.
	Create bool
	// ReadOnly takes a shared lock and rejects every write.
	ReadOnly bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for warnings about skipped files.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source stamped on new versions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type pointer struct {
	head models.VersionID // latest readable version
	max  models.VersionID // highest version file present, readable or not
}

// Store implements Provider on the local file system.
type Store struct {
	root   string
	flags  Flags
	logger *slog.Logger
	now    func() time.Time
	locks  *KeyedMutex
	dbLock *flock.Flock

	mu   sync.RWMutex
	ptrs map[models.NoteID]pointer
	gen  uint64 // bumped on every authoritative pointer change
}

// Open opens the store rooted at root and takes the database lock.
func Open(root string, flags Flags, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if flags.Create && !flags.ReadOnly {
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create root: %w", err)
		}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}

	s := &Store{
		root:   abs,
		flags:  flags,
		logger: slog.Default(),
		now:    time.Now,
		locks:  NewKeyedMutex(),
		ptrs:   make(map[models.NoteID]pointer),
	}
	for _, opt := range opts {
		opt(s)
	}

	lock, err := acquireDBLock(abs, flags.ReadOnly)
	if err != nil {
		return nil, err
	}
	s.dbLock = lock

	if !flags.ReadOnly {
		for _, ns := range []string{NotesDir, SessionsDir, BlobsDir} {
			if err := os.MkdirAll(filepath.Join(abs, ns), 0o755); err != nil {
				_ = lock.Unlock()
				return nil, fmt.Errorf("storage: create %s: %w", ns, err)
			}
		}
	}
	return s, nil
}

// Close releases the database lock.
func (s *Store) Close() error {
	return s.dbLock.Unlock()
}

// Root returns the absolute store root.
func (s *Store) Root() string { return s.root }

// Path returns the absolute path of a namespace.
func (s *Store) Path(ns string) string { return filepath.Join(s.root, ns) }

// ReadOnly reports whether writes are rejected.
func (s *Store) ReadOnly() bool { return s.flags.ReadOnly }

// Logger returns the store's logger.
func (s *Store) Logger() *slog.Logger { return s.logger }

func (s *Store) noteDir(id models.NoteID) string {
	return filepath.Join(s.root, NotesDir, string(id))
}

// VersionFileName returns the file name of version v.
func VersionFileName(v models.VersionID) string {
	return fmt.Sprintf("%08d%s", uint64(v), versionExt)
}

// ParseVersionFileName is the inverse of VersionFileName.
func ParseVersionFileName(name string) (models.VersionID, bool) {
	base, ok := strings.CutSuffix(name, versionExt)
	if !ok || len(base) < 8 || IsTemp(name) {
		return 0, false
	}
	n, err := strconv.ParseUint(base, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return models.VersionID(n), true
}

func checkID(id models.NoteID) error {
	if _, err := models.ParseNoteID(string(id)); err != nil {
		return fmt.Errorf("storage: %w: %v", apperr.ErrInvalidArgument, err)
	}
	return nil
}

// CreateNote allocates a fresh identifier and writes version 1.
func (s *Store) CreateNote(ctx context.Context, content []models.Node, md models.Metadata) (models.NoteID, models.VersionID, error) {
	v, err := s.Create(ctx, models.Draft{Content: content, Metadata: md})
	if err != nil {
		return "", 0, err
	}
	return v.NoteID, v.ID, nil
}

// AppendVersion writes a new version on top of the current head.
func (s *Store) AppendVersion(ctx context.Context, id models.NoteID, content []models.Node, md models.Metadata) (models.VersionID, error) {
	v, err := s.Append(ctx, id, models.Draft{Content: content, Metadata: md})
	if err != nil {
		return 0, err
	}
	return v.ID, nil
}

// AppendVersionAt appends d only if expectedParent is still the head.
func (s *Store) AppendVersionAt(ctx context.Context, id models.NoteID, expectedParent models.VersionID, d models.Draft) (models.VersionID, error) {
	v, err := s.AppendAt(ctx, id, expectedParent, d)
	if err != nil {
		return 0, err
	}
	return v.ID, nil
}

// MarkDeleted appends a tombstone version carrying the head's payload. A note
// that is already deleted is left as is.
func (s *Store) MarkDeleted(ctx context.Context, id models.NoteID) (models.VersionID, error) {
	v, _, err := s.Update(ctx, id, func(head models.Version) (models.Draft, bool, error) {
		if head.Deleted {
			return models.Draft{}, false, nil
		}
		d := head.Draft()
		d.Deleted = true
		return d, true, nil
	})
	if err != nil {
		return 0, err
	}
	return v.ID, nil
}

// Create implements Provider.
func (s *Store) Create(ctx context.Context, d models.Draft) (models.Version, error) {
	if s.flags.ReadOnly {
		return models.Version{}, fmt.Errorf("storage: create: %w", apperr.ErrReadOnly)
	}
	for range maxWriteAttempts {
		id := models.NewNoteID()
		// The lock is held from mkdir on so Reconstruct never sees the
		// directory before its first version.
		unlock, err := s.locks.Lock(ctx, string(id))
		if err != nil {
			return models.Version{}, err
		}
		if err := os.Mkdir(s.noteDir(id), 0o755); err != nil {
			unlock()
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return models.Version{}, fmt.Errorf("storage: create note dir: %w", err)
		}
		v, err := s.writeVersion(id, pointer{}, d)
		unlock()
		if err != nil {
			return models.Version{}, fmt.Errorf("storage: create %s: %w", id, err)
		}
		return v, nil
	}
	return models.Version{}, fmt.Errorf("storage: create: %w", apperr.ErrWriteConflict)
}

// Append implements Provider.
func (s *Store) Append(ctx context.Context, id models.NoteID, d models.Draft) (models.Version, error) {
	v, _, err := s.Update(ctx, id, func(models.Version) (models.Draft, bool, error) {
		return d, true, nil
	})
	return v, err
}

// AppendAt implements Provider.
func (s *Store) AppendAt(ctx context.Context, id models.NoteID, parent models.VersionID, d models.Draft) (models.Version, error) {
	v, _, err := s.Update(ctx, id, func(head models.Version) (models.Draft, bool, error) {
		if head.ID != parent {
			return models.Draft{}, false, fmt.Errorf("storage: %s head is %d, expected %d: %w", id, head.ID, parent, apperr.ErrWriteConflict)
		}
		return d, true, nil
	})
	return v, err
}

// Update implements Provider. A slot taken by a cooperating process is a
// write conflict: the pointer is reloaded and fn runs again on the new head.
func (s *Store) Update(ctx context.Context, id models.NoteID, fn UpdateFunc) (models.Version, bool, error) {
	if s.flags.ReadOnly {
		return models.Version{}, false, fmt.Errorf("storage: write %s: %w", id, apperr.ErrReadOnly)
	}
	if err := checkID(id); err != nil {
		return models.Version{}, false, err
	}
	unlock, err := s.locks.Lock(ctx, string(id))
	if err != nil {
		return models.Version{}, false, err
	}
	defer unlock()

	for attempt := range maxWriteAttempts {
		if err := ctx.Err(); err != nil {
			return models.Version{}, false, err
		}
		ptr, err := s.loadPointer(id)
		if err != nil {
			return models.Version{}, false, err
		}
		head, err := s.readVersion(id, ptr.head)
		if err != nil {
			return models.Version{}, false, err
		}
		d, ok, err := fn(head)
		if err != nil {
			return models.Version{}, false, err
		}
		if !ok {
			return head, false, nil
		}
		v, err := s.writeVersion(id, ptr, d)
		if errors.Is(err, fs.ErrExist) {
			s.forget(id)
			s.logger.Debug("storage: version slot taken, retrying",
				slog.String("note", string(id)),
				slog.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return models.Version{}, false, fmt.Errorf("storage: append %s: %w", id, err)
		}
		return v, true, nil
	}
	return models.Version{}, false, fmt.Errorf("storage: append %s: %w", id, apperr.ErrWriteConflict)
}

// writeVersion publishes the next version file and advances HEAD. The caller
// holds the note lock.
func (s *Store) writeVersion(id models.NoteID, ptr pointer, d models.Draft) (models.Version, error) {
	v := models.Version{
		NoteID:    id,
		ID:        ptr.max + 1,
		Parent:    ptr.head,
		Content:   models.CloneNodes(d.Content),
		Metadata:  d.Metadata.Clone(),
		CreatedAt: s.now().UTC(),
		Deleted:   d.Deleted,
	}
	data, err := codec.Encode(v)
	if err != nil {
		return models.Version{}, err
	}
	dir := s.noteDir(id)
	if err := CreateFileExclusive(filepath.Join(dir, VersionFileName(v.ID)), data); err != nil {
		return models.Version{}, err
	}
	if err := WriteFileAtomic(filepath.Join(dir, HeadFile), []byte(v.ID.String()+"\n")); err != nil {
		// The version file is complete; Reconstruct re-derives HEAD.
		s.logger.Warn("storage: head pointer not advanced",
			slog.String("note", string(id)),
			slog.String("error", err.Error()))
	}
	s.setPointer(id, pointer{head: v.ID, max: v.ID})
	return v, nil
}

// GetVersion implements Provider.
func (s *Store) GetVersion(ctx context.Context, id models.NoteID, vid models.VersionID) (models.Version, error) {
	if err := checkID(id); err != nil {
		return models.Version{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.Version{}, err
	}
	return s.readVersion(id, vid)
}

// GetLatestVersion implements Provider.
func (s *Store) GetLatestVersion(ctx context.Context, id models.NoteID) (models.Version, error) {
	if err := checkID(id); err != nil {
		return models.Version{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.Version{}, err
	}
	ptr, err := s.loadPointer(id)
	if err != nil {
		return models.Version{}, err
	}
	return s.readVersion(id, ptr.head)
}

func (s *Store) readVersion(id models.NoteID, vid models.VersionID) (models.Version, error) {
	if vid == 0 {
		return models.Version{}, fmt.Errorf("storage: %s@0: %w", id, apperr.ErrNotFound)
	}
	path := filepath.Join(s.noteDir(id), VersionFileName(vid))
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.Version{}, fmt.Errorf("storage: %s@%d: %w", id, vid, apperr.ErrNotFound)
		}
		return models.Version{}, fmt.Errorf("storage: read %s@%d: %w", id, vid, err)
	}
	v, err := codec.Decode(data)
	if err != nil {
		return models.Version{}, apperr.WithPath(err, path)
	}
	if v.NoteID != id || v.ID != vid {
		return models.Version{}, &apperr.CorruptFormatError{
			Path: path,
			Err:  fmt.Errorf("file holds %s@%d", v.NoteID, v.ID),
		}
	}
	return v, nil
}

// ListNoteIDs implements Provider. Each call rescans the directory.
func (s *Store) ListNoteIDs(ctx context.Context) iter.Seq2[models.NoteID, error] {
	return func(yield func(models.NoteID, error) bool) {
		dir, err := os.Open(s.Path(NotesDir))
		if err != nil {
			yield("", fmt.Errorf("storage: list notes: %w", err))
			return
		}
		defer dir.Close()

		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			entries, err := dir.ReadDir(128)
			for _, e := range entries {
				if !e.IsDir() {
					continue
				}
				id, perr := models.ParseNoteID(e.Name())
				if perr != nil {
					continue
				}
				if _, serr := os.Stat(filepath.Join(s.noteDir(id), VersionFileName(1))); serr != nil {
					continue
				}
				if !yield(id, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("storage: list notes: %w", err))
				return
			}
		}
	}
}

// loadPointer returns the cached pointer or derives it from the directory.
// Read-only stores always rescan so writes by the owning process are seen.
func (s *Store) loadPointer(id models.NoteID) (pointer, error) {
	s.mu.RLock()
	p, ok := s.ptrs[id]
	gen := s.gen
	s.mu.RUnlock()
	if ok && !s.flags.ReadOnly {
		return p, nil
	}
	p, err := s.scanPointer(id)
	if err != nil {
		return pointer{}, err
	}
	if !s.flags.ReadOnly {
		s.cachePointer(id, p, gen)
	}
	return p, nil
}

// cachePointer stores a scanned pointer unless a write or refresh landed
// while the scan ran, or the cache already holds a newer one.
func (s *Store) cachePointer(id models.NoteID, p pointer, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if cur, ok := s.ptrs[id]; ok && (cur.max > p.max || (cur.max == p.max && cur.head >= p.head)) {
		return
	}
	s.ptrs[id] = p
}

func (s *Store) scanPointer(id models.NoteID) (pointer, error) {
	dir := s.noteDir(id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return pointer{}, fmt.Errorf("storage: note %s: %w", id, apperr.ErrNotFound)
		}
		return pointer{}, fmt.Errorf("storage: scan %s: %w", id, err)
	}
	var seqs []models.VersionID
	for _, e := range entries {
		if v, ok := ParseVersionFileName(e.Name()); ok && !e.IsDir() {
			seqs = append(seqs, v)
		}
	}
	if len(seqs) == 0 {
		return pointer{}, fmt.Errorf("storage: note %s: %w", id, apperr.ErrNotFound)
	}
	slices.Sort(seqs)
	p := pointer{max: seqs[len(seqs)-1]}

	if hint, err := readHead(dir); err == nil && hint == p.max {
		p.head = hint
		return p, nil
	}
	for i := len(seqs) - 1; i >= 0; i-- {
		if _, err := s.readVersion(id, seqs[i]); err == nil {
			p.head = seqs[i]
			return p, nil
		}
	}
	return pointer{}, fmt.Errorf("storage: note %s has no readable version: %w", id, apperr.ErrNotFound)
}

func readHead(dir string) (models.VersionID, error) {
	data, err := os.ReadFile(filepath.Join(dir, HeadFile))
	if err != nil {
		return 0, err
	}
	return models.ParseVersionID(strings.TrimSpace(string(data)))
}

// setPointer records p as authoritative. Callers hold the note lock and
// have just written or rescanned the directory.
func (s *Store) setPointer(id models.NoteID, p pointer) {
	s.mu.Lock()
	s.ptrs[id] = p
	s.gen++
	s.mu.Unlock()
}

// Refresh implements Provider. Versions written by another process become
// visible to the next read.
func (s *Store) Refresh(id models.NoteID) { s.forget(id) }

func (s *Store) forget(id models.NoteID) {
	s.mu.Lock()
	delete(s.ptrs, id)
	s.gen++
	s.mu.Unlock()
}
