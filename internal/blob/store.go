// Package blob stores binary content outside notes, addressed by its SHA-256
// digest. Identical content is stored once.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/checksum"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/storage"
)

// Store keeps blobs under root as <2 hex>/<remaining hex>.
type Store struct {
	root     string
	readOnly bool
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithReadOnly rejects Put with apperr.ErrReadOnly.
func WithReadOnly(ro bool) Option { return func(s *Store) { s.readOnly = ro } }

// New returns a Store rooted at root.
func New(root string, opts ...Option) *Store {
	s := &Store{root: root, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) path(ref models.BlobRef) string {
	d := ref.Digest()
	return filepath.Join(s.root, d[:2], d[2:])
}

func parse(ref models.BlobRef) (models.BlobRef, error) {
	r, err := models.ParseBlobRef(string(ref))
	if err != nil {
		return "", fmt.Errorf("blob: %w: %v", apperr.ErrInvalidArgument, err)
	}
	return r, nil
}

// PutBytes stores data and returns its reference.
func (s *Store) PutBytes(ctx context.Context, data []byte) (models.BlobRef, error) {
	ref, _, err := s.Put(ctx, bytes.NewReader(data))
	return ref, err
}

// Put streams r into the store. Content already present is not rewritten.
func (s *Store) Put(ctx context.Context, r io.Reader) (models.BlobRef, int64, error) {
	if s.readOnly {
		return "", 0, fmt.Errorf("blob: put: %w", apperr.ErrReadOnly)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", 0, fmt.Errorf("blob: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(s.root, storage.TempPrefix+"*")
	if err != nil {
		return "", 0, fmt.Errorf("blob: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	sum := checksum.NewWriter()
	if _, err := io.Copy(io.MultiWriter(tmp, sum), ctxReader{ctx, r}); err != nil {
		_ = tmp.Close()
		return "", 0, fmt.Errorf("blob: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", 0, fmt.Errorf("blob: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("blob: close: %w", err)
	}

	ref := models.BlobRef("sha256:" + sum.Sum())
	dst := s.path(ref)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, fmt.Errorf("blob: mkdir: %w", err)
	}
	if err := os.Link(tmp.Name(), dst); err != nil && !errors.Is(err, fs.ErrExist) {
		return "", 0, fmt.Errorf("blob: publish %s: %w", ref, err)
	}
	s.logger.Debug("blob: stored", slog.String("ref", string(ref)), slog.Int64("size", sum.Size()))
	return ref, sum.Size(), nil
}

// Open returns a reader for the blob. Callers close it.
func (s *Store) Open(ctx context.Context, ref models.BlobRef) (*os.File, error) {
	ref, err := parse(ref)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("blob: %s: %w", ref, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("blob: open %s: %w", ref, err)
	}
	return f, nil
}

// Get reads the whole blob.
func (s *Store) Get(ctx context.Context, ref models.BlobRef) ([]byte, error) {
	f, err := s.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", ref, err)
	}
	return data, nil
}

// Has reports whether the blob is present.
func (s *Store) Has(ctx context.Context, ref models.BlobRef) (bool, error) {
	ref, err := parse(ref)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(ref))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("blob: stat %s: %w", ref, err)
	}
}

// CleanTemp removes uploads interrupted by a crash.
func (s *Store) CleanTemp() (int, error) {
	if s.readOnly {
		return 0, nil
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("blob: clean: %w", err)
	}
	n := 0
	for _, e := range entries {
		if storage.IsTemp(e.Name()) {
			if err := os.Remove(filepath.Join(s.root, e.Name())); err == nil {
				n++
			}
		}
	}
	if n > 0 {
		s.logger.Warn("blob: interrupted uploads removed", slog.Int("count", n))
	}
	return n, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
