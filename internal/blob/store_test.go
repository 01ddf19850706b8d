package blob

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/storage"
)

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return New(filepath.Join(t.TempDir(), "blobs"), opts...)
}

func TestPutIsContentAddressed(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a, err := s.PutBytes(ctx, []byte("image bytes"))
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := s.Put(ctx, strings.NewReader("image bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("same content, different refs: %s %s", a, b)
	}
	if _, err := models.ParseBlobRef(string(a)); err != nil {
		t.Errorf("ref %q not canonical: %v", a, err)
	}
	d := a.Digest()
	if _, err := os.Stat(filepath.Join(s.root, d[:2], d[2:])); err != nil {
		t.Errorf("blob not at sharded path: %v", err)
	}

	got, err := s.Get(ctx, a)
	if err != nil || string(got) != "image bytes" {
		t.Errorf("Get = %q, %v", got, err)
	}
	other, _ := s.PutBytes(ctx, []byte("other"))
	if other == a {
		t.Error("distinct content shares a ref")
	}
}

func TestMissingAndMalformed(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	missing := models.BlobRef("sha256:" + strings.Repeat("ab", 32))

	if _, err := s.Get(ctx, missing); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}
	if ok, err := s.Has(ctx, missing); ok || err != nil {
		t.Errorf("Has(missing) = %v, %v", ok, err)
	}
	for _, bad := range []models.BlobRef{"", "md5:abc", "sha256:../../etc/passwd", models.BlobRef("sha256:" + strings.Repeat("AB", 32))} {
		if _, err := s.Get(ctx, bad); !errors.Is(err, apperr.ErrInvalidArgument) {
			t.Errorf("Get(%q): err = %v", bad, err)
		}
	}
}

func TestVanishedBlobIsNotFound(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	ref, _ := s.PutBytes(ctx, []byte("transient"))
	d := ref.Digest()
	_ = os.Remove(filepath.Join(s.root, d[:2], d[2:]))
	if _, err := s.Get(ctx, ref); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
	// Re-putting restores it.
	if _, err := s.PutBytes(ctx, []byte("transient")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Has(ctx, ref); !ok {
		t.Error("blob not restored")
	}
}

func TestCleanTempAndReadOnly(t *testing.T) {
	s := newStore(t)
	_ = os.MkdirAll(s.root, 0o755)
	_ = os.WriteFile(filepath.Join(s.root, storage.TempPrefix+"1"), []byte("half"), 0o644)
	n, err := s.CleanTemp()
	if err != nil || n != 1 {
		t.Errorf("CleanTemp = %d, %v", n, err)
	}

	ro := New(s.root, WithReadOnly(true))
	if _, err := ro.PutBytes(context.Background(), []byte("x")); !errors.Is(err, apperr.ErrReadOnly) {
		t.Errorf("read-only put: err = %v", err)
	}
}

func TestPutHonoursCancellation(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := s.Put(ctx, strings.NewReader("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
	entries, _ := os.ReadDir(s.root)
	if len(entries) != 0 {
		t.Errorf("cancelled put left %d entries", len(entries))
	}
}
