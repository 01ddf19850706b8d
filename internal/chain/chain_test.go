package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/storage"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// countingStore counts GetVersion calls that reach the disk.
type countingStore struct {
	*storage.Store
	reads atomic.Int64
}

func (s *countingStore) GetVersion(ctx context.Context, id models.NoteID, v models.VersionID) (models.Version, error) {
	s.reads.Add(1)
	return s.Store.GetVersion(ctx, id, v)
}

type recorder struct {
	mu   sync.Mutex
	seen []models.Version
}

func (r *recorder) OnVersionCommitted(v models.Version) {
	r.mu.Lock()
	r.seen = append(r.seen, v)
	r.mu.Unlock()
}

func (r *recorder) ids() []models.VersionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.VersionID, len(r.seen))
	for i, v := range r.seen {
		out[i] = v.ID
	}
	return out
}

func setup(t *testing.T, opts ...Option) (*Chain, *countingStore) {
	t.Helper()
	st, err := storage.Open(filepath.Join(t.TempDir(), "db"), storage.Flags{Create: true}, storage.WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	cs := &countingStore{Store: st}
	return New(cs, append([]Option{WithLogger(quiet)}, opts...)...), cs
}

func text(s string) []models.Node {
	return []models.Node{{Type: models.KindParagraph, Text: s}}
}

func TestHistoryNewestFirstAndRestartable(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	id, _, _ := c.CreateNote(ctx, text("v1"), nil)
	_, _ = c.AppendVersion(ctx, id, text("v2"), nil)
	_, _ = c.AppendVersion(ctx, id, text("v3"), nil)

	hist := c.History(ctx, id)
	collect := func() []models.VersionID {
		var out []models.VersionID
		for v, err := range hist {
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, v.ID)
		}
		return out
	}
	first := collect()
	if len(first) != 3 || first[0] != 3 || first[2] != 1 {
		t.Fatalf("history = %v, want [3 2 1]", first)
	}

	_, _ = c.AppendVersion(ctx, id, text("v4"), nil)
	if again := collect(); len(again) != 4 || again[0] != 4 {
		t.Errorf("restarted history = %v, want head 4", again)
	}

	// Early break must not read further back.
	for v := range hist {
		if v.ID != 4 {
			t.Errorf("first yielded %d", v.ID)
		}
		break
	}
}

func TestHistoryOfMissingNote(t *testing.T) {
	c, _ := setup(t)
	for _, err := range c.History(context.Background(), models.NewNoteID()) {
		if !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	}
}

func TestRevertCopiesTarget(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	id, _, _ := c.CreateNote(ctx, text("original"), models.Metadata{"tag": {"a"}})
	_, _ = c.AppendVersion(ctx, id, text("changed"), models.Metadata{"tag": {"b"}})
	_, _ = c.MarkDeleted(ctx, id)

	vid, err := c.Revert(ctx, id, 1)
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if vid != 4 {
		t.Errorf("revert version = %d, want 4", vid)
	}
	head, _ := c.GetLatestVersion(ctx, id)
	if head.Deleted || head.Content[0].Text != "original" || head.Metadata.Get("tag") != "a" || head.Parent != 3 {
		t.Errorf("head after revert = %+v", head)
	}
	n := 0
	for range c.History(ctx, id) {
		n++
	}
	if n != 4 {
		t.Errorf("history length = %d, want 4", n)
	}

	if _, err := c.Revert(ctx, id, 99); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("revert to unknown: err = %v", err)
	}
}

func TestRevertToDeletedVersionRestoresFlag(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	id, _, _ := c.CreateNote(ctx, text("x"), nil)
	del, _ := c.MarkDeleted(ctx, id)
	_, _ = c.Revert(ctx, id, 1)
	_, _ = c.Revert(ctx, id, del)
	head, _ := c.GetLatestVersion(ctx, id)
	if !head.Deleted {
		t.Error("reverting to a tombstone should keep the note deleted")
	}
}

func TestObserversSeeEveryCommit(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	rec := &recorder{}
	c.Subscribe(rec)
	var fnCalls atomic.Int64
	c.Subscribe(ObserverFunc(func(models.Version) { fnCalls.Add(1) }))

	id, _, _ := c.CreateNote(ctx, nil, nil)
	_, _ = c.AppendVersion(ctx, id, text("a"), nil)
	_, _ = c.MarkDeleted(ctx, id)
	_, _ = c.MarkDeleted(ctx, id) // no-op, no notification
	_, _ = c.Revert(ctx, id, 2)

	got := rec.ids()
	want := []models.VersionID{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("notified %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notification %d = %d, want %d", i, got[i], want[i])
		}
	}
	if fnCalls.Load() != 4 {
		t.Errorf("ObserverFunc calls = %d", fnCalls.Load())
	}
}

func TestVersionReadsAreCached(t *testing.T) {
	c, cs := setup(t)
	ctx := context.Background()
	id, _, _ := c.CreateNote(ctx, text("a"), nil)
	_, _ = c.AppendVersion(ctx, id, text("b"), nil)

	for range 3 {
		if _, err := c.GetVersion(ctx, id, 1); err != nil {
			t.Fatal(err)
		}
	}
	if n := cs.reads.Load(); n != 0 {
		t.Errorf("disk reads = %d, want 0 for versions written through the chain", n)
	}

	uncached, cs2 := setup(t, WithCacheTTL(0))
	id2, _, _ := uncached.CreateNote(ctx, nil, nil)
	for range 3 {
		_, _ = uncached.GetVersion(ctx, id2, 1)
	}
	if n := cs2.reads.Load(); n != 3 {
		t.Errorf("disk reads with cache disabled = %d, want 3", n)
	}
}

func TestAppendAtConflictDoesNotNotify(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	rec := &recorder{}
	id, _, _ := c.CreateNote(ctx, nil, nil)
	c.Subscribe(rec)
	_, _ = c.AppendVersion(ctx, id, text("moved"), nil)

	if _, err := c.AppendAt(ctx, id, 1, models.Draft{}); !errors.Is(err, apperr.ErrWriteConflict) {
		t.Errorf("err = %v", err)
	}
	if len(rec.ids()) != 1 {
		t.Errorf("notifications = %v", rec.ids())
	}
}
