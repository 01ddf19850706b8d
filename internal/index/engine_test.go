package index

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/starford/folio/internal/chain"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/storage"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type engineEnv struct {
	store  *storage.Store
	chain  *chain.Chain
	engine *Engine
}

func newEngineEnv(t *testing.T, opts ...Option) *engineEnv {
	t.Helper()
	st, err := storage.Open(filepath.Join(t.TempDir(), "db"), storage.Flags{Create: true}, storage.WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	c := chain.New(st, chain.WithLogger(quiet))
	e := NewEngine(testDB(t), c, append([]Option{WithLogger(quiet)}, opts...)...)
	c.Subscribe(e)
	return &engineEnv{store: st, chain: c, engine: e}
}

func (env *engineEnv) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitIdle(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func para(s string) []models.Node {
	return []models.Node{{Type: models.KindParagraph, Text: s}}
}

func TestOnVersionCommittedDoesNotBlockWithoutWorker(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 500 {
			_, _, _ = env.chain.CreateNote(ctx, para(fmt.Sprint("note ", i)), nil)
		}
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("writers blocked on the index")
	}
	st, _ := env.engine.Status(ctx)
	if st.Pending != 500 {
		t.Errorf("pending = %d, want 500", st.Pending)
	}
	stale := 0
	for _, s := range st.Shards {
		if s.State == Stale {
			stale++
		}
	}
	if stale == 0 {
		t.Error("no shard reported stale with a full queue")
	}
}

func TestNoOmissionAfterDrain(t *testing.T) {
	env := newEngineEnv(t, WithBatchSize(7))
	env.run(t)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		want []models.NoteID
		wg   sync.WaitGroup
	)
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 25 {
				tag := "odd"
				if i%2 == 0 {
					tag = "even"
				}
				id, _, err := env.chain.CreateNote(ctx, para("draft"), models.Metadata{"tag": {tag}})
				if err != nil {
					t.Error(err)
					return
				}
				// Every note ends up tagged "final"; only the last version counts.
				if _, err := env.chain.AppendVersion(ctx, id, para(fmt.Sprint("writer ", w)), models.Metadata{"tag": {"final"}}); err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				want = append(want, id)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	waitIdle(t, env.engine)

	got, err := env.engine.Lookup(ctx, "tag", "final")
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Errorf("lookup after drain returned %d notes, want %d", len(got), len(want))
	}
	if stale, _ := env.engine.Lookup(ctx, "tag", "even"); len(stale) != 0 {
		t.Errorf("superseded metadata still indexed for %d notes", len(stale))
	}
	st, _ := env.engine.Status(ctx)
	for _, s := range st.Shards {
		if s.State != Current {
			t.Errorf("shard %d = %s after drain", s.Shard, s.State)
		}
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	id, _, _ := env.chain.CreateNote(ctx, para("once upon"), nil)

	for range 3 {
		if err := env.engine.ingest(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	c, _ := env.engine.DB().Counts(ctx)
	if c.Postings != 2 {
		t.Errorf("postings = %d, want 2", c.Postings)
	}
}

func TestRebuildMatchesIncremental(t *testing.T) {
	env := newEngineEnv(t)
	env.run(t)
	ctx := context.Background()

	for i := range 20 {
		id, _, _ := env.chain.CreateNote(ctx, para(fmt.Sprint("topic", i%3, " shared")), models.Metadata{"n": {fmt.Sprint(i % 5)}})
		if i%4 == 0 {
			_, _ = env.chain.MarkDeleted(ctx, id)
		}
	}
	waitIdle(t, env.engine)

	snapshot := func() (Counts, []Hit, []models.NoteID) {
		c, _ := env.engine.DB().Counts(ctx)
		hits, _ := env.engine.Search(ctx, "shared topic1", 50)
		ids, _ := env.engine.Lookup(ctx, "n", "2")
		return c, hits, ids
	}
	c1, h1, l1 := snapshot()

	n, err := env.engine.Rebuild(ctx)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if n != 20 {
		t.Errorf("rebuilt %d notes, want 20", n)
	}
	c2, h2, l2 := snapshot()
	if c1.Notes != c2.Notes || c1.Deleted != c2.Deleted || c1.Postings != c2.Postings {
		t.Errorf("counts differ: incremental %+v, rebuild %+v", c1, c2)
	}
	if !slices.Equal(h1, h2) || !slices.Equal(l1, l2) {
		t.Error("query results differ after rebuild")
	}
}

func TestCatchUpReplaysPastWatermark(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	// Commits made while no worker was running and the queue was lost.
	a, _, _ := env.chain.CreateNote(ctx, para("alpha"), models.Metadata{"k": {"a"}})
	_ = env.engine.ingest(ctx, a)
	_, _ = env.chain.AppendVersion(ctx, a, para("alpha two"), models.Metadata{"k": {"a2"}})
	b, _, _ := env.store.CreateNote(ctx, para("bravo"), models.Metadata{"k": {"b"}})

	fresh := NewEngine(env.engine.DB(), env.chain, WithLogger(quiet))
	n, err := fresh.CatchUp(ctx)
	if err != nil || n != 2 {
		t.Fatalf("CatchUp = %d, %v", n, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go fresh.Run(runCtx)
	waitIdle(t, fresh)

	if ids, _ := fresh.Lookup(ctx, "k", "a2"); len(ids) != 1 || ids[0] != a {
		t.Errorf("a not caught up: %v", ids)
	}
	if ids, _ := fresh.Lookup(ctx, "k", "b"); len(ids) != 1 || ids[0] != b {
		t.Errorf("b not caught up: %v", ids)
	}
	if wm, _, _ := fresh.DB().Watermark(ctx, a); wm != 2 {
		t.Errorf("watermark(a) = %d", wm)
	}
}

type recordingSweeper struct {
	mu    sync.Mutex
	swept []models.NoteID
}

func (r *recordingSweeper) Sweep(_ context.Context, id models.NoteID) error {
	r.mu.Lock()
	r.swept = append(r.swept, id)
	r.mu.Unlock()
	return nil
}

func TestTombstonesAreSweptOnce(t *testing.T) {
	var events []string
	var evMu sync.Mutex
	env := newEngineEnv(t, WithEventCallback(func(kind string, _ models.NoteID, _ models.VersionID) {
		evMu.Lock()
		events = append(events, kind)
		evMu.Unlock()
	}))
	sw := &recordingSweeper{}
	env.engine.SetSweeper(sw)
	env.run(t)
	ctx := context.Background()

	id, _, _ := env.chain.CreateNote(ctx, para("gone soon"), nil)
	_, _ = env.chain.MarkDeleted(ctx, id)
	waitIdle(t, env.engine)

	other, _, _ := env.chain.CreateNote(ctx, para("unrelated"), nil)
	_ = other
	waitIdle(t, env.engine)

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if len(sw.swept) != 1 || sw.swept[0] != id {
		t.Errorf("swept = %v, want exactly [%s]", sw.swept, id)
	}
	c, _ := env.engine.DB().Counts(ctx)
	if c.Tombstones != 0 {
		t.Errorf("unswept tombstones = %d", c.Tombstones)
	}
	evMu.Lock()
	defer evMu.Unlock()
	if !slices.Contains(events, EventSwept) || !slices.Contains(events, EventIndexed) {
		t.Errorf("events = %v", events)
	}
}

func TestRevivedNoteIsNotSwept(t *testing.T) {
	env := newEngineEnv(t)
	sw := &recordingSweeper{}
	env.engine.SetSweeper(sw)
	ctx := context.Background()

	id, _, _ := env.chain.CreateNote(ctx, para("phoenix"), nil)
	_, _ = env.chain.MarkDeleted(ctx, id)
	_ = env.engine.ingest(ctx, id)
	_, _ = env.chain.Revert(ctx, id, 1)

	env.run(t)
	waitIdle(t, env.engine)
	if len(sw.swept) != 0 {
		t.Errorf("revived note swept: %v", sw.swept)
	}
	if hits, _ := env.engine.Search(ctx, "phoenix", 5); len(hits) != 1 {
		t.Errorf("revived note not searchable: %v", hits)
	}
}

func TestWaitIdleHonoursContext(t *testing.T) {
	env := newEngineEnv(t)
	_, _, _ = env.chain.CreateNote(context.Background(), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := env.engine.WaitIdle(ctx); err == nil {
		t.Error("WaitIdle returned with work queued and no worker")
	}
}
