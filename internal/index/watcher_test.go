package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/folio/internal/codec"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/storage"
)

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

// writeForeign publishes a version the way another process would, bypassing
// this process's chain.
func writeForeign(t *testing.T, notesDir string, v models.Version) {
	t.Helper()
	data, err := codec.Encode(v)
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(notesDir, string(v.NoteID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := storage.CreateFileExclusive(filepath.Join(dir, storage.VersionFileName(v.ID)), data); err != nil {
		t.Fatal(err)
	}
}

func startWatcher(t *testing.T, env *engineEnv) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := env.engine.Watch(ctx, env.store.Path(storage.NotesDir)); err != nil {
			t.Errorf("Watch: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(100 * time.Millisecond)
}

func TestWatcherPicksUpForeignVersion(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	id, _, _ := env.chain.CreateNote(ctx, para("local"), models.Metadata{"owner": {"me"}})
	env.run(t)
	waitIdle(t, env.engine)
	startWatcher(t, env)

	writeForeign(t, env.store.Path(storage.NotesDir), models.Version{
		NoteID: id, ID: 2, Parent: 1,
		Content:   para("remote edit"),
		Metadata:  models.Metadata{"owner": {"them"}},
		CreatedAt: time.Now(),
	})

	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		ids, _ := env.engine.Lookup(ctx, "owner", "them")
		return len(ids) == 1 && ids[0] == id
	}, "foreign version never indexed")
}

func TestWatcherPicksUpForeignNote(t *testing.T) {
	env := newEngineEnv(t)
	env.run(t)
	startWatcher(t, env)
	ctx := context.Background()

	id := models.NewNoteID()
	writeForeign(t, env.store.Path(storage.NotesDir), models.Version{
		NoteID: id, ID: 1,
		Content:   para("born elsewhere"),
		CreatedAt: time.Now(),
	})

	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		hits, _ := env.engine.Search(ctx, "elsewhere", 5)
		return len(hits) == 1 && hits[0].NoteID == id
	}, "foreign note never indexed")
}

func TestWatcherIgnoresTempAndHead(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	id, _, _ := env.chain.CreateNote(ctx, nil, nil)
	startWatcher(t, env)
	// Drain what the create itself queued; no worker is running.
	env.engine.mu.Lock()
	clear(env.engine.pending)
	env.engine.order = nil
	env.engine.mu.Unlock()

	dir := filepath.Join(env.store.Path(storage.NotesDir), string(id))
	_ = os.WriteFile(filepath.Join(dir, storage.TempPrefix+"x"), []byte("partial"), 0o644)
	_ = storage.WriteFileAtomic(filepath.Join(dir, storage.HeadFile), []byte("1\n"))
	time.Sleep(300 * time.Millisecond)

	st, _ := env.engine.Status(ctx)
	if st.Pending != 0 {
		t.Errorf("pending = %d after temp/HEAD writes", st.Pending)
	}
}
