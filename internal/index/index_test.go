package index

import (
	"context"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/starford/folio/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	f, err := os.CreateTemp("", "folio-index-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := Open(f.Name())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func version(id models.NoteID, v models.VersionID, text string, md models.Metadata) models.Version {
	return models.Version{
		NoteID:    id,
		ID:        v,
		Content:   []models.Node{{Type: models.KindParagraph, Text: text}},
		Metadata:  md,
		CreatedAt: time.Now(),
	}
}

func TestSchemaCreation(t *testing.T) {
	db := testDB(t)
	for _, table := range []string{"notes", "meta", "postings", "tombstones"} {
		var count int
		if err := db.conn.QueryRow(`SELECT count(*) FROM ` + table).Scan(&count); err != nil {
			t.Fatalf("%s table missing: %v", table, err)
		}
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("The Quick-brown fox, and the LAZY dog's 42 bones! a é")
	want := []string{"quick", "brown", "fox", "lazy", "dog", "42", "bones"}
	if !slices.Equal(got, want) {
		t.Errorf("Tokenize = %v, want %v", got, want)
	}
}

func TestPutReplacesRowsAndAdvancesWatermark(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	id := models.NewNoteID()

	_ = db.Put(ctx, version(id, 1, "alpha beta", models.Metadata{"tag": {"old"}}))
	if err := db.Put(ctx, version(id, 2, "gamma", models.Metadata{"tag": {"new"}})); err != nil {
		t.Fatalf("Put: %v", err)
	}

	wm, ok, err := db.Watermark(ctx, id)
	if err != nil || !ok || wm != 2 {
		t.Errorf("Watermark = %d, %v, %v", wm, ok, err)
	}
	if ids, _ := db.Lookup(ctx, "tag", "old"); len(ids) != 0 {
		t.Errorf("stale meta row survived: %v", ids)
	}
	if ids, _ := db.Lookup(ctx, "tag", "new"); len(ids) != 1 || ids[0] != id {
		t.Errorf("Lookup(tag=new) = %v", ids)
	}
	if hits, _ := db.Search(ctx, "alpha", 10); len(hits) != 0 {
		t.Errorf("stale posting survived: %v", hits)
	}
	if _, ok, _ := db.Watermark(ctx, models.NewNoteID()); ok {
		t.Error("unknown note has a watermark")
	}
}

func TestLookupValueByPrefix(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	target := models.NewNoteID()
	a, b, c := models.NewNoteID(), models.NewNoteID(), models.NewNoteID()

	_ = db.Put(ctx, version(a, 1, "", models.Metadata{"rel:cites": {string(target)}}))
	_ = db.Put(ctx, version(b, 1, "", models.Metadata{"rel:link": {string(target)}}))
	_ = db.Put(ctx, version(c, 1, "", models.Metadata{"source": {string(target)}}))

	got, err := db.LookupValue(ctx, models.RelPrefix, string(target))
	if err != nil {
		t.Fatal(err)
	}
	want := []models.NoteID{a, b}
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Errorf("LookupValue = %v, want %v", got, want)
	}
}

func TestSearchRanking(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	ids := []models.NoteID{models.NewNoteID(), models.NewNoteID(), models.NewNoteID()}
	_ = db.Put(ctx, version(ids[0], 1, "golang golang channels", nil))
	_ = db.Put(ctx, version(ids[1], 1, "golang generics", nil))
	_ = db.Put(ctx, version(ids[2], 1, "rust lifetimes", nil))

	hits, err := db.Search(ctx, "Golang channels", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].NoteID != ids[0] || hits[0].Score <= hits[1].Score {
		t.Errorf("ranking = %+v, want %s first", hits, ids[0])
	}

	if hits, _ := db.Search(ctx, "the and of", 10); hits != nil {
		t.Errorf("stop-word query matched %v", hits)
	}
	if hits, _ := db.Search(ctx, "golang", 1); len(hits) != 1 {
		t.Errorf("limit ignored: %v", hits)
	}
}

func TestSearchTiesOrderedByID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	var ids []models.NoteID
	for range 4 {
		id := models.NewNoteID()
		ids = append(ids, id)
		_ = db.Put(ctx, version(id, 1, "same words", nil))
	}
	slices.Sort(ids)
	hits, _ := db.Search(ctx, "same", 10)
	for i, h := range hits {
		if h.NoteID != ids[i] {
			t.Fatalf("tie order = %v, want %v", hits, ids)
		}
	}
}

func TestOpaqueNodesAreNotIndexed(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	id := models.NewNoteID()
	v := version(id, 1, "visible", nil)
	v.Content = append(v.Content, models.Node{Type: "x-drawing", Text: "hidden"})
	_ = db.Put(ctx, v)
	if hits, _ := db.Search(ctx, "hidden", 10); len(hits) != 0 {
		t.Errorf("opaque payload indexed: %v", hits)
	}
}

func TestTombstoneLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	id := models.NewNoteID()
	_ = db.Put(ctx, version(id, 1, "doomed", models.Metadata{"tag": {"x"}}))

	del := version(id, 2, "doomed", models.Metadata{"tag": {"x"}})
	del.Deleted = true
	_ = db.Put(ctx, del)

	if ids, _ := db.Lookup(ctx, "tag", "x"); len(ids) != 0 {
		t.Errorf("deleted note still in meta: %v", ids)
	}
	stones, _ := db.Tombstones(ctx)
	if len(stones) != 1 || stones[0].NoteID != id || stones[0].Version != 2 {
		t.Fatalf("tombstones = %+v", stones)
	}

	// A newer tombstone is not cleared by sweeping an older one.
	del.ID = 4
	_ = db.Put(ctx, del)
	_ = db.MarkSwept(ctx, stones[0])
	if stones, _ := db.Tombstones(ctx); len(stones) != 1 {
		t.Errorf("newer tombstone swept by stale mark: %+v", stones)
	}
	_ = db.MarkSwept(ctx, Tombstone{NoteID: id, Version: 4})
	if stones, _ := db.Tombstones(ctx); len(stones) != 0 {
		t.Errorf("tombstones after sweep = %+v", stones)
	}

	_ = db.Put(ctx, version(id, 5, "revived", nil))
	c, _ := db.Counts(ctx)
	if c.Notes != 1 || c.Deleted != 0 || c.Tombstones != 0 {
		t.Errorf("counts after revive = %+v", c)
	}
}

func TestReset(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_ = db.Put(ctx, version(models.NewNoteID(), 1, "something", models.Metadata{"k": {"v"}}))
	if err := db.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	c, _ := db.Counts(ctx)
	if c != (Counts{}) {
		t.Errorf("counts after reset = %+v", c)
	}
}

func TestLateEdgeRearmsSweptTombstone(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	dead := models.NewNoteID()
	del := version(dead, 2, "", nil)
	del.Deleted = true
	_ = db.Put(ctx, del)
	_ = db.MarkSwept(ctx, Tombstone{NoteID: dead, Version: 2})

	_ = db.Put(ctx, version(models.NewNoteID(), 1, "", models.Metadata{"rel:link": {string(dead)}}))
	stones, _ := db.Tombstones(ctx)
	if len(stones) != 1 || stones[0].NoteID != dead {
		t.Errorf("tombstones = %+v, want %s re-armed", stones, dead)
	}
}
