package graph

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/chain"
	"github.com/starford/folio/internal/index"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/testutil"
)

type env struct {
	chain  *chain.Chain
	engine *index.Engine
	graph  *Graph
}

func newEnv(t *testing.T) *env {
	t.Helper()
	_, c := testutil.TestChain(t)
	e := index.NewEngine(testutil.TestDB(t), c, index.WithLogger(testutil.Logger()))
	c.Subscribe(e)
	g := New(c, e, testutil.Logger())
	e.SetSweeper(g)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &env{chain: c, engine: e, graph: g}
}

func (v *env) note(t *testing.T, s string) models.NoteID {
	t.Helper()
	id, _, err := v.chain.CreateNote(context.Background(), []models.Node{models.Text(s)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (v *env) idle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := v.engine.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestAddRelationshipIsIdempotent(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	a, b := v.note(t, "a"), v.note(t, "b")

	v1, changed, err := v.graph.AddRelationship(ctx, a, b, "cites")
	if err != nil || !changed || v1 != 2 {
		t.Fatalf("first add = %d %v %v", v1, changed, err)
	}
	v2, changed, err := v.graph.AddRelationship(ctx, a, b, "cites")
	if err != nil || changed || v2 != 2 {
		t.Fatalf("second add = %d %v %v, want no new version", v2, changed, err)
	}

	got, _ := v.graph.Neighbors(ctx, a, "cites")
	if !slices.Equal(got, []models.NoteID{b}) {
		t.Errorf("neighbors = %v", got)
	}
	if got, _ := v.graph.Neighbors(ctx, a, "parent"); len(got) != 0 {
		t.Errorf("other type neighbors = %v", got)
	}

	_, changed, err = v.graph.RemoveRelationship(ctx, a, b, "cites")
	if err != nil || !changed {
		t.Fatalf("remove = %v %v", changed, err)
	}
	_, changed, _ = v.graph.RemoveRelationship(ctx, a, b, "cites")
	if changed {
		t.Error("removing an absent edge wrote a version")
	}
}

func TestAddRelationshipRejects(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	a, b := v.note(t, "a"), v.note(t, "b")

	if _, _, err := v.graph.AddRelationship(ctx, a, b, "Bad Type"); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("bad type: %v", err)
	}
	if _, _, err := v.graph.AddRelationship(ctx, a, models.NewNoteID(), "cites"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing target: %v", err)
	}
	if _, err := v.chain.MarkDeleted(ctx, b); err != nil {
		t.Fatal(err)
	}
	if _, _, err := v.graph.AddRelationship(ctx, a, b, "cites"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("deleted target: %v", err)
	}
	c := v.note(t, "c")
	if _, err := v.chain.MarkDeleted(ctx, a); err != nil {
		t.Fatal(err)
	}
	if _, _, err := v.graph.AddRelationship(ctx, a, c, "cites"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("deleted source: %v", err)
	}
}

func TestNeighborsSortedAcrossTypes(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	src := v.note(t, "src")
	var want []models.NoteID
	for i, typ := range []string{"parent", "cites", "cites", "see-also"} {
		to := v.note(t, "t")
		want = append(want, to)
		if _, _, err := v.graph.AddRelationship(ctx, src, to, typ); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	slices.Sort(want)
	got, err := v.graph.Neighbors(ctx, src, "")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, want) {
		t.Errorf("neighbors = %v, want %v", got, want)
	}
	rels, _ := v.graph.Relationships(ctx, src)
	if len(rels) != 4 {
		t.Errorf("relationships = %v", rels)
	}
}

func TestSoftDeletePrunesIncomingEdges(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	n1, n2, n3 := v.note(t, "one"), v.note(t, "two"), v.note(t, "three")
	for _, from := range []models.NoteID{n2, n3} {
		if _, _, err := v.graph.AddRelationship(ctx, from, n1, "parent"); err != nil {
			t.Fatal(err)
		}
	}
	v.idle(t)
	refs, err := v.graph.Referrers(ctx, n1, "")
	if err != nil || len(refs) != 2 {
		t.Fatalf("referrers = %v %v", refs, err)
	}

	if _, err := v.chain.MarkDeleted(ctx, n1); err != nil {
		t.Fatal(err)
	}
	v.idle(t)

	for _, from := range []models.NoteID{n2, n3} {
		got, err := v.graph.Neighbors(ctx, from, "parent")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Errorf("neighbors of %s = %v after target deletion", from, got)
		}
		head, _ := v.chain.GetLatestVersion(ctx, from)
		if head.ID != 3 {
			t.Errorf("head of %s = %d, want one pruning version", from, head.ID)
		}
	}
	if got, _ := v.graph.Neighbors(ctx, n1, ""); len(got) != 0 {
		t.Errorf("deleted note neighbors = %v", got)
	}
}

func TestSweepSkipsLiveTarget(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	a, b := v.note(t, "a"), v.note(t, "b")
	if _, _, err := v.graph.AddRelationship(ctx, a, b, "cites"); err != nil {
		t.Fatal(err)
	}
	v.idle(t)
	if err := v.graph.Sweep(ctx, b); err != nil {
		t.Fatal(err)
	}
	got, _ := v.graph.Neighbors(ctx, a, "cites")
	if !slices.Equal(got, []models.NoteID{b}) {
		t.Errorf("live edge pruned: %v", got)
	}
}

func TestReferrersIgnoresStaleCandidates(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	a, b := v.note(t, "a"), v.note(t, "b")
	if _, _, err := v.graph.AddRelationship(ctx, a, b, "cites"); err != nil {
		t.Fatal(err)
	}
	v.idle(t)
	// The index still names a until the removal is ingested; Referrers
	// must not trust it.
	if _, _, err := v.graph.RemoveRelationship(ctx, a, b, "cites"); err != nil {
		t.Fatal(err)
	}
	refs, err := v.graph.Referrers(ctx, b, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 0 {
		t.Errorf("referrers = %v", refs)
	}
}
