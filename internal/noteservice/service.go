// Package noteservice is the facade the API and MCP layers talk to. It owns
// no state of its own: writes go through the version chain, and every index
// result is re-verified against the note's head before it is returned.
package noteservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/blob"
	"github.com/starford/folio/internal/chain"
	"github.com/starford/folio/internal/editbuf"
	"github.com/starford/folio/internal/graph"
	"github.com/starford/folio/internal/index"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/parser"
	"github.com/starford/folio/internal/storage"
)

// NoteDetail is the full representation of a note's head.
type NoteDetail struct {
	ID            models.NoteID         `json:"id"`
	Version       models.VersionID      `json:"version"`
	Parent        models.VersionID      `json:"parent"`
	Title         string                `json:"title"`
	Content       []models.Node         `json:"content"`
	Metadata      models.Metadata       `json:"metadata"`
	Deleted       bool                  `json:"deleted"`
	Relationships []models.Relationship `json:"relationships"`
	Referrers     []models.Relationship `json:"referrers"`
	CreatedAt     time.Time             `json:"created_at"`
}

// NoteListItem is a lightweight item in a list response.
type NoteListItem struct {
	ID        models.NoteID    `json:"id"`
	Version   models.VersionID `json:"version"`
	Title     string           `json:"title"`
	Tags      []string         `json:"tags"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// VersionSummary is one entry of a note's history.
type VersionSummary struct {
	Version   models.VersionID `json:"version"`
	Parent    models.VersionID `json:"parent"`
	Title     string           `json:"title"`
	Deleted   bool             `json:"deleted"`
	CreatedAt time.Time        `json:"created_at"`
}

const (
	defaultSearchLimit = 20
	maxSearchFetch     = 1 << 16
)

// SearchResult is a verified search hit.
type SearchResult struct {
	ID      models.NoteID    `json:"id"`
	Version models.VersionID `json:"version"`
	Title   string           `json:"title"`
	Snippet string           `json:"snippet"`
	Score   float64          `json:"score"`
}

// Service coordinates the chain, edit buffer, graph, index and blob store.
type Service struct {
	chain  *chain.Chain
	edits  *editbuf.Buffer
	graph  *graph.Graph
	index  *index.Engine
	blobs  *blob.Store
	logger *slog.Logger
}

// NewService creates a new note service.
func NewService(c *chain.Chain, edits *editbuf.Buffer, g *graph.Graph, idx *index.Engine, blobs *blob.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{chain: c, edits: edits, graph: g, index: idx, blobs: blobs, logger: logger}
}

// GetNote reads a note's head and enriches it with its edges. Deleted notes
// are returned with Deleted set.
func (s *Service) GetNote(ctx context.Context, id models.NoteID) (*NoteDetail, error) {
	v, err := s.chain.GetLatestVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, v)
}

// GetVersion reads one historical version.
func (s *Service) GetVersion(ctx context.Context, id models.NoteID, vid models.VersionID) (*NoteDetail, error) {
	v, err := s.chain.GetVersion(ctx, id, vid)
	if err != nil {
		return nil, err
	}
	return &NoteDetail{
		ID:            v.NoteID,
		Version:       v.ID,
		Parent:        v.Parent,
		Title:         Title(v),
		Content:       nonNilSlice(v.Content),
		Metadata:      v.Metadata,
		Deleted:       v.Deleted,
		Relationships: []models.Relationship{},
		Referrers:     []models.Relationship{},
		CreatedAt:     v.CreatedAt,
	}, nil
}

// CreateNote writes the first version of a new note.
func (s *Service) CreateNote(ctx context.Context, d models.Draft) (*NoteDetail, error) {
	if err := validateDraft(d); err != nil {
		return nil, err
	}
	d.Deleted = false
	v, err := s.chain.Create(ctx, d)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, v)
}

// ImportMarkdown parses a Markdown document and creates a note from it.
func (s *Service) ImportMarkdown(ctx context.Context, data []byte) (*NoteDetail, error) {
	res, err := parser.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("import: %w: %v", apperr.ErrInvalidArgument, err)
	}
	if len(res.Unresolved) > 0 {
		s.logger.Warn("import: unresolved wikilinks", slog.Any("links", res.Unresolved))
	}
	return s.CreateNote(ctx, res.Draft())
}

// UpdateNote appends a new version. A non-zero ifMatch makes the append
// conditional on the head still being that version.
func (s *Service) UpdateNote(ctx context.Context, id models.NoteID, d models.Draft, ifMatch models.VersionID) (*NoteDetail, error) {
	if err := validateDraft(d); err != nil {
		return nil, err
	}
	d.Deleted = false
	var (
		v   models.Version
		err error
	)
	if ifMatch > 0 {
		v, err = s.chain.AppendAt(ctx, id, ifMatch, d)
	} else {
		v, err = s.chain.Append(ctx, id, d)
	}
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, v)
}

// DeleteNote soft-deletes a note.
func (s *Service) DeleteNote(ctx context.Context, id models.NoteID) (models.VersionID, error) {
	return s.chain.MarkDeleted(ctx, id)
}

// Revert creates a new version equal to target.
func (s *Service) Revert(ctx context.Context, id models.NoteID, target models.VersionID) (*NoteDetail, error) {
	if _, err := s.chain.Revert(ctx, id, target); err != nil {
		return nil, err
	}
	return s.GetNote(ctx, id)
}

// History returns up to limit versions, newest first. limit <= 0 means all.
func (s *Service) History(ctx context.Context, id models.NoteID, limit int) ([]VersionSummary, error) {
	out := []VersionSummary{}
	for v, err := range s.chain.History(ctx, id) {
		if err != nil {
			return nil, err
		}
		out = append(out, VersionSummary{
			Version:   v.ID,
			Parent:    v.Parent,
			Title:     Title(v),
			Deleted:   v.Deleted,
			CreatedAt: v.CreatedAt,
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListNotes returns live notes ordered by most recent change. With a tag
// the index provides candidates, which are re-verified.
func (s *Service) ListNotes(ctx context.Context, limit, offset int, tag string) ([]NoteListItem, int, error) {
	var heads []models.Version
	if tag != "" {
		ids, err := s.index.Lookup(ctx, "tag", tag)
		if err != nil {
			return nil, 0, err
		}
		for _, id := range ids {
			v, ok, err := s.live(ctx, id)
			if err != nil {
				return nil, 0, err
			}
			if ok && v.Metadata.Has("tag", tag) {
				heads = append(heads, v)
			}
		}
	} else {
		for id, err := range s.chain.ListNoteIDs(ctx) {
			if err != nil {
				return nil, 0, err
			}
			v, ok, err := s.live(ctx, id)
			if err != nil {
				return nil, 0, err
			}
			if ok {
				heads = append(heads, v)
			}
		}
	}
	slices.SortFunc(heads, func(a, b models.Version) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.NoteID), string(b.NoteID))
	})

	total := len(heads)
	if limit <= 0 {
		limit = 50
	}
	offset = min(max(offset, 0), total)
	page := heads[offset:min(offset+limit, total)]
	items := make([]NoteListItem, len(page))
	for i, v := range page {
		items[i] = NoteListItem{
			ID:        v.NoteID,
			Version:   v.ID,
			Title:     Title(v),
			Tags:      nonNilSlice(v.Metadata["tag"]),
			UpdatedAt: v.CreatedAt,
		}
	}
	return items, total, nil
}

// Search ranks index candidates and keeps only those whose head is live and
// still contains at least one query token. The index is asked for more
// candidates than limit so that stale entries do not shrink the page.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	terms := index.Tokenize(query)
	if len(terms) == 0 {
		return []SearchResult{}, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	for fetch := limit * 2; ; fetch *= 4 {
		hits, err := s.index.Search(ctx, query, fetch)
		if err != nil {
			return nil, err
		}
		out, err := s.verifyHits(ctx, hits, terms, limit)
		if err != nil {
			return nil, err
		}
		if len(out) == limit || len(hits) < fetch || fetch >= maxSearchFetch {
			return out, nil
		}
	}
}

func (s *Service) verifyHits(ctx context.Context, hits []index.Hit, terms []string, limit int) ([]SearchResult, error) {
	out := []SearchResult{}
	for _, h := range hits {
		if len(out) == limit {
			break
		}
		v, ok, err := s.live(ctx, h.NoteID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		text := models.PlainText(v.Content)
		tokens := index.Tokenize(text)
		if !slices.ContainsFunc(terms, func(t string) bool { return slices.Contains(tokens, t) }) {
			continue
		}
		out = append(out, SearchResult{
			ID:      v.NoteID,
			Version: v.ID,
			Title:   Title(v),
			Snippet: snippet(text, terms),
			Score:   h.Score,
		})
	}
	return out, nil
}

// Lookup returns live notes whose head carries key=value.
func (s *Service) Lookup(ctx context.Context, key, value string) ([]models.NoteID, error) {
	ids, err := s.index.Lookup(ctx, key, value)
	if err != nil {
		return nil, err
	}
	out := []models.NoteID{}
	for _, id := range ids {
		v, ok, err := s.live(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok && v.Metadata.Has(key, value) {
			out = append(out, id)
		}
	}
	return out, nil
}

// live reads id's head and reports whether it exists and is not deleted.
func (s *Service) live(ctx context.Context, id models.NoteID) (models.Version, bool, error) {
	v, err := s.chain.GetLatestVersion(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return models.Version{}, false, nil
	}
	if err != nil {
		return models.Version{}, false, err
	}
	return v, !v.Deleted, nil
}

// AddRelationship records from -[relType]-> to.
func (s *Service) AddRelationship(ctx context.Context, from, to models.NoteID, relType string) (models.VersionID, error) {
	v, _, err := s.graph.AddRelationship(ctx, from, to, relType)
	return v, err
}

// RemoveRelationship drops from -[relType]-> to.
func (s *Service) RemoveRelationship(ctx context.Context, from, to models.NoteID, relType string) (models.VersionID, error) {
	v, _, err := s.graph.RemoveRelationship(ctx, from, to, relType)
	return v, err
}

// Neighbors returns the targets of id's outgoing edges as recorded in its
// head. A target deleted since stays listed until the index worker prunes
// the edge.
func (s *Service) Neighbors(ctx context.Context, id models.NoteID, relType string) ([]models.NoteID, error) {
	ids, err := s.graph.Neighbors(ctx, id, relType)
	if err != nil {
		return nil, err
	}
	return nonNilSlice(ids), nil
}

// Referrers returns the verified incoming edges of id.
func (s *Service) Referrers(ctx context.Context, id models.NoteID, relType string) ([]models.Relationship, error) {
	if _, err := s.chain.GetLatestVersion(ctx, id); err != nil {
		return nil, err
	}
	rels, err := s.graph.Referrers(ctx, id, relType)
	if err != nil {
		return nil, err
	}
	return nonNilSlice(rels), nil
}

// BeginSession opens an edit session on id's head.
func (s *Service) BeginSession(ctx context.Context, id models.NoteID) (editbuf.Snapshot, error) {
	sid, err := s.edits.BeginSession(ctx, id)
	if err != nil {
		return editbuf.Snapshot{}, err
	}
	return s.edits.Session(sid)
}

// RecordEdit appends one delta to a session and returns the new pending state.
func (s *Service) RecordEdit(ctx context.Context, sid editbuf.SessionID, d editbuf.Delta) (editbuf.Snapshot, error) {
	if err := s.edits.RecordEdit(ctx, sid, d); err != nil {
		return editbuf.Snapshot{}, err
	}
	return s.edits.Session(sid)
}

// Session returns a session's pending state.
func (s *Service) Session(sid editbuf.SessionID) (editbuf.Snapshot, error) {
	return s.edits.Session(sid)
}

// Commit coalesces a session into one version.
func (s *Service) Commit(ctx context.Context, sid editbuf.SessionID) (models.VersionID, error) {
	return s.edits.Commit(ctx, sid)
}

// Rebase replays a session's edits on the note's current head.
func (s *Service) Rebase(ctx context.Context, sid editbuf.SessionID) (editbuf.Snapshot, error) {
	if _, err := s.edits.Rebase(ctx, sid); err != nil {
		return editbuf.Snapshot{}, err
	}
	return s.edits.Session(sid)
}

// Discard drops a session.
func (s *Service) Discard(ctx context.Context, sid editbuf.SessionID) error {
	return s.edits.Discard(ctx, sid)
}

// PeekPending returns the most recent uncommitted state of id.
func (s *Service) PeekPending(ctx context.Context, id models.NoteID) (editbuf.Snapshot, bool, error) {
	return s.edits.PeekPending(ctx, id)
}

// PutBlob stores content and returns its reference and size.
func (s *Service) PutBlob(ctx context.Context, r io.Reader) (models.BlobRef, int64, error) {
	return s.blobs.Put(ctx, r)
}

// GetBlob returns a blob's bytes.
func (s *Service) GetBlob(ctx context.Context, ref models.BlobRef) ([]byte, error) {
	return s.blobs.Get(ctx, ref)
}

// AttachBlob records ref under "blob:<name>" on id's head. The blob must
// exist. Attaching the same ref twice writes nothing.
func (s *Service) AttachBlob(ctx context.Context, id models.NoteID, name string, ref models.BlobRef) (models.VersionID, error) {
	if name == "" || strings.ContainsAny(name, "\n\r") {
		return 0, fmt.Errorf("attach: %w: blob name %q", apperr.ErrInvalidArgument, name)
	}
	ok, err := s.blobs.Has(ctx, ref)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("attach: blob %s: %w", ref, apperr.ErrNotFound)
	}
	v, _, err := s.chain.Update(ctx, id, func(head models.Version) (models.Draft, bool, error) {
		if head.Deleted {
			return models.Draft{}, false, fmt.Errorf("attach: note %s is deleted: %w", id, apperr.ErrNotFound)
		}
		d := head.Draft()
		return d, d.Metadata.Add(models.BlobPrefix+name, string(ref)), nil
	})
	if err != nil {
		return 0, err
	}
	return v.ID, nil
}

// Reconstruct re-derives every head pointer from the note files and queues
// all notes for re-indexing.
func (s *Service) Reconstruct(ctx context.Context) (*storage.Report, error) {
	rep, err := s.chain.Reconstruct(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.index.CatchUp(ctx); err != nil {
		return rep, err
	}
	return rep, nil
}

// Rebuild drops the index and replays every note.
func (s *Service) Rebuild(ctx context.Context) (int, error) {
	return s.index.Rebuild(ctx)
}

// IndexStatus reports the index engine's shard states.
func (s *Service) IndexStatus(ctx context.Context) (index.Status, error) {
	return s.index.Status(ctx)
}

func (s *Service) detail(ctx context.Context, v models.Version) (*NoteDetail, error) {
	rels, err := s.graph.Relationships(ctx, v.NoteID)
	if err != nil {
		return nil, err
	}
	var refs []models.Relationship
	if !v.Deleted {
		refs, err = s.graph.Referrers(ctx, v.NoteID, "")
		if err != nil {
			return nil, err
		}
	}
	return &NoteDetail{
		ID:            v.NoteID,
		Version:       v.ID,
		Parent:        v.Parent,
		Title:         Title(v),
		Content:       nonNilSlice(v.Content),
		Metadata:      v.Metadata,
		Deleted:       v.Deleted,
		Relationships: nonNilSlice(rels),
		Referrers:     nonNilSlice(refs),
		CreatedAt:     v.CreatedAt,
	}, nil
}

// Title is the "title" metadata value, else the first heading, else the
// first line of text.
func Title(v models.Version) string {
	if t := v.Metadata.Get("title"); t != "" {
		return t
	}
	var first, heading string
	models.Walk(v.Content, func(n models.Node) bool {
		if heading != "" {
			return false
		}
		if n.Type == models.KindHeading && n.Text != "" {
			heading = n.Text
		}
		if first == "" && n.IsKnown() && n.Text != "" {
			first, _, _ = strings.Cut(n.Text, "\n")
		}
		return true
	})
	if heading != "" {
		return heading
	}
	return first
}

func validateDraft(d models.Draft) error {
	for _, n := range d.Content {
		if n.Type == "" {
			return fmt.Errorf("note: %w: node without type", apperr.ErrInvalidArgument)
		}
	}
	for k := range d.Metadata {
		if k == "" {
			return fmt.Errorf("note: %w: empty metadata key", apperr.ErrInvalidArgument)
		}
		if t, ok := models.RelType(k); ok {
			if err := graph.ValidateType(t); err != nil {
				return err
			}
			for _, val := range d.Metadata[k] {
				if _, err := models.ParseNoteID(val); err != nil {
					return fmt.Errorf("note: %w: %s value %q is not a note id", apperr.ErrInvalidArgument, k, val)
				}
			}
		}
	}
	return nil
}

// snippet returns the first line of text containing a query term.
func snippet(text string, terms []string) string {
	const maxLen = 160
	for _, line := range strings.Split(text, "\n") {
		toks := index.Tokenize(line)
		if slices.ContainsFunc(terms, func(t string) bool { return slices.Contains(toks, t) }) {
			if r := []rune(line); len(r) > maxLen {
				return string(r[:maxLen]) + "…"
			}
			return line
		}
	}
	return ""
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
