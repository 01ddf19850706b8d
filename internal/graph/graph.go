// Package graph derives typed note-to-note relationships from reserved
// "rel:<type>" metadata and keeps them free of deleted targets.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/storage"
)

var relTypeRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_.\-]*$`)

// Chain is the subset of the version chain the graph writes through.
type Chain interface {
	GetLatestVersion(ctx context.Context, id models.NoteID) (models.Version, error)
	Update(ctx context.Context, id models.NoteID, fn storage.UpdateFunc) (models.Version, bool, error)
}

// Candidates finds notes that may carry a value under a key prefix. Results
// can be stale and are always re-verified.
type Candidates interface {
	LookupValue(ctx context.Context, prefix, value string) ([]models.NoteID, error)
}

// Graph reads edges live from note heads and mutates them through the chain.
type Graph struct {
	chain  Chain
	index  Candidates
	logger *slog.Logger
}

// New returns a Graph.
func New(chain Chain, index Candidates, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{chain: chain, index: index, logger: logger}
}

// ValidateType checks a relationship type name.
func ValidateType(relType string) error {
	err := validation.Validate(relType,
		validation.Required,
		validation.Length(1, 64),
		validation.Match(relTypeRe).Error("must be lowercase letters, digits, '_', '.' or '-'"),
	)
	if err != nil {
		return fmt.Errorf("graph: %w: type %q: %v", apperr.ErrInvalidArgument, relType, err)
	}
	return nil
}

// AddRelationship records from -[relType]-> to on from's head. Adding an
// existing edge writes nothing; changed reports whether a version was added.
func (g *Graph) AddRelationship(ctx context.Context, from, to models.NoteID, relType string) (v models.VersionID, changed bool, err error) {
	if err := ValidateType(relType); err != nil {
		return 0, false, err
	}
	target, err := g.chain.GetLatestVersion(ctx, to)
	if err != nil {
		return 0, false, fmt.Errorf("graph: target %s: %w", to, err)
	}
	if target.Deleted {
		return 0, false, fmt.Errorf("graph: target %s is deleted: %w", to, apperr.ErrNotFound)
	}
	head, changed, err := g.chain.Update(ctx, from, func(head models.Version) (models.Draft, bool, error) {
		if head.Deleted {
			return models.Draft{}, false, fmt.Errorf("graph: source %s is deleted: %w", from, apperr.ErrNotFound)
		}
		d := head.Draft()
		return d, d.Metadata.Add(models.RelKey(relType), string(to)), nil
	})
	if err != nil {
		return 0, false, err
	}
	return head.ID, changed, nil
}

// RemoveRelationship drops the edge. Removing an absent edge writes nothing.
func (g *Graph) RemoveRelationship(ctx context.Context, from, to models.NoteID, relType string) (v models.VersionID, changed bool, err error) {
	if err := ValidateType(relType); err != nil {
		return 0, false, err
	}
	head, changed, err := g.chain.Update(ctx, from, func(head models.Version) (models.Draft, bool, error) {
		d := head.Draft()
		return d, d.Metadata.Remove(models.RelKey(relType), string(to)), nil
	})
	if err != nil {
		return 0, false, err
	}
	return head.ID, changed, nil
}

// Relationships returns every outgoing edge of id's head, sorted by type and
// target. A deleted note has none.
func (g *Graph) Relationships(ctx context.Context, id models.NoteID) ([]models.Relationship, error) {
	head, err := g.chain.GetLatestVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	return edges(head, ""), nil
}

// Neighbors returns the targets of id's outgoing edges of relType, or of
// every type when relType is empty. A deleted note has no neighbors.
func (g *Graph) Neighbors(ctx context.Context, id models.NoteID, relType string) ([]models.NoteID, error) {
	if relType != "" {
		if err := ValidateType(relType); err != nil {
			return nil, err
		}
	}
	head, err := g.chain.GetLatestVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []models.NoteID
	for _, e := range edges(head, relType) {
		out = append(out, e.To)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func edges(head models.Version, relType string) []models.Relationship {
	if head.Deleted {
		return nil
	}
	var out []models.Relationship
	for _, k := range head.Metadata.Keys() {
		t, ok := models.RelType(k)
		if !ok || (relType != "" && t != relType) {
			continue
		}
		for _, v := range head.Metadata[k] {
			to, err := models.ParseNoteID(v)
			if err != nil {
				continue
			}
			out = append(out, models.Relationship{From: head.NoteID, To: to, Type: t})
		}
	}
	return out
}

// Referrers returns live incoming edges of id. Index candidates are
// re-verified against each source's head.
func (g *Graph) Referrers(ctx context.Context, id models.NoteID, relType string) ([]models.Relationship, error) {
	cands, err := g.index.LookupValue(ctx, models.RelPrefix, string(id))
	if err != nil {
		return nil, err
	}
	var out []models.Relationship
	for _, c := range cands {
		head, err := g.chain.GetLatestVersion(ctx, c)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range edges(head, relType) {
			if e.To == id {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// Sweep removes every edge pointing at deleted from the notes the index
// names as candidates. Both the target's deletion and each candidate's edge
// are re-verified before a removal version is written. Sweep is idempotent.
func (g *Graph) Sweep(ctx context.Context, deleted models.NoteID) error {
	target, err := g.chain.GetLatestVersion(ctx, deleted)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	if err == nil && !target.Deleted {
		return nil
	}
	cands, err := g.index.LookupValue(ctx, models.RelPrefix, string(deleted))
	if err != nil {
		return err
	}
	pruned := 0
	for _, c := range cands {
		_, changed, err := g.chain.Update(ctx, c, func(head models.Version) (models.Draft, bool, error) {
			if head.Deleted {
				return models.Draft{}, false, nil
			}
			d := head.Draft()
			removed := false
			for _, k := range d.Metadata.Keys() {
				if strings.HasPrefix(k, models.RelPrefix) && d.Metadata.Remove(k, string(deleted)) {
					removed = true
				}
			}
			return d, removed, nil
		})
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("graph: prune %s -> %s: %w", c, deleted, err)
		}
		if changed {
			pruned++
		}
	}
	if pruned > 0 {
		g.logger.Info("graph: pruned edges to deleted note",
			slog.String("note", string(deleted)),
			slog.Int("sources", pruned))
	}
	return nil
}
