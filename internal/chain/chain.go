// Package chain is the single write path for note versions. It wraps the
// store, keeps version reads in a TTL cache and tells observers about every
// committed version.
package chain

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/cache"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/storage"
)

// DefaultCacheTTL is how long an immutable version stays cached.
const DefaultCacheTTL = 5 * time.Minute

// Observer is told about every version committed through the chain.
// OnVersionCommitted is called synchronously after the write and must not block.
type Observer interface {
	OnVersionCommitted(v models.Version)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(models.Version)

func (f ObserverFunc) OnVersionCommitted(v models.Version) { f(v) }

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the chain's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

// WithCacheTTL sets the version cache TTL. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Chain) { c.ttl = d }
}

type versionKey struct {
	note models.NoteID
	id   models.VersionID
}

// Chain orders versions per note on top of a storage.Provider.
type Chain struct {
	store  storage.Provider
	logger *slog.Logger
	ttl    time.Duration
	cache  *cache.Cache[versionKey, models.Version]

	mu        sync.RWMutex
	observers []Observer
}

// New returns a Chain over store.
func New(store storage.Provider, opts ...Option) *Chain {
	c := &Chain{
		store:  store,
		logger: slog.Default(),
		ttl:    DefaultCacheTTL,
		cache:  cache.New[versionKey, models.Version](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the underlying provider.
func (c *Chain) Store() storage.Provider { return c.store }

// Subscribe registers o for commit notifications.
func (c *Chain) Subscribe(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

func (c *Chain) publish(v models.Version) {
	c.remember(v)
	c.mu.RLock()
	obs := c.observers
	c.mu.RUnlock()
	for _, o := range obs {
		o.OnVersionCommitted(v)
	}
}

func (c *Chain) remember(v models.Version) {
	if c.ttl > 0 {
		c.cache.Save(versionKey{v.NoteID, v.ID}, v, c.ttl)
	}
}

// CreateNote creates a note and returns its identifier and first version.
func (c *Chain) CreateNote(ctx context.Context, content []models.Node, md models.Metadata) (models.NoteID, models.VersionID, error) {
	v, err := c.Create(ctx, models.Draft{Content: content, Metadata: md})
	if err != nil {
		return "", 0, err
	}
	return v.NoteID, v.ID, nil
}

// Create writes the first version of a new note.
func (c *Chain) Create(ctx context.Context, d models.Draft) (models.Version, error) {
	v, err := c.store.Create(ctx, d)
	if err != nil {
		return models.Version{}, err
	}
	c.publish(v)
	return v, nil
}

// AppendVersion appends a version with new content and metadata.
func (c *Chain) AppendVersion(ctx context.Context, id models.NoteID, content []models.Node, md models.Metadata) (models.VersionID, error) {
	v, err := c.Append(ctx, id, models.Draft{Content: content, Metadata: md})
	if err != nil {
		return 0, err
	}
	return v.ID, nil
}

// Append appends d on top of the current head.
func (c *Chain) Append(ctx context.Context, id models.NoteID, d models.Draft) (models.Version, error) {
	v, err := c.store.Append(ctx, id, d)
	if err != nil {
		return models.Version{}, err
	}
	c.publish(v)
	return v, nil
}

// AppendAt appends d only while parent is the head.
func (c *Chain) AppendAt(ctx context.Context, id models.NoteID, parent models.VersionID, d models.Draft) (models.Version, error) {
	v, err := c.store.AppendAt(ctx, id, parent, d)
	if err != nil {
		return models.Version{}, err
	}
	c.publish(v)
	return v, nil
}

// Update runs a read-modify-write on the head. changed is false when fn
// decided nothing needs writing; v is then the unchanged head.
func (c *Chain) Update(ctx context.Context, id models.NoteID, fn storage.UpdateFunc) (v models.Version, changed bool, err error) {
	v, changed, err = c.store.Update(ctx, id, fn)
	if err != nil {
		return models.Version{}, false, err
	}
	if changed {
		c.publish(v)
	}
	return v, changed, nil
}

// MarkDeleted appends a tombstone version. Deleting a deleted note returns
// its current head without writing.
func (c *Chain) MarkDeleted(ctx context.Context, id models.NoteID) (models.VersionID, error) {
	v, _, err := c.Update(ctx, id, func(head models.Version) (models.Draft, bool, error) {
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

// Revert appends a version copying target's content, metadata and deletion
// flag. The history up to and including the current head is kept.
func (c *Chain) Revert(ctx context.Context, id models.NoteID, target models.VersionID) (models.VersionID, error) {
	t, err := c.GetVersion(ctx, id, target)
	if err != nil {
		return 0, fmt.Errorf("chain: revert %s to %d: %w", id, target, err)
	}
	v, err := c.Append(ctx, id, t.Draft())
	if err != nil {
		return 0, err
	}
	c.logger.Info("chain: reverted",
		slog.String("note", string(id)),
		slog.String("target", target.String()),
		slog.String("version", v.ID.String()))
	return v.ID, nil
}

// GetVersion returns one version, from cache when possible.
func (c *Chain) GetVersion(ctx context.Context, id models.NoteID, vid models.VersionID) (models.Version, error) {
	if c.ttl > 0 {
		if v, ok := c.cache.Get(versionKey{id, vid}); ok {
			return v, nil
		}
	}
	v, err := c.store.GetVersion(ctx, id, vid)
	if err != nil {
		return models.Version{}, err
	}
	c.remember(v)
	return v, nil
}

// GetLatestVersion always resolves the head through the store; only the
// version body may come from cache.
func (c *Chain) GetLatestVersion(ctx context.Context, id models.NoteID) (models.Version, error) {
	v, err := c.store.GetLatestVersion(ctx, id)
	if err != nil {
		return models.Version{}, err
	}
	c.remember(v)
	return v, nil
}

// History yields the note's versions newest first by following parent links.
// Each range starts again from the current head. A broken link ends the
// sequence with its error.
func (c *Chain) History(ctx context.Context, id models.NoteID) iter.Seq2[models.Version, error] {
	return func(yield func(models.Version, error) bool) {
		v, err := c.GetLatestVersion(ctx, id)
		if err != nil {
			yield(models.Version{}, err)
			return
		}
		for {
			if !yield(v, nil) {
				return
			}
			if v.Parent == 0 {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(models.Version{}, err)
				return
			}
			parent, err := c.GetVersion(ctx, id, v.Parent)
			if err != nil {
				if errors.Is(err, apperr.ErrNotFound) {
					err = fmt.Errorf("chain: %s@%d names missing parent %d: %w", id, v.ID, v.Parent, err)
				}
				yield(models.Version{}, err)
				return
			}
			v = parent
		}
	}
}

// Refresh forgets cached head state for id after an out-of-band write.
func (c *Chain) Refresh(id models.NoteID) { c.store.Refresh(id) }

// ListNoteIDs lists every note.
func (c *Chain) ListNoteIDs(ctx context.Context) iter.Seq2[models.NoteID, error] {
	return c.store.ListNoteIDs(ctx)
}

// Reconstruct re-derives head pointers and purges expired cache entries.
func (c *Chain) Reconstruct(ctx context.Context) (*storage.Report, error) {
	rep, err := c.store.Reconstruct(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Purge()
	return rep, nil
}
