package index

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/models"
)

// Source is the canonical store the engine indexes from.
type Source interface {
	GetLatestVersion(ctx context.Context, id models.NoteID) (models.Version, error)
	ListNoteIDs(ctx context.Context) iter.Seq2[models.NoteID, error]
}

// Sweeper prunes edges that point at a deleted note.
type Sweeper interface {
	Sweep(ctx context.Context, deleted models.NoteID) error
}

// ShardState is where a shard is in its indexing cycle.
type ShardState string

const (
	Stale    ShardState = "stale"
	Indexing ShardState = "indexing"
	Current  ShardState = "current"
)

// Event kinds passed to EventCallback.
const (
	EventIndexed = "indexed"
	EventRemoved = "removed"
	EventSwept   = "swept"
)

// EventCallback is called after each index mutation.
type EventCallback func(kind string, id models.NoteID, v models.VersionID)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithShards sets the number of shards reported by Status.
func WithShards(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.shards = n
		}
	}
}

// WithBatchSize caps how many notes one worker round ingests.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batch = n
		}
	}
}

// WithEventCallback registers cb for index events.
func WithEventCallback(cb EventCallback) Option { return func(e *Engine) { e.onEvent = cb } }

// Engine keeps the index up to date in the background. Writers call
// OnVersionCommitted, which never blocks; Run drains the queue.
type Engine struct {
	db      *DB
	src     Source
	logger  *slog.Logger
	shards  int
	batch   int
	onEvent EventCallback

	// work serialises worker rounds with Rebuild.
	work sync.Mutex

	mu       sync.Mutex
	sweeper  Sweeper
	pending  map[models.NoteID]struct{}
	order    []models.NoteID
	inflight map[models.NoteID]struct{}
	busy     bool
	idle     chan struct{}
	wake     chan struct{}
}

// NewEngine returns an Engine writing to db and reading from src.
func NewEngine(db *DB, src Source, opts ...Option) *Engine {
	e := &Engine{
		db:       db,
		src:      src,
		logger:   slog.Default(),
		shards:   8,
		batch:    64,
		pending:  make(map[models.NoteID]struct{}),
		inflight: make(map[models.NoteID]struct{}),
		idle:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	close(e.idle)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DB returns the underlying index database.
func (e *Engine) DB() *DB { return e.db }

// SetSweeper installs the edge pruner run after each drained round.
func (e *Engine) SetSweeper(s Sweeper) {
	e.mu.Lock()
	e.sweeper = s
	e.mu.Unlock()
}

// OnVersionCommitted enqueues the note of v. It never blocks.
func (e *Engine) OnVersionCommitted(v models.Version) {
	e.Enqueue(v.NoteID)
}

// Enqueue schedules id for (re)indexing. Duplicates collapse.
func (e *Engine) Enqueue(id models.NoteID) {
	e.mu.Lock()
	if _, ok := e.pending[id]; !ok {
		e.pending[id] = struct{}{}
		e.order = append(e.order, id)
	}
	e.markBusy()
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// markBusy resets the idle signal. Caller holds e.mu.
func (e *Engine) markBusy() {
	select {
	case <-e.idle:
		e.idle = make(chan struct{})
	default:
	}
}

// Run processes the queue until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("index: worker started", slog.Int("shards", e.shards))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("index: worker stopped")
			return nil
		case <-e.wake:
		}
		for e.round(ctx) {
			if ctx.Err() != nil {
				break
			}
		}
	}
}

// round ingests one batch and, once the queue is empty, sweeps tombstones.
// It reports whether more work is queued.
func (e *Engine) round(ctx context.Context) bool {
	e.work.Lock()
	defer e.work.Unlock()

	e.mu.Lock()
	n := min(e.batch, len(e.order))
	batch := e.order[:n:n]
	e.order = e.order[n:]
	for _, id := range batch {
		delete(e.pending, id)
		e.inflight[id] = struct{}{}
	}
	e.busy = true
	e.mu.Unlock()

	for _, id := range batch {
		if err := e.ingest(ctx, id); err != nil && ctx.Err() == nil {
			e.logger.Warn("index: ingest failed",
				slog.String("note", string(id)),
				slog.String("error", err.Error()))
		}
		e.mu.Lock()
		delete(e.inflight, id)
		e.mu.Unlock()
	}

	e.mu.Lock()
	drained := len(e.order) == 0
	e.mu.Unlock()
	if drained && ctx.Err() == nil {
		if err := e.sweep(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("index: sweep failed", slog.String("error", err.Error()))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.busy = false
	if len(e.order) > 0 {
		return true
	}
	select {
	case <-e.idle:
	default:
		close(e.idle)
	}
	return false
}

// ingest brings one note's rows up to its canonical head. It is idempotent:
// a watermark at or past the head is left alone.
func (e *Engine) ingest(ctx context.Context, id models.NoteID) error {
	v, err := e.src.GetLatestVersion(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		if err := e.db.Delete(ctx, id); err != nil {
			return err
		}
		e.emit(EventRemoved, id, 0)
		return nil
	}
	if err != nil {
		return err
	}
	wm, ok, err := e.db.Watermark(ctx, id)
	if err != nil {
		return err
	}
	if ok && wm >= v.ID {
		return nil
	}
	if err := e.db.Put(ctx, v); err != nil {
		return err
	}
	e.logger.Debug("index: ingested",
		slog.String("note", string(id)),
		slog.String("version", v.ID.String()),
		slog.Bool("deleted", v.Deleted))
	e.emit(EventIndexed, id, v.ID)
	return nil
}

// sweep prunes edges to every unswept tombstone whose note is still deleted.
func (e *Engine) sweep(ctx context.Context) error {
	e.mu.Lock()
	sw := e.sweeper
	e.mu.Unlock()
	if sw == nil {
		return nil
	}
	stones, err := e.db.Tombstones(ctx)
	if err != nil {
		return err
	}
	for _, t := range stones {
		head, err := e.src.GetLatestVersion(ctx, t.NoteID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		if err == nil && !head.Deleted {
			// Revived; the pending re-ingest clears the tombstone.
			e.Enqueue(t.NoteID)
			continue
		}
		if err := sw.Sweep(ctx, t.NoteID); err != nil {
			return fmt.Errorf("sweep %s: %w", t.NoteID, err)
		}
		if err := e.db.MarkSwept(ctx, t); err != nil {
			return err
		}
		e.emit(EventSwept, t.NoteID, t.Version)
	}
	return nil
}

func (e *Engine) emit(kind string, id models.NoteID, v models.VersionID) {
	if e.onEvent != nil {
		e.onEvent(kind, id, v)
	}
}

// WaitIdle blocks until the queue is drained and no round is running.
func (e *Engine) WaitIdle(ctx context.Context) error {
	for {
		e.mu.Lock()
		idle := e.idle
		e.mu.Unlock()
		select {
		case <-idle:
			e.mu.Lock()
			done := len(e.order) == 0 && len(e.inflight) == 0 && !e.busy
			e.mu.Unlock()
			if done {
				return nil
			}
			// Work was enqueued after the signal; give the worker a moment.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CatchUp enqueues every note so that anything committed past its
// persisted watermark is re-ingested. Up-to-date notes are skipped cheaply by
// ingest. It returns the number of notes enqueued.
func (e *Engine) CatchUp(ctx context.Context) (int, error) {
	n := 0
	for id, err := range e.src.ListNoteIDs(ctx) {
		if err != nil {
			return n, fmt.Errorf("index: catch up: %w", err)
		}
		e.Enqueue(id)
		n++
	}
	e.logger.Info("index: catch-up queued", slog.Int("notes", n))
	return n, nil
}

// Rebuild drops all index state and replays every note's head through the
// same ingestion path as the worker, then sweeps.
func (e *Engine) Rebuild(ctx context.Context) (int, error) {
	e.work.Lock()
	defer e.work.Unlock()

	start := time.Now()
	if err := e.db.Reset(ctx); err != nil {
		return 0, err
	}
	n := 0
	for id, err := range e.src.ListNoteIDs(ctx) {
		if err != nil {
			return n, fmt.Errorf("index: rebuild: %w", err)
		}
		if err := e.ingest(ctx, id); err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			e.logger.Warn("index: rebuild skipped note",
				slog.String("note", string(id)),
				slog.String("error", err.Error()))
			continue
		}
		n++
	}
	if err := e.sweep(ctx); err != nil {
		e.logger.Warn("index: sweep failed", slog.String("error", err.Error()))
	}
	e.logger.Info("index: rebuilt",
		slog.Int("notes", n),
		slog.Duration("took", time.Since(start)))
	return n, nil
}

// Lookup returns candidate notes carrying key=value.
func (e *Engine) Lookup(ctx context.Context, key, value string) ([]models.NoteID, error) {
	return e.db.Lookup(ctx, key, value)
}

// LookupValue returns candidate notes carrying value under any key with prefix.
func (e *Engine) LookupValue(ctx context.Context, prefix, value string) ([]models.NoteID, error) {
	return e.db.LookupValue(ctx, prefix, value)
}

// Search returns ranked candidate notes for text.
func (e *Engine) Search(ctx context.Context, text string, limit int) ([]Hit, error) {
	return e.db.Search(ctx, text, limit)
}

// ShardStatus is the state of one shard.
type ShardStatus struct {
	Shard    int        `json:"shard"`
	State    ShardState `json:"state"`
	Pending  int        `json:"pending"`
	Indexing int        `json:"indexing"`
}

// Status is a snapshot of the engine.
type Status struct {
	Shards  []ShardStatus `json:"shards"`
	Pending int           `json:"pending"`
	Counts  Counts        `json:"counts"`
}

// Status reports each shard's state and the queue depth. A shard is
// indexing while any of its notes is in flight, stale while any is queued
// and current otherwise.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	st := Status{Shards: make([]ShardStatus, e.shards)}
	e.mu.Lock()
	for i := range st.Shards {
		st.Shards[i].Shard = i
	}
	for id := range e.pending {
		st.Shards[e.shardOf(id)].Pending++
	}
	for id := range e.inflight {
		st.Shards[e.shardOf(id)].Indexing++
	}
	st.Pending = len(e.pending)
	e.mu.Unlock()

	for i := range st.Shards {
		s := &st.Shards[i]
		switch {
		case s.Indexing > 0:
			s.State = Indexing
		case s.Pending > 0:
			s.State = Stale
		default:
			s.State = Current
		}
	}
	c, err := e.db.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	st.Counts = c
	return st, nil
}

func (e *Engine) shardOf(id models.NoteID) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(e.shards))
}
