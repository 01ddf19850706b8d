// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/folio/internal/api"
	"github.com/starford/folio/internal/blob"
	"github.com/starford/folio/internal/chain"
	"github.com/starford/folio/internal/editbuf"
	"github.com/starford/folio/internal/graph"
	"github.com/starford/folio/internal/index"
	"github.com/starford/folio/internal/mcpserver"
	"github.com/starford/folio/internal/noteservice"
	"github.com/starford/folio/internal/sse"
	"github.com/starford/folio/internal/storage"
)

// Version is reported by the MCP server handshake.
var Version = "dev"

func setup(opts []Option) (*Config, *slog.Logger, error) {
	app := &application{logOutput: os.Stdout}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("store_path", cfg.Store.Path),
		slog.Bool("read_only", cfg.Store.ReadOnly),
		slog.String("index_path", cfg.Index.DSN(cfg.Store.Path)),
		slog.Duration("cache_ttl", cfg.Cache.TTL),
		slog.String("log_level", cfg.App.LogLevel.String()))

	return cfg, logger, nil
}

// components is the wired note database.
type components struct {
	store  *storage.Store
	db     *index.DB
	chain  *chain.Chain
	engine *index.Engine
	edits  *editbuf.Buffer
	graph  *graph.Graph
	blobs  *blob.Store
	svc    *noteservice.Service
	report *storage.Report
}

// open takes the database lock, repairs derived state and wires every
// layer on top of the store. Observers are subscribed before any write.
func open(ctx context.Context, cfg *Config, logger *slog.Logger, onIndex index.EventCallback, observers ...chain.Observer) (_ *components, err error) {
	ro := cfg.Store.ReadOnly
	c := &components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.store, err = storage.Open(cfg.Store.Path, storage.Flags{Create: !ro, ReadOnly: ro},
		storage.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	c.report, err = c.store.Reconstruct(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconstruct: %w", err)
	}
	logReport(logger, c.report)

	c.blobs = blob.New(c.store.Path(storage.BlobsDir), blob.WithLogger(logger), blob.WithReadOnly(ro))
	if !ro {
		if n, err := c.blobs.CleanTemp(); err != nil {
			logger.Warn("blob temp cleanup failed", slog.String("error", err.Error()))
		} else if n > 0 {
			logger.Info("removed partial blobs", slog.Int("count", n))
		}
	}

	c.db, err = index.Open(cfg.Index.DSN(cfg.Store.Path))
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}

	c.chain = chain.New(c.store, chain.WithLogger(logger), chain.WithCacheTTL(cfg.Cache.TTL))

	engineOpts := []index.Option{
		index.WithLogger(logger),
		index.WithShards(cfg.Index.Shards),
		index.WithBatchSize(cfg.Index.BatchSize),
	}
	if onIndex != nil {
		engineOpts = append(engineOpts, index.WithEventCallback(onIndex))
	}
	c.engine = index.NewEngine(c.db, c.chain, engineOpts...)

	c.chain.Subscribe(c.engine)
	for _, o := range observers {
		c.chain.Subscribe(o)
	}

	c.edits = editbuf.New(c.chain, c.store.Path(storage.SessionsDir),
		editbuf.WithLogger(logger), editbuf.WithReadOnly(ro))
	sessions, err := c.edits.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover sessions: %w", err)
	}
	for _, s := range sessions {
		attrs := []any{
			slog.String("session", string(s.Session)),
			slog.String("note", string(s.NoteID)),
			slog.String("state", s.State),
			slog.Int("edits", s.Edits),
		}
		if s.Err != nil {
			logger.Warn("session recovery failed", append(attrs, slog.String("error", s.Err.Error()))...)
			continue
		}
		logger.Info("session recovered", attrs...)
	}

	c.graph = graph.New(c.chain, c.engine, logger)
	if !ro {
		c.engine.SetSweeper(c.graph)
	}

	c.svc = noteservice.NewService(c.chain, c.edits, c.graph, c.engine, c.blobs, logger)
	return c, nil
}

// Close releases the index and the database lock.
func (c *components) Close() {
	if c.db != nil {
		_ = c.db.Close()
	}
	if c.store != nil {
		_ = c.store.Close()
	}
}

func logReport(logger *slog.Logger, rep *storage.Report) {
	for _, s := range rep.Skipped {
		logger.Warn("unreadable version skipped",
			slog.String("path", s.Path),
			slog.String("error", s.Err.Error()))
	}
	logger.Info("store reconstructed",
		slog.Int("notes", len(rep.Heads)),
		slog.Int("versions", rep.Versions),
		slog.Int("skipped", len(rep.Skipped)),
		slog.Int("orphans", len(rep.Orphans)),
		slog.Int("gaps", len(rep.Gaps)),
		slog.Int("empty", len(rep.Empty)))
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)

	comp, err := open(ctx, cfg, logger, broker.OnIndexEvent, broker)
	if err != nil {
		broker.Close()
		return err
	}
	defer comp.Close()

	if _, err := comp.engine.CatchUp(ctx); err != nil {
		logger.Warn("initial catch-up failed", slog.String("error", err.Error()))
	}

	apiRouter := api.NewRouter(comp.svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		st, err := comp.engine.Status(req.Context())
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"index unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"read_only": cfg.Store.ReadOnly,
			"pending":   st.Pending,
		})
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Index worker.
	g.Go(func() error {
		return comp.engine.Run(gCtx)
	})

	// Follow version files written by other processes.
	if cfg.Index.Watch {
		g.Go(func() error {
			if err := comp.engine.Watch(gCtx, comp.store.Path(storage.NotesDir)); err != nil {
				logger.Warn("watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		// SSE streams never finish on their own.
		broker.Close()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	if n := broker.Dropped(); n > 0 {
		logger.Info("SSE events dropped while clients lagged", slog.Int64("count", n))
	}
	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the MCP tools over in and out until in is closed or a
// shutdown signal arrives. Logs must not go to out.
func RunMCP(ctx context.Context, in io.Reader, out io.Writer, opts ...Option) error {
	cfg, logger, err := setup(append([]Option{WithLogOutput(os.Stderr)}, opts...))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	comp, err := open(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer comp.Close()

	if _, err := comp.engine.CatchUp(ctx); err != nil {
		logger.Warn("initial catch-up failed", slog.String("error", err.Error()))
	}

	srv := mcpserver.New(comp.svc, Version)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return comp.engine.Run(gCtx)
	})
	if cfg.Index.Watch {
		g.Go(func() error {
			if err := comp.engine.Watch(gCtx, comp.store.Path(storage.NotesDir)); err != nil {
				logger.Warn("watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		logger.Info("MCP server listening on stdio")
		err := srv.Listen(gCtx, in, out, logger)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
			return fmt.Errorf("mcp: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Reconstruct repairs derived state, brings the index up to date and
// returns what the scan found.
func Reconstruct(ctx context.Context, opts ...Option) (*storage.Report, error) {
	cfg, logger, err := setup(opts)
	if err != nil {
		return nil, err
	}

	comp, err := open(ctx, cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	defer comp.Close()

	if _, err := comp.engine.CatchUp(ctx); err != nil {
		return nil, err
	}
	if err := drain(ctx, comp.engine); err != nil {
		return nil, err
	}
	return comp.report, nil
}

// Rebuild drops the index and replays every note. It returns the number of
// notes indexed.
func Rebuild(ctx context.Context, opts ...Option) (int, error) {
	cfg, logger, err := setup(opts)
	if err != nil {
		return 0, err
	}

	comp, err := open(ctx, cfg, logger, nil)
	if err != nil {
		return 0, err
	}
	defer comp.Close()

	n, err := comp.engine.Rebuild(ctx)
	if err != nil {
		return n, err
	}
	// Sweeping may commit pruned versions that queue follow-up work.
	return n, drain(ctx, comp.engine)
}

// drain runs the worker until the queue is empty.
func drain(ctx context.Context, e *index.Engine) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Run(gCtx) })
	g.Go(func() error {
		defer cancel()
		return e.WaitIdle(gCtx)
	})
	return g.Wait()
}
