package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/folio/internal"
	pkgconfig "github.com/starford/folio/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	read, err := pkgconfig.LoadOptional(configPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if !read {
		slog.Warn("config file not found, using defaults", slog.String("path", configPath))
	}
	if cmd.Bool("read-only") {
		cfg.Store.ReadOnly = true
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func mcp(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunMCP(ctx, os.Stdin, os.Stdout, internal.WithConfig(cfg))
}

func reconstruct(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rep, err := internal.Reconstruct(ctx, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr))
	if err != nil {
		return fmt.Errorf("reconstruct: %w", err)
	}

	skipped := make([]map[string]string, 0, len(rep.Skipped))
	for _, s := range rep.Skipped {
		skipped = append(skipped, map[string]string{"path": s.Path, "error": s.Err.Error()})
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"notes":    len(rep.Heads),
		"versions": rep.Versions,
		"skipped":  skipped,
		"orphans":  rep.Orphans,
		"gaps":     rep.Gaps,
		"empty":    rep.Empty,
	})
}

func rebuild(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	n, err := internal.Rebuild(ctx, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr))
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	fmt.Fprintf(os.Stdout, "indexed %d notes\n", n)
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:   "folio",
		Usage:  "Versioned note database with a lazy index, relationship graph and HTTP/MCP access",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.BoolFlag{
				Name:    "read-only",
				Usage:   "Open the store with a shared lock and reject writes",
				Sources: cli.EnvVars("FOLIO_READ_ONLY"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, SSE stream and index worker",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools over stdio (logs go to stderr)",
				Action: mcp,
			},
			{
				Name:   "reconstruct",
				Usage:  "Rescan version files, repair head pointers and catch the index up",
				Action: reconstruct,
			},
			{
				Name:   "rebuild",
				Usage:  "Drop the index and re-ingest every note",
				Action: rebuild,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
