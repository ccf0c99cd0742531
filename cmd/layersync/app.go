package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/schaermu/layersync/internal/config"
	"github.com/schaermu/layersync/internal/export"
	"github.com/schaermu/layersync/internal/repo"
	"github.com/schaermu/layersync/internal/source"
	"github.com/schaermu/layersync/internal/sync"
	"github.com/schaermu/layersync/internal/tracking"
	"github.com/schaermu/layersync/internal/workspace"
)

// app wires the components shared by every command
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *tracking.Store
	ws       *workspace.Registry
	resolver *source.Resolver
	exporter *export.Exporter
	engine   *sync.Engine
	// pruned counts the entries dropped at startup because their file is gone
	pruned int
}

// newApp loads the configuration and the tracking file, drops entries whose
// files are gone and opens the remaining tracked datasets.
func newApp(ctx context.Context, logger *slog.Logger) (*app, error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store := tracking.NewStore(afero.NewOsFs(), cfg.TrackingFilePath(), tracking.AuditFunc(export.ReadAudit), logger)
	report, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load tracked layers: %w", err)
	}
	if report.Recovered {
		logger.Warn("tracking file was malformed and has been reset", "backup", report.BackupPath)
	}
	pruned, err := store.PruneMissing()
	if err != nil {
		return nil, fmt.Errorf("failed to prune tracked layers: %w", err)
	}

	ws := workspace.NewRegistry(logger)
	resolver := source.NewResolver(ws, logger)
	for _, l := range store.List() {
		if _, err := resolver.ResolveOrLoad(ctx, l.Source); err != nil {
			logger.Warn("failed to open tracked dataset", "source", l.Source, "error", err)
		}
	}

	exporter := export.NewExporter(store, ws, cfg.Paths.ExportDir, logger)
	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		ws:       ws,
		resolver: resolver,
		exporter: exporter,
		engine:   sync.NewEngine(cfg, store, exporter, ws, logger, dryRun),
		pruned:   pruned,
	}, nil
}

func (a *app) Close() {
	if err := a.ws.Close(); err != nil {
		a.logger.Warn("failed to close datasets", "error", err)
	}
}

// openRepo opens a configured repository by name or path
func (a *app) openRepo(nameOrPath string) (*repo.Local, error) {
	r, err := repo.Open(a.cfg.Repo(nameOrPath), a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", nameOrPath, err)
	}
	return r, nil
}

// branch returns the flag value or the configured default branch
func (a *app) branch(flag string) string {
	if flag != "" {
		return flag
	}
	return a.cfg.Sync.DefaultBranch
}

// withApp runs fn with the shared components set up
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx, setupLogger())
	if err != nil {
		return err
	}
	defer a.Close()

	err = fn(ctx, a)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("command failed", "error", err)
	}
	return err
}

// withRepo runs fn with the shared components and an open repository
func withRepo(repoArg string, fn func(ctx context.Context, a *app, r *repo.Local) error) error {
	return withApp(func(ctx context.Context, a *app) error {
		r, err := a.openRepo(repoArg)
		if err != nil {
			return err
		}
		defer func() {
			if err := r.Close(); err != nil {
				a.logger.Warn("failed to close repository", "error", err)
			}
		}()
		return fn(ctx, a, r)
	})
}
