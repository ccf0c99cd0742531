// Package sync reconciles tracked datasets with the branches they were
// checked out from.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/schaermu/layersync/internal/config"
	"github.com/schaermu/layersync/internal/dataset"
	"github.com/schaermu/layersync/internal/export"
	"github.com/schaermu/layersync/internal/feature"
	"github.com/schaermu/layersync/internal/merge"
	"github.com/schaermu/layersync/internal/repo"
	"github.com/schaermu/layersync/internal/source"
	"github.com/schaermu/layersync/internal/tracking"
	"github.com/schaermu/layersync/internal/workspace"
)

// ErrUnresolvedConflicts is returned when a sync stops on conflicts
var ErrUnresolvedConflicts = merge.ErrUnresolvedConflicts

// Engine orchestrates the sync process
type Engine struct {
	cfg      *config.Config
	store    *tracking.Store
	exporter *export.Exporter
	ws       workspace.Workspace
	resolver *source.Resolver
	logger   *slog.Logger
	dryRun   bool
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, store *tracking.Store, exporter *export.Exporter, ws workspace.Workspace, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		exporter: exporter,
		ws:       ws,
		resolver: source.NewResolver(ws, logger),
		logger:   logger,
		dryRun:   dryRun,
	}
}

// Status classifies ds against branch without writing anything
func (e *Engine) Status(ctx context.Context, r repo.Repository, ds dataset.Dataset, branch string) (*Status, error) {
	head, err := r.BranchHead(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve branch %s: %w", branch, err)
	}
	st, _, err := e.assess(ctx, r, ds, branch, head)
	return st, err
}

// assess builds the status and the import plan of one dataset
func (e *Engine) assess(ctx context.Context, r repo.Repository, ds dataset.Dataset, branch, head string) (*Status, *export.ImportPlan, error) {
	plan, err := e.exporter.PlanImport(ctx, r, ds)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to inspect %s: %w", ds.Source(), err)
	}

	st := &Status{
		Source: ds.Source(),
		Layer:  plan.Layer,
		Branch: branch,
		Audit:  plan.Audit,
		Head:   head,
		Local:  plan.Delta,
	}

	var theirs *feature.Layer
	if plan.Audit != head {
		theirs, err = r.Layer(ctx, head, plan.Layer)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s on branch %s: %w", plan.Layer, branch, err)
		}
		st.Upstream = feature.Diff(plan.Base, theirs)
	}

	moved := plan.BranchMoved(branch, head)
	switch {
	case !plan.HasLocalChanges() && (plan.Audit == head || !moved):
		st.State = InSync
	case !plan.HasLocalChanges():
		st.State = RemoteAhead
	case plan.Audit == head:
		st.State = LocalAhead
	default:
		res := merge.ThreeWay(plan.Layer, plan.Base, plan.Local, theirs)
		st.State = Diverged
		if !moved {
			st.State = LocalAhead
		}
		if !res.Clean() {
			st.State = Conflicted
			st.Conflicts = res.Conflicts
		}
	}
	return st, plan, nil
}

// Sync brings ds and branch together: local edits are committed, upstream
// changes are merged into the dataset. A dataset that is in sync is not
// written to.
func (e *Engine) Sync(ctx context.Context, r repo.Repository, ds dataset.Dataset, branch string, opts Options) (*Result, error) {
	return e.syncDatasets(ctx, r, branch, opts, []dataset.Dataset{ds})
}

// SyncRepo syncs every tracked dataset of a repository against branch. Local
// edits of all datasets are committed together, and nothing is committed
// while any conflict in any layer is unresolved.
func (e *Engine) SyncRepo(ctx context.Context, r repo.Repository, branch string, opts Options) (*Result, error) {
	trees, err := r.Trees(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("failed to list layers of %s: %w", branch, err)
	}
	entries := e.store.ForRepository(r.URL(), trees)
	if len(entries) == 0 {
		e.logger.Info("no tracked datasets", "repo", r.Name())
		return &Result{DryRun: e.dryRun || opts.DryRun}, nil
	}

	datasets := make([]dataset.Dataset, 0, len(entries))
	for _, entry := range entries {
		ds, err := e.resolver.ResolveOrLoad(ctx, entry.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to open tracked dataset %s: %w", entry.Source, err)
		}
		datasets = append(datasets, ds)
	}
	return e.syncDatasets(ctx, r, branch, opts, datasets)
}

func (e *Engine) syncDatasets(ctx context.Context, r repo.Repository, branch string, opts Options, datasets []dataset.Dataset) (*Result, error) {
	dryRun := e.dryRun || opts.DryRun
	e.logger.Info("starting sync",
		"repo", r.Name(),
		"branch", branch,
		"datasets", len(datasets),
		"dry_run", dryRun)

	head, err := r.BranchHead(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve branch %s: %w", branch, err)
	}

	res := &Result{DryRun: dryRun, Datasets: datasets}
	plans := make([]*export.ImportPlan, 0, len(datasets))
	counts := make(map[State]int)
	for _, ds := range datasets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st, plan, err := e.assess(ctx, r, ds, branch, head)
		if err != nil {
			return nil, err
		}
		res.States = append(res.States, st)
		res.Conflicts = append(res.Conflicts, st.Conflicts...)
		plans = append(plans, plan)
		counts[st.State]++
	}

	e.logger.Info("sync plan",
		"in_sync", counts[InSync],
		"local_ahead", counts[LocalAhead],
		"remote_ahead", counts[RemoteAhead],
		"diverged", counts[Diverged],
		"conflicted", counts[Conflicted])

	if counts[InSync] == len(datasets) {
		e.logger.Info("datasets are in sync, nothing to do")
		return res, nil
	}

	// check for dry-run mode
	if dryRun {
		e.logPlanDetails(res.States)
		e.logger.Info("dry-run complete, no changes applied")
		return res, nil
	}

	req := export.ImportRequest{
		Branch:         branch,
		Message:        e.message(opts, res.States),
		AuthorName:     opts.AuthorName,
		AuthorEmail:    opts.AuthorEmail,
		AllowConflicts: opts.AllowConflicts || len(opts.Resolutions) > 0,
		Resolutions:    opts.Resolutions,
	}
	if e.cfg != nil {
		req.AllowConflicts = req.AllowConflicts || e.cfg.Sync.AllowConflicts
		if req.AuthorName == "" {
			req.AuthorName, req.AuthorEmail = e.cfg.User.Name, e.cfg.User.Email
		}
	}

	imp, err := e.exporter.CommitImports(ctx, r, req, plans)
	if imp != nil {
		res.CommitID = imp.CommitID
		res.Changes = imp.Changes
		res.Merged = imp.Merged
		if len(imp.Conflicts) > 0 {
			res.Conflicts = imp.Conflicts
		}
	}
	if err != nil {
		for _, c := range res.Conflicts {
			e.logger.Warn("conflict", "layer", c.Layer, "feature", c.FeatureID,
				"ours", c.Ours.String(), "theirs", c.Theirs.String())
		}
		return res, fmt.Errorf("failed to sync %s: %w", branch, err)
	}

	if err := e.reload(ctx, res); err != nil {
		e.logger.Warn("failed to reload datasets", "error", err)
	}

	e.logger.Info("sync completed successfully", "commit", repo.ShortID(res.CommitID), "changes", res.Changes)
	return res, nil
}

// message returns the commit message of a sync
func (e *Engine) message(opts Options, states []*Status) string {
	if opts.Message != "" {
		return opts.Message
	}
	var layers []string
	for _, st := range states {
		if !st.Local.Empty() {
			layers = append(layers, st.Layer)
		}
	}
	sort.Strings(layers)
	return fmt.Sprintf("Updated %s", strings.Join(layers, ", "))
}

// reload asks the workspace to reopen the synced datasets and swaps in the
// reopened handles
func (e *Engine) reload(ctx context.Context, res *Result) error {
	sources := make([]string, 0, len(res.Datasets))
	for _, ds := range res.Datasets {
		sources = append(sources, ds.Source())
	}
	if err := e.ws.Reload(ctx, sources); err != nil {
		return err
	}
	for i, ds := range res.Datasets {
		src, err := source.Canonicalize(ds.Source())
		if err != nil {
			continue
		}
		if live, err := e.resolver.ResolveLive(ctx, src); err == nil {
			res.Datasets[i] = live
		}
	}
	return nil
}

// RemoveRepository closes the datasets of a repository and forgets them
func (e *Engine) RemoveRepository(ctx context.Context, r repo.Repository) (int, error) {
	for _, l := range e.store.List() {
		if l.RepoURL != r.URL() {
			continue
		}
		if err := e.ws.Remove(l.Source); err != nil {
			e.logger.Warn("failed to close dataset", "source", l.Source, "error", err)
		}
	}
	n, err := e.store.RemoveForRepository(r.URL())
	if err != nil {
		return 0, fmt.Errorf("failed to remove tracking entries: %w", err)
	}
	return n, nil
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(states []*Status) {
	for _, st := range states {
		switch st.State {
		case InSync:
			continue
		case RemoteAhead:
			e.logger.Info("[dry-run] would update dataset", "source", st.Source,
				"from", repo.ShortID(st.Audit), "to", repo.ShortID(st.Head))
			continue
		}
		for _, id := range st.Local.Added {
			e.logger.Info("[dry-run] would add", "layer", st.Layer, "feature", id)
		}
		for _, id := range st.Local.Modified {
			e.logger.Info("[dry-run] would update", "layer", st.Layer, "feature", id)
		}
		for _, id := range st.Local.Removed {
			e.logger.Info("[dry-run] would delete", "layer", st.Layer, "feature", id)
		}
		for _, c := range st.Conflicts {
			e.logger.Info("[dry-run] conflict", "layer", c.Layer, "feature", c.FeatureID)
		}
	}
}
