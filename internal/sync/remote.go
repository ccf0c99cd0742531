package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/schaermu/layersync/internal/export"
	"github.com/schaermu/layersync/internal/feature"
	"github.com/schaermu/layersync/internal/merge"
	"github.com/schaermu/layersync/internal/repo"
)

var timeNow = time.Now

// ErrRemoteAhead is returned when a push would lose remote commits
var ErrRemoteAhead = errors.New("remote has commits that are not present locally, pull first")

// PushResult describes the outcome of a push
type PushResult struct {
	Remote        string
	Branch        string
	Head          string
	Pushed        int
	NothingToPush bool
}

// Push sends branch to remote
func (e *Engine) Push(ctx context.Context, r repo.Repository, remote, branch string) (*PushResult, error) {
	if e.dryRun {
		e.logger.Info("[dry-run] would push", "repo", r.Name(), "remote", remote, "branch", branch)
		return &PushResult{Remote: remote, Branch: branch}, nil
	}
	res, err := r.Push(ctx, remote, branch)
	if errors.Is(err, repo.ErrNonFastForward) {
		return nil, fmt.Errorf("%w: %v", ErrRemoteAhead, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to push: %w", err)
	}
	out := &PushResult{
		Remote:        res.Remote,
		Branch:        res.Branch,
		Head:          res.Head,
		Pushed:        res.Pushed,
		NothingToPush: res.UpToDate || res.Pushed == 0,
	}
	if out.NothingToPush {
		e.logger.Info("nothing to push", "remote", remote, "branch", branch)
	}
	return out, nil
}

// PullKind tells how a pull changed the local branch
type PullKind int

const (
	// PullUpToDate means the local branch already contains the remote head
	PullUpToDate PullKind = iota
	// PullFastForward means the local branch was moved to the remote head
	PullFastForward
	// PullMerged means a merge commit joined both heads
	PullMerged
)

func (k PullKind) String() string {
	switch k {
	case PullUpToDate:
		return "up-to-date"
	case PullFastForward:
		return "fast-forward"
	case PullMerged:
		return "merged"
	default:
		return "unknown"
	}
}

// PullResult describes the outcome of a pull
type PullResult struct {
	Remote    string
	Branch    string
	Kind      PullKind
	Head      string
	Fetched   int
	Conflicts []merge.Conflict
	// Updated lists the tracked datasets moved to the new head
	Updated []string
}

// Pull fetches branch from remote and integrates it into the local branch.
// Diverged histories are merged layer by layer; conflicts must be covered by
// opts.Resolutions, otherwise nothing is written and the conflicts are
// returned. Tracked datasets that were at the old head are moved to the new
// one.
func (e *Engine) Pull(ctx context.Context, r repo.Repository, remote, branch string, opts Options) (*PullResult, error) {
	fetched, err := r.Fetch(ctx, remote, branch)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}
	res := &PullResult{Remote: remote, Branch: branch, Fetched: fetched.Fetched, Head: fetched.Head}

	local, err := r.BranchHead(ctx, branch)
	switch {
	case errors.Is(err, repo.ErrEmptyBranch), errors.Is(err, repo.ErrRefNotFound):
		local = ""
	case err != nil:
		return nil, err
	}

	if local == fetched.Head {
		res.Kind = PullUpToDate
		return res, nil
	}
	if local != "" {
		contained, err := r.IsAncestor(ctx, fetched.Head, local)
		if err != nil {
			return nil, err
		}
		if contained {
			res.Kind = PullUpToDate
			res.Head = local
			return res, nil
		}
	}

	ff := local == ""
	if !ff {
		if ff, err = r.IsAncestor(ctx, local, fetched.Head); err != nil {
			return nil, err
		}
	}

	if ff {
		res.Kind = PullFastForward
		if e.dryRun || opts.DryRun {
			e.logger.Info("[dry-run] would fast-forward", "branch", branch, "to", repo.ShortID(fetched.Head))
			return res, nil
		}
		if err := r.Apply(ctx, repo.Update{Branch: branch, Expected: local, Head: fetched.Head}); err != nil {
			return nil, fmt.Errorf("failed to fast-forward %s: %w", branch, err)
		}
		e.logger.Info("fast-forwarded branch", "branch", branch, "head", repo.ShortID(fetched.Head))
	} else {
		res.Kind = PullMerged
		head, conflicts, err := e.mergeHeads(ctx, r, branch, local, fetched.Head, opts)
		res.Conflicts = conflicts
		if err != nil {
			return res, err
		}
		if head == "" {
			return res, nil
		}
		res.Head = head
	}

	if local != "" {
		updated, err := e.refreshTracked(ctx, r, local, res.Head)
		res.Updated = updated
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// mergeHeads merges theirs into ours on branch. An empty head with a nil
// error means dry-run.
func (e *Engine) mergeHeads(ctx context.Context, r repo.Repository, branch, ours, theirs string, opts Options) (string, []merge.Conflict, error) {
	base, err := r.MergeBase(ctx, ours, theirs)
	if err != nil && !errors.Is(err, repo.ErrRefNotFound) {
		return "", nil, fmt.Errorf("failed to find merge base: %w", err)
	}
	oc, err := r.Commit(ctx, ours)
	if err != nil {
		return "", nil, err
	}
	tc, err := r.Commit(ctx, theirs)
	if err != nil {
		return "", nil, err
	}
	var bt map[string]string
	if base != "" {
		bc, err := r.Commit(ctx, base)
		if err != nil {
			return "", nil, err
		}
		bt = bc.Tree
	}

	names := map[string]bool{}
	for _, tree := range []map[string]string{bt, oc.Tree, tc.Tree} {
		for n := range tree {
			names[n] = true
		}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	changes := make(map[string]*feature.Layer)
	var results []*merge.Result
	for _, name := range sorted {
		a, o, t := bt[name], oc.Tree[name], tc.Tree[name]
		switch {
		case o == t, t == a:
			continue
		case o == a:
			l, err := optionalLayer(ctx, r, theirs, name, t != "")
			if err != nil {
				return "", nil, err
			}
			changes[name] = l
		default:
			anc, err := optionalLayer(ctx, r, base, name, a != "")
			if err != nil {
				return "", nil, err
			}
			ol, err := optionalLayer(ctx, r, ours, name, o != "")
			if err != nil {
				return "", nil, err
			}
			tl, err := optionalLayer(ctx, r, theirs, name, t != "")
			if err != nil {
				return "", nil, err
			}
			results = append(results, merge.ThreeWay(name, anc, ol, tl))
		}
	}

	session := merge.NewSession(results...)
	conflicts := session.Conflicts()
	if len(conflicts) > 0 {
		e.logger.Info("merge produced conflicts", "branch", branch, "count", len(conflicts))
		if err := session.ResolveAll(opts.Resolutions); err != nil {
			return "", conflicts, err
		}
	}
	merged, err := session.Apply()
	if err != nil {
		return "", session.Pending(), fmt.Errorf("failed to merge %s: %w", branch, err)
	}
	for name, l := range merged {
		changes[name] = l
	}

	if e.dryRun || opts.DryRun {
		for name := range changes {
			e.logger.Info("[dry-run] would merge layer", "layer", name)
		}
		return "", conflicts, nil
	}

	sig := repo.Signature{Name: opts.AuthorName, Email: opts.AuthorEmail}
	if sig.Name == "" && e.cfg != nil {
		sig = e.cfg.Signature()
	}
	msg := opts.Message
	if msg == "" {
		msg = fmt.Sprintf("Merge %s into %s", repo.ShortID(theirs), branch)
	}
	c, layers, err := repo.NewCommit([]string{ours, theirs}, oc.Tree, changes, sig, msg, timeNow())
	if err != nil {
		return "", conflicts, err
	}
	if err := r.Apply(ctx, repo.Update{Branch: branch, Expected: ours, Layers: layers, Commits: []*repo.Commit{c}}); err != nil {
		return "", conflicts, fmt.Errorf("failed to write merge commit: %w", err)
	}
	e.logger.Info("merged remote changes", "branch", branch, "commit", c.ShortID(), "layers", len(changes))
	return c.ID, conflicts, nil
}

func optionalLayer(ctx context.Context, r repo.Repository, ref, name string, present bool) (*feature.Layer, error) {
	if !present {
		return nil, nil
	}
	return r.Layer(ctx, ref, name)
}

// refreshTracked moves tracked datasets that sit at oldHead to newHead.
// Datasets with local edits are left alone.
func (e *Engine) refreshTracked(ctx context.Context, r repo.Repository, oldHead, newHead string) ([]string, error) {
	trees, err := r.Trees(ctx, newHead)
	if err != nil {
		return nil, err
	}
	var updated []string
	for _, entry := range e.store.ForRepository(r.URL(), trees) {
		ds, err := e.resolver.ResolveOrLoad(ctx, entry.Source)
		if err != nil {
			e.logger.Warn("skipping tracked dataset", "source", entry.Source, "error", err)
			continue
		}
		audit, err := ds.ReadAuditCommit(ctx)
		if err != nil || audit != oldHead {
			continue
		}
		if _, err := e.exporter.ApplyLayerChanges(ctx, r, ds, newHead); err != nil {
			if errors.Is(err, export.ErrLocalChanges) {
				e.logger.Warn("dataset has local changes, sync it to pick up the pulled commits", "source", entry.Source)
				continue
			}
			return updated, err
		}
		updated = append(updated, ds.Source())
	}
	if len(updated) > 0 {
		if err := e.ws.Reload(ctx, updated); err != nil {
			return updated, err
		}
	}
	return updated, nil
}
