package export

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/schaermu/layersync/internal/dataset"
	"github.com/schaermu/layersync/internal/feature"
	"github.com/schaermu/layersync/internal/merge"
	"github.com/schaermu/layersync/internal/repo"
	"github.com/schaermu/layersync/internal/source"
)

// ImportRequest describes how local edits are committed
type ImportRequest struct {
	Branch         string
	Message        string
	AuthorName     string
	AuthorEmail    string
	AllowConflicts bool
	Resolutions    merge.Resolutions
}

func (r ImportRequest) signature() repo.Signature {
	return repo.Signature{Name: r.AuthorName, Email: r.AuthorEmail}
}

// ImportResult is the outcome of an import
type ImportResult struct {
	// CommitID is the new branch head, or "" when nothing was committed
	CommitID string
	// Changes counts the local feature changes that were committed
	Changes   int
	Conflicts []merge.Conflict
	// Details lists the local changes per layer
	Details map[string]feature.Delta
	// Merged is set when the import had to merge upstream changes
	Merged bool
}

// ImportPlan captures the state of one dataset relative to its repository.
// Building it performs no writes.
type ImportPlan struct {
	Dataset dataset.Dataset
	Layer   string
	// Audit is the commit the dataset was last synchronized to
	Audit string
	Base  *feature.Layer
	Local *feature.Layer
	Delta feature.Delta
	// Heads are the branch heads recorded when the dataset was synchronized
	Heads map[string]string
}

// PlanImport reads a dataset and the tree it was checked out from
func (e *Exporter) PlanImport(ctx context.Context, r repo.Repository, ds dataset.Dataset) (*ImportPlan, error) {
	audit, err := ds.ReadAuditCommit(ctx)
	if err != nil {
		return nil, err
	}
	base, err := r.Layer(ctx, audit, ds.LayerName())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s at %s: %w", ds.LayerName(), repo.ShortID(audit), err)
	}
	local, err := ds.ReadFeatures(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ds.Source(), err)
	}
	local.Name = ds.LayerName()
	var heads map[string]string
	if rec, ok := ds.(dataset.HeadRecorder); ok {
		if heads, err = rec.ReadBranchHeads(ctx); err != nil {
			return nil, err
		}
	}
	return &ImportPlan{
		Dataset: ds,
		Layer:   ds.LayerName(),
		Audit:   audit,
		Base:    base,
		Local:   local,
		Delta:   feature.Diff(base, local),
		Heads:   heads,
	}, nil
}

// HasLocalChanges reports whether the dataset differs from its checkout commit
func (p *ImportPlan) HasLocalChanges() bool {
	return !p.Delta.Empty()
}

// BranchMoved reports whether branch gained commits since the dataset was
// synchronized. Without a recorded head the audit commit stands in for it.
func (p *ImportPlan) BranchMoved(branch, head string) bool {
	if h, ok := p.Heads[branch]; ok {
		return h != head
	}
	return p.Audit != head
}

// behind reports whether the dataset has to take in the content of head
func (p *ImportPlan) behind(branch, head string) bool {
	return p.Audit != head && (p.HasLocalChanges() || p.BranchMoved(branch, head))
}

// ImportEdits commits the local edits of ds onto req.Branch, merging upstream
// changes when the branch moved since the dataset was checked out.
func (e *Exporter) ImportEdits(ctx context.Context, r repo.Repository, ds dataset.Dataset, req ImportRequest) (*ImportResult, error) {
	plan, err := e.PlanImport(ctx, r, ds)
	if err != nil {
		return nil, err
	}
	return e.CommitImports(ctx, r, req, []*ImportPlan{plan})
}

// CommitImports commits the plans of several datasets of one repository as a
// single unit. When the branch did not move since any changed dataset was
// synchronized one commit on top of the branch head carries all of them;
// datasets checked out at an older commit contribute their three-way merge
// with the head. Otherwise each changed dataset gets a commit on top of its
// checkout commit and one merge commit joins them with the branch head. All
// commits are written in one repository update, and only once every conflict
// across every layer is resolved.
func (e *Exporter) CommitImports(ctx context.Context, r repo.Repository, req ImportRequest, plans []*ImportPlan) (*ImportResult, error) {
	head, err := r.BranchHead(ctx, req.Branch)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve branch %s: %w", req.Branch, err)
	}
	headCommit, err := r.Commit(ctx, head)
	if err != nil {
		return nil, err
	}

	res := &ImportResult{Details: make(map[string]feature.Delta)}
	var changed []*ImportPlan
	var results []*merge.Result
	upstream := make(map[string]*feature.Layer)
	moved := false
	for _, p := range plans {
		if p.HasLocalChanges() {
			if _, dup := res.Details[p.Layer]; dup {
				return nil, fmt.Errorf("more than one dataset of layer %s has local changes, import them one at a time", p.Layer)
			}
			changed = append(changed, p)
			res.Details[p.Layer] = p.Delta
			res.Changes += p.Delta.Count()
		}
		if !p.behind(req.Branch, head) {
			continue
		}
		theirs, err := r.Layer(ctx, head, p.Layer)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s on branch %s: %w", p.Layer, req.Branch, err)
		}
		upstream[p.Layer] = theirs
		if p.HasLocalChanges() {
			results = append(results, merge.ThreeWay(p.Layer, p.Base, p.Local, theirs))
			moved = moved || p.BranchMoved(req.Branch, head)
		}
	}

	if len(changed) == 0 {
		// nothing to commit; bring datasets behind the branch up to date
		for _, p := range plans {
			if !p.behind(req.Branch, head) {
				continue
			}
			if err := e.rewrite(ctx, r, p, upstream[p.Layer], head); err != nil {
				return nil, err
			}
			res.CommitID = head
		}
		return res, nil
	}

	session := merge.NewSession(results...)
	res.Conflicts = session.Conflicts()
	if len(res.Conflicts) > 0 {
		if !req.AllowConflicts {
			return res, fmt.Errorf("%w: %d conflicts", ErrUnresolvedConflicts, len(res.Conflicts))
		}
		if err := session.ResolveAll(req.Resolutions); err != nil {
			return res, err
		}
	}
	merged, err := session.Apply()
	if err != nil {
		res.Conflicts = session.Pending()
		return res, err
	}

	u := repo.Update{Branch: req.Branch, Expected: head}
	final := make(map[string]*feature.Layer)
	sig := req.signature()
	ts := timeNow()

	if !moved {
		changes := make(map[string]*feature.Layer)
		for _, p := range changed {
			changes[p.Layer] = p.Local
			if m, ok := merged[p.Layer]; ok {
				changes[p.Layer] = m
			}
			final[p.Layer] = changes[p.Layer]
		}
		c, layers, err := repo.NewCommit([]string{head}, headCommit.Tree, changes, sig, req.Message, ts)
		if err != nil {
			return nil, err
		}
		u.Layers = layers
		u.Commits = []*repo.Commit{c}
	} else {
		res.Merged = true
		parents := []string{head}
		mergeChanges := make(map[string]*feature.Layer)
		for _, p := range changed {
			auditCommit, err := r.Commit(ctx, p.Audit)
			if err != nil {
				return nil, err
			}
			local, layers, err := repo.NewCommit([]string{p.Audit}, auditCommit.Tree, map[string]*feature.Layer{p.Layer: p.Local}, sig, req.Message, ts)
			if err != nil {
				return nil, err
			}
			u.Layers = append(u.Layers, layers...)
			u.Commits = append(u.Commits, local)
			parents = append(parents, local.ID)
			if m, ok := merged[p.Layer]; ok {
				mergeChanges[p.Layer] = m
			} else {
				mergeChanges[p.Layer] = p.Local
			}
			final[p.Layer] = mergeChanges[p.Layer]
		}
		mc, layers, err := repo.NewCommit(parents, headCommit.Tree, mergeChanges, sig, mergeMessage(req.Branch, changed), ts)
		if err != nil {
			return nil, err
		}
		u.Layers = append(u.Layers, layers...)
		u.Commits = append(u.Commits, mc)
	}

	if err := r.Apply(ctx, u); err != nil {
		return nil, fmt.Errorf("failed to commit local changes: %w", err)
	}
	newHead := u.Commits[len(u.Commits)-1].ID
	res.CommitID = newHead
	e.logger.Info("committed local changes", "repo", r.Name(), "branch", req.Branch,
		"commit", repo.ShortID(newHead), "changes", res.Changes, "merged", res.Merged)

	for _, p := range plans {
		var l *feature.Layer
		switch {
		case p.HasLocalChanges():
			l = final[p.Layer]
		case p.Audit == head:
			l = p.Base
			if f, ok := final[p.Layer]; ok {
				l = f
			}
		case p.behind(req.Branch, head):
			l = upstream[p.Layer]
			if f, ok := final[p.Layer]; ok {
				l = f
			}
		default:
			// checked out at an older commit and untouched
			continue
		}
		if err := e.rewrite(ctx, r, p, l, newHead); err != nil {
			return res, err
		}
	}
	return res, nil
}

func mergeMessage(branch string, plans []*ImportPlan) string {
	names := make([]string, 0, len(plans))
	for _, p := range plans {
		names = append(names, p.Layer)
	}
	sort.Strings(names)
	return fmt.Sprintf("Merge local changes of %s into %s", strings.Join(names, ", "), branch)
}

// rewrite replaces the dataset content with layer at commit and re-tracks it
func (e *Exporter) rewrite(ctx context.Context, r repo.Repository, p *ImportPlan, layer *feature.Layer, commit string) error {
	if err := p.Dataset.WriteFeatures(ctx, layer, commit); err != nil {
		return fmt.Errorf("failed to update %s: %w", p.Dataset.Source(), err)
	}
	if err := e.recordHeads(ctx, r, p.Dataset); err != nil {
		return err
	}
	return e.track(r, p.Dataset)
}

// recordHeads stores the current branch heads in datasets that keep them
func (e *Exporter) recordHeads(ctx context.Context, r repo.Repository, ds dataset.Dataset) error {
	rec, ok := ds.(dataset.HeadRecorder)
	if !ok {
		return nil
	}
	heads, err := r.Branches(ctx)
	if err != nil {
		return fmt.Errorf("failed to list branches: %w", err)
	}
	if err := rec.WriteBranchHeads(ctx, heads); err != nil {
		return fmt.Errorf("failed to update %s: %w", ds.Source(), err)
	}
	return nil
}

func (e *Exporter) track(r repo.Repository, ds dataset.Dataset) error {
	src, err := source.Canonicalize(ds.Source())
	if err != nil {
		return nil
	}
	return e.store.Add(src, r.URL())
}

// ImportNewLayer commits a dataset whose layer does not exist in the
// repository yet and starts tracking it.
func (e *Exporter) ImportNewLayer(ctx context.Context, r repo.Repository, ds dataset.Dataset, req ImportRequest) (*ImportResult, error) {
	head, err := r.BranchHead(ctx, req.Branch)
	base := map[string]string{}
	var parents []string
	switch {
	case errors.Is(err, repo.ErrEmptyBranch):
		head = ""
	case err != nil:
		return nil, err
	default:
		c, err := r.Commit(ctx, head)
		if err != nil {
			return nil, err
		}
		if _, ok := c.Tree[ds.LayerName()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrLayerExists, ds.LayerName())
		}
		base = c.Tree
		parents = []string{head}
	}

	l, err := ds.ReadFeatures(ctx)
	if err != nil {
		return nil, err
	}
	msg := req.Message
	if msg == "" {
		msg = fmt.Sprintf("Added layer %s", ds.LayerName())
	}
	c, layers, err := repo.NewCommit(parents, base, map[string]*feature.Layer{ds.LayerName(): l}, req.signature(), msg, timeNow())
	if err != nil {
		return nil, err
	}
	if err := r.Apply(ctx, repo.Update{Branch: req.Branch, Expected: head, Layers: layers, Commits: []*repo.Commit{c}}); err != nil {
		return nil, err
	}
	if err := ds.WriteFeatures(ctx, l, c.ID); err != nil {
		return nil, fmt.Errorf("failed to record audit for %s: %w", ds.Source(), err)
	}
	if err := e.recordHeads(ctx, r, ds); err != nil {
		return nil, err
	}
	if err := e.track(r, ds); err != nil {
		return nil, err
	}
	e.logger.Info("layer added to repository", "repo", r.Name(), "layer", ds.LayerName(), "commit", c.ShortID())
	return &ImportResult{
		CommitID: c.ID,
		Changes:  l.Len(),
		Details:  map[string]feature.Delta{ds.LayerName(): feature.Diff(nil, l)},
	}, nil
}

// ApplyLayerChanges moves a tracked dataset to another version of its layer.
// It is refused while the dataset has local changes.
func (e *Exporter) ApplyLayerChanges(ctx context.Context, r repo.Repository, ds dataset.Dataset, ref string) (string, error) {
	plan, err := e.PlanImport(ctx, r, ds)
	if err != nil {
		return "", err
	}
	if plan.HasLocalChanges() {
		return "", fmt.Errorf("%w: %s (%d changed features)", ErrLocalChanges, ds.Source(), plan.Delta.Count())
	}
	commit, err := r.RevParse(ctx, ref)
	if err != nil {
		return "", err
	}
	if commit == plan.Audit {
		return commit, nil
	}
	l, err := r.Layer(ctx, commit, plan.Layer)
	if err != nil {
		return "", err
	}
	if err := e.rewrite(ctx, r, plan, l, commit); err != nil {
		return "", err
	}
	e.logger.Info("changed layer version", "layer", plan.Layer, "from", repo.ShortID(plan.Audit), "to", repo.ShortID(commit))
	return commit, nil
}
