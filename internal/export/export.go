// Package export materializes repository layers as local datasets and turns
// local edits back into commits.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/schaermu/layersync/internal/dataset"
	"github.com/schaermu/layersync/internal/feature"
	"github.com/schaermu/layersync/internal/merge"
	"github.com/schaermu/layersync/internal/repo"
	"github.com/schaermu/layersync/internal/source"
	"github.com/schaermu/layersync/internal/tracking"
	"github.com/schaermu/layersync/internal/workspace"
)

var timeNow = time.Now

var (
	// ErrLocalChanges is returned when an operation would discard local edits
	ErrLocalChanges = errors.New("dataset has local changes")
	// ErrLayerExists is returned when adding a layer the repository already has
	ErrLayerExists = errors.New("layer already exists in repository")
	// ErrUnresolvedConflicts is returned when an import stops on conflicts
	ErrUnresolvedConflicts = merge.ErrUnresolvedConflicts
)

// Exporter moves layers between repositories and local datasets
type Exporter struct {
	store     *tracking.Store
	ws        workspace.Workspace
	exportDir string
	logger    *slog.Logger
}

// NewExporter creates an exporter writing tracked exports below exportDir
func NewExporter(store *tracking.Store, ws workspace.Workspace, exportDir string, logger *slog.Logger) *Exporter {
	return &Exporter{store: store, ws: ws, exportDir: exportDir, logger: logger}
}

var unsafeChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// RepoID returns a stable directory name for a repository
func RepoID(r repo.Repository) string {
	name := unsafeChars.ReplaceAllString(strings.ToLower(r.Name()), "_")
	sum := sha256.Sum256([]byte(r.URL()))
	return name + "-" + hex.EncodeToString(sum[:])[:8]
}

// LayerPath returns the deterministic export location of a repository layer
func (e *Exporter) LayerPath(r repo.Repository, layer string) string {
	return filepath.Join(e.exportDir, RepoID(r), fileName(layer)+dataset.Extension)
}

// fileName turns a layer name into a single path element. Names that need
// rewriting get a hash suffix so distinct layers never share a file.
func fileName(layer string) string {
	safe := unsafeChars.ReplaceAllString(strings.ToLower(layer), "_")
	if safe == layer {
		return safe
	}
	sum := sha256.Sum256([]byte(layer))
	return strings.Trim(safe, "_") + "-" + hex.EncodeToString(sum[:])[:8]
}

// ExportSnapshot materializes layer at ref into its tracked backing file. It
// does not write anything when the file is already tracked at the same commit.
func (e *Exporter) ExportSnapshot(ctx context.Context, r repo.Repository, ref, layer string) (string, error) {
	commit, err := r.RevParse(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", ref, err)
	}
	path := e.LayerPath(r, layer)
	src := source.Source{Path: path, Layer: layer}

	if e.store.IsTracked(src) {
		if current, err := ReadAudit(ctx, path, layer); err == nil && current == commit {
			e.logger.Debug("export is up to date", "layer", layer, "commit", repo.ShortID(commit))
			return path, nil
		}
	}

	l, err := r.Layer(ctx, commit, layer)
	if err != nil {
		return "", err
	}
	heads, err := r.Branches(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list branches: %w", err)
	}
	e.logger.Info("exporting layer", "repo", r.Name(), "layer", layer, "commit", repo.ShortID(commit), "path", path)
	if err := dataset.WriteGeoPackage(ctx, path, l, dataset.WriteOptions{CommitID: commit, Heads: heads}); err != nil {
		return "", err
	}
	if err := e.store.Add(src, r.URL()); err != nil {
		return "", fmt.Errorf("failed to track %s: %w", src, err)
	}
	return path, nil
}

// CheckoutLayer exports layer at ref and makes the dataset available in the
// workspace
func (e *Exporter) CheckoutLayer(ctx context.Context, r repo.Repository, layer, ref string) (dataset.Dataset, error) {
	path, err := e.ExportSnapshot(ctx, r, ref, layer)
	if err != nil {
		return nil, err
	}
	src := source.Source{Path: path, Layer: layer}
	return e.openInWorkspace(ctx, src)
}

func (e *Exporter) openInWorkspace(ctx context.Context, src source.Source) (dataset.Dataset, error) {
	res := source.NewResolver(e.ws, e.logger)
	if ds, err := res.ResolveLive(ctx, src); err == nil {
		if err := e.ws.Reload(ctx, []string{ds.Source()}); err != nil {
			return nil, err
		}
		return res.ResolveLive(ctx, src)
	}
	ds, err := dataset.OpenGeoPackage(src.Path, src.Layer)
	if err != nil {
		return nil, err
	}
	if err := e.ws.Add(ds); err != nil {
		_ = ds.Close()
		return nil, err
	}
	return ds, nil
}

// ExportFullRepo exports every layer of ref and returns the written paths
func (e *Exporter) ExportFullRepo(ctx context.Context, r repo.Repository, ref string) ([]string, error) {
	trees, err := r.Trees(ctx, ref)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(trees))
	for _, t := range trees {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := e.ExportSnapshot(ctx, r, ref, t)
		if err != nil {
			return nil, fmt.Errorf("failed to export %s: %w", t, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// ExportVersion writes every layer of commit read only into dir as
// <layer>_<commit>.gpkg. Existing files are kept.
func (e *Exporter) ExportVersion(ctx context.Context, r repo.Repository, ref, dir string) ([]string, error) {
	c, err := r.Commit(ctx, ref)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, name := range c.Layers() {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s%s", fileName(name), c.ID, dataset.Extension))
		paths = append(paths, path)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		l, err := r.Layer(ctx, c.ID, name)
		if err != nil {
			return nil, err
		}
		if err := dataset.WriteGeoPackage(ctx, path, l, dataset.WriteOptions{CommitID: c.ID, ReadOnly: true}); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

// DiffPaths holds the two sides of an exported layer diff. Empty paths mean
// the layer is missing at one of the commits.
type DiffPaths struct {
	Before string
	After  string
}

// ExportDiff writes the features of layer that differ between commits a and
// b. The before side holds the values at a of modified and removed features,
// the after side the values at b of added and modified ones. Files are cached
// by (a, b, layer, side). A layer missing at either commit yields
// repo.ErrLayerNotFound.
func (e *Exporter) ExportDiff(ctx context.Context, r repo.Repository, a, b, layer, dir string, before, readOnly bool) (string, error) {
	ca, err := r.RevParse(ctx, a)
	if err != nil {
		return "", err
	}
	cb, err := r.RevParse(ctx, b)
	if err != nil {
		return "", err
	}
	side := "after"
	if before {
		side = "before"
	}
	path := filepath.Join(dir, fmt.Sprintf("diff_%s_%s_%s_%s%s", fileName(layer), repo.ShortID(ca), repo.ShortID(cb), side, dataset.Extension))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	la, err := r.Layer(ctx, ca, layer)
	if err != nil {
		return "", err
	}
	lb, err := r.Layer(ctx, cb, layer)
	if err != nil {
		return "", err
	}

	d := feature.Diff(la, lb)
	from, ids := lb, append(d.Added, d.Modified...)
	if before {
		from, ids = la, append(d.Modified, d.Removed...)
	}
	subset := feature.NewLayer(layer, from.Fields)
	for _, id := range ids {
		subset.Put(from.Get(id))
	}

	if err := dataset.WriteGeoPackage(ctx, path, subset, dataset.WriteOptions{ReadOnly: readOnly}); err != nil {
		return "", err
	}
	e.logger.Debug("exported diff", "layer", layer, "side", side, "features", subset.Len(), "path", path)
	return path, nil
}

// ExportVersionDiffs exports both sides of every layer changed between a and b
func (e *Exporter) ExportVersionDiffs(ctx context.Context, r repo.Repository, a, b, dir string) (map[string]DiffPaths, error) {
	stats, err := r.DiffTreeStats(ctx, a, b)
	if err != nil {
		return nil, err
	}
	out := make(map[string]DiffPaths, len(stats))
	for layer := range stats {
		var p DiffPaths
		p.Before, err = e.ExportDiff(ctx, r, a, b, layer, dir, true, true)
		if err == nil {
			p.After, err = e.ExportDiff(ctx, r, a, b, layer, dir, false, true)
		}
		switch {
		case errors.Is(err, repo.ErrLayerNotFound):
			out[layer] = DiffPaths{}
		case err != nil:
			return nil, err
		default:
			out[layer] = p
		}
	}
	return out, nil
}

// ReadAudit returns the audit commit of a layer in a GeoPackage file
func ReadAudit(ctx context.Context, path, layer string) (string, error) {
	g, err := dataset.OpenGeoPackage(path, layer)
	if err != nil {
		return "", err
	}
	defer g.Close()
	return g.ReadAuditCommit(ctx)
}
