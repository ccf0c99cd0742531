// Package workspace models the editing session that holds open datasets.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/schaermu/layersync/internal/dataset"
)

// Workspace provides operations on the datasets currently open for editing
type Workspace interface {
	// OpenDatasets returns the datasets currently open
	OpenDatasets(ctx context.Context) ([]dataset.Dataset, error)
	// Add registers an open dataset, replacing one with the same source
	Add(ds dataset.Dataset) error
	// Remove closes and drops the dataset with the given source
	Remove(source string) error
	// Reload reopens the given datasets after their backing files changed
	Reload(ctx context.Context, sources []string) error
}

// Registry implements Workspace for a single process
type Registry struct {
	datasets []dataset.Dataset
	logger   *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// OpenDatasets returns the registered datasets in registration order
func (r *Registry) OpenDatasets(ctx context.Context) ([]dataset.Dataset, error) {
	out := make([]dataset.Dataset, len(r.datasets))
	copy(out, r.datasets)
	return out, nil
}

// Add registers ds. A dataset with the same source is closed and replaced.
func (r *Registry) Add(ds dataset.Dataset) error {
	for i, existing := range r.datasets {
		if existing.Source() == ds.Source() {
			if existing != ds {
				if err := existing.Close(); err != nil {
					r.logger.Warn("failed to close replaced dataset", "source", existing.Source(), "error", err)
				}
			}
			r.datasets[i] = ds
			return nil
		}
	}
	r.datasets = append(r.datasets, ds)
	r.logger.Debug("dataset opened", "source", ds.Source(), "kind", ds.Kind())
	return nil
}

// Remove closes and drops a dataset; unknown sources are ignored
func (r *Registry) Remove(source string) error {
	for i, ds := range r.datasets {
		if ds.Source() != source {
			continue
		}
		r.datasets = append(r.datasets[:i], r.datasets[i+1:]...)
		if err := ds.Close(); err != nil {
			return fmt.Errorf("failed to close dataset %s: %w", source, err)
		}
		return nil
	}
	return nil
}

// Reload reopens file backed datasets so they observe replaced files.
// In-process datasets are left untouched.
func (r *Registry) Reload(ctx context.Context, sources []string) error {
	want := make(map[string]bool, len(sources))
	for _, s := range sources {
		want[s] = true
	}

	var errs []error
	for i, ds := range r.datasets {
		if !want[ds.Source()] || ds.Kind() != dataset.KindGeoPackage {
			continue
		}
		if err := ds.Close(); err != nil {
			r.logger.Warn("failed to close dataset before reload", "source", ds.Source(), "error", err)
		}
		reopened, err := dataset.OpenGeoPackage(ds.Path(), ds.LayerName())
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to reload %s: %w", ds.Source(), err))
			continue
		}
		r.datasets[i] = reopened
		r.logger.Debug("dataset reloaded", "source", ds.Source())
	}
	return errors.Join(errs...)
}

// Get returns the open dataset with the given source
func (r *Registry) Get(source string) (dataset.Dataset, bool) {
	for _, ds := range r.datasets {
		if ds.Source() == source {
			return ds, true
		}
	}
	return nil, false
}

// Close closes every open dataset
func (r *Registry) Close() error {
	var errs []error
	for _, ds := range r.datasets {
		if err := ds.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.datasets = nil
	return errors.Join(errs...)
}
