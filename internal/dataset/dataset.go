// Package dataset provides the local editable backends a layer can be checked
// out into.
package dataset

import (
	"context"
	"errors"

	"github.com/schaermu/layersync/internal/feature"
)

var (
	// ErrNoAudit is returned when a dataset carries no checkout provenance
	ErrNoAudit = errors.New("dataset has no audit record")
	// ErrReadOnly is returned when writing to a dataset exported read only
	ErrReadOnly = errors.New("dataset is read only")
	// ErrFeatureNotFound is returned when editing a feature that does not exist
	ErrFeatureNotFound = errors.New("feature not found")
)

// Kind tags the backend of a dataset
type Kind string

const (
	KindGeoPackage Kind = "geopackage"
	KindMemory     Kind = "memory"
)

// Dataset is the capability set every backend implements
type Dataset interface {
	Kind() Kind
	// Source returns the connection string of the dataset
	Source() string
	// Path returns the backing file, or "" for in-process datasets
	Path() string
	LayerName() string
	ReadFeatures(ctx context.Context) (*feature.Layer, error)
	// WriteFeatures replaces the whole layer content and records commitID as
	// the checkout provenance.
	WriteFeatures(ctx context.Context, layer *feature.Layer, commitID string) error
	// ReadAuditCommit returns the commit the dataset was last synchronized to
	ReadAuditCommit(ctx context.Context) (string, error)
	Close() error
}

// HeadRecorder stores the branch heads of the repository as they were when
// the dataset was last synchronized. A branch missing from the record was
// created afterwards.
type HeadRecorder interface {
	ReadBranchHeads(ctx context.Context) (map[string]string, error)
	WriteBranchHeads(ctx context.Context, heads map[string]string) error
}

// Editor applies single feature edits the way an interactive editing session
// would, without touching the audit record.
type Editor interface {
	PutFeature(ctx context.Context, f *feature.Feature) error
	DeleteFeature(ctx context.Context, id string) error
}
