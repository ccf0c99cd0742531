package dataset

import (
	"context"
	"fmt"

	"github.com/schaermu/layersync/internal/feature"
)

// Memory is an in-process dataset. It carries no audit record and therefore
// can never be tracked.
type Memory struct {
	name  string
	layer *feature.Layer
}

// NewMemory creates an in-process dataset holding a copy of layer
func NewMemory(name string, layer *feature.Layer) *Memory {
	if layer == nil {
		layer = feature.NewLayer(name, nil)
	}
	l := layer.Clone()
	l.Name = name
	return &Memory{name: name, layer: l}
}

func (m *Memory) Kind() Kind        { return KindMemory }
func (m *Memory) Source() string    { return "memory:" + m.name }
func (m *Memory) Path() string      { return "" }
func (m *Memory) LayerName() string { return m.name }
func (m *Memory) Close() error      { return nil }

func (m *Memory) ReadFeatures(ctx context.Context) (*feature.Layer, error) {
	return m.layer.Clone(), nil
}

func (m *Memory) WriteFeatures(ctx context.Context, layer *feature.Layer, commitID string) error {
	l := layer.Clone()
	l.Name = m.name
	m.layer = l
	return nil
}

func (m *Memory) ReadAuditCommit(ctx context.Context) (string, error) {
	return "", fmt.Errorf("%w: %s", ErrNoAudit, m.Source())
}

func (m *Memory) PutFeature(ctx context.Context, f *feature.Feature) error {
	m.layer.Put(f)
	return nil
}

func (m *Memory) DeleteFeature(ctx context.Context, id string) error {
	if m.layer.Get(id) == nil {
		return fmt.Errorf("%w: %s", ErrFeatureNotFound, id)
	}
	m.layer.Delete(id)
	return nil
}
