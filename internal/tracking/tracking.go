// Package tracking persists which local datasets were exported from which
// repository layers.
package tracking

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"

	"github.com/schaermu/layersync/internal/source"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var timeNow = time.Now

// FileName is the name of the tracking file inside the config directory
const FileName = "trackedlayers"

// SchemaVersion is the current tracking file schema version
const SchemaVersion = 1

// TrackedLayer links a local dataset to the repository layer it was exported from
type TrackedLayer struct {
	Source    string `json:"source"`
	RepoURL   string `json:"repoUrl"`
	GeoPkg    string `json:"geopkg"`
	LayerName string `json:"layername"`
}

// file is the on-disk tracking schema
type file struct {
	Version int            `json:"version"`
	Layers  []TrackedLayer `json:"layers"`
}

// AuditReader reads the commit a backing file was checked out from
type AuditReader interface {
	AuditCommit(ctx context.Context, geopkg, layer string) (string, error)
}

// AuditFunc adapts a function to AuditReader
type AuditFunc func(ctx context.Context, geopkg, layer string) (string, error)

// AuditCommit calls f
func (f AuditFunc) AuditCommit(ctx context.Context, geopkg, layer string) (string, error) {
	return f(ctx, geopkg, layer)
}

// LoadReport describes what Load found on disk
type LoadReport struct {
	Entries int
	// Recovered is set when malformed content was moved to BackupPath and
	// the store was reset to empty.
	Recovered  bool
	BackupPath string
	Legacy     bool
}

// Store is the set of tracked layers, keyed by canonical source
type Store struct {
	fs     afero.Fs
	path   string
	audit  AuditReader
	logger *slog.Logger
	layers []TrackedLayer
}

// NewStore creates a store persisted at path on fs
func NewStore(fs afero.Fs, path string, audit AuditReader, logger *slog.Logger) *Store {
	return &Store{fs: fs, path: path, audit: audit, logger: logger}
}

// Path returns the tracking file location
func (s *Store) Path() string {
	return s.path
}

// Load replaces the in-memory set with the content of the tracking file. A
// missing file yields an empty set. Malformed content is moved aside and the
// set is reset to empty.
func (s *Store) Load() (LoadReport, error) {
	s.layers = nil

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return LoadReport{}, nil
		}
		return LoadReport{}, fmt.Errorf("failed to read tracking file: %w", err)
	}

	layers, legacy, err := decode(data)
	if err != nil {
		var verr *versionError
		if errors.As(err, &verr) {
			return LoadReport{}, err
		}
		backup := fmt.Sprintf("%s.corrupt-%d", s.path, timeNow().Unix())
		if rerr := s.fs.Rename(s.path, backup); rerr != nil {
			return LoadReport{}, fmt.Errorf("failed to back up malformed tracking file: %w", rerr)
		}
		s.logger.Warn("tracking file is malformed, starting with an empty set",
			"path", s.path, "backup", backup, "error", err)
		return LoadReport{Recovered: true, BackupPath: backup}, nil
	}

	for _, l := range layers {
		s.put(l)
	}
	s.logger.Debug("tracking file loaded", "path", s.path, "entries", len(s.layers), "legacy", legacy)
	return LoadReport{Entries: len(s.layers), Legacy: legacy}, nil
}

type versionError struct {
	version int
}

func (e *versionError) Error() string {
	return fmt.Sprintf("unsupported tracking file version %d", e.version)
}

func decode(data []byte) ([]TrackedLayer, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false, nil
	}
	if trimmed[0] == '[' {
		var layers []TrackedLayer
		if err := json.Unmarshal(trimmed, &layers); err != nil {
			return nil, true, err
		}
		return layers, true, validate(layers)
	}

	var f file
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil, false, err
	}
	if f.Version != SchemaVersion {
		if f.Version == 0 {
			return nil, false, errors.New("missing schema version")
		}
		return nil, false, &versionError{version: f.Version}
	}
	return f.Layers, false, validate(f.Layers)
}

func validate(layers []TrackedLayer) error {
	for i, l := range layers {
		if l.Source == "" || l.RepoURL == "" {
			return fmt.Errorf("entry %d: source and repoUrl are required", i)
		}
	}
	return nil
}

// Save writes the whole set to the tracking file, replacing it atomically
func (s *Store) Save() error {
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	layers := s.layers
	if layers == nil {
		layers = []TrackedLayer{}
	}
	data, err := json.MarshalIndent(file{Version: SchemaVersion, Layers: layers}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tracking file: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, filepath.Dir(s.path), ".trackedlayers-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = s.fs.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write tracking file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write tracking file: %w", err)
	}
	if err := s.fs.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace tracking file: %w", err)
	}
	return nil
}

// Add registers src as exported from repoURL, replacing any entry with the
// same canonical source, and persists the set.
func (s *Store) Add(src source.Source, repoURL string) error {
	prev := s.snapshot()
	s.put(TrackedLayer{
		Source:    src.String(),
		RepoURL:   repoURL,
		GeoPkg:    src.Path,
		LayerName: src.Layer,
	})
	if err := s.persist(prev); err != nil {
		return err
	}
	s.logger.Debug("layer tracked", "source", src.String(), "repo", repoURL)
	return nil
}

func (s *Store) snapshot() []TrackedLayer {
	return append([]TrackedLayer(nil), s.layers...)
}

// persist saves the set and puts prev back when the write fails
func (s *Store) persist(prev []TrackedLayer) error {
	if err := s.Save(); err != nil {
		s.layers = prev
		return err
	}
	return nil
}

func (s *Store) put(l TrackedLayer) {
	if src, err := source.Canonicalize(l.Source); err == nil {
		l.Source = src.String()
	}
	for i := range s.layers {
		if s.layers[i].Source == l.Source {
			s.layers[i] = l
			return
		}
	}
	s.layers = append(s.layers, l)
}

// Remove deletes the entry for src; unknown sources are a no-op
func (s *Store) Remove(src source.Source) error {
	prev := s.snapshot()
	n := s.filter(func(l TrackedLayer) bool { return l.Source == src.String() })
	if n == 0 {
		return nil
	}
	return s.persist(prev)
}

// RemoveForRepository deletes every entry of a repository and returns how
// many were removed.
func (s *Store) RemoveForRepository(repoURL string) (int, error) {
	prev := s.snapshot()
	n := s.filter(func(l TrackedLayer) bool { return l.RepoURL == repoURL })
	if n == 0 {
		return 0, nil
	}
	if err := s.persist(prev); err != nil {
		return 0, err
	}
	s.logger.Info("removed tracked layers of repository", "repo", repoURL, "count", n)
	return n, nil
}

// PruneMissing deletes entries whose backing file no longer exists
func (s *Store) PruneMissing() (int, error) {
	prev := s.snapshot()
	n := s.filter(func(l TrackedLayer) bool { return !s.exists(l.GeoPkg) })
	if n == 0 {
		return 0, nil
	}
	if err := s.persist(prev); err != nil {
		return 0, err
	}
	s.logger.Info("pruned tracked layers with missing files", "count", n)
	return n, nil
}

// filter drops entries matching drop and returns how many were dropped
func (s *Store) filter(drop func(TrackedLayer) bool) int {
	kept := s.layers[:0]
	n := 0
	for _, l := range s.layers {
		if drop(l) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	s.layers = kept
	return n
}

// Get returns the entry tracked for src
func (s *Store) Get(src source.Source) (TrackedLayer, bool) {
	for _, l := range s.layers {
		if l.Source == src.String() {
			return l, true
		}
	}
	return TrackedLayer{}, false
}

// IsTracked reports whether src has an entry
func (s *Store) IsTracked(src source.Source) bool {
	_, ok := s.Get(src)
	return ok
}

// List returns a copy of every entry sorted by source
func (s *Store) List() []TrackedLayer {
	out := make([]TrackedLayer, len(s.layers))
	copy(out, s.layers)
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Query returns the entries of a repository layer whose backing file exists
func (s *Store) Query(repoURL, layerName string) []TrackedLayer {
	var out []TrackedLayer
	for _, l := range s.layers {
		if l.RepoURL == repoURL && l.LayerName == layerName && s.exists(l.GeoPkg) {
			out = append(out, l)
		}
	}
	return out
}

// QueryCommit returns the entry of a repository layer whose audit record
// points exactly at commitID.
func (s *Store) QueryCommit(ctx context.Context, repoURL, layerName, commitID string) (TrackedLayer, bool, error) {
	for _, l := range s.Query(repoURL, layerName) {
		c, err := s.audit.AuditCommit(ctx, l.GeoPkg, l.LayerName)
		if err != nil {
			s.logger.Debug("skipping tracked layer without audit record", "source", l.Source, "error", err)
			continue
		}
		if c == commitID {
			return l, true, nil
		}
	}
	return TrackedLayer{}, false, ctx.Err()
}

// ForRepository returns the entries of a repository whose layer is one of layers
func (s *Store) ForRepository(repoURL string, layers []string) []TrackedLayer {
	present := make(map[string]bool, len(layers))
	for _, l := range layers {
		present[l] = true
	}
	var out []TrackedLayer
	for _, l := range s.layers {
		if l.RepoURL == repoURL && present[l.LayerName] {
			out = append(out, l)
		}
	}
	return out
}

func (s *Store) exists(path string) bool {
	_, err := s.fs.Stat(path)
	return err == nil
}
