// Package source normalizes dataset connection strings and maps them back to
// open datasets.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/layersync/internal/dataset"
	"github.com/schaermu/layersync/internal/workspace"
)

var (
	// ErrWrongLayerSource is returned for connection strings that do not
	// follow the path|layername=value pattern
	ErrWrongLayerSource = errors.New("connection string does not match a file dataset")
	// ErrNotFound is returned when no open dataset matches a source
	ErrNotFound = errors.New("dataset not open")
)

// ValidExtensions are the recognized dataset file extensions
var ValidExtensions = []string{
	dataset.Extension,
	".geopkg",
}

const layerNameKey = "layername"

// Source is the canonical form of a dataset connection string
type Source struct {
	Path  string
	Layer string
}

// String renders the canonical connection string
func (s Source) String() string {
	return s.Path + "|" + layerNameKey + "=" + s.Layer
}

// Canonicalize parses a connection string of the form path|key=value|...
// into a comparable Source. Quoting, option key case and ordering and
// options other than layername are ignored. A missing layername is derived
// from the file name.
func Canonicalize(conn string) (Source, error) {
	parts := strings.Split(unquote(conn), "|")
	path := unquote(parts[0])
	if path == "" {
		return Source{}, fmt.Errorf("%w: empty path in %q", ErrWrongLayerSource, conn)
	}
	if !IsDatasetFile(path) {
		return Source{}, fmt.Errorf("%w: %q", ErrWrongLayerSource, conn)
	}

	var layer string
	for _, opt := range parts[1:] {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		k, v, ok := strings.Cut(opt, "=")
		if !ok {
			return Source{}, fmt.Errorf("%w: malformed option %q", ErrWrongLayerSource, opt)
		}
		if strings.ToLower(strings.TrimSpace(k)) == layerNameKey {
			layer = unquote(v)
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %v", ErrWrongLayerSource, err)
	}
	if layer == "" {
		base := filepath.Base(abs)
		layer = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return Source{Path: filepath.Clean(abs), Layer: layer}, nil
}

// IsDatasetFile returns true if the file has a dataset extension
func IsDatasetFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, valid := range ValidExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// DiscoverDatasets finds all dataset files in dir. Hidden files and
// directories are skipped.
func DiscoverDatasets(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() && IsDatasetFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Resolver maps canonical sources to datasets open in a workspace
type Resolver struct {
	ws     workspace.Workspace
	logger *slog.Logger
}

// NewResolver creates a resolver over ws
func NewResolver(ws workspace.Workspace, logger *slog.Logger) *Resolver {
	return &Resolver{ws: ws, logger: logger}
}

// ResolveLive returns the open dataset whose own connection string
// canonicalizes to src, or ErrNotFound.
func (r *Resolver) ResolveLive(ctx context.Context, src Source) (dataset.Dataset, error) {
	open, err := r.ws.OpenDatasets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open datasets: %w", err)
	}
	want := src.String()
	for _, ds := range open {
		s, err := Canonicalize(ds.Source())
		if err != nil {
			continue
		}
		if s.String() == want {
			return ds, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, want)
}

// ResolveOrLoad resolves conn to an open dataset. When the connection string
// does not match the dataset pattern, or the dataset is not open, the path is
// opened as a plain file instead and registered with the workspace.
func (r *Resolver) ResolveOrLoad(ctx context.Context, conn string) (dataset.Dataset, error) {
	src, err := Canonicalize(conn)
	if err == nil {
		ds, err := r.ResolveLive(ctx, src)
		if err == nil {
			return ds, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	} else {
		r.logger.Debug("connection string is not a layer source, opening as plain file", "conn", conn, "error", err)
	}

	path := unquote(strings.Split(unquote(conn), "|")[0])
	layer := src.Layer
	if layer == "" {
		layers, err := dataset.Layers(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		if len(layers) == 0 {
			return nil, fmt.Errorf("no layers in %s", path)
		}
		layer = layers[0]
	}
	if src.Path != "" {
		path = src.Path
	}

	ds, err := dataset.OpenGeoPackage(path, layer)
	if err != nil {
		return nil, err
	}
	if err := r.ws.Add(ds); err != nil {
		_ = ds.Close()
		return nil, err
	}
	return ds, nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	for len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] && !strings.ContainsRune(s[1:len(s)-1], rune(s[0])) {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
