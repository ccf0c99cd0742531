package workspace

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/schaermu/layersync/internal/dataset"
	"github.com/schaermu/layersync/internal/feature"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeLayer(t *testing.T, path string, n float64) {
	t.Helper()
	l := feature.NewLayer("points", []feature.Field{{Name: "n", Type: feature.FieldNumber}})
	l.Put(&feature.Feature{ID: "1", Attributes: map[string]any{"n": n}})
	if err := dataset.WriteGeoPackage(context.Background(), path, l, dataset.WriteOptions{CommitID: "c"}); err != nil {
		t.Fatal(err)
	}
}

func TestRegistryAddRemove(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(testLogger())
	defer r.Close()

	a := dataset.NewMemory("a", nil)
	b := dataset.NewMemory("b", nil)
	_ = r.Add(a)
	_ = r.Add(b)
	_ = r.Add(dataset.NewMemory("a", nil))

	open, _ := r.OpenDatasets(ctx)
	if len(open) != 2 {
		t.Fatalf("expected 2 open datasets, got %d", len(open))
	}
	if open[0].Source() != "memory:a" {
		t.Errorf("replacement must keep position, got %s first", open[0].Source())
	}

	if err := r.Remove("memory:a"); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove("memory:missing"); err != nil {
		t.Errorf("Remove() of unknown source error = %v", err)
	}
	if _, ok := r.Get("memory:a"); ok {
		t.Error("removed dataset still registered")
	}
}

func TestRegistryReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "points.gpkg")
	writeLayer(t, path, 1)

	g, err := dataset.OpenGeoPackage(path, "points")
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(testLogger())
	defer r.Close()
	_ = r.Add(g)

	// replace the file behind the open handle
	writeLayer(t, path, 2)

	if err := r.Reload(ctx, []string{g.Source()}); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	ds, ok := r.Get(g.Source())
	if !ok {
		t.Fatal("dataset lost after reload")
	}
	l, err := ds.ReadFeatures(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v := l.Get("1").Attributes["n"]; v != 2.0 {
		t.Errorf("reloaded value = %v, want 2", v)
	}
}
