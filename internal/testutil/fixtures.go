package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/schaermu/layersync/internal/feature"
	"github.com/schaermu/layersync/internal/repo"
)

// Author signs every fixture commit
var Author = repo.Signature{Name: "tester", Email: "tester@example.com"}

// Logger returns a logger that only reports errors
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Fixture is a repository with a known history
type Fixture struct {
	Repo *repo.Local
	// Commits lists the commits of master, oldest first
	Commits []*repo.Commit
}

// PointsFields is the schema of the points layer
var PointsFields = []feature.Field{{Name: "n", Type: feature.FieldNumber}}

// Point builds a feature of the points layer
func Point(id string, n any, x, y int) *feature.Feature {
	return &feature.Feature{
		ID:         id,
		Geometry:   fmt.Sprintf("POINT (%d %d)", x, y),
		Attributes: map[string]any{"n": n},
	}
}

// NewSimpleRepo creates a repository with a points layer and three commits:
// "first" adds feature 1, "second" adds feature 2, "third" modifies feature 2.
// Branch mybranch points at the last commit.
func NewSimpleRepo(t testing.TB) *Fixture {
	t.Helper()
	ctx := context.Background()
	r := newRepo(t, "simple")

	l := feature.NewLayer("points", PointsFields)
	l.Put(Point("1", 1, 0, 0))
	c1 := commitLayers(t, r, "first", l)

	l = l.Clone()
	l.Put(Point("2", 2, 1, 1))
	c2 := commitLayers(t, r, "second", l)

	l = l.Clone()
	l.Put(Point("2", 3, 1, 1))
	c3 := commitLayers(t, r, "third", l)

	if _, err := r.CreateBranch(ctx, "mybranch", c3.ID); err != nil {
		t.Fatalf("failed to create branch: %v", err)
	}
	return &Fixture{Repo: r, Commits: []*repo.Commit{c1, c2, c3}}
}

// NewMultilayerRepo creates a repository with a points and a lines layer in
// a single commit
func NewMultilayerRepo(t testing.TB) *Fixture {
	t.Helper()
	r := newRepo(t, "multilayer")

	points := feature.NewLayer("points", PointsFields)
	points.Put(Point("1", 1, 0, 0))
	points.Put(Point("2", 2, 1, 1))
	lines := feature.NewLayer("lines", []feature.Field{{Name: "name", Type: feature.FieldString}})
	lines.Put(&feature.Feature{ID: "a", Geometry: "LINESTRING (0 0, 1 1)", Attributes: map[string]any{"name": "first"}})

	c := commitLayers(t, r, "layers", points, lines)
	return &Fixture{Repo: r, Commits: []*repo.Commit{c}}
}

// NewEmptyRepo creates a repository without commits
func NewEmptyRepo(t testing.TB, name string) *repo.Local {
	t.Helper()
	return newRepo(t, name)
}

// Commit commits layers on top of branch of r
func Commit(t testing.TB, r *repo.Local, branch, message string, layers ...*feature.Layer) *repo.Commit {
	t.Helper()
	changes := make(map[string]*feature.Layer, len(layers))
	for _, l := range layers {
		changes[l.Name] = l
	}
	c, err := r.CommitLayers(context.Background(), branch, changes, Author, message)
	if err != nil {
		t.Fatalf("failed to commit %q: %v", message, err)
	}
	return c
}

func commitLayers(t testing.TB, r *repo.Local, message string, layers ...*feature.Layer) *repo.Commit {
	t.Helper()
	return Commit(t, r, repo.DefaultBranch, message, layers...)
}

func newRepo(t testing.TB, name string) *repo.Local {
	t.Helper()
	r, err := repo.Init(filepath.Join(t.TempDir(), name), name, Logger())
	if err != nil {
		t.Fatalf("failed to init repository: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}
