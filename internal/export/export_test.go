package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"github.com/schaermu/layersync/internal/dataset"
	"github.com/schaermu/layersync/internal/feature"
	"github.com/schaermu/layersync/internal/merge"
	"github.com/schaermu/layersync/internal/repo"
	"github.com/schaermu/layersync/internal/testutil"
	"github.com/schaermu/layersync/internal/tracking"
	"github.com/schaermu/layersync/internal/workspace"
)

type testEnv struct {
	exp   *Exporter
	store *tracking.Store
	ws    *workspace.Registry
	dir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := testutil.Logger()
	store := tracking.NewStore(afero.NewOsFs(), filepath.Join(dir, "config", tracking.FileName), tracking.AuditFunc(ReadAudit), logger)
	ws := workspace.NewRegistry(logger)
	t.Cleanup(func() { _ = ws.Close() })
	return &testEnv{
		exp:   NewExporter(store, ws, filepath.Join(dir, "export"), logger),
		store: store,
		ws:    ws,
		dir:   dir,
	}
}

func request(branch string) ImportRequest {
	return ImportRequest{Branch: branch, Message: "edit", AuthorName: "tester", AuthorEmail: "tester@example.com"}
}

func sameFile(t *testing.T, a os.FileInfo, path string) bool {
	t.Helper()
	b, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return os.SameFile(a, b)
}

// copyDataset duplicates an exported file so a second independent dataset of
// the same layer exists
func copyDataset(t *testing.T, src, dst, layer string) *dataset.GeoPackage {
	t.Helper()
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		t.Fatal(err)
	}
	g, err := dataset.OpenGeoPackage(dst, layer)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func headLayer(t *testing.T, r repo.Repository, ref, layer string) *feature.Layer {
	t.Helper()
	l, err := r.Layer(context.Background(), ref, layer)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestExportSnapshotIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	fx := testutil.NewSimpleRepo(t)

	path, err := env.exp.ExportSnapshot(ctx, fx.Repo, "HEAD", "points")
	if err != nil {
		t.Fatalf("ExportSnapshot() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	again, err := env.exp.ExportSnapshot(ctx, fx.Repo, "master", "points")
	if err != nil {
		t.Fatal(err)
	}
	if again != path {
		t.Errorf("export path changed: %s != %s", again, path)
	}
	if !sameFile(t, info, path) {
		t.Error("exporting the same ref twice rewrote the file")
	}

	// a different ref overwrites in place
	if _, err := env.exp.ExportSnapshot(ctx, fx.Repo, fx.Commits[0].ID, "points"); err != nil {
		t.Fatal(err)
	}
	if sameFile(t, info, path) {
		t.Error("exporting another ref must replace the file")
	}
	commit, err := ReadAudit(ctx, path, "points")
	if err != nil || commit != fx.Commits[0].ID {
		t.Errorf("audit commit = %s, %v, want %s", repo.ShortID(commit), err, fx.Commits[0].ShortID())
	}
	if n := len(env.store.List()); n != 1 {
		t.Errorf("expected a single tracking entry, got %d", n)
	}
}

func TestLayerPath(t *testing.T) {
	env := newTestEnv(t)
	fx := testutil.NewSimpleRepo(t)
	dir := filepath.Join(env.exp.exportDir, RepoID(fx.Repo))

	tests := []struct {
		layer string
		base  string
	}{
		{layer: "points", base: "points.gpkg"},
		{layer: "road_segments-2", base: "road_segments-2.gpkg"},
		{layer: "../escape"},
		{layer: "nested/layer"},
		{layer: ".."},
		{layer: "Points"},
	}

	seen := map[string]string{}
	for _, tt := range tests {
		t.Run(tt.layer, func(t *testing.T) {
			got := env.exp.LayerPath(fx.Repo, tt.layer)
			if filepath.Dir(got) != dir {
				t.Errorf("LayerPath(%q) = %s, want a file directly in %s", tt.layer, got, dir)
			}
			if tt.base != "" && filepath.Base(got) != tt.base {
				t.Errorf("LayerPath(%q) = %s, want %s", tt.layer, filepath.Base(got), tt.base)
			}
			if other, dup := seen[got]; dup {
				t.Errorf("layers %q and %q share %s", other, tt.layer, got)
			}
			seen[got] = tt.layer
		})
	}
}

func TestExportFullRepo(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	fx := testutil.NewMultilayerRepo(t)

	paths, err := env.exp.ExportFullRepo(ctx, fx.Repo, "HEAD")
	if err != nil {
		t.Fatalf("ExportFullRepo() error = %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 exported layers, got %v", paths)
	}
	if len(env.store.Query(fx.Repo.URL(), "lines")) != 1 {
		t.Error("lines layer not tracked")
	}
}

func TestImportEditsLocalAhead(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	fx := testutil.NewSimpleRepo(t)

	ds, err := env.exp.CheckoutLayer(ctx, fx.Repo, "points", "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	ed := ds.(dataset.Editor)
	if err := ed.PutFeature(ctx, testutil.Point("3", 30, 2, 2)); err != nil {
		t.Fatal(err)
	}
	if err := ed.DeleteFeature(ctx, "1"); err != nil {
		t.Fatal(err)
	}

	res, err := env.exp.ImportEdits(ctx, fx.Repo, ds, request("master"))
	if err != nil {
		t.Fatalf("ImportEdits() error = %v", err)
	}
	if res.Changes != 2 || res.Merged {
		t.Errorf("ImportEdits() = %+v, want 2 changes without merge", res)
	}

	log, _ := fx.Repo.Log(ctx, "HEAD")
	if len(log) != 4 || log[0].ID != res.CommitID || log[0].Parent() != fx.Commits[2].ID {
		t.Errorf("expected exactly one new commit on top of the previous head")
	}
	if audit, _ := ds.ReadAuditCommit(ctx); audit != res.CommitID {
		t.Errorf("audit commit = %s, want %s", repo.ShortID(audit), repo.ShortID(res.CommitID))
	}

	// nothing left to import
	res, err = env.exp.ImportEdits(ctx, fx.Repo, ds, request("master"))
	if err != nil || res.CommitID != "" || res.Changes != 0 {
		t.Errorf("second ImportEdits() = %+v, %v, want no-op", res, err)
	}
}

func TestImportEditsConflict(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	fx := testutil.NewSimpleRepo(t)

	first, err := env.exp.CheckoutLayer(ctx, fx.Repo, "points", "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	second := copyDataset(t, first.Path(), filepath.Join(env.dir, "second.gpkg"), "points")

	if err := first.(dataset.Editor).PutFeature(ctx, testutil.Point("1", 1001, 0, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := env.exp.ImportEdits(ctx, fx.Repo, first, request("master")); err != nil {
		t.Fatal(err)
	}
	headBefore, _ := fx.Repo.BranchHead(ctx, "master")

	if err := second.PutFeature(ctx, testutil.Point("1", 1000, 0, 0)); err != nil {
		t.Fatal(err)
	}
	res, err := env.exp.ImportEdits(ctx, fx.Repo, second, request("master"))
	if !errors.Is(err, ErrUnresolvedConflicts) {
		t.Fatalf("ImportEdits() error = %v, want ErrUnresolvedConflicts", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].FeatureID != "1" {
		t.Fatalf("expected exactly one conflict on feature 1, got %+v", res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.Ours.Attributes["n"] != 1000.0 || c.Theirs.Attributes["n"] != 1001.0 || c.Ancestor.Attributes["n"] != 1.0 {
		t.Errorf("unexpected conflict values: %v / %v / %v", c.Ancestor, c.Ours, c.Theirs)
	}
	if head, _ := fx.Repo.BranchHead(ctx, "master"); head != headBefore {
		t.Fatal("a failed import must not create commits")
	}

	req := request("master")
	req.AllowConflicts = true
	res, err = env.exp.ImportEdits(ctx, fx.Repo, second, req)
	if !errors.Is(err, ErrUnresolvedConflicts) {
		t.Fatalf("ImportEdits() without resolutions error = %v, want ErrUnresolvedConflicts", err)
	}

	req.Resolutions = merge.Resolutions{c.Key(): merge.Ours()}
	res, err = env.exp.ImportEdits(ctx, fx.Repo, second, req)
	if err != nil {
		t.Fatalf("ImportEdits() with resolutions error = %v", err)
	}
	if !res.Merged {
		t.Error("expected a merge import")
	}
	if v := headLayer(t, fx.Repo, "HEAD", "points").Get("1").Attributes["n"]; v != 1000.0 {
		t.Errorf("committed value = %v, want 1000", v)
	}
	mc, _ := fx.Repo.Commit(ctx, "HEAD")
	if len(mc.Parents) != 2 || mc.Parents[0] != headBefore {
		t.Errorf("expected merge commit on top of %s, got parents %v", repo.ShortID(headBefore), mc.Parents)
	}
	if audit, _ := second.ReadAuditCommit(ctx); audit != mc.ID {
		t.Errorf("audit commit = %s, want merge commit", repo.ShortID(audit))
	}
}

func TestImportEditsDeleteModifyConflict(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	fx := testutil.NewSimpleRepo(t)

	first, err := env.exp.CheckoutLayer(ctx, fx.Repo, "points", "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	second := copyDataset(t, first.Path(), filepath.Join(env.dir, "second.gpkg"), "points")

	if err := first.(dataset.Editor).DeleteFeature(ctx, "2"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.exp.ImportEdits(ctx, fx.Repo, first, request("master")); err != nil {
		t.Fatal(err)
	}

	if err := second.PutFeature(ctx, testutil.Point("2", 99, 1, 1)); err != nil {
		t.Fatal(err)
	}
	res, err := env.exp.ImportEdits(ctx, fx.Repo, second, request("master"))
	if !errors.Is(err, ErrUnresolvedConflicts) {
		t.Fatalf("ImportEdits() error = %v, want ErrUnresolvedConflicts", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Theirs != nil {
		t.Errorf("expected delete/modify conflict, got %+v", res.Conflicts)
	}
}

func TestImportEditsIdenticalNulls(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	fx := testutil.NewSimpleRepo(t)

	first, err := env.exp.CheckoutLayer(ctx, fx.Repo, "points", "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	second := copyDataset(t, first.Path(), filepath.Join(env.dir, "second.gpkg"), "points")

	if err := first.(dataset.Editor).PutFeature(ctx, testutil.Point("1", nil, 0, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := env.exp.ImportEdits(ctx, fx.Repo, first, request("master")); err != nil {
		t.Fatal(err)
	}
	if err := second.PutFeature(ctx, testutil.Point("1", nil, 0, 0)); err != nil {
		t.Fatal(err)
	}
	if err := second.PutFeature(ctx, testutil.Point("5", 5, 3, 3)); err != nil {
		t.Fatal(err)
	}

	res, err := env.exp.ImportEdits(ctx, fx.Repo, second, request("master"))
	if err != nil {
		t.Fatalf("ImportEdits() error = %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Errorf("identical null changes must not conflict, got %+v", res.Conflicts)
	}
	head := headLayer(t, fx.Repo, "HEAD", "points")
	if head.Get("1").Attributes["n"] != nil || head.Get("5") == nil {
		t.Errorf("unexpected merged layer: %v %v", head.Get("1"), head.Get("5"))
	}
}

func TestImportEditsRemoteAhead(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	fx := testutil.NewSimpleRepo(t)

	ds, err := env.exp.CheckoutLayer(ctx, fx.Repo, "points", "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	l := headLayer(t, fx.Repo, "HEAD", "points")
	l.Put(testutil.Point("7", 7, 4, 4))
	upstream := testutil.Commit(t, fx.Repo, "master", "upstream", l)

	res, err := env.exp.ImportEdits(ctx, fx.Repo, ds, request("master"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Changes != 0 || res.CommitID != upstream.ID {
		t.Errorf("ImportEdits() = %+v, want dataset moved to %s without commit", res, upstream.ShortID())
	}
	got, _ := ds.ReadFeatures(ctx)
	if got.Get("7") == nil {
		t.Error("dataset not updated to upstream head")
	}
}

func TestImportNewLayer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r := testutil.NewEmptyRepo(t, "empty")

	path := filepath.Join(env.dir, "new.gpkg")
	l := feature.NewLayer("parcels", []feature.Field{{Name: "owner", Type: feature.FieldString}})
	l.Put(&feature.Feature{ID: "p1", Geometry: "POLYGON ((0 0, 1 0, 1 1, 0 0))", Attributes: map[string]any{"owner": "me"}})
	if err := dataset.WriteGeoPackage(ctx, path, l, dataset.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	ds, err := dataset.OpenGeoPackage(path, "parcels")
	if err != nil {
		t.Fatal(err)
	}
	defer ds.Close()

	res, err := env.exp.ImportNewLayer(ctx, r, ds, request("master"))
	if err != nil {
		t.Fatalf("ImportNewLayer() error = %v", err)
	}
	if res.Changes != 1 {
		t.Errorf("Changes = %d, want 1", res.Changes)
	}
	if audit, _ := ds.ReadAuditCommit(ctx); audit != res.CommitID {
		t.Error("imported dataset must record the new commit")
	}
	if len(env.store.List()) != 1 {
		t.Error("imported dataset must be tracked")
	}

	if _, err := env.exp.ImportNewLayer(ctx, r, ds, request("master")); !errors.Is(err, ErrLayerExists) {
		t.Errorf("second ImportNewLayer() error = %v, want ErrLayerExists", err)
	}
}

func TestApplyLayerChanges(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	fx := testutil.NewSimpleRepo(t)

	ds, err := env.exp.CheckoutLayer(ctx, fx.Repo, "points", "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if err := ds.(dataset.Editor).DeleteFeature(ctx, "1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.exp.ApplyLayerChanges(ctx, fx.Repo, ds, fx.Commits[0].ID); !errors.Is(err, ErrLocalChanges) {
		t.Fatalf("ApplyLayerChanges() with local edits error = %v, want ErrLocalChanges", err)
	}

	if err := ds.(dataset.Editor).PutFeature(ctx, testutil.Point("1", 1, 0, 0)); err != nil {
		t.Fatal(err)
	}
	commit, err := env.exp.ApplyLayerChanges(ctx, fx.Repo, ds, fx.Commits[0].ID)
	if err != nil {
		t.Fatalf("ApplyLayerChanges() error = %v", err)
	}
	if commit != fx.Commits[0].ID {
		t.Errorf("ApplyLayerChanges() = %s", repo.ShortID(commit))
	}
	got, _ := ds.ReadFeatures(ctx)
	if got.Len() != 1 {
		t.Errorf("dataset at first commit has %d features, want 1", got.Len())
	}
}

func TestExportDiff(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	fx := testutil.NewSimpleRepo(t)
	dir := filepath.Join(env.dir, "diffs")
	a, b := fx.Commits[0].ID, fx.Commits[2].ID

	after, err := env.exp.ExportDiff(ctx, fx.Repo, a, b, "points", dir, false, true)
	if err != nil {
		t.Fatalf("ExportDiff() error = %v", err)
	}
	want := filepath.Join(dir, "diff_points_"+a[:8]+"_"+b[:8]+"_after.gpkg")
	if after != want {
		t.Errorf("ExportDiff() path = %s, want %s", after, want)
	}
	g, err := dataset.OpenGeoPackage(after, "points")
	if err != nil {
		t.Fatal(err)
	}
	l, _ := g.ReadFeatures(ctx)
	_ = g.Close()
	if l.Len() != 1 || l.Get("2") == nil {
		t.Errorf("after side should hold the added feature only, got %v", l.IDs())
	}

	info, _ := os.Stat(after)
	if _, err := env.exp.ExportDiff(ctx, fx.Repo, a, b, "points", dir, false, true); err != nil {
		t.Fatal(err)
	}
	if !sameFile(t, info, after) {
		t.Error("cached diff was rewritten")
	}

	before, err := env.exp.ExportDiff(ctx, fx.Repo, a, b, "points", dir, true, true)
	if err != nil {
		t.Fatal(err)
	}
	g, _ = dataset.OpenGeoPackage(before, "points")
	l, _ = g.ReadFeatures(ctx)
	_ = g.Close()
	if l.Len() != 0 {
		t.Errorf("before side should be empty, got %v", l.IDs())
	}

	if _, err := env.exp.ExportDiff(ctx, fx.Repo, a, b, "lines", dir, true, true); !errors.Is(err, repo.ErrLayerNotFound) {
		t.Errorf("ExportDiff() of missing layer error = %v, want ErrLayerNotFound", err)
	}
}

func TestExportVersionDiffsMissingLayer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	fx := testutil.NewSimpleRepo(t)

	lines := feature.NewLayer("lines", nil)
	lines.Put(&feature.Feature{ID: "a", Geometry: "LINESTRING (0 0, 1 1)"})
	c4 := testutil.Commit(t, fx.Repo, "master", "lines", lines)

	diffs, err := env.exp.ExportVersionDiffs(ctx, fx.Repo, fx.Commits[0].ID, c4.ID, filepath.Join(env.dir, "diffs"))
	if err != nil {
		t.Fatalf("ExportVersionDiffs() error = %v", err)
	}
	if p := diffs["lines"]; p.Before != "" || p.After != "" {
		t.Errorf("layer missing at one commit should map to no changes, got %+v", p)
	}
	if p := diffs["points"]; p.Before == "" || p.After == "" {
		t.Errorf("points diff not exported: %+v", p)
	}
}

func TestExportVersion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	fx := testutil.NewMultilayerRepo(t)
	dir := filepath.Join(env.dir, "versions")

	paths, err := env.exp.ExportVersion(ctx, fx.Repo, "HEAD", dir)
	if err != nil {
		t.Fatalf("ExportVersion() error = %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 files, got %v", paths)
	}
	g, err := dataset.OpenGeoPackage(paths[0], "lines")
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	if ro, _ := g.ReadOnly(ctx); !ro {
		t.Error("version exports must be read only")
	}
	if len(env.store.List()) != 0 {
		t.Error("version exports must not be tracked")
	}
}
