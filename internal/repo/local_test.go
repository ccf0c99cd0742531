package repo

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/schaermu/layersync/internal/feature"
)

var testSig = Signature{Name: "tester", Email: "tester@example.com"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRepo(t *testing.T) *Local {
	t.Helper()
	r, err := Init(filepath.Join(t.TempDir(), "repo"), "test", testLogger())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func pointsLayer(values ...float64) *feature.Layer {
	l := feature.NewLayer("points", []feature.Field{{Name: "n", Type: feature.FieldNumber}})
	for i, v := range values {
		l.Put(&feature.Feature{ID: string(rune('1' + i)), Geometry: "POINT (0 0)", Attributes: map[string]any{"n": v}})
	}
	return l
}

func commit(t *testing.T, r *Local, branch, msg string, l *feature.Layer) *Commit {
	t.Helper()
	c, err := r.CommitLayers(context.Background(), branch, map[string]*feature.Layer{l.Name: l}, testSig, msg)
	if err != nil {
		t.Fatalf("CommitLayers(%s) error = %v", msg, err)
	}
	return c
}

func TestInitAndOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "repo")

	if _, err := Open(dir, testLogger()); !errors.Is(err, ErrNotRepository) {
		t.Fatalf("Open() on missing repo error = %v, want ErrNotRepository", err)
	}

	r, err := Init(dir, "", testLogger())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if r.Name() != "repo" {
		t.Errorf("Name() = %q, want repo", r.Name())
	}
	if _, err := r.RevParse(context.Background(), "HEAD"); !errors.Is(err, ErrEmptyBranch) {
		t.Errorf("RevParse(HEAD) on empty repo error = %v, want ErrEmptyBranch", err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	r, err = Open(dir, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()
	branch, err := r.CurrentBranch(context.Background())
	if err != nil || branch != DefaultBranch {
		t.Errorf("CurrentBranch() = %q, %v", branch, err)
	}
}

func TestCommitAndLog(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	c1 := commit(t, r, DefaultBranch, "first", pointsLayer(1))
	c2 := commit(t, r, DefaultBranch, "second", pointsLayer(1, 2))
	c3 := commit(t, r, DefaultBranch, "third", pointsLayer(1, 3))

	log, err := r.Log(ctx, "HEAD")
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	var got []string
	for _, c := range log {
		got = append(got, c.Message)
	}
	if diff := cmp.Diff([]string{"third", "second", "first"}, got); diff != "" {
		t.Errorf("Log() mismatch (-want +got):\n%s", diff)
	}
	if c3.Parent() != c2.ID || c2.Parent() != c1.ID || c1.Parent() != "" {
		t.Error("unexpected parent chain")
	}

	l, err := r.Layer(ctx, c1.ID, "points")
	if err != nil {
		t.Fatalf("Layer() error = %v", err)
	}
	if l.Len() != 1 {
		t.Errorf("layer at first commit has %d features, want 1", l.Len())
	}
	l, err = r.Layer(ctx, "HEAD", "points")
	if err != nil {
		t.Fatal(err)
	}
	if v := l.Get("2").Attributes["n"]; v != 3.0 {
		t.Errorf("feature 2 at HEAD n = %v, want 3", v)
	}

	if _, err := r.Layer(ctx, "HEAD", "lines"); !errors.Is(err, ErrLayerNotFound) {
		t.Errorf("Layer(lines) error = %v, want ErrLayerNotFound", err)
	}
}

func TestRevParse(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	c1 := commit(t, r, DefaultBranch, "first", pointsLayer(1))
	c2 := commit(t, r, DefaultBranch, "second", pointsLayer(2))
	if _, err := r.CreateBranch(ctx, "mybranch", c1.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateTag(ctx, "v1", "HEAD~1", "release", testSig); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		ref     string
		want    string
		wantErr error
	}{
		{ref: "HEAD", want: c2.ID},
		{ref: "master", want: c2.ID},
		{ref: "HEAD~1", want: c1.ID},
		{ref: "master~", want: c1.ID},
		{ref: "mybranch", want: c1.ID},
		{ref: "v1", want: c1.ID},
		{ref: c1.ID, want: c1.ID},
		{ref: c2.ID[:6], want: c2.ID},
		{ref: "HEAD~2", wantErr: ErrRefNotFound},
		{ref: "nope", wantErr: ErrRefNotFound},
		{ref: "abc", wantErr: ErrRefNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := r.RevParse(ctx, tt.ref)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("RevParse(%q) error = %v, want %v", tt.ref, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("RevParse(%q) error = %v", tt.ref, err)
			}
			if got != tt.want {
				t.Errorf("RevParse(%q) = %s, want %s", tt.ref, ShortID(got), ShortID(tt.want))
			}
		})
	}
}

func TestApplyStaleHead(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	c1 := commit(t, r, DefaultBranch, "first", pointsLayer(1))

	c, layers, err := NewCommit(nil, nil, map[string]*feature.Layer{"points": pointsLayer(5)}, testSig, "orphan", timeNow())
	if err != nil {
		t.Fatal(err)
	}
	err = r.Apply(ctx, Update{Branch: DefaultBranch, Expected: "", Layers: layers, Commits: []*Commit{c}})
	if !errors.Is(err, ErrStaleHead) {
		t.Fatalf("Apply() error = %v, want ErrStaleHead", err)
	}

	head, _ := r.BranchHead(ctx, DefaultBranch)
	if head != c1.ID {
		t.Errorf("branch moved after failed apply: %s", ShortID(head))
	}
	if _, err := r.RevParse(ctx, c.ID); !errors.Is(err, ErrRefNotFound) {
		t.Errorf("commit of failed apply must not be stored, err = %v", err)
	}
}

func TestBranchesAndTags(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	c1 := commit(t, r, DefaultBranch, "first", pointsLayer(1))

	if _, err := r.CreateBranch(ctx, "dev", "HEAD"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateBranch(ctx, "dev", "HEAD"); !errors.Is(err, ErrBranchExists) {
		t.Errorf("duplicate branch error = %v", err)
	}
	branches, err := r.Branches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]string{"master": c1.ID, "dev": c1.ID}, branches); diff != "" {
		t.Errorf("Branches() mismatch (-want +got):\n%s", diff)
	}

	if err := r.DeleteBranch(ctx, DefaultBranch); !errors.Is(err, ErrProtected) {
		t.Errorf("DeleteBranch(master) error = %v, want ErrProtected", err)
	}
	if err := r.DeleteBranch(ctx, "dev"); err != nil {
		t.Errorf("DeleteBranch(dev) error = %v", err)
	}

	if _, err := r.CreateTag(ctx, "v1", "HEAD", "", testSig); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateTag(ctx, "v1", "HEAD", "", testSig); !errors.Is(err, ErrTagExists) {
		t.Errorf("duplicate tag error = %v", err)
	}
	tags, err := r.Tags(ctx)
	if err != nil || len(tags) != 1 || tags[0].Commit != c1.ID {
		t.Errorf("Tags() = %v, %v", tags, err)
	}
	if err := r.DeleteTag(ctx, "v1"); err != nil {
		t.Error(err)
	}
}

func TestRemoveTreeAndDiffStats(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	c1 := commit(t, r, DefaultBranch, "first", pointsLayer(1, 2))
	lines := feature.NewLayer("lines", nil)
	lines.Put(&feature.Feature{ID: "a", Geometry: "LINESTRING (0 0, 1 1)"})
	commit(t, r, DefaultBranch, "lines", lines)
	c3 := commit(t, r, DefaultBranch, "edit", pointsLayer(1, 20, 3))

	stats, err := r.DiffTreeStats(ctx, c1.ID, c3.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]TreeStats{
		"points": {Added: 1, Modified: 1},
		"lines":  {Added: 1},
	}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("DiffTreeStats() mismatch (-want +got):\n%s", diff)
	}

	if _, err := r.RemoveTree(ctx, "lines", testSig, DefaultBranch); err != nil {
		t.Fatalf("RemoveTree() error = %v", err)
	}
	trees, _ := r.Trees(ctx, "HEAD")
	if diff := cmp.Diff([]string{"points"}, trees); diff != "" {
		t.Errorf("Trees() mismatch (-want +got):\n%s", diff)
	}
	if _, err := r.RemoveTree(ctx, "lines", testSig, DefaultBranch); !errors.Is(err, ErrLayerNotFound) {
		t.Errorf("RemoveTree() twice error = %v", err)
	}
}

func TestAncestry(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	c1 := commit(t, r, DefaultBranch, "first", pointsLayer(1))
	if _, err := r.CreateBranch(ctx, "side", c1.ID); err != nil {
		t.Fatal(err)
	}
	c2 := commit(t, r, DefaultBranch, "second", pointsLayer(2))
	s1 := commit(t, r, "side", "side", pointsLayer(3))

	ok, err := r.IsAncestor(ctx, c1.ID, c2.ID)
	if err != nil || !ok {
		t.Errorf("IsAncestor(c1, c2) = %v, %v", ok, err)
	}
	ok, _ = r.IsAncestor(ctx, c2.ID, s1.ID)
	if ok {
		t.Error("c2 must not be an ancestor of the side branch")
	}
	base, err := r.MergeBase(ctx, "master", "side")
	if err != nil || base != c1.ID {
		t.Errorf("MergeBase() = %s, %v, want %s", ShortID(base), err, c1.ShortID())
	}
}

func TestPushAndFetch(t *testing.T) {
	ctx := context.Background()
	remoteDir := filepath.Join(t.TempDir(), "remote")
	remote, err := Init(remoteDir, "remote", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := remote.Close(); err != nil {
		t.Fatal(err)
	}

	r := newTestRepo(t)
	if err := r.AddRemote(ctx, "origin", remoteDir); err != nil {
		t.Fatal(err)
	}
	commit(t, r, DefaultBranch, "first", pointsLayer(1))
	c2 := commit(t, r, DefaultBranch, "second", pointsLayer(2))

	res, err := r.Push(ctx, "origin", DefaultBranch)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if res.Pushed != 2 || res.UpToDate {
		t.Errorf("Push() = %+v, want 2 pushed commits", res)
	}

	res, err = r.Push(ctx, "origin", DefaultBranch)
	if err != nil {
		t.Fatalf("second Push() error = %v", err)
	}
	if !res.UpToDate || res.Pushed != 0 {
		t.Errorf("second Push() = %+v, want up to date", res)
	}

	if got, _ := r.RevParse(ctx, "origin/master"); got != c2.ID {
		t.Errorf("tracking ref = %s, want %s", ShortID(got), c2.ShortID())
	}

	// advance the remote independently
	remote, err = Open(remoteDir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	rc := commit(t, remote, DefaultBranch, "remote", pointsLayer(9))
	if err := remote.Close(); err != nil {
		t.Fatal(err)
	}

	commit(t, r, DefaultBranch, "local", pointsLayer(7))
	if _, err := r.Push(ctx, "origin", DefaultBranch); !errors.Is(err, ErrNonFastForward) {
		t.Errorf("Push() to advanced remote error = %v, want ErrNonFastForward", err)
	}

	fres, err := r.Fetch(ctx, "origin", DefaultBranch)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if fres.Head != rc.ID || fres.Fetched != 1 {
		t.Errorf("Fetch() = %+v", fres)
	}
	if _, err := r.Layer(ctx, rc.ID, "points"); err != nil {
		t.Errorf("fetched tree not readable: %v", err)
	}

	if _, err := r.Push(ctx, "nope", DefaultBranch); !errors.Is(err, ErrRemoteNotFound) {
		t.Errorf("Push() to unknown remote error = %v", err)
	}
}
