package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/google/go-cmp/cmp"
	"github.com/mitchellh/go-homedir"

	"github.com/schaermu/layersync/internal/dataset"
	"github.com/schaermu/layersync/internal/feature"
	"github.com/schaermu/layersync/internal/merge"
	"github.com/schaermu/layersync/internal/sync"
	"github.com/schaermu/layersync/internal/testutil"
)

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

// writeConfig writes a configuration that keeps every path under a temp dir
func writeConfig(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	configContent := []byte(`user:
  name: "tester"
  email: "tester@example.com"
paths:
  config_dir: "` + filepath.Join(tmpDir, "config") + `"
  export_dir: "` + filepath.Join(tmpDir, "export") + `"
  temp_dir: "` + filepath.Join(tmpDir, "tmp") + `"
sync:
  default_branch: "master"
`)
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, configContent, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return cfgPath
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = writeConfig(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg, err := loadConfig(logger)
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg == nil {
		t.Fatal("loadConfig returned nil config")
	}
	if cfg.User.Name != "tester" {
		t.Errorf("User.Name = %q, want tester", cfg.User.Name)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	_, err := loadConfig(logger)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	origCfgFile := cfgFile
	defer func() { cfgFile = origCfgFile }()
	cfgFile = ""

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USER", "tester")
	homedir.DisableCache = true
	t.Cleanup(func() {
		homedir.DisableCache = false
		homedir.Reset()
	})

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg, err := loadConfig(logger)
	// No file in the default location falls back to the built-in defaults
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if want := filepath.Join(home, ".config", "layersync"); cfg.Paths.ConfigDir != want {
		t.Errorf("ConfigDir = %q, want %q", cfg.Paths.ConfigDir, want)
	}
}

func TestVersionCmd(t *testing.T) {
	t.Helper()
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}

func TestStrategyResolutions(t *testing.T) {
	t.Cleanup(func() { theirsFlag = false })
	conflicts := []merge.Conflict{
		{Layer: "points", FeatureID: "1"},
		{Layer: "lines", FeatureID: "a"},
	}

	theirsFlag = false
	got := strategyResolutions(conflicts)
	want := merge.Resolutions{"points/1": merge.Ours(), "lines/a": merge.Ours()}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ours resolutions mismatch (-want +got):\n%s", diff)
	}

	theirsFlag = true
	got = strategyResolutions(conflicts)
	want = merge.Resolutions{"points/1": merge.Theirs(), "lines/a": merge.Theirs()}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("theirs resolutions mismatch (-want +got):\n%s", diff)
	}
}

func TestPrintStatusAndConflicts(t *testing.T) {
	orig := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = orig })

	var buf bytes.Buffer
	printStatus(&buf, &sync.Status{
		Source: "/tmp/points.gpkg|layername=points",
		Layer:  "points",
		State:  sync.LocalAhead,
		Audit:  "0123456789abcdef",
		Head:   "fedcba9876543210",
		Local:  feature.Delta{Modified: []string{"1"}},
	})
	out := buf.String()
	for _, want := range []string{"local-ahead", "points", "01234567..fedcba98", "local 1, upstream 0"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output %q does not contain %q", out, want)
		}
	}

	buf.Reset()
	printConflicts(&buf, nil)
	if buf.Len() != 0 {
		t.Errorf("no conflicts should print nothing, got %q", buf.String())
	}

	printConflicts(&buf, []merge.Conflict{{
		Layer:     "points",
		FeatureID: "1",
		Ancestor:  testutil.Point("1", 1, 0, 0),
		Ours:      testutil.Point("1", 1000, 0, 0),
	}})
	out = buf.String()
	for _, want := range []string{"1 unresolved conflicts", "points/1", "n=1000", "<deleted>"} {
		if !strings.Contains(out, want) {
			t.Errorf("conflict output %q does not contain %q", out, want)
		}
	}
}

// execute runs the root command with args against the config at cfgPath
func execute(t *testing.T, cfgPath string, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(append([]string{"--config", cfgPath, "--log-level", "error"}, args...))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		cfgFile = ""
		untrackedFlag = false
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("%v failed: %v\n%s", args, err, buf.String())
	}
	return buf.String()
}

func TestCommands(t *testing.T) {
	orig := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = orig })

	cfgPath := writeConfig(t)
	fx := testutil.NewSimpleRepo(t)
	path := fx.Repo.URL()
	// the CLI opens the repository itself
	if err := fx.Repo.Close(); err != nil {
		t.Fatal(err)
	}

	out := execute(t, cfgPath, "log", path)
	for _, want := range []string{"third", "second", "first", fx.Commits[2].ShortID()} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q does not contain %q", out, want)
		}
	}

	out = execute(t, cfgPath, "branch", path)
	if !strings.Contains(out, "* master") || !strings.Contains(out, "mybranch") {
		t.Errorf("branch output = %q", out)
	}

	out = execute(t, cfgPath, "checkout", path, "points")
	gpkg := strings.TrimSpace(out)
	if _, err := os.Stat(gpkg); err != nil {
		t.Fatalf("checkout did not write %q: %v", gpkg, err)
	}

	out = execute(t, cfgPath, "status", path)
	if !strings.Contains(out, "in-sync") {
		t.Errorf("status output = %q, want in-sync", out)
	}

	out = execute(t, cfgPath, "track", "list")
	if !strings.Contains(out, gpkg) {
		t.Errorf("track list output = %q, want %q", out, gpkg)
	}

	stray := filepath.Join(filepath.Dir(filepath.Dir(gpkg)), "stray", "lines.gpkg")
	if err := dataset.WriteGeoPackage(context.Background(), stray, feature.NewLayer("lines", nil), dataset.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	out = execute(t, cfgPath, "track", "list", "--untracked")
	if !strings.Contains(out, "untracked "+stray+"|layername=lines") || strings.Contains(out, gpkg) {
		t.Errorf("track list --untracked output = %q, want only %s", out, stray)
	}

	out = execute(t, cfgPath, "remove-repo", path)
	if !strings.Contains(out, "removed 1 tracked layers") {
		t.Errorf("remove-repo output = %q", out)
	}
}

func TestInitCmd(t *testing.T) {
	cfgPath := writeConfig(t)
	path := filepath.Join(t.TempDir(), "fresh")

	out := execute(t, cfgPath, "init", path)
	if !strings.Contains(out, "initialized repository fresh") {
		t.Errorf("init output = %q", out)
	}

	out = execute(t, cfgPath, "remote", "add", path, "origin", filepath.Join(t.TempDir(), "origin"))
	if out != "" {
		t.Errorf("remote add printed %q", out)
	}
	out = execute(t, cfgPath, "remote", "list", path)
	if !strings.HasPrefix(out, "origin\t") {
		t.Errorf("remote list output = %q", out)
	}
}
