//go:build integration

package cli

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/schaermu/layersync/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness runs the layersync binary against an isolated home directory
type Harness struct {
	t       *testing.T
	bin     string
	home    string
	cfgPath string
}

// NewHarness builds the binary and writes a config keeping all state under
// a temp dir
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	home := t.TempDir()
	cfgPath := filepath.Join(home, "config.yaml")
	cfg := []byte(`user:
  name: "integration"
  email: "integration@example.com"
paths:
  config_dir: "` + filepath.Join(home, "layersync") + `"
  export_dir: "` + filepath.Join(home, "export") + `"
  temp_dir: "` + filepath.Join(home, "tmp") + `"
`)
	if err := os.WriteFile(cfgPath, cfg, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &Harness{
		t:       t,
		bin:     testutil.BuildBinary(t, "cmd/layersync"),
		home:    home,
		cfgPath: cfgPath,
	}
}

// Path returns a path inside the harness home
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.home}, elem...)...)
}

// Run executes the binary and returns its stdout; stderr goes to the test log
func (h *Harness) Run(ctx context.Context, args ...string) (string, error) {
	h.t.Helper()
	cmd := exec.CommandContext(ctx, h.bin, append([]string{"--config", h.cfgPath}, args...)...)
	cmd.Env = append(os.Environ(), "HOME="+h.home, "NO_COLOR=1")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &testutil.LogWriter{T: h.t, Prefix: "[layersync] "}
	err := cmd.Run()
	return stdout.String(), err
}

// MustRun is Run failing the test on error
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	out, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("layersync %v: %v\n%s", args, err, out)
	}
	return out
}
