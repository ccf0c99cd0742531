package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindProjectRoot(t *testing.T) {
	root, err := FindProjectRoot()
	if err != nil {
		t.Fatalf("FindProjectRoot returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "cmd", "layersync")); err != nil {
		t.Fatalf("project root %s has no cmd/layersync: %v", root, err)
	}
}

type recorder struct {
	testing.TB
	lines []string
}

func (r *recorder) Log(args ...any) {
	r.lines = append(r.lines, args[0].(string))
}

func TestLogWriter(t *testing.T) {
	rec := &recorder{TB: t}
	w := &LogWriter{T: rec, Prefix: "[cli] "}
	n, err := w.Write([]byte("one\n\ntwo\n"))
	if err != nil || n != 9 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if len(rec.lines) != 2 || rec.lines[0] != "[cli] one" || rec.lines[1] != "[cli] two" {
		t.Errorf("logged %q", rec.lines)
	}
}
