package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"

	"github.com/schaermu/layersync/internal/feature"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	headKey      = []byte("HEAD")
	nameKey      = []byte("meta:name")
	commitPrefix = []byte("commit:")
	treePrefix   = []byte("tree:")
	branchPrefix = []byte("ref:heads/")
	tagPrefix    = []byte("ref:tags/")
	remotePrefix = []byte("remote:")
	trackPrefix  = []byte("ref:remotes/")
)

// Local implements Repository on a badger key-value store in a local directory
type Local struct {
	path   string
	name   string
	db     *badger.DB
	logger *slog.Logger
}

// Init creates a new repository at path, or opens it if it already exists
func Init(path, name string, logger *slog.Logger) (*Local, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository path: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create repository directory: %w", err)
	}

	r, err := openDB(abs, logger)
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = filepath.Base(abs)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(headKey); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(headKey, []byte(DefaultBranch)); err != nil {
			return err
		}
		return txn.Set(nameKey, []byte(name))
	})
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	if err := r.loadName(); err != nil {
		_ = r.Close()
		return nil, err
	}

	logger.Debug("repository initialized", "path", abs, "name", r.name)
	return r, nil
}

// Open opens an existing repository
func Open(path string, logger *slog.Logger) (*Local, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository path: %w", err)
	}
	if _, err := os.Stat(filepath.Join(abs, "MANIFEST")); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, abs)
	}

	r, err := openDB(abs, logger)
	if err != nil {
		return nil, err
	}
	if err := r.loadName(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func openDB(path string, logger *slog.Logger) (*Local, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{logger}).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", path, err)
	}
	return &Local{path: path, db: db, logger: logger}, nil
}

func (r *Local) loadName() error {
	return r.db.View(func(txn *badger.Txn) error {
		v, err := getValue(txn, nameKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			r.name = filepath.Base(r.path)
			return nil
		}
		if err != nil {
			return err
		}
		r.name = string(v)
		return nil
	})
}

// Close releases the underlying store
func (r *Local) Close() error {
	return r.db.Close()
}

// URL returns the absolute path identifying the repository
func (r *Local) URL() string {
	return r.path
}

// Name returns the human readable repository name
func (r *Local) Name() string {
	return r.name
}

// CurrentBranch returns the branch HEAD points to
func (r *Local) CurrentBranch(ctx context.Context) (string, error) {
	var branch string
	err := r.db.View(func(txn *badger.Txn) error {
		v, err := getValue(txn, headKey)
		if err != nil {
			return err
		}
		branch = string(v)
		return nil
	})
	return branch, err
}

// Layer returns the tree of a layer at ref
func (r *Local) Layer(ctx context.Context, ref, name string) (*feature.Layer, error) {
	c, err := r.Commit(ctx, ref)
	if err != nil {
		return nil, err
	}
	treeID, ok := c.Tree[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s at %s", ErrLayerNotFound, name, c.ShortID())
	}
	var layer *feature.Layer
	err = r.db.View(func(txn *badger.Txn) error {
		layer, err = readTree(txn, treeID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read tree %s: %w", name, err)
	}
	return layer, nil
}

// Trees returns the layer names at ref
func (r *Local) Trees(ctx context.Context, ref string) ([]string, error) {
	c, err := r.Commit(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.Layers(), nil
}

// Commit resolves ref and returns the commit it points to
func (r *Local) Commit(ctx context.Context, ref string) (*Commit, error) {
	id, err := r.RevParse(ctx, ref)
	if err != nil {
		return nil, err
	}
	var c *Commit
	err = r.db.View(func(txn *badger.Txn) error {
		c, err = readCommit(txn, id)
		return err
	})
	return c, err
}

// Apply writes trees and commits and moves the branch in one transaction
func (r *Local) Apply(ctx context.Context, u Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	head := u.Head
	if head == "" && len(u.Commits) > 0 {
		head = u.Commits[len(u.Commits)-1].ID
	}

	err := r.db.Update(func(txn *badger.Txn) error {
		for _, l := range u.Layers {
			if err := writeTree(txn, l); err != nil {
				return err
			}
		}
		for _, c := range u.Commits {
			if err := writeJSON(txn, key(commitPrefix, c.ID), c); err != nil {
				return err
			}
		}
		if u.Branch == "" || head == "" {
			return nil
		}

		current, err := getValue(txn, key(branchPrefix, u.Branch))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			current = nil
		case err != nil:
			return err
		}
		if string(current) != u.Expected {
			return fmt.Errorf("%w: %s is at %s, expected %s", ErrStaleHead, u.Branch, ShortID(string(current)), ShortID(u.Expected))
		}
		return txn.Set(key(branchPrefix, u.Branch), []byte(head))
	})
	if err != nil {
		return fmt.Errorf("failed to apply update: %w", err)
	}

	if u.Branch != "" && head != "" {
		r.logger.Debug("branch updated", "repo", r.name, "branch", u.Branch, "head", ShortID(head), "commits", len(u.Commits))
	}
	return nil
}

// CommitLayers creates a single commit on top of branch replacing the given
// layers; a nil layer removes that tree.
func (r *Local) CommitLayers(ctx context.Context, branch string, changes map[string]*feature.Layer, sig Signature, message string) (*Commit, error) {
	head, err := r.BranchHead(ctx, branch)
	if err != nil && !errors.Is(err, ErrEmptyBranch) {
		return nil, err
	}

	base := map[string]string{}
	var parents []string
	if head != "" {
		parent, err := r.Commit(ctx, head)
		if err != nil {
			return nil, err
		}
		base = parent.Tree
		parents = []string{head}
	}

	c, layers, err := NewCommit(parents, base, changes, sig, message, timeNow())
	if err != nil {
		return nil, err
	}
	if err := r.Apply(ctx, Update{Branch: branch, Expected: head, Layers: layers, Commits: []*Commit{c}}); err != nil {
		return nil, err
	}
	return c, nil
}

// RemoveTree commits the removal of a layer from branch
func (r *Local) RemoveTree(ctx context.Context, layer string, sig Signature, branch string) (*Commit, error) {
	trees, err := r.Trees(ctx, branch)
	if err != nil {
		return nil, err
	}
	found := false
	for _, t := range trees {
		if t == layer {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s on %s", ErrLayerNotFound, layer, branch)
	}
	return r.CommitLayers(ctx, branch, map[string]*feature.Layer{layer: nil}, sig, fmt.Sprintf("Removed layer %s", layer))
}

// DiffTreeStats counts per-layer feature changes between two refs. Layers that
// exist on only one side count all their features as added or removed.
func (r *Local) DiffTreeStats(ctx context.Context, a, b string) (map[string]TreeStats, error) {
	ca, err := r.Commit(ctx, a)
	if err != nil {
		return nil, err
	}
	cb, err := r.Commit(ctx, b)
	if err != nil {
		return nil, err
	}

	names := map[string]bool{}
	for n := range ca.Tree {
		names[n] = true
	}
	for n := range cb.Tree {
		names[n] = true
	}

	stats := make(map[string]TreeStats)
	err = r.db.View(func(txn *badger.Txn) error {
		for n := range names {
			if ca.Tree[n] == cb.Tree[n] {
				continue
			}
			before, err := readOptionalTree(txn, ca.Tree[n])
			if err != nil {
				return err
			}
			after, err := readOptionalTree(txn, cb.Tree[n])
			if err != nil {
				return err
			}
			d := feature.Diff(before, after)
			if d.Empty() && (before == nil) == (after == nil) {
				continue
			}
			stats[n] = TreeStats{Added: len(d.Added), Modified: len(d.Modified), Removed: len(d.Removed)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func readOptionalTree(txn *badger.Txn, id string) (*feature.Layer, error) {
	if id == "" {
		return nil, nil
	}
	return readTree(txn, id)
}

func readTree(txn *badger.Txn, id string) (*feature.Layer, error) {
	var l feature.Layer
	if err := readJSON(txn, key(treePrefix, id), &l); err != nil {
		return nil, err
	}
	if l.Features == nil {
		l.Features = make(map[string]*feature.Feature)
	}
	for _, f := range l.Features {
		if f.Attributes == nil {
			f.Attributes = map[string]any{}
		}
	}
	return &l, nil
}

func writeTree(txn *badger.Txn, l *feature.Layer) error {
	id, err := TreeID(l)
	if err != nil {
		return err
	}
	k := key(treePrefix, id)
	if _, err := txn.Get(k); err == nil {
		return nil
	}
	return writeJSON(txn, k, l)
}

func readCommit(txn *badger.Txn, id string) (*Commit, error) {
	var c Commit
	if err := readJSON(txn, key(commitPrefix, id), &c); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: commit %s", ErrRefNotFound, ShortID(id))
		}
		return nil, err
	}
	return &c, nil
}

func readJSON(txn *badger.Txn, k []byte, v any) error {
	data, err := getValue(txn, k)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", k, err)
	}
	return nil
}

func writeJSON(txn *badger.Txn, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", k, err)
	}
	return txn.Set(k, data)
}

func getValue(txn *badger.Txn, k []byte) ([]byte, error) {
	item, err := txn.Get(k)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func listPrefix(txn *badger.Txn, prefix []byte) (map[string][]byte, error) {
	out := make(map[string][]byte)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(string(item.Key()), string(prefix))] = v
	}
	return out, nil
}

func key(prefix []byte, s string) []byte {
	k := make([]byte, 0, len(prefix)+len(s))
	k = append(k, prefix...)
	return append(k, s...)
}

// badgerLogger routes badger's internal logging through slog
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
