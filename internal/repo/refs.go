package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var timeNow = time.Now

const minPrefixLen = 4

// RevParse resolves a ref to a full commit id. Accepted forms are HEAD, branch
// names, tags, remote tracking refs (remote/branch), full ids, unique id
// prefixes and any of these followed by ~N.
func (r *Local) RevParse(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty ref", ErrRefNotFound)
	}

	base, steps := ref, 0
	if i := strings.LastIndex(ref, "~"); i > 0 {
		n := 1
		if rest := ref[i+1:]; rest != "" {
			var err error
			n, err = strconv.Atoi(rest)
			if err != nil || n < 0 {
				return "", fmt.Errorf("%w: %s", ErrRefNotFound, ref)
			}
		}
		base, steps = ref[:i], n
	}

	var id string
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		id, err = resolve(txn, base)
		if err != nil {
			return err
		}
		for ; steps > 0; steps-- {
			c, err := readCommit(txn, id)
			if err != nil {
				return err
			}
			if c.Parent() == "" {
				return fmt.Errorf("%w: %s", ErrRefNotFound, ref)
			}
			id = c.Parent()
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func resolve(txn *badger.Txn, ref string) (string, error) {
	if ref == "HEAD" {
		branch, err := getValue(txn, headKey)
		if err != nil {
			return "", fmt.Errorf("failed to read HEAD: %w", err)
		}
		ref = string(branch)
		if v, err := getValue(txn, key(branchPrefix, ref)); err == nil {
			return string(v), nil
		}
		return "", fmt.Errorf("%w: %s", ErrEmptyBranch, ref)
	}

	for _, prefix := range [][]byte{branchPrefix, tagPrefix, trackPrefix} {
		v, err := getValue(txn, key(prefix, ref))
		if err == nil {
			if string(prefix) == string(tagPrefix) {
				var t Tag
				if err := json.Unmarshal(v, &t); err != nil {
					return "", fmt.Errorf("failed to decode tag %s: %w", ref, err)
				}
				return t.Commit, nil
			}
			return string(v), nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return "", err
		}
	}

	if len(ref) < minPrefixLen || !isHex(ref) {
		return "", fmt.Errorf("%w: %s", ErrRefNotFound, ref)
	}
	matches, err := commitsWithPrefix(txn, strings.ToLower(ref))
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrRefNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %s matches %d commits", ErrAmbiguousRef, ref, len(matches))
	}
}

func commitsWithPrefix(txn *badger.Txn, prefix string) ([]string, error) {
	p := key(commitPrefix, prefix)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = p
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), string(commitPrefix)))
	}
	return ids, nil
}

func isHex(s string) bool {
	for _, c := range strings.ToLower(s) {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Log returns the first-parent history of ref, newest first
func (r *Local) Log(ctx context.Context, ref string) ([]*Commit, error) {
	id, err := r.RevParse(ctx, ref)
	if err != nil {
		return nil, err
	}
	var commits []*Commit
	err = r.db.View(func(txn *badger.Txn) error {
		for id != "" {
			if err := ctx.Err(); err != nil {
				return err
			}
			c, err := readCommit(txn, id)
			if err != nil {
				return err
			}
			commits = append(commits, c)
			id = c.Parent()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read history of %s: %w", ref, err)
	}
	return commits, nil
}

// Branches returns every local branch and its head
func (r *Local) Branches(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := r.db.View(func(txn *badger.Txn) error {
		refs, err := listPrefix(txn, branchPrefix)
		if err != nil {
			return err
		}
		for name, v := range refs {
			out[name] = string(v)
		}
		return nil
	})
	return out, err
}

// BranchHead returns the head commit of a branch. The default branch of an
// empty repository yields ErrEmptyBranch.
func (r *Local) BranchHead(ctx context.Context, branch string) (string, error) {
	var head string
	err := r.db.View(func(txn *badger.Txn) error {
		v, err := getValue(txn, key(branchPrefix, branch))
		if errors.Is(err, badger.ErrKeyNotFound) {
			current, _ := getValue(txn, headKey)
			if string(current) == branch {
				return fmt.Errorf("%w: %s", ErrEmptyBranch, branch)
			}
			return fmt.Errorf("%w: branch %s", ErrRefNotFound, branch)
		}
		if err != nil {
			return err
		}
		head = string(v)
		return nil
	})
	return head, err
}

// CreateBranch creates a branch at the commit ref resolves to
func (r *Local) CreateBranch(ctx context.Context, name, ref string) (string, error) {
	if err := validRefName(name); err != nil {
		return "", err
	}
	id, err := r.RevParse(ctx, ref)
	if err != nil {
		return "", err
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(branchPrefix, name)); err == nil {
			return fmt.Errorf("%w: %s", ErrBranchExists, name)
		}
		return txn.Set(key(branchPrefix, name), []byte(id))
	})
	if err != nil {
		return "", err
	}
	r.logger.Debug("branch created", "repo", r.name, "branch", name, "head", ShortID(id))
	return id, nil
}

// DeleteBranch removes a branch. The default branch and the checked out branch
// cannot be deleted.
func (r *Local) DeleteBranch(ctx context.Context, name string) error {
	if name == DefaultBranch {
		return fmt.Errorf("%w: %s", ErrProtected, name)
	}
	return r.db.Update(func(txn *badger.Txn) error {
		current, err := getValue(txn, headKey)
		if err != nil {
			return err
		}
		if string(current) == name {
			return fmt.Errorf("%w: %s is checked out", ErrProtected, name)
		}
		if _, err := txn.Get(key(branchPrefix, name)); err != nil {
			return fmt.Errorf("%w: branch %s", ErrRefNotFound, name)
		}
		return txn.Delete(key(branchPrefix, name))
	})
}

// SwitchBranch points HEAD at an existing branch
func (r *Local) SwitchBranch(ctx context.Context, name string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(branchPrefix, name)); err != nil {
			return fmt.Errorf("%w: branch %s", ErrRefNotFound, name)
		}
		return txn.Set(headKey, []byte(name))
	})
}

// CreateTag creates an annotated tag at ref
func (r *Local) CreateTag(ctx context.Context, name, ref, message string, sig Signature) (*Tag, error) {
	if err := validRefName(name); err != nil {
		return nil, err
	}
	id, err := r.RevParse(ctx, ref)
	if err != nil {
		return nil, err
	}
	t := &Tag{Name: name, Commit: id, Message: message, Tagger: sig, Date: timeNow().UTC().Truncate(time.Second)}
	err = r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(tagPrefix, name)); err == nil {
			return fmt.Errorf("%w: %s", ErrTagExists, name)
		}
		return writeJSON(txn, key(tagPrefix, name), t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Tags returns every tag sorted by name
func (r *Local) Tags(ctx context.Context) ([]*Tag, error) {
	var tags []*Tag
	err := r.db.View(func(txn *badger.Txn) error {
		refs, err := listPrefix(txn, tagPrefix)
		if err != nil {
			return err
		}
		for name, v := range refs {
			var t Tag
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("failed to decode tag %s: %w", name, err)
			}
			tags = append(tags, &t)
		}
		return nil
	})
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags, err
}

// DeleteTag removes a tag
func (r *Local) DeleteTag(ctx context.Context, name string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(tagPrefix, name)); err != nil {
			return fmt.Errorf("%w: tag %s", ErrRefNotFound, name)
		}
		return txn.Delete(key(tagPrefix, name))
	})
}

// IsAncestor reports whether ancestor is reachable from descendant. A commit
// is its own ancestor.
func (r *Local) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	a, err := r.RevParse(ctx, ancestor)
	if err != nil {
		return false, err
	}
	d, err := r.RevParse(ctx, descendant)
	if err != nil {
		return false, err
	}
	var found bool
	err = r.db.View(func(txn *badger.Txn) error {
		seen, err := ancestors(ctx, txn, d)
		if err != nil {
			return err
		}
		_, found = seen[a]
		return nil
	})
	return found, err
}

// MergeBase returns the closest common ancestor of two refs, or "" when the
// histories are unrelated.
func (r *Local) MergeBase(ctx context.Context, a, b string) (string, error) {
	ida, err := r.RevParse(ctx, a)
	if err != nil {
		return "", err
	}
	idb, err := r.RevParse(ctx, b)
	if err != nil {
		return "", err
	}

	var base string
	err = r.db.View(func(txn *badger.Txn) error {
		fromA, err := ancestors(ctx, txn, ida)
		if err != nil {
			return err
		}
		fromB, err := ancestors(ctx, txn, idb)
		if err != nil {
			return err
		}
		best := -1
		for id, depth := range fromB {
			if _, ok := fromA[id]; !ok {
				continue
			}
			d := depth + fromA[id]
			if best < 0 || d < best || (d == best && id < base) {
				best, base = d, id
			}
		}
		return nil
	})
	return base, err
}

// ancestors walks every parent of id breadth first and returns each reachable
// commit with its distance from id.
func ancestors(ctx context.Context, txn *badger.Txn, id string) (map[string]int, error) {
	seen := map[string]int{id: 0}
	queue := []string{id}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := queue[0]
		queue = queue[1:]
		c, err := readCommit(txn, cur)
		if err != nil {
			return nil, err
		}
		for _, p := range c.Parents {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = seen[cur] + 1
			queue = append(queue, p)
		}
	}
	return seen, nil
}

func validRefName(name string) error {
	if name == "" || name == "HEAD" || strings.ContainsAny(name, "~ \t\n") || strings.HasPrefix(name, "-") {
		return fmt.Errorf("invalid ref name %q", name)
	}
	return nil
}
