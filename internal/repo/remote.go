package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// Remote is a named pointer to another repository on the local filesystem
type Remote struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// AddRemote registers a remote repository by path
func (r *Local) AddRemote(ctx context.Context, name, url string) error {
	if err := validRefName(name); err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return writeJSON(txn, key(remotePrefix, name), Remote{Name: name, URL: url})
	})
}

// Remotes returns the configured remotes sorted by name
func (r *Local) Remotes(ctx context.Context) ([]Remote, error) {
	var remotes []Remote
	err := r.db.View(func(txn *badger.Txn) error {
		refs, err := listPrefix(txn, remotePrefix)
		if err != nil {
			return err
		}
		for name, v := range refs {
			var rm Remote
			if err := json.Unmarshal(v, &rm); err != nil {
				return fmt.Errorf("failed to decode remote %s: %w", name, err)
			}
			remotes = append(remotes, rm)
		}
		return nil
	})
	sort.Slice(remotes, func(i, j int) bool { return remotes[i].Name < remotes[j].Name })
	return remotes, err
}

func (r *Local) remote(name string) (Remote, error) {
	var rm Remote
	err := r.db.View(func(txn *badger.Txn) error {
		err := readJSON(txn, key(remotePrefix, name), &rm)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrRemoteNotFound, name)
		}
		return err
	})
	return rm, err
}

// Push sends the commits of branch that the remote lacks and fast-forwards the
// remote branch. A remote branch that is not an ancestor of the local head
// yields ErrNonFastForward.
func (r *Local) Push(ctx context.Context, remote, branch string) (*PushResult, error) {
	rm, err := r.remote(remote)
	if err != nil {
		return nil, err
	}
	head, err := r.BranchHead(ctx, branch)
	if err != nil {
		return nil, err
	}

	dst, err := Open(rm.URL, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote %s: %w", remote, err)
	}
	defer dst.Close()

	res := &PushResult{Remote: remote, Branch: branch, Head: head}
	remoteHead, err := dst.BranchHead(ctx, branch)
	switch {
	case errors.Is(err, ErrEmptyBranch), errors.Is(err, ErrRefNotFound):
		remoteHead = ""
	case err != nil:
		return nil, err
	}

	if remoteHead == head {
		res.UpToDate = true
		return res, r.setTracking(remote, branch, head)
	}
	if remoteHead != "" {
		ok, err := r.IsAncestor(ctx, remoteHead, head)
		if err != nil && !errors.Is(err, ErrRefNotFound) {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrNonFastForward, remote, branch)
		}
	}

	n, err := transfer(ctx, r, dst, head, branch, remoteHead)
	if err != nil {
		return nil, fmt.Errorf("failed to push to %s: %w", remote, err)
	}
	res.Pushed = n
	r.logger.Info("pushed branch", "repo", r.name, "remote", remote, "branch", branch, "commits", n)
	return res, r.setTracking(remote, branch, head)
}

// Fetch copies the commits of a remote branch that are missing locally and
// updates the remote tracking ref remote/branch.
func (r *Local) Fetch(ctx context.Context, remote, branch string) (*FetchResult, error) {
	rm, err := r.remote(remote)
	if err != nil {
		return nil, err
	}
	src, err := Open(rm.URL, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote %s: %w", remote, err)
	}
	defer src.Close()

	head, err := src.BranchHead(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s/%s: %w", remote, branch, err)
	}

	n, err := transfer(ctx, src, r, head, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from %s: %w", remote, err)
	}
	if err := r.setTracking(remote, branch, head); err != nil {
		return nil, err
	}
	r.logger.Info("fetched branch", "repo", r.name, "remote", remote, "branch", branch, "commits", n)
	return &FetchResult{Remote: remote, Branch: branch, Head: head, Fetched: n}, nil
}

func (r *Local) setTracking(remote, branch, head string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(trackPrefix, remote+"/"+branch), []byte(head))
	})
}

// transfer copies every commit reachable from head that dst lacks, with their
// trees, and optionally moves branch on dst from expected to head.
func transfer(ctx context.Context, src, dst *Local, head, branch, expected string) (int, error) {
	var missing []*Commit
	var layers []string
	err := src.db.View(func(stxn *badger.Txn) error {
		return dst.db.View(func(dtxn *badger.Txn) error {
			seen := map[string]bool{}
			queue := []string{head}
			for len(queue) > 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
				id := queue[0]
				queue = queue[1:]
				if seen[id] {
					continue
				}
				seen[id] = true
				if _, err := dtxn.Get(key(commitPrefix, id)); err == nil {
					continue
				}
				c, err := readCommit(stxn, id)
				if err != nil {
					return err
				}
				missing = append(missing, c)
				for _, t := range c.Tree {
					if _, err := dtxn.Get(key(treePrefix, t)); err != nil {
						layers = append(layers, t)
					}
				}
				queue = append(queue, c.Parents...)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	raw := make(map[string][]byte)
	err = src.db.View(func(txn *badger.Txn) error {
		for _, id := range layers {
			if _, ok := raw[id]; ok {
				continue
			}
			v, err := getValue(txn, key(treePrefix, id))
			if err != nil {
				return fmt.Errorf("failed to read tree %s: %w", ShortID(id), err)
			}
			raw[id] = v
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	err = dst.db.Update(func(txn *badger.Txn) error {
		for id, v := range raw {
			if err := txn.Set(key(treePrefix, id), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to copy trees: %w", err)
	}

	u := Update{Branch: branch, Expected: expected}
	if branch != "" {
		u.Head = head
	}
	// oldest first so a reader never sees a commit before its parents
	for i := len(missing) - 1; i >= 0; i-- {
		u.Commits = append(u.Commits, missing[i])
	}
	if err := dst.Apply(ctx, u); err != nil {
		return 0, err
	}
	return len(missing), nil
}
