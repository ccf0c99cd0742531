package repo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/schaermu/layersync/internal/feature"
)

// DefaultBranch is the branch created with a new repository. It cannot be deleted.
const DefaultBranch = "master"

var (
	ErrNotRepository  = errors.New("not a repository")
	ErrRefNotFound    = errors.New("ref not found")
	ErrAmbiguousRef   = errors.New("ambiguous ref")
	ErrLayerNotFound  = errors.New("layer not found")
	ErrEmptyBranch    = errors.New("branch has no commits")
	ErrBranchExists   = errors.New("branch already exists")
	ErrTagExists      = errors.New("tag already exists")
	ErrProtected      = errors.New("branch is protected")
	ErrStaleHead      = errors.New("branch head moved")
	ErrRemoteNotFound = errors.New("remote not found")
	ErrNonFastForward = errors.New("remote has commits that are not present locally")
)

// Signature identifies the author of a commit or tag
type Signature struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Commit is an immutable snapshot of every layer tree in the repository
type Commit struct {
	ID          string            `json:"id"`
	Parents     []string          `json:"parents"`
	AuthorName  string            `json:"author_name"`
	AuthorEmail string            `json:"author_email"`
	Message     string            `json:"message"`
	Timestamp   time.Time         `json:"timestamp"`
	Tree        map[string]string `json:"tree"` // layer name -> tree id
}

// Parent returns the first parent, or "" for a root commit
func (c *Commit) Parent() string {
	if len(c.Parents) == 0 {
		return ""
	}
	return c.Parents[0]
}

// ShortID returns the first 8 characters of the commit id
func (c *Commit) ShortID() string {
	return ShortID(c.ID)
}

// Layers returns the sorted layer names of the commit tree
func (c *Commit) Layers() []string {
	names := make([]string, 0, len(c.Tree))
	for name := range c.Tree {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tag is a named pointer to a commit
type Tag struct {
	Name    string    `json:"name"`
	Commit  string    `json:"commit"`
	Message string    `json:"message"`
	Tagger  Signature `json:"tagger"`
	Date    time.Time `json:"date"`
}

// TreeStats counts the feature changes of one layer between two commits
type TreeStats struct {
	Added    int
	Modified int
	Removed  int
}

// PushResult describes the outcome of a push
type PushResult struct {
	Remote   string
	Branch   string
	Head     string
	Pushed   int
	UpToDate bool
}

// FetchResult describes the outcome of a fetch
type FetchResult struct {
	Remote  string
	Branch  string
	Head    string
	Fetched int
}

// Update is a set of objects written atomically, optionally moving a branch
type Update struct {
	Branch string
	// Expected is the branch head the update was computed against; the write
	// fails with ErrStaleHead if the branch moved in the meantime. An empty
	// value means the branch must not exist yet.
	Expected string
	Layers   []*feature.Layer
	Commits  []*Commit
	// Head is the new branch head; defaults to the last commit.
	Head string
}

// Repository is the versioned store of layer trees used by the tracking,
// export and sync components.
type Repository interface {
	URL() string
	Name() string
	RevParse(ctx context.Context, ref string) (string, error)
	Commit(ctx context.Context, ref string) (*Commit, error)
	Log(ctx context.Context, ref string) ([]*Commit, error)
	Trees(ctx context.Context, ref string) ([]string, error)
	Layer(ctx context.Context, ref, name string) (*feature.Layer, error)
	Branches(ctx context.Context) (map[string]string, error)
	BranchHead(ctx context.Context, branch string) (string, error)
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
	MergeBase(ctx context.Context, a, b string) (string, error)
	DiffTreeStats(ctx context.Context, a, b string) (map[string]TreeStats, error)
	Apply(ctx context.Context, u Update) error
	Push(ctx context.Context, remote, branch string) (*PushResult, error)
	Fetch(ctx context.Context, remote, branch string) (*FetchResult, error)
}

// NewCommit builds a commit whose tree is base with layers replaced. A nil layer
// in changes removes that tree. It returns the commit and the layers that need
// to be stored alongside it.
func NewCommit(parents []string, base map[string]string, changes map[string]*feature.Layer, sig Signature, message string, ts time.Time) (*Commit, []*feature.Layer, error) {
	tree := make(map[string]string, len(base)+len(changes))
	for name, id := range base {
		tree[name] = id
	}
	var layers []*feature.Layer
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		layer := changes[name]
		if layer == nil {
			delete(tree, name)
			continue
		}
		layer.Name = name
		id, err := TreeID(layer)
		if err != nil {
			return nil, nil, err
		}
		tree[name] = id
		layers = append(layers, layer)
	}

	c := &Commit{
		Parents:     append([]string(nil), parents...),
		AuthorName:  sig.Name,
		AuthorEmail: sig.Email,
		Message:     message,
		Timestamp:   ts.UTC().Truncate(time.Second),
		Tree:        tree,
	}
	c.ID = commitID(c)
	return c, layers, nil
}

// TreeID returns the content address of a layer tree
func TreeID(l *feature.Layer) (string, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("failed to encode tree %s: %w", l.Name, err)
	}
	s := sha256.Sum256(data)
	return hex.EncodeToString(s[:]), nil
}

// ShortID abbreviates a commit id for display
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// commitID generates a stable SHA256 for a commit
func commitID(c *Commit) string {
	var b bytes.Buffer
	for _, name := range c.Layers() {
		fmt.Fprintf(&b, "tree %s %s\n", name, c.Tree[name])
	}
	for _, p := range c.Parents {
		fmt.Fprintf(&b, "parent %s\n", p)
	}
	fmt.Fprintf(&b, "author %s <%s> %v\n", c.AuthorName, c.AuthorEmail, c.Timestamp.Format(time.RFC3339))
	b.WriteString("\n" + c.Message)
	b.WriteByte(0)
	s := sha256.Sum256(b.Bytes())
	return hex.EncodeToString(s[:])
}
