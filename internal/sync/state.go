package sync

import (
	"github.com/schaermu/layersync/internal/dataset"
	"github.com/schaermu/layersync/internal/feature"
	"github.com/schaermu/layersync/internal/merge"
)

// State classifies a dataset relative to a branch
type State int

const (
	// InSync means no local edits and the branch did not move since checkout
	InSync State = iota
	// LocalAhead means local edits and the branch did not move since checkout
	LocalAhead
	// RemoteAhead means no local edits and the branch moved
	RemoteAhead
	// Diverged means local edits and the branch moved, merging cleanly
	Diverged
	// Conflicted means local edits that conflict with the branch head
	Conflicted
)

func (s State) String() string {
	switch s {
	case InSync:
		return "in-sync"
	case LocalAhead:
		return "local-ahead"
	case RemoteAhead:
		return "remote-ahead"
	case Diverged:
		return "diverged"
	case Conflicted:
		return "conflicted"
	default:
		return "unknown"
	}
}

// Status describes where a dataset stands relative to a branch
type Status struct {
	Source string
	Layer  string
	Branch string
	State  State
	Audit  string // commit the dataset was checked out from
	Head   string // current branch head
	Local  feature.Delta
	// Upstream lists the changes on the branch since the audit commit
	Upstream  feature.Delta
	Conflicts []merge.Conflict
}

// Options control a sync
type Options struct {
	Message        string
	AuthorName     string
	AuthorEmail    string
	Resolutions    merge.Resolutions
	AllowConflicts bool
	DryRun         bool
}

// Result is the outcome of syncing one or more datasets
type Result struct {
	// States holds the status each dataset had before the sync
	States []*Status
	// CommitID is the branch head the datasets were moved to, "" if untouched
	CommitID  string
	Changes   int
	Conflicts []merge.Conflict
	Merged    bool
	DryRun    bool
	// Datasets are the reopened datasets after the sync
	Datasets []dataset.Dataset
}
