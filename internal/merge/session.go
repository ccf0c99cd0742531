package merge

import (
	"errors"
	"fmt"
	"sort"

	"github.com/schaermu/layersync/internal/feature"
)

var (
	// ErrUnresolvedConflicts is returned while at least one conflict lacks a resolution
	ErrUnresolvedConflicts = errors.New("unresolved conflicts")
	// ErrUnknownConflict is returned when resolving a key no conflict has
	ErrUnknownConflict = errors.New("unknown conflict")
	// ErrAlreadyResolved is returned when a conflict is resolved twice
	ErrAlreadyResolved = errors.New("conflict already resolved")
)

// ResolutionChoice selects how a conflict is settled
type ResolutionChoice int

const (
	KeepOurs ResolutionChoice = iota
	KeepTheirs
	Manual
)

func (c ResolutionChoice) String() string {
	switch c {
	case KeepOurs:
		return "ours"
	case KeepTheirs:
		return "theirs"
	case Manual:
		return "manual"
	default:
		return fmt.Sprintf("ResolutionChoice(%d)", int(c))
	}
}

// Resolution settles one conflict
type Resolution struct {
	Choice ResolutionChoice
	// Feature is the merged value for Manual; nil deletes the feature
	Feature *feature.Feature
}

// Ours keeps the local value
func Ours() Resolution { return Resolution{Choice: KeepOurs} }

// Theirs keeps the upstream value
func Theirs() Resolution { return Resolution{Choice: KeepTheirs} }

// ManualValue substitutes f; nil deletes the feature
func ManualValue(f *feature.Feature) Resolution {
	return Resolution{Choice: Manual, Feature: f.Clone()}
}

// Resolutions maps conflict keys to their resolution
type Resolutions map[string]Resolution

// Session collects resolutions for the conflicts of a merge spanning one or
// more layers. Nothing is produced until every conflict is resolved.
type Session struct {
	results  map[string]*Result
	order    []string
	resolved map[string]Resolution
}

// NewSession starts resolving the conflicts of results
func NewSession(results ...*Result) *Session {
	s := &Session{results: make(map[string]*Result), resolved: make(map[string]Resolution)}
	for _, r := range results {
		if _, ok := s.results[r.Layer]; !ok {
			s.order = append(s.order, r.Layer)
		}
		s.results[r.Layer] = r
	}
	return s
}

// Conflicts returns every conflict across all layers
func (s *Session) Conflicts() []Conflict {
	var out []Conflict
	for _, name := range s.order {
		out = append(out, s.results[name].Conflicts...)
	}
	return out
}

// Pending returns the conflicts still lacking a resolution
func (s *Session) Pending() []Conflict {
	var out []Conflict
	for _, c := range s.Conflicts() {
		if _, ok := s.resolved[c.Key()]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// Resolve records the resolution of one conflict. Each conflict accepts
// exactly one resolution.
func (s *Session) Resolve(key string, r Resolution) error {
	c, ok := s.lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConflict, key)
	}
	if _, ok := s.resolved[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, key)
	}
	if r.Choice < KeepOurs || r.Choice > Manual {
		return fmt.Errorf("invalid resolution %v for %s", r.Choice, key)
	}
	if r.Choice == Manual && r.Feature != nil {
		r.Feature = r.Feature.Clone()
		r.Feature.ID = c.FeatureID
	}
	s.resolved[key] = r
	return nil
}

// ResolveAll applies resolutions by key, ignoring keys that do not match a
// pending conflict
func (s *Session) ResolveAll(rs Resolutions) error {
	for _, c := range s.Pending() {
		r, ok := rs[c.Key()]
		if !ok {
			continue
		}
		if err := s.Resolve(c.Key(), r); err != nil {
			return err
		}
	}
	return nil
}

// ResolveRemaining applies r to every pending conflict
func (s *Session) ResolveRemaining(r Resolution) error {
	for _, c := range s.Pending() {
		if err := s.Resolve(c.Key(), r); err != nil {
			return err
		}
	}
	return nil
}

// Apply returns the merged layer of every result with resolutions applied.
// It fails with ErrUnresolvedConflicts while any conflict is pending.
func (s *Session) Apply() (map[string]*feature.Layer, error) {
	if pending := s.Pending(); len(pending) > 0 {
		return nil, fmt.Errorf("%w: %d of %d pending", ErrUnresolvedConflicts, len(pending), len(s.Conflicts()))
	}

	out := make(map[string]*feature.Layer, len(s.results))
	for _, name := range s.order {
		r := s.results[name]
		layer := r.Merged.Clone()
		for _, c := range r.Conflicts {
			var f *feature.Feature
			switch res := s.resolved[c.Key()]; res.Choice {
			case KeepOurs:
				f = c.Ours
			case KeepTheirs:
				f = c.Theirs
			case Manual:
				f = res.Feature
			}
			if f == nil {
				layer.Delete(c.FeatureID)
				continue
			}
			layer.Put(f)
		}
		out[name] = layer
	}
	return out, nil
}

func (s *Session) lookup(key string) (Conflict, bool) {
	for _, c := range s.Conflicts() {
		if c.Key() == key {
			return c, true
		}
	}
	return Conflict{}, false
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
