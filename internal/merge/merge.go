// Package merge implements feature level three-way merges of layers and the
// protocol for resolving the conflicts they produce.
package merge

import (
	"github.com/schaermu/layersync/internal/feature"
)

// Conflict is a feature changed incompatibly on both sides of a merge. A nil
// value means the feature is absent on that side.
type Conflict struct {
	Layer     string
	FeatureID string
	Ancestor  *feature.Feature
	Ours      *feature.Feature
	Theirs    *feature.Feature
}

// Key identifies the conflict within a merge of several layers
func (c Conflict) Key() string {
	return Key(c.Layer, c.FeatureID)
}

// Key builds a conflict key from a layer and feature id
func Key(layer, featureID string) string {
	return layer + "/" + featureID
}

// Result is the outcome of merging one layer
type Result struct {
	Layer string
	// Merged holds every cleanly merged feature. Conflicting features keep
	// their ours value until resolved.
	Merged    *feature.Layer
	Conflicts []Conflict
	// Ours and Theirs list the feature ids taken from each side that differ
	// from the ancestor.
	Ours   []string
	Theirs []string
}

// Clean reports whether the merge produced no conflicts
func (r *Result) Clean() bool {
	return len(r.Conflicts) == 0
}

// ThreeWay merges ours and theirs against their common ancestor. A feature
// conflicts when both sides changed it to different values, including a
// deletion on one side and a modification on the other. Identical changes on
// both sides, deletions on both sides included, merge cleanly. Any side may be
// nil, which is treated as an empty layer.
func ThreeWay(name string, ancestor, ours, theirs *feature.Layer) *Result {
	merged := feature.NewLayer(name, mergeFields(ancestor, ours, theirs))
	res := &Result{Layer: name, Merged: merged}

	ids := map[string]bool{}
	for _, l := range []*feature.Layer{ancestor, ours, theirs} {
		for _, id := range l.IDs() {
			ids[id] = true
		}
	}

	for _, id := range sortedKeys(ids) {
		a, o, t := ancestor.Get(id), ours.Get(id), theirs.Get(id)
		oursChanged := !a.Equal(o)
		theirsChanged := !a.Equal(t)

		var pick *feature.Feature
		switch {
		case !oursChanged && !theirsChanged:
			pick = a
		case !theirsChanged:
			pick = o
			res.Ours = append(res.Ours, id)
		case !oursChanged:
			pick = t
			res.Theirs = append(res.Theirs, id)
		case o.Equal(t):
			pick = o
		default:
			res.Conflicts = append(res.Conflicts, Conflict{
				Layer:     name,
				FeatureID: id,
				Ancestor:  a.Clone(),
				Ours:      o.Clone(),
				Theirs:    t.Clone(),
			})
			pick = o
		}
		if pick != nil {
			merged.Put(pick)
		}
	}
	return res
}

// mergeFields returns the ours schema extended with fields only the other
// sides define
func mergeFields(ancestor, ours, theirs *feature.Layer) []feature.Field {
	var fields []feature.Field
	seen := map[string]bool{}
	for _, l := range []*feature.Layer{ours, theirs, ancestor} {
		if l == nil {
			continue
		}
		for _, f := range l.Fields {
			if !seen[f.Name] {
				seen[f.Name] = true
				fields = append(fields, f)
			}
		}
	}
	return fields
}
