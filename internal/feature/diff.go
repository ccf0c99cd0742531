package feature

// Delta lists the feature ids that differ between two versions of a layer
type Delta struct {
	Added    []string
	Modified []string
	Removed  []string
}

// Empty reports whether the delta carries no changes
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Count returns the total number of changed features
func (d Delta) Count() int {
	return len(d.Added) + len(d.Modified) + len(d.Removed)
}

// Diff computes the delta that turns before into after. Either side may be nil,
// which is treated as an empty layer.
func Diff(before, after *Layer) Delta {
	var d Delta
	for _, id := range after.IDs() {
		prev := before.Get(id)
		switch {
		case prev == nil:
			d.Added = append(d.Added, id)
		case !prev.Equal(after.Get(id)):
			d.Modified = append(d.Modified, id)
		}
	}
	for _, id := range before.IDs() {
		if after.Get(id) == nil {
			d.Removed = append(d.Removed, id)
		}
	}
	return d
}
