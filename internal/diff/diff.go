// Package diff classifies the layers of two map versions as added, removed,
// edited or unchanged. It is a pure set computation over binding maps; all
// store access happens in the caller.
package diff

import "sort"

// Result partitions the union of the two binding sets' layer ids into four
// disjoint categories. Slices are sorted and never nil.
type Result struct {
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Edited    []string `json:"edited"`
	Unchanged []string `json:"unchanged"`
}

// Compute diffs target against baseline, both given as layerId -> styleId.
//
//	only in target            -> added
//	only in baseline          -> removed
//	in both, different style  -> edited
//	in both, same style       -> unchanged
//
// Order-independent and O(len(target) + len(baseline)).
func Compute(target, baseline map[string]string) Result {
	result := Result{
		Added:     []string{},
		Removed:   []string{},
		Edited:    []string{},
		Unchanged: []string{},
	}

	for layerID, targetStyle := range target {
		baselineStyle, ok := baseline[layerID]
		switch {
		case !ok:
			result.Added = append(result.Added, layerID)
		case targetStyle != baselineStyle:
			result.Edited = append(result.Edited, layerID)
		default:
			result.Unchanged = append(result.Unchanged, layerID)
		}
	}
	for layerID := range baseline {
		if _, ok := target[layerID]; !ok {
			result.Removed = append(result.Removed, layerID)
		}
	}

	sort.Strings(result.Added)
	sort.Strings(result.Removed)
	sort.Strings(result.Edited)
	sort.Strings(result.Unchanged)
	return result
}

// Empty reports whether the diff contains no changes (unchanged layers are
// not changes).
func (r Result) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Edited) == 0
}
