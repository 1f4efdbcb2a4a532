package gitcord

import (
	"slices"
	"strings"
)

// tagIDsForLabels maps label names to forum tag ids by exact name.
// Labels without a tag of the same name are dropped.
func tagIDsForLabels(catalog []Tag, labels []string) []string {
	var ids []string
	for _, l := range labels {
		i := slices.IndexFunc(catalog, func(t Tag) bool { return t.Name == l })
		if i >= 0 && !slices.Contains(ids, catalog[i].ID) {
			ids = append(ids, catalog[i].ID)
		}
	}
	return ids
}

// labelsForTagIDs maps forum tag ids to their names.
// Unknown ids are dropped.
func labelsForTagIDs(catalog []Tag, ids []string) []string {
	var labels []string
	for _, id := range ids {
		i := slices.IndexFunc(catalog, func(t Tag) bool { return t.ID == id })
		if i >= 0 {
			labels = append(labels, catalog[i].Name)
		}
	}
	return labels
}

// retag computes the new label set of an issue
// after its thread's tags changed from oldIDs to newIDs.
// Labels that have no forum tag are left alone.
func retag(catalog []Tag, labels, oldIDs, newIDs []string) []string {
	removed := labelsForTagIDs(catalog, subtract(oldIDs, newIDs))
	added := labelsForTagIDs(catalog, subtract(newIDs, oldIDs))

	result := slices.DeleteFunc(slices.Clone(labels), func(l string) bool {
		return slices.Contains(removed, l)
	})
	for _, l := range added {
		if !slices.Contains(result, l) {
			result = append(result, l)
		}
	}
	return result
}

func subtract(a, b []string) []string {
	var result []string
	for _, s := range a {
		if !slices.Contains(b, s) {
			result = append(result, s)
		}
	}
	return result
}

// sameSet reports whether a and b hold the same strings, ignoring order and case.
func sameSet(a, b []string) bool {
	norm := func(s []string) []string {
		result := make([]string, 0, len(s))
		for _, x := range s {
			result = append(result, strings.ToLower(x))
		}
		slices.Sort(result)
		return slices.Compact(result)
	}
	return slices.Equal(norm(a), norm(b))
}
