package roles

import (
	"sort"

	"github.com/staffdesk/staffdesk/internal/permissions"
)

type assignmentDiff struct {
	Added   []permissions.ID
	Removed []permissions.ID
}

// Writes is the number of assignment rows touched when applying the diff.
func (d assignmentDiff) Writes() int { return len(d.Added) + len(d.Removed) }

// diffAssignments computes the symmetric difference between the existing and the
// desired assignment sets. Ids present in both are left alone.
func diffAssignments(existing, desired []permissions.ID) assignmentDiff {
	have := make(map[permissions.ID]struct{}, len(existing))
	for _, id := range existing {
		have[id] = struct{}{}
	}
	want := make(map[permissions.ID]struct{}, len(desired))
	for _, id := range desired {
		want[id] = struct{}{}
	}

	var d assignmentDiff
	for id := range want {
		if _, ok := have[id]; !ok {
			d.Added = append(d.Added, id)
		}
	}
	for id := range have {
		if _, ok := want[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Slice(d.Added, func(i, j int) bool { return d.Added[i] < d.Added[j] })
	sort.Slice(d.Removed, func(i, j int) bool { return d.Removed[i] < d.Removed[j] })
	return d
}
