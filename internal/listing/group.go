package listing

import (
	"sort"

	"github.com/steveyegge/linearbridge/internal/types"
)

// UntaggedKey is the tag group for rows whose title carries no tags.
const UntaggedKey = "untagged"

// noStateKey groups rows whose state could not be resolved.
const noStateKey = "No state"

// Row is one issue as shown in a listing.
type Row struct {
	Issue        types.IssueRef
	AssigneeName string
	Tags         []string
	StateName    string
}

// Groups maps a group key to its rows, in input order.
type Groups map[string][]Row

// GroupByState puts every row in exactly one group, keyed by state name.
func GroupByState(rows []Row) Groups {
	g := Groups{}
	for _, r := range rows {
		key := r.StateName
		if key == "" {
			key = noStateKey
		}
		g[key] = append(g[key], r)
	}
	return g
}

// GroupByTags puts a row in the group of every distinct tag it carries, so a
// row with two tags appears twice. Rows without tags go to UntaggedKey.
// A non-empty filterTag keeps only the group with that exact key; pass
// UntaggedKey to list only untagged rows.
func GroupByTags(rows []Row, filterTag string) Groups {
	g := Groups{}
	keep := func(key string) bool {
		return filterTag == "" || key == filterTag
	}
	for _, r := range rows {
		if len(r.Tags) == 0 {
			if keep(UntaggedKey) {
				g[UntaggedKey] = append(g[UntaggedKey], r)
			}
			continue
		}
		seen := make(map[string]bool, len(r.Tags))
		for _, tag := range r.Tags {
			if seen[tag] || !keep(tag) {
				continue
			}
			seen[tag] = true
			g[tag] = append(g[tag], r)
		}
	}
	return g
}

// SortGroupKeys orders keys by descending group size, breaking ties by
// ascending key. The order is total, so equal input always gives equal output.
func SortGroupKeys(groups Groups) []string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		li, lj := len(groups[keys[i]]), len(groups[keys[j]])
		if li != lj {
			return li > lj
		}
		return keys[i] < keys[j]
	})
	return keys
}
