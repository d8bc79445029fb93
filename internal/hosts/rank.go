package hosts

import (
	"fmt"
	"sort"
)

// Release positions a distribution identifier inside its family.
type Release struct {
	Family string
	Rank   int
}

// RankTable is an explicit total order of distribution releases per family.
// Identifiers missing from the table are unranked.
type RankTable map[string]Release

// DefaultFamilies lists known releases oldest first.
var DefaultFamilies = map[string][]string{
	"el":            {"el6", "el7", "el8", "el9", "el10"},
	"centos-stream": {"centos-stream8", "centos-stream9", "centos-stream10"},
	"rhel":          {"rhel7", "rhel8", "rhel9", "rhel10"},
	"fc":            {"fc28", "fc29", "fc30", "fc31", "fc32", "fc33", "fc34", "fc35", "fc36", "fc37", "fc38", "fc39", "fc40", "fc41", "fc42"},
}

// NewRankTable builds a table from family -> releases (oldest first).
func NewRankTable(families map[string][]string) (RankTable, error) {
	t := make(RankTable)
	names := make([]string, 0, len(families))
	for family := range families {
		names = append(names, family)
	}
	sort.Strings(names)

	for _, family := range names {
		for rank, id := range families[family] {
			if prev, ok := t[id]; ok {
				return nil, fmt.Errorf("distribution %q listed in families %q and %q", id, prev.Family, family)
			}
			t[id] = Release{Family: family, Rank: rank}
		}
	}
	return t, nil
}

// DefaultRankTable returns the built-in table.
func DefaultRankTable() RankTable {
	t, err := NewRankTable(DefaultFamilies)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the release of id, if ranked.
func (t RankTable) Lookup(id string) (Release, bool) {
	r, ok := t[id]
	return r, ok
}

// Newest returns the highest-ranked identifier of family among ids.
func (t RankTable) Newest(family string, ids []string) (string, int, bool) {
	best, bestRank, found := "", -1, false
	for _, id := range ids {
		r, ok := t[id]
		if !ok || r.Family != family {
			continue
		}
		if r.Rank > bestRank {
			best, bestRank, found = id, r.Rank, true
		}
	}
	return best, bestRank, found
}
