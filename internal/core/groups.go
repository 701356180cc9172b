package core

import "sort"

// Multicast group names (closed set).
const (
	GroupCouncil      = "council"
	GroupBuilders     = "builders"
	GroupIntelligence = "intelligence"
	GroupAll          = "all"
)

// groupMembers is the static multicast membership table. "all" is computed
// as the union of the named groups.
var groupMembers = map[string][]string{
	GroupCouncil:      {"builder", "herald", "oracle", "sage", "scout", "sentinel"},
	GroupBuilders:     {"builder", "mason"},
	GroupIntelligence: {"oracle", "sage", "scout"},
}

// IsGroup reports whether name is a known multicast group.
func IsGroup(name string) bool {
	if name == GroupAll {
		return true
	}
	_, ok := groupMembers[name]
	return ok
}

// ResolveTargets expands a target into its member programs, sorted. A target
// that is not a known group resolves to itself.
func ResolveTargets(target string) []string {
	if target == GroupAll {
		seen := map[string]bool{}
		var out []string
		for _, members := range groupMembers {
			for _, m := range members {
				if !seen[m] {
					seen[m] = true
					out = append(out, m)
				}
			}
		}
		sort.Strings(out)
		return out
	}
	if members, ok := groupMembers[target]; ok {
		out := make([]string, len(members))
		copy(out, members)
		sort.Strings(out)
		return out
	}
	return []string{target}
}
