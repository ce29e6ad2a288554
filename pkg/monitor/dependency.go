package monitor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/integrity/pkg/types"
)

// DependencyGroups is a list of alternative groups. The dependency check
// passes when every member of at least one group is healthy. An empty list
// always passes.
type DependencyGroups [][]string

// ParseDependencyGroups parses "a,b;c": ';' separates alternatives and ','
// separates required members. Empty groups left by stray separators are
// ignored; an empty member inside a group is an error.
func ParseDependencyGroups(value string) (DependencyGroups, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	var groups DependencyGroups
	for _, raw := range strings.Split(value, ";") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		var group []string
		seen := make(map[string]bool)
		for _, member := range strings.Split(raw, ",") {
			member = strings.TrimSpace(member)
			if member == "" {
				return nil, fmt.Errorf("%w: empty member in dependency group %q", types.ErrInvalidArgument, raw)
			}
			if !seen[member] {
				seen[member] = true
				group = append(group, member)
			}
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// Members returns every resource named by any group, sorted
func (g DependencyGroups) Members() []string {
	seen := make(map[string]bool)
	var members []string
	for _, group := range g {
		for _, m := range group {
			if !seen[m] {
				seen[m] = true
				members = append(members, m)
			}
		}
	}
	sort.Strings(members)
	return members
}

func (g DependencyGroups) String() string {
	parts := make([]string, len(g))
	for i, group := range g {
		parts[i] = strings.Join(group, ",")
	}
	return strings.Join(parts, ";")
}
