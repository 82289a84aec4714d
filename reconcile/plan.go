package reconcile

import (
	"sort"

	"github.com/google/uuid"

	"github.com/c360/topicmodel/connection"
	"github.com/c360/topicmodel/schema"
	"github.com/c360/topicmodel/transport"
)

// Subscriptions is the per-connection key set derived from a schema.
type Subscriptions struct {
	// Keys holds one sorted, duplicate-free entry per declared connection,
	// empty when no leaf applies to it.
	Keys map[uuid.UUID][]string
	// Orphans are bound leaves whose connection is not declared.
	Orphans []schema.LeafRef
}

// Plan walks root breadth-first. A bound leaf contributes its key to its
// own connection; a wildcard leaf contributes to every declared connection.
func Plan(root *schema.Node, list connection.List) Subscriptions {
	sets := make(map[uuid.UUID]map[string]struct{}, len(list))
	for _, s := range list {
		sets[s.ID] = make(map[string]struct{})
	}

	var orphans []schema.LeafRef
	for _, leaf := range schema.Leaves(root) {
		n := leaf.Node
		if n.IsWildcard() {
			for _, set := range sets {
				set[n.Key] = struct{}{}
			}
			continue
		}
		set, ok := sets[n.ConnectionID]
		if !ok {
			orphans = append(orphans, leaf)
			continue
		}
		set[n.Key] = struct{}{}
	}

	keys := make(map[uuid.UUID][]string, len(sets))
	for id, set := range sets {
		ks := make([]string, 0, len(set))
		for k := range set {
			ks = append(ks, k)
		}
		sort.Strings(ks)
		keys[id] = ks
	}
	return Subscriptions{Keys: keys, Orphans: orphans}
}

// Filters returns the filters a connector for id starts with: its keys
// followed by the catch-all that feeds the raw tree.
func (s Subscriptions) Filters(id uuid.UUID) []string {
	keys := s.Keys[id]
	out := make([]string, 0, len(keys)+1)
	out = append(out, keys...)
	return append(out, transport.CatchAll)
}
