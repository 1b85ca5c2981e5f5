package pattern

import (
	"sort"
	"strings"

	"github.com/openfroyo/froyoctl/pkg/errs"
	"github.com/openfroyo/froyoctl/pkg/inventory"
)

// localhostNames resolve to the implicit localhost when the inventory does
// not declare them.
var localhostNames = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// Evaluate applies the pattern to a snapshot. The result is ordered by first
// selection and contains no duplicates. It depends only on its arguments.
func Evaluate(ast *AST, snap *inventory.Snapshot) ([]inventory.HostID, error) {
	var selected []inventory.HostID
	for _, term := range ast.Terms {
		matched, err := matchSelector(term.Selector, snap)
		if err != nil {
			return nil, err
		}

		switch term.Op {
		case OpUnion:
			seen := make(map[inventory.HostID]bool, len(selected))
			for _, id := range selected {
				seen[id] = true
			}
			for _, id := range matched {
				if !seen[id] {
					seen[id] = true
					selected = append(selected, id)
				}
			}
		case OpExclude:
			selected = filter(selected, toSet(matched), false)
		case OpIntersect:
			selected = filter(selected, toSet(matched), true)
		}
	}
	return selected, nil
}

// matchSelector returns the hosts a selector names: hosts of matching
// groups first, then matching host names, each group's hosts in inventory
// order. The subscript applies to the combined list.
func matchSelector(sel *Selector, snap *inventory.Snapshot) ([]inventory.HostID, error) {
	var out []inventory.HostID
	seen := make(map[inventory.HostID]bool)
	add := func(id inventory.HostID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	groupMatched := false
	for _, g := range snap.Groups() {
		if !sel.match(g.Name) {
			continue
		}
		groupMatched = true
		for _, id := range groupHostIDs(snap, g) {
			add(id)
		}
	}

	// A literal naming a group does not also select a same-named host,
	// unless it contains a dot: FQDNs are often both.
	if sel.Kind != KindLiteral || !groupMatched || strings.Contains(sel.Text, ".") {
		for _, h := range snap.Hosts() {
			if sel.match(h.Name) {
				add(h.ID)
			}
		}
	}

	if len(out) == 0 && sel.Kind == KindLiteral && !groupMatched {
		if localhostNames[sel.Text] && snap.ImplicitLocalhost() != nil {
			out = append(out, inventory.ImplicitHostID)
		} else {
			return nil, errs.Newf(errs.CodeUnknownGroupOrHost, "no group or host named %q", sel.Text).
				WithDetail("selector", sel.Text)
		}
	}

	if sel.Subscript != nil {
		lo, hi, ok := sel.Subscript.apply(len(out))
		if !ok {
			return nil, nil
		}
		out = out[lo:hi]
	}
	return out, nil
}

// groupHostIDs lists a group's hosts, descendants included, in inventory
// declaration order.
func groupHostIDs(snap *inventory.Snapshot, g *inventory.Group) []inventory.HostID {
	hosts := snap.GroupHosts(g.ID)
	ids := make([]inventory.HostID, len(hosts))
	for i, h := range hosts {
		ids[i] = h.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func toSet(ids []inventory.HostID) map[inventory.HostID]bool {
	set := make(map[inventory.HostID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func filter(ids []inventory.HostID, set map[inventory.HostID]bool, keep bool) []inventory.HostID {
	out := make([]inventory.HostID, 0, len(ids))
	for _, id := range ids {
		if set[id] == keep {
			out = append(out, id)
		}
	}
	return out
}

// Select evaluates pattern and, when limit is not empty, restricts the
// result to hosts limit selects. The pattern's order is kept.
func Select(pattern, limit string, snap *inventory.Snapshot) ([]*inventory.Host, error) {
	ast, err := Compile(pattern)
	if err != nil {
		return nil, err
	}
	ids, err := Evaluate(ast, snap)
	if err != nil {
		return nil, err
	}

	if limit != "" {
		limitAST, err := Compile(limit)
		if err != nil {
			return nil, err
		}
		limitIDs, err := Evaluate(limitAST, snap)
		if err != nil {
			return nil, err
		}
		ids = filter(ids, toSet(limitIDs), true)
	}
	return Hosts(snap, ids), nil
}

// Hosts maps ids to hosts of snap, including the implicit localhost.
func Hosts(snap *inventory.Snapshot, ids []inventory.HostID) []*inventory.Host {
	hosts := make([]*inventory.Host, 0, len(ids))
	for _, id := range ids {
		if h := snap.Host(id); h != nil {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
