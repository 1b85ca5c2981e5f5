package inventory

import (
	"sort"

	"github.com/openfroyo/froyoctl/pkg/errs"
)

// Names of the groups every inventory carries.
const (
	AllGroup       = "all"
	UngroupedGroup = "ungrouped"
)

// DefaultGroupPriority is used when a group does not set PriorityVar.
const DefaultGroupPriority = 1

// PriorityVar orders groups of equal depth during variable resolution.
const PriorityVar = "froyo_group_priority"

// HostID addresses a Host in its Inventory arena.
type HostID int

// GroupID addresses a Group in its Inventory arena.
type GroupID int

// ImplicitHostID identifies the implicit localhost of a Snapshot.
const ImplicitHostID HostID = -1

// Vars is a variable mapping.
type Vars map[string]interface{}

// Host is a single addressable target.
type Host struct {
	ID   HostID
	Name string

	// Groups are the direct memberships, in the order they were added. The
	// implicit all group is never listed.
	Groups []GroupID

	Vars Vars

	// Origin is the inventory file that first declared the host, if any.
	Origin string
}

// Group is a named set of hosts and child groups.
type Group struct {
	ID       GroupID
	Name     string
	Parents  []GroupID
	Children []GroupID
	Hosts    []HostID
	Vars     Vars

	// Depth is the length of the longest path from all. Deeper groups win
	// variable conflicts.
	Depth int

	// Priority breaks ties between groups of equal depth.
	Priority int
}

// graph holds the arena and the read-only queries shared by Inventory and
// Snapshot.
type graph struct {
	hosts     []*Host
	groups    []*Group
	hostIdx   map[string]HostID
	groupIdx  map[string]GroupID
	mergeMode MergeMode
}

// Inventory owns all hosts and groups. It is not safe for concurrent
// mutation; take a Snapshot before sharing it.
type Inventory struct {
	graph
}

// New returns an inventory holding only the all and ungrouped groups.
func New(mode MergeMode) *Inventory {
	inv := &Inventory{graph: graph{
		hostIdx:   make(map[string]HostID),
		groupIdx:  make(map[string]GroupID),
		mergeMode: mode,
	}}
	all := inv.AddGroup(AllGroup)
	ungrouped := inv.AddGroup(UngroupedGroup)
	_ = inv.AddEdge(all, ungrouped)
	return inv
}

// Hosts returns every host in declaration order.
func (g *graph) Hosts() []*Host {
	return g.hosts
}

// Groups returns every group in declaration order.
func (g *graph) Groups() []*Group {
	return g.groups
}

// Host returns the host with id, or nil.
func (g *graph) Host(id HostID) *Host {
	if id < 0 || int(id) >= len(g.hosts) {
		return nil
	}
	return g.hosts[id]
}

// Group returns the group with id, or nil.
func (g *graph) Group(id GroupID) *Group {
	if id < 0 || int(id) >= len(g.groups) {
		return nil
	}
	return g.groups[id]
}

// LookupHost finds a host by name.
func (g *graph) LookupHost(name string) (*Host, bool) {
	id, ok := g.hostIdx[name]
	if !ok {
		return nil, false
	}
	return g.hosts[id], true
}

// LookupGroup finds a group by name.
func (g *graph) LookupGroup(name string) (*Group, bool) {
	id, ok := g.groupIdx[name]
	if !ok {
		return nil, false
	}
	return g.groups[id], true
}

// MergeMode reports how variables are combined.
func (g *graph) MergeMode() MergeMode {
	return g.mergeMode
}

// GroupHosts returns the hosts of a group and all its descendants: direct
// members first, then each child's hosts depth-first, without duplicates.
// The all group returns every host in declaration order.
func (g *graph) GroupHosts(id GroupID) []*Host {
	grp := g.Group(id)
	if grp == nil {
		return nil
	}
	if grp.Name == AllGroup {
		return g.hosts
	}

	var out []*Host
	seenHosts := make(map[HostID]bool)
	seenGroups := make(map[GroupID]bool)

	var walk func(GroupID)
	walk = func(gid GroupID) {
		if seenGroups[gid] {
			return
		}
		seenGroups[gid] = true
		cur := g.groups[gid]
		for _, hid := range cur.Hosts {
			if !seenHosts[hid] {
				seenHosts[hid] = true
				out = append(out, g.hosts[hid])
			}
		}
		for _, child := range cur.Children {
			walk(child)
		}
	}
	walk(id)
	return out
}

// Ancestors returns every group a host belongs to, directly or through a
// parent chain, including all, sorted by precedence (depth, priority, name).
func (g *graph) Ancestors(h *Host) []*Group {
	seen := make(map[GroupID]bool)
	var out []*Group

	var walk func(GroupID)
	walk = func(gid GroupID) {
		if seen[gid] {
			return
		}
		seen[gid] = true
		grp := g.groups[gid]
		out = append(out, grp)
		for _, p := range grp.Parents {
			walk(p)
		}
	}
	for _, gid := range h.Groups {
		walk(gid)
	}
	if all, ok := g.groupIdx[AllGroup]; ok {
		walk(all)
	}

	sortGroups(out)
	return out
}

// sortGroups orders groups by ascending precedence.
func sortGroups(groups []*Group) {
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Name < b.Name
	})
}

// reachable reports whether to can be reached from from by following child
// edges. A group reaches itself.
func (g *graph) reachable(from, to GroupID) bool {
	visited := make(map[GroupID]bool)
	stack := []GroupID{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		stack = append(stack, g.groups[cur].Children...)
	}
	return false
}

// AddGroup returns the id of the named group, creating it if needed.
func (inv *Inventory) AddGroup(name string) GroupID {
	if id, ok := inv.groupIdx[name]; ok {
		return id
	}
	id := GroupID(len(inv.groups))
	inv.groups = append(inv.groups, &Group{
		ID:       id,
		Name:     name,
		Vars:     Vars{},
		Priority: DefaultGroupPriority,
	})
	inv.groupIdx[name] = id
	return id
}

// AddHost returns the id of the named host, creating it if needed.
func (inv *Inventory) AddHost(name string) HostID {
	if id, ok := inv.hostIdx[name]; ok {
		return id
	}
	id := HostID(len(inv.hosts))
	inv.hosts = append(inv.hosts, &Host{
		ID:   id,
		Name: name,
		Vars: Vars{},
	})
	inv.hostIdx[name] = id
	return id
}

// AddMember makes host a direct member of group. Adding a host to all is a
// no-op because every host belongs to all.
func (inv *Inventory) AddMember(gid GroupID, hid HostID) {
	grp := inv.groups[gid]
	if grp.Name == AllGroup {
		return
	}
	for _, existing := range grp.Hosts {
		if existing == hid {
			return
		}
	}
	grp.Hosts = append(grp.Hosts, hid)
	host := inv.hosts[hid]
	host.Groups = append(host.Groups, gid)
}

// AddEdge makes child a child group of parent. It fails with CycleDetected,
// leaving the graph untouched, when parent is reachable from child.
func (inv *Inventory) AddEdge(parent, child GroupID) error {
	p, c := inv.Group(parent), inv.Group(child)
	if p == nil || c == nil {
		return errs.Newf(errs.CodeIngest, "unknown group id in edge %d -> %d", parent, child)
	}

	if inv.reachable(child, parent) {
		return errs.Newf(errs.CodeCycleDetected,
			"adding %q as a child of %q would create a cycle", c.Name, p.Name).
			WithDetail("parent", p.Name).
			WithDetail("child", c.Name)
	}

	for _, existing := range p.Children {
		if existing == child {
			return nil
		}
	}

	p.Children = append(p.Children, child)
	c.Parents = append(c.Parents, parent)
	inv.propagateDepth(parent)
	return nil
}

// propagateDepth pushes depth increases from gid down to its descendants.
func (inv *Inventory) propagateDepth(gid GroupID) {
	queue := []GroupID{gid}
	for len(queue) > 0 {
		cur := inv.groups[queue[0]]
		queue = queue[1:]
		for _, childID := range cur.Children {
			child := inv.groups[childID]
			if child.Depth < cur.Depth+1 {
				child.Depth = cur.Depth + 1
				queue = append(queue, childID)
			}
		}
	}
}

// MergeGroupVars merges vars into a group's variables using the inventory's
// merge mode.
func (inv *Inventory) MergeGroupVars(gid GroupID, vars Vars) {
	grp := inv.groups[gid]
	grp.Vars = mergeVars(grp.Vars, vars, inv.mergeMode)
}

// MergeHostVars merges vars into a host's variables using the inventory's
// merge mode.
func (inv *Inventory) MergeHostVars(hid HostID, vars Vars) {
	host := inv.hosts[hid]
	host.Vars = mergeVars(host.Vars, vars, inv.mergeMode)
}

// reconcile attaches parentless groups to all, rebuilds ungrouped and reads
// group priorities. It runs after every source is ingested.
func (inv *Inventory) reconcile() {
	all := inv.groupIdx[AllGroup]
	ungrouped := inv.groupIdx[UngroupedGroup]

	for _, grp := range inv.groups {
		if grp.ID == all || len(grp.Parents) > 0 {
			continue
		}
		// all has no parents, so this edge cannot close a cycle.
		_ = inv.AddEdge(all, grp.ID)
	}

	ug := inv.groups[ungrouped]
	for _, hid := range ug.Hosts {
		host := inv.hosts[hid]
		host.Groups = removeGroup(host.Groups, ungrouped)
	}
	ug.Hosts = nil
	for _, host := range inv.hosts {
		if len(host.Groups) == 0 {
			inv.AddMember(ungrouped, host.ID)
		}
	}

	for _, grp := range inv.groups {
		grp.Priority = DefaultGroupPriority
		if p, ok := intValue(grp.Vars[PriorityVar]); ok {
			grp.Priority = p
		}
	}
}

func removeGroup(ids []GroupID, target GroupID) []GroupID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot returns an immutable deep copy used for pattern evaluation and
// variable resolution during a run.
func (inv *Inventory) Snapshot() *Snapshot {
	cp := graph{
		hosts:     make([]*Host, len(inv.hosts)),
		groups:    make([]*Group, len(inv.groups)),
		hostIdx:   make(map[string]HostID, len(inv.hostIdx)),
		groupIdx:  make(map[string]GroupID, len(inv.groupIdx)),
		mergeMode: inv.mergeMode,
	}
	for i, h := range inv.hosts {
		cp.hosts[i] = &Host{
			ID:     h.ID,
			Name:   h.Name,
			Groups: append([]GroupID(nil), h.Groups...),
			Vars:   copyVars(h.Vars),
			Origin: h.Origin,
		}
	}
	for i, g := range inv.groups {
		cp.groups[i] = &Group{
			ID:       g.ID,
			Name:     g.Name,
			Parents:  append([]GroupID(nil), g.Parents...),
			Children: append([]GroupID(nil), g.Children...),
			Hosts:    append([]HostID(nil), g.Hosts...),
			Vars:     copyVars(g.Vars),
			Depth:    g.Depth,
			Priority: g.Priority,
		}
	}
	for k, v := range inv.hostIdx {
		cp.hostIdx[k] = v
	}
	for k, v := range inv.groupIdx {
		cp.groupIdx[k] = v
	}
	return newSnapshot(cp)
}
