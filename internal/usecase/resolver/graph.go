package resolver

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"agentfabric/internal/domain"
)

// Node is a tool or an agent in the dependency graph.
type Node struct {
	ID          string               `json:"id"`
	Kind        domain.ComponentKind `json:"kind"`
	Name        string               `json:"name"`
	Exists      bool                 `json:"exists"`
	Description string               `json:"description,omitempty"`
}

// Edge points from a tool to an agent that imports it.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is a directed graph of components.
type Graph struct {
	Nodes map[string]*Node `json:"nodes"`
	Edges []Edge           `json:"edges"`

	out map[string][]string
	in  map[string][]string
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		Nodes: make(map[string]*Node),
		out:   make(map[string][]string),
		in:    make(map[string][]string),
	}
}

// NodeID is the graph key of a component.
func NodeID(kind domain.ComponentKind, name string) string { return string(kind) + ":" + name }

// AddNode adds the component if absent and returns its ID.
func (g *Graph) AddNode(kind domain.ComponentKind, name string, exists bool) string {
	id := NodeID(kind, name)
	if _, ok := g.Nodes[id]; !ok {
		g.Nodes[id] = &Node{ID: id, Kind: kind, Name: name, Exists: exists}
	}
	return id
}

func (g *Graph) node(id string) *Node { return g.Nodes[id] }

// AddEdge adds from→to once.
func (g *Graph) AddEdge(from, to string) {
	if slices.Contains(g.out[from], to) {
		return
	}
	g.out[from] = append(g.out[from], to)
	g.in[to] = append(g.in[to], from)
	g.Edges = append(g.Edges, Edge{From: from, To: to})
}

// Successors returns the targets of id's edges in sorted order.
func (g *Graph) Successors(id string) []string {
	s := slices.Clone(g.out[id])
	slices.SortFunc(s, g.compare)
	return s
}

// Predecessors returns the sources of edges into id in sorted order.
func (g *Graph) Predecessors(id string) []string {
	s := slices.Clone(g.in[id])
	slices.SortFunc(s, g.compare)
	return s
}

func (g *Graph) names(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = g.Nodes[id].Name
	}
	return out
}

func kindRank(k domain.ComponentKind) int {
	if k == domain.KindTool {
		return 0
	}
	return 1
}

// compare orders tools before agents, then by name.
func (g *Graph) compare(a, b string) int {
	na, nb := g.Nodes[a], g.Nodes[b]
	if c := cmp.Compare(kindRank(na.Kind), kindRank(nb.Kind)); c != 0 {
		return c
	}
	return cmp.Compare(na.Name, nb.Name)
}

// TopoSort orders the nodes with Kahn's algorithm, taking the smallest
// ready node first so the result is stable. With onlyMissing it returns
// only the nodes that do not exist yet. A cycle yields ErrDependencyCycle.
func (g *Graph) TopoSort(onlyMissing bool) ([]string, error) {
	indeg := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		indeg[id] = len(g.in[id])
	}
	var ready []string
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		slices.SortFunc(ready, g.compare)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range g.out[id] {
			indeg[next]--
			if indeg[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(g.Nodes) {
		var stuck []string
		for id, d := range indeg {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		slices.Sort(stuck)
		return nil, fmt.Errorf("%w: %s", domain.ErrDependencyCycle, strings.Join(stuck, ", "))
	}
	if !onlyMissing {
		return order, nil
	}
	missing := order[:0]
	for _, id := range order {
		if !g.Nodes[id].Exists {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// Visualize renders the graph and creation order as text.
func Visualize(g *Graph, order []string) string {
	var b strings.Builder
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, g.compare)

	b.WriteString("Dependency graph:\n")
	if len(ids) == 0 {
		b.WriteString("  (empty)\n")
	}
	for _, id := range ids {
		n := g.Nodes[id]
		state := "exists"
		if !n.Exists {
			state = "new"
		}
		fmt.Fprintf(&b, "  [%s] %s (%s)", n.Kind, n.Name, state)
		if n.Kind == domain.KindTool {
			if users := g.names(g.Successors(id)); len(users) > 0 {
				fmt.Fprintf(&b, " -> %s", strings.Join(users, ", "))
			}
		} else if deps := g.names(g.Predecessors(id)); len(deps) > 0 {
			fmt.Fprintf(&b, " <- %s", strings.Join(deps, ", "))
		}
		b.WriteByte('\n')
	}

	b.WriteString("Creation order:\n")
	if len(order) == 0 {
		b.WriteString("  (nothing to create)\n")
	}
	for i, id := range order {
		n := g.Nodes[id]
		fmt.Fprintf(&b, "  %d. %s %s\n", i+1, n.Kind, n.Name)
	}
	return b.String()
}
