// Package graph resolves plugin dependency declarations into a run order.
//
// A Graph is immutable once built. Dependencies on names that are not part
// of the graph are soft hints and are ignored.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// ErrCycleDetected is matched by every *CycleError.
var ErrCycleDetected = errors.New("dependency cycle detected")

// CycleError names the nodes that could not be ordered.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected among: %s", strings.Join(e.Nodes, ", "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCycleDetected }

// Spec is the input to Build: a name and its declared dependencies.
type Spec struct {
	Name         string
	Dependencies []string
}

// Node is one resolved vertex.
type Node struct {
	Name         string
	Dependencies []string // only deps present in the graph, sorted
	Dependents   []string // reverse edges, sorted
	Resolved     bool     // placed by the last successful ordering
}

type Graph struct {
	nodes map[string]*Node
	names []string // sorted

	order  []string
	levels [][]string
}

// Build constructs the graph and validates it is acyclic. The returned
// error is a *CycleError when validation fails.
func Build(specs []Spec) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*Node, len(specs))}
	for _, s := range specs {
		if _, dup := g.nodes[s.Name]; dup {
			return nil, fmt.Errorf("graph: duplicate node %q", s.Name)
		}
		g.nodes[s.Name] = &Node{Name: s.Name}
		g.names = append(g.names, s.Name)
	}
	sort.Strings(g.names)

	for _, s := range specs {
		n := g.nodes[s.Name]
		seen := map[string]bool{}
		for _, dep := range s.Dependencies {
			dep = strings.TrimSpace(dep)
			if dep == "" || seen[dep] {
				continue
			}
			seen[dep] = true
			target, ok := g.nodes[dep]
			if !ok {
				continue
			}
			n.Dependencies = append(n.Dependencies, dep)
			target.Dependents = append(target.Dependents, s.Name)
		}
	}
	for _, n := range g.nodes {
		sort.Strings(n.Dependencies)
		sort.Strings(n.Dependents)
	}

	order, err := g.topologicalOrder()
	if err != nil {
		return nil, err
	}
	levels, err := g.executionLevels()
	if err != nil {
		return nil, err
	}
	g.order, g.levels = order, levels
	for _, n := range g.nodes {
		n.Resolved = true
	}
	return g, nil
}

// Len is the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Names returns all node names, sorted.
func (g *Graph) Names() []string { return slices.Clone(g.names) }

// Node returns a copy of the named node.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	if !ok {
		return Node{}, false
	}
	cp := *n
	cp.Dependencies = slices.Clone(n.Dependencies)
	cp.Dependents = slices.Clone(n.Dependents)
	return cp, true
}

// TopologicalOrder lists every node after all of its dependencies.
// Among nodes that are ready at the same time the lexically smallest goes first.
func (g *Graph) TopologicalOrder() []string { return slices.Clone(g.order) }

// ExecutionLevels partitions the nodes so that level k holds exactly the
// nodes whose dependencies all sit in levels 0..k-1.
func (g *Graph) ExecutionLevels() [][]string {
	out := make([][]string, len(g.levels))
	for i, lvl := range g.levels {
		out[i] = slices.Clone(lvl)
	}
	return out
}

// Dependents returns every node that transitively depends on name.
func (g *Graph) Dependents(name string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(n string) {
		node, ok := g.nodes[n]
		if !ok {
			return
		}
		for _, d := range node.Dependents {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(name)
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Kahn's algorithm with a sorted ready set.
func (g *Graph) topologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for name, n := range g.nodes {
		indegree[name] = len(n.Dependencies)
	}

	var ready []string
	for _, name := range g.names {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)
		for _, d := range g.nodes[cur].Dependents {
			indegree[d]--
			if indegree[d] == 0 {
				i, _ := slices.BinarySearch(ready, d)
				ready = slices.Insert(ready, i, d)
			}
		}
	}

	if len(order) < len(g.nodes) {
		return nil, g.cycleError(order)
	}
	return order, nil
}

func (g *Graph) executionLevels() ([][]string, error) {
	placed := make(map[string]bool, len(g.nodes))
	var levels [][]string
	for len(placed) < len(g.nodes) {
		var level []string
		for _, name := range g.names {
			if placed[name] {
				continue
			}
			ok := true
			for _, dep := range g.nodes[name].Dependencies {
				if !placed[dep] {
					ok = false
					break
				}
			}
			if ok {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			var done []string
			for n := range placed {
				done = append(done, n)
			}
			return nil, g.cycleError(done)
		}
		for _, name := range level {
			placed[name] = true
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func (g *Graph) cycleError(placed []string) *CycleError {
	ok := make(map[string]bool, len(placed))
	for _, n := range placed {
		ok[n] = true
	}
	var involved []string
	for _, name := range g.names {
		if !ok[name] {
			involved = append(involved, name)
		}
	}
	return &CycleError{Nodes: involved}
}
