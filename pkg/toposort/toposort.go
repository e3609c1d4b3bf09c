// Package toposort orders named nodes so that every node comes after the
// nodes it depends on.
package toposort

import (
	"slices"
)

// Graph is a directed graph of named nodes. An edge from A to B means A must
// come before B.
type Graph struct {
	ids   map[string]int
	names []string
	edges [][]int
	in    []int
}

// NewGraph initializes a new Graph.
func NewGraph() *Graph {
	return &Graph{ids: make(map[string]int)}
}

// AddNode inserts a node. It returns false when the node already exists.
func (g *Graph) AddNode(name string) bool {
	if _, ok := g.ids[name]; ok {
		return false
	}

	g.intern(name)

	return true
}

// AddEdge inserts the link from "from" node to "to" node, adding missing
// nodes. It returns false when the edge already exists.
func (g *Graph) AddEdge(from, to string) bool {
	u, v := g.intern(from), g.intern(to)

	if slices.Contains(g.edges[u], v) {
		return false
	}

	g.edges[u] = append(g.edges[u], v)
	g.in[v]++

	return true
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.names)
}

// Toposort sorts the nodes with Kahn's algorithm, picking the
// lexicographically smallest ready node first. It returns false when the
// graph has a cycle; the result then holds only the nodes outside it.
func (g *Graph) Toposort() ([]string, bool) {
	in := slices.Clone(g.in)

	var ready []string

	for id, name := range g.names {
		if in[id] == 0 {
			ready = append(ready, name)
		}
	}

	slices.Sort(ready)

	result := make([]string, 0, len(g.names))

	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		result = append(result, name)

		for _, v := range g.edges[g.ids[name]] {
			in[v]--
			if in[v] == 0 {
				pos, _ := slices.BinarySearch(ready, g.names[v])
				ready = slices.Insert(ready, pos, g.names[v])
			}
		}
	}

	return result, len(result) == len(g.names)
}

// FindCycle returns a cycle through seed, starting and ending at it, or nil.
func (g *Graph) FindCycle(seed string) []string {
	start, ok := g.ids[seed]
	if !ok {
		return nil
	}

	parent := map[int]int{start: -1}
	queue := []int{start}

	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]

		for _, v := range g.edges[u] {
			if v == start {
				cycle := []string{seed}
				for cur := u; cur != start; cur = parent[cur] {
					cycle = append(cycle, g.names[cur])
				}

				cycle = append(cycle, seed)
				slices.Reverse(cycle)

				return cycle
			}

			if _, seen := parent[v]; !seen {
				parent[v] = u
				queue = append(queue, v)
			}
		}
	}

	return nil
}

func (g *Graph) intern(name string) int {
	if id, ok := g.ids[name]; ok {
		return id
	}

	id := len(g.names)
	g.ids[name] = id
	g.names = append(g.names, name)
	g.edges = append(g.edges, nil)
	g.in = append(g.in, 0)

	return id
}
