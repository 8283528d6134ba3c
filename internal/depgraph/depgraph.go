// Package depgraph orders tables by their foreign-key dependencies. Nodes
// live in an arena and edges are index lists, so cyclic schemas need no
// pointer cycles.
package depgraph

import (
	"slices"
	"sort"
)

// Graph is a directed graph where an edge A -> B means A depends on
// (references) B.
type Graph struct {
	names []string
	index map[string]int
	deps  [][]int
}

// Edge is one dependency. From references To.
type Edge struct {
	From string
	To   string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{index: map[string]int{}}
}

// AddNode adds name if missing and returns its arena index.
func (g *Graph) AddNode(name string) int {
	if i, ok := g.index[name]; ok {
		return i
	}
	i := len(g.names)
	g.names = append(g.names, name)
	g.index[name] = i
	g.deps = append(g.deps, nil)
	return i
}

// AddEdge records that from depends on to. Missing nodes are added;
// duplicate edges are ignored. Self references are kept.
func (g *Graph) AddEdge(from, to string) {
	f, t := g.AddNode(from), g.AddNode(to)
	if !slices.Contains(g.deps[f], t) {
		g.deps[f] = append(g.deps[f], t)
	}
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.names) }

// Names returns every node in sorted order.
func (g *Graph) Names() []string {
	out := slices.Clone(g.names)
	sort.Strings(out)
	return out
}

// DependsOn returns the direct dependencies of name, sorted.
func (g *Graph) DependsOn(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.deps[i]))
	for _, d := range g.deps[i] {
		out = append(out, g.names[d])
	}
	sort.Strings(out)
	return out
}

// sorted returns node indexes ordered by name.
func (g *Graph) sorted() []int {
	ids := make([]int, len(g.names))
	for i := range ids {
		ids[i] = i
	}
	sort.Slice(ids, func(a, b int) bool { return g.names[ids[a]] < g.names[ids[b]] })
	return ids
}

func (g *Graph) sortedDeps(i int) []int {
	out := slices.Clone(g.deps[i])
	sort.Slice(out, func(a, b int) bool { return g.names[out[a]] < g.names[out[b]] })
	return out
}

// Cycles returns the first cycle found in each weakly connected component,
// each rotated to start at its smallest name. A self reference is a cycle of
// one.
func (g *Graph) Cycles() [][]string {
	comp := g.weakComponents()
	done := map[int]bool{}
	const (
		unvisited = iota
		onStack
		finished
	)
	state := make([]int, len(g.names))
	parent := make([]int, len(g.names))
	var out [][]string

	for _, start := range g.sorted() {
		c := comp[start]
		if done[c] || state[start] != unvisited {
			continue
		}
		var cycle []int
		var dfs func(n int) bool
		dfs = func(n int) bool {
			state[n] = onStack
			for _, d := range g.sortedDeps(n) {
				switch state[d] {
				case unvisited:
					parent[d] = n
					if dfs(d) {
						return true
					}
				case onStack:
					cycle = []int{d}
					for cur := n; cur != d; cur = parent[cur] {
						cycle = append(cycle, cur)
					}
					slices.Reverse(cycle[1:])
					return true
				}
			}
			state[n] = finished
			return false
		}
		if dfs(start) {
			done[c] = true
			out = append(out, g.rotate(cycle))
		}
	}
	return out
}

func (g *Graph) rotate(cycle []int) []string {
	lo := 0
	for i, n := range cycle {
		if g.names[n] < g.names[cycle[lo]] {
			lo = i
		}
	}
	out := make([]string, 0, len(cycle))
	for i := range cycle {
		out = append(out, g.names[cycle[(lo+i)%len(cycle)]])
	}
	return out
}

func (g *Graph) weakComponents() []int {
	adj := make([][]int, len(g.names))
	for f, ds := range g.deps {
		for _, t := range ds {
			adj[f] = append(adj[f], t)
			adj[t] = append(adj[t], f)
		}
	}
	comp := make([]int, len(g.names))
	for i := range comp {
		comp[i] = -1
	}
	n := 0
	for _, start := range g.sorted() {
		if comp[start] >= 0 {
			continue
		}
		stack := []int{start}
		comp[start] = n
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, next := range adj[cur] {
				if comp[next] < 0 {
					comp[next] = n
					stack = append(stack, next)
				}
			}
		}
		n++
	}
	return comp
}

// StronglyConnected returns the nodes that sit on at least one cycle,
// grouped by strongly connected component. Groups and members are sorted.
func (g *Graph) StronglyConnected() [][]string {
	var out [][]string
	for _, scc := range g.tarjan() {
		if len(scc) == 1 && !slices.Contains(g.deps[scc[0]], scc[0]) {
			continue
		}
		names := make([]string, len(scc))
		for i, n := range scc {
			names[i] = g.names[n]
		}
		sort.Strings(names)
		out = append(out, names)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func (g *Graph) tarjan() [][]int {
	index := make([]int, len(g.names))
	low := make([]int, len(g.names))
	onStack := make([]bool, len(g.names))
	for i := range index {
		index[i] = -1
	}
	var stack []int
	var out [][]int
	next := 0

	var connect func(v int)
	connect = func(v int) {
		index[v], low[v] = next, next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range g.sortedDeps(v) {
			if index[w] < 0 {
				connect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}
		if low[v] == index[v] {
			var scc []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			out = append(out, scc)
		}
	}
	for _, v := range g.sorted() {
		if index[v] < 0 {
			connect(v)
		}
	}
	return out
}

// Order returns every node with dependencies before dependents. Cycles
// never fail the ordering: inside a strongly connected component nodes are
// visited by name and each edge that would point forward is returned as
// deferred, together with every self reference.
func (g *Graph) Order() (order []string, deferred []Edge) {
	sccs := g.tarjan()
	// Tarjan emits components in reverse topological order of the
	// condensation, which for dependency edges is dependencies first.
	for _, scc := range sccs {
		if len(scc) == 1 {
			n := scc[0]
			order = append(order, g.names[n])
			if slices.Contains(g.deps[n], n) {
				deferred = append(deferred, Edge{From: g.names[n], To: g.names[n]})
			}
			continue
		}
		member := make(map[int]bool, len(scc))
		for _, n := range scc {
			member[n] = true
		}
		members := slices.Clone(scc)
		sort.Slice(members, func(a, b int) bool { return g.names[members[a]] < g.names[members[b]] })

		visiting := map[int]bool{}
		visited := map[int]bool{}
		var visit func(n int)
		visit = func(n int) {
			visiting[n] = true
			for _, d := range g.sortedDeps(n) {
				switch {
				case d == n || visiting[d] && member[d]:
					deferred = append(deferred, Edge{From: g.names[n], To: g.names[d]})
				case member[d] && !visited[d]:
					visit(d)
				}
			}
			visiting[n] = false
			visited[n] = true
			order = append(order, g.names[n])
		}
		for _, n := range members {
			if !visited[n] {
				visit(n)
			}
		}
	}
	return order, deferred
}
