// Package waitgraph builds the wait-for graph of a lock table snapshot and
// finds the cycles in it. An edge A -> B means transaction A waits for a
// resource held by transaction B; every cycle is a deadlock.
//
// A Graph is rebuilt from scratch on every detection pass and is not safe
// for concurrent mutation.
package waitgraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sushant-115/gojolock/core/lockstore"
)

// Graph is a directed wait-for graph between transaction ids. Each edge
// remembers the resources that produced it.
type Graph struct {
	nodes map[string]struct{}
	edges map[string]map[string]map[string]struct{} // waiter -> holder -> resources
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]struct{}),
		edges: make(map[string]map[string]map[string]struct{}),
	}
}

// Build creates the wait-for graph of a lock table snapshot. Every holder
// and waiter becomes a node; every (resource, waiter, holder) triple becomes
// an edge waiter -> holder. Records without a holder add no edges.
func Build(locks []*lockstore.ResourceLock) *Graph {
	g := New()
	for _, l := range locks {
		if l == nil || l.Holder == "" {
			continue
		}
		g.AddNode(l.Holder)
		for _, w := range l.Waiters {
			g.AddEdge(w, l.Holder, l.ResourceID)
		}
	}
	return g
}

// AddNode adds a transaction without edges.
func (g *Graph) AddNode(txnID string) {
	g.nodes[txnID] = struct{}{}
}

// AddEdge records that waiter waits for holder on resourceID. Self edges are
// ignored; a transaction never waits on a resource it holds.
func (g *Graph) AddEdge(waiter, holder, resourceID string) {
	if waiter == "" || holder == "" || waiter == holder {
		return
	}
	g.AddNode(waiter)
	g.AddNode(holder)
	holders, ok := g.edges[waiter]
	if !ok {
		holders = make(map[string]map[string]struct{})
		g.edges[waiter] = holders
	}
	res, ok := holders[holder]
	if !ok {
		res = make(map[string]struct{})
		holders[holder] = res
	}
	res[resourceID] = struct{}{}
}

// Nodes returns every transaction in the graph, sorted.
func (g *Graph) Nodes() []string {
	return sortedKeys(g.nodes)
}

// Neighbors returns the transactions txnID waits for, sorted.
func (g *Graph) Neighbors(txnID string) []string {
	return sortedKeys(g.edges[txnID])
}

// HasEdge reports whether waiter waits for holder.
func (g *Graph) HasEdge(waiter, holder string) bool {
	_, ok := g.edges[waiter][holder]
	return ok
}

// Resources returns the resources on which waiter waits for holder, sorted.
func (g *Graph) Resources(waiter, holder string) []string {
	return sortedKeys(g.edges[waiter][holder])
}

// EdgeCount returns the number of distinct waiter -> holder edges.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, holders := range g.edges {
		n += len(holders)
	}
	return n
}

// ContainsCycle reports whether every edge of cycle, including the closing
// edge from the last transaction back to the first, is present in g.
func (g *Graph) ContainsCycle(cycle []string) bool {
	if len(cycle) < 2 {
		return false
	}
	for i, from := range cycle {
		to := cycle[(i+1)%len(cycle)]
		if !g.HasEdge(from, to) {
			return false
		}
	}
	return true
}

// FindCycles returns the cycles reachable by a depth-first search that
// starts from every unvisited node in sorted order. A cycle is reported when
// the search reaches a node that is on the current path; it lists the path
// from that node to the current one, without repeating the first node.
// Nodes are visited at most once, so overlapping cycles sharing an already
// explored node are reported only once.
func (g *Graph) FindCycles() [][]string {
	type frame struct {
		node      string
		neighbors []string
		next      int
	}

	visited := make(map[string]bool, len(g.nodes))
	onPath := make(map[string]int)
	var cycles [][]string

	for _, start := range g.Nodes() {
		if visited[start] {
			continue
		}
		stack := []*frame{{node: start, neighbors: g.Neighbors(start)}}
		path := []string{start}
		onPath[start] = 0

		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if top.next < len(top.neighbors) {
				nb := top.neighbors[top.next]
				top.next++
				if idx, ok := onPath[nb]; ok {
					cycle := make([]string, len(path)-idx)
					copy(cycle, path[idx:])
					cycles = append(cycles, cycle)
					continue
				}
				if visited[nb] {
					continue
				}
				onPath[nb] = len(path)
				path = append(path, nb)
				stack = append(stack, &frame{node: nb, neighbors: g.Neighbors(nb)})
				continue
			}
			visited[top.node] = true
			delete(onPath, top.node)
			path = path[:len(path)-1]
			stack = stack[:len(stack)-1]
		}
	}
	return cycles
}

// DOT renders the graph in Graphviz format. Edges that belong to one of the
// given cycles are drawn in red.
func (g *Graph) DOT(cycles [][]string) string {
	inCycle := make(map[[2]string]bool)
	for _, c := range cycles {
		for i, from := range c {
			inCycle[[2]string{from, c[(i+1)%len(c)]}] = true
		}
	}

	var b strings.Builder
	b.WriteString("digraph waitfor {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box];\n")
	for _, n := range g.Nodes() {
		fmt.Fprintf(&b, "  %s;\n", quote(n))
	}
	for _, from := range g.Nodes() {
		for _, to := range g.Neighbors(from) {
			attrs := fmt.Sprintf("label=%s", quote(strings.Join(g.Resources(from, to), ",")))
			if inCycle[[2]string{from, to}] {
				attrs += ", color=red"
			}
			fmt.Fprintf(&b, "  %s -> %s [%s];\n", quote(from), quote(to), attrs)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
