package schema

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
)

// DependencyCycleError is returned when the foreign key graph of the
// selected tables contains a cycle that no deferred edge breaks.
type DependencyCycleError struct {
	// Tables lists every table taking part in a cycle, sorted.
	Tables []string
	// Cycles holds each strongly connected component, sorted.
	Cycles [][]string
}

func (e *DependencyCycleError) Error() string {
	parts := make([]string, len(e.Cycles))
	for i, c := range e.Cycles {
		parts[i] = strings.Join(c, " -> ")
	}
	return fmt.Sprintf("dependency cycle between tables: %s", strings.Join(parts, "; "))
}

// Plan is the restore order of a set of tables
type Plan struct {
	// Order lists parents before children, ties broken by table name.
	Order []string `json:"order"`
	// Deferred maps table -> foreign key columns written in a second pass.
	Deferred map[string][]string `json:"deferred,omitempty"`
}

// Resolver orders tables by their foreign key dependencies
type Resolver struct {
	deferred *DeferredEdges
}

// NewResolver creates a resolver honouring the given deferred edges
func NewResolver(deferred *DeferredEdges) *Resolver {
	return &Resolver{deferred: deferred}
}

// Resolve returns the dependency order of tables (all snapshot tables when
// tables is empty). References to tables outside the set are ignored.
func (r *Resolver) Resolve(snapshot *Snapshot, tables []string) (*Plan, error) {
	if len(tables) == 0 {
		tables = snapshot.TableNames()
	}

	nodes := make(map[string]bool, len(tables))
	for _, t := range tables {
		if snapshot.Table(t) == nil {
			return nil, fmt.Errorf("table %s is not part of the schema snapshot", t)
		}
		nodes[t] = true
	}

	// parent -> children, deduplicated
	children := make(map[string]map[string]bool, len(nodes))
	indegree := make(map[string]int, len(nodes))
	selfLoops := make(map[string]bool)
	plan := &Plan{Deferred: make(map[string][]string)}

	for t := range nodes {
		indegree[t] += 0
		for _, fk := range snapshot.Table(t).ForeignKeys {
			if r.deferred.IsDeferred(t, fk.Column) {
				plan.Deferred[t] = appendUnique(plan.Deferred[t], fk.Column)
				continue
			}
			if !nodes[fk.ReferencedTable] {
				continue
			}
			if fk.ReferencedTable == t {
				selfLoops[t] = true
				continue
			}
			if children[fk.ReferencedTable] == nil {
				children[fk.ReferencedTable] = make(map[string]bool)
			}
			if !children[fk.ReferencedTable][t] {
				children[fk.ReferencedTable][t] = true
				indegree[t]++
			}
		}
	}
	for t := range plan.Deferred {
		sort.Strings(plan.Deferred[t])
	}

	ready := &nameHeap{}
	for t := range nodes {
		if indegree[t] == 0 && !selfLoops[t] {
			heap.Push(ready, t)
		}
	}

	for ready.Len() > 0 {
		t := heap.Pop(ready).(string)
		plan.Order = append(plan.Order, t)
		for child := range children[t] {
			indegree[child]--
			if indegree[child] == 0 && !selfLoops[child] {
				heap.Push(ready, child)
			}
		}
	}

	if len(plan.Order) < len(nodes) {
		return nil, cycleError(nodes, children, selfLoops, plan.Order)
	}
	return plan, nil
}

// cycleError reports the strongly connected components among the tables the
// topological pass could not place.
func cycleError(nodes map[string]bool, children map[string]map[string]bool, selfLoops map[string]bool, placed []string) *DependencyCycleError {
	done := make(map[string]bool, len(placed))
	for _, t := range placed {
		done[t] = true
	}

	var remaining []string
	for t := range nodes {
		if !done[t] {
			remaining = append(remaining, t)
		}
	}
	sort.Strings(remaining)

	// Tarjan's algorithm over the unplaced subgraph
	index := 0
	indices := map[string]int{}
	lowlink := map[string]int{}
	onStack := map[string]bool{}
	var stack []string
	var components [][]string

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range sortedSet(children[v]) {
			if done[w] {
				continue
			}
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var component []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			if len(component) > 1 || selfLoops[v] {
				sort.Strings(component)
				components = append(components, component)
			}
		}
	}

	for _, v := range remaining {
		if _, seen := indices[v]; !seen {
			strongConnect(v)
		}
	}

	sort.Slice(components, func(i, j int) bool { return components[i][0] < components[j][0] })

	var tables []string
	for _, c := range components {
		tables = append(tables, c...)
	}
	sort.Strings(tables)

	return &DependencyCycleError{Tables: tables, Cycles: components}
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

// nameHeap is a min-heap of table names
type nameHeap []string

func (h nameHeap) Len() int            { return len(h) }
func (h nameHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h nameHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nameHeap) Push(x interface{}) { *h = append(*h, x.(string)) }
func (h *nameHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
