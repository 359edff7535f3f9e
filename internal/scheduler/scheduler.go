// Package scheduler computes dependency-aware build orderings over a package
// graph. Sorting is pure and single-threaded; the series decomposition only
// describes parallel opportunities for callers to dispatch themselves.
package scheduler

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"pkgforge-agent/internal/depgraph"
)

// CycleError reports that a topological order could not be completed. It
// names the nodes left unordered, which together contain the cycle.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected among: %s", strings.Join(e.Remaining, ", "))
}

// TopoSort returns a dependency-respecting order over subset and, when subset
// is non-nil, the transitive closure of its prerequisites. Ties among ready
// nodes are broken by the order hint; nodes without a hint sort after all
// hinted nodes. With includeDependencies false the returned slice is filtered
// back to the requested subset, order preserved.
func TopoSort(g *depgraph.Graph, hint map[string]int, subset []string, includeDependencies bool) ([]string, error) {
	working := make(map[string]bool)
	if subset == nil {
		for name := range g.Dirs {
			working[name] = true
		}
	} else {
		stack := append([]string(nil), subset...)
		for len(stack) > 0 {
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if working[node] {
				continue
			}
			if !g.Has(node) {
				return nil, fmt.Errorf("package %s not known in dependency graph", node)
			}
			working[node] = true
			for pred := range g.Rev[node] {
				if !working[pred] {
					stack = append(stack, pred)
				}
			}
		}
	}

	inDegree := make(map[string]int, len(working))
	for node := range working {
		inDegree[node] = 0
	}
	for node := range working {
		for follower := range g.Adj[node] {
			if working[follower] {
				inDegree[follower]++
			}
		}
	}

	// Un-hinted nodes get a priority strictly above the hint range so hinted
	// nodes always surface first.
	defaultPriority := len(hint) + len(working) + 5
	ready := &readyHeap{}
	heap.Init(ready)
	push := func(node string) {
		priority, ok := hint[node]
		if !ok {
			priority = defaultPriority
		}
		heap.Push(ready, readyNode{priority: priority, name: node})
	}
	for node, degree := range inDegree {
		if degree == 0 {
			push(node)
		}
	}

	sorted := make([]string, 0, len(working))
	for ready.Len() > 0 {
		node := heap.Pop(ready).(readyNode).name
		sorted = append(sorted, node)
		for follower := range g.Adj[node] {
			if !working[follower] {
				continue
			}
			inDegree[follower]--
			if inDegree[follower] == 0 {
				push(follower)
			}
		}
	}

	if len(sorted) != len(working) {
		ordered := make(map[string]bool, len(sorted))
		for _, node := range sorted {
			ordered[node] = true
		}
		var remaining []string
		for node := range working {
			if !ordered[node] {
				remaining = append(remaining, node)
			}
		}
		sort.Strings(remaining)
		return nil, &CycleError{Remaining: remaining}
	}

	if subset == nil || includeDependencies {
		return sorted, nil
	}
	requested := make(map[string]bool, len(subset))
	for _, node := range subset {
		requested[node] = true
	}
	filtered := make([]string, 0, len(subset))
	for _, node := range sorted {
		if requested[node] {
			filtered = append(filtered, node)
		}
	}
	return filtered, nil
}

// SeriesToposort splits the closure of targets into weakly-connected
// components ("series"), each internally in topological order. The series
// list is sorted by size descending, ties broken by earliest topological
// position, so large independent blocks surface first for parallel dispatch.
// The second return value is the union of unresolved dependency names for the
// involved packages; callers must surface it as a warning, not a failure.
func SeriesToposort(g *depgraph.Graph, hint map[string]int, targets []string) ([][]string, map[string]bool, error) {
	unresolved := g.UnresolvedNames()

	topoAll, err := TopoSort(g, hint, targets, true)
	if err != nil {
		return nil, nil, err
	}
	if len(topoAll) == 0 {
		return nil, unresolved, nil
	}
	topoIndex := make(map[string]int, len(topoAll))
	for idx, name := range topoAll {
		topoIndex[name] = idx
	}

	relevant := make(map[string]bool, len(topoAll))
	for _, name := range topoAll {
		relevant[name] = true
	}
	undirected := make(map[string]map[string]bool, len(topoAll))
	for node := range relevant {
		undirected[node] = make(map[string]bool)
	}
	link := func(a, b string) {
		undirected[a][b] = true
		undirected[b][a] = true
	}
	for node := range relevant {
		for follower := range g.Adj[node] {
			if relevant[follower] {
				link(node, follower)
			}
		}
		for pred := range g.Rev[node] {
			if relevant[pred] {
				link(node, pred)
			}
		}
	}

	var series [][]string
	visited := make(map[string]bool, len(topoAll))
	// Seed traversal in topo order so component discovery is deterministic.
	for _, seed := range topoAll {
		if visited[seed] {
			continue
		}
		stack := []string{seed}
		var comp []string
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[cur] {
				continue
			}
			visited[cur] = true
			comp = append(comp, cur)
			for neighbor := range undirected[cur] {
				if !visited[neighbor] {
					stack = append(stack, neighbor)
				}
			}
		}
		sort.Slice(comp, func(i, j int) bool {
			return topoIndex[comp[i]] < topoIndex[comp[j]]
		})
		series = append(series, comp)
	}

	sort.SliceStable(series, func(i, j int) bool {
		if len(series[i]) != len(series[j]) {
			return len(series[i]) > len(series[j])
		}
		return topoIndex[series[i][0]] < topoIndex[series[j][0]]
	})
	return series, unresolved, nil
}

type readyNode struct {
	priority int
	name     string
}

type readyHeap []readyNode

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].name < h[j].name
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(readyNode)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
