package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkgforge-agent/internal/depgraph"
)

func graphOf(t *testing.T, nodes []string, edges [][2]string) *depgraph.Graph {
	t.Helper()
	dirs := make(map[string]string, len(nodes))
	for _, node := range nodes {
		dirs[node] = "/src/" + node
	}
	g := depgraph.New(dirs, nil)
	for _, edge := range edges {
		g.AddEdge(edge[0], edge[1])
	}
	return g
}

func assertTopological(t *testing.T, g *depgraph.Graph, order []string) {
	t.Helper()
	pos := make(map[string]int, len(order))
	for idx, node := range order {
		pos[node] = idx
	}
	for prereq, dependents := range g.Adj {
		for dependent := range dependents {
			pi, pok := pos[prereq]
			di, dok := pos[dependent]
			if pok && dok {
				assert.Less(t, pi, di, "%s must come before %s", prereq, dependent)
			}
		}
	}
}

func TestTopoSortClosure(t *testing.T) {
	g := graphOf(t, []string{"A", "B", "C"}, [][2]string{
		{"B", "A"}, {"C", "A"}, {"B", "C"},
	})

	order, err := TopoSort(g, nil, []string{"A"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C", "A"}, order)
}

func TestTopoSortSubsetFiltered(t *testing.T) {
	g := graphOf(t, []string{"A", "B", "C"}, [][2]string{
		{"B", "A"}, {"C", "A"}, {"B", "C"},
	})

	order, err := TopoSort(g, nil, []string{"A", "C"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A"}, order, "prerequisite B is computed but filtered out")
}

func TestTopoSortAllNodes(t *testing.T) {
	g := graphOf(t, []string{"w", "x", "y", "z"}, [][2]string{
		{"w", "x"}, {"x", "y"},
	})

	order, err := TopoSort(g, nil, nil, true)
	require.NoError(t, err)
	assert.Len(t, order, 4)
	assertTopological(t, g, order)
}

func TestTopoSortHintBreaksTies(t *testing.T) {
	g := graphOf(t, []string{"a", "b", "c"}, nil)

	// All three are ready at once; the hint decides.
	order, err := TopoSort(g, map[string]int{"c": 0, "b": 1}, nil, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, order, "hinted nodes first, un-hinted last")
}

func TestTopoSortUnknownTarget(t *testing.T) {
	g := graphOf(t, []string{"a"}, nil)
	_, err := TopoSort(g, nil, []string{"ghost"}, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestTopoSortCycle(t *testing.T) {
	g := graphOf(t, []string{"A", "B", "C"}, [][2]string{
		{"A", "B"}, {"B", "A"},
	})

	_, err := TopoSort(g, nil, []string{"A"}, true)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"A", "B"}, cycleErr.Remaining)

	// C is outside the cycle and still sorts fine.
	order, err := TopoSort(g, nil, []string{"C"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, order)
}

func TestSeriesToposortSplitsComponents(t *testing.T) {
	// Two disjoint subgraphs: a 5-node chain-ish block and a 2-node pair.
	g := graphOf(t, []string{"a1", "a2", "a3", "a4", "a5", "b1", "b2"}, [][2]string{
		{"a1", "a2"}, {"a1", "a3"}, {"a2", "a4"}, {"a3", "a4"}, {"a4", "a5"},
		{"b1", "b2"},
	})

	series, unresolved, err := SeriesToposort(g, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
	require.Len(t, series, 2)
	assert.Len(t, series[0], 5, "larger series first")
	assert.Len(t, series[1], 2)
	assertTopological(t, g, series[0])
	assertTopological(t, g, series[1])
}

func TestSeriesToposortReportsUnresolved(t *testing.T) {
	g := graphOf(t, []string{"app"}, nil)
	g.Unresolved = map[string]map[string]bool{"app": {"libmissing": true}}

	series, unresolved, err := SeriesToposort(g, nil, []string{"app"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"app"}}, series)
	assert.True(t, unresolved["libmissing"])
}
