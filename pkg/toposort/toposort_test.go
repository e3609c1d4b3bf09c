package toposort_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/incbuild/pkg/toposort"
)

func TestGraph_DuplicatedNode(t *testing.T) {
	t.Parallel()

	graph := toposort.NewGraph()

	assert.True(t, graph.AddNode("a"))
	assert.False(t, graph.AddNode("a"))
	assert.Equal(t, 1, graph.Len())
}

func TestGraph_DuplicatedEdge(t *testing.T) {
	t.Parallel()

	graph := toposort.NewGraph()

	assert.True(t, graph.AddEdge("a", "b"))
	assert.False(t, graph.AddEdge("a", "b"))
}

func TestGraph_ToposortWikipedia(t *testing.T) {
	t.Parallel()

	graph := toposort.NewGraph()
	for _, name := range []string{"2", "3", "5", "7", "8", "9", "10", "11"} {
		graph.AddNode(name)
	}

	edges := [][2]string{
		{"7", "8"}, {"7", "11"},
		{"5", "11"},
		{"3", "8"}, {"3", "10"},
		{"11", "2"}, {"11", "9"}, {"11", "10"},
		{"8", "9"},
	}
	for _, e := range edges {
		graph.AddEdge(e[0], e[1])
	}

	order, ok := graph.Toposort()
	require.True(t, ok)
	assert.Equal(t, []string{"3", "5", "7", "11", "10", "2", "8", "9"}, order)

	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}

	for _, e := range edges {
		assert.Less(t, pos[e[0]], pos[e[1]], "%s before %s", e[0], e[1])
	}
}

func TestGraph_Cycle(t *testing.T) {
	t.Parallel()

	graph := toposort.NewGraph()
	graph.AddEdge("app", "core")
	graph.AddEdge("core", "util")
	graph.AddEdge("util", "app")
	graph.AddEdge("tools", "app")

	order, ok := graph.Toposort()
	assert.False(t, ok)
	assert.Equal(t, []string{"tools"}, order)

	assert.Equal(t, []string{"core", "util", "app", "core"}, graph.FindCycle("core"))
	assert.Nil(t, graph.FindCycle("tools"))
	assert.Nil(t, graph.FindCycle("missing"))
}
