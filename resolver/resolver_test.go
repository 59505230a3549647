package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	transition "github.com/goliatone/go-transition"
)

func TestResolveKeepsDeclarationOrderWithoutEdges(t *testing.T) {
	order, err := Resolve([]Node{{Name: "c"}, {Name: "a"}, {Name: "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

func TestResolvePrerequisitesFirst(t *testing.T) {
	nodes := []Node{
		{Name: "notify", Prerequisites: []string{"render"}},
		{Name: "archive"},
		{Name: "render", Prerequisites: []string{"load"}},
		{Name: "load"},
	}
	order, err := Resolve(nodes)
	require.NoError(t, err)
	assert.Equal(t, []string{"archive", "load", "render", "notify"}, order)
	assertTopological(t, nodes, order)
}

func TestResolveIgnoresOutsidePrerequisites(t *testing.T) {
	order, err := Resolve([]Node{
		{Name: "b", Prerequisites: []string{"external"}},
		{Name: "a"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, order)
}

func TestResolveDiamond(t *testing.T) {
	nodes := []Node{
		{Name: "join", Prerequisites: []string{"left", "right", "left"}},
		{Name: "right", Prerequisites: []string{"root"}},
		{Name: "left", Prerequisites: []string{"root"}},
		{Name: "root"},
	}
	order, err := Resolve(nodes)
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "right", "left", "join"}, order)
	assertTopological(t, nodes, order)
}

func TestResolveDetectsCycle(t *testing.T) {
	_, err := Resolve([]Node{
		{Name: "a", Prerequisites: []string{"b"}},
		{Name: "b", Prerequisites: []string{"c"}},
		{Name: "c", Prerequisites: []string{"a"}},
		{Name: "d", Prerequisites: []string{"c"}},
		{Name: "e"},
	})
	require.Error(t, err)
	assert.True(t, transition.IsKind(err, transition.ErrCycle))

	meta := transition.ErrorMetadata(err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, meta["actions"])
	cycle, ok := meta["cycle"].([]string)
	require.True(t, ok)
	require.Len(t, cycle, 4)
	assert.Equal(t, cycle[0], cycle[len(cycle)-1])
	assert.NotContains(t, cycle, "d")
}

func TestResolveSelfLoop(t *testing.T) {
	_, err := Resolve([]Node{{Name: "a", Prerequisites: []string{"a"}}})
	require.Error(t, err)
	assert.Equal(t, transition.ErrCodeCycle, transition.ErrorCode(err))
}

func TestResolveRejectsDuplicates(t *testing.T) {
	_, err := Resolve([]Node{{Name: "a"}, {Name: " a "}})
	require.Error(t, err)
	assert.True(t, transition.IsKind(err, transition.ErrInvalidDefinition))

	_, err = Resolve([]Node{{Name: ""}})
	assert.Error(t, err)
}

func TestNodesFor(t *testing.T) {
	nodes := NodesFor([]transition.ActionMeta{{Name: "a", Prerequisites: []string{"b"}}, {Name: "b"}})
	order, err := Resolve(nodes)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, order)
}

func assertTopological(t *testing.T, nodes []Node, order []string) {
	t.Helper()
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	require.Len(t, pos, len(nodes))
	for _, node := range nodes {
		for _, pre := range node.Prerequisites {
			if p, ok := pos[pre]; ok {
				assert.Less(t, p, pos[node.Name], "%s must run before %s", pre, node.Name)
			}
		}
	}
}
