package spectral

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/casys/pkg/capability"
)

func twoGroupInput() ([]string, []capability.Capability) {
	tools := []string{"fs:read", "fs:write", "http:get", "http:post"}
	caps := []capability.Capability{
		{ID: "c-files", ToolsUsed: []string{"fs:read", "fs:write"}},
		{ID: "c-web", ToolsUsed: []string{"http:get", "http:post"}},
	}
	return tools, caps
}

func TestComputeDegenerateInput(t *testing.T) {
	e := NewEngine(DefaultTTL, 0.3, nil)

	t.Run("too few tools", func(t *testing.T) {
		res := e.Compute([]string{"only"}, []capability.Capability{{ID: "a"}, {ID: "b"}})
		assert.True(t, res.Empty())
	})

	t.Run("too few capabilities", func(t *testing.T) {
		e.Invalidate()
		res := e.Compute([]string{"a", "b"}, []capability.Capability{{ID: "solo"}})
		assert.True(t, res.Empty())
		assert.Zero(t, res.Clusters)
	})
}

func TestComputeAssignsEveryNode(t *testing.T) {
	tools, caps := twoGroupInput()
	e := NewEngine(DefaultTTL, 0.3, nil)

	res := e.Compute(tools, caps)
	require.False(t, res.Empty())

	for _, tool := range tools {
		_, ok := res.ToolCluster[tool]
		assert.True(t, ok, "tool %s has a cluster", tool)
	}
	for _, c := range caps {
		_, ok := res.CapCluster[c.ID]
		assert.True(t, ok, "capability %s has a cluster", c.ID)
	}
	assert.GreaterOrEqual(t, res.Clusters, 2)
	assert.LessOrEqual(t, res.Clusters, 5)

	// Hypergraph pagerank is normalized so the top capability scores 1.0.
	require.Len(t, res.CapPageRank, 2)
	maxScore := 0.0
	for _, s := range res.CapPageRank {
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
		if s > maxScore {
			maxScore = s
		}
	}
	assert.InDelta(t, 1.0, maxScore, 1e-9)
}

func TestComputeCaching(t *testing.T) {
	tools, caps := twoGroupInput()
	e := NewEngine(time.Hour, 0.3, nil)

	first := e.Compute(tools, caps)
	second := e.Compute(tools, caps)
	assert.Same(t, first, second, "identical input within TTL hits the cache")

	e.Invalidate()
	third := e.Compute(tools, caps)
	assert.NotSame(t, first, third)
	assert.Equal(t, first.Key, third.Key)
	assert.Equal(t, first.ToolCluster, third.ToolCluster, "recomputation is deterministic")

	// Changing membership changes the key and misses the cache.
	caps[0].ToolsUsed = append(caps[0].ToolsUsed, "http:get")
	fourth := e.Compute(tools, caps)
	assert.NotEqual(t, third.Key, fourth.Key)
}

func TestCacheKey(t *testing.T) {
	caps := []capability.Capability{
		{ID: "c1", ToolsUsed: []string{"a", "b"}},
		{ID: "c2", ToolsUsed: []string{"c"}},
	}
	k1 := CacheKey([]string{"a", "b", "c"}, caps)
	k2 := CacheKey([]string{"c", "a", "b"}, []capability.Capability{caps[1], caps[0]})
	assert.Equal(t, k1, k2, "input order does not matter")
	assert.Len(t, k1, 32)

	k3 := CacheKey([]string{"a", "b"}, caps)
	assert.NotEqual(t, k1, k3)
}

func TestActiveCluster(t *testing.T) {
	res := &Result{
		ToolCluster: map[string]int{"a": 0, "b": 0, "c": 1},
		CapCluster:  map[string]int{"cap": 0},
	}

	active, ok := res.ActiveCluster([]string{"a", "b", "c"})
	require.True(t, ok)
	assert.Equal(t, 0, active)

	active, ok = res.ActiveCluster([]string{"c"})
	require.True(t, ok)
	assert.Equal(t, 1, active)

	_, ok = res.ActiveCluster([]string{"unknown"})
	assert.False(t, ok)

	_, ok = (*Result)(nil).ActiveCluster([]string{"a"})
	assert.False(t, ok)
}

func TestClusterBoost(t *testing.T) {
	e := NewEngine(DefaultTTL, 0.5, nil)
	res := &Result{
		ToolCluster: map[string]int{"a": 0, "b": 0, "c": 1, "d": 1},
		CapCluster:  map[string]int{"in": 0, "out": 1},
		Clusters:    2,
	}

	t.Run("fully inside the active cluster", func(t *testing.T) {
		c := capability.Capability{ID: "in", ToolsUsed: []string{"a", "b"}}
		assert.InDelta(t, 0.5, e.ClusterBoost(c, 0, res), 1e-9)
	})

	t.Run("straddling the boundary", func(t *testing.T) {
		c := capability.Capability{ID: "in", ToolsUsed: []string{"a", "c"}}
		// membership = (1 + 0.5*1)/2 = 0.75, same cluster: 0.5 * 0.75
		assert.InDelta(t, 0.375, e.ClusterBoost(c, 0, res), 1e-9)
	})

	t.Run("foreign cluster is damped twice", func(t *testing.T) {
		c := capability.Capability{ID: "out", ToolsUsed: []string{"c", "d"}}
		// membership = 0.5, cross-cluster: 0.5 * 0.5 * 0.5
		assert.InDelta(t, 0.125, e.ClusterBoost(c, 0, res), 1e-9)
	})

	t.Run("unknown capability or empty result", func(t *testing.T) {
		c := capability.Capability{ID: "ghost", ToolsUsed: []string{"a"}}
		assert.Zero(t, e.ClusterBoost(c, 0, res))
		assert.Zero(t, e.ClusterBoost(c, 0, &Result{}))
	})
}
