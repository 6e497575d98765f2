package learn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/casys/pkg/episodic"
	"github.com/casys-ai/casys/pkg/events"
	"github.com/casys-ai/casys/pkg/graph"
	"github.com/casys-ai/casys/pkg/storage"
)

type countingRefresh struct {
	recomputes  int
	invalidates int
	cacheDrops  int
}

func (c *countingRefresh) Recompute()       { c.recomputes++ }
func (c *countingRefresh) Invalidate()      { c.invalidates++ }
func (c *countingRefresh) InvalidateCache() { c.cacheDrops++ }

type recordingSink map[string][]bool

func (r recordingSink) RecordOutcome(tool string, success bool) {
	r[tool] = append(r[tool], success)
}

func newLearner(g *graph.Store, memory *episodic.Memory, sink OutcomeSink, bus *events.Bus) (*Learner, *countingRefresh) {
	refresh := &countingRefresh{}
	l := NewLearner(g, nil, storage.NewMemoryStore(), memory, refresh, refresh, refresh, sink, nil, bus)
	return l, refresh
}

func TestUpdateFromExecution(t *testing.T) {
	ctx := context.Background()

	t.Run("consecutive successes create a template edge", func(t *testing.T) {
		g := graph.NewStore()
		l, refresh := newLearner(g, nil, nil, nil)

		err := l.UpdateFromExecution(ctx, ExecutionReport{
			Tasks: []TaskResult{
				{TaskID: "t1", Tool: "fs:read", Success: true},
				{TaskID: "t2", Tool: "llm:summarize", Success: true},
			},
			Success: true,
		})
		require.NoError(t, err)

		e, ok := g.Edge("fs:read", "llm:summarize")
		require.True(t, ok)
		assert.Equal(t, graph.EdgeDependency, e.Type)
		assert.Equal(t, graph.SourceTemplate, e.Source)
		assert.InDelta(t, 0.5, e.Weight, 1e-9)
		assert.Equal(t, 1, e.Count)
		assert.Equal(t, 1, refresh.recomputes)
	})

	t.Run("re-execution lifts the existing edge", func(t *testing.T) {
		g := graph.NewStore()
		l, _ := newLearner(g, nil, nil, nil)

		report := ExecutionReport{
			Tasks: []TaskResult{
				{TaskID: "t1", Tool: "a", Success: true},
				{TaskID: "t2", Tool: "b", Success: true},
			},
			Success: true,
		}
		require.NoError(t, l.UpdateFromExecution(ctx, report))
		require.NoError(t, l.UpdateFromExecution(ctx, report))

		e, ok := g.Edge("a", "b")
		require.True(t, ok)
		assert.InDelta(t, 0.55, e.Weight, 1e-9)
		assert.Equal(t, 2, e.Count)
	})

	t.Run("declared dependencies drive reinforcement", func(t *testing.T) {
		g := graph.NewStore()
		l, _ := newLearner(g, nil, nil, nil)

		// c declares only a as its predecessor; b ran in between but is
		// not part of c's dependency set.
		require.NoError(t, l.UpdateFromExecution(ctx, ExecutionReport{
			Tasks: []TaskResult{
				{TaskID: "t1", Tool: "a", Success: true},
				{TaskID: "t2", Tool: "b", Success: true},
				{TaskID: "t3", Tool: "c", Success: true, DependsOn: []string{"t1"}},
			},
			Success: true,
		}))

		_, ok := g.Edge("a", "c")
		assert.True(t, ok, "the declared edge is reinforced")
		_, ok = g.Edge("b", "c")
		assert.False(t, ok, "execution order alone creates no edge")
		_, ok = g.Edge("a", "b")
		assert.False(t, ok)
	})

	t.Run("fan-out reinforces every declared edge", func(t *testing.T) {
		g := graph.NewStore()
		l, refresh := newLearner(g, nil, nil, nil)

		require.NoError(t, l.UpdateFromExecution(ctx, ExecutionReport{
			Tasks: []TaskResult{
				{TaskID: "t1", Tool: "root", Success: true},
				{TaskID: "t2", Tool: "left", Success: true, DependsOn: []string{"t1"}},
				{TaskID: "t3", Tool: "right", Success: true, DependsOn: []string{"t1"}},
			},
			Success: true,
		}))

		_, ok := g.Edge("root", "left")
		assert.True(t, ok)
		_, ok = g.Edge("root", "right")
		assert.True(t, ok)
		_, ok = g.Edge("left", "right")
		assert.False(t, ok, "siblings share no declared edge")
		assert.Equal(t, 1, refresh.recomputes)
	})

	t.Run("a failed dependency is not reinforced", func(t *testing.T) {
		g := graph.NewStore()
		l, _ := newLearner(g, nil, nil, nil)

		require.NoError(t, l.UpdateFromExecution(ctx, ExecutionReport{
			Tasks: []TaskResult{
				{TaskID: "t1", Tool: "a", Success: false},
				{TaskID: "t2", Tool: "b", Success: true, DependsOn: []string{"t1"}},
				{TaskID: "t3", Tool: "c", Success: true, DependsOn: []string{"t2", "missing"}},
			},
		}))

		_, ok := g.Edge("a", "b")
		assert.False(t, ok, "the failed predecessor leaves no edge")
		_, ok = g.Edge("b", "c")
		assert.True(t, ok)
	})

	t.Run("a failure breaks the chain", func(t *testing.T) {
		g := graph.NewStore()
		l, refresh := newLearner(g, nil, nil, nil)

		require.NoError(t, l.UpdateFromExecution(ctx, ExecutionReport{
			Tasks: []TaskResult{
				{TaskID: "t1", Tool: "a", Success: true},
				{TaskID: "t2", Tool: "b", Success: false},
				{TaskID: "t3", Tool: "c", Success: true},
			},
		}))

		_, ok := g.Edge("b", "c")
		assert.False(t, ok)
		_, ok = g.Edge("a", "c")
		assert.False(t, ok, "the failed task does not bridge its neighbors")
		assert.Zero(t, refresh.recomputes, "nothing changed, nothing refreshed")
	})

	t.Run("episodic memory and outcomes record every task", func(t *testing.T) {
		g := graph.NewStore()
		memory := episodic.NewMemory()
		sink := recordingSink{}
		l, _ := newLearner(g, memory, sink, nil)

		require.NoError(t, l.UpdateFromExecution(ctx, ExecutionReport{
			Tasks: []TaskResult{
				{TaskID: "t1", Tool: "a", Success: true},
				{TaskID: "t2", Tool: "b", Success: false},
			},
		}))

		o, ok := memory.Lookup(episodic.ContextHash([]string{"a"}), "b")
		require.True(t, ok)
		assert.Equal(t, 1, o.Failures)

		assert.Equal(t, []bool{true}, sink["a"])
		assert.Equal(t, []bool{false}, sink["b"])
	})

	t.Run("edge events are published", func(t *testing.T) {
		g := graph.NewStore()
		bus := events.NewBus()
		var names []string
		bus.SubscribeAll(func(e events.Event) { names = append(names, e.Name) })
		l, _ := newLearner(g, nil, nil, bus)

		report := ExecutionReport{Tasks: []TaskResult{
			{TaskID: "t1", Tool: "a", Success: true},
			{TaskID: "t2", Tool: "b", Success: true},
		}}
		require.NoError(t, l.UpdateFromExecution(ctx, report))
		require.NoError(t, l.UpdateFromExecution(ctx, report))

		assert.Contains(t, names, events.EdgeCreated)
		assert.Contains(t, names, events.EdgeUpdated)
	})
}

func TestUpdateFromCodeExecution(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	spans := []CodeTrace{
		{TraceID: "p", Tool: "pipeline:run", Timestamp: base},
		{TraceID: "k1", ParentTraceID: "p", Tool: "fetch", Timestamp: base.Add(time.Second)},
		{TraceID: "k2", ParentTraceID: "p", Tool: "parse", Timestamp: base.Add(2 * time.Second)},
	}

	t.Run("mines contains and sequence edges", func(t *testing.T) {
		g := graph.NewStore()
		l, _ := newLearner(g, nil, nil, nil)
		require.NoError(t, l.UpdateFromCodeExecution(ctx, spans))

		e, ok := g.Edge("pipeline:run", "fetch")
		require.True(t, ok)
		assert.Equal(t, graph.EdgeContains, e.Type)
		assert.Equal(t, graph.SourceInferred, e.Source)
		assert.InDelta(t, 0.56, e.Weight, 1e-9)

		e, ok = g.Edge("fetch", "parse")
		require.True(t, ok)
		assert.Equal(t, graph.EdgeSequence, e.Type)
		assert.InDelta(t, 0.35, e.Weight, 1e-9)
	})

	t.Run("repeated observation promotes to observed", func(t *testing.T) {
		g := graph.NewStore()
		l, _ := newLearner(g, nil, nil, nil)
		for i := 0; i < 3; i++ {
			require.NoError(t, l.UpdateFromCodeExecution(ctx, spans))
		}

		e, ok := g.Edge("fetch", "parse")
		require.True(t, ok)
		assert.Equal(t, 3, e.Count)
		assert.Equal(t, graph.SourceObserved, e.Source)
		assert.InDelta(t, 0.5, e.Weight, 1e-9)
	})

	t.Run("orphan spans still order among themselves", func(t *testing.T) {
		g := graph.NewStore()
		l, _ := newLearner(g, nil, nil, nil)
		require.NoError(t, l.UpdateFromCodeExecution(ctx, []CodeTrace{
			{TraceID: "x", ParentTraceID: "gone", Tool: "first", Timestamp: base},
			{TraceID: "y", ParentTraceID: "gone", Tool: "second", Timestamp: base.Add(time.Second)},
		}))

		_, ok := g.Edge("first", "second")
		assert.True(t, ok)
	})

	t.Run("empty input is a no-op", func(t *testing.T) {
		g := graph.NewStore()
		l, refresh := newLearner(g, nil, nil, nil)
		require.NoError(t, l.UpdateFromCodeExecution(ctx, nil))
		assert.Zero(t, g.NodeCount())
		assert.Zero(t, refresh.recomputes)
	})
}
