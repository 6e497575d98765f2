package predict

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/casys/pkg/alpha"
	"github.com/casys-ai/casys/pkg/capability"
	"github.com/casys-ai/casys/pkg/config"
	"github.com/casys-ai/casys/pkg/episodic"
	"github.com/casys-ai/casys/pkg/graph"
	"github.com/casys-ai/casys/pkg/spectral"
)

type stubCommunity struct {
	members map[string][]string
	ranks   map[string]float64
}

func (s *stubCommunity) PageRank(id string) float64 { return s.ranks[id] }

func (s *stubCommunity) CommunityMembers(id string) []string { return s.members[id] }

type stubCaps []capability.Capability

func (s stubCaps) List(context.Context) ([]capability.Capability, error) { return s, nil }

func (s stubCaps) Get(_ context.Context, id string) (*capability.Capability, error) {
	for _, c := range s {
		if c.ID == id {
			c := c
			return &c, nil
		}
	}
	return nil, errors.New("capability not found")
}

func newPredictor(g *graph.Store, metrics Community, caps capability.ReadStore, memory *episodic.Memory) *Predictor {
	calc := alpha.NewCalculator(config.DefaultAlpha(), g, nil, nil)
	return NewPredictor(config.DefaultScoring(), g, calc, metrics, caps, nil, memory, nil)
}

func addEdge(g *graph.Store, from, to string, et graph.EdgeType, src graph.EdgeSource, count int) {
	g.AddEdge(from, to, graph.EdgeUpdate{Type: &et, Source: &src, Count: &count})
}

func TestDangerous(t *testing.T) {
	assert.True(t, Dangerous("fs:delete_file"))
	assert.True(t, Dangerous("DB:DROP_TABLE"))
	assert.True(t, Dangerous("billing:process_payment"))
	assert.False(t, Dangerous("fs:read_file"))
}

func TestPredictWithoutAnchor(t *testing.T) {
	p := newPredictor(graph.NewStore(), nil, nil, nil)

	t.Run("empty state", func(t *testing.T) {
		res := p.PredictNext(context.Background(), State{})
		assert.Empty(t, res.Predictions)
		assert.False(t, res.ReplanSuggested)
	})

	t.Run("only failures suggests replanning", func(t *testing.T) {
		res := p.PredictNext(context.Background(), State{Executed: []TaskRun{
			{TaskID: "t1", Tool: "fs:read", Success: false},
		}})
		assert.Empty(t, res.Predictions)
		assert.True(t, res.ReplanSuggested)
	})
}

func TestPredictCooccurrence(t *testing.T) {
	g := graph.NewStore()
	addEdge(g, "a", "b", graph.EdgeDependency, graph.SourceObserved, 3)
	p := newPredictor(g, nil, nil, nil)

	res := p.PredictNext(context.Background(), State{Executed: []TaskRun{
		{TaskID: "t1", Tool: "a", Success: true},
	}})
	require.Len(t, res.Predictions, 1)

	pred := res.Predictions[0]
	assert.Equal(t, "b", pred.ToolID)
	assert.Equal(t, SourceCooccurrence, pred.Source)
	// Three observations leave b in the cold-start regime: alpha 0.82.
	assert.InDelta(t, 0.82, pred.Alpha, 1e-9)
	// Base min(1.0, 0.60) + log2(4)*0.05, then the alpha multiplier:
	// 0.70 * (1.5 - 0.82).
	assert.InDelta(t, 0.476, pred.Confidence, 1e-9)
}

func TestPredictExcludesExecutedAndDangerous(t *testing.T) {
	g := graph.NewStore()
	addEdge(g, "a", "b", graph.EdgeSequence, graph.SourceObserved, 1)
	addEdge(g, "a", "db:drop_table", graph.EdgeDependency, graph.SourceObserved, 5)
	p := newPredictor(g, nil, nil, nil)

	res := p.PredictNext(context.Background(), State{Executed: []TaskRun{
		{TaskID: "t1", Tool: "b", Success: true},
		{TaskID: "t2", Tool: "a", Success: true},
	}})
	for _, pred := range res.Predictions {
		assert.NotEqual(t, "db:drop_table", pred.ToolID)
		assert.NotEqual(t, "a", pred.ToolID)
		assert.NotEqual(t, "b", pred.ToolID)
	}
}

func TestPredictCommunity(t *testing.T) {
	g := graph.NewStore()
	g.AddNode(graph.Node{ID: "a", Kind: graph.KindTool})
	g.AddNode(graph.Node{ID: "b", Kind: graph.KindTool})
	g.AddNode(graph.Node{ID: "capability:c1"})

	metrics := &stubCommunity{
		members: map[string][]string{"a": {"b", "capability:c1"}},
		ranks:   map[string]float64{"b": 0.05},
	}
	p := newPredictor(g, metrics, nil, nil)

	res := p.PredictNext(context.Background(), State{Executed: []TaskRun{
		{TaskID: "t1", Tool: "a", Success: true},
	}})
	require.Len(t, res.Predictions, 1, "capability co-members are not direct predictions")

	pred := res.Predictions[0]
	assert.Equal(t, "b", pred.ToolID)
	assert.Equal(t, SourceCommunity, pred.Source)
	// Base 0.40 + pagerank boost 0.10, no edge, no common neighbors;
	// zero observations keep alpha at 1.0: (0.40+0.10) * 0.5.
	assert.InDelta(t, 0.25, pred.Confidence, 1e-9)
}

func TestPredictCapabilities(t *testing.T) {
	caps := stubCaps{{
		ID:        "cap-1",
		Name:      "read-then-summarize",
		ToolsUsed: []string{"a", "llm:summarize"},
	}}
	p := newPredictor(graph.NewStore(), nil, caps, nil)

	res := p.PredictNext(context.Background(), State{Executed: []TaskRun{
		{TaskID: "t1", Tool: "a", Success: true},
	}})
	require.Len(t, res.Predictions, 1)

	pred := res.Predictions[0]
	assert.Equal(t, "capability:cap-1", pred.ToolID)
	assert.Equal(t, SourceCapability, pred.Source)
	// Overlap 0.5: (0.40 + 0.5*0.45) * (1.5 - 1.0).
	assert.InDelta(t, 0.3125, pred.Confidence, 1e-9)
}

func TestPredictCapabilityClusterBoost(t *testing.T) {
	g := graph.NewStore()
	for _, id := range []string{"a", "b", "c", "d"} {
		g.AddNode(graph.Node{ID: id, Kind: graph.KindTool})
	}
	caps := stubCaps{
		{ID: "cap-files", ToolsUsed: []string{"a", "b"}},
		{ID: "cap-web", ToolsUsed: []string{"c", "d"}},
	}
	calc := alpha.NewCalculator(config.DefaultAlpha(), g, nil, nil)
	engine := spectral.NewEngine(0, 0.25, nil)
	p := NewPredictor(config.DefaultScoring(), g, calc, nil, caps, engine, nil, nil)

	res := p.PredictNext(context.Background(), State{Executed: []TaskRun{
		{TaskID: "t1", Tool: "a", Success: true},
	}})
	require.Len(t, res.Predictions, 1, "only the overlapping capability clears the threshold")

	pred := res.Predictions[0]
	assert.Equal(t, "capability:cap-files", pred.ToolID)
	assert.Equal(t, SourceCapability, pred.Source)
	// Cluster membership and hypergraph centrality lift discovery above
	// the bare overlap of 0.5, whose confidence would be 0.3125.
	assert.Greater(t, pred.Confidence, 0.3125)
	assert.LessOrEqual(t, pred.Confidence, 0.425)
}

func TestPredictCapabilityAlternatives(t *testing.T) {
	caps := stubCaps{
		{ID: "cap-1", Name: "primary", ToolsUsed: []string{"a", "x"}},
		{ID: "cap-2", Name: "proven", ToolsUsed: []string{"y", "z"}, SuccessRate: 0.9},
		{ID: "cap-3", Name: "shaky", ToolsUsed: []string{"q"}, SuccessRate: 0.5},
	}
	g := graph.NewStore()
	addEdge(g, "capability:cap-1", "capability:cap-2", graph.EdgeAlternative, graph.SourceObserved, 0)
	addEdge(g, "capability:cap-3", "capability:cap-1", graph.EdgeAlternative, graph.SourceObserved, 0)

	p := newPredictor(g, nil, caps, nil)
	res := p.PredictNext(context.Background(), State{Executed: []TaskRun{
		{TaskID: "t1", Tool: "a", Success: true},
	}})

	byTool := make(map[string]Prediction)
	for _, pred := range res.Predictions {
		byTool[pred.ToolID] = pred
	}

	require.Contains(t, byTool, "capability:cap-1")
	assert.Equal(t, SourceCapability, byTool["capability:cap-1"].Source)

	alt, ok := byTool["capability:cap-2"]
	require.True(t, ok, "the proven alternative rides along with the primary")
	assert.Equal(t, SourceAlternative, alt.Source)
	assert.Greater(t, alt.Confidence, 0.0)

	_, ok = byTool["capability:cap-3"]
	assert.False(t, ok, "success rate at or below 0.7 suppresses the alternative")
}

func TestPredictAlternativesAfterFailure(t *testing.T) {
	g := graph.NewStore()
	addEdge(g, "flaky", "alt", graph.EdgeAlternative, graph.SourceObserved, 0)
	addEdge(g, "a", "ignored", graph.EdgeSequence, graph.SourceObserved, 0)

	state := State{Executed: []TaskRun{
		{TaskID: "t1", Tool: "a", Success: true},
		{TaskID: "t2", Tool: "flaky", Success: false},
	}}

	t.Run("unproven alternatives are withheld", func(t *testing.T) {
		p := newPredictor(g, nil, nil, nil)
		res := p.PredictNext(context.Background(), state)
		for _, pred := range res.Predictions {
			assert.NotEqual(t, SourceAlternative, pred.Source)
		}
	})

	t.Run("success rate at the threshold is not enough", func(t *testing.T) {
		p := newPredictor(g, nil, nil, nil)
		for i := 0; i < 7; i++ {
			p.RecordOutcome("alt", true)
		}
		for i := 0; i < 3; i++ {
			p.RecordOutcome("alt", false)
		}
		res := p.PredictNext(context.Background(), state)
		for _, pred := range res.Predictions {
			assert.NotEqual(t, SourceAlternative, pred.Source)
		}
	})

	t.Run("proven alternative is suggested", func(t *testing.T) {
		p := newPredictor(g, nil, nil, nil)
		p.RecordOutcome("alt", true)
		p.RecordOutcome("alt", true)
		p.RecordOutcome("alt", true)

		res := p.PredictNext(context.Background(), state)
		var alt *Prediction
		for i := range res.Predictions {
			if res.Predictions[i].Source == SourceAlternative {
				alt = &res.Predictions[i]
			}
		}
		require.NotNil(t, alt)
		assert.Equal(t, "alt", alt.ToolID)
		// Edge weight 0.6 discounted by 0.9, then the alpha multiplier:
		// 0.54 * (1.5 - 1.0).
		assert.InDelta(t, 0.27, alt.Confidence, 1e-9)
		assert.True(t, res.ReplanSuggested, "a weak alternative still calls for replanning")
	})
}

func TestPredictEpisodicExclusion(t *testing.T) {
	g := graph.NewStore()
	addEdge(g, "a", "b", graph.EdgeDependency, graph.SourceObserved, 3)

	memory := episodic.NewMemory()
	ctxHash := episodic.ContextHash([]string{"a"})
	memory.Record(ctxHash, "b", false)
	memory.Record(ctxHash, "b", false)
	memory.Record(ctxHash, "b", true)

	p := newPredictor(g, nil, nil, memory)
	res := p.PredictNext(context.Background(), State{Executed: []TaskRun{
		{TaskID: "t1", Tool: "a", Success: true},
	}})
	assert.Empty(t, res.Predictions, "repeated failures in this context exclude the tool")
}

func TestPredictDeduplicatesAndSorts(t *testing.T) {
	g := graph.NewStore()
	addEdge(g, "a", "b", graph.EdgeDependency, graph.SourceObserved, 3)

	metrics := &stubCommunity{members: map[string][]string{"a": {"b"}}}
	p := newPredictor(g, metrics, nil, nil)

	res := p.PredictNext(context.Background(), State{Executed: []TaskRun{
		{TaskID: "t1", Tool: "a", Success: true},
	}})
	require.Len(t, res.Predictions, 1, "community and cooccurrence hits on one tool merge")
	assert.Equal(t, SourceCooccurrence, res.Predictions[0].Source)
	assert.InDelta(t, 0.476, res.Predictions[0].Confidence, 1e-9)
}
