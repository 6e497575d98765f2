package suggest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/casys/pkg/alpha"
	"github.com/casys-ai/casys/pkg/capability"
	"github.com/casys-ai/casys/pkg/config"
	"github.com/casys-ai/casys/pkg/dag"
	"github.com/casys-ai/casys/pkg/episodic"
	"github.com/casys-ai/casys/pkg/graph"
	"github.com/casys-ai/casys/pkg/search"
)

type stubSemantic struct {
	hits []search.SemanticResult
	err  error
}

func (s *stubSemantic) Search(context.Context, string, int) ([]search.SemanticResult, error) {
	return s.hits, s.err
}

type stubCentrality map[string]float64

func (s stubCentrality) PageRank(id string) float64 { return s[id] }
func (s stubCentrality) PageRankMap() map[string]float64 { return s }

type stubCaps []capability.Capability

func (s stubCaps) List(context.Context) ([]capability.Capability, error) { return s, nil }
func (s stubCaps) Get(_ context.Context, id string) (*capability.Capability, error) {
	for i := range s {
		if s[i].ID == id {
			return &s[i], nil
		}
	}
	return nil, errors.New("not found")
}

func newSuggester(g *graph.Store, sem *stubSemantic, caps capability.ReadStore, memory *episodic.Memory) *Suggester {
	cfg := config.DefaultScoring()
	calc := alpha.NewCalculator(config.DefaultAlpha(), g, nil, nil)
	hybrid := search.NewHybrid(g, calc, sem, nil)
	builder := dag.NewBuilder(g, cfg.Limits.MaxPathHops, nil)
	return NewSuggester(cfg, g, hybrid, builder, stubCentrality{}, caps, nil, memory, nil)
}

func TestSuggestNoHits(t *testing.T) {
	s := newSuggester(graph.NewStore(), &stubSemantic{}, nil, nil)
	d, err := s.Suggest(context.Background(), "anything", nil)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestSuggestSearchErrorPropagates(t *testing.T) {
	sentinel := errors.New("down")
	s := newSuggester(graph.NewStore(), &stubSemantic{err: sentinel}, nil, nil)
	_, err := s.Suggest(context.Background(), "q", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "candidate search")
}

// On an empty graph alpha is 1.0, pagerank and paths contribute nothing,
// and confidence reduces to 0.85 * average semantic score.
func TestSuggestConfidenceBands(t *testing.T) {
	t.Run("confident suggestion", func(t *testing.T) {
		sem := &stubSemantic{hits: []search.SemanticResult{{ToolID: "fs:read", Score: 0.95}}}
		s := newSuggester(graph.NewStore(), sem, nil, nil)

		d, err := s.Suggest(context.Background(), "read the file", nil)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.InDelta(t, 0.8075, d.Confidence, 1e-9)
		assert.Empty(t, d.Warning)
		assert.InDelta(t, 1.0, d.AverageAlpha, 1e-9)
		require.Len(t, d.Tasks, 1)
		assert.Equal(t, "fs:read", d.Tasks[0].Tool)
		assert.Contains(t, d.Rationale, "fs:read")
	})

	t.Run("low confidence ships with a warning", func(t *testing.T) {
		sem := &stubSemantic{hits: []search.SemanticResult{{ToolID: "fs:read", Score: 0.73}}}
		s := newSuggester(graph.NewStore(), sem, nil, nil)

		d, err := s.Suggest(context.Background(), "vague intent", nil)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.InDelta(t, 0.6205, d.Confidence, 1e-9)
		assert.NotEmpty(t, d.Warning)
	})

	t.Run("below the reject threshold withholds", func(t *testing.T) {
		sem := &stubSemantic{hits: []search.SemanticResult{{ToolID: "fs:read", Score: 0.69}}}
		s := newSuggester(graph.NewStore(), sem, nil, nil)

		d, err := s.Suggest(context.Background(), "very vague", nil)
		require.NoError(t, err)
		assert.Nil(t, d)
	})
}

func TestSuggestTruncatesToDAGSize(t *testing.T) {
	hits := make([]search.SemanticResult, 8)
	for i := range hits {
		hits[i] = search.SemanticResult{ToolID: string(rune('a' + i)), Score: 0.95}
	}
	s := newSuggester(graph.NewStore(), &stubSemantic{hits: hits}, nil, nil)

	d, err := s.Suggest(context.Background(), "q", nil)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Len(t, d.Candidates, 5)
	assert.Len(t, d.Tasks, 5)
}

func TestSuggestInjectsCapabilities(t *testing.T) {
	sem := &stubSemantic{hits: []search.SemanticResult{
		{ToolID: "fs:read", Score: 0.95},
		{ToolID: "llm:summarize", Score: 0.90},
	}}
	caps := stubCaps{{
		ID:        "cap-1",
		Name:      "read-then-summarize",
		ToolsUsed: []string{"fs:read", "llm:summarize", "fs:write"},
	}}
	s := newSuggester(graph.NewStore(), sem, caps, nil)

	d, err := s.Suggest(context.Background(), "summarize the file", nil)
	require.NoError(t, err)
	require.NotNil(t, d)

	require.Len(t, d.Capabilities, 1)
	// Overlap 2/3, no cluster boost: 0.40 + (2/3)*0.45.
	assert.InDelta(t, 0.70, d.Capabilities[0].Confidence, 1e-9)
	assert.Equal(t, "read-then-summarize", d.Capabilities[0].Name)

	require.Len(t, d.Tasks, 3)
	capTask := d.Tasks[2]
	assert.Equal(t, "capability", capTask.Type)
	assert.Equal(t, "capability:cap-1", capTask.Tool)
	assert.ElementsMatch(t, []string{"task_0", "task_1"}, capTask.DependsOn)
	assert.Contains(t, d.Rationale, "capability task")
}

func TestSuggestEpisodicVeto(t *testing.T) {
	sem := &stubSemantic{hits: []search.SemanticResult{
		{ToolID: "fs:read", Score: 0.95},
		{ToolID: "llm:summarize", Score: 0.90},
	}}
	caps := stubCaps{{
		ID:        "cap-1",
		Name:      "read-then-summarize",
		ToolsUsed: []string{"fs:read", "llm:summarize"},
	}}
	memory := episodic.NewMemory()
	ctxHash := episodic.ContextHash(nil)
	memory.Record(ctxHash, "capability:cap-1", false)
	memory.Record(ctxHash, "capability:cap-1", false)
	memory.Record(ctxHash, "capability:cap-1", true)

	s := newSuggester(graph.NewStore(), sem, caps, memory)

	d, err := s.Suggest(context.Background(), "summarize the file", nil)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Empty(t, d.Capabilities, "a capability that keeps failing here is withheld")
	assert.Len(t, d.Tasks, 2)
}

func TestSuggestOverlapBelowThresholdSkipsCapability(t *testing.T) {
	sem := &stubSemantic{hits: []search.SemanticResult{{ToolID: "fs:read", Score: 0.95}}}
	caps := stubCaps{{
		ID:        "cap-1",
		Name:      "mostly-unrelated",
		ToolsUsed: []string{"fs:read", "a", "b", "c", "d"},
	}}
	s := newSuggester(graph.NewStore(), sem, caps, nil)

	d, err := s.Suggest(context.Background(), "read", nil)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Empty(t, d.Capabilities)
}
