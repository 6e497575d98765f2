// Package search blends semantic vector search with graph relatedness
// under the locally adaptive alpha coefficient.
//
// The semantic layer (embedding plus approximate nearest neighbor) is a
// black box behind the SemanticSearcher interface. The graph contributes a
// relatedness score from direct edges and weighted Adamic-Adar link
// prediction. Candidate expansion widens with graph maturity so a denser
// graph gets more chances to re-rank the semantic list.
//
// Any graph-side failure degrades to semantic-only results (alpha = 1.0);
// the search itself never fails on graph problems.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/casys-ai/casys/pkg/alpha"
	"github.com/casys-ai/casys/pkg/graph"
)

// Expansion factors by graph density.
const (
	sparseDensity   = 0.01
	moderateDensity = 0.10

	sparseExpansion   = 1.5
	moderateExpansion = 2.0
	denseExpansion    = 3.0
)

// relatedLimit caps attached related tools per direction.
const relatedLimit = 3

// SemanticResult is one hit from the external semantic layer.
type SemanticResult struct {
	ToolID string
	Score  float64
}

// SemanticSearcher is the external Embed+ANN layer.
type SemanticSearcher interface {
	Search(ctx context.Context, query string, k int) ([]SemanticResult, error)
}

// RelatedTool labels a neighbor of a result.
type RelatedTool struct {
	ToolID string `json:"tool_id"`
	Label  string `json:"label"` // often_before | often_after
}

// HybridResult is one blended search hit.
type HybridResult struct {
	ToolID   string        `json:"tool_id"`
	Semantic float64       `json:"semantic_score"`
	Graph    float64       `json:"graph_score"`
	Alpha    float64       `json:"alpha"`
	Final    float64       `json:"final_score"`
	Related  []RelatedTool `json:"related_tools,omitempty"`
}

// Hybrid performs blended search over one graph.
type Hybrid struct {
	g     *graph.Store
	alpha *alpha.Calculator
	sem   SemanticSearcher
	log   *zap.Logger
}

// NewHybrid wires a hybrid searcher.
func NewHybrid(g *graph.Store, calc *alpha.Calculator, sem SemanticSearcher, log *zap.Logger) *Hybrid {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hybrid{g: g, alpha: calc, sem: sem, log: log}
}

// ExpansionFactor returns the candidate expansion for a given graph
// density.
func ExpansionFactor(density float64) float64 {
	switch {
	case density < sparseDensity:
		return sparseExpansion
	case density < moderateDensity:
		return moderateExpansion
	default:
		return denseExpansion
	}
}

// Search returns the top `limit` blended results for the query.
// contextTools may be empty. includeRelated attaches labeled neighbors.
func (h *Hybrid) Search(ctx context.Context, query string, contextTools []string, limit int, includeRelated bool) ([]HybridResult, error) {
	if limit < 1 {
		limit = 1
	}
	expansion := ExpansionFactor(h.g.Density())
	k := int(math.Ceil(float64(limit) * expansion))

	semantic, err := h.sem.Search(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	if len(semantic) == 0 {
		return nil, nil
	}

	results := make([]HybridResult, 0, len(semantic))
	for _, hit := range semantic {
		res := HybridResult{
			ToolID:   hit.ToolID,
			Semantic: hit.Score,
			Alpha:    1.0,
		}
		res.Graph = h.graphRelatedness(hit.ToolID, contextTools)
		if res.Graph > 0 || h.g.HasNode(hit.ToolID) {
			a, _ := h.alpha.Alpha(hit.ToolID, contextTools, alpha.ModeActive)
			res.Alpha = a
		}
		res.Final = res.Alpha*res.Semantic + (1-res.Alpha)*res.Graph
		results = append(results, res)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Final > results[j].Final
	})
	if limit < len(results) {
		results = results[:limit]
	}

	if includeRelated {
		for i := range results {
			results[i].Related = h.relatedTools(results[i].ToolID)
		}
	}
	return results, nil
}

// graphRelatedness scores a candidate against the context: 1.0 for a
// direct edge in either direction, otherwise the best weighted Adamic-Adar
// score halved and capped at 1.0. Panics in the graph layer degrade to a
// zero score.
func (h *Hybrid) graphRelatedness(tool string, contextTools []string) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Warn("graph relatedness failed, degrading to semantic-only",
				zap.String("tool", tool), zap.Any("panic", r))
			score = 0
		}
	}()

	if len(contextTools) == 0 || !h.g.HasNode(tool) {
		return 0
	}

	maxAA := 0.0
	for _, ct := range contextTools {
		if _, ok := h.g.EitherEdge(tool, ct); ok {
			return 1.0
		}
		if aa := h.g.WeightedAdamicAdar(tool, ct); aa > maxAA {
			maxAA = aa
		}
	}
	return math.Min(maxAA/2, 1.0)
}

// relatedTools labels up to relatedLimit in- and out-neighbors. Incoming
// edges mean the neighbor often runs before; outgoing, after.
func (h *Hybrid) relatedTools(tool string) []RelatedTool {
	var related []RelatedTool

	in := h.g.InNeighbors(tool)
	sort.Strings(in)
	for i, nb := range in {
		if i >= relatedLimit {
			break
		}
		related = append(related, RelatedTool{ToolID: nb, Label: "often_before"})
	}

	out := h.g.OutNeighbors(tool)
	sort.Strings(out)
	for i, nb := range out {
		if i >= relatedLimit {
			break
		}
		related = append(related, RelatedTool{ToolID: nb, Label: "often_after"})
	}
	return related
}
