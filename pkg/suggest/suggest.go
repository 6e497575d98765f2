// Package suggest turns a natural-language intent into a workflow DAG
// suggestion.
//
// The pipeline: hybrid search produces candidates, centrality re-ranks
// them, the top slice becomes a DAG, matching capabilities are injected as
// extra tasks, and an adaptive confidence (weighted by the average local
// alpha of the candidates) decides whether the suggestion ships, ships
// with a warning, or is withheld.
package suggest

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/casys-ai/casys/pkg/capability"
	"github.com/casys-ai/casys/pkg/config"
	"github.com/casys-ai/casys/pkg/dag"
	"github.com/casys-ai/casys/pkg/episodic"
	"github.com/casys-ai/casys/pkg/graph"
	"github.com/casys-ai/casys/pkg/search"
	"github.com/casys-ai/casys/pkg/spectral"
)

// Centrality is the slice of graph metrics the suggester consumes.
// *metrics.Computer satisfies it.
type Centrality interface {
	PageRank(id string) float64
	PageRankMap() map[string]float64
}

// Candidate is one ranked tool with its scoring breakdown.
type Candidate struct {
	ToolID   string  `json:"tool_id"`
	Hybrid   float64 `json:"hybrid_score"`
	Semantic float64 `json:"semantic_score"`
	Graph    float64 `json:"graph_score"`
	PageRank float64 `json:"pagerank"`
	Combined float64 `json:"combined_score"`
	Alpha    float64 `json:"alpha"`
}

// CapabilityTask records an injected capability.
type CapabilityTask struct {
	CapabilityID string  `json:"capability_id"`
	Name         string  `json:"name"`
	Confidence   float64 `json:"confidence"`
}

// DAG is one workflow suggestion.
type DAG struct {
	Tasks        []dag.Task       `json:"tasks"`
	Capabilities []CapabilityTask `json:"capabilities,omitempty"`
	Candidates   []Candidate      `json:"candidates"`
	Confidence   float64          `json:"confidence"`
	AverageAlpha float64          `json:"average_alpha"`
	Warning      string           `json:"warning,omitempty"`
	Rationale    string           `json:"rationale"`
	PathCount    int              `json:"dependency_paths"`
}

// Suggester builds workflow suggestions.
type Suggester struct {
	cfg      config.ScoringConfig
	g        *graph.Store
	hybrid   *search.Hybrid
	builder  *dag.Builder
	metrics  Centrality
	caps     capability.ReadStore
	clusters *spectral.Engine
	memory   *episodic.Memory
	log      *zap.Logger
}

// NewSuggester wires a suggester. caps, clusters and memory may be nil;
// the corresponding steps are then skipped.
func NewSuggester(
	cfg config.ScoringConfig,
	g *graph.Store,
	hybrid *search.Hybrid,
	builder *dag.Builder,
	metrics Centrality,
	caps capability.ReadStore,
	clusters *spectral.Engine,
	memory *episodic.Memory,
	log *zap.Logger,
) *Suggester {
	if log == nil {
		log = zap.NewNop()
	}
	return &Suggester{
		cfg:      cfg,
		g:        g,
		hybrid:   hybrid,
		builder:  builder,
		metrics:  metrics,
		caps:     caps,
		clusters: clusters,
		memory:   memory,
		log:      log,
	}
}

// Suggest returns a workflow DAG for the intent, or nil when confidence
// falls below the reject threshold. A nil return with a nil error means
// "no suggestion"; the caller should fall back to its own planning.
func (s *Suggester) Suggest(ctx context.Context, intent string, contextTools []string) (*DAG, error) {
	hits, err := s.hybrid.Search(ctx, intent, contextTools, s.cfg.Limits.CandidateLimit, false)
	if err != nil {
		return nil, fmt.Errorf("candidate search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	maxPR := s.maxPageRank()
	candidates := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		pr := 0.0
		if maxPR > 0 {
			pr = s.metrics.PageRank(h.ToolID) / maxPR
		}
		candidates = append(candidates, Candidate{
			ToolID:   h.ToolID,
			Hybrid:   h.Final,
			Semantic: h.Semantic,
			Graph:    h.Graph,
			PageRank: pr,
			Combined: s.cfg.Weights.RankingHybrid*h.Final + s.cfg.Weights.RankingPageRank*pr,
			Alpha:    h.Alpha,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Combined > candidates[j].Combined
	})
	if s.cfg.Limits.DAGSize < len(candidates) {
		candidates = candidates[:s.cfg.Limits.DAGSize]
	}

	tools := make([]string, len(candidates))
	avgAlpha := 0.0
	for i, c := range candidates {
		tools[i] = c.ToolID
		avgAlpha += c.Alpha
	}
	avgAlpha /= float64(len(candidates))

	built, err := s.builder.Build(tools)
	if err != nil {
		s.log.Warn("dag construction failed, withholding suggestion", zap.Error(err))
		return nil, err
	}

	result := &DAG{
		Tasks:        built.Tasks,
		Candidates:   candidates,
		AverageAlpha: avgAlpha,
	}

	s.injectCapabilities(ctx, result, tools, contextTools)

	paths := s.builder.DependencyPaths(tools, 0)
	result.PathCount = len(paths)
	pathScore := 0.0
	if len(paths) > 0 {
		for _, p := range paths {
			pathScore += s.cfg.PathConf.ForHops(p.Hops)
		}
		pathScore /= float64(len(paths))
	}

	result.Confidence = s.adaptiveConfidence(candidates, pathScore, avgAlpha)

	s.log.Info("workflow suggestion scored",
		zap.Float64("confidence", result.Confidence),
		zap.Float64("average_alpha", avgAlpha),
		zap.Int("tasks", len(result.Tasks)),
		zap.Int("dependency_paths", result.PathCount))

	if result.Confidence < s.cfg.Thresholds.SuggestionReject {
		return nil, nil
	}
	if result.Confidence < s.cfg.Thresholds.SuggestionFloor {
		result.Warning = fmt.Sprintf(
			"low confidence %.2f: verify the suggested workflow before executing",
			result.Confidence)
	}
	result.Rationale = s.rationale(candidates, result)
	return result, nil
}

// injectCapabilities appends capability tasks whose tool overlap with the
// selected candidates clears the threshold. Spectral cluster membership
// and hypergraph centrality boost discovery; episodic memory adjusts the
// final confidence and can veto.
func (s *Suggester) injectCapabilities(ctx context.Context, out *DAG, tools, contextTools []string) {
	if s.caps == nil {
		return
	}
	caps, err := s.caps.List(ctx)
	if err != nil {
		s.log.Warn("capability listing failed, skipping injection", zap.Error(err))
		return
	}
	if len(caps) == 0 {
		return
	}

	var cluster *spectral.Result
	active, haveActive := 0, false
	if s.clusters != nil {
		cluster = s.clusters.Compute(s.toolNodeIDs(), caps)
		active, haveActive = cluster.ActiveCluster(contextTools)
	}

	ctxHash := episodic.ContextHash(contextTools)
	capCfg := s.cfg.Capability

	for _, c := range caps {
		overlap := capability.Overlap(c, tools)
		if overlap < s.cfg.Thresholds.CapabilityOverlap {
			continue
		}

		boost := 0.0
		if haveActive {
			boost = s.clusters.ClusterBoost(c, active, cluster)
		}
		discovery := overlap * (1 + boost)
		if cluster != nil {
			if pr, ok := cluster.CapPageRank[c.ID]; ok {
				discovery += capCfg.PageRankBoostScale * pr
			}
		}
		if discovery > 1 {
			discovery = 1
		}

		conf := capCfg.ConfidenceMin + discovery*(capCfg.ConfidenceMax-capCfg.ConfidenceMin)
		if s.memory != nil {
			adjusted, excluded := s.memory.Adjust(s.cfg.Episodic, ctxHash, c.NodeID(), conf)
			if excluded {
				s.log.Debug("capability vetoed by episodic memory",
					zap.String("capability", c.ID))
				continue
			}
			conf = adjusted
		}
		if conf <= capCfg.AcceptThreshold {
			continue
		}

		task := dag.Task{
			ID:   fmt.Sprintf("task_%d", len(out.Tasks)),
			Tool: c.NodeID(),
			Type: "capability",
		}
		for i, t := range tools {
			if containsString(c.ToolsUsed, t) {
				task.DependsOn = append(task.DependsOn, out.Tasks[i].ID)
			}
		}
		if len(task.DependsOn) == 0 && len(out.Tasks) > 0 {
			task.DependsOn = []string{out.Tasks[len(out.Tasks)-1].ID}
		}
		out.Tasks = append(out.Tasks, task)
		out.Capabilities = append(out.Capabilities, CapabilityTask{
			CapabilityID: c.ID,
			Name:         c.Name,
			Confidence:   conf,
		})
	}
}

// adaptiveConfidence blends the hybrid, centrality and path components
// with weights interpolated on the average alpha. Semantic-leaning
// candidate sets (alpha near 1) weigh hybrid scores most; graph-leaning
// sets shift weight to centrality and paths.
func (s *Suggester) adaptiveConfidence(candidates []Candidate, pathScore, avgAlpha float64) float64 {
	w := s.cfg.Weights
	t := (avgAlpha - 0.5) / 0.5
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	wHybrid := w.HybridMin + (w.HybridMax-w.HybridMin)*t
	wPR := w.PageRankMax - (w.PageRankMax-w.PageRankMin)*t
	wPath := w.PathMax - (w.PathMax-w.PathMin)*t

	var hybrid, pr float64
	for _, c := range candidates {
		hybrid += c.Hybrid
		pr += c.PageRank
	}
	hybrid /= float64(len(candidates))
	pr /= float64(len(candidates))

	return wHybrid*hybrid + wPR*pr + wPath*pathScore
}

// rationale names the strongest candidate and its score composition.
func (s *Suggester) rationale(candidates []Candidate, d *DAG) string {
	top := candidates[0]
	var b strings.Builder
	fmt.Fprintf(&b, "Top candidate %s ranked %.2f (hybrid %.2f: semantic %.2f, graph %.2f; pagerank %.2f).",
		top.ToolID, top.Combined, top.Hybrid, top.Semantic, top.Graph, top.PageRank)
	if d.PathCount > 0 {
		fmt.Fprintf(&b, " %d dependency path(s) support the task ordering.", d.PathCount)
	} else {
		b.WriteString(" No dependency paths found; ordering follows candidate rank.")
	}
	if len(d.Capabilities) > 0 {
		fmt.Fprintf(&b, " Injected %d learned capability task(s).", len(d.Capabilities))
	}
	return b.String()
}

func (s *Suggester) maxPageRank() float64 {
	maxPR := 0.0
	for _, v := range s.metrics.PageRankMap() {
		if v > maxPR {
			maxPR = v
		}
	}
	return maxPR
}

// toolNodeIDs lists the graph's tool and operation nodes for clustering.
func (s *Suggester) toolNodeIDs() []string {
	var ids []string
	for _, id := range s.g.NodeIDs() {
		switch s.g.Kind(id) {
		case graph.KindTool, graph.KindOperation:
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
