// Package predict anticipates the next tool in a running workflow.
//
// The anchor is the last successfully executed tool. Candidates come from
// three generators over the knowledge graph: Louvain community co-members,
// direct co-occurrence successors, and learned capabilities overlapping
// the executed set. Each candidate's base confidence is modulated by its
// local alpha (graph-trusting nodes get a lift), adjusted by episodic
// memory, and filtered through a danger list that keeps irreversible
// operations out of speculative suggestions.
package predict

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/casys-ai/casys/pkg/alpha"
	"github.com/casys-ai/casys/pkg/capability"
	"github.com/casys-ai/casys/pkg/config"
	"github.com/casys-ai/casys/pkg/episodic"
	"github.com/casys-ai/casys/pkg/graph"
	"github.com/casys-ai/casys/pkg/spectral"
)

// pageRankScale converts raw centrality into a confidence boost before
// capping.
const pageRankScale = 2.0

// countBoostScale converts log2 observation counts into a confidence
// boost before capping.
const countBoostScale = 0.05

// recencyHalfLife halves the recency boost every interval since the edge
// was last observed.
const recencyHalfLife = 6 * time.Hour

// dangerSubstrings marks operations too risky for speculative suggestion.
// Matching is case-insensitive on the tool id.
var dangerSubstrings = []string{
	"delete", "remove", "deploy", "payment", "send_email",
	"execute_shell", "drop", "truncate", "transfer", "admin",
}

// Dangerous reports whether a tool id matches the danger list.
func Dangerous(toolID string) bool {
	lower := strings.ToLower(toolID)
	for _, s := range dangerSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// TaskRun is one executed task of the workflow state.
type TaskRun struct {
	TaskID  string `json:"task_id"`
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
}

// State is the workflow state a prediction starts from.
type State struct {
	Executed []TaskRun `json:"executed"`
}

// Prediction sources.
const (
	SourceCommunity    = "community"
	SourceCooccurrence = "cooccurrence"
	SourceCapability   = "capability"
	SourceAlternative  = "alternative"
)

// Prediction is one anticipated next tool.
type Prediction struct {
	ToolID     string  `json:"tool_id"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	Alpha      float64 `json:"alpha"`
}

// Result is a prediction batch.
type Result struct {
	Predictions []Prediction `json:"predictions"`

	// ReplanSuggested signals that the last task failed and no candidate
	// clears the replan threshold.
	ReplanSuggested bool `json:"replan_suggested"`
}

// Predictor generates next-tool predictions.
type Predictor struct {
	cfg      config.ScoringConfig
	g        *graph.Store
	alpha    *alpha.Calculator
	caps     capability.ReadStore
	clusters *spectral.Engine
	memory   *episodic.Memory
	log      *zap.Logger

	// Community lookups come through a narrow interface so tests can stub
	// them.
	metrics Community

	mu       sync.RWMutex
	outcomes map[string]*toolOutcome
}

// Community is the slice of graph metrics prediction consumes.
// *metrics.Computer satisfies it.
type Community interface {
	PageRank(id string) float64
	CommunityMembers(id string) []string
}

type toolOutcome struct {
	total, successes int
}

// NewPredictor wires a predictor. caps, clusters and memory may be nil.
func NewPredictor(
	cfg config.ScoringConfig,
	g *graph.Store,
	calc *alpha.Calculator,
	metrics Community,
	caps capability.ReadStore,
	clusters *spectral.Engine,
	memory *episodic.Memory,
	log *zap.Logger,
) *Predictor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Predictor{
		cfg:      cfg,
		g:        g,
		alpha:    calc,
		metrics:  metrics,
		caps:     caps,
		clusters: clusters,
		memory:   memory,
		log:      log,
		outcomes: make(map[string]*toolOutcome),
	}
}

// RecordOutcome feeds per-tool success statistics, used when ranking
// alternatives after a failure.
func (p *Predictor) RecordOutcome(tool string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.outcomes[tool]
	if !ok {
		o = &toolOutcome{}
		p.outcomes[tool] = o
	}
	o.total++
	if success {
		o.successes++
	}
}

// successRate returns the observed success rate for a tool and whether
// any outcome was recorded.
func (p *Predictor) successRate(tool string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.outcomes[tool]
	if !ok || o.total == 0 {
		return 0, false
	}
	return float64(o.successes) / float64(o.total), true
}

// PredictNext returns candidate next tools for the workflow state. An
// empty executed list, or no successful task to anchor on, yields an
// empty result.
func (p *Predictor) PredictNext(ctx context.Context, state State) Result {
	anchor := ""
	lastFailed := ""
	for i := len(state.Executed) - 1; i >= 0; i-- {
		run := state.Executed[i]
		if run.Success {
			anchor = run.Tool
			break
		}
		if lastFailed == "" {
			lastFailed = run.Tool
		}
	}
	if anchor == "" {
		return Result{ReplanSuggested: lastFailed != ""}
	}

	executedSet := make(map[string]struct{}, len(state.Executed))
	executedTools := make([]string, 0, len(state.Executed))
	for _, run := range state.Executed {
		executedSet[run.Tool] = struct{}{}
		executedTools = append(executedTools, run.Tool)
	}
	ctxHash := episodic.ContextHash(executedTools)

	byTool := make(map[string]Prediction)
	add := func(pred Prediction) {
		if _, executed := executedSet[pred.ToolID]; executed {
			return
		}
		if Dangerous(pred.ToolID) {
			return
		}
		pred.Confidence = p.finalize(ctxHash, pred.ToolID, pred.Confidence, &pred.Alpha)
		if pred.Confidence <= 0 {
			return
		}
		if prev, ok := byTool[pred.ToolID]; !ok || pred.Confidence > prev.Confidence {
			byTool[pred.ToolID] = pred
		}
	}

	for _, pred := range p.communityPredictions(anchor) {
		add(pred)
	}
	for _, pred := range p.cooccurrencePredictions(anchor) {
		add(pred)
	}
	for _, pred := range p.capabilityPredictions(ctx, executedTools) {
		add(pred)
	}
	if lastFailed != "" {
		for _, pred := range p.alternativePredictions(lastFailed) {
			add(pred)
		}
	}

	preds := make([]Prediction, 0, len(byTool))
	for _, pred := range byTool {
		preds = append(preds, pred)
	}
	sort.SliceStable(preds, func(i, j int) bool {
		if preds[i].Confidence != preds[j].Confidence {
			return preds[i].Confidence > preds[j].Confidence
		}
		return preds[i].ToolID < preds[j].ToolID
	})

	replan := false
	if lastFailed != "" {
		replan = len(preds) == 0 || preds[0].Confidence < p.cfg.Thresholds.Replan
	}
	return Result{Predictions: preds, ReplanSuggested: replan}
}

// finalize applies the alpha multiplier and episodic adjustment. A low
// alpha (graph-trusting region) lifts confidence; episodic failure
// history can zero a candidate out.
func (p *Predictor) finalize(ctxHash, tool string, base float64, alphaOut *float64) float64 {
	a := 1.0
	if p.alpha != nil && p.g.HasNode(tool) {
		a, _ = p.alpha.Alpha(tool, nil, alpha.ModePassive)
	}
	*alphaOut = a

	conf := base * (1.5 - a)
	if conf > p.cfg.Community.ConfidenceCap {
		conf = p.cfg.Community.ConfidenceCap
	}

	if p.memory != nil {
		adjusted, excluded := p.memory.Adjust(p.cfg.Episodic, ctxHash, tool, conf)
		if excluded {
			return 0
		}
		conf = adjusted
	}
	return conf
}

// communityPredictions scores the anchor's Louvain co-members from
// centrality, direct edge weight and link prediction.
func (p *Predictor) communityPredictions(anchor string) []Prediction {
	if p.metrics == nil {
		return nil
	}
	members := p.metrics.CommunityMembers(anchor)
	cc := p.cfg.Community

	var preds []Prediction
	for _, m := range members {
		if p.g.Kind(m) == graph.KindCapability {
			continue
		}
		conf := cc.BaseConfidence
		conf += math.Min(p.metrics.PageRank(m)*pageRankScale, cc.PageRankCap)
		if e, ok := p.g.EitherEdge(anchor, m); ok {
			conf += math.Min(e.Weight, 1) * cc.EdgeWeightCap
		}
		conf += math.Min(p.g.WeightedAdamicAdar(anchor, m), 1) * cc.AdamicAdarCap
		if conf > cc.ConfidenceCap {
			conf = cc.ConfidenceCap
		}
		preds = append(preds, Prediction{ToolID: m, Confidence: conf, Source: SourceCommunity})
	}

	sort.SliceStable(preds, func(i, j int) bool {
		if preds[i].Confidence != preds[j].Confidence {
			return preds[i].Confidence > preds[j].Confidence
		}
		return preds[i].ToolID < preds[j].ToolID
	})
	if p.cfg.Limits.CommunityPredictions < len(preds) {
		preds = preds[:p.cfg.Limits.CommunityPredictions]
	}
	return preds
}

// cooccurrencePredictions scores the anchor's direct successors from edge
// weight, observation count and recency.
func (p *Predictor) cooccurrencePredictions(anchor string) []Prediction {
	co := p.cfg.Cooccur

	var preds []Prediction
	for _, e := range p.g.OutEdges(anchor) {
		conf := math.Min(e.Weight, co.EdgeWeightCap)
		conf += math.Min(math.Log2(1+float64(e.Count))*countBoostScale, co.CountBoostCap)
		conf += p.recencyBoost(e.LastObserved)
		if conf > co.ConfidenceCap {
			conf = co.ConfidenceCap
		}
		preds = append(preds, Prediction{ToolID: e.To, Confidence: conf, Source: SourceCooccurrence})
	}
	return preds
}

func (p *Predictor) recencyBoost(lastObserved time.Time) float64 {
	if lastObserved.IsZero() {
		return 0
	}
	age := time.Since(lastObserved)
	if age < 0 {
		age = 0
	}
	return p.cfg.Cooccur.RecencyCap * math.Exp2(-age.Hours()/recencyHalfLife.Hours())
}

// capabilityPredictions surfaces learned capabilities whose tool sets
// overlap the executed tools. Spectral cluster membership and hypergraph
// centrality boost discovery; each accepted capability also proposes its
// proven alternatives from the capability graph.
func (p *Predictor) capabilityPredictions(ctx context.Context, executedTools []string) []Prediction {
	if p.caps == nil {
		return nil
	}
	caps, err := p.caps.List(ctx)
	if err != nil {
		p.log.Warn("capability listing failed during prediction", zap.Error(err))
		return nil
	}
	capCfg := p.cfg.Capability

	var cluster *spectral.Result
	active, haveActive := 0, false
	if p.clusters != nil {
		cluster = p.clusters.Compute(p.toolNodeIDs(), caps)
		active, haveActive = cluster.ActiveCluster(executedTools)
	}

	var preds []Prediction
	for _, c := range caps {
		overlap := capability.Overlap(c, executedTools)
		if overlap < p.cfg.Thresholds.CapabilityOverlap {
			continue
		}

		boost := 0.0
		if haveActive {
			boost = p.clusters.ClusterBoost(c, active, cluster)
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
		preds = append(preds, Prediction{
			ToolID:     c.NodeID(),
			Confidence: conf,
			Source:     SourceCapability,
		})
		preds = append(preds, p.capabilityAlternatives(ctx, c, conf)...)
	}
	return preds
}

// capabilityAlternatives follows the capability graph's `alternative`
// edges of a primary capability, in either direction. Only alternatives
// with a proven success rate are suggested, at a discount of the
// primary's score.
func (p *Predictor) capabilityAlternatives(ctx context.Context, primary capability.Capability, primaryConf float64) []Prediction {
	var preds []Prediction
	consider := func(e graph.Edge, other string) {
		if e.Type != graph.EdgeAlternative || !graph.IsCapabilityID(other) {
			return
		}
		alt, err := p.caps.Get(ctx, strings.TrimPrefix(other, graph.CapabilityPrefix))
		if err != nil {
			return
		}
		if alt.SuccessRate <= p.cfg.Thresholds.AlternativeSuccessRate {
			return
		}
		preds = append(preds, Prediction{
			ToolID:     alt.NodeID(),
			Confidence: primaryConf * p.cfg.Capability.AlternativeFactor,
			Source:     SourceAlternative,
		})
	}
	node := primary.NodeID()
	for _, e := range p.g.OutEdges(node) {
		consider(e, e.To)
	}
	for _, e := range p.g.InEdges(node) {
		consider(e, e.From)
	}
	return preds
}

// toolNodeIDs lists the graph's tool and operation nodes for clustering.
func (p *Predictor) toolNodeIDs() []string {
	var ids []string
	for _, id := range p.g.NodeIDs() {
		switch p.g.Kind(id) {
		case graph.KindTool, graph.KindOperation:
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// alternativePredictions follows `alternative` edges of a failed tool,
// in either direction, keeping only alternatives with a proven success
// rate and discounting their score.
func (p *Predictor) alternativePredictions(failed string) []Prediction {
	var preds []Prediction
	consider := func(e graph.Edge, other string) {
		if e.Type != graph.EdgeAlternative {
			return
		}
		rate, known := p.successRate(other)
		if !known || rate <= p.cfg.Thresholds.AlternativeSuccessRate {
			return
		}
		conf := math.Min(e.Weight, 1) * p.cfg.Capability.AlternativeFactor
		preds = append(preds, Prediction{ToolID: other, Confidence: conf, Source: SourceAlternative})
	}
	for _, e := range p.g.OutEdges(failed) {
		consider(e, e.To)
	}
	for _, e := range p.g.InEdges(failed) {
		consider(e, e.From)
	}
	return preds
}
