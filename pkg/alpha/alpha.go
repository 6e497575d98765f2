// Package alpha computes the locally adaptive blending coefficient for the
// CASYS planning engine.
//
// Alpha lies in [0.5, 1.0] per target node: 1.0 trusts only the semantic
// signal, 0.5 fully incorporates the graph signal. Four algorithms cover
// the regimes:
//
//  1. Bayesian cold start, when the node has too few observations.
//  2. Embeddings pattern coherence, for active search.
//  3. Heat diffusion, for passive suggestion of tool nodes.
//  4. Hierarchical heat diffusion, for passive suggestion of capability
//     and meta nodes.
//
// Per-node heat values are cached with a short TTL; the cache invalidates
// when a new spectral clustering is installed or explicitly.
package alpha

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/casys-ai/casys/pkg/config"
	"github.com/casys-ai/casys/pkg/graph"
	"github.com/casys-ai/casys/pkg/spectral"
)

// Mode selects between active search and passive suggestion.
type Mode string

// Modes.
const (
	ModeActive  Mode = "active-search"
	ModePassive Mode = "passive-suggestion"
)

// Algorithm names, reported in decision traces.
const (
	AlgorithmBayesian         = "bayesian_cold_start"
	AlgorithmCoherence        = "embeddings_pattern_coherence"
	AlgorithmHeat             = "heat_diffusion"
	AlgorithmHierarchicalHeat = "hierarchical_heat_diffusion"
)

// Graph is the narrow capability set alpha needs from the knowledge graph.
// *graph.Store satisfies it.
type Graph interface {
	HasNode(id string) bool
	Kind(id string) graph.NodeKind
	NodeIDs() []string
	Degree(id string) int
	AllNeighbors(id string) []string
	EitherEdge(a, b string) (graph.Edge, bool)
	CommonNeighborCount(a, b string) int
	ObservationCount(id string) int
	Parents(id string) []string
	Children(id string) []string
}

// EmbeddingProvider returns the dense semantic embedding for a node, or
// nil when unavailable.
type EmbeddingProvider interface {
	SemanticEmbedding(id string) []float32
}

// Observer receives one record per alpha decision.
type Observer func(algorithm string, targetKind string, signals map[string]float64, alpha float64)

// Calculator computes per-node alpha values.
type Calculator struct {
	cfg config.AlphaConfig
	g   Graph
	emb EmbeddingProvider
	log *zap.Logger

	observer Observer

	mu        sync.Mutex
	heatCache map[string]heatEntry
	cluster   *spectral.Result
}

type heatEntry struct {
	value float64
	at    time.Time
}

// NewCalculator creates an alpha calculator. emb may be nil; the
// coherence algorithm then always falls back to semantic-only.
func NewCalculator(cfg config.AlphaConfig, g Graph, emb EmbeddingProvider, log *zap.Logger) *Calculator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Calculator{
		cfg:       cfg,
		g:         g,
		emb:       emb,
		log:       log,
		heatCache: make(map[string]heatEntry),
	}
}

// SetObserver installs a decision observer.
func (c *Calculator) SetObserver(obs Observer) {
	c.observer = obs
}

// SetSpectralClustering installs the current clustering and invalidates
// the heat cache.
func (c *Calculator) SetSpectralClustering(res *spectral.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cluster = res
	c.heatCache = make(map[string]heatEntry)
}

// InvalidateCache drops all cached heat values.
func (c *Calculator) InvalidateCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heatCache = make(map[string]heatEntry)
}

// Alpha computes the blending coefficient for target under the given mode
// and context. Returns the alpha value and the algorithm that produced it.
func (c *Calculator) Alpha(target string, contextTools []string, mode Mode) (float64, string) {
	kind := c.g.Kind(target)

	var value float64
	var algorithm string
	signals := map[string]float64{}

	switch {
	case c.g.ObservationCount(target) < c.cfg.ColdStart.ObservationThreshold:
		value = c.bayesian(target, signals)
		algorithm = AlgorithmBayesian
	case mode == ModeActive:
		value = c.coherence(target, signals)
		algorithm = AlgorithmCoherence
	case kind == graph.KindTool || kind == graph.KindOperation:
		value = c.heatDiffusion(target, contextTools, signals, c.nodeHeat)
		algorithm = AlgorithmHeat
	default:
		value = c.heatDiffusion(target, contextTools, signals, c.compositeHeatRoot)
		algorithm = AlgorithmHierarchicalHeat
	}

	value = c.clamp(value)
	if c.observer != nil {
		c.observer(algorithm, string(kind), signals, value)
	}
	return value, algorithm
}

func (c *Calculator) clamp(v float64) float64 {
	if v < c.cfg.Min {
		return c.cfg.Min
	}
	if v > c.cfg.Max {
		return c.cfg.Max
	}
	return v
}

// bayesian implements the cold-start regime: with no evidence alpha sits
// at the prior and decreases monotonically toward the target as
// observations accumulate.
func (c *Calculator) bayesian(target string, signals map[string]float64) float64 {
	obs := float64(c.g.ObservationCount(target))
	threshold := float64(c.cfg.ColdStart.ObservationThreshold)
	confidence := obs / threshold
	if confidence > 1 {
		confidence = 1
	}
	value := c.cfg.ColdStart.Prior*(1-confidence) + c.cfg.ColdStart.Target*confidence

	signals["observations"] = obs
	signals["evidence_confidence"] = confidence
	return value
}

// maxDegree returns the highest degree in the graph, minimum 1.
func (c *Calculator) maxDegree() float64 {
	maxDeg := 1
	for _, id := range c.g.NodeIDs() {
		if d := c.g.Degree(id); d > maxDeg {
			maxDeg = d
		}
	}
	return float64(maxDeg)
}

// edgeWeightBetween returns the weight of the edge between two nodes in
// either direction, 0 when absent.
func (c *Calculator) edgeWeightBetween(a, b string) float64 {
	if e, ok := c.g.EitherEdge(a, b); ok {
		return e.Weight
	}
	return 0
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
