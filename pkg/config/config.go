// Package config handles CASYS planner configuration.
//
// The planner loads two YAML files at startup:
//
//   - scoring.yaml: DAG suggestion limits, ranking weights, thresholds,
//     per-hop confidence, prediction scoring, and defaults.
//   - alpha.yaml: local alpha bounds, cold-start parameters, heat diffusion
//     and hierarchy weights.
//
// Both files validate ranges at load time. Weight groups that form a
// probability distribution must sum to 1.0 within 1e-3; a violation is a
// startup error.
//
// Example:
//
//	cfg, err := config.Load("scoring.yaml", "alpha.yaml")
//	if err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// distributionTolerance is the allowed deviation for weight groups that
// must sum to 1.0.
const distributionTolerance = 1e-3

// Config bundles both planner configuration files.
type Config struct {
	Scoring ScoringConfig `yaml:"scoring"`
	Alpha   AlphaConfig   `yaml:"alpha"`
}

// ScoringConfig drives DAG suggestion and prediction scoring.
type ScoringConfig struct {
	Limits     LimitsConfig       `yaml:"limits"`
	Weights    WeightsConfig      `yaml:"weights"`
	Thresholds ThresholdsConfig   `yaml:"thresholds"`
	PathConf   PathConfidence     `yaml:"path_confidence"`
	Community  CommunityConfig    `yaml:"community"`
	Cooccur    CooccurrenceConfig `yaml:"cooccurrence"`
	Episodic   EpisodicConfig     `yaml:"episodic"`
	Capability CapabilityConfig   `yaml:"capability"`
	Defaults   DefaultsConfig     `yaml:"defaults"`
}

// LimitsConfig bounds candidate set sizes.
type LimitsConfig struct {
	// CandidateLimit is the hybrid search candidate count before ranking.
	CandidateLimit int `yaml:"candidate_limit"`
	// DAGSize is the number of top candidates that enter the DAG builder.
	DAGSize int `yaml:"dag_size"`
	// MaxPathHops bounds dependency path discovery.
	MaxPathHops int `yaml:"max_path_hops"`
	// CommunityPredictions caps same-community predictions.
	CommunityPredictions int `yaml:"community_predictions"`
	// InFlight bounds concurrently dispatched requests.
	InFlight int `yaml:"in_flight"`
}

// WeightsConfig holds ranking and adaptive confidence weights.
type WeightsConfig struct {
	// RankingHybrid and RankingPageRank combine hybrid score with
	// centrality when ranking candidates. Must sum to 1.0.
	RankingHybrid   float64 `yaml:"ranking_hybrid"`
	RankingPageRank float64 `yaml:"ranking_pagerank"`

	// Adaptive confidence weight ranges, interpolated on average alpha.
	// At alpha=1.0 (semantic-only) the hybrid weight hits its Max and
	// pagerank/path hit their Min; at alpha=0.5 the reverse.
	HybridMin   float64 `yaml:"hybrid_min"`
	HybridMax   float64 `yaml:"hybrid_max"`
	PageRankMin float64 `yaml:"pagerank_min"`
	PageRankMax float64 `yaml:"pagerank_max"`
	PathMin     float64 `yaml:"path_min"`
	PathMax     float64 `yaml:"path_max"`
}

// ThresholdsConfig holds decision thresholds.
type ThresholdsConfig struct {
	SuggestionReject       float64 `yaml:"suggestion_reject"`
	SuggestionFloor        float64 `yaml:"suggestion_floor"`
	Dependency             float64 `yaml:"dependency"`
	Replan                 float64 `yaml:"replan"`
	AlternativeSuccessRate float64 `yaml:"alternative_success_rate"`
	CapabilityOverlap      float64 `yaml:"capability_overlap"`
	SyncConfidence         float64 `yaml:"sync_confidence"`
}

// PathConfidence maps dependency path length (hops) to confidence.
// Values must be non-increasing in hop count.
type PathConfidence struct {
	OneHop    float64 `yaml:"one_hop"`
	TwoHops   float64 `yaml:"two_hops"`
	ThreeHops float64 `yaml:"three_hops"`
	FourPlus  float64 `yaml:"four_plus"`
}

// ForHops returns the confidence for a dependency path of the given hop
// count.
func (p PathConfidence) ForHops(hops int) float64 {
	switch {
	case hops <= 1:
		return p.OneHop
	case hops == 2:
		return p.TwoHops
	case hops == 3:
		return p.ThreeHops
	default:
		return p.FourPlus
	}
}

// CommunityConfig scores same-community predictions.
type CommunityConfig struct {
	BaseConfidence float64 `yaml:"base_confidence"`
	PageRankCap    float64 `yaml:"pagerank_cap"`
	EdgeWeightCap  float64 `yaml:"edge_weight_cap"`
	AdamicAdarCap  float64 `yaml:"adamic_adar_cap"`
	ConfidenceCap  float64 `yaml:"confidence_cap"`
}

// CooccurrenceConfig scores outgoing-neighbor predictions.
type CooccurrenceConfig struct {
	EdgeWeightCap float64 `yaml:"edge_weight_cap"`
	CountBoostCap float64 `yaml:"count_boost_cap"`
	RecencyCap    float64 `yaml:"recency_cap"`
	ConfidenceCap float64 `yaml:"confidence_cap"`
}

// EpisodicConfig tunes episodic memory adjustment.
type EpisodicConfig struct {
	FailureExclude float64 `yaml:"failure_exclude"`
	SuccessScale   float64 `yaml:"success_scale"`
	SuccessCap     float64 `yaml:"success_cap"`
	FailureScale   float64 `yaml:"failure_scale"`
	FailureCap     float64 `yaml:"failure_cap"`
}

// CapabilityConfig tunes capability injection and alternatives.
type CapabilityConfig struct {
	ConfidenceMin      float64 `yaml:"confidence_min"`
	ConfidenceMax      float64 `yaml:"confidence_max"`
	AcceptThreshold    float64 `yaml:"accept_threshold"`
	AlternativeFactor  float64 `yaml:"alternative_factor"`
	PartialMembership  float64 `yaml:"partial_membership"`
	PageRankBoostScale float64 `yaml:"pagerank_boost_scale"`
	ClusterBoostCap    float64 `yaml:"cluster_boost_cap"`
}

// DefaultsConfig holds miscellaneous startup behavior.
type DefaultsConfig struct {
	// BootstrapTemplates seeds template edges on first sync of an empty
	// graph.
	BootstrapTemplates bool `yaml:"bootstrap_templates"`
}

// AlphaConfig drives the local adaptive blending coefficient.
type AlphaConfig struct {
	// Min and Max bound alpha. 1.0 means semantic-only; 0.5 means full
	// graph incorporation.
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`

	ColdStart ColdStartConfig `yaml:"cold_start"`
	Heat      HeatConfig      `yaml:"heat"`
	Hierarchy HierarchyConfig `yaml:"hierarchy"`
}

// ColdStartConfig parameterizes the Bayesian cold-start algorithm.
type ColdStartConfig struct {
	// ObservationThreshold below which the Bayesian algorithm applies.
	ObservationThreshold int `yaml:"observation_threshold"`
	// Prior alpha with zero evidence.
	Prior float64 `yaml:"prior"`
	// Target alpha approached as evidence accumulates.
	Target float64 `yaml:"target"`
}

// HeatConfig holds heat diffusion weights.
type HeatConfig struct {
	// DegreeWeight and NeighborWeight compose node heat. Must sum to 1.0.
	DegreeWeight   float64 `yaml:"degree_weight"`
	NeighborWeight float64 `yaml:"neighbor_weight"`

	// TargetWeight, ContextWeight, PathWeight compose the structural
	// signal. Must sum to 1.0.
	TargetWeight  float64 `yaml:"target_weight"`
	ContextWeight float64 `yaml:"context_weight"`
	PathWeight    float64 `yaml:"path_weight"`

	// CommonNeighborScale converts a common-neighbor count into path heat.
	CommonNeighborScale float64 `yaml:"common_neighbor_scale"`

	// CacheTTLSeconds bounds per-node heat cache staleness.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// KindWeights composes heat for one node kind across intrinsic, neighbor
// and hierarchy signals. Must sum to 1.0.
type KindWeights struct {
	Intrinsic float64 `yaml:"intrinsic"`
	Neighbor  float64 `yaml:"neighbor"`
	Hierarchy float64 `yaml:"hierarchy"`
}

// HierarchyConfig holds hierarchical heat parameters.
type HierarchyConfig struct {
	Tool       KindWeights `yaml:"tool"`
	Capability KindWeights `yaml:"capability"`
	Meta       KindWeights `yaml:"meta"`

	// Inheritance factors for hierarchy propagation.
	MetaToCapability float64 `yaml:"meta_to_capability"`
	CapabilityToTool float64 `yaml:"capability_to_tool"`

	// MaxDepth caps hierarchy traversal to prevent cycles.
	MaxDepth int `yaml:"max_depth"`
}

// DefaultScoring returns the scoring configuration defaults.
func DefaultScoring() ScoringConfig {
	return ScoringConfig{
		Limits: LimitsConfig{
			CandidateLimit:       10,
			DAGSize:              5,
			MaxPathHops:          4,
			CommunityPredictions: 5,
			InFlight:             10,
		},
		Weights: WeightsConfig{
			RankingHybrid:   0.8,
			RankingPageRank: 0.2,
			HybridMin:       0.55,
			HybridMax:       0.85,
			PageRankMin:     0.05,
			PageRankMax:     0.30,
			PathMin:         0.10,
			PathMax:         0.15,
		},
		Thresholds: ThresholdsConfig{
			SuggestionReject:       0.60,
			SuggestionFloor:        0.65,
			Dependency:             0.50,
			Replan:                 0.50,
			AlternativeSuccessRate: 0.70,
			CapabilityOverlap:      0.30,
			SyncConfidence:         0.30,
		},
		PathConf: PathConfidence{
			OneHop:    0.95,
			TwoHops:   0.80,
			ThreeHops: 0.65,
			FourPlus:  0.50,
		},
		Community: CommunityConfig{
			BaseConfidence: 0.40,
			PageRankCap:    0.20,
			EdgeWeightCap:  0.25,
			AdamicAdarCap:  0.10,
			ConfidenceCap:  0.95,
		},
		Cooccur: CooccurrenceConfig{
			EdgeWeightCap: 0.60,
			CountBoostCap: 0.20,
			RecencyCap:    0.10,
			ConfidenceCap: 0.95,
		},
		Episodic: EpisodicConfig{
			FailureExclude: 0.50,
			SuccessScale:   0.20,
			SuccessCap:     0.15,
			FailureScale:   0.25,
			FailureCap:     0.15,
		},
		Capability: CapabilityConfig{
			ConfidenceMin:      0.40,
			ConfidenceMax:      0.85,
			AcceptThreshold:    0.40,
			AlternativeFactor:  0.90,
			PartialMembership:  0.25,
			PageRankBoostScale: 0.30,
			ClusterBoostCap:    0.50,
		},
		Defaults: DefaultsConfig{BootstrapTemplates: true},
	}
}

// DefaultAlpha returns the local-alpha configuration defaults.
func DefaultAlpha() AlphaConfig {
	return AlphaConfig{
		Min: 0.5,
		Max: 1.0,
		ColdStart: ColdStartConfig{
			ObservationThreshold: 5,
			Prior:                1.0,
			Target:               0.7,
		},
		Heat: HeatConfig{
			DegreeWeight:        0.6,
			NeighborWeight:      0.4,
			TargetWeight:        0.4,
			ContextWeight:       0.3,
			PathWeight:          0.3,
			CommonNeighborScale: 0.2,
			CacheTTLSeconds:     60,
		},
		Hierarchy: HierarchyConfig{
			Tool:             KindWeights{Intrinsic: 0.5, Neighbor: 0.3, Hierarchy: 0.2},
			Capability:       KindWeights{Intrinsic: 0.3, Neighbor: 0.4, Hierarchy: 0.3},
			Meta:             KindWeights{Intrinsic: 0.2, Neighbor: 0.2, Hierarchy: 0.6},
			MetaToCapability: 0.7,
			CapabilityToTool: 0.5,
			MaxDepth:         3,
		},
	}
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{Scoring: DefaultScoring(), Alpha: DefaultAlpha()}
}

// Load reads and validates both configuration files. An empty path keeps
// the defaults for that file.
func Load(scoringPath, alphaPath string) (*Config, error) {
	cfg := Default()

	if scoringPath != "" {
		if err := unmarshalFile(scoringPath, &cfg.Scoring); err != nil {
			return nil, fmt.Errorf("load scoring config: %w", err)
		}
	}
	if alphaPath != "" {
		if err := unmarshalFile(alphaPath, &cfg.Alpha); err != nil {
			return nil, fmt.Errorf("load alpha config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshalFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

// Validate checks ranges and distribution sums. Returns an error naming
// the offending field.
func (c *Config) Validate() error {
	if err := c.Scoring.Validate(); err != nil {
		return err
	}
	return c.Alpha.Validate()
}

// Validate checks the scoring configuration.
func (s *ScoringConfig) Validate() error {
	if s.Limits.CandidateLimit < 1 {
		return fmt.Errorf("limits.candidate_limit: must be >= 1, got %d", s.Limits.CandidateLimit)
	}
	if s.Limits.DAGSize < 1 || s.Limits.DAGSize > s.Limits.CandidateLimit {
		return fmt.Errorf("limits.dag_size: must be in [1, candidate_limit], got %d", s.Limits.DAGSize)
	}
	if s.Limits.MaxPathHops < 1 {
		return fmt.Errorf("limits.max_path_hops: must be >= 1, got %d", s.Limits.MaxPathHops)
	}
	if s.Limits.InFlight < 1 {
		return fmt.Errorf("limits.in_flight: must be >= 1, got %d", s.Limits.InFlight)
	}

	if !sumsToOne(s.Weights.RankingHybrid, s.Weights.RankingPageRank) {
		return fmt.Errorf("weights.ranking_hybrid + weights.ranking_pagerank: must sum to 1.0, got %g",
			s.Weights.RankingHybrid+s.Weights.RankingPageRank)
	}
	for _, f := range []struct {
		name     string
		min, max float64
	}{
		{"weights.hybrid", s.Weights.HybridMin, s.Weights.HybridMax},
		{"weights.pagerank", s.Weights.PageRankMin, s.Weights.PageRankMax},
		{"weights.path", s.Weights.PathMin, s.Weights.PathMax},
	} {
		if f.min < 0 || f.max > 1 || f.min > f.max {
			return fmt.Errorf("%s: range [%g, %g] invalid", f.name, f.min, f.max)
		}
	}

	for _, f := range []struct {
		name string
		v    float64
	}{
		{"thresholds.suggestion_reject", s.Thresholds.SuggestionReject},
		{"thresholds.suggestion_floor", s.Thresholds.SuggestionFloor},
		{"thresholds.dependency", s.Thresholds.Dependency},
		{"thresholds.replan", s.Thresholds.Replan},
		{"thresholds.alternative_success_rate", s.Thresholds.AlternativeSuccessRate},
		{"thresholds.capability_overlap", s.Thresholds.CapabilityOverlap},
		{"thresholds.sync_confidence", s.Thresholds.SyncConfidence},
	} {
		if f.v < 0 || f.v > 1 {
			return fmt.Errorf("%s: must be in [0, 1], got %g", f.name, f.v)
		}
	}
	if s.Thresholds.SuggestionReject > s.Thresholds.SuggestionFloor {
		return fmt.Errorf("thresholds.suggestion_reject (%g) must not exceed suggestion_floor (%g)",
			s.Thresholds.SuggestionReject, s.Thresholds.SuggestionFloor)
	}

	pc := s.PathConf
	if pc.OneHop < pc.TwoHops || pc.TwoHops < pc.ThreeHops || pc.ThreeHops < pc.FourPlus {
		return fmt.Errorf("path_confidence: values must be non-increasing in hop count")
	}

	if s.Capability.ConfidenceMin > s.Capability.ConfidenceMax {
		return fmt.Errorf("capability.confidence_min (%g) exceeds confidence_max (%g)",
			s.Capability.ConfidenceMin, s.Capability.ConfidenceMax)
	}
	return nil
}

// Validate checks the alpha configuration.
func (a *AlphaConfig) Validate() error {
	if a.Min < 0 || a.Max > 1 || a.Min >= a.Max {
		return fmt.Errorf("alpha bounds [%g, %g] invalid", a.Min, a.Max)
	}
	if a.ColdStart.ObservationThreshold < 1 {
		return fmt.Errorf("cold_start.observation_threshold: must be >= 1, got %d", a.ColdStart.ObservationThreshold)
	}
	if a.ColdStart.Prior < a.Min || a.ColdStart.Prior > a.Max {
		return fmt.Errorf("cold_start.prior: must be in alpha bounds, got %g", a.ColdStart.Prior)
	}
	if a.ColdStart.Target < a.Min || a.ColdStart.Target > a.Max {
		return fmt.Errorf("cold_start.target: must be in alpha bounds, got %g", a.ColdStart.Target)
	}

	if !sumsToOne(a.Heat.DegreeWeight, a.Heat.NeighborWeight) {
		return fmt.Errorf("heat.degree_weight + heat.neighbor_weight: must sum to 1.0")
	}
	if !sumsToOne(a.Heat.TargetWeight, a.Heat.ContextWeight, a.Heat.PathWeight) {
		return fmt.Errorf("heat.target_weight + heat.context_weight + heat.path_weight: must sum to 1.0")
	}

	for _, kw := range []struct {
		name string
		w    KindWeights
	}{
		{"hierarchy.tool", a.Hierarchy.Tool},
		{"hierarchy.capability", a.Hierarchy.Capability},
		{"hierarchy.meta", a.Hierarchy.Meta},
	} {
		if !sumsToOne(kw.w.Intrinsic, kw.w.Neighbor, kw.w.Hierarchy) {
			return fmt.Errorf("%s: weights must sum to 1.0, got %g",
				kw.name, kw.w.Intrinsic+kw.w.Neighbor+kw.w.Hierarchy)
		}
	}

	if a.Hierarchy.MaxDepth < 1 {
		return fmt.Errorf("hierarchy.max_depth: must be >= 1, got %d", a.Hierarchy.MaxDepth)
	}
	return nil
}

func sumsToOne(vs ...float64) bool {
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return math.Abs(sum-1.0) <= distributionTolerance
}
