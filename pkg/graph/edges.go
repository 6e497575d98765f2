package graph

import (
	"math"
	"time"
)

// EdgeType classifies the relationship an edge encodes.
type EdgeType string

// Edge types and their base weights.
const (
	EdgeDependency  EdgeType = "dependency"
	EdgeContains    EdgeType = "contains"
	EdgeAlternative EdgeType = "alternative"
	EdgeProvides    EdgeType = "provides"
	EdgeSequence    EdgeType = "sequence"
)

// EdgeSource records how an edge came to exist.
type EdgeSource string

// Edge provenance levels.
const (
	SourceObserved EdgeSource = "observed"
	SourceInferred EdgeSource = "inferred"
	SourceTemplate EdgeSource = "template"
	SourceUser     EdgeSource = "user"
)

// typeWeights and sourceModifiers define the edge weight algebra.
// weight = typeWeights[type] * sourceModifiers[source], always.
var typeWeights = map[EdgeType]float64{
	EdgeDependency:  1.0,
	EdgeContains:    0.8,
	EdgeAlternative: 0.6,
	EdgeProvides:    0.7,
	EdgeSequence:    0.5,
}

var sourceModifiers = map[EdgeSource]float64{
	SourceObserved: 1.0,
	SourceInferred: 0.7,
	SourceTemplate: 0.5,
	SourceUser:     1.0,
}

// UserEdgeConfidence is the fixed confidence pinned to user-defined edges
// at creation.
const UserEdgeConfidence = 0.90

// PromotionCount is the observation count at which an inferred edge
// promotes to observed.
const PromotionCount = 3

// minTraversalWeight floors the weight used in path costs so a
// near-zero-weight edge cannot produce an unbounded cost.
const minTraversalWeight = 0.1

// NormalizeEdgeType maps a persisted type string onto a known EdgeType,
// defaulting to sequence for legacy rows.
func NormalizeEdgeType(s string) EdgeType {
	t := EdgeType(s)
	if _, ok := typeWeights[t]; ok {
		return t
	}
	return EdgeSequence
}

// NormalizeEdgeSource maps a persisted source string onto a known
// EdgeSource, defaulting to inferred for legacy rows.
func NormalizeEdgeSource(s string) EdgeSource {
	src := EdgeSource(s)
	if _, ok := sourceModifiers[src]; ok {
		return src
	}
	return SourceInferred
}

// EdgeWeight returns the derived weight for a type/source pair. Unknown
// values fall back to sequence/inferred.
func EdgeWeight(t EdgeType, s EdgeSource) float64 {
	tw, ok := typeWeights[t]
	if !ok {
		tw = typeWeights[EdgeSequence]
	}
	sm, ok := sourceModifiers[s]
	if !ok {
		sm = sourceModifiers[SourceInferred]
	}
	return tw * sm
}

// PathCost converts an edge weight into a traversal cost. Higher weight
// means cheaper traversal.
func PathCost(weight float64) float64 {
	return 1.0 / math.Max(weight, minTraversalWeight)
}

// Edge is a directed, typed, sourced edge. At most one edge exists per
// ordered node pair.
type Edge struct {
	From string
	To   string

	Type   EdgeType
	Source EdgeSource

	// Count is the observation count; monotonically non-decreasing.
	Count int

	// Weight is derived from Type and Source at all times.
	Weight float64

	// Confidence is the value persisted alongside the edge. It tracks
	// Weight except for user edges, which are pinned at creation.
	Confidence float64

	LastObserved time.Time
}

// recomputeWeight re-derives Weight after a Type or Source mutation.
func (e *Edge) recomputeWeight() {
	e.Weight = EdgeWeight(e.Type, e.Source)
	if e.Source != SourceUser {
		e.Confidence = e.Weight
	}
}

// maybePromote advances inferred provenance to observed once the count
// reaches the promotion threshold. Returns true if the edge changed.
func (e *Edge) maybePromote() bool {
	if e.Source != SourceInferred || e.Count < PromotionCount {
		return false
	}
	e.Source = SourceObserved
	e.recomputeWeight()
	return true
}
