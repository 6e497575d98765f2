package alpha

import (
	"github.com/casys-ai/casys/pkg/mathx/vector"
)

// coherence implements the embeddings-pattern-coherence algorithm for
// active search.
//
// Comparing a dense semantic embedding against a low-dimensional
// structural vector directly is invalid; the dimensions do not line up.
// Instead, both signals are projected onto the node's neighborhood: one
// semantic similarity and one structural similarity per neighbor. The
// Pearson correlation of those two aligned score vectors is
// dimension-agnostic. High correlation means the graph agrees with the
// semantic space, so alpha shifts toward the graph signal.
//
// Fallback to alpha = 1.0 (semantic-only) whenever embeddings, neighbors
// (< 2), or the correlation are unavailable.
func (c *Calculator) coherence(target string, signals map[string]float64) float64 {
	if c.emb == nil {
		return c.cfg.Max
	}
	targetEmb := c.emb.SemanticEmbedding(target)
	if targetEmb == nil {
		return c.cfg.Max
	}

	neighbors := c.g.AllNeighbors(target)
	if len(neighbors) < 2 {
		return c.cfg.Max
	}

	maxWeight := 0.0
	for _, nb := range neighbors {
		if w := c.edgeWeightBetween(target, nb); w > maxWeight {
			maxWeight = w
		}
	}
	if maxWeight == 0 {
		return c.cfg.Max
	}

	var semantic, structural []float64
	for _, nb := range neighbors {
		nbEmb := c.emb.SemanticEmbedding(nb)
		if nbEmb == nil {
			continue
		}
		semantic = append(semantic, vector.CosineSimilarity(targetEmb, nbEmb))
		structural = append(structural, c.edgeWeightBetween(target, nb)/maxWeight)
	}
	if len(semantic) < 2 {
		return c.cfg.Max
	}

	r, ok := vector.PearsonCorrelation(semantic, structural)
	if !ok {
		return c.cfg.Max
	}

	normalized := (r + 1) / 2
	value := c.cfg.Max - normalized*(c.cfg.Max-c.cfg.Min)
	if value < c.cfg.Min {
		value = c.cfg.Min
	}

	signals["pattern_correlation"] = r
	signals["coherence"] = normalized
	signals["neighbors"] = float64(len(semantic))
	return value
}
