// Package vector provides vector math operations for CASYS.
//
// This package consolidates the similarity and correlation kernels used by
// the planning engine. Use these functions instead of implementing your own
// to ensure consistency across components.
//
// Main Functions:
//   - CosineSimilarity: Standard similarity for float32 embeddings
//   - CosineSimilarityFloat64: High-precision similarity for float64 vectors
//   - DotProduct: Dot product for float32 vectors
//   - Normalize: Returns normalized copy of a vector
//   - PearsonCorrelation: Correlation of two aligned score vectors
package vector

import "math"

// CosineSimilarity calculates cosine similarity between two float32 vectors.
// Returns a value in [-1, 1] where 1 = identical, 0 = orthogonal.
//
// Uses float64 accumulation for precision even with float32 inputs.
//
// Example:
//
//	a := []float32{1.0, 2.0, 3.0}
//	b := []float32{4.0, 5.0, 6.0}
//	sim := CosineSimilarity(a, b) // 0.9746...
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineSimilarityFloat64 calculates cosine similarity between two float64
// vectors. Returns a value in [-1, 1].
func CosineSimilarityFloat64(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// DotProduct calculates the dot product of two float32 vectors.
// Returns float64 for precision. For normalized vectors the dot product
// equals cosine similarity.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Normalize returns a unit-length copy of vec. A zero vector is returned
// unchanged.
func Normalize(vec []float32) []float32 {
	out := make([]float32, len(vec))
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		copy(out, vec)
		return out
	}
	inv := 1.0 / math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(float64(v) * inv)
	}
	return out
}

// PearsonCorrelation computes the Pearson correlation coefficient of two
// aligned score vectors. Returns (r, true) with r in [-1, 1], or (0, false)
// when the inputs are misaligned, shorter than two elements, or either
// vector has zero variance.
//
// The planning engine correlates per-neighbor semantic similarities against
// per-neighbor structural similarities; correlating the two score patterns
// is dimension-agnostic, unlike comparing the underlying vectors directly.
func PearsonCorrelation(x, y []float64) (float64, bool) {
	if len(x) != len(y) || len(x) < 2 {
		return 0, false
	}

	n := float64(len(x))
	var meanX, meanY float64
	for i := range x {
		meanX += x[i]
		meanY += y[i]
	}
	meanX /= n
	meanY /= n

	var cov, varX, varY float64
	for i := range x {
		dx := x[i] - meanX
		dy := y[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}

	if varX == 0 || varY == 0 {
		return 0, false
	}
	return cov / math.Sqrt(varX*varY), true
}
