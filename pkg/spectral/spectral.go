// Package spectral clusters the bipartite tool-capability graph.
//
// An incidence matrix B (|tools| x |capabilities|) records which tools each
// capability uses. The engine embeds both sides with the k smallest
// non-trivial eigenvectors of the symmetric normalized Laplacian, assigns
// clusters with bounded k-means, and scores capabilities with a hypergraph
// PageRank over the same bipartite structure.
//
// Results are cached keyed by a hash of the (tool set, capability set)
// input, with a TTL; graph topology changes invalidate the cache.
// Degenerate input (< 2 tools or < 2 capabilities) yields empty boosts,
// never an error.
package spectral

import (
	"encoding/hex"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/mat"

	"github.com/casys-ai/casys/pkg/capability"
)

// Clustering bounds.
const (
	minClusters    = 2
	maxClusters    = 5
	maxEigenvalues = 10
	kmeansMaxIters = 50

	// DefaultTTL bounds cached clustering staleness.
	DefaultTTL = 5 * time.Minute

	// pageRank parameters for the hypergraph walk.
	hyperDamping = 0.85
	hyperIters   = 50
)

// Result is one clustering outcome, published as a whole value.
type Result struct {
	// Key identifies the exact input that produced this result.
	Key string

	// ToolCluster and CapCluster assign each node to a cluster id.
	ToolCluster map[string]int
	CapCluster  map[string]int

	// Clusters is the number of clusters used.
	Clusters int

	// CapPageRank holds hypergraph centrality per capability id,
	// normalized so the highest-scoring capability is 1.0.
	CapPageRank map[string]float64
}

// Empty reports whether the result carries no clustering.
func (r *Result) Empty() bool {
	return r == nil || len(r.CapCluster) == 0
}

// ActiveCluster returns the cluster containing the plurality of the
// context tools.
func (r *Result) ActiveCluster(contextTools []string) (int, bool) {
	if r.Empty() {
		return 0, false
	}
	votes := make(map[int]int)
	for _, t := range contextTools {
		if c, ok := r.ToolCluster[t]; ok {
			votes[c]++
		}
	}
	best, bestVotes, found := 0, 0, false
	for c, v := range votes {
		if v > bestVotes || (v == bestVotes && found && c < best) {
			best, bestVotes, found = c, v, true
		}
	}
	return best, found
}

// Engine computes and caches clusterings.
type Engine struct {
	log *zap.Logger
	ttl time.Duration

	// partialMembership multiplies the contribution of a capability's
	// tools that sit outside the active cluster.
	partialMembership float64

	mu       sync.RWMutex
	cached   *Result
	cachedAt time.Time
}

// NewEngine creates a clustering engine. ttl <= 0 uses DefaultTTL.
func NewEngine(ttl time.Duration, partialMembership float64, log *zap.Logger) *Engine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{log: log, ttl: ttl, partialMembership: partialMembership}
}

// Invalidate drops the cached result. Call when graph topology changes.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cached = nil
}

// CacheKey hashes the clustering input: the tool id set plus each
// capability's (id, tools_used).
func CacheKey(tools []string, caps []capability.Capability) string {
	sortedTools := append([]string(nil), tools...)
	sort.Strings(sortedTools)

	entries := make([]string, 0, len(caps))
	for _, c := range caps {
		used := append([]string(nil), c.ToolsUsed...)
		sort.Strings(used)
		entry := c.ID
		for _, t := range used {
			entry += "\x01" + t
		}
		entries = append(entries, entry)
	}
	sort.Strings(entries)

	h, _ := blake2b.New256(nil)
	for _, t := range sortedTools {
		h.Write([]byte(t))
		h.Write([]byte{0x00})
	}
	h.Write([]byte{0x02})
	for _, entry := range entries {
		h.Write([]byte(entry))
		h.Write([]byte{0x00})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// Compute returns the clustering for the given tools and capabilities,
// reusing the cache when the input hash matches and the TTL has not
// elapsed.
func (e *Engine) Compute(tools []string, caps []capability.Capability) *Result {
	key := CacheKey(tools, caps)

	e.mu.RLock()
	if e.cached != nil && e.cached.Key == key && time.Since(e.cachedAt) < e.ttl {
		cached := e.cached
		e.mu.RUnlock()
		return cached
	}
	e.mu.RUnlock()

	res := e.compute(key, tools, caps)

	e.mu.Lock()
	e.cached = res
	e.cachedAt = time.Now()
	e.mu.Unlock()
	return res
}

func (e *Engine) compute(key string, tools []string, caps []capability.Capability) *Result {
	res := &Result{
		Key:         key,
		ToolCluster: map[string]int{},
		CapCluster:  map[string]int{},
		CapPageRank: map[string]float64{},
	}
	if len(tools) < 2 || len(caps) < 2 {
		return res
	}

	toolIndex := make(map[string]int, len(tools))
	orderedTools := append([]string(nil), tools...)
	sort.Strings(orderedTools)
	for i, t := range orderedTools {
		toolIndex[t] = i
	}
	orderedCaps := append([]capability.Capability(nil), caps...)
	sort.Slice(orderedCaps, func(i, j int) bool { return orderedCaps[i].ID < orderedCaps[j].ID })

	nTools, nCaps := len(orderedTools), len(orderedCaps)
	n := nTools + nCaps

	// Bipartite adjacency: tool i <-> capability j when the capability
	// uses the tool.
	adj := mat.NewSymDense(n, nil)
	degree := make([]float64, n)
	for j, c := range orderedCaps {
		for _, t := range c.ToolsUsed {
			i, ok := toolIndex[t]
			if !ok {
				continue
			}
			adj.SetSym(i, nTools+j, 1)
			degree[i]++
			degree[nTools+j]++
		}
	}

	// Symmetric normalized Laplacian: L = I - D^-1/2 A D^-1/2.
	lap := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		lap.SetSym(i, i, 1)
		for j := i + 1; j < n; j++ {
			a := adj.At(i, j)
			if a == 0 || degree[i] == 0 || degree[j] == 0 {
				continue
			}
			lap.SetSym(i, j, -a/math.Sqrt(degree[i]*degree[j]))
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(lap, true) {
		e.log.Warn("spectral eigendecomposition failed, returning empty clustering")
		return res
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	k := nCaps
	if k > maxClusters {
		k = maxClusters
	}
	if k < minClusters {
		k = minClusters
	}
	if k > n-1 {
		k = n - 1
	}

	// Eigenvalues ascend; column 0 is the trivial eigenvector. Embed each
	// node with the next k components, considering at most maxEigenvalues.
	limit := k + 1
	if limit > maxEigenvalues {
		limit = maxEigenvalues
	}
	if limit > n {
		limit = n
	}
	dims := limit - 1
	embedding := make([][]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, dims)
		for d := 0; d < dims; d++ {
			row[d] = vecs.At(i, d+1)
		}
		embedding[i] = row
	}

	assignments := kmeans(embedding, k)
	for i, t := range orderedTools {
		res.ToolCluster[t] = assignments[i]
	}
	for j, c := range orderedCaps {
		res.CapCluster[c.ID] = assignments[nTools+j]
	}
	res.Clusters = k

	res.CapPageRank = hypergraphPageRank(adj, degree, nTools, orderedCaps)
	return res
}

// kmeans assigns each point to one of k clusters. Initialization is
// deterministic (evenly spaced seed points) so repeated clustering of
// identical input yields identical assignments.
func kmeans(points [][]float64, k int) []int {
	n := len(points)
	if n == 0 {
		return nil
	}
	if k > n {
		k = n
	}
	dims := len(points[0])

	centroids := make([][]float64, k)
	for c := 0; c < k; c++ {
		seed := c * n / k
		centroids[c] = append([]float64(nil), points[seed]...)
	}

	assign := make([]int, n)
	for iter := 0; iter < kmeansMaxIters; iter++ {
		changed := false
		for i, p := range points {
			best, bestDist := 0, math.Inf(1)
			for c, centroid := range centroids {
				d := sqDist(p, centroid)
				if d < bestDist {
					best, bestDist = c, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		counts := make([]int, k)
		sums := make([][]float64, k)
		for c := range sums {
			sums[c] = make([]float64, dims)
		}
		for i, p := range points {
			c := assign[i]
			counts[c]++
			for d := range p {
				sums[c][d] += p[d]
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			for d := 0; d < dims; d++ {
				centroids[c][d] = sums[c][d] / float64(counts[c])
			}
		}
	}
	return assign
}

func sqDist(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// hypergraphPageRank runs a damped power iteration over the bipartite
// adjacency and returns per-capability scores normalized to max 1.0.
func hypergraphPageRank(adj *mat.SymDense, degree []float64, nTools int, caps []capability.Capability) map[string]float64 {
	n := len(degree)
	rank := make([]float64, n)
	next := make([]float64, n)
	for i := range rank {
		rank[i] = 1.0 / float64(n)
	}

	for iter := 0; iter < hyperIters; iter++ {
		for i := range next {
			next[i] = (1 - hyperDamping) / float64(n)
		}
		for i := 0; i < n; i++ {
			if degree[i] == 0 {
				continue
			}
			share := hyperDamping * rank[i] / degree[i]
			for j := 0; j < n; j++ {
				if adj.At(i, j) != 0 {
					next[j] += share
				}
			}
		}
		rank, next = next, rank
	}

	maxRank := 0.0
	for j := range caps {
		if r := rank[nTools+j]; r > maxRank {
			maxRank = r
		}
	}
	scores := make(map[string]float64, len(caps))
	for j, c := range caps {
		if maxRank > 0 {
			scores[c.ID] = rank[nTools+j] / maxRank
		} else {
			scores[c.ID] = 0
		}
	}
	return scores
}

// ClusterBoost returns a boost in [0, 0.5] for a capability relative to
// the active cluster. Tools of the capability inside the active cluster
// count fully; tools in other clusters contribute through the
// partial-membership multiplier.
func (e *Engine) ClusterBoost(c capability.Capability, active int, res *Result) float64 {
	if res.Empty() || len(c.ToolsUsed) == 0 {
		return 0
	}
	capCluster, ok := res.CapCluster[c.ID]
	if !ok {
		return 0
	}

	inActive, boundary := 0, 0
	for _, t := range c.ToolsUsed {
		tc, ok := res.ToolCluster[t]
		if !ok {
			continue
		}
		if tc == active {
			inActive++
		} else {
			boundary++
		}
	}
	total := float64(len(c.ToolsUsed))
	membership := (float64(inActive) + e.partialMembership*float64(boundary)) / total

	boost := 0.0
	if capCluster == active {
		boost = 0.5 * membership
	} else {
		boost = 0.5 * e.partialMembership * membership
	}
	if boost > 0.5 {
		boost = 0.5
	}
	return boost
}
