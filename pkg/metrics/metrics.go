// Package metrics computes graph-level metrics for the CASYS planning
// engine: weighted PageRank, Louvain communities, density, and edge weight
// statistics.
//
// The domain graph is mirrored into gonum graph structures for each
// recomputation; results are published by whole-value replacement so
// readers never observe a partially updated map. Recomputation is
// idempotent. On failure both maps reset to empty and the engine degrades
// to semantic-only behavior.
package metrics

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/network"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/casys-ai/casys/pkg/events"
	"github.com/casys-ai/casys/pkg/graph"
)

// PageRank damping factor and convergence tolerance.
const (
	pageRankDamping   = 0.85
	pageRankTolerance = 1e-4
	louvainResolution = 1.0
)

// NodeScore pairs a node id with a metric value.
type NodeScore struct {
	ID    string
	Score float64
}

// Computer owns the metric maps for one graph.
type Computer struct {
	g   *graph.Store
	log *zap.Logger
	bus *events.Bus

	mu            sync.RWMutex
	pagerank      map[string]float64
	communities   map[string]int
	density       float64
	avgEdgeWeight float64
}

// NewComputer creates a metrics computer over g.
func NewComputer(g *graph.Store, log *zap.Logger, bus *events.Bus) *Computer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Computer{
		g:           g,
		log:         log,
		bus:         bus,
		pagerank:    map[string]float64{},
		communities: map[string]int{},
	}
}

// Recompute rebuilds all metrics from the current graph. Call after a sync
// or a bulk mutation. Never returns partially updated state: on any
// failure both maps are reset to empty.
func (c *Computer) Recompute() {
	pagerank, communities, err := c.compute()
	if err != nil {
		c.log.Warn("metrics computation failed, degrading to semantic-only", zap.Error(err))
		pagerank = map[string]float64{}
		communities = map[string]int{}
	}

	density := c.g.Density()
	avg := averageEdgeWeight(c.g)

	c.mu.Lock()
	c.pagerank = pagerank
	c.communities = communities
	c.density = density
	c.avgEdgeWeight = avg
	c.mu.Unlock()

	communityCount := countCommunities(communities)
	c.log.Debug("graph metrics computed",
		zap.Int("nodes", len(pagerank)),
		zap.Int("communities", communityCount),
		zap.Float64("density", density))
	c.bus.Publish(events.MetricsComputed, map[string]any{
		"density":     density,
		"communities": communityCount,
		"avg_weight":  avg,
	})
}

// compute mirrors the domain graph into gonum and runs PageRank and
// Louvain. gonum panics on some degenerate inputs, so the recover turns
// those into errors.
func (c *Computer) compute() (pagerank map[string]float64, communities map[string]int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("graph metrics: %v", r)
		}
	}()

	nodes := c.g.Nodes()
	if len(nodes) == 0 {
		return map[string]float64{}, map[string]int{}, nil
	}

	idToIndex := make(map[string]int64, len(nodes))
	indexToID := make(map[int64]string, len(nodes))
	for i, n := range nodes {
		idToIndex[n.ID] = int64(i)
		indexToID[int64(i)] = n.ID
	}

	directed := simple.NewWeightedDirectedGraph(0, 0)
	undirected := simple.NewWeightedUndirectedGraph(0, 0)
	for _, n := range nodes {
		directed.AddNode(simple.Node(idToIndex[n.ID]))
		undirected.AddNode(simple.Node(idToIndex[n.ID]))
	}
	for _, e := range c.g.Edges() {
		from, to := idToIndex[e.From], idToIndex[e.To]
		directed.SetWeightedEdge(simple.WeightedEdge{
			F: simple.Node(from), T: simple.Node(to), W: e.Weight,
		})
		// Undirected projection for modularity; a reverse edge adds its
		// weight to the existing undirected edge.
		w := e.Weight
		if existing := undirected.WeightedEdgeBetween(from, to); existing != nil {
			w += existing.Weight()
		}
		undirected.SetWeightedEdge(simple.WeightedEdge{
			F: simple.Node(from), T: simple.Node(to), W: w,
		})
	}

	ranks := network.PageRank(directed, pageRankDamping, pageRankTolerance)
	pagerank = make(map[string]float64, len(ranks))
	for idx, score := range ranks {
		pagerank[indexToID[idx]] = score
	}

	communities = make(map[string]int, len(nodes))
	reduced := community.Modularize(undirected, louvainResolution, nil)
	for i, comm := range reduced.Communities() {
		for _, n := range comm {
			communities[indexToID[n.ID()]] = i
		}
	}
	return pagerank, communities, nil
}

func averageEdgeWeight(g *graph.Store) float64 {
	edges := g.Edges()
	if len(edges) == 0 {
		return 0
	}
	var sum float64
	for _, e := range edges {
		sum += e.Weight
	}
	return sum / float64(len(edges))
}

func countCommunities(m map[string]int) int {
	seen := make(map[int]struct{})
	for _, c := range m {
		seen[c] = struct{}{}
	}
	return len(seen)
}

// PageRank returns the node's centrality, 0 when unknown.
func (c *Computer) PageRank(id string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pagerank[id]
}

// PageRankMap returns the published pagerank map. The map is replaced, not
// mutated, on recompute, so callers may read it without copying.
func (c *Computer) PageRankMap() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pagerank
}

// Community returns the node's Louvain community id.
func (c *Computer) Community(id string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comm, ok := c.communities[id]
	return comm, ok
}

// CommunityMembers returns all nodes sharing the given node's community,
// excluding the node itself.
func (c *Computer) CommunityMembers(id string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comm, ok := c.communities[id]
	if !ok {
		return nil
	}
	var members []string
	for other, oc := range c.communities {
		if other != id && oc == comm {
			members = append(members, other)
		}
	}
	sort.Strings(members)
	return members
}

// TopKPageRank returns the k highest-centrality nodes, descending.
func (c *Computer) TopKPageRank(k int) []NodeScore {
	c.mu.RLock()
	defer c.mu.RUnlock()
	scores := make([]NodeScore, 0, len(c.pagerank))
	for id, s := range c.pagerank {
		scores = append(scores, NodeScore{ID: id, Score: s})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].ID < scores[j].ID
	})
	if k < len(scores) {
		scores = scores[:k]
	}
	return scores
}

// Density returns the directed graph density at last recompute.
func (c *Computer) Density() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.density
}

// AverageEdgeWeight returns the mean edge weight at last recompute.
func (c *Computer) AverageEdgeWeight() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.avgEdgeWeight
}

// CommunityCount returns the number of distinct communities.
func (c *Computer) CommunityCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return countCommunities(c.communities)
}
