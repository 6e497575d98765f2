// Package dag builds acyclic task structures from candidate tool lists.
//
// For every ordered candidate pair the builder searches the knowledge
// graph for a short weighted path; a found path marks a dependency. The
// knowledge graph may contain cycles by design, so mutual dependencies are
// resolved by keeping the higher-weighted direction. The result must
// topologically sort or the build is rejected.
package dag

import (
	"container/heap"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/casys-ai/casys/pkg/graph"
)

// ErrCycle reports that cycle breaking failed to produce a DAG. Callers
// fall back to the previous DAG.
var ErrCycle = errors.New("dag: cycle detected after resolution")

// Task is one node of the suggested DAG.
type Task struct {
	ID        string   `json:"id"`
	Tool      string   `json:"tool"`
	Type      string   `json:"type"` // tool | capability
	DependsOn []string `json:"dependsOn,omitempty"`
}

// Result is a built DAG over the input candidates.
type Result struct {
	Tasks []Task

	// Adjacency[i][j] means candidate j depends on candidate i.
	Adjacency [][]bool

	// EdgeWeights[i][j] scores the dependency: (1/pathLen) * average edge
	// weight along the path.
	EdgeWeights [][]float64
}

// Path is one dependency path between two candidates, for explainability.
type Path struct {
	Nodes []string
	Hops  int
}

// Builder constructs DAGs over one knowledge graph.
type Builder struct {
	g       *graph.Store
	maxHops int
	log     *zap.Logger
}

// NewBuilder creates a builder. maxHops bounds pairwise path discovery
// (default 4 when <= 0).
func NewBuilder(g *graph.Store, maxHops int, log *zap.Logger) *Builder {
	if maxHops <= 0 {
		maxHops = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{g: g, maxHops: maxHops, log: log}
}

// Build returns a DAG over the candidates. Task ids are "task_<i>" in
// candidate order; dependencies come from graph paths after weight-based
// cycle breaking.
func (b *Builder) Build(candidates []string) (*Result, error) {
	n := len(candidates)
	adj := make([][]bool, n)
	weights := make([][]float64, n)
	for i := range adj {
		adj[i] = make([]bool, n)
		weights[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			hops, avgWeight, ok := b.shortestPath(candidates[i], candidates[j])
			if !ok || hops > b.maxHops {
				continue
			}
			adj[i][j] = true
			weights[i][j] = (1.0 / float64(hops)) * avgWeight
		}
	}

	// Weight-based cycle breaking: for mutual dependencies keep the
	// higher-weighted direction.
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if adj[i][j] && adj[j][i] {
				if weights[i][j] >= weights[j][i] {
					adj[j][i] = false
					weights[j][i] = 0
				} else {
					adj[i][j] = false
					weights[i][j] = 0
				}
			}
		}
	}

	tasks := make([]Task, n)
	for j := 0; j < n; j++ {
		task := Task{
			ID:   fmt.Sprintf("task_%d", j),
			Tool: candidates[j],
			Type: "tool",
		}
		for i := 0; i < n; i++ {
			if adj[i][j] {
				task.DependsOn = append(task.DependsOn, fmt.Sprintf("task_%d", i))
			}
		}
		tasks[j] = task
	}

	if err := validateAcyclic(adj); err != nil {
		b.log.Warn("dag build rejected", zap.Error(err))
		return nil, err
	}

	return &Result{Tasks: tasks, Adjacency: adj, EdgeWeights: weights}, nil
}

// validateAcyclic topologically sorts the adjacency matrix via a gonum
// mirror; failure means the matrix still encodes a cycle.
func validateAcyclic(adj [][]bool) error {
	g := simple.NewDirectedGraph()
	for i := range adj {
		g.AddNode(simple.Node(i))
	}
	for i := range adj {
		for j := range adj[i] {
			if adj[i][j] {
				g.SetEdge(simple.Edge{F: simple.Node(i), T: simple.Node(j)})
			}
		}
	}
	if _, err := topo.Sort(g); err != nil {
		return fmt.Errorf("%w: %v", ErrCycle, err)
	}
	return nil
}

// pathState is a Dijkstra frontier entry over (node, hops).
type pathState struct {
	node      string
	cost      float64
	hops      int
	weightSum float64
	index     int
}

type stateQueue []*pathState

func (q stateQueue) Len() int            { return len(q) }
func (q stateQueue) Less(i, j int) bool  { return q[i].cost < q[j].cost }
func (q stateQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *stateQueue) Push(x any)         { s := x.(*pathState); s.index = len(*q); *q = append(*q, s) }
func (q *stateQueue) Pop() any {
	old := *q
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return s
}

// shortestPath runs a hop-capped Dijkstra from `from` to `to` using edge
// traversal cost 1/max(weight, 0.1). Returns the hop count and the average
// edge weight along the cheapest path.
func (b *Builder) shortestPath(from, to string) (int, float64, bool) {
	if !b.g.HasNode(from) || !b.g.HasNode(to) {
		return 0, 0, false
	}

	// best[node][hops] prunes dominated states.
	best := make(map[string][]float64)
	bestCost := func(node string, hops int) float64 {
		costs, ok := best[node]
		if !ok {
			costs = make([]float64, b.maxHops+1)
			for i := range costs {
				costs[i] = -1
			}
			best[node] = costs
		}
		return costs[hops]
	}

	q := &stateQueue{}
	heap.Init(q)
	heap.Push(q, &pathState{node: from, cost: 0, hops: 0})

	for q.Len() > 0 {
		cur := heap.Pop(q).(*pathState)
		if cur.node == to {
			avg := 0.0
			if cur.hops > 0 {
				avg = cur.weightSum / float64(cur.hops)
			}
			return cur.hops, avg, true
		}
		if cur.hops == b.maxHops {
			continue
		}
		for _, e := range b.g.OutEdges(cur.node) {
			nextCost := cur.cost + graph.PathCost(e.Weight)
			nextHops := cur.hops + 1
			if prev := bestCost(e.To, nextHops); prev >= 0 && prev <= nextCost {
				continue
			}
			best[e.To][nextHops] = nextCost
			heap.Push(q, &pathState{
				node:      e.To,
				cost:      nextCost,
				hops:      nextHops,
				weightSum: cur.weightSum + e.Weight,
			})
		}
	}
	return 0, 0, false
}

// DependencyPaths enumerates simple paths (up to maxHops) between every
// ordered pair of candidates, for suggestion explainability. Enumeration
// is capped per pair to keep rationale generation bounded.
func (b *Builder) DependencyPaths(candidates []string, perPairLimit int) []Path {
	if perPairLimit <= 0 {
		perPairLimit = 5
	}
	var paths []Path
	for _, from := range candidates {
		for _, to := range candidates {
			if from == to {
				continue
			}
			found := b.enumeratePaths(from, to, perPairLimit)
			paths = append(paths, found...)
		}
	}
	return paths
}

func (b *Builder) enumeratePaths(from, to string, limit int) []Path {
	var out []Path
	var walk func(node string, trail []string)
	walk = func(node string, trail []string) {
		if len(out) >= limit || len(trail) > b.maxHops {
			return
		}
		for _, next := range b.g.OutNeighbors(node) {
			if len(out) >= limit {
				return
			}
			if contains(trail, next) || next == from {
				continue
			}
			if next == to {
				nodes := append(append([]string{from}, trail...), to)
				out = append(out, Path{Nodes: nodes, Hops: len(nodes) - 1})
				continue
			}
			walk(next, append(trail, next))
		}
	}
	walk(from, nil)
	return out
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
