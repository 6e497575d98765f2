// Package graph provides the in-memory tool/capability knowledge graph for
// the CASYS planning engine.
//
// The graph is a directed multigraph without self-loops whose nodes are
// tools (identified as "server:tool") and capabilities (identified as
// "capability:<uuid>"). Edges are typed and sourced; their weight is always
// the product of the type's base weight and the source's modifier.
//
// The store is shared and mostly read: writes happen during DB sync,
// template bootstrap, learning, and agent hints. A single RWMutex gives
// readers a consistent snapshot for the duration of one operation.
//
// Cycles in this graph are intentional; the DAG builder resolves them at
// plan time. Do not attempt to remove cycles from the knowledge graph
// itself.
package graph

import (
	"strings"
	"sync"
	"time"
)

// NodeKind classifies a graph node.
type NodeKind string

// Node kinds.
const (
	KindTool       NodeKind = "tool"
	KindOperation  NodeKind = "operation"
	KindCapability NodeKind = "capability"
	KindMeta       NodeKind = "meta"
)

// CapabilityPrefix is the naming convention for capability node ids.
const CapabilityPrefix = "capability:"

// CapabilityNodeID normalizes a capability id onto the node naming
// convention.
func CapabilityNodeID(id string) string {
	if strings.HasPrefix(id, CapabilityPrefix) {
		return id
	}
	return CapabilityPrefix + id
}

// IsCapabilityID reports whether a node id follows the capability
// convention.
func IsCapabilityID(id string) bool {
	return strings.HasPrefix(id, CapabilityPrefix)
}

// Node is a graph node.
type Node struct {
	ID   string
	Kind NodeKind
	Name string

	// Server identifies the origin server for tool nodes.
	Server string

	// Category and Pure apply to operation nodes.
	Category string
	Pure     bool

	Metadata map[string]any
}

// EdgeUpdate carries optional attribute changes for AddEdge. Nil fields
// preserve the existing attribute on update.
type EdgeUpdate struct {
	Type   *EdgeType
	Source *EdgeSource
	Count  *int

	// AddCount increments the existing count instead of replacing it.
	AddCount int

	LastObserved time.Time
}

// Store is the in-memory directed graph.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]Node
	out   map[string]map[string]*Edge
	in    map[string]map[string]*Edge
	edges int
}

// NewStore creates an empty graph.
func NewStore() *Store {
	return &Store{
		nodes: make(map[string]Node),
		out:   make(map[string]map[string]*Edge),
		in:    make(map[string]map[string]*Edge),
	}
}

// Clear removes all nodes and edges.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]Node)
	s.out = make(map[string]map[string]*Edge)
	s.in = make(map[string]map[string]*Edge)
	s.edges = 0
}

// AddNode inserts or replaces a node.
func (s *Store) AddNode(n Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addNodeLocked(n)
}

func (s *Store) addNodeLocked(n Node) {
	if IsCapabilityID(n.ID) {
		n.Kind = KindCapability
	}
	s.nodes[n.ID] = n
	if s.out[n.ID] == nil {
		s.out[n.ID] = make(map[string]*Edge)
	}
	if s.in[n.ID] == nil {
		s.in[n.ID] = make(map[string]*Edge)
	}
}

// HasNode reports node existence.
func (s *Store) HasNode(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// Node returns a node copy.
func (s *Store) Node(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// Nodes returns copies of all nodes.
func (s *Store) Nodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// NodeIDs returns all node ids.
func (s *Store) NodeIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		out = append(out, id)
	}
	return out
}

// Kind returns the node's kind, defaulting to tool for unknown ids.
func (s *Store) Kind(id string) NodeKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.nodes[id]; ok {
		return n.Kind
	}
	return kindForID(id)
}

// NodeCount returns the number of nodes.
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// EdgeCount returns the number of edges.
func (s *Store) EdgeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.edges
}

// Density returns edges / (n * (n-1)), the directed graph density.
func (s *Store) Density() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.nodes)
	if n < 2 {
		return 0
	}
	return float64(s.edges) / float64(n*(n-1))
}

// AddEdge ensures both endpoints exist and inserts or updates the edge.
// Self-loops are rejected. On update, unspecified type/source attributes
// are preserved. Returns the resulting edge and whether it was created.
func (s *Store) AddEdge(from, to string, upd EdgeUpdate) (Edge, bool) {
	if from == to {
		return Edge{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[from]; !ok {
		s.addNodeLocked(Node{ID: from, Kind: kindForID(from), Name: from})
	}
	if _, ok := s.nodes[to]; !ok {
		s.addNodeLocked(Node{ID: to, Kind: kindForID(to), Name: to})
	}

	e, ok := s.out[from][to]
	if !ok {
		et := EdgeSequence
		if upd.Type != nil {
			et = *upd.Type
		}
		src := SourceInferred
		if upd.Source != nil {
			src = *upd.Source
		}
		count := upd.AddCount
		if upd.Count != nil {
			count = *upd.Count
		}
		e = &Edge{
			From:         from,
			To:           to,
			Type:         et,
			Source:       src,
			Count:        count,
			LastObserved: upd.LastObserved,
		}
		e.recomputeWeight()
		if src == SourceUser {
			e.Confidence = UserEdgeConfidence
		}
		e.maybePromote()
		s.out[from][to] = e
		s.in[to][from] = e
		s.edges++
		return *e, true
	}

	if upd.Type != nil {
		e.Type = *upd.Type
	}
	if upd.Source != nil {
		e.Source = *upd.Source
	}
	if upd.Count != nil {
		if *upd.Count > e.Count {
			e.Count = *upd.Count
		}
	}
	e.Count += upd.AddCount
	if !upd.LastObserved.IsZero() {
		e.LastObserved = upd.LastObserved
	}
	// Weight re-derives atomically with any type/source mutation; a pure
	// count change leaves a learning-lifted weight intact.
	if upd.Type != nil || upd.Source != nil {
		e.recomputeWeight()
	}
	e.maybePromote()
	return *e, false
}

func kindForID(id string) NodeKind {
	if IsCapabilityID(id) {
		return KindCapability
	}
	return KindTool
}

// SetEdgeWeightLift multiplies the stored weight by factor, capped at 1.0,
// and increments the count. Used by the learning loop when a dependency is
// re-observed; the lifted weight persists until the next type/source
// mutation re-derives it.
func (s *Store) SetEdgeWeightLift(from, to string, factor float64) (Edge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.out[from][to]
	if !ok {
		return Edge{}, false
	}
	e.Count++
	e.Weight *= factor
	if e.Weight > 1.0 {
		e.Weight = 1.0
	}
	if e.Source != SourceUser {
		e.Confidence = e.Weight
	}
	e.LastObserved = time.Now()
	e.maybePromote()
	return *e, true
}

// HasEdge reports whether the ordered edge exists.
func (s *Store) HasEdge(from, to string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.out[from][to]
	return ok
}

// Edge returns a copy of the ordered edge.
func (s *Store) Edge(from, to string) (Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.out[from][to]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// EitherEdge returns the edge between two nodes in either direction,
// preferring from->to.
func (s *Store) EitherEdge(a, b string) (Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.out[a][b]; ok {
		return *e, true
	}
	if e, ok := s.out[b][a]; ok {
		return *e, true
	}
	return Edge{}, false
}

// Edges returns copies of all edges.
func (s *Store) Edges() []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Edge, 0, s.edges)
	for _, m := range s.out {
		for _, e := range m {
			out = append(out, *e)
		}
	}
	return out
}

// OutEdges returns copies of the node's outgoing edges.
func (s *Store) OutEdges(id string) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Edge, 0, len(s.out[id]))
	for _, e := range s.out[id] {
		out = append(out, *e)
	}
	return out
}

// InEdges returns copies of the node's incoming edges.
func (s *Store) InEdges(id string) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Edge, 0, len(s.in[id]))
	for _, e := range s.in[id] {
		out = append(out, *e)
	}
	return out
}

// OutNeighbors returns ids of nodes reachable by one outgoing edge.
func (s *Store) OutNeighbors(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.out[id]))
	for to := range s.out[id] {
		out = append(out, to)
	}
	return out
}

// InNeighbors returns ids of nodes with an edge into id.
func (s *Store) InNeighbors(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.in[id]))
	for from := range s.in[id] {
		out = append(out, from)
	}
	return out
}

// AllNeighbors returns the union of in- and out-neighbors.
func (s *Store) AllNeighbors(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allNeighborsLocked(id)
}

func (s *Store) allNeighborsLocked(id string) []string {
	seen := make(map[string]struct{}, len(s.out[id])+len(s.in[id]))
	out := make([]string, 0, len(s.out[id])+len(s.in[id]))
	for to := range s.out[id] {
		if _, ok := seen[to]; !ok {
			seen[to] = struct{}{}
			out = append(out, to)
		}
	}
	for from := range s.in[id] {
		if _, ok := seen[from]; !ok {
			seen[from] = struct{}{}
			out = append(out, from)
		}
	}
	return out
}

// Degree returns the total degree (in + out, parallel pairs counted once
// per direction).
func (s *Store) Degree(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.out[id]) + len(s.in[id])
}

// ObservationCount returns the summed observation counts of all edges
// incident to the node. Cold-start alpha keys off this value.
func (s *Store) ObservationCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, e := range s.out[id] {
		total += e.Count
	}
	for _, e := range s.in[id] {
		total += e.Count
	}
	return total
}

// Parents returns nodes containing id (incoming contains edges).
func (s *Store) Parents(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for from, e := range s.in[id] {
		if e.Type == EdgeContains {
			out = append(out, from)
		}
	}
	return out
}

// Children returns nodes contained by id (outgoing contains edges).
func (s *Store) Children(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for to, e := range s.out[id] {
		if e.Type == EdgeContains {
			out = append(out, to)
		}
	}
	return out
}

// CommonNeighborCount returns |N(u) ∩ N(v)| over undirected neighborhoods.
func (s *Store) CommonNeighborCount(u, v string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nu := s.allNeighborsLocked(u)
	nv := make(map[string]struct{})
	for _, id := range s.allNeighborsLocked(v) {
		nv[id] = struct{}{}
	}
	count := 0
	for _, id := range nu {
		if _, ok := nv[id]; ok {
			count++
		}
	}
	return count
}
