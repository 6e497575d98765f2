package graph

import "math"

// WeightedAdamicAdar computes an edge-weight-generalized Adamic-Adar score
// between two nodes:
//
//	AA(u,v) = Σ edge_weight(u,w) / log(deg(w))
//
// summed over common neighbors w with degree >= 2 (log of a degree-1 node
// is zero). Neighborhoods are undirected; edge_weight(u,w) takes the edge
// in either direction.
func (s *Store) WeightedAdamicAdar(u, v string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nv := make(map[string]struct{})
	for _, id := range s.allNeighborsLocked(v) {
		nv[id] = struct{}{}
	}

	var score float64
	for _, w := range s.allNeighborsLocked(u) {
		if _, ok := nv[w]; !ok {
			continue
		}
		deg := len(s.out[w]) + len(s.in[w])
		if deg < 2 {
			continue
		}
		weight := 0.0
		if e, ok := s.out[u][w]; ok {
			weight = e.Weight
		} else if e, ok := s.in[u][w]; ok {
			weight = e.Weight
		}
		score += weight / math.Log(float64(deg))
	}
	return score
}
