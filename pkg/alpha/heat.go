package alpha

import (
	"time"

	"github.com/casys-ai/casys/pkg/graph"
)

// heatDiffusion implements the passive-suggestion regime. The target's
// heat (plain or hierarchical, selected by targetHeat) combines with
// context heat and path heat into a structural signal; a hot, well
// connected neighborhood pulls alpha toward the graph.
func (c *Calculator) heatDiffusion(target string, contextTools []string, signals map[string]float64, targetHeat func(string) float64) float64 {
	hc := c.cfg.Heat

	th := targetHeat(target)

	var contextHeats []float64
	for _, ct := range contextTools {
		if c.g.HasNode(ct) {
			contextHeats = append(contextHeats, c.nodeHeat(ct))
		}
	}
	contextHeat := mean(contextHeats)

	var pathHeats []float64
	for _, ct := range contextTools {
		if !c.g.HasNode(ct) {
			continue
		}
		if _, ok := c.g.EitherEdge(target, ct); ok {
			pathHeats = append(pathHeats, 1.0)
			continue
		}
		common := float64(c.g.CommonNeighborCount(target, ct))
		pathHeats = append(pathHeats, clamp01(common*hc.CommonNeighborScale))
	}
	pathHeat := mean(pathHeats)

	structural := hc.TargetWeight*th + hc.ContextWeight*contextHeat + hc.PathWeight*pathHeat
	value := c.cfg.Max - (c.cfg.Max-c.cfg.Min)*structural

	signals["target_heat"] = th
	signals["context_heat"] = contextHeat
	signals["path_heat"] = pathHeat
	signals["structural"] = structural
	return value
}

// nodeHeat computes the plain heat of a node from its degree and its
// neighbors' degrees, normalized by the graph's max degree. Values cache
// for the configured TTL.
func (c *Calculator) nodeHeat(id string) float64 {
	ttl := time.Duration(c.cfg.Heat.CacheTTLSeconds) * time.Second

	c.mu.Lock()
	if entry, ok := c.heatCache[id]; ok && time.Since(entry.at) < ttl {
		c.mu.Unlock()
		return entry.value
	}
	c.mu.Unlock()

	value := c.rawHeat(id)

	c.mu.Lock()
	c.heatCache[id] = heatEntry{value: value, at: time.Now()}
	c.mu.Unlock()
	return value
}

func (c *Calculator) rawHeat(id string) float64 {
	hc := c.cfg.Heat
	maxDeg := c.maxDegree()

	degreeHeat := clamp01(float64(c.g.Degree(id)) / maxDeg)

	var neighborDegrees []float64
	for _, nb := range c.g.AllNeighbors(id) {
		neighborDegrees = append(neighborDegrees, clamp01(float64(c.g.Degree(nb))/maxDeg))
	}
	neighborHeat := mean(neighborDegrees)

	return hc.DegreeWeight*degreeHeat + hc.NeighborWeight*neighborHeat
}

// compositeHeatRoot starts a hierarchical heat computation at the target.
func (c *Calculator) compositeHeatRoot(id string) float64 {
	return c.compositeHeat(id, 0, map[string]struct{}{id: {}})
}

// compositeHeat blends intrinsic, neighbor, and hierarchy heat with
// per-kind weights. Hierarchy propagates bottom-up from children and
// top-down from parents with inheritance factors, capped at the
// configured depth to stay clear of containment cycles.
func (c *Calculator) compositeHeat(id string, depth int, seen map[string]struct{}) float64 {
	kw := c.kindWeights(c.g.Kind(id))
	maxDeg := c.maxDegree()

	intrinsic := clamp01(float64(c.g.Degree(id)) / maxDeg)
	if cl := c.currentCluster(); cl != nil && c.g.Kind(id) == graph.KindCapability {
		// Hypergraph centrality sharpens intrinsic heat for capabilities
		// when a clustering is installed.
		if pr, ok := cl.CapPageRank[trimCapabilityPrefix(id)]; ok {
			intrinsic = clamp01(0.5*intrinsic + 0.5*pr)
		}
	}

	var neighborDegrees []float64
	for _, nb := range c.g.AllNeighbors(id) {
		neighborDegrees = append(neighborDegrees, clamp01(float64(c.g.Degree(nb))/maxDeg))
	}
	neighbor := mean(neighborDegrees)

	hierarchy := 0.0
	if depth < c.cfg.Hierarchy.MaxDepth {
		var contributions []float64
		for _, parent := range c.g.Parents(id) {
			if _, ok := seen[parent]; ok {
				continue
			}
			seen[parent] = struct{}{}
			factor := c.inheritFactor(c.g.Kind(parent), c.g.Kind(id))
			contributions = append(contributions, factor*c.compositeHeat(parent, depth+1, seen))
		}
		for _, child := range c.g.Children(id) {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			contributions = append(contributions, c.compositeHeat(child, depth+1, seen))
		}
		hierarchy = mean(contributions)
	}

	return kw.Intrinsic*intrinsic + kw.Neighbor*neighbor + kw.Hierarchy*hierarchy
}

func (c *Calculator) kindWeights(kind graph.NodeKind) kindWeightTriple {
	h := c.cfg.Hierarchy
	switch kind {
	case graph.KindCapability:
		return kindWeightTriple{h.Capability.Intrinsic, h.Capability.Neighbor, h.Capability.Hierarchy}
	case graph.KindMeta:
		return kindWeightTriple{h.Meta.Intrinsic, h.Meta.Neighbor, h.Meta.Hierarchy}
	default:
		return kindWeightTriple{h.Tool.Intrinsic, h.Tool.Neighbor, h.Tool.Hierarchy}
	}
}

type kindWeightTriple struct {
	Intrinsic, Neighbor, Hierarchy float64
}

// inheritFactor returns the top-down propagation factor from a parent kind
// to a child kind.
func (c *Calculator) inheritFactor(parent, child graph.NodeKind) float64 {
	switch {
	case parent == graph.KindMeta && child == graph.KindCapability:
		return c.cfg.Hierarchy.MetaToCapability
	case parent == graph.KindCapability && (child == graph.KindTool || child == graph.KindOperation):
		return c.cfg.Hierarchy.CapabilityToTool
	default:
		return c.cfg.Hierarchy.CapabilityToTool
	}
}

func (c *Calculator) currentCluster() *clusterView {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cluster == nil {
		return nil
	}
	return &clusterView{CapPageRank: c.cluster.CapPageRank}
}

type clusterView struct {
	CapPageRank map[string]float64
}

func trimCapabilityPrefix(id string) string {
	if len(id) > len(graph.CapabilityPrefix) && id[:len(graph.CapabilityPrefix)] == graph.CapabilityPrefix {
		return id[len(graph.CapabilityPrefix):]
	}
	return id
}
