package graph

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/casys-ai/casys/pkg/events"
	"github.com/casys-ai/casys/pkg/storage"
)

// Persistence synchronizes the in-memory graph with the row store.
//
// Sync is a full reload: the graph is cleared, tools become nodes, and
// dependency rows at or above the confidence filter become edges. Between
// syncs the in-memory graph is the source of truth; PersistEdges pushes
// its state back with row-level upserts, logging and skipping individual
// failures.
type Persistence struct {
	DB    storage.Store
	Graph *Store

	// MinConfidence filters dependency rows at sync (default 0.3).
	MinConfidence float64

	Log *zap.Logger
	Bus *events.Bus
}

// NewPersistence wires a persistence layer over a graph and a row store.
func NewPersistence(db storage.Store, g *Store, minConfidence float64, log *zap.Logger, bus *events.Bus) *Persistence {
	if log == nil {
		log = zap.NewNop()
	}
	return &Persistence{DB: db, Graph: g, MinConfidence: minConfidence, Log: log, Bus: bus}
}

// Sync clears the graph and reloads it from the row store. DB errors are
// fatal to the caller; rows referencing missing tool nodes are skipped and
// logged.
func (p *Persistence) Sync(ctx context.Context) error {
	start := time.Now()

	tools, err := p.DB.ListToolEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("sync: load tools: %w", err)
	}
	deps, err := p.DB.ListToolDependencies(ctx)
	if err != nil {
		return fmt.Errorf("sync: load tool dependencies: %w", err)
	}
	capDeps, err := p.DB.ListCapabilityDependencies(ctx)
	if err != nil {
		return fmt.Errorf("sync: load capability dependencies: %w", err)
	}

	p.Graph.Clear()

	for _, row := range tools {
		p.Graph.AddNode(Node{
			ID:       row.ToolID,
			Kind:     KindTool,
			Name:     row.ToolName,
			Server:   row.ServerID,
			Metadata: row.Metadata,
		})
	}

	skipped := 0
	for _, row := range deps {
		if row.ConfidenceScore < p.MinConfidence {
			continue
		}
		if !p.Graph.HasNode(row.FromToolID) || !p.Graph.HasNode(row.ToToolID) {
			p.Log.Warn("sync: dependency row references missing tool, skipping",
				zap.String("from", row.FromToolID),
				zap.String("to", row.ToToolID))
			skipped++
			continue
		}
		et := NormalizeEdgeType(row.EdgeType)
		src := NormalizeEdgeSource(row.EdgeSource)
		count := row.ObservedCount
		p.Graph.AddEdge(row.FromToolID, row.ToToolID, EdgeUpdate{
			Type:         &et,
			Source:       &src,
			Count:        &count,
			LastObserved: row.LastObserved,
		})
	}

	for _, row := range capDeps {
		if row.ConfidenceScore < p.MinConfidence {
			continue
		}
		from := CapabilityNodeID(row.FromCapabilityID)
		to := CapabilityNodeID(row.ToCapabilityID)
		et := NormalizeEdgeType(row.EdgeType)
		src := NormalizeEdgeSource(row.EdgeSource)
		count := row.ObservedCount
		// Capability nodes are auto-created on demand.
		p.Graph.AddEdge(from, to, EdgeUpdate{Type: &et, Source: &src, Count: &count})
	}

	p.Log.Info("graph synced",
		zap.Int("nodes", p.Graph.NodeCount()),
		zap.Int("edges", p.Graph.EdgeCount()),
		zap.Int("skipped_rows", skipped),
		zap.Duration("elapsed", time.Since(start)))
	p.Bus.Publish(events.GraphSynced, map[string]any{
		"nodes": p.Graph.NodeCount(),
		"edges": p.Graph.EdgeCount(),
	})
	return nil
}

// PersistEdges upserts every edge to the row store. Tool edges use the
// tool_dependency table; capability-to-capability edges take the
// capability path, which also carries promotion state and warns on
// contains cycles. Individual upsert failures are logged and skipped.
func (p *Persistence) PersistEdges(ctx context.Context) error {
	failed := 0
	for _, e := range p.Graph.Edges() {
		var err error
		if IsCapabilityID(e.From) && IsCapabilityID(e.To) {
			err = p.persistCapabilityEdge(ctx, e)
		} else if IsCapabilityID(e.From) || IsCapabilityID(e.To) {
			// Mixed tool/capability edges (provides, contains into tools)
			// live only in memory until the capability store learns them.
			continue
		} else {
			err = p.DB.UpsertToolDependency(ctx, storage.ToolDependencyRow{
				FromToolID:      e.From,
				ToToolID:        e.To,
				ObservedCount:   e.Count,
				ConfidenceScore: e.Confidence,
				EdgeType:        string(e.Type),
				EdgeSource:      string(e.Source),
				LastObserved:    e.LastObserved,
			})
		}
		if err != nil {
			failed++
			p.Log.Warn("persist edge failed, skipping",
				zap.String("from", e.From),
				zap.String("to", e.To),
				zap.Error(err))
		}
	}
	if failed > 0 {
		p.Log.Warn("partial edge persistence", zap.Int("failed", failed))
	}
	return nil
}

// persistCapabilityEdge upserts one capability dependency row. The
// in-memory edge already carries promotion state, so the row write is a
// single atomic upsert. A contains edge that closes a containment cycle is
// persisted but flagged.
func (p *Persistence) persistCapabilityEdge(ctx context.Context, e Edge) error {
	if e.Type == EdgeContains && p.containsCycleThrough(e.From, e.To) {
		p.Log.Warn("contains cycle detected in capability hierarchy",
			zap.String("from", e.From),
			zap.String("to", e.To))
	}
	return p.DB.UpsertCapabilityDependency(ctx, storage.CapabilityDependencyRow{
		FromCapabilityID: e.From,
		ToCapabilityID:   e.To,
		ObservedCount:    e.Count,
		ConfidenceScore:  e.Confidence,
		EdgeType:         string(e.Type),
		EdgeSource:       string(e.Source),
	})
}

// containsCycleThrough reports whether following contains edges from `to`
// reaches `from` again.
func (p *Persistence) containsCycleThrough(from, to string) bool {
	seen := map[string]struct{}{to: {}}
	stack := []string{to}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range p.Graph.Children(cur) {
			if child == from {
				return true
			}
			if _, ok := seen[child]; !ok {
				seen[child] = struct{}{}
				stack = append(stack, child)
			}
		}
	}
	return false
}
