// Package learn closes the planning loop: execution outcomes flow back
// into the knowledge graph.
//
// Two feedback paths exist. Workflow executions strengthen the edges
// along the executed DAG (or create them, as low-trust template edges).
// Raw code traces mine structure bottom-up: parent spans contain child
// spans, and consecutive siblings form sequences. Both paths persist the
// touched edges, refresh graph metrics, and invalidate derived caches.
package learn

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casys-ai/casys/pkg/episodic"
	"github.com/casys-ai/casys/pkg/events"
	"github.com/casys-ai/casys/pkg/graph"
	"github.com/casys-ai/casys/pkg/storage"
)

// successLift multiplies an existing edge's weight after a successful
// traversal, capped at 1.0.
const successLift = 1.1

// TaskResult is one executed task of a workflow. DependsOn lists the
// task ids this task declared as predecessors in the executed DAG.
type TaskResult struct {
	TaskID    string        `json:"task_id"`
	Tool      string        `json:"tool"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
	DependsOn []string      `json:"depends_on,omitempty"`
}

// ExecutionReport is a completed workflow run.
type ExecutionReport struct {
	// Tasks in execution order.
	Tasks []TaskResult `json:"tasks"`

	// Success is the overall workflow outcome.
	Success bool `json:"success"`
}

// CodeTrace is one span from an instrumented code execution.
type CodeTrace struct {
	TraceID       string    `json:"trace_id"`
	ParentTraceID string    `json:"parent_trace_id,omitempty"`
	Tool          string    `json:"tool"`
	Timestamp     time.Time `json:"timestamp"`
}

// Recomputer refreshes graph metrics. *metrics.Computer satisfies it.
type Recomputer interface {
	Recompute()
}

// Invalidator drops a derived cache. The spectral engine satisfies it.
type Invalidator interface {
	Invalidate()
}

// CacheInvalidator drops the alpha heat cache.
type CacheInvalidator interface {
	InvalidateCache()
}

// OutcomeSink receives per-tool success statistics.
type OutcomeSink interface {
	RecordOutcome(tool string, success bool)
}

// Learner applies execution feedback to the graph.
type Learner struct {
	g       *graph.Store
	persist *graph.Persistence
	db      storage.Store
	memory  *episodic.Memory
	log     *zap.Logger
	bus     *events.Bus

	metrics  Recomputer
	clusters Invalidator
	alpha    CacheInvalidator
	outcomes OutcomeSink
}

// NewLearner wires a learner. metrics, clusters, alpha, memory and
// outcomes may each be nil; the corresponding refresh is then skipped.
func NewLearner(
	g *graph.Store,
	persist *graph.Persistence,
	db storage.Store,
	memory *episodic.Memory,
	metrics Recomputer,
	clusters Invalidator,
	alphaCache CacheInvalidator,
	outcomes OutcomeSink,
	log *zap.Logger,
	bus *events.Bus,
) *Learner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Learner{
		g:        g,
		persist:  persist,
		db:       db,
		memory:   memory,
		metrics:  metrics,
		clusters: clusters,
		alpha:    alphaCache,
		outcomes: outcomes,
		log:      log,
		bus:      bus,
	}
}

// UpdateFromExecution applies one workflow run. Every declared dependsOn
// edge between two successful tasks strengthens (or creates) the edge
// between their tools; reports without declared dependencies fall back to
// execution order. Episodic memory and per-tool outcome statistics record
// every task.
func (l *Learner) UpdateFromExecution(ctx context.Context, report ExecutionReport) error {
	var executed []string
	for _, task := range report.Tasks {
		if l.memory != nil {
			l.memory.Record(episodic.ContextHash(executed), task.Tool, task.Success)
		}
		if l.outcomes != nil {
			l.outcomes.RecordOutcome(task.Tool, task.Success)
		}
		executed = append(executed, task.Tool)
	}

	changed := l.reinforceDeclared(report.Tasks)

	if err := l.appendTrace(ctx, report); err != nil {
		l.log.Warn("execution trace append failed", zap.Error(err))
	}

	if changed > 0 {
		l.refresh(ctx)
	}
	l.log.Info("execution feedback applied",
		zap.Int("tasks", len(report.Tasks)),
		zap.Int("edges_changed", changed),
		zap.Bool("success", report.Success))
	return nil
}

// reinforceDeclared reinforces the edge for each declared dependsOn pair
// whose tasks both succeeded, skipping self-loops and unknown task ids.
// When no task declares dependencies, consecutive successful tasks are
// linked instead. Returns the number of graph changes.
func (l *Learner) reinforceDeclared(tasks []TaskResult) int {
	byID := make(map[string]TaskResult, len(tasks))
	declared := false
	for _, task := range tasks {
		if task.TaskID != "" {
			byID[task.TaskID] = task
		}
		if len(task.DependsOn) > 0 {
			declared = true
		}
	}

	changed := 0
	if declared {
		for _, task := range tasks {
			if !task.Success {
				continue
			}
			for _, depID := range task.DependsOn {
				dep, ok := byID[depID]
				if !ok || !dep.Success || dep.Tool == task.Tool {
					continue
				}
				if l.reinforceEdge(dep.Tool, task.Tool) {
					changed++
				}
			}
		}
		return changed
	}

	var prevTool string
	for _, task := range tasks {
		if !task.Success {
			prevTool = ""
			continue
		}
		if prevTool != "" && prevTool != task.Tool {
			if l.reinforceEdge(prevTool, task.Tool) {
				changed++
			}
		}
		prevTool = task.Tool
	}
	return changed
}

// reinforceEdge lifts an existing edge's weight or creates a template
// dependency edge. Returns true when the graph changed.
func (l *Learner) reinforceEdge(from, to string) bool {
	if _, ok := l.g.Edge(from, to); ok {
		e, ok := l.g.SetEdgeWeightLift(from, to, successLift)
		if ok {
			l.bus.Publish(events.EdgeUpdated, map[string]any{
				"from": from, "to": to, "weight": e.Weight, "count": e.Count,
			})
		}
		return ok
	}

	et := graph.EdgeDependency
	src := graph.SourceTemplate
	e, ok := l.g.AddEdge(from, to, graph.EdgeUpdate{
		Type:         &et,
		Source:       &src,
		AddCount:     1,
		LastObserved: time.Now(),
	})
	if ok {
		l.bus.Publish(events.EdgeCreated, map[string]any{
			"from": from, "to": to, "weight": e.Weight,
		})
	}
	return ok
}

// UpdateFromCodeExecution mines structural edges from raw trace spans:
// parent spans contain children, and siblings ordered by timestamp form
// sequences. Edges enter as inferred and promote to observed once seen
// often enough.
func (l *Learner) UpdateFromCodeExecution(ctx context.Context, traces []CodeTrace) error {
	if len(traces) == 0 {
		return nil
	}

	byID := make(map[string]CodeTrace, len(traces))
	children := make(map[string][]CodeTrace)
	var roots []CodeTrace
	for _, t := range traces {
		byID[t.TraceID] = t
		if t.ParentTraceID == "" {
			roots = append(roots, t)
			continue
		}
		children[t.ParentTraceID] = append(children[t.ParentTraceID], t)
	}

	changed := 0

	for parentID, kids := range children {
		parent, ok := byID[parentID]
		if !ok {
			// Orphan spans still order among themselves below.
			roots = append(roots, kids...)
			continue
		}
		sort.SliceStable(kids, func(i, j int) bool {
			return kids[i].Timestamp.Before(kids[j].Timestamp)
		})
		for _, kid := range kids {
			if parent.Tool == kid.Tool {
				continue
			}
			if l.observeEdge(parent.Tool, kid.Tool, graph.EdgeContains, kid.Timestamp) {
				changed++
			}
		}
		if l.sequenceEdges(kids) > 0 {
			changed++
		}
	}

	sort.SliceStable(roots, func(i, j int) bool {
		return roots[i].Timestamp.Before(roots[j].Timestamp)
	})
	if l.sequenceEdges(roots) > 0 {
		changed++
	}

	if changed > 0 {
		l.refresh(ctx)
	}
	l.log.Info("code trace feedback applied",
		zap.Int("spans", len(traces)),
		zap.Int("edges_changed", changed))
	return nil
}

// sequenceEdges links consecutive spans with sequence edges and returns
// the number of graph changes.
func (l *Learner) sequenceEdges(ordered []CodeTrace) int {
	changed := 0
	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1], ordered[i]
		if prev.Tool == cur.Tool {
			continue
		}
		if l.observeEdge(prev.Tool, cur.Tool, graph.EdgeSequence, cur.Timestamp) {
			changed++
		}
	}
	return changed
}

// observeEdge records one inferred observation of an edge; repeated
// observations promote the edge to observed provenance.
func (l *Learner) observeEdge(from, to string, t graph.EdgeType, at time.Time) bool {
	upd := graph.EdgeUpdate{AddCount: 1, LastObserved: at}
	if _, ok := l.g.Edge(from, to); !ok {
		src := graph.SourceInferred
		upd.Type = &t
		upd.Source = &src
	}
	_, ok := l.g.AddEdge(from, to, upd)
	return ok
}

// refresh persists the touched edges, recomputes metrics and drops
// derived caches.
func (l *Learner) refresh(ctx context.Context) {
	if l.persist != nil {
		if err := l.persist.PersistEdges(ctx); err != nil {
			l.log.Warn("edge persistence failed", zap.Error(err))
		}
	}
	if l.metrics != nil {
		l.metrics.Recompute()
	}
	if l.clusters != nil {
		l.clusters.Invalidate()
	}
	if l.alpha != nil {
		l.alpha.InvalidateCache()
	}
}

// appendTrace writes the append-only execution record.
func (l *Learner) appendTrace(ctx context.Context, report ExecutionReport) error {
	if l.db == nil {
		return nil
	}
	results, err := json.Marshal(report.Tasks)
	if err != nil {
		return err
	}
	return l.db.AppendExecutionTrace(ctx, storage.ExecutionTraceRow{
		ID:          uuid.NewString(),
		Timestamp:   time.Now(),
		TaskResults: results,
	})
}
