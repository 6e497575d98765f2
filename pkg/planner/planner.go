// Package planner assembles the CASYS planning engine.
//
// The Engine owns one knowledge graph and every component operating on
// it: persistence, graph metrics, spectral clustering, the alpha
// calculator, hybrid search, the DAG builder, the suggester, the
// predictor, and the learning loop. It exposes the operations the serving
// layer maps to tools.
//
// Example:
//
//	db, _ := storage.NewBadgerStore(dir, nil)
//	eng, err := planner.New(planner.Options{DB: db})
//	if err != nil {
//		return err
//	}
//	defer eng.Close()
//	if err := eng.Sync(ctx); err != nil {
//		return err
//	}
//	dag, err := eng.SuggestWorkflow(ctx, "read a file and summarize it", nil)
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/casys-ai/casys/pkg/alpha"
	"github.com/casys-ai/casys/pkg/capability"
	"github.com/casys-ai/casys/pkg/config"
	"github.com/casys-ai/casys/pkg/dag"
	"github.com/casys-ai/casys/pkg/episodic"
	"github.com/casys-ai/casys/pkg/events"
	"github.com/casys-ai/casys/pkg/graph"
	"github.com/casys-ai/casys/pkg/learn"
	"github.com/casys-ai/casys/pkg/metrics"
	"github.com/casys-ai/casys/pkg/predict"
	"github.com/casys-ai/casys/pkg/search"
	"github.com/casys-ai/casys/pkg/spectral"
	"github.com/casys-ai/casys/pkg/storage"
	"github.com/casys-ai/casys/pkg/suggest"
)

// Options configures Engine construction. DB is required; everything else
// has a default.
type Options struct {
	Config   *config.Config
	DB       storage.Store
	Embedder Embedder
	Log      *zap.Logger
	Bus      *events.Bus
}

// Engine is the assembled planning engine.
type Engine struct {
	cfg *config.Config
	db  storage.Store
	log *zap.Logger
	bus *events.Bus

	graph    *graph.Store
	persist  *graph.Persistence
	metrics  *metrics.Computer
	clusters *spectral.Engine
	alpha    *alpha.Calculator
	caps     *capability.RowStore
	memory   *episodic.Memory
	index    *EmbeddingIndex

	hybrid    *search.Hybrid
	builder   *dag.Builder
	suggester *suggest.Suggester
	predictor *predict.Predictor
	learner   *learn.Learner
}

// New wires an engine. The graph starts empty; call Sync before serving.
func New(opts Options) (*Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("planner: storage is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}

	e := &Engine{
		cfg:   cfg,
		db:    opts.DB,
		log:   log,
		bus:   bus,
		graph: graph.NewStore(),
	}
	e.persist = graph.NewPersistence(opts.DB, e.graph, cfg.Scoring.Thresholds.SyncConfidence, log.Named("persist"), bus)
	e.metrics = metrics.NewComputer(e.graph, log.Named("metrics"), bus)
	e.clusters = spectral.NewEngine(spectral.DefaultTTL, cfg.Scoring.Capability.PartialMembership, log.Named("spectral"))
	e.index = NewEmbeddingIndex(opts.Embedder, log.Named("embeddings"))
	e.alpha = alpha.NewCalculator(cfg.Alpha, e.graph, e.index, log.Named("alpha"))
	e.caps = capability.NewRowStore(opts.DB)
	e.memory = episodic.NewMemory()

	e.hybrid = search.NewHybrid(e.graph, e.alpha, e.index, log.Named("search"))
	e.builder = dag.NewBuilder(e.graph, cfg.Scoring.Limits.MaxPathHops, log.Named("dag"))
	e.suggester = suggest.NewSuggester(cfg.Scoring, e.graph, e.hybrid, e.builder,
		e.metrics, e.caps, e.clusters, e.memory, log.Named("suggest"))
	e.predictor = predict.NewPredictor(cfg.Scoring, e.graph, e.alpha,
		e.metrics, e.caps, e.clusters, e.memory, log.Named("predict"))
	e.learner = learn.NewLearner(e.graph, e.persist, opts.DB, e.memory,
		e.metrics, e.clusters, e.alpha, e.predictor, log.Named("learn"), bus)

	e.alpha.SetObserver(e.recordAlphaDecision)
	bus.Subscribe(events.MetricsComputed, e.recordMetricRows)

	return e, nil
}

// Sync reloads the graph from the row store, refreshes the embedding
// index, bootstraps template edges on a fresh graph, and recomputes
// derived state.
func (e *Engine) Sync(ctx context.Context) error {
	if err := e.persist.Sync(ctx); err != nil {
		return err
	}
	if err := e.index.Reload(ctx, e.db); err != nil {
		return fmt.Errorf("sync: reload embeddings: %w", err)
	}

	if e.cfg.Scoring.Defaults.BootstrapTemplates &&
		e.graph.EdgeCount() == 0 && e.graph.NodeCount() > 1 {
		seeded := e.bootstrapTemplates()
		if seeded > 0 {
			e.log.Info("template edges bootstrapped", zap.Int("edges", seeded))
			if err := e.persist.PersistEdges(ctx); err != nil {
				e.log.Warn("template edge persistence failed", zap.Error(err))
			}
		}
	}

	if derived := e.deriveProvidesEdges(ctx); derived > 0 {
		e.log.Info("provides edges derived from tool schemas", zap.Int("edges", derived))
		if err := e.persist.PersistEdges(ctx); err != nil {
			e.log.Warn("provides edge persistence failed", zap.Error(err))
		}
	}

	e.metrics.Recompute()
	e.refreshClustering(ctx)
	e.alpha.InvalidateCache()
	return nil
}

// deriveProvidesEdges links tools whose output schema satisfies a
// required input field of another tool. Derived edges enter as inferred
// provides relations; pairs already connected are left alone.
func (e *Engine) deriveProvidesEdges(ctx context.Context) int {
	rows, err := e.db.ListToolSchemas(ctx)
	if err != nil {
		e.log.Warn("tool schema listing failed, provides derivation skipped", zap.Error(err))
		return 0
	}
	if len(rows) < 2 {
		return 0
	}

	type toolSchema struct {
		id       string
		outputs  map[string]struct{}
		consumes map[string]struct{}
	}
	schemas := make([]toolSchema, 0, len(rows))
	for _, row := range rows {
		if !e.graph.HasNode(row.ToolID) {
			continue
		}
		schemas = append(schemas, toolSchema{
			id:       row.ToolID,
			outputs:  schemaProperties(row.OutputSchema),
			consumes: requiredInputs(row.InputSchema),
		})
	}

	created := 0
	et := graph.EdgeProvides
	src := graph.SourceInferred
	for _, provider := range schemas {
		if len(provider.outputs) == 0 {
			continue
		}
		for _, consumer := range schemas {
			if provider.id == consumer.id || !fieldsOverlap(provider.outputs, consumer.consumes) {
				continue
			}
			if _, ok := e.graph.Edge(provider.id, consumer.id); ok {
				continue
			}
			if _, ok := e.graph.AddEdge(provider.id, consumer.id, graph.EdgeUpdate{
				Type:         &et,
				Source:       &src,
				AddCount:     1,
				LastObserved: time.Now(),
			}); ok {
				created++
				e.bus.Publish(events.EdgeCreated, map[string]any{
					"from": provider.id, "to": consumer.id,
					"type": string(et), "source": string(src),
				})
			}
		}
	}
	return created
}

// schemaProperties returns a JSON schema's top-level property names.
func schemaProperties(raw json.RawMessage) map[string]struct{} {
	if len(raw) == 0 {
		return nil
	}
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	props := make(map[string]struct{}, len(doc.Properties))
	for name := range doc.Properties {
		props[name] = struct{}{}
	}
	return props
}

// requiredInputs returns a schema's required property names, falling back
// to all properties when nothing is marked required.
func requiredInputs(raw json.RawMessage) map[string]struct{} {
	if len(raw) == 0 {
		return nil
	}
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	if len(doc.Required) == 0 {
		return schemaProperties(raw)
	}
	req := make(map[string]struct{}, len(doc.Required))
	for _, name := range doc.Required {
		req[name] = struct{}{}
	}
	return req
}

func fieldsOverlap(outputs, inputs map[string]struct{}) bool {
	for name := range inputs {
		if _, ok := outputs[name]; ok {
			return true
		}
	}
	return false
}

// bootstrapTemplates seeds weak sequence edges between a server's tools
// in name order, giving a fresh deployment non-zero graph structure to
// plan against. Returns the number of edges created.
func (e *Engine) bootstrapTemplates() int {
	byServer := make(map[string][]string)
	for _, n := range e.graph.Nodes() {
		if n.Kind != graph.KindTool || n.Server == "" {
			continue
		}
		byServer[n.Server] = append(byServer[n.Server], n.ID)
	}

	created := 0
	et := graph.EdgeSequence
	src := graph.SourceTemplate
	for _, ids := range byServer {
		sort.Strings(ids)
		for i := 1; i < len(ids); i++ {
			if _, ok := e.graph.AddEdge(ids[i-1], ids[i], graph.EdgeUpdate{
				Type:   &et,
				Source: &src,
			}); ok {
				created++
			}
		}
	}
	return created
}

// refreshClustering recomputes the spectral clustering and hands it to
// the alpha calculator. Failure to list capabilities degrades to no
// clustering.
func (e *Engine) refreshClustering(ctx context.Context) {
	caps, err := e.caps.List(ctx)
	if err != nil {
		e.log.Warn("capability listing failed, clustering skipped", zap.Error(err))
		return
	}
	var toolIDs []string
	for _, id := range e.graph.NodeIDs() {
		switch e.graph.Kind(id) {
		case graph.KindTool, graph.KindOperation:
			toolIDs = append(toolIDs, id)
		}
	}
	sort.Strings(toolIDs)
	res := e.clusters.Compute(toolIDs, caps)
	e.alpha.SetSpectralClustering(res)
}

// SuggestWorkflow returns a workflow DAG for the intent, or nil when the
// engine is not confident enough to suggest one.
func (e *Engine) SuggestWorkflow(ctx context.Context, intent string, contextTools []string) (*suggest.DAG, error) {
	return e.suggester.Suggest(ctx, intent, contextTools)
}

// PredictNext anticipates the next tool from a workflow state.
func (e *Engine) PredictNext(ctx context.Context, state predict.State) predict.Result {
	return e.predictor.PredictNext(ctx, state)
}

// RecordExecution feeds one completed workflow back into the graph.
func (e *Engine) RecordExecution(ctx context.Context, report learn.ExecutionReport) error {
	return e.learner.UpdateFromExecution(ctx, report)
}

// RecordTraces mines structural edges from raw code trace spans.
func (e *Engine) RecordTraces(ctx context.Context, traces []learn.CodeTrace) error {
	return e.learner.UpdateFromCodeExecution(ctx, traces)
}

// HybridSearch runs blended semantic/graph search.
func (e *Engine) HybridSearch(ctx context.Context, query string, contextTools []string, limit int, includeRelated bool) ([]search.HybridResult, error) {
	return e.hybrid.Search(ctx, query, contextTools, limit, includeRelated)
}

// RecordHint records an agent-supplied edge. User edges carry a pinned
// confidence regardless of the derived weight. Both endpoints must
// already exist in the graph.
func (e *Engine) RecordHint(ctx context.Context, from, to, edgeType string) (graph.Edge, error) {
	if !e.graph.HasNode(from) {
		return graph.Edge{}, fmt.Errorf("record hint: unknown node %q", from)
	}
	if !e.graph.HasNode(to) {
		return graph.Edge{}, fmt.Errorf("record hint: unknown node %q", to)
	}
	et := graph.NormalizeEdgeType(edgeType)
	src := graph.SourceUser
	edge, created := e.graph.AddEdge(from, to, graph.EdgeUpdate{
		Type:         &et,
		Source:       &src,
		AddCount:     1,
		LastObserved: time.Now(),
	})
	if !created && edge.From == "" {
		return graph.Edge{}, fmt.Errorf("record hint: self edge rejected")
	}
	name := events.EdgeUpdated
	if created {
		name = events.EdgeCreated
	}
	e.bus.Publish(name, map[string]any{
		"from": from, "to": to, "type": string(et), "source": "user",
	})
	if err := e.persist.PersistEdges(ctx); err != nil {
		e.log.Warn("hint persistence failed", zap.Error(err))
	}
	return edge, nil
}

// Stats is a snapshot of graph health.
type Stats struct {
	Nodes             int                `json:"nodes"`
	Edges             int                `json:"edges"`
	Density           float64            `json:"density"`
	AverageEdgeWeight float64            `json:"average_edge_weight"`
	Communities       int                `json:"communities"`
	TopTools          []metrics.NodeScore `json:"top_tools,omitempty"`
}

// GraphStats reports the current graph metrics.
func (e *Engine) GraphStats() Stats {
	return Stats{
		Nodes:             e.graph.NodeCount(),
		Edges:             e.graph.EdgeCount(),
		Density:           e.graph.Density(),
		AverageEdgeWeight: e.metrics.AverageEdgeWeight(),
		Communities:       e.metrics.CommunityCount(),
		TopTools:          e.metrics.TopKPageRank(5),
	}
}

// Graph exposes the underlying graph store, mainly for tests and tools
// that need direct reads.
func (e *Engine) Graph() *graph.Store { return e.graph }

// Bus exposes the engine's event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Close releases the underlying storage.
func (e *Engine) Close() error {
	return e.db.Close()
}

// recordAlphaDecision persists one alpha decision as an algorithm trace
// row and mirrors it on the bus.
func (e *Engine) recordAlphaDecision(algorithm, targetKind string, signals map[string]float64, value float64) {
	row := storage.AlgorithmTraceRow{
		AlgorithmMode: algorithm,
		TargetType:    targetKind,
		Signals:       signals,
		FinalScore:    value,
		Decision:      "alpha",
		Timestamp:     time.Now(),
	}
	if err := e.db.AppendAlgorithmTrace(context.Background(), row); err != nil {
		e.log.Debug("algorithm trace append failed", zap.Error(err))
	}
	e.bus.Publish(events.AlgorithmScored, map[string]any{
		"algorithm": algorithm,
		"target":    targetKind,
		"alpha":     value,
	})
}

// recordMetricRows persists the headline graph metrics whenever they are
// recomputed.
func (e *Engine) recordMetricRows(ev events.Event) {
	now := time.Now()
	rows := []storage.MetricRow{
		{MetricName: "graph.nodes", Value: float64(e.graph.NodeCount()), Timestamp: now},
		{MetricName: "graph.edges", Value: float64(e.graph.EdgeCount()), Timestamp: now},
		{MetricName: "graph.density", Value: e.graph.Density(), Timestamp: now},
		{MetricName: "graph.avg_edge_weight", Value: e.metrics.AverageEdgeWeight(), Timestamp: now},
		{MetricName: "graph.communities", Value: float64(e.metrics.CommunityCount()), Timestamp: now},
	}
	for _, row := range rows {
		if err := e.db.AppendMetric(context.Background(), row); err != nil {
			e.log.Debug("metric append failed", zap.Error(err))
			return
		}
	}
}
