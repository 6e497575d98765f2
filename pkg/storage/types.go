// Package storage provides the persistent row store consumed by the CASYS
// planning engine.
//
// The engine treats persistence as a typed key/row store. Two
// implementations are provided:
//
//   - BadgerStore: disk-backed via BadgerDB, row-level upserts
//   - MemoryStore: map-backed, for tests and ephemeral runs
//
// Tables map to key prefixes; rows serialize to JSON. The in-memory graph
// is the source of truth between syncs, so individual upsert failures are
// recoverable by design.
package storage

import (
	"context"
	"encoding/json"
	"time"
)

// ToolEmbeddingRow is a node source row: one callable tool with its dense
// embedding.
type ToolEmbeddingRow struct {
	ToolID    string         `json:"tool_id"`
	ServerID  string         `json:"server_id"`
	ToolName  string         `json:"tool_name"`
	Embedding []float32      `json:"embedding,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ToolDependencyRow is an edge source row between two tools.
type ToolDependencyRow struct {
	FromToolID      string    `json:"from_tool_id"`
	ToToolID        string    `json:"to_tool_id"`
	ObservedCount   int       `json:"observed_count"`
	ConfidenceScore float64   `json:"confidence_score"`
	EdgeType        string    `json:"edge_type"`
	EdgeSource      string    `json:"edge_source"`
	LastObserved    time.Time `json:"last_observed"`
}

// CapabilityDependencyRow is an edge source row between two capabilities.
type CapabilityDependencyRow struct {
	FromCapabilityID string  `json:"from_capability_id"`
	ToCapabilityID   string  `json:"to_capability_id"`
	ObservedCount    int     `json:"observed_count"`
	ConfidenceScore  float64 `json:"confidence_score"`
	EdgeType         string  `json:"edge_type"`
	EdgeSource       string  `json:"edge_source"`
}

// ToolSchemaRow holds a tool's JSON schemas, used for provides-edge
// calculation.
type ToolSchemaRow struct {
	ToolID       string          `json:"tool_id"`
	ServerID     string          `json:"server_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// CapabilityRow is a learned workflow fragment referencing one or more
// tools.
type CapabilityRow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	ToolsUsed   []string       `json:"tools_used"`
	SuccessRate float64        `json:"success_rate"`
	CodeSnippet string         `json:"code_snippet,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ExecutionTraceRow is an append-only record of a completed workflow.
type ExecutionTraceRow struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Decisions   json.RawMessage `json:"decisions,omitempty"`
	TaskResults json.RawMessage `json:"task_results,omitempty"`
}

// AlgorithmTraceRow records one algorithm decision for observability.
type AlgorithmTraceRow struct {
	AlgorithmMode string             `json:"algorithm_mode"`
	TargetType    string             `json:"target_type"`
	Signals       map[string]float64 `json:"signals,omitempty"`
	Params        map[string]any     `json:"params,omitempty"`
	FinalScore    float64            `json:"final_score"`
	ThresholdUsed float64            `json:"threshold_used"`
	Decision      string             `json:"decision"`
	Timestamp     time.Time          `json:"timestamp"`
}

// MetricRow is one time-series telemetry point.
type MetricRow struct {
	MetricName string         `json:"metric_name"`
	Value      float64        `json:"value"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Store is the typed row store consumed by the planning engine.
//
// Upserts are row-level; no multi-row transaction discipline is required
// beyond per-row atomicity.
type Store interface {
	ListToolEmbeddings(ctx context.Context) ([]ToolEmbeddingRow, error)
	UpsertToolEmbedding(ctx context.Context, row ToolEmbeddingRow) error

	ListToolDependencies(ctx context.Context) ([]ToolDependencyRow, error)
	UpsertToolDependency(ctx context.Context, row ToolDependencyRow) error

	ListCapabilityDependencies(ctx context.Context) ([]CapabilityDependencyRow, error)
	UpsertCapabilityDependency(ctx context.Context, row CapabilityDependencyRow) error

	ListToolSchemas(ctx context.Context) ([]ToolSchemaRow, error)
	UpsertToolSchema(ctx context.Context, row ToolSchemaRow) error

	ListCapabilities(ctx context.Context) ([]CapabilityRow, error)
	GetCapability(ctx context.Context, id string) (*CapabilityRow, error)
	UpsertCapability(ctx context.Context, row CapabilityRow) error

	AppendExecutionTrace(ctx context.Context, row ExecutionTraceRow) error
	AppendAlgorithmTrace(ctx context.Context, row AlgorithmTraceRow) error
	AppendMetric(ctx context.Context, row MetricRow) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	Close() error
}
