package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a map-backed Store for tests and ephemeral runs.
//
// All methods are safe for concurrent use. Rows are copied on read so
// callers cannot mutate stored state.
type MemoryStore struct {
	mu sync.RWMutex

	toolEmbeddings  map[string]ToolEmbeddingRow
	toolDeps        map[string]ToolDependencyRow
	capDeps         map[string]CapabilityDependencyRow
	toolSchemas     map[string]ToolSchemaRow
	capabilities    map[string]CapabilityRow
	executionTraces []ExecutionTraceRow
	algorithmTraces []AlgorithmTraceRow
	metrics         []MetricRow
	configs         map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		toolEmbeddings: make(map[string]ToolEmbeddingRow),
		toolDeps:       make(map[string]ToolDependencyRow),
		capDeps:        make(map[string]CapabilityDependencyRow),
		toolSchemas:    make(map[string]ToolSchemaRow),
		capabilities:   make(map[string]CapabilityRow),
		configs:        make(map[string]string),
	}
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

func memPairKey(from, to string) string { return from + "\x00" + to }

// ListToolEmbeddings returns all tool embedding rows.
func (m *MemoryStore) ListToolEmbeddings(_ context.Context) ([]ToolEmbeddingRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := make([]ToolEmbeddingRow, 0, len(m.toolEmbeddings))
	for _, r := range m.toolEmbeddings {
		rows = append(rows, r)
	}
	return rows, nil
}

// UpsertToolEmbedding writes one tool embedding row.
func (m *MemoryStore) UpsertToolEmbedding(_ context.Context, row ToolEmbeddingRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolEmbeddings[row.ToolID] = row
	return nil
}

// ListToolDependencies returns all tool dependency rows.
func (m *MemoryStore) ListToolDependencies(_ context.Context) ([]ToolDependencyRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := make([]ToolDependencyRow, 0, len(m.toolDeps))
	for _, r := range m.toolDeps {
		rows = append(rows, r)
	}
	return rows, nil
}

// UpsertToolDependency writes one tool dependency row.
func (m *MemoryStore) UpsertToolDependency(_ context.Context, row ToolDependencyRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolDeps[memPairKey(row.FromToolID, row.ToToolID)] = row
	return nil
}

// ListCapabilityDependencies returns all capability dependency rows.
func (m *MemoryStore) ListCapabilityDependencies(_ context.Context) ([]CapabilityDependencyRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := make([]CapabilityDependencyRow, 0, len(m.capDeps))
	for _, r := range m.capDeps {
		rows = append(rows, r)
	}
	return rows, nil
}

// UpsertCapabilityDependency writes one capability dependency row.
func (m *MemoryStore) UpsertCapabilityDependency(_ context.Context, row CapabilityDependencyRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capDeps[memPairKey(row.FromCapabilityID, row.ToCapabilityID)] = row
	return nil
}

// ListToolSchemas returns all tool schema rows.
func (m *MemoryStore) ListToolSchemas(_ context.Context) ([]ToolSchemaRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := make([]ToolSchemaRow, 0, len(m.toolSchemas))
	for _, r := range m.toolSchemas {
		rows = append(rows, r)
	}
	return rows, nil
}

// UpsertToolSchema writes one tool schema row.
func (m *MemoryStore) UpsertToolSchema(_ context.Context, row ToolSchemaRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolSchemas[row.ToolID] = row
	return nil
}

// ListCapabilities returns all capability rows.
func (m *MemoryStore) ListCapabilities(_ context.Context) ([]CapabilityRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := make([]CapabilityRow, 0, len(m.capabilities))
	for _, r := range m.capabilities {
		rows = append(rows, r)
	}
	return rows, nil
}

// GetCapability returns one capability row or ErrNotFound.
func (m *MemoryStore) GetCapability(_ context.Context, id string) (*CapabilityRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.capabilities[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := row
	return &out, nil
}

// UpsertCapability writes one capability row.
func (m *MemoryStore) UpsertCapability(_ context.Context, row CapabilityRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capabilities[row.ID] = row
	return nil
}

// AppendExecutionTrace appends one execution trace row.
func (m *MemoryStore) AppendExecutionTrace(_ context.Context, row ExecutionTraceRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	m.executionTraces = append(m.executionTraces, row)
	return nil
}

// AppendAlgorithmTrace appends one algorithm observability row.
func (m *MemoryStore) AppendAlgorithmTrace(_ context.Context, row AlgorithmTraceRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	m.algorithmTraces = append(m.algorithmTraces, row)
	return nil
}

// AppendMetric appends one telemetry point.
func (m *MemoryStore) AppendMetric(_ context.Context, row MetricRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	m.metrics = append(m.metrics, row)
	return nil
}

// AlgorithmTraces returns a copy of the recorded algorithm traces.
// Test helper.
func (m *MemoryStore) AlgorithmTraces() []AlgorithmTraceRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AlgorithmTraceRow, len(m.algorithmTraces))
	copy(out, m.algorithmTraces)
	return out
}

// Metrics returns a copy of the recorded telemetry points. Test helper.
func (m *MemoryStore) Metrics() []MetricRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MetricRow, len(m.metrics))
	copy(out, m.metrics)
	return out
}

// GetConfig returns a small config value or ErrNotFound.
func (m *MemoryStore) GetConfig(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.configs[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// SetConfig writes a small config value.
func (m *MemoryStore) SetConfig(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[key] = value
	return nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*BadgerStore)(nil)
