package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeUnderTest runs the same contract against both implementations.
func storeUnderTest(t *testing.T, name string) Store {
	t.Helper()
	switch name {
	case "memory":
		return NewMemoryStore()
	case "badger":
		db, err := NewBadgerStore(t.TempDir(), nil)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db
	default:
		t.Fatalf("unknown store %q", name)
		return nil
	}
}

func TestStoreContract(t *testing.T) {
	for _, name := range []string{"memory", "badger"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			db := storeUnderTest(t, name)

			t.Run("tool embeddings upsert and list", func(t *testing.T) {
				require.NoError(t, db.UpsertToolEmbedding(ctx, ToolEmbeddingRow{
					ToolID:    "fs:read",
					ServerID:  "fs",
					ToolName:  "read",
					Embedding: []float32{0.1, 0.2},
				}))
				// Upsert replaces.
				require.NoError(t, db.UpsertToolEmbedding(ctx, ToolEmbeddingRow{
					ToolID:   "fs:read",
					ServerID: "fs",
					ToolName: "read_file",
				}))
				rows, err := db.ListToolEmbeddings(ctx)
				require.NoError(t, err)
				require.Len(t, rows, 1)
				assert.Equal(t, "read_file", rows[0].ToolName)
			})

			t.Run("tool dependencies keyed by pair", func(t *testing.T) {
				now := time.Now().UTC().Truncate(time.Second)
				require.NoError(t, db.UpsertToolDependency(ctx, ToolDependencyRow{
					FromToolID:      "a",
					ToToolID:        "b",
					ObservedCount:   3,
					ConfidenceScore: 0.8,
					EdgeType:        "dependency",
					EdgeSource:      "observed",
					LastObserved:    now,
				}))
				require.NoError(t, db.UpsertToolDependency(ctx, ToolDependencyRow{
					FromToolID: "b",
					ToToolID:   "a",
					EdgeType:   "sequence",
					EdgeSource: "inferred",
				}))
				rows, err := db.ListToolDependencies(ctx)
				require.NoError(t, err)
				assert.Len(t, rows, 2)
			})

			t.Run("capabilities get and not found", func(t *testing.T) {
				require.NoError(t, db.UpsertCapability(ctx, CapabilityRow{
					ID:        "c1",
					Name:      "cap",
					ToolsUsed: []string{"a", "b"},
				}))
				row, err := db.GetCapability(ctx, "c1")
				require.NoError(t, err)
				assert.Equal(t, []string{"a", "b"}, row.ToolsUsed)

				_, err = db.GetCapability(ctx, "missing")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("append-only tables accept rows", func(t *testing.T) {
				require.NoError(t, db.AppendExecutionTrace(ctx, ExecutionTraceRow{}))
				require.NoError(t, db.AppendAlgorithmTrace(ctx, AlgorithmTraceRow{
					AlgorithmMode: "bayesian_cold_start",
					FinalScore:    0.9,
				}))
				require.NoError(t, db.AppendMetric(ctx, MetricRow{
					MetricName: "graph.nodes",
					Value:      12,
				}))
			})

			t.Run("config round trip", func(t *testing.T) {
				_, err := db.GetConfig(ctx, "schema_version")
				assert.ErrorIs(t, err, ErrNotFound)

				require.NoError(t, db.SetConfig(ctx, "schema_version", "1"))
				v, err := db.GetConfig(ctx, "schema_version")
				require.NoError(t, err)
				assert.Equal(t, "1", v)
			})
		})
	}
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := NewBadgerStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, db.UpsertToolEmbedding(ctx, ToolEmbeddingRow{ToolID: "x", ToolName: "x"}))
	require.NoError(t, db.Close())

	db2, err := NewBadgerStore(dir, nil)
	require.NoError(t, err)
	defer db2.Close()

	rows, err := db2.ListToolEmbeddings(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "x", rows[0].ToolID)
}
