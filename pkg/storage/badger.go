package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Key prefixes for BadgerDB table organization. One prefix per logical
// table; pair-keyed tables join both ids with a zero byte.
const (
	prefixToolEmbedding  = "te:"
	prefixToolDependency = "td:"
	prefixCapDependency  = "cd:"
	prefixToolSchema     = "ts:"
	prefixCapability     = "cap:"
	prefixExecutionTrace = "xt:"
	prefixAlgorithmTrace = "at:"
	prefixMetric         = "mx:"
	prefixConfig         = "cf:"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("storage: not found")

// BadgerStore is the disk-backed row store.
//
// Key Structure:
//   - te:<tool_id>                      -> JSON(ToolEmbeddingRow)
//   - td:<from>\x00<to>                 -> JSON(ToolDependencyRow)
//   - cd:<from>\x00<to>                 -> JSON(CapabilityDependencyRow)
//   - ts:<tool_id>                      -> JSON(ToolSchemaRow)
//   - cap:<capability_id>               -> JSON(CapabilityRow)
//   - xt:<rfc3339nano>:<uuid>           -> JSON(ExecutionTraceRow)
//   - at:<rfc3339nano>:<uuid>           -> JSON(AlgorithmTraceRow)
//   - mx:<metric>:<rfc3339nano>         -> JSON(MetricRow)
//   - cf:<key>                          -> raw value
//
// Example:
//
//	store, err := storage.NewBadgerStore("./data", logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
type BadgerStore struct {
	db  *badger.DB
	log *zap.Logger
}

// BadgerOptions configures the badger-backed store.
type BadgerOptions struct {
	// DataDir is the directory for data files. Required unless InMemory.
	DataDir string
	// InMemory runs badger without persistence. Useful for tests.
	InMemory bool
	// SyncWrites forces fsync after each write.
	SyncWrites bool
}

// NewBadgerStore opens a disk-backed store at dir.
func NewBadgerStore(dir string, log *zap.Logger) (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{DataDir: dir}, log)
}

// NewBadgerStoreWithOptions opens a store with explicit options.
func NewBadgerStoreWithOptions(opts BadgerOptions, log *zap.Logger) (*BadgerStore, error) {
	if log == nil {
		log = zap.NewNop()
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	badgerOpts = badgerOpts.WithSyncWrites(opts.SyncWrites)
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", opts.DataDir, err)
	}
	return &BadgerStore{db: db, log: log}, nil
}

// Close releases the underlying database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func pairKey(prefix, from, to string) []byte {
	key := make([]byte, 0, len(prefix)+len(from)+1+len(to))
	key = append(key, prefix...)
	key = append(key, from...)
	key = append(key, 0x00)
	key = append(key, to...)
	return key
}

func (b *BadgerStore) putJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (b *BadgerStore) scanPrefix(prefix string, each func(val []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				return each(val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListToolEmbeddings returns all tool embedding rows.
func (b *BadgerStore) ListToolEmbeddings(_ context.Context) ([]ToolEmbeddingRow, error) {
	var rows []ToolEmbeddingRow
	err := b.scanPrefix(prefixToolEmbedding, func(val []byte) error {
		var row ToolEmbeddingRow
		if err := json.Unmarshal(val, &row); err != nil {
			b.log.Warn("skipping malformed tool_embedding row", zap.Error(err))
			return nil
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tool_embedding: %w", err)
	}
	return rows, nil
}

// UpsertToolEmbedding writes one tool embedding row.
func (b *BadgerStore) UpsertToolEmbedding(_ context.Context, row ToolEmbeddingRow) error {
	return b.putJSON([]byte(prefixToolEmbedding+row.ToolID), row)
}

// ListToolDependencies returns all tool dependency rows.
func (b *BadgerStore) ListToolDependencies(_ context.Context) ([]ToolDependencyRow, error) {
	var rows []ToolDependencyRow
	err := b.scanPrefix(prefixToolDependency, func(val []byte) error {
		var row ToolDependencyRow
		if err := json.Unmarshal(val, &row); err != nil {
			b.log.Warn("skipping malformed tool_dependency row", zap.Error(err))
			return nil
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tool_dependency: %w", err)
	}
	return rows, nil
}

// UpsertToolDependency writes one tool dependency row keyed by the ordered
// pair.
func (b *BadgerStore) UpsertToolDependency(_ context.Context, row ToolDependencyRow) error {
	return b.putJSON(pairKey(prefixToolDependency, row.FromToolID, row.ToToolID), row)
}

// ListCapabilityDependencies returns all capability dependency rows.
func (b *BadgerStore) ListCapabilityDependencies(_ context.Context) ([]CapabilityDependencyRow, error) {
	var rows []CapabilityDependencyRow
	err := b.scanPrefix(prefixCapDependency, func(val []byte) error {
		var row CapabilityDependencyRow
		if err := json.Unmarshal(val, &row); err != nil {
			b.log.Warn("skipping malformed capability_dependency row", zap.Error(err))
			return nil
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list capability_dependency: %w", err)
	}
	return rows, nil
}

// UpsertCapabilityDependency writes one capability dependency row.
func (b *BadgerStore) UpsertCapabilityDependency(_ context.Context, row CapabilityDependencyRow) error {
	return b.putJSON(pairKey(prefixCapDependency, row.FromCapabilityID, row.ToCapabilityID), row)
}

// ListToolSchemas returns all tool schema rows.
func (b *BadgerStore) ListToolSchemas(_ context.Context) ([]ToolSchemaRow, error) {
	var rows []ToolSchemaRow
	err := b.scanPrefix(prefixToolSchema, func(val []byte) error {
		var row ToolSchemaRow
		if err := json.Unmarshal(val, &row); err != nil {
			b.log.Warn("skipping malformed tool_schema row", zap.Error(err))
			return nil
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tool_schema: %w", err)
	}
	return rows, nil
}

// UpsertToolSchema writes one tool schema row.
func (b *BadgerStore) UpsertToolSchema(_ context.Context, row ToolSchemaRow) error {
	return b.putJSON([]byte(prefixToolSchema+row.ToolID), row)
}

// ListCapabilities returns all capability rows.
func (b *BadgerStore) ListCapabilities(_ context.Context) ([]CapabilityRow, error) {
	var rows []CapabilityRow
	err := b.scanPrefix(prefixCapability, func(val []byte) error {
		var row CapabilityRow
		if err := json.Unmarshal(val, &row); err != nil {
			b.log.Warn("skipping malformed capability row", zap.Error(err))
			return nil
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list capability: %w", err)
	}
	return rows, nil
}

// GetCapability returns one capability row or ErrNotFound.
func (b *BadgerStore) GetCapability(_ context.Context, id string) (*CapabilityRow, error) {
	var row CapabilityRow
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixCapability + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get capability %q: %w", id, err)
	}
	return &row, nil
}

// UpsertCapability writes one capability row.
func (b *BadgerStore) UpsertCapability(_ context.Context, row CapabilityRow) error {
	return b.putJSON([]byte(prefixCapability+row.ID), row)
}

// AppendExecutionTrace appends one execution trace row.
func (b *BadgerStore) AppendExecutionTrace(_ context.Context, row ExecutionTraceRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	key := prefixExecutionTrace + row.Timestamp.UTC().Format(time.RFC3339Nano) + ":" + row.ID
	return b.putJSON([]byte(key), row)
}

// AppendAlgorithmTrace appends one algorithm observability row.
func (b *BadgerStore) AppendAlgorithmTrace(_ context.Context, row AlgorithmTraceRow) error {
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	key := prefixAlgorithmTrace + row.Timestamp.UTC().Format(time.RFC3339Nano) + ":" + uuid.NewString()
	return b.putJSON([]byte(key), row)
}

// AppendMetric appends one telemetry point.
func (b *BadgerStore) AppendMetric(_ context.Context, row MetricRow) error {
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	key := prefixMetric + row.MetricName + ":" + row.Timestamp.UTC().Format(time.RFC3339Nano)
	return b.putJSON([]byte(key), row)
}

// GetConfig returns a small config value or ErrNotFound.
func (b *BadgerStore) GetConfig(_ context.Context, key string) (string, error) {
	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixConfig + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get config %q: %w", key, err)
	}
	return value, nil
}

// SetConfig writes a small config value.
func (b *BadgerStore) SetConfig(_ context.Context, key, value string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixConfig+key), []byte(value))
	})
}
