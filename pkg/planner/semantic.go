package planner

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/casys-ai/casys/pkg/mathx/vector"
	"github.com/casys-ai/casys/pkg/search"
	"github.com/casys-ai/casys/pkg/storage"
)

// Embedder turns text into a dense vector. Implementations typically call
// out to an embedding model; the engine only needs this one method.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingIndex caches tool embeddings loaded from the row store. It
// backs both the alpha calculator's embedding lookups and the semantic
// side of hybrid search.
//
// Without an Embedder, queries fall back to lexical token overlap against
// tool ids and names. The fallback keeps the engine usable in tests and
// embedding-less deployments; scores are coarser but the contract holds.
type EmbeddingIndex struct {
	embedder Embedder
	log      *zap.Logger

	mu    sync.RWMutex
	byID  map[string][]float32
	names map[string]string
	order []string
}

// NewEmbeddingIndex creates an empty index. embedder may be nil.
func NewEmbeddingIndex(embedder Embedder, log *zap.Logger) *EmbeddingIndex {
	if log == nil {
		log = zap.NewNop()
	}
	return &EmbeddingIndex{
		embedder: embedder,
		log:      log,
		byID:     make(map[string][]float32),
		names:    make(map[string]string),
	}
}

// Reload replaces the index contents from the row store.
func (x *EmbeddingIndex) Reload(ctx context.Context, db storage.Store) error {
	rows, err := db.ListToolEmbeddings(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string][]float32, len(rows))
	names := make(map[string]string, len(rows))
	order := make([]string, 0, len(rows))
	for _, r := range rows {
		if len(r.Embedding) > 0 {
			byID[r.ToolID] = r.Embedding
		}
		names[r.ToolID] = r.ToolName
		order = append(order, r.ToolID)
	}
	sort.Strings(order)

	x.mu.Lock()
	x.byID = byID
	x.names = names
	x.order = order
	x.mu.Unlock()

	x.log.Debug("embedding index reloaded",
		zap.Int("tools", len(order)),
		zap.Int("embedded", len(byID)))
	return nil
}

// SemanticEmbedding returns the cached embedding for a tool, nil when
// absent.
func (x *EmbeddingIndex) SemanticEmbedding(id string) []float32 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.byID[id]
}

// Search ranks tools against the query: cosine similarity over embeddings
// when an embedder is configured, lexical token overlap otherwise.
func (x *EmbeddingIndex) Search(ctx context.Context, query string, k int) ([]search.SemanticResult, error) {
	if x.embedder != nil {
		return x.vectorSearch(ctx, query, k)
	}
	return x.lexicalSearch(query, k), nil
}

func (x *EmbeddingIndex) vectorSearch(ctx context.Context, query string, k int) ([]search.SemanticResult, error) {
	q, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	results := make([]search.SemanticResult, 0, len(x.byID))
	for _, id := range x.order {
		emb, ok := x.byID[id]
		if !ok {
			continue
		}
		score := vector.CosineSimilarity(q, emb)
		if score <= 0 {
			continue
		}
		results = append(results, search.SemanticResult{ToolID: id, Score: score})
	}
	return topK(results, k), nil
}

// lexicalSearch scores each tool by the fraction of query tokens present
// in its id and name.
func (x *EmbeddingIndex) lexicalSearch(query string, k int) []search.SemanticResult {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	var results []search.SemanticResult
	for _, id := range x.order {
		toolTokens := make(map[string]struct{})
		for _, t := range tokenize(id) {
			toolTokens[t] = struct{}{}
		}
		for _, t := range tokenize(x.names[id]) {
			toolTokens[t] = struct{}{}
		}
		matched := 0
		for _, t := range queryTokens {
			if _, ok := toolTokens[t]; ok {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		results = append(results, search.SemanticResult{
			ToolID: id,
			Score:  float64(matched) / float64(len(queryTokens)),
		})
	}
	return topK(results, k)
}

func topK(results []search.SemanticResult, k int) []search.SemanticResult {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ToolID < results[j].ToolID
	})
	if k > 0 && k < len(results) {
		results = results[:k]
	}
	return results
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
