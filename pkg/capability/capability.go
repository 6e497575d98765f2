// Package capability models learned workflow fragments.
//
// A capability is a named, reusable fragment referencing one or more tools
// and carrying a success rate. Capabilities are stored externally; the
// planning engine consumes a read interface and never mutates them.
package capability

import (
	"context"

	"github.com/casys-ai/casys/pkg/graph"
	"github.com/casys-ai/casys/pkg/storage"
)

// Capability is one learned workflow fragment.
type Capability struct {
	ID          string
	Name        string
	ToolsUsed   []string
	SuccessRate float64
	CodeSnippet string
	Metadata    map[string]any
}

// NodeID returns the capability's graph node id
// ("capability:<uuid>" convention).
func (c Capability) NodeID() string {
	return graph.CapabilityNodeID(c.ID)
}

// ReadStore is the read interface the engine consumes.
type ReadStore interface {
	List(ctx context.Context) ([]Capability, error)
	Get(ctx context.Context, id string) (*Capability, error)
}

// RowStore adapts the persistent row store to ReadStore.
type RowStore struct {
	DB storage.Store
}

// NewRowStore wraps a row store.
func NewRowStore(db storage.Store) *RowStore {
	return &RowStore{DB: db}
}

// List returns all capabilities.
func (s *RowStore) List(ctx context.Context) ([]Capability, error) {
	rows, err := s.DB.ListCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	caps := make([]Capability, 0, len(rows))
	for _, r := range rows {
		caps = append(caps, fromRow(r))
	}
	return caps, nil
}

// Get returns one capability by id.
func (s *RowStore) Get(ctx context.Context, id string) (*Capability, error) {
	row, err := s.DB.GetCapability(ctx, id)
	if err != nil {
		return nil, err
	}
	c := fromRow(*row)
	return &c, nil
}

func fromRow(r storage.CapabilityRow) Capability {
	return Capability{
		ID:          r.ID,
		Name:        r.Name,
		ToolsUsed:   r.ToolsUsed,
		SuccessRate: r.SuccessRate,
		CodeSnippet: r.CodeSnippet,
		Metadata:    r.Metadata,
	}
}

// Overlap returns the fraction of the capability's tools present in the
// given tool set.
func Overlap(c Capability, tools []string) float64 {
	if len(c.ToolsUsed) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		set[t] = struct{}{}
	}
	matched := 0
	for _, t := range c.ToolsUsed {
		if _, ok := set[t]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(c.ToolsUsed))
}
