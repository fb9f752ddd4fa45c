package repository

import (
	"context"
	"slices"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/model"
)

// Memory implements Repository in process. It is used by tests and by the
// CLI when no Firestore project is configured.
type Memory struct {
	mu      sync.RWMutex
	records map[model.MemoryID]*model.Memory
	// order keeps insertion order for stable results
	order []model.MemoryID
}

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{
		records: make(map[model.MemoryID]*model.Memory),
	}
}

func (r *Memory) PutMemory(ctx context.Context, memory *model.Memory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if memory.ID == "" {
		memory.ID = model.NewMemoryID()
	}
	if _, ok := r.records[memory.ID]; ok {
		return goerr.New("memory already exists", goerr.V("id", memory.ID))
	}

	r.records[memory.ID] = clone(memory)
	r.order = append(r.order, memory.ID)
	return nil
}

func (r *Memory) GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.records[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrMemoryNotFound, "memory not found", goerr.V("id", id))
	}
	return clone(m), nil
}

func (r *Memory) QueryMemories(ctx context.Context, query *model.Query) ([]*model.Memory, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	var result []*model.Memory
	for _, id := range r.order {
		m := r.records[id]
		if query.Filter == nil || query.Filter.Match(m) {
			result = append(result, clone(m))
		}
	}
	r.mu.RUnlock()

	query.Sort(result)

	if query.Limit > 0 && len(result) > query.Limit {
		result = result[:query.Limit]
	}
	return result, nil
}

func (r *Memory) ListMemories(ctx context.Context, offset, limit int) ([]*model.Memory, error) {
	all, err := r.QueryMemories(ctx, &model.Query{
		Orders: []model.Order{
			{Field: model.FieldEventCreatedAt, Desc: true},
			{Field: model.FieldID, Desc: true},
		},
	})
	if err != nil {
		return nil, err
	}

	if offset >= len(all) {
		return nil, nil
	}
	all = all[max(offset, 0):]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func clone(m *model.Memory) *model.Memory {
	c := *m
	c.Tags = slices.Clone(m.Tags)
	c.Location = slices.Clone(m.Location)
	if m.EventCreatedAt != nil {
		t := *m.EventCreatedAt
		c.EventCreatedAt = &t
	}
	return &c
}
