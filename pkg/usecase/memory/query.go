package memory

import (
	"context"

	"github.com/m-mizutani/kioku/pkg/model"
)

// Query returns records matching q. Backend failures are ErrRetrieval.
func (u *UseCase) Query(ctx context.Context, q *model.Query) ([]*model.Memory, error) {
	memories, err := u.repo.QueryMemories(ctx, q)
	if err != nil {
		return nil, model.ErrRetrieval.Wrap(err)
	}
	return memories, nil
}

// Show retrieves a single record
func (u *UseCase) Show(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	return u.repo.GetMemory(ctx, id)
}

// ListOptions contains options for listing memories
type ListOptions struct {
	Offset   int
	Limit    int
	Category model.Category
}

// List retrieves records, newest event first
func (u *UseCase) List(ctx context.Context, opts ListOptions) ([]*model.Memory, error) {
	if opts.Category == "" {
		return u.repo.ListMemories(ctx, opts.Offset, opts.Limit)
	}

	memories, err := u.repo.QueryMemories(ctx, &model.Query{
		Filter: model.Equals{Field: model.FieldCategory, Value: opts.Category},
		Orders: []model.Order{{Field: model.FieldEventCreatedAt, Desc: true}},
	})
	if err != nil {
		return nil, err
	}

	if opts.Offset >= len(memories) {
		return nil, nil
	}
	memories = memories[max(opts.Offset, 0):]
	if opts.Limit > 0 && len(memories) > opts.Limit {
		memories = memories[:opts.Limit]
	}
	return memories, nil
}
