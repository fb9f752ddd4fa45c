package repository

import (
	"context"

	"github.com/m-mizutani/kioku/pkg/model"
)

// Repository defines the interface for memory record persistence
type Repository interface {
	// PutMemory saves a new memory. An empty ID is assigned by the repository
	// and written back to memory.
	PutMemory(ctx context.Context, memory *model.Memory) error

	// GetMemory retrieves a memory by ID, model.ErrMemoryNotFound if absent
	GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error)

	// QueryMemories returns memories matching the query
	QueryMemories(ctx context.Context, query *model.Query) ([]*model.Memory, error)

	// ListMemories returns memories ordered by EventCreatedAt descending
	ListMemories(ctx context.Context, offset, limit int) ([]*model.Memory, error)
}
