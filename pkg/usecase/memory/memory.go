package memory

import (
	"github.com/m-mizutani/kioku/pkg/adapter"
	"github.com/m-mizutani/kioku/pkg/interfaces"
	"github.com/m-mizutani/kioku/pkg/repository"
)

// UseCase stores memory records and their original voice
type UseCase struct {
	repo    repository.Repository
	storage adapter.Storage
}

var _ interfaces.MemoryStore = (*UseCase)(nil)

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithStorage enables upload of the original voice. Without it records are
// saved with no originalVoiceUrl.
func WithStorage(storage adapter.Storage) Option {
	return func(uc *UseCase) {
		uc.storage = storage
	}
}

// New creates a new memory UseCase instance
func New(repo repository.Repository, opts ...Option) *UseCase {
	uc := &UseCase{
		repo: repo,
	}

	for _, opt := range opts {
		opt(uc)
	}

	return uc
}
