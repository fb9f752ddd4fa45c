package cli

import (
	"context"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/kioku/pkg/adapter"
	"github.com/m-mizutani/kioku/pkg/repository"
)

func TestNewRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		cfg := &config{store: storeMemory}
		repo, closeRepo, err := cfg.newRepository(ctx)
		gt.NoError(t, err)
		defer closeRepo()
		_, ok := repo.(*repository.Memory)
		gt.True(t, ok)
	})

	t.Run("firestore requires project", func(t *testing.T) {
		cfg := &config{store: storeFirestore, database: "(default)"}
		_, _, err := cfg.newRepository(ctx)
		gt.Error(t, err)
	})

	t.Run("unknown store", func(t *testing.T) {
		cfg := &config{store: "sqlite"}
		_, _, err := cfg.newRepository(ctx)
		gt.Error(t, err)
	})
}

func TestNewStorageWithoutBucket(t *testing.T) {
	cfg := &config{}
	storage, err := cfg.newStorage(context.Background())
	gt.NoError(t, err)
	gt.True(t, storage == nil)
}

func TestBreakerConfig(t *testing.T) {
	gt.Equal(t, (&config{}).breakerConfig(), adapter.DefaultBreakerConfig())

	bc := (&config{breakerFailures: 2, breakerTimeout: time.Minute}).breakerConfig()
	gt.Equal(t, bc.MaxFailures, uint32(2))
	gt.Equal(t, bc.Timeout, time.Minute)
}

func TestLocation(t *testing.T) {
	loc, err := (&config{timezone: "Asia/Hong_Kong"}).location()
	gt.NoError(t, err)
	gt.Equal(t, loc.String(), "Asia/Hong_Kong")

	_, err = (&config{timezone: "Mars/Olympus"}).location()
	gt.Error(t, err)
}

func TestNewPipelineRequiresGeminiProject(t *testing.T) {
	cfg := &config{store: storeMemory, geminiLocation: "us-central1"}
	_, err := cfg.newPipeline(context.Background(), nil, nil)
	gt.Error(t, err)
}
