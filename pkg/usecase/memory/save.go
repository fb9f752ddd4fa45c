package memory

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
)

// Save persists a new record and returns its ID.
// 1. Upload the voice, if any. A failed upload is logged and the record is
//    saved without originalVoiceUrl.
// 2. Validate and write the record. The repository assigns the ID.
func (u *UseCase) Save(ctx context.Context, memory *model.Memory, voice *model.Voice) (model.MemoryID, error) {
	if memory == nil {
		return "", goerr.Wrap(model.ErrInvalidMemory, "memory is nil")
	}
	if err := memory.Validate(); err != nil {
		return "", err
	}

	if voice != nil && len(voice.Data) > 0 && u.storage != nil {
		url, err := u.upload(ctx, voice)
		if err != nil {
			logging.From(ctx).Warn("failed to upload voice, saving memory without it",
				"error", err,
				"size", len(voice.Data))
		} else {
			memory.OriginalVoiceURL = url
		}
	}

	if err := u.repo.PutMemory(ctx, memory); err != nil {
		return "", model.ErrPersistence.Wrap(err, goerr.V("id", memory.ID))
	}

	logging.From(ctx).Debug("memory saved",
		"id", memory.ID,
		"category", memory.Category,
		"voice", memory.OriginalVoiceURL != "")

	return memory.ID, nil
}

// VoiceKey returns the object key of a voice recording
func VoiceKey(format string) string {
	format = strings.TrimPrefix(strings.ToLower(format), ".")
	if format == "" {
		format = "bin"
	}
	return "voice/" + uuid.New().String() + "." + format
}

func (u *UseCase) upload(ctx context.Context, voice *model.Voice) (string, error) {
	key := VoiceKey(voice.Format)

	w, err := u.storage.Put(ctx, key)
	if err != nil {
		return "", goerr.Wrap(err, "failed to open voice object", goerr.V("key", key))
	}
	if _, err := w.Write(voice.Data); err != nil {
		_ = w.Close()
		return "", goerr.Wrap(err, "failed to write voice object", goerr.V("key", key))
	}
	// the object is committed on Close
	if err := w.Close(); err != nil {
		return "", goerr.Wrap(err, "failed to commit voice object", goerr.V("key", key))
	}

	return u.storage.URL(key), nil
}
