package interfaces

import (
	"context"

	"github.com/m-mizutani/kioku/pkg/audio"
	"github.com/m-mizutani/kioku/pkg/model"
)

// AudioNormalizer converts uploaded audio into a format the transcriber
// accepts. filename supplies the format hint.
type AudioNormalizer interface {
	Normalize(ctx context.Context, data []byte, filename string) (*audio.Audio, error)
}

// Transcriber converts audio to text. format is the audio format hint
// ("wav", "mp3", ...).
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// Extractor converts a transcript into structured event fields. Output is
// validated: missing keys get zero values.
type Extractor interface {
	Extract(ctx context.Context, text string) (*model.Extraction, error)
}

// Reflector generates free-form commentary on a transcript
type Reflector interface {
	Reflect(ctx context.Context, text string) (string, error)
}

// Classifier assigns a category to a transcript
type Classifier interface {
	Classify(ctx context.Context, text string) (model.Category, error)
}

// Synthesizer converts text to speech. Input must not exceed MaxChars runes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	// MaxChars is the per-call input budget in runes
	MaxChars() int
	// Format is the audio format of synthesized output
	Format() string
}

// CategoryPolicy may override the classifier's category after extraction
type CategoryPolicy interface {
	Resolve(ctx context.Context, transcription string, category model.Category, ext *model.Extraction) (model.Category, error)
}

// MemoryStore persists and queries memory records. Save uploads voice, if
// given, on a best-effort basis and returns the ID assigned to the record.
type MemoryStore interface {
	Save(ctx context.Context, memory *model.Memory, voice *model.Voice) (model.MemoryID, error)
	Query(ctx context.Context, query *model.Query) ([]*model.Memory, error)
}
