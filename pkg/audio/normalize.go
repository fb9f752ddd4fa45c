package audio

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
)

const (
	FormatWAV = "wav"
	FormatMP3 = "mp3"
	FormatPCM = "pcm"

	// CanonicalSampleRate is the rate produced by transcoding
	CanonicalSampleRate = 16000
)

// transcodeFormats are containers that the transcription backend does not
// accept as-is
var transcodeFormats = map[string]struct{}{
	"webm": {},
	"ogg":  {},
	"opus": {},
	"m4a":  {},
	"mp4":  {},
	"aac":  {},
	"3gp":  {},
	"caf":  {},
}

// Audio is an audio buffer with its format hint
type Audio struct {
	Data   []byte
	Format string
}

// MIMEType returns the MIME type of the format
func (a *Audio) MIMEType() string {
	return MIMEType(a.Format)
}

// MIMEType maps a format hint to a MIME type
func MIMEType(format string) string {
	switch format {
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mpeg"
	case FormatPCM:
		return "audio/l16"
	case "flac":
		return "audio/flac"
	case "aiff":
		return "audio/aiff"
	default:
		return "audio/" + format
	}
}

// Transcoder converts audio of any container to mono 16kHz PCM WAV
type Transcoder interface {
	ToWAV(ctx context.Context, data []byte, format string) ([]byte, error)
}

// Normalizer makes sure the pipeline handles a single canonical encoding
type Normalizer struct {
	transcoder Transcoder
}

func NewNormalizer(transcoder Transcoder) *Normalizer {
	return &Normalizer{transcoder: transcoder}
}

// FormatOf returns the lower-cased extension of filename, "wav" if absent
func FormatOf(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return FormatWAV
	}
	return ext
}

// NeedsTranscode reports whether the format must be converted before
// transcription
func NeedsTranscode(format string) bool {
	_, ok := transcodeFormats[format]
	return ok
}

// Normalize transcodes containers the transcription backend cannot read and
// passes other audio through unchanged. Any failure wraps model.ErrTranscode.
func (n *Normalizer) Normalize(ctx context.Context, data []byte, filename string) (*Audio, error) {
	format := FormatOf(filename)
	if len(data) == 0 {
		return nil, goerr.Wrap(model.ErrTranscode, "empty audio", goerr.V("filename", filename))
	}

	if !NeedsTranscode(format) {
		return &Audio{Data: data, Format: format}, nil
	}

	if n.transcoder == nil {
		return nil, goerr.Wrap(model.ErrTranscode, "no transcoder configured", goerr.V("format", format))
	}

	logging.From(ctx).Debug("transcoding audio", "format", format, "size", len(data))

	wav, err := n.transcoder.ToWAV(ctx, data, format)
	if err != nil {
		return nil, model.ErrTranscode.Wrap(err, goerr.V("format", format), goerr.V("filename", filename))
	}
	if err := ValidateWAV(wav, CanonicalSampleRate, 1); err != nil {
		return nil, model.ErrTranscode.Wrap(err, goerr.V("format", format))
	}

	return &Audio{Data: wav, Format: FormatWAV}, nil
}
