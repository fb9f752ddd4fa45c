package gemini

import (
	"context"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/adapter"
	"github.com/m-mizutani/kioku/pkg/audio"
	"github.com/m-mizutani/kioku/pkg/interfaces"
	"github.com/m-mizutani/kioku/pkg/model"
	"google.golang.org/genai"
)

const (
	DefaultTTSModel = "gemini-2.5-flash-preview-tts"
	DefaultVoice    = "Kore"
	DefaultMaxChars = 500

	// Gemini TTS returns 16-bit mono PCM at this rate unless the MIME type
	// says otherwise
	defaultTTSSampleRate = 24000
)

// Synthesizer converts text to WAV audio with a Gemini TTS model. The
// adapter passed in must generate with a TTS capable model.
type Synthesizer struct {
	gemini   adapter.Gemini
	voice    string
	maxChars int
}

var _ interfaces.Synthesizer = (*Synthesizer)(nil)

type SynthesizerOption func(*Synthesizer)

func WithVoice(voice string) SynthesizerOption {
	return func(s *Synthesizer) {
		s.voice = voice
	}
}

// WithMaxChars sets the largest input, in characters, of one call
func WithMaxChars(n int) SynthesizerOption {
	return func(s *Synthesizer) {
		s.maxChars = n
	}
}

func NewSynthesizer(gemini adapter.Gemini, opts ...SynthesizerOption) *Synthesizer {
	s := &Synthesizer{
		gemini:   gemini,
		voice:    DefaultVoice,
		maxChars: DefaultMaxChars,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Synthesizer) MaxChars() int { return s.maxChars }

func (s *Synthesizer) Format() string { return audio.FormatWAV }

func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, goerr.Wrap(model.ErrSynthesis, "empty text")
	}
	if n := len([]rune(text)); n > s.maxChars {
		return nil, goerr.Wrap(model.ErrSynthesis, "text exceeds synthesis budget",
			goerr.V("length", n),
			goerr.V("max", s.maxChars))
	}

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{
					VoiceName: s.voice,
				},
			},
		},
	}
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	resp, err := s.gemini.GenerateContent(ctx, contents, config)
	if err != nil {
		return nil, model.ErrSynthesis.Wrap(err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, goerr.Wrap(model.ErrSynthesis, "invalid response structure from gemini")
	}

	var pcm []byte
	rate := defaultTTSSampleRate
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		if r := sampleRate(part.InlineData.MIMEType); r > 0 {
			rate = r
		}
		pcm = append(pcm, part.InlineData.Data...)
	}
	if len(pcm) == 0 {
		return nil, goerr.Wrap(model.ErrSynthesis, "no audio in response")
	}

	wav, err := audio.EncodeWAV(pcm, rate, 1)
	if err != nil {
		return nil, model.ErrSynthesis.Wrap(err)
	}
	return wav, nil
}

// sampleRate reads the rate parameter of a MIME type such as
// "audio/L16;codec=pcm;rate=24000"
func sampleRate(mimeType string) int {
	for _, param := range strings.Split(mimeType, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(key, "rate") {
			continue
		}
		if r, err := strconv.Atoi(value); err == nil {
			return r
		}
	}
	return 0
}
