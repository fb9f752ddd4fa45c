package gemini

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/adapter"
	"github.com/m-mizutani/kioku/pkg/audio"
	"github.com/m-mizutani/kioku/pkg/interfaces"
	"github.com/m-mizutani/kioku/pkg/model"
	"google.golang.org/genai"
)

// Transcriber converts speech to text with Gemini's audio understanding
type Transcriber struct {
	gemini   adapter.Gemini
	language string
}

var _ interfaces.Transcriber = (*Transcriber)(nil)

type TranscriberOption func(*Transcriber)

// WithLanguage sets the BCP-47 language of the speaker
func WithLanguage(lang string) TranscriberOption {
	return func(t *Transcriber) {
		t.language = lang
	}
}

func NewTranscriber(gemini adapter.Gemini, opts ...TranscriberOption) *Transcriber {
	t := &Transcriber{
		gemini:   gemini,
		language: model.DefaultSourceLang,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transcriber) Transcribe(ctx context.Context, data []byte, format string) (string, error) {
	if len(data) == 0 {
		return "", goerr.Wrap(model.ErrTranscription, "empty audio")
	}

	prompt, err := render(transcribePrompt, struct{ Language string }{t.language})
	if err != nil {
		return "", model.ErrTranscription.Wrap(err)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(data, audio.MIMEType(format)),
		}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		Temperature:    genai.Ptr[float32](0),
		ThinkingConfig: noThinking(),
	}

	resp, err := t.gemini.GenerateContent(ctx, contents, config)
	if err != nil {
		return "", model.ErrTranscription.Wrap(err,
			goerr.V("format", format))
	}

	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return "", goerr.Wrap(model.ErrTranscription, "audio rejected by backend",
			goerr.V("reason", fb.BlockReason),
			goerr.V("message", fb.BlockReasonMessage))
	}

	text, err := responseText(resp)
	if err != nil {
		// no candidate means the model heard nothing usable
		return "", nil
	}
	return text, nil
}
