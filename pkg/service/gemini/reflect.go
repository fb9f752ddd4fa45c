package gemini

import (
	"context"

	"github.com/m-mizutani/kioku/pkg/adapter"
	"github.com/m-mizutani/kioku/pkg/interfaces"
	"github.com/m-mizutani/kioku/pkg/model"
	"google.golang.org/genai"
)

// Reflector writes a short free-text reply to the speaker
type Reflector struct {
	gemini adapter.Gemini
}

var _ interfaces.Reflector = (*Reflector)(nil)

func NewReflector(gemini adapter.Gemini) *Reflector {
	return &Reflector{gemini: gemini}
}

func (r *Reflector) Reflect(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", nil
	}

	prompt, err := render(reflectPrompt, nil)
	if err != nil {
		return "", model.ErrReflection.Wrap(err)
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(prompt, ""),
		Temperature:       genai.Ptr[float32](0.7),
		ThinkingConfig:    noThinking(),
	}
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	resp, err := r.gemini.GenerateContent(ctx, contents, config)
	if err != nil {
		return "", model.ErrReflection.Wrap(err)
	}

	reply, err := responseText(resp)
	if err != nil {
		return "", model.ErrReflection.Wrap(err)
	}
	return reply, nil
}
