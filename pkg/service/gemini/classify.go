package gemini

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/adapter"
	"github.com/m-mizutani/kioku/pkg/interfaces"
	"github.com/m-mizutani/kioku/pkg/model"
	"google.golang.org/genai"
)

// Classifier assigns one of model.Categories to a transcript
type Classifier struct {
	gemini adapter.Gemini
}

var _ interfaces.Classifier = (*Classifier)(nil)

func NewClassifier(gemini adapter.Gemini) *Classifier {
	return &Classifier{gemini: gemini}
}

func (c *Classifier) Classify(ctx context.Context, text string) (model.Category, error) {
	if text == "" {
		return model.CategoryGeneral, nil
	}

	prompt, err := render(classifyPrompt, struct{ Categories []model.Category }{model.Categories})
	if err != nil {
		return model.CategoryGeneral, err
	}

	enum := make([]string, len(model.Categories))
	for i, cat := range model.Categories {
		enum[i] = string(cat)
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(prompt, ""),
		Temperature:       genai.Ptr[float32](0),
		ResponseMIMEType:  "text/x.enum",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeString,
			Enum: enum,
		},
		ThinkingConfig: noThinking(),
	}
	contents := []*genai.Content{genai.NewContentFromText("Memory: "+text, genai.RoleUser)}

	resp, err := c.gemini.GenerateContent(ctx, contents, config)
	if err != nil {
		return model.CategoryGeneral, goerr.Wrap(err, "classification request failed")
	}

	label, err := responseText(resp)
	if err != nil {
		return model.CategoryGeneral, err
	}
	return model.ParseCategory(label), nil
}
