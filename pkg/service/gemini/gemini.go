// Package gemini implements the language and speech capabilities of the
// pipeline on Gemini: transcription, field extraction, reflection,
// classification and speech synthesis.
package gemini

import (
	"bytes"
	"embed"
	"strings"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

//go:embed prompt/*.md
var promptFS embed.FS

func loadPrompt(name string) *template.Template {
	raw, err := promptFS.ReadFile("prompt/" + name + ".md")
	if err != nil {
		panic("prompt not embedded: " + name)
	}
	return template.Must(template.New(name).Parse(string(raw)))
}

var (
	transcribePrompt = loadPrompt("transcribe")
	extractPrompt    = loadPrompt("extract")
	reflectPrompt    = loadPrompt("reflect")
	classifyPrompt   = loadPrompt("classify")
)

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", goerr.Wrap(err, "failed to execute prompt template", goerr.V("template", tmpl.Name()))
	}
	return buf.String(), nil
}

// responseText joins the text parts of the first candidate
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", goerr.New("invalid response structure from gemini")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return strings.TrimSpace(sb.String()), nil
}

func noThinking() *genai.ThinkingConfig {
	budget := int32(0)
	return &genai.ThinkingConfig{
		IncludeThoughts: false,
		ThinkingBudget:  &budget,
	}
}
