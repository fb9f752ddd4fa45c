package model

import (
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// Response is returned to the caller of the pipeline. Raw audio bytes of the
// utterance are never part of it.
type Response struct {
	*Memory

	Segments    []string  `json:"segments"`
	Audio       string    `json:"audio"`
	AudioFormat string    `json:"audioFormat"`
	Reflection  string    `json:"reflection,omitempty"`
	Matches     []*Memory `json:"matches,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Phrases holds the fixed texts spoken by the pipeline. Answer must contain
// the {date} and {event} placeholders. Recorded is spoken instead of
// Acknowledge when there is nothing to repeat back.
type Phrases struct {
	Acknowledge    string `yaml:"acknowledge"`
	Recorded       string `yaml:"recorded"`
	Answer         string `yaml:"answer"`
	NothingFound   string `yaml:"nothing_found"`
	TemporaryError string `yaml:"temporary_error"`
	Apology        string `yaml:"apology"`
}

// DefaultPhrases are Cantonese phrases
func DefaultPhrases() Phrases {
	return Phrases{
		Acknowledge:    "已經記低咗：{event}",
		Recorded:       "已經記低咗。",
		Answer:         "你喺{date}講過：{event}。",
		NothingFound:   "搵唔到相關嘅記錄。",
		TemporaryError: "系統暫時出咗問題，請稍後再試。",
		Apology:        "對唔住，暫時未能讀出回覆。",
	}
}

// LoadPhrases reads a YAML phrase file. Missing keys keep their defaults.
func LoadPhrases(path string) (Phrases, error) {
	p := DefaultPhrases()
	if path == "" {
		return p, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return p, goerr.Wrap(err, "failed to read phrase file", goerr.V("path", path))
	}

	var loaded Phrases
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return p, goerr.Wrap(err, "failed to parse phrase file", goerr.V("path", path))
	}

	if loaded.Acknowledge != "" {
		p.Acknowledge = loaded.Acknowledge
	}
	if loaded.Recorded != "" {
		p.Recorded = loaded.Recorded
	}
	if loaded.Answer != "" {
		p.Answer = loaded.Answer
	}
	if loaded.NothingFound != "" {
		p.NothingFound = loaded.NothingFound
	}
	if loaded.TemporaryError != "" {
		p.TemporaryError = loaded.TemporaryError
	}
	if loaded.Apology != "" {
		p.Apology = loaded.Apology
	}

	if !strings.Contains(p.Answer, "{event}") {
		return p, goerr.New("answer phrase must contain {event}", goerr.V("answer", p.Answer))
	}

	return p, nil
}

// AcknowledgeText renders the acknowledgement for a recorded event
func (p Phrases) AcknowledgeText(event string) string {
	if strings.TrimSpace(event) == "" {
		return p.Recorded
	}
	return strings.ReplaceAll(p.Acknowledge, "{event}", event)
}

// AnswerText renders one "you said on <date>: <event>" sentence
func (p Phrases) AnswerText(date, event string) string {
	return strings.NewReplacer("{date}", date, "{event}", event).Replace(p.Answer)
}
