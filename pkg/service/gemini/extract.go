package gemini

import (
	"context"
	"encoding/json"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/adapter"
	"github.com/m-mizutani/kioku/pkg/interfaces"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
	"google.golang.org/genai"
)

// Extractor turns a transcript into structured event fields
type Extractor struct {
	gemini   adapter.Gemini
	now      func() time.Time
	location *time.Location
}

var _ interfaces.Extractor = (*Extractor)(nil)

type ExtractorOption func(*Extractor)

// WithClock replaces the clock used to resolve relative dates
func WithClock(now func() time.Time) ExtractorOption {
	return func(e *Extractor) {
		e.now = now
	}
}

// WithTimezone sets the zone of the speaker, used for relative dates and
// for datetimes without offset
func WithTimezone(loc *time.Location) ExtractorOption {
	return func(e *Extractor) {
		e.location = loc
	}
}

func NewExtractor(gemini adapter.Gemini, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		gemini:   gemini,
		now:      time.Now,
		location: time.Local,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var extractionSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"event": {
			Type:        genai.TypeString,
			Description: "The event itself without request words such as 提醒我",
		},
		"reminderDatetime": {
			Type:        genai.TypeString,
			Description: "ISO 8601 date or date-time of the event, empty if unknown",
		},
		"location": {
			Type:        genai.TypeArray,
			Description: "Place names mentioned",
			Items:       &genai.Schema{Type: genai.TypeString},
		},
		"isReminder": {
			Type:        genai.TypeBoolean,
			Description: "True only when the speaker explicitly asks to be reminded",
		},
		"isQuestion": {
			Type:        genai.TypeBoolean,
			Description: "True when the speaker asks about something they said or did before",
		},
		"tags": {
			Type:        genai.TypeArray,
			Description: "Short search keywords",
			Items:       &genai.Schema{Type: genai.TypeString},
		},
	},
	Required: []string{"event", "reminderDatetime", "location", "isReminder", "isQuestion", "tags"},
}

type extractPromptData struct {
	Today   string
	Weekday string
	Now     string
}

var weekdays = [...]string{"星期日", "星期一", "星期二", "星期三", "星期四", "星期五", "星期六"}

func (e *Extractor) Extract(ctx context.Context, text string) (*model.Extraction, error) {
	if text == "" {
		return &model.Extraction{Location: []string{}, Tags: []string{}}, nil
	}

	now := e.now().In(e.location)
	prompt, err := render(extractPrompt, extractPromptData{
		Today:   now.Format(time.DateOnly),
		Weekday: weekdays[now.Weekday()],
		Now:     now.Format("15:04"),
	})
	if err != nil {
		return nil, model.ErrExtraction.Wrap(err)
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(prompt, ""),
		Temperature:       genai.Ptr[float32](0),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    extractionSchema,
		ThinkingConfig:    noThinking(),
	}
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	resp, err := e.gemini.GenerateContent(ctx, contents, config)
	if err != nil {
		return nil, model.ErrExtraction.Wrap(err)
	}

	raw, err := responseText(resp)
	if err != nil {
		return nil, model.ErrExtraction.Wrap(err)
	}

	ext, err := ParseExtraction(raw)
	if err != nil {
		return nil, err
	}

	if ext.ReminderDatetime != "" {
		if _, err := model.ParseISODateTime(ext.ReminderDatetime, e.location); err != nil {
			logging.From(ctx).Warn("drop invalid reminderDatetime",
				"value", ext.ReminderDatetime)
			ext.ReminderDatetime = ""
		}
	}

	return ext, nil
}

// ParseExtraction validates raw model output. Non-JSON or a missing "event"
// key is an ErrExtraction; other keys default to their zero values. Location
// entries are merged into tags so that a place is searchable as a keyword.
func ParseExtraction(raw string) (*model.Extraction, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, goerr.Wrap(model.ErrExtraction, "output is not a JSON object", goerr.V("raw", raw))
	}
	if _, ok := fields["event"]; !ok {
		return nil, goerr.Wrap(model.ErrExtraction, "output has no event", goerr.V("raw", raw))
	}

	var ext model.Extraction
	if err := json.Unmarshal(fields["event"], &ext.Event); err != nil {
		return nil, goerr.Wrap(model.ErrExtraction, "event is not a string", goerr.V("raw", raw))
	}

	// optional keys: a wrongly typed value is treated like a missing one
	decodeOptional(fields, "reminderDatetime", &ext.ReminderDatetime)
	decodeOptional(fields, "location", &ext.Location)
	decodeOptional(fields, "isReminder", &ext.IsReminder)
	decodeOptional(fields, "isQuestion", &ext.IsQuestion)
	decodeOptional(fields, "tags", &ext.Tags)

	ext.Location = model.NormalizeTags(ext.Location)
	ext.Tags = model.NormalizeTags(append(ext.Tags, ext.Location...))

	return &ext, nil
}

func decodeOptional[T any](fields map[string]json.RawMessage, key string, dst *T) {
	raw, ok := fields[key]
	if !ok {
		return
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return
	}
	*dst = v
}
