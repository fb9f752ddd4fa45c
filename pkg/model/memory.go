package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type MemoryID string

// NewMemoryID generates a new unique MemoryID
func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

type Category string

const (
	CategoryGeneral  Category = "General"
	CategoryFamily   Category = "Family"
	CategoryHealth   Category = "Health"
	CategoryShopping Category = "Shopping"
	CategoryReminder Category = "Reminder"
)

// Categories lists every category the classifier may return
var Categories = []Category{
	CategoryGeneral,
	CategoryFamily,
	CategoryHealth,
	CategoryShopping,
	CategoryReminder,
}

// ParseCategory maps a free-form label to a known category. Unknown labels
// become CategoryGeneral.
func ParseCategory(s string) Category {
	s = strings.Trim(strings.TrimSpace(s), "\"'.`")
	for _, c := range Categories {
		if strings.EqualFold(s, string(c)) {
			return c
		}
	}
	return CategoryGeneral
}

const DefaultSourceLang = "yue-HK"

// Field names as persisted in the document store. Query filters refer to
// these names.
const (
	FieldID             = "ID"
	FieldTags           = "Tags"
	FieldLocation       = "Location"
	FieldCategory       = "Category"
	FieldIsQuestion     = "IsQuestion"
	FieldCreatedAt      = "CreatedAt"
	FieldEventCreatedAt = "EventCreatedAt"
)

// Memory is one spoken utterance turned into a structured record. Records are
// append-only: ID is assigned by the store on first save.
type Memory struct {
	ID               MemoryID   `json:"id,omitempty"`
	Transcription    string     `json:"transcription"`
	MainEvent        string     `json:"mainEvent"`
	ReminderDatetime string     `json:"reminderDatetime"`
	IsReminder       bool       `json:"isReminder"`
	Location         []string   `json:"location"`
	Tags             []string   `json:"tags"`
	Category         Category   `json:"category"`
	CreatedAt        time.Time  `json:"createdAt"`
	EventCreatedAt   *time.Time `json:"eventCreatedAt"`
	OriginalVoiceURL string     `json:"originalVoiceUrl,omitempty"`
	IsQuestion       bool       `json:"isQuestion"`
	SourceLang       string     `json:"sourceLang"`
}

// Voice is the original utterance audio kept alongside a record
type Voice struct {
	Data   []byte
	Format string
}

// Extraction is the validated output of the field extractor. Every field has
// a usable zero value.
type Extraction struct {
	Event            string   `json:"event"`
	ReminderDatetime string   `json:"reminderDatetime"`
	Location         []string `json:"location"`
	IsReminder       bool     `json:"isReminder"`
	IsQuestion       bool     `json:"isQuestion"`
	Tags             []string `json:"tags"`
}

// NewMemory builds a record from the transcript and its extraction. createdAt
// is the time the utterance was processed.
func NewMemory(transcription string, ext *Extraction, category Category, createdAt time.Time) *Memory {
	if ext == nil {
		ext = &Extraction{}
	}
	if category == "" {
		category = CategoryGeneral
	}

	location := make([]string, 0, len(ext.Location))
	for _, loc := range ext.Location {
		if loc = strings.TrimSpace(loc); loc != "" {
			location = append(location, loc)
		}
	}

	m := &Memory{
		Transcription:    transcription,
		MainEvent:        ext.Event,
		ReminderDatetime: ext.ReminderDatetime,
		IsReminder:       ext.IsReminder,
		IsQuestion:       ext.IsQuestion,
		Location:         location,
		Tags:             NormalizeTags(ext.Tags),
		Category:         category,
		CreatedAt:        createdAt,
		SourceLang:       DefaultSourceLang,
	}

	eventAt := createdAt
	if t, err := ParseISODateTime(ext.ReminderDatetime, createdAt.Location()); err == nil {
		eventAt = t
	}
	m.EventCreatedAt = &eventAt

	return m
}

// NormalizeTags trims tags, drops empty ones and removes duplicates while
// keeping the first occurrence.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		result = append(result, tag)
	}
	return result
}

// Keywords returns tags ∪ location, deduplicated, tags first.
func (m *Memory) Keywords() []string {
	all := make([]string, 0, len(m.Tags)+len(m.Location))
	all = append(all, m.Tags...)
	all = append(all, m.Location...)
	return NormalizeTags(all)
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.DateOnly,
}

// ParseISODateTime parses an ISO-8601 date or date-time. Values without a
// zone are interpreted in loc.
func ParseISODateTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, goerr.New("empty datetime")
	}
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, goerr.New("invalid ISO-8601 datetime", goerr.V("value", s))
}

// IsDateOnly reports whether s is an ISO-8601 date without time part
func IsDateOnly(s string) bool {
	_, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	return err == nil
}

// Validate checks invariants required before the record becomes durable
func (m *Memory) Validate() error {
	for _, tag := range m.Tags {
		if tag == "" {
			return goerr.Wrap(ErrInvalidMemory, "empty tag")
		}
	}
	if m.ReminderDatetime != "" {
		if _, err := ParseISODateTime(m.ReminderDatetime, nil); err != nil {
			return goerr.Wrap(ErrInvalidMemory, "invalid reminderDatetime", goerr.V("value", m.ReminderDatetime))
		}
	}
	if m.EventCreatedAt == nil {
		return goerr.Wrap(ErrInvalidMemory, "eventCreatedAt is required")
	}
	return nil
}
