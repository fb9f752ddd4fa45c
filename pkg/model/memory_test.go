package model_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/kioku/pkg/model"
)

func TestNormalizeTags(t *testing.T) {
	got := model.NormalizeTags([]string{"Guangzhou", "", " flights ", "Guangzhou", "  "})
	gt.A(t, got).Length(2)
	gt.Equal(t, got[0], "Guangzhou")
	gt.Equal(t, got[1], "flights")
}

func TestNewMemory(t *testing.T) {
	now := time.Date(2025, 6, 7, 10, 0, 0, 0, time.UTC)

	t.Run("reminder datetime becomes event time", func(t *testing.T) {
		m := model.NewMemory("remind me to book flights", &model.Extraction{
			Event:            "book flights",
			ReminderDatetime: "2025-06-11T15:00",
			Location:         []string{"Guangzhou"},
			IsReminder:       true,
			Tags:             []string{"Guangzhou", "flights", ""},
		}, model.CategoryReminder, now)

		gt.Equal(t, m.MainEvent, "book flights")
		gt.Equal(t, m.ReminderDatetime, "2025-06-11T15:00")
		gt.A(t, m.Tags).Length(2)
		gt.V(t, m.EventCreatedAt).NotNil()
		gt.Equal(t, *m.EventCreatedAt, time.Date(2025, 6, 11, 15, 0, 0, 0, time.UTC))
		gt.NoError(t, m.Validate())
	})

	t.Run("empty reminder datetime is preserved", func(t *testing.T) {
		m := model.NewMemory("I bought milk", &model.Extraction{Event: "bought milk"}, "", now)
		gt.Equal(t, m.ReminderDatetime, "")
		gt.Equal(t, m.Category, model.CategoryGeneral)
		gt.Equal(t, *m.EventCreatedAt, now)
		gt.NoError(t, m.Validate())
	})

	t.Run("nil extraction yields empty fields", func(t *testing.T) {
		m := model.NewMemory("", nil, model.CategoryGeneral, now)
		gt.Equal(t, m.MainEvent, "")
		gt.A(t, m.Tags).Length(0)
		gt.A(t, m.Location).Length(0)
		gt.NoError(t, m.Validate())
	})
}

func TestMemoryValidate(t *testing.T) {
	now := time.Now()

	t.Run("invalid reminder datetime", func(t *testing.T) {
		m := &model.Memory{ReminderDatetime: "next wednesday", EventCreatedAt: &now}
		err := m.Validate()
		gt.Error(t, err)
		gt.V(t, errors.Is(err, model.ErrInvalidMemory)).Equal(true)
	})

	t.Run("empty tag", func(t *testing.T) {
		m := &model.Memory{Tags: []string{"a", ""}, EventCreatedAt: &now}
		gt.Error(t, m.Validate())
	})

	t.Run("missing event time", func(t *testing.T) {
		m := &model.Memory{Transcription: "hello"}
		gt.Error(t, m.Validate())
	})
}

func TestParseISODateTime(t *testing.T) {
	testCases := []struct {
		input string
		valid bool
	}{
		{"2025-06-09", true},
		{"2025-06-09T08:30", true},
		{"2025-06-09T08:30:15", true},
		{"2025-06-09T08:30:15+08:00", true},
		{"2025-06-09T08:30:15.123Z", true},
		{"2025/06/09", false},
		{"tomorrow", false},
		{"", false},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			_, err := model.ParseISODateTime(tc.input, time.UTC)
			if tc.valid {
				gt.NoError(t, err)
			} else {
				gt.Error(t, err)
			}
		})
	}
}

func TestKeywords(t *testing.T) {
	m := &model.Memory{
		Tags:     []string{"flights", "Guangzhou"},
		Location: []string{"Guangzhou", "Baiyun Airport"},
	}
	kw := m.Keywords()
	gt.A(t, kw).Length(3)
	gt.Equal(t, kw[2], "Baiyun Airport")
}

func TestParseCategory(t *testing.T) {
	gt.Equal(t, model.ParseCategory(" reminder."), model.CategoryReminder)
	gt.Equal(t, model.ParseCategory("Health"), model.CategoryHealth)
	gt.Equal(t, model.ParseCategory("Travel"), model.CategoryGeneral)
}

func TestLoadPhrases(t *testing.T) {
	t.Run("defaults without path", func(t *testing.T) {
		p, err := model.LoadPhrases("")
		gt.NoError(t, err)
		gt.Equal(t, p, model.DefaultPhrases())
	})

	t.Run("partial override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "phrases.yaml")
		gt.NoError(t, os.WriteFile(path, []byte("acknowledge: \"recorded: {event}\"\nanswer: \"you said on {date}: {event}\"\n"), 0644))

		p, err := model.LoadPhrases(path)
		gt.NoError(t, err)
		gt.Equal(t, p.AcknowledgeText("book flights"), "recorded: book flights")
		gt.Equal(t, p.AnswerText("2025-06-01", "bought milk"), "you said on 2025-06-01: bought milk")
		gt.Equal(t, p.NothingFound, model.DefaultPhrases().NothingFound)
	})

	t.Run("empty event speaks the recorded phrase", func(t *testing.T) {
		p := model.DefaultPhrases()
		gt.Equal(t, p.AcknowledgeText(""), "已經記低咗。")
		gt.Equal(t, p.AcknowledgeText("  "), p.Recorded)
		gt.Equal(t, p.AcknowledgeText("買餸"), "已經記低咗：買餸")
	})

	t.Run("answer without event placeholder", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "phrases.yaml")
		gt.NoError(t, os.WriteFile(path, []byte("answer: \"hello\"\n"), 0644))

		_, err := model.LoadPhrases(path)
		gt.Error(t, err)
	})
}
