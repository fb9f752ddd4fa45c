package model_test

import (
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/kioku/pkg/model"
)

func TestFilterMatch(t *testing.T) {
	base := time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC)
	earlier := base.Add(-time.Hour)

	m := &model.Memory{
		ID:             "m1",
		Tags:           []string{"flights", "Guangzhou"},
		Location:       []string{"Guangzhou"},
		Category:       model.CategoryReminder,
		EventCreatedAt: &earlier,
	}

	testCases := []struct {
		name   string
		filter model.Filter
		expect bool
	}{
		{"contains hit", model.Contains{Field: model.FieldTags, Value: "flights"}, true},
		{"contains miss", model.Contains{Field: model.FieldTags, Value: "hotel"}, false},
		{"less than hit", model.LessThan{Field: model.FieldEventCreatedAt, Value: base}, true},
		{"less than equal is miss", model.LessThan{Field: model.FieldEventCreatedAt, Value: earlier}, false},
		{"equals category", model.Equals{Field: model.FieldCategory, Value: model.CategoryReminder}, true},
		{"equals id", model.Equals{Field: model.FieldID, Value: model.MemoryID("m1")}, true},
		{"or any", model.Or{Filters: []model.Filter{
			model.Contains{Field: model.FieldTags, Value: "hotel"},
			model.Contains{Field: model.FieldTags, Value: "Guangzhou"},
		}}, true},
		{"and all", model.And{Filters: []model.Filter{
			model.LessThan{Field: model.FieldEventCreatedAt, Value: base},
			model.Contains{Field: model.FieldTags, Value: "hotel"},
		}}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gt.V(t, tc.filter.Match(m)).Equal(tc.expect)
		})
	}
}

func TestLessThanSkipsNullEventTime(t *testing.T) {
	m := &model.Memory{Tags: []string{"x"}}
	f := model.LessThan{Field: model.FieldEventCreatedAt, Value: time.Now()}
	gt.V(t, f.Match(m)).Equal(false)
}

func TestQueryValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		q := &model.Query{
			Filter: model.And{Filters: []model.Filter{
				model.LessThan{Field: model.FieldEventCreatedAt, Value: time.Now()},
				model.Or{Filters: []model.Filter{model.Contains{Field: model.FieldTags, Value: "a"}}},
			}},
			Orders: []model.Order{{Field: model.FieldEventCreatedAt, Desc: true}},
		}
		gt.NoError(t, q.Validate())
	})

	t.Run("unknown field", func(t *testing.T) {
		q := &model.Query{Filter: model.Equals{Field: "Nope", Value: 1}}
		err := q.Validate()
		gt.Error(t, err)
		gt.V(t, errors.Is(err, model.ErrInvalidQuery)).Equal(true)
	})

	t.Run("contains on scalar", func(t *testing.T) {
		q := &model.Query{Filter: model.Contains{Field: model.FieldCategory, Value: "General"}}
		gt.Error(t, q.Validate())
	})

	t.Run("empty group", func(t *testing.T) {
		q := &model.Query{Filter: model.Or{}}
		gt.Error(t, q.Validate())
	})
}

func TestQuerySort(t *testing.T) {
	base := time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := base.Add(d)
		return &v
	}

	a := &model.Memory{ID: "a", EventCreatedAt: at(-time.Hour)}
	b := &model.Memory{ID: "b", EventCreatedAt: at(-time.Hour)}
	c := &model.Memory{ID: "c", EventCreatedAt: at(-time.Minute)}

	memories := []*model.Memory{a, b, c}
	q := &model.Query{Orders: []model.Order{
		{Field: model.FieldEventCreatedAt, Desc: true},
		{Field: model.FieldID, Desc: true},
	}}
	q.Sort(memories)

	gt.Equal(t, memories[0].ID, model.MemoryID("c"))
	gt.Equal(t, memories[1].ID, model.MemoryID("b"))
	gt.Equal(t, memories[2].ID, model.MemoryID("a"))
}
