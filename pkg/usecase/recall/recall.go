// Package recall finds past memories related to a question.
package recall

import (
	"context"

	"github.com/m-mizutani/kioku/pkg/interfaces"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
)

// Engine searches the store for records sharing a keyword with the current
// one and happening strictly before it
type Engine struct {
	store interfaces.MemoryStore
}

func New(store interfaces.MemoryStore) *Engine {
	return &Engine{store: store}
}

// BuildQuery returns the retrieval query for current, or nil when there is
// nothing to match on: no keyword or no event time.
func BuildQuery(current *model.Memory) *model.Query {
	if current == nil || current.EventCreatedAt == nil {
		return nil
	}

	keywords := current.Keywords()
	if len(keywords) == 0 {
		return nil
	}

	// location values also appear among tags, so Tags is the only field
	// searched
	anyKeyword := make([]model.Filter, 0, len(keywords))
	for _, kw := range keywords {
		anyKeyword = append(anyKeyword, model.Contains{Field: model.FieldTags, Value: kw})
	}

	return &model.Query{
		Filter: model.And{Filters: []model.Filter{
			model.LessThan{Field: model.FieldEventCreatedAt, Value: *current.EventCreatedAt},
			model.Or{Filters: anyKeyword},
		}},
		Orders: []model.Order{
			{Field: model.FieldEventCreatedAt, Desc: true},
			{Field: model.FieldID, Desc: true},
		},
	}
}

// Recall returns matching records, newest first. A store failure is logged
// and yields no match.
func (e *Engine) Recall(ctx context.Context, current *model.Memory) []*model.Memory {
	q := BuildQuery(current)
	if q == nil {
		return nil
	}

	found, err := e.store.Query(ctx, q)
	if err != nil {
		logging.From(ctx).Warn("failed to recall memories", "error", err)
		return nil
	}

	// stores without a native strict comparison must not leak the current
	// event or later ones
	matches := make([]*model.Memory, 0, len(found))
	for _, m := range found {
		if m.EventCreatedAt == nil || !m.EventCreatedAt.Before(*current.EventCreatedAt) {
			continue
		}
		if current.ID != "" && m.ID == current.ID {
			continue
		}
		matches = append(matches, m)
	}

	return matches
}
