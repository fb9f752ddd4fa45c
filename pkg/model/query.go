package model

import (
	"slices"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Filter is a composable predicate over Memory fields. Storage adapters
// translate it to their native query language; Match evaluates it in process
// with the same semantics.
type Filter interface {
	Match(m *Memory) bool
	Validate() error
}

// Equals matches records whose Field equals Value
type Equals struct {
	Field string
	Value any
}

// LessThan matches records whose Field is strictly less than Value. Records
// with a null Field never match.
type LessThan struct {
	Field string
	Value any
}

// Contains matches records whose array Field contains Value
type Contains struct {
	Field string
	Value string
}

type And struct {
	Filters []Filter
}

type Or struct {
	Filters []Filter
}

// Order sorts query results by Field
type Order struct {
	Field string
	Desc  bool
}

// Query is a filter with ordering. Limit zero means no limit.
type Query struct {
	Filter Filter
	Orders []Order
	Limit  int
}

func (q *Query) Validate() error {
	if q == nil {
		return goerr.Wrap(ErrInvalidQuery, "query is nil")
	}
	if q.Filter != nil {
		if err := q.Filter.Validate(); err != nil {
			return err
		}
	}
	for _, o := range q.Orders {
		if _, ok := fieldValue(&Memory{}, o.Field); !ok {
			return goerr.Wrap(ErrInvalidQuery, "unknown order field", goerr.V("field", o.Field))
		}
	}
	if q.Limit < 0 {
		return goerr.Wrap(ErrInvalidQuery, "negative limit", goerr.V("limit", q.Limit))
	}
	return nil
}

func (f Equals) Match(m *Memory) bool {
	v, ok := fieldValue(m, f.Field)
	if !ok || v == nil {
		return false
	}
	c, ok := compare(v, f.Value)
	return ok && c == 0
}

func (f Equals) Validate() error { return validateField(f.Field) }

func (f LessThan) Match(m *Memory) bool {
	v, ok := fieldValue(m, f.Field)
	if !ok || v == nil {
		return false
	}
	c, ok := compare(v, f.Value)
	return ok && c < 0
}

func (f LessThan) Validate() error { return validateField(f.Field) }

func (f Contains) Match(m *Memory) bool {
	v, ok := fieldValue(m, f.Field)
	if !ok {
		return false
	}
	arr, ok := v.([]string)
	if !ok {
		return false
	}
	return slices.Contains(arr, f.Value)
}

func (f Contains) Validate() error {
	if err := validateField(f.Field); err != nil {
		return err
	}
	if _, ok := arrayFields[f.Field]; !ok {
		return goerr.Wrap(ErrInvalidQuery, "contains requires an array field", goerr.V("field", f.Field))
	}
	return nil
}

func (f And) Match(m *Memory) bool {
	for _, sub := range f.Filters {
		if !sub.Match(m) {
			return false
		}
	}
	return true
}

func (f And) Validate() error { return validateGroup("and", f.Filters) }

func (f Or) Match(m *Memory) bool {
	for _, sub := range f.Filters {
		if sub.Match(m) {
			return true
		}
	}
	return false
}

func (f Or) Validate() error { return validateGroup("or", f.Filters) }

func validateGroup(op string, filters []Filter) error {
	if len(filters) == 0 {
		return goerr.Wrap(ErrInvalidQuery, "empty filter group", goerr.V("op", op))
	}
	for _, sub := range filters {
		if sub == nil {
			return goerr.Wrap(ErrInvalidQuery, "nil filter in group", goerr.V("op", op))
		}
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	return nil
}

var arrayFields = map[string]struct{}{
	FieldTags:     {},
	FieldLocation: {},
}

func validateField(field string) error {
	if _, ok := fieldValue(&Memory{}, field); !ok {
		return goerr.Wrap(ErrInvalidQuery, "unknown field", goerr.V("field", field))
	}
	return nil
}

// fieldValue returns the comparable value of a persisted field. A nil value
// with ok=true means the field exists but is null.
func fieldValue(m *Memory, field string) (any, bool) {
	switch field {
	case FieldID:
		return string(m.ID), true
	case FieldTags:
		return m.Tags, true
	case FieldLocation:
		return m.Location, true
	case FieldCategory:
		return string(m.Category), true
	case FieldIsQuestion:
		return m.IsQuestion, true
	case FieldCreatedAt:
		return m.CreatedAt, true
	case FieldEventCreatedAt:
		if m.EventCreatedAt == nil {
			return nil, true
		}
		return *m.EventCreatedAt, true
	default:
		return nil, false
	}
}

// compare orders a against b. ok is false when the types are not comparable.
func compare(a, b any) (int, bool) {
	switch av := a.(type) {
	case time.Time:
		var bv time.Time
		switch t := b.(type) {
		case time.Time:
			bv = t
		case *time.Time:
			if t == nil {
				return 0, false
			}
			bv = *t
		default:
			return 0, false
		}
		return av.Compare(bv), true
	case string:
		switch bv := b.(type) {
		case string:
			return strings.Compare(av, bv), true
		case MemoryID:
			return strings.Compare(av, string(bv)), true
		case Category:
			return strings.Compare(av, string(bv)), true
		}
		return 0, false
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

// Sort orders memories by q.Orders. Ties keep their input order.
func (q *Query) Sort(memories []*Memory) {
	if len(q.Orders) == 0 {
		return
	}
	slices.SortStableFunc(memories, func(a, b *Memory) int {
		for _, o := range q.Orders {
			c := CompareField(a, b, o.Field)
			if o.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
}

// CompareField orders two records by field. Null values sort first.
func CompareField(a, b *Memory, field string) int {
	av, _ := fieldValue(a, field)
	bv, _ := fieldValue(b, field)
	switch {
	case av == nil && bv == nil:
		return 0
	case av == nil:
		return -1
	case bv == nil:
		return 1
	}
	c, _ := compare(av, bv)
	return c
}
