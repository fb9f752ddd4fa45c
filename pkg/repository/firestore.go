package repository

import (
	"context"
	"errors"
	"slices"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/model"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	DefaultCollection = "memories"

	// maxArrayContainsAny is Firestore's limit of values for array-contains-any
	maxArrayContainsAny = 30
)

// Firestore implements Repository with a Firestore collection
type Firestore struct {
	client     *firestore.Client
	collection string
}

// FirestoreOption is a functional option for Firestore
type FirestoreOption func(*Firestore)

// WithCollection sets the collection name of memory documents
func WithCollection(name string) FirestoreOption {
	return func(f *Firestore) {
		f.collection = name
	}
}

// New creates a Firestore repository for the given project and database
func New(ctx context.Context, projectID, databaseID string, opts ...FirestoreOption) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID),
			goerr.V("database", databaseID))
	}

	f := &Firestore{
		client:     client,
		collection: DefaultCollection,
	}
	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

// Close releases the underlying client
func (f *Firestore) Close() error {
	return f.client.Close()
}

func (f *Firestore) PutMemory(ctx context.Context, memory *model.Memory) error {
	col := f.client.Collection(f.collection)

	var doc *firestore.DocumentRef
	if memory.ID == "" {
		doc = col.NewDoc()
		memory.ID = model.MemoryID(doc.ID)
	} else {
		doc = col.Doc(string(memory.ID))
	}

	// Create fails if the document exists: records are append-only
	if _, err := doc.Create(ctx, memory); err != nil {
		return goerr.Wrap(err, "failed to put memory", goerr.V("id", memory.ID))
	}

	return nil
}

func (f *Firestore) GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	snap, err := f.client.Collection(f.collection).Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrMemoryNotFound, "memory not found", goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get memory", goerr.V("id", id))
	}

	return decode(snap)
}

// QueryMemories runs query. A keyword set over Firestore's
// array-contains-any limit is queried in batches and merged.
func (f *Firestore) QueryMemories(ctx context.Context, query *model.Query) ([]*model.Memory, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	queries := SplitQuery(query)
	if len(queries) == 1 {
		return f.query(ctx, queries[0])
	}

	results := make([][]*model.Memory, len(queries))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, q := range queries {
		eg.Go(func() error {
			found, err := f.query(egCtx, q)
			if err != nil {
				return goerr.Wrap(err, "failed to query keyword batch", goerr.V("batch", i))
			}
			results[i] = found
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[model.MemoryID]struct{})
	var merged []*model.Memory
	for _, found := range results {
		for _, m := range found {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			merged = append(merged, m)
		}
	}

	query.Sort(merged)
	if query.Limit > 0 && len(merged) > query.Limit {
		merged = merged[:query.Limit]
	}
	return merged, nil
}

func (f *Firestore) query(ctx context.Context, query *model.Query) ([]*model.Memory, error) {
	q := f.client.Collection(f.collection).Query
	if query.Filter != nil {
		filter, err := BuildEntityFilter(query.Filter)
		if err != nil {
			return nil, err
		}
		q = q.WhereEntity(filter)
	}
	for _, o := range query.Orders {
		q = q.OrderBy(orderPath(o.Field), direction(o.Desc))
	}
	if query.Limit > 0 {
		q = q.Limit(query.Limit)
	}

	return collect(q.Documents(ctx))
}

func (f *Firestore) ListMemories(ctx context.Context, offset, limit int) ([]*model.Memory, error) {
	q := f.client.Collection(f.collection).
		OrderBy(model.FieldEventCreatedAt, firestore.Desc).
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}

	return collect(q.Documents(ctx))
}

func collect(iter *firestore.DocumentIterator) ([]*model.Memory, error) {
	defer iter.Stop()

	var memories []*model.Memory
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate memories")
		}

		m, err := decode(snap)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}

	return memories, nil
}

func decode(snap *firestore.DocumentSnapshot) (*model.Memory, error) {
	var m model.Memory
	if err := snap.DataTo(&m); err != nil {
		return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("id", snap.Ref.ID))
	}
	m.ID = model.MemoryID(snap.Ref.ID)
	return &m, nil
}

func orderPath(field string) string {
	if field == model.FieldID {
		return firestore.DocumentID
	}
	return field
}

func direction(desc bool) firestore.Direction {
	if desc {
		return firestore.Desc
	}
	return firestore.Asc
}

// BuildEntityFilter translates a model.Filter into a Firestore filter. An Or
// made only of Contains on one field collapses into a single
// array-contains-any when it fits Firestore's value limit; QueryMemories
// splits longer ones with SplitQuery first.
func BuildEntityFilter(filter model.Filter) (firestore.EntityFilter, error) {
	switch f := filter.(type) {
	case model.Equals:
		return firestore.PropertyFilter{Path: f.Field, Operator: "==", Value: firestoreValue(f.Value)}, nil

	case model.LessThan:
		return firestore.PropertyFilter{Path: f.Field, Operator: "<", Value: firestoreValue(f.Value)}, nil

	case model.Contains:
		return firestore.PropertyFilter{Path: f.Field, Operator: "array-contains", Value: f.Value}, nil

	case model.And:
		subs, err := buildAll(f.Filters)
		if err != nil {
			return nil, err
		}
		if len(subs) == 1 {
			return subs[0], nil
		}
		return firestore.AndFilter{Filters: subs}, nil

	case model.Or:
		if field, values, ok := containsAny(f); ok {
			return firestore.PropertyFilter{Path: field, Operator: "array-contains-any", Value: values}, nil
		}
		subs, err := buildAll(f.Filters)
		if err != nil {
			return nil, err
		}
		if len(subs) == 1 {
			return subs[0], nil
		}
		return firestore.OrFilter{Filters: subs}, nil

	default:
		return nil, goerr.Wrap(model.ErrInvalidQuery, "unsupported filter type", goerr.V("filter", filter))
	}
}

func buildAll(filters []model.Filter) ([]firestore.EntityFilter, error) {
	subs := make([]firestore.EntityFilter, 0, len(filters))
	for _, sub := range filters {
		ef, err := BuildEntityFilter(sub)
		if err != nil {
			return nil, err
		}
		subs = append(subs, ef)
	}
	return subs, nil
}

func containsAny(or model.Or) (string, []string, bool) {
	if len(or.Filters) < 2 || len(or.Filters) > maxArrayContainsAny {
		return "", nil, false
	}
	return sameFieldContains(or)
}

// SplitQuery breaks an Or of Contains on one field that is longer than
// maxArrayContainsAny, either the whole filter or a member of a top-level
// And, into queries of at most maxArrayContainsAny values each. Any other
// query is returned alone.
func SplitQuery(query *model.Query) []*model.Query {
	withFilter := func(filter model.Filter) *model.Query {
		return &model.Query{Filter: filter, Orders: query.Orders, Limit: query.Limit}
	}

	switch f := query.Filter.(type) {
	case model.Or:
		if parts := splitOr(f); parts != nil {
			queries := make([]*model.Query, 0, len(parts))
			for _, part := range parts {
				queries = append(queries, withFilter(part))
			}
			return queries
		}

	case model.And:
		for i, sub := range f.Filters {
			or, ok := sub.(model.Or)
			if !ok {
				continue
			}
			parts := splitOr(or)
			if parts == nil {
				continue
			}

			queries := make([]*model.Query, 0, len(parts))
			for _, part := range parts {
				filters := slices.Clone(f.Filters)
				filters[i] = part
				queries = append(queries, withFilter(model.And{Filters: filters}))
			}
			return queries
		}
	}

	return []*model.Query{query}
}

func splitOr(or model.Or) []model.Or {
	if len(or.Filters) <= maxArrayContainsAny {
		return nil
	}
	if _, _, ok := sameFieldContains(or); !ok {
		return nil
	}

	var parts []model.Or
	for chunk := range slices.Chunk(or.Filters, maxArrayContainsAny) {
		parts = append(parts, model.Or{Filters: chunk})
	}
	return parts
}

func sameFieldContains(or model.Or) (string, []string, bool) {
	var field string
	values := make([]string, 0, len(or.Filters))
	for _, sub := range or.Filters {
		c, ok := sub.(model.Contains)
		if !ok {
			return "", nil, false
		}
		if field == "" {
			field = c.Field
		} else if field != c.Field {
			return "", nil, false
		}
		values = append(values, c.Value)
	}

	return field, values, true
}

// firestoreValue unwraps named string types that Firestore's query encoder
// would otherwise reject
func firestoreValue(v any) any {
	switch t := v.(type) {
	case model.MemoryID:
		return string(t)
	case model.Category:
		return string(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return *t
	default:
		return v
	}
}
