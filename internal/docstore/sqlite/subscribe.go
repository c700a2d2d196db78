package sqlite

import (
	"context"
	"fmt"

	"github.com/sakif/homework-helper/internal/docstore"
)

// Subscribe re-runs q after every committed change to q.Collection and hands
// the full result set to onSnapshot. The first snapshot is delivered right
// away, from the subscription's own goroutine.
func (s *Store) Subscribe(ctx context.Context, q docstore.Query, onSnapshot func([]docstore.Document), onError func(error)) (docstore.Unsubscribe, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	evaluate := func(ctx context.Context) (func(), error) {
		docs, err := s.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		return func() { onSnapshot(docs) }, nil
	}
	return s.hub.Register(q.Collection, q.String(), nil, evaluate, onError)
}

// SubscribeDoc watches a single document. Only changes to that ID wake it.
func (s *Store) SubscribeDoc(ctx context.Context, collection, id string, onSnapshot func(docstore.Document, bool), onError func(error)) (docstore.Unsubscribe, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	match := func(c docstore.Change) bool { return c.ID == id }
	evaluate := func(ctx context.Context) (func(), error) {
		doc, ok, err := s.Get(ctx, collection, id)
		if err != nil {
			return nil, err
		}
		return func() { onSnapshot(doc, ok) }, nil
	}
	return s.hub.Register(collection, fmt.Sprintf("%s/%s", collection, id), match, evaluate, onError)
}
