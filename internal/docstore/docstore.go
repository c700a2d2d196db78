// Package docstore defines the document store the forum is built on.
//
// A document store keeps schemaless documents (field maps) grouped into named
// collections. Besides plain CRUD it offers two things a relational repository
// does not:
//
//   - server-side field transforms (ServerTimestamp, Increment) applied inside
//     the write, so concurrent clients never race on read-modify-write;
//   - live subscriptions that push the FULL current result set of a query every
//     time a document in the queried collection changes.
//
// The contract is the Store interface. internal/docstore/sqlite implements it
// on top of SQLite; the Hub in this package provides the subscription engine
// any implementation can reuse.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Store is the document store contract consumed by the rest of the application.
//
// Write semantics follow the managed document databases the forum was first
// built on:
//   - Add assigns a fresh opaque ID.
//   - Set replaces the document (or merges top-level fields with Merge()).
//   - Update patches an existing document; a missing one is apperror.ErrNotFound.
//   - Delete of an absent document is a no-op, which keeps retries idempotent.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, bool, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	Add(ctx context.Context, collection string, fields Fields) (string, error)
	Set(ctx context.Context, collection, id string, fields Fields, opts ...SetOption) error
	Update(ctx context.Context, collection, id string, fields Fields) error
	Delete(ctx context.Context, collection, id string) error

	// Subscribe delivers the query's result set once immediately and again
	// after every committed change to q.Collection. ctx bounds the set-up only;
	// the subscription lives until the returned Unsubscribe is called.
	Subscribe(ctx context.Context, q Query, onSnapshot func([]Document), onError func(error)) (Unsubscribe, error)

	// SubscribeDoc is Subscribe for a single document. exists is false while
	// the document is absent.
	SubscribeDoc(ctx context.Context, collection, id string, onSnapshot func(doc Document, exists bool), onError func(error)) (Unsubscribe, error)
}

// Unsubscribe releases a subscription. Calling it more than once is harmless;
// only the first call has an effect.
type Unsubscribe func()

// Fields is the content of a document.
type Fields map[string]any

// Document is a stored document together with its store-assigned ID.
type Document struct {
	ID     string
	Fields Fields
}

// Has reports whether the field is present and not null.
func (d Document) Has(key string) bool {
	v, ok := d.Fields[key]
	return ok && v != nil
}

// String returns a string field, or "" when absent or not a string.
func (d Document) String(key string) string {
	s, _ := d.Fields[key].(string)
	return s
}

// OptionalString returns a string field and whether it was set.
func (d Document) OptionalString(key string) (string, bool) {
	s, ok := d.Fields[key].(string)
	return s, ok
}

// Int64 returns an integer field, or 0 when absent or not numeric.
func (d Document) Int64(key string) int64 {
	n, _ := d.OptionalInt64(key)
	return n
}

// OptionalInt64 returns an integer field and whether it held a number.
func (d Document) OptionalInt64(key string) (int64, bool) {
	n, err := toInt64(d.Fields[key])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Time returns a timestamp field written by ServerTimestamp (or any RFC 3339
// string). ok is false when the field is absent or unparsable.
func (d Document) Time(key string) (time.Time, bool) {
	switch v := d.Fields[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// errNotNumber is returned by toInt64 for values that cannot be read as integers.
var errNotNumber = errors.New("docstore: value is not an integer")

// toInt64 reads the numeric representations a field can have after a JSON
// round trip (json.Number) or when written directly from Go.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, errNotNumber
		}
		return int64(n), nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil || f != float64(int64(f)) {
			return 0, errNotNumber
		}
		return int64(f), nil
	}
	return 0, errNotNumber
}
