// Package live keeps in-memory views in step with the document store.
//
// A View materializes a query: it subscribes once, replaces its whole item
// list on every push from the store, and hands the new list to its
// listeners. There are no diffs; every change is a total replacement, so a
// listener that misses a delivery is corrected by the next one.
//
// A Flag does the same for the presence of a single document and is used
// for permission bits such as the moderator flag, where any doubt (an
// error, a missing document, a view not yet loaded) must read as false.
//
// Both must be closed exactly once by their owner. Close releases the store
// subscription; an unclosed view keeps its subscription open until the
// store shuts down, and the store logs it as a leak.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/sakif/homework-helper/internal/docstore"
)

// Decoder turns a stored document into a T.
type Decoder[T any] func(docstore.Document) (T, error)

// View is a live materialized query result.
type View[T any] struct {
	st       *state[[]T]
	decode   Decoder[T]
	logger   *slog.Logger
	describe string

	unsub     docstore.Unsubscribe
	closeOnce sync.Once
}

// Watch subscribes to q and returns a View that tracks its result set.
// Documents that fail to decode are left out of the view and logged.
func Watch[T any](ctx context.Context, store docstore.Store, q docstore.Query, decode Decoder[T], logger *slog.Logger) (*View[T], error) {
	v := &View[T]{
		st:       newState[[]T](nil),
		decode:   decode,
		logger:   logger,
		describe: q.String(),
	}

	unsub, err := store.Subscribe(ctx, q, v.handleSnapshot, v.handleError)
	if err != nil {
		return nil, fmt.Errorf("live: watching %s: %w", v.describe, err)
	}
	v.unsub = unsub
	return v, nil
}

func (v *View[T]) handleSnapshot(docs []docstore.Document) {
	items := make([]T, 0, len(docs))
	for _, doc := range docs {
		item, err := v.decode(doc)
		if err != nil {
			v.logger.Warn("skipping undecodable document",
				slog.String("query", v.describe),
				slog.String("id", doc.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		items = append(items, item)
	}
	v.st.publish(items)
}

// handleError keeps the last good items. A view that never loaded reads as
// empty and is marked ready so that nobody waits on it forever.
func (v *View[T]) handleError(err error) {
	v.logger.Warn("live view update failed",
		slog.String("query", v.describe),
		slog.String("error", err.Error()),
	)
	v.st.markReady()
}

// Items returns a copy of the current result set.
func (v *View[T]) Items() []T {
	return slices.Clone(v.st.get())
}

// OnChange registers fn to receive every new result set. fn runs on the
// subscription's goroutine, must not modify the slice, and must not call
// Close. The returned func removes fn.
func (v *View[T]) OnChange(fn func([]T)) (remove func()) {
	return v.st.listen(fn)
}

// Ready is closed once the first result set has arrived (or failed).
func (v *View[T]) Ready() <-chan struct{} {
	return v.st.ready
}

// Close releases the subscription. After Close returns no listener is
// called again. Further calls do nothing.
func (v *View[T]) Close() {
	v.closeOnce.Do(func() {
		v.st.close()
		v.unsub()
	})
}
