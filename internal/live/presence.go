package live

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sakif/homework-helper/internal/docstore"
)

// Flag is a live boolean: true while a given document exists.
//
// Any failure reads as false. A Flag that could not subscribe at all stays
// false forever; a subscription error flips it to false until the next
// successful push.
type Flag struct {
	st        *state[bool]
	unsub     docstore.Unsubscribe
	closeOnce sync.Once
}

// WatchPresence tracks whether collection/id exists. It never fails; errors
// are logged and leave the flag false.
func WatchPresence(ctx context.Context, store docstore.Store, collection, id string, logger *slog.Logger) *Flag {
	f := &Flag{st: newState(false)}

	onSnapshot := func(_ docstore.Document, exists bool) {
		f.st.publish(exists)
	}
	onError := func(err error) {
		logger.Warn("presence lookup failed",
			slog.String("collection", collection),
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		f.st.publish(false)
	}

	unsub, err := store.SubscribeDoc(ctx, collection, id, onSnapshot, onError)
	if err != nil {
		logger.Warn("presence subscription failed",
			slog.String("collection", collection),
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		f.st.markReady()
		f.unsub = func() {}
		return f
	}
	f.unsub = unsub
	return f
}

// Value returns the current presence.
func (f *Flag) Value() bool {
	return f.st.get()
}

// OnChange registers fn for every new value. The same rules as View.OnChange apply.
func (f *Flag) OnChange(fn func(bool)) (remove func()) {
	return f.st.listen(fn)
}

// Ready is closed once the first value has arrived (or failed).
func (f *Flag) Ready() <-chan struct{} {
	return f.st.ready
}

// Close releases the subscription and pins the flag to its last value.
func (f *Flag) Close() {
	f.closeOnce.Do(func() {
		f.st.close()
		f.unsub()
	})
}
