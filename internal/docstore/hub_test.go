package docstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Hub, *LocalFeed) {
	t.Helper()
	feed := NewLocalFeed()
	hub := NewHub(feed, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(hub.Close)
	return hub, feed
}

// counter is an Evaluator that delivers how many times it has run.
func counter(delivered *atomic.Int64) Evaluator {
	var runs atomic.Int64
	return func(context.Context) (func(), error) {
		n := runs.Add(1)
		return func() { delivered.Store(n) }, nil
	}
}

func TestHub_InitialDelivery(t *testing.T) {
	hub, _ := newTestHub(t)
	var delivered atomic.Int64

	unsub, err := hub.Register("posts", "posts", nil, counter(&delivered), nil)
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, hub.Open())
}

func TestHub_WakesOnMatchingCollection(t *testing.T) {
	hub, feed := newTestHub(t)
	var delivered atomic.Int64

	unsub, err := hub.Register("posts", "posts", nil, counter(&delivered), nil)
	require.NoError(t, err)
	defer unsub()
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, 5*time.Millisecond)

	// another collection must not wake it
	require.NoError(t, feed.Publish(context.Background(), Change{Collection: "users", ID: "u1", Kind: Modified}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), delivered.Load())

	require.NoError(t, feed.Publish(context.Background(), Change{Collection: "posts", ID: "p1", Kind: Added}))
	require.Eventually(t, func() bool { return delivered.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestHub_MatchNarrowsWakeups(t *testing.T) {
	hub, feed := newTestHub(t)
	var delivered atomic.Int64

	match := func(c Change) bool { return c.ID == "u1" }
	unsub, err := hub.Register("users", "users/u1", match, counter(&delivered), nil)
	require.NoError(t, err)
	defer unsub()
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, feed.Publish(context.Background(), Change{Collection: "users", ID: "u2", Kind: Modified}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), delivered.Load())

	require.NoError(t, feed.Publish(context.Background(), Change{Collection: "users", ID: "u1", Kind: Modified}))
	require.Eventually(t, func() bool { return delivered.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestHub_UnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	hub, feed := newTestHub(t)
	var delivered atomic.Int64

	unsub, err := hub.Register("posts", "posts", nil, counter(&delivered), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	unsub()
	assert.Equal(t, 0, hub.Open())

	require.NoError(t, feed.Publish(context.Background(), Change{Collection: "posts", ID: "p1", Kind: Added}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), delivered.Load())
}

func TestHub_EvaluationErrorGoesToOnError(t *testing.T) {
	hub, _ := newTestHub(t)
	boom := errors.New("boom")
	errs := make(chan error, 1)

	evaluate := func(context.Context) (func(), error) { return nil, boom }
	unsub, err := hub.Register("posts", "posts", nil, evaluate, func(err error) { errs <- err })
	require.NoError(t, err)
	defer unsub()

	select {
	case got := <-errs:
		assert.ErrorIs(t, got, boom)
	case <-time.After(time.Second):
		t.Fatal("onError was not called")
	}
}

func TestHub_CloseReleasesDanglingSubscriptions(t *testing.T) {
	feed := NewLocalFeed()
	hub := NewHub(feed, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var delivered atomic.Int64

	_, err := hub.Register("posts", "posts", nil, counter(&delivered), nil)
	require.NoError(t, err)
	_, err = hub.Register("users", "users", nil, counter(&delivered), nil)
	require.NoError(t, err)

	hub.Close()
	assert.Equal(t, 0, hub.Open())

	_, err = hub.Register("posts", "posts", nil, counter(&delivered), nil)
	assert.ErrorIs(t, err, ErrClosed)

	// second Close is a no-op
	hub.Close()
}

func TestLocalFeed_ListenAndStop(t *testing.T) {
	feed := NewLocalFeed()
	var got []string

	stopA := feed.Listen(func(c Change) { got = append(got, "a:"+c.ID) })
	feed.Listen(func(c Change) { got = append(got, "b:"+c.ID) })

	require.NoError(t, feed.Publish(context.Background(), Change{Collection: "posts", ID: "1"}))
	stopA()
	stopA()
	require.NoError(t, feed.Publish(context.Background(), Change{Collection: "posts", ID: "2"}))

	assert.Equal(t, []string{"a:1", "b:1", "b:2"}, got)
}
