package docstore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sakif/homework-helper/internal/metrics"
)

// ErrClosed is returned when subscribing to a store that has been closed.
var ErrClosed = errors.New("docstore: store closed")

// Evaluator re-reads the data a subscription watches. It returns a deliver
// func that hands the fresh result to the subscriber; the Hub calls deliver
// only while the subscription is still open.
type Evaluator func(ctx context.Context) (deliver func(), err error)

// Hub is the subscription engine shared by Store implementations.
//
// Every subscription owns one goroutine and a wake channel with capacity 1.
// A committed change on the watched collection does a non-blocking send on
// the wake channel, so a burst of writes collapses into a single re-evaluation
// and a slow subscriber never stalls the writer. Collapsing is safe because
// each delivery is a full result set, never a diff.
type Hub struct {
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	stopFeed func()
	wg       sync.WaitGroup

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscription
	closed bool
}

type subscription struct {
	id         uint64
	collection string
	describe   string
	match      func(Change) bool
	evaluate   Evaluator
	onError    func(error)

	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

// NewHub creates a Hub fed by feed.
func NewHub(feed ChangeFeed, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[uint64]*subscription),
	}
	h.stopFeed = feed.Listen(h.notify)
	return h
}

// Register starts a subscription on collection. match narrows which changes
// wake it (nil means every change in the collection). describe is used in logs.
func (h *Hub) Register(collection, describe string, match func(Change) bool, evaluate Evaluator, onError func(error)) (Unsubscribe, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.nextID++
	sub := &subscription{
		id:         h.nextID,
		collection: collection,
		describe:   describe,
		match:      match,
		evaluate:   evaluate,
		onError:    onError,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	h.subs[sub.id] = sub
	h.wg.Add(1)
	h.mu.Unlock()

	metrics.SubscriptionsActive.WithLabelValues(collection).Inc()

	// first evaluation produces the initial snapshot
	sub.wake <- struct{}{}
	go h.run(sub)

	return func() { h.release(sub) }, nil
}

// Open returns the number of live subscriptions.
func (h *Hub) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) run(sub *subscription) {
	defer h.wg.Done()

	for {
		select {
		case <-sub.done:
			return
		case <-h.ctx.Done():
			return
		case <-sub.wake:
		}

		if sub.closed.Load() {
			return
		}
		deliver, err := sub.evaluate(h.ctx)
		if sub.closed.Load() || h.ctx.Err() != nil {
			return
		}
		if err != nil {
			h.logger.Warn("subscription evaluation failed",
				slog.String("query", sub.describe),
				slog.String("error", err.Error()),
			)
			if sub.onError != nil {
				sub.onError(err)
			}
			continue
		}
		deliver()
	}
}

func (h *Hub) notify(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		if sub.collection != c.Collection {
			continue
		}
		if sub.match != nil && !sub.match(c) {
			continue
		}
		select {
		case sub.wake <- struct{}{}:
		default:
			// a wake-up is already pending
		}
	}
}

func (h *Hub) release(sub *subscription) {
	sub.once.Do(func() {
		sub.closed.Store(true)
		close(sub.done)

		h.mu.Lock()
		delete(h.subs, sub.id)
		h.mu.Unlock()

		metrics.SubscriptionsActive.WithLabelValues(sub.collection).Dec()
	})
}

// Close releases every subscription that is still open and waits for their
// goroutines to exit. Subscriptions still open here were never unsubscribed
// by their owner, so each one is logged as a leak.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	leaked := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		leaked = append(leaked, sub)
	}
	h.mu.Unlock()

	h.stopFeed()
	for _, sub := range leaked {
		h.logger.Warn("releasing dangling subscription", slog.String("query", sub.describe))
		h.release(sub)
	}
	h.cancel()
	h.wg.Wait()
}
