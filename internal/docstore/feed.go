package docstore

import (
	"context"
	"sync"
)

// ChangeKind says what happened to a document.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Removed  ChangeKind = "removed"
)

// Change is published after a write commits.
type Change struct {
	Collection string     `json:"collection"`
	ID         string     `json:"id"`
	Kind       ChangeKind `json:"kind"`
}

// ChangeFeed carries committed changes from writers to subscription engines.
// LocalFeed covers a single process; internal/docstore/redisfeed spreads the
// same changes across every instance sharing a database.
type ChangeFeed interface {
	Publish(ctx context.Context, c Change) error
	// Listen registers fn for every change; the returned func removes it.
	// fn must not block.
	Listen(fn func(Change)) (stop func())
	Close() error
}

// LocalFeed is an in-process ChangeFeed. Publish calls every listener
// synchronously, in registration order.
type LocalFeed struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]func(Change)
	order     []uint64
}

var _ ChangeFeed = (*LocalFeed)(nil)

// NewLocalFeed creates an empty LocalFeed.
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{listeners: make(map[uint64]func(Change))}
}

// Publish delivers c to every listener.
func (f *LocalFeed) Publish(_ context.Context, c Change) error {
	f.mu.RLock()
	fns := make([]func(Change), 0, len(f.order))
	for _, id := range f.order {
		fns = append(fns, f.listeners[id])
	}
	f.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
	return nil
}

// Listen registers fn.
func (f *LocalFeed) Listen(fn func(Change)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	f.order = append(f.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.listeners, id)
			for i, v := range f.order {
				if v == id {
					f.order = append(f.order[:i], f.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Close drops all listeners.
func (f *LocalFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.listeners)
	f.order = nil
	return nil
}
