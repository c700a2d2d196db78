package feed

import (
	"sync"
	"time"

	"github.com/sakif/homework-helper/internal/model"
)

// Source is a live list, such as a *live.View.
type Source[T any] interface {
	Items() []T
	OnChange(fn func([]T)) (remove func())
}

// Composer keeps a composed feed current for one viewer.
//
// The question and class sources are usually views shared by every viewer;
// the filter belongs to this Composer alone. Any change to either source or
// to the filter recomputes the feed synchronously and notifies listeners.
// Composer only reads; it never writes to the store.
type Composer struct {
	questions Source[model.Question]
	classes   Source[model.Class]
	loc       *time.Location
	stop      []func()

	// mu serializes recomputation, delivery and Close, so listeners always
	// see feeds in the order they were computed and nothing after Close.
	mu        sync.Mutex
	filter    Filter
	current   []QuestionView
	listeners []func([]QuestionView)
	closed    bool
}

// NewComposer composes the initial feed and starts following both sources.
func NewComposer(questions Source[model.Question], classes Source[model.Class], f Filter, loc *time.Location) *Composer {
	c := &Composer{
		questions: questions,
		classes:   classes,
		loc:       loc,
		filter:    f,
	}
	c.stop = []func(){
		questions.OnChange(func([]model.Question) { c.recompute() }),
		classes.OnChange(func([]model.Class) { c.recompute() }),
	}
	c.recompute()
	return c
}

// Current returns the latest feed.
func (c *Composer) Current() []QuestionView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Filter returns the active filter.
func (c *Composer) Filter() Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

// SetFilter replaces the filter and recomputes.
func (c *Composer) SetFilter(f Filter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
	c.recompute()
}

// OnChange registers fn for every recomputed feed. fn must not call Close
// or SetFilter.
func (c *Composer) OnChange(fn func([]QuestionView)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Close detaches from the sources. The sources themselves stay open.
func (c *Composer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.listeners = nil
	c.mu.Unlock()

	for _, stop := range c.stop {
		stop()
	}
}

func (c *Composer) recompute() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.current = Compose(c.questions.Items(), c.classes.Items(), c.filter, c.loc)
	for _, fn := range c.listeners {
		fn(c.current)
	}
}
