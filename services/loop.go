package services

import (
	"context"
	"fmt"
	"log/slog"
)

// Loop is the single logical thread every state mutation runs on. Other
// goroutines hand work to it with Post or Do; code already on the loop uses
// Defer to run something on the next iteration.
type Loop struct {
	posts    chan func()
	deferred []func()
	log      *slog.Logger
}

// NewLoop creates a loop whose post queue holds up to backlog callbacks.
func NewLoop(logger *slog.Logger, backlog int) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if backlog <= 0 {
		backlog = 64
	}
	return &Loop{
		posts: make(chan func(), backlog),
		log:   logger.With("component", "loop"),
	}
}

// Post queues fn from any goroutine.
func (l *Loop) Post(fn func()) {
	l.posts <- fn
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case l.posts <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Defer implements Scheduler. It must only be called from the loop.
func (l *Loop) Defer(fn func()) {
	l.deferred = append(l.deferred, fn)
}

// Run processes callbacks until ctx is done. Deferred callbacks queued while
// handling one post run before the next post is taken.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.drain()
		select {
		case <-ctx.Done():
			l.drain()
			return ctx.Err()
		case fn := <-l.posts:
			l.run(fn)
		}
	}
}

func (l *Loop) drain() {
	for len(l.deferred) > 0 {
		batch := l.deferred
		l.deferred = nil
		for _, fn := range batch {
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic in loop callback", "error", fmt.Sprint(r))
		}
	}()
	fn()
}

// ManualScheduler collects deferred callbacks until RunPending is called.
type ManualScheduler struct {
	queue []func()
}

// Defer implements Scheduler.
func (m *ManualScheduler) Defer(fn func()) {
	m.queue = append(m.queue, fn)
}

// Pending returns the number of queued callbacks.
func (m *ManualScheduler) Pending() int {
	return len(m.queue)
}

// RunPending runs the callbacks queued so far. Callbacks they queue are kept
// for the next call.
func (m *ManualScheduler) RunPending() int {
	batch := m.queue
	m.queue = nil
	for _, fn := range batch {
		fn()
	}
	return len(batch)
}
