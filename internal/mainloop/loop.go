// Package mainloop provides the single-threaded cooperative event loop that
// owns all session and watcher state.
//
// Work that blocks (bus dials, RPCs) runs off the loop through Go; its
// continuation is posted back and runs on the loop goroutine, never inline
// with the call that issued it.
package mainloop

import (
	"context"
	"sync"
	"time"
)

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the
	// timer was still pending.
	Stop() bool
}

// Scheduler is the subset of loop behaviour the core depends on.
type Scheduler interface {
	// Post queues fn to run on the loop goroutine.
	Post(fn func())
	// Go runs work off the loop and posts the continuation it returns.
	// A nil continuation is ignored.
	Go(work func() func())
	// AfterFunc posts fn to the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Now returns the loop clock.
	Now() time.Time
}

// Loop is the production Scheduler backed by a goroutine running Run.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	running bool
}

// New creates an idle loop. Call Run to start dispatching.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
	}
}

// Post queues fn. It never blocks and never drops.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Go runs work on a new goroutine and posts its continuation.
func (l *Loop) Go(work func() func()) {
	go func() {
		if cont := work(); cont != nil {
			l.Post(cont)
		}
	}()
}

// AfterFunc schedules fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Now returns wall-clock time.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Run dispatches queued callbacks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for {
		l.drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Invoke posts fn and waits for it to run. It must not be called from the
// loop goroutine.
func (l *Loop) Invoke(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}
