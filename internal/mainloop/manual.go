package mainloop

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic Scheduler for tests. Callbacks only run when the
// test calls RunPending, Drain or Advance, always on the calling goroutine.
type Manual struct {
	mu       sync.Mutex
	queue    []func()
	timers   []*manualTimer
	now      time.Time
	seq      uint64
	inflight sync.WaitGroup
	posted   chan struct{}
}

type manualTimer struct {
	loop    *Manual
	when    time.Time
	seq     uint64
	fn      func()
	stopped bool
	fired   bool
}

// NewManual returns a Manual loop whose clock starts at a fixed instant.
func NewManual() *Manual {
	return &Manual{
		now:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		posted: make(chan struct{}, 1),
	}
}

// Post queues fn.
func (m *Manual) Post(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	select {
	case m.posted <- struct{}{}:
	default:
	}
}

// Go runs work on a goroutine; Drain waits for it.
func (m *Manual) Go(work func() func()) {
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		if cont := work(); cont != nil {
			m.Post(cont)
		}
	}()
}

// AfterFunc registers fn to be posted once the virtual clock passes d.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{loop: m, when: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Now returns the virtual clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Stop cancels the timer.
func (t *manualTimer) Stop() bool {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// RunPending runs queued callbacks, including ones they post, until the
// queue is empty. It returns how many callbacks ran.
func (m *Manual) RunPending() int {
	ran := 0
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return ran
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		fn()
		ran++
	}
}

// Drain waits for all off-loop work to finish and runs every continuation,
// repeating until nothing is in flight and the queue is empty. Work that
// blocks forever makes Drain block forever; use RunPending or WaitPosted in
// that case.
func (m *Manual) Drain() {
	for {
		m.inflight.Wait()
		if m.RunPending() == 0 {
			m.inflight.Wait()
			if m.pending() == 0 {
				return
			}
		}
	}
}

// WaitPosted blocks until at least one callback is queued or timeout
// elapses. It reports whether something was posted.
func (m *Manual) WaitPosted(timeout time.Duration) bool {
	if m.pending() > 0 {
		return true
	}
	select {
	case <-m.posted:
		return true
	case <-time.After(timeout):
		return m.pending() > 0
	}
}

// Advance moves the virtual clock forward by d, firing due timers in
// deadline order and running everything they post.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		due := m.nextDue(target)
		if due == nil {
			m.now = target
			m.mu.Unlock()
			m.RunPending()
			return
		}
		if due.when.After(m.now) {
			m.now = due.when
		}
		due.fired = true
		m.queue = append(m.queue, due.fn)
		m.mu.Unlock()

		m.RunPending()
	}
}

// PendingTimers reports the number of armed timers.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (m *Manual) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// nextDue must be called with m.mu held.
func (m *Manual) nextDue(target time.Time) *manualTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	m.timers = live
	sort.Slice(m.timers, func(i, j int) bool {
		if m.timers[i].when.Equal(m.timers[j].when) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].when.Before(m.timers[j].when)
	})
	if len(m.timers) == 0 || m.timers[0].when.After(target) {
		return nil
	}
	return m.timers[0]
}
