package ime

import "context"

// PendingKeyEvent is a key RPC that has been issued and not yet resolved.
type PendingKeyEvent struct {
	Seq        uint64
	Generation uint64
	Event      KeyEvent
	// State is the state actually sent, including StateRepeat.
	State uint32
}

// RequestTracker owns the generation token and the cancellation context of
// the current generation, and keeps the set of in-flight key requests.
//
// A reply is trusted only if the generation it was issued under is still
// current.
type RequestTracker struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc

	nextSeq    uint64
	pending    map[uint64]*PendingKeyEvent
	byIdentity map[KeyEvent]int
}

// NewRequestTracker returns a tracker at generation zero.
func NewRequestTracker() *RequestTracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &RequestTracker{
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[uint64]*PendingKeyEvent),
		byIdentity: make(map[KeyEvent]int),
	}
}

// Generation returns the current generation.
func (t *RequestTracker) Generation() uint64 { return t.gen }

// Context is cancelled when the generation advances.
func (t *RequestTracker) Context() context.Context { return t.ctx }

// Current reports whether gen is still the current generation.
func (t *RequestTracker) Current(gen uint64) bool { return gen == t.gen }

// Advance cancels every call of the current generation and starts a new
// one.
func (t *RequestTracker) Advance() uint64 {
	t.cancel()
	t.gen++
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t.gen
}

// Begin records a key request issued under the current generation.
func (t *RequestTracker) Begin(ev KeyEvent, state uint32) *PendingKeyEvent {
	t.nextSeq++
	p := &PendingKeyEvent{Seq: t.nextSeq, Generation: t.gen, Event: ev, State: state}
	t.pending[p.Seq] = p
	t.byIdentity[ev]++
	return p
}

// Finish forgets p. Finishing twice is a no-op.
func (t *RequestTracker) Finish(p *PendingKeyEvent) {
	if _, ok := t.pending[p.Seq]; !ok {
		return
	}
	delete(t.pending, p.Seq)
	if n := t.byIdentity[p.Event] - 1; n > 0 {
		t.byIdentity[p.Event] = n
	} else {
		delete(t.byIdentity, p.Event)
	}
}

// IsPending reports whether a request for ev is in flight.
func (t *RequestTracker) IsPending(ev KeyEvent) bool {
	return t.byIdentity[ev] > 0
}

// Pending returns the number of in-flight requests.
func (t *RequestTracker) Pending() int { return len(t.pending) }
