package ime

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"imsession/internal/ipc"
)

func keyArgs(ev KeyEvent, state uint32) ipc.KeyArgs {
	return ipc.KeyArgs{
		Keyval:  ev.Keyval,
		Keycode: ev.Keycode,
		State:   state,
		Release: ev.Release,
		Time:    ev.Time,
	}
}

func keyAttributes(ev KeyEvent, state uint32, mode string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.Int64("ime.keyval", int64(ev.Keyval)),
		attribute.Int64("ime.keycode", int64(ev.Keycode)),
		attribute.Int64("ime.state", int64(state)),
		attribute.Bool("ime.release", ev.Release),
		attribute.String("ime.delivery", mode),
	)
}

// ProcessKey forwards ev to the service asynchronously.
//
// The returned disposition tells the caller what to do right now. Only for
// KeyQueued is onComplete called, exactly once and on the loop, with the
// final verdict. An unhandled event is handed to Handler.FallbackKey at most
// once per identity before onComplete runs. A timeout of zero uses the
// configured key timeout.
func (s *Session) ProcessKey(ev KeyEvent, timeout time.Duration, onComplete func(KeyVerdict)) KeyDisposition {
	if s.replay.Contains(ev) {
		s.metrics.ReplayHit()
		return KeyAlreadyDelivered
	}

	repeat := s.repeat.Classify(ev)

	if s.tracker.IsPending(ev) {
		// The caller delivers it locally now; the pending reply must not
		// deliver it again.
		s.replay.Add(ev)
		return KeyNotForwarded
	}
	if s.disposed || !s.IsConnected() {
		return KeyNotForwarded
	}
	if timeout <= 0 {
		timeout = s.cfg.KeyTimeout
	}

	p := s.tracker.Begin(ev, outgoingState(ev, repeat))
	ic := s.ic
	args := keyArgs(ev, p.State)
	spanCtx, span := s.tracer.Start(s.tracker.Context(), "ime.process_key", keyAttributes(ev, p.State, "async"))
	self := s.self

	s.loop.Go(func() func() {
		ctx, cancel := context.WithTimeout(spanCtx, timeout)
		handled, err := ic.ProcessKeyEvent(ctx, args)
		cancel()
		return func() {
			s := self.Value()
			if s == nil {
				span.End()
				if onComplete != nil {
					onComplete(Discarded)
				}
				return
			}
			s.completeKey(p, handled, err, span, onComplete)
		}
	})
	return KeyQueued
}

func (s *Session) completeKey(p *PendingKeyEvent, handled bool, err error, span trace.Span, onComplete func(KeyVerdict)) {
	s.tracker.Finish(p)
	verdict := s.resolveKey(p, handled, err)

	span.SetAttributes(attribute.String("ime.verdict", verdict.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "process key failed")
	}
	span.End()
	s.metrics.KeyResolved(verdict.String())

	if verdict == Unhandled && s.replay.Add(p.Event) {
		s.handler.FallbackKey(p.Event)
	}
	if onComplete != nil {
		onComplete(verdict)
	}
}

func (s *Session) resolveKey(p *PendingKeyEvent, handled bool, err error) KeyVerdict {
	if s.disposed || !s.tracker.Current(p.Generation) {
		s.metrics.StaleReply("key")
		s.log.Debug("discarding stale key reply", "event", p.Event.String(), "generation", p.Generation)
		return Discarded
	}
	if err != nil {
		s.log.Debug("key event failed", "event", p.Event.String(), "error", err)
		return Unhandled
	}
	if handled {
		return Handled
	}
	return Unhandled
}

// ProcessKeySync forwards ev and blocks until the service answers. It
// returns false when not connected or on any error.
func (s *Session) ProcessKeySync(ev KeyEvent) bool {
	repeat := s.repeat.Classify(ev)
	if s.disposed || !s.IsConnected() {
		return false
	}

	state := outgoingState(ev, repeat)
	ctx, span := s.tracer.Start(context.Background(), "ime.process_key", keyAttributes(ev, state, "sync"))
	defer span.End()

	handled, err := s.ic.ProcessKeyEvent(ctx, keyArgs(ev, state))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "process key failed")
		s.log.Debug("sync key event failed", "event", ev.String(), "error", err)
		s.metrics.KeyResolved(Unhandled.String())
		return false
	}
	verdict := Unhandled
	if handled {
		verdict = Handled
	}
	span.SetAttributes(attribute.String("ime.verdict", verdict.String()))
	s.metrics.KeyResolved(verdict.String())
	return handled
}

// FilterKey runs ev through the session's delivery mode and reports whether
// the session took ownership of it. A false result means the caller must
// handle the event locally.
func (s *Session) FilterKey(ev KeyEvent) bool {
	if s.cfg.Delivery == DeliverySync {
		return s.ProcessKeySync(ev)
	}
	return s.ProcessKey(ev, 0, nil) != KeyNotForwarded
}

// PendingKeys returns the number of key requests in flight.
func (s *Session) PendingKeys() int { return s.tracker.Pending() }
