package ime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"weak"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"imsession/internal/capability"
	"imsession/internal/ipc"
	"imsession/internal/mainloop"
)

// State is the connection state of a Session.
type State int

const (
	StateIdle State = iota
	StateAwaitingBus
	StateAwaitingHandshakePhase1
	StateAwaitingHandshakePhase2
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingBus:
		return "awaiting-bus"
	case StateAwaitingHandshakePhase1:
		return "awaiting-handshake-phase1"
	case StateAwaitingHandshakePhase2:
		return "awaiting-handshake-phase2"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Availability is what a Session needs from the service watcher.
type Availability interface {
	Available() bool
	CurrentOwner() string
	Conn() ipc.Conn
	Subscribe(func(bool)) func()
}

// Recorder receives session events for metrics.
type Recorder interface {
	HandshakeStarted()
	HandshakeFailed(phase string)
	SessionConnected()
	StaleReply(kind string)
	KeyResolved(verdict string)
	CapabilityPushed()
	ReplayHit()
}

type nopRecorder struct{}

func (nopRecorder) HandshakeStarted()      {}
func (nopRecorder) HandshakeFailed(string) {}
func (nopRecorder) SessionConnected()      {}
func (nopRecorder) StaleReply(string)      {}
func (nopRecorder) KeyResolved(string)     {}
func (nopRecorder) CapabilityPushed()      {}
func (nopRecorder) ReplayHit()             {}

// Config holds per-session settings.
type Config struct {
	// Program and Display are sent to the service at handshake.
	Program string
	Display string

	// ReconnectDelay debounces availability changes.
	ReconnectDelay time.Duration
	// KeyTimeout bounds asynchronous key calls that pass no timeout.
	KeyTimeout time.Duration
	// ReplayCacheSize bounds the replay cache.
	ReplayCacheSize int
	// ReconnectRate and ReconnectBurst limit handshake attempts.
	ReconnectRate  rate.Limit
	ReconnectBurst int

	Delivery DeliveryMode
	// Features is the initial embedder-declared feature set.
	Features capability.Flag
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:  100 * time.Millisecond,
		KeyTimeout:      3 * time.Second,
		ReplayCacheSize: DefaultReplayCacheSize,
		ReconnectRate:   rate.Every(time.Second),
		ReconnectBurst:  5,
		Delivery:        DeliveryAsync,
	}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.metrics = r }
}

// WithTracer sets the tracer used for handshake and key spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Session) { s.tracer = t }
}

// Rect is a cursor rectangle. A positive Scale selects the scaled variant
// of the call.
type Rect struct {
	X, Y, W, H int32
	Scale      float64
}

// Session is one logical input context. It reconnects whenever the service
// comes back and forwards key events while connected.
//
// A Session is bound to its loop: every method must be called on the loop
// goroutine, and every Handler notification is delivered there.
type Session struct {
	loop    mainloop.Scheduler
	avail   Availability
	handler Handler
	cfg     Config
	log     *slog.Logger
	metrics Recorder
	tracer  trace.Tracer
	self    weak.Pointer[Session]

	state    State
	disposed bool
	tracker  *RequestTracker
	caps     *capability.Codec
	replay   *ReplayCache
	repeat   RepeatClassifier
	limiter  *rate.Limiter

	unsubscribe  func()
	recheckTimer mainloop.Timer
	ownerCancel  func()
	conn         ipc.Conn
	ref          ipc.InputContextRef
	ic           ipc.InputContext
	span         trace.Span

	displayFlags capability.Flag
	focused      bool
	cursor       *Rect
	surrounding  surroundingState

	observers []*stateObserver
}

type stateObserver struct {
	fn      func(State)
	removed bool
}

// New creates a Session, subscribes it to avail and schedules the first
// availability check.
func New(loop mainloop.Scheduler, avail Availability, handler Handler, cfg Config, opts ...Option) *Session {
	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.KeyTimeout <= 0 {
		cfg.KeyTimeout = def.KeyTimeout
	}
	if cfg.ReplayCacheSize <= 0 {
		cfg.ReplayCacheSize = def.ReplayCacheSize
	}
	if cfg.ReconnectRate <= 0 {
		cfg.ReconnectRate = def.ReconnectRate
	}
	if cfg.ReconnectBurst <= 0 {
		cfg.ReconnectBurst = def.ReconnectBurst
	}
	if handler == nil {
		handler = NopHandler{}
	}

	s := &Session{
		loop:    loop,
		avail:   avail,
		handler: handler,
		cfg:     cfg,
		metrics: nopRecorder{},
		tracker: NewRequestTracker(),
		caps:    capability.NewCodec(capability.Protocol),
		replay:  NewReplayCache(cfg.ReplayCacheSize),
		limiter: rate.NewLimiter(cfg.ReconnectRate, cfg.ReconnectBurst),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "session")
	if s.tracer == nil {
		s.tracer = otel.Tracer("imsession/internal/ime")
	}
	s.self = weak.Make(s)
	s.displayFlags = DisplayFeatures(cfg.Display)
	s.caps.SetLocal(cfg.Features | s.displayFlags)

	pulse := s.weakly(func(s *Session) { s.pulse() })
	s.unsubscribe = avail.Subscribe(func(bool) { pulse() })
	loop.Post(s.weakly(func(s *Session) { s.recheck() }))
	return s
}

// DisplayFeatures returns the capability bits implied by the display name.
func DisplayFeatures(display string) capability.Flag {
	if strings.HasPrefix(display, "wayland") {
		return capability.RelativeRect | capability.ClientSideInputPanel
	}
	return 0
}

// weakly wraps fn so the returned callback keeps no strong reference to the
// session and does nothing once it has been collected.
func (s *Session) weakly(fn func(*Session)) func() {
	self := s.self
	return func() {
		if s := self.Value(); s != nil {
			fn(s)
		}
	}
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Generation returns the current generation token.
func (s *Session) Generation() uint64 { return s.tracker.Generation() }

// IsConnected reports whether the session is in the Connected state.
func (s *Session) IsConnected() bool {
	return s.state == StateConnected && s.ic != nil
}

// DeliveryMode returns the mode FilterKey uses.
func (s *Session) DeliveryMode() DeliveryMode { return s.cfg.Delivery }

// InputContext returns the current remote input context reference.
func (s *Session) InputContext() (ipc.InputContextRef, bool) {
	if s.ic == nil {
		return ipc.InputContextRef{}, false
	}
	return s.ic.Ref(), true
}

// OnStateChange registers fn for state changes. The returned function
// removes it.
func (s *Session) OnStateChange(fn func(State)) func() {
	o := &stateObserver{fn: fn}
	s.observers = append(s.observers, o)
	return func() {
		if o.removed {
			return
		}
		o.removed = true
		for i, cur := range s.observers {
			if cur == o {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				break
			}
		}
	}
}

func (s *Session) setState(st State) {
	s.state = st
	s.notifyState()
}

func (s *Session) notifyState() {
	st := s.state
	snapshot := append([]*stateObserver(nil), s.observers...)
	for _, o := range snapshot {
		if !o.removed {
			o.fn(st)
		}
	}
}

// live reports whether a continuation issued under gen may still act.
func (s *Session) live(gen uint64) bool {
	return !s.disposed && s.tracker.Current(gen)
}

// pulse schedules a debounced recheck, restarting any pending one.
func (s *Session) pulse() {
	s.scheduleRecheck(s.cfg.ReconnectDelay)
}

func (s *Session) scheduleRecheck(d time.Duration) {
	if s.disposed {
		return
	}
	if s.recheckTimer != nil {
		s.recheckTimer.Stop()
	}
	// A timer that already fired may still have its callback queued after a
	// newer pulse; only the current timer may run the recheck.
	var t mainloop.Timer
	t = s.loop.AfterFunc(d, s.weakly(func(s *Session) {
		if s.recheckTimer != t {
			return
		}
		s.recheckTimer = nil
		s.recheck()
	}))
	s.recheckTimer = t
}

func (s *Session) recheck() {
	if s.disposed {
		return
	}
	if !s.avail.Available() {
		if s.state != StateIdle && s.state != StateClosed {
			s.closeContext("service unavailable")
		}
		return
	}
	if s.state != StateIdle && s.state != StateClosed {
		return
	}

	now := s.loop.Now()
	if !s.limiter.AllowN(now, 1) {
		r := s.limiter.ReserveN(now, 1)
		wait := r.DelayFrom(now)
		r.CancelAt(now)
		if wait < s.cfg.ReconnectDelay {
			wait = s.cfg.ReconnectDelay
		}
		s.log.Warn("reconnect attempts rate limited", "retry_in", wait)
		s.scheduleRecheck(wait)
		return
	}
	s.connect()
}

// connect runs the AwaitingBus step and starts phase one.
func (s *Session) connect() {
	gen := s.tracker.Advance()
	s.setState(StateAwaitingBus)
	if !s.live(gen) {
		return
	}

	conn := s.avail.Conn()
	owner := s.avail.CurrentOwner()
	if conn == nil || owner == "" {
		s.setState(StateIdle)
		return
	}

	s.metrics.HandshakeStarted()
	_, s.span = s.tracer.Start(context.Background(), "ime.handshake",
		trace.WithAttributes(
			attribute.String("ime.owner", owner),
			attribute.Int64("ime.generation", int64(gen)),
		))
	s.conn = conn
	s.log.Debug("creating input context", "owner", owner, "generation", gen)

	s.setState(StateAwaitingHandshakePhase1)
	if !s.live(gen) {
		return
	}

	cancel, err := conn.WatchName(owner, s.ownerWatch(gen))
	if err != nil {
		s.handshakeFailed("watch", err)
		return
	}
	s.ownerCancel = cancel

	props := s.properties()
	ctx := s.tracker.Context()
	self := s.self
	s.loop.Go(func() func() {
		ref, err := conn.CreateInputContext(ctx, owner, props)
		return func() {
			s := self.Value()
			if s == nil || !s.live(gen) || s.state != StateAwaitingHandshakePhase1 {
				if err == nil {
					// Nobody will ever use this context.
					_ = conn.DestroyInputContext(ref)
				}
				if s != nil {
					s.metrics.StaleReply("create")
					s.log.Debug("discarding stale handshake reply", "generation", gen, "error", err)
				}
				return
			}
			if err != nil {
				s.handshakeFailed("create", err)
				return
			}
			s.bind(conn, ref, gen)
		}
	})
}

// ownerWatch builds the callback of the per-owner name watch.
func (s *Session) ownerWatch(gen uint64) func(string) {
	loop := s.loop
	self := s.self
	return func(owner string) {
		if owner != "" {
			return
		}
		loop.Post(func() {
			s := self.Value()
			if s == nil || !s.live(gen) {
				return
			}
			s.closeContext("service owner vanished")
			s.pulse()
		})
	}
}

func (s *Session) properties() []ipc.Property {
	var props []ipc.Property
	if s.cfg.Display != "" {
		props = append(props, ipc.Property{Key: "display", Value: s.cfg.Display})
	}
	if s.cfg.Program != "" {
		props = append(props, ipc.Property{Key: "program", Value: s.cfg.Program})
	}
	return props
}

// bind runs phase two.
func (s *Session) bind(conn ipc.Conn, ref ipc.InputContextRef, gen uint64) {
	s.ref = ref
	s.setState(StateAwaitingHandshakePhase2)
	if !s.live(gen) {
		return
	}

	ctx := s.tracker.Context()
	sink := s.signalSink(ref, gen)
	self := s.self
	s.loop.Go(func() func() {
		ic, err := conn.BindInputContext(ctx, ref, sink)
		return func() {
			s := self.Value()
			if s == nil || !s.live(gen) || s.state != StateAwaitingHandshakePhase2 {
				if err == nil {
					// closeContext already destroyed the context by
					// reference; only the subscription is left.
					if s == nil {
						_ = ic.Destroy()
					}
					ic.Close()
				}
				if s != nil {
					s.metrics.StaleReply("bind")
				}
				return
			}
			if err != nil {
				s.handshakeFailed("bind", err)
				return
			}
			s.established(ic, gen)
		}
	})
}

// established finishes the handshake. Every step re-validates the session
// because each callback may close it.
func (s *Session) established(ic ipc.InputContext, gen uint64) {
	s.ic = ic
	s.state = StateConnected
	s.surrounding = surroundingState{}
	if s.span != nil {
		s.span.SetStatus(codes.Ok, "")
		s.span.End()
		s.span = nil
	}
	s.metrics.SessionConnected()
	s.log.Info("input context connected",
		"owner", ic.Ref().Owner,
		"path", ic.Ref().Path,
		"uuid", ic.Ref().UUID,
		"generation", gen)

	s.pushCapability(true)
	if !s.live(gen) {
		return
	}
	s.replayLocalState()
	if !s.live(gen) {
		return
	}
	s.handler.Connected()
	if !s.live(gen) {
		return
	}
	s.notifyState()
}

func (s *Session) replayLocalState() {
	if s.focused {
		s.send("FocusIn", s.ic.FocusIn())
	}
	if s.cursor != nil {
		s.sendCursor(*s.cursor)
	}
}

func (s *Session) handshakeFailed(phase string, err error) {
	s.metrics.HandshakeFailed(phase)
	s.log.Warn("handshake failed", "phase", phase, "error", err, "generation", s.tracker.Generation())
	if s.span != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, phase)
	}
	s.closeContext("handshake failed")
}

func (s *Session) signalSink(ref ipc.InputContextRef, gen uint64) func(ipc.Signal) {
	loop := s.loop
	self := s.self
	return func(sig ipc.Signal) {
		loop.Post(func() {
			s := self.Value()
			if s == nil {
				return
			}
			if !s.live(gen) || s.ic == nil || s.ic.Ref() != ref {
				s.metrics.StaleReply("signal")
				s.log.Debug("dropping signal from stale input context", "signal", ipc.SignalName(sig), "path", ref.Path)
				return
			}
			if c, ok := sig.(ipc.CommitString); ok {
				s.log.Debug("commit string", "len", len(c.Text))
			}
			dispatchSignal(s.handler, sig)
		})
	}
}

// closeContext releases everything tied to the current generation and
// enters Closed.
func (s *Session) closeContext(reason string) {
	if s.ownerCancel != nil {
		s.ownerCancel()
		s.ownerCancel = nil
	}
	if s.ic != nil {
		s.send("DestroyIC", s.ic.Destroy())
		s.ic.Close()
		s.ic = nil
	} else if s.ref.Path != "" && s.conn != nil {
		s.send("DestroyIC", s.conn.DestroyInputContext(s.ref))
	}
	s.ref = ipc.InputContextRef{}
	s.conn = nil
	if s.span != nil {
		s.span.SetStatus(codes.Error, reason)
		s.span.End()
		s.span = nil
	}
	s.repeat.Reset()
	gen := s.tracker.Advance()
	s.log.Info("input context closed", "reason", reason, "generation", gen)
	s.setState(StateClosed)
}

// Reconnect drops the current input context, if any, and checks
// availability immediately.
func (s *Session) Reconnect() {
	if s.disposed {
		return
	}
	if s.state != StateIdle && s.state != StateClosed {
		s.closeContext("reconnect requested")
	}
	if s.recheckTimer != nil {
		s.recheckTimer.Stop()
		s.recheckTimer = nil
	}
	s.recheck()
}

// Close disposes the session. A closed session never reconnects. Close is
// idempotent and safe to call from any Handler callback.
func (s *Session) Close() {
	if s.disposed {
		return
	}
	s.disposed = true
	if s.recheckTimer != nil {
		s.recheckTimer.Stop()
		s.recheckTimer = nil
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.state != StateClosed {
		s.closeContext("session closed")
	}
}

func (s *Session) send(method string, err error) {
	if err != nil {
		s.log.Debug("call failed", "method", method, "error", err)
	}
}
