// Package watcher tracks whether the input method service is reachable on
// the session bus and tells subscribers when that changes.
package watcher

import (
	"context"
	"log/slog"

	"imsession/internal/ipc"
	"imsession/internal/mainloop"
)

// ServiceIdentity is a well-known bus name and its current owner. An empty
// Owner means nobody owns the name.
type ServiceIdentity struct {
	Name  string
	Owner string
}

// Recorder receives availability changes for metrics.
type Recorder interface {
	SetServiceAvailable(bool)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithPortal adds or removes the portal identity.
func WithPortal(enabled bool) Option {
	return func(w *Watcher) { w.portal = enabled }
}

// WithIdentities replaces the tracked names. Order is priority order.
func WithIdentities(names ...string) Option {
	return func(w *Watcher) { w.names = append([]string(nil), names...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// WithMetrics sets the availability recorder.
func WithMetrics(r Recorder) Option {
	return func(w *Watcher) { w.metrics = r }
}

// Watcher monitors ownership of the service names.
//
// Every method must be called on the loop goroutine; all callbacks are
// delivered there too.
type Watcher struct {
	loop    mainloop.Scheduler
	dial    ipc.Dialer
	log     *slog.Logger
	metrics Recorder
	portal  bool
	names   []string

	identities []ServiceIdentity
	conn       ipc.Conn
	cancels    []func()
	watching   bool
	available  bool

	// epoch invalidates callbacks that belong to an earlier Watch.
	epoch uint64

	observers []*observer
	nextObs   uint64
}

type observer struct {
	id      uint64
	fn      func(bool)
	removed bool
}

// New creates a watcher. It does nothing until Watch is called.
func New(loop mainloop.Scheduler, dial ipc.Dialer, opts ...Option) *Watcher {
	w := &Watcher{
		loop:   loop,
		dial:   dial,
		portal: true,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	w.log = w.log.With("component", "watcher")
	if len(w.names) == 0 {
		w.names = []string{ipc.MainServiceName}
		if w.portal {
			w.names = append(w.names, ipc.PortalServiceName)
		}
	}
	w.identities = make([]ServiceIdentity, len(w.names))
	for i, name := range w.names {
		w.identities[i] = ServiceIdentity{Name: name}
	}
	return w
}

// Watch dials the bus and starts tracking the service names. A failed dial
// leaves the watcher unavailable until the next Watch. Losing the bus later
// has the same effect: every name reads as unowned and the dead connection
// is kept until Unwatch, after which Watch dials again.
func (w *Watcher) Watch(ctx context.Context) {
	if w.watching {
		return
	}
	w.watching = true
	w.epoch++
	epoch := w.epoch

	w.loop.Go(func() func() {
		conn, err := w.dial(ctx)
		return func() {
			if epoch != w.epoch {
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				w.log.Warn("session bus unavailable", "error", err)
				return
			}
			w.attach(conn, epoch)
		}
	})
}

func (w *Watcher) attach(conn ipc.Conn, epoch uint64) {
	w.conn = conn
	for i := range w.identities {
		name := w.identities[i].Name
		cancel, err := conn.WatchName(name, func(owner string) {
			w.loop.Post(func() {
				if epoch != w.epoch {
					return
				}
				w.setOwner(name, owner)
			})
		})
		if err != nil {
			w.log.Warn("cannot watch name", "name", name, "error", err)
			continue
		}
		w.cancels = append(w.cancels, cancel)
	}
	w.log.Debug("watching service names", "names", w.names)
	w.recompute()
}

// Unwatch stops tracking and closes the connection. It is idempotent.
func (w *Watcher) Unwatch() {
	if !w.watching {
		return
	}
	w.watching = false
	w.epoch++

	for _, cancel := range w.cancels {
		cancel()
	}
	w.cancels = nil
	for i := range w.identities {
		w.identities[i].Owner = ""
	}
	if w.conn != nil {
		if err := w.conn.Close(); err != nil {
			w.log.Debug("close bus connection", "error", err)
		}
		w.conn = nil
	}
	w.recompute()
}

func (w *Watcher) setOwner(name, owner string) {
	for i := range w.identities {
		if w.identities[i].Name != name {
			continue
		}
		if w.identities[i].Owner == owner {
			return
		}
		w.log.Debug("service owner changed", "name", name, "owner", owner)
		w.identities[i].Owner = owner
	}
	w.recompute()
}

func (w *Watcher) recompute() {
	now := w.conn != nil && w.CurrentOwner() != ""
	if now == w.available {
		return
	}
	w.available = now
	w.log.Info("service availability changed", "available", now, "owner", w.CurrentOwner())
	if w.metrics != nil {
		w.metrics.SetServiceAvailable(now)
	}

	snapshot := append([]*observer(nil), w.observers...)
	for _, o := range snapshot {
		if !o.removed {
			o.fn(now)
		}
	}
}

// Available reports whether a connection exists and some tracked name has
// an owner.
func (w *Watcher) Available() bool {
	return w.available
}

// CurrentOwner returns the owner of the highest priority owned name, or "".
func (w *Watcher) CurrentOwner() string {
	for _, id := range w.identities {
		if id.Owner != "" {
			return id.Owner
		}
	}
	return ""
}

// Conn returns the bus connection, or nil while not connected.
func (w *Watcher) Conn() ipc.Conn {
	return w.conn
}

// Identities returns a copy of the tracked names and owners.
func (w *Watcher) Identities() []ServiceIdentity {
	return append([]ServiceIdentity(nil), w.identities...)
}

// Subscribe registers fn for availability flips. The returned function
// removes it and may be called at any time, including from fn.
func (w *Watcher) Subscribe(fn func(bool)) func() {
	w.nextObs++
	o := &observer{id: w.nextObs, fn: fn}
	w.observers = append(w.observers, o)
	return func() {
		if o.removed {
			return
		}
		o.removed = true
		for i, cur := range w.observers {
			if cur == o {
				w.observers = append(w.observers[:i:i], w.observers[i+1:]...)
				break
			}
		}
	}
}
