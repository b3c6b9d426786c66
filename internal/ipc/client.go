package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// Conn is a connection to the session bus as seen by the session core.
//
// Callbacks registered through WatchName and BindInputContext run on an
// internal goroutine; receivers are expected to hand them to their own
// event loop.
type Conn interface {
	// WatchName reports the current owner of name ("" when unowned) once
	// and then on every ownership change until cancel is called. When the
	// bus connection is lost every watcher sees "".
	WatchName(name string, fn func(owner string)) (cancel func(), err error)

	// CreateInputContext performs phase one of the handshake against owner.
	CreateInputContext(ctx context.Context, owner string, props []Property) (InputContextRef, error)

	// BindInputContext performs phase two: signals for ref are routed to
	// sink from now on.
	BindInputContext(ctx context.Context, ref InputContextRef, sink func(Signal)) (InputContext, error)

	// DestroyInputContext asks the service to drop a context that was
	// never bound. It is one-way.
	DestroyInputContext(ref InputContextRef) error

	Close() error
}

// InputContext is a bound remote input context.
//
// All methods except ProcessKeyEvent are one-way: they return once the
// message is queued and report only local failures.
type InputContext interface {
	Ref() InputContextRef

	FocusIn() error
	FocusOut() error
	Reset() error
	SetCursorRect(x, y, w, h int32) error
	SetCursorRectV2(x, y, w, h int32, scale float64) error
	SetCapability(caps uint64) error
	SetSurroundingText(text string, cursor, anchor uint32) error
	SetSurroundingTextPosition(cursor, anchor uint32) error
	PrevPage() error
	NextPage() error
	SelectCandidate(index int32) error
	ProcessKeyEvent(ctx context.Context, args KeyArgs) (bool, error)

	// Destroy asks the service to drop the context. It does not unbind.
	Destroy() error

	// Close stops signal routing. It is idempotent.
	Close()
}

// Dialer opens a bus connection.
type Dialer func(ctx context.Context) (Conn, error)

// ClientConfig configures the bus client.
type ClientConfig struct {
	// Address overrides the session bus address when non-empty.
	Address string
	// CallTimeout bounds bus housekeeping calls such as GetNameOwner.
	CallTimeout time.Duration
	// SignalBuffer is the size of the signal channel.
	SignalBuffer int
	Logger       *slog.Logger
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		CallTimeout:  5 * time.Second,
		SignalBuffer: 64,
	}
}

// NewDialer returns a Dialer for cfg.
func NewDialer(cfg ClientConfig) Dialer {
	return func(ctx context.Context) (Conn, error) {
		return DialSessionBus(ctx, cfg)
	}
}

// BusConn is the godbus implementation of Conn.
type BusConn struct {
	conn   *dbus.Conn
	config ClientConfig
	log    *slog.Logger

	mu       sync.Mutex
	watches  map[string]*nameWatch
	contexts map[dbus.ObjectPath]*busContext
	nextID   uint64
	closed   bool

	signals chan *dbus.Signal
	done    chan struct{}
}

type nameWatch struct {
	fns     map[uint64]func(string)
	changed bool
	owner   string
}

// DialSessionBus connects to the session bus and starts signal dispatch.
func DialSessionBus(ctx context.Context, cfg ClientConfig) (*BusConn, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if cfg.Address != "" {
		conn, err = dbus.Connect(cfg.Address, dbus.WithContext(ctx))
	} else {
		conn, err = dbus.ConnectSessionBus(dbus.WithContext(ctx))
	}
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return NewBusConn(conn, cfg), nil
}

// NewBusConn wraps an authenticated connection.
func NewBusConn(conn *dbus.Conn, cfg ClientConfig) *BusConn {
	def := DefaultClientConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.SignalBuffer <= 0 {
		cfg.SignalBuffer = def.SignalBuffer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &BusConn{
		conn:     conn,
		config:   cfg,
		log:      log.With("component", "ipc"),
		watches:  make(map[string]*nameWatch),
		contexts: make(map[dbus.ObjectPath]*busContext),
		signals:  make(chan *dbus.Signal, cfg.SignalBuffer),
		done:     make(chan struct{}),
	}
	conn.Signal(c.signals)
	go c.dispatchLoop()
	return c
}

func ownerChangedMatch(name string) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchSender(busName),
		dbus.WithMatchInterface(busInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, name),
	}
}

func contextMatch(ref InputContextRef) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchSender(ref.Owner),
		dbus.WithMatchInterface(InputContextIface),
		dbus.WithMatchObjectPath(ref.Path),
	}
}

// WatchName implements Conn.
func (c *BusConn) WatchName(name string, fn func(owner string)) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	w, ok := c.watches[name]
	if !ok {
		w = &nameWatch{fns: make(map[uint64]func(string))}
		c.watches[name] = w
	}
	c.nextID++
	id := c.nextID
	w.fns[id] = fn
	c.mu.Unlock()

	if !ok {
		if err := c.conn.AddMatchSignal(ownerChangedMatch(name)...); err != nil {
			c.unwatch(name, id)
			return nil, fmt.Errorf("add match for %s: %w", name, err)
		}
	}

	go c.seedOwner(name, id)

	var once sync.Once
	return func() {
		once.Do(func() { c.unwatch(name, id) })
	}, nil
}

// seedOwner reports the current owner to a new watcher unless a change
// notification already overtook the query.
func (c *BusConn) seedOwner(name string, id uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.CallTimeout)
	defer cancel()

	var owner string
	err := c.conn.BusObject().CallWithContext(ctx, busInterface+".GetNameOwner", 0, name).Store(&owner)
	if err != nil {
		owner = ""
	}

	c.mu.Lock()
	w, ok := c.watches[name]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	fn, ok := w.fns[id]
	if w.changed {
		owner = w.owner
	}
	c.mu.Unlock()
	if ok {
		fn(owner)
	}
}

func (c *BusConn) unwatch(name string, id uint64) {
	c.mu.Lock()
	w, ok := c.watches[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(w.fns, id)
	last := len(w.fns) == 0
	if last {
		delete(c.watches, name)
	}
	closed := c.closed
	c.mu.Unlock()

	if last && !closed {
		if err := c.conn.RemoveMatchSignal(ownerChangedMatch(name)...); err != nil {
			c.log.Debug("remove name match", "name", name, "error", err)
		}
	}
}

// CreateInputContext implements Conn.
func (c *BusConn) CreateInputContext(ctx context.Context, owner string, props []Property) (InputContextRef, error) {
	if c.isClosed() {
		return InputContextRef{}, ErrNotConnected
	}
	var (
		path dbus.ObjectPath
		raw  []byte
	)
	call := c.conn.Object(owner, InputMethodPath).CallWithContext(ctx, MethodCreateInputContext, 0, props)
	if call.Err != nil {
		return InputContextRef{}, convertError(call.Err)
	}
	if err := call.Store(&path, &raw); err != nil {
		return InputContextRef{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return ParseCreateReply(owner, path, raw)
}

// BindInputContext implements Conn.
func (c *BusConn) BindInputContext(ctx context.Context, ref InputContextRef, sink func(Signal)) (InputContext, error) {
	if c.isClosed() {
		return nil, ErrNotConnected
	}
	if err := c.conn.AddMatchSignalContext(ctx, contextMatch(ref)...); err != nil {
		return nil, fmt.Errorf("bind %s: %w", ref.Path, convertError(err))
	}

	ic := &busContext{
		bus:  c,
		ref:  ref,
		obj:  c.conn.Object(ref.Owner, ref.Path),
		sink: sink,
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if prev, ok := c.contexts[ref.Path]; ok {
		prev.detach()
	}
	c.contexts[ref.Path] = ic
	c.mu.Unlock()
	return ic, nil
}

// DestroyInputContext implements Conn.
func (c *BusConn) DestroyInputContext(ref InputContextRef) error {
	if c.isClosed() {
		return ErrNotConnected
	}
	call := c.conn.Object(ref.Owner, ref.Path).Go(MethodDestroyIC, dbus.FlagNoReplyExpected, nil)
	if call.Err != nil {
		return convertError(call.Err)
	}
	return nil
}

// Close implements Conn.
func (c *BusConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

func (c *BusConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *BusConn) release(ic *busContext) {
	c.mu.Lock()
	if c.contexts[ic.ref.Path] == ic {
		delete(c.contexts, ic.ref.Path)
	}
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		if err := c.conn.RemoveMatchSignal(contextMatch(ic.ref)...); err != nil {
			c.log.Debug("remove context match", "path", ic.ref.Path, "error", err)
		}
	}
}

// convertError maps godbus error replies onto RemoteError.
func convertError(err error) error {
	var de dbus.Error
	if errors.As(err, &de) {
		return &RemoteError{Name: de.Name, Message: de.Error()}
	}
	var dp *dbus.Error
	if errors.As(err, &dp) && dp != nil {
		return &RemoteError{Name: dp.Name, Message: dp.Error()}
	}
	return err
}

type busContext struct {
	bus  *BusConn
	ref  InputContextRef
	obj  dbus.BusObject
	sink func(Signal)

	mu       sync.Mutex
	detached bool
}

func (ic *busContext) Ref() InputContextRef { return ic.ref }

func (ic *busContext) send(method string, args ...interface{}) error {
	if ic.isDetached() {
		return ErrClosed
	}
	call := ic.obj.Go(method, dbus.FlagNoReplyExpected, nil, args...)
	if call.Err != nil {
		return convertError(call.Err)
	}
	return nil
}

func (ic *busContext) FocusIn() error  { return ic.send(MethodFocusIn) }
func (ic *busContext) FocusOut() error { return ic.send(MethodFocusOut) }
func (ic *busContext) Reset() error    { return ic.send(MethodReset) }
func (ic *busContext) PrevPage() error { return ic.send(MethodPrevPage) }
func (ic *busContext) NextPage() error { return ic.send(MethodNextPage) }
func (ic *busContext) Destroy() error  { return ic.send(MethodDestroyIC) }

func (ic *busContext) SetCursorRect(x, y, w, h int32) error {
	return ic.send(MethodSetCursorRect, x, y, w, h)
}

func (ic *busContext) SetCursorRectV2(x, y, w, h int32, scale float64) error {
	return ic.send(MethodSetCursorRectV2, x, y, w, h, scale)
}

func (ic *busContext) SetCapability(caps uint64) error {
	return ic.send(MethodSetCapability, caps)
}

func (ic *busContext) SetSurroundingText(text string, cursor, anchor uint32) error {
	return ic.send(MethodSetSurroundingText, text, cursor, anchor)
}

func (ic *busContext) SetSurroundingTextPosition(cursor, anchor uint32) error {
	return ic.send(MethodSetSurroundingTextPosition, cursor, anchor)
}

func (ic *busContext) SelectCandidate(index int32) error {
	return ic.send(MethodSelectCandidate, index)
}

func (ic *busContext) ProcessKeyEvent(ctx context.Context, args KeyArgs) (bool, error) {
	if ic.isDetached() {
		return false, ErrClosed
	}
	var handled bool
	call := ic.obj.CallWithContext(ctx, MethodProcessKeyEvent, 0,
		args.Keyval, args.Keycode, args.State, args.Release, args.Time)
	if call.Err != nil {
		return false, convertError(call.Err)
	}
	if err := call.Store(&handled); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return handled, nil
}

func (ic *busContext) Close() {
	if ic.detach() {
		ic.bus.release(ic)
	}
}

// detach marks the context unbound and reports whether this call did it.
func (ic *busContext) detach() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.detached {
		return false
	}
	ic.detached = true
	return true
}

func (ic *busContext) isDetached() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.detached
}
