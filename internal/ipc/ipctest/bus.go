// Package ipctest provides an in-memory ipc.Conn for tests.
package ipctest

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"imsession/internal/ipc"
)

// Call is one method invocation recorded on a Context.
type Call struct {
	Method string
	Args   []interface{}
}

// Bus is a fake session bus. The zero value is not usable; use NewBus.
type Bus struct {
	mu       sync.Mutex
	owners   map[string]string
	watchers map[string]map[uint64]func(string)
	nextID   uint64
	nextIC   int
	closed   bool
	dials    int

	created []*Context
	bound   map[dbus.ObjectPath]*Context
	props   [][]ipc.Property

	createGate gate
	keyGate    gate

	// DialErr, CreateErr and BindErr make the corresponding operation fail.
	DialErr   error
	CreateErr error
	BindErr   error
	// CreateReply overrides the reply of CreateInputContext when set.
	CreateReply func(owner string) (dbus.ObjectPath, []byte)
	// KeyHandler decides ProcessKeyEvent replies. The default handles
	// nothing.
	KeyHandler func(ipc.KeyArgs) (bool, error)
	// CapabilityErr, when set, is consulted before every SetCapability. A
	// non-nil result fails the call without recording it.
	CapabilityErr func() error
}

// NewBus returns an empty fake bus with no owned names.
func NewBus() *Bus {
	return &Bus{
		owners:   make(map[string]string),
		watchers: make(map[string]map[uint64]func(string)),
		bound:    make(map[dbus.ObjectPath]*Context),
	}
}

// Dial implements ipc.Dialer. Dialing a closed bus reopens it.
func (b *Bus) Dial(ctx context.Context) (ipc.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.DialErr != nil {
		return nil, b.DialErr
	}
	b.closed = false
	return b, nil
}

// Dials reports how many times Dial was called.
func (b *Bus) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// SetOwner changes the owner of name and notifies watchers of name and of
// the previous owner's unique name when it vanished.
func (b *Bus) SetOwner(name, owner string) {
	b.mu.Lock()
	prev := b.owners[name]
	if owner == "" {
		delete(b.owners, name)
	} else {
		b.owners[name] = owner
	}
	fns := b.watchersOf(name)
	var vanished []func(string)
	if prev != "" && prev != owner && !b.ownsAny(prev) {
		vanished = b.watchersOf(prev)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(owner)
	}
	for _, fn := range vanished {
		fn("")
	}
}

// Disconnect simulates losing the bus: every watcher sees "" and calls fail
// until the next Dial.
func (b *Bus) Disconnect() {
	b.mu.Lock()
	b.closed = true
	var fns []func(string)
	for name := range b.watchers {
		fns = append(fns, b.watchersOf(name)...)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn("")
	}
}

// HoldCreate makes CreateInputContext block until ReleaseCreate, even when
// its context is cancelled, the way a reply already on the wire still
// arrives.
func (b *Bus) HoldCreate()    { b.createGate.hold() }
func (b *Bus) ReleaseCreate() { b.createGate.release() }

// HoldKeys makes ProcessKeyEvent block until ReleaseKeys or cancellation.
func (b *Bus) HoldKeys()    { b.keyGate.hold() }
func (b *Bus) ReleaseKeys() { b.keyGate.release() }

// Contexts returns every input context created so far, oldest first.
func (b *Bus) Contexts() []*Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Context(nil), b.created...)
}

// Last returns the most recently created context or nil.
func (b *Bus) Last() *Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.created) == 0 {
		return nil
	}
	return b.created[len(b.created)-1]
}

// CreateProperties returns the property lists sent with each handshake.
func (b *Bus) CreateProperties() [][]ipc.Property {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]ipc.Property(nil), b.props...)
}

// Watchers reports the number of live watches on name.
func (b *Bus) Watchers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watchers[name])
}

// WatchName implements ipc.Conn.
func (b *Bus) WatchName(name string, fn func(string)) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ipc.ErrNotConnected
	}
	if b.watchers[name] == nil {
		b.watchers[name] = make(map[uint64]func(string))
	}
	b.nextID++
	id := b.nextID
	b.watchers[name][id] = fn
	owner := b.ownerOf(name)
	b.mu.Unlock()

	fn(owner)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.watchers[name], id)
			if len(b.watchers[name]) == 0 {
				delete(b.watchers, name)
			}
			b.mu.Unlock()
		})
	}, nil
}

// CreateInputContext implements ipc.Conn.
func (b *Bus) CreateInputContext(ctx context.Context, owner string, props []ipc.Property) (ipc.InputContextRef, error) {
	b.createGate.wait(context.Background())

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ipc.InputContextRef{}, ipc.ErrNotConnected
	}
	b.props = append(b.props, append([]ipc.Property(nil), props...))
	if b.CreateErr != nil {
		err := b.CreateErr
		b.mu.Unlock()
		return ipc.InputContextRef{}, err
	}
	b.nextIC++
	path := dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/portal/inputcontext/%d", b.nextIC))
	id := uuid.New()
	raw := id[:]
	if b.CreateReply != nil {
		path, raw = b.CreateReply(owner)
	}
	b.mu.Unlock()

	ref, err := ipc.ParseCreateReply(owner, path, raw)
	if err != nil {
		return ipc.InputContextRef{}, err
	}

	b.mu.Lock()
	b.created = append(b.created, &Context{bus: b, ref: ref})
	b.mu.Unlock()
	return ref, nil
}

// BindInputContext implements ipc.Conn.
func (b *Bus) BindInputContext(ctx context.Context, ref ipc.InputContextRef, sink func(ipc.Signal)) (ipc.InputContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ipc.ErrNotConnected
	}
	if b.BindErr != nil {
		return nil, b.BindErr
	}
	var ic *Context
	for _, c := range b.created {
		if c.ref == ref {
			ic = c
		}
	}
	if ic == nil {
		return nil, fmt.Errorf("no input context at %s", ref.Path)
	}
	ic.mu.Lock()
	ic.sink = sink
	ic.bound = true
	ic.mu.Unlock()
	b.bound[ref.Path] = ic
	return ic, nil
}

// DestroyInputContext implements ipc.Conn.
func (b *Bus) DestroyInputContext(ref ipc.InputContextRef) error {
	b.mu.Lock()
	var ic *Context
	for _, c := range b.created {
		if c.ref == ref {
			ic = c
		}
	}
	b.mu.Unlock()
	if ic == nil {
		return fmt.Errorf("no input context at %s", ref.Path)
	}
	return ic.record("DestroyIC")
}

// Close implements ipc.Conn.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// ownerOf must be called with b.mu held. Unique names own themselves while
// they own any well-known name.
func (b *Bus) ownerOf(name string) string {
	if owner, ok := b.owners[name]; ok {
		return owner
	}
	if b.ownsAny(name) {
		return name
	}
	return ""
}

func (b *Bus) ownsAny(unique string) bool {
	for _, o := range b.owners {
		if o == unique {
			return true
		}
	}
	return false
}

func (b *Bus) watchersOf(name string) []func(string) {
	fns := make([]func(string), 0, len(b.watchers[name]))
	for _, fn := range b.watchers[name] {
		fns = append(fns, fn)
	}
	return fns
}

// Context is a fake remote input context that records every call.
type Context struct {
	bus *Bus
	ref ipc.InputContextRef

	mu        sync.Mutex
	calls     []Call
	sink      func(ipc.Signal)
	bound     bool
	closed    bool
	destroyed bool
}

// Ref implements ipc.InputContext.
func (c *Context) Ref() ipc.InputContextRef { return c.ref }

// Calls returns the recorded calls in order.
func (c *Context) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Methods returns the bare method names of the recorded calls.
func (c *Context) Methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	for i, call := range c.calls {
		out[i] = call.Method
	}
	return out
}

// CallsTo returns the recorded calls of one method.
func (c *Context) CallsTo(method string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// Destroyed reports whether DestroyIC was received.
func (c *Context) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Bound reports whether the context is bound and not closed.
func (c *Context) Bound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound && !c.closed
}

// Emit delivers a signal to the bound sink. It reports whether anything
// received it.
func (c *Context) Emit(sig ipc.Signal) bool {
	c.mu.Lock()
	sink := c.sink
	live := c.bound && !c.closed
	c.mu.Unlock()
	if !live || sink == nil {
		return false
	}
	sink(sig)
	return true
}

// EmitAfterClose delivers a signal even after unbinding, the way a signal
// already in flight on the bus would arrive.
func (c *Context) EmitAfterClose(sig ipc.Signal) bool {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return false
	}
	sink(sig)
	return true
}

func (c *Context) record(method string, args ...interface{}) error {
	c.bus.mu.Lock()
	closedBus := c.bus.closed
	c.bus.mu.Unlock()
	if closedBus {
		return ipc.ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed && method != "DestroyIC" {
		return ipc.ErrClosed
	}
	c.calls = append(c.calls, Call{Method: method, Args: args})
	if method == "DestroyIC" {
		c.destroyed = true
	}
	return nil
}

func (c *Context) FocusIn() error  { return c.record("FocusIn") }
func (c *Context) FocusOut() error { return c.record("FocusOut") }
func (c *Context) Reset() error    { return c.record("Reset") }
func (c *Context) PrevPage() error { return c.record("PrevPage") }
func (c *Context) NextPage() error { return c.record("NextPage") }
func (c *Context) Destroy() error  { return c.record("DestroyIC") }

func (c *Context) SetCursorRect(x, y, w, h int32) error {
	return c.record("SetCursorRect", x, y, w, h)
}

func (c *Context) SetCursorRectV2(x, y, w, h int32, scale float64) error {
	return c.record("SetCursorRectV2", x, y, w, h, scale)
}

func (c *Context) SetCapability(caps uint64) error {
	c.bus.mu.Lock()
	hook := c.bus.CapabilityErr
	c.bus.mu.Unlock()
	if hook != nil {
		if err := hook(); err != nil {
			return err
		}
	}
	return c.record("SetCapability", caps)
}

func (c *Context) SetSurroundingText(text string, cursor, anchor uint32) error {
	return c.record("SetSurroundingText", text, cursor, anchor)
}

func (c *Context) SetSurroundingTextPosition(cursor, anchor uint32) error {
	return c.record("SetSurroundingTextPosition", cursor, anchor)
}

func (c *Context) SelectCandidate(index int32) error {
	return c.record("SelectCandidate", index)
}

// ProcessKeyEvent implements ipc.InputContext.
func (c *Context) ProcessKeyEvent(ctx context.Context, args ipc.KeyArgs) (bool, error) {
	if err := c.record("ProcessKeyEvent", args); err != nil {
		return false, err
	}
	if err := c.bus.keyGate.wait(ctx); err != nil {
		return false, err
	}
	c.bus.mu.Lock()
	handler := c.bus.KeyHandler
	c.bus.mu.Unlock()
	if handler == nil {
		return false, nil
	}
	return handler(args)
}

// Close implements ipc.InputContext.
func (c *Context) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func (g *gate) hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch == nil {
		g.ch = make(chan struct{})
	}
}

func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch != nil {
		close(g.ch)
		g.ch = nil
	}
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
