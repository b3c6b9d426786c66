package ipc

import (
	"strings"

	"github.com/godbus/dbus/v5"
)

const nameOwnerChanged = busInterface + ".NameOwnerChanged"

// dispatchLoop routes every incoming signal until the connection closes.
// godbus closes the channel when the transport goes away.
func (c *BusConn) dispatchLoop() {
	defer close(c.done)

	for sig := range c.signals {
		switch {
		case sig.Name == nameOwnerChanged:
			c.handleOwnerChanged(sig)
		case strings.HasPrefix(sig.Name, InputContextIface+"."):
			c.handleContextSignal(sig)
		}
	}

	c.handleDisconnect()
}

func (c *BusConn) handleOwnerChanged(sig *dbus.Signal) {
	var name, oldOwner, newOwner string
	if err := dbus.Store(sig.Body, &name, &oldOwner, &newOwner); err != nil {
		c.log.Debug("malformed NameOwnerChanged", "error", err)
		return
	}

	c.mu.Lock()
	w, ok := c.watches[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	w.changed = true
	w.owner = newOwner
	fns := make([]func(string), 0, len(w.fns))
	for _, fn := range w.fns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	c.log.Debug("name owner changed", "name", name, "old", oldOwner, "new", newOwner)
	for _, fn := range fns {
		fn(newOwner)
	}
}

func (c *BusConn) handleContextSignal(sig *dbus.Signal) {
	c.mu.Lock()
	ic, ok := c.contexts[sig.Path]
	c.mu.Unlock()
	if !ok || ic.isDetached() {
		return
	}
	// Only the owner the context was created on may drive it.
	if sig.Sender != ic.ref.Owner {
		c.log.Debug("signal from foreign sender", "path", sig.Path, "sender", sig.Sender)
		return
	}

	member := strings.TrimPrefix(sig.Name, InputContextIface+".")
	decoded, err := DecodeSignal(member, sig.Body)
	if err != nil {
		c.log.Debug("dropping signal", "member", member, "error", err)
		return
	}
	ic.sink(decoded)
}

// handleDisconnect tells every watcher the names are gone.
func (c *BusConn) handleDisconnect() {
	c.mu.Lock()
	c.closed = true
	var fns []func(string)
	for _, w := range c.watches {
		w.changed = true
		w.owner = ""
		for _, fn := range w.fns {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()

	c.log.Info("session bus connection closed")
	for _, fn := range fns {
		fn("")
	}
}
