// Package ipc is the transport boundary between the session core and the
// input method service on the D-Bus session bus.
//
// The core only sees the Conn and InputContext interfaces defined here.
// DialSessionBus provides the godbus-backed implementation; ipctest provides
// an in-memory one for tests.
package ipc

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

// Well-known names and object layout of the fcitx5 service.
const (
	MainServiceName   = "org.fcitx.Fcitx5"
	PortalServiceName = "org.freedesktop.portal.Fcitx"

	InputMethodPath      = "/org/freedesktop/portal/inputmethod"
	InputMethodInterface = "org.fcitx.Fcitx.InputMethod1"
	InputContextIface    = "org.fcitx.Fcitx.InputContext1"

	busName      = "org.freedesktop.DBus"
	busInterface = "org.freedesktop.DBus"
)

// Input context method names.
const (
	MethodCreateInputContext         = InputMethodInterface + ".CreateInputContext"
	MethodFocusIn                    = InputContextIface + ".FocusIn"
	MethodFocusOut                   = InputContextIface + ".FocusOut"
	MethodReset                      = InputContextIface + ".Reset"
	MethodSetCursorRect              = InputContextIface + ".SetCursorRect"
	MethodSetCursorRectV2            = InputContextIface + ".SetCursorRectV2"
	MethodSetCapability              = InputContextIface + ".SetCapability"
	MethodSetSurroundingText         = InputContextIface + ".SetSurroundingText"
	MethodSetSurroundingTextPosition = InputContextIface + ".SetSurroundingTextPosition"
	MethodDestroyIC                  = InputContextIface + ".DestroyIC"
	MethodProcessKeyEvent            = InputContextIface + ".ProcessKeyEvent"
	MethodPrevPage                   = InputContextIface + ".PrevPage"
	MethodNextPage                   = InputContextIface + ".NextPage"
	MethodSelectCandidate            = InputContextIface + ".SelectCandidate"
)

// Common errors
var (
	ErrNotConnected   = errors.New("not connected to input method bus")
	ErrMalformedReply = errors.New("malformed reply")
	ErrClosed         = errors.New("input context closed")
	ErrUnknownSignal  = errors.New("unknown signal")
)

// RemoteError is an error reply sent by the service.
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Property is one entry of the a(ss) metadata sent at handshake.
type Property struct {
	Key   string
	Value string
}

// InputContextRef identifies a remote input context created by phase one of
// the handshake.
type InputContextRef struct {
	Owner string
	Path  dbus.ObjectPath
	UUID  uuid.UUID
}

// ParseCreateReply validates the (o, ay) reply of CreateInputContext.
func ParseCreateReply(owner string, path dbus.ObjectPath, raw []byte) (InputContextRef, error) {
	if !path.IsValid() || path == "/" {
		return InputContextRef{}, fmt.Errorf("%w: invalid object path %q", ErrMalformedReply, path)
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return InputContextRef{}, fmt.Errorf("%w: uuid of %d bytes", ErrMalformedReply, len(raw))
	}
	return InputContextRef{Owner: owner, Path: path, UUID: id}, nil
}

// KeyArgs are the ProcessKeyEvent arguments.
type KeyArgs struct {
	Keyval  uint32
	Keycode uint32
	State   uint32
	Release bool
	Time    uint32
}

// Signal is a decoded input context signal.
type Signal interface {
	signalName() string
}

// FormattedText is one (si) segment of preedit or auxiliary text.
type FormattedText struct {
	Text   string
	Format int32
}

// Candidate is one (ss) candidate entry.
type Candidate struct {
	Label string
	Text  string
}

// CommitString asks the client to commit text.
type CommitString struct {
	Text string
}

// CurrentIM reports the input method active in the context.
type CurrentIM struct {
	Name       string
	UniqueName string
	LangCode   string
}

// ForwardKey asks the client to deliver a key to its local pipeline.
type ForwardKey struct {
	Keyval  uint32
	State   uint32
	Release bool
}

// DeleteSurroundingText asks the client to delete text around the cursor.
type DeleteSurroundingText struct {
	Offset int32
	Count  uint32
}

// UpdateFormattedPreedit replaces the preedit string.
type UpdateFormattedPreedit struct {
	Segments []FormattedText
	Cursor   int32
}

// UpdateClientSideUI carries the full candidate panel state.
type UpdateClientSideUI struct {
	Preedit        []FormattedText
	PreeditCursor  int32
	AuxUp          []FormattedText
	AuxDown        []FormattedText
	Candidates     []Candidate
	CandidateIndex int32
	LayoutHint     int32
	HasPrev        bool
	HasNext        bool
}

func (CommitString) signalName() string           { return "CommitString" }
func (CurrentIM) signalName() string              { return "CurrentIM" }
func (ForwardKey) signalName() string             { return "ForwardKey" }
func (DeleteSurroundingText) signalName() string  { return "DeleteSurroundingText" }
func (UpdateFormattedPreedit) signalName() string { return "UpdateFormattedPreedit" }
func (UpdateClientSideUI) signalName() string     { return "UpdateClientSideUI" }

// SignalName returns the D-Bus member name of s.
func SignalName(s Signal) string {
	return s.signalName()
}

// DecodeSignal converts a raw signal body into a typed Signal. member is the
// bare member name, without interface prefix.
func DecodeSignal(member string, body []interface{}) (Signal, error) {
	var err error
	switch member {
	case "CommitString":
		var s CommitString
		err = dbus.Store(body, &s.Text)
		return s, wrapDecode(member, err)
	case "CurrentIM":
		var s CurrentIM
		err = dbus.Store(body, &s.Name, &s.UniqueName, &s.LangCode)
		return s, wrapDecode(member, err)
	case "ForwardKey":
		var s ForwardKey
		err = dbus.Store(body, &s.Keyval, &s.State, &s.Release)
		return s, wrapDecode(member, err)
	case "DeleteSurroundingText":
		var s DeleteSurroundingText
		err = dbus.Store(body, &s.Offset, &s.Count)
		return s, wrapDecode(member, err)
	case "UpdateFormattedPreedit":
		var s UpdateFormattedPreedit
		err = dbus.Store(body, &s.Segments, &s.Cursor)
		return s, wrapDecode(member, err)
	case "UpdateClientSideUI":
		var s UpdateClientSideUI
		err = dbus.Store(body,
			&s.Preedit, &s.PreeditCursor,
			&s.AuxUp, &s.AuxDown,
			&s.Candidates, &s.CandidateIndex, &s.LayoutHint,
			&s.HasPrev, &s.HasNext)
		return s, wrapDecode(member, err)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSignal, member)
	}
}

func wrapDecode(member string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("decode %s: %w: %v", member, ErrMalformedReply, err)
}
