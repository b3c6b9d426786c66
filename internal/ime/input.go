package ime

import (
	"imsession/internal/capability"
)

type surroundingState struct {
	valid  bool
	text   string
	cursor uint32
	anchor uint32
}

// FocusIn marks the text field focused. The focus state is replayed after
// every reconnect.
func (s *Session) FocusIn() {
	s.focused = true
	if s.IsConnected() {
		s.send("FocusIn", s.ic.FocusIn())
	}
}

// FocusOut marks the text field unfocused.
func (s *Session) FocusOut() {
	s.focused = false
	s.repeat.Reset()
	if s.IsConnected() {
		s.send("FocusOut", s.ic.FocusOut())
	}
}

// Focused reports the local focus state.
func (s *Session) Focused() bool { return s.focused }

// Reset asks the service to drop any composition in progress.
func (s *Session) Reset() {
	if s.IsConnected() {
		s.send("Reset", s.ic.Reset())
	}
}

// SetCursorRect updates the cursor rectangle. The last rectangle is
// replayed after every reconnect.
func (s *Session) SetCursorRect(r Rect) {
	s.cursor = &r
	if s.IsConnected() {
		s.sendCursor(r)
	}
}

func (s *Session) sendCursor(r Rect) {
	if r.Scale > 0 {
		s.send("SetCursorRectV2", s.ic.SetCursorRectV2(r.X, r.Y, r.W, r.H, r.Scale))
		return
	}
	s.send("SetCursorRect", s.ic.SetCursorRect(r.X, r.Y, r.W, r.H))
}

// SetSurroundingText reports the text around the cursor. A nil text updates
// only the cursor and anchor. Repeated identical updates are dropped, and
// nothing is sent while the field is a password field.
func (s *Session) SetSurroundingText(text *string, cursor, anchor uint32) {
	if !s.IsConnected() {
		return
	}
	if s.caps.Mask().Has(capability.Password) {
		return
	}

	cur := s.surrounding
	if text == nil {
		if cur.valid && cur.cursor == cursor && cur.anchor == anchor {
			return
		}
		s.surrounding.cursor = cursor
		s.surrounding.anchor = anchor
		s.surrounding.valid = true
		s.send("SetSurroundingTextPosition", s.ic.SetSurroundingTextPosition(cursor, anchor))
		return
	}

	if cur.valid && cur.text == *text && cur.cursor == cursor && cur.anchor == anchor {
		return
	}
	s.surrounding = surroundingState{valid: true, text: *text, cursor: cursor, anchor: anchor}
	s.log.Debug("surrounding text", "len", len(*text), "cursor", cursor, "anchor", anchor)
	s.send("SetSurroundingText", s.ic.SetSurroundingText(*text, cursor, anchor))
}

// SetLocalFeatures replaces the embedder-declared features and pushes the
// new capability mask when connected and changed.
func (s *Session) SetLocalFeatures(f capability.Flag) {
	s.caps.SetLocal(f | s.displayFlags)
	s.pushCapability(false)
}

// SetContentType replaces the purpose and hint derived capability bits.
func (s *Session) SetContentType(p capability.Purpose, h capability.Hint) {
	s.caps.SetLocal(capability.WithContentType(s.caps.Local(), p, h))
	s.pushCapability(false)
}

// Features returns the capability mask that is, or would be, pushed.
func (s *Session) Features() capability.Flag {
	return s.caps.Mask()
}

func (s *Session) pushCapability(force bool) {
	if !s.IsConnected() {
		return
	}
	gen := s.tracker.Generation()
	mask, push := s.caps.Next(gen, force)
	if !push {
		return
	}
	if err := s.ic.SetCapability(uint64(mask)); err != nil {
		s.log.Warn("capability push failed", "error", err)
		return
	}
	s.caps.Commit(gen, mask)
	s.metrics.CapabilityPushed()
	s.log.Debug("capability pushed", "mask", mask.String(), "force", force)
}

// SelectCandidate picks a candidate of the client-side panel.
func (s *Session) SelectCandidate(index int) {
	if s.IsConnected() {
		s.send("SelectCandidate", s.ic.SelectCandidate(int32(index)))
	}
}

// PrevPage moves the candidate panel one page back.
func (s *Session) PrevPage() {
	if s.IsConnected() {
		s.send("PrevPage", s.ic.PrevPage())
	}
}

// NextPage moves the candidate panel one page forward.
func (s *Session) NextPage() {
	if s.IsConnected() {
		s.send("NextPage", s.ic.NextPage())
	}
}
