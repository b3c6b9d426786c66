package ime

import "imsession/internal/ipc"

// PreeditSegment is a run of preedit text with formatting flags.
type PreeditSegment struct {
	Text   string
	Format TextFormat
}

// TextFormat is the fcitx5 text format bitset.
type TextFormat int32

// Text format flags.
const (
	FormatUnderline  TextFormat = 1 << 3
	FormatHighlight  TextFormat = 1 << 4
	FormatDontCommit TextFormat = 1 << 5
	FormatBold       TextFormat = 1 << 6
	FormatStrike     TextFormat = 1 << 7
	FormatItalic     TextFormat = 1 << 8
)

// Candidate is one entry of the candidate list.
type Candidate struct {
	Label string
	Text  string
}

// ClientSideUI is the complete candidate panel state.
type ClientSideUI struct {
	Preedit        []PreeditSegment
	PreeditCursor  int
	AuxUp          []PreeditSegment
	AuxDown        []PreeditSegment
	Candidates     []Candidate
	CandidateIndex int
	// LayoutHint is 0 for not set, 1 for vertical and 2 for horizontal.
	LayoutHint int
	HasPrev    bool
	HasNext    bool
}

// Handler receives notifications from a Session. Every method runs on the
// loop goroutine and may call back into the Session, including Close.
type Handler interface {
	Connected()
	CommitString(text string)
	ForwardKey(keyval, state uint32, release bool)
	DeleteSurroundingText(offset int, count uint)
	UpdateFormattedPreedit(segments []PreeditSegment, cursor int)
	UpdateClientSideUI(ui ClientSideUI)
	CurrentInputMethod(name, uniqueName, langCode string)
	// FallbackKey delivers an event the service did not handle to the
	// local key pipeline. It is called at most once per event identity.
	FallbackKey(ev KeyEvent)
}

// NopHandler implements Handler with no-ops. Embed it to implement only
// the notifications you care about.
type NopHandler struct{}

func (NopHandler) Connected()                                   {}
func (NopHandler) CommitString(string)                          {}
func (NopHandler) ForwardKey(uint32, uint32, bool)              {}
func (NopHandler) DeleteSurroundingText(int, uint)              {}
func (NopHandler) UpdateFormattedPreedit([]PreeditSegment, int) {}
func (NopHandler) UpdateClientSideUI(ClientSideUI)              {}
func (NopHandler) CurrentInputMethod(string, string, string)    {}
func (NopHandler) FallbackKey(KeyEvent)                         {}

func segments(in []ipc.FormattedText) []PreeditSegment {
	out := make([]PreeditSegment, len(in))
	for i, s := range in {
		out[i] = PreeditSegment{Text: s.Text, Format: TextFormat(s.Format)}
	}
	return out
}

func clientSideUI(sig ipc.UpdateClientSideUI) ClientSideUI {
	cands := make([]Candidate, len(sig.Candidates))
	for i, c := range sig.Candidates {
		cands[i] = Candidate{Label: c.Label, Text: c.Text}
	}
	return ClientSideUI{
		Preedit:        segments(sig.Preedit),
		PreeditCursor:  int(sig.PreeditCursor),
		AuxUp:          segments(sig.AuxUp),
		AuxDown:        segments(sig.AuxDown),
		Candidates:     cands,
		CandidateIndex: int(sig.CandidateIndex),
		LayoutHint:     int(sig.LayoutHint),
		HasPrev:        sig.HasPrev,
		HasNext:        sig.HasNext,
	}
}

// dispatchSignal forwards a decoded signal to h.
func dispatchSignal(h Handler, sig ipc.Signal) {
	switch v := sig.(type) {
	case ipc.CommitString:
		h.CommitString(v.Text)
	case ipc.CurrentIM:
		h.CurrentInputMethod(v.Name, v.UniqueName, v.LangCode)
	case ipc.ForwardKey:
		h.ForwardKey(v.Keyval, v.State, v.Release)
	case ipc.DeleteSurroundingText:
		h.DeleteSurroundingText(int(v.Offset), uint(v.Count))
	case ipc.UpdateFormattedPreedit:
		h.UpdateFormattedPreedit(segments(v.Segments), int(v.Cursor))
	case ipc.UpdateClientSideUI:
		h.UpdateClientSideUI(clientSideUI(v))
	}
}
