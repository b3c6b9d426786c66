package main

import (
	"fmt"
	"io"
	"strings"

	"imsession/internal/ime"
)

// printHandler writes every session notification to out, one line each.
type printHandler struct {
	out io.Writer
}

func (h printHandler) Connected() {
	fmt.Fprintln(h.out, "connected")
}

func (h printHandler) CommitString(text string) {
	fmt.Fprintf(h.out, "commit %q\n", text)
}

func (h printHandler) ForwardKey(keyval, state uint32, release bool) {
	fmt.Fprintf(h.out, "forward keyval=0x%x state=0x%x release=%t\n", keyval, state, release)
}

func (h printHandler) DeleteSurroundingText(offset int, count uint) {
	fmt.Fprintf(h.out, "delete-surrounding offset=%d count=%d\n", offset, count)
}

func (h printHandler) UpdateFormattedPreedit(segments []ime.PreeditSegment, cursor int) {
	fmt.Fprintf(h.out, "preedit %s cursor=%d\n", formatSegments(segments), cursor)
}

func (h printHandler) UpdateClientSideUI(ui ime.ClientSideUI) {
	var b strings.Builder
	fmt.Fprintf(&b, "panel preedit=%s aux-up=%s aux-down=%s",
		formatSegments(ui.Preedit), formatSegments(ui.AuxUp), formatSegments(ui.AuxDown))
	for i, c := range ui.Candidates {
		mark := " "
		if i == ui.CandidateIndex {
			mark = "*"
		}
		fmt.Fprintf(&b, " %s%s%s", mark, c.Label, c.Text)
	}
	if ui.HasPrev {
		b.WriteString(" <prev")
	}
	if ui.HasNext {
		b.WriteString(" next>")
	}
	fmt.Fprintln(h.out, b.String())
}

func (h printHandler) CurrentInputMethod(name, uniqueName, langCode string) {
	fmt.Fprintf(h.out, "im name=%q unique=%q lang=%q\n", name, uniqueName, langCode)
}

func (h printHandler) FallbackKey(ev ime.KeyEvent) {
	fmt.Fprintf(h.out, "fallback %s\n", ev)
}

func formatSegments(segs []ime.PreeditSegment) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = s.Text
	}
	return fmt.Sprintf("%q", strings.Join(parts, ""))
}
