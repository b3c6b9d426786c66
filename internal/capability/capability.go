// Package capability maps the features an embedding application supports
// onto the 64-bit capability mask understood by the input method service,
// and tracks which mask was last pushed for each session generation.
package capability

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// Flag is a set of capability bits. Bit positions follow fcitx5.
type Flag uint64

// Capability bits.
const (
	ClientSideUI           Flag = 1 << 0
	Preedit                Flag = 1 << 1
	ClientSideControlState Flag = 1 << 2
	Password               Flag = 1 << 3
	FormattedPreedit       Flag = 1 << 4
	ClientUnfocusCommit    Flag = 1 << 5
	SurroundingText        Flag = 1 << 6
	Email                  Flag = 1 << 7
	Digit                  Flag = 1 << 8
	Uppercase              Flag = 1 << 9
	Lowercase              Flag = 1 << 10
	NoAutoUpperCase        Flag = 1 << 11
	URL                    Flag = 1 << 12
	Dialable               Flag = 1 << 13
	Number                 Flag = 1 << 14
	NoOnScreenKeyboard     Flag = 1 << 15
	SpellCheck             Flag = 1 << 16
	NoSpellCheck           Flag = 1 << 17
	WordCompletion         Flag = 1 << 18
	UppercaseWords         Flag = 1 << 19
	UppercaseSentences     Flag = 1 << 20
	Alpha                  Flag = 1 << 21
	Name                   Flag = 1 << 22
	GetIMInfoOnFocus       Flag = 1 << 23
	RelativeRect           Flag = 1 << 24

	Multiline            Flag = 1 << 32
	Sensitive            Flag = 1 << 33
	KeyEventOrderFix     Flag = 1 << 37
	ReportKeyRepeat      Flag = 1 << 38
	ClientSideInputPanel Flag = 1 << 39
)

// Protocol flags are always part of the pushed mask: the key pipeline's
// ordering and repeat tagging depend on the service honouring them.
const Protocol = KeyEventOrderFix | ReportKeyRepeat

// PurposeRelated and HintsRelated are the bits derived from toolkit
// content-type information.
const (
	PurposeRelated = Alpha | Digit | Number | Dialable | URL | Email | Password
	HintsRelated   = SpellCheck | NoSpellCheck | WordCompletion | Lowercase |
		Uppercase | UppercaseWords | UppercaseSentences | NoOnScreenKeyboard
)

var names = map[string]Flag{
	"client-side-ui":          ClientSideUI,
	"preedit":                 Preedit,
	"client-side-control":     ClientSideControlState,
	"password":                Password,
	"formatted-preedit":       FormattedPreedit,
	"client-unfocus-commit":   ClientUnfocusCommit,
	"surrounding-text":        SurroundingText,
	"email":                   Email,
	"digit":                   Digit,
	"uppercase":               Uppercase,
	"lowercase":               Lowercase,
	"no-auto-uppercase":       NoAutoUpperCase,
	"url":                     URL,
	"dialable":                Dialable,
	"number":                  Number,
	"no-on-screen-keyboard":   NoOnScreenKeyboard,
	"spellcheck":              SpellCheck,
	"no-spellcheck":           NoSpellCheck,
	"word-completion":         WordCompletion,
	"uppercase-words":         UppercaseWords,
	"uppercase-sentences":     UppercaseSentences,
	"alpha":                   Alpha,
	"name":                    Name,
	"get-im-info-on-focus":    GetIMInfoOnFocus,
	"relative-rect":           RelativeRect,
	"multiline":               Multiline,
	"sensitive":               Sensitive,
	"key-event-order-fix":     KeyEventOrderFix,
	"report-key-repeat":       ReportKeyRepeat,
	"client-side-input-panel": ClientSideInputPanel,
}

// ParseFeatures converts feature names into a Flag. Names are case
// insensitive; underscores and hyphens are interchangeable.
func ParseFeatures(list []string) (Flag, error) {
	var f Flag
	for _, raw := range list {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "-")
		if key == "" {
			continue
		}
		bit, ok := names[key]
		if !ok {
			return 0, fmt.Errorf("unknown capability %q", raw)
		}
		f |= bit
	}
	return f, nil
}

// Has reports whether all bits of other are set.
func (f Flag) Has(other Flag) bool {
	return f&other == other
}

// Names returns the sorted feature names set in f. Unnamed bits are
// rendered as "bit<N>".
func (f Flag) Names() []string {
	out := make([]string, 0, bits.OnesCount64(uint64(f)))
	rest := f
	for name, bit := range names {
		if f&bit != 0 {
			out = append(out, name)
			rest &^= bit
		}
	}
	for rest != 0 {
		n := bits.TrailingZeros64(uint64(rest))
		out = append(out, fmt.Sprintf("bit%d", n))
		rest &^= 1 << n
	}
	sort.Strings(out)
	return out
}

func (f Flag) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), "|")
}
