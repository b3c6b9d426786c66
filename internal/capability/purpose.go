package capability

import (
	"fmt"
	"strings"
)

// Purpose is the toolkit-level input purpose of a text field.
type Purpose int

// Input purposes, in toolkit order.
const (
	PurposeFreeForm Purpose = iota
	PurposeAlpha
	PurposeDigits
	PurposeNumber
	PurposePhone
	PurposeURL
	PurposeEmail
	PurposeName
	PurposePassword
	PurposePIN
	PurposeTerminal
)

// Hint is a bitset of toolkit-level input hints.
type Hint uint32

// Input hints.
const (
	HintSpellcheck Hint = 1 << iota
	HintNoSpellcheck
	HintWordCompletion
	HintLowercase
	HintUppercaseChars
	HintUppercaseWords
	HintUppercaseSentences
	HintInhibitOSK
)

var purposeNames = map[string]Purpose{
	"free-form": PurposeFreeForm,
	"alpha":     PurposeAlpha,
	"digits":    PurposeDigits,
	"number":    PurposeNumber,
	"phone":     PurposePhone,
	"url":       PurposeURL,
	"email":     PurposeEmail,
	"name":      PurposeName,
	"password":  PurposePassword,
	"pin":       PurposePIN,
	"terminal":  PurposeTerminal,
}

var hintNames = map[string]Hint{
	"spellcheck":          HintSpellcheck,
	"no-spellcheck":       HintNoSpellcheck,
	"word-completion":     HintWordCompletion,
	"lowercase":           HintLowercase,
	"uppercase-chars":     HintUppercaseChars,
	"uppercase-words":     HintUppercaseWords,
	"uppercase-sentences": HintUppercaseSentences,
	"inhibit-osk":         HintInhibitOSK,
}

// ParsePurpose parses a purpose name; the empty string is free-form.
func ParsePurpose(s string) (Purpose, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	if key == "" {
		return PurposeFreeForm, nil
	}
	p, ok := purposeNames[key]
	if !ok {
		return PurposeFreeForm, fmt.Errorf("unknown input purpose %q", s)
	}
	return p, nil
}

// ParseHints parses a list of hint names.
func ParseHints(list []string) (Hint, error) {
	var h Hint
	for _, raw := range list {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "-")
		if key == "" {
			continue
		}
		bit, ok := hintNames[key]
		if !ok {
			return 0, fmt.Errorf("unknown input hint %q", raw)
		}
		h |= bit
	}
	return h, nil
}

// FromPurpose returns the capability bits implied by p.
func FromPurpose(p Purpose) Flag {
	switch p {
	case PurposeAlpha:
		return Alpha
	case PurposeDigits:
		return Digit
	case PurposeNumber:
		return Number
	case PurposePhone:
		return Dialable
	case PurposeURL:
		return URL
	case PurposeEmail:
		return Email
	case PurposeName:
		return Name
	case PurposePassword:
		return Password
	case PurposePIN:
		return Password | Digit
	default:
		return 0
	}
}

// FromHints returns the capability bits implied by h.
func FromHints(h Hint) Flag {
	var f Flag
	if h&HintSpellcheck != 0 {
		f |= SpellCheck
	}
	if h&HintNoSpellcheck != 0 {
		f |= NoSpellCheck
	}
	if h&HintWordCompletion != 0 {
		f |= WordCompletion
	}
	if h&HintLowercase != 0 {
		f |= Lowercase
	}
	if h&HintUppercaseChars != 0 {
		f |= Uppercase
	}
	if h&HintUppercaseWords != 0 {
		f |= UppercaseWords
	}
	if h&HintUppercaseSentences != 0 {
		f |= UppercaseSentences
	}
	if h&HintInhibitOSK != 0 {
		f |= NoOnScreenKeyboard
	}
	return f
}

// WithContentType replaces the purpose and hint derived bits of base.
func WithContentType(base Flag, p Purpose, h Hint) Flag {
	base &^= PurposeRelated | HintsRelated | Name
	return base | FromPurpose(p) | FromHints(h)
}
