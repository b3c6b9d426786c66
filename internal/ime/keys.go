package ime

import "fmt"

// StateRepeat is set in the outgoing key state when a press is an
// auto-repeat.
const StateRepeat uint32 = 1 << 31

// KeyEvent is a key press or release as delivered by the toolkit. Two events
// are the same event only if every field matches; Serial tells apart
// otherwise identical deliveries.
type KeyEvent struct {
	Serial  uint64
	Keyval  uint32
	Keycode uint32
	State   uint32
	Release bool
	Time    uint32
}

func (e KeyEvent) String() string {
	kind := "press"
	if e.Release {
		kind = "release"
	}
	return fmt.Sprintf("%s keyval=0x%x keycode=%d state=0x%x serial=%d", kind, e.Keyval, e.Keycode, e.State, e.Serial)
}

// KeyDisposition is the immediate outcome of ProcessKey.
type KeyDisposition int

const (
	// KeyQueued means an RPC is in flight; the completion callback decides.
	KeyQueued KeyDisposition = iota
	// KeyNotForwarded means the caller must handle the event locally now.
	KeyNotForwarded
	// KeyAlreadyDelivered means the event was already resolved and must be
	// dropped.
	KeyAlreadyDelivered
)

func (d KeyDisposition) String() string {
	switch d {
	case KeyQueued:
		return "queued"
	case KeyNotForwarded:
		return "not-forwarded"
	case KeyAlreadyDelivered:
		return "already-delivered"
	default:
		return fmt.Sprintf("KeyDisposition(%d)", int(d))
	}
}

// KeyVerdict is the final outcome of a queued key event.
type KeyVerdict int

const (
	// Handled: the service consumed the event.
	Handled KeyVerdict = iota
	// Unhandled: the event went to the fallback handler.
	Unhandled
	// Discarded: the session moved on before the reply arrived.
	Discarded
)

func (v KeyVerdict) String() string {
	switch v {
	case Handled:
		return "handled"
	case Unhandled:
		return "unhandled"
	case Discarded:
		return "discarded"
	default:
		return fmt.Sprintf("KeyVerdict(%d)", int(v))
	}
}

// RepeatClassifier decides whether a press is an auto-repeat by comparing
// it with the previous event seen.
type RepeatClassifier struct {
	seen        bool
	lastRelease bool
	lastKeycode uint32
	lastTime    uint32
}

// Classify records ev and reports whether it is a repeat. A release is
// never a repeat. A press following a press of the same keycode is. A press
// following a release is a repeat only when the keycode and a non-zero
// timestamp both match, which is how X11 reports synthetic repeat pairs.
func (c *RepeatClassifier) Classify(ev KeyEvent) bool {
	repeat := false
	if !ev.Release && c.seen && c.lastKeycode == ev.Keycode {
		if !c.lastRelease {
			repeat = true
		} else {
			repeat = ev.Time != 0 && ev.Time == c.lastTime
		}
	}
	c.seen = true
	c.lastRelease = ev.Release
	c.lastKeycode = ev.Keycode
	c.lastTime = ev.Time
	return repeat
}

// Reset forgets the previous event.
func (c *RepeatClassifier) Reset() {
	*c = RepeatClassifier{}
}

// outgoingState returns the state sent to the service.
func outgoingState(ev KeyEvent, repeat bool) uint32 {
	if repeat {
		return ev.State | StateRepeat
	}
	return ev.State &^ StateRepeat
}
