package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"imsession/internal/capability"
	"imsession/internal/ime"
)

// Command is one parsed stdin line.
type Command struct {
	Name string

	Keyval  uint32
	Keycode uint32
	Release bool

	Focus bool

	Rect ime.Rect

	Cursor, Anchor uint32
	Text           *string

	Features capability.Flag
	Index    int
}

var errEmpty = errors.New("empty command")

// ParseCommand parses a command line such as "key 0x61 38" or
// "surrounding 3 3 hello world".
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, errEmpty
	}
	cmd := Command{Name: strings.ToLower(fields[0])}
	args := fields[1:]

	switch cmd.Name {
	case "key":
		if len(args) < 2 || len(args) > 3 {
			return cmd, usage("key <keyval> <keycode> [release]")
		}
		var err error
		if cmd.Keyval, err = parseUint32(args[0]); err != nil {
			return cmd, fmt.Errorf("keyval: %w", err)
		}
		if cmd.Keycode, err = parseUint32(args[1]); err != nil {
			return cmd, fmt.Errorf("keycode: %w", err)
		}
		if len(args) == 3 {
			if args[2] != "release" {
				return cmd, usage("key <keyval> <keycode> [release]")
			}
			cmd.Release = true
		}

	case "focus":
		if len(args) != 1 || (args[0] != "in" && args[0] != "out") {
			return cmd, usage("focus in|out")
		}
		cmd.Focus = args[0] == "in"

	case "cursor":
		if len(args) != 4 && len(args) != 5 {
			return cmd, usage("cursor <x> <y> <w> <h> [scale]")
		}
		var v [4]int32
		for i := range v {
			n, err := strconv.ParseInt(args[i], 10, 32)
			if err != nil {
				return cmd, fmt.Errorf("cursor: %w", err)
			}
			v[i] = int32(n)
		}
		cmd.Rect = ime.Rect{X: v[0], Y: v[1], W: v[2], H: v[3]}
		if len(args) == 5 {
			scale, err := strconv.ParseFloat(args[4], 64)
			if err != nil || scale <= 0 {
				return cmd, fmt.Errorf("cursor: invalid scale %q", args[4])
			}
			cmd.Rect.Scale = scale
		}

	case "surrounding":
		if len(args) < 2 {
			return cmd, usage("surrounding <cursor> <anchor> [text]")
		}
		var err error
		if cmd.Cursor, err = parseUint32(args[0]); err != nil {
			return cmd, fmt.Errorf("cursor: %w", err)
		}
		if cmd.Anchor, err = parseUint32(args[1]); err != nil {
			return cmd, fmt.Errorf("anchor: %w", err)
		}
		if len(args) > 2 {
			text := strings.Join(args[2:], " ")
			cmd.Text = &text
		}

	case "features":
		if len(args) != 1 {
			return cmd, usage("features a,b,c")
		}
		f, err := capability.ParseFeatures(strings.Split(args[0], ","))
		if err != nil {
			return cmd, err
		}
		cmd.Features = f

	case "select":
		if len(args) != 1 {
			return cmd, usage("select <index>")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return cmd, fmt.Errorf("select: invalid index %q", args[0])
		}
		cmd.Index = n

	case "reset", "prev", "next", "reconnect", "status", "quit":
		if len(args) != 0 {
			return cmd, usage(cmd.Name)
		}

	default:
		return cmd, fmt.Errorf("unknown command %q", cmd.Name)
	}
	return cmd, nil
}

func usage(s string) error { return fmt.Errorf("usage: %s", s) }

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	return uint32(n), err
}

// runner executes commands against a session. It must only be used on the
// loop goroutine.
type runner struct {
	session *ime.Session
	out     io.Writer
	serial  uint64
	clock   func() uint32
}

// run executes cmd. It reports false for quit.
func (r *runner) run(cmd Command) bool {
	s := r.session
	switch cmd.Name {
	case "key":
		r.serial++
		ev := ime.KeyEvent{
			Serial:  r.serial,
			Keyval:  cmd.Keyval,
			Keycode: cmd.Keycode,
			Release: cmd.Release,
			Time:    r.clock(),
		}
		r.key(ev)
	case "focus":
		if cmd.Focus {
			s.FocusIn()
		} else {
			s.FocusOut()
		}
	case "reset":
		s.Reset()
	case "cursor":
		s.SetCursorRect(cmd.Rect)
	case "surrounding":
		s.SetSurroundingText(cmd.Text, cmd.Cursor, cmd.Anchor)
	case "features":
		s.SetLocalFeatures(cmd.Features)
	case "select":
		s.SelectCandidate(cmd.Index)
	case "prev":
		s.PrevPage()
	case "next":
		s.NextPage()
	case "reconnect":
		s.Reconnect()
	case "status":
		r.status()
	case "quit":
		return false
	}
	return true
}

func (r *runner) key(ev ime.KeyEvent) {
	s := r.session
	if s.DeliveryMode() == ime.DeliverySync {
		handled := s.ProcessKeySync(ev)
		fmt.Fprintf(r.out, "key %s sync handled=%t\n", ev, handled)
		if !handled {
			fmt.Fprintf(r.out, "local %s\n", ev)
		}
		return
	}

	switch d := s.ProcessKey(ev, 0, func(v ime.KeyVerdict) {
		fmt.Fprintf(r.out, "key %s verdict=%s\n", ev, v)
	}); d {
	case ime.KeyQueued:
		fmt.Fprintf(r.out, "key %s queued\n", ev)
	case ime.KeyNotForwarded:
		fmt.Fprintf(r.out, "local %s\n", ev)
	default:
		fmt.Fprintf(r.out, "key %s %s\n", ev, d)
	}
}

func (r *runner) status() {
	s := r.session
	fmt.Fprintf(r.out, "state=%s generation=%d delivery=%s pending=%d features=%s\n",
		s.State(), s.Generation(), s.DeliveryMode(), s.PendingKeys(), s.Features())
	if ref, ok := s.InputContext(); ok {
		fmt.Fprintf(r.out, "owner=%s path=%s uuid=%s\n", ref.Owner, ref.Path, ref.UUID)
	}
}
