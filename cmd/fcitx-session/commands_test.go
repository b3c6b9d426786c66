package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imsession/internal/capability"
	"imsession/internal/ime"
	"imsession/internal/ipc"
	"imsession/internal/ipc/ipctest"
	"imsession/internal/mainloop"
	"imsession/internal/watcher"
)

func TestParseCommand(t *testing.T) {
	hello := "hello world"
	tests := []struct {
		line string
		want Command
	}{
		{"key 0x61 38", Command{Name: "key", Keyval: 0x61, Keycode: 38}},
		{"KEY 97 38 release", Command{Name: "key", Keyval: 97, Keycode: 38, Release: true}},
		{"focus in", Command{Name: "focus", Focus: true}},
		{"focus out", Command{Name: "focus"}},
		{"cursor 10 20 1 16", Command{Name: "cursor", Rect: ime.Rect{X: 10, Y: 20, W: 1, H: 16}}},
		{"cursor 10 20 1 16 1.5", Command{Name: "cursor", Rect: ime.Rect{X: 10, Y: 20, W: 1, H: 16, Scale: 1.5}}},
		{"surrounding 3 3", Command{Name: "surrounding", Cursor: 3, Anchor: 3}},
		{"surrounding 5 0 hello world", Command{Name: "surrounding", Cursor: 5, Anchor: 0, Text: &hello}},
		{"features preedit,surrounding_text", Command{Name: "features", Features: capability.Preedit | capability.SurroundingText}},
		{"select 2", Command{Name: "select", Index: 2}},
		{"  status  ", Command{Name: "status"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommandErrors(t *testing.T) {
	_, err := ParseCommand("   ")
	assert.ErrorIs(t, err, errEmpty)

	for _, line := range []string{
		"key",
		"key 0x61",
		"key x 38",
		"key 0x61 38 down",
		"focus",
		"focus sideways",
		"cursor 1 2 3",
		"cursor 1 2 3 4 0",
		"surrounding 1",
		"features nonsense",
		"select -1",
		"reset now",
		"launch",
	} {
		t.Run(line, func(t *testing.T) {
			_, err := ParseCommand(line)
			assert.Error(t, err)
		})
	}
}

type cliFixture struct {
	loop    *mainloop.Manual
	bus     *ipctest.Bus
	session *ime.Session
	out     *bytes.Buffer
	runner  *runner
}

func newCLIFixture(t *testing.T, cfg ime.Config) *cliFixture {
	t.Helper()
	f := &cliFixture{
		loop: mainloop.NewManual(),
		bus:  ipctest.NewBus(),
		out:  new(bytes.Buffer),
	}
	w := watcher.New(f.loop, f.bus.Dial)
	w.Watch(context.Background())
	f.loop.Drain()

	f.session = ime.New(f.loop, w, printHandler{out: f.out}, cfg)
	f.runner = &runner{session: f.session, out: f.out, clock: func() uint32 { return 1000 }}
	f.loop.Drain()
	return f
}

func (f *cliFixture) connect(t *testing.T, delay time.Duration) *ipctest.Context {
	t.Helper()
	f.bus.SetOwner(ipc.MainServiceName, ":1.10")
	f.loop.Drain()
	f.loop.Advance(delay)
	f.loop.Drain()
	require.Equal(t, ime.StateConnected, f.session.State())
	ic := f.bus.Last()
	require.NotNil(t, ic)
	f.out.Reset()
	return ic
}

func (f *cliFixture) exec(t *testing.T, line string) bool {
	t.Helper()
	cmd, err := ParseCommand(line)
	require.NoError(t, err)
	more := f.runner.run(cmd)
	f.loop.Drain()
	return more
}

func TestRunnerKeyWhileDisconnected(t *testing.T) {
	f := newCLIFixture(t, ime.DefaultConfig())

	assert.True(t, f.exec(t, "key 0x61 38"))
	assert.Equal(t, "local press keyval=0x61 keycode=38 state=0x0 serial=1\n", f.out.String())
}

func TestRunnerAsyncKeyFallsBack(t *testing.T) {
	cfg := ime.DefaultConfig()
	f := newCLIFixture(t, cfg)
	f.connect(t, cfg.ReconnectDelay)

	f.exec(t, "key 0x61 38")
	lines := strings.Split(strings.TrimSpace(f.out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "key press keyval=0x61 keycode=38 state=0x0 serial=1 queued", lines[0])
	assert.Equal(t, "fallback press keyval=0x61 keycode=38 state=0x0 serial=1", lines[1])
	assert.Equal(t, "key press keyval=0x61 keycode=38 state=0x0 serial=1 verdict=unhandled", lines[2])
}

func TestRunnerAsyncKeyHandled(t *testing.T) {
	cfg := ime.DefaultConfig()
	f := newCLIFixture(t, cfg)
	f.bus.KeyHandler = func(ipc.KeyArgs) (bool, error) { return true, nil }
	f.connect(t, cfg.ReconnectDelay)

	f.exec(t, "key 0x61 38")
	assert.Contains(t, f.out.String(), "verdict=handled")
	assert.NotContains(t, f.out.String(), "fallback")
}

func TestRunnerSyncKey(t *testing.T) {
	cfg := ime.DefaultConfig()
	cfg.Delivery = ime.DeliverySync
	f := newCLIFixture(t, cfg)
	f.connect(t, cfg.ReconnectDelay)

	f.exec(t, "key 0x61 38")
	assert.Equal(t,
		"key press keyval=0x61 keycode=38 state=0x0 serial=1 sync handled=false\n"+
			"local press keyval=0x61 keycode=38 state=0x0 serial=1\n",
		f.out.String())
}

func TestRunnerForwardsInputCommands(t *testing.T) {
	cfg := ime.DefaultConfig()
	f := newCLIFixture(t, cfg)
	ic := f.connect(t, cfg.ReconnectDelay)

	for _, line := range []string{
		"focus in",
		"cursor 1 2 3 4",
		"surrounding 2 2 ab",
		"select 1",
		"prev",
		"next",
		"reset",
		"focus out",
	} {
		assert.True(t, f.exec(t, line), line)
	}

	methods := ic.Methods()
	for _, m := range []string{"FocusIn", "SetCursorRect", "SetSurroundingText", "SelectCandidate", "PrevPage", "NextPage", "Reset", "FocusOut"} {
		assert.Contains(t, methods, m)
	}
	sel := ic.CallsTo("SelectCandidate")
	require.Len(t, sel, 1)
	assert.Equal(t, int32(1), sel[0].Args[0])
}

func TestRunnerStatusAndQuit(t *testing.T) {
	cfg := ime.DefaultConfig()
	f := newCLIFixture(t, cfg)
	ic := f.connect(t, cfg.ReconnectDelay)

	f.exec(t, "status")
	out := f.out.String()
	assert.Contains(t, out, "state=connected")
	assert.Contains(t, out, "delivery=async")
	assert.Contains(t, out, "owner=:1.10")
	assert.Contains(t, out, string(ic.Ref().Path))

	assert.False(t, f.exec(t, "quit"))
}

func TestPrintHandlerNotifications(t *testing.T) {
	cfg := ime.DefaultConfig()
	f := newCLIFixture(t, cfg)
	ic := f.connect(t, cfg.ReconnectDelay)

	ic.Emit(ipc.CommitString{Text: "你好"})
	ic.Emit(ipc.ForwardKey{Keyval: 0x62, State: 0x1})
	ic.Emit(ipc.CurrentIM{Name: "pinyin", UniqueName: "pinyin", LangCode: "zh_CN"})
	f.loop.Drain()

	out := f.out.String()
	assert.Contains(t, out, `commit "你好"`)
	assert.Contains(t, out, "forward keyval=0x62 state=0x1 release=false")
	assert.Contains(t, out, `im name="pinyin" unique="pinyin" lang="zh_CN"`)
}

func TestReadCommandsStopsAtQuit(t *testing.T) {
	loop := mainloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	out := new(bytes.Buffer)
	in := strings.NewReader("\nbogus\nquit\nfocus in\n")
	err := readCommands(ctx, loop, in, out, func() *ime.Session { return nil })
	require.NoError(t, err)
	assert.Equal(t, "error: unknown command \"bogus\"\n", out.String())
}
