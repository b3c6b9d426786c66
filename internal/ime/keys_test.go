package ime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func press(keycode, time uint32) KeyEvent {
	return KeyEvent{Keyval: 0x61, Keycode: keycode, Time: time}
}

func release(keycode, time uint32) KeyEvent {
	return KeyEvent{Keyval: 0x61, Keycode: keycode, Time: time, Release: true}
}

func TestRepeatClassifier(t *testing.T) {
	tests := []struct {
		name   string
		events []KeyEvent
		want   []bool
	}{
		{
			name:   "first press is not a repeat",
			events: []KeyEvent{press(65, 100)},
			want:   []bool{false},
		},
		{
			name:   "press after press of same keycode",
			events: []KeyEvent{press(65, 100), press(65, 100)},
			want:   []bool{false, true},
		},
		{
			name:   "press after press with later timestamp",
			events: []KeyEvent{press(65, 100), press(65, 130)},
			want:   []bool{false, true},
		},
		{
			name:   "press after press of other keycode",
			events: []KeyEvent{press(65, 100), press(66, 100)},
			want:   []bool{false, false},
		},
		{
			name:   "release is never a repeat",
			events: []KeyEvent{press(65, 100), release(65, 100), release(65, 100)},
			want:   []bool{false, false, false},
		},
		{
			name:   "press at same timestamp as preceding release",
			events: []KeyEvent{press(65, 100), release(65, 150), press(65, 150)},
			want:   []bool{false, false, true},
		},
		{
			name:   "press after release with new timestamp",
			events: []KeyEvent{press(65, 100), release(65, 150), press(65, 151)},
			want:   []bool{false, false, false},
		},
		{
			name:   "zero timestamps never match",
			events: []KeyEvent{press(65, 0), release(65, 0), press(65, 0)},
			want:   []bool{false, false, false},
		},
		{
			name:   "press after release of other keycode",
			events: []KeyEvent{release(66, 150), press(65, 150)},
			want:   []bool{false, false},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c RepeatClassifier
			for i, ev := range tt.events {
				assert.Equal(t, tt.want[i], c.Classify(ev), "event %d", i)
			}
		})
	}
}

func TestRepeatClassifierReset(t *testing.T) {
	var c RepeatClassifier
	c.Classify(press(65, 100))
	c.Reset()
	assert.False(t, c.Classify(press(65, 100)))
}

func TestOutgoingState(t *testing.T) {
	ev := KeyEvent{State: 0x4}
	assert.Equal(t, uint32(0x4)|StateRepeat, outgoingState(ev, true))
	assert.Equal(t, uint32(0x4), outgoingState(KeyEvent{State: 0x4 | StateRepeat}, false))
}

func TestReplayCacheEvictsOldest(t *testing.T) {
	c := NewReplayCache(3)
	evs := []KeyEvent{{Serial: 1}, {Serial: 2}, {Serial: 3}, {Serial: 4}}
	for _, ev := range evs {
		assert.True(t, c.Add(ev))
	}

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, 3, c.Cap())
	assert.False(t, c.Contains(evs[0]))
	for _, ev := range evs[1:] {
		assert.True(t, c.Contains(ev))
	}

	assert.False(t, c.Add(evs[3]), "duplicate identities are not stored twice")
	assert.True(t, c.Add(KeyEvent{Serial: 5}))
	assert.False(t, c.Contains(evs[1]))
}

func TestReplayCacheIdentityIsFullValue(t *testing.T) {
	c := NewReplayCache(0)
	assert.Equal(t, DefaultReplayCacheSize, c.Cap())

	ev := KeyEvent{Serial: 7, Keyval: 0x61, Keycode: 38, Time: 5}
	c.Add(ev)
	other := ev
	other.Serial = 8
	assert.True(t, c.Contains(ev))
	assert.False(t, c.Contains(other))
}

func TestRequestTrackerGenerations(t *testing.T) {
	tr := NewRequestTracker()
	ctx := tr.Context()
	assert.Equal(t, uint64(0), tr.Generation())

	assert.Equal(t, uint64(1), tr.Advance())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.NoError(t, tr.Context().Err())
	assert.True(t, tr.Current(1))
	assert.False(t, tr.Current(0))

	assert.Equal(t, uint64(2), tr.Advance())
}

func TestRequestTrackerPending(t *testing.T) {
	tr := NewRequestTracker()
	ev := KeyEvent{Serial: 1}

	a := tr.Begin(ev, 0)
	b := tr.Begin(ev, 0)
	assert.NotEqual(t, a.Seq, b.Seq)
	assert.True(t, tr.IsPending(ev))
	assert.Equal(t, 2, tr.Pending())

	tr.Finish(a)
	tr.Finish(a)
	assert.True(t, tr.IsPending(ev))
	tr.Finish(b)
	assert.False(t, tr.IsPending(ev))
	assert.Equal(t, 0, tr.Pending())
}
