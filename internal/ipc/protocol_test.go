package ipc

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCreateReply(t *testing.T) {
	id := uuid.New()

	ref, err := ParseCreateReply(":1.7", "/org/freedesktop/portal/inputcontext/3", id[:])
	require.NoError(t, err)
	assert.Equal(t, ":1.7", ref.Owner)
	assert.Equal(t, dbus.ObjectPath("/org/freedesktop/portal/inputcontext/3"), ref.Path)
	assert.Equal(t, id, ref.UUID)
}

func TestParseCreateReplyRejectsMalformed(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name string
		path dbus.ObjectPath
		raw  []byte
	}{
		{"root path", "/", id[:]},
		{"invalid path", "not/a/path", id[:]},
		{"short uuid", "/ic/1", id[:8]},
		{"empty uuid", "/ic/1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCreateReply(":1.7", tt.path, tt.raw)
			assert.ErrorIs(t, err, ErrMalformedReply)
		})
	}
}

func TestDecodeSignal(t *testing.T) {
	t.Run("commit string", func(t *testing.T) {
		sig, err := DecodeSignal("CommitString", []interface{}{"你好"})
		require.NoError(t, err)
		assert.Equal(t, CommitString{Text: "你好"}, sig)
		assert.Equal(t, "CommitString", SignalName(sig))
	})

	t.Run("forward key", func(t *testing.T) {
		sig, err := DecodeSignal("ForwardKey", []interface{}{uint32(0x61), uint32(4), true})
		require.NoError(t, err)
		assert.Equal(t, ForwardKey{Keyval: 0x61, State: 4, Release: true}, sig)
	})

	t.Run("delete surrounding text", func(t *testing.T) {
		sig, err := DecodeSignal("DeleteSurroundingText", []interface{}{int32(-2), uint32(2)})
		require.NoError(t, err)
		assert.Equal(t, DeleteSurroundingText{Offset: -2, Count: 2}, sig)
	})

	t.Run("current im", func(t *testing.T) {
		sig, err := DecodeSignal("CurrentIM", []interface{}{"Pinyin", "pinyin", "zh_CN"})
		require.NoError(t, err)
		assert.Equal(t, CurrentIM{Name: "Pinyin", UniqueName: "pinyin", LangCode: "zh_CN"}, sig)
	})

	t.Run("formatted preedit", func(t *testing.T) {
		body := []interface{}{
			[][]interface{}{{"ni", int32(8)}, {"hao", int32(0)}},
			int32(2),
		}
		sig, err := DecodeSignal("UpdateFormattedPreedit", body)
		require.NoError(t, err)
		assert.Equal(t, UpdateFormattedPreedit{
			Segments: []FormattedText{{Text: "ni", Format: 8}, {Text: "hao", Format: 0}},
			Cursor:   2,
		}, sig)
	})

	t.Run("wrong arity", func(t *testing.T) {
		_, err := DecodeSignal("ForwardKey", []interface{}{uint32(1)})
		assert.ErrorIs(t, err, ErrMalformedReply)
	})

	t.Run("unknown member", func(t *testing.T) {
		_, err := DecodeSignal("Explode", nil)
		assert.ErrorIs(t, err, ErrUnknownSignal)
	})
}

func TestConvertError(t *testing.T) {
	err := convertError(dbus.Error{
		Name: "org.freedesktop.DBus.Error.UnknownMethod",
		Body: []interface{}{"no such method"},
	})
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "org.freedesktop.DBus.Error.UnknownMethod", remote.Name)
	assert.Equal(t, "no such method", remote.Message)
	assert.Equal(t, "org.freedesktop.DBus.Error.UnknownMethod: no such method", remote.Error())

	plain := errors.New("boom")
	assert.Same(t, plain, convertError(plain))
}
