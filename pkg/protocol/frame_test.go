package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect drains a Feed sequence, stopping at the first error
func collect(t *testing.T, d *Decoder, chunk []byte) ([]Message, error) {
	t.Helper()

	var out []Message
	for msg, err := range d.Feed(chunk) {
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr error
	}{
		{
			name: "login",
			msg:  Message{Kind: KindLogin, Nickname: "alice"},
		},
		{
			name: "text with empty nickname",
			msg:  Message{Kind: KindText, Body: "hello world"},
		},
		{
			name: "status notice",
			msg:  Message{Kind: KindStatus, Body: "alice disconnected due to inactivity"},
		},
		{
			name: "multibyte body",
			msg:  Message{Kind: KindText, Nickname: "bob", Body: "héllo, 世界"},
		},
		{
			name:    "unknown kind",
			msg:     Message{Kind: Kind(7), Body: "x"},
			wantErr: ErrMalformedFrame,
		},
		{
			name:    "payload beyond length field",
			msg:     Message{Kind: KindText, Body: strings.Repeat("a", MaxPayloadSize)},
			wantErr: ErrPayloadTooLarge,
		},
		{
			name:    "invalid utf-8",
			msg:     Message{Kind: KindText, Body: "\xff\xfe"},
			wantErr: ErrInvalidUTF8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.msg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, FrameSize(tt.msg), len(frame))

			decoded, err := ReadMessage(bytes.NewReader(frame), MaxPayloadSize)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestFrameStructure(t *testing.T) {
	frame, err := Encode(Message{Kind: KindText, Nickname: "al", Body: "hi"})
	require.NoError(t, err)

	expected := []byte{
		0x00, 0x09, // length
		0x01,                   // kind
		0x00, 0x02, 'a', 'l', // nickname
		0x00, 0x02, 'h', 'i', // body
	}
	assert.Equal(t, expected, frame)
}

func TestDecoderSplitsCoalescedFrames(t *testing.T) {
	var stream bytes.Buffer
	msgs := []Message{
		{Kind: KindLogin, Nickname: "alice"},
		{Kind: KindText, Body: "one"},
		{Kind: KindText, Body: "two"},
	}
	for _, m := range msgs {
		require.NoError(t, EncodeTo(&stream, m))
	}

	d := NewDecoder(MaxFrameSize)
	got, err := collect(t, d, stream.Bytes())
	require.NoError(t, err)
	assert.Equal(t, msgs, got)
	assert.Zero(t, d.Buffered())
}

func TestDecoderReassemblesPartialFrames(t *testing.T) {
	frame, err := Encode(Message{Kind: KindText, Nickname: "bob", Body: "partial"})
	require.NoError(t, err)

	d := NewDecoder(MaxFrameSize)

	got, err := collect(t, d, frame[:1])
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = collect(t, d, frame[1:5])
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 5, d.Buffered())

	got, err = collect(t, d, frame[5:])
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "partial", got[0].Body)
}

func TestDecoderErrors(t *testing.T) {
	t.Run("oversized frame", func(t *testing.T) {
		buf := new(bytes.Buffer)
		WriteUint16(buf, MaxFrameSize+1)
		buf.Write(make([]byte, 16))

		d := NewDecoder(MaxFrameSize)
		got, err := collect(t, d, buf.Bytes())
		assert.ErrorIs(t, err, ErrFrameTooLarge)
		assert.Empty(t, got)
	})

	t.Run("oversized frame after a valid one", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, EncodeTo(buf, Message{Kind: KindText, Body: "ok"}))
		WriteUint16(buf, 2000)

		d := NewDecoder(MaxFrameSize)
		got, err := collect(t, d, buf.Bytes())
		assert.ErrorIs(t, err, ErrFrameTooLarge)
		require.Len(t, got, 1)
		assert.Equal(t, "ok", got[0].Body)
	})

	t.Run("unknown kind", func(t *testing.T) {
		d := NewDecoder(MaxFrameSize)
		_, err := collect(t, d, []byte{0x00, 0x05, 0x09, 0x00, 0x00, 0x00, 0x00})
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("truncated string inside frame", func(t *testing.T) {
		d := NewDecoder(MaxFrameSize)
		_, err := collect(t, d, []byte{0x00, 0x03, 0x01, 0x00, 0x05})
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("trailing bytes inside frame", func(t *testing.T) {
		d := NewDecoder(MaxFrameSize)
		_, err := collect(t, d, []byte{0x00, 0x06, 0x01, 0x00, 0x00, 0x00, 0x00, 0xAA})
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("error is sticky", func(t *testing.T) {
		d := NewDecoder(MaxFrameSize)
		_, err := collect(t, d, []byte{0xFF, 0xFF})
		require.ErrorIs(t, err, ErrFrameTooLarge)

		frame, encErr := Encode(Message{Kind: KindText, Body: "late"})
		require.NoError(t, encErr)
		got, err := collect(t, d, frame)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
		assert.Empty(t, got)
		assert.ErrorIs(t, d.Err(), ErrFrameTooLarge)
	})
}

func TestDecoderStopEarlyKeepsRemainder(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, EncodeTo(&stream, Message{Kind: KindText, Body: "first"}))
	require.NoError(t, EncodeTo(&stream, Message{Kind: KindText, Body: "second"}))

	d := NewDecoder(MaxFrameSize)
	for msg, err := range d.Feed(stream.Bytes()) {
		require.NoError(t, err)
		assert.Equal(t, "first", msg.Body)
		break
	}

	got, err := collect(t, d, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "second", got[0].Body)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "LOGIN", KindLogin.String())
	assert.Equal(t, "TEXT", KindText.String())
	assert.Equal(t, "STATUS", KindStatus.String())
	assert.Equal(t, "UNKNOWN(0x03)", Kind(3).String())
	assert.False(t, Kind(3).Valid())
}

func TestLoginReplyBodies(t *testing.T) {
	welcome := Message{Kind: KindLogin, Nickname: "alice", Body: WelcomeBody("alice")}
	assert.True(t, IsWelcome(welcome, "alice"))
	assert.False(t, IsWelcome(welcome, "bob"))

	rejected := Message{Kind: KindLogin, Nickname: "alice", Body: UnavailableBody("alice")}
	assert.False(t, IsWelcome(rejected, "alice"))
	assert.Equal(t, `Nickname "alice" is not available`, rejected.Body)

	status := Message{Kind: KindStatus, Body: WelcomeBody("alice")}
	assert.False(t, IsWelcome(status, "alice"))
}
