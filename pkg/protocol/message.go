package protocol

import (
	"bytes"
	"fmt"
	"io"
)

// Kind identifies the meaning of a Message on the wire
type Kind uint8

const (
	KindLogin  Kind = 0x00
	KindText   Kind = 0x01
	KindStatus Kind = 0x02
)

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	return k <= KindStatus
}

func (k Kind) String() string {
	switch k {
	case KindLogin:
		return "LOGIN"
	case KindText:
		return "TEXT"
	case KindStatus:
		return "STATUS"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(k))
	}
}

// Message is the unit of exchange between client and server.
//
// Login: Nickname is the requested nickname (client) or the login result (server reply, Body).
// Text: Nickname is the authoritative sender as filled in by the server; clients send it empty.
// Status: Body is a human-readable notice, Nickname is empty for server notices.
type Message struct {
	Kind     Kind
	Nickname string
	Body     string
}

func (m Message) String() string {
	return fmt.Sprintf("%s{nickname=%q body=%q}", m.Kind, m.Nickname, m.Body)
}

// Login reply bodies. Clients tell acceptance from rejection by the exact welcome text.
func WelcomeBody(nickname string) string {
	return "Logged in as " + nickname
}

func UnavailableBody(nickname string) string {
	return fmt.Sprintf("Nickname %q is not available", nickname)
}

// NicknameTooLongBody rejects a nickname whose welcome reply would not fit in a frame
const NicknameTooLongBody = "Nickname too long"

// Welcome is the server's reply accepting nickname
func Welcome(nickname string) Message {
	return Message{Kind: KindLogin, Nickname: nickname, Body: WelcomeBody(nickname)}
}

// IsWelcome reports whether m is the server accepting nickname
func IsWelcome(m Message, nickname string) bool {
	return m.Kind == KindLogin && m.Body == WelcomeBody(nickname)
}

// PayloadSize is the serialized size of m without the frame length prefix.
// Receivers compare it against their MaxFrameSize.
func PayloadSize(m Message) int {
	return 1 + 2 + len(m.Nickname) + 2 + len(m.Body)
}

// FrameSize returns the number of bytes m occupies on the wire, length prefix included
func FrameSize(m Message) int {
	return lengthPrefixSize + PayloadSize(m)
}

// EncodePayload serializes m as Kind, Nickname, Body
func EncodePayload(w io.Writer, m Message) error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: kind %s", ErrMalformedFrame, m.Kind)
	}
	if err := WriteUint8(w, uint8(m.Kind)); err != nil {
		return err
	}
	if err := WriteString(w, m.Nickname); err != nil {
		return err
	}
	return WriteString(w, m.Body)
}

// DecodePayload parses exactly one serialized Message. Short input, trailing bytes,
// an unknown kind or invalid UTF-8 all yield ErrMalformedFrame.
func DecodePayload(payload []byte) (Message, error) {
	buf := bytes.NewReader(payload)

	kind, err := ReadUint8(buf)
	if err != nil {
		return Message{}, fmt.Errorf("%w: missing kind", ErrMalformedFrame)
	}
	if !Kind(kind).Valid() {
		return Message{}, fmt.Errorf("%w: unknown kind 0x%02X", ErrMalformedFrame, kind)
	}

	nickname, err := ReadString(buf)
	if err != nil {
		return Message{}, fmt.Errorf("%w: nickname: %v", ErrMalformedFrame, err)
	}

	body, err := ReadString(buf)
	if err != nil {
		return Message{}, fmt.Errorf("%w: body: %v", ErrMalformedFrame, err)
	}

	if buf.Len() != 0 {
		return Message{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, buf.Len())
	}

	return Message{Kind: Kind(kind), Nickname: nickname, Body: body}, nil
}
