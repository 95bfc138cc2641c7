package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
)

const (
	// MaxFrameSize is the default receive capacity: the largest payload length a peer accepts
	MaxFrameSize = 1024

	// MaxPayloadSize is the largest payload the 2-byte length field can describe
	MaxPayloadSize = 65535

	lengthPrefixSize = 2
)

var (
	ErrFrameTooLarge   = errors.New("frame exceeds maximum size")
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrPayloadTooLarge = errors.New("payload exceeds 65535 bytes")
)

// EncodeTo writes m as one frame: [Length (uint16)][Kind (uint8)][Nickname][Body]
func EncodeTo(w io.Writer, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Encode returns the complete frame for m
func Encode(m Message) ([]byte, error) {
	size := PayloadSize(m)
	if size > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	buf := bytes.NewBuffer(make([]byte, 0, lengthPrefixSize+size))
	if err := WriteUint16(buf, uint16(size)); err != nil {
		return nil, err
	}
	if err := EncodePayload(buf, m); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decoder reassembles frames from arbitrarily chunked stream reads.
// It is not safe for concurrent use; each connection owns one.
type Decoder struct {
	max int
	buf []byte
	err error
}

// NewDecoder returns a Decoder that rejects frames declaring more than max payload bytes.
// A non-positive max selects MaxFrameSize.
func NewDecoder(max int) *Decoder {
	if max <= 0 {
		max = MaxFrameSize
	}
	return &Decoder{
		max: max,
		buf: make([]byte, 0, max+lengthPrefixSize),
	}
}

// Feed buffers p and returns the messages completed so far. Bytes are buffered
// immediately; decoding happens lazily while the sequence is ranged over, so a partial
// frame stays buffered for the next call. The first decode error is yielded once per
// call and is sticky: the stream cannot be resynchronized after it.
func (d *Decoder) Feed(p []byte) iter.Seq2[Message, error] {
	if d.err == nil {
		d.buf = append(d.buf, p...)
	}

	return func(yield func(Message, error) bool) {
		for d.err == nil {
			if len(d.buf) < lengthPrefixSize {
				return
			}

			length := int(binary.BigEndian.Uint16(d.buf))
			if length > d.max {
				d.fail(fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, length, d.max))
				break
			}

			end := lengthPrefixSize + length
			if len(d.buf) < end {
				return
			}

			msg, err := DecodePayload(d.buf[lengthPrefixSize:end])
			if err != nil {
				d.fail(err)
				break
			}

			n := copy(d.buf, d.buf[end:])
			d.buf = d.buf[:n]

			if !yield(msg, nil) {
				return
			}
		}

		yield(Message{}, d.err)
	}
}

// Buffered returns the number of bytes held for an incomplete frame
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Err returns the sticky decode error, if any
func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) fail(err error) {
	d.err = err
	d.buf = nil
}

// ReadMessage reads exactly one frame from r. It is a blocking convenience for
// callers that own a reader, such as tests and the load generator.
func ReadMessage(r io.Reader, max int) (Message, error) {
	if max <= 0 {
		max = MaxFrameSize
	}

	length, err := ReadUint16(r)
	if err != nil {
		return Message{}, err
	}
	if int(length) > max {
		return Message{}, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, length, max)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, err
	}

	return DecodePayload(payload)
}
