package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame is one protocol unit: the decoded header fields plus the payload.
// Sender and Topic are the logical strings; the fixed-width NUL padding of
// the wire form is applied on encode and stripped on decode.
type Frame struct {
	Type      MsgType
	MessageID uint32
	Timestamp uint64 // seconds since epoch
	Version   uint8
	Flags     uint8
	Sender    string
	Topic     string
	Payload   []byte
}

// ErrPayloadTooLarge is returned when a header declares a payload beyond
// MaxPayloadSize. It is fatal for the connection.
var ErrPayloadTooLarge = errors.New("protocol: declared payload exceeds limit")

// Header field offsets within the encoded 90 bytes.
const (
	offType      = 0
	offPayload   = 4
	offMessageID = 8
	offTimestamp = 12
	offVersion   = 20
	offFlags     = 21
	offSender    = 22
	offTopic     = offSender + MaxUsernameLen
	offChecksum  = offTopic + MaxTopicLen
)

// EncodeHeader packs the frame's header into its 90-byte wire form.
// Sender and Topic longer than the field width are truncated to width-1
// bytes so the terminating NUL is always present. The checksum field is
// reserved and written as zero.
func (f *Frame) EncodeHeader() [HeaderSize]byte {
	var h [HeaderSize]byte
	binary.LittleEndian.PutUint32(h[offType:], uint32(f.Type))
	binary.LittleEndian.PutUint32(h[offPayload:], uint32(len(f.Payload)))
	binary.LittleEndian.PutUint32(h[offMessageID:], f.MessageID)
	binary.LittleEndian.PutUint64(h[offTimestamp:], f.Timestamp)
	h[offVersion] = f.Version
	h[offFlags] = f.Flags
	putFixedString(h[offSender:offSender+MaxUsernameLen], f.Sender)
	putFixedString(h[offTopic:offTopic+MaxTopicLen], f.Topic)
	return h
}

// decodeHeader fills everything except Payload; the declared payload length
// is returned for the caller to read.
func decodeHeader(h []byte, f *Frame) uint32 {
	f.Type = MsgType(binary.LittleEndian.Uint32(h[offType:]))
	payloadLen := binary.LittleEndian.Uint32(h[offPayload:])
	f.MessageID = binary.LittleEndian.Uint32(h[offMessageID:])
	f.Timestamp = binary.LittleEndian.Uint64(h[offTimestamp:])
	f.Version = h[offVersion]
	f.Flags = h[offFlags]
	f.Sender = fixedString(h[offSender : offSender+MaxUsernameLen])
	f.Topic = fixedString(h[offTopic : offTopic+MaxTopicLen])
	return payloadLen
}

// ReadFrame reads exactly one frame from r: the full header, then the full
// payload. Any short read is returned as an error; callers treat it as a
// dead connection.
func ReadFrame(r io.Reader) (*Frame, error) {
	var h [HeaderSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}
	f := &Frame{}
	payloadLen := decodeHeader(h[:], f)
	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, payloadLen)
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("protocol: short payload read: %w", err)
		}
	}
	return f, nil
}

// WriteFrame emits the header followed by the payload. The caller is
// responsible for serializing concurrent writers on the same connection so
// header and payload bytes cannot interleave.
func WriteFrame(w io.Writer, f *Frame) error {
	h := f.EncodeHeader()
	if _, err := w.Write(h[:]); err != nil {
		return fmt.Errorf("protocol: write header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("protocol: write payload: %w", err)
		}
	}
	return nil
}

// TruncateName clips s to the bytes that fit a fixed name field (width-1,
// leaving room for the NUL). Both name fields share the same width.
func TruncateName(s string) string {
	if len(s) >= MaxUsernameLen {
		return s[:MaxUsernameLen-1]
	}
	return s
}

func putFixedString(dst []byte, s string) {
	n := copy(dst[:len(dst)-1], s) // last byte stays NUL
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func fixedString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
