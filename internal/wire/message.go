// Package wire implements the length-prefixed JSON framing and chunked
// file streaming described by the 2bshrd wire protocol: every frame is
// [4-byte big-endian length][N bytes of JSON], and FILE_CHUNK frames are
// immediately followed on the stream by their declared number of raw
// payload bytes.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	// ProtocolVersion is carried in every frame header.
	ProtocolVersion = 1

	// MaxHeaderSize bounds the JSON header; a declared length above this
	// is a hard protocol error, never a partial read.
	MaxHeaderSize = 10 * 1024 * 1024

	// ChunkSize is the size used by senders for all but the final chunk
	// of a file. Readers must not assume a fixed size.
	ChunkSize = 64 * 1024
)

// MessageType identifies the kind of a frame's payload. See §6.2.
type MessageType int

const (
	HELLO     MessageType = 1
	HELLO_ACK MessageType = 2

	FILE_OFFER    MessageType = 10
	FILE_ACCEPT   MessageType = 11
	FILE_REJECT   MessageType = 12
	FILE_CHUNK    MessageType = 13
	FILE_COMPLETE MessageType = 14
	FILE_ERROR    MessageType = 15

	LIST_DIR_REQUEST      MessageType = 20
	LIST_DIR_RESPONSE     MessageType = 21
	FILE_DOWNLOAD_REQUEST MessageType = 22
	FILE_DOWNLOAD_START   MessageType = 23

	PING MessageType = 30
	PONG MessageType = 31

	ERROR MessageType = 99
)

func (t MessageType) String() string {
	switch t {
	case HELLO:
		return "HELLO"
	case HELLO_ACK:
		return "HELLO_ACK"
	case FILE_OFFER:
		return "FILE_OFFER"
	case FILE_ACCEPT:
		return "FILE_ACCEPT"
	case FILE_REJECT:
		return "FILE_REJECT"
	case FILE_CHUNK:
		return "FILE_CHUNK"
	case FILE_COMPLETE:
		return "FILE_COMPLETE"
	case FILE_ERROR:
		return "FILE_ERROR"
	case LIST_DIR_REQUEST:
		return "LIST_DIR_REQUEST"
	case LIST_DIR_RESPONSE:
		return "LIST_DIR_RESPONSE"
	case FILE_DOWNLOAD_REQUEST:
		return "FILE_DOWNLOAD_REQUEST"
	case FILE_DOWNLOAD_START:
		return "FILE_DOWNLOAD_START"
	case PING:
		return "PING"
	case PONG:
		return "PONG"
	case ERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// Payload is the string-keyed map of primitives/arrays carried by a frame.
type Payload map[string]any

// Message is a single protocol unit: a type tag plus its payload.
type Message struct {
	Version int
	Type    MessageType
	Payload Payload
}

// wireFrame mirrors the on-the-wire JSON shape; Message.Type is kept as a
// distinct Go type for callers, this is only the marshaling form.
type wireFrame struct {
	Version int     `json:"version"`
	Type    int     `json:"type"`
	Payload Payload `json:"payload"`
}

// New builds a Message at the current protocol version.
func New(t MessageType, payload Payload) Message {
	if payload == nil {
		payload = Payload{}
	}
	return Message{Version: ProtocolVersion, Type: t, Payload: payload}
}

// Encode renders m as a length-prefixed frame ready to write to the wire.
func (m Message) Encode() ([]byte, error) {
	body, err := json.Marshal(wireFrame{Version: m.Version, Type: int(m.Type), Payload: m.Payload})
	if err != nil {
		return nil, fmt.Errorf("wire: encode frame: %w", err)
	}
	if len(body) > MaxHeaderSize {
		return nil, fmt.Errorf("wire: encoded frame of %d bytes exceeds %d byte limit", len(body), MaxHeaderSize)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// WriteMessage writes m's frame to w.
func WriteMessage(w io.Writer, m Message) error {
	b, err := m.Encode()
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// ReadMessage reads one frame from r.
//
// A clean close between frames (zero bytes read before EOF) is reported as
// (nil, nil) — the caller should treat this as "peer closed". Any other
// short read, an oversize header, or malformed JSON is a fatal error.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("wire: short read on frame length: %w", err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxHeaderSize {
		return nil, fmt.Errorf("wire: frame header of %d bytes exceeds %d byte limit", n, MaxHeaderSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: short read on frame body: %w", err)
	}

	var frame wireFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		return nil, fmt.Errorf("wire: malformed frame json: %w", err)
	}

	return &Message{Version: frame.Version, Type: MessageType(frame.Type), Payload: frame.Payload}, nil
}

// ReadChunkBody reads exactly size raw bytes immediately following a
// FILE_CHUNK header. Readers must never assume a fixed chunk size.
func ReadChunkBody(r io.Reader, size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: short read on chunk body: %w", err)
	}
	return buf, nil
}
