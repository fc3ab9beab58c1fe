// Package wire is the isp.v1 session protocol: every frame is a 4-byte
// big-endian length followed by one JSON envelope whose payload is the typed
// frame body. The same byte layout is carried by unix and tcp streams and,
// one frame per binary message, by websockets.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	SchemaVersion   = "isp.v1"
	DefaultMaxFrame = 1 << 20 // 1 MiB

	lengthPrefix = 4
)

var (
	ErrInvalidFrame    = errors.New("wire: invalid frame")
	ErrFrameTooLarge   = errors.New("wire: frame too large")
	ErrUnsupportedVers = errors.New("wire: unsupported schema version")
)

type FrameType string

const (
	TypeRequest  FrameType = "request"
	TypeResponse FrameType = "response"
	TypeHealth   FrameType = "health"
	TypeError    FrameType = "error"
	TypeHello    FrameType = "hello"
	TypeHelloAck FrameType = "hello_ack"
	TypePing     FrameType = "ping"
	TypePong     FrameType = "pong"
	TypeCancel   FrameType = "cancel"
)

func (t FrameType) Known() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeHealth, TypeError,
		TypeHello, TypeHelloAck, TypePing, TypePong, TypeCancel:
		return true
	default:
		return false
	}
}

// Envelope is the record carried by one length-prefixed frame. ID is zero
// when the frame is not correlated with a request.
type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	Type          FrameType       `json:"type"`
	ID            uint64          `json:"id,omitempty"`
	SentAt        time.Time       `json:"sent_at"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an isp.v1 envelope stamped with the
// current time.
func NewEnvelope(frameType FrameType, id uint64, payload any) (Envelope, error) {
	if strings.TrimSpace(string(frameType)) == "" {
		return Envelope{}, fmt.Errorf("%w: type is required", ErrInvalidFrame)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		Type:          frameType,
		ID:            id,
		SentAt:        time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// Validate checks the envelope header. Payload contents are checked by
// Decode.
func (e Envelope) Validate() error {
	switch {
	case strings.TrimSpace(e.SchemaVersion) != SchemaVersion:
		return fmt.Errorf("%w: %q", ErrUnsupportedVers, e.SchemaVersion)
	case strings.TrimSpace(string(e.Type)) == "":
		return fmt.Errorf("%w: type is required", ErrInvalidFrame)
	case len(e.Payload) == 0:
		return fmt.Errorf("%w: payload is required", ErrInvalidFrame)
	}
	return nil
}

func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidFrame)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// MarshalFrame returns the length-prefixed bytes of e, or ErrFrameTooLarge
// when the JSON record exceeds maxFrameSize. maxFrameSize <= 0 means
// DefaultMaxFrame.
func (e Envelope) MarshalFrame(maxFrameSize int) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	limit := frameLimit(maxFrameSize)
	var buf bytes.Buffer
	buf.Write(make([]byte, lengthPrefix))
	if err := json.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	// Drop the encoder's trailing newline.
	out := buf.Bytes()[:buf.Len()-1]
	size := len(out) - lengthPrefix
	if size > limit {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, size, limit)
	}
	binary.BigEndian.PutUint32(out[:lengthPrefix], uint32(size))
	return out, nil
}

// WriteFrame writes env as one length-prefixed frame.
func WriteFrame(w io.Writer, env Envelope, maxFrameSize int) error {
	frame, err := env.MarshalFrame(maxFrameSize)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A frame whose declared length
// exceeds maxFrameSize is rejected before its body is read.
func ReadFrame(r io.Reader, maxFrameSize int) (Envelope, error) {
	var prefix [lengthPrefix]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Envelope{}, fmt.Errorf("read frame length: %w", err)
	}
	size := int(binary.BigEndian.Uint32(prefix[:]))
	if limit := frameLimit(maxFrameSize); size <= 0 || size > limit {
		return Envelope{}, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, size, limit)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode frame: %v", ErrInvalidFrame, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func frameLimit(maxFrameSize int) int {
	if maxFrameSize <= 0 {
		return DefaultMaxFrame
	}
	return maxFrameSize
}
