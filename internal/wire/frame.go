package wire

import (
	"fmt"
	"time"

	"github.com/g960059/infersession/internal/model"
)

// Message is implemented by every typed frame payload.
type Message interface {
	FrameType() FrameType
}

// Frame is a decoded envelope: the correlation id, send time and exactly one
// typed payload.
type Frame struct {
	ID     uint64
	SentAt time.Time
	Body   Message
}

func (f Frame) Type() FrameType {
	if f.Body == nil {
		return ""
	}
	return f.Body.FrameType()
}

// Params are generation options forwarded to the inference engine.
type Params struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type Request struct {
	Kind   model.OperationKind `json:"kind"`
	Prompt string              `json:"prompt"`
	Params Params              `json:"params"`
}

type Response struct {
	Text       string   `json:"text"`
	RawQuality *float64 `json:"raw_quality,omitempty"`
	Model      string   `json:"model,omitempty"`
}

type Health struct {
	Status           model.HealthStatus `json:"status"`
	MemoryUsageBytes *uint64            `json:"memory_usage_bytes,omitempty"`
	ModelName        string             `json:"model_name"`
	Mode             model.EngineMode   `json:"mode"`
	Timestamp        time.Time          `json:"timestamp"`
}

type Error struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

type Hello struct {
	ClientID         string   `json:"client_id"`
	SessionID        string   `json:"session_id"`
	ProtocolVersions []string `json:"protocol_versions"`
}

type HelloAck struct {
	ServerID        string  `json:"server_id"`
	ProtocolVersion string  `json:"protocol_version"`
	Health          *Health `json:"health,omitempty"`
}

type Ping struct {
	TS time.Time `json:"ts"`
}

type Pong struct {
	TS time.Time `json:"ts"`
}

type Cancel struct {
	Reason string `json:"reason,omitempty"`
}

func (Request) FrameType() FrameType  { return TypeRequest }
func (Response) FrameType() FrameType { return TypeResponse }
func (Health) FrameType() FrameType   { return TypeHealth }
func (Error) FrameType() FrameType    { return TypeError }
func (Hello) FrameType() FrameType    { return TypeHello }
func (HelloAck) FrameType() FrameType { return TypeHelloAck }
func (Ping) FrameType() FrameType     { return TypePing }
func (Pong) FrameType() FrameType     { return TypePong }
func (Cancel) FrameType() FrameType   { return TypeCancel }

// Encode turns a typed frame into an envelope. A zero SentAt is stamped with
// the current time.
func Encode(f Frame) (Envelope, error) {
	if f.Body == nil {
		return Envelope{}, fmt.Errorf("%w: body is required", ErrInvalidFrame)
	}
	switch f.Body.(type) {
	case Request, Response:
		if f.ID == 0 {
			return Envelope{}, fmt.Errorf("%w: %s requires an id", ErrInvalidFrame, f.Body.FrameType())
		}
	}
	env, err := NewEnvelope(f.Body.FrameType(), f.ID, f.Body)
	if err != nil {
		return Envelope{}, err
	}
	if !f.SentAt.IsZero() {
		env.SentAt = f.SentAt.UTC()
	}
	return env, nil
}

// Decode validates env and decodes its payload into the matching type.
func Decode(env Envelope) (Frame, error) {
	if err := env.Validate(); err != nil {
		return Frame{}, err
	}
	var (
		body Message
		err  error
	)
	switch env.Type {
	case TypeRequest:
		body, err = decodeAs[Request](env)
	case TypeResponse:
		body, err = decodeAs[Response](env)
	case TypeHealth:
		body, err = decodeAs[Health](env)
	case TypeError:
		body, err = decodeAs[Error](env)
	case TypeHello:
		body, err = decodeAs[Hello](env)
	case TypeHelloAck:
		body, err = decodeAs[HelloAck](env)
	case TypePing:
		body, err = decodeAs[Ping](env)
	case TypePong:
		body, err = decodeAs[Pong](env)
	case TypeCancel:
		body, err = decodeAs[Cancel](env)
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, env.Type)
	}
	if err != nil {
		return Frame{}, err
	}
	if (env.Type == TypeRequest || env.Type == TypeResponse) && env.ID == 0 {
		return Frame{}, fmt.Errorf("%w: %s requires an id", ErrInvalidFrame, env.Type)
	}
	return Frame{ID: env.ID, SentAt: env.SentAt, Body: body}, nil
}

func decodeAs[T Message](env Envelope) (Message, error) {
	var v T
	if err := env.DecodePayload(&v); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrInvalidFrame, env.Type, err)
	}
	return v, nil
}
