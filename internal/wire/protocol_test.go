package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/g960059/infersession/internal/model"
)

func TestCodecRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeHello, 0, Hello{
		ClientID:         "infersession-cli",
		SessionID:        "s-1",
		ProtocolVersions: []string{SchemaVersion},
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, env, DefaultMaxFrame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	decoded, err := ReadFrame(&buf, DefaultMaxFrame)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}

	if decoded.Type != TypeHello {
		t.Fatalf("unexpected type: %s", decoded.Type)
	}
	var payload Hello
	if err := decoded.DecodePayload(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ClientID != "infersession-cli" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	body := bytes.Repeat([]byte{'x'}, 64)
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	buf.Write(lenBuf[:])
	buf.Write(body)

	_, err := ReadFrame(&buf, 32)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestWriteFrameRejectsOversized(t *testing.T) {
	env, err := NewEnvelope(TypeResponse, 1, Response{Text: string(bytes.Repeat([]byte{'y'}, 128))})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, env, 64); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("oversized frame must not be partially written, got %d bytes", buf.Len())
	}
}

func TestMarshalFramePrefixMatchesBody(t *testing.T) {
	env, err := NewEnvelope(TypeRequest, 3, Request{Kind: model.KindGenerate, Prompt: "<tag> & more"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	frame, err := env.MarshalFrame(DefaultMaxFrame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if got := int(binary.BigEndian.Uint32(frame[:4])); got != len(frame)-4 {
		t.Fatalf("prefix says %d bytes, body has %d", got, len(frame)-4)
	}
	decoded, err := ReadFrame(bytes.NewReader(frame), DefaultMaxFrame)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if decoded.ID != 3 || decoded.Type != TypeRequest {
		t.Fatalf("unexpected envelope: %+v", decoded)
	}

	if _, err := env.MarshalFrame(len(frame) - 5); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge one byte over the limit, got %v", err)
	}
	if _, err := env.MarshalFrame(len(frame) - 4); err != nil {
		t.Fatalf("frame exactly at the limit: %v", err)
	}
}

func TestEnvelopeValidateRejectsInvalidVersion(t *testing.T) {
	raw, err := json.Marshal(map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := Envelope{
		SchemaVersion: "v0",
		Type:          TypePing,
		Payload:       raw,
	}
	if err := env.Validate(); !errors.Is(err, ErrUnsupportedVers) {
		t.Fatalf("expected ErrUnsupportedVers, got %v", err)
	}
}

func TestReadFrameRejectsGarbageBody(t *testing.T) {
	body := []byte("{not json")
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	buf.Write(lenBuf[:])
	buf.Write(body)

	if _, err := ReadFrame(&buf, DefaultMaxFrame); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 100)
	buf.Write(lenBuf[:])
	buf.WriteString(`{"schema`)

	if _, err := ReadFrame(&buf, DefaultMaxFrame); err == nil {
		t.Fatalf("expected error for truncated body")
	}
}

func TestFrameTypeKnown(t *testing.T) {
	if !TypeHealth.Known() || !TypeCancel.Known() {
		t.Fatalf("expected built-in types to be known")
	}
	if FrameType("resync").Known() {
		t.Fatalf("resync is not a frame type of this protocol")
	}
}

func TestHealthTimestampSurvivesRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env, err := NewEnvelope(TypeHealth, 0, Health{Status: model.HealthReady, ModelName: "m", Mode: model.ModeReal, Timestamp: ts})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	var h Health
	if err := env.DecodePayload(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !h.Timestamp.Equal(ts) {
		t.Fatalf("timestamp changed: %s", h.Timestamp)
	}
}
