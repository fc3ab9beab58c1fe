package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConnection       = errors.New("connection error")
	ErrConnectionLost   = errors.New("connection lost")
	ErrTimeout          = errors.New("request timed out")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrDegraded         = errors.New("model degraded")
	ErrCancelled        = errors.New("request cancelled")
	ErrNotConnected     = errors.New("not connected")
	ErrBusy             = errors.New("session busy")
	ErrSaturated        = errors.New("transport saturated")
	ErrClosed           = errors.New("session closed")
)

// Error kinds carried by error frames.
const (
	ErrKindModelUnavailable = "model_unavailable"
	ErrKindOutOfMemory      = "out_of_memory"
	ErrKindTimeout          = "timeout"
	ErrKindCancelled        = "cancelled"
	ErrKindInvalidRequest   = "invalid_request"
	ErrKindProtocol         = "protocol"
	ErrKindInternal         = "internal"
)

// PeerError is a request-level failure reported by the peer.
type PeerError struct {
	Kind    string
	Message string
}

func (e *PeerError) Error() string {
	if e == nil {
		return ""
	}
	kind := strings.TrimSpace(e.Kind)
	message := strings.TrimSpace(e.Message)
	switch {
	case kind != "" && message != "":
		return fmt.Sprintf("peer %s: %s", kind, message)
	case kind != "":
		return "peer " + kind
	case message != "":
		return "peer: " + message
	default:
		return "peer error"
	}
}

func (e *PeerError) Unwrap() error {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case ErrKindModelUnavailable:
		return ErrModelUnavailable
	case ErrKindOutOfMemory:
		return ErrDegraded
	case ErrKindTimeout:
		return ErrTimeout
	case ErrKindCancelled:
		return ErrCancelled
	default:
		return nil
	}
}
