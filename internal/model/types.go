package model

import "strings"

// ConnectionState is the lifecycle state of one session.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

// ConnectionStates lists every state in lifecycle order.
var ConnectionStates = []ConnectionState{
	StateDisconnected,
	StateConnecting,
	StateConnected,
	StateReconnecting,
	StateFailed,
}

func (s ConnectionState) Valid() bool {
	for _, known := range ConnectionStates {
		if s == known {
			return true
		}
	}
	return false
}

// HealthStatus is the advertised status of the backing inference service.
type HealthStatus string

const (
	HealthReady       HealthStatus = "ready"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnavailable HealthStatus = "unavailable"
)

// HealthPrecedence orders statuses from worst to best.
var HealthPrecedence = map[HealthStatus]int{
	HealthUnavailable: 1,
	HealthDegraded:    2,
	HealthReady:       3,
}

func ParseHealthStatus(raw string) (HealthStatus, bool) {
	status := HealthStatus(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := HealthPrecedence[status]; !ok {
		return HealthUnavailable, false
	}
	return status, true
}

// EngineMode tells whether responses come from a real model or a mock.
type EngineMode string

const (
	ModeReal EngineMode = "real"
	ModeMock EngineMode = "mock"
)

func ParseEngineMode(raw string) (EngineMode, bool) {
	switch EngineMode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeReal:
		return ModeReal, true
	case ModeMock:
		return ModeMock, true
	default:
		return ModeReal, false
	}
}

// OperationKind classifies a request for confidence baselines.
type OperationKind string

const (
	KindStatus     OperationKind = "status"
	KindCompletion OperationKind = "completion"
	KindGenerate   OperationKind = "generate"
	KindEmbed      OperationKind = "embed"
)

// CanonicalOperationKind maps unknown or empty kinds to KindGenerate, the
// least trusted operation.
func CanonicalOperationKind(raw string) OperationKind {
	switch kind := OperationKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case KindStatus, KindCompletion, KindGenerate, KindEmbed:
		return kind
	default:
		return KindGenerate
	}
}
