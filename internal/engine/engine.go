// Package engine is the inference collaborator behind the peer daemon.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/g960059/infersession/internal/model"
	"github.com/g960059/infersession/internal/wire"
)

var (
	// ErrOutOfMemory reports that the engine could not load or run the model
	// for lack of memory.
	ErrOutOfMemory    = errors.New("engine out of memory")
	ErrInvalidRequest = errors.New("invalid request")
)

type Result struct {
	Text string
	// RawQuality is the engine's own quality estimate in [0,1], nil when the
	// engine offers none.
	RawQuality *float64
	Model      string
}

type Status struct {
	Ready            bool
	Model            string
	MemoryUsageBytes *uint64
}

type Engine interface {
	Generate(ctx context.Context, prompt string, params wire.Params) (Result, error)
	Status(ctx context.Context) (Status, error)
	Mode() model.EngineMode
	Name() string
}

// Failure describes how an engine error is reported to the client.
type Failure struct {
	Kind        string
	Recoverable bool
	// Health is the status to advertise before the error frame, empty when
	// the failure says nothing about engine health.
	Health model.HealthStatus
}

// Classify maps an engine error to its wire error kind and health impact.
func Classify(err error) Failure {
	switch {
	case errors.Is(err, model.ErrModelUnavailable):
		return Failure{Kind: model.ErrKindModelUnavailable, Recoverable: true, Health: model.HealthUnavailable}
	case errors.Is(err, ErrOutOfMemory):
		return Failure{Kind: model.ErrKindOutOfMemory, Recoverable: true, Health: model.HealthDegraded}
	case errors.Is(err, model.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Failure{Kind: model.ErrKindTimeout, Recoverable: true, Health: model.HealthDegraded}
	case errors.Is(err, model.ErrCancelled), errors.Is(err, context.Canceled):
		return Failure{Kind: model.ErrKindCancelled, Recoverable: true}
	case errors.Is(err, ErrInvalidRequest):
		return Failure{Kind: model.ErrKindInvalidRequest}
	default:
		return Failure{Kind: model.ErrKindInternal}
	}
}

// New builds the engine named by kind ("mock" or "ollama").
func New(kind, baseURL, modelName string) (Engine, error) {
	switch kind {
	case "mock", "":
		return NewMock(modelName), nil
	case "ollama":
		return NewOllama(baseURL, modelName)
	default:
		return nil, fmt.Errorf("unknown engine %q", kind)
	}
}
