package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/g960059/infersession/internal/model"
	"github.com/g960059/infersession/internal/wire"
)

// Mock is a deterministic engine: the same prompt always yields the same
// text and quality.
type Mock struct {
	model string

	mu      sync.Mutex
	latency time.Duration
	failing error
	memory  uint64
}

func NewMock(modelName string) *Mock {
	if strings.TrimSpace(modelName) == "" {
		modelName = "mock"
	}
	return &Mock{model: modelName, memory: 64 << 20}
}

// SetLatency delays every Generate call.
func (m *Mock) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SetFailure makes Generate and Status fail with err until cleared with nil.
func (m *Mock) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = err
}

func (m *Mock) Mode() model.EngineMode { return model.ModeMock }
func (m *Mock) Name() string           { return "mock" }

func (m *Mock) Generate(ctx context.Context, prompt string, params wire.Params) (Result, error) {
	m.mu.Lock()
	latency, failing := m.latency, m.failing
	m.mu.Unlock()

	if strings.TrimSpace(prompt) == "" {
		return Result{}, fmt.Errorf("%w: empty prompt", ErrInvalidRequest)
	}
	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if failing != nil {
		return Result{}, failing
	}

	modelName := m.model
	if params.Model != "" {
		modelName = params.Model
	}
	text := fmt.Sprintf("[%s] %s", modelName, prompt)
	if params.MaxTokens > 0 {
		if words := strings.Fields(text); len(words) > params.MaxTokens {
			text = strings.Join(words[:params.MaxTokens], " ")
		}
	}
	q := mockQuality(prompt)
	return Result{Text: text, RawQuality: &q, Model: modelName}, nil
}

func (m *Mock) Status(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return Status{Model: m.model}, m.failing
	}
	mem := m.memory
	return Status{Ready: true, Model: m.model, MemoryUsageBytes: &mem}, nil
}

// mockQuality spreads prompts over [0.5, 1).
func mockQuality(prompt string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	return 0.5 + float64(h.Sum32()%50)/100
}
