package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/g960059/infersession/internal/model"
	"github.com/g960059/infersession/internal/security"
	"github.com/g960059/infersession/internal/wire"
)

// Ollama talks to a local Ollama server over its HTTP API.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

type OllamaOption func(*Ollama)

func WithHTTPClient(c *http.Client) OllamaOption {
	return func(o *Ollama) {
		if c != nil {
			o.client = c
		}
	}
}

func NewOllama(baseURL, modelName string, opts ...OllamaOption) (*Ollama, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid ollama url %q", security.Endpoint(baseURL))
	}
	if strings.TrimSpace(modelName) == "" {
		return nil, errors.New("ollama model is required")
	}
	o := &Ollama{
		baseURL: baseURL,
		model:   modelName,
		// Generation time is bounded by the request context.
		client: &http.Client{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *Ollama) Mode() model.EngineMode { return model.ModeReal }
func (o *Ollama) Name() string           { return "ollama" }

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaGenerateResponse struct {
	Model      string `json:"model"`
	Response   string `json:"response"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
	EvalCount  int    `json:"eval_count"`
}

type ollamaError struct {
	Error string `json:"error"`
}

func (o *Ollama) Generate(ctx context.Context, prompt string, params wire.Params) (Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return Result{}, fmt.Errorf("%w: empty prompt", ErrInvalidRequest)
	}
	modelName := o.model
	if params.Model != "" {
		modelName = params.Model
	}
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  modelName,
		Prompt: prompt,
		Options: ollamaOptions{
			Temperature: params.Temperature,
			NumPredict:  params.MaxTokens,
			Stop:        params.Stop,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal generate request: %w", err)
	}

	var out ollamaGenerateResponse
	if err := o.do(ctx, http.MethodPost, "/api/generate", body, &out); err != nil {
		return Result{}, err
	}
	if !out.Done {
		return Result{}, errors.New("ollama returned an unfinished response")
	}
	q := ollamaQuality(out)
	if out.Model == "" {
		out.Model = modelName
	}
	return Result{Text: out.Response, RawQuality: &q, Model: out.Model}, nil
}

type ollamaPSResponse struct {
	Models []struct {
		Name     string `json:"name"`
		Size     uint64 `json:"size"`
		SizeVRAM uint64 `json:"size_vram"`
	} `json:"models"`
}

// Status reports the engine reachable and, when the configured model is
// loaded, its memory footprint.
func (o *Ollama) Status(ctx context.Context) (Status, error) {
	var ps ollamaPSResponse
	if err := o.do(ctx, http.MethodGet, "/api/ps", nil, &ps); err != nil {
		return Status{Model: o.model}, err
	}
	st := Status{Ready: true, Model: o.model}
	for _, m := range ps.Models {
		if m.Name == o.model || strings.TrimSuffix(m.Name, ":latest") == o.model {
			size := m.Size
			st.MemoryUsageBytes = &size
			break
		}
	}
	return st, nil
}

func (o *Ollama) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build ollama request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return classifyTransportErr(ctx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return classifyTransportErr(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, payload)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode ollama %s: %w", path, err)
	}
	return nil
}

func classifyTransportErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", model.ErrTimeout, ctx.Err())
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: %w", model.ErrCancelled, ctx.Err())
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %w", model.ErrModelUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", model.ErrTimeout, err)
	}
	return fmt.Errorf("ollama request: %w", err)
}

func classifyStatus(code int, payload []byte) error {
	var apiErr ollamaError
	msg := strings.TrimSpace(string(payload))
	if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}
	msg = security.Preview(msg, 240)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "out of memory"), strings.Contains(lower, "requires more system memory"):
		return fmt.Errorf("%w: %s", ErrOutOfMemory, msg)
	case code == http.StatusNotFound, strings.Contains(lower, "not found"):
		return fmt.Errorf("%w: %s", model.ErrModelUnavailable, msg)
	case code == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
	case code == http.StatusServiceUnavailable, code == http.StatusBadGateway:
		return fmt.Errorf("%w: ollama http %d: %s", model.ErrModelUnavailable, code, msg)
	case code == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: ollama http %d: %s", model.ErrTimeout, code, msg)
	default:
		return fmt.Errorf("ollama http %d: %s", code, msg)
	}
}

// ollamaQuality estimates quality from how generation ended: a natural stop
// scores high, a token-limit cut scores lower, an empty answer scores low.
func ollamaQuality(r ollamaGenerateResponse) float64 {
	if strings.TrimSpace(r.Response) == "" || r.EvalCount == 0 {
		return 0.2
	}
	switch r.DoneReason {
	case "stop", "":
		return 0.9
	case "length":
		return 0.6
	default:
		return 0.5
	}
}

var _ Engine = (*Ollama)(nil)
var _ Engine = (*Mock)(nil)

// statusTimeout bounds one health probe.
const statusTimeout = 3 * time.Second

// Probe calls e.Status with a bounded timeout.
func Probe(ctx context.Context, e Engine) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	return e.Status(ctx)
}
