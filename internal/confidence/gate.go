package confidence

import (
	"math"

	"github.com/g960059/infersession/internal/health"
	"github.com/g960059/infersession/internal/model"
)

const (
	DefaultReviewThreshold       = 0.5
	DefaultMockConfidenceCeiling = 0.6
)

// Baseline is the trust given to one operation kind: Weight scales a
// peer-supplied quality, Prior replaces it when the peer sent none.
type Baseline struct {
	Weight float64
	Prior  float64
}

var defaultBaselines = map[model.OperationKind]Baseline{
	model.KindStatus:     {Weight: 1.0, Prior: 0.95},
	model.KindCompletion: {Weight: 0.9, Prior: 0.7},
	model.KindGenerate:   {Weight: 0.8, Prior: 0.5},
	model.KindEmbed:      {Weight: 0.95, Prior: 0.8},
}

var healthFactor = map[model.HealthStatus]float64{
	model.HealthReady:       1.0,
	model.HealthDegraded:    0.8,
	model.HealthUnavailable: 0.5,
}

type Response struct {
	Payload         string
	RawQuality      *float64
	ModelIdentifier string
}

type ScoredResponse struct {
	Payload         string              `json:"payload"`
	Confidence      float64             `json:"confidence"`
	RequiresReview  bool                `json:"requires_review"`
	ModelIdentifier string              `json:"model"`
	Kind            model.OperationKind `json:"kind"`
	RawQuality      *float64            `json:"raw_quality,omitempty"`
	Mode            model.EngineMode    `json:"mode"`
}

// Gate scores responses. It holds no mutable state and is safe for
// concurrent use.
type Gate struct {
	reviewThreshold float64
	mockCeiling     float64
	baselines       map[model.OperationKind]Baseline
}

func NewGate(reviewThreshold, mockCeiling float64) *Gate {
	return &Gate{
		reviewThreshold: clamp01(reviewThreshold),
		mockCeiling:     clamp01(mockCeiling),
		baselines:       defaultBaselines,
	}
}

// WithBaselines returns a copy of g using b for the kinds it names.
func (g *Gate) WithBaselines(b map[model.OperationKind]Baseline) *Gate {
	merged := make(map[model.OperationKind]Baseline, len(g.baselines)+len(b))
	for k, v := range g.baselines {
		merged[k] = v
	}
	for k, v := range b {
		merged[k] = Baseline{Weight: clamp01(v.Weight), Prior: clamp01(v.Prior)}
	}
	return &Gate{reviewThreshold: g.reviewThreshold, mockCeiling: g.mockCeiling, baselines: merged}
}

func (g *Gate) ReviewThreshold() float64 { return g.reviewThreshold }

func (g *Gate) Score(resp Response, kind model.OperationKind, snap health.Snapshot) ScoredResponse {
	kind = model.CanonicalOperationKind(string(kind))
	base, ok := g.baselines[kind]
	if !ok {
		base = g.baselines[model.KindGenerate]
	}

	var conf float64
	if q, present := quality(resp.RawQuality); present {
		conf = clamp01(q) * base.Weight
	} else {
		conf = base.Prior
	}

	factor, ok := healthFactor[snap.Status]
	if !ok {
		factor = healthFactor[model.HealthUnavailable]
	}
	conf *= factor

	if snap.Mode == model.ModeMock {
		conf = math.Min(conf, g.mockCeiling)
	}
	conf = clamp01(conf)

	modelID := resp.ModelIdentifier
	if modelID == "" {
		modelID = snap.ModelIdentifier
	}
	return ScoredResponse{
		Payload:         resp.Payload,
		Confidence:      conf,
		RequiresReview:  conf < g.reviewThreshold,
		ModelIdentifier: modelID,
		Kind:            kind,
		RawQuality:      resp.RawQuality,
		Mode:            snap.Mode,
	}
}

func quality(raw *float64) (float64, bool) {
	if raw == nil || math.IsNaN(*raw) {
		return 0, false
	}
	return *raw, true
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
