package confidence

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/g960059/infersession/internal/health"
	"github.com/g960059/infersession/internal/model"
)

func q(v float64) *float64 { return &v }

func ready(mode model.EngineMode) health.Snapshot {
	return health.Snapshot{Status: model.HealthReady, Mode: mode, ModelIdentifier: "llama3"}
}

func TestMockConfidenceNeverExceedsCeiling(t *testing.T) {
	gate := NewGate(DefaultReviewThreshold, DefaultMockConfidenceCeiling)
	for _, kind := range []model.OperationKind{model.KindStatus, model.KindCompletion, model.KindGenerate, model.KindEmbed, "bogus"} {
		for _, raw := range []*float64{nil, q(0), q(0.5), q(1.0), q(7), q(math.Inf(1))} {
			got := gate.Score(Response{Payload: "x", RawQuality: raw}, kind, ready(model.ModeMock))
			require.LessOrEqual(t, got.Confidence, DefaultMockConfidenceCeiling, "kind=%s raw=%v", kind, raw)
		}
	}
}

func TestScoreTable(t *testing.T) {
	gate := NewGate(0.5, 0.6)
	cases := []struct {
		name   string
		raw    *float64
		kind   model.OperationKind
		snap   health.Snapshot
		want   float64
		review bool
	}{
		{name: "status prior", kind: model.KindStatus, snap: ready(model.ModeReal), want: 0.95},
		{name: "generate prior needs no review at threshold", kind: model.KindGenerate, snap: ready(model.ModeReal), want: 0.5},
		{name: "generate weighted quality", raw: q(0.9), kind: model.KindGenerate, snap: ready(model.ModeReal), want: 0.72},
		{name: "completion quality", raw: q(1.0), kind: model.KindCompletion, snap: ready(model.ModeReal), want: 0.9},
		{name: "degraded", raw: q(1.0), kind: model.KindStatus, snap: health.Snapshot{Status: model.HealthDegraded, Mode: model.ModeReal}, want: 0.8},
		{name: "unavailable", raw: q(1.0), kind: model.KindStatus, snap: health.Snapshot{Status: model.HealthUnavailable, Mode: model.ModeReal}, want: 0.5},
		{name: "mock cap", raw: q(1.0), kind: model.KindStatus, snap: ready(model.ModeMock), want: 0.6},
		{name: "mock degraded below cap", raw: q(0.5), kind: model.KindGenerate, snap: health.Snapshot{Status: model.HealthDegraded, Mode: model.ModeMock}, want: 0.32, review: true},
		{name: "negative quality clamps", raw: q(-3), kind: model.KindEmbed, snap: ready(model.ModeReal), want: 0, review: true},
		{name: "NaN is treated as absent", raw: q(math.NaN()), kind: model.KindEmbed, snap: ready(model.ModeReal), want: 0.8},
		{name: "unknown kind uses generate", raw: q(1.0), kind: "translate", snap: ready(model.ModeReal), want: 0.8},
		{name: "low quality needs review", raw: q(0.3), kind: model.KindGenerate, snap: ready(model.ModeReal), want: 0.24, review: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := gate.Score(Response{Payload: "p", RawQuality: tc.raw}, tc.kind, tc.snap)
			require.InDelta(t, tc.want, got.Confidence, 1e-9)
			require.Equal(t, tc.review, got.RequiresReview)
		})
	}
}

func TestRequiresReviewIsPureFunctionOfConfidence(t *testing.T) {
	gate := NewGate(0.7, 0.6)
	got := gate.Score(Response{RawQuality: q(0.8)}, model.KindStatus, ready(model.ModeReal))
	require.InDelta(t, 0.8, got.Confidence, 1e-9)
	require.False(t, got.RequiresReview)

	got = gate.Score(Response{RawQuality: q(0.8)}, model.KindStatus, ready(model.ModeMock))
	require.True(t, got.RequiresReview, "mock output is capped below a 0.7 threshold")
}

func TestModelIdentifierFallsBackToSnapshot(t *testing.T) {
	gate := NewGate(0.5, 0.6)
	got := gate.Score(Response{Payload: "p"}, model.KindStatus, ready(model.ModeReal))
	require.Equal(t, "llama3", got.ModelIdentifier)
	require.Equal(t, model.KindStatus, got.Kind)

	got = gate.Score(Response{Payload: "p", ModelIdentifier: "phi3"}, model.KindStatus, ready(model.ModeReal))
	require.Equal(t, "phi3", got.ModelIdentifier)
}

func TestWithBaselinesOverridesOneKind(t *testing.T) {
	gate := NewGate(0.5, 0.6).WithBaselines(map[model.OperationKind]Baseline{
		model.KindGenerate: {Weight: 0.5, Prior: 0.2},
	})
	got := gate.Score(Response{}, model.KindGenerate, ready(model.ModeReal))
	require.InDelta(t, 0.2, got.Confidence, 1e-9)

	got = gate.Score(Response{}, model.KindStatus, ready(model.ModeReal))
	require.InDelta(t, 0.95, got.Confidence, 1e-9)
}
