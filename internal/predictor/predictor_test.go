package predictor

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// meanModel averages its scaled inputs: with the input scaler mapping
// [0, 1000] to [0, 1] and the output scaler mapping [0, 1] back to [0, 4],
// the prediction is 4 * mean(trajectory) / 1000.
func meanModelSpec() ModelSpec {
	w := make([][]float64, Horizon)
	for i := range w {
		w[i] = []float64{1.0 / Horizon}
	}
	return ModelSpec{
		InputDim: Horizon,
		Layers:   []LayerSpec{{Weights: w, Bias: []float64{0}, Activation: ActivationLinear}},
	}
}

func testContext(t *testing.T) *Context {
	t.Helper()
	model, err := NewModel(meanModelSpec())
	require.NoError(t, err)

	lo := make([]float64, Horizon)
	hi := make([]float64, Horizon)
	for i := range hi {
		hi[i] = 1000
	}
	in, err := NewScaler(lo, hi, [2]float64{0, 1})
	require.NoError(t, err)
	out, err := NewScaler([]float64{0}, []float64{4}, [2]float64{0, 1})
	require.NoError(t, err)

	return &Context{Model: model, Input: in, Output: out}
}

func TestTrajectoryRisingNeverOvershoots(t *testing.T) {
	traj := Trajectory(280, 302, 1.0)

	assert.Equal(t, 280.0, traj[0])
	for i := 1; i < Horizon; i++ {
		assert.GreaterOrEqual(t, traj[i], traj[i-1], "step %d not monotonic", i)
		assert.LessOrEqual(t, traj[i], 302.0, "step %d overshoots", i)
	}
	// far from setpoint: full heating rate every step
	assert.Equal(t, 299.0, traj[Horizon-1])
}

func TestTrajectoryClampsAtSetpoint(t *testing.T) {
	traj := Trajectory(300, 302, 1.0)

	want := []float64{300, 300.5, 301, 301.5, 302}
	for i, w := range want {
		assert.Equal(t, w, traj[i], "step %d", i)
	}
	for i := len(want); i < Horizon; i++ {
		assert.Equal(t, 302.0, traj[i], "step %d should stay clamped", i)
	}
}

func TestTrajectoryFarAboveSetpointCools(t *testing.T) {
	traj := Trajectory(330, 302, 1.0)
	for i := 1; i < Horizon; i++ {
		assert.InDelta(t, 330-0.5*float64(i), traj[i], 1e-9)
	}
}

func TestTrajectoryNearAboveSetpointSnaps(t *testing.T) {
	// Within the near band the gradient is always positive, so a value just
	// above the setpoint overshoots immediately and clamps to it.
	traj := Trajectory(310, 302, 1.0)
	assert.Equal(t, 310.0, traj[0])
	for i := 1; i < Horizon; i++ {
		assert.Equal(t, 302.0, traj[i])
	}
}

func TestTrajectoryDistanceUsesOriginalCurrent(t *testing.T) {
	// 5 + 302/20*1 = 20.1; distance 21 stays "far" for all steps even
	// after the path gets within the band.
	traj := Trajectory(281, 302, 1.0)
	for i := 1; i < Horizon; i++ {
		assert.Equal(t, traj[i-1]+1, traj[i])
	}
}

func TestPredict(t *testing.T) {
	p := New(testContext(t))
	assert.InDelta(t, 1.208, p.Predict(302, 302, 1.0), 1e-9)
}

func TestPredictIdempotent(t *testing.T) {
	p := New(testContext(t))
	a := p.Predict(285.5, 302, 1.5)
	b := p.Predict(285.5, 302, 1.5)
	assert.Equal(t, a, b)
}

func TestPredictRoundsToThreeDecimals(t *testing.T) {
	p := New(testContext(t))
	v := p.Predict(123.4567, 302, 0.8)
	assert.InDelta(t, v, math.Round(v*1000)/1000, 1e-12)
}

func TestRound3TiesToEven(t *testing.T) {
	assert.Equal(t, 0.062, round3(0.0625))
	assert.Equal(t, 0.188, round3(0.1875))
	assert.Equal(t, -0.062, round3(-0.0625))
	assert.Equal(t, 1.235, round3(1.23456))
}

func TestPredictUnavailableHoldsCurrent(t *testing.T) {
	assert.Equal(t, 280.0, New(nil).Predict(280, 302, 1))
	assert.Equal(t, 280.0, New(&Context{}).Predict(280, 302, 1))

	var p *Predictor
	assert.Equal(t, 280.0, p.Predict(280, 302, 1))
}

func TestPredictShapeMismatchHoldsCurrent(t *testing.T) {
	ctx := testContext(t)
	narrow, err := NewScaler([]float64{0, 0}, []float64{1, 1}, [2]float64{})
	require.NoError(t, err)
	ctx.Input = narrow

	assert.Equal(t, 250.0, New(ctx).Predict(250, 302, 1))
}

func TestPredictNaNHoldsCurrent(t *testing.T) {
	ctx := testContext(t)
	spec := meanModelSpec()
	spec.Layers[0].Bias = []float64{math.NaN()}
	model, err := NewModel(spec)
	require.NoError(t, err)
	ctx.Model = model

	assert.Equal(t, 250.0, New(ctx).Predict(250, 302, 1))
}

func TestLoadContext(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "model.json"), meanModelSpec())

	hi := make([]float64, Horizon)
	for i := range hi {
		hi[i] = 1000
	}
	writeJSON(t, filepath.Join(dir, "in.json"), map[string]any{
		"data_min": make([]float64, Horizon), "data_max": hi, "feature_range": []float64{0, 1},
	})
	writeJSON(t, filepath.Join(dir, "out.json"), map[string]any{
		"data_min": []float64{0}, "data_max": []float64{4},
	})

	ctx, err := LoadContext(filepath.Join(dir, "model.json"), filepath.Join(dir, "in.json"), filepath.Join(dir, "out.json"))
	require.NoError(t, err)
	assert.InDelta(t, 1.208, New(ctx).Predict(302, 302, 1.0), 1e-9)
}

func TestLoadContextMissingFile(t *testing.T) {
	_, err := LoadContext("/nonexistent/model.json", "a", "b")
	assert.Error(t, err)
}

func TestNewModelValidation(t *testing.T) {
	_, err := NewModel(ModelSpec{InputDim: 0})
	assert.Error(t, err)

	spec := meanModelSpec()
	spec.Layers[0].Activation = "gelu"
	_, err = NewModel(spec)
	assert.Error(t, err)

	spec = meanModelSpec()
	spec.Layers[0].Weights = spec.Layers[0].Weights[:5]
	_, err = NewModel(spec)
	assert.Error(t, err)
}

func TestModelActivations(t *testing.T) {
	spec := ModelSpec{
		InputDim: 1,
		Layers: []LayerSpec{
			{Weights: [][]float64{{1, -1}}, Bias: []float64{0, 0}, Activation: ActivationReLU},
			{Weights: [][]float64{{1}, {1}}, Bias: []float64{0}, Activation: ActivationSwish},
		},
	}
	m, err := NewModel(spec)
	require.NoError(t, err)

	y, err := m.Forward([]float64{2})
	require.NoError(t, err)
	// relu -> [2, 0], sum 2, swish(2) = 2*sigmoid(2)
	assert.InDelta(t, 2*sigmoid(2), y[0], 1e-12)

	_, err = m.Forward([]float64{1, 2})
	assert.Error(t, err)
}

func TestScalerRoundTrip(t *testing.T) {
	s, err := NewScaler([]float64{10, -5}, []float64{20, 5}, [2]float64{-1, 1})
	require.NoError(t, err)

	x := []float64{15, 0}
	scaled, err := s.Transform(x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0}, scaled, 1e-12)

	back, err := s.Inverse(scaled)
	require.NoError(t, err)
	assert.InDeltaSlice(t, x, back, 1e-12)
}

func TestScalerConstantFeature(t *testing.T) {
	s, err := NewScaler([]float64{3}, []float64{3}, [2]float64{0, 1})
	require.NoError(t, err)
	v, err := s.Transform([]float64{3})
	require.NoError(t, err)
	assert.False(t, math.IsNaN(v[0]))
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}
