package predictor

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"
)

// Activation names supported in exported models.
const (
	ActivationLinear  = "linear"
	ActivationReLU    = "relu"
	ActivationSwish   = "swish"
	ActivationSigmoid = "sigmoid"
	ActivationTanh    = "tanh"
)

// LayerSpec is one dense layer as exported from the training pipeline.
// Weights has one row per input and one column per unit.
type LayerSpec struct {
	Weights    [][]float64 `json:"weights"`
	Bias       []float64   `json:"bias"`
	Activation string      `json:"activation"`
}

// ModelSpec is the on-disk representation of a feed-forward regression model.
type ModelSpec struct {
	InputDim int         `json:"input_dim"`
	Layers   []LayerSpec `json:"layers"`
}

type layer struct {
	w   *mat.Dense
	b   []float64
	act func(float64) float64
}

// Model is a stack of dense layers. Immutable after construction.
type Model struct {
	inputDim int
	layers   []layer
}

// LoadModel reads a model from a JSON file.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var spec ModelSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse model %s: %w", path, err)
	}
	m, err := NewModel(spec)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return m, nil
}

// NewModel validates spec and builds the model.
func NewModel(spec ModelSpec) (*Model, error) {
	if spec.InputDim <= 0 {
		return nil, fmt.Errorf("input_dim must be positive")
	}
	if len(spec.Layers) == 0 {
		return nil, fmt.Errorf("no layers")
	}

	m := &Model{inputDim: spec.InputDim}
	in := spec.InputDim
	for i, ls := range spec.Layers {
		if len(ls.Weights) != in {
			return nil, fmt.Errorf("layer %d: expected %d weight rows, got %d", i, in, len(ls.Weights))
		}
		units := len(ls.Bias)
		if units == 0 {
			return nil, fmt.Errorf("layer %d: empty bias", i)
		}
		flat := make([]float64, 0, in*units)
		for r, row := range ls.Weights {
			if len(row) != units {
				return nil, fmt.Errorf("layer %d row %d: expected %d columns, got %d", i, r, units, len(row))
			}
			flat = append(flat, row...)
		}
		act, err := activation(ls.Activation)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		m.layers = append(m.layers, layer{
			w:   mat.NewDense(in, units, flat),
			b:   append([]float64(nil), ls.Bias...),
			act: act,
		})
		in = units
	}
	return m, nil
}

// InputDim returns the expected input width.
func (m *Model) InputDim() int {
	return m.inputDim
}

// OutputDim returns the width of the final layer.
func (m *Model) OutputDim() int {
	_, c := m.layers[len(m.layers)-1].w.Dims()
	return c
}

// Forward runs one input vector through the network.
func (m *Model) Forward(x []float64) ([]float64, error) {
	if len(x) != m.inputDim {
		return nil, fmt.Errorf("model expects %d inputs, got %d", m.inputDim, len(x))
	}
	cur := mat.NewDense(1, len(x), append([]float64(nil), x...))
	for _, l := range m.layers {
		_, units := l.w.Dims()
		next := mat.NewDense(1, units, nil)
		next.Mul(cur, l.w)
		for j := 0; j < units; j++ {
			next.Set(0, j, l.act(next.At(0, j)+l.b[j]))
		}
		cur = next
	}
	return mat.Row(nil, 0, cur), nil
}

func activation(name string) (func(float64) float64, error) {
	switch name {
	case ActivationLinear, "":
		return func(v float64) float64 { return v }, nil
	case ActivationReLU:
		return func(v float64) float64 { return math.Max(0, v) }, nil
	case ActivationSwish:
		return func(v float64) float64 { return v * sigmoid(v) }, nil
	case ActivationSigmoid:
		return sigmoid, nil
	case ActivationTanh:
		return math.Tanh, nil
	default:
		return nil, fmt.Errorf("unsupported activation %q", name)
	}
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}
