package predictor

import (
	"encoding/json"
	"fmt"
	"os"
)

// Scaler is a fitted min-max scaler, exported from the training pipeline.
// Immutable after loading.
type Scaler struct {
	DataMin      []float64  `json:"data_min"`
	DataMax      []float64  `json:"data_max"`
	FeatureRange [2]float64 `json:"feature_range"`

	scale  []float64
	offset []float64
}

// NewScaler builds a scaler from per-feature data ranges.
// A zero feature range defaults to [0, 1].
func NewScaler(dataMin, dataMax []float64, featureRange [2]float64) (*Scaler, error) {
	s := &Scaler{DataMin: dataMin, DataMax: dataMax, FeatureRange: featureRange}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadScaler reads a scaler from a JSON file.
func LoadScaler(path string) (*Scaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scaler: %w", err)
	}
	var s Scaler
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scaler %s: %w", path, err)
	}
	if err := s.init(); err != nil {
		return nil, fmt.Errorf("scaler %s: %w", path, err)
	}
	return &s, nil
}

func (s *Scaler) init() error {
	if len(s.DataMin) == 0 || len(s.DataMin) != len(s.DataMax) {
		return fmt.Errorf("data_min/data_max width mismatch (%d vs %d)", len(s.DataMin), len(s.DataMax))
	}
	if s.FeatureRange == [2]float64{} {
		s.FeatureRange = [2]float64{0, 1}
	}
	lo, hi := s.FeatureRange[0], s.FeatureRange[1]
	s.scale = make([]float64, len(s.DataMin))
	s.offset = make([]float64, len(s.DataMin))
	for i := range s.DataMin {
		span := s.DataMax[i] - s.DataMin[i]
		if span == 0 {
			span = 1 // constant feature
		}
		s.scale[i] = (hi - lo) / span
		s.offset[i] = lo - s.DataMin[i]*s.scale[i]
	}
	return nil
}

// Width returns the number of features.
func (s *Scaler) Width() int {
	return len(s.scale)
}

// Transform maps raw values into the feature range.
func (s *Scaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.scale) {
		return nil, fmt.Errorf("scaler expects %d features, got %d", len(s.scale), len(x))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v*s.scale[i] + s.offset[i]
	}
	return out, nil
}

// Inverse maps scaled values back to the raw domain.
func (s *Scaler) Inverse(x []float64) ([]float64, error) {
	if len(x) != len(s.scale) {
		return nil, fmt.Errorf("scaler expects %d features, got %d", len(s.scale), len(x))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - s.offset[i]) / s.scale[i]
	}
	return out, nil
}
