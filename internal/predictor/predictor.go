// Package predictor maps a synthesized future-temperature trajectory to the
// next output current using a pretrained regression model.
package predictor

import (
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/sweeney/anneal-control/internal/metrics"
)

// ErrUnavailable is returned when the context has no model or scalers loaded.
var ErrUnavailable = errors.New("predictor: model or scalers not loaded")

// Context holds the loaded model and both fitted scalers. It is built once at
// process start and shared read-only with every run.
type Context struct {
	Model  *Model
	Input  *Scaler // Horizon-wide
	Output *Scaler // 1-wide
}

// LoadContext loads the model and scalers from their exported files.
func LoadContext(modelPath, inputScalerPath, outputScalerPath string) (*Context, error) {
	model, err := LoadModel(modelPath)
	if err != nil {
		return nil, err
	}
	in, err := LoadScaler(inputScalerPath)
	if err != nil {
		return nil, err
	}
	out, err := LoadScaler(outputScalerPath)
	if err != nil {
		return nil, err
	}
	ctx := &Context{Model: model, Input: in, Output: out}
	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	return ctx, nil
}

// Validate checks that the model and scalers fit together.
func (c *Context) Validate() error {
	if c == nil || c.Model == nil || c.Input == nil || c.Output == nil {
		return ErrUnavailable
	}
	if c.Input.Width() != Horizon {
		return fmt.Errorf("predictor: input scaler width %d, want %d", c.Input.Width(), Horizon)
	}
	if c.Model.InputDim() != Horizon {
		return fmt.Errorf("predictor: model input %d, want %d", c.Model.InputDim(), Horizon)
	}
	if c.Model.OutputDim() != 1 || c.Output.Width() != 1 {
		return fmt.Errorf("predictor: model output %d / scaler %d, want 1", c.Model.OutputDim(), c.Output.Width())
	}
	return nil
}

// Predictor turns temperatures into output current predictions.
type Predictor struct {
	ctx *Context
}

// New creates a Predictor. A nil or incomplete ctx is allowed: every
// prediction then holds the input value.
func New(ctx *Context) *Predictor {
	return &Predictor{ctx: ctx}
}

// Predict returns the model's output current for the trajectory from current
// toward setpoint. It never fails: on any error it logs and returns current.
func (p *Predictor) Predict(current, setpoint, heatingRate float64) (out float64) {
	metrics.PredictionsTotal.Inc()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("predictor: recovered from panic: %v", r)
			metrics.PredictionFailures.Inc()
			out = current
		}
	}()

	v, err := p.compute(current, setpoint, heatingRate)
	if err != nil {
		log.Printf("predictor: prediction failed, holding %.3f: %v", current, err)
		metrics.PredictionFailures.Inc()
		return current
	}
	return v
}

func (p *Predictor) compute(current, setpoint, heatingRate float64) (float64, error) {
	if p == nil || p.ctx == nil {
		return 0, ErrUnavailable
	}
	if err := p.ctx.Validate(); err != nil {
		return 0, err
	}

	traj := Trajectory(current, setpoint, heatingRate)
	scaled, err := p.ctx.Input.Transform(traj[:])
	if err != nil {
		return 0, fmt.Errorf("scale input: %w", err)
	}
	y, err := p.ctx.Model.Forward(scaled)
	if err != nil {
		return 0, fmt.Errorf("inference: %w", err)
	}
	raw, err := p.ctx.Output.Inverse(y)
	if err != nil {
		return 0, fmt.Errorf("scale output: %w", err)
	}
	v := raw[0]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite prediction %v", v)
	}
	return round3(v), nil
}

func round3(v float64) float64 {
	return math.RoundToEven(v*1000) / 1000
}
