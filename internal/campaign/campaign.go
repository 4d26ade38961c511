// Package campaign sweeps a series of setpoints, one automatic run each,
// with recovery and cool-down between points.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/sweeney/anneal-control/internal/control"
	"github.com/sweeney/anneal-control/internal/metrics"
)

// Point is one run of the sweep.
type Point struct {
	Index       int
	Setpoint    float64 // external °C
	HeatingRate float64
	// Repeat marks the closing rerun of the first setpoint.
	Repeat bool
	// Attempt is 1 for the first try, 2 for the retry.
	Attempt int
}

func (p Point) String() string {
	return fmt.Sprintf("%g°C at %g°C/s", p.Setpoint, p.HeatingRate)
}

// Runner executes runs for the campaign.
type Runner interface {
	// RunPoint performs one automatic run. Cancelling ctx must ramp down
	// and return.
	RunPoint(ctx context.Context, p Point) (control.Result, error)
	// Recover ramps the supply to zero and turns the output off.
	Recover(ctx context.Context) (control.Result, error)
}

// Plan describes a sweep.
type Plan struct {
	Setpoints    []float64
	HeatingRates []float64
	RunTimeout   time.Duration
	Cooldown     time.Duration
	FailCooldown time.Duration
}

// Setpoints returns start, start+step, ... up to and including stop.
func Setpoints(start, stop, step float64) []float64 {
	if step <= 0 || stop < start {
		return nil
	}
	var out []float64
	for i := 0; ; i++ {
		v := start + float64(i)*step
		if v > stop+step/1e6 {
			return out
		}
		out = append(out, v)
	}
}

// Outcome of one point.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeTimeout
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// PointResult records how a point finished.
type PointResult struct {
	Point   Point
	Outcome Outcome
	Result  control.Result
	Err     error
}

// Campaign runs a Plan.
type Campaign struct {
	plan   Plan
	runner Runner
	// Sleep waits d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// Pick returns an index in [0, n).
	Pick func(n int) int
}

// New creates a Campaign.
func New(plan Plan, runner Runner) (*Campaign, error) {
	if len(plan.Setpoints) == 0 {
		return nil, errors.New("campaign: no setpoints")
	}
	if len(plan.HeatingRates) == 0 {
		return nil, errors.New("campaign: no heating rates")
	}
	if plan.RunTimeout <= 0 {
		return nil, errors.New("campaign: run timeout must be positive")
	}
	return &Campaign{plan: plan, runner: runner, Sleep: sleep, Pick: rand.Intn}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// failed reports whether a finished run should be treated as a crash.
func failed(res control.Result, err error) bool {
	if err != nil {
		return true
	}
	switch res.Reason {
	case control.ReasonFault, control.ReasonConnectionLost:
		return true
	}
	return false
}

// Run sweeps every setpoint, then repeats the first. It returns early only
// when ctx is cancelled.
func (c *Campaign) Run(ctx context.Context) ([]PointResult, error) {
	var results []PointResult
	sp := c.plan.Setpoints
	for i, s := range sp {
		results = append(results, c.point(ctx, Point{Index: i, Setpoint: s}))
		if err := ctx.Err(); err != nil {
			return results, err
		}
		log.Printf("campaign: cooling down for %s", c.plan.Cooldown)
		if err := c.Sleep(ctx, c.plan.Cooldown); err != nil {
			return results, err
		}
	}

	log.Printf("campaign: repeating first setpoint %g°C", sp[0])
	results = append(results, c.point(ctx, Point{Index: len(sp), Setpoint: sp[0], Repeat: true}))
	if err := ctx.Err(); err != nil {
		return results, err
	}
	log.Printf("campaign: finished %d points", len(results))
	return results, nil
}

// point runs one setpoint with at most one retry after a failure.
func (c *Campaign) point(ctx context.Context, p Point) PointResult {
	var pr PointResult
	for attempt := 1; attempt <= 2; attempt++ {
		p.Attempt = attempt
		p.HeatingRate = c.plan.HeatingRates[c.Pick(len(c.plan.HeatingRates))]
		pr = c.attempt(ctx, p)
		if pr.Outcome != OutcomeFailed || ctx.Err() != nil || attempt == 2 {
			break
		}
		log.Printf("campaign: extra cool-down for %s before retrying %g°C", c.plan.FailCooldown, p.Setpoint)
		if err := c.Sleep(ctx, c.plan.FailCooldown); err != nil {
			break
		}
	}
	metrics.CampaignPoints.WithLabelValues(pr.Outcome.String()).Inc()
	return pr
}

func (c *Campaign) attempt(ctx context.Context, p Point) PointResult {
	log.Printf("campaign: point %d: %s (attempt %d)", p.Index, p, p.Attempt)
	rctx, cancel := context.WithTimeout(ctx, c.plan.RunTimeout)
	res, err := c.runner.RunPoint(rctx, p)
	timedOut := errors.Is(rctx.Err(), context.DeadlineExceeded)
	cancel()

	pr := PointResult{Point: p, Result: res, Err: err}
	switch {
	case ctx.Err() != nil:
		// Interrupted by the operator; the run ramped down on cancellation.
		pr.Outcome = OutcomeFailed
		if pr.Err == nil {
			pr.Err = ctx.Err()
		}
		return pr
	case timedOut:
		log.Printf("campaign: point %d timed out after %s, recovering", p.Index, c.plan.RunTimeout)
		pr.Outcome = OutcomeTimeout
	case failed(res, err):
		if err != nil {
			log.Printf("campaign: point %d failed: %v, recovering", p.Index, err)
		} else {
			log.Printf("campaign: point %d ended with %s, recovering", p.Index, res.Reason)
		}
		pr.Outcome = OutcomeFailed
	default:
		pr.Outcome = OutcomeCompleted
		return pr
	}

	if _, err := c.runner.Recover(ctx); err != nil {
		log.Printf("campaign: recovery failed: %v", err)
	}
	return pr
}
