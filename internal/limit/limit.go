// Package limit enforces the per-tick rate limit and absolute bounds on actuation.
package limit

// Bounds is an inclusive output range.
type Bounds struct {
	Lo float64
	Hi float64
}

// Clamp returns v forced into b.
func Clamp(v float64, b Bounds) float64 {
	if v < b.Lo {
		return b.Lo
	}
	if v > b.Hi {
		return b.Hi
	}
	return v
}

// Limit applies the two-stage guard: the step from previous is capped at
// maxChange first, then the result is clamped into b.
func Limit(proposed, previous, maxChange float64, b Bounds) float64 {
	v := proposed
	if d := proposed - previous; d > maxChange {
		v = previous + maxChange
	} else if d < -maxChange {
		v = previous - maxChange
	}
	return Clamp(v, b)
}

// Limited reports whether Limit would alter the step of proposed.
func Limited(proposed, previous, maxChange float64) bool {
	d := proposed - previous
	return d > maxChange || d < -maxChange
}

// Step moves current toward target by at most step. When target is within
// one step it is returned exactly and reached is true.
func Step(target, current, step float64) (next float64, reached bool) {
	d := target - current
	if d > step {
		return current + step, false
	}
	if d < -step {
		return current - step, false
	}
	return target, true
}
