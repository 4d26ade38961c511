package predictor

import "math"

// Horizon is the number of future temperature steps fed to the model.
const Horizon = 20

// Trajectory synthesizes the expected temperature path from current toward
// setpoint, one step per second.
//
// The distance to the setpoint is computed once from current and kept for
// every step; the model was trained on trajectories built this way.
func Trajectory(current, setpoint, heatingRate float64) [Horizon]float64 {
	var t [Horizon]float64
	t[0] = current

	distance := math.Abs(current - setpoint)
	far := distance > 5+setpoint/20*math.Pow(heatingRate, 1.5)

	gradient := heatingRate / 2
	if far {
		if current < setpoint {
			gradient = heatingRate
		} else {
			gradient = -heatingRate / 2
		}
	}

	for i := 1; i < Horizon; i++ {
		next := t[i-1] + gradient
		if (gradient > 0 && next > setpoint) || (gradient < 0 && next < setpoint) {
			t[i] = setpoint
		} else {
			t[i] = next
		}
	}
	return t
}
