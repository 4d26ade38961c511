// Package instrument drives the programmable DC power supply.
// The real implementation speaks SCPI over a USBTMC device node or a raw TCP
// socket. The fake implementation allows testing without hardware.
package instrument

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed instrument.
var ErrClosed = errors.New("instrument: closed")

// Instrument is the power supply as seen by the control loop.
type Instrument interface {
	// Set programs the output voltage limit and current setpoint.
	Set(voltage, current float64) error

	// StartOutput enables the output stage.
	StartOutput() error

	// StopOutput disables the output stage.
	StopOutput() error

	// ReadVoltage measures the output voltage.
	ReadVoltage() (float64, error)

	// ReadCurrent measures the output current.
	ReadCurrent() (float64, error)

	// Close releases the connection.
	Close() error
}

// Measurement is a readout that may not have been taken this tick.
type Measurement struct {
	value    float64
	measured bool
}

// Value returns a taken measurement.
func Value(v float64) Measurement {
	return Measurement{value: v, measured: true}
}

// Unmeasured is the zero Measurement.
var Unmeasured = Measurement{}

// Get returns the value and whether it was measured.
func (m Measurement) Get() (float64, bool) {
	return m.value, m.measured
}

// Measured reports whether a value is present.
func (m Measurement) Measured() bool {
	return m.measured
}

// Format renders the value with 3 decimals, or "Not measured".
func (m Measurement) Format() string {
	if !m.measured {
		return "Not measured"
	}
	return fmt.Sprintf("%.3f", m.value)
}

// String implements fmt.Stringer.
func (m Measurement) String() string {
	return m.Format()
}
