//go:build !linux

package gpio

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned on platforms without the GPIO character device.
var ErrUnsupported = errors.New("gpio: interlock requires Linux")

// RealReader is a placeholder on non-Linux platforms.
type RealReader struct{}

// NewRealReader always fails off Linux.
func NewRealReader(chipName string, pin int, activeLow bool) (*RealReader, error) {
	return nil, fmt.Errorf("%w (%s line %d)", ErrUnsupported, chipName, pin)
}

func (r *RealReader) Read() (bool, error) { return false, ErrUnsupported }

func (r *RealReader) Close() error { return nil }
