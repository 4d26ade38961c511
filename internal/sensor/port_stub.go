//go:build !linux

package sensor

import "errors"

// Port is not available on non-Linux platforms.
type Port struct{}

// OpenPort returns an error on non-Linux platforms.
func OpenPort(device string, baud int) (*Port, error) {
	return nil, errors.New("sensor: serial not supported on this platform (requires Linux)")
}

// Read is not implemented on non-Linux platforms.
func (p *Port) Read(b []byte) (int, error) {
	return 0, errors.New("sensor: not supported")
}

// Write is not implemented on non-Linux platforms.
func (p *Port) Write(b []byte) (int, error) {
	return 0, errors.New("sensor: not supported")
}

// Close is not implemented on non-Linux platforms.
func (p *Port) Close() error {
	return nil
}
