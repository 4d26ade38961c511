package gpio

import (
	"errors"
	"sync"
)

// FakeReader is a test double that returns scripted interlock values.
type FakeReader struct {
	mu sync.Mutex

	// Samples contains scripted tripped values. Each Read consumes one;
	// the last repeats once exhausted.
	Samples []bool

	index int

	// Closed tracks if Close was called.
	Closed bool

	// ReadError, if set, is returned by Read.
	ReadError error
}

// NewFakeReader creates a FakeReader with the given samples.
func NewFakeReader(samples ...bool) *FakeReader {
	return &FakeReader{Samples: samples}
}

// Read returns the next scripted sample.
func (f *FakeReader) Read() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadError != nil {
		return false, f.ReadError
	}
	if len(f.Samples) == 0 {
		return false, errors.New("no samples configured")
	}
	v := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return v, nil
}

// SetError sets or clears the read error.
func (f *FakeReader) SetError(err error) {
	f.mu.Lock()
	f.ReadError = err
	f.mu.Unlock()
}

// Close marks the reader as closed.
func (f *FakeReader) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}
