package sensor

import "sync"

// Sample is one scripted poll result.
type Sample struct {
	Value float64
	OK    bool
}

// Reading returns a sample with a value.
func Reading(v float64) Sample { return Sample{Value: v, OK: true} }

// Dropout is a sample with no value.
var Dropout = Sample{}

// FakeReader is a test double that returns scripted readings.
type FakeReader struct {
	mu sync.Mutex

	// Samples contains scripted results. Each Read consumes the next one;
	// once exhausted, Read reports no value.
	Samples []Sample

	index int

	// Reads counts Read calls.
	Reads int

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeReader creates a FakeReader with the given samples.
func NewFakeReader(samples ...Sample) *FakeReader {
	return &FakeReader{Samples: samples}
}

// Read returns the next scripted sample.
func (f *FakeReader) Read() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reads++
	if f.index >= len(f.Samples) {
		return 0, false
	}
	s := f.Samples[f.index]
	f.index++
	return s.Value, s.OK
}

// Push appends samples to the script.
func (f *FakeReader) Push(samples ...Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Samples = append(f.Samples, samples...)
}

// Close marks the reader as closed.
func (f *FakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
