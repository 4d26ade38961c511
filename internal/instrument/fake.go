package instrument

import "sync"

// SetCall records one Set invocation.
type SetCall struct {
	Voltage float64
	Current float64
}

// FakeInstrument records commands for test assertions.
// Safe for concurrent use so tests can inspect it while a loop runs.
type FakeInstrument struct {
	mu sync.Mutex

	// Sets contains every Set call, in order.
	Sets []SetCall

	// OutputOn tracks the output stage.
	OutputOn bool

	// Starts and Stops count StartOutput/StopOutput calls.
	Starts int
	Stops  int

	// Voltage and Current are returned by the Read methods.
	Voltage float64
	Current float64

	// SetError, if set, is returned by Set.
	SetError error

	// StartError, if set, is returned by StartOutput.
	StartError error

	// ReadError, if set, is returned by both Read methods.
	ReadError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeInstrument creates a FakeInstrument.
func NewFakeInstrument() *FakeInstrument {
	return &FakeInstrument{}
}

// Set records the call.
func (f *FakeInstrument) Set(voltage, current float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetError != nil {
		return f.SetError
	}
	f.Sets = append(f.Sets, SetCall{Voltage: voltage, Current: current})
	return nil
}

// StartOutput turns the fake output on.
func (f *FakeInstrument) StartOutput() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartError != nil {
		return f.StartError
	}
	f.Starts++
	f.OutputOn = true
	return nil
}

// StopOutput turns the fake output off.
func (f *FakeInstrument) StopOutput() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stops++
	f.OutputOn = false
	return nil
}

// ReadVoltage returns Voltage.
func (f *FakeInstrument) ReadVoltage() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadError != nil {
		return 0, f.ReadError
	}
	return f.Voltage, nil
}

// ReadCurrent returns Current.
func (f *FakeInstrument) ReadCurrent() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadError != nil {
		return 0, f.ReadError
	}
	return f.Current, nil
}

// Close marks the instrument as closed.
func (f *FakeInstrument) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// LastSet returns the most recent Set call.
func (f *FakeInstrument) LastSet() (SetCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Sets) == 0 {
		return SetCall{}, false
	}
	return f.Sets[len(f.Sets)-1], true
}

// SetCalls returns a copy of the recorded Set calls.
func (f *FakeInstrument) SetCalls() []SetCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SetCall(nil), f.Sets...)
}

// IsOutputOn reports the fake output state.
func (f *FakeInstrument) IsOutputOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.OutputOn
}
