package mqtt

import (
	"sync"
	"time"

	"github.com/sweeney/anneal-control/internal/control"
)

// FakePublisher records published messages for test assertions.
// It is safe for concurrent use.
type FakePublisher struct {
	mu sync.Mutex

	// Telemetry contains all readings that were published.
	Telemetry []control.Reading

	// Warnings contains all warnings that were published.
	Warnings []control.Warning

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// Payloads contains every JSON payload in publish order.
	Payloads [][]byte

	// PublishError, if set, is returned by every publish method.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// PublishTelemetry records the reading.
func (f *FakePublisher) PublishTelemetry(r control.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatTelemetry(r)
	if err != nil {
		return err
	}
	f.Telemetry = append(f.Telemetry, r)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishWarning records the warning.
func (f *FakePublisher) PublishWarning(w control.Warning, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatWarning(w, at)
	if err != nil {
		return err
	}
	f.Warnings = append(f.Warnings, w)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Counts returns the number of telemetry, warning and system messages.
func (f *FakePublisher) Counts() (telemetry, warnings, system int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Telemetry), len(f.Warnings), len(f.SystemEvents)
}

// Events returns the names of the recorded system events.
func (f *FakePublisher) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.SystemEvents))
	for i, e := range f.SystemEvents {
		names[i] = e.Event
	}
	return names
}
