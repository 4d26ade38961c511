package control

import "fmt"

// IntentKind identifies an operator request.
type IntentKind int

const (
	IntentStop IntentKind = iota
	IntentPause
	IntentAdjust
	IntentSetMode
	IntentHandover
)

func (k IntentKind) String() string {
	switch k {
	case IntentStop:
		return "stop"
	case IntentPause:
		return "pause"
	case IntentAdjust:
		return "adjust"
	case IntentSetMode:
		return "set_mode"
	case IntentHandover:
		return "handover"
	default:
		return fmt.Sprintf("intent(%d)", int(k))
	}
}

// Intent is a request submitted to a running loop.
type Intent struct {
	Kind    IntentKind
	Current float64 // IntentAdjust target
	Mode    Mode    // IntentSetMode target
}

// Stop ramps down and turns the output off.
func Stop() Intent { return Intent{Kind: IntentStop} }

// Pause ends the run immediately, leaving the output as it is.
func Pause() Intent { return Intent{Kind: IntentPause} }

// Handover ends the run without ramping so another run can take over.
func Handover() Intent { return Intent{Kind: IntentHandover} }

// Adjust moves the current toward target in manual mode.
func Adjust(target float64) Intent { return Intent{Kind: IntentAdjust, Current: target} }

// SetMode switches strategy within the run, preserving the current.
func SetMode(m Mode) Intent { return Intent{Kind: IntentSetMode, Mode: m} }

func (i Intent) String() string {
	switch i.Kind {
	case IntentAdjust:
		return fmt.Sprintf("adjust(%.3f)", i.Current)
	case IntentSetMode:
		return fmt.Sprintf("set_mode(%s)", i.Mode)
	default:
		return i.Kind.String()
	}
}

// DefaultMailboxSize holds a burst of operator input between ticks.
const DefaultMailboxSize = 16

// Mailbox carries intents from UI surfaces to the loop goroutine.
type Mailbox struct {
	ch chan Intent
}

// NewMailbox creates a mailbox. A non-positive size uses DefaultMailboxSize.
func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Mailbox{ch: make(chan Intent, size)}
}

// Submit enqueues i without blocking. Returns false if the mailbox is full.
func (m *Mailbox) Submit(i Intent) bool {
	select {
	case m.ch <- i:
		return true
	default:
		return false
	}
}

// C returns the receive side for the loop.
func (m *Mailbox) C() <-chan Intent {
	return m.ch
}

// Discard drops any pending intents and returns how many were dropped.
// Called between runs so a late request cannot end the next one.
func (m *Mailbox) Discard() int {
	n := 0
	for {
		select {
		case <-m.ch:
			n++
		default:
			return n
		}
	}
}
