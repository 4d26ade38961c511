package gpio

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/sweeney/anneal-control/internal/control"
)

// Defaults for the interlock watcher.
const (
	DefaultPoll     = 50 * time.Millisecond
	DefaultDebounce = 250 * time.Millisecond
)

// Debouncer turns raw line samples into a stable state. A new level must
// hold for the debounce duration before it is accepted; the first accepted
// level is the baseline.
type Debouncer struct {
	debounce     time.Duration
	stable       bool
	baselined    bool
	pending      bool
	havePending  bool
	pendingSince time.Time
}

// NewDebouncer creates a Debouncer.
func NewDebouncer(debounce time.Duration) *Debouncer {
	return &Debouncer{debounce: debounce}
}

// Observe feeds one sample and reports whether the stable state changed.
// Establishing the baseline counts as a change.
func (d *Debouncer) Observe(v bool, now time.Time) bool {
	if d.baselined && v == d.stable {
		d.havePending = false
		return false
	}
	if !d.havePending || d.pending != v {
		d.pending = v
		d.pendingSince = now
		d.havePending = true
		if d.debounce > 0 {
			return false
		}
	}
	if now.Sub(d.pendingSince) < d.debounce {
		return false
	}
	d.stable = v
	d.baselined = true
	d.havePending = false
	return true
}

// Stable returns the debounced state and whether a baseline exists.
func (d *Debouncer) Stable() (v, baselined bool) {
	return d.stable, d.baselined
}

// Stopper receives the stop request. *control.Mailbox satisfies it.
type Stopper interface {
	Submit(i control.Intent) bool
}

// Interlock polls a Reader and requests a stop when the line trips.
type Interlock struct {
	reader   Reader
	target   Stopper
	poll     time.Duration
	deb      *Debouncer
	now      func() time.Time
	tripped  atomic.Bool
	owed     bool // a trip whose stop has not been accepted yet
	readErrs int
}

// NewInterlock creates an Interlock. Zero durations use the defaults.
func NewInterlock(r Reader, target Stopper, poll, debounce time.Duration) *Interlock {
	if poll <= 0 {
		poll = DefaultPoll
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Interlock{reader: r, target: target, poll: poll, deb: NewDebouncer(debounce), now: time.Now}
}

// Tripped reports whether the debounced line is currently tripped.
// Safe to call from any goroutine.
func (i *Interlock) Tripped() bool {
	return i.tripped.Load()
}

// Poll reads the line once.
func (i *Interlock) Poll(now time.Time) {
	v, err := i.reader.Read()
	if err != nil {
		if i.readErrs == 0 {
			log.Printf("gpio: interlock read failed: %v", err)
		}
		i.readErrs++
		return
	}
	if i.readErrs > 0 {
		log.Printf("gpio: interlock readable again after %d errors", i.readErrs)
		i.readErrs = 0
	}

	if i.deb.Observe(v, now) {
		i.tripped.Store(v)
		if v {
			log.Printf("gpio: interlock tripped, requesting stop")
			i.owed = true
		} else {
			log.Printf("gpio: interlock cleared")
			i.owed = false
		}
	}
	if i.owed && i.target.Submit(control.Stop()) {
		i.owed = false
	}
}

// Watch polls until ctx is done.
func (i *Interlock) Watch(ctx context.Context) error {
	t := time.NewTicker(i.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			i.Poll(i.now())
		}
	}
}
