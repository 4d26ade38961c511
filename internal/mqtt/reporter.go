package mqtt

import (
	"context"
	"log"
	"time"

	"github.com/sweeney/anneal-control/internal/control"
	"github.com/sweeney/anneal-control/internal/metrics"
)

// DefaultQueueSize is the Reporter's pending message capacity.
const DefaultQueueSize = 64

type report struct {
	reading *control.Reading
	warning control.Warning
	at      time.Time
}

// Reporter is a control.Display that forwards readings and warnings to a
// Publisher from its own goroutine, so broker latency never stalls a tick.
// When the queue is full new reports are dropped.
type Reporter struct {
	pub   Publisher
	queue chan report
	now   func() time.Time
}

// NewReporter creates a Reporter with the given queue size.
func NewReporter(pub Publisher, size int) *Reporter {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Reporter{pub: pub, queue: make(chan report, size), now: time.Now}
}

// Update queues a telemetry message.
func (r *Reporter) Update(rd control.Reading) {
	r.enqueue(report{reading: &rd})
}

// NotifyWarning queues a warning message.
func (r *Reporter) NotifyWarning(w control.Warning) {
	r.enqueue(report{warning: w, at: r.now()})
}

func (r *Reporter) enqueue(rep report) {
	select {
	case r.queue <- rep:
	default:
		metrics.MQTTDropped.Inc()
	}
}

// Run publishes queued reports until ctx is done, then flushes what is left.
func (r *Reporter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case rep := <-r.queue:
			r.send(rep)
		}
	}
}

func (r *Reporter) flush() {
	for {
		select {
		case rep := <-r.queue:
			r.send(rep)
		default:
			return
		}
	}
}

func (r *Reporter) send(rep report) {
	if rep.reading != nil {
		if err := r.pub.PublishTelemetry(*rep.reading); err != nil {
			log.Printf("mqtt: telemetry publish failed: %v", err)
		}
		return
	}
	if err := r.pub.PublishWarning(rep.warning, rep.at); err != nil {
		log.Printf("mqtt: warning publish failed: %v", err)
	}
}
