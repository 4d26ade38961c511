package mqtt

import (
	"log"

	"github.com/sweeney/anneal-control/internal/metrics"
)

// message is a serialized MQTT publish held for replay after reconnection.
type message struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox is a fixed-capacity FIFO of messages queued while disconnected.
// When full the oldest message is overwritten. Callers synchronize.
type outbox struct {
	msgs    []message
	head    int // next write position
	count   int
	dropped int // since last drain
}

func newOutbox(capacity int) *outbox {
	if capacity < 1 {
		capacity = 1
	}
	return &outbox{msgs: make([]message, capacity)}
}

func (o *outbox) push(m message) {
	capacity := len(o.msgs)
	o.msgs[o.head] = m
	o.head = (o.head + 1) % capacity
	if o.count < capacity {
		o.count++
	} else {
		if o.dropped == 0 {
			log.Printf("mqtt: offline buffer full (%d messages), dropping oldest", capacity)
		}
		o.dropped++
		metrics.MQTTDropped.Inc()
	}
	metrics.MQTTBuffered.Set(float64(o.count))
}

// drain returns queued messages oldest first and empties the outbox.
func (o *outbox) drain() []message {
	if o.count == 0 {
		return nil
	}
	capacity := len(o.msgs)
	out := make([]message, 0, o.count)
	for i := o.head - o.count; i < o.head; i++ {
		out = append(out, o.msgs[(i+capacity)%capacity])
	}
	if o.dropped > 0 {
		log.Printf("mqtt: replaying %d buffered messages, %d dropped", len(out), o.dropped)
	}
	o.head, o.count, o.dropped = 0, 0, 0
	metrics.MQTTBuffered.Set(0)
	return out
}

func (o *outbox) len() int {
	return o.count
}
