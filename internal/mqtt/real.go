package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/anneal-control/internal/control"
	"github.com/sweeney/anneal-control/internal/metrics"
)

// DefaultBufferSize is how many messages are kept while the broker is unreachable.
const DefaultBufferSize = 600

// Options configures a RealPublisher.
type Options struct {
	Broker     string
	ClientID   string
	BufferSize int
	// OnConnectionChange, if set, is called on connect and connection loss.
	OnConnectionChange func(connected bool)
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// disconnected are queued and replayed on reconnect.
type RealPublisher struct {
	client   paho.Client
	timeout  time.Duration
	onChange func(bool)

	mu     sync.Mutex
	outbox *outbox
}

// NewRealPublisher creates a publisher connected to the given broker.
// An unreachable broker is not fatal: the client keeps retrying and
// messages are buffered until it connects.
func NewRealPublisher(o Options) (*RealPublisher, error) {
	if o.ClientID == "" {
		o.ClientID = "anneal-control"
	}
	p := newPublisher(nil, o.BufferSize, o.OnConnectionChange)

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE", Reason: "LWT"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(func(paho.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
			p.notify(false)
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		log.Printf("mqtt: broker %s not reachable yet, buffering", o.Broker)
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func newPublisher(client paho.Client, bufferSize int, onChange func(bool)) *RealPublisher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &RealPublisher{
		client:   client,
		timeout:  5 * time.Second,
		onChange: onChange,
		outbox:   newOutbox(bufferSize),
	}
}

func (p *RealPublisher) notify(connected bool) {
	if p.onChange != nil {
		p.onChange(connected)
	}
}

// onConnect runs on every (re)connect: replaces the retained LWT and
// replays anything queued while offline.
func (p *RealPublisher) onConnect() {
	log.Printf("mqtt: connected")
	p.notify(true)

	if err := p.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: "ONLINE", Retained: true}); err != nil {
		log.Printf("mqtt: publish online failed: %v", err)
	}

	p.mu.Lock()
	pending := p.outbox.drain()
	p.mu.Unlock()
	for i, m := range pending {
		if err := p.send(m); err != nil {
			log.Printf("mqtt: replay failed after %d of %d: %v", i, len(pending), err)
			p.mu.Lock()
			for _, rest := range pending[i:] {
				p.outbox.push(rest)
			}
			p.mu.Unlock()
			return
		}
	}
}

func (p *RealPublisher) publish(m message) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.outbox.push(m)
		p.mu.Unlock()
		return nil
	}
	return p.send(m)
}

func (p *RealPublisher) send(m message) error {
	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish %s: timeout", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	metrics.MQTTPublished.WithLabelValues(m.topic).Inc()
	return nil
}

// PublishTelemetry sends a reading with QoS 0 (at-most-once), not retained.
func (p *RealPublisher) PublishTelemetry(r control.Reading) error {
	payload, err := FormatTelemetry(r)
	if err != nil {
		return fmt.Errorf("format telemetry: %w", err)
	}
	return p.publish(message{topic: TopicTelemetry, payload: payload})
}

// PublishWarning sends a warning with QoS 1.
func (p *RealPublisher) PublishWarning(w control.Warning, at time.Time) error {
	payload, err := FormatWarning(w, at)
	if err != nil {
		return fmt.Errorf("format warning: %w", err)
	}
	return p.publish(message{topic: TopicEvents, payload: payload, qos: 1})
}

// PublishSystem sends a lifecycle event with QoS 1.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(message{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
}

// IsConnected reports whether the broker connection is open.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outbox.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
