package mqtt

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/uwb-tdma/internal/estimator"
	"github.com/sweeney/uwb-tdma/internal/protocol"
)

// DefaultBufferSize is how many messages are kept while disconnected.
const DefaultBufferSize = 256

// Options configure a RealPublisher.
type Options struct {
	Broker      string
	TopicPrefix string
	Node        protocol.DeviceID
	// RunID tags every update with the publishing process.
	RunID      string
	BufferSize int
	Now        func() time.Time
}

// client is the part of paho.Client the publisher uses.
type client interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// RealPublisher publishes to an MQTT broker. Messages published while the
// connection is down are buffered and replayed, oldest first, when it comes
// back, followed by a RECONNECTED event.
type RealPublisher struct {
	client client
	opts   Options

	mu            sync.Mutex
	buffer        *ringBuffer
	everConnected bool
}

// NewRealPublisher connects to opts.Broker. An unreachable broker is not an
// error: paho keeps retrying in the background and messages are buffered
// until it succeeds.
func NewRealPublisher(opts Options) (*RealPublisher, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt: broker address is required")
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultTopicPrefix
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &RealPublisher{opts: opts, buffer: newRingBuffer(opts.BufferSize)}

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: opts.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(fmt.Sprintf("uwb-node-%s", opts.Node)).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(SystemTopic(opts.TopicPrefix, opts.Node), string(will), 1, true).
		SetOnConnectHandler(func(paho.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})

	c := paho.NewClient(co)
	p.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		log.Printf("mqtt: broker %s not reachable yet, buffering until connected", opts.Broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

// onConnect replays what was buffered during an outage. The first
// connection only marks the publisher as connected.
func (p *RealPublisher) onConnect() {
	p.mu.Lock()
	first := !p.everConnected
	p.everConnected = true
	pending := p.buffer.drainAll()
	p.mu.Unlock()

	if first && len(pending) == 0 {
		log.Printf("mqtt: connected to %s", p.opts.Broker)
		return
	}

	log.Printf("mqtt: reconnected, replaying %d buffered messages", len(pending))
	for _, m := range pending {
		if err := p.send(m); err != nil {
			log.Printf("mqtt: replay to %s: %v", m.topic, err)
		}
	}
	if first {
		return
	}
	if err := p.PublishSystem(SystemEvent{Timestamp: p.opts.Now(), Event: "RECONNECTED"}); err != nil {
		log.Printf("mqtt: publish RECONNECTED: %v", err)
	}
}

func (p *RealPublisher) send(m bufferedMsg) error {
	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s: timeout", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", m.topic, err)
	}
	return nil
}

func (p *RealPublisher) publish(m bufferedMsg) error {
	p.mu.Lock()
	if !p.client.IsConnectionOpen() {
		p.buffer.push(m)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.send(m)
}

// PublishUpdate sends an update at QoS 0.
func (p *RealPublisher) PublishUpdate(u estimator.Update) error {
	payload, err := FormatUpdatePayload(u, p.opts.RunID)
	if err != nil {
		return fmt.Errorf("format update payload: %w", err)
	}
	return p.publish(bufferedMsg{
		topic:   UpdatesTopic(p.opts.TopicPrefix, p.opts.Node),
		payload: payload,
	})
}

// PublishSystem sends a lifecycle event at QoS 1.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(bufferedMsg{
		topic:    SystemTopic(p.opts.TopicPrefix, p.opts.Node),
		payload:  payload,
		qos:      1,
		retained: event.Retained,
	})
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
