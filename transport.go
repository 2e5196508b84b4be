package main

import (
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// InboundMessage is what the transport hands the event loop for every
// subscribed topic delivery, regardless of broker implementation.
type InboundMessage struct {
	Topic   string
	Payload []byte
}

// Transport is the narrow broker adapter: publish, subscribe, and a
// channel of inbound deliveries. The rest of the codebase never imports
// the concrete MQTT client directly.
type Transport interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string) error
	Inbound() <-chan InboundMessage
	Close() error
}

// MQTTTransport implements Transport over github.com/eclipse/paho.mqtt.golang,
// QoS 1 (at-least-once) throughout, with retained-flag control on a
// per-publish basis (the key-package and group-info topics are retained;
// welcome and group-message topics are not).
type MQTTTransport struct {
	client  mqtt.Client
	qos     byte
	inbound chan InboundMessage
}

// NewMQTTTransport dials brokerURL (e.g. "tcp://localhost:1883") and
// returns a Transport ready to Subscribe/Publish. clientID becomes the
// MQTT client identifier; using the relay client_id keeps broker-side
// ACLs simple.
func NewMQTTTransport(brokerURL, clientID string) (*MQTTTransport, error) {
	t := &MQTTTransport{
		qos:     1,
		inbound: make(chan InboundMessage, 256),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		t.deliver(msg.Topic(), msg.Payload())
	})

	t.client = mqtt.NewClient(opts)
	if tok := t.client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("%w: mqtt connect: %v", ErrTransport, tok.Error())
	}
	log.Printf("[transport] connected to %s as %s", brokerURL, clientID)
	return t, nil
}

func (t *MQTTTransport) deliver(topic string, payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case t.inbound <- InboundMessage{Topic: topic, Payload: buf}:
	default:
		log.Printf("[transport] inbound buffer full, dropping message on %s", topic)
	}
}

func (t *MQTTTransport) Publish(topic string, payload []byte, retained bool) error {
	tok := t.client.Publish(topic, t.qos, retained, payload)
	if tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrTransport, topic, tok.Error())
	}
	return nil
}

func (t *MQTTTransport) Subscribe(topic string) error {
	tok := t.client.Subscribe(topic, t.qos, func(_ mqtt.Client, msg mqtt.Message) {
		t.deliver(msg.Topic(), msg.Payload())
	})
	if tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrTransport, topic, tok.Error())
	}
	return nil
}

func (t *MQTTTransport) Inbound() <-chan InboundMessage {
	return t.inbound
}

func (t *MQTTTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}

// MockTransport is an in-memory Transport used by tests, which need a
// deterministic broker they can wire multiple clients against without a
// running MQTT daemon. Retained publishes are replayed to any later
// subscriber, mirroring real broker retained-flag semantics closely
// enough for these tests.
type MockTransport struct {
	mu       sync.Mutex
	broker   *MockBroker
	subs     map[string]bool
	retained map[string][]byte
	inbound  chan InboundMessage
}

// MockBroker is a shared registry MockTransport clients publish through,
// standing in for the MQTT broker.
type MockBroker struct {
	mu      sync.Mutex
	clients []*MockTransport
}

func NewMockBroker() *MockBroker {
	return &MockBroker{}
}

func (b *MockBroker) NewClient() *MockTransport {
	t := &MockTransport{
		subs:     make(map[string]bool),
		retained: make(map[string][]byte),
		inbound:  make(chan InboundMessage, 256),
	}
	b.mu.Lock()
	b.clients = append(b.clients, t)
	b.mu.Unlock()
	t.broker = b
	return t
}

func (t *MockTransport) Publish(topic string, payload []byte, retained bool) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	t.mu.Lock()
	if retained {
		t.retained[topic] = buf
	}
	t.mu.Unlock()

	t.broker.mu.Lock()
	clients := append([]*MockTransport(nil), t.broker.clients...)
	t.broker.mu.Unlock()

	for _, peer := range clients {
		peer.mu.Lock()
		subscribed := peer.subs[topic]
		peer.mu.Unlock()
		if subscribed {
			select {
			case peer.inbound <- InboundMessage{Topic: topic, Payload: buf}:
			default:
			}
		}
	}
	return nil
}

func (t *MockTransport) Subscribe(topic string) error {
	t.mu.Lock()
	t.subs[topic] = true
	t.mu.Unlock()

	t.broker.mu.Lock()
	clients := append([]*MockTransport(nil), t.broker.clients...)
	t.broker.mu.Unlock()

	for _, peer := range clients {
		peer.mu.Lock()
		retained, ok := peer.retained[topic]
		peer.mu.Unlock()
		if ok {
			select {
			case t.inbound <- InboundMessage{Topic: topic, Payload: retained}:
			default:
			}
		}
	}
	return nil
}

func (t *MockTransport) Inbound() <-chan InboundMessage {
	return t.inbound
}

// RetainedPayload returns the bytes this client last published retained
// on topic, for tests asserting republication.
func (t *MockTransport) RetainedPayload(topic string) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retained[topic]
}

func (t *MockTransport) Close() error {
	return nil
}
