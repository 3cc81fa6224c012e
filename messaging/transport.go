package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/courier/contracts"
)

// Producer sends messages to a broker. Send returns once the broker has accepted the
// message; transports with publisher confirms wait for the confirm.
type Producer interface {
	Send(ctx context.Context, msg *contracts.Message) error
	// SendWithDelay asks for deferred delivery; transports without support send immediately
	SendWithDelay(ctx context.Context, msg *contracts.Message, delay time.Duration) error
	Close() error
}

// PublishConfirmation reports the broker outcome for a sent message
type PublishConfirmation struct {
	MessageID string
	Ack       bool
}

// ConfirmingProducer is a Producer that reports publisher confirms
type ConfirmingProducer interface {
	Producer
	OnConfirm(fn func(PublishConfirmation))
}

// Consumer receives messages from one channel
type Consumer interface {
	// Receive waits up to timeout and returns a bounded batch. An empty wait yields a
	// single None message, not an error.
	Receive(ctx context.Context, timeout time.Duration) ([]*contracts.Message, error)
	Acknowledge(ctx context.Context, msg *contracts.Message) error
	Reject(ctx context.Context, msg *contracts.Message) error
	// Requeue redelivers msg after delay and reports whether the transport accepted it
	Requeue(ctx context.Context, msg *contracts.Message, delay time.Duration) (bool, error)
	Purge(ctx context.Context) error
	Close() error
}

// ChannelSpec names the broker resources behind one channel
type ChannelSpec struct {
	Name                 string
	RoutingKey           string
	DeadLetterRoutingKey string
	BufferSize           int
	// Temporary channels are deleted when their consumer closes
	Temporary bool
}

// ConsumerFactory opens consumers for channels
type ConsumerFactory interface {
	CreateConsumer(ctx context.Context, spec ChannelSpec) (Consumer, error)
}

// ChannelProvisioner checks for and creates broker infrastructure
type ChannelProvisioner interface {
	ChannelExists(ctx context.Context, spec ChannelSpec) (bool, error)
	CreateChannel(ctx context.Context, spec ChannelSpec) error
}

// ProducerRegistry picks a producer by topic, falling back to a default
type ProducerRegistry struct {
	mu       sync.RWMutex
	byTopic  map[string]Producer
	fallback Producer
}

// NewProducerRegistry creates a registry with an optional default producer
func NewProducerRegistry(fallback Producer) *ProducerRegistry {
	return &ProducerRegistry{byTopic: make(map[string]Producer), fallback: fallback}
}

// Register routes topic to producer
func (r *ProducerRegistry) Register(topic string, producer Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTopic[topic] = producer
}

// Lookup returns the producer for topic or a configuration error
func (r *ProducerRegistry) Lookup(topic string) (Producer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byTopic[topic]; ok {
		return p, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, contracts.NewConfigurationError("producer", topic, "no producer registered for topic")
}

// All returns every distinct producer
func (r *ProducerRegistry) All() []Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[Producer]bool)
	var out []Producer
	add := func(p Producer) {
		if p != nil && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	add(r.fallback)
	for _, p := range r.byTopic {
		add(p)
	}
	return out
}

// Close closes every producer
func (r *ProducerRegistry) Close() error {
	var firstErr error
	for _, p := range r.All() {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
