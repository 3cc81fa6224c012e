// Package rabbitmq implements the messaging transport contracts over AMQP 0-9-1.
//
// Messages are published to one topic exchange with the message topic as routing key.
// Each consuming channel is a queue bound to its routing key; a dead-letter routing key
// adds a dead-letter exchange and a queue of the same name. Requeues republish a copy
// straight to the queue, carrying the handled count in a header, and then ack the
// original.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/internal/rabbitmq"
	"github.com/glimte/courier/messaging"
)

var (
	_ messaging.ConfirmingProducer = (*Transport)(nil)
	_ messaging.ConsumerFactory    = (*Transport)(nil)
	_ messaging.ChannelProvisioner = (*Transport)(nil)
)

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Exchange           string
	DeadLetterExchange string
	// DelayedExchange enables delayed delivery through the rabbitmq_delayed_message_exchange plugin
	DelayedExchange   string
	Confirms          bool
	ChannelPoolSize   int
	EnableFIFO        bool
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithExchange sets the topic exchange messages are published to
func WithExchange(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Exchange = name
	}
}

// WithDeadLetterExchange sets the exchange dead-lettered messages are routed through
func WithDeadLetterExchange(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DeadLetterExchange = name
	}
}

// WithDelayedExchange enables delayed sends and requeues via the delayed message plugin
func WithDelayedExchange(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DelayedExchange = name
	}
}

// WithConfirms toggles publisher confirms
func WithConfirms(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Confirms = enabled
	}
}

// WithChannelPoolSize bounds the publishing channel pool
func WithChannelPoolSize(size int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ChannelPoolSize = size
	}
}

// WithFIFOMode declares channel queues with a single active consumer for strict ordering
func WithFIFOMode(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.EnableFIFO = enabled
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithLogger sets the logger for the transport and its connection
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// DefaultConfig returns the transport defaults
func DefaultConfig() TransportConfig {
	return TransportConfig{
		Exchange:           "courier.exchange",
		DeadLetterExchange: "courier.dlx",
		Confirms:           true,
		ChannelPoolSize:    10,
		Logger:             slog.Default(),
	}
}

// Transport is a RabbitMQ producer, consumer factory and channel provisioner
type Transport struct {
	cfg       TransportConfig
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	topology  *rabbitmq.TopologyManager
	logger    *slog.Logger

	confirmMu sync.RWMutex
	onConfirm []func(messaging.PublishConfirmation)
}

// NewTransport connects to url and declares the exchanges
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := DefaultConfig()
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.Exchange == "" {
		return nil, contracts.NewConfigurationError("rabbitmq", "exchange", "exchange name is required")
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, &contracts.ChannelFailureError{
			Channel: cfg.Exchange,
			Op:      "connect",
			Err:     fmt.Errorf("%w: %w", contracts.ErrBrokerUnreachable, err),
		}
	}

	pool, err := rabbitmq.NewChannelPool(manager,
		rabbitmq.WithMaxSize(cfg.ChannelPoolSize),
		rabbitmq.WithConfirmChannels(cfg.Confirms))
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	t := &Transport{
		cfg:       cfg,
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, pubOpts...),
		topology:  rabbitmq.NewTopologyManager(pool, manager),
		logger:    cfg.Logger,
	}

	if err := t.declareExchanges(ctx); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("failed to declare exchanges: %w", err)
	}
	return t, nil
}

func (t *Transport) declareExchanges(ctx context.Context) error {
	topo := rabbitmq.Topology{
		Exchanges: []rabbitmq.ExchangeDeclaration{
			{Name: t.cfg.Exchange, Type: amqp.ExchangeTopic, Durable: true},
		},
	}
	if t.cfg.DeadLetterExchange != "" {
		topo.Exchanges = append(topo.Exchanges, rabbitmq.ExchangeDeclaration{
			Name: t.cfg.DeadLetterExchange, Type: amqp.ExchangeDirect, Durable: true,
		})
	}
	if t.cfg.DelayedExchange != "" {
		topo.Exchanges = append(topo.Exchanges, rabbitmq.ExchangeDeclaration{
			Name:      t.cfg.DelayedExchange,
			Type:      "x-delayed-message",
			Durable:   true,
			Arguments: amqp.Table{"x-delayed-type": amqp.ExchangeTopic},
		})
	}
	return t.topology.DeclareTopology(ctx, topo)
}

// Manager exposes the connection for health checks
func (t *Transport) Manager() *rabbitmq.ConnectionManager {
	return t.manager
}

// Send implements messaging.Producer
func (t *Transport) Send(ctx context.Context, msg *contracts.Message) error {
	return t.publish(ctx, t.cfg.Exchange, msg.Header.Topic, msg, ToPublishing(msg))
}

// SendWithDelay implements messaging.Producer. Without a delayed exchange the message
// is sent at once.
func (t *Transport) SendWithDelay(ctx context.Context, msg *contracts.Message, delay time.Duration) error {
	if delay <= 0 {
		return t.Send(ctx, msg)
	}
	if t.cfg.DelayedExchange == "" {
		t.logger.Debug("delayed delivery not configured, sending now", "messageId", msg.ID(), "delay", delay)
		return t.Send(ctx, msg)
	}

	pub := ToPublishing(msg)
	pub.Headers[HeaderDelay] = delay.Milliseconds()
	return t.publish(ctx, t.cfg.DelayedExchange, msg.Header.Topic, msg, pub)
}

// OnConfirm implements messaging.ConfirmingProducer. Callbacks run for every publish the
// broker acks or nacks.
func (t *Transport) OnConfirm(fn func(messaging.PublishConfirmation)) {
	t.confirmMu.Lock()
	defer t.confirmMu.Unlock()
	t.onConfirm = append(t.onConfirm, fn)
}

func (t *Transport) publish(ctx context.Context, exchange, routingKey string, msg *contracts.Message, pub amqp.Publishing) error {
	err := t.publisher.Publish(ctx, exchange, routingKey, pub)

	if t.publisher.Confirms() {
		switch {
		case err == nil:
			t.confirm(messaging.PublishConfirmation{MessageID: msg.ID(), Ack: true})
		case errors.Is(err, rabbitmq.ErrPublishNacked):
			t.confirm(messaging.PublishConfirmation{MessageID: msg.ID(), Ack: false})
		}
	}

	if err != nil {
		if rabbitmq.IsRetryable(err) {
			return fmt.Errorf("%w: %w", contracts.ErrBrokerUnreachable, err)
		}
		return err
	}

	t.logger.Debug("message published",
		"messageId", msg.ID(),
		"exchange", exchange,
		"routingKey", routingKey)
	return nil
}

func (t *Transport) confirm(c messaging.PublishConfirmation) {
	t.confirmMu.RLock()
	fns := append(([]func(messaging.PublishConfirmation))(nil), t.onConfirm...)
	t.confirmMu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}

// ChannelExists implements messaging.ChannelProvisioner
func (t *Transport) ChannelExists(ctx context.Context, spec messaging.ChannelSpec) (bool, error) {
	exists, err := t.topology.QueueExists(ctx, spec.Name)
	if err != nil {
		return false, &contracts.ChannelFailureError{Channel: spec.Name, Op: "inspect", Err: err}
	}
	return exists, nil
}

// QueueDepth returns the number of ready messages on a channel queue
func (t *Transport) QueueDepth(ctx context.Context, queue string) (int, error) {
	return t.topology.QueueDepth(ctx, queue)
}

// CreateChannel implements messaging.ChannelProvisioner
func (t *Transport) CreateChannel(ctx context.Context, spec messaging.ChannelSpec) error {
	if spec.DeadLetterRoutingKey != "" && t.cfg.DeadLetterExchange == "" {
		return contracts.NewConfigurationError("channel", spec.Name, "dead-letter routing key set but no dead-letter exchange configured")
	}

	err := t.topology.DeclareChannel(ctx, t.channelTopology(spec))
	if err != nil {
		return &contracts.ChannelFailureError{Channel: spec.Name, Op: "declare", Err: err}
	}

	if t.cfg.DelayedExchange != "" {
		for _, key := range []string{routingKeyOf(spec), spec.Name} {
			err := t.topology.BindQueue(ctx, rabbitmq.Binding{Queue: spec.Name, Exchange: t.cfg.DelayedExchange, RoutingKey: key})
			if err != nil {
				return &contracts.ChannelFailureError{Channel: spec.Name, Op: "bind delayed", Err: err}
			}
		}
	}

	t.logger.Info("channel declared",
		"channel", spec.Name,
		"routingKey", routingKeyOf(spec),
		"deadLetterRoutingKey", spec.DeadLetterRoutingKey,
		"temporary", spec.Temporary)
	return nil
}

func (t *Transport) channelTopology(spec messaging.ChannelSpec) rabbitmq.ChannelTopology {
	return rabbitmq.ChannelTopology{
		Exchange:             t.cfg.Exchange,
		DeadLetterExchange:   t.cfg.DeadLetterExchange,
		Queue:                spec.Name,
		RoutingKey:           routingKeyOf(spec),
		DeadLetterRoutingKey: spec.DeadLetterRoutingKey,
		Temporary:            spec.Temporary,
		SingleActiveConsumer: t.cfg.EnableFIFO && !spec.Temporary,
	}
}

// CreateConsumer implements messaging.ConsumerFactory. Temporary channels are declared
// here since nothing provisions them ahead of time.
func (t *Transport) CreateConsumer(ctx context.Context, spec messaging.ChannelSpec) (messaging.Consumer, error) {
	if spec.Temporary {
		if err := t.CreateChannel(ctx, spec); err != nil {
			return nil, err
		}
	}

	prefetch := spec.BufferSize
	if prefetch < 1 {
		prefetch = 1
	}

	return &Consumer{
		transport: t,
		spec:      spec,
		batch:     prefetch,
		consumer: rabbitmq.NewConsumer(t.manager, spec.Name,
			rabbitmq.WithPrefetchCount(prefetch),
			rabbitmq.WithConsumerLogger(t.logger)),
	}, nil
}

// Close implements messaging.Producer and closes the connection
func (t *Transport) Close() error {
	_ = t.pool.Close()
	return t.manager.Close()
}

func routingKeyOf(spec messaging.ChannelSpec) string {
	if spec.RoutingKey == "" {
		return spec.Name
	}
	return spec.RoutingKey
}
