// Package kafka implements the messaging transport contracts over Apache Kafka.
//
// A channel is a topic read by a consumer group named after the channel. Offsets are
// committed per message once it is acknowledged, rejected or requeued. Rejected messages
// are written to the dead-letter topic when the channel has one. Requeues write a copy
// carrying the handled count back to the channel topic before committing the original.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/messaging"
)

var (
	_ messaging.ConfirmingProducer = (*Transport)(nil)
	_ messaging.ConsumerFactory    = (*Transport)(nil)
	_ messaging.ChannelProvisioner = (*Transport)(nil)
)

// messageWriter is the part of kafka.Writer the transport uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the part of kafka.Reader a consumer uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// clusterAdmin is the part of kafka.Client used for topic management
type clusterAdmin interface {
	Metadata(ctx context.Context, req *kafka.MetadataRequest) (*kafka.MetadataResponse, error)
	CreateTopics(ctx context.Context, req *kafka.CreateTopicsRequest) (*kafka.CreateTopicsResponse, error)
	DeleteTopics(ctx context.Context, req *kafka.DeleteTopicsRequest) (*kafka.DeleteTopicsResponse, error)
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Brokers           []string
	Partitions        int
	ReplicationFactor int
	WriteTimeout      time.Duration
	// DrainTimeout bounds each extra fetch when filling a batch after the first record
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithPartitions sets the partition count for created topics
func WithPartitions(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Partitions = n
	}
}

// WithReplicationFactor sets the replication factor for created topics
func WithReplicationFactor(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ReplicationFactor = n
	}
}

// WithWriteTimeout bounds a single produce request
func WithWriteTimeout(d time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.WriteTimeout = d
	}
}

// WithDrainTimeout bounds the wait for each additional record in a batch
func WithDrainTimeout(d time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DrainTimeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// DefaultConfig returns the transport defaults
func DefaultConfig() TransportConfig {
	return TransportConfig{
		Partitions:        1,
		ReplicationFactor: 1,
		WriteTimeout:      10 * time.Second,
		DrainTimeout:      20 * time.Millisecond,
		Logger:            slog.Default(),
	}
}

// Transport is a Kafka producer, consumer factory and channel provisioner
type Transport struct {
	cfg       TransportConfig
	writer    messageWriter
	admin     clusterAdmin
	newReader func(kafka.ReaderConfig) messageReader
	logger    *slog.Logger

	confirmMu sync.RWMutex
	onConfirm []func(messaging.PublishConfirmation)
}

// NewTransport creates a transport for brokers. Connections are opened lazily on the
// first produce or fetch.
func NewTransport(brokers []string, options ...TransportOption) (*Transport, error) {
	cfg := DefaultConfig()
	cfg.Brokers = brokers
	for _, opt := range options {
		opt(&cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, contracts.NewConfigurationError("transport", "kafka", "at least one broker is required")
	}

	addr := kafka.TCP(cfg.Brokers...)
	writer := &kafka.Writer{
		Addr:                   addr,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: false,
	}
	admin := &kafka.Client{Addr: addr, Timeout: cfg.WriteTimeout}

	return newTransport(cfg, writer, admin, func(rc kafka.ReaderConfig) messageReader {
		return kafka.NewReader(rc)
	}), nil
}

func newTransport(cfg TransportConfig, writer messageWriter, admin clusterAdmin, newReader func(kafka.ReaderConfig) messageReader) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		cfg:       cfg,
		writer:    writer,
		admin:     admin,
		newReader: newReader,
		logger:    cfg.Logger.With("transport", "kafka"),
	}
}

// Send implements messaging.Producer. It returns once all in-sync replicas have the record.
func (t *Transport) Send(ctx context.Context, msg *contracts.Message) error {
	return t.produce(ctx, msg.Header.Topic, msg)
}

// SendWithDelay implements messaging.Producer. Kafka has no delayed delivery, so the
// message is sent immediately.
func (t *Transport) SendWithDelay(ctx context.Context, msg *contracts.Message, delay time.Duration) error {
	if delay > 0 {
		t.logger.Debug("delayed delivery not supported, sending now",
			"messageId", msg.ID(), "topic", msg.Header.Topic, "delay", delay)
	}
	return t.Send(ctx, msg)
}

// OnConfirm registers a callback for produce outcomes
func (t *Transport) OnConfirm(fn func(messaging.PublishConfirmation)) {
	t.confirmMu.Lock()
	defer t.confirmMu.Unlock()
	t.onConfirm = append(t.onConfirm, fn)
}

func (t *Transport) produce(ctx context.Context, topic string, msg *contracts.Message) error {
	if topic == "" {
		return contracts.NewConfigurationError("topic", msg.ID(), "message has no topic")
	}

	err := t.writer.WriteMessages(ctx, ToRecord(topic, msg))
	t.confirm(msg.ID(), err == nil)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if isUnreachable(err) {
		err = fmt.Errorf("%w: %w", contracts.ErrBrokerUnreachable, err)
	}
	return &contracts.ChannelFailureError{Channel: topic, Op: "send", Err: err}
}

func (t *Transport) confirm(id string, ack bool) {
	t.confirmMu.RLock()
	defer t.confirmMu.RUnlock()
	for _, fn := range t.onConfirm {
		fn(messaging.PublishConfirmation{MessageID: id, Ack: ack})
	}
}

// ChannelExists implements messaging.ChannelProvisioner. The channel exists when its
// topic does.
func (t *Transport) ChannelExists(ctx context.Context, spec messaging.ChannelSpec) (bool, error) {
	topic := topicOf(spec)
	resp, err := t.admin.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{topic}})
	if err != nil {
		return false, t.adminFailure(spec.Name, "exists", err)
	}
	for _, tp := range resp.Topics {
		if tp.Name != topic {
			continue
		}
		if errors.Is(tp.Error, kafka.UnknownTopicOrPartition) {
			return false, nil
		}
		if tp.Error != nil {
			return false, t.adminFailure(spec.Name, "exists", tp.Error)
		}
		return true, nil
	}
	return false, nil
}

// CreateChannel implements messaging.ChannelProvisioner. It creates the channel topic and
// the dead-letter topic when one is named; topics that already exist are left alone.
func (t *Transport) CreateChannel(ctx context.Context, spec messaging.ChannelSpec) error {
	topics := []kafka.TopicConfig{t.topicConfig(topicOf(spec))}
	if spec.DeadLetterRoutingKey != "" {
		topics = append(topics, t.topicConfig(spec.DeadLetterRoutingKey))
	}

	resp, err := t.admin.CreateTopics(ctx, &kafka.CreateTopicsRequest{Topics: topics})
	if err != nil {
		return t.adminFailure(spec.Name, "create", err)
	}
	for name, topicErr := range resp.Errors {
		if topicErr == nil || errors.Is(topicErr, kafka.TopicAlreadyExists) {
			continue
		}
		return t.adminFailure(spec.Name, "create", fmt.Errorf("topic %s: %w", name, topicErr))
	}

	t.logger.Info("channel created", "channel", spec.Name, "topic", topicOf(spec),
		"deadLetterTopic", spec.DeadLetterRoutingKey)
	return nil
}

// CreateConsumer implements messaging.ConsumerFactory. Temporary channels get their
// topic created up front and deleted when the consumer closes.
func (t *Transport) CreateConsumer(ctx context.Context, spec messaging.ChannelSpec) (messaging.Consumer, error) {
	if spec.Name == "" {
		return nil, contracts.NewConfigurationError("channel", "", "channel name is required")
	}
	if spec.Temporary {
		if err := t.CreateChannel(ctx, spec); err != nil {
			return nil, err
		}
	}

	batch := spec.BufferSize
	if batch <= 0 {
		batch = 1
	}

	reader := t.newReader(kafka.ReaderConfig{
		Brokers:        t.cfg.Brokers,
		GroupID:        spec.Name,
		Topic:          topicOf(spec),
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})

	return &Consumer{
		transport: t,
		spec:      spec,
		batch:     batch,
		reader:    reader,
	}, nil
}

// Close flushes and closes the writer
func (t *Transport) Close() error {
	return t.writer.Close()
}

func (t *Transport) topicConfig(name string) kafka.TopicConfig {
	return kafka.TopicConfig{
		Topic:             name,
		NumPartitions:     t.cfg.Partitions,
		ReplicationFactor: t.cfg.ReplicationFactor,
	}
}

func (t *Transport) deleteTopic(ctx context.Context, topic string) error {
	resp, err := t.admin.DeleteTopics(ctx, &kafka.DeleteTopicsRequest{Topics: []string{topic}})
	if err != nil {
		return err
	}
	if topicErr := resp.Errors[topic]; topicErr != nil && !errors.Is(topicErr, kafka.UnknownTopicOrPartition) {
		return topicErr
	}
	return nil
}

func (t *Transport) adminFailure(channel, op string, err error) error {
	if isUnreachable(err) {
		err = fmt.Errorf("%w: %w", contracts.ErrBrokerUnreachable, err)
	}
	return &contracts.ChannelFailureError{Channel: channel, Op: op, Err: err}
}

// topicOf returns the topic a channel reads. The routing key names it when set.
func topicOf(spec messaging.ChannelSpec) string {
	if spec.RoutingKey != "" {
		return spec.RoutingKey
	}
	return spec.Name
}

// isUnreachable reports whether err comes from the network rather than a broker response
func isUnreachable(err error) bool {
	var werr kafka.WriteErrors
	if errors.As(err, &werr) {
		for _, e := range werr {
			if e != nil {
				return isUnreachable(e)
			}
		}
		return false
	}

	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) || errors.Is(err, context.DeadlineExceeded)
}
