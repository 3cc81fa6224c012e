// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package courier assembles a command processor, a dispatcher and an outbox sweeper
// over one broker transport.
package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	goredis "github.com/redis/go-redis/v9"

	"github.com/glimte/courier/config"
	"github.com/glimte/courier/health"
	"github.com/glimte/courier/internal/rabbitmq"
	"github.com/glimte/courier/messaging"
	"github.com/glimte/courier/pump"
	"github.com/glimte/courier/reliability"
	"github.com/glimte/courier/storage"
	"github.com/glimte/courier/storage/badger"
	"github.com/glimte/courier/storage/memory"
	redisInbox "github.com/glimte/courier/storage/redis"
	kafkaTransport "github.com/glimte/courier/transports/kafka"
	memoryTransport "github.com/glimte/courier/transports/memory"
	rabbitmqTransport "github.com/glimte/courier/transports/rabbitmq"
)

// Transport is everything the client needs from a broker adapter
type Transport interface {
	messaging.Producer
	messaging.ConsumerFactory
	messaging.ChannelProvisioner
}

// Client provides the main entry point for courier
type Client struct {
	cfg        *config.Config
	logger     *slog.Logger
	transport  Transport
	handlers   *messaging.SubscriberRegistry
	processor  *messaging.CommandProcessor
	dispatcher *pump.Dispatcher
	sweeper    *messaging.OutboxSweeper
	health     *health.Registry
	store      *badger.Store
	redis      *goredis.Client
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

type clientConfig struct {
	cfg       *config.Config
	logger    *slog.Logger
	transport Transport
	outbox    storage.Outbox
	inbox     storage.Inbox
	policies  []reliability.Policy
	subs      []pump.Subscription
	handlers  *messaging.SubscriberRegistry
}

// WithConfig sets the file configuration; config.Default is used otherwise
func WithConfig(cfg *config.Config) ClientOption {
	return func(c *clientConfig) {
		c.cfg = cfg
	}
}

// WithLogger sets the logger; otherwise one is built from the log section
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithTransport sets the broker adapter instead of building one from the broker section
func WithTransport(transport Transport) ClientOption {
	return func(c *clientConfig) {
		c.transport = transport
	}
}

// WithOutbox sets the outbox store
func WithOutbox(outbox storage.Outbox) ClientOption {
	return func(c *clientConfig) {
		c.outbox = outbox
	}
}

// WithInbox sets the inbox store
func WithInbox(inbox storage.Inbox) ClientOption {
	return func(c *clientConfig) {
		c.inbox = inbox
	}
}

// WithPolicies registers policies next to the configured ones
func WithPolicies(policies ...reliability.Policy) ClientOption {
	return func(c *clientConfig) {
		c.policies = append(c.policies, policies...)
	}
}

// WithSubscriptions adds channels next to the configured ones
func WithSubscriptions(subs ...pump.Subscription) ClientOption {
	return func(c *clientConfig) {
		c.subs = append(c.subs, subs...)
	}
}

// WithHandlers sets the subscriber registry handlers are registered on
func WithHandlers(registry *messaging.SubscriberRegistry) ClientOption {
	return func(c *clientConfig) {
		c.handlers = registry
	}
}

// NewClient creates a client. Handlers and mappers may be registered until Start.
func NewClient(ctx context.Context, options ...ClientOption) (*Client, error) {
	cc := &clientConfig{}
	for _, opt := range options {
		opt(cc)
	}
	if cc.cfg == nil {
		cc.cfg = config.Default()
	}
	if err := cc.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cc.logger == nil {
		cc.logger = cc.cfg.Log.Logger(os.Stderr)
	}

	c := &Client{cfg: cc.cfg, logger: cc.logger, health: health.NewRegistry()}

	policies, err := cc.cfg.Registry(c.logger)
	if err != nil {
		return nil, err
	}
	if err := policies.Register(cc.policies...); err != nil {
		return nil, err
	}

	subs, err := cc.cfg.Subscriptions()
	if err != nil {
		return nil, err
	}
	subs = append(subs, cc.subs...)

	if err := c.openStorage(cc); err != nil {
		c.closeStore()
		return nil, err
	}

	c.transport = cc.transport
	if c.transport == nil {
		if c.transport, err = c.openTransport(ctx); err != nil {
			c.closeStore()
			return nil, err
		}
	}

	c.handlers = cc.handlers
	if c.handlers == nil {
		c.handlers = messaging.NewSubscriberRegistry(messaging.WithRegistryLogger(c.logger))
	}
	mappers := messaging.NewMapperRegistry()
	c.processor = messaging.NewCommandProcessor(c.handlers,
		messaging.WithProcessorLogger(c.logger),
		messaging.WithPolicyRegistry(policies),
		messaging.WithMappers(mappers),
		messaging.WithProducers(messaging.NewProducerRegistry(c.transport)),
		messaging.WithOutbox(cc.outbox),
		messaging.WithInbox(cc.inbox),
		messaging.WithReplyConsumers(c.transport),
	)

	c.dispatcher, err = pump.NewDispatcher(c.processor, mappers, c.transport, subs,
		pump.WithDispatcherLogger(c.logger),
		pump.WithProvisioner(c.transport),
		pump.WithDeadLetters(c.transport),
		pump.WithDispatcherInbox(cc.inbox),
		pump.WithProactorWorkers(cc.cfg.Dispatcher.ProactorWorkers),
	)
	if err != nil {
		c.transport.Close()
		c.closeStore()
		return nil, err
	}

	if cc.cfg.Outbox.SweepInterval > 0 {
		c.sweeper, err = messaging.NewOutboxSweeper(c.processor,
			messaging.WithSweepInterval(cc.cfg.Outbox.SweepInterval),
			messaging.WithSweepAge(cc.cfg.Outbox.OlderThan),
			messaging.WithSweepPageSize(cc.cfg.Outbox.PageSize),
			messaging.WithSweeperLogger(c.logger),
		)
		if err != nil {
			c.transport.Close()
			c.closeStore()
			return nil, err
		}
	}

	c.registerChecks(cc.outbox, subs)
	return c, nil
}

func (c *Client) openStorage(cc *clientConfig) error {
	if cc.inbox == nil && cc.cfg.Inbox.RedisAddr != "" {
		c.redis = goredis.NewClient(&goredis.Options{Addr: cc.cfg.Inbox.RedisAddr})
		cc.inbox = redisInbox.NewInbox(c.redis,
			redisInbox.WithPrefix(cc.cfg.Inbox.Prefix),
			redisInbox.WithTTL(cc.cfg.Inbox.TTL),
			redisInbox.WithLogger(c.logger),
		)
	}
	if cc.outbox != nil && cc.inbox != nil {
		return nil
	}
	if dir := cc.cfg.Outbox.Dir; dir != "" {
		store, err := badger.New(badger.Config{Dir: dir, SyncWrites: true}, badger.WithLogger(c.logger))
		if err != nil {
			return fmt.Errorf("failed to open outbox store: %w", err)
		}
		c.store = store
		if cc.outbox == nil {
			cc.outbox = store.Outbox()
		}
		if cc.inbox == nil {
			cc.inbox = store.Inbox()
		}
		return nil
	}
	if cc.outbox == nil {
		cc.outbox = memory.NewOutbox(memory.WithLogger(c.logger))
	}
	if cc.inbox == nil {
		cc.inbox = memory.NewInbox(memory.WithLogger(c.logger))
	}
	return nil
}

func (c *Client) openTransport(ctx context.Context) (Transport, error) {
	b := c.cfg.Broker
	switch b.Kind {
	case config.BrokerRabbitMQ:
		return rabbitmqTransport.NewTransport(ctx, b.URL,
			rabbitmqTransport.WithExchange(b.Exchange),
			rabbitmqTransport.WithDeadLetterExchange(b.DeadLetterExchange),
			rabbitmqTransport.WithDelayedExchange(b.DelayedExchange),
			rabbitmqTransport.WithLogger(c.logger),
			rabbitmqTransport.WithConnectionOptions(rabbitmq.WithLogger(c.logger)),
		)
	case config.BrokerKafka:
		return kafkaTransport.NewTransport(b.Brokers,
			kafkaTransport.WithPartitions(b.Partitions),
			kafkaTransport.WithReplicationFactor(b.ReplicationFactor),
			kafkaTransport.WithLogger(c.logger),
		)
	default:
		return memoryTransport.NewBus(memoryTransport.WithLogger(c.logger)), nil
	}
}

func (c *Client) registerChecks(outbox storage.Outbox, subs []pump.Subscription) {
	c.health.SetMetadata("broker", c.cfg.Broker.Kind)
	c.health.Register(health.NewDispatcherChecker(c.dispatcher))
	c.health.Register(health.NewOutboxChecker(outbox, c.cfg.Outbox.OlderThan*2, c.cfg.Outbox.PageSize))

	if c.redis != nil {
		c.health.Register(health.NewComponentChecker("inbox", func(ctx context.Context) (health.Status, string, map[string]interface{}, error) {
			if err := c.redis.Ping(ctx).Err(); err != nil {
				return health.StatusUnhealthy, "Redis inbox unreachable", nil, err
			}
			return health.StatusHealthy, "Redis inbox is reachable", nil, nil
		}))
	}

	if rt, ok := c.transport.(*rabbitmqTransport.Transport); ok {
		c.health.Register(health.NewBrokerChecker("rabbitmq", rt.Manager(), c.logger))
		for _, sub := range subs {
			c.health.Register(health.NewQueueChecker(sub.Name, rt, 10000))
		}
	}
}

// Config returns the validated configuration
func (c *Client) Config() *config.Config {
	return c.cfg
}

// Handlers returns the subscriber registry
func (c *Client) Handlers() *messaging.SubscriberRegistry {
	return c.handlers
}

// Mappers returns the mapper registry shared by the processor and the pumps
func (c *Client) Mappers() *messaging.MapperRegistry {
	return c.processor.Mappers()
}

// Processor returns the command processor
func (c *Client) Processor() *messaging.CommandProcessor {
	return c.processor
}

// Dispatcher returns the dispatcher
func (c *Client) Dispatcher() *pump.Dispatcher {
	return c.dispatcher
}

// Health returns the health check registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// Transport returns the broker adapter
func (c *Client) Transport() Transport {
	return c.transport
}

// Start starts every pump and the outbox sweeper
func (c *Client) Start(ctx context.Context) error {
	if err := c.dispatcher.Receive(ctx); err != nil {
		return err
	}
	if c.sweeper != nil {
		c.sweeper.Start(ctx)
	}
	return nil
}

// Close stops the pumps within the configured shutdown timeout, then releases the
// transport and the store
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Dispatcher.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := c.dispatcher.End(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	if c.sweeper != nil {
		c.sweeper.Stop()
	}
	if err := c.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	if err := c.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	c.logger.Info("courier client closed")
	return errors.Join(errs...)
}

func (c *Client) closeStore() error {
	var errs []error
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	return errors.Join(errs...)
}
