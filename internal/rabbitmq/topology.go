package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of exchanges, queues and bindings declared together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// TopologyManager declares and inspects broker resources
type TopologyManager struct {
	pool    *ChannelPool
	manager *ConnectionManager
}

// NewTopologyManager creates a topology manager. Inspections that may raise channel
// exceptions use throwaway channels from manager instead of the pool.
func NewTopologyManager(pool *ChannelPool, manager *ConnectionManager) *TopologyManager {
	return &TopologyManager{pool: pool, manager: manager}
}

// DeclareTopology declares every exchange, then queues, then bindings
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, exchange := range topology.Exchanges {
			if err := declareExchange(ch, exchange); err != nil {
				return topologyError("exchange", exchange.Name, "declare", err)
			}
		}
		for _, queue := range topology.Queues {
			if _, err := declareQueue(ch, queue); err != nil {
				return topologyError("queue", queue.Name, "declare", err)
			}
		}
		for _, binding := range topology.Bindings {
			if err := bindQueue(ch, binding); err != nil {
				return topologyError("binding", binding.Queue+"->"+binding.Exchange, "declare", err)
			}
		}
		return nil
	})
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if err := declareExchange(ch, exchange); err != nil {
			return topologyError("exchange", exchange.Name, "declare", err)
		}
		return nil
	})
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = declareQueue(ch, queue)
		if err != nil {
			return topologyError("queue", queue.Name, "declare", err)
		}
		return nil
	})
	return q, err
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if err := bindQueue(ch, binding); err != nil {
			return topologyError("binding", binding.Queue+"->"+binding.Exchange, "declare", err)
		}
		return nil
	})
}

// DeleteQueue deletes a queue regardless of consumers or messages
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if _, err := ch.QueueDelete(name, false, false, false); err != nil {
			return topologyError("queue", name, "delete", err)
		}
		return nil
	})
}

// PurgeQueue drops every ready message and returns how many were removed
func (tm *TopologyManager) PurgeQueue(ctx context.Context, name string) (int, error) {
	var purged int
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		purged, err = ch.QueuePurge(name, false)
		if err != nil {
			return topologyError("queue", name, "purge", err)
		}
		return nil
	})
	return purged, err
}

// QueueExists checks for a queue with a passive declare. A missing queue closes the
// channel with a 404, so the check runs on a channel of its own.
func (tm *TopologyManager) QueueExists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	ch, err := tm.manager.Channel()
	if err != nil {
		return false, err
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	_, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
	switch {
	case err == nil:
		return true, nil
	case IsNotFound(err):
		return false, nil
	default:
		return false, topologyError("queue", name, "inspect", err)
	}
}

// QueueDepth returns the ready message count of a queue
func (tm *TopologyManager) QueueDepth(ctx context.Context, name string) (int, error) {
	ch, err := tm.manager.Channel()
	if err != nil {
		return 0, err
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	q, err := ch.QueueDeclarePassive(name, false, false, false, false, nil)
	if err != nil {
		return 0, topologyError("queue", name, "inspect", err)
	}
	return q.Messages, nil
}

// ChannelTopology describes the queue behind one consuming channel and its dead-letter route
type ChannelTopology struct {
	Exchange             string
	DeadLetterExchange   string
	Queue                string
	RoutingKey           string
	DeadLetterRoutingKey string
	// Temporary queues are non-durable and deleted with their last consumer
	Temporary bool
	// SingleActiveConsumer keeps strict ordering across competing consumers
	SingleActiveConsumer bool
}

// Topology expands the channel into declarations. The dead-letter queue is named after
// its routing key.
func (c ChannelTopology) Topology() Topology {
	args := amqp.Table{}
	if c.DeadLetterRoutingKey != "" {
		args["x-dead-letter-exchange"] = c.DeadLetterExchange
		args["x-dead-letter-routing-key"] = c.DeadLetterRoutingKey
	}
	if c.SingleActiveConsumer {
		args["x-single-active-consumer"] = true
	}

	t := Topology{
		Exchanges: []ExchangeDeclaration{{Name: c.Exchange, Type: amqp.ExchangeTopic, Durable: true}},
		Queues: []QueueDeclaration{{
			Name:       c.Queue,
			Durable:    !c.Temporary,
			AutoDelete: c.Temporary,
			Arguments:  args,
		}},
		Bindings: []Binding{{Queue: c.Queue, Exchange: c.Exchange, RoutingKey: c.RoutingKey}},
	}

	if c.DeadLetterRoutingKey != "" {
		t.Exchanges = append(t.Exchanges, ExchangeDeclaration{Name: c.DeadLetterExchange, Type: amqp.ExchangeDirect, Durable: true})
		t.Queues = append(t.Queues, QueueDeclaration{Name: c.DeadLetterRoutingKey, Durable: true})
		t.Bindings = append(t.Bindings, Binding{
			Queue:      c.DeadLetterRoutingKey,
			Exchange:   c.DeadLetterExchange,
			RoutingKey: c.DeadLetterRoutingKey,
		})
	}
	return t
}

// DeclareChannel declares the queue, its binding and its dead-letter route
func (tm *TopologyManager) DeclareChannel(ctx context.Context, channel ChannelTopology) error {
	if channel.Queue == "" || channel.Exchange == "" {
		return fmt.Errorf("%w: queue and exchange are required", ErrInvalidConfiguration)
	}
	if channel.DeadLetterRoutingKey != "" && channel.DeadLetterExchange == "" {
		return fmt.Errorf("%w: dead-letter routing key %q needs a dead-letter exchange",
			ErrInvalidConfiguration, channel.DeadLetterRoutingKey)
	}
	return tm.DeclareTopology(ctx, channel.Topology())
}

func declareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

func declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

func bindQueue(ch *amqp.Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{Component: component, Name: name, Op: op, Err: err, Timestamp: time.Now()}
}
