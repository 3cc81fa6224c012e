// Package rabbitmq holds the AMQP 0-9-1 plumbing behind the RabbitMQ transport.
//
//   - ConnectionManager: one connection, re-dialed with exponential backoff when the broker drops it
//   - ChannelPool: exclusive-use channels, optionally in publisher-confirm mode
//   - Publisher: publishes and waits for confirms, surfacing nacks and mandatory returns
//   - Consumer: prefetch-bounded pull of delivery batches with manual ack and nack
//   - TopologyManager: exchanges, queues, bindings, dead-letter routes and passive existence checks
package rabbitmq
