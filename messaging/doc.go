// Package messaging provides the command processor and the transport contracts.
//
// Handlers are registered per request-kind tag in a SubscriberRegistry together with the
// pipeline steps they declare. The CommandProcessor builds one pipeline per handler on
// first use, caches it, and dispatches:
//   - Send: exactly one handler, otherwise a configuration error
//   - Publish: every handler, independently, failures aggregated
//   - Call: request-reply over the broker with a correlation id and reply-to address
//   - DepositPost / ClearOutbox / Post: transactional outbox hand-off to a Producer
//
// Producer, Consumer, ConsumerFactory and ChannelProvisioner are the small contracts a
// broker transport implements.
package messaging
