// Package interceptors provides the handler pipeline building blocks.
//
// A pipeline is a chain of Interceptors ending in a terminal no-op. Each registered
// handler declares Steps; a Step has an order and a timing (Before or After the handler)
// and builds its Interceptor from the pipeline's Deps once, when the pipeline is built.
//
// Built-in steps:
//   - UsePolicy: wraps the rest of the chain in named reliability policies
//   - UseLogging: logs entry, exit and duration
//   - UseTimeout: bounds the rest of the chain with a context deadline
//   - UseValidation: rejects requests that fail validation
//   - UseInbox: once-only processing guard backed by a storage.Inbox
package interceptors
