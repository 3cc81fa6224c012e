// Package reliability provides the named policies handler steps and the outbox clear are wrapped in.
//
// A Registry maps policy names to Policy values (Retrier, CircuitBreaker, RateLimiter).
// Registry.Execute composes an ordered list of names around an operation, the first
// name outermost. Looking up an unregistered name is a configuration error.
package reliability
