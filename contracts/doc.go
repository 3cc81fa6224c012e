// Package contracts provides the core types shared by every courier component.
//
// Two families of types live here:
//   - Request (Command, Event, Query): in-process objects dispatched through a handler pipeline
//   - Message: the broker envelope with a typed header and an opaque body
//
// Mappers translate between the two; the outbox stores Messages and the pumps receive them.
package contracts
