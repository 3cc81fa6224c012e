package contracts

import (
	"time"

	"github.com/google/uuid"
)

// RequestKind distinguishes the three request shapes.
type RequestKind int

const (
	KindCommand RequestKind = iota
	KindEvent
	KindQuery
)

func (k RequestKind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	case KindQuery:
		return "query"
	default:
		return "unknown"
	}
}

// Request is the base interface for everything a handler pipeline accepts
type Request interface {
	GetID() string
	// GetType returns the request-kind tag pipelines are registered under
	GetType() string
	GetKind() RequestKind
	GetTimestamp() time.Time
	GetCorrelationID() string
	SetCorrelationID(correlationID string)
}

// Command is addressed to exactly one handler
type Command interface {
	Request
	GetContextKey() string
}

// Event is delivered to zero or more handlers
type Event interface {
	Request
}

// Query expects a typed reply
type Query interface {
	Request
	GetReplyTo() string
	SetReplyTo(replyTo string)
}

// BaseRequest provides common fields for all requests
type BaseRequest struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// NewBaseRequest creates a request with a generated ID and the current timestamp
func NewBaseRequest(requestType string) BaseRequest {
	return BaseRequest{
		ID:        uuid.New().String(),
		Type:      requestType,
		Timestamp: time.Now().UTC(),
	}
}

func (r BaseRequest) GetID() string            { return r.ID }
func (r BaseRequest) GetType() string          { return r.Type }
func (r BaseRequest) GetTimestamp() time.Time  { return r.Timestamp }
func (r BaseRequest) GetCorrelationID() string { return r.CorrelationID }

// SetCorrelationID sets the correlation ID
func (r *BaseRequest) SetCorrelationID(correlationID string) {
	r.CorrelationID = correlationID
}

// BaseCommand provides common fields for commands
type BaseCommand struct {
	BaseRequest
	// ContextKey scopes inbox deduplication; empty means the handler's default context
	ContextKey string `json:"contextKey,omitempty"`
}

// NewBaseCommand creates a new command with generated ID and current timestamp
func NewBaseCommand(commandType string) BaseCommand {
	return BaseCommand{BaseRequest: NewBaseRequest(commandType)}
}

func (c BaseCommand) GetKind() RequestKind   { return KindCommand }
func (c BaseCommand) GetContextKey() string { return c.ContextKey }

// BaseEvent provides common fields for events
type BaseEvent struct {
	BaseRequest
	Source string `json:"source,omitempty"`
}

// NewBaseEvent creates a new event with generated ID and current timestamp
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{BaseRequest: NewBaseRequest(eventType)}
}

func (e BaseEvent) GetKind() RequestKind { return KindEvent }

// BaseQuery provides common fields for queries
type BaseQuery struct {
	BaseRequest
	ReplyTo string `json:"replyTo,omitempty"`
}

// NewBaseQuery creates a new query with generated ID and current timestamp
func NewBaseQuery(queryType string) BaseQuery {
	return BaseQuery{BaseRequest: NewBaseRequest(queryType)}
}

func (q BaseQuery) GetKind() RequestKind { return KindQuery }
func (q BaseQuery) GetReplyTo() string   { return q.ReplyTo }

// SetReplyTo sets the reply-to address
func (q *BaseQuery) SetReplyTo(replyTo string) {
	q.ReplyTo = replyTo
}

// BaseReply is the conventional shape of a query response
type BaseReply struct {
	BaseRequest
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// NewBaseReply creates a reply correlated with the originating query
func NewBaseReply(replyType, correlationID string) BaseReply {
	reply := BaseReply{
		BaseRequest: NewBaseRequest(replyType),
		Success:     true,
	}
	reply.SetCorrelationID(correlationID)
	return reply
}

func (r BaseReply) GetKind() RequestKind { return KindEvent }
