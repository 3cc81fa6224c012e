package messaging

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/glimte/courier/contracts"
)

// Mapper translates between requests and broker messages
type Mapper interface {
	MapToMessage(req contracts.Request) (*contracts.Message, error)
	MapToRequest(msg *contracts.Message) (contracts.Request, error)
}

// JSONMapper maps a request type to JSON bodies. T is the request's struct type;
// *T must implement contracts.Request.
type JSONMapper[T any] struct {
	topic       string
	messageType contracts.MessageType
}

// NewJSONMapper creates a mapper publishing to topic
func NewJSONMapper[T any](topic string, messageType contracts.MessageType) *JSONMapper[T] {
	return &JSONMapper[T]{topic: topic, messageType: messageType}
}

// MapToMessage implements Mapper
func (m *JSONMapper[T]) MapToMessage(req contracts.Request) (*contracts.Message, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", req.GetType(), err)
	}

	header := contracts.MessageHeader{
		ID:            req.GetID(),
		Topic:         m.topic,
		MessageType:   m.messageType,
		TimeStamp:     req.GetTimestamp(),
		CorrelationID: req.GetCorrelationID(),
		ContentType:   "application/json",
		Bag:           map[string]any{contracts.BagRequestType: req.GetType()},
	}
	if q, ok := req.(contracts.Query); ok {
		header.ReplyTo = q.GetReplyTo()
	}
	return contracts.NewMessage(header, body), nil
}

// MapToRequest implements Mapper
func (m *JSONMapper[T]) MapToRequest(msg *contracts.Message) (contracts.Request, error) {
	v := new(T)
	if err := json.Unmarshal(msg.Body, v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message %s: %w", msg.ID(), err)
	}
	req, ok := any(v).(contracts.Request)
	if !ok {
		return nil, contracts.NewConfigurationError("mapper", fmt.Sprintf("%T", v), "type does not implement contracts.Request")
	}
	if req.GetCorrelationID() == "" && msg.Header.CorrelationID != "" {
		req.SetCorrelationID(msg.Header.CorrelationID)
	}
	return req, nil
}

// MapperRegistry maps request-kind tags to mappers
type MapperRegistry struct {
	mu      sync.RWMutex
	mappers map[string]Mapper
}

// NewMapperRegistry creates an empty registry
func NewMapperRegistry() *MapperRegistry {
	return &MapperRegistry{mappers: make(map[string]Mapper)}
}

// Register associates requestType with mapper
func (r *MapperRegistry) Register(requestType string, mapper Mapper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappers[requestType] = mapper
}

// Get returns the mapper for requestType or a configuration error
func (r *MapperRegistry) Get(requestType string) (Mapper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappers[requestType]
	if !ok {
		return nil, contracts.NewConfigurationError("mapper", requestType, "no mapper registered")
	}
	return m, nil
}

// ToMessage maps req using the mapper registered for its type
func (r *MapperRegistry) ToMessage(req contracts.Request) (*contracts.Message, error) {
	m, err := r.Get(req.GetType())
	if err != nil {
		return nil, err
	}
	msg, err := m.MapToMessage(req)
	if err != nil {
		return nil, err
	}
	if msg.Header.Bag == nil {
		msg.Header.Bag = make(map[string]any)
	}
	if _, ok := msg.Header.Bag[contracts.BagRequestType]; !ok {
		msg.Header.Bag[contracts.BagRequestType] = req.GetType()
	}
	return msg, nil
}

// ToRequest maps msg using requestType, or the type recorded in the message bag when empty
func (r *MapperRegistry) ToRequest(msg *contracts.Message, requestType string) (contracts.Request, error) {
	if requestType == "" {
		requestType = RequestTypeOf(msg)
	}
	m, err := r.Get(requestType)
	if err != nil {
		return nil, err
	}
	return m.MapToRequest(msg)
}

// RequestTypeOf reads the request-kind tag recorded in the message bag
func RequestTypeOf(msg *contracts.Message) string {
	if msg.Header.Bag == nil {
		return ""
	}
	switch v := msg.Header.Bag[contracts.BagRequestType].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}
