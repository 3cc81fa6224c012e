package contracts

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a broker message
type MessageType int

const (
	// MessageTypeNone marks an empty receive; it is not an error
	MessageTypeNone MessageType = iota
	MessageTypeCommand
	MessageTypeEvent
	MessageTypeDocument
	// MessageTypeQuit asks the receiving pump to stop
	MessageTypeQuit
	// MessageTypeUnacceptable marks a message the transport could not decode
	MessageTypeUnacceptable
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeNone:
		return "none"
	case MessageTypeCommand:
		return "command"
	case MessageTypeEvent:
		return "event"
	case MessageTypeDocument:
		return "document"
	case MessageTypeQuit:
		return "quit"
	case MessageTypeUnacceptable:
		return "unacceptable"
	default:
		return "unknown"
	}
}

// ParseMessageType is the inverse of MessageType.String
func ParseMessageType(s string) MessageType {
	switch s {
	case "command":
		return MessageTypeCommand
	case "event":
		return MessageTypeEvent
	case "document":
		return MessageTypeDocument
	case "quit":
		return MessageTypeQuit
	case "unacceptable":
		return MessageTypeUnacceptable
	default:
		return MessageTypeNone
	}
}

// Well-known bag keys
const (
	// BagDeliveryTag holds the transport handle used to ack or reject a received message
	BagDeliveryTag = "x-delivery-tag"
	// BagRequestType carries the request-kind tag a mapper should decode into
	BagRequestType = "x-request-type"
	// BagOriginalTopic is set on dead-lettered messages
	BagOriginalTopic = "x-original-topic"
	// BagDeadLetterReason is set on dead-lettered messages
	BagDeadLetterReason = "x-dead-letter-reason"
)

// MessageHeader carries the typed routing fields plus an open bag for transport metadata
type MessageHeader struct {
	ID            string         `json:"id"`
	Topic         string         `json:"topic"`
	MessageType   MessageType    `json:"messageType"`
	TimeStamp     time.Time      `json:"timeStamp"`
	CorrelationID string         `json:"correlationId,omitempty"`
	ReplyTo       string         `json:"replyTo,omitempty"`
	ContentType   string         `json:"contentType,omitempty"`
	PartitionKey  string         `json:"partitionKey,omitempty"`
	HandledCount  int            `json:"handledCount"`
	Delay         time.Duration  `json:"delay,omitempty"`
	Bag           map[string]any `json:"bag,omitempty"`
}

// Message is the broker envelope. Requeue bumps HandledCount; the identity never changes.
type Message struct {
	Header MessageHeader `json:"header"`
	Body   []byte        `json:"body"`
}

// NewMessage creates a message with a generated ID when the header has none
func NewMessage(header MessageHeader, body []byte) *Message {
	if header.ID == "" {
		header.ID = uuid.New().String()
	}
	if header.TimeStamp.IsZero() {
		header.TimeStamp = time.Now().UTC()
	}
	if header.Bag == nil {
		header.Bag = make(map[string]any)
	}
	return &Message{Header: header, Body: body}
}

// NoneMessage is returned by consumers when a receive timed out
func NoneMessage() *Message {
	return &Message{Header: MessageHeader{MessageType: MessageTypeNone, Bag: map[string]any{}}}
}

// QuitMessage builds a message that stops the pump receiving it
func QuitMessage(topic string) *Message {
	return NewMessage(MessageHeader{Topic: topic, MessageType: MessageTypeQuit}, nil)
}

// ID returns the message ID
func (m *Message) ID() string {
	return m.Header.ID
}

// IsNone reports whether this is an empty receive
func (m *Message) IsNone() bool {
	return m.Header.MessageType == MessageTypeNone
}

// IncrementHandledCount records one more delivery attempt
func (m *Message) IncrementHandledCount() int {
	m.Header.HandledCount++
	return m.Header.HandledCount
}

// DeliveryTag returns the transport handle stored in the bag
func (m *Message) DeliveryTag() (any, bool) {
	if m.Header.Bag == nil {
		return nil, false
	}
	tag, ok := m.Header.Bag[BagDeliveryTag]
	return tag, ok
}

// SetDeliveryTag stores the transport handle in the bag
func (m *Message) SetDeliveryTag(tag any) {
	if m.Header.Bag == nil {
		m.Header.Bag = make(map[string]any)
	}
	m.Header.Bag[BagDeliveryTag] = tag
}

// Copy returns a deep copy with the delivery tag removed, suitable for re-sending
func (m *Message) Copy() *Message {
	header := m.Header
	header.Bag = maps.Clone(m.Header.Bag)
	if header.Bag == nil {
		header.Bag = make(map[string]any)
	}
	delete(header.Bag, BagDeliveryTag)

	body := make([]byte, len(m.Body))
	copy(body, m.Body)
	return &Message{Header: header, Body: body}
}
