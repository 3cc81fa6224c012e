package rabbitmq

import (
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/courier/contracts"
)

// Header names carrying the typed message header fields AMQP properties have no slot for
const (
	HeaderMessageType  = "x-courier-message-type"
	HeaderTopic        = "x-courier-topic"
	HeaderHandledCount = "x-courier-handled-count"
	HeaderPartitionKey = "x-courier-partition-key"
	// HeaderDelay is read by the delayed message exchange plugin, in milliseconds
	HeaderDelay = "x-delay"
)

// ToPublishing encodes msg as an AMQP publishing. Bag entries become headers; values
// AMQP tables cannot carry are sent as their string form.
func ToPublishing(msg *contracts.Message) amqp.Publishing {
	headers := amqp.Table{
		HeaderMessageType:  msg.Header.MessageType.String(),
		HeaderTopic:        msg.Header.Topic,
		HeaderHandledCount: int64(msg.Header.HandledCount),
	}
	if msg.Header.PartitionKey != "" {
		headers[HeaderPartitionKey] = msg.Header.PartitionKey
	}
	for k, v := range msg.Header.Bag {
		if k == contracts.BagDeliveryTag || isReserved(k) {
			continue
		}
		headers[k] = tableValue(v)
	}

	contentType := msg.Header.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.Header.CorrelationID,
		ReplyTo:       msg.Header.ReplyTo,
		MessageId:     msg.Header.ID,
		Timestamp:     msg.Header.TimeStamp,
		Body:          msg.Body,
	}
}

// FromDelivery decodes a delivery. A delivery whose type header is missing or unknown
// becomes an unacceptable message so the pump rejects it instead of guessing.
func FromDelivery(d amqp.Delivery) *contracts.Message {
	header := contracts.MessageHeader{
		ID:            d.MessageId,
		Topic:         d.RoutingKey,
		TimeStamp:     d.Timestamp,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		ContentType:   d.ContentType,
		MessageType:   contracts.MessageTypeUnacceptable,
		Bag:           make(map[string]any, len(d.Headers)),
	}

	for k, v := range d.Headers {
		switch k {
		case HeaderMessageType:
			if s, ok := v.(string); ok {
				if mt := contracts.ParseMessageType(s); mt != contracts.MessageTypeNone {
					header.MessageType = mt
				}
			}
		case HeaderTopic:
			if s, ok := v.(string); ok && s != "" {
				header.Topic = s
			}
		case HeaderHandledCount:
			header.HandledCount = toInt(v)
		case HeaderPartitionKey:
			if s, ok := v.(string); ok {
				header.PartitionKey = s
			}
		case HeaderDelay:
		default:
			header.Bag[k] = v
		}
	}

	if header.ID == "" {
		header.MessageType = contracts.MessageTypeUnacceptable
	}
	if header.TimeStamp.IsZero() {
		header.TimeStamp = time.Now().UTC()
	}

	return &contracts.Message{Header: header, Body: d.Body}
}

func isReserved(key string) bool {
	return strings.HasPrefix(key, "x-courier-") || key == HeaderDelay
}

func tableValue(v any) any {
	switch tv := v.(type) {
	case nil, bool, byte, int8, int, int16, int32, int64, float32, float64, string, []byte, time.Time:
		return tv
	case uint:
		return int64(tv)
	case uint16:
		return int32(tv)
	case uint32:
		return int64(tv)
	case time.Duration:
		return int64(tv / time.Millisecond)
	case fmt.Stringer:
		return tv.String()
	default:
		return fmt.Sprint(tv)
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
