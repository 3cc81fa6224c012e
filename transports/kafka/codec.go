package kafka

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/glimte/courier/contracts"
)

// Header names carrying the message header. Kafka has no typed properties, so every
// field travels as a record header.
const (
	HeaderID            = "courier-id"
	HeaderMessageType   = "courier-message-type"
	HeaderTopic         = "courier-topic"
	HeaderCorrelationID = "courier-correlation-id"
	HeaderReplyTo       = "courier-reply-to"
	HeaderContentType   = "courier-content-type"
	HeaderHandledCount  = "courier-handled-count"
	HeaderPartitionKey  = "courier-partition-key"
)

// ToRecord encodes msg as a Kafka record for topic. The partition key picks the
// partition; messages without one are keyed by ID. Bag entries travel as string headers.
func ToRecord(topic string, msg *contracts.Message) kafka.Message {
	headers := []kafka.Header{
		{Key: HeaderID, Value: []byte(msg.Header.ID)},
		{Key: HeaderMessageType, Value: []byte(msg.Header.MessageType.String())},
		{Key: HeaderTopic, Value: []byte(msg.Header.Topic)},
		{Key: HeaderHandledCount, Value: []byte(strconv.Itoa(msg.Header.HandledCount))},
	}
	optional := []struct{ key, value string }{
		{HeaderCorrelationID, msg.Header.CorrelationID},
		{HeaderReplyTo, msg.Header.ReplyTo},
		{HeaderContentType, msg.Header.ContentType},
		{HeaderPartitionKey, msg.Header.PartitionKey},
	}
	for _, h := range optional {
		if h.value != "" {
			headers = append(headers, kafka.Header{Key: h.key, Value: []byte(h.value)})
		}
	}
	for k, v := range msg.Header.Bag {
		if k == contracts.BagDeliveryTag || strings.HasPrefix(k, "courier-") {
			continue
		}
		headers = append(headers, kafka.Header{Key: k, Value: []byte(headerValue(v))})
	}

	key := msg.Header.PartitionKey
	if key == "" {
		key = msg.Header.ID
	}

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   msg.Body,
		Headers: headers,
		Time:    msg.Header.TimeStamp,
	}
}

// FromRecord decodes a fetched record. Records without an ID or a known type become
// unacceptable messages.
func FromRecord(rec kafka.Message) *contracts.Message {
	header := contracts.MessageHeader{
		Topic:       rec.Topic,
		TimeStamp:   rec.Time,
		MessageType: contracts.MessageTypeUnacceptable,
		Bag:         make(map[string]any),
	}

	for _, h := range rec.Headers {
		value := string(h.Value)
		switch h.Key {
		case HeaderID:
			header.ID = value
		case HeaderMessageType:
			if mt := contracts.ParseMessageType(value); mt != contracts.MessageTypeNone {
				header.MessageType = mt
			}
		case HeaderTopic:
			if value != "" {
				header.Topic = value
			}
		case HeaderCorrelationID:
			header.CorrelationID = value
		case HeaderReplyTo:
			header.ReplyTo = value
		case HeaderContentType:
			header.ContentType = value
		case HeaderHandledCount:
			header.HandledCount, _ = strconv.Atoi(value)
		case HeaderPartitionKey:
			header.PartitionKey = value
		default:
			header.Bag[h.Key] = value
		}
	}

	if header.ID == "" {
		header.MessageType = contracts.MessageTypeUnacceptable
	}
	if header.TimeStamp.IsZero() {
		header.TimeStamp = time.Now().UTC()
	}

	return &contracts.Message{Header: header, Body: rec.Value}
}

func headerValue(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case []byte:
		return string(tv)
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(tv)
	}
}
