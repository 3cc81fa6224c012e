package kafka

import (
	"context"
	"fmt"
	"io"
	"sync"

	kafka "github.com/segmentio/kafka-go"
)

// MockWriter records produced records
type MockWriter struct {
	mu        sync.Mutex
	Written   []kafka.Message
	WriteFunc func(ctx context.Context, msgs ...kafka.Message) error
	FailCount int
	failures  int
	closed    bool
}

func (m *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, msgs...)
	}
	if m.FailCount > 0 && m.failures < m.FailCount {
		m.failures++
		return fmt.Errorf("simulated write failure %d", m.failures)
	}
	m.Written = append(m.Written, msgs...)
	return nil
}

func (m *MockWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockWriter) GetWritten() []kafka.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]kafka.Message, len(m.Written))
	copy(out, m.Written)
	return out
}

// MockReader serves queued records and records commits
type MockReader struct {
	mu         sync.Mutex
	records    chan kafka.Message
	Committed  []kafka.Message
	CommitErr  error
	FetchErr   error
	closed     bool
	closeCount int
}

func NewMockReader(records ...kafka.Message) *MockReader {
	r := &MockReader{records: make(chan kafka.Message, 64)}
	for _, rec := range records {
		r.records <- rec
	}
	return r
}

func (m *MockReader) Push(rec kafka.Message) {
	m.records <- rec
}

func (m *MockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	m.mu.Lock()
	fetchErr, closed := m.FetchErr, m.closed
	m.mu.Unlock()
	if closed {
		return kafka.Message{}, io.EOF
	}
	if fetchErr != nil {
		return kafka.Message{}, fetchErr
	}

	select {
	case rec := <-m.records:
		return rec, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (m *MockReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CommitErr != nil {
		return m.CommitErr
	}
	m.Committed = append(m.Committed, msgs...)
	return nil
}

func (m *MockReader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.closeCount++
	return nil
}

func (m *MockReader) GetCommitted() []kafka.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]kafka.Message, len(m.Committed))
	copy(out, m.Committed)
	return out
}

// MockAdmin keeps a topic set in memory
type MockAdmin struct {
	mu          sync.Mutex
	Topics      map[string]kafka.TopicConfig
	Deleted     []string
	Err         error
	MetadataErr map[string]error
}

func NewMockAdmin(topics ...string) *MockAdmin {
	a := &MockAdmin{Topics: make(map[string]kafka.TopicConfig), MetadataErr: make(map[string]error)}
	for _, t := range topics {
		a.Topics[t] = kafka.TopicConfig{Topic: t, NumPartitions: 1, ReplicationFactor: 1}
	}
	return a
}

func (m *MockAdmin) Metadata(_ context.Context, req *kafka.MetadataRequest) (*kafka.MetadataResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	resp := &kafka.MetadataResponse{}
	for _, name := range req.Topics {
		topic := kafka.Topic{Name: name}
		if err, ok := m.MetadataErr[name]; ok {
			topic.Error = err
		} else if _, ok := m.Topics[name]; !ok {
			topic.Error = kafka.UnknownTopicOrPartition
		}
		resp.Topics = append(resp.Topics, topic)
	}
	return resp, nil
}

func (m *MockAdmin) CreateTopics(_ context.Context, req *kafka.CreateTopicsRequest) (*kafka.CreateTopicsResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	resp := &kafka.CreateTopicsResponse{Errors: make(map[string]error)}
	for _, tc := range req.Topics {
		if _, ok := m.Topics[tc.Topic]; ok {
			resp.Errors[tc.Topic] = kafka.TopicAlreadyExists
			continue
		}
		m.Topics[tc.Topic] = tc
		resp.Errors[tc.Topic] = nil
	}
	return resp, nil
}

func (m *MockAdmin) DeleteTopics(_ context.Context, req *kafka.DeleteTopicsRequest) (*kafka.DeleteTopicsResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	resp := &kafka.DeleteTopicsResponse{Errors: make(map[string]error)}
	for _, name := range req.Topics {
		if _, ok := m.Topics[name]; !ok {
			resp.Errors[name] = kafka.UnknownTopicOrPartition
			continue
		}
		delete(m.Topics, name)
		m.Deleted = append(m.Deleted, name)
	}
	return resp, nil
}

func (m *MockAdmin) Has(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Topics[topic]
	return ok
}
