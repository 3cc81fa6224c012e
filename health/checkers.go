package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/courier/pump"
	"github.com/glimte/courier/storage"
)

// ConnectionReporter is satisfied by the RabbitMQ connection manager
type ConnectionReporter interface {
	IsConnected() bool
}

// BrokerChecker checks the broker connection
type BrokerChecker struct {
	name   string
	conn   ConnectionReporter
	logger *slog.Logger
}

// NewBrokerChecker creates a broker connection checker
func NewBrokerChecker(name string, conn ConnectionReporter, logger *slog.Logger) *BrokerChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrokerChecker{name: name, conn: conn, logger: logger}
}

func (c *BrokerChecker) Name() string {
	return c.name
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.conn.IsConnected()
	result.Details["connected"] = connected
	if connected {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Connection is down"
		c.logger.Warn("broker health check failed", "check", c.name)
	}

	result.Duration = time.Since(start)
	return result
}

// QueueDepthReader reports the number of ready messages on a queue
type QueueDepthReader interface {
	QueueDepth(ctx context.Context, name string) (int, error)
}

// QueueChecker checks that a channel's queue is reachable and not backing up
type QueueChecker struct {
	queue     string
	reader    QueueDepthReader
	threshold int
}

// NewQueueChecker creates a queue checker. A depth above threshold is degraded; zero
// disables the depth check.
func NewQueueChecker(queue string, reader QueueDepthReader, threshold int) *QueueChecker {
	return &QueueChecker{queue: queue, reader: reader, threshold: threshold}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	depth, err := c.reader.QueueDepth(ctx, c.queue)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queue)
		result.Error = err.Error()
		return result
	}

	result.Details["queue_name"] = c.queue
	result.Details["message_count"] = depth
	if c.threshold > 0 && depth > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queue)
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queue)
	return result
}

// StatusReporter is satisfied by *pump.Dispatcher
type StatusReporter interface {
	State() pump.DispatcherState
	Status() []pump.PumpStatus
}

// DispatcherChecker reports failed pumps as unhealthy and open connection circuits as
// degraded
type DispatcherChecker struct {
	dispatcher StatusReporter
}

// NewDispatcherChecker creates a dispatcher checker
func NewDispatcherChecker(dispatcher StatusReporter) *DispatcherChecker {
	return &DispatcherChecker{dispatcher: dispatcher}
}

func (c *DispatcherChecker) Name() string {
	return "dispatcher"
}

func (c *DispatcherChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "All pumps are running",
		Details:   make(map[string]interface{}),
	}

	state := c.dispatcher.State()
	result.Details["state"] = state.String()

	var failed, tripped []string
	for _, st := range c.dispatcher.Status() {
		result.Details[st.Name] = map[string]interface{}{
			"state":        st.State.String(),
			"mode":         st.Mode.String(),
			"circuit":      st.Circuit,
			"received":     st.Stats.Received,
			"acknowledged": st.Stats.Acknowledged,
			"requeued":     st.Stats.Requeued,
			"deadLettered": st.Stats.DeadLettered,
		}
		if st.Err != nil {
			failed = append(failed, st.Name)
			continue
		}
		if st.Circuit == "open" {
			tripped = append(tripped, st.Name)
		}
	}

	switch {
	case len(failed) > 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Pumps failed: %v", failed)
	case len(tripped) > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Connection circuit open: %v", tripped)
	case state != pump.DispatcherRunning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Dispatcher is %s", state)
	}

	result.Duration = time.Since(start)
	return result
}

// OutboxChecker reports an outbox whose undispatched backlog is growing
type OutboxChecker struct {
	outbox    storage.Outbox
	olderThan time.Duration
	threshold int
}

// NewOutboxChecker creates an outbox checker. Entries older than olderThan count as
// backlog; more than threshold of them is degraded.
func NewOutboxChecker(outbox storage.Outbox, olderThan time.Duration, threshold int) *OutboxChecker {
	if threshold < 1 {
		threshold = 1
	}
	return &OutboxChecker{outbox: outbox, olderThan: olderThan, threshold: threshold}
}

func (c *OutboxChecker) Name() string {
	return "outbox"
}

func (c *OutboxChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	entries, err := c.outbox.OutstandingMessages(ctx, c.olderThan, c.threshold+1)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Outbox not readable"
		result.Error = err.Error()
		return result
	}

	result.Details["outstanding"] = len(entries)
	if len(entries) > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("More than %d messages outstanding for over %s", c.threshold, c.olderThan)
		result.Details["oldest_message_id"] = entries[0].MessageID
		return result
	}
	result.Status = StatusHealthy
	result.Message = "Outbox is draining"
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
