package health

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the broker connection a ConnectionChecker inspects
type Connection interface {
	GetConnection() (*amqp.Connection, error)
	IsBlocked() bool
}

// ChannelPool is the channel pool a ChannelPoolChecker inspects
type ChannelPool interface {
	Execute(ctx context.Context, fn func(*amqp.Channel) error) error
	Size() int
	Idle() int
	IsClosed() bool
}

// ConnectionChecker checks RabbitMQ connection health
type ConnectionChecker struct {
	conn Connection
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(conn Connection) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	conn, err := c.conn.GetConnection()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to get connection"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	// Open a channel to test the connection
	ch, err := conn.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to create channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	_ = ch.Close()

	blocked := c.conn.IsBlocked()
	if blocked {
		result.Status = StatusDegraded
		result.Message = "Connection is blocked by the broker"
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["blocked"] = blocked
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	return result
}

// ChannelPoolChecker checks the health of the confirm channel pool
type ChannelPoolChecker struct {
	pool ChannelPool
}

// NewChannelPoolChecker creates a new channel pool health checker
func NewChannelPoolChecker(pool ChannelPool) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	result.Details["pool_size"] = c.pool.Size()
	result.Details["idle"] = c.pool.Idle()

	if c.pool.IsClosed() {
		result.Status = StatusUnhealthy
		result.Message = "Channel pool is closed"
		result.Duration = time.Since(start)
		return result
	}

	// Borrow a channel and hand it back
	if err := c.pool.Execute(ctx, func(*amqp.Channel) error { return nil }); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to get channel from pool"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Channel pool is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	return result
}

// QueueChecker checks that a subscribed queue exists and watches its backlog
type QueueChecker struct {
	queueName string
	pool      ChannelPool
	threshold int
}

// NewQueueChecker creates a new queue health checker. A backlog above
// threshold reports the queue as degraded; zero disables the threshold.
func NewQueueChecker(queueName string, pool ChannelPool, threshold int) *QueueChecker {
	return &QueueChecker{
		queueName: queueName,
		pool:      pool,
		threshold: threshold,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var queue amqp.Queue
	err := c.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		queue, err = ch.QueueDeclarePassive(c.queueName, true, false, false, false, nil)
		return err
	})
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	result.Duration = time.Since(start)
	result.Details["queue_name"] = queue.Name
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	if c.threshold > 0 && queue.Messages > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queueName)
	}

	return result
}
