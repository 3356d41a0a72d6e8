package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/dispatch-go/internal/reliability"
)

// DeliveryHandler processes one delivery. Acknowledgment is up to the handler.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// SubscribeOptions configures a single queue subscription
type SubscribeOptions struct {
	PrefetchCount int
	AutoAck       bool
	ConsumerTag   string
}

// Consumer consumes queues on dedicated channels. Every delivery is handed to
// its own goroutine; at most PrefetchCount deliveries of a queue are in flight.
type Consumer struct {
	source          ChannelSource
	logger          *slog.Logger
	resubscribe     reliability.RetryPolicy
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithResubscribePolicy sets the backoff used to re-establish a consumer
// whose channel was closed by the broker
func WithResubscribePolicy(policy reliability.RetryPolicy) ConsumerOption {
	return func(c *Consumer) {
		c.resubscribe = policy
	}
}

// NewConsumer creates a new consumer
func NewConsumer(source ChannelSource, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		source:      source,
		logger:      slog.Default(),
		resubscribe: reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 1<<30),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumerInfo tracks an active subscription
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	Options     SubscribeOptions

	mu       sync.Mutex
	channel  *amqp.Channel
	cancel   context.CancelFunc
	done     chan struct{}
	inflight sync.WaitGroup
	slots    chan struct{}
}

// NewConsumerTag returns a unique, time ordered consumer tag for queue
func NewConsumerTag(queue string) string {
	return fmt.Sprintf("dispatch-%s-%s", queue, ulid.Make().String())
}

// Subscribe starts consuming queue. It returns once the broker accepted the
// consumer; deliveries are then handed to handler until Unsubscribe.
func (c *Consumer) Subscribe(ctx context.Context, queue string, opts SubscribeOptions, handler DeliveryHandler) error {
	if opts.PrefetchCount <= 0 {
		return &ConsumerError{
			Queue:     queue,
			Op:        "subscribe",
			Err:       fmt.Errorf("%w: prefetch count must be positive", ErrInvalidConfiguration),
			Timestamp: time.Now(),
		}
	}
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = NewConsumerTag(queue)
	}

	if _, loaded := c.activeConsumers.Load(queue); loaded {
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: opts.ConsumerTag,
			Op:          "subscribe",
			Err:         ErrAlreadySubscribed,
			Timestamp:   time.Now(),
		}
	}

	info := &ConsumerInfo{
		Queue:       queue,
		ConsumerTag: opts.ConsumerTag,
		Options:     opts,
		done:        make(chan struct{}),
		slots:       make(chan struct{}, opts.PrefetchCount),
	}

	deliveries, err := c.consume(info)
	if err != nil {
		return err
	}

	// deliveries outlive the caller's ctx; only values are inherited
	consumerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	info.cancel = cancel

	if _, loaded := c.activeConsumers.LoadOrStore(queue, info); loaded {
		cancel()
		info.closeChannel()
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: opts.ConsumerTag,
			Op:          "subscribe",
			Err:         ErrAlreadySubscribed,
			Timestamp:   time.Now(),
		}
	}

	go c.processMessages(consumerCtx, info, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", info.ConsumerTag,
		"prefetchCount", opts.PrefetchCount,
		"autoAck", opts.AutoAck,
	)

	return nil
}

// consume opens a channel for info and starts the broker consumer
func (c *Consumer) consume(info *ConsumerInfo) (<-chan amqp.Delivery, error) {
	fail := func(op string, err error) error {
		return &ConsumerError{
			Queue:       info.Queue,
			ConsumerTag: info.ConsumerTag,
			Op:          op,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	ch, err := c.source.Channel()
	if err != nil {
		return nil, fail("open channel", err)
	}

	if err := ch.Qos(info.Options.PrefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, fail("set qos", err)
	}

	deliveries, err := ch.Consume(
		info.Queue,
		info.ConsumerTag,
		info.Options.AutoAck,
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fail("consume", err)
	}

	info.mu.Lock()
	info.channel = ch
	info.mu.Unlock()

	return deliveries, nil
}

// processMessages dispatches deliveries until the consumer is cancelled. A
// delivery channel closed by the broker is re-established with backoff.
func (c *Consumer) processMessages(ctx context.Context, info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		info.inflight.Wait()
		info.closeChannel()
		c.activeConsumers.Delete(info.Queue)
		close(info.done)
		c.logger.Info("consumer stopped", "queue", info.Queue, "consumerTag", info.ConsumerTag)
	}()

	for {
		c.dispatch(ctx, info, deliveries, handler)

		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("delivery channel closed, resubscribing", "queue", info.Queue)

		// running handlers still settle on the old channel
		info.inflight.Wait()
		info.closeChannel()
		err := reliability.Retry(ctx, "resubscribe", c.resubscribe, func() error {
			d, err := c.consume(info)
			if err != nil {
				c.logger.Error("failed to resubscribe", "queue", info.Queue, "error", err)
				return err
			}
			deliveries = d
			return nil
		})
		if err != nil {
			return
		}

		c.logger.Info("resubscribed to queue", "queue", info.Queue, "consumerTag", info.ConsumerTag)
	}
}

// dispatch hands deliveries to handler until deliveries closes or ctx is done
func (c *Consumer) dispatch(ctx context.Context, info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case info.slots <- struct{}{}:
		}

		var (
			delivery amqp.Delivery
			ok       bool
		)
		select {
		case <-ctx.Done():
			<-info.slots
			return
		case delivery, ok = <-deliveries:
		}
		if !ok {
			<-info.slots
			return
		}

		info.inflight.Add(1)
		go func(d amqp.Delivery) {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("panic in delivery handler",
						"queue", info.Queue,
						"messageId", d.MessageId,
						"panic", r)
				}
				<-info.slots
				info.inflight.Done()
			}()
			// handlers are never cancelled mid-flight
			handler(context.WithoutCancel(ctx), d)
		}(delivery)
	}
}

func (info *ConsumerInfo) closeChannel() {
	info.mu.Lock()
	defer info.mu.Unlock()
	if info.channel != nil && !info.channel.IsClosed() {
		_ = info.channel.Close()
	}
}

func (info *ConsumerInfo) cancelConsumer() {
	info.mu.Lock()
	ch := info.channel
	info.mu.Unlock()
	if ch != nil && !ch.IsClosed() {
		_ = ch.Cancel(info.ConsumerTag, false)
	}
}

// Unsubscribe stops consuming queue and waits, bounded by ctx, for handlers
// already running to finish before closing the channel
func (c *Consumer) Unsubscribe(ctx context.Context, queue string) error {
	value, ok := c.activeConsumers.Load(queue)
	if !ok {
		return fmt.Errorf("%w for queue: %s", ErrNoActiveConsumer, queue)
	}

	info := value.(*ConsumerInfo)

	// cancel first: the broker cancel closes the delivery channel, which
	// would otherwise look like a lost consumer
	info.cancel()
	info.cancelConsumer()

	select {
	case <-info.done:
		return nil
	case <-ctx.Done():
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: info.ConsumerTag,
			Op:          "unsubscribe",
			Err:         ctx.Err(),
			Timestamp:   time.Now(),
		}
	}
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	c.activeConsumers.Range(func(key, value interface{}) bool {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(ctx, queue); err != nil {
				c.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(key.(string))
		return true
	})

	wg.Wait()
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// GetActiveConsumers returns a list of active consumer queues
func (c *Consumer) GetActiveConsumers() []string {
	var queues []string
	c.activeConsumers.Range(func(key, value interface{}) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}
