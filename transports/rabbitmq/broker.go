package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/dispatch-go/health"
	"github.com/glimte/dispatch-go/internal/rabbitmq"
	"github.com/glimte/dispatch-go/messaging"
	"github.com/glimte/dispatch-go/topology"
)

var _ messaging.Broker = (*Broker)(nil)

// ErrBrokerClosed is returned by operations on a broker after Shutdown
var ErrBrokerClosed = errors.New("broker is shut down")

// Broker is a RabbitMQ session for one broker configuration. It checks the
// configured topology when it connects, publishes through a confirm channel
// pool and consumes every subscription on its own channel.
type Broker struct {
	config    topology.BrokerConfig
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	logger    *slog.Logger
	backlog   int

	mu     sync.Mutex
	closed bool
}

type options struct {
	logger            *slog.Logger
	connectionOptions []rabbitmq.ConnectionOption
	publisherOptions  []rabbitmq.PublisherOption
	consumerOptions   []rabbitmq.ConsumerOption
	backlogThreshold  int
}

// Option configures the broker
type Option func(*options)

// WithLogger sets the logger of the broker and its connection, pool,
// publisher and consumer
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) Option {
	return func(o *options) {
		o.connectionOptions = append(o.connectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) Option {
	return func(o *options) {
		o.publisherOptions = append(o.publisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) Option {
	return func(o *options) {
		o.consumerOptions = append(o.consumerOptions, opts...)
	}
}

// WithBacklogThreshold sets the queue depth above which a subscribed queue
// is reported as degraded. Zero disables the threshold.
func WithBacklogThreshold(messages int) Option {
	return func(o *options) {
		o.backlogThreshold = messages
	}
}

// Connect connects to url, verifies the topology of cfg and returns the
// broker. Nothing is declared on the broker; missing queues or exchanges fail
// the connect.
func Connect(ctx context.Context, url string, cfg topology.BrokerConfig, opts ...Option) (*Broker, error) {
	o := &options{
		logger:           slog.Default(),
		backlogThreshold: 10000,
	}
	for _, opt := range opts {
		opt(o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", rabbitmq.ErrInvalidConfiguration, err)
	}

	// a vhost in the url wins over the default one
	urlVhost, err := rabbitmq.URIVhost(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", rabbitmq.ErrInvalidConfiguration, err)
	}
	if urlVhost != topology.DefaultVhost && urlVhost != cfg.Vhost {
		return nil, fmt.Errorf("%w: url names vhost %q but the configuration uses %q",
			rabbitmq.ErrInvalidConfiguration, urlVhost, cfg.Vhost)
	}

	o.logger.Debug("broker configuration", "config", cfg)

	connOpts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(o.logger),
		rabbitmq.WithVhost(cfg.Vhost),
	}, o.connectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, err
	}

	pool, err := rabbitmq.NewChannelPool(manager,
		rabbitmq.WithMinSize(cfg.ConfirmPool.Min),
		rabbitmq.WithMaxSize(cfg.ConfirmPool.Max),
		rabbitmq.WithEvictionInterval(cfg.ConfirmPool.EvictionRunInterval),
		rabbitmq.WithIdleTimeout(cfg.ConfirmPool.IdleTimeout),
		rabbitmq.WithAutostart(cfg.ConfirmPool.Autostart),
		rabbitmq.WithConfirmMode(true),
		rabbitmq.WithChannelLogger(o.logger),
	)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	if err := rabbitmq.NewTopologyChecker(pool, o.logger).Check(ctx, cfg); err != nil {
		_ = pool.Close()
		_ = manager.Close()
		return nil, err
	}

	b := &Broker{
		config:    cfg,
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(o.logger)}, o.publisherOptions...)...),
		consumer:  rabbitmq.NewConsumer(manager, append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(o.logger)}, o.consumerOptions...)...),
		logger:    o.logger,
		backlog:   o.backlogThreshold,
	}

	b.logger.Info("broker created",
		"vhost", cfg.Vhost,
		"queues", len(cfg.Queues),
		"exchanges", len(cfg.Exchanges),
		"publications", len(cfg.Publications),
	)

	return b, nil
}

// Config returns the broker configuration the broker was created with
func (b *Broker) Config() topology.BrokerConfig {
	return b.config
}

// Publish publishes msg through the named publication and waits for the
// broker's confirm. Unroutable messages fail with messaging.ErrMessageReturned.
func (b *Broker) Publish(ctx context.Context, publication string, msg amqp.Publishing) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	pub, ok := b.config.Publications[publication]
	if !ok {
		return fmt.Errorf("%w: %s", messaging.ErrUnknownPublication, publication)
	}

	return publishError(b.publisher.Publish(ctx, pub.Exchange, pub.RoutingKey, true, msg))
}

// Republish publishes msg to queue through the default exchange
func (b *Broker) Republish(ctx context.Context, queue string, msg amqp.Publishing) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	return publishError(b.publisher.Publish(ctx, "", queue, true, msg))
}

// Subscribe starts consuming the named subscription
func (b *Broker) Subscribe(ctx context.Context, subscription string, handler messaging.DeliveryHandler) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	sub, ok := b.config.Subscriptions[subscription]
	if !ok {
		return fmt.Errorf("%w: %s", messaging.ErrUnknownSubscription, subscription)
	}

	return b.consumer.Subscribe(ctx, sub.Queue, rabbitmq.SubscribeOptions{
		PrefetchCount: sub.Prefetch,
		AutoAck:       sub.AutoAck,
	}, rabbitmq.DeliveryHandler(handler))
}

// Shutdown cancels all consumers, waits for their in-flight deliveries
// bounded by ctx and closes the pool and the connection
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	start := time.Now()
	errs := []error{b.consumer.UnsubscribeAll(ctx)}
	errs = append(errs, b.pool.Close(), b.manager.Close())

	err := errors.Join(errs...)
	if err != nil {
		b.logger.Error("broker shutdown failed", "error", err)
		return err
	}

	b.logger.Info("broker shut down", "duration", time.Since(start))
	return nil
}

// IsConnected reports whether the connection is open
func (b *Broker) IsConnected() bool {
	return b.manager.IsConnected()
}

// Checkers returns health checkers for the connection, the confirm pool and
// every subscribed queue
func (b *Broker) Checkers() []health.Checker {
	checkers := []health.Checker{
		health.NewConnectionChecker(b.manager),
		health.NewChannelPoolChecker(b.pool),
	}

	queues := make([]string, 0, len(b.config.Queues))
	for name := range b.config.Queues {
		queues = append(queues, name)
	}
	sort.Strings(queues)
	for _, name := range queues {
		checkers = append(checkers, health.NewQueueChecker(name, b.pool, b.backlog))
	}

	return checkers
}

func (b *Broker) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	return nil
}

// publishError maps a returned message to messaging.ErrMessageReturned and
// keeps the broker error in the chain
func publishError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, rabbitmq.ErrMessageReturned) {
		return fmt.Errorf("%w: %w", messaging.ErrMessageReturned, err)
	}
	return err
}
