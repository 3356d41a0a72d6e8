// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/dispatch-go/health"
	"github.com/glimte/dispatch-go/interceptors"
	"github.com/glimte/dispatch-go/messaging"
	"github.com/glimte/dispatch-go/topology"
	rabbitmqTransport "github.com/glimte/dispatch-go/transports/rabbitmq"
)

var (
	// ErrBrokerNotSetUp is returned by operations that need a started client
	ErrBrokerNotSetUp = errors.New("broker is not set up")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("client already started")
)

// BrokerFactory connects to the broker described by cfg
type BrokerFactory func(ctx context.Context, url string, cfg topology.BrokerConfig) (messaging.Broker, error)

// Client provides the main entry point for dispatch. Handlers are registered
// before Start; Start derives the topology, connects and subscribes every
// registered queue.
type Client struct {
	url         string
	registry    *messaging.HandlerRegistry
	targets     []topology.Target
	builderOpts []topology.BuilderOption
	brokerOpts  []rabbitmqTransport.Option
	connect     BrokerFactory
	logger      *slog.Logger
	metrics     messaging.MetricsCollector
	tracer      trace.TracerProvider
	chain       *interceptors.InterceptorChain

	mu         sync.RWMutex
	broker     messaging.Broker
	config     topology.BrokerConfig
	publisher  *messaging.MessagePublisher
	subscriber *messaging.MessageSubscriber
	started    bool
	stopped    bool
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector used by publisher and subscriber
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithTracerProvider sets the tracer provider for publish and process spans
func WithTracerProvider(provider trace.TracerProvider) ClientOption {
	return func(c *Client) {
		c.tracer = provider
	}
}

// WithInterceptors wraps every registered handler, in order
func WithInterceptors(list ...interceptors.Interceptor) ClientOption {
	return func(c *Client) {
		for _, i := range list {
			c.chain.Add(i)
		}
	}
}

// WithTargets declares the publication targets the client publishes to
func WithTargets(targets ...topology.Target) ClientOption {
	return func(c *Client) {
		c.targets = append(c.targets, targets...)
	}
}

// WithBuilderOptions sets the topology defaults
func WithBuilderOptions(opts ...topology.BuilderOption) ClientOption {
	return func(c *Client) {
		c.builderOpts = append(c.builderOpts, opts...)
	}
}

// WithBrokerOptions passes options to the RabbitMQ broker
func WithBrokerOptions(opts ...rabbitmqTransport.Option) ClientOption {
	return func(c *Client) {
		c.brokerOpts = append(c.brokerOpts, opts...)
	}
}

// WithBrokerFactory replaces the RabbitMQ broker
func WithBrokerFactory(factory BrokerFactory) ClientOption {
	return func(c *Client) {
		if factory != nil {
			c.connect = factory
		}
	}
}

// NewClient creates a client for the broker at url. Nothing is connected
// before Start.
func NewClient(url string, options ...ClientOption) *Client {
	c := &Client{
		url:      url,
		registry: messaging.NewHandlerRegistry(),
		logger:   slog.Default(),
		chain:    interceptors.NewInterceptorChain(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.connect == nil {
		c.connect = func(ctx context.Context, url string, cfg topology.BrokerConfig) (messaging.Broker, error) {
			opts := append([]rabbitmqTransport.Option{rabbitmqTransport.WithLogger(c.logger)}, c.brokerOpts...)
			broker, err := rabbitmqTransport.Connect(ctx, url, cfg, opts...)
			if err != nil {
				return nil, err
			}
			return broker, nil
		}
	}

	return c
}

// AddHandler registers handler for queue. Only the first override is used.
func (c *Client) AddHandler(queue string, handler messaging.MessageHandler, override ...*topology.SubscriptionOverride) error {
	c.mu.RLock()
	stopped := c.stopped
	c.mu.RUnlock()
	if stopped {
		return ErrBrokerNotSetUp
	}

	var o *topology.SubscriptionOverride
	if len(override) > 0 {
		o = override[0]
	}
	return c.registry.Add(queue, handler, o)
}

// AddHandlerFunc registers a handler function for queue
func (c *Client) AddHandlerFunc(queue string, fn messaging.MessageHandlerFunc, override ...*topology.SubscriptionOverride) error {
	return c.AddHandler(queue, fn, override...)
}

// Start derives the broker configuration, connects and subscribes every
// registered queue. A failing step shuts the broker down again.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrBrokerNotSetUp
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.registry.Seal()

	queues := c.registry.Queues()
	cfg := topology.NewBuilder(c.builderOpts...).Build(queues, c.targets)
	c.logger.Debug("broker config generated",
		"vhost", cfg.Vhost,
		"subscriptions", len(cfg.Subscriptions),
		"publications", len(cfg.Publications))

	broker, err := c.connect(ctx, c.url, cfg)
	if err != nil {
		return fmt.Errorf("failed to set up broker: %w", err)
	}

	publisher := messaging.NewMessagePublisher(broker,
		messaging.WithPublisherLogger(c.logger),
		messaging.WithPublisherVhost(cfg.Vhost),
		messaging.WithPublisherMetrics(c.metrics),
		messaging.WithPublisherTracerProvider(c.tracer),
	)
	subscriber := messaging.NewMessageSubscriber(broker, publisher,
		messaging.WithSubscriberLogger(c.logger),
		messaging.WithSubscriberMetrics(c.metrics),
		messaging.WithSubscriberTracerProvider(c.tracer),
		messaging.WithSettleObservers(c.chain.SettleObservers()...),
	)

	for _, q := range queues {
		sub, _ := cfg.Subscription(q.Name)
		handler, _ := c.registry.Handler(q.Name)
		if err := subscriber.Subscribe(ctx, sub, c.chain.Then(handler)); err != nil {
			subscriber.Stop()
			if shutdownErr := broker.Shutdown(ctx); shutdownErr != nil {
				c.logger.Error("failed to shut down broker", "error", shutdownErr)
			}
			return err
		}
	}

	c.broker = broker
	c.config = cfg
	c.publisher = publisher
	c.subscriber = subscriber

	c.logger.Info("client started", "queues", len(queues), "targets", len(c.targets))
	return nil
}

// Stop stops consuming and shuts the broker down. In-flight handlers are
// awaited as long as ctx allows and may still publish meanwhile. The client
// cannot be started again.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.broker == nil {
		c.mu.Unlock()
		return ErrBrokerNotSetUp
	}
	broker, subscriber := c.broker, c.subscriber
	c.broker = nil
	c.subscriber = nil
	c.stopped = true
	c.mu.Unlock()

	subscriber.Stop()
	err := broker.Shutdown(ctx)

	c.mu.Lock()
	c.publisher = nil
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to shut down broker: %w", err)
	}
	c.logger.Info("client stopped")
	return nil
}

// Publish publishes payload to exchange with routing key. The target must
// have been declared with WithTargets.
func (c *Client) Publish(ctx context.Context, exchange, key string, payload interface{}, opts ...messaging.PublishOption) error {
	c.mu.RLock()
	publisher := c.publisher
	c.mu.RUnlock()

	if publisher == nil {
		return ErrBrokerNotSetUp
	}
	return publisher.Publish(ctx, exchange, key, payload, opts...)
}

// BrokerConfig returns the configuration derived at Start
func (c *Client) BrokerConfig() (topology.BrokerConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.broker == nil {
		return topology.BrokerConfig{}, ErrBrokerNotSetUp
	}
	return c.config, nil
}

// HealthCheckers returns the health checks of the running broker. Brokers
// without checks yield none.
func (c *Client) HealthCheckers() ([]health.Checker, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.broker == nil {
		return nil, ErrBrokerNotSetUp
	}
	if hc, ok := c.broker.(interface{ Checkers() []health.Checker }); ok {
		return hc.Checkers(), nil
	}
	return nil, nil
}
