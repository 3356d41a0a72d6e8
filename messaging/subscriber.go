package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/dispatch-go/correlation"
	"github.com/glimte/dispatch-go/internal/reliability"
	"github.com/glimte/dispatch-go/topology"
)

// HeaderRetryAttempt counts how often a message was republished for retry
const HeaderRetryAttempt = "x-retry-attempt"

// MessageSubscriber runs the registered handlers for broker deliveries and
// decides the fate of every delivery: ack, republish for retry or discard.
type MessageSubscriber struct {
	broker    Broker
	publisher *MessagePublisher
	logger    *slog.Logger
	metrics   MetricsCollector
	tracing   tracing
	observers []SettleObserver

	// stopCtx is cancelled by Stop and interrupts pending retry delays
	stopCtx  context.Context
	stop     context.CancelFunc
	stopOnce sync.Once
}

// SubscriberOption configures the MessageSubscriber
type SubscriberOption func(*MessageSubscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *MessageSubscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSubscriberMetrics sets the metrics collector
func WithSubscriberMetrics(metrics MetricsCollector) SubscriberOption {
	return func(s *MessageSubscriber) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithSubscriberTracerProvider sets the tracer provider for consumer spans
func WithSubscriberTracerProvider(provider trace.TracerProvider) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.tracing = newTracing(provider)
	}
}

// WithSettleObservers adds observers notified after every settled delivery
func WithSettleObservers(observers ...SettleObserver) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.observers = append(s.observers, observers...)
	}
}

// NewMessageSubscriber creates a new message subscriber. Handler results are
// published through publisher.
func NewMessageSubscriber(broker Broker, publisher *MessagePublisher, options ...SubscriberOption) *MessageSubscriber {
	s := &MessageSubscriber{
		broker:    broker,
		publisher: publisher,
		logger:    slog.Default(),
		metrics:   &NoOpMetricsCollector{},
		tracing:   newTracing(nil),
	}
	s.stopCtx, s.stop = context.WithCancel(context.Background())

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Subscribe starts handling the deliveries of sub with handler
func (s *MessageSubscriber) Subscribe(ctx context.Context, sub topology.Subscription, handler MessageHandler) error {
	key := topology.SubscriptionKey(sub.Vhost, sub.Queue)
	err := s.broker.Subscribe(ctx, key, func(ctx context.Context, d amqp.Delivery) {
		s.process(ctx, sub, handler, d)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "subscription failed", "queue", sub.Queue, "subscription", key, "error", err)
		return fmt.Errorf("failed to subscribe to queue %s: %w", sub.Queue, err)
	}
	return nil
}

// Stop interrupts pending retry delays. Messages waiting for a retry are
// nacked with requeue so that the broker redelivers them.
func (s *MessageSubscriber) Stop() {
	s.stopOnce.Do(s.stop)
}

// process runs handler for one delivery and settles it. It returns the outcome.
func (s *MessageSubscriber) process(ctx context.Context, sub topology.Subscription, handler MessageHandler, d amqp.Delivery) string {
	attempt := RetryAttempt(d.Headers)

	cc := correlation.FromHeaders(d.Headers, d.MessageId)
	cc.InputMessage = &correlation.InputMessage{
		Body:        string(d.Body),
		Headers:     d.Headers,
		MessageID:   d.MessageId,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
	}
	ctx = correlation.WithContext(ctx, cc)
	ctx, span := s.tracing.startProcess(ctx, sub.Queue, d)

	logger := s.logger.With(
		"queue", sub.Queue,
		"messageId", d.MessageId,
		"routingKey", d.RoutingKey,
	)
	logger.DebugContext(ctx, "message received",
		"attempt", attempt,
		"redelivered", d.Redelivered,
		"headers", d.Headers,
	)

	start := time.Now()
	err := s.handle(ctx, handler, d)
	elapsed := time.Since(start)

	outcome := s.settle(ctx, logger, sub, d, attempt, elapsed, err)

	s.metrics.RecordMessage(sub.Queue, outcome, elapsed)
	for _, o := range s.observers {
		if obsErr := o.Settled(ctx, d, outcome); obsErr != nil {
			logger.WarnContext(ctx, "settle observer failed", "error", obsErr)
		}
	}
	endSpan(span, err,
		attribute.String("dispatch.outcome", outcome),
		attribute.Int("dispatch.retry_attempt", attempt),
	)

	return outcome
}

// handle invokes handler and publishes its results in order. A failed publish
// fails the delivery.
func (s *MessageSubscriber) handle(ctx context.Context, handler MessageHandler, d amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message handler: %v", r)
		}
	}()

	results, err := handler.Handle(ctx, d)
	if err != nil {
		return err
	}

	for i, result := range results {
		if isEmptyPayload(result.Payload) {
			continue
		}
		if err := s.publisher.Publish(ctx, result.Exchange, result.Key, result.Payload, WithHeaders(result.Headers)); err != nil {
			return fmt.Errorf("failed to publish result %d to %s/%s: %w", i, result.Exchange, result.Key, err)
		}
	}

	return nil
}

// settle acknowledges, retries or discards d according to err
func (s *MessageSubscriber) settle(ctx context.Context, logger *slog.Logger, sub topology.Subscription, d amqp.Delivery, attempt int, elapsed time.Duration, err error) string {
	if err == nil {
		logger.InfoContext(ctx, "message processed", "duration", elapsed)
	} else {
		logger.ErrorContext(ctx, "message processing failed",
			"attempt", attempt,
			"duration", elapsed,
			"error", err,
		)
	}

	// the broker already considers the message delivered
	if sub.AutoAck {
		return OutcomeAutoAcked
	}

	if err == nil {
		s.ack(ctx, logger, d)
		return OutcomeAcked
	}

	if !reliability.IsRetryable(err) {
		logger.WarnContext(ctx, "message rejected, discarding")
		s.nack(ctx, logger, d, false)
		return OutcomeDiscarded
	}

	policy := reliability.NewFixedDelay(sub.Retry.Delay, sub.Retry.Attempts)
	retry, delay := policy.ShouldRetry(attempt, err)
	if !retry {
		logger.ErrorContext(ctx, "retry attempts exhausted, discarding message",
			"attempts", attempt,
			"maxAttempts", policy.MaxRetries(),
		)
		s.nack(ctx, logger, d, false)
		return OutcomeDiscarded
	}

	return s.retry(ctx, logger, sub, d, attempt+1, delay)
}

// retry republishes a copy of d to the tail of its queue after delay and
// acknowledges the original
func (s *MessageSubscriber) retry(ctx context.Context, logger *slog.Logger, sub topology.Subscription, d amqp.Delivery, next int, delay time.Duration) string {
	logger.InfoContext(ctx, "scheduling retry", "attempt", next, "delay", delay)

	if err := reliability.Sleep(s.stopCtx, delay); err != nil {
		logger.WarnContext(ctx, "subscriber stopped before retry, requeueing message")
		s.nack(ctx, logger, d, true)
		return OutcomeRequeued
	}

	if err := s.broker.Republish(ctx, sub.Queue, retryCopy(d, next)); err != nil {
		logger.ErrorContext(ctx, "failed to republish message, requeueing", "attempt", next, "error", err)
		s.nack(ctx, logger, d, true)
		return OutcomeRequeued
	}

	s.metrics.RecordRetry(sub.Queue, next)
	s.ack(ctx, logger, d)
	return OutcomeRepublished
}

func (s *MessageSubscriber) ack(ctx context.Context, logger *slog.Logger, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		logger.ErrorContext(ctx, "failed to ack message",
			"deliveryTag", d.DeliveryTag,
			"error", err,
		)
	}
}

func (s *MessageSubscriber) nack(ctx context.Context, logger *slog.Logger, d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		logger.ErrorContext(ctx, "failed to nack message",
			"deliveryTag", d.DeliveryTag,
			"requeue", requeue,
			"error", err,
		)
	}
}

// RetryAttempt returns the retry attempt recorded in headers, 0 if absent
func RetryAttempt(headers amqp.Table) int {
	switch v := headers[HeaderRetryAttempt].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}

// retryCopy builds the publishing that re-enqueues d for attempt
func retryCopy(d amqp.Delivery, attempt int) amqp.Publishing {
	headers := make(amqp.Table, len(d.Headers)+1)
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderRetryAttempt] = int32(attempt)

	return amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		UserId:          d.UserId,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}
