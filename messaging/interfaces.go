package messaging

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler receives one delivery from a broker subscription and owns
// its acknowledgment
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// Broker is the broker session the subscription runtime and the publisher
// drive. Names are the keys of the broker configuration.
type Broker interface {
	// Publish publishes msg through a configured publication and waits for
	// the broker to confirm it
	Publish(ctx context.Context, publication string, msg amqp.Publishing) error

	// Republish publishes msg to the tail of queue through the default exchange
	Republish(ctx context.Context, queue string, msg amqp.Publishing) error

	// Subscribe starts delivering the messages of a configured subscription
	Subscribe(ctx context.Context, subscription string, handler DeliveryHandler) error

	// Shutdown stops all subscriptions and closes the connection
	Shutdown(ctx context.Context) error
}

// Delivery outcomes reported to the MetricsCollector
const (
	OutcomeAcked       = "acked"
	OutcomeAutoAcked   = "auto_acked"
	OutcomeRepublished = "republished"
	OutcomeRequeued    = "requeued"
	OutcomeDiscarded   = "discarded"
)

// SettleObserver is told the outcome of every delivery once it has been
// acknowledged, republished or discarded. Handler results are published by then.
type SettleObserver interface {
	Settled(ctx context.Context, d amqp.Delivery, outcome string) error
}

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordMessage records the outcome and handling time of a delivery
	RecordMessage(queue, outcome string, duration time.Duration)

	// RecordPublish records the result of a publish
	RecordPublish(publication string, duration time.Duration, err error)

	// RecordRetry records that a delivery was scheduled for another attempt
	RecordRetry(queue string, attempt int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordMessage does nothing
func (n *NoOpMetricsCollector) RecordMessage(queue, outcome string, duration time.Duration) {}

// RecordPublish does nothing
func (n *NoOpMetricsCollector) RecordPublish(publication string, duration time.Duration, err error) {}

// RecordRetry does nothing
func (n *NoOpMetricsCollector) RecordRetry(queue string, attempt int) {}
