package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/dispatch-go/correlation"
	"github.com/glimte/dispatch-go/internal/reliability"
	"github.com/glimte/dispatch-go/topology"
)

// Content types assigned by payload encoding
const (
	ContentTypeJSON   = "application/json"
	ContentTypeText   = "text/plain"
	ContentTypeBinary = "application/octet-stream"
)

// MessagePublisher turns (exchange, routing key, payload) into a confirmed,
// persistent publish carrying the correlation headers of the current context
type MessagePublisher struct {
	broker  Broker
	vhost   string
	logger  *slog.Logger
	metrics MetricsCollector
	tracing tracing
}

// PublisherOption configures the MessagePublisher
type PublisherOption func(*MessagePublisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *MessagePublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPublisherVhost sets the virtual host publication keys are derived in
func WithPublisherVhost(vhost string) PublisherOption {
	return func(p *MessagePublisher) {
		p.vhost = vhost
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(metrics MetricsCollector) PublisherOption {
	return func(p *MessagePublisher) {
		if metrics != nil {
			p.metrics = metrics
		}
	}
}

// WithPublisherTracerProvider sets the tracer provider for producer spans
func WithPublisherTracerProvider(provider trace.TracerProvider) PublisherOption {
	return func(p *MessagePublisher) {
		p.tracing = newTracing(provider)
	}
}

// NewMessagePublisher creates a new message publisher
func NewMessagePublisher(broker Broker, options ...PublisherOption) *MessagePublisher {
	p := &MessagePublisher{
		broker:  broker,
		vhost:   topology.DefaultVhost,
		logger:  slog.Default(),
		metrics: &NoOpMetricsCollector{},
		tracing: newTracing(nil),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishOptions configures a single publish
type PublishOptions struct {
	MessageID  string
	Headers    map[string]interface{}
	Expiration time.Duration
	Priority   uint8
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithMessageID sets the message id instead of generating one
func WithMessageID(id string) PublishOption {
	return func(opts *PublishOptions) {
		opts.MessageID = id
	}
}

// WithHeaders adds message headers. Correlation headers always take
// precedence.
func WithHeaders(headers map[string]interface{}) PublishOption {
	return func(opts *PublishOptions) {
		if len(headers) == 0 {
			return
		}
		if opts.Headers == nil {
			opts.Headers = make(map[string]interface{}, len(headers))
		}
		for k, v := range headers {
			opts.Headers[k] = v
		}
	}
}

// WithTTL sets the message expiration
func WithTTL(ttl time.Duration) PublishOption {
	return func(opts *PublishOptions) {
		opts.Expiration = ttl
	}
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return func(opts *PublishOptions) {
		opts.Priority = priority
	}
}

// Publish publishes payload to exchange with routing key key and waits for
// the broker's confirmation. The publish runs under a correlation context
// derived from the current one: same correlation id, the current message id
// as causation id and the new message id.
func (p *MessagePublisher) Publish(ctx context.Context, exchange, key string, payload interface{}, options ...PublishOption) error {
	var opts PublishOptions
	for _, opt := range options {
		opt(&opts)
	}

	messageID := opts.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	current, _ := correlation.Current(ctx)
	cc := correlation.Derive(current, messageID)
	ctx = correlation.WithContext(ctx, cc)

	body, contentType, err := encodePayload(payload)
	if err != nil {
		return reliability.Permanent(fmt.Errorf("failed to encode payload for %s/%s: %w", exchange, key, err))
	}

	headers := amqp.Table{}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	for k, v := range cc.Headers() {
		headers[k] = v
	}

	publication := topology.PublicationKey(p.vhost, topology.Target{Exchange: exchange, Key: key})

	ctx, span := p.tracing.startPublish(ctx, exchange, key, messageID, headers)

	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		Priority:     opts.Priority,
		MessageId:    messageID,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if opts.Expiration > 0 {
		msg.Expiration = strconv.FormatInt(opts.Expiration.Milliseconds(), 10)
	}

	start := time.Now()
	err = p.broker.Publish(ctx, publication, msg)
	p.metrics.RecordPublish(publication, time.Since(start), err)
	endSpan(span, err)

	if err != nil {
		p.logger.ErrorContext(ctx, "failed to publish message",
			"publication", publication,
			"exchange", exchange,
			"routingKey", key,
			"messageId", messageID,
			"error", err,
		)
		return err
	}

	p.logger.DebugContext(ctx, "message published",
		"publication", publication,
		"messageId", messageID,
		"duration", time.Since(start),
	)

	return nil
}

// encodePayload encodes raw bytes as is, strings as text and everything else
// as JSON
func encodePayload(payload interface{}) ([]byte, string, error) {
	switch v := payload.(type) {
	case nil:
		return nil, "", nil
	case json.RawMessage:
		return v, ContentTypeJSON, nil
	case []byte:
		return v, ContentTypeBinary, nil
	case string:
		return []byte(v), ContentTypeText, nil
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return body, ContentTypeJSON, nil
	}
}

// isEmptyPayload reports whether a handler result has nothing to publish
func isEmptyPayload(payload interface{}) bool {
	switch v := payload.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []byte:
		return len(v) == 0
	case json.RawMessage:
		return len(v) == 0
	default:
		return false
	}
}
