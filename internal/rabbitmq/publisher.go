package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages on confirm-mode channels taken from a pool.
// Every publish ends in exactly one outcome: confirmed, returned, nacked or
// failed.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirmation when the
// caller's context has no deadline
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes msg and waits for its outcome. Unroutable mandatory
// messages fail with ErrMessageReturned, negative confirms with
// ErrPublishNacked.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.confirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()
	}

	fail := func(err error) error {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			MessageID:  msg.MessageId,
			Mandatory:  mandatory,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return fail(err)
	}

	ch.drainReturns()

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, mandatory, false, msg)
	if err != nil {
		p.pool.Discard(ch)
		return fail(fmt.Errorf("failed to publish: %w", err))
	}

	// channel not in confirm mode
	if confirmation == nil {
		p.pool.Put(ch)
		return nil
	}

	err = awaitOutcome(ctx, confirmation, ch.returns, ch.closes)
	if err != nil {
		p.logger.Debug("publish failed",
			"exchange", exchange,
			"routingKey", routingKey,
			"messageId", msg.MessageId,
			"channelId", ch.id,
			"error", err)
	}

	// a channel whose confirm is still outstanding cannot be reused
	select {
	case <-confirmation.Done():
		p.pool.Put(ch)
	default:
		p.pool.Discard(ch)
	}

	if err == nil {
		return nil
	}

	var returned *returnedError
	if errors.As(err, &returned) {
		pubErr := fail(ErrMessageReturned).(*PublishError)
		pubErr.ReplyCode = returned.ret.ReplyCode
		pubErr.ReplyText = returned.ret.ReplyText
		return pubErr
	}
	return fail(err)
}

// Close is a no-op; the pool is owned by the caller
func (p *Publisher) Close() error {
	return nil
}

// confirmation is the part of *amqp.DeferredConfirmation awaitOutcome needs
type confirmation interface {
	Done() <-chan struct{}
	Acked() bool
}

type returnedError struct {
	ret amqp.Return
}

func (e *returnedError) Error() string {
	return fmt.Sprintf("message returned: %d %s", e.ret.ReplyCode, e.ret.ReplyText)
}

// awaitOutcome resolves one publish from the broker signals. The broker sends
// basic.return before the confirm of the same message, so a return observed
// by the time the confirm arrives wins.
func awaitOutcome(ctx context.Context, c confirmation, returns <-chan amqp.Return, closes <-chan *amqp.Error) error {
	select {
	case <-c.Done():
		select {
		case ret, ok := <-returns:
			if ok {
				return &returnedError{ret: ret}
			}
		default:
		}
		if c.Acked() {
			return nil
		}
		select {
		case closeErr, ok := <-closes:
			if ok && closeErr != nil {
				return fmt.Errorf("%w: %v", ErrChannelClosed, closeErr)
			}
			return ErrChannelClosed
		default:
		}
		return ErrPublishNacked

	case ret, ok := <-returns:
		if !ok {
			return ErrChannelClosed
		}
		// keep the channel reusable by letting its confirm arrive
		select {
		case <-c.Done():
		case <-ctx.Done():
		}
		return &returnedError{ret: ret}

	case closeErr, ok := <-closes:
		if ok && closeErr != nil {
			return fmt.Errorf("%w: %v", ErrChannelClosed, closeErr)
		}
		return ErrChannelClosed

	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrPublishNotConfirmed, ctx.Err())
	}
}
