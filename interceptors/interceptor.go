package interceptors

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/dispatch-go/messaging"
)

// Interceptor runs around a message handler
type Interceptor interface {
	// Intercept processes a delivery and calls the next handler in the chain
	Intercept(ctx context.Context, d amqp.Delivery, next messaging.MessageHandler) ([]messaging.HandlerResult, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, d amqp.Delivery, next messaging.MessageHandler) ([]messaging.HandlerResult, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, d amqp.Delivery, next messaging.MessageHandler) ([]messaging.HandlerResult, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, d amqp.Delivery, next messaging.MessageHandler) ([]messaging.HandlerResult, error) {
	return i.fn(ctx, d, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(interceptors ...Interceptor) *InterceptorChain {
	return &InterceptorChain{interceptors: interceptors}
}

// Add adds an interceptor to the end of the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// SettleObservers returns the interceptors that want to see delivery
// outcomes, in chain order
func (c *InterceptorChain) SettleObservers() []messaging.SettleObserver {
	var observers []messaging.SettleObserver
	for _, i := range c.interceptors {
		if o, ok := i.(messaging.SettleObserver); ok {
			observers = append(observers, o)
		}
	}
	return observers
}

// Then wraps handler so that the interceptors run in the order they were
// added, handler last
func (c *InterceptorChain) Then(handler messaging.MessageHandler) messaging.MessageHandler {
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = messaging.MessageHandlerFunc(func(ctx context.Context, d amqp.Delivery) ([]messaging.HandlerResult, error) {
			return interceptor.Intercept(ctx, d, next)
		})
	}
	return handler
}

// LoggingInterceptor logs message processing with timing information
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, d amqp.Delivery, next messaging.MessageHandler) ([]messaging.HandlerResult, error) {
	start := time.Now()

	i.logger.DebugContext(ctx, "handling message",
		"messageId", d.MessageId,
		"routingKey", d.RoutingKey,
		"redelivered", d.Redelivered,
	)

	results, err := next.Handle(ctx, d)
	duration := time.Since(start)

	if err != nil {
		i.logger.WarnContext(ctx, "handler failed",
			"messageId", d.MessageId,
			"duration", duration,
			"rejected", messaging.IsRejected(err),
			"error", err,
		)
	} else {
		i.logger.DebugContext(ctx, "handler succeeded",
			"messageId", d.MessageId,
			"duration", duration,
			"results", len(results),
		)
	}

	return results, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MessageValidator validates a delivery before it is handled
type MessageValidator interface {
	Validate(ctx context.Context, d amqp.Delivery) error
}

// MessageValidatorFunc is a function adapter for MessageValidator
type MessageValidatorFunc func(ctx context.Context, d amqp.Delivery) error

// Validate implements MessageValidator
func (f MessageValidatorFunc) Validate(ctx context.Context, d amqp.Delivery) error {
	return f(ctx, d)
}

// ValidationInterceptor rejects invalid messages. An invalid message never
// becomes valid, so it is not retried.
type ValidationInterceptor struct {
	validator MessageValidator
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator MessageValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, d amqp.Delivery, next messaging.MessageHandler) ([]messaging.HandlerResult, error) {
	if err := i.validator.Validate(ctx, d); err != nil {
		return nil, messaging.Reject(err)
	}
	return next.Handle(ctx, d)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}
