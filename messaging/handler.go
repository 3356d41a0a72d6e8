package messaging

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HandlerResult is a message a handler wants published once its own message
// was processed. Results with an empty payload are skipped.
type HandlerResult struct {
	Exchange string
	Key      string
	Payload  interface{}
	Headers  map[string]interface{}
}

// MessageHandler processes one delivered message. It is invoked once per
// delivery and may return messages to publish before the delivery is
// acknowledged. Returning an error wrapped with Reject discards the delivery;
// any other error schedules a retry.
type MessageHandler interface {
	Handle(ctx context.Context, delivery amqp.Delivery) ([]HandlerResult, error)
}

// MessageHandlerFunc adapts a function to MessageHandler
type MessageHandlerFunc func(ctx context.Context, delivery amqp.Delivery) ([]HandlerResult, error)

// Handle calls f
func (f MessageHandlerFunc) Handle(ctx context.Context, delivery amqp.Delivery) ([]HandlerResult, error) {
	return f(ctx, delivery)
}

// RejectError marks a message as unprocessable. It is nacked without requeue
// and never retried.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("message rejected: %s", e.Reason)
	case e.Reason == "":
		return fmt.Sprintf("message rejected: %v", e.Err)
	default:
		return fmt.Sprintf("message rejected: %s: %v", e.Reason, e.Err)
	}
}

func (e *RejectError) Unwrap() error {
	return e.Err
}

// IsRetryable is always false for a rejected message
func (e *RejectError) IsRetryable() bool {
	return false
}

// Reject wraps err so that the delivery is discarded instead of retried
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &RejectError{Err: err}
}

// Rejectf creates a RejectError with a formatted reason
func Rejectf(format string, args ...interface{}) error {
	return &RejectError{Reason: fmt.Sprintf(format, args...)}
}

// IsRejected reports whether err asks for the delivery to be discarded
func IsRejected(err error) bool {
	var rejectErr *RejectError
	return errors.As(err, &rejectErr)
}
