package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"github.com/glimte/dispatch-go/internal/reliability"
)

func TestMessageHandlerFunc(t *testing.T) {
	t.Run("calls the function", func(t *testing.T) {
		handler := MessageHandlerFunc(func(ctx context.Context, d amqp.Delivery) ([]HandlerResult, error) {
			return []HandlerResult{{Exchange: "events", Payload: string(d.Body)}}, nil
		})

		results, err := handler.Handle(context.Background(), amqp.Delivery{Body: []byte("hi")})

		assert.NoError(t, err)
		assert.Equal(t, []HandlerResult{{Exchange: "events", Payload: "hi"}}, results)
	})
}

func TestReject(t *testing.T) {
	t.Run("wraps the cause", func(t *testing.T) {
		cause := errors.New("malformed payload")
		err := Reject(cause)

		assert.True(t, IsRejected(err))
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "message rejected: malformed payload", err.Error())
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, Reject(nil))
	})

	t.Run("is recognised through wrapping", func(t *testing.T) {
		err := fmt.Errorf("order handler: %w", Rejectf("unknown currency %q", "XYZ"))

		assert.True(t, IsRejected(err))
		assert.False(t, reliability.IsRetryable(err))
		assert.Contains(t, err.Error(), `unknown currency "XYZ"`)
	})

	t.Run("plain errors are not rejections", func(t *testing.T) {
		err := errors.New("database unavailable")

		assert.False(t, IsRejected(err))
		assert.True(t, reliability.IsRetryable(err))
	})
}
