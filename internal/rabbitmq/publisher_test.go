package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfirmation struct {
	done  chan struct{}
	acked bool
}

func newFakeConfirmation() *fakeConfirmation {
	return &fakeConfirmation{done: make(chan struct{})}
}

func (f *fakeConfirmation) resolve(acked bool) {
	f.acked = acked
	close(f.done)
}

func (f *fakeConfirmation) Done() <-chan struct{} { return f.done }
func (f *fakeConfirmation) Acked() bool           { return f.acked }

func TestPublisher(t *testing.T) {
	t.Run("NewPublisher creates with defaults", func(t *testing.T) {
		pool := &ChannelPool{}
		publisher := NewPublisher(pool)

		assert.Equal(t, pool, publisher.pool)
		assert.Equal(t, 30*time.Second, publisher.confirmTimeout)
		assert.NotNil(t, publisher.logger)
	})

	t.Run("NewPublisher applies options", func(t *testing.T) {
		publisher := NewPublisher(&ChannelPool{}, WithConfirmTimeout(3*time.Second))
		assert.Equal(t, 3*time.Second, publisher.confirmTimeout)
	})

	t.Run("Publish on a closed pool fails with a PublishError", func(t *testing.T) {
		publisher := NewPublisher(&ChannelPool{closed: true})

		err := publisher.Publish(context.Background(), "events", "order.created", true, amqp.Publishing{MessageId: "m-1"})

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "events", pubErr.Exchange)
		assert.Equal(t, "order.created", pubErr.RoutingKey)
		assert.Equal(t, "m-1", pubErr.MessageID)
		assert.True(t, pubErr.Mandatory)
		assert.ErrorIs(t, err, ErrChannelPoolClosed)
	})
}

func TestAwaitOutcome(t *testing.T) {
	ctx := context.Background()

	t.Run("confirmed publish succeeds", func(t *testing.T) {
		c := newFakeConfirmation()
		c.resolve(true)

		err := awaitOutcome(ctx, c, make(chan amqp.Return, 1), make(chan *amqp.Error, 1))
		assert.NoError(t, err)
	})

	t.Run("negative confirm fails", func(t *testing.T) {
		c := newFakeConfirmation()
		c.resolve(false)

		err := awaitOutcome(ctx, c, make(chan amqp.Return, 1), make(chan *amqp.Error, 1))
		assert.ErrorIs(t, err, ErrPublishNacked)
	})

	t.Run("return observed with the confirm wins", func(t *testing.T) {
		c := newFakeConfirmation()
		returns := make(chan amqp.Return, 1)
		returns <- amqp.Return{ReplyCode: 312, ReplyText: "NO_ROUTE"}
		c.resolve(true)

		err := awaitOutcome(ctx, c, returns, make(chan *amqp.Error, 1))

		var returned *returnedError
		require.ErrorAs(t, err, &returned)
		assert.Equal(t, uint16(312), returned.ret.ReplyCode)
	})

	t.Run("return before the confirm waits for the confirm", func(t *testing.T) {
		c := newFakeConfirmation()
		returns := make(chan amqp.Return, 1)
		returns <- amqp.Return{ReplyCode: 312, ReplyText: "NO_ROUTE"}

		go func() {
			time.Sleep(10 * time.Millisecond)
			c.resolve(true)
		}()

		err := awaitOutcome(ctx, c, returns, make(chan *amqp.Error, 1))

		var returned *returnedError
		assert.ErrorAs(t, err, &returned)
		select {
		case <-c.Done():
		default:
			t.Fatal("confirmation should have arrived")
		}
	})

	t.Run("closed channel fails the publish", func(t *testing.T) {
		c := newFakeConfirmation()
		closes := make(chan *amqp.Error, 1)
		closes <- &amqp.Error{Code: amqp.ChannelError, Reason: "NOT_FOUND"}

		err := awaitOutcome(ctx, c, make(chan amqp.Return, 1), closes)
		assert.ErrorIs(t, err, ErrChannelClosed)
		assert.Contains(t, err.Error(), "NOT_FOUND")
	})

	t.Run("channel shutdown nacks outstanding confirms as closed", func(t *testing.T) {
		c := newFakeConfirmation()
		returns := make(chan amqp.Return, 1)
		closes := make(chan *amqp.Error, 1)
		closes <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "shutdown"}
		close(returns)
		c.resolve(false)

		err := awaitOutcome(ctx, c, returns, closes)
		assert.ErrorIs(t, err, ErrChannelClosed)
	})

	t.Run("context expiry leaves the publish unconfirmed", func(t *testing.T) {
		c := newFakeConfirmation()
		timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()

		err := awaitOutcome(timeout, c, make(chan amqp.Return, 1), make(chan *amqp.Error, 1))
		assert.ErrorIs(t, err, ErrPublishNotConfirmed)
		assert.False(t, errors.Is(err, ErrPublishNacked))
	})
}
