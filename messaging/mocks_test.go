package messaging

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"

	"github.com/glimte/dispatch-go/correlation"
)

// mockAcknowledger observes Ack/Nack calls made on an amqp.Delivery
type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

type publishCall struct {
	key string
	msg amqp.Publishing
	cc  correlation.Context
}

// fakeBroker records publishes and hands out the registered delivery handlers
type fakeBroker struct {
	mu           sync.Mutex
	published    []publishCall
	republished  []publishCall
	publishErr   error
	republishErr error
	subscribeErr error
	onPublish    func(key string, msg amqp.Publishing)
	handlers     map[string]DeliveryHandler
	shutdowns    int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]DeliveryHandler)}
}

func (b *fakeBroker) Publish(ctx context.Context, publication string, msg amqp.Publishing) error {
	if b.onPublish != nil {
		b.onPublish(publication, msg)
	}
	cc, _ := correlation.Current(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, publishCall{key: publication, msg: msg, cc: cc})
	return nil
}

func (b *fakeBroker) Republish(ctx context.Context, queue string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.republishErr != nil {
		return b.republishErr
	}
	b.republished = append(b.republished, publishCall{key: queue, msg: msg})
	return nil
}

func (b *fakeBroker) Subscribe(ctx context.Context, subscription string, handler DeliveryHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return b.subscribeErr
	}
	b.handlers[subscription] = handler
	return nil
}

func (b *fakeBroker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdowns++
	return nil
}

func (b *fakeBroker) Published() []publishCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishCall(nil), b.published...)
}

func (b *fakeBroker) Republished() []publishCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishCall(nil), b.republished...)
}

// asDelivery turns a republished message back into the delivery the broker
// would hand out for it
func asDelivery(msg amqp.Publishing, queue string, ack amqp.Acknowledger, tag uint64) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		Headers:      msg.Headers,
		ContentType:  msg.ContentType,
		DeliveryMode: msg.DeliveryMode,
		MessageId:    msg.MessageId,
		DeliveryTag:  tag,
		RoutingKey:   queue,
		Body:         msg.Body,
	}
}
