package interceptors

import (
	"context"
	"fmt"
	"reflect"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/dispatch-go/messaging"
)

// MessageFilter defines the interface for message filtering
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, d amqp.Delivery) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, d amqp.Delivery) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, d amqp.Delivery) (bool, error) {
	return f(ctx, d)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipAck acknowledges the message without handling it
	SkipAck SkipBehavior = iota
	// SkipReject discards the message
	SkipReject
)

// FilteringInterceptor filters messages based on conditions
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
	}
}

// Intercept implements Interceptor. Filter errors are returned as is and
// therefore retried.
func (i *FilteringInterceptor) Intercept(ctx context.Context, d amqp.Delivery, next messaging.MessageHandler) ([]messaging.HandlerResult, error) {
	shouldProcess, err := i.filter.ShouldProcess(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		if i.skipBehavior == SkipReject {
			return nil, messaging.Rejectf("message filtered: id=%s, routingKey=%s", d.MessageId, d.RoutingKey)
		}
		return nil, nil
	}

	return next.Handle(ctx, d)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter passes a message only if every filter passes it
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a filter requiring all filters
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *CompositeFilter) ShouldProcess(ctx context.Context, d amqp.Delivery) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, d)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// OrFilter passes a message if any filter passes it
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a filter requiring any filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *OrFilter) ShouldProcess(ctx context.Context, d amqp.Delivery) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, d)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// RoutingKeyFilter passes messages published with one of the given routing keys
type RoutingKeyFilter struct {
	keys map[string]bool
}

// NewRoutingKeyFilter creates a routing key filter
func NewRoutingKeyFilter(keys ...string) *RoutingKeyFilter {
	f := &RoutingKeyFilter{keys: make(map[string]bool, len(keys))}
	for _, k := range keys {
		f.keys[k] = true
	}
	return f
}

// ShouldProcess implements MessageFilter
func (f *RoutingKeyFilter) ShouldProcess(ctx context.Context, d amqp.Delivery) (bool, error) {
	return f.keys[d.RoutingKey], nil
}

// HeaderFilter passes messages whose header equals the expected value
type HeaderFilter struct {
	header   string
	expected interface{}
}

// NewHeaderFilter creates a header filter
func NewHeaderFilter(header string, expected interface{}) *HeaderFilter {
	return &HeaderFilter{header: header, expected: expected}
}

// ShouldProcess implements MessageFilter
func (f *HeaderFilter) ShouldProcess(ctx context.Context, d amqp.Delivery) (bool, error) {
	v, ok := d.Headers[f.header]
	if !ok {
		return false, nil
	}
	return reflect.DeepEqual(v, f.expected), nil
}
