// Package messaging is the handler side of dispatch.
//
// This package implements:
//   - HandlerRegistry: one MessageHandler per queue, sealed once the broker is set up
//   - MessageSubscriber: runs handlers and settles each delivery (ack, retry or discard)
//   - MessagePublisher: confirmed, persistent publishing with correlation headers
//   - Broker: the broker session both of them drive
//
// A handler that fails with an error is retried: after the subscription's
// retry delay a copy of the message is published to the tail of its queue with
// an incremented x-retry-attempt header and the original is acknowledged. Once
// the attempt limit is reached the message is nacked without requeue. Errors
// wrapped with Reject skip the retries.
//
// Example usage:
//
//	registry := messaging.NewHandlerRegistry()
//	err := registry.Add("orders", messaging.MessageHandlerFunc(
//		func(ctx context.Context, d amqp.Delivery) ([]messaging.HandlerResult, error) {
//			var order Order
//			if err := json.Unmarshal(d.Body, &order); err != nil {
//				return nil, messaging.Reject(err)
//			}
//			return []messaging.HandlerResult{
//				{Exchange: "events", Key: "order.created", Payload: order},
//			}, nil
//		}), nil)
package messaging
