package main

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/dispatch-go/messaging"
	"github.com/glimte/dispatch-go/topology"
)

// HeaderSource names the queue a relayed message was consumed from
const HeaderSource = "x-source"

// relay forwards the body of every delivery to target, keeping its content
// type. Empty messages are acknowledged without a publish.
func relay(target topology.Target) messaging.MessageHandler {
	return messaging.MessageHandlerFunc(func(ctx context.Context, d amqp.Delivery) ([]messaging.HandlerResult, error) {
		if len(d.Body) == 0 {
			return nil, nil
		}

		var payload interface{}
		switch d.ContentType {
		case "application/json":
			if !json.Valid(d.Body) {
				return nil, messaging.Rejectf("invalid json body")
			}
			payload = json.RawMessage(d.Body)
		case "text/plain":
			payload = string(d.Body)
		default:
			payload = d.Body
		}

		return []messaging.HandlerResult{{
			Exchange: target.Exchange,
			Key:      target.Key,
			Payload:  payload,
			Headers:  map[string]interface{}{HeaderSource: d.RoutingKey},
		}}, nil
	})
}
