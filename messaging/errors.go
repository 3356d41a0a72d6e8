package messaging

import "errors"

var (
	// ErrQueueAlreadySubscribed is returned when a second handler is added for a queue
	ErrQueueAlreadySubscribed = errors.New("queue already subscribed")
	// ErrRegistrySealed is returned when a handler is added after the broker was set up
	ErrRegistrySealed = errors.New("handler registry is sealed")
	// ErrInvalidHandler is returned for a nil handler or an empty queue name
	ErrInvalidHandler = errors.New("invalid handler registration")
	// ErrMessageReturned is returned when the broker could not route a published message
	ErrMessageReturned = errors.New("message was returned")
	// ErrUnknownPublication is returned for a publish to a target missing from the broker configuration
	ErrUnknownPublication = errors.New("unknown publication")
	// ErrUnknownSubscription is returned when subscribing to a queue missing from the broker configuration
	ErrUnknownSubscription = errors.New("unknown subscription")
)
