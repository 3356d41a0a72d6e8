package messaging

import (
	"fmt"
	"sync"

	"github.com/glimte/dispatch-go/topology"
)

type registration struct {
	handler  MessageHandler
	override *topology.SubscriptionOverride
}

// HandlerRegistry maps queue names to their handler. At most one handler is
// registered per queue. The registry is sealed when the broker is set up and
// is read-only from then on.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]registration
	order    []string
	sealed   bool
}

// NewHandlerRegistry creates an empty registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]registration),
	}
}

// Add registers handler for queue. override may be nil.
func (r *HandlerRegistry) Add(queue string, handler MessageHandler, override *topology.SubscriptionOverride) error {
	if queue == "" {
		return fmt.Errorf("%w: queue name cannot be empty", ErrInvalidHandler)
	}
	if handler == nil {
		return fmt.Errorf("%w: handler for queue %s cannot be nil", ErrInvalidHandler, queue)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("%w: cannot add handler for queue %s", ErrRegistrySealed, queue)
	}
	if _, exists := r.handlers[queue]; exists {
		return fmt.Errorf("%w: %s", ErrQueueAlreadySubscribed, queue)
	}

	if override != nil {
		o := *override
		override = &o
	}
	r.handlers[queue] = registration{handler: handler, override: override}
	r.order = append(r.order, queue)

	return nil
}

// Seal makes the registry read-only
func (r *HandlerRegistry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal was called
func (r *HandlerRegistry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Handler returns the handler registered for queue
func (r *HandlerRegistry) Handler(queue string) (MessageHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[queue]
	return reg.handler, ok
}

// Queues returns the registered queues in registration order
func (r *HandlerRegistry) Queues() []topology.Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()

	queues := make([]topology.Queue, 0, len(r.order))
	for _, name := range r.order {
		queues = append(queues, topology.Queue{
			Name:     name,
			Override: r.handlers[name].override,
		})
	}
	return queues
}

// Len returns the number of registered handlers
func (r *HandlerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
