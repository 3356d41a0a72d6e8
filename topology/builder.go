package topology

import "time"

// Builder defaults
const (
	DefaultVhost         = "/"
	DefaultPrefetch      = 5
	DefaultRetryDelay    = 10 * time.Second
	DefaultRetryAttempts = 5
)

// Queue is a queue with a registered handler
type Queue struct {
	Name     string
	Override *SubscriptionOverride
}

// Builder derives a BrokerConfig from registered queues and publication
// targets. Build has no side effects.
type Builder struct {
	vhost    string
	prefetch int
	autoAck  bool
	retry    RetryConfig
	pool     PoolConfig
}

// BuilderOption configures a Builder
type BuilderOption func(*Builder)

// WithVhost sets the virtual host every key is prefixed with
func WithVhost(vhost string) BuilderOption {
	return func(b *Builder) {
		b.vhost = vhost
	}
}

// WithPrefetch sets the default prefetch count
func WithPrefetch(prefetch int) BuilderOption {
	return func(b *Builder) {
		if prefetch > 0 {
			b.prefetch = prefetch
		}
	}
}

// WithAutoAck sets the default acknowledgment mode
func WithAutoAck(autoAck bool) BuilderOption {
	return func(b *Builder) {
		b.autoAck = autoAck
	}
}

// WithRetry sets the default retry delay and attempt limit. Non-positive
// values keep the defaults.
func WithRetry(delay time.Duration, attempts int) BuilderOption {
	return func(b *Builder) {
		if delay > 0 {
			b.retry.Delay = delay
		}
		if attempts > 0 {
			b.retry.Attempts = attempts
		}
	}
}

// WithConfirmPool sets the confirm channel pool
func WithConfirmPool(pool PoolConfig) BuilderOption {
	return func(b *Builder) {
		b.pool = pool
	}
}

// NewBuilder creates a builder with the default settings
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		vhost:    DefaultVhost,
		prefetch: DefaultPrefetch,
		retry: RetryConfig{
			Delay:    DefaultRetryDelay,
			Attempts: DefaultRetryAttempts,
		},
		pool: DefaultPoolConfig(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build maps queues and targets to a broker configuration. Queues and
// exchanges are checked, never asserted. Equal input gives deep-equal output.
func (b *Builder) Build(queues []Queue, targets []Target) BrokerConfig {
	cfg := BrokerConfig{
		Vhost:         b.vhost,
		Queues:        make(map[string]Entity, len(queues)),
		Exchanges:     make(map[string]Entity, len(targets)),
		Subscriptions: make(map[string]Subscription, len(queues)),
		Publications:  make(map[string]Publication, len(targets)),
		ConfirmPool:   b.pool,
	}

	for _, q := range queues {
		cfg.Queues[q.Name] = Entity{Assert: false, Check: true}
		cfg.Subscriptions[SubscriptionKey(b.vhost, q.Name)] = b.subscription(q)
	}

	for _, t := range targets {
		cfg.Exchanges[t.Exchange] = Entity{Assert: false, Check: true}
		cfg.Publications[PublicationKey(b.vhost, t)] = Publication{
			Vhost:      b.vhost,
			Exchange:   t.Exchange,
			RoutingKey: t.Key,
			Confirm:    true,
		}
	}

	return cfg
}

func (b *Builder) subscription(q Queue) Subscription {
	sub := Subscription{
		Vhost:    b.vhost,
		Queue:    q.Name,
		Prefetch: b.prefetch,
		AutoAck:  b.autoAck,
		Retry:    b.retry,
	}
	if o := q.Override; o != nil {
		if o.Prefetch > 0 {
			sub.Prefetch = o.Prefetch
		}
		if o.RetryDelay > 0 {
			sub.Retry.Delay = o.RetryDelay
		}
		if o.RetryAttempts > 0 {
			sub.Retry.Attempts = o.RetryAttempts
		}
		if o.AutoAck != nil {
			sub.AutoAck = *o.AutoAck
		}
	}
	return sub
}

// SubscriptionKey returns the subscription name of queue in vhost
func SubscriptionKey(vhost, queue string) string {
	return vhost + queue
}

// PublicationKey returns the publication name of target in vhost
func PublicationKey(vhost string, target Target) string {
	if target.Key == "" {
		return vhost + target.Exchange
	}
	return vhost + target.Exchange + "/" + target.Key
}
