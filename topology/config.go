package topology

import (
	"errors"
	"fmt"
	"time"
)

// Target is a logical publication destination
type Target struct {
	Exchange string `yaml:"exchange" json:"exchange"`
	Key      string `yaml:"key,omitempty" json:"key,omitempty"`
}

// SubscriptionOverride tunes a single queue subscription. Zero values fall
// back to the builder defaults.
type SubscriptionOverride struct {
	Prefetch      int           `yaml:"prefetch,omitempty" json:"prefetch,omitempty"`
	RetryDelay    time.Duration `yaml:"retryDelay,omitempty" json:"retryDelay,omitempty"`
	RetryAttempts int           `yaml:"retryAttempts,omitempty" json:"retryAttempts,omitempty"`
	AutoAck       *bool         `yaml:"autoAck,omitempty" json:"autoAck,omitempty"`
}

// Entity marks a queue or exchange the running system depends on
type Entity struct {
	Assert bool `yaml:"assert" json:"assert"`
	Check  bool `yaml:"check" json:"check"`
}

// RetryConfig bounds the republish-with-delay strategy of a subscription
type RetryConfig struct {
	Delay    time.Duration `yaml:"delay" json:"delay"`
	Attempts int           `yaml:"attempts" json:"attempts"`
}

// Subscription describes the consumption of one queue
type Subscription struct {
	Vhost    string      `yaml:"vhost" json:"vhost"`
	Queue    string      `yaml:"queue" json:"queue"`
	Prefetch int         `yaml:"prefetch" json:"prefetch"`
	AutoAck  bool        `yaml:"autoAck" json:"autoAck"`
	Retry    RetryConfig `yaml:"retry" json:"retry"`
}

// Publication describes a confirmed publish destination
type Publication struct {
	Vhost      string `yaml:"vhost" json:"vhost"`
	Exchange   string `yaml:"exchange" json:"exchange"`
	RoutingKey string `yaml:"routingKey,omitempty" json:"routingKey,omitempty"`
	Confirm    bool   `yaml:"confirm" json:"confirm"`
}

// PoolConfig sizes the channel pool used for confirmed publications
type PoolConfig struct {
	Min                 int           `yaml:"min" json:"min"`
	Max                 int           `yaml:"max" json:"max"`
	EvictionRunInterval time.Duration `yaml:"evictionRunInterval" json:"evictionRunInterval"`
	IdleTimeout         time.Duration `yaml:"idleTimeout" json:"idleTimeout"`
	Autostart           bool          `yaml:"autostart" json:"autostart"`
}

// DefaultPoolConfig returns the confirm pool settings used when none are given
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Min:                 10,
		Max:                 20,
		EvictionRunInterval: time.Second,
		IdleTimeout:         30 * time.Second,
	}
}

// BrokerConfig is the declarative topology of one broker session.
// It is derived by Builder.Build and never mutated afterwards.
type BrokerConfig struct {
	Vhost         string                  `yaml:"vhost" json:"vhost"`
	Queues        map[string]Entity       `yaml:"queues" json:"queues"`
	Exchanges     map[string]Entity       `yaml:"exchanges" json:"exchanges"`
	Subscriptions map[string]Subscription `yaml:"subscriptions" json:"subscriptions"`
	Publications  map[string]Publication  `yaml:"publications" json:"publications"`
	ConfirmPool   PoolConfig              `yaml:"confirmPool" json:"confirmPool"`
}

// Validation errors
var (
	ErrEmptyQueueName    = errors.New("topology: empty queue name")
	ErrEmptyExchangeName = errors.New("topology: empty exchange name")
	ErrInvalidPool       = errors.New("topology: invalid channel pool size")
)

// Validate checks that every entry is usable
func (c BrokerConfig) Validate() error {
	var errs []error
	for name := range c.Queues {
		if name == "" {
			errs = append(errs, ErrEmptyQueueName)
		}
	}
	for key, sub := range c.Subscriptions {
		if sub.Queue == "" {
			errs = append(errs, fmt.Errorf("subscription %q: %w", key, ErrEmptyQueueName))
		}
		if sub.Prefetch < 0 {
			errs = append(errs, fmt.Errorf("subscription %q: negative prefetch %d", key, sub.Prefetch))
		}
		if sub.Retry.Attempts < 0 {
			errs = append(errs, fmt.Errorf("subscription %q: negative retry attempts %d", key, sub.Retry.Attempts))
		}
	}
	for key, pub := range c.Publications {
		// the default exchange routes by queue name only
		if pub.Exchange == "" && pub.RoutingKey == "" {
			errs = append(errs, fmt.Errorf("publication %q: %w", key, ErrEmptyExchangeName))
		}
	}
	p := c.ConfirmPool
	if p.Max <= 0 || p.Min < 0 || p.Min > p.Max {
		errs = append(errs, fmt.Errorf("%w: min=%d max=%d", ErrInvalidPool, p.Min, p.Max))
	}
	return errors.Join(errs...)
}

// Subscription returns the subscription registered for queue
func (c BrokerConfig) Subscription(queue string) (Subscription, bool) {
	sub, ok := c.Subscriptions[SubscriptionKey(c.Vhost, queue)]
	return sub, ok
}
