package topology

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestKeys(t *testing.T) {
	t.Run("subscription key prefixes the vhost", func(t *testing.T) {
		assert.Equal(t, "/orders", SubscriptionKey("/", "orders"))
	})

	t.Run("publication key without routing key", func(t *testing.T) {
		assert.Equal(t, "/events", PublicationKey("/", Target{Exchange: "events"}))
	})

	t.Run("publication key with routing key", func(t *testing.T) {
		assert.Equal(t, "/events/order.created", PublicationKey("/", Target{Exchange: "events", Key: "order.created"}))
	})
}

func TestBuilder(t *testing.T) {
	queues := []Queue{{Name: "orders"}, {Name: "payments"}}
	targets := []Target{
		{Exchange: "events", Key: "order.created"},
		{Exchange: "events", Key: "order.cancelled"},
		{Exchange: "audit"},
	}

	t.Run("checks but never asserts queues and exchanges", func(t *testing.T) {
		cfg := NewBuilder().Build(queues, targets)

		assert.Equal(t, map[string]Entity{
			"orders":   {Assert: false, Check: true},
			"payments": {Assert: false, Check: true},
		}, cfg.Queues)
		assert.Equal(t, map[string]Entity{
			"events": {Assert: false, Check: true},
			"audit":  {Assert: false, Check: true},
		}, cfg.Exchanges)
	})

	t.Run("applies defaults to subscriptions", func(t *testing.T) {
		cfg := NewBuilder().Build(queues, targets)

		sub, ok := cfg.Subscriptions["/orders"]
		require.True(t, ok)
		assert.Equal(t, Subscription{
			Vhost:    "/",
			Queue:    "orders",
			Prefetch: 5,
			Retry:    RetryConfig{Delay: 10 * time.Second, Attempts: 5},
		}, sub)
	})

	t.Run("publications are confirmed", func(t *testing.T) {
		cfg := NewBuilder().Build(queues, targets)

		require.Len(t, cfg.Publications, 3)
		assert.Equal(t, Publication{
			Vhost:      "/",
			Exchange:   "events",
			RoutingKey: "order.created",
			Confirm:    true,
		}, cfg.Publications["/events/order.created"])
		assert.True(t, cfg.Publications["/audit"].Confirm)
	})

	t.Run("configures one bounded confirm pool", func(t *testing.T) {
		cfg := NewBuilder().Build(queues, targets)

		assert.Equal(t, PoolConfig{
			Min:                 10,
			Max:                 20,
			EvictionRunInterval: time.Second,
			IdleTimeout:         30 * time.Second,
		}, cfg.ConfirmPool)
	})

	t.Run("folds overrides into the subscription", func(t *testing.T) {
		autoAck := true
		cfg := NewBuilder(WithPrefetch(3)).Build([]Queue{
			{Name: "orders", Override: &SubscriptionOverride{
				Prefetch:      1,
				RetryDelay:    time.Second,
				RetryAttempts: 2,
				AutoAck:       &autoAck,
			}},
			{Name: "payments", Override: &SubscriptionOverride{RetryAttempts: 9}},
		}, nil)

		orders := cfg.Subscriptions["/orders"]
		assert.Equal(t, 1, orders.Prefetch)
		assert.True(t, orders.AutoAck)
		assert.Equal(t, RetryConfig{Delay: time.Second, Attempts: 2}, orders.Retry)

		payments := cfg.Subscriptions["/payments"]
		assert.Equal(t, 3, payments.Prefetch)
		assert.False(t, payments.AutoAck)
		assert.Equal(t, RetryConfig{Delay: 10 * time.Second, Attempts: 9}, payments.Retry)
	})

	t.Run("uses the configured vhost in every key", func(t *testing.T) {
		cfg := NewBuilder(WithVhost("/tenant-a/")).Build(queues, targets)

		assert.Contains(t, cfg.Subscriptions, "/tenant-a/orders")
		assert.Contains(t, cfg.Publications, "/tenant-a/events/order.created")
		sub, ok := cfg.Subscription("orders")
		require.True(t, ok)
		assert.Equal(t, "/tenant-a/", sub.Vhost)
	})

	t.Run("is deterministic", func(t *testing.T) {
		b := NewBuilder(WithRetry(time.Second, 3))
		first := b.Build(queues, targets)
		second := b.Build(queues, targets)

		assert.Equal(t, first, second)

		a, err := yaml.Marshal(first)
		require.NoError(t, err)
		c, err := yaml.Marshal(second)
		require.NoError(t, err)
		assert.Equal(t, string(a), string(c))
	})

	t.Run("empty input yields a valid configuration", func(t *testing.T) {
		cfg := NewBuilder().Build(nil, nil)

		assert.Empty(t, cfg.Subscriptions)
		assert.Empty(t, cfg.Publications)
		assert.NoError(t, cfg.Validate())
	})
}

func TestBrokerConfigValidate(t *testing.T) {
	t.Run("accepts built configuration", func(t *testing.T) {
		cfg := NewBuilder().Build([]Queue{{Name: "orders"}}, []Target{{Exchange: "events"}})
		assert.NoError(t, cfg.Validate())
	})

	t.Run("rejects empty names", func(t *testing.T) {
		cfg := NewBuilder().Build([]Queue{{Name: ""}}, []Target{{Exchange: ""}})
		err := cfg.Validate()

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrEmptyQueueName)
		assert.ErrorIs(t, err, ErrEmptyExchangeName)
	})

	t.Run("accepts the default exchange with a routing key", func(t *testing.T) {
		cfg := NewBuilder().Build(nil, []Target{{Exchange: "", Key: "orders"}})
		assert.NoError(t, cfg.Validate())
	})

	t.Run("rejects an inverted pool", func(t *testing.T) {
		cfg := NewBuilder(WithConfirmPool(PoolConfig{Min: 5, Max: 2})).Build(nil, nil)
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidPool)
	})
}

func TestBrokerConfigYAML(t *testing.T) {
	t.Run("durations round trip as strings", func(t *testing.T) {
		cfg := NewBuilder().Build([]Queue{{Name: "orders"}}, []Target{{Exchange: "events", Key: "k"}})

		out, err := yaml.Marshal(cfg)
		require.NoError(t, err)
		assert.Contains(t, string(out), "delay: 10s")
		assert.Contains(t, string(out), "idleTimeout: 30s")

		var decoded BrokerConfig
		require.NoError(t, yaml.Unmarshal(out, &decoded))
		assert.Equal(t, cfg, decoded)
	})
}
