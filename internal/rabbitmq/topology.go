package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/dispatch-go/topology"
)

// TopologyChecker verifies that the queues and exchanges a broker
// configuration depends on exist. It never declares anything.
type TopologyChecker struct {
	pool   *ChannelPool
	logger *slog.Logger
}

// NewTopologyChecker creates a new topology checker
func NewTopologyChecker(pool *ChannelPool, logger *slog.Logger) *TopologyChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyChecker{
		pool:   pool,
		logger: logger,
	}
}

// entityCheck is one passive declaration
type entityCheck struct {
	component string
	name      string
}

// plannedChecks lists the passive declarations for cfg in a stable order.
// The default exchange always exists and cannot be declared.
func plannedChecks(cfg topology.BrokerConfig) []entityCheck {
	var checks []entityCheck

	exchanges := make([]string, 0, len(cfg.Exchanges))
	for name, e := range cfg.Exchanges {
		if e.Check && name != "" {
			exchanges = append(exchanges, name)
		}
	}
	sort.Strings(exchanges)
	for _, name := range exchanges {
		checks = append(checks, entityCheck{component: "exchange", name: name})
	}

	queues := make([]string, 0, len(cfg.Queues))
	for name, q := range cfg.Queues {
		if q.Check {
			queues = append(queues, name)
		}
	}
	sort.Strings(queues)
	for _, name := range queues {
		checks = append(checks, entityCheck{component: "queue", name: name})
	}

	return checks
}

// Check passively declares every checked exchange and queue. All missing
// entities are reported, each as a *TopologyError.
func (tc *TopologyChecker) Check(ctx context.Context, cfg topology.BrokerConfig) error {
	var errs []error

	for _, check := range plannedChecks(cfg) {
		// a failed passive declare closes its channel, so each check
		// takes its own from the pool
		err := tc.pool.Execute(ctx, func(ch *amqp.Channel) error {
			switch check.component {
			case "exchange":
				return ch.ExchangeDeclarePassive(check.name, amqp.ExchangeDirect, true, false, false, false, nil)
			default:
				_, err := ch.QueueDeclarePassive(check.name, true, false, false, false, nil)
				return err
			}
		})
		if err != nil {
			tc.logger.Error("topology check failed",
				"component", check.component,
				"name", check.name,
				"error", err)
			errs = append(errs, &TopologyError{
				Component: check.component,
				Name:      check.name,
				Op:        "check",
				Err:       errors.Join(ErrTopologyCheckFailed, err),
				Timestamp: time.Now(),
			})
			continue
		}
		tc.logger.Debug("topology check passed", "component", check.component, "name", check.name)
	}

	return errors.Join(errs...)
}
