package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/dispatch-go/messaging"
)

func TestCollector(t *testing.T) {
	t.Run("Register is idempotent", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c := NewCollector(reg)

		require.NoError(t, c.Register())
		require.NoError(t, c.Register())
	})

	t.Run("tolerates collectors registered by another instance", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		require.NoError(t, NewCollector(reg).Register())

		assert.NoError(t, NewCollector(reg).Register())
	})

	t.Run("counts messages by queue and outcome", func(t *testing.T) {
		c := NewCollector(prometheus.NewRegistry())
		require.NoError(t, c.Register())

		c.RecordMessage("orders", messaging.OutcomeAcked, 10*time.Millisecond)
		c.RecordMessage("orders", messaging.OutcomeAcked, 20*time.Millisecond)
		c.RecordMessage("orders", messaging.OutcomeDiscarded, time.Millisecond)

		assert.Equal(t, 2.0, testutil.ToFloat64(c.messagesTotal.WithLabelValues("orders", messaging.OutcomeAcked)))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesTotal.WithLabelValues("orders", messaging.OutcomeDiscarded)))
		assert.Equal(t, 1, testutil.CollectAndCount(c.handlerDuration))
	})

	t.Run("labels publishes by result", func(t *testing.T) {
		c := NewCollector(prometheus.NewRegistry())

		c.RecordPublish("/events/order.created", time.Millisecond, nil)
		c.RecordPublish("/events/order.created", time.Millisecond, fmt.Errorf("wrapped: %w", messaging.ErrMessageReturned))
		c.RecordPublish("/events/order.created", time.Millisecond, errors.New("channel closed"))

		assert.Equal(t, 1.0, testutil.ToFloat64(c.publicationsTotal.WithLabelValues("/events/order.created", ResultConfirmed)))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.publicationsTotal.WithLabelValues("/events/order.created", ResultReturned)))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.publicationsTotal.WithLabelValues("/events/order.created", ResultFailed)))
	})

	t.Run("counts retries per queue", func(t *testing.T) {
		c := NewCollector(prometheus.NewRegistry())

		c.RecordRetry("orders", 1)
		c.RecordRetry("orders", 2)

		assert.Equal(t, 2.0, testutil.ToFloat64(c.retriesTotal.WithLabelValues("orders")))
	})

	t.Run("exports under the dispatch namespace", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c := NewCollector(reg)
		require.NoError(t, c.Register())
		c.RecordRetry("orders", 1)

		families, err := reg.Gather()
		require.NoError(t, err)

		var names []string
		for _, f := range families {
			names = append(names, f.GetName())
		}
		assert.Contains(t, names, "dispatch_retries_total")
	})
}
