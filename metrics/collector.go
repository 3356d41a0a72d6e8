// Package metrics exports dispatch messaging metrics to Prometheus.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/dispatch-go/messaging"
)

const namespace = "dispatch"

// Publish results
const (
	ResultConfirmed = "confirmed"
	ResultReturned  = "returned"
	ResultFailed    = "failed"
)

var _ messaging.MetricsCollector = (*Collector)(nil)

// Collector records delivery outcomes, handler durations, publications and
// retries
type Collector struct {
	mu sync.Mutex

	messagesTotal     *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	publicationsTotal *prometheus.CounterVec
	publishDuration   *prometheus.HistogramVec
	retriesTotal      *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// NewCollector creates a new collector. A nil registerer uses the default
// Prometheus registerer.
func NewCollector(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Collector{
		registerer: registerer,
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of delivered messages by outcome",
		}, []string{"queue", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in message handlers including result publication",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		publicationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publications_total",
			Help:      "Total number of publishes by result",
		}, []string{"publication", "result"}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time from publish to broker confirmation",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
		}, []string{"publication"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of messages republished for another attempt",
		}, []string{"queue"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (c *Collector) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		c.messagesTotal,
		c.handlerDuration,
		c.publicationsTotal,
		c.publishDuration,
		c.retriesTotal,
	}

	for _, collector := range collectors {
		if err := c.registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	c.registered = true
	return nil
}

// RecordMessage implements messaging.MetricsCollector
func (c *Collector) RecordMessage(queue, outcome string, duration time.Duration) {
	c.messagesTotal.WithLabelValues(queue, outcome).Inc()
	c.handlerDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordPublish implements messaging.MetricsCollector
func (c *Collector) RecordPublish(publication string, duration time.Duration, err error) {
	c.publicationsTotal.WithLabelValues(publication, publishResult(err)).Inc()
	if err == nil {
		c.publishDuration.WithLabelValues(publication).Observe(duration.Seconds())
	}
}

// RecordRetry implements messaging.MetricsCollector
func (c *Collector) RecordRetry(queue string, attempt int) {
	c.retriesTotal.WithLabelValues(queue).Inc()
}

func publishResult(err error) string {
	switch {
	case err == nil:
		return ResultConfirmed
	case errors.Is(err, messaging.ErrMessageReturned):
		return ResultReturned
	default:
		return ResultFailed
	}
}
