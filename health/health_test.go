package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticChecker struct {
	name   string
	status Status
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(ctx context.Context) CheckResult {
	return CheckResult{Name: c.name, Status: c.status, Timestamp: time.Now()}
}

type fakeConnection struct {
	err     error
	blocked bool
}

func (f *fakeConnection) GetConnection() (*amqp.Connection, error) { return nil, f.err }
func (f *fakeConnection) IsBlocked() bool                         { return f.blocked }

type fakePool struct {
	err    error
	closed bool
	size   int
	idle   int
	calls  int
}

func (f *fakePool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	f.calls++
	return f.err
}
func (f *fakePool) Size() int      { return f.size }
func (f *fakePool) Idle() int      { return f.idle }
func (f *fakePool) IsClosed() bool { return f.closed }

func TestAggregate(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy without checkers", func(t *testing.T) {
		report := Aggregate(ctx)
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("reports the worst status", func(t *testing.T) {
		report := Aggregate(ctx,
			staticChecker{"a", StatusHealthy},
			staticChecker{"b", StatusDegraded},
		)
		assert.Equal(t, StatusDegraded, report.Status)

		report = Aggregate(ctx,
			staticChecker{"a", StatusUnhealthy},
			staticChecker{"b", StatusDegraded},
		)
		assert.Equal(t, StatusUnhealthy, report.Status)
	})

	t.Run("keeps checker order", func(t *testing.T) {
		report := Aggregate(ctx,
			staticChecker{"first", StatusHealthy},
			staticChecker{"second", StatusHealthy},
			staticChecker{"third", StatusHealthy},
		)

		require.Len(t, report.Checks, 3)
		assert.Equal(t, "first", report.Checks[0].Name)
		assert.Equal(t, "second", report.Checks[1].Name)
		assert.Equal(t, "third", report.Checks[2].Name)
	})
}

func TestHandler(t *testing.T) {
	t.Run("serves a healthy report", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Handler(time.Second, staticChecker{"a", StatusHealthy}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Equal(t, "a", report.Checks[0].Name)
	})

	t.Run("degraded is still served with 200", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Handler(0, staticChecker{"a", StatusDegraded}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unhealthy is served with 503", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Handler(time.Second, staticChecker{"a", StatusUnhealthy}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestConnectionChecker(t *testing.T) {
	t.Run("unhealthy without a connection", func(t *testing.T) {
		checker := NewConnectionChecker(&fakeConnection{err: errors.New("rabbitmq: connection not ready")})

		result := checker.Check(context.Background())

		assert.Equal(t, "rabbitmq", result.Name)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "rabbitmq: connection not ready", result.Error)
	})
}

func TestChannelPoolChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy when a channel can be borrowed", func(t *testing.T) {
		pool := &fakePool{size: 3, idle: 2}
		result := NewChannelPoolChecker(pool).Check(ctx)

		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, 3, result.Details["pool_size"])
		assert.Equal(t, 2, result.Details["idle"])
		assert.Equal(t, 1, pool.calls)
	})

	t.Run("unhealthy when closed", func(t *testing.T) {
		pool := &fakePool{closed: true}
		result := NewChannelPoolChecker(pool).Check(ctx)

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, 0, pool.calls)
	})

	t.Run("unhealthy when no channel is available", func(t *testing.T) {
		result := NewChannelPoolChecker(&fakePool{err: errors.New("exhausted")}).Check(ctx)

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "exhausted", result.Error)
	})
}

func TestQueueChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("names the queue", func(t *testing.T) {
		assert.Equal(t, "queue_orders", NewQueueChecker("orders", &fakePool{}, 0).Name())
	})

	t.Run("healthy when the queue can be declared passively", func(t *testing.T) {
		result := NewQueueChecker("orders", &fakePool{}, 100).Check(ctx)
		assert.Equal(t, StatusHealthy, result.Status)
	})

	t.Run("unhealthy when the queue is missing", func(t *testing.T) {
		result := NewQueueChecker("orders", &fakePool{err: errors.New("NOT_FOUND")}, 0).Check(ctx)

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Contains(t, result.Message, "orders")
	})
}
