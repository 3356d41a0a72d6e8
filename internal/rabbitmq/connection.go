package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/dispatch-go/internal/reliability"
)

// ConnectionManager owns the broker connection and re-establishes it when the
// broker closes it unexpectedly.
type ConnectionManager struct {
	url            string
	vhost          string
	name           string
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxRetries     int
	connectTimeout time.Duration
	policy         reliability.RetryPolicy
	logger         *slog.Logger
	isConnected    bool
	blocked        atomic.Bool
	done           chan struct{}
	closeOnce      sync.Once
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts.
// A negative value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithConnectTimeout bounds a single dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithVhost overrides the virtual host of the URL
func WithVhost(vhost string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.vhost = vhost
	}
}

// URIVhost returns the virtual host an AMQP URI names, "/" when it names none
func URIVhost(raw string) (string, error) {
	uri, err := amqp.ParseURI(raw)
	if err != nil {
		return "", err
	}
	return uri.Vhost, nil
}

// WithConnectionName sets the client-provided connection name shown by the broker
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	attempts := cm.maxRetries
	if attempts < 0 {
		attempts = math.MaxInt
	}
	cm.policy = reliability.NewExponentialBackoff(cm.reconnectDelay, 5*time.Minute, 2.0, attempts)

	return cm
}

// Connect establishes the initial connection. It does not retry.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))

	return nil
}

// dial runs amqp.DialConfig bounded by ctx and the connect timeout
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		props := amqp.NewConnectionProperties()
		if cm.name != "" {
			props["connection_name"] = cm.name
		}
		conn, err := amqp.DialConfig(cm.url, amqp.Config{
			Vhost:      cm.vhost,
			Locale:     "en_US",
			Properties: props,
			Dial:       amqp.DefaultDial(cm.connectTimeout),
		})
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-connCtx.Done():
		// a late connection must not leak
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// attach installs conn and starts watching it. cm.mu must be held.
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.blocked.Store(false)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	go cm.watch(closed, blocked)
}

// watch logs flow control notifications and reconnects when the broker
// closes the connection
func (cm *ConnectionManager) watch(closed <-chan *amqp.Error, blocked <-chan amqp.Blocking) {
	for {
		select {
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			cm.blocked.Store(b.Active)
			if b.Active {
				cm.logger.Warn("connection blocked by broker", "reason", b.Reason)
			} else {
				cm.logger.Info("connection unblocked by broker")
			}

		case err, ok := <-closed:
			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			select {
			case <-cm.done:
				return
			default:
			}

			// a graceful close by us yields no error
			if !ok || err == nil {
				return
			}

			cm.logger.Error("connection closed", "error", err, "code", err.Code, "recover", err.Recover)
			cm.reconnect()
			return

		case <-cm.done:
			return
		}
	}
}

// reconnect dials until it succeeds, the policy gives up or Close is called
func (cm *ConnectionManager) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	attempt := 0
	err := reliability.Retry(ctx, "reconnect", cm.policy, func() error {
		attempt++
		cm.logger.Info("attempting to reconnect", "attempt", attempt)

		conn, err := cm.dial(ctx)
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt)
			return err
		}

		cm.mu.Lock()
		defer cm.mu.Unlock()
		select {
		case <-cm.done:
			_ = conn.Close()
			return context.Canceled
		default:
		}
		cm.attach(conn)
		return nil
	})

	if err != nil {
		if ctx.Err() == nil {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt,
				"duration", time.Since(start),
				"error", err)
		}
		return
	}

	cm.logger.Info("successfully reconnected to RabbitMQ",
		"attempts", attempt,
		"duration", time.Since(start))
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// IsBlocked reports whether the broker applies TCP back-pressure
func (cm *ConnectionManager) IsBlocked() bool {
	return cm.blocked.Load()
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() {
		close(cm.done)
	})

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.isConnected = false
	if cm.conn == nil {
		return nil
	}

	err := cm.conn.Close()
	cm.conn = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
