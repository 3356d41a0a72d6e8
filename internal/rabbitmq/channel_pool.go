package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelSource opens channels on the current broker connection
type ChannelSource interface {
	Channel() (*amqp.Channel, error)
}

// ChannelPool is a bounded pool of channels used for confirmed publishing.
// Channels beyond the minimum are evicted once idle for longer than the idle
// timeout.
type ChannelPool struct {
	source           ChannelSource
	channels         chan *PooledChannel
	maxSize          int
	minSize          int
	idleTimeout      time.Duration
	evictionInterval time.Duration
	acquireTimeout   time.Duration
	confirm          bool
	autostart        bool
	logger           *slog.Logger
	mu               sync.Mutex
	closed           bool
	activeCount      int
	done             chan struct{}
}

// PooledChannel wraps an AMQP channel with pool metadata. In confirm mode it
// carries the return and close notifications of its channel.
type PooledChannel struct {
	*amqp.Channel
	lastUsed time.Time
	id       string
	returns  chan amqp.Return
	closes   chan *amqp.Error
}

// ID returns the pool-assigned channel identifier
func (pc *PooledChannel) ID() string {
	return pc.id
}

// drainReturns discards returns left over from an earlier publish
func (pc *PooledChannel) drainReturns() {
	for {
		select {
		case _, ok := <-pc.returns:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the minimum pool size
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets the idle timeout for channels
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithEvictionInterval sets how often idle channels are looked for
func WithEvictionInterval(interval time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.evictionInterval = interval
	}
}

// WithAcquireTimeout bounds the wait for a free channel when the pool is full
func WithAcquireTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.acquireTimeout = timeout
	}
}

// WithConfirmMode puts every pooled channel into publisher confirm mode
func WithConfirmMode(enabled bool) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.confirm = enabled
	}
}

// WithAutostart opens the minimum number of channels when the pool is created
func WithAutostart(enabled bool) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.autostart = enabled
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		if logger != nil {
			cp.logger = logger
		}
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(source ChannelSource, options ...ChannelPoolOption) (*ChannelPool, error) {
	if source == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		source:           source,
		maxSize:          20,
		minSize:          10,
		idleTimeout:      30 * time.Second,
		evictionInterval: time.Second,
		acquireTimeout:   5 * time.Second,
		confirm:          true,
		logger:           slog.Default(),
		done:             make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}
	if pool.evictionInterval <= 0 {
		return nil, fmt.Errorf("%w: eviction interval must be positive", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	if pool.autostart {
		var created []*PooledChannel
		for i := 0; i < pool.minSize; i++ {
			ch, err := pool.createChannel()
			if err != nil {
				for _, c := range created {
					_ = c.Channel.Close()
				}
				return nil, &ChannelError{
					Op:        "pool initialization",
					ChannelID: fmt.Sprintf("init-%d", i),
					Err:       err,
					Timestamp: time.Now(),
				}
			}
			created = append(created, ch)
		}
		for _, ch := range created {
			pool.channels <- ch
		}
	}

	go pool.evictIdle()

	return pool, nil
}

// Get retrieves a channel from the pool, opening one while under the
// maximum and waiting otherwise
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	for {
		select {
		case ch, ok := <-cp.channels:
			if !ok {
				return nil, ErrChannelPoolClosed
			}
			if ch.Channel.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}

		if cp.reserve() {
			return cp.create(ctx)
		}

		timer := time.NewTimer(cp.acquireTimeout)
		select {
		case ch, ok := <-cp.channels:
			timer.Stop()
			if !ok {
				return nil, ErrChannelPoolClosed
			}
			if ch.Channel.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil

		case <-ctx.Done():
			timer.Stop()
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ctx.Err(),
				Timestamp: time.Now(),
			}

		case <-timer.C:
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ErrChannelPoolExhausted,
				Timestamp: time.Now(),
			}
		}
	}
}

// Put returns a channel to the pool. Closed channels are dropped.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		_ = ch.Channel.Close()
		return
	}

	if ch.Channel.IsClosed() {
		cp.activeCount--
		return
	}

	ch.lastUsed = time.Now()

	select {
	case cp.channels <- ch:
	default:
		_ = ch.Channel.Close()
		cp.activeCount--
	}
}

// Discard closes a channel that must not be reused
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	if !ch.Channel.IsClosed() {
		_ = ch.Channel.Close()
	}
	cp.release()
}

// Close closes all channels in the pool
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.done)
	close(cp.channels)
	cp.mu.Unlock()

	for ch := range cp.channels {
		if ch != nil && !ch.Channel.IsClosed() {
			_ = ch.Channel.Close()
		}
	}

	return nil
}

// IsClosed reports whether Close was called
func (cp *ChannelPool) IsClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

// reserve claims a slot for a new channel if the pool is below its maximum
func (cp *ChannelPool) reserve() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed || cp.activeCount >= cp.maxSize {
		return false
	}
	cp.activeCount++
	return true
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}

// create opens a channel for a slot claimed by reserve
func (cp *ChannelPool) create(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		cp.release()
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := cp.open()
	if err != nil {
		cp.release()
		return nil, err
	}
	return ch, nil
}

// createChannel opens a channel and counts it as active
func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	ch, err := cp.open()
	if err != nil {
		return nil, err
	}

	cp.mu.Lock()
	cp.activeCount++
	cp.mu.Unlock()

	return ch, nil
}

func (cp *ChannelPool) open() (*PooledChannel, error) {
	ch, err := cp.source.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	pooled := &PooledChannel{
		Channel:  ch,
		lastUsed: time.Now(),
		id:       uuid.New().String(),
	}

	if cp.confirm {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, &ChannelError{
				Op:        "enable confirms",
				ChannelID: pooled.id,
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		pooled.returns = ch.NotifyReturn(make(chan amqp.Return, 8))
		pooled.closes = ch.NotifyClose(make(chan *amqp.Error, 1))
	}

	cp.logger.Debug("opened pooled channel", "channelId", pooled.id, "confirm", cp.confirm)

	return pooled, nil
}

// evictIdle closes channels idle for longer than the idle timeout while the
// pool holds more than its minimum
func (cp *ChannelPool) evictIdle() {
	ticker := time.NewTicker(cp.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
		}

		cp.evictOnce(time.Now().Add(-cp.idleTimeout))
	}
}

func (cp *ChannelPool) evictOnce(deadline time.Time) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return
	}

	var keep []*PooledChannel
drain:
	for {
		select {
		case ch := <-cp.channels:
			if ch.Channel.IsClosed() {
				cp.activeCount--
				continue
			}
			if ch.lastUsed.Before(deadline) && cp.activeCount > cp.minSize {
				_ = ch.Channel.Close()
				cp.activeCount--
				cp.logger.Debug("evicted idle channel", "channelId", ch.id)
				continue
			}
			keep = append(keep, ch)
		default:
			break drain
		}
	}

	for _, ch := range keep {
		cp.channels <- ch
	}
}

// Size returns the current number of channels owned by the pool
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Idle returns the number of channels waiting in the pool
func (cp *ChannelPool) Idle() int {
	return len(cp.channels)
}

// Execute runs fn with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch.Channel)
	}()

	return execErr
}
