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

// ChannelPool manages a pool of AMQP channels
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	minSize     int
	idleTimeout time.Duration
	waitTimeout time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	closed      bool
	activeCount int
	stop        chan struct{}
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	lastUsed time.Time
	id       string

	// set once the channel is in confirm mode
	returns chan amqp.Return
}

// ID identifies the channel in logs and consumer tags
func (c *PooledChannel) ID() string {
	return c.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the number of channels opened up front
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

// WithWaitTimeout bounds how long Get waits when the pool is exhausted
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		minSize:     2,
		idleTimeout: 5 * time.Minute,
		waitTimeout: 5 * time.Second,
		logger:      slog.Default(),
		stop:        make(chan struct{}),
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

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	created := make([]*PooledChannel, 0, pool.minSize)
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

	go pool.cleanupIdle()

	return pool, nil
}

// Get retrieves a channel from the pool, opening one while under the limit
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		return cp.checkout(ch)
	default:
	}

	cp.mu.Lock()
	if cp.activeCount < cp.maxSize {
		cp.mu.Unlock()
		return cp.createChannel()
	}
	cp.mu.Unlock()

	timer := time.NewTimer(cp.waitTimeout)
	defer timer.Stop()

	select {
	case ch := <-cp.channels:
		return cp.checkout(ch)
	case <-ctx.Done():
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
	case <-timer.C:
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
	}
}

func (cp *ChannelPool) checkout(ch *PooledChannel) (*PooledChannel, error) {
	if ch == nil {
		return nil, ErrChannelPoolClosed
	}
	if ch.Channel.IsClosed() {
		cp.release()
		return cp.createChannel()
	}
	ch.lastUsed = time.Now()
	return ch, nil
}

// Put returns a channel to the pool
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

// Discard closes a channel instead of returning it, used after a channel
// level error or when the channel was dedicated to a consumer
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	if !ch.Channel.IsClosed() {
		_ = ch.Channel.Close()
	}
	cp.release()
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}

// Close closes all channels in the pool
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.stop)
	close(cp.channels)
	cp.mu.Unlock()

	for ch := range cp.channels {
		if !ch.Channel.IsClosed() {
			_ = ch.Channel.Close()
		}
	}
	return nil
}

func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	cp.mu.Lock()
	cp.activeCount++
	cp.mu.Unlock()

	return &PooledChannel{
		Channel:  ch,
		lastUsed: time.Now(),
		id:       uuid.New().String(),
	}, nil
}

func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.stop:
			return
		case <-ticker.C:
			cp.closeIdle(time.Now().Add(-cp.idleTimeout))
		}
	}
}

func (cp *ChannelPool) closeIdle(cutoff time.Time) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return
	}

	n := len(cp.channels)
	for i := 0; i < n; i++ {
		var ch *PooledChannel
		select {
		case ch = <-cp.channels:
		default:
			return
		}
		if ch.lastUsed.Before(cutoff) && cp.activeCount > cp.minSize {
			_ = ch.Channel.Close()
			cp.activeCount--
			cp.logger.Debug("closed idle channel", "channel", ch.id)
			continue
		}
		cp.channels <- ch
	}
}

// Size returns the number of open channels, pooled or checked out
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs fn with a pooled channel
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
		if err != nil && ch.Channel.IsClosed() {
			cp.Discard(ch)
			return
		}
		cp.Put(ch)
	}()

	return fn(ch)
}
