package rabbitmq

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// DialFunc opens an AMQP connection
type DialFunc func(url string, tlsConfig *tls.Config) (*amqp.Connection, error)

func defaultDial(url string, tlsConfig *tls.Config) (*amqp.Connection, error) {
	if tlsConfig != nil {
		return amqp.DialTLS(url, tlsConfig)
	}
	return amqp.Dial(url)
}

// ConnectionManager owns the AMQP connection and re-dials it when the broker
// closes it
type ConnectionManager struct {
	url            string
	tlsConfig      *tls.Config
	dial           DialFunc
	dialTimeout    time.Duration
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	notifyClose chan *amqp.Error
	isConnected bool
	done        chan struct{}

	listenersMu sync.RWMutex
	listeners   []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithTLS dials with the given TLS configuration
func WithTLS(cfg *tls.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.tlsConfig = cfg
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dial DialFunc) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts. A negative
// value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           defaultDial,
		dialTimeout:    30 * time.Second,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialWithTimeout(ctx)
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
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url), "tls", cm.tlsConfig != nil)
	cm.notify(func(l ConnectionStateListener) { l.OnConnected() })

	go cm.handleReconnect()
	return nil
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url, cm.tlsConfig)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			// a dial that completes after the timeout must not leak
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// attach must be called with cm.mu held.
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
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

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	select {
	case <-cm.done:
		return nil
	default:
		close(cm.done)
	}

	cm.isConnected = false
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

func (cm *ConnectionManager) handleReconnect() {
	for {
		cm.mu.RLock()
		notifyClose := cm.notifyClose
		cm.mu.RUnlock()

		select {
		case err, ok := <-notifyClose:
			if !ok {
				// closed by Close
				select {
				case <-cm.done:
					return
				default:
				}
			}
			cm.logger.Error("connection closed", "error", err)

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			cm.notify(func(l ConnectionStateListener) { l.OnDisconnected(err) })
			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect dials until it succeeds, the retry budget runs out or the
// manager is closed. It reports whether a connection was re-established.
func (cm *ConnectionManager) reconnect() bool {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if cm.maxRetries >= 0 && attempt >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt,
				"duration", time.Since(start))
			cm.notify(func(l ConnectionStateListener) {
				l.OnDisconnected(&ConnectionError{
					Op:        "reconnect",
					URL:       SanitizeURL(cm.url),
					Err:       ErrMaxRetriesExceeded,
					Timestamp: time.Now(),
					Attempts:  attempt,
				})
			})
			return false
		}

		if attempt > 0 {
			select {
			case <-time.After(cm.backoff(attempt - 1)):
			case <-cm.done:
				return false
			}
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt+1, "maxRetries", cm.maxRetries)
		n := attempt + 1
		cm.notify(func(l ConnectionStateListener) { l.OnReconnecting(n) })

		conn, err := cm.dialWithTimeout(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			_ = conn.Close()
			return false
		default:
		}
		cm.attach(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ", "attempts", attempt+1, "duration", time.Since(start))
		cm.notify(func(l ConnectionStateListener) { l.OnConnected() })
		return true
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.listeners {
		if l == listener {
			cm.listeners = append(cm.listeners[:i], cm.listeners[i+1:]...)
			return
		}
	}
}

func (cm *ConnectionManager) notify(fn func(ConnectionStateListener)) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, l := range cm.listeners {
		go fn(l)
	}
}

// backoff doubles the reconnect delay per attempt, capped at five minutes
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	const maxDelay = 5 * time.Minute

	if attempt > 16 {
		return maxDelay
	}
	delay := base << uint(attempt)
	if delay > maxDelay || delay <= 0 {
		return maxDelay
	}
	return delay
}
