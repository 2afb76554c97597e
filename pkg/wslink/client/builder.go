package client

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/miximus/wslink/pkg/wslink/o11y"
	"go.uber.org/zap"
)

// Defaults for a client built without overrides.
const (
	DefaultURL            = "ws://localhost:7351/"
	DefaultDialTimeout    = 10 * time.Second
	DefaultReconnectDelay = 2 * time.Second
	DefaultPingInterval   = 5 * time.Second
	DefaultPongTimeout    = 2 * time.Second
	DefaultWriteQueueSize = 100
	DefaultReadLimit      = 1 << 20
)

// AuthorizationProvider returns the Authorization header value for a dial.
// It is called before every connection attempt, so tokens may be refreshed.
type AuthorizationProvider func(ctx context.Context) (string, error)

// ClientBuilder provides a fluent interface for building clients.
type ClientBuilder struct {
	url             string
	logger          *zap.Logger
	dialTimeout     time.Duration
	reconnectDelay  time.Duration
	pingInterval    time.Duration
	pongTimeout     time.Duration
	writeQueueSize  int
	readLimit       int64
	authProvider    AuthorizationProvider
	headers         map[string][]string
	monitors        []Monitor
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
}

// NewClient creates a client builder with the default endpoint and timings.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		url:            DefaultURL,
		logger:         zap.NewNop(),
		dialTimeout:    DefaultDialTimeout,
		reconnectDelay: DefaultReconnectDelay,
		pingInterval:   DefaultPingInterval,
		pongTimeout:    DefaultPongTimeout,
		writeQueueSize: DefaultWriteQueueSize,
		readLimit:      DefaultReadLimit,
	}
}

// WithURL sets the WebSocket URL to connect to.
func (b *ClientBuilder) WithURL(url string) *ClientBuilder {
	b.url = url
	return b
}

// WithLogger sets the logger for the client.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout bounds each connection attempt.
func (b *ClientBuilder) WithDialTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithReconnectDelay sets the pause between a close and the next connection
// attempt. Default is 2s.
func (b *ClientBuilder) WithReconnectDelay(delay time.Duration) *ClientBuilder {
	if delay > 0 {
		b.reconnectDelay = delay
	}
	return b
}

// WithPingInterval sets how long to wait after a pong before sending the
// next ping. Default is 5s.
func (b *ClientBuilder) WithPingInterval(interval time.Duration) *ClientBuilder {
	if interval > 0 {
		b.pingInterval = interval
	}
	return b
}

// WithPongTimeout sets how long to wait for the peer's ping after sending
// ours before the connection is declared dead. Default is 2s.
func (b *ClientBuilder) WithPongTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.pongTimeout = timeout
	}
	return b
}

// WithWriteQueueSize sets how many encoded frames may wait for the writer.
// Send reports failure when the queue is full. Default is 100.
func (b *ClientBuilder) WithWriteQueueSize(size int) *ClientBuilder {
	if size > 0 {
		b.writeQueueSize = size
	}
	return b
}

// WithReadLimit sets the maximum inbound frame size in bytes. Default is 1 MiB.
func (b *ClientBuilder) WithReadLimit(limit int64) *ClientBuilder {
	if limit > 0 {
		b.readLimit = limit
	}
	return b
}

// WithAuthorization sets a static Authorization header value.
func (b *ClientBuilder) WithAuthorization(authHeader string) *ClientBuilder {
	b.authProvider = func(ctx context.Context) (string, error) {
		return authHeader, nil
	}
	return b
}

// WithAuthorizationProvider sets a function that supplies the Authorization
// header on every dial.
func (b *ClientBuilder) WithAuthorizationProvider(provider AuthorizationProvider) *ClientBuilder {
	b.authProvider = provider
	return b
}

// WithHeaders merges custom HTTP headers into the handshake request.
func (b *ClientBuilder) WithHeaders(headers map[string][]string) *ClientBuilder {
	if b.headers == nil {
		b.headers = make(map[string][]string)
	}
	for key, values := range headers {
		b.headers[key] = values
	}
	return b
}

// WithHeader sets a single handshake header.
func (b *ClientBuilder) WithHeader(key, value string) *ClientBuilder {
	if b.headers == nil {
		b.headers = make(map[string][]string)
	}
	b.headers[key] = []string{value}
	return b
}

// WithMonitor adds a lifecycle monitor. May be called more than once.
func (b *ClientBuilder) WithMonitor(monitor Monitor) *ClientBuilder {
	if monitor != nil {
		b.monitors = append(b.monitors, monitor)
	}
	return b
}

// WithMetrics sets the metrics provider.
func (b *ClientBuilder) WithMetrics(provider o11y.MetricsProvider) *ClientBuilder {
	b.metricsProvider = provider
	return b
}

// WithTracing sets the tracing provider used by Request.
func (b *ClientBuilder) WithTracing(provider o11y.TracingProvider) *ClientBuilder {
	b.tracingProvider = provider
	return b
}

// Build creates the client. The client does not connect until Connect is called.
func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	client := &Client{
		url:            b.url,
		logger:         b.logger,
		dialTimeout:    b.dialTimeout,
		reconnectDelay: b.reconnectDelay,
		pingInterval:   b.pingInterval,
		pongTimeout:    b.pongTimeout,
		writeQueueSize: b.writeQueueSize,
		readLimit:      b.readLimit,
		authProvider:   b.authProvider,
		headers:        b.headers,
		monitors:       append([]Monitor(nil), b.monitors...),
		metrics:        NewMetrics(b.metricsProvider),
		tracing:        b.tracingProvider,
		ctx:            ctx,
		cancel:         cancel,
		pending:        make(map[string]ReplyHandler),
		subscriptions:  make(map[string][]CommandHandler),
	}

	return client, nil
}

// IsValid checks that all required configuration is present.
func (b *ClientBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}

	parsed, err := url.Parse(b.url)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme %q: expected ws or wss", parsed.Scheme)
	}

	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	return nil
}
