package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/miximus/wslink/pkg/wslink/o11y"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Request when no connection identity has
	// been assigned yet.
	ErrNotConnected = errors.New("client is not connected")
	// ErrAbandoned is returned by Request when the connection closed before
	// the reply arrived.
	ErrAbandoned = errors.New("request abandoned by disconnect")
	// ErrHeartbeatTimeout is the disconnect reason when the peer stopped
	// answering pings.
	ErrHeartbeatTimeout = errors.New("server failed to respond to ping")
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota // No socket; a reconnect may be scheduled
	StateConnecting                // Dialling, or open but awaiting socket_info
	StateConnected                 // Identity assigned; Send succeeds
	StateClosed                    // Destroyed; terminal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Client is a reconnecting, multiplexed request/response and pub/sub client
// over a single WebSocket.
//
// After Connect the client keeps one socket open to its URL, reconnecting
// after every close until Destroy is called. Subscriptions survive reconnects;
// pending requests do not.
type Client struct {
	// Configuration
	url            string
	logger         *zap.Logger
	dialTimeout    time.Duration
	reconnectDelay time.Duration
	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeQueueSize int
	readLimit      int64
	authProvider   AuthorizationProvider
	headers        map[string][]string
	metrics        *Metrics
	tracing        o11y.TracingProvider

	// Client lifetime, cancelled by Destroy
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	monitors       []Monitor
	closing        bool
	state          State
	sess           *session
	generation     uint64
	connectionID   int64
	reconnectTimer *time.Timer

	// Correlation table
	nextToken uint64
	pending   map[string]ReplyHandler

	// Subscription registry
	subscriptions map[string][]CommandHandler

	// Liveness monitor
	heartbeat    *time.Timer
	heartbeatSeq uint64
}

// session is one socket, from dial to close.
type session struct {
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
	conn       *websocket.Conn
	outbound   chan []byte
	closed     chan struct{}
}

// Connect starts the session: the socket is dialled in the background and
// re-dialled after every close. It is a no-op after Destroy, or while a socket
// is already open or being dialled.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closing || c.sess != nil {
		c.mu.Unlock()
		return
	}

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}

	c.generation++
	ctx, cancel := context.WithCancel(c.ctx)
	s := &session{
		generation: c.generation,
		ctx:        ctx,
		cancel:     cancel,
		outbound:   make(chan []byte, c.writeQueueSize),
		closed:     make(chan struct{}),
	}
	c.sess = s
	c.state = StateConnecting
	c.mu.Unlock()

	c.metrics.RecordConnectAttempt(ctx)
	go c.run(s)
}

// Destroy closes the socket and stops reconnecting. It is terminal: later
// Connect calls are no-ops.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	s := c.sess
	c.mu.Unlock()

	c.logger.Info("Destroying WebSocket client", zap.String("url", c.url))

	if s != nil {
		c.teardown(s, nil, websocket.StatusNormalClosure, "client destroyed")
	}
	c.cancel()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return StateClosed
	}
	return c.state
}

// ConnectionID returns the identity assigned by the server, and false when
// the client is not connected.
func (c *Client) ConnectionID() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return 0, false
	}
	return c.connectionID, true
}

// AddMonitor registers a lifecycle monitor.
func (c *Client) AddMonitor(monitor Monitor) {
	if monitor == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitors = append(c.monitors, monitor)
}

// RemoveMonitor unregisters a lifecycle monitor added earlier.
func (c *Client) RemoveMonitor(monitor Monitor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.monitors {
		if m == monitor {
			c.monitors = append(c.monitors[:i:i], c.monitors[i+1:]...)
			return
		}
	}
}

// run dials the socket and then services it until it closes.
func (c *Client) run(s *session) {
	conn, err := c.dial(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			c.logger.Warn("Failed to connect to WebSocket",
				zap.String("url", c.url),
				zap.Error(err))
			c.metrics.RecordDialError(s.ctx)
		}
		c.teardown(s, err, websocket.StatusNormalClosure, "")
		return
	}

	conn.SetReadLimit(c.readLimit)

	c.mu.Lock()
	if c.sess != s {
		// Torn down while dialling
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client destroyed")
		return
	}
	s.conn = conn
	c.mu.Unlock()

	c.logger.Debug("WebSocket opened, awaiting socket info", zap.String("url", c.url))

	go c.writeLoop(s, conn)
	c.readLoop(s, conn)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, c.dialTimeout)
	defer dialCancel()

	dialOptions := &websocket.DialOptions{}

	if c.headers != nil {
		dialOptions.HTTPHeader = make(map[string][]string)
		for key, values := range c.headers {
			dialOptions.HTTPHeader[key] = values
		}
	}

	// Authorization overrides a custom Authorization header
	if c.authProvider != nil {
		authValue, err := c.authProvider(dialCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to get authorization: %w", err)
		}
		if authValue != "" {
			if dialOptions.HTTPHeader == nil {
				dialOptions.HTTPHeader = make(map[string][]string)
			}
			dialOptions.HTTPHeader["Authorization"] = []string{authValue}
		}
	}

	conn, _, err := websocket.Dial(dialCtx, c.url, dialOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	return conn, nil
}

// readLoop processes inbound frames until the socket fails. Frames are
// dispatched in order on this goroutine.
func (c *Client) readLoop(s *session, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				if websocket.CloseStatus(err) != -1 {
					c.logger.Info("WebSocket closed by server",
						zap.Int("close_status", int(websocket.CloseStatus(err))),
						zap.Error(err))
				} else {
					c.logger.Error("Failed to read from WebSocket", zap.Error(err))
				}
			}
			c.teardown(s, err, websocket.StatusInternalError, "read error")
			return
		}

		c.dispatch(s, data)
	}
}

// writeLoop serializes all writes to the socket.
func (c *Client) writeLoop(s *session, conn *websocket.Conn) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.outbound:
			if err := conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				if s.ctx.Err() == nil {
					c.logger.Error("Failed to write to WebSocket", zap.Error(err))
				}
				c.teardown(s, err, websocket.StatusInternalError, "write error")
				return
			}
		}
	}
}

// teardown ends session s: pending calls are dropped without being invoked,
// the identity is cleared, the heartbeat stops and, unless the client is
// closing, exactly one reconnect is scheduled. Only the first call for a
// session has any effect.
func (c *Client) teardown(s *session, reason error, status websocket.StatusCode, text string) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}

	c.sess = nil
	wasConnected := c.state == StateConnected
	previousID := c.connectionID
	c.connectionID = 0
	c.state = StateDisconnected

	abandoned := len(c.pending)
	clear(c.pending)

	c.stopHeartbeatLocked()

	reconnecting := !c.closing
	if reconnecting {
		c.reconnectTimer = time.AfterFunc(c.reconnectDelay, c.reconnect)
	}

	close(s.closed)
	conn := s.conn
	monitors := append([]Monitor(nil), c.monitors...)
	c.mu.Unlock()

	// Closing performs the close handshake, which can block on a dead peer.
	go func() {
		if conn != nil {
			conn.Close(status, text)
		}
		s.cancel()
	}()

	c.metrics.RecordDisconnected(c.ctx, wasConnected, abandoned)

	if abandoned > 0 {
		c.logger.Warn("Dropping pending requests on disconnect", zap.Int("count", abandoned))
	}

	if !wasConnected {
		return
	}

	c.logger.Info("WebSocket client disconnected",
		zap.Int64("connection_id", previousID),
		zap.Bool("reconnecting", reconnecting),
		zap.NamedError("reason", reason))

	for _, monitor := range monitors {
		monitor.OnDisconnect(c.ctx, previousID, reason)
	}
}

func (c *Client) reconnect() {
	c.logger.Debug("Reconnecting WebSocket client", zap.String("url", c.url))
	c.Connect()
}
