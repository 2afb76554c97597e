package client

import (
	"errors"

	"github.com/miximus/wslink/pkg/wslink/protocol"
	"go.uber.org/zap"
)

// dispatch classifies one inbound frame and routes it. Frames that cannot be
// decoded are logged and dropped; the connection stays up.
func (c *Client) dispatch(s *session, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrMissingAction) {
			reason = "missing_action"
		}
		c.logger.Warn("Dropping invalid frame",
			zap.Error(err),
			zap.Int("size", len(data)))
		c.metrics.RecordMalformedFrame(s.ctx, reason)
		return
	}

	c.metrics.RecordFrameReceived(s.ctx, len(data), string(msg.Action()))

	switch m := msg.(type) {
	case *protocol.Ping:
		c.handlePing(s, m)
	case *protocol.SocketInfo:
		c.handleSocketInfo(s, m)
	case *protocol.Result:
		c.handleReply(s, m)
	case *protocol.Error:
		c.handleReply(s, m)
	case *protocol.Command:
		c.handleCommand(s, m)
	default:
		c.logger.Warn("Unhandled action", zap.String("action", string(msg.Action())))
	}
}

// handleSocketInfo completes the handshake: the connection takes the assigned
// identity, subscriptions are replayed and the heartbeat starts.
func (c *Client) handleSocketInfo(s *session, info *protocol.SocketInfo) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}

	reconnected := c.state == StateConnected
	c.connectionID = info.ID
	c.state = StateConnected
	c.replaySubscriptionsLocked()
	c.startHeartbeatLocked(s)
	topics := len(c.subscriptions)
	monitors := append([]Monitor(nil), c.monitors...)
	c.mu.Unlock()

	if reconnected {
		c.logger.Warn("Connection identity reassigned", zap.Int64("connection_id", info.ID))
	}

	c.logger.Info("WebSocket client connected",
		zap.String("url", c.url),
		zap.Int64("connection_id", info.ID),
		zap.Int("topics", topics))
	c.metrics.RecordConnected(s.ctx)

	for _, monitor := range monitors {
		monitor.OnConnect(c.ctx, info.ID)
	}
}
