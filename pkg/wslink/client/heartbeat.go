package client

import (
	"time"

	"github.com/coder/websocket"
	"github.com/miximus/wslink/pkg/wslink/protocol"
	"go.uber.org/zap"
)

// At most one heartbeat timer is armed at a time. Arming always cancels the
// previous timer, and heartbeatSeq invalidates a callback that already fired
// but has not yet taken the lock.

// armHeartbeatLocked replaces the heartbeat timer. When awaitingPong is set the
// timer declares the connection dead on expiry; otherwise it sends the next
// ping. c.mu must be held.
func (c *Client) armHeartbeatLocked(s *session, d time.Duration, awaitingPong bool) {
	c.stopHeartbeatLocked()
	seq := c.heartbeatSeq
	c.heartbeat = time.AfterFunc(d, func() {
		c.heartbeatFired(s, seq, awaitingPong)
	})
}

// stopHeartbeatLocked cancels the heartbeat timer. c.mu must be held.
func (c *Client) stopHeartbeatLocked() {
	c.heartbeatSeq++
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

// startHeartbeatLocked sends the first ping of a connection and waits for the
// peer's. c.mu must be held.
func (c *Client) startHeartbeatLocked(s *session) {
	c.sendPingLocked(s)
}

func (c *Client) sendPingLocked(s *session) {
	if c.sendLocked(s, &protocol.Ping{}, nil) == nil {
		c.metrics.RecordPingSent(s.ctx)
	}
	c.armHeartbeatLocked(s, c.pongTimeout, true)
}

func (c *Client) heartbeatFired(s *session, seq uint64, awaitingPong bool) {
	c.mu.Lock()
	if c.sess != s || c.heartbeatSeq != seq || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.heartbeat = nil

	if !awaitingPong {
		c.logger.Debug("Sending ping")
		c.sendPingLocked(s)
		c.mu.Unlock()
		return
	}
	connectionID := c.connectionID
	c.mu.Unlock()

	c.logger.Error("Server failed to respond to ping, closing connection",
		zap.Int64("connection_id", connectionID),
		zap.Duration("pong_timeout", c.pongTimeout))
	c.metrics.RecordPongTimeout(s.ctx)
	c.teardown(s, ErrHeartbeatTimeout, websocket.StatusGoingAway, "heartbeat timeout")
}

// handlePing treats the peer's ping as the answer to ours and schedules the
// next one.
func (c *Client) handlePing(s *session, ping *protocol.Ping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s || c.state != StateConnected {
		return
	}

	c.logger.Debug("Received ping", zap.Bool("response", ping.Response))
	c.armHeartbeatLocked(s, c.pingInterval, false)
}
