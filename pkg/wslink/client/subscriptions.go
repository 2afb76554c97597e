package client

import (
	"github.com/miximus/wslink/pkg/wslink/protocol"
	"go.uber.org/zap"
)

// Subscribe registers handler for commands broadcast on topic. The first
// handler for a topic subscribes on the server; later ones only join the local
// set. Subscribing the same handler twice is a no-op.
//
// The subscription outlives the connection: it is replayed after every
// reconnect until Unsubscribe removes the last handler.
func (c *Client) Subscribe(topic string, handler CommandHandler) {
	if handler == nil {
		c.logger.Warn("Ignoring nil handler", zap.String("topic", topic))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	handlers := c.subscriptions[topic]
	for _, h := range handlers {
		if h == handler {
			c.logger.Warn("Handler already subscribed to topic", zap.String("topic", topic))
			return
		}
	}

	c.subscriptions[topic] = append(handlers, handler)
	c.logger.Debug("Subscribed handler",
		zap.String("topic", topic),
		zap.Int("handlers", len(handlers)+1))

	if len(handlers) == 0 && c.state == StateConnected {
		c.sendSubscriptionLocked(&protocol.Subscribe{Topic: topic}, topic)
	}
}

// Unsubscribe removes handler from topic. Removing the last handler
// unsubscribes on the server. Unknown handlers are ignored.
func (c *Client) Unsubscribe(topic string, handler CommandHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	handlers, ok := c.subscriptions[topic]
	if !ok {
		c.logger.Warn("Unsubscribe from topic with no handlers", zap.String("topic", topic))
		return
	}

	index := -1
	for i, h := range handlers {
		if h == handler {
			index = i
			break
		}
	}
	if index < 0 {
		c.logger.Warn("Handler not subscribed to topic", zap.String("topic", topic))
		return
	}

	if len(handlers) > 1 {
		c.subscriptions[topic] = append(handlers[:index:index], handlers[index+1:]...)
		return
	}

	delete(c.subscriptions, topic)
	c.logger.Debug("Last handler removed", zap.String("topic", topic))

	if c.state == StateConnected {
		c.sendSubscriptionLocked(&protocol.Unsubscribe{Topic: topic}, topic)
	}
}

// Topics returns the topics that currently have at least one handler.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	topics := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		topics = append(topics, topic)
	}
	return topics
}

// replaySubscriptionsLocked resubscribes every topic on a fresh connection.
// c.mu must be held.
func (c *Client) replaySubscriptionsLocked() {
	for topic := range c.subscriptions {
		c.sendSubscriptionLocked(&protocol.Subscribe{Topic: topic}, topic)
	}
}

// sendSubscriptionLocked sends a subscribe or unsubscribe whose reply is only
// logged. c.mu must be held.
func (c *Client) sendSubscriptionLocked(msg protocol.Message, topic string) {
	action := string(msg.Action())
	logger := c.logger
	err := c.sendLocked(c.sess, msg, func(reply protocol.Reply) {
		if err := reply.Err(); err != nil {
			logger.Warn("Server rejected subscription change",
				zap.String("action", action),
				zap.String("topic", topic),
				zap.Error(err))
			return
		}
		logger.Debug("Subscription change acknowledged",
			zap.String("action", action),
			zap.String("topic", topic))
	})
	if err != nil {
		c.logger.Debug("Subscription change not sent",
			zap.String("action", action),
			zap.String("topic", topic),
			zap.Error(err))
	}
}

// handleCommand delivers a broadcast to every handler of its topic.
func (c *Client) handleCommand(s *session, cmd *protocol.Command) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	handlers := append([]CommandHandler(nil), c.subscriptions[cmd.Topic]...)
	isOrigin := cmd.OriginID != nil && c.state == StateConnected && *cmd.OriginID == c.connectionID
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.logger.Warn("Received command for topic not currently subscribed",
			zap.String("topic", cmd.Topic))
		return
	}

	for _, handler := range handlers {
		handler.OnCommand(c.ctx, cmd, isOrigin)
	}
}
