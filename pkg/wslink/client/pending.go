package client

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/miximus/wslink/pkg/wslink/o11y"
	"github.com/miximus/wslink/pkg/wslink/protocol"
	"go.uber.org/zap"
)

// ErrWriteQueueFull is returned when the socket writer is too far behind to
// accept another frame.
var ErrWriteQueueFull = errors.New("write queue is full")

var errNilMessage = errors.New("cannot send nil message")

// Send writes msg to the server. When onReply is non-nil the message is
// stamped with a fresh token and onReply is called exactly once with the
// matching result or error frame, unless the connection closes first, in
// which case it is never called.
//
// Send reports false without writing anything when the client is not
// connected. There is no buffering; retrying is up to the caller.
func (c *Client) Send(msg protocol.Message, onReply ReplyHandler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(c.sess, msg, onReply) == nil
}

// Request sends msg and waits for its reply. It returns ErrNotConnected when
// the message could not be sent, ErrAbandoned when the connection closed
// before the reply arrived, and ctx.Err() when ctx ends first. An error frame
// from the server is returned as a *protocol.Error.
func (c *Client) Request(ctx context.Context, msg protocol.Message) (protocol.Reply, error) {
	ctx, span := o11y.StartSpan(ctx, c.tracing, "wslink.request")
	defer span.End()
	span.SetAttributes(requestAttributes(msg)...)

	start := time.Now()
	replies := make(chan protocol.Reply, 1)

	c.mu.Lock()
	s := c.sess
	err := c.sendLocked(s, msg, func(reply protocol.Reply) {
		replies <- reply
	})
	token := protocol.TokenOf(msg)
	c.mu.Unlock()

	if err != nil {
		span.SetStatus(o11y.SpanStatusError, err.Error())
		return nil, err
	}

	finish := func(reply protocol.Reply) (protocol.Reply, error) {
		if err := reply.Err(); err != nil {
			c.metrics.RecordRequestLatency(ctx, time.Since(start).Seconds(), "error")
			span.SetStatus(o11y.SpanStatusError, err.Error())
			return nil, err
		}
		c.metrics.RecordRequestLatency(ctx, time.Since(start).Seconds(), "ok")
		span.SetStatus(o11y.SpanStatusOK, "")
		return reply, nil
	}

	select {
	case reply := <-replies:
		return finish(reply)
	case <-ctx.Done():
		c.forget(token)
		c.metrics.RecordRequestLatency(ctx, time.Since(start).Seconds(), "cancelled")
		span.SetStatus(o11y.SpanStatusError, ctx.Err().Error())
		return nil, ctx.Err()
	case <-s.closed:
		select {
		case reply := <-replies:
			return finish(reply)
		default:
		}
		c.metrics.RecordRequestLatency(ctx, time.Since(start).Seconds(), "abandoned")
		span.SetStatus(o11y.SpanStatusError, ErrAbandoned.Error())
		return nil, ErrAbandoned
	}
}

// sendLocked encodes msg and queues it on the writer of session s, registering
// onReply under a new token when given. c.mu must be held.
func (c *Client) sendLocked(s *session, msg protocol.Message, onReply ReplyHandler) error {
	if msg == nil {
		return errNilMessage
	}
	if s == nil || c.sess != s || c.state != StateConnected {
		c.logger.Debug("Dropping message, client is not connected",
			zap.String("action", string(msg.Action())))
		return ErrNotConnected
	}

	var token string
	if onReply != nil {
		token = strconv.FormatUint(c.nextToken, 10)
		c.nextToken++
		msg.SetToken(token)
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Warn("Failed to encode message",
			zap.String("action", string(msg.Action())),
			zap.Error(err))
		return err
	}

	select {
	case s.outbound <- data:
	default:
		c.logger.Warn("Write queue full, dropping message",
			zap.String("action", string(msg.Action())),
			zap.Int("queue_size", cap(s.outbound)))
		return ErrWriteQueueFull
	}

	if onReply != nil {
		c.pending[token] = onReply
		c.metrics.RecordPendingCalls(s.ctx, len(c.pending))
	}
	c.metrics.RecordFrameSent(s.ctx, len(data), string(msg.Action()))
	return nil
}

// handleReply resolves the pending call named by the reply's token.
func (c *Client) handleReply(s *session, reply protocol.Reply) {
	token := protocol.TokenOf(reply)

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	onReply, ok := c.pending[token]
	if ok {
		delete(c.pending, token)
		c.metrics.RecordPendingCalls(s.ctx, len(c.pending))
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("Unknown token in reply",
			zap.String("action", string(reply.Action())),
			zap.String("token", token))
		c.metrics.RecordDroppedReply(s.ctx)
		return
	}

	onReply(reply)
}

// forget drops a pending call whose caller stopped waiting.
func (c *Client) forget(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, token)
}

func requestAttributes(msg protocol.Message) []o11y.Label {
	if msg == nil {
		return nil
	}
	labels := []o11y.Label{{Key: "action", Value: string(msg.Action())}}
	switch m := msg.(type) {
	case *protocol.Command:
		labels = append(labels, o11y.Label{Key: "topic", Value: m.Topic})
	case *protocol.Subscribe:
		labels = append(labels, o11y.Label{Key: "topic", Value: m.Topic})
	case *protocol.Unsubscribe:
		labels = append(labels, o11y.Label{Key: "topic", Value: m.Topic})
	}
	return labels
}
