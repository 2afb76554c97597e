package client

import (
	"context"

	"github.com/miximus/wslink/pkg/wslink/o11y"
)

// Metrics holds the instruments recorded by the client. A nil *Metrics
// records nothing.
type Metrics struct {
	// Connection metrics
	connectAttempts o11y.Counter // Sockets opened or attempted
	connects        o11y.Counter // Sessions that reached connected state
	disconnects     o11y.Counter // Connected sessions that ended
	dialErrors      o11y.Counter // Failed dials
	connected       o11y.Gauge   // 1 while connected, 0 otherwise

	// Message metrics
	framesSent      o11y.Counter   // Frames written, by action
	framesReceived  o11y.Counter   // Frames read, by action
	malformedFrames o11y.Counter   // Frames dropped by the dispatcher
	frameSize       o11y.Histogram // Frame size in bytes, by direction

	// Correlation metrics
	pendingCalls   o11y.Gauge     // Requests awaiting a reply
	droppedReplies o11y.Counter   // Replies with unknown or duplicate tokens
	abandonedCalls o11y.Counter   // Pending requests dropped by a disconnect
	requestLatency o11y.Histogram // Request round trip in seconds

	// Health metrics
	pingsSent    o11y.Counter
	pongTimeouts o11y.Counter
}

// NewMetrics creates the client instruments from provider. A nil provider
// yields nil.
func NewMetrics(provider o11y.MetricsProvider) *Metrics {
	if provider == nil {
		return nil
	}

	return &Metrics{
		connectAttempts: provider.Counter("wslink_connect_attempts_total"),
		connects:        provider.Counter("wslink_connects_total"),
		disconnects:     provider.Counter("wslink_disconnects_total"),
		dialErrors:      provider.Counter("wslink_dial_errors_total"),
		connected:       provider.Gauge("wslink_connected"),

		framesSent:      provider.Counter("wslink_frames_sent_total"),
		framesReceived:  provider.Counter("wslink_frames_received_total"),
		malformedFrames: provider.Counter("wslink_malformed_frames_total"),
		frameSize:       provider.Histogram("wslink_frame_size_bytes"),

		pendingCalls:   provider.Gauge("wslink_pending_calls"),
		droppedReplies: provider.Counter("wslink_dropped_replies_total"),
		abandonedCalls: provider.Counter("wslink_abandoned_calls_total"),
		requestLatency: provider.Histogram("wslink_request_duration_seconds"),

		pingsSent:    provider.Counter("wslink_pings_sent_total"),
		pongTimeouts: provider.Counter("wslink_pong_timeouts_total"),
	}
}

func (m *Metrics) RecordConnectAttempt(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectAttempts.Add(ctx, 1)
}

func (m *Metrics) RecordDialError(ctx context.Context) {
	if m == nil {
		return
	}
	m.dialErrors.Add(ctx, 1)
}

func (m *Metrics) RecordConnected(ctx context.Context) {
	if m == nil {
		return
	}
	m.connects.Add(ctx, 1)
	m.connected.Set(ctx, 1)
}

// RecordDisconnected records the end of a session. abandoned is the number of
// pending calls dropped with it.
func (m *Metrics) RecordDisconnected(ctx context.Context, wasConnected bool, abandoned int) {
	if m == nil {
		return
	}
	if wasConnected {
		m.disconnects.Add(ctx, 1)
	}
	m.connected.Set(ctx, 0)
	m.pendingCalls.Set(ctx, 0)
	if abandoned > 0 {
		m.abandonedCalls.Add(ctx, int64(abandoned))
	}
}

func (m *Metrics) RecordFrameSent(ctx context.Context, sizeBytes int, action string) {
	if m == nil {
		return
	}
	m.framesSent.Add(ctx, 1, o11y.Label{Key: "action", Value: action})
	m.frameSize.Record(ctx, float64(sizeBytes), o11y.Label{Key: "direction", Value: "sent"})
}

func (m *Metrics) RecordFrameReceived(ctx context.Context, sizeBytes int, action string) {
	if m == nil {
		return
	}
	m.framesReceived.Add(ctx, 1, o11y.Label{Key: "action", Value: action})
	m.frameSize.Record(ctx, float64(sizeBytes), o11y.Label{Key: "direction", Value: "received"})
}

func (m *Metrics) RecordMalformedFrame(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.malformedFrames.Add(ctx, 1, o11y.Label{Key: "reason", Value: reason})
}

func (m *Metrics) RecordPendingCalls(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.pendingCalls.Set(ctx, float64(count))
}

func (m *Metrics) RecordDroppedReply(ctx context.Context) {
	if m == nil {
		return
	}
	m.droppedReplies.Add(ctx, 1)
}

func (m *Metrics) RecordRequestLatency(ctx context.Context, seconds float64, outcome string) {
	if m == nil {
		return
	}
	m.requestLatency.Record(ctx, seconds, o11y.Label{Key: "outcome", Value: outcome})
}

func (m *Metrics) RecordPingSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.pingsSent.Add(ctx, 1)
}

func (m *Metrics) RecordPongTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.pongTimeouts.Add(ctx, 1)
}
