// Package transform filters and reshapes received commands before they are
// printed or forwarded.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/miximus/wslink/pkg/wslink/client"
	"github.com/miximus/wslink/pkg/wslink/protocol"
	"go.uber.org/zap"
)

// Event is a received command with its fields decoded into plain Go values.
type Event struct {
	Topic    string
	OriginID *int64
	IsOrigin bool
	Payload  any
}

// NewEvent decodes the topic-specific fields of cmd. The payload of the
// resulting event is a map[string]any holding every field except the
// envelope keys.
func NewEvent(cmd *protocol.Command, isOrigin bool) (*Event, error) {
	payload := make(map[string]any, len(cmd.Fields))
	for key, raw := range cmd.Fields {
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		payload[key] = value
	}

	return &Event{
		Topic:    cmd.Topic,
		OriginID: cmd.OriginID,
		IsOrigin: isOrigin,
		Payload:  payload,
	}, nil
}

// EventTransformFunc transforms a received event.
//
// Returns:
//   - *Event: The transformed event (nil to drop it)
//   - bool: Whether to continue calling subsequent transforms (ignored if the event is nil)
type EventTransformFunc func(ev *Event) (*Event, bool)

// DropTopicPattern drops events whose topic matches an MQTT-style pattern.
//
// Pattern examples:
//   - "debug/+" - drops "debug/ping" but not "debug/a/b"
//   - "debug/#" - drops every topic under "debug/"
//   - "+" - drops every single-level topic such as "add_node"
func DropTopicPattern(pattern string) EventTransformFunc {
	return func(ev *Event) (*Event, bool) {
		if mqttpattern.Matches(pattern, ev.Topic) {
			return nil, false
		}
		return ev, true
	}
}

// KeepTopicPattern drops every event whose topic does not match pattern.
func KeepTopicPattern(pattern string) EventTransformFunc {
	return func(ev *Event) (*Event, bool) {
		if !mqttpattern.Matches(pattern, ev.Topic) {
			return nil, false
		}
		return ev, true
	}
}

// DropTopicPrefix drops events whose topic starts with prefix.
func DropTopicPrefix(prefix string) EventTransformFunc {
	return func(ev *Event) (*Event, bool) {
		if strings.HasPrefix(ev.Topic, prefix) {
			return nil, false
		}
		return ev, true
	}
}

// DropOrigin drops events caused by this client's own connection.
func DropOrigin() EventTransformFunc {
	return func(ev *Event) (*Event, bool) {
		if ev.IsOrigin {
			return nil, false
		}
		return ev, true
	}
}

// RateLimitByTopic passes at most one event per topic every minInterval.
// The returned function is not safe for concurrent use.
func RateLimitByTopic(minInterval time.Duration) EventTransformFunc {
	lastSent := make(map[string]time.Time)

	return func(ev *Event) (*Event, bool) {
		now := time.Now()
		if last, exists := lastSent[ev.Topic]; exists && now.Sub(last) < minInterval {
			return nil, false
		}
		lastSent[ev.Topic] = now
		return ev, true
	}
}

// ChainTransforms combines several transforms into one. The chain stops at
// the first transform that drops the event or asks not to continue.
func ChainTransforms(transforms ...EventTransformFunc) EventTransformFunc {
	return func(ev *Event) (*Event, bool) {
		current := ev
		for _, transform := range transforms {
			if current == nil {
				return nil, true
			}

			transformed, continueProcessing := transform(current)
			current = transformed

			if current == nil || !continueProcessing {
				return current, continueProcessing
			}
		}
		return current, true
	}
}

// EventFunc receives the events that made it through a transform.
type EventFunc func(ctx context.Context, ev *Event)

// Handler is a client.CommandHandler that decodes each command into an Event,
// runs it through a transform and hands the survivors to a sink.
type Handler struct {
	transform EventTransformFunc
	sink      EventFunc
	logger    *zap.Logger
}

// NewHandler creates a Handler. transform may be nil to pass every event.
func NewHandler(transform EventTransformFunc, sink EventFunc, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{transform: transform, sink: sink, logger: logger}
}

func (h *Handler) OnCommand(ctx context.Context, cmd *protocol.Command, isOrigin bool) {
	ev, err := NewEvent(cmd, isOrigin)
	if err != nil {
		h.logger.Warn("Failed to decode command", zap.String("topic", cmd.Topic), zap.Error(err))
		return
	}

	if h.transform != nil {
		ev, _ = h.transform(ev)
		if ev == nil {
			return
		}
	}

	h.sink(ctx, ev)
}

var _ client.CommandHandler = (*Handler)(nil)
