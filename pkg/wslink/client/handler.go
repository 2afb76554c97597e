package client

import (
	"context"

	"github.com/miximus/wslink/pkg/wslink/protocol"
)

// CommandHandler receives the commands broadcast on a subscribed topic.
//
// isOrigin reports whether the command was caused by this client's current
// connection, so handlers can skip reacting to their own writes. The command
// is shared between all handlers of the topic and must not be modified.
//
// Handlers are compared by interface equality when subscribing and
// unsubscribing, so implementations must be comparable; use pointer types.
type CommandHandler interface {
	OnCommand(ctx context.Context, cmd *protocol.Command, isOrigin bool)
}

// HandlerFunc adapts a function into a CommandHandler. Each call to
// NewHandler yields a distinct handler identity.
type HandlerFunc func(ctx context.Context, cmd *protocol.Command, isOrigin bool)

type funcHandler struct {
	fn HandlerFunc
}

// NewHandler wraps fn so it can be passed to Subscribe and Unsubscribe. Keep
// the returned value to unsubscribe later.
func NewHandler(fn HandlerFunc) CommandHandler {
	return &funcHandler{fn: fn}
}

func (h *funcHandler) OnCommand(ctx context.Context, cmd *protocol.Command, isOrigin bool) {
	h.fn(ctx, cmd, isOrigin)
}

// ReplyHandler receives the single reply to a tokened request. Server-side
// failures arrive here too, as *protocol.Error; check reply.Err().
type ReplyHandler func(reply protocol.Reply)

// Monitor receives connection lifecycle notifications.
type Monitor interface {
	// OnConnect is called once the server has assigned a connection identity
	// and subscriptions have been replayed.
	OnConnect(ctx context.Context, connectionID int64)
	// OnDisconnect is called when a connected session ends. reason is nil when
	// the client was destroyed, ErrHeartbeatTimeout when the peer went silent,
	// and the transport error otherwise.
	OnDisconnect(ctx context.Context, connectionID int64, reason error)
}
