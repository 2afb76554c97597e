package protocol

import (
	"encoding/json"
	"fmt"
)

// Action identifies the kind of a frame. It is carried in the "action" field
// of every JSON object exchanged over the socket.
type Action string

const (
	// Client to server
	ActionSubscribe   Action = "subscribe"   // Start receiving commands for a topic
	ActionUnsubscribe Action = "unsubscribe" // Stop receiving commands for a topic

	// Server to client
	ActionSocketInfo Action = "socket_info" // Connection identity, sent once per socket
	ActionResult     Action = "result"      // Successful reply to a tokened request
	ActionError      Action = "error"       // Failed reply to a tokened request

	// Bidirectional
	ActionPing    Action = "ping"    // Liveness probe; the peer's ping doubles as the pong
	ActionCommand Action = "command" // Topic command, broadcast by the server to subscribers
)

// Reserved envelope keys. Anything else on a command, result or error frame is
// topic-specific payload.
const (
	keyAction   = "action"
	keyToken    = "token"
	keyTopic    = "topic"
	keyOriginID = "origin_id"
	keyID       = "id"
	keyError    = "error"
	keyResponse = "response"
)

// Message is one complete protocol frame. The set of implementations is closed:
// *Subscribe, *Unsubscribe, *Ping, *SocketInfo, *Command, *Result, *Error and
// *Unknown.
type Message interface {
	Action() Action
	SetToken(token string)
	header() *Header
}

// Header holds the fields shared by every frame.
type Header struct {
	// Token correlates a request with its reply. Empty on fire-and-forget
	// requests and on broadcasts.
	Token string
}

// SetToken stamps the correlation token.
func (h *Header) SetToken(token string) { h.Token = token }

func (h *Header) header() *Header { return h }

// TokenOf returns the correlation token of msg, or "" when it has none.
func TokenOf(msg Message) string {
	if msg == nil {
		return ""
	}
	return msg.header().Token
}

// Subscribe asks the server to start broadcasting Topic to this connection.
type Subscribe struct {
	Header
	Topic string
}

func (*Subscribe) Action() Action { return ActionSubscribe }

// Unsubscribe asks the server to stop broadcasting Topic to this connection.
type Unsubscribe struct {
	Header
	Topic string
}

func (*Unsubscribe) Action() Action { return ActionUnsubscribe }

// Ping is the liveness probe. Servers answer with a ping carrying Response=true.
type Ping struct {
	Header
	Response bool
}

func (*Ping) Action() Action { return ActionPing }

// SocketInfo announces the identity the server assigned to this connection.
type SocketInfo struct {
	Header
	ID int64
}

func (*SocketInfo) Action() Action { return ActionSocketInfo }

// Command is a topic command. Outbound commands carry their topic-specific
// fields in Payload, which must encode to a JSON object; its fields are merged
// into the envelope. Inbound commands expose the extra fields in Fields and the
// whole frame through Decode.
type Command struct {
	Header
	Topic    string
	OriginID *int64
	Payload  any
	Fields   map[string]json.RawMessage

	raw []byte
}

func (*Command) Action() Action { return ActionCommand }

// Decode unmarshals the complete frame into v.
func (c *Command) Decode(v any) error {
	return decodeFrame(c.raw, c.Fields, v)
}

// Reply is the answer to a tokened request: either a *Result or an *Error.
type Reply interface {
	Message
	// Decode unmarshals the complete reply frame into v.
	Decode(v any) error
	// Err returns the *Error when the server rejected the request, nil otherwise.
	Err() error
}

// Result is a successful reply.
type Result struct {
	Header
	Fields map[string]json.RawMessage

	raw []byte
}

func (*Result) Action() Action { return ActionResult }

func (r *Result) Decode(v any) error { return decodeFrame(r.raw, r.Fields, v) }

func (r *Result) Err() error { return nil }

// Error is a failed reply. Message holds the server's error code.
type Error struct {
	Header
	Message string
	Fields  map[string]json.RawMessage

	raw []byte
}

func (*Error) Action() Action { return ActionError }

func (e *Error) Decode(v any) error { return decodeFrame(e.raw, e.Fields, v) }

func (e *Error) Err() error { return e }

func (e *Error) Error() string {
	if e.Message == "" {
		return "server error"
	}
	return fmt.Sprintf("server error: %s", e.Message)
}

// Unknown is a well-formed frame whose action this package does not know.
type Unknown struct {
	Header
	Name   Action
	Fields map[string]json.RawMessage
}

func (u *Unknown) Action() Action { return u.Name }

func decodeFrame(raw []byte, fields map[string]json.RawMessage, v any) error {
	if raw == nil {
		// Locally constructed; re-encode the extra fields only.
		data, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		raw = data
	}
	return json.Unmarshal(raw, v)
}
