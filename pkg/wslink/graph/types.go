// Package graph speaks the node-graph topics carried over a wslink connection:
// typed command payloads, a live local mirror of the server's graph and an
// editor that issues changes.
package graph

import (
	"errors"
	"fmt"

	"github.com/miximus/wslink/pkg/wslink/protocol"
)

// Topics of the node-graph protocol.
const (
	TopicAddNode          = "add_node"
	TopicRemoveNode       = "remove_node"
	TopicAddConnection    = "add_connection"
	TopicRemoveConnection = "remove_connection"
	TopicUpdateNode       = "update_node"
	TopicConfig           = "config"
)

// ChangeTopics are the topics the server broadcasts graph changes on.
var ChangeTopics = []string{
	TopicAddNode,
	TopicRemoveNode,
	TopicAddConnection,
	TopicRemoveConnection,
	TopicUpdateNode,
}

// Options holds the settings of a node. Besides the type-specific options,
// every node may carry a "name" and a "position".
type Options map[string]any

// Name returns the display name of the node, if set.
func (o Options) Name() (string, bool) {
	name, ok := o["name"].(string)
	return name, ok
}

// Position returns the editor position of the node, if set.
func (o Options) Position() (x, y float64, ok bool) {
	switch pos := o["position"].(type) {
	case []any:
		if len(pos) != 2 {
			return 0, 0, false
		}
		x, okX := pos[0].(float64)
		y, okY := pos[1].(float64)
		return x, y, okX && okY
	case []float64:
		if len(pos) != 2 {
			return 0, 0, false
		}
		return pos[0], pos[1], true
	}
	return 0, 0, false
}

func (o Options) clone() Options {
	if o == nil {
		return nil
	}
	c := make(Options, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

// Node is one processing node of the graph.
type Node struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Options Options `json:"options"`
}

func (n *Node) clone() *Node {
	return &Node{ID: n.ID, Type: n.Type, Options: n.Options.clone()}
}

// Connection links an output interface of one node to an input interface of
// another.
type Connection struct {
	FromNode      string `json:"from_node"`
	FromInterface string `json:"from_interface"`
	ToNode        string `json:"to_node"`
	ToInterface   string `json:"to_interface"`
}

func (c Connection) String() string {
	return fmt.Sprintf("%s.%s -> %s.%s", c.FromNode, c.FromInterface, c.ToNode, c.ToInterface)
}

// Config is the complete graph as returned by the config topic.
type Config struct {
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
}

// AddNodePayload is the body of add_node commands.
type AddNodePayload struct {
	Node Node `json:"node"`
}

// RemoveNodePayload is the body of remove_node commands.
type RemoveNodePayload struct {
	ID string `json:"id"`
}

// UpdateNodePayload is the body of update_node commands. Requests carry the
// options to change; broadcasts carry the node's complete options.
type UpdateNodePayload struct {
	ID      string  `json:"id"`
	Options Options `json:"options"`
}

// ConnectionPayload is the body of add_connection and remove_connection
// commands.
type ConnectionPayload struct {
	Connection Connection `json:"connection"`
}

// ConfigResult is the result of a config command.
type ConfigResult struct {
	Config Config `json:"config"`
}

// ErrorCode is the code a server puts in error replies.
type ErrorCode string

const (
	CodeInternalError      ErrorCode = "internal_error"
	CodeMalformedPayload   ErrorCode = "malformed_payload"
	CodeInvalidTopic       ErrorCode = "invalid_topic"
	CodeInvalidType        ErrorCode = "invalid_type"
	CodeDuplicateID        ErrorCode = "duplicate_id"
	CodeInvalidOptions     ErrorCode = "invalid_options"
	CodeNotFound           ErrorCode = "not_found"
	CodeCircularConnection ErrorCode = "circular_connection"
)

// ServerError is a graph command rejected by the server.
type ServerError struct {
	Topic string
	Code  ErrorCode
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s rejected by server: %s", e.Topic, e.Code)
}

// IsCode reports whether err is a ServerError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var serverErr *ServerError
	return errors.As(err, &serverErr) && serverErr.Code == code
}

func serverError(topic string, err error) error {
	var replyErr *protocol.Error
	if errors.As(err, &replyErr) {
		return &ServerError{Topic: topic, Code: ErrorCode(replyErr.Message)}
	}
	return err
}
