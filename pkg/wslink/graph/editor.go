package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/miximus/wslink/pkg/wslink/protocol"
	"go.uber.org/zap"
)

// ErrCircularConnection is returned by AddConnection when the mirror already
// shows that the connection would close a cycle.
var ErrCircularConnection = errors.New("connection would create a cycle")

// Requester is the part of *client.Client the editor needs.
type Requester interface {
	Request(ctx context.Context, msg protocol.Message) (protocol.Reply, error)
}

// Editor issues graph changes and waits for the server to accept them. The
// resulting broadcasts reach every subscribed client, including this one, with
// the origin flag set.
type Editor struct {
	requester Requester
	mirror    *Mirror
	logger    *zap.Logger
}

// NewEditor creates an editor. mirror is optional; when given, connections
// that would be circular are rejected without a round trip.
func NewEditor(requester Requester, mirror *Mirror, logger *zap.Logger) *Editor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Editor{requester: requester, mirror: mirror, logger: logger}
}

// AddNode creates a node of nodeType and returns its new id.
func (e *Editor) AddNode(ctx context.Context, nodeType string, options Options) (string, error) {
	if options == nil {
		options = Options{}
	}
	node := Node{ID: uuid.NewString(), Type: nodeType, Options: options}

	if err := e.command(ctx, TopicAddNode, AddNodePayload{Node: node}, nil); err != nil {
		return "", err
	}
	e.logger.Debug("Node added", zap.String("id", node.ID), zap.String("type", nodeType))
	return node.ID, nil
}

// RemoveNode deletes a node and every connection touching it.
func (e *Editor) RemoveNode(ctx context.Context, id string) error {
	return e.command(ctx, TopicRemoveNode, RemoveNodePayload{ID: id}, nil)
}

// UpdateNode merges options into the node's options. Options the node does not
// accept are ignored by the server.
func (e *Editor) UpdateNode(ctx context.Context, id string, options Options) error {
	return e.command(ctx, TopicUpdateNode, UpdateNodePayload{ID: id, Options: options}, nil)
}

// AddConnection links two node interfaces.
func (e *Editor) AddConnection(ctx context.Context, c Connection) error {
	if e.mirror != nil && e.mirror.WouldCycle(c.FromNode, c.ToNode) {
		return fmt.Errorf("%w: %s", ErrCircularConnection, c)
	}
	return e.command(ctx, TopicAddConnection, ConnectionPayload{Connection: c}, nil)
}

// RemoveConnection unlinks two node interfaces.
func (e *Editor) RemoveConnection(ctx context.Context, c Connection) error {
	return e.command(ctx, TopicRemoveConnection, ConnectionPayload{Connection: c}, nil)
}

// FetchConfig asks the server for the complete graph.
func (e *Editor) FetchConfig(ctx context.Context) (Config, error) {
	var result ConfigResult
	if err := e.command(ctx, TopicConfig, nil, &result); err != nil {
		return Config{}, err
	}
	return result.Config, nil
}

func (e *Editor) command(ctx context.Context, topic string, payload any, result any) error {
	reply, err := e.requester.Request(ctx, &protocol.Command{Topic: topic, Payload: payload})
	if err != nil {
		return serverError(topic, err)
	}
	if result != nil {
		if err := reply.Decode(result); err != nil {
			return fmt.Errorf("invalid %s reply: %w", topic, err)
		}
	}
	return nil
}
