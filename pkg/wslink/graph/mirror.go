package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/heimdalr/dag"
	"github.com/miximus/wslink/pkg/wslink/client"
	"github.com/miximus/wslink/pkg/wslink/protocol"
	"github.com/tsarna/go-structdiff"
	"go.uber.org/zap"
)

// Session is the part of *client.Client the mirror needs.
type Session interface {
	Send(msg protocol.Message, onReply client.ReplyHandler) bool
	Subscribe(topic string, handler client.CommandHandler)
	Unsubscribe(topic string, handler client.CommandHandler)
	AddMonitor(monitor client.Monitor)
	RemoveMonitor(monitor client.Monitor)
}

// ChangeKind identifies what a Change did to the mirror.
type ChangeKind int

const (
	ChangeReset ChangeKind = iota // The whole graph was reloaded
	ChangeNodeAdded
	ChangeNodeRemoved
	ChangeNodeUpdated
	ChangeConnectionAdded
	ChangeConnectionRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeReset:
		return "reset"
	case ChangeNodeAdded:
		return "node_added"
	case ChangeNodeRemoved:
		return "node_removed"
	case ChangeNodeUpdated:
		return "node_updated"
	case ChangeConnectionAdded:
		return "connection_added"
	case ChangeConnectionRemoved:
		return "connection_removed"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change describes one update applied to the mirror.
type Change struct {
	Kind ChangeKind
	// Node is a copy of the node after the change, or before it for removals.
	Node *Node
	// Connection is set for connection changes.
	Connection *Connection
	// Delta holds the options that changed on ChangeNodeUpdated. Removed
	// options map to nil.
	Delta map[string]any
	// IsOrigin is set when the change was caused by this client's connection.
	IsOrigin bool
}

// Listener receives mirror changes. Calls are serialized and made after the
// mirror has been updated, on the connection's read goroutine: a listener
// that waits on Request deadlocks.
type Listener interface {
	OnChange(ctx context.Context, change Change)
}

// ListenerFunc adapts a function into a Listener.
type ListenerFunc func(ctx context.Context, change Change)

func (f ListenerFunc) OnChange(ctx context.Context, change Change) { f(ctx, change) }

type edge struct{ from, to string }

var (
	_ client.CommandHandler = (*Mirror)(nil)
	_ client.Monitor        = (*Mirror)(nil)
)

// Mirror keeps a local copy of the server's node graph. It reloads the full
// configuration on every connect and then follows the change broadcasts.
type Mirror struct {
	session Session
	logger  *zap.Logger

	mu          sync.RWMutex
	nodes       map[string]*Node
	connections map[Connection]struct{}
	graph       *dag.DAG
	edges       map[edge]int
	loaded      bool
	listeners   []Listener
	started     bool
}

// NewMirror creates a mirror on session. Call Start to begin following the
// server.
func NewMirror(session Session, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mirror{
		session: session,
		logger:  logger,
	}
	m.resetLocked()
	return m
}

// AddListener registers a change listener.
func (m *Mirror) AddListener(listener Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Start subscribes to the change topics and loads the graph, now if the
// session is connected and again after every reconnect.
func (m *Mirror) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	for _, topic := range ChangeTopics {
		m.session.Subscribe(topic, m)
	}
	m.session.AddMonitor(m)
	m.requestConfig()
}

// Close stops following the server. The last known graph stays readable.
func (m *Mirror) Close() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	m.session.RemoveMonitor(m)
	for _, topic := range ChangeTopics {
		m.session.Unsubscribe(topic, m)
	}
}

// Loaded reports whether the graph has been loaded on the current connection.
func (m *Mirror) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

// Node returns a copy of the node with the given id.
func (m *Mirror) Node(id string) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[id]
	if !ok {
		return nil, false
	}
	return node.clone(), true
}

// Nodes returns copies of all nodes, sorted by id.
func (m *Mirror) Nodes() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]*Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		nodes = append(nodes, node.clone())
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Connections returns all connections in a stable order.
func (m *Mirror) Connections() []Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	connections := make([]Connection, 0, len(m.connections))
	for c := range m.connections {
		connections = append(connections, c)
	}
	sort.Slice(connections, func(i, j int) bool {
		return connections[i].String() < connections[j].String()
	})
	return connections
}

// Config returns a snapshot of the graph.
func (m *Mirror) Config() Config {
	var cfg Config
	for _, node := range m.Nodes() {
		cfg.Nodes = append(cfg.Nodes, *node)
	}
	cfg.Connections = m.Connections()
	return cfg
}

// TopologicalOrder returns node ids so that every node comes after the nodes
// feeding it.
func (m *Mirror) TopologicalOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	visitor := &orderVisitor{}
	m.graph.OrderedWalk(visitor)
	return visitor.ids
}

type orderVisitor struct {
	ids []string
}

func (v *orderVisitor) Visit(vertex dag.Vertexer) {
	id, _ := vertex.Vertex()
	v.ids = append(v.ids, id)
}

// WouldCycle reports whether connecting from into to would make the graph
// circular. Unknown nodes never cycle.
func (m *Mirror) WouldCycle(from, to string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if from == to {
		return true
	}
	if _, ok := m.nodes[from]; !ok {
		return false
	}
	if _, ok := m.nodes[to]; !ok {
		return false
	}

	descendants, err := m.graph.GetDescendants(to)
	if err != nil {
		return false
	}
	_, found := descendants[from]
	return found
}

// Load replaces the mirrored graph with cfg.
func (m *Mirror) Load(cfg Config) {
	m.mu.Lock()
	m.resetLocked()
	for i := range cfg.Nodes {
		node := cfg.Nodes[i]
		m.addNodeLocked(&node)
	}
	for _, c := range cfg.Connections {
		if err := m.addConnectionLocked(c); err != nil {
			m.logger.Warn("Skipping connection in config", zap.Stringer("connection", c), zap.Error(err))
		}
	}
	m.loaded = true
	nodes := len(m.nodes)
	connections := len(m.connections)
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.Info("Graph loaded", zap.Int("nodes", nodes), zap.Int("connections", connections))
	m.notify(listeners, Change{Kind: ChangeReset})
}

// OnConnect reloads the graph on every new connection.
func (m *Mirror) OnConnect(ctx context.Context, connectionID int64) {
	m.requestConfig()
}

// OnDisconnect marks the graph stale until the next load.
func (m *Mirror) OnDisconnect(ctx context.Context, connectionID int64, reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
}

// OnCommand applies one change broadcast.
func (m *Mirror) OnCommand(ctx context.Context, cmd *protocol.Command, isOrigin bool) {
	change, err := m.apply(cmd)
	if err != nil {
		m.logger.Warn("Failed to apply graph change",
			zap.String("topic", cmd.Topic),
			zap.Error(err))
		return
	}
	change.IsOrigin = isOrigin

	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()

	m.notify(listeners, change)
}

func (m *Mirror) requestConfig() {
	sent := m.session.Send(&protocol.Command{Topic: TopicConfig}, func(reply protocol.Reply) {
		if err := reply.Err(); err != nil {
			m.logger.Warn("Failed to load graph", zap.Error(serverError(TopicConfig, err)))
			return
		}

		var result ConfigResult
		if err := reply.Decode(&result); err != nil {
			m.logger.Warn("Invalid config reply", zap.Error(err))
			return
		}
		m.Load(result.Config)
	})
	if !sent {
		m.logger.Debug("Graph load deferred until connected")
	}
}

func (m *Mirror) apply(cmd *protocol.Command) (Change, error) {
	switch cmd.Topic {
	case TopicAddNode:
		var payload AddNodePayload
		if err := cmd.Decode(&payload); err != nil {
			return Change{}, err
		}
		if payload.Node.ID == "" {
			return Change{}, fmt.Errorf("node without id")
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		m.addNodeLocked(&payload.Node)
		return Change{Kind: ChangeNodeAdded, Node: payload.Node.clone()}, nil

	case TopicRemoveNode:
		var payload RemoveNodePayload
		if err := cmd.Decode(&payload); err != nil {
			return Change{}, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		node, ok := m.nodes[payload.ID]
		if !ok {
			return Change{}, fmt.Errorf("unknown node %q", payload.ID)
		}
		m.removeNodeLocked(payload.ID)
		return Change{Kind: ChangeNodeRemoved, Node: node}, nil

	case TopicUpdateNode:
		var payload UpdateNodePayload
		if err := cmd.Decode(&payload); err != nil {
			return Change{}, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		node, ok := m.nodes[payload.ID]
		if !ok {
			return Change{}, fmt.Errorf("unknown node %q", payload.ID)
		}
		delta, err := structdiff.Diff(map[string]any(node.Options), map[string]any(payload.Options))
		if err != nil {
			return Change{}, fmt.Errorf("failed to diff options of %q: %w", payload.ID, err)
		}
		node.Options = payload.Options
		changed, _ := any(delta).(map[string]any)
		return Change{Kind: ChangeNodeUpdated, Node: node.clone(), Delta: changed}, nil

	case TopicAddConnection:
		var payload ConnectionPayload
		if err := cmd.Decode(&payload); err != nil {
			return Change{}, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if err := m.addConnectionLocked(payload.Connection); err != nil {
			return Change{}, err
		}
		c := payload.Connection
		return Change{Kind: ChangeConnectionAdded, Connection: &c}, nil

	case TopicRemoveConnection:
		var payload ConnectionPayload
		if err := cmd.Decode(&payload); err != nil {
			return Change{}, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.removeConnectionLocked(payload.Connection) {
			return Change{}, fmt.Errorf("unknown connection %s", payload.Connection)
		}
		c := payload.Connection
		return Change{Kind: ChangeConnectionRemoved, Connection: &c}, nil

	default:
		return Change{}, fmt.Errorf("unexpected topic %q", cmd.Topic)
	}
}

func (m *Mirror) notify(listeners []Listener, change Change) {
	ctx := context.Background()
	for _, listener := range listeners {
		listener.OnChange(ctx, change)
	}
}

func (m *Mirror) resetLocked() {
	m.nodes = make(map[string]*Node)
	m.connections = make(map[Connection]struct{})
	m.graph = dag.NewDAG()
	m.edges = make(map[edge]int)
}

// addNodeLocked inserts node, replacing an existing node with the same id.
func (m *Mirror) addNodeLocked(node *Node) {
	if _, exists := m.nodes[node.ID]; !exists {
		if err := m.graph.AddVertexByID(node.ID, node.ID); err != nil {
			m.logger.Warn("Failed to add node to graph", zap.String("id", node.ID), zap.Error(err))
		}
	}
	m.nodes[node.ID] = node.clone()
}

// removeNodeLocked drops a node together with every connection touching it.
func (m *Mirror) removeNodeLocked(id string) {
	for c := range m.connections {
		if c.FromNode == id || c.ToNode == id {
			m.removeConnectionLocked(c)
		}
	}
	delete(m.nodes, id)
	if err := m.graph.DeleteVertex(id); err != nil {
		m.logger.Warn("Failed to remove node from graph", zap.String("id", id), zap.Error(err))
	}
}

func (m *Mirror) addConnectionLocked(c Connection) error {
	if _, ok := m.connections[c]; ok {
		return fmt.Errorf("duplicate connection %s", c)
	}
	if _, ok := m.nodes[c.FromNode]; !ok {
		return fmt.Errorf("unknown node %q", c.FromNode)
	}
	if _, ok := m.nodes[c.ToNode]; !ok {
		return fmt.Errorf("unknown node %q", c.ToNode)
	}

	e := edge{from: c.FromNode, to: c.ToNode}
	if m.edges[e] == 0 {
		if err := m.graph.AddEdge(e.from, e.to); err != nil {
			return fmt.Errorf("cannot add %s: %w", c, err)
		}
	}
	m.edges[e]++
	m.connections[c] = struct{}{}
	return nil
}

func (m *Mirror) removeConnectionLocked(c Connection) bool {
	if _, ok := m.connections[c]; !ok {
		return false
	}
	delete(m.connections, c)

	e := edge{from: c.FromNode, to: c.ToNode}
	m.edges[e]--
	if m.edges[e] <= 0 {
		delete(m.edges, e)
		if err := m.graph.DeleteEdge(e.from, e.to); err != nil {
			m.logger.Warn("Failed to remove edge from graph", zap.Stringer("connection", c), zap.Error(err))
		}
	}
	return true
}
