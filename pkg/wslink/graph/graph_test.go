package graph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/miximus/wslink/pkg/wslink/client"
	"github.com/miximus/wslink/pkg/wslink/protocol"
	"github.com/miximus/wslink/pkg/wslink/wstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func TestOptions(t *testing.T) {
	t.Run("name", func(t *testing.T) {
		name, ok := Options{"name": "mixer"}.Name()
		assert.True(t, ok)
		assert.Equal(t, "mixer", name)

		_, ok = Options{"name": 3}.Name()
		assert.False(t, ok)
	})

	t.Run("position from json", func(t *testing.T) {
		x, y, ok := Options{"position": []any{1.5, -2.0}}.Position()
		assert.True(t, ok)
		assert.Equal(t, 1.5, x)
		assert.Equal(t, -2.0, y)
	})

	t.Run("invalid position", func(t *testing.T) {
		_, _, ok := Options{"position": []any{1.0}}.Position()
		assert.False(t, ok)
		_, _, ok = Options{"position": "here"}.Position()
		assert.False(t, ok)
		_, _, ok = Options{}.Position()
		assert.False(t, ok)
	})
}

func TestServerError(t *testing.T) {
	err := serverError(TopicRemoveNode, &protocol.Error{Message: "not_found"})
	assert.True(t, IsCode(err, CodeNotFound))
	assert.False(t, IsCode(err, CodeDuplicateID))
	assert.Equal(t, "remove_node rejected by server: not_found", err.Error())

	assert.Equal(t, client.ErrAbandoned, serverError(TopicRemoveNode, client.ErrAbandoned))
	assert.False(t, IsCode(client.ErrAbandoned, CodeNotFound))
}

func TestMirrorApply(t *testing.T) {
	newMirror := func(t *testing.T) (*Mirror, *changeRecorder) {
		m := NewMirror(&mockSession{}, zap.NewNop())
		recorder := &changeRecorder{}
		m.AddListener(recorder)
		m.Load(Config{
			Nodes: []Node{
				{ID: "a", Type: "math_f64", Options: Options{"name": "A", "value": 1.0}},
				{ID: "b", Type: "math_f64", Options: Options{"name": "B"}},
				{ID: "c", Type: "screen_output", Options: Options{}},
			},
			Connections: []Connection{
				{FromNode: "a", FromInterface: "out", ToNode: "b", ToInterface: "in"},
				{FromNode: "b", FromInterface: "out", ToNode: "c", ToInterface: "in"},
			},
		})
		return m, recorder
	}

	t.Run("load builds the graph", func(t *testing.T) {
		m, recorder := newMirror(t)

		assert.True(t, m.Loaded())
		assert.Len(t, m.Nodes(), 3)
		assert.Len(t, m.Connections(), 2)
		assert.Equal(t, []string{"a", "b", "c"}, m.TopologicalOrder())
		require.Equal(t, 1, recorder.count())
		assert.Equal(t, ChangeReset, recorder.change(0).Kind)
	})

	t.Run("load skips dangling connections", func(t *testing.T) {
		m := NewMirror(&mockSession{}, zap.NewNop())
		m.Load(Config{
			Nodes: []Node{{ID: "a"}},
			Connections: []Connection{
				{FromNode: "a", FromInterface: "out", ToNode: "missing", ToInterface: "in"},
			},
		})
		assert.Empty(t, m.Connections())
	})

	t.Run("add node", func(t *testing.T) {
		m, recorder := newMirror(t)

		m.OnCommand(context.Background(),
			command(t, `{"action":"command","topic":"add_node","origin_id":1,"node":{"id":"d","type":"math_i64","options":{"name":"D"}}}`),
			true)

		node, ok := m.Node("d")
		require.True(t, ok)
		assert.Equal(t, "math_i64", node.Type)
		assert.Equal(t, Options{"name": "D"}, node.Options)

		require.Equal(t, 2, recorder.count())
		change := recorder.change(1)
		assert.Equal(t, ChangeNodeAdded, change.Kind)
		assert.Equal(t, "d", change.Node.ID)
		assert.True(t, change.IsOrigin)
	})

	t.Run("update node reports the delta", func(t *testing.T) {
		m, recorder := newMirror(t)

		m.OnCommand(context.Background(),
			command(t, `{"action":"command","topic":"update_node","id":"a","options":{"name":"A","value":2}}`),
			false)

		node, _ := m.Node("a")
		assert.Equal(t, 2.0, node.Options["value"])

		change := recorder.change(1)
		assert.Equal(t, ChangeNodeUpdated, change.Kind)
		assert.False(t, change.IsOrigin)
		assert.Equal(t, 2.0, change.Delta["value"])
		assert.NotContains(t, change.Delta, "name")
	})

	t.Run("update of unknown node is dropped", func(t *testing.T) {
		m, recorder := newMirror(t)

		m.OnCommand(context.Background(),
			command(t, `{"action":"command","topic":"update_node","id":"zzz","options":{}}`),
			false)

		assert.Equal(t, 1, recorder.count())
		_, ok := m.Node("zzz")
		assert.False(t, ok)
	})

	t.Run("remove node drops its connections", func(t *testing.T) {
		m, recorder := newMirror(t)

		m.OnCommand(context.Background(),
			command(t, `{"action":"command","topic":"remove_node","id":"b"}`),
			false)

		_, ok := m.Node("b")
		assert.False(t, ok)
		assert.Empty(t, m.Connections())
		assert.ElementsMatch(t, []string{"a", "c"}, m.TopologicalOrder())

		change := recorder.change(1)
		assert.Equal(t, ChangeNodeRemoved, change.Kind)
		assert.Equal(t, "B", change.Node.Options["name"])
	})

	t.Run("connections", func(t *testing.T) {
		m, recorder := newMirror(t)

		m.OnCommand(context.Background(),
			command(t, `{"action":"command","topic":"add_connection","connection":{"from_node":"a","from_interface":"out","to_node":"c","to_interface":"aux"}}`),
			false)
		assert.Len(t, m.Connections(), 3)
		assert.Equal(t, ChangeConnectionAdded, recorder.change(1).Kind)
		assert.Equal(t, "c", recorder.change(1).Connection.ToNode)

		m.OnCommand(context.Background(),
			command(t, `{"action":"command","topic":"remove_connection","connection":{"from_node":"b","from_interface":"out","to_node":"c","to_interface":"in"}}`),
			false)
		assert.Len(t, m.Connections(), 2)
		assert.Equal(t, ChangeConnectionRemoved, recorder.change(2).Kind)

		// a still feeds c through the new connection
		assert.True(t, m.WouldCycle("c", "a"))
	})

	t.Run("parallel connections share an edge", func(t *testing.T) {
		m, _ := newMirror(t)

		second := `{"action":"command","topic":"add_connection","connection":{"from_node":"a","from_interface":"out2","to_node":"b","to_interface":"in2"}}`
		m.OnCommand(context.Background(), command(t, second), false)
		assert.Len(t, m.Connections(), 3)

		m.OnCommand(context.Background(),
			command(t, `{"action":"command","topic":"remove_connection","connection":{"from_node":"a","from_interface":"out","to_node":"b","to_interface":"in"}}`),
			false)
		assert.True(t, m.WouldCycle("b", "a"), "edge survives while one connection remains")
	})

	t.Run("would cycle", func(t *testing.T) {
		m, _ := newMirror(t)

		assert.True(t, m.WouldCycle("c", "a"))
		assert.True(t, m.WouldCycle("b", "a"))
		assert.True(t, m.WouldCycle("a", "a"))
		assert.False(t, m.WouldCycle("a", "c"))
		assert.False(t, m.WouldCycle("unknown", "a"))
	})

	t.Run("invalid payloads are dropped", func(t *testing.T) {
		m, recorder := newMirror(t)

		m.OnCommand(context.Background(), command(t, `{"action":"command","topic":"add_node","node":"nope"}`), false)
		m.OnCommand(context.Background(), command(t, `{"action":"command","topic":"add_node","node":{"type":"x"}}`), false)
		m.OnCommand(context.Background(), command(t, `{"action":"command","topic":"remove_node","id":"missing"}`), false)
		m.OnCommand(context.Background(), command(t, `{"action":"command","topic":"config"}`), false)

		assert.Equal(t, 1, recorder.count())
		assert.Len(t, m.Nodes(), 3)
	})

	t.Run("returned nodes are copies", func(t *testing.T) {
		m, _ := newMirror(t)

		node, _ := m.Node("a")
		node.Options["name"] = "changed"

		again, _ := m.Node("a")
		assert.Equal(t, "A", again.Options["name"])
	})
}

func TestMirrorLifecycle(t *testing.T) {
	t.Run("start subscribes and stop unsubscribes", func(t *testing.T) {
		session := &mockSession{}
		m := NewMirror(session, zap.NewNop())

		m.Start()
		m.Start()
		assert.ElementsMatch(t, ChangeTopics, session.topics())
		assert.Equal(t, 1, session.monitorCount())
		assert.Equal(t, 1, session.sendCount(), "config requested on start")

		m.OnDisconnect(context.Background(), 1, nil)
		assert.False(t, m.Loaded())

		m.OnConnect(context.Background(), 2)
		assert.Equal(t, 2, session.sendCount(), "config requested on every connect")

		m.Close()
		assert.Empty(t, session.topics())
		assert.Equal(t, 0, session.monitorCount())
	})
}

func TestGraphEndToEnd(t *testing.T) {
	t.Run("mirror loads on connect and follows edits", func(t *testing.T) {
		server := newFakeGraphServer(t)
		server.seed(
			Node{ID: "src", Type: "decklink_input", Options: Options{}},
			Node{ID: "out", Type: "screen_output", Options: Options{}},
		)

		c := newTestClient(t, server)
		mirror := NewMirror(c, zap.NewNop())
		recorder := &changeRecorder{}
		mirror.AddListener(recorder)
		mirror.Start()
		c.Connect()

		require.Eventually(t, mirror.Loaded, waitFor, tick)
		assert.Len(t, mirror.Nodes(), 2)

		editor := NewEditor(c, mirror, zap.NewNop())
		ctx := context.Background()

		id, err := editor.AddNode(ctx, "math_f64", Options{"name": "gain"})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		// The broadcast precedes the result on the wire.
		node, ok := mirror.Node(id)
		require.True(t, ok)
		assert.Equal(t, "gain", node.Options["name"])

		added := recorder.last()
		assert.Equal(t, ChangeNodeAdded, added.Kind)
		assert.True(t, added.IsOrigin)

		require.NoError(t, editor.AddConnection(ctx, Connection{FromNode: "src", FromInterface: "out", ToNode: id, ToInterface: "in"}))
		require.NoError(t, editor.AddConnection(ctx, Connection{FromNode: id, FromInterface: "out", ToNode: "out", ToInterface: "in"}))
		assert.Equal(t, []string{"src", id, "out"}, mirror.TopologicalOrder())

		require.NoError(t, editor.UpdateNode(ctx, id, Options{"gain": 0.5}))
		updated := recorder.last()
		assert.Equal(t, ChangeNodeUpdated, updated.Kind)
		assert.Equal(t, 0.5, updated.Delta["gain"])
		assert.Equal(t, "gain", updated.Node.Options["name"], "broadcast carries the merged options")

		err = editor.AddConnection(ctx, Connection{FromNode: "out", FromInterface: "loop", ToNode: "src", ToInterface: "in"})
		assert.ErrorIs(t, err, ErrCircularConnection)

		require.NoError(t, editor.RemoveNode(ctx, id))
		assert.Empty(t, mirror.Connections())
		_, ok = mirror.Node(id)
		assert.False(t, ok)

		cfg, err := editor.FetchConfig(ctx)
		require.NoError(t, err)
		assert.Len(t, cfg.Nodes, 2)
		assert.Empty(t, cfg.Connections)
	})

	t.Run("server errors are typed", func(t *testing.T) {
		server := newFakeGraphServer(t)
		c := newTestClient(t, server)
		c.Connect()
		waitConnected(t, c)

		editor := NewEditor(c, nil, zap.NewNop())
		ctx := context.Background()

		err := editor.RemoveNode(ctx, "missing")
		assert.True(t, IsCode(err, CodeNotFound), "got %v", err)

		err = editor.AddConnection(ctx, Connection{FromNode: "a", ToNode: "b"})
		assert.True(t, IsCode(err, CodeNotFound), "got %v", err)

		id, err := editor.AddNode(ctx, "math_i64", nil)
		require.NoError(t, err)
		err = editor.AddConnection(ctx, Connection{FromNode: id, ToNode: id})
		assert.True(t, IsCode(err, CodeCircularConnection), "got %v", err)
	})

	t.Run("other clients see changes without the origin flag", func(t *testing.T) {
		server := newFakeGraphServer(t)

		writer := newTestClient(t, server)
		writer.Connect()
		waitConnected(t, writer)

		reader := newTestClient(t, server)
		mirror := NewMirror(reader, zap.NewNop())
		recorder := &changeRecorder{}
		mirror.AddListener(recorder)
		mirror.Start()
		reader.Connect()
		require.Eventually(t, mirror.Loaded, waitFor, tick)

		id, err := NewEditor(writer, nil, zap.NewNop()).AddNode(context.Background(), "math_i64", nil)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			_, ok := mirror.Node(id)
			return ok
		}, waitFor, tick)
		assert.False(t, recorder.last().IsOrigin)
	})

	t.Run("mirror reloads after reconnect", func(t *testing.T) {
		server := newFakeGraphServer(t)
		server.seed(Node{ID: "a", Type: "math_i64", Options: Options{}})

		c := newTestClient(t, server)
		mirror := NewMirror(c, zap.NewNop())
		recorder := &changeRecorder{}
		mirror.AddListener(recorder)
		mirror.Start()
		c.Connect()
		require.Eventually(t, mirror.Loaded, waitFor, tick)

		server.seed(Node{ID: "b", Type: "math_i64", Options: Options{}})
		server.DropConnections()

		require.Eventually(t, func() bool {
			_, ok := mirror.Node("b")
			return ok
		}, waitFor, tick)
		assert.True(t, mirror.Loaded())
		assert.GreaterOrEqual(t, recorder.countKind(ChangeReset), 2)
	})
}

func command(t *testing.T, frame string) *protocol.Command {
	t.Helper()

	msg, err := protocol.Decode([]byte(frame))
	require.NoError(t, err)
	cmd, ok := msg.(*protocol.Command)
	require.True(t, ok)
	return cmd
}

func newTestClient(t *testing.T, server *fakeGraphServer) *client.Client {
	t.Helper()

	c, err := client.NewClient().
		WithURL(server.URL()).
		WithReconnectDelay(50 * time.Millisecond).
		WithPingInterval(100 * time.Millisecond).
		WithPongTimeout(500 * time.Millisecond).
		Build()
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	return c
}

func waitConnected(t *testing.T, c *client.Client) {
	t.Helper()

	require.Eventually(t, func() bool {
		_, ok := c.ConnectionID()
		return ok
	}, waitFor, tick)
}

// fakeGraphServer implements the graph topics on a scripted server.
type fakeGraphServer struct {
	*wstest.Server

	mu          sync.Mutex
	nodes       map[string]Node
	connections map[Connection]bool
}

func newFakeGraphServer(t *testing.T) *fakeGraphServer {
	t.Helper()

	f := &fakeGraphServer{
		Server:      wstest.NewServer(nil),
		nodes:       make(map[string]Node),
		connections: make(map[Connection]bool),
	}
	t.Cleanup(f.Close)

	f.HandleCommand(TopicConfig, f.config)
	f.HandleCommand(TopicAddNode, f.addNode)
	f.HandleCommand(TopicRemoveNode, f.removeNode)
	f.HandleCommand(TopicUpdateNode, f.updateNode)
	f.HandleCommand(TopicAddConnection, f.addConnection)
	f.HandleCommand(TopicRemoveConnection, f.removeConnection)
	return f
}

func (f *fakeGraphServer) seed(nodes ...Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, node := range nodes {
		f.nodes[node.ID] = node
	}
}

func (f *fakeGraphServer) config(connID int64, cmd *protocol.Command) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cfg := Config{Nodes: []Node{}, Connections: []Connection{}}
	for _, node := range f.nodes {
		cfg.Nodes = append(cfg.Nodes, node)
	}
	for c := range f.connections {
		cfg.Connections = append(cfg.Connections, c)
	}
	return ConfigResult{Config: cfg}, nil
}

func (f *fakeGraphServer) addNode(connID int64, cmd *protocol.Command) (any, error) {
	var payload AddNodePayload
	if err := cmd.Decode(&payload); err != nil {
		return nil, &protocol.Error{Message: string(CodeMalformedPayload)}
	}

	f.mu.Lock()
	if _, exists := f.nodes[payload.Node.ID]; exists {
		f.mu.Unlock()
		return nil, &protocol.Error{Message: string(CodeDuplicateID)}
	}
	f.nodes[payload.Node.ID] = payload.Node
	f.mu.Unlock()

	f.Broadcast(TopicAddNode, &connID, payload)
	return nil, nil
}

func (f *fakeGraphServer) removeNode(connID int64, cmd *protocol.Command) (any, error) {
	var payload RemoveNodePayload
	if err := cmd.Decode(&payload); err != nil {
		return nil, &protocol.Error{Message: string(CodeMalformedPayload)}
	}

	f.mu.Lock()
	if _, exists := f.nodes[payload.ID]; !exists {
		f.mu.Unlock()
		return nil, &protocol.Error{Message: string(CodeNotFound)}
	}
	var removed []Connection
	for c := range f.connections {
		if c.FromNode == payload.ID || c.ToNode == payload.ID {
			removed = append(removed, c)
			delete(f.connections, c)
		}
	}
	delete(f.nodes, payload.ID)
	f.mu.Unlock()

	for _, c := range removed {
		f.Broadcast(TopicRemoveConnection, &connID, ConnectionPayload{Connection: c})
	}
	f.Broadcast(TopicRemoveNode, &connID, payload)
	return nil, nil
}

func (f *fakeGraphServer) updateNode(connID int64, cmd *protocol.Command) (any, error) {
	var payload UpdateNodePayload
	if err := cmd.Decode(&payload); err != nil {
		return nil, &protocol.Error{Message: string(CodeMalformedPayload)}
	}

	f.mu.Lock()
	node, exists := f.nodes[payload.ID]
	if !exists {
		f.mu.Unlock()
		return nil, &protocol.Error{Message: string(CodeNotFound)}
	}
	merged := node.Options.clone()
	if merged == nil {
		merged = Options{}
	}
	for k, v := range payload.Options {
		merged[k] = v
	}
	node.Options = merged
	f.nodes[payload.ID] = node
	f.mu.Unlock()

	f.Broadcast(TopicUpdateNode, &connID, UpdateNodePayload{ID: payload.ID, Options: merged})
	return nil, nil
}

func (f *fakeGraphServer) addConnection(connID int64, cmd *protocol.Command) (any, error) {
	var payload ConnectionPayload
	if err := cmd.Decode(&payload); err != nil {
		return nil, &protocol.Error{Message: string(CodeMalformedPayload)}
	}
	c := payload.Connection

	f.mu.Lock()
	_, fromOK := f.nodes[c.FromNode]
	_, toOK := f.nodes[c.ToNode]
	switch {
	case !fromOK || !toOK:
		f.mu.Unlock()
		return nil, &protocol.Error{Message: string(CodeNotFound)}
	case c.FromNode == c.ToNode:
		f.mu.Unlock()
		return nil, &protocol.Error{Message: string(CodeCircularConnection)}
	case f.connections[c]:
		f.mu.Unlock()
		return nil, &protocol.Error{Message: string(CodeDuplicateID)}
	}
	f.connections[c] = true
	f.mu.Unlock()

	f.Broadcast(TopicAddConnection, &connID, payload)
	return nil, nil
}

func (f *fakeGraphServer) removeConnection(connID int64, cmd *protocol.Command) (any, error) {
	var payload ConnectionPayload
	if err := cmd.Decode(&payload); err != nil {
		return nil, &protocol.Error{Message: string(CodeMalformedPayload)}
	}

	f.mu.Lock()
	if !f.connections[payload.Connection] {
		f.mu.Unlock()
		return nil, &protocol.Error{Message: string(CodeNotFound)}
	}
	delete(f.connections, payload.Connection)
	f.mu.Unlock()

	f.Broadcast(TopicRemoveConnection, &connID, payload)
	return nil, nil
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *changeRecorder) OnChange(ctx context.Context, change Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func (r *changeRecorder) countKind(kind ChangeKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.changes {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func (r *changeRecorder) change(i int) Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[i]
}

func (r *changeRecorder) last() Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}

type mockSession struct {
	mu            sync.Mutex
	subscriptions map[string]client.CommandHandler
	monitors      []client.Monitor
	sent          []protocol.Message
}

func (s *mockSession) Send(msg protocol.Message, onReply client.ReplyHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return true
}

func (s *mockSession) Subscribe(topic string, handler client.CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriptions == nil {
		s.subscriptions = make(map[string]client.CommandHandler)
	}
	s.subscriptions[topic] = handler
}

func (s *mockSession) Unsubscribe(topic string, handler client.CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, topic)
}

func (s *mockSession) AddMonitor(monitor client.Monitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors = append(s.monitors, monitor)
}

func (s *mockSession) RemoveMonitor(monitor client.Monitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.monitors {
		if m == monitor {
			s.monitors = append(s.monitors[:i], s.monitors[i+1:]...)
			return
		}
	}
}

func (s *mockSession) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.subscriptions))
	for topic := range s.subscriptions {
		topics = append(topics, topic)
	}
	return topics
}

func (s *mockSession) monitorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

func (s *mockSession) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}
