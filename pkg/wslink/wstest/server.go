// Package wstest provides a scripted in-process wslink server for tests.
//
// The server assigns each socket an increasing identity and announces it with
// a socket_info frame, answers pings, acknowledges subscription changes,
// replies to tokened commands and records every frame it receives. Each of
// these behaviours can be switched off to simulate a misbehaving peer.
package wstest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/miximus/wslink/pkg/wslink/protocol"
	"go.uber.org/zap"
)

// Frame is one frame received from a client.
type Frame struct {
	ConnID int64
	Action protocol.Action
	Token  string
	Topic  string
	Raw    []byte
}

// CommandFunc handles a command sent by connection connID. The returned
// payload, which must encode to a JSON object, becomes the result frame. A
// non-nil error is sent as an error frame; a *protocol.Error keeps its code.
type CommandFunc func(connID int64, cmd *protocol.Command) (any, error)

// Server is a scripted wslink server backed by httptest.
type Server struct {
	logger     *zap.Logger
	httpServer *httptest.Server

	mu               sync.Mutex
	nextID           int64
	conns            map[int64]*serverConn
	frames           []Frame
	headers          []http.Header
	handlers         map[string]CommandFunc
	sendSocketInfo   bool
	answerPings      bool
	ackSubscriptions bool
	closed           bool
}

type serverConn struct {
	id     int64
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	topics map[string]bool
}

// NewServer starts a server. Close it when done.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger:           logger,
		conns:            make(map[int64]*serverConn),
		handlers:         make(map[string]CommandFunc),
		sendSocketInfo:   true,
		answerPings:      true,
		ackSubscriptions: true,
	}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.serveWebsocket))
	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.DropConnections()
	s.httpServer.Close()
}

// SetSendSocketInfo controls whether new sockets are told their identity.
// Without it a client never reaches the connected state.
func (s *Server) SetSendSocketInfo(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendSocketInfo = enabled
}

// SetAnswerPings controls whether pings are answered. Disabling it simulates a
// peer that is still connected but no longer responding.
func (s *Server) SetAnswerPings(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answerPings = enabled
}

// SetAckSubscriptions controls whether tokened subscribe and unsubscribe
// frames get a result.
func (s *Server) SetAckSubscriptions(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackSubscriptions = enabled
}

// HandleCommand installs fn for commands on topic. Commands on topics without
// a handler get an empty result when they carry a token.
func (s *Server) HandleCommand(topic string, fn CommandFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[topic] = fn
}

// Frames returns a copy of every frame received so far.
func (s *Server) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

// FramesWithAction returns the received frames with the given action.
func (s *Server) FramesWithAction(action protocol.Action) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	var frames []Frame
	for _, f := range s.frames {
		if f.Action == action {
			frames = append(frames, f)
		}
	}
	return frames
}

// Headers returns the handshake headers of every accepted socket, in order.
func (s *Server) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

// ConnectionCount returns the number of open sockets.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ConnectionIDs returns the identities of the open sockets.
func (s *Server) ConnectionIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// Subscribed reports whether connection connID is subscribed to topic.
func (s *Server) Subscribed(connID int64, topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.conns[connID]
	return ok && sc.topics[topic]
}

// Broadcast sends a command on topic to every connection subscribed to it and
// returns how many received it. originID may be nil.
func (s *Server) Broadcast(topic string, originID *int64, payload any) int {
	data, err := protocol.Encode(&protocol.Command{Topic: topic, OriginID: originID, Payload: payload})
	if err != nil {
		s.logger.Error("Failed to encode broadcast", zap.String("topic", topic), zap.Error(err))
		return 0
	}

	s.mu.Lock()
	var targets []*serverConn
	for _, sc := range s.conns {
		if sc.topics[topic] {
			targets = append(targets, sc)
		}
	}
	s.mu.Unlock()

	for _, sc := range targets {
		s.write(sc, data)
	}
	return len(targets)
}

// Send writes msg to connection connID.
func (s *Server) Send(connID int64, msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("Failed to encode message", zap.Error(err))
		return false
	}
	return s.SendRaw(connID, data)
}

// SendRaw writes data unmodified to connection connID.
func (s *Server) SendRaw(connID int64, data []byte) bool {
	s.mu.Lock()
	sc, ok := s.conns[connID]
	s.mu.Unlock()

	if !ok {
		return false
	}
	return s.write(sc, data)
}

// DropConnections abruptly closes every open socket.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	for _, sc := range conns {
		sc.cancel()
		sc.conn.CloseNow()
	}
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to accept WebSocket connection", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusServiceRestart, "Server shutting down")
		return
	}
	s.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	sc := &serverConn{
		id:     s.nextID,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]bool),
	}
	s.conns[sc.id] = sc
	s.headers = append(s.headers, r.Header.Clone())
	sendInfo := s.sendSocketInfo
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, sc.id)
		s.mu.Unlock()
		cancel()
		conn.CloseNow()
	}()

	s.logger.Debug("Test connection accepted", zap.Int64("connection_id", sc.id))

	if sendInfo {
		s.reply(sc, &protocol.SocketInfo{ID: sc.id})
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleFrame(sc, data)
	}
}

func (s *Server) handleFrame(sc *serverConn, data []byte) {
	frame := Frame{ConnID: sc.id, Raw: append([]byte(nil), data...)}

	msg, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("Test server received invalid frame", zap.Error(err))
		s.mu.Lock()
		s.frames = append(s.frames, frame)
		s.mu.Unlock()
		return
	}

	frame.Action = msg.Action()
	frame.Token = protocol.TokenOf(msg)

	s.mu.Lock()
	var response protocol.Message
	var handler CommandFunc
	switch m := msg.(type) {
	case *protocol.Ping:
		if s.answerPings {
			response = &protocol.Ping{Response: true}
		}
	case *protocol.Subscribe:
		frame.Topic = m.Topic
		sc.topics[m.Topic] = true
		if s.ackSubscriptions && frame.Token != "" {
			response = &protocol.Result{}
		}
	case *protocol.Unsubscribe:
		frame.Topic = m.Topic
		delete(sc.topics, m.Topic)
		if s.ackSubscriptions && frame.Token != "" {
			response = &protocol.Result{}
		}
	case *protocol.Command:
		frame.Topic = m.Topic
		handler = s.handlers[m.Topic]
	}
	s.frames = append(s.frames, frame)
	s.mu.Unlock()

	if cmd, ok := msg.(*protocol.Command); ok {
		response = s.runCommand(sc, cmd, handler)
	}

	if response != nil {
		response.SetToken(frame.Token)
		s.reply(sc, response)
	}
}

func (s *Server) runCommand(sc *serverConn, cmd *protocol.Command, handler CommandFunc) protocol.Message {
	var payload any
	var err error
	if handler != nil {
		payload, err = handler(sc.id, cmd)
	}

	if cmd.Token == "" {
		return nil
	}

	if err != nil {
		code := err.Error()
		var serverErr *protocol.Error
		if errors.As(err, &serverErr) {
			code = serverErr.Message
		}
		return &protocol.Error{Message: code}
	}

	fields, err := rawFields(payload)
	if err != nil {
		s.logger.Error("Failed to encode command result", zap.Error(err))
		return &protocol.Error{Message: "internal_error"}
	}
	return &protocol.Result{Fields: fields}
}

func (s *Server) reply(sc *serverConn, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("Failed to encode reply", zap.Error(err))
		return
	}
	s.write(sc, data)
}

func (s *Server) write(sc *serverConn, data []byte) bool {
	ctx, cancel := context.WithTimeout(sc.ctx, 5*time.Second)
	defer cancel()

	if err := sc.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("Test server write failed", zap.Int64("connection_id", sc.id), zap.Error(err))
		return false
	}
	return true
}

func rawFields(payload any) (map[string]json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
