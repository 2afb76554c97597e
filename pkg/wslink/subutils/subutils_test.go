package subutils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/miximus/wslink/pkg/wslink/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAsyncHandler(t *testing.T) {
	t.Run("delivers commands in order", func(t *testing.T) {
		base := &testHandler{}
		async := NewAsyncHandler(base, 10, nil).Start()
		defer async.Close()

		for _, topic := range []string{"a", "b", "c"} {
			async.OnCommand(context.Background(), &protocol.Command{Topic: topic}, topic == "b")
		}

		require.Eventually(t, func() bool { return base.count() == 3 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"a", "b", "c"}, base.topics())
		assert.Equal(t, []bool{false, true, false}, base.origins())
	})

	t.Run("default queue size", func(t *testing.T) {
		async := NewAsyncHandler(&testHandler{}, 0, nil)
		assert.Equal(t, 100, async.QueueCapacity())
	})

	t.Run("full queue drops and counts", func(t *testing.T) {
		release := make(chan struct{})
		base := &testHandler{block: release}
		async := NewAsyncHandler(base, 1, nil).Start()

		// First command occupies the goroutine, second fills the queue.
		async.OnCommand(context.Background(), &protocol.Command{Topic: "1"}, false)
		require.Eventually(t, func() bool { return async.QueueSize() == 0 }, time.Second, time.Millisecond)
		async.OnCommand(context.Background(), &protocol.Command{Topic: "2"}, false)

		err := async.Enqueue(context.Background(), &protocol.Command{Topic: "3"}, false)
		assert.ErrorIs(t, err, ErrQueueFull)
		async.OnCommand(context.Background(), &protocol.Command{Topic: "4"}, false)
		assert.Equal(t, int64(1), async.Dropped())

		close(release)
		require.NoError(t, async.Close())
		assert.Equal(t, []string{"1", "2"}, base.topics())
	})

	t.Run("close drains the queue", func(t *testing.T) {
		base := &testHandler{}
		async := NewAsyncHandler(base, 10, nil)

		for i := 0; i < 5; i++ {
			require.NoError(t, async.Enqueue(context.Background(), &protocol.Command{Topic: "t"}, false))
		}
		async.Start()
		require.NoError(t, async.Close())

		assert.Equal(t, 5, base.count())
		assert.True(t, async.IsClosed())
	})

	t.Run("closed handler rejects commands", func(t *testing.T) {
		async := NewAsyncHandler(&testHandler{}, 10, nil).Start()
		require.NoError(t, async.Close())
		require.NoError(t, async.Close())

		err := async.Enqueue(context.Background(), &protocol.Command{Topic: "t"}, false)
		assert.ErrorIs(t, err, ErrHandlerClosed)
	})
}

func TestLoggingHandler(t *testing.T) {
	t.Run("logs and forwards", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		base := &testHandler{}
		handler := NewNamedLoggingHandler(base, zap.New(core), zapcore.InfoLevel, "watch")

		msg, err := protocol.Decode([]byte(`{"action":"command","topic":"update_node","origin_id":7,"id":"n1"}`))
		require.NoError(t, err)
		handler.OnCommand(context.Background(), msg.(*protocol.Command), true)

		require.Equal(t, 1, logs.Len())
		entry := logs.All()[0]
		assert.Equal(t, "Command received", entry.Message)
		assert.Equal(t, zapcore.InfoLevel, entry.Level)

		fields := entry.ContextMap()
		assert.Equal(t, "watch", fields["handler"])
		assert.Equal(t, "update_node", fields["topic"])
		assert.Equal(t, true, fields["origin"])
		assert.Equal(t, int64(7), fields["origin_id"])
		assert.Equal(t, map[string]any{"id": `"n1"`}, fields["fields"])

		assert.Equal(t, 1, base.count())
	})

	t.Run("standalone", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		handler := NewLoggingHandler(nil, zap.New(core), zapcore.DebugLevel)

		handler.OnCommand(context.Background(), &protocol.Command{Topic: "config"}, false)
		assert.Equal(t, 1, logs.Len())
	})
}

type testHandler struct {
	mu       sync.Mutex
	block    chan struct{}
	commands []*protocol.Command
	flags    []bool
}

func (h *testHandler) OnCommand(ctx context.Context, cmd *protocol.Command, isOrigin bool) {
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, cmd)
	h.flags = append(h.flags, isOrigin)
}

func (h *testHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.commands)
}

func (h *testHandler) topics() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	topics := make([]string, len(h.commands))
	for i, cmd := range h.commands {
		topics[i] = cmd.Topic
	}
	return topics
}

func (h *testHandler) origins() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.flags...)
}
