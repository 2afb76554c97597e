package subutils

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/miximus/wslink/pkg/wslink/client"
	"github.com/miximus/wslink/pkg/wslink/protocol"
	"go.uber.org/zap"
)

// Error definitions for AsyncHandler
var (
	ErrQueueFull     = errors.New("handler queue is full")
	ErrHandlerClosed = errors.New("handler is closed")
)

type queuedCommand struct {
	ctx      context.Context
	cmd      *protocol.Command
	isOrigin bool
}

// AsyncHandler wraps another handler and delivers commands to it from its own
// goroutine through a bounded queue, so a slow handler does not stall the
// client's read loop. Commands arriving while the queue is full are dropped
// and counted.
type AsyncHandler struct {
	wrapped   client.CommandHandler
	logger    *zap.Logger
	queue     chan queuedCommand
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	dropped   atomic.Int64
}

// NewAsyncHandler creates an AsyncHandler with room for queueSize pending
// commands. Start must be called before commands are processed.
//
//	handler := subutils.NewAsyncHandler(slowHandler, 100, logger).Start()
//	defer handler.Close()
//	c.Subscribe("update_node", handler)
func NewAsyncHandler(wrapped client.CommandHandler, queueSize int, logger *zap.Logger) *AsyncHandler {
	if queueSize <= 0 {
		queueSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AsyncHandler{
		wrapped: wrapped,
		logger:  logger,
		queue:   make(chan queuedCommand, queueSize),
		done:    make(chan struct{}),
	}
}

// Start begins processing queued commands in a background goroutine.
func (a *AsyncHandler) Start() *AsyncHandler {
	a.wg.Add(1)
	go a.processQueue()
	return a
}

func (a *AsyncHandler) processQueue() {
	defer a.wg.Done()

	for {
		select {
		case msg := <-a.queue:
			a.wrapped.OnCommand(msg.ctx, msg.cmd, msg.isOrigin)
		case <-a.done:
			a.drainQueue()
			return
		}
	}
}

// drainQueue delivers whatever is still queued during shutdown.
func (a *AsyncHandler) drainQueue() {
	for {
		select {
		case msg := <-a.queue:
			a.wrapped.OnCommand(msg.ctx, msg.cmd, msg.isOrigin)
		default:
			return
		}
	}
}

// Enqueue queues a command and returns immediately.
func (a *AsyncHandler) Enqueue(ctx context.Context, cmd *protocol.Command, isOrigin bool) error {
	if a.IsClosed() {
		return ErrHandlerClosed
	}

	select {
	case a.queue <- queuedCommand{ctx: ctx, cmd: cmd, isOrigin: isOrigin}:
		return nil
	default:
		return ErrQueueFull
	}
}

// OnCommand implements client.CommandHandler.
func (a *AsyncHandler) OnCommand(ctx context.Context, cmd *protocol.Command, isOrigin bool) {
	if err := a.Enqueue(ctx, cmd, isOrigin); err != nil {
		a.dropped.Add(1)
		a.logger.Warn("Dropping command",
			zap.String("topic", cmd.Topic),
			zap.Error(err))
	}
}

// Close stops the background goroutine after delivering every queued command.
func (a *AsyncHandler) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
	})
	return nil
}

// Dropped returns how many commands were discarded by OnCommand.
func (a *AsyncHandler) Dropped() int64 {
	return a.dropped.Load()
}

// QueueSize returns the current number of queued commands.
func (a *AsyncHandler) QueueSize() int {
	return len(a.queue)
}

// QueueCapacity returns the maximum capacity of the queue.
func (a *AsyncHandler) QueueCapacity() int {
	return cap(a.queue)
}

// IsClosed returns true if the handler has been closed.
func (a *AsyncHandler) IsClosed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}
