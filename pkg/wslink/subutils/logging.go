package subutils

import (
	"context"

	"github.com/miximus/wslink/pkg/wslink/client"
	"github.com/miximus/wslink/pkg/wslink/protocol"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingHandler logs every command it receives and then passes it to the
// wrapped handler. If the wrapped handler is nil, it acts as a standalone
// logging handler.
type LoggingHandler struct {
	wrapped  client.CommandHandler
	logger   *zap.Logger
	logLevel zapcore.Level
	name     string
}

// NewLoggingHandler creates a LoggingHandler around wrapped, which may be nil.
func NewLoggingHandler(wrapped client.CommandHandler, logger *zap.Logger, logLevel zapcore.Level) *LoggingHandler {
	return NewNamedLoggingHandler(wrapped, logger, logLevel, "LoggingHandler")
}

// NewNamedLoggingHandler creates a LoggingHandler that identifies itself as
// name in its log entries.
func NewNamedLoggingHandler(wrapped client.CommandHandler, logger *zap.Logger, logLevel zapcore.Level, name string) *LoggingHandler {
	return &LoggingHandler{
		wrapped:  wrapped,
		logger:   logger,
		logLevel: logLevel,
		name:     name,
	}
}

func (l *LoggingHandler) OnCommand(ctx context.Context, cmd *protocol.Command, isOrigin bool) {
	fields := []zap.Field{
		zap.String("handler", l.name),
		zap.String("topic", cmd.Topic),
		zap.Bool("origin", isOrigin),
		zap.Int("fieldCount", len(cmd.Fields)),
		zap.Bool("hasWrapped", l.wrapped != nil),
	}
	if cmd.OriginID != nil {
		fields = append(fields, zap.Int64("origin_id", *cmd.OriginID))
	}
	fields = append(fields, zap.Namespace("fields"))
	for key, value := range cmd.Fields {
		fields = append(fields, zap.ByteString(key, value))
	}

	l.logger.Log(l.logLevel, "Command received", fields...)

	if l.wrapped != nil {
		l.wrapped.OnCommand(ctx, cmd, isOrigin)
	}
}
