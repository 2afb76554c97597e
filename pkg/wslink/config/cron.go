package config

import (
	"context"
	"fmt"

	"github.com/miximus/wslink/pkg/wslink/client"
	"github.com/miximus/wslink/pkg/wslink/protocol"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Sender is the part of *client.Client a Scheduler needs.
type Sender interface {
	Send(msg protocol.Message, onReply client.ReplyHandler) bool
}

// Scheduler sends configured commands on their cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	sender Sender
	logger *zap.Logger
}

func NewScheduler(sender Sender, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(NewZapCronLogger(logger)), cron.WithParser(cronParser)),
		sender: sender,
		logger: logger,
	}
}

// Add schedules cmd. Commands without a schedule are rejected.
func (s *Scheduler) Add(cmd *CommandConfig) error {
	if cmd.Schedule == "" {
		return fmt.Errorf("command %q has no schedule", cmd.Name)
	}
	if _, err := s.cron.AddJob(cmd.Schedule, &CommandJob{sender: s.sender, command: cmd, logger: s.logger}); err != nil {
		return fmt.Errorf("command %q: %w", cmd.Name, err)
	}
	return nil
}

// Len returns the number of scheduled commands.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// CommandJob is a cron.Job that sends one configured command.
type CommandJob struct {
	sender  Sender
	command *CommandConfig
	logger  *zap.Logger
}

func (j *CommandJob) Run() {
	name := j.command.Name
	topic := j.command.Topic

	sent := j.sender.Send(j.command.Message(), func(reply protocol.Reply) {
		if err := reply.Err(); err != nil {
			j.logger.Warn("Scheduled command rejected", zap.String("command", name), zap.String("topic", topic), zap.Error(err))
			return
		}
		j.logger.Debug("Scheduled command accepted", zap.String("command", name), zap.String("topic", topic))
	})

	if !sent {
		j.logger.Warn("Not connected, skipping scheduled command", zap.String("command", name), zap.String("topic", topic))
		return
	}
	j.logger.Debug("Scheduled command sent", zap.String("command", name), zap.String("topic", topic))
}

// ZapCronLogger adapts a zap.Logger to the cron.Logger interface
type ZapCronLogger struct {
	logger *zap.Logger
}

func NewZapCronLogger(logger *zap.Logger) *ZapCronLogger {
	return &ZapCronLogger{logger: logger}
}

// Info logs cron's routine chatter at Debug.
func (z *ZapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	z.logger.Debug(msg, keysAndValuesToFields(keysAndValues)...)
}

func (z *ZapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append([]zap.Field{zap.Error(err)}, keysAndValuesToFields(keysAndValues)...)
	z.logger.Error(msg, fields...)
}

func keysAndValuesToFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		}
	}
	return fields
}
