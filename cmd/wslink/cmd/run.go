package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/miximus/wslink/pkg/wslink/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Send the scheduled commands from the config",
	Long: `Connect and send every command block that has a schedule, on that
schedule, until interrupted. Commands bound to another client block than the
one in use are skipped. Schedules use cron syntax with optional seconds, or
descriptors such as "@every 30s" and "@hourly".

Example:
  wslink run -c ./wslink.hcl --client studio`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	if cfg == nil {
		return errors.New("run requires --config")
	}

	cc, err := cfg.Client(clientName)
	if err != nil {
		return err
	}

	wsClient, err := newClient(logger, cfg, cc.Name)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	scheduler := config.NewScheduler(wsClient, logger)
	for _, command := range cfg.ScheduledCommands() {
		if command.Client != "" && command.Client != cc.Name {
			logger.Debug("Skipping command for other client",
				zap.String("command", command.Name),
				zap.String("client", command.Client))
			continue
		}
		if err := scheduler.Add(command); err != nil {
			return err
		}
		logger.Info("Scheduled command",
			zap.String("command", command.Name),
			zap.String("topic", command.Topic),
			zap.String("schedule", command.Schedule))
	}

	if scheduler.Len() == 0 {
		return errors.New("no scheduled commands for this client")
	}

	wsClient.Connect()
	scheduler.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	<-scheduler.Stop().Done()
	wsClient.Destroy()

	logger.Info("Shutdown complete")
	return nil
}
