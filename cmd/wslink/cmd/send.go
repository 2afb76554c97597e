package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/miximus/wslink/pkg/wslink/protocol"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send [topic] [json-object]",
	Short: "Send a command and print the reply",
	Long: `Connect, send one command and print the server's reply as JSON.

The command is given either as a topic with an optional JSON object holding
its fields, or by naming a command block from the config with --command.
Error replies are printed to stderr and make the command fail.

Examples:
  wslink send config
  wslink send remove_node '{"id":"osc-1"}'
  wslink send -c ./wslink.hcl --command add_osc`,
	Args: cobra.MaximumNArgs(2),
	RunE: runSend,
}

var (
	sendTimeout time.Duration
	sendCommand string
)

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "time allowed for connecting and the reply")
	sendCmd.Flags().StringVar(&sendCommand, "command", "", "command block to send from the config")
}

func runSend(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	var (
		msg        *protocol.Command
		clientHint string
	)

	switch {
	case sendCommand != "":
		if len(args) > 0 {
			return errors.New("--command cannot be combined with a topic")
		}
		if cfg == nil {
			return errors.New("--command requires --config")
		}
		cc, err := cfg.Command(sendCommand)
		if err != nil {
			return err
		}
		msg = cc.Message()
		clientHint = cc.Client
	case len(args) > 0:
		msg, err = commandFromArgs(args)
		if err != nil {
			return err
		}
	default:
		return errors.New("a topic or --command is required")
	}

	if clientName != "" {
		clientHint = clientName
	}

	waiter := newConnectionWaiter()
	wsClient, err := newClient(logger, cfg, clientHint, waiter)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer wsClient.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	wsClient.Connect()
	if _, err := waiter.Wait(ctx); err != nil {
		return err
	}

	logger.Debug("Sending command", zap.String("topic", msg.Topic))

	reply, err := wsClient.Request(ctx, msg)
	if err != nil {
		var replyErr *protocol.Error
		if errors.As(err, &replyErr) {
			fmt.Fprintln(os.Stderr, replyErr.Message)
		}
		return fmt.Errorf("%s failed: %w", msg.Topic, err)
	}

	var fields map[string]any
	if err := reply.Decode(&fields); err != nil {
		return fmt.Errorf("invalid reply: %w", err)
	}
	delete(fields, "action")
	delete(fields, "token")

	out, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

func commandFromArgs(args []string) (*protocol.Command, error) {
	msg := &protocol.Command{Topic: args[0]}
	if len(args) < 2 {
		return msg, nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
		return nil, fmt.Errorf("command fields must be a JSON object: %w", err)
	}
	if len(payload) > 0 {
		msg.Payload = payload
	}
	return msg, nil
}
