package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/miximus/wslink/pkg/wslink/client"
	"github.com/miximus/wslink/pkg/wslink/graph"
	"github.com/miximus/wslink/pkg/wslink/subutils"
	"github.com/miximus/wslink/pkg/wslink/transform"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch [topics...]",
	Short: "Print the commands broadcast on topics",
	Long: `Subscribe to topics and print every command the server broadcasts on them,
one per line as "<topic>\t<json>". Own writes are marked with a trailing "*".

If no topics are given, the node-graph change topics are watched. The client
reconnects and resubscribes until interrupted.

Examples:
  wslink watch
  wslink watch add_node remove_node
  wslink watch --jq '.node.id // .id' --ignore-own
  wslink watch --drop 'debug/#' -c ./wslink.hcl --client studio`,
	RunE: runWatch,
}

var (
	watchJq        string
	watchDrop      []string
	watchIgnoreOwn bool
	watchQueueSize int
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchJq, "jq", "", "jq filter applied to each command ($topic and $origin are set)")
	watchCmd.Flags().StringSliceVar(&watchDrop, "drop", nil, "MQTT-style topic patterns to drop")
	watchCmd.Flags().BoolVar(&watchIgnoreOwn, "ignore-own", false, "drop commands caused by this client")
	watchCmd.Flags().IntVar(&watchQueueSize, "queue", 1000, "commands buffered while printing")
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	topics := args
	if len(topics) == 0 {
		topics = graph.ChangeTopics
	}

	chain, err := buildWatchTransform(logger)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	wsClient, err := newClient(logger, cfg, "")
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	printer := transform.NewHandler(chain, printEvent(logger), logger)
	async := subutils.NewAsyncHandler(printer, watchQueueSize, logger).Start()
	var handler client.CommandHandler = async
	if verbose || debug {
		handler = subutils.NewNamedLoggingHandler(async, logger, zap.DebugLevel, "watch")
	}

	for _, topic := range topics {
		wsClient.Subscribe(topic, handler)
	}

	logger.Info("Watching topics", zap.Strings("topics", topics))
	wsClient.Connect()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Listening for commands... (Press Ctrl+C to exit)")
	<-ctx.Done()

	wsClient.Destroy()
	if err := async.Close(); err != nil {
		logger.Warn("Error closing handler", zap.Error(err))
	}
	if dropped := async.Dropped(); dropped > 0 {
		logger.Warn("Commands dropped while printing", zap.Int64("dropped", dropped))
	}

	logger.Info("Shutdown complete")
	return nil
}

func buildWatchTransform(logger *zap.Logger) (transform.EventTransformFunc, error) {
	var transforms []transform.EventTransformFunc

	if watchIgnoreOwn {
		transforms = append(transforms, transform.DropOrigin())
	}
	for _, pattern := range watchDrop {
		transforms = append(transforms, transform.DropTopicPattern(pattern))
	}
	if watchJq != "" {
		jq, err := transform.JqTransform(watchJq, logger)
		if err != nil {
			return nil, err
		}
		transforms = append(transforms, jq)
	}

	if len(transforms) == 0 {
		return nil, nil
	}
	return transform.ChainTransforms(transforms...), nil
}

func printEvent(logger *zap.Logger) transform.EventFunc {
	return func(ctx context.Context, ev *transform.Event) {
		marker := ""
		if ev.IsOrigin {
			marker = "*"
		}

		jsonBytes, err := json.Marshal(ev.Payload)
		if err != nil {
			fmt.Fprintf(os.Stdout, "%s%s\t<error marshaling JSON: %v>\n", ev.Topic, marker, err)
			logger.Warn("Failed to marshal payload to JSON", zap.String("topic", ev.Topic), zap.Error(err))
			return
		}
		fmt.Fprintf(os.Stdout, "%s%s\t%s\n", ev.Topic, marker, jsonBytes)
	}
}
