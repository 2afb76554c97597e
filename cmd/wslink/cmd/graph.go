package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miximus/wslink/pkg/wslink/graph"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the server's node graph",
	Long: `Load the node graph from the server and print its nodes in topological
order followed by its connections.

With --follow the graph is kept in sync and every change is printed as it
arrives, until interrupted.

Examples:
  wslink graph
  wslink graph --follow --url ws://studio.local:7351/`,
	Args: cobra.NoArgs,
	RunE: runGraph,
}

var (
	graphFollow  bool
	graphTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(graphCmd)

	graphCmd.Flags().BoolVarP(&graphFollow, "follow", "f", false, "keep printing changes")
	graphCmd.Flags().DurationVar(&graphTimeout, "timeout", 10*time.Second, "time allowed for the first load")
}

func runGraph(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	wsClient, err := newClient(logger, cfg, "")
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer wsClient.Destroy()

	mirror := graph.NewMirror(wsClient, logger)

	loaded := make(chan struct{}, 1)
	mirror.AddListener(graph.ListenerFunc(func(ctx context.Context, change graph.Change) {
		if change.Kind == graph.ChangeReset {
			select {
			case loaded <- struct{}{}:
			default:
			}
			return
		}
		if graphFollow {
			printChange(os.Stdout, change)
		}
	}))

	mirror.Start()
	defer mirror.Close()
	wsClient.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), graphTimeout)
	select {
	case <-loaded:
		cancel()
	case <-ctx.Done():
		cancel()
		return fmt.Errorf("graph not loaded: %w", ctx.Err())
	}

	printGraph(os.Stdout, mirror)

	if !graphFollow {
		return nil
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case <-loaded:
			// Reloaded after a reconnect.
			logger.Info("Graph reloaded", zap.Int("nodes", len(mirror.Nodes())))
			printGraph(os.Stdout, mirror)
		case <-sigCtx.Done():
			return nil
		}
	}
}

func printGraph(w io.Writer, mirror *graph.Mirror) {
	for _, id := range mirror.TopologicalOrder() {
		node, ok := mirror.Node(id)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "node\t%s\t%s\t%s\n", node.ID, node.Type, marshalOrEmpty(node.Options))
	}
	for _, c := range mirror.Connections() {
		fmt.Fprintf(w, "connection\t%s\n", c)
	}
}

func printChange(w io.Writer, change graph.Change) {
	marker := ""
	if change.IsOrigin {
		marker = "*"
	}

	switch {
	case change.Connection != nil:
		fmt.Fprintf(w, "%s%s\t%s\n", change.Kind, marker, change.Connection)
	case change.Kind == graph.ChangeNodeUpdated:
		fmt.Fprintf(w, "%s%s\t%s\t%s\n", change.Kind, marker, change.Node.ID, marshalOrEmpty(change.Delta))
	case change.Node != nil:
		fmt.Fprintf(w, "%s%s\t%s\t%s\n", change.Kind, marker, change.Node.ID, change.Node.Type)
	default:
		fmt.Fprintf(w, "%s%s\n", change.Kind, marker)
	}
}

func marshalOrEmpty(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
