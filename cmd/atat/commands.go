package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atat/gateway/internal/client"
	"github.com/atat/gateway/internal/engine"
	"github.com/atat/gateway/internal/gateway"
	"github.com/atat/gateway/internal/mcpbridge"
	"github.com/atat/gateway/internal/mockengine"
	"github.com/atat/gateway/internal/server"
	"github.com/atat/gateway/internal/store"
)

var (
	callTimeout time.Duration
	callRecord  bool

	historyCommand string
	historyFailed  bool
	historyLimit   int

	mockAddr         string
	mockPreload      bool
	mockFilesDir     string
	mockScanDuration time.Duration

	serveMock bool
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func engineClient() *engine.Client {
	timeout := cfg.Engine.Timeout
	if callTimeout > 0 {
		timeout = callTimeout
	}
	return engine.New(cfg.Engine.Addr(),
		engine.WithTimeout(timeout),
		engine.WithMaxResponseSize(cfg.Engine.MaxResponseBytes),
		engine.WithLogger(logger.Named("engine")),
	)
}

var callCmd = &cobra.Command{
	Use:   "call <command> [--key value ... | '{json}']",
	Short: "Send one command to the engine and print the envelope",
	Example: `  atat call connection.test
  atat call endpoints.tags.add --path /users --method GET --tags admin --tags internal
  atat call scan.status '{"scan_id": "scan_1_1700000000000"}'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := client.ParseData(args[1:])
		if err != nil {
			return err
		}
		opts := []gateway.Option{gateway.WithLogger(logger.Named("gateway"))}
		if callRecord {
			history, err := store.Open(cfg.Store.DBPath)
			if err != nil {
				return err
			}
			defer history.Close()
			opts = append(opts, gateway.WithHistory(history))
		}

		ctx, stop := signalContext()
		defer stop()
		res := gateway.New(engineClient(), opts...).Call(ctx, args[0], data, "")
		if code := client.PrintEnvelope(cmd.OutOrStdout(), res.Envelope, jsonOut); code != 0 {
			return exitError{code: code}
		}
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the engine accepts connections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		_, env := gateway.New(engineClient()).Health(ctx)
		if code := client.PrintEnvelope(cmd.OutOrStdout(), env, jsonOut); code != 0 {
			return exitError{code: code}
		}
		return nil
	},
}

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List the engine command namespace",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		client.PrintCommands(cmd.OutOrStdout(), gateway.Commands(), jsonOut)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded engine calls",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		history, err := store.Open(cfg.Store.DBPath)
		if err != nil {
			return err
		}
		defer history.Close()

		filter := store.Filter{Command: historyCommand, Limit: historyLimit}
		if historyFailed {
			failed := false
			filter.Success = &failed
		}
		calls, err := history.ListCalls(filter)
		if err != nil {
			return err
		}
		client.PrintHistory(cmd.OutOrStdout(), calls, jsonOut)
		return nil
	},
}

var mockEngineCmd = &cobra.Command{
	Use:   "mock-engine",
	Short: "Run the mock engine on the engine address",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := mockAddr
		if addr == "" {
			addr = cfg.Engine.Addr()
		}
		opts := []mockengine.Option{mockengine.WithLogger(logger.Named("mock"))}
		if dir := firstNonEmpty(mockFilesDir, cfg.Mock.FilesDir); dir != "" {
			opts = append(opts, mockengine.WithFilesDir(dir))
		}
		if d := firstPositive(mockScanDuration, cfg.Mock.ScanDuration); d > 0 {
			opts = append(opts, mockengine.WithScanDuration(d))
		}
		if mockPreload || cfg.Mock.Preload {
			opts = append(opts, mockengine.WithPreloadedAPI())
		}

		ctx, stop := signalContext()
		defer stop()
		mock := mockengine.New(addr, opts...)
		if err := mock.Start(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "mock engine listening on %s\n", mock.Addr())
		<-ctx.Done()
		return mock.Stop()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveMock {
			cfg.Mock.Enabled = true
		}
		ctx, stop := signalContext()
		defer stop()
		return server.New(cfg, logger).RunContext(ctx)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the engine gateway as MCP tools over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		history, err := store.Open(cfg.Store.DBPath)
		if err != nil {
			return err
		}
		defer history.Close()

		svc := gateway.New(engineClient(),
			gateway.WithHistory(history),
			gateway.WithLogger(logger.Named("gateway")),
		)
		ctx, stop := signalContext()
		defer stop()
		logger.Info("mcp bridge serving on stdio", zap.String("engine", cfg.Engine.Addr()))
		return mcpbridge.New(svc, version, logger.Named("mcp")).Serve(ctx, os.Stdin, os.Stdout)
	},
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func init() {
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0, "override the engine call timeout")
	callCmd.Flags().BoolVar(&callRecord, "record", false, "record the call in the history store")
	// Everything after the command name is command data.
	callCmd.Flags().SetInterspersed(false)

	historyCmd.Flags().StringVar(&historyCommand, "command", "", "only show this command")
	historyCmd.Flags().BoolVar(&historyFailed, "failed", false, "only show failed calls")
	historyCmd.Flags().IntVar(&historyLimit, "limit", store.DefaultLimit, "maximum number of calls")

	mockEngineCmd.Flags().StringVar(&mockAddr, "addr", "", "listen address (default: engine address from config)")
	mockEngineCmd.Flags().BoolVar(&mockPreload, "preload", false, "start with the built-in mock API imported")
	mockEngineCmd.Flags().StringVar(&mockFilesDir, "files-dir", "", "directory apis.import_file reads from")
	mockEngineCmd.Flags().DurationVar(&mockScanDuration, "scan-duration", 0, "time until a started scan completes")

	serveCmd.Flags().BoolVar(&serveMock, "mock", false, "also run the mock engine on the engine address")
}
