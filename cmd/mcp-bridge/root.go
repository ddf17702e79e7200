package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	mcpbridge "github.com/jerthedev/go-mcp-bridge"
)

const version = "0.1.0"

var (
	configPath   string
	framingMode  string
	logLevelName string
	instructions string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&framingMode, "framing", "", "wire framing mode: line or header")
	rootCmd.PersistentFlags().StringVar(&logLevelName, "log-level", "info", "minimum log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&instructions, "instructions", "", "instructions string returned from the initialize handshake")
}

var rootCmd = &cobra.Command{
	Use:   "mcp-bridge",
	Short: "JSON-RPC 2.0 bridge speaking the Model Context Protocol over stdio",
	Long: `mcp-bridge serves the Model Context Protocol over standard input and
output. Logs go to stderr; stdout carries only protocol frames.`,
	SilenceUsage: true,
	RunE:         runStdio,
}

func runStdio(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	transport := mcpbridge.NewStdIO(os.Stdin, os.Stdout, cfg.Framing,
		mcpbridge.WithStdIOLogger(logger),
		mcpbridge.WithStdIOResilience(cfg.Resilience),
		mcpbridge.WithStdIOBatching(cfg.Batch))

	broker := mcpbridge.NewNotificationBroker(cfg.Stream,
		mcpbridge.WithBrokerLogger(logger))

	pool := mcpbridge.NewConnectionPool()
	manager := mcpbridge.NewConnectionManager(
		mcpbridge.ConnectionConfig{Transport: "stdio"},
		pool,
		func(_ context.Context) (mcpbridge.PooledConnection, error) { return transport, nil },
		cfg.Health,
		mcpbridge.WithConnectionLogger(logger),
	)

	server := mcpbridge.NewServer(
		mcpbridge.Info{Name: "mcp-bridge", Version: version},
		transport,
		registry,
		mcpbridge.WithServerLogger(logger),
		mcpbridge.WithServerInstructions(instructions),
		mcpbridge.WithServerBroker(broker),
		mcpbridge.WithServerBatchController(transport.Batch()),
		mcpbridge.WithServerConnectionManager(manager),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := manager.GetOrCreateConnection(ctx); err != nil {
		return err
	}
	defer manager.ReleaseConnection()

	go server.Serve()
	logger.Info("bridge started", slog.String("framing", string(cfg.Framing.Mode)))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown bridge: %w", err)
	}
	logger.Info("bridge stopped")
	return nil
}

func loadConfig() (mcpbridge.Config, error) {
	cfg := mcpbridge.DefaultConfig()
	if configPath != "" {
		loaded, err := mcpbridge.LoadConfig(configPath)
		if err != nil {
			return mcpbridge.Config{}, err
		}
		cfg = loaded
	}
	if framingMode != "" {
		cfg.Framing.Mode = mcpbridge.FramingMode(framingMode)
		if err := cfg.Validate(); err != nil {
			return mcpbridge.Config{}, err
		}
	}
	return cfg, nil
}

// newLogger builds the process logger on stderr. Stdout must stay clean, the
// stdio transport owns it.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch logLevelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildRegistry exposes the bridge's built-in components: an echo tool for
// connectivity checks and a resource serving the effective configuration.
func buildRegistry(cfg mcpbridge.Config) (*mcpbridge.Registry, error) {
	registry := mcpbridge.NewRegistry()

	echoSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {"type": "string", "description": "Text to echo back"}
		},
		"required": ["text"]
	}`)
	err := registry.RegisterTool(mcpbridge.Tool{
		Name:        "echo",
		Description: "Echoes the given text back to the caller",
		InputSchema: echoSchema,
	}, func(_ context.Context, params mcpbridge.CallToolParams, _ mcpbridge.ProgressReporter) (mcpbridge.CallToolResult, error) {
		var args struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return mcpbridge.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}
		return mcpbridge.CallToolResult{
			Content: []mcpbridge.Content{{Type: mcpbridge.ContentTypeText, Text: args.Text}},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	err = registry.RegisterResource(mcpbridge.Resource{
		URI:         "config://mcp-bridge",
		Name:        "Effective configuration",
		Description: "The bridge's effective configuration after defaults and overrides",
		MimeType:    "application/yaml",
	}, func(_ context.Context, params mcpbridge.ReadResourceParams) (mcpbridge.ReadResourceResult, error) {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return mcpbridge.ReadResourceResult{}, fmt.Errorf("failed to marshal config: %w", err)
		}
		return mcpbridge.ReadResourceResult{
			Contents: []mcpbridge.ResourceContents{{
				URI:      params.URI,
				MimeType: "application/yaml",
				Text:     string(out),
			}},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	return registry, nil
}
