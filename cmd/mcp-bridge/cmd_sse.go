package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mcpbridge "github.com/jerthedev/go-mcp-bridge"
)

var sseAddr string

func init() {
	rootCmd.AddCommand(sseCmd)
	sseCmd.Flags().StringVarP(&sseAddr, "addr", "a", "127.0.0.1:8951", "listen address")
}

var sseCmd = &cobra.Command{
	Use:   "sse",
	Short: "Serve the bridge over HTTP with Server-Sent Events",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger()

		registry, err := buildRegistry(cfg)
		if err != nil {
			return err
		}

		messageURL := fmt.Sprintf("http://%s/message", sseAddr)
		transport := mcpbridge.NewSSEServer(messageURL,
			mcpbridge.WithSSEServerLogger(logger),
			mcpbridge.WithSSEServerFraming(cfg.Framing))

		broker := mcpbridge.NewNotificationBroker(cfg.Stream,
			mcpbridge.WithBrokerLogger(logger))

		pool := mcpbridge.NewConnectionPool()
		manager := mcpbridge.NewConnectionManager(
			mcpbridge.ConnectionConfig{Transport: "sse", Host: sseAddr},
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
			mcpbridge.WithServerConnectionManager(manager),
		)

		mux := http.NewServeMux()
		mux.Handle("/sse", transport.HandleSSE())
		mux.Handle("/message", transport.HandleMessage())
		mux.Handle("/notifications", broker.HandleStream())

		httpServer := &http.Server{
			Addr:              sseAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if _, err := manager.GetOrCreateConnection(ctx); err != nil {
			return err
		}
		defer manager.ReleaseConnection()

		go server.Serve()
		go func() {
			logger.Info("listening", slog.String("addr", sseAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", slog.String("err", err.Error()))
				stop()
			}
		}()

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown http server", slog.String("err", err.Error()))
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown bridge: %w", err)
		}
		logger.Info("bridge stopped")
		return nil
	},
}
