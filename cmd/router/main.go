package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/joys014/multiplex-ws/internal/config"
	"github.com/joys014/multiplex-ws/internal/logging"
	"github.com/joys014/multiplex-ws/internal/server"
	"github.com/joys014/multiplex-ws/internal/wsconn"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogLevel, cfg.LogFormat)

	srv := server.New(server.Options{
		Addr:             cfg.Addr(),
		TopicBaseURL:     cfg.TopicBaseURL,
		Topics:           cfg.Topics(),
		ConnectionLimit:  cfg.TopicConnectionLimit,
		MaxShards:        cfg.TopicMaxShards,
		SubscribeTimeout: cfg.SubscribeTimeout,
		Conn: wsconn.Options{
			SendBuffer:   cfg.SendBuffer,
			WriteTimeout: cfg.WriteTimeout,
			PingInterval: cfg.PingInterval,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", cfg.Addr(), "topics", cfg.Topics(), "topic_base_url", cfg.TopicBaseURL)
		return srv.ListenAndServe()
	})

	// Graceful shutdown
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Goodbye!")
}
