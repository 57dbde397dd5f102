package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/qiuyier/medlink-bus/config"
	"github.com/qiuyier/medlink-bus/internal/api"
	"github.com/qiuyier/medlink-bus/internal/auth"
	"github.com/qiuyier/medlink-bus/internal/broker"
	"github.com/qiuyier/medlink-bus/internal/logger"
	"github.com/qiuyier/medlink-bus/internal/ws"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintln(os.Stderr, "busd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Server.Mode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	registry := broker.NewRegistry(log)
	for name, bc := range cfg.Brokers {
		if _, err := registry.Open(ctx, name, bc); err != nil {
			shutdownRegistry(registry, cfg.Server.ShutdownTimeout, log)
			return fmt.Errorf("open broker %s: %w", name, err)
		}
	}

	b, _ := registry.Get(cfg.WS.Broker)
	gateway := ws.NewGateway(cfg.WS, b, auth.NewJWTAuth(cfg.JWT.Secret, cfg.JWT.ExpireTime), log)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	api.NewAdmin(registry, gateway, cfg.WS.Broker, log).Routes(mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("busd listening",
			zap.String("addr", srv.Addr),
			zap.Strings("brokers", registry.Names()),
			zap.String("ws_broker", cfg.WS.Broker),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			shutdownRegistry(registry, cfg.Server.ShutdownTimeout, log)
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		log.Error("gateway shutdown failed", zap.Error(err))
	}
	shutdownRegistry(registry, cfg.Server.ShutdownTimeout, log)

	log.Info("busd stopped")
	return nil
}

func shutdownRegistry(registry *broker.Registry, timeout time.Duration, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := registry.Close(ctx); err != nil {
		log.Error("close brokers failed", zap.Error(err))
	}
}
