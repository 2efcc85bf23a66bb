package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/auth"
	"github.com/dgnsrekt/synchromesh/internal/broadcast"
	"github.com/dgnsrekt/synchromesh/internal/channel"
	"github.com/dgnsrekt/synchromesh/internal/config"
	"github.com/dgnsrekt/synchromesh/internal/monitor"
	"github.com/dgnsrekt/synchromesh/internal/outbox"
	"github.com/dgnsrekt/synchromesh/internal/policy"
	"github.com/dgnsrekt/synchromesh/internal/registry"
	"github.com/dgnsrekt/synchromesh/internal/server"
	"github.com/dgnsrekt/synchromesh/internal/transport"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Long: `Run the HTTP service: subscription, polling and relay handshake
endpoints, plus the socket relay when transport is socket_service.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("configuration loaded",
		zap.String("port", cfg.Server.Port),
		zap.String("transport", cfg.Transport),
		zap.String("channelPrefix", cfg.ChannelPrefix),
		zap.String("outbox", cfg.Outbox.Backend),
		zap.String("registry", cfg.Registry.Backend),
		zap.String("policy", cfg.Policy.Mode),
		zap.String("secret", config.Mask(cfg.Secret)),
	)

	tokens, err := auth.NewService([]byte(cfg.Secret), cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}

	ob, err := openOutbox(ctx, cfg.Outbox, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := ob.Close(); err != nil {
			logger.Warn("closing outbox", zap.Error(err))
		}
	}()

	reg, err := openRegistry(ctx, cfg.Registry, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn("closing registry", zap.Error(err))
		}
	}()

	oracle, err := policy.New(cfg.Policy, cfg.PublishKey, logger.Named("policy"))
	if err != nil {
		return fmt.Errorf("creating policy oracle: %w", err)
	}

	tr, err := transport.New(cfg, tokens, logger)
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	defer func() { _ = tr.Close() }()

	d := broadcast.New(ob, reg, tr, channel.NewPolicy(oracle, logger.Named("policy")), tokens, broadcast.Options{
		IdleTimeout:   cfg.Registry.IdleTimeout,
		SweepInterval: cfg.Registry.SweepInterval,
		ReplayWindow:  2 * cfg.TokenTTL,
	}, logger.Named("broadcast"))

	mon := monitor.New(ob, reg, cfg.Transport, cfg.MonitorInterval, logger.Named("monitor"))

	router, err := server.NewRouter(server.NewServer(d, cfg, logger), mon, logger.Named("http"))
	if err != nil {
		return fmt.Errorf("creating router: %w", err)
	}
	httpServer := server.NewHTTPServer(cfg.Server, router)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := d.Run(runCtx); err != nil {
			logger.Error("dispatcher error", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		mon.Run(runCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case err := <-serveErr:
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Monitor streams only end once their run loop stops.
	cancel()
	shutdownErr := httpServer.Shutdown(shutdownCtx)
	wg.Wait()
	if shutdownErr != nil {
		return fmt.Errorf("server shutdown: %w", shutdownErr)
	}

	logger.Info("server stopped")
	return nil
}

func openOutbox(ctx context.Context, cfg config.OutboxConfig, logger *zap.Logger) (outbox.Outbox, error) {
	logger = logger.Named("outbox")
	opts := outbox.Options{MaxEntries: cfg.MaxPerChannel, IDRetention: cfg.IDRetention}
	switch cfg.Backend {
	case config.BackendBadger:
		ob, err := outbox.OpenBadger(cfg.Path, opts, logger)
		if err != nil {
			return nil, fmt.Errorf("opening badger outbox: %w", err)
		}
		return ob, nil
	case config.BackendRedis:
		ob, err := outbox.ConnectRedis(ctx, cfg.RedisURL, cfg.KeyPrefix, opts, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting outbox: %w", err)
		}
		return ob, nil
	default:
		return outbox.NewMemory(opts, logger), nil
	}
}

func openRegistry(ctx context.Context, cfg config.RegistryConfig, logger *zap.Logger) (registry.Registry, error) {
	logger = logger.Named("registry")
	switch cfg.Backend {
	case config.BackendRedis:
		reg, err := registry.ConnectRedis(ctx, cfg.RedisURL, cfg.KeyPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting registry: %w", err)
		}
		return reg, nil
	default:
		return registry.NewMemory(logger), nil
	}
}
