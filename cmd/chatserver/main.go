package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/mavdeev/chatline/internal/config"
	"github.com/mavdeev/chatline/internal/limits"
	"github.com/mavdeev/chatline/internal/monitoring"
	"github.com/mavdeev/chatline/internal/server"
	"github.com/mavdeev/chatline/internal/session"
	"github.com/mavdeev/chatline/internal/store"
)

func main() {
	bootLogger := monitoring.NewLogger("info", "json")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("configuration error")
	}

	logger := monitoring.NewLogger(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.Migrate(cfg.DatabaseURL, logger); err != nil {
		logger.Fatal().Err(err).Msg("database migration failed")
	}
	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer st.Close()

	monitoring.StartMetricsServer(cfg.MetricsAddr, logger)
	go monitoring.NewSystemMonitor(cfg.MetricsInterval, logger).Run(ctx)

	registry := session.NewRegistry()
	notifier := server.NewNotifier(registry, logger)
	dispatcher := server.NewDispatcher(st, registry, notifier, logger)

	var limiter *limits.ConnectionRateLimiter
	if cfg.ConnRateLimitEnabled {
		limiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnRateLimitIPBurst,
			IPRate:      cfg.ConnRateLimitIPRate,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
			Logger:      logger,
		})
	}

	srv, err := server.New(server.Config{
		Addr:           cfg.Addr,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
		MaxConnections: cfg.MaxConnections,
		ShutdownGrace:  cfg.ShutdownGrace,
		RateLimiter:    limiter,
	}, dispatcher, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("server setup failed")
	}
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("server start failed")
	}

	adminStopped := make(chan bool, 1)
	go func() {
		adminStopped <- server.RunAdminChannel(os.Stdin, srv, st, logger)
	}()

	waitForShutdown(ctx, srv.Done(), adminStopped, logger)
	srv.Shutdown()
}

// waitForShutdown blocks until something orders a stop: a signal, the accept
// loop exiting, or an admin command. Admin EOF without a command is not a
// stop order; stdin is closed in detached deployments and the server must
// keep serving.
func waitForShutdown(ctx context.Context, srvDone <-chan struct{}, adminStopped <-chan bool, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("signal received, shutting down")
			return
		case stopped := <-adminStopped:
			if stopped {
				return
			}
			logger.Info().Msg("admin channel closed, continuing to serve")
			adminStopped = nil
		case <-srvDone:
			return
		}
	}
}
