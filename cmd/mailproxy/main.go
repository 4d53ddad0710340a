package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vdavid/mailproxy/internal/api"
	"github.com/vdavid/mailproxy/internal/config"
	"github.com/vdavid/mailproxy/internal/credentials"
	"github.com/vdavid/mailproxy/internal/imappool"
	"github.com/vdavid/mailproxy/internal/keepalive"
	"github.com/vdavid/mailproxy/internal/proxy"
	"github.com/vdavid/mailproxy/internal/session"
	"github.com/vdavid/mailproxy/internal/smtppool"
	"github.com/vdavid/mailproxy/internal/transform"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("config_load_failed")
	}

	logger := newLogger(cfg.Environment)
	instanceID := uuid.NewString()
	logger = logger.With().Str("instance", instanceID[:8]).Logger()

	store, err := session.NewStore(cfg.StoreURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("store_init_failed")
	}
	defer func() { _ = store.Close() }()

	resolver, err := credentials.NewResolver(cfg.InboxesJSON)
	if err != nil {
		logger.Fatal().Err(err).Msg("inbox_config_invalid")
	}

	imapPool := imappool.NewPool(resolver, imappool.Options{
		Store:              store,
		SessionTTL:         cfg.SessionTTL,
		IdleProbeThreshold: cfg.IdleProbeThreshold,
		MaxLiveHandles:     cfg.MaxLiveHandles,
		InstanceID:         instanceID,
		Logger:             logger,
	})
	defer imapPool.Close()

	smtpPool := smtppool.NewPool(resolver, smtppool.Options{
		Store:              store,
		SessionTTL:         cfg.SessionTTL,
		IdleProbeThreshold: cfg.IdleProbeThreshold,
		MaxLiveHandles:     cfg.MaxLiveHandles,
		InstanceID:         instanceID,
		Logger:             logger,
	})
	defer smtpPool.Close()

	transformer := transform.New(transform.Options{
		BodyCharLimit:        cfg.BodyCharLimit,
		AttachmentCharLimit:  cfg.AttachmentCharLimit,
		TrackingHostPatterns: cfg.TrackingHostPatterns,
		Logger:               logger,
	})

	service := proxy.NewService(resolver, imapPool, smtpPool, transformer, logger)

	worker := keepalive.NewWorker(keepalive.Options{
		Store:    store,
		Resolver: resolver,
		Probers: map[session.Protocol]keepalive.Prober{
			session.ProtocolIMAP: imapPool,
			session.ProtocolSMTP: smtpPool,
		},
		Interval:   cfg.KeepaliveInterval,
		SessionTTL: cfg.SessionTTL,
		InstanceID: instanceID,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go worker.Run(ctx)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(api.NewHandler(service, cfg.APIToken, logger)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("environment", cfg.Environment).Msg("server_starting")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server_failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown_incomplete")
	}
	logger.Info().Msg("server_stopped")
}

func newLogger(environment string) zerolog.Logger {
	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
