package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/lastclick/go/internal/config"
	"github.com/mcdev12/lastclick/go/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("LASTCLICK_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logCloser := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := setupStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up stores")
	}
	defer stores.Close()

	services, err := setupServices(ctx, cfg, stores)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up services")
	}
	defer services.Close()

	server := setupServer(cfg, services)

	log.Info().
		Str("instance", cfg.InstanceID).
		Str("meta_backend", cfg.Meta.Backend).
		Str("visits_backend", cfg.Visits.Backend).
		Str("identity_backend", cfg.Identity.Backend).
		Bool("events", services.Bus != nil).
		Msg("starting lastclick")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return services.Oracle.Run(gctx, services.App.OnOracleTick)
	})
	g.Go(func() error {
		return services.Broadcaster.Run(gctx)
	})
	g.Go(func() error {
		return services.Limiter.Run(gctx, 10*time.Minute)
	})
	if services.Bus != nil {
		g.Go(func() error {
			return services.Bus.Consume(gctx, services.App)
		})
	}
	if cfg.Meta.SyncInterval > 0 {
		g.Go(func() error {
			return services.App.RunSync(gctx, cfg.Meta.SyncInterval)
		})
	}

	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}
