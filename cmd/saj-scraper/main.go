package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"golang.org/x/sync/errgroup"

	"saj_portal/scraper-go/internal/config"
	"saj_portal/scraper-go/internal/db"
	"saj_portal/scraper-go/internal/extract"
	"saj_portal/scraper-go/internal/httpapi"
	"saj_portal/scraper-go/internal/metrics"
	"saj_portal/scraper-go/internal/peakstore"
	"saj_portal/scraper-go/internal/poller"
	"saj_portal/scraper-go/internal/portal"
	"saj_portal/scraper-go/internal/publish"
	"saj_portal/scraper-go/internal/scheduler"
)

func main() {
	optionsFile := envOr("OPTIONS_FILE", config.DefaultOptionsFile)

	cfg, err := config.Load(optionsFile, os.Getenv)
	if err != nil {
		logger := httpapi.NewLogger(envOr("LOG_LEVEL", "info"), "")
		logger.Fatal().Err(err).Str("options_file", optionsFile).Msg("failed to load configuration")
	}

	logger := httpapi.NewLogger(cfg.LogLevel, cfg.LogFile)
	for _, w := range cfg.Warnings {
		logger.Warn().Msg(w)
	}
	logger.Info().
		Str("version", cfg.Version).
		Str("base_url", cfg.BaseURL).
		Int("devices", len(cfg.Devices)).
		Dur("interval", cfg.UpdateInterval).
		Msg("starting SAJ portal scraper")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var store peakstore.Store = peakstore.NewFileStore(logger, cfg.StateFile)
	var pinger httpapi.Pinger
	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		if err := pool.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate database")
		}
		store = peakstore.NewPostgresStore(logger, pool.Queries())
		pinger = pool
		logger.Info().Msg("peak power state stored in postgres")
	}

	window, err := scheduler.ParseWindow(cfg.Inactivity.Enabled, cfg.Inactivity.Start, cfg.Inactivity.End)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid inactivity period, inactivity check disabled")
	}

	urls := portal.NewURLs(cfg.BaseURL)
	session := portal.NewManager(
		logger.With().Str("component", "portal").Logger(),
		portal.NewChromeFactory(logger, portal.ChromeOptions{ExecPath: cfg.ChromePath}),
		portal.Options{
			URLs:     urls,
			Username: cfg.Username,
			Password: cfg.Password,
			DebugDir: cfg.DebugDir,
		},
		m,
	)
	extractor := extract.New(logger.With().Str("component", "extract").Logger(), extract.Options{
		UpdateTimeZone: cfg.UpdateTimeZone,
		ServerTimeZone: cfg.ServerTimeZone,
		URLs:           urls,
		MaxRows:        cfg.MaxRows,
	})
	devicePoller := poller.New(logger.With().Str("component", "poller").Logger(), session, extractor, cfg.Devices, poller.Options{URLs: urls}, m)

	client, err := publish.Dial(logger.With().Str("component", "mqtt").Logger(), publish.Broker{
		Host:     cfg.MQTT.Host,
		Port:     cfg.MQTT.Port,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
	}, 10*time.Second)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up mqtt client")
	}
	publisher := publish.New(logger.With().Str("component", "mqtt").Logger(), client, publish.Options{Version: cfg.Version}, m)

	sched := scheduler.New(logger.With().Str("component", "scheduler").Logger(), devicePoller, store, publisher, session, scheduler.Options{
		Interval:            cfg.UpdateInterval,
		ExtendedInterval:    cfg.ExtendedInterval,
		InactivityThreshold: cfg.DataInactivityThreshold,
		Window:              window,
		Location:            time.Local,
	}, m)

	h := httpapi.NewHandler(logger, sched, pinger, m)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("status api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("scraper stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}

func envOr(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
