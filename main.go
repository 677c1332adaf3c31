package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spillguard/spill-detection-service/config"
	"github.com/spillguard/spill-detection-service/detections"
	"github.com/spillguard/spill-detection-service/logger"
	"github.com/spillguard/spill-detection-service/positions"
	"github.com/spillguard/spill-detection-service/providers"
	"github.com/spillguard/spill-detection-service/vessels"
)

func main() {
	logger.Init(logger.FromEnv())
	log := logger.Get()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Interface("cpu_features", detections.CPUFeatures()).Msg("starting spill detection service")

	rt := loadModel(cfg)
	defer rt.Close()

	detector := detections.NewDetector(rt.Config, rt.Segmenter, detections.WithDebugTimings(cfg.Debug))

	store, history, closeStore, storeKind, err := openStore(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to open position store")
		return
	}
	defer closeStore()

	opts := func(key string) providers.Options {
		return providers.Options{APIKey: key, Timeout: cfg.ProviderTimeout}
	}
	svc := vessels.NewService(vessels.Deps{
		Store:    store,
		History:  history,
		AIS:      providers.NewAISClient(opts(cfg.RapidAPIKey)),
		Weather:  providers.NewWeatherClient(opts(cfg.WeatherAPIKey)),
		Imagery:  providers.NewImageryClient(opts(cfg.MapboxToken)),
		Detector: detector,
	}, cfg.ProviderTimeout)

	state := &AppState{
		Detector:    detector,
		Vessels:     svc,
		Pool:        rt.Pool,
		Checkpoint:  rt.Checkpoint,
		StoreKind:   storeKind,
		Now:         time.Now,
		CORSOrigins: cfg.CORSOrigins,
	}

	srv := &http.Server{
		Handler:      state.routes(),
		Addr:         cfg.Addr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", storeKind).Msg("starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped")
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}
}

// openStore uses Postgres when DATABASE_URL is set and an in-process store otherwise
func openStore(ctx context.Context, cfg *config.Config) (positions.Store, positions.HistoryRecorder, func(), string, error) {
	if cfg.DatabaseURL == "" {
		m := positions.NewMemoryStore()
		return m, m, m.Close, "memory", nil
	}

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	pg, err := positions.OpenPostgres(openCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, "", err
	}
	return pg, pg, pg.Close, "postgres", nil
}
