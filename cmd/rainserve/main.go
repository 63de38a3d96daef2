package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rainfall-scorer/internal/api"
	"rainfall-scorer/internal/cfg"
	"rainfall-scorer/internal/metrics"
	"rainfall-scorer/internal/ml"
	"rainfall-scorer/internal/pipeline"
	"rainfall-scorer/internal/sink"
	"rainfall-scorer/internal/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(c.MetricsNamespace)
	mw := metrics.NewWrapper(m)

	service, err := ml.NewService(c.Backend, c.InferenceURL, c.InferenceTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("inference backend setup failed")
	}
	adapter := ml.NewAdapter(service, m, c.Unit)
	defer adapter.Close()

	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	opts := pipeline.Options{Metrics: m}
	handlerOpts := api.HandlerOptions{DefaultModel: c.Model(), OutputDir: c.OutputDir}
	if store != nil {
		opts.Archive = store
		handlerOpts.Runs = store
	}
	if writer := initializeSink(c, mw); writer != nil {
		defer writer.Close()
		opts.Publisher = writer
	}
	session := pipeline.NewSession(adapter, opts)

	// A missing model is not fatal: one can be loaded later through the API.
	if err := adapter.Load(ctx, c.Model()); err != nil {
		log.Warn().Msg(pipeline.Describe(err))
	}

	server := api.NewServer(api.NewHandler(session, adapter, handlerOpts), api.ServerOptions{
		Port:    c.HTTPPort,
		Metrics: promhttp.Handler(),
	})
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("server start failed")
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
}

// initializeStorage opens the run archive if DATA_PATH is configured
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without run archive")
		return nil
	}
	return store
}

func initializeSink(c cfg.Settings, mw *metrics.MetricsWrapper) *sink.Writer {
	if len(c.KafkaBrokers) == 0 {
		return nil
	}
	log.Info().Strs("brokers", c.KafkaBrokers).Str("topic", c.KafkaTopic).Msg("Publishing scored rows to Kafka")
	return sink.NewWriter(c.KafkaBrokers, c.KafkaTopic, mw.SinkPublished(), mw.SinkErrors())
}
