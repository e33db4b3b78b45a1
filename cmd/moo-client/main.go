package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/moo"
	"github.com/adred-codev/moo/internal/metrics"
	"github.com/adred-codev/moo/internal/logging"
	"github.com/rs/zerolog"

	_ "go.uber.org/automaxprocs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	metricsAddr := flag.String("metrics-addr", ":9331", "address to serve /metrics on")
	flag.Parse()

	bootstrap := zerolog.New(os.Stdout).With().Timestamp().Logger()

	maxProcs := runtime.GOMAXPROCS(0)
	bootstrap.Info().Int("gomaxprocs", maxProcs).Msg("automaxprocs applied")

	cfg, err := moo.LoadConfigFromEnv(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: logging.Level(cfg.LogLevel), Format: logging.Format(cfg.LogFormat)})
	cfg.LogConfig(logger)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		logger.Info().Str("addr", *metricsAddr).Msg("serving /metrics")
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server exited")
		}
	}()

	conn := moo.New(*cfg, logger)
	defer conn.Close()

	go func() {
		for ev := range conn.Events() {
			logger.Info().Str("event", ev.Kind.String()).Interface("data", ev.Data).Msg("connection event")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HandshakeTimeout+cfg.RequestTimeout)
	defer cancel()
	if err := conn.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start connection")
	}

	if cfg.EnableDiscovery {
		watchCtx, watchCancel := context.WithCancel(context.Background())
		defer watchCancel()
		conn.WatchCores(watchCtx)
	}

	sweep := time.NewTicker(cfg.RequestTimeout * 2)
	defer sweep.Stop()
	go func() {
		for range sweep.C {
			conn.Sweep(cfg.RequestTimeout * 2)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	conn.Disconnect()
}
