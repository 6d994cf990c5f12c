package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-net/frameengine/internal/api"
	"github.com/lorawan-net/frameengine/internal/config"
	"github.com/lorawan-net/frameengine/internal/engine"
	"github.com/lorawan-net/frameengine/internal/storage"
	"github.com/lorawan-net/frameengine/internal/transport"
)

func main() {
	var configPath = flag.String("config", "config/network-server.yml", "path to the YAML configuration file")
	var validateOnly = flag.Bool("validate", false, "validate the configuration file and exit")
	var showConfig = flag.Bool("show-config", false, "print the loaded configuration and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("unknown log level, defaulting to info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if *showConfig {
		cfg.PrintConfigSummary()
		return
	}

	if *validateOnly {
		cfg.PrintConfigSummary()
		fmt.Println("config OK")
		return
	}

	log.Info().Str("config_path", *configPath).Str("network", cfg.Network.Name).Msg("frame engine starting")

	store, err := newStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.Name(cfg.NATS.ClientID))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer nc.Close()

	eng := engine.New(store, engine.ZerologSink{Logger: log.Logger}, cfg.Engine.MaxLostAfterReset, cfg.Engine.RxDelay)

	gatewayTransport := transport.NewNATSTransport(nc, eng, cfg.Engine.RX1DROffset)

	restServer := api.NewRESTServer(cfg, store, eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := gatewayTransport.Start(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("gateway transport stopped")
			cancel()
		}
	}()

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := restServer.ListenAndServe(addr); err != nil && err.Error() != "http: Server closed" {
			log.Error().Err(err).Msg("admin API server stopped")
			cancel()
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
		log.Info().Msg("context cancelled, shutting down")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := restServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin API did not shut down cleanly")
	}

	log.Info().Msg("frame engine stopped")
}

func newStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return storage.NewPostgresStore(cfg.Storage.DSN)
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
