package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reelsync/reelsync/internal/bridge"
	"github.com/reelsync/reelsync/internal/conflict"
	"github.com/reelsync/reelsync/internal/directory"
	"github.com/reelsync/reelsync/internal/gateway"
	"github.com/reelsync/reelsync/internal/health"
	"github.com/reelsync/reelsync/internal/protocol"
	"github.com/reelsync/reelsync/internal/recovery"
	"github.com/reelsync/reelsync/internal/room"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if getEnv("LOG_LEVEL", "") == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	clock := clockwork.NewRealClock()

	registry := room.NewRegistry(clock, room.Config{
		EventLogCapacity: cfg.Sync.EventLogCapacity,
		TeardownGrace:    cfg.Sync.TeardownGrace,
	})

	recoverer := recovery.NewManager(clock, recovery.Config{
		Window:       cfg.Recovery.Window,
		MaxDrift:     cfg.Recovery.MaxDrift,
		StepSize:     cfg.Recovery.StepSize,
		StepInterval: cfg.Recovery.StepInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := setupDirectory(ctx, cfg)

	var publisher gateway.Publisher
	var eventBridge *bridge.Bridge
	if cfg.NATS.Enabled {
		bridgeCfg := bridge.DefaultConfig()
		bridgeCfg.URL = cfg.NATS.URL
		eventBridge, err = bridge.New(ctx, bridgeCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect event bridge")
		}
		defer eventBridge.Close()
		publisher = eventBridge
	}

	strategy, err := conflict.ParseStrategy(cfg.Sync.ConflictStrategy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid conflict strategy")
	}

	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	service := gateway.NewService(cm, registry, recoverer, dir, publisher, clock, health.Config{
		PingInterval: cfg.Health.PingInterval,
		StaleAfter:   cfg.Health.StaleAfter,
	}, protocol.SyncSettings{
		DriftIntervalMs:  cfg.Sync.DriftInterval.Milliseconds(),
		SyncTolerance:    cfg.Sync.SyncTolerance,
		ConflictStrategy: strategy.String(),
	})

	go cm.Run(ctx.Done())

	if eventBridge != nil {
		go func() {
			if err := eventBridge.Consume(ctx, service.ApplyRemote); err != nil {
				log.Error().Err(err).Msg("event bridge consumer failed")
			}
		}()
	}

	server := setupServer(cfg, service, gateway.NewStateHandler(registry, cm, recoverer))

	go func() {
		log.Info().Str("addr", server.Addr).Msg("relay server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop all periodic work: broadcast loop, bridge consumer, then every
	// timer held by the engine.
	cancel()
	registry.Close()
	recoverer.Close()

	log.Info().Msg("relay shutdown complete")
}

func setupDirectory(ctx context.Context, cfg *Config) directory.Directory {
	if !cfg.Database.Enabled {
		log.Info().Msg("membership database disabled, using static directory")
		return directory.NewStatic()
	}

	pg, err := directory.NewPostgres(ctx, cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to membership database")
	}
	log.Info().
		Str("host", cfg.Database.Host).
		Str("database", cfg.Database.Database).
		Msg("connected to membership database")
	return pg
}
