// claudegate is the gateway binary: it loads configuration, wires the
// pipeline, and serves until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/claudegate/claudegate/internal/auth"
	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/credentials"
	"github.com/claudegate/claudegate/internal/linker"
	"github.com/claudegate/claudegate/internal/proxy"
	"github.com/claudegate/claudegate/internal/ratelimit"
	"github.com/claudegate/claudegate/internal/store"
	"github.com/claudegate/claudegate/internal/tokencount"
)

func main() {
	configPath := flag.String("config", "claudegate.yaml", "path to the config file")
	flag.Parse()

	// Secrets referenced as ${VAR} in the config may live in a .env file.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Log)

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Storage.Path).Msg("failed to open request store")
	}
	defer st.Close()

	limiter, cleanup, err := buildLimiter(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build rate limiter")
	}
	limiter.Start()
	defer limiter.Stop()
	defer cleanup()

	p := proxy.New(cfg, proxy.Deps{
		Gate:        auth.NewGate(cfg.Tenants),
		Credentials: credentials.NewResolver(cfg.Tenants),
		Limiter:     limiter,
		Linker:      linker.New(st),
		Store:       st,
		Estimator:   tokencount.NewEstimator(),
		Registry:    prometheus.NewRegistry(),
		Logger:      log.Logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- p.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown did not complete cleanly")
		}
	}
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// buildLimiter selects the rate-limit backend from config. The returned
// cleanup closes backend connections on shutdown.
func buildLimiter(cfg *config.Config) (*ratelimit.Limiter, func(), error) {
	if !cfg.RateLimit.Enabled {
		return ratelimit.NewLimiter(nil, false), func() {}, nil
	}

	limits := ratelimit.Limits{
		Requests:      cfg.RateLimit.RequestsPerWindow,
		Tokens:        cfg.RateLimit.TokensPerWindow,
		Window:        cfg.RateLimit.Window,
		BlockDuration: cfg.RateLimit.BlockDuration,
	}

	if cfg.RateLimit.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Address,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis backend unreachable: %w", err)
		}
		return ratelimit.NewLimiter(ratelimit.NewRedisStore(client, limits), true),
			func() { _ = client.Close() }, nil
	}

	mem := ratelimit.NewMemoryStore(limits, config.DefaultBucketGCInterval)
	return ratelimit.NewLimiter(mem, true), func() {}, nil
}
