// Package main runs the lobby server: it authenticates players over WebSocket,
// pairs those who ask for a match, and hands each pair a dedicated game server.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/auth"
	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/frontend/handlers"
	"github.com/cory-johannsen/lobby/internal/frontend/websocket"
	"github.com/cory-johannsen/lobby/internal/lobby"
	"github.com/cory-johannsen/lobby/internal/matchmaking"
	"github.com/cory-johannsen/lobby/internal/observability"
	"github.com/cory-johannsen/lobby/internal/provision"
	"github.com/cory-johannsen/lobby/internal/server"
	"github.com/cory-johannsen/lobby/internal/storage/postgres"
	"github.com/cory-johannsen/lobby/internal/storage/presence"
)

// healthTimeout bounds each dependency check behind /healthz.
const healthTimeout = 2 * time.Second

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server.NodeID)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting lobby server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("path", cfg.Server.Path),
		zap.String("playfab_endpoint", cfg.PlayFab.Endpoint()),
		zap.Strings("regions", cfg.PlayFab.PreferredRegions),
	)

	ctx := context.Background()
	lifecycle := server.NewLifecycle(logger)
	registry := lobby.NewRegistry()
	metrics := observability.NewMetrics(registry)

	var (
		recorder     matchmaking.MatchRecorder = matchmaking.NopRecorder{}
		tracker      presence.Tracker          = presence.NopTracker{}
		acceptorOpts []websocket.Option
	)

	if cfg.Database.Enabled {
		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database, "lobby-"+cfg.Server.NodeID)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Int("port", cfg.Database.Port),
			zap.String("database", cfg.Database.Name),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		matches := postgres.NewMatchRepository(pool.DB())
		recorder = matches
		acceptorOpts = append(acceptorOpts,
			websocket.WithHealthCheck("database", func(ctx context.Context) error {
				return pool.Health(ctx, healthTimeout)
			}),
			websocket.WithRoute(handlers.HistoryPattern, handlers.NewHistoryHandler(matches, logger.Named("history"))),
		)
		lifecycle.Add("postgres", &server.FuncService{StopFn: pool.Close})
	}

	if cfg.Presence.Enabled {
		redisTracker, err := presence.NewRedisTracker(ctx, cfg.Presence, cfg.Server.NodeID)
		if err != nil {
			logger.Fatal("connecting to presence store", zap.Error(err))
		}
		logger.Info("presence store connected", zap.String("addr", cfg.Presence.Addr), zap.Duration("ttl", cfg.Presence.TTL))
		tracker = redisTracker
		lifecycle.Add("presence", &server.FuncService{StopFn: func() {
			if err := redisTracker.Close(); err != nil {
				logger.Warn("closing presence store", zap.Error(err))
			}
		}})
	}

	if cfg.Metrics.Enabled {
		acceptorOpts = append(acceptorOpts, websocket.WithMetrics(cfg.Metrics.Path, metrics.Handler()))
	} else {
		metrics = nil
	}

	gateway := auth.NewGateway(
		auth.NewSteamProvider(cfg.Steam, &http.Client{Timeout: cfg.Steam.Timeout}),
		cfg.Steam.Timeout,
		logger.Named("auth"),
	)
	engine := matchmaking.NewEngine(
		registry,
		provision.NewPlayFabClient(cfg.PlayFab, &http.Client{Timeout: cfg.PlayFab.Timeout}),
		recorder,
		metrics,
		matchmaking.Options{
			BuildID:          cfg.PlayFab.BuildID,
			PreferredRegions: cfg.PlayFab.PreferredRegions,
			Timeout:          cfg.PlayFab.Timeout,
		},
		logger.Named("matchmaking"),
	)
	handler := handlers.NewLobbyHandler(gateway, registry, engine, tracker, metrics, logger.Named("session"))
	acceptor := websocket.NewAcceptor(cfg.Server, handler, logger, acceptorOpts...)

	lifecycle.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	logger.Info("lobby server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Bool("match_history", cfg.Database.Enabled),
		zap.Bool("presence", cfg.Presence.Enabled),
		zap.Bool("metrics", cfg.Metrics.Enabled),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
