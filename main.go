package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/egor/ecochatserver/autoreply"
	"github.com/egor/ecochatserver/config"
	"github.com/egor/ecochatserver/conversation"
	"github.com/egor/ecochatserver/database"
	"github.com/egor/ecochatserver/handlers"
	"github.com/egor/ecochatserver/middleware"
	"github.com/egor/ecochatserver/presence"
	"github.com/egor/ecochatserver/receipts"
	"github.com/egor/ecochatserver/router"
	"github.com/egor/ecochatserver/websocket"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (database.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverPebble:
		return database.OpenPebble(cfg.Store.PebblePath, log)
	case config.DriverMemory:
		log.Warn("using the in-memory store, messages are lost on restart")
		return database.NewMemory(), nil
	}
	pg, err := database.OpenPostgres(ctx, cfg.Store.Postgres, log)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, err
	}
	return pg, nil
}

func run(cfg config.Config, log *zap.Logger) error {
	if cfg.UsingDevSecret() {
		log.Warn("JWT_SECRET not set, using the development secret")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer store.Close()

	templates, err := autoreply.NewService(ctx, store, log)
	if err != nil {
		return err
	}

	hub := websocket.NewHub(log)
	registry := conversation.NewRegistry()
	rt := router.New(store, registry, hub, templates, log)
	restored, err := rt.Restore(ctx)
	if err != nil {
		return err
	}
	log.Info("conversations restored", zap.Int("count", restored))
	gateway := handlers.NewGateway(
		hub,
		rt,
		receipts.NewTracker(store, registry, log),
		presence.NewTracker(hub, log),
		templates,
		middleware.NewAuthenticator(cfg.Auth.JWTSecret),
		handlers.GatewayConfig{
			AllowedOrigins:  cfg.AllowedOrigins(),
			AllowAllOrigins: cfg.Origins.AllowAll,
			RateLimit:       rate.Limit(cfg.RateLimit.RPS),
			RateBurst:       cfg.RateLimit.Burst,
		},
		log,
	)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger(log))
	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.Origins.AllowAll {
		corsCfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins()
	}
	r.Use(cors.New(corsCfg))
	gateway.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", cfg.Server.ListenAddr), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	// closing the hub first ends every websocket, which Shutdown does not track
	stopHub()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	return nil
}
