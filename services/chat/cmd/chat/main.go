package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"minicontratos/internal/ratelimit"
	"minicontratos/internal/sessiontoken"
	"minicontratos/internal/util"
	"minicontratos/pkg/ai"
	"minicontratos/pkg/events"
	"minicontratos/pkg/state"
	"minicontratos/pkg/store"
	"minicontratos/services/chat/internal/app"
	"minicontratos/services/chat/internal/config"
	"minicontratos/services/chat/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel, "chat")

	sessionTTL, err := config.ParseDuration("sessionTTL", cfg.SessionTTL, sessiontoken.DefaultTokenTTL)
	if err != nil {
		util.Fatal("failed to parse session ttl", "err", err)
	}
	signInLatency, err := config.ParseDuration("signInLatency", cfg.SignInLatency, state.DefaultSignInLatency)
	if err != nil {
		util.Fatal("failed to parse sign-in latency", "err", err)
	}
	replyDelay, err := config.ParseDuration("replyDelay", cfg.ReplyDelay, ai.DefaultMockDelay)
	if err != nil {
		util.Fatal("failed to parse reply delay", "err", err)
	}

	snapshots, closeSnapshots, err := store.Open(store.Options{
		Driver:        cfg.StorageDriver,
		DataDir:       cfg.DataDir,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		RedisPrefix:   cfg.SnapshotPrefix,
		DatabaseURL:   cfg.DatabaseURL,
		Object: store.ObjectConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			Prefix:    cfg.SnapshotPrefix,
		},
	})
	if err != nil {
		util.Fatal("failed to open snapshot store", "driver", cfg.StorageDriver, "err", err)
	}
	defer func() {
		if err := closeSnapshots(); err != nil {
			logger.Warn("snapshot store close failed", "err", err)
		}
	}()

	bus := events.NewBus(cfg.EventBuffer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCore, err := app.New(ctx, app.Config{
		Snapshots:     snapshots,
		Publisher:     bus,
		Generator:     ai.NewMockGenerator(replyDelay),
		SignInLatency: signInLatency,
		Logger:        logger,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	tokens, err := sessiontoken.NewManager(sessiontoken.Options{
		Secret: cfg.SessionSecret,
		TTL:    sessionTTL,
	})
	if err != nil {
		util.Fatal("failed to init session tokens", "err", err)
	}

	signInLimiter := newLimiter(cfg, "signin", cfg.SignInRateLimitPerMinute)
	signUpLimiter := newLimiter(cfg, "signup", cfg.SignUpRateLimitPerMinute)

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("invalid trusted proxy cidrs", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Tokens:         tokens,
		Bus:            bus,
		SignInLimiter:  signInLimiter,
		SignUpLimiter:  signUpLimiter,
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// long enough for a reply to complete; /api/events clears its own deadline
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("chat server listening", "addr", addr, "storage", cfg.StorageDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		bus.Close()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.AMQPURL != "" {
		forwarder, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			util.Fatal("failed to connect amqp", "err", err)
		}
		defer forwarder.Close()
		sub := bus.Subscribe()
		g.Go(func() error {
			return forwarder.Run(gctx, sub)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	appCore.Close()
	for _, l := range []*ratelimit.FixedWindowLimiter{signInLimiter, signUpLimiter} {
		if l != nil {
			_ = l.Close()
		}
	}
	slog.Info("chat server stopped")
}

func newLimiter(cfg config.FileConfig, name string, perMinute int) *ratelimit.FixedWindowLimiter {
	if perMinute <= 0 {
		return nil
	}
	limiter, err := ratelimit.NewFixedWindowLimiter(ratelimit.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Prefix:   "minicontratos:chat:ratelimit:" + name,
		Limit:    perMinute,
		Window:   time.Minute,
	})
	if err != nil {
		util.Fatal("failed to init rate limiter", "name", name, "err", err)
	}
	return limiter
}
