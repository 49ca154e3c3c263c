package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/staffdesk/staffdesk/internal/app"
	"github.com/staffdesk/staffdesk/internal/auth"
	"github.com/staffdesk/staffdesk/internal/gate"
	"github.com/staffdesk/staffdesk/internal/observability"
	"github.com/staffdesk/staffdesk/internal/permissions"
	"github.com/staffdesk/staffdesk/internal/platform/cache"
	"github.com/staffdesk/staffdesk/internal/platform/db"
	"github.com/staffdesk/staffdesk/internal/rbac"
	"github.com/staffdesk/staffdesk/internal/roles"
	"github.com/staffdesk/staffdesk/internal/shared"
	"github.com/staffdesk/staffdesk/internal/users"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	// Panics on drift between the compiled keys and the embedded catalog.
	catalog := permissions.Default()

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.StoreTimeout)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if cfg.SeedCatalog {
		seedCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		err := permissions.Seed(seedCtx, dbpool, catalog)
		cancel()
		if err != nil {
			logger.Error("seed permission catalog", slog.Any("error", err))
			os.Exit(1)
		}
	}

	metrics := observability.NewMetrics()

	// The evaluator runs without a shared cache when redis is down.
	var roleCache rbac.RoleCache
	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.EvaluatorTimeout)
	if err != nil {
		logger.Warn("redis unavailable, permission cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		c, err := rbac.NewCache(redisClient, cfg.PermissionCacheTTL, cfg.PermissionCacheSize)
		if err != nil {
			logger.Error("permission cache", slog.Any("error", err))
			os.Exit(1)
		}
		roleCache = c
	}

	auditLogger := shared.NewAuditLogger(dbpool)

	roleRepo := roles.NewRepository(dbpool)
	evaluator := rbac.NewEvaluator(catalog, roleRepo, rbac.Options{
		Cache:   roleCache,
		Timeout: cfg.EvaluatorTimeout,
		Logger:  logger,
		Metrics: metrics,
	})
	// Sessions rebuild after the evaluator has dropped its cached grants. The
	// manager reads roles through the store, so it joins the list once built.
	invalidators := roles.Invalidators{evaluator}
	roleStore := roles.NewStore(roleRepo, catalog, roles.Options{
		ProtectedNames: cfg.ProtectedRoles,
		Timeout:        cfg.StoreTimeout,
		Invalidator:    &invalidators,
		Audit:          auditLogger,
		Logger:         logger,
		Metrics:        metrics,
	})
	profileRepo := users.NewRepository(dbpool, cfg.StoreTimeout)

	sessions := auth.NewManager(auth.Dependencies{
		Profiles:    profileRepo,
		Roles:       roleStore,
		Permissions: evaluator,
		Timeout:     cfg.StoreTimeout + cfg.EvaluatorTimeout,
		Logger:      logger,
		Metrics:     metrics,
	}, cfg.SessionIdleTTL)
	invalidators = append(invalidators, sessions)
	go sessions.Run(ctx)

	guard := gate.Middleware{
		Gate:     gate.New(catalog, evaluator, metrics),
		Sessions: sessions,
		Logger:   logger,
	}

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		AuthHandler:  auth.NewHandler(sessions, logger, auth.NewWebhookVerifier(cfg.IDPWebhookSecret)),
		RolesHandler: roles.NewHandler(logger, roleStore, catalog, guard),
		UsersHandler: users.NewHandler(logger, profileRepo, roleStore, sessions, auditLogger, guard),
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	sessions.Close()
}
