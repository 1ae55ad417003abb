package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/martocorp/deployment-queue-api/internal/app/migrate"
	httpx "github.com/martocorp/deployment-queue-api/internal/http"
	"github.com/martocorp/deployment-queue-api/internal/repository/postgres"
	"github.com/martocorp/deployment-queue-api/internal/service/auth"
	"github.com/martocorp/deployment-queue-api/internal/service/deployment"
	"github.com/martocorp/deployment-queue-api/internal/service/release"
	"github.com/martocorp/deployment-queue-api/internal/ws"
	"github.com/martocorp/deployment-queue-api/pkg/config"
	"github.com/martocorp/deployment-queue-api/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("deployment-queue-api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()

	authSvc := auth.New(auth.Config{
		Enabled:              cfg.AuthEnabled,
		DevOrganisation:      cfg.DevOrganisation,
		OIDCIssuer:           cfg.GitHubOIDCIssuer,
		Audience:             cfg.GitHubOIDCAudience,
		GitHubAPIURL:         cfg.GitHubAPIURL,
		GitHubAPIVersion:     cfg.GitHubAPIVersion,
		AllowedOrganisations: cfg.AllowedOrganisations,
		JWKSCacheTTL:         cfg.JWKSCacheTTL,
		OrgCacheTTL:          cfg.OrgCacheTTL,
		HTTPTimeout:          cfg.GitHubTimeout,
	}, log)

	releases := release.NewRegistry(log)
	deploySvc := deployment.New(repo, releases, hub, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, deploySvc, hub, limiter, pool.Ping)
	defer router.Close()

	apiSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	mgmtSrv := &http.Server{
		Addr:              cfg.ManagementAddr,
		Handler:           httpx.NewManagement(pool.Ping),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 2)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- apiSrv.ListenAndServe()
	}()
	go func() {
		log.Info("management server starting", "addr", cfg.ManagementAddr)
		errorCh <- mgmtSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := mgmtSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("management shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
