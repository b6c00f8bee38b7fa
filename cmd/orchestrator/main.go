package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/app/migrate"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/app/stack"
	httpx "github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/http"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/repository"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/repository/memory"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/repository/postgres"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/ws"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/callback"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/config"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/crypto"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/logger"
)

func main() {
	cfg := config.LoadOrchestratorConfig()
	log := logger.New("orchestrator", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store    repository.Store
		dbHealth func(context.Context) error
	)
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set; records are kept in memory only")
		store = memory.New()
	} else {
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
		store = postgres.New(pool)
		dbHealth = pool.Ping
	}

	vault, err := crypto.NewVault(cfg.VaultPassphrase, cfg.VaultSalt)
	if err != nil {
		log.Error("failed to initialise credential vault", "error", err)
		os.Exit(1)
	}

	sshDialer, err := remote.NewSSHDialer(remote.SSHConfig{
		ConnectTimeout: cfg.SSHConnectTimeout,
		CommandTimeout: cfg.SSHCommandTimeout,
		KnownHostsFile: cfg.SSHKnownHosts,
	}, log.With("component", "ssh"))
	if err != nil {
		log.Error("failed to configure ssh", "error", err)
		os.Exit(1)
	}
	dialer := remote.AuditedDialer(sshDialer, log.With("component", "remote"), remote.NewMetrics(prometheus.DefaultRegisterer))

	hub := ws.NewHub(log.With("component", "events"))
	defer hub.Close()

	deps := stack.Deps{
		Dialer: dialer,
		Store:  store,
		Vault:  vault,
		Events: stack.Metered(hub, prometheus.DefaultRegisterer),
		Logger: log,
	}
	if url := strings.TrimSpace(cfg.CallbackURL); url != "" {
		notifier, err := callback.NewNotifier(url, cfg.CallbackToken, &http.Client{Timeout: cfg.CallbackTimeout})
		if err != nil {
			log.Error("failed to configure deploy callback", "error", err)
			os.Exit(1)
		}
		deps.Notifier = notifier
	}
	components := stack.New(cfg, deps)

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

	router := httpx.NewRouter(httpx.Options{
		Logger:          log.With("component", "http"),
		Service:         components.Deploy,
		Servers:         store,
		Vault:           vault,
		Hub:             hub,
		Limiter:         limiter,
		JWTSecret:       cfg.JWTSecret,
		APIKeyHash:      cfg.APIKeyHash,
		WritesPerMinute: cfg.RateLimitPerMinute,
		EventBuffer:     cfg.EventBuffer,
		DBHealth:        dbHealth,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator starting", "addr", cfg.Addr, "env", cfg.Environment, "proxy_engine", cfg.ProxyEngine)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("orchestrator stopped, waiting for running operations")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
