package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/KeiranCPFlynn/flow402-credits/config"
	"github.com/KeiranCPFlynn/flow402-credits/idempotency"
	"github.com/KeiranCPFlynn/flow402-credits/ledger"
	"github.com/KeiranCPFlynn/flow402-credits/postgres"
	"github.com/KeiranCPFlynn/flow402-credits/server"
	"github.com/KeiranCPFlynn/flow402-credits/signature"
	"github.com/KeiranCPFlynn/flow402-credits/tenant"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	tenantID, err := cfg.Gateway.ParsedTenantID()
	if err != nil {
		logger.Fatal("invalid tenant id", zap.Error(err))
	}

	logger.Info("starting gateway",
		zap.String("service", cfg.Service.Name),
		zap.Int("port", cfg.Service.Port),
		zap.String("tenant", tenantID.String()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.Postgres.DSN(), cfg.Postgres.MaxConnections)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to postgres",
		zap.String("host", cfg.Postgres.Host),
		zap.String("database", cfg.Postgres.Database))

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("failed to apply schema", zap.Error(err))
	}

	registry := tenant.NewRegistry(
		tenant.NewPGSource(pool),
		time.Duration(cfg.Gateway.TenantCacheTTLSeconds)*time.Second,
	)
	verifier := signature.NewVerifier(time.Duration(cfg.Gateway.SignatureSkewSeconds) * time.Second)
	idemStore := idempotency.NewStore(pool, time.Duration(cfg.Gateway.IdempotencyTTLHours)*time.Hour, logger)
	idemStore.StartCleanup(ctx, time.Duration(cfg.Gateway.CleanupIntervalMinutes)*time.Minute, 500)
	engine := ledger.NewEngine(pool, logger)

	srv := server.New(server.Config{
		TenantID:       tenantID,
		RequestTimeout: time.Duration(cfg.Service.RequestTimeoutSeconds) * time.Second,
	}, verifier, registry, idemStore, engine, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:      srv.Router(),
		ReadTimeout:  time.Duration(cfg.Service.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Service.WriteTimeoutSeconds) * time.Second,
	}

	go func() {
		logger.Info("gateway listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", zap.Error(err))
	}
	logger.Info("gateway exited")
}
