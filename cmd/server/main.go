// The HTTP boundary binary: auth, document enqueue/list/delete, ops
// enqueue, progress read. It never processes documents — cmd/process
// owns the pipeline; the two cooperate only through the database and
// the shared spool directory.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixell07/multi-tenant-ai/internal/api"
	"github.com/pixell07/multi-tenant-ai/internal/auth"
	"github.com/pixell07/multi-tenant-ai/internal/config"
	"github.com/pixell07/multi-tenant-ai/internal/connector"
	"github.com/pixell07/multi-tenant-ai/internal/document"
	"github.com/pixell07/multi-tenant-ai/internal/execution"
	"github.com/pixell07/multi-tenant-ai/internal/migrate"
	"github.com/pixell07/multi-tenant-ai/internal/opsrequest"
	"github.com/pixell07/multi-tenant-ai/internal/progress"
	"github.com/pixell07/multi-tenant-ai/internal/tenant"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	if err := migrate.Up(cfg.DatabaseURL); err != nil {
		slog.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to database")

	spool, err := connector.NewDir(cfg.SpoolDir)
	if err != nil {
		slog.Error("failed to init spool directory", "error", err, "dir", cfg.SpoolDir)
		os.Exit(1)
	}

	tenantRepo := tenant.NewRepository(pool)
	docRepo := document.NewRepository(pool)
	execStore := execution.NewStore(pool)
	opsRepo := opsrequest.NewRepository(pool)
	progressStore := progress.NewStore(pool)
	jwtManager := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiry)
	tenantSvc := tenant.NewService(tenantRepo, jwtManager)

	router := api.NewRouter(api.RouterDeps{
		TenantService: tenantSvc,
		Documents:     docRepo,
		Executions:    execStore,
		OpsRequests:   opsRepo,
		Progress:      progressStore,
		Spool:         spool,
		JWTManager:    jwtManager,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		slog.Info("server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slog.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
	slog.Info("server stopped")
}
